package confluence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HourStat is a UTC hour's historical trade record.
type HourStat struct {
	Trades  int
	WinRate float64
}

// HourlyStatsSource provides historical per-UTC-hour win rates. Implemented
// by the storage layer.
type HourlyStatsSource interface {
	HourlyWinRates(ctx context.Context) (map[int]HourStat, error)
}

// SessionAnalyzer turns historical hourly win rates into a confidence
// multiplier in [0.70, 1.15]. Hours with too few trades stay neutral at 1.0.
// Stats are cached; a failed refresh keeps the last good snapshot.
type SessionAnalyzer struct {
	source    HourlyStatsSource
	minTrades int
	cacheTTL  time.Duration

	mu        sync.Mutex
	stats     map[int]HourStat
	fetchedAt time.Time
	now       func() time.Time
}

const (
	sessionMultFloor = 0.70
	sessionMultCeil  = 1.15
)

func NewSessionAnalyzer(source HourlyStatsSource, minTradesPerHour int, cacheTTL time.Duration) *SessionAnalyzer {
	return &SessionAnalyzer{
		source:    source,
		minTrades: minTradesPerHour,
		cacheTTL:  cacheTTL,
		now:       time.Now,
	}
}

// SetClock injects a clock for tests.
func (s *SessionAnalyzer) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Multiplier returns the confidence multiplier for a UTC hour. Linear map
// from win rate: 0% → 0.70, 50% → ~0.93, 100% → 1.15.
func (s *SessionAnalyzer) Multiplier(ctx context.Context, hour int) float64 {
	if s == nil || s.source == nil {
		return 1.0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stats == nil || s.now().Sub(s.fetchedAt) > s.cacheTTL {
		stats, err := s.source.HourlyWinRates(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Session stats refresh failed, keeping cache")
		} else {
			s.stats = stats
			s.fetchedAt = s.now()
		}
	}

	st, ok := s.stats[hour]
	if !ok || st.Trades < s.minTrades {
		return 1.0
	}
	m := sessionMultFloor + st.WinRate*(sessionMultCeil-sessionMultFloor)
	if m < sessionMultFloor {
		m = sessionMultFloor
	}
	if m > sessionMultCeil {
		m = sessionMultCeil
	}
	return m
}
