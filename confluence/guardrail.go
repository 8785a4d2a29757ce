package confluence

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Guardrail auto-disables strategies that have gone cold. After every closed
// trade it re-evaluates the strategy's recent record; a window of N trades
// with win rate below minWinRate AND profit factor below minProfitFactor
// benches the strategy for disableFor.
type Guardrail struct {
	mu               sync.Mutex
	window           int
	minTrades        int
	minWinRate       float64
	minProfitFactor  float64
	disableFor       time.Duration
	pnls             map[string][]float64
	disabledUntil    map[string]time.Time
	onDisable        func(strategy string, until time.Time, winRate, pf float64)
	now              func() time.Time
}

// NewGuardrail builds a guardrail. window is the trade lookback, minTrades
// the floor before it can trip; non-positive values fall back to the
// defaults, configured values are honored as-is. onDisable may be nil.
func NewGuardrail(window, minTrades int, minWinRate, minProfitFactor float64, disableFor time.Duration,
	onDisable func(strategy string, until time.Time, winRate, pf float64)) *Guardrail {
	if minTrades <= 0 {
		minTrades = 20
	}
	if window < minTrades {
		window = minTrades
	}
	return &Guardrail{
		window:          window,
		minTrades:       minTrades,
		minWinRate:      minWinRate,
		minProfitFactor: minProfitFactor,
		disableFor:      disableFor,
		pnls:            make(map[string][]float64),
		disabledUntil:   make(map[string]time.Time),
		onDisable:       onDisable,
		now:             time.Now,
	}
}

// SetClock injects a clock for tests.
func (g *Guardrail) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// RecordPnL appends a closed trade's PnL for a strategy and re-evaluates
// the disable condition.
func (g *Guardrail) RecordPnL(strategy string, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := append(g.pnls[strategy], pnl)
	if len(list) > g.window {
		list = list[len(list)-g.window:]
	}
	g.pnls[strategy] = list

	if len(list) < g.minTrades {
		return
	}

	wins, winSum, lossSum := 0, 0.0, 0.0
	for _, p := range list {
		if p > 0 {
			wins++
			winSum += p
		} else {
			lossSum += p
		}
	}
	winRate := float64(wins) / float64(len(list))
	pf := math.Inf(1)
	if lossSum < 0 {
		pf = winSum / -lossSum
	}

	if winRate < g.minWinRate && pf < g.minProfitFactor {
		until := g.now().Add(g.disableFor)
		g.disabledUntil[strategy] = until
		log.Warn().
			Str("strategy", strategy).
			Float64("win_rate", winRate).
			Float64("profit_factor", pf).
			Time("until", until).
			Msg("⛔ Strategy guardrail tripped, disabling")
		if g.onDisable != nil {
			g.onDisable(strategy, until, winRate, pf)
		}
	}
}

// IsDisabled reports whether the strategy is currently benched.
func (g *Guardrail) IsDisabled(strategy string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.disabledUntil[strategy]
	if !ok {
		return false
	}
	if g.now().After(until) {
		delete(g.disabledUntil, strategy)
		return false
	}
	return true
}

// DisabledUntil returns the bench expiry, zero time if not disabled.
func (g *Guardrail) DisabledUntil(strategy string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledUntil[strategy]
}
