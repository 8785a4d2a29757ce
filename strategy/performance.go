package strategy

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

const (
	perfWindow    = 50 // closed trades kept per strategy
	perfMinTrades = 10 // below this the factor stays neutral
	perfFloor     = 0.4
	perfCeil      = 2.0
)

type perfSample struct {
	pnl         float64
	trendRegime string
	volRegime   string
}

// Tracker keeps the last perfWindow closed-trade PnLs for one strategy and
// turns them into an adaptive weight multiplier. Regime-matched trades count
// double so a strategy that only works in trends is discounted in ranges.
type Tracker struct {
	mu      sync.RWMutex
	samples []perfSample
	next    int
	full    bool
}

func NewTracker() *Tracker {
	return &Tracker{samples: make([]perfSample, perfWindow)}
}

// Record appends a closed trade's PnL tagged with the regime it traded in.
func (t *Tracker) Record(pnl float64, trendRegime, volRegime string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = perfSample{pnl: pnl, trendRegime: trendRegime, volRegime: volRegime}
	t.next = (t.next + 1) % perfWindow
	if t.next == 0 {
		t.full = true
	}
}

// Count returns how many samples the window currently holds.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count()
}

func (t *Tracker) count() int {
	if t.full {
		return perfWindow
	}
	return t.next
}

// Factor returns the adaptive multiplier in [perfFloor, perfCeil] for the
// given regime. Neutral 1.0 until perfMinTrades samples exist.
func (t *Tracker) Factor(trendRegime, volRegime string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.count()
	if n < perfMinTrades {
		return 1.0
	}

	pnls := make([]float64, 0, n)
	weights := make([]float64, 0, n)
	wins, weightedTotal, weightedWins := 0.0, 0.0, 0.0
	for i := 0; i < n; i++ {
		s := t.samples[i]
		w := 1.0
		if s.trendRegime == trendRegime {
			w += 0.5
		}
		if s.volRegime == volRegime {
			w += 0.5
		}
		pnls = append(pnls, s.pnl)
		weights = append(weights, w)
		weightedTotal += w
		if s.pnl > 0 {
			wins++
			weightedWins += w
		}
	}

	mean := stat.Mean(pnls, weights)
	sd := math.Sqrt(stat.Variance(pnls, weights))
	sharpe := 0.0
	if sd > 1e-12 {
		sharpe = mean / sd
	}

	winRate := weightedWins / weightedTotal

	// Sigmoid squash keeps one monster trade from dominating the factor.
	squashed := 1.0 / (1.0 + math.Exp(-2*sharpe))

	factor := 0.5 + squashed + (winRate-0.5)*0.6
	return math.Max(perfFloor, math.Min(perfCeil, factor))
}
