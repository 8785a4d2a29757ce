package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// StochasticDivergence hunts for price/oscillator divergence: price prints a
// lower low while %K prints a higher low (bullish), or a higher high against
// a lower %K high (bearish), with %K in the extreme zone.
type StochasticDivergence struct {
	Base
	fastK    int
	slowK    int
	slowD    int
	lookback int
}

func NewStochasticDivergence() *StochasticDivergence {
	return &StochasticDivergence{
		Base:     NewBase("stoch_div"),
		fastK:    14,
		slowK:    3,
		slowD:    3,
		lookback: 12,
	}
}

func (s *StochasticDivergence) MinBarsRequired() int {
	return s.fastK + s.slowK + s.slowD + 2*s.lookback
}

func (s *StochasticDivergence) Analyze(_ context.Context, in Input) types.StrategySignal {
	k, d := indicators.Stochastic(in.Highs, in.Lows, in.Closes, s.fastK, s.slowK, s.slowD)
	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, 14)
	if k == nil || d == nil || atr == nil {
		return s.neutral(in.Pair)
	}

	price := indicators.Last(in.Closes)
	lastATR := indicators.Last(atr)
	lastK := indicators.Last(k)
	if lastATR <= 0 || indicators.IsNaN(lastK) {
		return s.neutral(in.Pair)
	}

	n := len(in.Closes)
	recent := in.Closes[n-s.lookback:]
	prior := in.Closes[n-2*s.lookback : n-s.lookback]
	kRecent := k[len(k)-s.lookback:]
	kPrior := k[len(k)-2*s.lookback : len(k)-s.lookback]

	recentLow, recentLowK := minWithOsc(recent, kRecent)
	priorLow, priorLowK := minWithOsc(prior, kPrior)
	recentHigh, recentHighK := maxWithOsc(recent, kRecent)
	priorHigh, priorHighK := maxWithOsc(prior, kPrior)

	var dir types.Direction
	var divergence float64
	switch {
	case recentLow < priorLow && recentLowK > priorLowK && lastK < 30:
		dir = types.DirectionLong
		divergence = recentLowK - priorLowK
	case recentHigh > priorHigh && recentHighK < priorHighK && lastK > 70:
		dir = types.DirectionShort
		divergence = priorHighK - recentHighK
	default:
		return s.neutral(in.Pair)
	}

	strength := clamp01(0.4 + divergence/50)
	zoneDepth := clamp01((30 - lastK) / 30)
	if dir == types.DirectionShort {
		zoneDepth = clamp01((lastK - 70) / 30)
	}
	confidence := clamp01(0.4 + zoneDepth*0.3)

	side := 1
	if dir == types.DirectionShort {
		side = -1
	}
	stop, take := indicators.ComputeSLTP(price, lastATR, side, in.SLMult, in.TPMult, in.RoundTripFeePct)
	return s.signal(in.Pair, dir, strength, confidence, price, stop, take, map[string]float64{
		"stoch_k":    lastK,
		"divergence": divergence,
	})
}

// minWithOsc returns the window's lowest price and the oscillator value on
// that bar. Windows are the same length by construction.
func minWithOsc(prices, osc []float64) (float64, float64) {
	lo, loOsc := prices[0], osc[0]
	for i := 1; i < len(prices); i++ {
		if prices[i] < lo {
			lo, loOsc = prices[i], osc[i]
		}
	}
	return lo, loOsc
}

func maxWithOsc(prices, osc []float64) (float64, float64) {
	hi, hiOsc := prices[0], osc[0]
	for i := 1; i < len(prices); i++ {
		if prices[i] > hi {
			hi, hiOsc = prices[i], osc[i]
		}
	}
	return hi, hiOsc
}
