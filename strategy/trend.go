package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// Trend votes with the prevailing EMA stack when ADX confirms a real trend.
// Fast EMA above slow EMA with price above both, ADX >= 22, is a LONG; the
// mirror is a SHORT.
type Trend struct {
	Base
	fastPeriod int
	slowPeriod int
	adxPeriod  int
	adxMin     float64
}

func NewTrend() *Trend {
	return &Trend{
		Base:       NewBase("trend"),
		fastPeriod: 9,
		slowPeriod: 21,
		adxPeriod:  14,
		adxMin:     22,
	}
}

func (s *Trend) MinBarsRequired() int { return 2*s.adxPeriod + s.slowPeriod }

func (s *Trend) Analyze(_ context.Context, in Input) types.StrategySignal {
	fast := indicators.EMA(in.Closes, s.fastPeriod)
	slow := indicators.EMA(in.Closes, s.slowPeriod)
	adx := indicators.ADX(in.Highs, in.Lows, in.Closes, s.adxPeriod)
	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, s.adxPeriod)
	if fast == nil || slow == nil || adx == nil || atr == nil {
		return s.neutral(in.Pair)
	}

	price := indicators.Last(in.Closes)
	f, sl := indicators.Last(fast), indicators.Last(slow)
	a := indicators.Last(adx)
	lastATR := indicators.Last(atr)
	if indicators.IsNaN(f) || indicators.IsNaN(sl) || indicators.IsNaN(a) || lastATR <= 0 {
		return s.neutral(in.Pair)
	}
	if a < s.adxMin {
		return s.neutral(in.Pair)
	}

	var dir types.Direction
	switch {
	case f > sl && price > f:
		dir = types.DirectionLong
	case f < sl && price < f:
		dir = types.DirectionShort
	default:
		return s.neutral(in.Pair)
	}

	// Stronger ADX and wider EMA separation mean a more developed trend.
	sep := (f - sl) / price
	if dir == types.DirectionShort {
		sep = -sep
	}
	strength := clamp01(0.4 + (a-s.adxMin)/40 + sep*20)
	confidence := clamp01(0.45 + (a-s.adxMin)/60)

	side := 1
	if dir == types.DirectionShort {
		side = -1
	}
	stop, take := indicators.ComputeSLTP(price, lastATR, side, in.SLMult, in.TPMult, in.RoundTripFeePct)
	return s.signal(in.Pair, dir, strength, confidence, price, stop, take, map[string]float64{
		"adx":      a,
		"ema_fast": f,
		"ema_slow": sl,
	})
}
