package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// Keltner trades channel breakouts confirmed by MACD momentum, with RSI as
// a sanity check against chasing exhausted moves.
type Keltner struct {
	Base
	kcPeriod  int
	kcMult    float64
	rsiPeriod int
}

func NewKeltner() *Keltner {
	return &Keltner{
		Base:      NewBase("keltner"),
		kcPeriod:  20,
		kcMult:    2.0,
		rsiPeriod: 14,
	}
}

func (s *Keltner) MinBarsRequired() int { return 26 + 9 + s.kcPeriod }

func (s *Keltner) Analyze(_ context.Context, in Input) types.StrategySignal {
	upper, middle, lower := indicators.KeltnerChannels(in.Highs, in.Lows, in.Closes, s.kcPeriod, s.kcMult)
	_, _, hist := indicators.MACD(in.Closes, 12, 26, 9)
	rsi := indicators.RSI(in.Closes, s.rsiPeriod)
	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, s.kcPeriod)
	if upper == nil || hist == nil || rsi == nil || atr == nil {
		return s.neutral(in.Pair)
	}

	price := indicators.Last(in.Closes)
	up, mid, lo := indicators.Last(upper), indicators.Last(middle), indicators.Last(lower)
	h := indicators.Last(hist)
	r := indicators.Last(rsi)
	lastATR := indicators.Last(atr)
	if indicators.IsNaN(up) || indicators.IsNaN(h) || indicators.IsNaN(r) || lastATR <= 0 {
		return s.neutral(in.Pair)
	}

	// Histogram slope: momentum must be building, not fading.
	var hPrev float64
	if len(hist) >= 2 {
		hPrev = hist[len(hist)-2]
	}

	var dir types.Direction
	switch {
	case price > up && h > 0 && h >= hPrev && r < 75:
		dir = types.DirectionLong
	case price < lo && h < 0 && h <= hPrev && r > 25:
		dir = types.DirectionShort
	default:
		return s.neutral(in.Pair)
	}

	breakDist := (price - up) / lastATR
	if dir == types.DirectionShort {
		breakDist = (lo - price) / lastATR
	}
	strength := clamp01(0.45 + breakDist*0.5)
	confidence := clamp01(0.45 + absf(h)/(lastATR*0.5)*0.15)

	side := 1
	if dir == types.DirectionShort {
		side = -1
	}
	stop, take := indicators.ComputeSLTP(price, lastATR, side, in.SLMult, in.TPMult, in.RoundTripFeePct)
	return s.signal(in.Pair, dir, strength, confidence, price, stop, take, map[string]float64{
		"kc_middle": mid,
		"macd_hist": h,
		"rsi":       r,
	})
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
