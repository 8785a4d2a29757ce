package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// MeanReversion fades extremes: price pierces a Bollinger band while RSI is
// stretched, bet on a snap back toward the middle band. Stands down when ADX
// says the market is trending.
type MeanReversion struct {
	Base
	bbPeriod  int
	bbStd     float64
	rsiPeriod int
	adxMax    float64
}

func NewMeanReversion() *MeanReversion {
	return &MeanReversion{
		Base:      NewBase("meanrev"),
		bbPeriod:  20,
		bbStd:     2.0,
		rsiPeriod: 14,
		adxMax:    25,
	}
}

func (s *MeanReversion) MinBarsRequired() int { return 2*14 + s.bbPeriod }

func (s *MeanReversion) Analyze(_ context.Context, in Input) types.StrategySignal {
	upper, middle, lower := indicators.BollingerBands(in.Closes, s.bbPeriod, s.bbStd)
	rsi := indicators.RSI(in.Closes, s.rsiPeriod)
	adx := indicators.ADX(in.Highs, in.Lows, in.Closes, 14)
	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, 14)
	if upper == nil || rsi == nil || adx == nil || atr == nil {
		return s.neutral(in.Pair)
	}

	price := indicators.Last(in.Closes)
	up, mid, lo := indicators.Last(upper), indicators.Last(middle), indicators.Last(lower)
	r := indicators.Last(rsi)
	a := indicators.Last(adx)
	lastATR := indicators.Last(atr)
	if indicators.IsNaN(up) || indicators.IsNaN(lo) || indicators.IsNaN(r) || lastATR <= 0 {
		return s.neutral(in.Pair)
	}
	if a >= s.adxMax {
		// Trending market, fading it is how mean reversion dies.
		return s.neutral(in.Pair)
	}

	var dir types.Direction
	var stretch float64
	bandWidth := up - lo
	if bandWidth <= 0 {
		return s.neutral(in.Pair)
	}
	switch {
	case price <= lo && r < 32:
		dir = types.DirectionLong
		stretch = (lo - price) / bandWidth
	case price >= up && r > 68:
		dir = types.DirectionShort
		stretch = (price - up) / bandWidth
	default:
		return s.neutral(in.Pair)
	}

	strength := clamp01(0.45 + stretch*2)
	rsiEdge := clamp01((32 - r) / 32)
	if dir == types.DirectionShort {
		rsiEdge = clamp01((r - 68) / 32)
	}
	confidence := clamp01(0.4 + rsiEdge*0.4)

	side := 1
	if dir == types.DirectionShort {
		side = -1
	}
	stop, take := indicators.ComputeSLTP(price, lastATR, side, in.SLMult, in.TPMult, in.RoundTripFeePct)
	return s.signal(in.Pair, dir, strength, confidence, price, stop, take, map[string]float64{
		"rsi":       r,
		"bb_middle": mid,
		"stretch":   stretch,
	})
}
