package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// Reversal fires on RSI extremes with a confirmation bar: RSI dipped below
// the oversold line and the latest bar closed back up (or the mirror for
// overbought). The confirmation bar is what separates this from catching
// knives.
type Reversal struct {
	Base
	rsiPeriod  int
	oversold   float64
	overbought float64
}

func NewReversal() *Reversal {
	return &Reversal{
		Base:       NewBase("reversal"),
		rsiPeriod:  14,
		oversold:   25,
		overbought: 75,
	}
}

func (s *Reversal) MinBarsRequired() int { return s.rsiPeriod + 5 }

func (s *Reversal) Analyze(_ context.Context, in Input) types.StrategySignal {
	rsi := indicators.RSI(in.Closes, s.rsiPeriod)
	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, s.rsiPeriod)
	if rsi == nil || atr == nil || len(rsi) < 2 {
		return s.neutral(in.Pair)
	}

	price := indicators.Last(in.Closes)
	lastATR := indicators.Last(atr)
	if lastATR <= 0 {
		return s.neutral(in.Pair)
	}

	n := len(in.Closes)
	lastRSI := rsi[len(rsi)-1]
	prevRSI := rsi[len(rsi)-2]
	lastBarUp := in.Closes[n-1] > in.Opens[n-1]
	lastBarDown := in.Closes[n-1] < in.Opens[n-1]

	var dir types.Direction
	var depth float64
	switch {
	case prevRSI < s.oversold && lastRSI > prevRSI && lastBarUp:
		dir = types.DirectionLong
		depth = s.oversold - prevRSI
	case prevRSI > s.overbought && lastRSI < prevRSI && lastBarDown:
		dir = types.DirectionShort
		depth = prevRSI - s.overbought
	default:
		return s.neutral(in.Pair)
	}

	// Confirmation bar size relative to ATR.
	barRange := absf(in.Closes[n-1] - in.Opens[n-1])
	confirmSize := clamp01(barRange / lastATR)

	strength := clamp01(0.4 + depth/25)
	confidence := clamp01(0.35 + confirmSize*0.3 + depth/50)

	side := 1
	if dir == types.DirectionShort {
		side = -1
	}
	stop, take := indicators.ComputeSLTP(price, lastATR, side, in.SLMult, in.TPMult, in.RoundTripFeePct)
	return s.signal(in.Pair, dir, strength, confidence, price, stop, take, map[string]float64{
		"rsi":      lastRSI,
		"rsi_prev": prevRSI,
		"depth":    depth,
	})
}
