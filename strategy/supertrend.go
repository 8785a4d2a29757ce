package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// Supertrend follows the supertrend line direction, but only takes a fresh
// flip (within the last few bars) backed by above-average volume. Old,
// well-established flips are too late to chase.
type Supertrend struct {
	Base
	period    int
	mult      float64
	maxFlips  int // bars since flip still considered fresh
	volPeriod int
	volMin    float64
}

func NewSupertrend() *Supertrend {
	return &Supertrend{
		Base:      NewBase("supertrend"),
		period:    10,
		mult:      3.0,
		maxFlips:  3,
		volPeriod: 20,
		volMin:    1.2,
	}
}

func (s *Supertrend) MinBarsRequired() int { return s.period + s.volPeriod + 5 }

func (s *Supertrend) Analyze(_ context.Context, in Input) types.StrategySignal {
	line, dir := indicators.Supertrend(in.Highs, in.Lows, in.Closes, s.period, s.mult)
	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, s.period)
	if line == nil || dir == nil || atr == nil {
		return s.neutral(in.Pair)
	}

	price := indicators.Last(in.Closes)
	lastATR := indicators.Last(atr)
	n := len(dir)
	if lastATR <= 0 || n < 2 {
		return s.neutral(in.Pair)
	}

	cur := dir[n-1]
	if cur == 0 {
		return s.neutral(in.Pair)
	}

	// How many bars ago did the direction flip?
	barsSinceFlip := n
	for i := n - 2; i >= 0; i-- {
		if dir[i] != cur {
			barsSinceFlip = n - 1 - i
			break
		}
	}
	if barsSinceFlip > s.maxFlips {
		return s.neutral(in.Pair)
	}

	volRatio := indicators.VolumeRatio(in.Volumes, s.volPeriod)
	if volRatio < s.volMin {
		return s.neutral(in.Pair)
	}

	var d types.Direction
	if cur > 0 {
		d = types.DirectionLong
	} else {
		d = types.DirectionShort
	}

	strength := clamp01(0.5 + (volRatio-s.volMin)*0.2)
	confidence := clamp01(0.55 - float64(barsSinceFlip-1)*0.07)

	stop, take := indicators.ComputeSLTP(price, lastATR, cur, in.SLMult, in.TPMult, in.RoundTripFeePct)
	// The supertrend line itself is a natural stop when it is tighter.
	st := indicators.Last(line)
	if cur > 0 && st > stop && st < price {
		stop = st
	} else if cur < 0 && st < stop && st > price {
		stop = st
	}

	return s.signal(in.Pair, d, strength, confidence, price, stop, take, map[string]float64{
		"supertrend":      st,
		"vol_ratio":       volRatio,
		"bars_since_flip": float64(barsSinceFlip),
	})
}
