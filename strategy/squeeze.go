package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// VolatilitySqueeze watches for Bollinger bands compressing inside the
// Keltner channel (the squeeze), then trades the expansion in the direction
// of the breakout bar. Momentum direction comes from the close vs a mid-term
// mean.
type VolatilitySqueeze struct {
	Base
	period    int
	bbStd     float64
	kcMult    float64
	squeezeLk int // bars of recent history scanned for an active squeeze
}

func NewVolatilitySqueeze() *VolatilitySqueeze {
	return &VolatilitySqueeze{
		Base:      NewBase("squeeze"),
		period:    20,
		bbStd:     2.0,
		kcMult:    1.5,
		squeezeLk: 6,
	}
}

func (s *VolatilitySqueeze) MinBarsRequired() int { return s.period*2 + s.squeezeLk }

func (s *VolatilitySqueeze) Analyze(_ context.Context, in Input) types.StrategySignal {
	bbU, _, bbL := indicators.BollingerBands(in.Closes, s.period, s.bbStd)
	kcU, kcM, kcL := indicators.KeltnerChannels(in.Highs, in.Lows, in.Closes, s.period, s.kcMult)
	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, s.period)
	if bbU == nil || kcU == nil || atr == nil {
		return s.neutral(in.Pair)
	}

	price := indicators.Last(in.Closes)
	lastATR := indicators.Last(atr)
	n := len(in.Closes)
	if lastATR <= 0 || n < s.squeezeLk+1 {
		return s.neutral(in.Pair)
	}

	// Squeeze on bar i: both bollinger bands inside the keltner channel.
	squeezed := func(i int) bool {
		return bbU[i] < kcU[i] && bbL[i] > kcL[i]
	}

	// Fire on release: squeeze held recently but the latest bar broke out.
	if squeezed(n - 1) {
		return s.neutral(in.Pair)
	}
	hadSqueeze := false
	for i := n - 1 - s.squeezeLk; i < n-1; i++ {
		if squeezed(i) {
			hadSqueeze = true
			break
		}
	}
	if !hadSqueeze {
		return s.neutral(in.Pair)
	}

	mid := indicators.Last(kcM)
	var dir types.Direction
	switch {
	case price > indicators.Last(bbU) && price > mid:
		dir = types.DirectionLong
	case price < indicators.Last(bbL) && price < mid:
		dir = types.DirectionShort
	default:
		return s.neutral(in.Pair)
	}

	// Expansion magnitude relative to ATR scales conviction.
	expansion := absf(price-mid) / lastATR
	strength := clamp01(0.45 + expansion*0.15)
	confidence := clamp01(0.5 + expansion*0.1)

	side := 1
	if dir == types.DirectionShort {
		side = -1
	}
	stop, take := indicators.ComputeSLTP(price, lastATR, side, in.SLMult, in.TPMult, in.RoundTripFeePct)
	return s.signal(in.Pair, dir, strength, confidence, price, stop, take, map[string]float64{
		"expansion": expansion,
		"kc_mid":    mid,
	})
}
