package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// OrderFlow votes off the live book read: a strongly one-sided book score
// with a tight spread is a short-horizon directional edge. Without a recent
// BookAnalysis it abstains.
type OrderFlow struct {
	Base
	scoreMin     float64
	maxSpreadPct float64
}

func NewOrderFlow() *OrderFlow {
	return &OrderFlow{
		Base:         NewBase("orderflow"),
		scoreMin:     0.35,
		maxSpreadPct: 0.25,
	}
}

func (s *OrderFlow) MinBarsRequired() int { return 15 }

func (s *OrderFlow) Analyze(_ context.Context, in Input) types.StrategySignal {
	if in.Book == nil {
		return s.neutral(in.Pair)
	}
	book := in.Book
	if book.SpreadPct > s.maxSpreadPct {
		return s.neutral(in.Pair)
	}
	score := book.Score
	if absf(score) < s.scoreMin {
		return s.neutral(in.Pair)
	}

	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, 14)
	if atr == nil {
		return s.neutral(in.Pair)
	}
	price := indicators.Last(in.Closes)
	lastATR := indicators.Last(atr)
	if lastATR <= 0 {
		return s.neutral(in.Pair)
	}

	var dir types.Direction
	if score > 0 {
		dir = types.DirectionLong
	} else {
		dir = types.DirectionShort
	}

	// Short-term momentum agreeing with the book adds conviction.
	mom := indicators.Momentum(in.Closes, 5)
	agree := (score > 0 && mom > 0) || (score < 0 && mom < 0)

	strength := clamp01(0.4 + (absf(score)-s.scoreMin)*0.8)
	confidence := clamp01(0.4 + absf(book.OBI)*0.25)
	if agree {
		confidence = clamp01(confidence + 0.1)
	}

	side := 1
	if dir == types.DirectionShort {
		side = -1
	}
	stop, take := indicators.ComputeSLTP(price, lastATR, side, in.SLMult, in.TPMult, in.RoundTripFeePct)
	return s.signal(in.Pair, dir, strength, confidence, price, stop, take, map[string]float64{
		"book_score": score,
		"obi":        book.OBI,
		"spread_pct": book.SpreadPct,
		"whale_bias": book.WhaleBias,
	})
}
