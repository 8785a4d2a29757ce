package strategy

import (
	"context"

	"github.com/gravix-labs/confluxbot/indicators"
	"github.com/gravix-labs/confluxbot/types"
)

// Ichimoku votes LONG when price sits above the cloud with Tenkan over Kijun
// and the lagging span confirming, SHORT on the full mirror. Inside the
// cloud it abstains.
type Ichimoku struct {
	Base
	tenkan  int
	kijun   int
	senkouB int
}

func NewIchimoku() *Ichimoku {
	return &Ichimoku{
		Base:    NewBase("ichimoku"),
		tenkan:  9,
		kijun:   26,
		senkouB: 52,
	}
}

func (s *Ichimoku) MinBarsRequired() int { return s.senkouB + s.kijun + 1 }

func (s *Ichimoku) Analyze(_ context.Context, in Input) types.StrategySignal {
	ich := indicators.ComputeIchimoku(in.Highs, in.Lows, in.Closes, s.tenkan, s.kijun, s.senkouB)
	atr := indicators.ATR(in.Highs, in.Lows, in.Closes, 14)
	if ich == nil || atr == nil {
		return s.neutral(in.Pair)
	}

	price := indicators.Last(in.Closes)
	lastATR := indicators.Last(atr)
	if lastATR <= 0 {
		return s.neutral(in.Pair)
	}

	cloudTop, cloudBottom := ich.CloudTop(), ich.CloudBottom()

	var dir types.Direction
	switch {
	case price > cloudTop && ich.Tenkan > ich.Kijun && ich.ChikouAbovePrice:
		dir = types.DirectionLong
	case price < cloudBottom && ich.Tenkan < ich.Kijun && !ich.ChikouAbovePrice:
		dir = types.DirectionShort
	default:
		return s.neutral(in.Pair)
	}

	// Distance from the cloud edge in ATRs is the conviction proxy.
	dist := (price - cloudTop) / lastATR
	if dir == types.DirectionShort {
		dist = (cloudBottom - price) / lastATR
	}
	cloudThickness := (cloudTop - cloudBottom) / lastATR

	strength := clamp01(0.45 + dist*0.2)
	confidence := clamp01(0.4 + cloudThickness*0.1 + dist*0.1)

	side := 1
	if dir == types.DirectionShort {
		side = -1
	}
	stop, take := indicators.ComputeSLTP(price, lastATR, side, in.SLMult, in.TPMult, in.RoundTripFeePct)
	return s.signal(in.Pair, dir, strength, confidence, price, stop, take, map[string]float64{
		"tenkan":    ich.Tenkan,
		"kijun":     ich.Kijun,
		"cloud_top": cloudTop,
		"cloud_bot": cloudBottom,
	})
}
