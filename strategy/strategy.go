// Package strategy holds the plug-in trading strategies. Every strategy is
// individually robust: insufficient bars, unconverged indicators, or a zero
// ATR all yield NEUTRAL, and panics never escape Analyze.
package strategy

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/types"
)

// Input is the market snapshot handed to Analyze. Arrays are parallel and
// oldest-first, already resampled to the scan timeframe.
type Input struct {
	Pair            string
	Opens           []float64
	Highs           []float64
	Lows            []float64
	Closes          []float64
	Volumes         []float64
	TrendRegime     string
	VolRegime       string
	RoundTripFeePct float64
	SLMult          float64
	TPMult          float64
	Book            *types.BookAnalysis
}

// Strategy is the interface all trading strategies implement.
type Strategy interface {
	// Name returns the strategy identifier.
	Name() string

	// MinBarsRequired is the minimum series length Analyze needs.
	MinBarsRequired() int

	// Analyze inspects the snapshot and votes. Never panics; fails
	// closed with NEUTRAL.
	Analyze(ctx context.Context, in Input) types.StrategySignal

	// RecordTradePnL feeds a closed trade's PnL back for adaptive
	// performance weighting.
	RecordTradePnL(pnl float64, trendRegime, volRegime string)

	// PerformanceFactor returns the adaptive weight multiplier in
	// [0.4, 2.0] for the given regime.
	PerformanceFactor(trendRegime, volRegime string) float64
}

// Base carries the shared name + performance tracking. Concrete strategies
// embed it and implement Analyze/MinBarsRequired.
type Base struct {
	name string
	perf *Tracker
}

// NewBase creates the embedded base for a named strategy.
func NewBase(name string) Base {
	return Base{name: name, perf: NewTracker()}
}

func (b *Base) Name() string { return b.name }

func (b *Base) RecordTradePnL(pnl float64, trendRegime, volRegime string) {
	b.perf.Record(pnl, trendRegime, volRegime)
}

func (b *Base) PerformanceFactor(trendRegime, volRegime string) float64 {
	return b.perf.Factor(trendRegime, volRegime)
}

// neutral is the shared fail-closed result.
func (b *Base) neutral(pair string) types.StrategySignal {
	return types.Neutral(b.name, pair)
}

// signal assembles an actionable vote with SL/TP attached.
func (b *Base) signal(pair string, dir types.Direction, strength, confidence, entry, sl, tp float64, meta map[string]float64) types.StrategySignal {
	return types.StrategySignal{
		Strategy:   b.name,
		Pair:       pair,
		Direction:  dir,
		Strength:   clamp01(strength),
		Confidence: clamp01(confidence),
		EntryPrice: entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Timestamp:  time.Now().UTC(),
		Metadata:   meta,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SafeAnalyze runs a strategy with panic recovery. A panicking strategy
// votes NEUTRAL for the cycle and keeps trading.
func SafeAnalyze(ctx context.Context, s Strategy, in Input) (sig types.StrategySignal) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("strategy", s.Name()).Interface("panic", r).
				Msg("Strategy panicked, voting NEUTRAL")
			sig = types.Neutral(s.Name(), in.Pair)
		}
	}()
	if len(in.Closes) < s.MinBarsRequired() {
		return types.Neutral(s.Name(), in.Pair)
	}
	return s.Analyze(ctx, in)
}

// DefaultSet builds the full strategy roster, minus administratively
// disabled names.
func DefaultSet(disabled []string) []Strategy {
	off := make(map[string]struct{}, len(disabled))
	for _, d := range disabled {
		off[d] = struct{}{}
	}
	all := []Strategy{
		NewTrend(),
		NewMeanReversion(),
		NewKeltner(),
		NewIchimoku(),
		NewSupertrend(),
		NewStochasticDivergence(),
		NewVolatilitySqueeze(),
		NewOrderFlow(),
		NewReversal(),
	}
	var out []Strategy
	for _, s := range all {
		if _, skip := off[s.Name()]; skip {
			log.Info().Str("strategy", s.Name()).Msg("Strategy disabled by config")
			continue
		}
		out = append(out, s)
	}
	return out
}
