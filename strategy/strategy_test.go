package strategy

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/types"
)

// rampInput builds a steady up-trending series: open = prior close, each
// close up pctPerBar. Deterministic by construction.
func rampInput(n int, pctPerBar float64) Input {
	in := Input{
		Pair:            "BTC/USD",
		RoundTripFeePct: 0.0052,
		SLMult:          1.5,
		TPMult:          2.5,
		TrendRegime:     types.RegimeTrend,
		VolRegime:       types.VolMid,
	}
	price := 100.0
	for i := 0; i < n; i++ {
		open := price
		price *= 1 + pctPerBar
		in.Opens = append(in.Opens, open)
		in.Closes = append(in.Closes, price)
		in.Highs = append(in.Highs, math.Max(open, price)*1.001)
		in.Lows = append(in.Lows, math.Min(open, price)*0.999)
		in.Volumes = append(in.Volumes, 10)
	}
	return in
}

func allStrategies() []Strategy { return DefaultSet(nil) }

func TestDefaultSetRoster(t *testing.T) {
	assert.Len(t, allStrategies(), 9)
	trimmed := DefaultSet([]string{"trend", "orderflow"})
	assert.Len(t, trimmed, 7)
	for _, s := range trimmed {
		assert.NotEqual(t, "trend", s.Name())
		assert.NotEqual(t, "orderflow", s.Name())
	}
}

func TestShortInputIsNeutral(t *testing.T) {
	in := rampInput(5, 0.002)
	for _, s := range allStrategies() {
		sig := SafeAnalyze(context.Background(), s, in)
		assert.Equal(t, types.DirectionNeutral, sig.Direction, s.Name())
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	in := rampInput(120, 0.003)
	for _, s := range allStrategies() {
		a := SafeAnalyze(context.Background(), s, in)
		b := SafeAnalyze(context.Background(), s, in)
		assert.Equal(t, a.Direction, b.Direction, s.Name())
		assert.Equal(t, a.Strength, b.Strength, s.Name())
		assert.Equal(t, a.Confidence, b.Confidence, s.Name())
		assert.Equal(t, a.StopLoss, b.StopLoss, s.Name())
	}
}

func TestTrendFollowsRamp(t *testing.T) {
	sig := SafeAnalyze(context.Background(), NewTrend(), rampInput(120, 0.004))
	require.Equal(t, types.DirectionLong, sig.Direction)
	assert.Less(t, sig.StopLoss, sig.EntryPrice)
	assert.Greater(t, sig.TakeProfit, sig.EntryPrice)
}

func TestMeanReversionStandsDownInTrend(t *testing.T) {
	// A hard ramp drives ADX past the gate; fading it must be refused.
	sig := SafeAnalyze(context.Background(), NewMeanReversion(), rampInput(120, 0.005))
	assert.Equal(t, types.DirectionNeutral, sig.Direction)
}

func TestReversalFiresOnOversoldBounce(t *testing.T) {
	in := Input{Pair: "BTC/USD", RoundTripFeePct: 0.0052, SLMult: 1.5, TPMult: 2.5}
	price := 100.0
	for i := 0; i < 40; i++ {
		open := price
		price *= 0.99
		in.Opens = append(in.Opens, open)
		in.Closes = append(in.Closes, price)
		in.Highs = append(in.Highs, open*1.001)
		in.Lows = append(in.Lows, price*0.999)
		in.Volumes = append(in.Volumes, 10)
	}
	// Confirmation bar: closes back up.
	open := price
	price *= 1.012
	in.Opens = append(in.Opens, open)
	in.Closes = append(in.Closes, price)
	in.Highs = append(in.Highs, price*1.001)
	in.Lows = append(in.Lows, open*0.999)
	in.Volumes = append(in.Volumes, 10)

	sig := SafeAnalyze(context.Background(), NewReversal(), in)
	require.Equal(t, types.DirectionLong, sig.Direction)
	assert.Less(t, sig.StopLoss, sig.EntryPrice)
}

func TestOrderFlowNeedsBook(t *testing.T) {
	in := rampInput(60, 0.001)
	sig := SafeAnalyze(context.Background(), NewOrderFlow(), in)
	assert.Equal(t, types.DirectionNeutral, sig.Direction)

	in.Book = &types.BookAnalysis{Pair: "BTC/USD", Score: 0.6, OBI: 0.5, SpreadPct: 0.05}
	sig = SafeAnalyze(context.Background(), NewOrderFlow(), in)
	assert.Equal(t, types.DirectionLong, sig.Direction)

	in.Book = &types.BookAnalysis{Pair: "BTC/USD", Score: -0.6, OBI: -0.5, SpreadPct: 0.05}
	sig = SafeAnalyze(context.Background(), NewOrderFlow(), in)
	assert.Equal(t, types.DirectionShort, sig.Direction)

	// Wide spread poisons the read.
	in.Book = &types.BookAnalysis{Pair: "BTC/USD", Score: 0.6, OBI: 0.5, SpreadPct: 0.9}
	sig = SafeAnalyze(context.Background(), NewOrderFlow(), in)
	assert.Equal(t, types.DirectionNeutral, sig.Direction)
}

type panickyStrategy struct{ Base }

func (p *panickyStrategy) MinBarsRequired() int { return 1 }
func (p *panickyStrategy) Analyze(context.Context, Input) types.StrategySignal {
	panic("boom")
}

func TestSafeAnalyzeRecoversPanic(t *testing.T) {
	s := &panickyStrategy{Base: NewBase("panicky")}
	sig := SafeAnalyze(context.Background(), s, rampInput(10, 0.001))
	assert.Equal(t, types.DirectionNeutral, sig.Direction)
	assert.Equal(t, "panicky", sig.Strategy)
}

func TestTrackerNeutralUnderMinTrades(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < perfMinTrades-1; i++ {
		tr.Record(5, types.RegimeTrend, types.VolMid)
	}
	assert.Equal(t, 1.0, tr.Factor(types.RegimeTrend, types.VolMid))
}

func TestTrackerRewardsWinners(t *testing.T) {
	winner := NewTracker()
	loser := NewTracker()
	for i := 0; i < 30; i++ {
		winner.Record(3+float64(i%3), types.RegimeTrend, types.VolMid)
		loser.Record(-3-float64(i%3), types.RegimeTrend, types.VolMid)
	}
	wf := winner.Factor(types.RegimeTrend, types.VolMid)
	lf := loser.Factor(types.RegimeTrend, types.VolMid)
	assert.Greater(t, wf, 1.0)
	assert.LessOrEqual(t, wf, perfCeil)
	assert.Less(t, lf, 1.0)
	assert.GreaterOrEqual(t, lf, perfFloor)
}

func TestTrackerWindowBounded(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < perfWindow*3; i++ {
		tr.Record(1, types.RegimeTrend, types.VolMid)
	}
	assert.Equal(t, perfWindow, tr.Count())
}

func TestBasePerformancePlumbing(t *testing.T) {
	s := NewTrend()
	assert.Equal(t, 1.0, s.PerformanceFactor(types.RegimeTrend, types.VolMid))
	for i := 0; i < 20; i++ {
		s.RecordTradePnL(2, types.RegimeTrend, types.VolMid)
	}
	assert.Greater(t, s.PerformanceFactor(types.RegimeTrend, types.VolMid), 1.0)
}
