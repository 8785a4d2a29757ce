package confluence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/types"
)

func tfSig(dir types.Direction, strength, conf, sl, tp float64) *types.ConfluenceSignal {
	return &types.ConfluenceSignal{
		Pair:            "BTC/USD",
		Direction:       dir,
		Strength:        strength,
		Confidence:      conf,
		ConfluenceCount: 2,
		RealVotes:       2,
		StopLoss:        sl,
		TakeProfit:      tp,
		EntryPrice:      100,
		TrendRegime:     types.RegimeTrend,
		VolRegime:       types.VolMid,
	}
}

func TestCombineSingleTimeframePassThrough(t *testing.T) {
	in := tfSig(types.DirectionLong, 0.6, 0.6, 98, 105)
	out := CombineTimeframes(map[int]*types.ConfluenceSignal{1: in}, 1, 2)
	assert.Same(t, in, out)
}

func TestCombineTakesLargestAgreeingTimeframeSLTP(t *testing.T) {
	perTF := map[int]*types.ConfluenceSignal{
		1:  tfSig(types.DirectionLong, 0.6, 0.6, 99, 103),
		5:  tfSig(types.DirectionLong, 0.5, 0.55, 97, 106),
		15: tfSig(types.DirectionShort, 0.5, 0.5, 103, 95),
	}
	out := CombineTimeframes(perTF, 1, 2)
	require.NotNil(t, out)
	assert.Equal(t, types.DirectionLong, out.Direction)
	assert.Equal(t, 97.0, out.StopLoss, "SL from the 5m timeframe")
	assert.Equal(t, 106.0, out.TakeProfit)
	assert.Len(t, out.Timeframes, 3)
}

func TestCombineInsufficientAgreementIsNeutral(t *testing.T) {
	perTF := map[int]*types.ConfluenceSignal{
		1:  tfSig(types.DirectionLong, 0.6, 0.6, 99, 103),
		5:  tfSig(types.DirectionShort, 0.5, 0.55, 103, 95),
		15: tfSig(types.DirectionShort, 0.5, 0.5, 103, 95),
	}
	// Primary (1m) says LONG but only one timeframe agrees.
	out := CombineTimeframes(perTF, 1, 2)
	require.NotNil(t, out)
	assert.Equal(t, types.DirectionNeutral, out.Direction)
}

func TestCombinePromotesWhenPrimaryNeutral(t *testing.T) {
	neutral := tfSig(types.DirectionNeutral, 0, 0, 0, 0)
	perTF := map[int]*types.ConfluenceSignal{
		1:  neutral,
		5:  tfSig(types.DirectionShort, 0.6, 0.6, 104, 94),
		15: tfSig(types.DirectionShort, 0.6, 0.6, 105, 93),
	}
	out := CombineTimeframes(perTF, 1, 2)
	require.NotNil(t, out)
	assert.Equal(t, types.DirectionShort, out.Direction)
	assert.Equal(t, 105.0, out.StopLoss, "SL from the 15m timeframe")
}

func TestCombineTwoOfTwoUnanimityBonus(t *testing.T) {
	perTF := map[int]*types.ConfluenceSignal{
		1: tfSig(types.DirectionLong, 0.5, 0.5, 99, 103),
		5: tfSig(types.DirectionLong, 0.5, 0.5, 97, 106),
	}
	out := CombineTimeframes(perTF, 1, 2)
	require.NotNil(t, out)
	assert.InDelta(t, 0.60, out.Confidence, 1e-9, "0.5 avg + 0.10 unanimity")
	assert.InDelta(t, 0.60, out.Strength, 1e-9)
}

func TestCombineFullUnanimityBonus(t *testing.T) {
	perTF := map[int]*types.ConfluenceSignal{
		1:  tfSig(types.DirectionLong, 0.5, 0.5, 99, 103),
		5:  tfSig(types.DirectionLong, 0.5, 0.5, 97, 106),
		15: tfSig(types.DirectionLong, 0.5, 0.5, 96, 107),
	}
	out := CombineTimeframes(perTF, 1, 2)
	require.NotNil(t, out)
	assert.InDelta(t, 0.65, out.Confidence, 1e-9, "0.5 avg + 0.15 all-agree")
	assert.Equal(t, 96.0, out.StopLoss)
}
