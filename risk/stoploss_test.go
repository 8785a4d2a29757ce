package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/types"
)

func stopEngine() *StopEngine {
	cfg := riskConfig()
	return NewStopEngine(cfg)
}

func TestStopInitialHolds(t *testing.T) {
	e := stopEngine()
	st := NewState("t1", 100, 98)

	// Small favorable move, below breakeven activation: stop untouched.
	sl := e.Update(st, types.SideBuy, 100, 100.5)
	assert.Equal(t, 98.0, sl)
	assert.False(t, st.BreakevenActivated)
}

func TestStopBreakevenCoversFees(t *testing.T) {
	e := stopEngine()
	st := NewState("t1", 100, 98)

	sl := e.Update(st, types.SideBuy, 100, 101.2) // +1.2% ≥ 1% activation
	assert.True(t, st.BreakevenActivated)
	assert.InDelta(t, 100*(1+0.0052), sl, 1e-9)
}

func TestStopTrailingFollowsPeak(t *testing.T) {
	e := stopEngine()
	st := NewState("t1", 100, 98)

	e.Update(st, types.SideBuy, 100, 102) // +2% ≥ 1.5%: trailing on
	require.True(t, st.TrailingActivated)
	assert.InDelta(t, 102*0.995, st.CurrentSL, 1e-9)

	// New peak drags the stop up.
	e.Update(st, types.SideBuy, 100, 104)
	assert.InDelta(t, 104*0.995, st.CurrentSL, 1e-9)
}

func TestStopNeverMovesAdversely(t *testing.T) {
	e := stopEngine()
	st := NewState("t1", 100, 98)

	e.Update(st, types.SideBuy, 100, 104)
	high := st.CurrentSL

	// Pullback: peak and stop hold.
	e.Update(st, types.SideBuy, 100, 102)
	assert.Equal(t, high, st.CurrentSL)
	assert.Equal(t, 104.0, st.PeakPrice)

	e.Update(st, types.SideBuy, 100, 99)
	assert.Equal(t, high, st.CurrentSL)
}

func TestStopShortSideMirrors(t *testing.T) {
	e := stopEngine()
	st := NewState("t1", 100, 102)

	e.Update(st, types.SideSell, 100, 98) // +2% for a short
	require.True(t, st.TrailingActivated)
	assert.InDelta(t, 98*1.005, st.CurrentSL, 1e-9)

	// Lower low tightens; bounce does not loosen.
	e.Update(st, types.SideSell, 100, 96)
	tightened := st.CurrentSL
	assert.InDelta(t, 96*1.005, tightened, 1e-9)
	e.Update(st, types.SideSell, 100, 97.5)
	assert.Equal(t, tightened, st.CurrentSL)
}

func TestStoppedCrossing(t *testing.T) {
	st := NewState("t1", 100, 98)
	assert.False(t, Stopped(st, types.SideBuy, 98.5))
	assert.True(t, Stopped(st, types.SideBuy, 98))
	assert.True(t, Stopped(st, types.SideBuy, 97))

	short := NewState("t2", 100, 102)
	assert.False(t, Stopped(short, types.SideSell, 101.5))
	assert.True(t, Stopped(short, types.SideSell, 102.5))
}
