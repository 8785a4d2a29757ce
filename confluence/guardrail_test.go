package confluence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gravix-labs/confluxbot/types"
)

func TestGuardrailTripsAndExpires(t *testing.T) {
	var disabledName string
	g := NewGuardrail(30, 20, 0.35, 0.85, 2*time.Hour,
		func(name string, until time.Time, winRate, pf float64) { disabledName = name })

	base := time.Unix(1_700_000_000, 0)
	now := base
	g.SetClock(func() time.Time { return now })

	// 19 losses: below the evaluation floor, still enabled.
	for i := 0; i < 19; i++ {
		g.RecordPnL("meanrev", -2)
	}
	assert.False(t, g.IsDisabled("meanrev"))

	g.RecordPnL("meanrev", -2)
	assert.True(t, g.IsDisabled("meanrev"))
	assert.Equal(t, "meanrev", disabledName)
	assert.Equal(t, base.Add(2*time.Hour), g.DisabledUntil("meanrev"))

	// Re-enabled after the bench window.
	now = base.Add(2*time.Hour + time.Minute)
	assert.False(t, g.IsDisabled("meanrev"))
}

func TestGuardrailHonorsSmallConfiguredWindow(t *testing.T) {
	g := NewGuardrail(5, 5, 0.60, 1.20, 30*time.Minute, nil)

	base := time.Unix(1_700_000_000, 0)
	now := base
	g.SetClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		g.RecordPnL("keltner", -12)
	}
	assert.False(t, g.IsDisabled("keltner"), "below the configured floor, still enabled")

	g.RecordPnL("keltner", -12)
	assert.True(t, g.IsDisabled("keltner"), "five losses in a five-trade window must bench the strategy")

	now = base.Add(31 * time.Minute)
	assert.False(t, g.IsDisabled("keltner"))
}

func TestGuardrailZeroConfigFallsBackToDefaults(t *testing.T) {
	g := NewGuardrail(0, 0, 0.35, 0.85, time.Hour, nil)
	for i := 0; i < 19; i++ {
		g.RecordPnL("meanrev", -1)
	}
	assert.False(t, g.IsDisabled("meanrev"))
	g.RecordPnL("meanrev", -1)
	assert.True(t, g.IsDisabled("meanrev"))
}

func TestGuardrailWinnersStayEnabled(t *testing.T) {
	g := NewGuardrail(30, 20, 0.35, 0.85, 2*time.Hour, nil)
	for i := 0; i < 30; i++ {
		g.RecordPnL("trend", 3)
	}
	assert.False(t, g.IsDisabled("trend"))
}

func TestGuardrailNeedsBothConditions(t *testing.T) {
	g := NewGuardrail(30, 20, 0.35, 0.85, 2*time.Hour, nil)
	// Win rate is terrible but one huge winner keeps profit factor healthy.
	for i := 0; i < 24; i++ {
		g.RecordPnL("squeeze", -1)
	}
	g.RecordPnL("squeeze", 100)
	assert.False(t, g.IsDisabled("squeeze"))
}

type fakeHourSource struct {
	stats map[int]HourStat
	calls int
	err   error
}

func (f *fakeHourSource) HourlyWinRates(context.Context) (map[int]HourStat, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

func TestSessionMultiplierMapping(t *testing.T) {
	src := &fakeHourSource{stats: map[int]HourStat{
		3: {Trades: 10, WinRate: 1.0},
		4: {Trades: 10, WinRate: 0.0},
		5: {Trades: 3, WinRate: 1.0},
	}}
	sa := NewSessionAnalyzer(src, 5, time.Hour)

	ctx := context.Background()
	assert.InDelta(t, 1.15, sa.Multiplier(ctx, 3), 1e-9)
	assert.InDelta(t, 0.70, sa.Multiplier(ctx, 4), 1e-9)
	assert.Equal(t, 1.0, sa.Multiplier(ctx, 5), "too few trades stays neutral")
	assert.Equal(t, 1.0, sa.Multiplier(ctx, 12), "unknown hour stays neutral")
	assert.Equal(t, 1, src.calls, "stats cached within TTL")
}

func TestSessionCacheRefreshAndFailure(t *testing.T) {
	src := &fakeHourSource{stats: map[int]HourStat{3: {Trades: 10, WinRate: 1.0}}}
	sa := NewSessionAnalyzer(src, 5, time.Hour)

	base := time.Unix(1_700_000_000, 0)
	now := base
	sa.SetClock(func() time.Time { return now })

	ctx := context.Background()
	assert.InDelta(t, 1.15, sa.Multiplier(ctx, 3), 1e-9)

	// Expired cache + failing source keeps the last good snapshot.
	now = base.Add(2 * time.Hour)
	src.err = errors.New("db down")
	assert.InDelta(t, 1.15, sa.Multiplier(ctx, 3), 1e-9)
	assert.Equal(t, 2, src.calls)
}

func TestDetectRegimeTrendVsRange(t *testing.T) {
	var highs, lows, closes []float64
	price := 100.0
	for i := 0; i < 80; i++ {
		price *= 1.004
		highs = append(highs, price*1.001)
		lows = append(lows, price*0.999)
		closes = append(closes, price)
	}
	info := DetectRegime(highs, lows, closes)
	assert.Equal(t, types.RegimeTrend, info.Trend)
	assert.Greater(t, info.ADX, adxTrendThreshold)

	// Oscillating series: no directional persistence.
	highs, lows, closes = nil, nil, nil
	for i := 0; i < 80; i++ {
		p := 100.0
		if i%2 == 0 {
			p = 100.3
		}
		highs = append(highs, p+0.1)
		lows = append(lows, p-0.1)
		closes = append(closes, p)
	}
	info = DetectRegime(highs, lows, closes)
	assert.Equal(t, types.RegimeRange, info.Trend)
	assert.Equal(t, types.VolLow, info.Vol)
}
