package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/types"
)

func mkBar(openTime int64, close float64) types.Bar {
	return types.Bar{
		OpenTime: openTime,
		Open:     close,
		High:     close * 1.001,
		Low:      close * 0.999,
		Close:    close,
		Volume:   10,
	}
}

func seedBars(n int, start int64, price float64) []types.Bar {
	bars := make([]types.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, mkBar(start+int64(i)*60, price))
	}
	return bars
}

func TestWarmupSetsWarmedUp(t *testing.T) {
	c := NewCache(500, 10)
	c.Warmup("btc/usd", seedBars(9, 0, 100))
	assert.False(t, c.IsWarmedUp("BTC/USD"))

	c.Warmup("BTC/USD", seedBars(12, 0, 100))
	assert.True(t, c.IsWarmedUp("btc/usd"), "pair lookup is case-insensitive")
}

func TestUpdateBarNewBarSemantics(t *testing.T) {
	c := NewCache(500, 5)
	c.Warmup("BTC/USD", seedBars(12, 0, 100))

	// Strictly later open_time → new bar.
	assert.True(t, c.UpdateBar("BTC/USD", mkBar(12*60, 100.5)))
	// Same open_time → in-place refresh, not a new bar.
	assert.False(t, c.UpdateBar("BTC/USD", mkBar(12*60, 100.7)))
	// Out-of-order → rejected.
	assert.False(t, c.UpdateBar("BTC/USD", mkBar(6*60, 100)))
}

func TestDuplicateBarsLeaveCacheUnchanged(t *testing.T) {
	c := NewCache(500, 5)
	c.Warmup("BTC/USD", seedBars(12, 0, 100))
	before := c.BarCount("BTC/USD")

	dup := mkBar(11*60, 100)
	for i := 0; i < 5; i++ {
		assert.False(t, c.UpdateBar("BTC/USD", dup))
	}
	assert.Equal(t, before, c.BarCount("BTC/USD"))
}

func TestOutlierBarRejected(t *testing.T) {
	c := NewCache(500, 5)
	c.Warmup("BTC/USD", seedBars(12, 0, 100))
	before := c.BarCount("BTC/USD")

	assert.False(t, c.UpdateBar("BTC/USD", mkBar(12*60, 200)), ">20%% jump vs median")
	assert.Equal(t, before, c.BarCount("BTC/USD"))

	// A sane move is accepted.
	assert.True(t, c.UpdateBar("BTC/USD", mkBar(12*60, 103)))
}

func TestUpdateLatestCloseNeverCreatesBars(t *testing.T) {
	c := NewCache(500, 5)
	c.UpdateLatestClose("ETH/USD", 2000)
	assert.Zero(t, c.BarCount("ETH/USD"))

	c.Warmup("ETH/USD", seedBars(6, 0, 2000))
	c.UpdateLatestClose("ETH/USD", 2010)
	bars := c.Bars("ETH/USD", false)
	require.NotEmpty(t, bars)
	assert.Equal(t, 2010.0, bars[len(bars)-1].Close)
	assert.Equal(t, 6, c.BarCount("ETH/USD"))
}

func TestRingBufferBounded(t *testing.T) {
	c := NewCache(20, 5)
	c.Warmup("BTC/USD", seedBars(10, 0, 100))
	for i := 0; i < 50; i++ {
		c.UpdateBar("BTC/USD", mkBar(int64(10+i)*60, 100))
	}
	assert.Equal(t, 20, c.BarCount("BTC/USD"))
}

func TestStaleness(t *testing.T) {
	c := NewCache(500, 5)
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.SetClock(func() time.Time { return now })

	assert.True(t, c.IsStale("BTC/USD", time.Minute), "unknown pair is stale")

	c.Warmup("BTC/USD", seedBars(6, 0, 100))
	assert.False(t, c.IsStale("BTC/USD", time.Minute))

	now = base.Add(3 * time.Minute)
	assert.True(t, c.IsStale("BTC/USD", time.Minute))
	assert.Equal(t, []string{"BTC/USD"}, c.StalePairs(time.Minute))
}

func TestBarsDropLast(t *testing.T) {
	c := NewCache(500, 5)
	c.Warmup("BTC/USD", seedBars(6, 0, 100))
	assert.Len(t, c.Bars("BTC/USD", false), 6)
	assert.Len(t, c.Bars("BTC/USD", true), 5)
}
