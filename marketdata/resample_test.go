package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravix-labs/confluxbot/types"
)

func TestResamplePassThrough(t *testing.T) {
	bars := seedBars(5, 0, 100)
	out := Resample(bars, 1)
	assert.Equal(t, bars, out)
}

func TestResampleAggregates(t *testing.T) {
	// 10 one-minute bars → two 5m buckets.
	bars := []types.Bar{}
	for i := 0; i < 10; i++ {
		b := mkBar(int64(i)*60, 100+float64(i))
		bars = append(bars, b)
	}
	out := Resample(bars, 5)
	require.Len(t, out, 2)

	first := out[0]
	assert.Equal(t, int64(0), first.OpenTime)
	assert.Equal(t, bars[0].Open, first.Open)
	assert.Equal(t, bars[4].Close, first.Close)
	assert.Equal(t, 50.0, first.Volume)
	assert.Equal(t, bars[4].High, first.High)
	assert.Equal(t, bars[0].Low, first.Low)

	second := out[1]
	assert.Equal(t, int64(300), second.OpenTime)
	assert.Equal(t, bars[9].Close, second.Close)
}

func TestResampleKeepsPartialBucket(t *testing.T) {
	bars := seedBars(7, 0, 100) // 5 full + 2 into next bucket
	out := Resample(bars, 5)
	assert.Len(t, out, 2)
}

func TestSeriesUnpack(t *testing.T) {
	bars := seedBars(3, 0, 100)
	opens, highs, lows, closes, volumes := Series(bars)
	assert.Len(t, opens, 3)
	assert.Equal(t, bars[1].High, highs[1])
	assert.Equal(t, bars[2].Low, lows[2])
	assert.Equal(t, bars[0].Close, closes[0])
	assert.Equal(t, bars[0].Volume, volumes[0])
}
