package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnqueueDedup(t *testing.T) {
	q := NewScanQueue(10)
	assert.True(t, q.Enqueue("BTC/USD"))
	assert.False(t, q.Enqueue("btc/usd"), "case-insensitive dedup")
	assert.Equal(t, 1, q.Len())
}

func TestPopOrderFIFO(t *testing.T) {
	q := NewScanQueue(10)
	q.Enqueue("BTC/USD")
	q.Enqueue("ETH/USD")

	pair, ok := q.Pop(time.Second)
	assert.True(t, ok)
	assert.Equal(t, "BTC/USD", pair)

	pair, ok = q.Pop(time.Second)
	assert.True(t, ok)
	assert.Equal(t, "ETH/USD", pair)
}

func TestPopTimeout(t *testing.T) {
	q := NewScanQueue(10)
	start := time.Now()
	_, ok := q.Pop(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestOverflowDropped(t *testing.T) {
	q := NewScanQueue(2)
	assert.True(t, q.Enqueue("A/USD"))
	assert.True(t, q.Enqueue("B/USD"))
	assert.False(t, q.Enqueue("C/USD"))
	assert.Equal(t, 2, q.Len())
}

func TestAdaptiveTimeoutShortensUnderLoad(t *testing.T) {
	q := NewScanQueue(1000)
	base := time.Unix(1_700_000_000, 0)
	q.SetClock(func() time.Time { return base })

	for i := 0; i < 25; i++ {
		q.Enqueue("P" + string(rune('A'+i)) + "/USD")
	}
	assert.Greater(t, q.EventRate(), 20)
	assert.Equal(t, 10*time.Second, q.adaptiveTimeout(30*time.Second))

	// Stale events age out of the 1-minute window.
	q.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	assert.Equal(t, 0, q.EventRate())
	assert.Equal(t, 30*time.Second, q.adaptiveTimeout(30*time.Second))
}
