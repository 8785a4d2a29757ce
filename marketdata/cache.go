// Package marketdata owns the per-pair market state: OHLCV ring buffers,
// latest ticker/order book/book analysis, warm-up tracking, and the
// event-driven scan queue. The cache is mutated only by the WS/REST
// ingestion paths and read by the scan loop.
package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/types"
)

// outlierJumpPct rejects bars whose close jumps more than this fraction
// against the recent median close. Bad prints from the feed, not real moves.
const outlierJumpPct = 0.20

// pairState is everything the cache holds for one pair.
type pairState struct {
	bars         []types.Bar // ring, oldest first
	maxBars      int
	warmedUp     bool
	lastBarAt    time.Time
	ticker       *types.Ticker
	book         *types.OrderBookSnapshot
	bookAnalysis *types.BookAnalysis
}

// Cache is the market-data store for all configured pairs.
type Cache struct {
	mu         sync.RWMutex
	pairs      map[string]*pairState
	maxBars    int
	warmupBars int
	now        func() time.Time
}

// NewCache creates a cache retaining maxBars 1m bars per pair; a pair is
// warmed up once warmupBars have been loaded.
func NewCache(maxBars, warmupBars int) *Cache {
	if maxBars < warmupBars {
		maxBars = warmupBars
	}
	return &Cache{
		pairs:      make(map[string]*pairState),
		maxBars:    maxBars,
		warmupBars: warmupBars,
		now:        time.Now,
	}
}

func (c *Cache) state(pair string) *pairState {
	pair = types.NormalizePair(pair)
	ps, ok := c.pairs[pair]
	if !ok {
		ps = &pairState{maxBars: c.maxBars}
		c.pairs[pair] = ps
	}
	return ps
}

// Warmup seeds the ring buffer with historical bars (oldest first).
func (c *Cache) Warmup(pair string, bars []types.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.state(pair)
	for _, b := range bars {
		if n := len(ps.bars); n > 0 && b.OpenTime <= ps.bars[n-1].OpenTime {
			continue
		}
		ps.bars = append(ps.bars, b)
	}
	if len(ps.bars) > ps.maxBars {
		ps.bars = ps.bars[len(ps.bars)-ps.maxBars:]
	}
	if len(ps.bars) >= c.warmupBars {
		ps.warmedUp = true
	}
	ps.lastBarAt = c.now()
	log.Debug().Str("pair", types.NormalizePair(pair)).Int("bars", len(ps.bars)).
		Bool("warmed_up", ps.warmedUp).Msg("Warmup loaded")
}

// UpdateBar appends a new bar or updates the in-progress one.
// Returns true only when a NEW bar closed (strictly later open_time).
// Out-of-order bars and outlier closes are dropped.
func (c *Cache) UpdateBar(pair string, bar types.Bar) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.state(pair)
	n := len(ps.bars)

	if n > 0 {
		last := ps.bars[n-1].OpenTime
		if bar.OpenTime < last {
			log.Debug().Str("pair", pair).Int64("open_time", bar.OpenTime).Msg("Out-of-order bar dropped")
			return false
		}
		if bar.OpenTime == last {
			// Same bucket: refresh the in-progress bar in place.
			ps.bars[n-1] = bar
			ps.lastBarAt = c.now()
			return false
		}
		if c.isOutlier(ps, bar.Close) {
			log.Warn().Str("pair", pair).Float64("close", bar.Close).Msg("Outlier bar rejected")
			return false
		}
	}

	ps.bars = append(ps.bars, bar)
	if len(ps.bars) > ps.maxBars {
		ps.bars = ps.bars[1:]
	}
	if !ps.warmedUp && len(ps.bars) >= c.warmupBars {
		ps.warmedUp = true
	}
	ps.lastBarAt = c.now()
	return true
}

// isOutlier compares close against the median of the last 12 closes.
func (c *Cache) isOutlier(ps *pairState, close float64) bool {
	n := len(ps.bars)
	if n < 5 || close <= 0 {
		return close <= 0
	}
	window := 12
	if n < window {
		window = n
	}
	closes := make([]float64, window)
	for i := 0; i < window; i++ {
		closes[i] = ps.bars[n-window+i].Close
	}
	sort.Float64s(closes)
	median := closes[window/2]
	if median <= 0 {
		return false
	}
	diff := close - median
	if diff < 0 {
		diff = -diff
	}
	return diff/median > outlierJumpPct
}

// UpdateLatestClose moves only the current bar's close (and high/low range)
// in place. Never creates bars; a ticker before the first bar is dropped.
func (c *Cache) UpdateLatestClose(pair string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.state(pair)
	n := len(ps.bars)
	if n == 0 {
		return
	}
	b := &ps.bars[n-1]
	b.Close = price
	if price > b.High {
		b.High = price
	}
	if price < b.Low {
		b.Low = price
	}
}

// UpdateTicker overwrites the latest ticker snapshot.
func (c *Cache) UpdateTicker(pair string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.state(pair)
	ps.ticker = &types.Ticker{Pair: types.NormalizePair(pair), Price: price, UpdatedAt: c.now()}
}

// UpdateOrderBook overwrites the latest depth snapshot.
func (c *Cache) UpdateOrderBook(pair string, book types.OrderBookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.state(pair)
	book.Pair = types.NormalizePair(pair)
	ps.book = &book
}

// UpdateBookAnalysis overwrites the latest microstructure read.
func (c *Cache) UpdateBookAnalysis(pair string, ba types.BookAnalysis) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.state(pair)
	ba.Pair = types.NormalizePair(pair)
	ps.bookAnalysis = &ba
}

// Ticker returns the latest ticker, nil when unseen.
func (c *Cache) Ticker(pair string) *types.Ticker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pairs[types.NormalizePair(pair)]
	if !ok {
		return nil
	}
	return ps.ticker
}

// LatestPrice returns the freshest known price: ticker first, last close
// as fallback. 0 when nothing is known.
func (c *Cache) LatestPrice(pair string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pairs[types.NormalizePair(pair)]
	if !ok {
		return 0
	}
	if ps.ticker != nil {
		return ps.ticker.Price
	}
	if n := len(ps.bars); n > 0 {
		return ps.bars[n-1].Close
	}
	return 0
}

// OrderBook returns the latest depth snapshot, nil when unseen.
func (c *Cache) OrderBook(pair string) *types.OrderBookSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pairs[types.NormalizePair(pair)]
	if !ok {
		return nil
	}
	return ps.book
}

// BookAnalysis returns the latest microstructure read, nil when unseen.
func (c *Cache) BookAnalysis(pair string) *types.BookAnalysis {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pairs[types.NormalizePair(pair)]
	if !ok {
		return nil
	}
	return ps.bookAnalysis
}

// Bars returns a copy of the 1m bars for a pair, optionally dropping the
// in-progress last bar.
func (c *Cache) Bars(pair string, dropLast bool) []types.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pairs[types.NormalizePair(pair)]
	if !ok {
		return nil
	}
	bars := ps.bars
	if dropLast && len(bars) > 0 {
		bars = bars[:len(bars)-1]
	}
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	return out
}

// BarCount returns the number of cached bars.
func (c *Cache) BarCount(pair string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pairs[types.NormalizePair(pair)]
	if !ok {
		return 0
	}
	return len(ps.bars)
}

// IsWarmedUp reports whether the pair has loaded enough bars.
func (c *Cache) IsWarmedUp(pair string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pairs[types.NormalizePair(pair)]
	return ok && ps.warmedUp
}

// IsStale reports whether no bar update arrived within maxAge.
func (c *Cache) IsStale(pair string, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pairs[types.NormalizePair(pair)]
	if !ok || ps.lastBarAt.IsZero() {
		return true
	}
	return c.now().Sub(ps.lastBarAt) > maxAge
}

// StalePairs returns all known pairs with no bar update within maxAge.
func (c *Cache) StalePairs(maxAge time.Duration) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stale []string
	for pair, ps := range c.pairs {
		if ps.lastBarAt.IsZero() || c.now().Sub(ps.lastBarAt) > maxAge {
			stale = append(stale, pair)
		}
	}
	sort.Strings(stale)
	return stale
}

// SetClock overrides the time source. Test hook.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }
