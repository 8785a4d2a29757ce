package marketdata

import (
	"sync"
	"time"

	"github.com/gravix-labs/confluxbot/types"
)

// ScanQueue is a bounded, deduplicated queue of pairs awaiting a re-scan.
// Ingestion paths enqueue a pair when something interesting happened (new
// 1m bar, ticker move past the threshold, fresh REST candles); the scan
// loop pops with an adaptive timeout so a quiet market still gets full
// sweeps at the configured interval.
type ScanQueue struct {
	mu      sync.Mutex
	queued  map[string]struct{}
	order   []string
	signal  chan struct{}
	maxSize int

	// event-rate tracking for the adaptive timeout
	events []time.Time
	now    func() time.Time
}

// NewScanQueue creates a queue holding at most maxSize distinct pairs.
func NewScanQueue(maxSize int) *ScanQueue {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &ScanQueue{
		queued:  make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Enqueue adds a pair; duplicates and overflow are dropped silently.
// Returns true when the pair was actually queued.
func (q *ScanQueue) Enqueue(pair string) bool {
	pair = types.NormalizePair(pair)
	q.mu.Lock()
	q.recordEventLocked()
	if _, dup := q.queued[pair]; dup || len(q.order) >= q.maxSize {
		q.mu.Unlock()
		return false
	}
	q.queued[pair] = struct{}{}
	q.order = append(q.order, pair)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop waits up to the adaptive timeout for a queued pair. Returns
// ("", false) on timeout, which the caller treats as "sweep everything".
func (q *ScanQueue) Pop(baseInterval time.Duration) (string, bool) {
	deadline := time.NewTimer(q.adaptiveTimeout(baseInterval))
	defer deadline.Stop()

	for {
		if pair, ok := q.tryPop(); ok {
			return pair, true
		}
		select {
		case <-q.signal:
		case <-deadline.C:
			return "", false
		}
	}
}

func (q *ScanQueue) tryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return "", false
	}
	pair := q.order[0]
	q.order = q.order[1:]
	delete(q.queued, pair)
	return pair, true
}

// Len returns the number of queued pairs.
func (q *ScanQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// recordEventLocked appends an event timestamp and prunes beyond 1 minute.
func (q *ScanQueue) recordEventLocked() {
	now := q.now()
	q.events = append(q.events, now)
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(q.events); i++ {
		if q.events[i].After(cutoff) {
			break
		}
	}
	q.events = q.events[i:]
}

// EventRate returns enqueue events over the last minute.
func (q *ScanQueue) EventRate() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-time.Minute)
	n := 0
	for _, t := range q.events {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// adaptiveTimeout shortens the wait when the market is busy:
// >20 events/min → interval/3, >5 → interval/2, else the full interval.
func (q *ScanQueue) adaptiveTimeout(base time.Duration) time.Duration {
	rate := q.EventRate()
	switch {
	case rate > 20:
		return base / 3
	case rate > 5:
		return base / 2
	default:
		return base
	}
}

// SetClock overrides the time source. Test hook.
func (q *ScanQueue) SetClock(now func() time.Time) { q.now = now }
