package net

import (
	"sync"

	"github.com/lcx/kin/metrics"
)

// ReplayQueue keeps frames whose flush failed until the client reconnects.
// Any goroutine may push, only the goroutine attaching a new connection drains.
type ReplayQueue struct {
	mu    sync.Mutex
	items []*outbound
	limit int
}

// NewReplayQueue creates a queue holding at most limit frames, zero means unbounded.
func NewReplayQueue(limit int) *ReplayQueue {
	return &ReplayQueue{limit: limit}
}

// Push appends item, failing with ErrReplayQueueFull at the bound.
func (q *ReplayQueue) Push(item *outbound) error {
	q.mu.Lock()
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		metrics.IncrCounterWithGroup("net", "replay_overflow_total", 1)
		return ErrReplayQueueFull
	}
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()
	metrics.UpdateGaugeWithGroup("net", "replay_queue_depth", metrics.Value(n))
	return nil
}

// Len returns the number of queued frames.
func (q *ReplayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Limit returns the configured bound, zero for unbounded.
func (q *ReplayQueue) Limit() int {
	return q.limit
}

// drain removes and returns every queued frame in FIFO order.
func (q *ReplayQueue) drain() []*outbound {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	metrics.UpdateGaugeWithGroup("net", "replay_queue_depth", 0)
	return items
}

// failAll completes every queued frame with err.
func (q *ReplayQueue) failAll(err error) {
	for _, item := range q.drain() {
		item.future.complete(err)
	}
}
