// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingestion

import (
	"context"
	"errors"
	"sync"

	"github.com/traylinx/chronicle/internal/metrics"
	"github.com/traylinx/chronicle/internal/types"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("ingestion: queue closed")

// Queue is a bounded priority queue, FIFO within a priority tier.
// When full, the oldest event of the lowest non-empty tier is evicted; an
// incoming event ranked below every queued tier is dropped instead.
type Queue struct {
	mu       sync.Mutex
	tiers    map[types.Priority][]types.FailureEvent
	size     int
	capacity int
	closed   bool
	notify   chan struct{}
	dropped  uint64
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{
		tiers:    make(map[types.Priority][]types.FailureEvent),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues ev. It returns false if ev itself was dropped.
func (q *Queue) Push(ev types.FailureEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.size >= q.capacity {
		lowest, ok := q.lowestLocked()
		if !ok || ev.Priority < lowest {
			q.dropped++
			q.mu.Unlock()
			metrics.EventDropped()
			return false
		}
		q.tiers[lowest] = q.tiers[lowest][1:]
		if len(q.tiers[lowest]) == 0 {
			delete(q.tiers, lowest)
		}
		q.size--
		q.dropped++
		metrics.EventDropped()
	}
	q.tiers[ev.Priority] = append(q.tiers[ev.Priority], ev)
	q.size++
	depth := q.size
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	q.signal()
	return true
}

// TryPop returns the highest-priority event without blocking.
func (q *Queue) TryPop() (types.FailureEvent, bool) {
	q.mu.Lock()
	ev, ok := q.popLocked()
	depth := q.size
	q.mu.Unlock()
	if ok {
		metrics.SetQueueDepth(depth)
	}
	return ev, ok
}

// Pop blocks until an event is available, the queue is closed and empty, or
// ctx is done.
func (q *Queue) Pop(ctx context.Context) (types.FailureEvent, error) {
	for {
		q.mu.Lock()
		ev, ok := q.popLocked()
		depth, closed := q.size, q.closed
		q.mu.Unlock()
		if ok {
			metrics.SetQueueDepth(depth)
			// Wake another waiter if more work remains.
			if depth > 0 {
				q.signal()
			}
			return ev, nil
		}
		if closed {
			return types.FailureEvent{}, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return types.FailureEvent{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many events were evicted or rejected.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting events. Queued events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) popLocked() (types.FailureEvent, bool) {
	var best types.Priority
	found := false
	for p, evs := range q.tiers {
		if len(evs) > 0 && (!found || p > best) {
			best, found = p, true
		}
	}
	if !found {
		return types.FailureEvent{}, false
	}
	ev := q.tiers[best][0]
	q.tiers[best] = q.tiers[best][1:]
	if len(q.tiers[best]) == 0 {
		delete(q.tiers, best)
	}
	q.size--
	return ev, true
}

func (q *Queue) lowestLocked() (types.Priority, bool) {
	var low types.Priority
	found := false
	for p, evs := range q.tiers {
		if len(evs) > 0 && (!found || p < low) {
			low, found = p, true
		}
	}
	return low, found
}
