// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package healing

import (
	"sync"
	"time"
)

// CircuitBreaker limits autonomous healing with a sliding one-hour window per key.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxPerHour int
	recent     map[string][]time.Time
	now        func() time.Time
}

// NewCircuitBreaker creates a breaker. maxPerHour <= 0 disables it.
func NewCircuitBreaker(maxPerHour int) *CircuitBreaker {
	return &CircuitBreaker{
		maxPerHour: maxPerHour,
		recent:     make(map[string][]time.Time),
		now:        time.Now,
	}
}

// IsOpen returns true if key has reached its hourly budget.
func (cb *CircuitBreaker) IsOpen(key string) bool {
	if cb == nil || cb.maxPerHour <= 0 {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(key)
	return len(cb.recent[key]) >= cb.maxPerHour
}

// Record notes one healing attempt for key.
func (cb *CircuitBreaker) Record(key string) {
	if cb == nil || cb.maxPerHour <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(key)
	cb.recent[key] = append(cb.recent[key], cb.now())
}

// pruneLocked removes entries older than one hour.
func (cb *CircuitBreaker) pruneLocked(key string) {
	cutoff := cb.now().Add(-time.Hour)
	times := cb.recent[key]
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == len(times) {
		delete(cb.recent, key)
		return
	}
	cb.recent[key] = times[i:]
}
