// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bus implements the typed message bus used between Chronicle components.
//
// Each topic owns a buffered queue drained by a single dispatcher goroutine, so
// delivery is FIFO per topic. Delivery is at-most-once: a full topic queue drops
// the event and a panicking handler loses it.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// DefaultQueueSize is the per-topic buffer used when none is configured.
const DefaultQueueSize = 1000

// Topic names a stream of events of type T.
type Topic[T any] struct {
	Name string
}

// NewTopic declares a typed topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name}
}

// Subscription is a handle for a registered handler.
type Subscription struct {
	ID    string
	Topic string

	bus *Bus
}

// Unsubscribe removes the handler. Events already dispatched may still arrive.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s)
}

type handler struct {
	sub *Subscription
	fn  func(any)
}

type topicQueue struct {
	name     string
	events   chan any
	handlers []*handler
}

// Bus distributes events to subscribers.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]*topicQueue
	queueSize int
	nextID    atomic.Uint64
	dropped   atomic.Uint64

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdown     bool
}

// New creates a bus whose topic queues hold queueSize events each.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		topics:    make(map[string]*topicQueue),
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers a typed handler for a topic.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) *Subscription {
	return b.subscribe(topic.Name, func(v any) {
		if ev, ok := v.(T); ok {
			fn(ev)
		}
	})
}

// Publish enqueues an event for asynchronous delivery on its topic.
// It never blocks; it returns false when the event was dropped.
func Publish[T any](b *Bus, topic Topic[T], ev T) bool {
	return b.publish(topic.Name, ev)
}

// Dropped returns the number of events discarded because a topic queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) subscribe(name string, fn func(any)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:    fmt.Sprintf("sub-%d", b.nextID.Add(1)),
		Topic: name,
		bus:   b,
	}
	if b.shutdown {
		return sub
	}
	tq := b.topicLocked(name)
	tq.handlers = append(tq.handlers, &handler{sub: sub, fn: fn})
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tq, ok := b.topics[sub.Topic]
	if !ok {
		return
	}
	for i, h := range tq.handlers {
		if h.sub.ID == sub.ID {
			tq.handlers = append(tq.handlers[:i:i], tq.handlers[i+1:]...)
			break
		}
	}
}

// topicLocked returns the queue for name, starting its dispatcher on first use.
// Callers must hold b.mu for writing.
func (b *Bus) topicLocked(name string) *topicQueue {
	tq, ok := b.topics[name]
	if ok {
		return tq
	}
	tq = &topicQueue{name: name, events: make(chan any, b.queueSize)}
	b.topics[name] = tq
	b.wg.Add(1)
	go b.dispatch(tq)
	return tq
}

func (b *Bus) publish(name string, ev any) bool {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return false
	}
	tq := b.topicLocked(name)
	b.mu.Unlock()

	select {
	case tq.events <- ev:
		return true
	default:
		b.dropped.Add(1)
		log.WithField("topic", name).Warn("bus: topic queue full, dropping event")
		return false
	}
}

func (b *Bus) dispatch(tq *topicQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-tq.events:
			b.deliver(tq, ev)
		}
	}
}

func (b *Bus) deliver(tq *topicQueue, ev any) {
	b.mu.RLock()
	handlers := make([]*handler, len(tq.handlers))
	copy(handlers, tq.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("bus: panic in subscriber %s for %s: %v", h.sub.ID, tq.name, r)
				}
			}()
			h.fn(ev)
		}()
	}
}

// Shutdown stops all dispatchers. Undelivered events are discarded.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		b.mu.Unlock()

		b.cancel()
		b.wg.Wait()
	})
}
