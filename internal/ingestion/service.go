// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingestion turns log lines and resource samples into prioritized
// failure events and hands them to the coordinator through a worker pool.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/metrics"
	"github.com/traylinx/chronicle/internal/types"
)

// HandleFunc processes one event. The coordinator's Handle satisfies it.
type HandleFunc func(ctx context.Context, ev types.FailureEvent) error

// Service follows log sources, samples probes and dispatches events.
type Service struct {
	cfg        config.IngestionConfig
	handle     HandleFunc
	classifier *Classifier
	queue      *Queue
	bus        *bus.Bus
	probes     []Probe
	procRoot   string
	now        func() time.Time

	mu      sync.Mutex
	tailer  *Tailer
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures a Service.
type Option func(*Service)

// WithBus publishes every accepted event on bus.FailureDetected.
func WithBus(b *bus.Bus) Option {
	return func(s *Service) {
		s.bus = b
	}
}

// WithProbes replaces the system probes.
func WithProbes(probes ...Probe) Option {
	return func(s *Service) {
		s.probes = probes
	}
}

// WithProcRoot reads process information from root instead of /proc.
func WithProcRoot(root string) Option {
	return func(s *Service) {
		s.procRoot = root
	}
}

// WithClassifier replaces the default log classifier.
func WithClassifier(c *Classifier) Option {
	return func(s *Service) {
		s.classifier = c
	}
}

// New creates an ingestion service delivering events to handle.
func New(cfg config.IngestionConfig, handle HandleFunc, opts ...Option) (*Service, error) {
	if handle == nil {
		return nil, errors.New("ingestion: handle func is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DiscoveryIntervalSeconds <= 0 {
		cfg.DiscoveryIntervalSeconds = 30
	}
	if cfg.Probes.IntervalSeconds <= 0 {
		cfg.Probes.IntervalSeconds = 30
	}

	s := &Service{
		cfg:        cfg,
		handle:     handle,
		classifier: NewClassifier(),
		queue:      NewQueue(cfg.QueueSize),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probes == nil && cfg.Probes.Enabled {
		s.probes = SystemProbes(cfg.Probes, s.procRoot)
	}
	return s, nil
}

// Start launches the tailer, discovery, probe loop and workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("ingestion: already started")
	}

	if len(s.cfg.Sources) > 0 {
		t, err := NewTailer(s.cfg.Sources, func(source, line string) { s.Ingest(source, line) })
		if err != nil {
			return err
		}
		n := t.Discover(true)
		log.WithField("files", n).Info("ingestion: following log sources")
		s.tailer = t
	}

	runCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(runCtx)

	if s.tailer != nil {
		tailer := s.tailer
		eg.Go(func() error { return tailer.Run(egCtx) })
		eg.Go(func() error {
			s.every(egCtx, time.Duration(s.cfg.DiscoveryIntervalSeconds)*time.Second, func() {
				if n := tailer.Discover(false); n > 0 {
					log.WithField("files", n).Info("ingestion: discovered new log files")
				}
				tailer.Poll()
			})
			return nil
		})
	}
	if len(s.probes) > 0 {
		eg.Go(func() error {
			s.every(egCtx, time.Duration(s.cfg.Probes.IntervalSeconds)*time.Second, func() {
				s.SampleProbes(egCtx)
			})
			return nil
		})
	}
	for i := 0; i < s.cfg.MaxConcurrent; i++ {
		eg.Go(func() error {
			s.work(egCtx)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		if err := eg.Wait(); err != nil {
			log.WithError(err).Error("ingestion: stopped with error")
		}
		close(done)
	}()

	s.cancel = cancel
	s.done = done
	s.running = true
	log.WithField("workers", s.cfg.MaxConcurrent).Info("ingestion: started")
	return nil
}

// Stop halts every loop and waits for in-flight events to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done, tailer := s.cancel, s.done, s.tailer
	s.tailer = nil
	s.mu.Unlock()

	cancel()
	<-done
	if tailer != nil {
		if err := tailer.Close(); err != nil {
			log.WithError(err).Debug("ingestion: closing watcher")
		}
	}
	log.Info("ingestion: stopped")
}

// Ingest classifies one log line and queues it when it is a failure.
func (s *Service) Ingest(source, line string) bool {
	ev, ok := s.classifier.Classify(source, line)
	if !ok {
		return false
	}
	return s.Submit(ev)
}

// Submit queues a prebuilt event. It returns false if the event was dropped.
func (s *Service) Submit(ev types.FailureEvent) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = s.now()
	}
	if ev.Priority == 0 {
		ev.Priority = types.PriorityError
	}
	if ev.Severity == "" {
		ev.Severity = ev.Priority.Severity()
	}
	if !s.queue.Push(ev) {
		log.WithFields(log.Fields{"source": ev.Source, "priority": ev.Priority}).Warn("ingestion: queue full, event dropped")
		return false
	}
	metrics.EventIngested(string(ev.Origin), ev.Priority.String())
	if s.bus != nil {
		bus.Publish(s.bus, bus.FailureDetected, ev)
	}
	return true
}

// SampleProbes runs every probe once and submits the breaches.
func (s *Service) SampleProbes(ctx context.Context) int {
	events := sampleAll(ctx, s.probes, s.now())
	for _, ev := range events {
		s.Submit(ev)
	}
	return len(events)
}

// Recheck re-samples the probe behind a probe event and fails while the
// breach persists. Log events cannot be re-sampled and always pass.
func (s *Service) Recheck(ctx context.Context, ev types.FailureEvent) error {
	if ev.Origin != types.OriginProbe {
		return nil
	}
	for _, p := range s.probes {
		if "probe."+p.Name() != ev.Operation {
			continue
		}
		v, threshold, err := p.Sample(ctx)
		if err != nil {
			return fmt.Errorf("ingestion: recheck %s: %w", p.Name(), err)
		}
		if threshold > 0 && v > threshold {
			return fmt.Errorf("%s still at %.1f, threshold %.1f", p.Name(), v, threshold)
		}
		return nil
	}
	return nil
}

// QueueLen returns the number of events waiting for a worker.
func (s *Service) QueueLen() int {
	return s.queue.Len()
}

func (s *Service) work(ctx context.Context) {
	for {
		ev, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		if err := s.handle(ctx, ev); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"event_id": ev.ID,
				"source":   ev.Source,
			}).Error("ingestion: failed to handle event")
		}
	}
}

func (s *Service) every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
