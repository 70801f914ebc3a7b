// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes Chronicle's Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chronicle"

const (
	// OutcomeCompleted labels investigations whose plan ran to completion.
	OutcomeCompleted = "completed"
	// OutcomeFailed labels investigations rejected by the sandbox, a denial or a failed step.
	OutcomeFailed = "failed"
	// OutcomeError labels investigations that hit a pipeline error.
	OutcomeError = "error"
)

var (
	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "investigations_total",
			Help:      "Total number of investigations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	investigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "investigation_seconds",
			Help:      "Investigation latency in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	activeInvestigations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "investigations_active",
			Help:      "Investigations currently in progress.",
		},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_decisions_total",
			Help:      "Failures handled by the coordinator, partitioned by route (escalated, healed, immune, log_only).",
		},
		[]string{"route"},
	)

	healingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "healing_outcomes_total",
			Help:      "Self-healing outcomes, partitioned by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_events_total",
			Help:      "Failure events accepted by ingestion, partitioned by origin and priority.",
		},
		[]string{"origin", "priority"},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_dropped_total",
			Help:      "Failure events dropped because the queue was saturated.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingestion_queue_depth",
			Help:      "Events waiting in the ingestion queue.",
		},
	)

	confirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Resolved confirmations, partitioned by status.",
		},
		[]string{"status"},
	)
)

// Register attaches Chronicle collectors to reg. Collectors that are
// already registered are skipped.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		investigationsTotal,
		investigationDurationSeconds,
		activeInvestigations,
		decisionsTotal,
		healingTotal,
		eventsTotal,
		eventsDropped,
		queueDepth,
		confirmationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// InvestigationStarted bumps the active gauge.
func InvestigationStarted() {
	activeInvestigations.Inc()
}

// ObserveInvestigation records a finished investigation.
func ObserveInvestigation(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeCompleted, OutcomeFailed:
	default:
		outcome = OutcomeError
	}
	activeInvestigations.Dec()
	investigationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	investigationDurationSeconds.Observe(duration.Seconds())
}

// Decision counts a coordinator routing decision.
func Decision(route string) {
	decisionsTotal.WithLabelValues(route).Inc()
}

// HealingOutcome counts a self-healing result.
func HealingOutcome(strategy string, success bool) {
	result := "failed"
	if success {
		result = "healed"
	}
	healingTotal.WithLabelValues(strategy, result).Inc()
}

// EventIngested counts an accepted failure event.
func EventIngested(origin, priority string) {
	eventsTotal.WithLabelValues(origin, priority).Inc()
}

// EventDropped counts a dropped failure event.
func EventDropped() {
	eventsDropped.Inc()
}

// SetQueueDepth reports the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ConfirmationResolved counts a resolved confirmation.
func ConfirmationResolved(status string) {
	confirmationsTotal.WithLabelValues(status).Inc()
}
