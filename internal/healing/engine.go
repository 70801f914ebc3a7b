// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package healing implements the self-healing engine: guarded execution with
// bounded retries, severity-driven strategy selection and promotion of
// repeatedly failing fault classes into immunity.
package healing

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/types"
)

// Ledger is the subset of the failure ledger the engine writes to.
type Ledger interface {
	Record(ctx context.Context, rec types.FailureRecord) (*types.FailureRecord, error)
	CheckImmune(ctx context.Context, signature string) (bool, error)
	IncrementAttempts(ctx context.Context, id, strategy string) error
	UpdateStatus(ctx context.Context, id string, status types.FailureStatus, notes string) error
	BuildImmunity(ctx context.Context, rec types.FailureRecord, preventionStrategy string) (*types.ImmuneEntry, error)
}

// Planner produces a repair plan for a failure under a healing strategy.
type Planner interface {
	PlanFor(ctx context.Context, rec types.FailureRecord, strategy types.HealingStrategy) (*types.RepairPlan, error)
}

// TypedError lets an operation declare the error type recorded in the ledger.
type TypedError interface {
	error
	ErrorType() string
}

// Error is a failure with an explicit error type.
type Error struct {
	Type    string
	Message string
}

// NewError returns an error recorded under errType.
func NewError(errType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

func (e *Error) Error() string     { return e.Message }
func (e *Error) ErrorType() string { return e.Type }

// Operation is a unit of work guarded by the engine.
type Operation struct {
	// Source is the service or component the operation belongs to.
	Source string

	// Name identifies the operation; it is the function name in the ledger.
	Name string

	// Run performs the operation.
	Run Func

	// Fallback is tried when the fallback strategy is selected. Optional.
	Fallback Func

	// Context is stored with the failure record. Optional.
	Context string

	// Record attributes the first failure to an existing ledger record
	// instead of recording a new one. Optional.
	Record *types.FailureRecord
}

// Outcome describes what a guarded call did.
type Outcome struct {
	FailureID string                `json:"failure_id,omitempty"`
	Signature string                `json:"immune_signature,omitempty"`
	Strategy  types.HealingStrategy `json:"strategy"`
	Attempts  int                   `json:"attempts"`
	Success   bool                  `json:"success"`
	Immune    bool                  `json:"immune"`
	Immunized bool                  `json:"immunized"`
	LastPlan  *types.RepairPlan     `json:"last_plan,omitempty"`
}

// Engine runs guarded operations.
type Engine struct {
	ledger           Ledger
	planner          Planner
	bus              *bus.Bus
	breaker          *CircuitBreaker
	immunityStrategy string
	sleep            func(ctx context.Context, d time.Duration) error
}

// EngineOption is a functional option for configuring the Engine.
type EngineOption func(*Engine)

// WithBus publishes outcomes on b.
func WithBus(b *bus.Bus) EngineOption {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithCircuitBreaker limits healing per signature.
func WithCircuitBreaker(cb *CircuitBreaker) EngineOption {
	return func(e *Engine) {
		e.breaker = cb
	}
}

// WithImmunityStrategy sets the prevention strategy recorded on exhaustion.
func WithImmunityStrategy(strategy string) EngineOption {
	return func(e *Engine) {
		if strategy != "" {
			e.immunityStrategy = strategy
		}
	}
}

// WithSleep replaces the delay function; tests use it to avoid real waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// NewEngine creates an engine. ledger and planner are required.
func NewEngine(ledger Ledger, planner Planner, opts ...EngineOption) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("healing: ledger is required")
	}
	if planner == nil {
		return nil, fmt.Errorf("healing: planner is required")
	}
	e := &Engine{
		ledger:           ledger,
		planner:          planner,
		immunityStrategy: "auto-retry",
		sleep:            sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Guard executes op under policy.
//
// On failure the first occurrence is recorded to the ledger. An immune
// signature short-circuits with ErrImmuneResponse. Otherwise the strategy is
// chosen from the policy, a repair plan is requested for it, and the operation
// is retried after the plan's delay until MaxRetries attempts were made. An
// emergency stop aborts immediately. On exhaustion the last error is returned
// and immunizable error kinds are promoted to immunity.
func (e *Engine) Guard(ctx context.Context, op Operation, policy Policy) (*Outcome, error) {
	if op.Run == nil {
		return nil, fmt.Errorf("healing: operation %q has no run function", op.Name)
	}
	strategy := policy.strategy()
	out := &Outcome{Strategy: strategy}
	limit := policy.attempts()

	var (
		rec     *types.FailureRecord
		lastErr error
	)
	for out.Attempts < limit {
		out.Attempts++
		lastErr = op.Run(ctx)
		if lastErr == nil {
			out.Success = true
			if rec != nil {
				e.updateStatus(ctx, rec.ID, types.StatusFixed, fmt.Sprintf("succeeded on attempt %d using %s", out.Attempts, strategy))
			}
			e.publish(out, nil)
			return out, nil
		}

		if rec == nil {
			if op.Record != nil {
				existing := *op.Record
				rec = &existing
			} else {
				rec = e.record(ctx, op, policy, lastErr)
			}
			if rec != nil {
				out.FailureID = rec.ID
				out.Signature = rec.ImmuneSignature

				immune := rec.Status == types.StatusImmune
				if ok, err := e.ledger.CheckImmune(ctx, rec.ImmuneSignature); err != nil {
					log.WithError(err).Warn("healing: immunity check failed")
				} else if ok {
					immune = true
				}
				if immune {
					out.Immune = true
					e.publish(out, lastErr)
					return out, fmt.Errorf("%w: %s: %w", ErrImmuneResponse, op.Name, lastErr)
				}
			}
		}

		if strategy == types.StrategyEmergencyStop {
			if rec != nil {
				e.updateStatus(ctx, rec.ID, types.StatusFailed, "emergency stop: critical failure, no autonomous retry")
			}
			e.publish(out, lastErr)
			return out, fmt.Errorf("%w: %s: %w", ErrEmergencyStop, op.Name, lastErr)
		}

		key := op.Source + "/" + op.Name
		if rec != nil {
			key = rec.ImmuneSignature
		}
		if e.breaker.IsOpen(key) {
			if rec != nil {
				e.updateStatus(ctx, rec.ID, types.StatusFailed, "circuit open: healing budget exhausted")
			}
			e.publish(out, lastErr)
			return out, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, op.Name, lastErr)
		}
		e.breaker.Record(key)

		if rec != nil {
			if err := e.ledger.IncrementAttempts(ctx, rec.ID, string(strategy)); err != nil {
				log.WithError(err).Warn("healing: failed to record attempt")
			}
		}
		if out.Attempts >= limit {
			break
		}

		delay := policy.backoff(out.Attempts)
		if rec != nil {
			e.updateStatus(ctx, rec.ID, types.StatusFixing, "")
			plan, err := e.planner.PlanFor(ctx, *rec, strategy)
			if err != nil {
				log.WithError(err).WithField("strategy", strategy).Debug("healing: no repair plan")
			} else if plan != nil {
				out.LastPlan = plan
				if plan.RetryDelay > 0 {
					delay = plan.RetryDelay
				}
			}
		}

		if strategy == types.StrategyFallback && op.Fallback != nil {
			err := op.Fallback(ctx)
			if err == nil {
				out.Success = true
				if rec != nil {
					e.updateStatus(ctx, rec.ID, types.StatusFixed, "recovered via fallback")
				}
				e.publish(out, nil)
				return out, nil
			}
			log.WithError(err).WithField("operation", op.Name).Warn("healing: fallback failed")
		}

		if err := e.sleep(ctx, delay); err != nil {
			lastErr = errors.Join(err, lastErr)
			break
		}
	}

	if rec != nil {
		e.updateStatus(ctx, rec.ID, types.StatusFailed, fmt.Sprintf("exhausted %d attempts", out.Attempts))
		if types.KindOf(rec.ErrorType, rec.ErrorMessage).Immunizable() {
			if _, err := e.ledger.BuildImmunity(ctx, *rec, e.immunityStrategy); err != nil {
				log.WithError(err).Warn("healing: failed to build immunity")
			} else {
				out.Immunized = true
			}
		}
	}
	e.publish(out, lastErr)
	return out, fmt.Errorf("healing: %s failed after %d attempts: %w", op.Name, out.Attempts, lastErr)
}

// record writes the first failure to the ledger. A ledger failure is logged and
// the engine continues without persistence.
func (e *Engine) record(ctx context.Context, op Operation, policy Policy, err error) *types.FailureRecord {
	severity := policy.Severity
	if severity == "" {
		severity = types.SeverityMedium
	}
	rec, lerr := e.ledger.Record(ctx, types.FailureRecord{
		Source:          op.Source,
		FunctionName:    op.Name,
		ErrorType:       ErrorTypeOf(err),
		ErrorMessage:    err.Error(),
		Context:         op.Context,
		Severity:        severity,
		Status:          types.StatusAnalyzing,
		HealingStrategy: string(policy.strategy()),
	})
	if lerr != nil {
		log.WithError(lerr).WithField("operation", op.Name).Warn("healing: ledger unavailable, continuing without record")
		return nil
	}
	return rec
}

func (e *Engine) updateStatus(ctx context.Context, id string, status types.FailureStatus, notes string) {
	if err := e.ledger.UpdateStatus(ctx, id, status, notes); err != nil {
		log.WithError(err).WithField("failure_id", id).Warn("healing: failed to update status")
	}
}

func (e *Engine) publish(out *Outcome, err error) {
	if e.bus == nil {
		return
	}
	ev := bus.HealingOutcome{
		FailureID: out.FailureID,
		Signature: out.Signature,
		Strategy:  out.Strategy,
		Attempts:  out.Attempts,
		Success:   out.Success,
		Immune:    out.Immune,
		At:        time.Now(),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	bus.Publish(e.bus, bus.HealingOutcomes, ev)
}

// ErrorTypeOf derives the ledger error type for err.
func ErrorTypeOf(err error) string {
	var typed TypedError
	if errors.As(err, &typed) && typed.ErrorType() != "" {
		return typed.ErrorType()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TimeoutError"
	}
	switch types.KindOf("", err.Error()) {
	case types.KindConnection:
		return "ConnectionError"
	case types.KindTimeout:
		return "TimeoutError"
	case types.KindPermission:
		return "PermissionError"
	case types.KindMemory:
		return "MemoryError"
	case types.KindFileMissing:
		return "FileNotFoundError"
	case types.KindConfiguration:
		return "ConfigurationError"
	}
	return fmt.Sprintf("%T", err)
}
