// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package healing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/types"
)

var (
	// ErrEmergencyStop is returned when a critical failure aborts without retrying.
	ErrEmergencyStop = errors.New("healing: emergency stop")

	// ErrCircuitOpen is returned when a signature was healed too often in the last hour.
	ErrCircuitOpen = errors.New("healing: circuit open")

	// ErrImmuneResponse wraps failures whose signature is already immune.
	ErrImmuneResponse = errors.New("healing: immune response")
)

// Policy configures a guarded operation.
type Policy struct {
	// MaxRetries is the total number of attempts, including the first. Values
	// below 1 are treated as 1.
	MaxRetries int

	// Strategy forces a healing strategy. Empty selects one from Severity.
	Strategy types.HealingStrategy

	// Severity drives strategy selection when Strategy is empty.
	Severity types.Severity

	// BaseDelay is the first retry delay; later delays double up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the retry delay.
	MaxDelay time.Duration
}

// DefaultPolicy builds a policy from configuration for the given severity.
func DefaultPolicy(cfg config.HealingConfig, severity types.Severity) Policy {
	return Policy{
		MaxRetries: cfg.MaxRetries,
		Severity:   severity,
		BaseDelay:  time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.MaxDelayMs) * time.Millisecond,
	}
}

func (p Policy) attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

func (p Policy) strategy() types.HealingStrategy {
	if p.Strategy != "" {
		return p.Strategy
	}
	return types.StrategyForSeverity(p.Severity)
}

// backoff returns the delay before attempt n+1 after n failed attempts.
func (p Policy) backoff(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Func is an operation that can be guarded.
type Func func(ctx context.Context) error

// WithRetry wraps fn so it is retried according to policy. The emergency-stop
// strategy makes a single attempt. The wrapper never makes more than
// policy.MaxRetries attempts.
func WithRetry(policy Policy, fn Func) Func {
	return func(ctx context.Context) error {
		limit := policy.attempts()
		if policy.strategy() == types.StrategyEmergencyStop {
			limit = 1
		}
		var lastErr error
		for attempt := 1; attempt <= limit; attempt++ {
			if lastErr = fn(ctx); lastErr == nil {
				return nil
			}
			if attempt == limit {
				break
			}
			if err := sleepContext(ctx, policy.backoff(attempt)); err != nil {
				return fmt.Errorf("healing: retry cancelled: %w", errors.Join(err, lastErr))
			}
		}
		if policy.strategy() == types.StrategyEmergencyStop {
			return fmt.Errorf("%w: %w", ErrEmergencyStop, lastErr)
		}
		return lastErr
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
