// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package repair generates repair plans from error reports using a fixed
// template per error kind, and queues them for consumers.
package repair

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/ledger"
	"github.com/traylinx/chronicle/internal/risk"
	"github.com/traylinx/chronicle/internal/types"
)

var (
	// ErrUnsupportedKind is returned for error kinds without a template.
	ErrUnsupportedKind = errors.New("repair: unsupported error kind")

	// ErrQueueFull is returned when the plan queue is at capacity.
	ErrQueueFull = errors.New("repair: queue is full")

	// ErrInvalid is returned when a required field is missing.
	ErrInvalid = errors.New("repair: invalid error report")
)

// ErrorInfo is an error report submitted for repair.
type ErrorInfo struct {
	Source     string         `json:"source"`
	Operation  string         `json:"operation"`
	ErrorType  string         `json:"error_type"`
	Message    string         `json:"message"`
	Severity   types.Severity `json:"severity,omitempty"`
	Service    string         `json:"service,omitempty"`
	TargetPath string         `json:"target_path,omitempty"`
}

func (i ErrorInfo) service() string {
	if i.Service != "" {
		return i.Service
	}
	return i.Source
}

func (i ErrorInfo) target() string {
	if i.TargetPath != "" {
		return i.TargetPath
	}
	return "/tmp/chronicle/" + strings.ReplaceAll(i.Operation, "/", "_")
}

// Validate checks the required fields.
func (i ErrorInfo) Validate() error {
	var missing []string
	if strings.TrimSpace(i.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(i.Operation) == "" {
		missing = append(missing, "operation")
	}
	if strings.TrimSpace(i.ErrorType) == "" {
		missing = append(missing, "error_type")
	}
	if strings.TrimSpace(i.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}

// DefaultRetryDelays are the per-strategy delays suggested to the healing engine.
var DefaultRetryDelays = map[types.HealingStrategy]time.Duration{
	types.StrategyRetrySimple:   time.Second,
	types.StrategyAnalyze:       3 * time.Second,
	types.StrategyFallback:      2 * time.Second,
	types.StrategyEmergencyStop: 0,
}

// Service builds repair plans.
type Service struct {
	scorer *risk.Scorer
	delays map[types.HealingStrategy]time.Duration

	mu       sync.Mutex
	queue    []*types.RepairPlan
	capacity int
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRetryDelays overrides the per-strategy retry delays.
func WithRetryDelays(delays map[types.HealingStrategy]time.Duration) Option {
	return func(s *Service) {
		s.delays = delays
	}
}

// NewService creates a repair service.
func NewService(cfg config.RepairConfig, scorer *risk.Scorer, opts ...Option) (*Service, error) {
	if scorer == nil {
		return nil, fmt.Errorf("repair: risk scorer is required")
	}
	s := &Service{
		scorer:   scorer,
		delays:   DefaultRetryDelays,
		capacity: cfg.QueueSize,
		now:      time.Now,
	}
	if s.capacity <= 0 {
		s.capacity = 100
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NormalizeKind maps a free-form error type and message onto a template kind.
func NormalizeKind(errorType, message string) types.ErrorKind {
	return types.KindOf(errorType, message)
}

// Priority computes a 1..10 priority from severity and kind.
func Priority(severity types.Severity, kind types.ErrorKind) int {
	p := 1 + 2*severity.Rank()
	switch kind {
	case types.KindMemory, types.KindConnection, types.KindTimeout:
		p += 2
	case types.KindPermission, types.KindFileMissing, types.KindConfiguration:
		p++
	}
	return min(p, 10)
}

// ReceiveExternalError validates info, generates a plan and enqueues it.
func (s *Service) ReceiveExternalError(ctx context.Context, info ErrorInfo) (*types.RepairPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	plan, err := s.Generate(info)
	if err != nil {
		return nil, err
	}
	if err := s.Enqueue(plan); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"plan_id":  plan.ID,
		"kind":     plan.ErrorKind,
		"risk":     plan.RiskLevel,
		"priority": plan.Priority,
	}).Info("repair: plan generated")
	return plan, nil
}

// Generate builds a plan for info without enqueueing it.
func (s *Service) Generate(info ErrorInfo) (*types.RepairPlan, error) {
	kind := NormalizeKind(info.ErrorType, info.Message)
	tpl, ok := Templates[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, info.ErrorType)
	}
	if info.Severity == "" {
		info.Severity = types.SeverityMedium
	}

	script := tpl.Script(info)
	assessment := s.scorer.Assess(tpl.Operation, info.target(), script)
	steps := make([]types.RepairStep, len(tpl.Steps))
	copy(steps, tpl.Steps)

	return &types.RepairPlan{
		ID:               uuid.NewString(),
		Signature:        ledger.Signature(info.Source, info.Operation, info.ErrorType, info.Message),
		ErrorKind:        string(kind),
		Strategy:         tpl.Name,
		Operation:        tpl.Operation,
		TargetPath:       info.target(),
		Steps:            steps,
		Script:           script,
		EstimatedTime:    tpl.EstimatedTime,
		RiskLevel:        assessment.Level,
		RiskScore:        assessment.Score,
		RequiresApproval: assessment.RequiresApproval,
		RollbackPlan:     tpl.Rollback(info),
		Priority:         Priority(info.Severity, kind),
		CreatedAt:        s.now(),
	}, nil
}

// PlanFor returns a plan for a ledger record under a healing strategy. Kinds
// without a template get a plan with no steps that only carries the delay.
func (s *Service) PlanFor(_ context.Context, rec types.FailureRecord, strategy types.HealingStrategy) (*types.RepairPlan, error) {
	info := ErrorInfo{
		Source:    rec.Source,
		Operation: rec.FunctionName,
		ErrorType: rec.ErrorType,
		Message:   rec.ErrorMessage,
		Severity:  rec.Severity,
	}
	plan, err := s.Generate(info)
	if errors.Is(err, ErrUnsupportedKind) {
		plan = &types.RepairPlan{
			ID:        uuid.NewString(),
			Signature: rec.ImmuneSignature,
			ErrorKind: string(types.KindUnknown),
			Strategy:  string(strategy),
			RiskLevel: types.RiskLow,
			Priority:  Priority(rec.Severity, types.KindUnknown),
			CreatedAt: s.now(),
		}
	} else if err != nil {
		return nil, err
	}
	if rec.ImmuneSignature != "" {
		plan.Signature = rec.ImmuneSignature
	}
	plan.Healing = strategy
	plan.RetryDelay = s.delays[strategy]
	return plan, nil
}

// OperationExecute is the permission operation of plans built from reasoned steps.
const OperationExecute = "execute"

// ReceiveSteps builds a plan whose script runs the given steps verbatim,
// scores it and enqueues it. It is used for failures without a template,
// so the commands that will run are the ones that get tested and approved.
func (s *Service) ReceiveSteps(ctx context.Context, info ErrorInfo, steps, rollback []types.RepairStep) (*types.RepairPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.Severity == "" {
		info.Severity = types.SeverityMedium
	}

	kind := NormalizeKind(info.ErrorType, info.Message)
	script := StepScript(steps, rollback)
	assessment := s.scorer.Assess(OperationExecute, info.target(), script)
	var undo []string
	for _, r := range rollback {
		undo = append(undo, r.Description)
	}

	plan := &types.RepairPlan{
		ID:               uuid.NewString(),
		Signature:        ledger.Signature(info.Source, info.Operation, info.ErrorType, info.Message),
		ErrorKind:        string(kind),
		Strategy:         "reasoned-steps",
		Operation:        OperationExecute,
		TargetPath:       info.target(),
		Steps:            slices.Clone(steps),
		Script:           script,
		RiskLevel:        assessment.Level,
		RiskScore:        assessment.Score,
		RequiresApproval: assessment.RequiresApproval,
		RollbackPlan:     strings.Join(undo, "; "),
		Priority:         Priority(info.Severity, kind),
		CreatedAt:        s.now(),
	}
	if err := s.Enqueue(plan); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"plan_id": plan.ID,
		"steps":   len(steps),
		"risk":    plan.RiskLevel,
	}).Info("repair: step plan generated")
	return plan, nil
}

// StepScript renders steps as a POSIX script. Each command runs unchanged in
// a subshell; a failing critical step runs the rollback commands and exits 1.
// It returns "" when no step carries a command.
func StepScript(steps, rollback []types.RepairStep) string {
	if !slices.ContainsFunc(steps, func(st types.RepairStep) bool { return strings.TrimSpace(st.Command) != "" }) {
		return ""
	}
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -u\nrollback() {\n  :\n")
	for _, r := range rollback {
		if strings.TrimSpace(r.Command) == "" {
			continue
		}
		fmt.Fprintf(&b, "  # %s\n  (\n%s\n  ) || echo \"[repair] rollback step failed\" >&2\n", oneLine(r.Description), r.Command)
	}
	b.WriteString("}\n")
	for i, st := range steps {
		if strings.TrimSpace(st.Command) == "" {
			fmt.Fprintf(&b, "# %d. %s (manual)\n", i+1, oneLine(st.Description))
			continue
		}
		fmt.Fprintf(&b, "# %d. %s\n", i+1, oneLine(st.Description))
		if st.Critical {
			fmt.Fprintf(&b, "if ! (\n%s\n); then\n  echo \"[repair] critical step %d failed\" >&2\n  rollback\n  exit 1\nfi\n", st.Command, i+1)
			continue
		}
		fmt.Fprintf(&b, "(\n%s\n) || echo \"[repair] step %d failed\" >&2\n", st.Command, i+1)
	}
	b.WriteString("exit 0\n")
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Enqueue appends a plan, failing with ErrQueueFull at capacity.
func (s *Service) Enqueue(plan *types.RepairPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.capacity {
		return ErrQueueFull
	}
	s.queue = append(s.queue, plan)
	return nil
}

// Next removes and returns the oldest queued plan.
func (s *Service) Next() (*types.RepairPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	plan := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return plan, true
}

// Take removes and returns the queued plan with id. Investigations share the
// queue, so each one takes back its own plan rather than the oldest.
func (s *Service) Take(id string) (*types.RepairPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.queue, func(p *types.RepairPlan) bool { return p.ID == id })
	if i < 0 {
		return nil, false
	}
	plan := s.queue[i]
	s.queue = slices.Delete(s.queue, i, i+1)
	return plan, true
}

// Len returns the number of queued plans.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
