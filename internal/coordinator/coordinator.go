// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package coordinator routes failure events. Simple failures are delegated to
// the self-healing engine; complex ones open an investigation that runs the
// reasoning, repair, permission, sandbox and confirmation pipeline.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/healing"
	"github.com/traylinx/chronicle/internal/ledger"
	"github.com/traylinx/chronicle/internal/metrics"
	"github.com/traylinx/chronicle/internal/permission"
	"github.com/traylinx/chronicle/internal/reasoning"
	"github.com/traylinx/chronicle/internal/repair"
	"github.com/traylinx/chronicle/internal/rules"
	"github.com/traylinx/chronicle/internal/types"
)

// Route is the path a failure took through the coordinator.
type Route string

const (
	RouteLogOnly   Route = "log_only"
	RouteImmune    Route = "immune"
	RouteHealing   Route = "healing"
	RouteEscalated Route = "escalated"
)

// Ledger is the subset of the failure ledger the coordinator writes to.
type Ledger interface {
	Record(ctx context.Context, rec types.FailureRecord) (*types.FailureRecord, error)
	UpdateStatus(ctx context.Context, id string, status types.FailureStatus, notes string) error
}

// Healer runs guarded operations.
type Healer interface {
	Guard(ctx context.Context, op healing.Operation, policy healing.Policy) (*healing.Outcome, error)
}

// Reasoner diagnoses, plans and executes.
type Reasoner interface {
	Reason(problem string, hints map[string]string) *reasoning.Analysis
	Communicate(an *reasoning.Analysis, investigationID string) (*types.ActionPlan, string, error)
	Execute(ctx context.Context, plan *types.ActionPlan, confirmationID string) (*reasoning.Result, error)
}

// Repairer turns failures into queued repair plans.
type Repairer interface {
	ReceiveExternalError(ctx context.Context, info repair.ErrorInfo) (*types.RepairPlan, error)
	ReceiveSteps(ctx context.Context, info repair.ErrorInfo, steps, rollback []types.RepairStep) (*types.RepairPlan, error)
	Take(id string) (*types.RepairPlan, bool)
}

// Permissions gates the repair plan's operation.
type Permissions interface {
	CheckPermission(operation, targetPath, subject string) permission.Decision
	CreatePermissionRequest(req permission.Request) (string, error)
	ApprovePermissionRequest(id string, ttl time.Duration) (*permission.Grant, error)
	DenyPermissionRequest(id, reason string) error
}

// Sandbox tests repair scripts in isolation.
type Sandbox interface {
	Enabled() bool
	Test(ctx context.Context, plan *types.RepairPlan) (*types.SandboxResult, error)
}

// Decisions waits for a confirmation to resolve.
type Decisions interface {
	Await(ctx context.Context, id string) (types.Confirmation, error)
}

// Rechecker reports whether the condition behind an event still holds.
type Rechecker interface {
	Recheck(ctx context.Context, ev types.FailureEvent) error
}

// Dependencies are the components the coordinator drives. Ledger, Healer and
// Reasoner are required.
type Dependencies struct {
	Ledger      Ledger
	Healer      Healer
	Reasoner    Reasoner
	Repairs     Repairer
	Permissions Permissions
	Sandbox     Sandbox
	Decisions   Decisions
}

// Decision describes how Handle routed an event.
type Decision struct {
	Route           Route            `json:"route"`
	FailureID       string           `json:"failure_id,omitempty"`
	Signature       string           `json:"immune_signature,omitempty"`
	Complexity      float64          `json:"complexity"`
	Rule            string           `json:"rule,omitempty"`
	InvestigationID string           `json:"investigation_id,omitempty"`
	Healing         *healing.Outcome `json:"healing,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Coordinator routes failure events.
type Coordinator struct {
	deps       Dependencies
	cfg        config.CoordinatorConfig
	healingCfg config.HealingConfig
	rules      *rules.Set
	bus        *bus.Bus
	rechecker  Rechecker
	logOnly    atomic.Bool
	now        func() time.Time

	mu             sync.RWMutex
	investigations map[string]*types.Investigation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus publishes investigation updates on b.
func WithBus(b *bus.Bus) Option {
	return func(c *Coordinator) {
		c.bus = b
	}
}

// WithRechecker sets how the healing route re-checks a failure.
func WithRechecker(r Rechecker) Option {
	return func(c *Coordinator) {
		c.rechecker = r
	}
}

// WithHealingConfig sets the retry policy used for the healing route.
func WithHealingConfig(cfg config.HealingConfig) Option {
	return func(c *Coordinator) {
		c.healingCfg = cfg
	}
}

// New creates a coordinator.
func New(cfg config.CoordinatorConfig, deps Dependencies, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("coordinator: ledger is required")
	case deps.Healer == nil:
		return nil, fmt.Errorf("coordinator: healer is required")
	case deps.Reasoner == nil:
		return nil, fmt.Errorf("coordinator: reasoner is required")
	}
	set, err := rules.Compile(cfg.EscalationRules...)
	if err != nil {
		return nil, fmt.Errorf("coordinator: escalation rules: %w", err)
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 0.7
	}
	if cfg.RetentionMinutes <= 0 {
		cfg.RetentionMinutes = 60
	}
	if cfg.EvictionIntervalSeconds <= 0 {
		cfg.EvictionIntervalSeconds = 60
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		deps:           deps,
		cfg:            cfg,
		rules:          set,
		now:            time.Now,
		investigations: make(map[string]*types.Investigation),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the investigation retention loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(time.Duration(c.cfg.EvictionIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if n := c.Evict(); n > 0 {
					log.Debugf("coordinator: evicted %d investigations", n)
				}
			}
		}
	}()
}

// Stop cancels running investigations and waits for them to finish.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// LogOnly reports whether the last record attempt found the ledger unavailable.
func (c *Coordinator) LogOnly() bool {
	return c.logOnly.Load()
}

// Handle records ev and routes it.
func (c *Coordinator) Handle(ctx context.Context, ev types.FailureEvent) (*Decision, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = c.now()
	}
	if ev.Severity == "" {
		ev.Severity = ev.Priority.Severity()
	}
	fields := log.Fields{"event_id": ev.ID, "source": ev.Source, "error_type": ev.ErrorType}

	rec, err := c.deps.Ledger.Record(ctx, toRecord(ev))
	if err != nil {
		if !errors.Is(err, ledger.ErrUnavailable) {
			return nil, err
		}
		if !c.logOnly.Swap(true) {
			log.WithError(err).Error("coordinator: ledger unavailable, switching to log-only mode")
		}
		log.WithFields(fields).Warnf("coordinator: [log-only] %s", ev.Raw)
		metrics.Decision(string(RouteLogOnly))
		return &Decision{Route: RouteLogOnly}, nil
	}
	if c.logOnly.Swap(false) {
		log.Info("coordinator: ledger available again, remediation resumed")
	}

	d := &Decision{FailureID: rec.ID, Signature: rec.ImmuneSignature}
	if rec.Status == types.StatusImmune {
		d.Route = RouteImmune
		log.WithFields(fields).Info("coordinator: immune signature, no action")
		metrics.Decision(string(RouteImmune))
		return d, nil
	}

	d.Complexity = c.Complexity(ev)
	rule, forced := c.rules.Any(c.ruleEnv(ev, d.Complexity))
	if forced {
		d.Rule = rule
	}
	if d.Complexity >= c.cfg.EscalationThreshold || forced {
		d.Route = RouteEscalated
		d.InvestigationID = c.escalate(ev, rec, d)
		metrics.Decision(string(RouteEscalated))
		return d, nil
	}

	d.Route = RouteHealing
	metrics.Decision(string(RouteHealing))
	out, err := c.heal(ctx, ev, rec)
	d.Healing = out
	if err != nil {
		d.Error = err.Error()
		log.WithFields(fields).WithError(err).Warn("coordinator: healing did not recover")
	}
	if out != nil {
		metrics.HealingOutcome(string(out.Strategy), out.Success)
	}
	return d, nil
}

// Complexity scores ev in [0,1] from keyword, affected-service and severity weights.
func (c *Coordinator) Complexity(ev types.FailureEvent) float64 {
	text := strings.ToLower(strings.Join([]string{ev.Raw, ev.ErrorType, ev.Source, ev.Operation}, " "))
	score := 0.0
	for kw, w := range c.cfg.KeywordWeights {
		if strings.Contains(text, strings.ToLower(kw)) {
			score += w
		}
	}
	if n := len(ev.AffectedServices); n > 1 {
		score += float64(n-1) * c.cfg.ServiceWeight
	}
	score += c.cfg.SeverityWeights[string(ev.Severity)]
	return max(0, min(1, score))
}

func (c *Coordinator) ruleEnv(ev types.FailureEvent, complexity float64) map[string]any {
	return map[string]any{
		"source":     ev.Source,
		"origin":     string(ev.Origin),
		"operation":  ev.Operation,
		"error_type": ev.ErrorType,
		"message":    ev.Raw,
		"severity":   string(ev.Severity),
		"priority":   int(ev.Priority),
		"metric":     ev.Metric,
		"services":   len(ev.AffectedServices),
		"complexity": complexity,
	}
}

func (c *Coordinator) heal(ctx context.Context, ev types.FailureEvent, rec *types.FailureRecord) (*healing.Outcome, error) {
	policy := healing.DefaultPolicy(c.healingCfg, ev.Severity)
	observed := false
	op := healing.Operation{
		Source:  rec.Source,
		Name:    rec.FunctionName,
		Context: rec.Context,
		Record:  rec,
		Run: func(ctx context.Context) error {
			if !observed {
				observed = true
				return healing.NewError(ev.ErrorType, ev.Raw)
			}
			if c.rechecker == nil {
				return nil
			}
			return c.rechecker.Recheck(ctx, ev)
		},
	}
	return c.deps.Healer.Guard(ctx, op, policy)
}

func toRecord(ev types.FailureEvent) types.FailureRecord {
	fn := ev.Operation
	if fn == "" {
		fn = string(ev.Origin)
	}
	var parts []string
	if ev.Origin != "" {
		parts = append(parts, "origin="+string(ev.Origin))
	}
	if len(ev.AffectedServices) > 0 {
		parts = append(parts, "services="+strings.Join(ev.AffectedServices, ","))
	}
	if ev.Metric != 0 {
		parts = append(parts, fmt.Sprintf("metric=%.2f", ev.Metric))
	}
	return types.FailureRecord{
		Timestamp:    ev.DetectedAt,
		Source:       ev.Source,
		FunctionName: fn,
		ErrorType:    ev.ErrorType,
		ErrorMessage: ev.Raw,
		Context:      strings.Join(parts, "; "),
		Severity:     ev.Severity,
		Status:       types.StatusDetected,
	}
}

func serviceOf(ev types.FailureEvent) string {
	if len(ev.AffectedServices) > 0 {
		return ev.AffectedServices[0]
	}
	return ev.Source
}

// Investigations lists tracked investigations, newest first.
func (c *Coordinator) Investigations() []types.Investigation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Investigation, 0, len(c.investigations))
	for _, inv := range c.investigations {
		out = append(out, *inv)
	}
	slices.SortFunc(out, func(a, b types.Investigation) int { return b.StartedAt.Compare(a.StartedAt) })
	return out
}

// Investigation returns the investigation with id.
func (c *Coordinator) Investigation(id string) (types.Investigation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inv, ok := c.investigations[id]
	if !ok {
		return types.Investigation{}, false
	}
	return *inv, true
}

// Evict drops finished investigations older than the retention window.
func (c *Coordinator) Evict() int {
	cutoff := c.now().Add(-time.Duration(c.cfg.RetentionMinutes) * time.Minute)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, inv := range c.investigations {
		if inv.Status != types.InvestigationInvestigating && inv.UpdatedAt.Before(cutoff) {
			delete(c.investigations, id)
			n++
		}
	}
	return n
}
