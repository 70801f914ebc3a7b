// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reasoning diagnoses complex failures and turns the diagnosis into
// an action plan that can be confirmed and executed step by step.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/types"
)

var (
	// ErrNotApproved is returned when the plan's confirmation was denied or never given.
	ErrNotApproved = errors.New("reasoning: plan not approved")

	// ErrSafetyCheck is returned when a safety check rejects the plan.
	ErrSafetyCheck = errors.New("reasoning: safety check failed")

	// ErrStepFailed is returned when a critical step fails.
	ErrStepFailed = errors.New("reasoning: critical step failed")
)

// State is the agent's position in its cycle.
type State string

const (
	StateDormant       State = "dormant"
	StateThinking      State = "thinking"
	StateCommunicating State = "communicating"
	StateExecuting     State = "executing"
)

// ExecutionStatus is the outcome of Execute.
type ExecutionStatus string

const (
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionAborted    ExecutionStatus = "aborted"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

const (
	minConfidence = 0.1
	maxConfidence = 0.95
)

// Confirmer obtains a human decision for a plan.
type Confirmer interface {
	Request(plan types.ActionPlan, investigationID string) (types.Confirmation, error)
	Await(ctx context.Context, id string) (types.Confirmation, error)
}

// StepRunner performs a single plan step.
type StepRunner interface {
	Run(ctx context.Context, step types.RepairStep) error
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, step types.RepairStep) error

// Run calls f.
func (f StepRunnerFunc) Run(ctx context.Context, step types.RepairStep) error { return f(ctx, step) }

// SafetyCheck vets a plan before any step runs.
type SafetyCheck func(ctx context.Context, plan *types.ActionPlan) error

// Verifier confirms the system is stable after execution.
type Verifier func(ctx context.Context, plan *types.ActionPlan) error

// Analysis is the output of Reason.
type Analysis struct {
	types.ProblemAnalysis
	Problem       string
	Service       string
	Tier          types.StrategyTier
	Steps         []types.RepairStep
	Rollback      []types.RepairStep
	EstimatedTime time.Duration
	Trace         []string

	// RequiresApproval forces a human decision regardless of risk.
	RequiresApproval bool

	// Notes are extra safety measures contributed by the caller.
	Notes []string
}

// Result describes an execution.
type Result struct {
	PlanID     string          `json:"plan_id"`
	Status     ExecutionStatus `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	StepsRun   int             `json:"steps_run"`
	Failures   []string        `json:"failures,omitempty"`
	RolledBack bool            `json:"rolled_back"`
	Verified   bool            `json:"verified"`
	Duration   time.Duration   `json:"duration"`
}

// Experience is one remembered execution outcome.
type Experience struct {
	Pattern string             `json:"pattern"`
	Tier    types.StrategyTier `json:"tier"`
	Success bool               `json:"success"`
	At      time.Time          `json:"at"`
}

// Agent runs the think, communicate, execute cycle.
type Agent struct {
	mu          sync.Mutex
	state       State
	experiences []Experience
	maxLog      int

	patterns        []*Pattern
	confirmer       Confirmer
	runner          StepRunner
	checks          []SafetyCheck
	verifier        Verifier
	approvalLevel   types.RiskLevel
	decisionTimeout time.Duration
	stepTimeout     time.Duration
	now             func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithConfirmer routes approval requests through c.
func WithConfirmer(c Confirmer) Option {
	return func(a *Agent) {
		a.confirmer = c
	}
}

// WithStepRunner replaces the step runner.
func WithStepRunner(r StepRunner) Option {
	return func(a *Agent) {
		if r != nil {
			a.runner = r
		}
	}
}

// WithSafetyCheck adds a check run before the first step.
func WithSafetyCheck(c SafetyCheck) Option {
	return func(a *Agent) {
		if c != nil {
			a.checks = append(a.checks, c)
		}
	}
}

// WithVerifier sets the post-execution stability check.
func WithVerifier(v Verifier) Option {
	return func(a *Agent) {
		a.verifier = v
	}
}

// WithPatterns replaces the pattern table.
func WithPatterns(p []*Pattern) Option {
	return func(a *Agent) {
		if len(p) > 0 {
			a.patterns = p
		}
	}
}

// WithApprovalLevel sets the lowest risk that needs a human decision.
func WithApprovalLevel(level types.RiskLevel) Option {
	return func(a *Agent) {
		a.approvalLevel = level
	}
}

// NewAgent creates a dormant agent.
func NewAgent(cfg config.ReasoningConfig, opts ...Option) *Agent {
	a := &Agent{
		state:           StateDormant,
		maxLog:          cfg.ExperienceLogSize,
		patterns:        DefaultPatterns,
		approvalLevel:   types.RiskHigh,
		decisionTimeout: time.Duration(cfg.DecisionTimeoutSeconds) * time.Second,
		stepTimeout:     time.Duration(cfg.StepTimeoutSeconds) * time.Second,
		now:             time.Now,
	}
	if a.maxLog <= 0 {
		a.maxLog = 200
	}
	if a.decisionTimeout <= 0 {
		a.decisionTimeout = 5 * time.Minute
	}
	if a.stepTimeout <= 0 {
		a.stepTimeout = time.Minute
	}
	if cfg.ExecuteCommands {
		a.runner = shellRunner{}
	} else {
		a.runner = dryRunner{}
	}
	a.checks = append(a.checks, hasSteps, criticalStepsHaveRollback)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current cycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Reason diagnoses problem. hints carries optional context such as
// "service", "error_type" and "severity".
func (a *Agent) Reason(problem string, hints map[string]string) *Analysis {
	a.setState(StateThinking)

	text := problem
	for _, k := range sortedKeys(hints) {
		text += " " + hints[k]
	}
	symptoms := extractSymptoms(text)
	an := &Analysis{Problem: problem, Service: hints["service"]}
	an.Symptoms = symptoms
	an.trace("observed symptoms: %s", joinOrNone(symptoms))

	p, score := genericPattern, 0.0
	if ranked := rank(a.patterns, symptoms); len(ranked) > 0 {
		p, score = ranked[0].pattern, ranked[0].score
		for _, m := range ranked[:min(3, len(ranked))] {
			an.trace("candidate %s overlap %.2f", m.pattern.Name, m.score)
		}
	} else {
		an.trace("no known pattern matched")
	}

	an.Pattern = p.Name
	an.RootCause = p.RootCause
	an.Risk = p.Risk
	an.Tier = tierFor(p.Risk)
	an.Steps = expand(p.Steps, an.Service)
	an.Rollback = expand(p.Rollback, an.Service)
	an.EstimatedTime = p.EstimatedTime
	an.trace("selected %s: %s", p.Name, p.RootCause)
	an.trace("risk %s calls for a %s strategy", p.Risk, an.Tier)

	confidence := minConfidence + score*(maxConfidence-minConfidence)
	if ok, total := a.experienceFor(p.Name); total > 0 {
		rate := float64(ok) / float64(total)
		confidence += (rate - 0.5) * 0.2
		an.trace("experience: %s succeeded %d of %d times", p.Name, ok, total)
	}
	an.Confidence = clamp(confidence, minConfidence, maxConfidence)
	an.trace("confidence %.0f%%", an.Confidence*100)
	return an
}

// Communicate turns an analysis into an action plan. When the risk needs
// approval and a Confirmer is configured, it opens a confirmation and
// returns its id.
func (a *Agent) Communicate(an *Analysis, investigationID string) (*types.ActionPlan, string, error) {
	a.setState(StateCommunicating)

	plan := &types.ActionPlan{
		ID:       uuid.NewString(),
		Problem:  an.Problem,
		Analysis: an.ProblemAnalysis,
		Solution: types.RecommendedSolution{
			Strategy:      an.Tier,
			Steps:         an.Steps,
			EstimatedTime: an.EstimatedTime,
			Rollback:      an.Rollback,
		},
		SafetyMeasures:   safetyMeasures(an),
		RequiresApproval: an.RequiresApproval || an.Risk.Rank() >= a.approvalLevel.Rank(),
		ReasoningTrace:   slices.Clone(an.Trace),
		CreatedAt:        a.now(),
	}

	if !plan.RequiresApproval || a.confirmer == nil {
		return plan, "", nil
	}
	c, err := a.confirmer.Request(*plan, investigationID)
	if err != nil {
		return plan, "", fmt.Errorf("reasoning: request confirmation: %w", err)
	}
	log.WithFields(log.Fields{"plan_id": plan.ID, "confirmation_id": c.ID}).Info("reasoning: confirmation requested")
	return plan, c.ID, nil
}

// Execute runs plan. Plans that need approval wait for confirmationID to
// resolve first; a denial or failed safety check aborts before any step.
func (a *Agent) Execute(ctx context.Context, plan *types.ActionPlan, confirmationID string) (*Result, error) {
	a.setState(StateExecuting)
	defer a.setState(StateDormant)

	start := a.now()
	res := &Result{PlanID: plan.ID}
	finish := func(status ExecutionStatus, reason string, err error) (*Result, error) {
		res.Status = status
		res.Reason = reason
		res.Duration = a.now().Sub(start)
		if status != ExecutionAborted {
			a.remember(plan, status == ExecutionCompleted && res.Verified)
		}
		return res, err
	}

	if plan.RequiresApproval {
		if a.confirmer == nil || confirmationID == "" {
			return finish(ExecutionAborted, "no confirmation", ErrNotApproved)
		}
		waitCtx, cancel := context.WithTimeout(ctx, a.decisionTimeout)
		c, err := a.confirmer.Await(waitCtx, confirmationID)
		cancel()
		if err != nil {
			return finish(ExecutionAborted, "decision not received", fmt.Errorf("%w: %v", ErrNotApproved, err))
		}
		if c.Status != types.ConfirmationApproved {
			return finish(ExecutionAborted, c.Reason, ErrNotApproved)
		}
	}

	for _, check := range a.checks {
		if err := check(ctx, plan); err != nil {
			return finish(ExecutionAborted, err.Error(), fmt.Errorf("%w: %v", ErrSafetyCheck, err))
		}
	}

	for i, step := range plan.Solution.Steps {
		err := a.runStep(ctx, step)
		res.StepsRun++
		if err == nil {
			continue
		}
		msg := fmt.Sprintf("step %d (%s): %v", i+1, step.Description, err)
		res.Failures = append(res.Failures, msg)
		if !step.Critical {
			log.WithField("plan_id", plan.ID).Warn("reasoning: " + msg)
			continue
		}
		log.WithField("plan_id", plan.ID).Error("reasoning: " + msg + ", rolling back")
		a.rollback(ctx, plan)
		res.RolledBack = true
		return finish(ExecutionRolledBack, msg, fmt.Errorf("%w: %s", ErrStepFailed, msg))
	}

	if a.verifier != nil {
		if err := a.verifier(ctx, plan); err != nil {
			res.Failures = append(res.Failures, "verify: "+err.Error())
			return finish(ExecutionCompleted, "not stable after execution", nil)
		}
	}
	res.Verified = true
	return finish(ExecutionCompleted, "", nil)
}

// Cycle reasons about problem, communicates the plan and executes it.
func (a *Agent) Cycle(ctx context.Context, problem string, hints map[string]string, investigationID string) (*types.ActionPlan, *Result, error) {
	an := a.Reason(problem, hints)
	plan, confirmationID, err := a.Communicate(an, investigationID)
	if err != nil {
		a.setState(StateDormant)
		return plan, nil, err
	}
	res, err := a.Execute(ctx, plan, confirmationID)
	return plan, res, err
}

// Experiences returns the experience log, oldest first.
func (a *Agent) Experiences() []Experience {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.experiences)
}

func (a *Agent) runStep(ctx context.Context, step types.RepairStep) error {
	stepCtx, cancel := context.WithTimeout(ctx, a.stepTimeout)
	defer cancel()
	return a.runner.Run(stepCtx, step)
}

func (a *Agent) rollback(ctx context.Context, plan *types.ActionPlan) {
	for _, step := range plan.Solution.Rollback {
		if err := a.runStep(ctx, step); err != nil {
			log.WithError(err).WithField("plan_id", plan.ID).Warnf("reasoning: rollback step %q failed", step.Description)
		}
	}
}

func (a *Agent) remember(plan *types.ActionPlan, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.experiences = append(a.experiences, Experience{
		Pattern: plan.Analysis.Pattern,
		Tier:    plan.Solution.Strategy,
		Success: success,
		At:      a.now(),
	})
	if over := len(a.experiences) - a.maxLog; over > 0 {
		a.experiences = slices.Delete(a.experiences, 0, over)
	}
}

func (a *Agent) experienceFor(pattern string) (ok, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.experiences {
		if e.Pattern != pattern {
			continue
		}
		total++
		if e.Success {
			ok++
		}
	}
	return ok, total
}

// RaiseRisk lifts the analysis risk to level if it is higher, re-deriving
// the strategy tier.
func (an *Analysis) RaiseRisk(level types.RiskLevel, why string) {
	if level.Rank() <= an.Risk.Rank() {
		return
	}
	an.Risk = level
	an.Tier = tierFor(level)
	an.trace("risk raised to %s (%s), strategy now %s", level, why, an.Tier)
}

// Note appends a line to the reasoning trace.
func (an *Analysis) Note(format string, args ...any) {
	an.trace(format, args...)
}

func (an *Analysis) trace(format string, args ...any) {
	an.Trace = append(an.Trace, fmt.Sprintf(format, args...))
}

func tierFor(r types.RiskLevel) types.StrategyTier {
	switch r {
	case types.RiskLow:
		return types.TierAggressive
	case types.RiskMedium:
		return types.TierModerate
	default:
		return types.TierConservative
	}
}

func safetyMeasures(an *Analysis) []string {
	m := []string{"each step runs with a timeout"}
	if len(an.Rollback) > 0 {
		m = append(m, "rollback plan prepared for critical step failures")
	}
	switch an.Tier {
	case types.TierConservative:
		m = append(m, "human approval required before execution", "stop at the first critical failure")
	case types.TierModerate:
		m = append(m, "verify stability after execution")
	}
	if an.Confidence < 0.5 {
		m = append(m, "low confidence diagnosis; review the reasoning trace")
	}
	return append(m, an.Notes...)
}

func hasSteps(_ context.Context, plan *types.ActionPlan) error {
	if len(plan.Solution.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	return nil
}

func criticalStepsHaveRollback(_ context.Context, plan *types.ActionPlan) error {
	for _, s := range plan.Solution.Steps {
		if s.Critical && len(plan.Solution.Rollback) == 0 && plan.Analysis.Risk.Rank() >= types.RiskHigh.Rank() {
			return fmt.Errorf("critical step %q has no rollback", s.Description)
		}
	}
	return nil
}

func expand(steps []types.RepairStep, service string) []types.RepairStep {
	if service == "" {
		service = "unknown"
	}
	out := make([]types.RepairStep, len(steps))
	for i, s := range steps {
		s.Command = strings.ReplaceAll(s.Command, "{service}", shellQuote(service))
		out[i] = s
	}
	return out
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func joinOrNone(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
