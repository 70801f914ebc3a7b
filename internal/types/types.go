// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package types provides the shared data model for Chronicle.
// This package exists to avoid import cycles between the remediation components.
package types

import (
	"strings"
	"time"
)

// Severity is the declared impact of a failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a free-form severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Rank orders severities from 0 (low) to 3 (critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

// FailureStatus tracks a FailureRecord through its lifecycle.
type FailureStatus string

const (
	StatusDetected  FailureStatus = "detected"
	StatusAnalyzing FailureStatus = "analyzing"
	StatusFixing    FailureStatus = "fixing"
	StatusFixed     FailureStatus = "fixed"
	StatusFailed    FailureStatus = "failed"
	StatusImmune    FailureStatus = "immune"
)

// Origin describes how a FailureEvent was detected.
type Origin string

const (
	OriginLog   Origin = "log"
	OriginProbe Origin = "probe"
	OriginAPI   Origin = "api"
)

// Priority orders events in the ingestion queue. Higher is more urgent.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityWarn     Priority = 2
	PriorityError    Priority = 3
	PriorityCritical Priority = 4
)

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityError:
		return "error"
	case PriorityWarn:
		return "warn"
	default:
		return "low"
	}
}

// Severity maps a priority tier onto the failure severity scale.
func (p Priority) Severity() Severity {
	switch {
	case p >= PriorityCritical:
		return SeverityCritical
	case p == PriorityError:
		return SeverityHigh
	case p == PriorityWarn:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// FailureEvent is a normalized anomaly produced by ingestion.
// It is consumed once by the coordinator and never persisted as-is.
type FailureEvent struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Source is the service or log stream the anomaly came from.
	Source string `json:"source"`

	// Origin is how the anomaly was detected.
	Origin Origin `json:"origin"`

	// Operation is the function or probe name, when known.
	Operation string `json:"operation,omitempty"`

	// ErrorType is the classified error kind (e.g. "ConnectionError", "MemoryError").
	ErrorType string `json:"error_type"`

	// Raw is the original log line or a rendering of the probe sample.
	Raw string `json:"raw"`

	// Metric is the sampled value for probe events.
	Metric float64 `json:"metric,omitempty"`

	// Severity is the declared or inferred severity.
	Severity Severity `json:"severity"`

	// Priority is the queue tier computed at classification time.
	Priority Priority `json:"priority"`

	// AffectedServices lists services touched by the failure.
	AffectedServices []string `json:"affected_services,omitempty"`

	// DetectedAt is when the anomaly was observed.
	DetectedAt time.Time `json:"detected_at"`
}

// FailureRecord is the persisted form of a failure occurrence.
type FailureRecord struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	Source          string        `json:"source"`
	FunctionName    string        `json:"function_name"`
	ErrorType       string        `json:"error_type"`
	ErrorMessage    string        `json:"error_message"`
	StackTrace      string        `json:"stack_trace,omitempty"`
	Context         string        `json:"context,omitempty"`
	Severity        Severity      `json:"severity"`
	Status          FailureStatus `json:"status"`
	HealingAttempts int           `json:"healing_attempts"`
	HealingStrategy string        `json:"healing_strategy,omitempty"`
	ResolutionNotes string        `json:"resolution_notes,omitempty"`
	ImmuneSignature string        `json:"immune_signature"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ImmuneEntry marks a fault class as permanently handled.
type ImmuneEntry struct {
	Signature          string    `json:"immune_signature"`
	Source             string    `json:"source"`
	FunctionName       string    `json:"function_name"`
	ErrorPattern       string    `json:"error_pattern"`
	PreventionStrategy string    `json:"prevention_strategy"`
	SuccessRate        float64   `json:"success_rate"`
	TriggerCount       int       `json:"trigger_count"`
	LastTriggered      time.Time `json:"last_triggered"`
}

// RiskLevel classifies a proposed remediation's potential impact.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels from 0 (LOW) to 3 (CRITICAL).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// ParseRiskLevel accepts upper or lower case names and defaults to MEDIUM.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow
	case RiskHigh:
		return RiskHigh
	case RiskCritical:
		return RiskCritical
	default:
		return RiskMedium
	}
}

// HealingStrategy is the self-healing engine's response to a failure.
type HealingStrategy string

const (
	StrategyRetrySimple   HealingStrategy = "retry-simple"
	StrategyAnalyze       HealingStrategy = "analyze"
	StrategyFallback      HealingStrategy = "fallback"
	StrategyEmergencyStop HealingStrategy = "emergency-stop"
)

// StrategyForSeverity selects the healing strategy for a severity.
func StrategyForSeverity(s Severity) HealingStrategy {
	switch s {
	case SeverityLow:
		return StrategyRetrySimple
	case SeverityHigh:
		return StrategyFallback
	case SeverityCritical:
		return StrategyEmergencyStop
	default:
		return StrategyAnalyze
	}
}

// RepairStep is one ordered action inside a RepairPlan or ActionPlan.
type RepairStep struct {
	// Description is the human-readable action.
	Description string `json:"description"`

	// Command is the shell command executed for this step, if any.
	Command string `json:"command,omitempty"`

	// Critical steps trigger rollback when they fail.
	Critical bool `json:"critical"`
}

// RepairPlan is a generated remediation. It is immutable once generated.
type RepairPlan struct {
	ID               string          `json:"id"`
	Signature        string          `json:"immune_signature,omitempty"`
	ErrorKind        string          `json:"error_kind"`
	Strategy         string          `json:"strategy"`
	Operation        string          `json:"operation,omitempty"`
	TargetPath       string          `json:"target_path,omitempty"`
	Steps            []RepairStep    `json:"steps"`
	Script           string          `json:"script"`
	EstimatedTime    time.Duration   `json:"estimated_time"`
	RetryDelay       time.Duration   `json:"retry_delay"`
	RiskLevel        RiskLevel       `json:"risk_level"`
	RiskScore        int             `json:"risk_score"`
	RequiresApproval bool            `json:"requires_approval"`
	RollbackPlan     string          `json:"rollback_plan"`
	Priority         int             `json:"priority"`
	Healing          HealingStrategy `json:"healing_strategy,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// InvestigationStatus tracks an escalated failure.
type InvestigationStatus string

const (
	InvestigationInvestigating InvestigationStatus = "investigating"
	InvestigationCompleted     InvestigationStatus = "completed"
	InvestigationFailed        InvestigationStatus = "failed"
	InvestigationError         InvestigationStatus = "error"
)

// Investigation is the lifecycle object for one escalated failure.
type Investigation struct {
	ID             string              `json:"id"`
	Event          FailureEvent        `json:"event"`
	FailureID      string              `json:"failure_id,omitempty"`
	Status         InvestigationStatus `json:"status"`
	Plan           *ActionPlan         `json:"action_plan,omitempty"`
	ConfirmationID string              `json:"confirmation_id,omitempty"`
	Result         string              `json:"result,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// StrategyTier is the reasoning agent's aggressiveness.
type StrategyTier string

const (
	TierConservative StrategyTier = "conservative"
	TierModerate     StrategyTier = "moderate"
	TierAggressive   StrategyTier = "aggressive"
)

// ProblemAnalysis is the diagnosis half of an ActionPlan.
type ProblemAnalysis struct {
	Symptoms   []string  `json:"symptoms"`
	RootCause  string    `json:"root_cause"`
	Pattern    string    `json:"pattern,omitempty"`
	Confidence float64   `json:"confidence"`
	Risk       RiskLevel `json:"risk"`
}

// RecommendedSolution is the remediation half of an ActionPlan.
type RecommendedSolution struct {
	Strategy      StrategyTier  `json:"strategy"`
	Steps         []RepairStep  `json:"steps"`
	EstimatedTime time.Duration `json:"estimated_time"`
	Rollback      []RepairStep  `json:"rollback"`
}

// ActionPlan is the reasoning agent's structured output. Read-only downstream.
type ActionPlan struct {
	ID               string              `json:"id"`
	Problem          string              `json:"problem"`
	Analysis         ProblemAnalysis     `json:"problem_analysis"`
	Solution         RecommendedSolution `json:"recommended_solution"`
	SafetyMeasures   []string            `json:"safety_measures"`
	RequiresApproval bool                `json:"requires_approval"`
	ReasoningTrace   []string            `json:"reasoning_trace"`
	CreatedAt        time.Time           `json:"created_at"`
}

// ConfirmationStatus tracks a human decision.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "pending"
	ConfirmationApproved ConfirmationStatus = "approved"
	ConfirmationDenied   ConfirmationStatus = "denied"
	ConfirmationExpired  ConfirmationStatus = "expired"
)

// Confirmation is a request for a human decision on an ActionPlan.
type Confirmation struct {
	ID              string             `json:"id"`
	InvestigationID string             `json:"investigation_id"`
	Plan            ActionPlan         `json:"action_plan"`
	Status          ConfirmationStatus `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	RequestedAt     time.Time          `json:"requested_at"`
	ResolvedAt      time.Time          `json:"resolved_at,omitempty"`
	ResponseLatency time.Duration      `json:"response_latency"`
	Timeout         time.Duration      `json:"timeout"`
}

// Resolved reports whether the confirmation reached a terminal state.
func (c *Confirmation) Resolved() bool {
	return c.Status != ConfirmationPending
}

// SandboxResult is the verdict of a sandboxed test run.
type SandboxResult struct {
	ExitCode      int           `json:"exit_code"`
	Safe          bool          `json:"safe"`
	ExecutionTime time.Duration `json:"execution_time"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	Warnings      []string      `json:"warnings,omitempty"`
	TimedOut      bool          `json:"timed_out"`
}
