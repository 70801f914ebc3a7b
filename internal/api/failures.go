// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/ledger"
	"github.com/traylinx/chronicle/internal/logging"
	"github.com/traylinx/chronicle/internal/types"
)

// FailureRequest is the body of POST /log_failure and POST /build_immunity.
type FailureRequest struct {
	Source             string `json:"source"`
	FunctionName       string `json:"function_name"`
	ErrorType          string `json:"error_type"`
	ErrorMessage       string `json:"error_message"`
	StackTrace         string `json:"stack_trace,omitempty"`
	Context            any    `json:"context,omitempty"`
	Severity           string `json:"severity"`
	PreventionStrategy string `json:"prevention_strategy,omitempty"`
}

func (r FailureRequest) record() types.FailureRecord {
	return types.FailureRecord{
		Source:       strings.TrimSpace(r.Source),
		FunctionName: strings.TrimSpace(r.FunctionName),
		ErrorType:    strings.TrimSpace(r.ErrorType),
		ErrorMessage: r.ErrorMessage,
		StackTrace:   r.StackTrace,
		Context:      contextString(r.Context),
		Severity:     types.ParseSeverity(r.Severity),
	}
}

// contextString accepts a string or any JSON value for the context field.
func contextString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		return fmt.Sprint(c)
	}
}

// HealingRequest is the body of POST /request_healing. Either FailureID or
// the failure fields must be set.
type HealingRequest struct {
	FailureID       string `json:"failure_id"`
	Source          string `json:"source"`
	FunctionName    string `json:"function_name"`
	ErrorType       string `json:"error_type"`
	ErrorMessage    string `json:"error_message"`
	Severity        string `json:"severity"`
	HealingStrategy string `json:"healing_strategy"`
}

// RetentionRequest is the body of the cleanup endpoints.
type RetentionRequest struct {
	RetentionDays int `json:"retention_days"`
}

func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// logFailure handles POST /log_failure.
func (s *Server) logFailure(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	var req FailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rec := req.record()
	if rec.Source == "" || rec.ErrorType == "" {
		fail(c, http.StatusBadRequest, "source and error_type are required")
		return
	}

	saved, err := s.deps.Ledger.Record(c.Request.Context(), rec)
	if err != nil {
		logging.RequestLogger(c).WithError(err).Error("api: failed to record failure")
		fail(c, ledgerStatus(err), err.Error())
		return
	}
	ok(c, http.StatusCreated, gin.H{
		"failure_id":       saved.ID,
		"immune_signature": saved.ImmuneSignature,
		"status":           saved.Status,
	})
}

// requestHealing handles POST /request_healing. It returns a plan without
// executing anything.
func (s *Server) requestHealing(c *gin.Context) {
	if s.deps.Repairs == nil {
		unavailable(c, "repair service")
		return
	}
	var req HealingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	var rec types.FailureRecord
	switch {
	case req.FailureID != "":
		if s.deps.Ledger == nil {
			unavailable(c, "ledger")
			return
		}
		found, err := s.deps.Ledger.Get(ctx, req.FailureID)
		if err != nil {
			fail(c, ledgerStatus(err), err.Error())
			return
		}
		rec = *found
	case req.FunctionName != "" && req.ErrorMessage != "":
		rec = types.FailureRecord{
			Source:       req.Source,
			FunctionName: req.FunctionName,
			ErrorType:    req.ErrorType,
			ErrorMessage: req.ErrorMessage,
			Severity:     types.ParseSeverity(req.Severity),
		}
		if rec.Source == "" {
			rec.Source = "api"
		}
		if rec.ErrorType == "" {
			rec.ErrorType = "UnknownError"
		}
		rec.ImmuneSignature = ledger.Signature(rec.Source, rec.FunctionName, rec.ErrorType, rec.ErrorMessage)
	default:
		fail(c, http.StatusBadRequest, "failure_id or function_name and error_message are required")
		return
	}

	// Immune fault classes are already handled; no new plan is generated.
	if s.deps.Ledger != nil {
		entry, err := s.deps.Ledger.ImmuneEntry(ctx, rec.ImmuneSignature)
		switch {
		case err == nil:
			ok(c, http.StatusOK, gin.H{
				"immune":                 true,
				"immune_signature":       entry.Signature,
				"healing_plan":           nil,
				"recommendations":        []string{"known fault class: " + entry.PreventionStrategy},
				"estimated_success_rate": entry.SuccessRate,
			})
			return
		case !errors.Is(err, ledger.ErrNotFound):
			fail(c, ledgerStatus(err), err.Error())
			return
		}
	}

	strategy := types.StrategyForSeverity(rec.Severity)
	if req.HealingStrategy != "" {
		strategy = types.HealingStrategy(req.HealingStrategy)
	}
	plan, err := s.deps.Repairs.PlanFor(ctx, rec, strategy)
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var recommendations []string
	successRate := 0.5
	if s.deps.Reasoner != nil {
		an := s.deps.Reasoner.Reason(rec.ErrorMessage, map[string]string{
			"error_type": rec.ErrorType,
			"source":     rec.Source,
			"function":   rec.FunctionName,
		})
		recommendations = append(recommendations, "likely cause: "+an.RootCause)
		for _, step := range an.Steps {
			recommendations = append(recommendations, step.Description)
		}
		successRate = an.Confidence
	}
	if plan.RequiresApproval {
		recommendations = append(recommendations, "plan requires human approval before execution")
	}

	ok(c, http.StatusOK, gin.H{
		"immune":                 false,
		"immune_signature":       rec.ImmuneSignature,
		"healing_plan":           plan,
		"recommendations":        recommendations,
		"estimated_success_rate": successRate,
	})
}

// healthReport handles GET /health_report.
func (s *Server) healthReport(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	ctx := c.Request.Context()
	source := c.Query("source")

	report, err := s.deps.Ledger.HealthReport(ctx, source)
	if err != nil {
		fail(c, ledgerStatus(err), err.Error())
		return
	}
	stats, err := s.deps.Ledger.Stats(ctx, ledger.StatsQuery{Source: source})
	if err != nil {
		fail(c, ledgerStatus(err), err.Error())
		return
	}

	healing := gin.H{
		"healing_attempts":     stats.HealingAttempts,
		"avg_healing_attempts": stats.AvgHealingAttempts,
		"resolution_rate":      stats.ResolutionRate,
		"immune_responses":     stats.Immune,
	}
	if s.deps.Confirmations != nil {
		healing["confirmations"] = s.deps.Confirmations.Stats()
	}
	if s.deps.Coordinator != nil {
		byStatus := map[types.InvestigationStatus]int{}
		for _, inv := range s.deps.Coordinator.Investigations() {
			byStatus[inv.Status]++
		}
		healing["investigations"] = byStatus
	}

	ok(c, http.StatusOK, gin.H{
		"overall_health":     report.OverallHealth,
		"system_reports":     report.Sources,
		"healing_statistics": healing,
		"failure_statistics": stats,
	})
}

// failureStats handles GET /failure_stats.
func (s *Server) failureStats(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	window, err := parseTimeRange(c.Query("time_range"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.deps.Ledger.Stats(c.Request.Context(), ledger.StatsQuery{
		Since:  time.Now().Add(-window),
		Source: c.Query("source"),
	})
	if err != nil {
		fail(c, ledgerStatus(err), err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{
		"time_range": window.String(),
		"statistics": stats,
	})
}

// parseTimeRange accepts a Go duration or a whole number of days ("7d").
// The empty string means 24 hours.
func parseTimeRange(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 24 * time.Hour, nil
	}
	var d time.Duration
	if days, found := strings.CutSuffix(v, "d"); found {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid time_range %q", v)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid time_range %q", v)
		}
		d = parsed
	}
	if d <= 0 {
		return 0, fmt.Errorf("time_range must be positive")
	}
	return d, nil
}

// buildImmunity handles POST /build_immunity.
func (s *Server) buildImmunity(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	var req FailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rec := req.record()
	if rec.Source == "" || rec.ErrorType == "" || strings.TrimSpace(req.PreventionStrategy) == "" {
		fail(c, http.StatusBadRequest, "source, error_type and prevention_strategy are required")
		return
	}
	entry, err := s.deps.Ledger.BuildImmunity(c.Request.Context(), rec, req.PreventionStrategy)
	if err != nil {
		fail(c, ledgerStatus(err), err.Error())
		return
	}
	logging.RequestLogger(c).WithField("immune_signature", entry.Signature).Info("api: immunity built")
	ok(c, http.StatusCreated, gin.H{
		"immune_signature": entry.Signature,
		"immunity":         entry,
	})
}

// immunityStatus handles GET /immunity_status.
func (s *Server) immunityStatus(c *gin.Context) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	sig := c.Query("immune_signature")
	if sig == "" {
		fail(c, http.StatusBadRequest, "immune_signature is required")
		return
	}
	entry, err := s.deps.Ledger.ImmuneEntry(c.Request.Context(), sig)
	if errors.Is(err, ledger.ErrNotFound) {
		ok(c, http.StatusOK, gin.H{"immune_signature": sig, "immune": false})
		return
	}
	if err != nil {
		fail(c, ledgerStatus(err), err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"immune_signature": sig, "immune": true, "immunity": entry})
}

func (s *Server) cleanupFailures(c *gin.Context) {
	s.cleanup(c, s.deps.Ledger.Cleanup)
}

func (s *Server) cleanupImmunity(c *gin.Context) {
	s.cleanup(c, s.deps.Ledger.CleanupImmunity)
}

// cleanup purges rows older than the requested retention window. Without a
// body the configured retention applies.
func (s *Server) cleanup(c *gin.Context, purge func(ctx context.Context, days int) (int64, error)) {
	if s.deps.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	req := RetentionRequest{RetentionDays: s.cfg.Ledger.RetentionDays}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.RetentionDays <= 0 {
		fail(c, http.StatusBadRequest, "retention_days must be positive")
		return
	}
	purged, err := purge(c.Request.Context(), req.RetentionDays)
	if err != nil {
		fail(c, ledgerStatus(err), err.Error())
		return
	}
	logging.RequestLogger(c).WithFields(log.Fields{
		"path":           c.FullPath(),
		"retention_days": req.RetentionDays,
		"purged":         purged,
	}).Info("api: cleanup finished")
	ok(c, http.StatusOK, gin.H{"purged": purged, "retention_days": req.RetentionDays})
}
