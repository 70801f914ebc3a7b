// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/metrics"
	"github.com/traylinx/chronicle/internal/permission"
	"github.com/traylinx/chronicle/internal/reasoning"
	"github.com/traylinx/chronicle/internal/repair"
	"github.com/traylinx/chronicle/internal/types"
)

// escalate opens an investigation and runs it in the background.
func (c *Coordinator) escalate(ev types.FailureEvent, rec *types.FailureRecord, d *Decision) string {
	now := c.now()
	inv := &types.Investigation{
		ID:        uuid.NewString(),
		Event:     ev,
		FailureID: rec.ID,
		Status:    types.InvestigationInvestigating,
		StartedAt: now,
		UpdatedAt: now,
	}
	c.mu.Lock()
	c.investigations[inv.ID] = inv
	snapshot := *inv
	c.mu.Unlock()
	c.publish(snapshot)

	notes := fmt.Sprintf("escalated: complexity %.2f", d.Complexity)
	if d.Rule != "" {
		notes += ", rule " + d.Rule
	}
	c.updateLedger(rec.ID, types.StatusAnalyzing, notes)
	log.WithFields(log.Fields{
		"investigation_id": inv.ID,
		"failure_id":       rec.ID,
		"complexity":       d.Complexity,
	}).Info("coordinator: investigation opened")

	metrics.InvestigationStarted()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		status, result := c.investigate(c.ctx, inv.ID, ev)
		c.finish(inv.ID, rec.ID, status, result)
	}()
	return inv.ID
}

// investigate runs the escalation pipeline and returns the final status.
func (c *Coordinator) investigate(ctx context.Context, id string, ev types.FailureEvent) (types.InvestigationStatus, string) {
	hints := map[string]string{
		"service":    serviceOf(ev),
		"error_type": ev.ErrorType,
		"severity":   string(ev.Severity),
		"source":     ev.Source,
	}
	an := c.deps.Reasoner.Reason(ev.Raw, hints)

	plan, err := c.repairPlan(ctx, ev, an)
	if err != nil {
		return types.InvestigationError, err.Error()
	}

	var requestID string
	if plan == nil {
		an.RequiresApproval = true
		an.Notes = append(an.Notes, "no repair service; commands were not pre-tested")
	} else {
		an.RaiseRisk(plan.RiskLevel, fmt.Sprintf("repair script risk score %d", plan.RiskScore))
		if plan.RequiresApproval {
			an.RequiresApproval = true
		}

		requestID, err = c.requestPermission(plan, ev)
		if err != nil {
			return types.InvestigationError, err.Error()
		}
		if requestID != "" {
			an.RequiresApproval = true
			an.Note("permission request %s opened for %s on %s", requestID, plan.Operation, plan.TargetPath)
		}

		if status, result, ok := c.sandboxTest(ctx, plan, an, requestID); !ok {
			return status, result
		}
	}

	action, confirmationID, err := c.deps.Reasoner.Communicate(an, id)
	c.update(id, func(inv *types.Investigation) {
		inv.Plan = action
		inv.ConfirmationID = confirmationID
	})
	if err != nil {
		c.denyPermission(requestID, "confirmation unavailable")
		return types.InvestigationError, err.Error()
	}

	if confirmationID != "" && c.deps.Decisions != nil {
		conf, err := c.deps.Decisions.Await(ctx, confirmationID)
		if err != nil {
			c.denyPermission(requestID, "no decision")
			return types.InvestigationError, "awaiting decision: " + err.Error()
		}
		if conf.Status != types.ConfirmationApproved {
			c.denyPermission(requestID, conf.Reason)
			return types.InvestigationFailed, "plan denied: " + conf.Reason
		}
		if requestID != "" {
			if _, err := c.deps.Permissions.ApprovePermissionRequest(requestID, 0); err != nil {
				log.WithError(err).WithField("request_id", requestID).Warn("coordinator: failed to approve permission request")
			}
		}
	}

	res, err := c.deps.Reasoner.Execute(ctx, action, confirmationID)
	switch {
	case err == nil && res.Verified:
		return types.InvestigationCompleted, fmt.Sprintf("executed %d steps", res.StepsRun)
	case err == nil:
		return types.InvestigationFailed, "executed but not stable: " + strings.Join(res.Failures, "; ")
	case errors.Is(err, reasoning.ErrNotApproved), errors.Is(err, reasoning.ErrSafetyCheck), errors.Is(err, reasoning.ErrStepFailed):
		c.denyPermission(requestID, err.Error())
		return types.InvestigationFailed, err.Error()
	default:
		return types.InvestigationError, err.Error()
	}
}

// repairPlan submits the failure to the repair service and takes the plan back
// off its queue. Error kinds with a template run the template script as their
// only step; other kinds get the reasoned steps packaged as a script. Either
// way the commands that execute are the ones the sandbox and the permission
// request see.
func (c *Coordinator) repairPlan(ctx context.Context, ev types.FailureEvent, an *reasoning.Analysis) (*types.RepairPlan, error) {
	if c.deps.Repairs == nil {
		return nil, nil
	}
	info := repair.ErrorInfo{
		Source:    ev.Source,
		Operation: toRecord(ev).FunctionName,
		ErrorType: ev.ErrorType,
		Message:   ev.Raw,
		Severity:  ev.Severity,
		Service:   serviceOf(ev),
	}
	if info.Operation == "" {
		info.Operation = "unknown"
	}
	if strings.TrimSpace(info.Message) == "" {
		info.Message = ev.ErrorType
	}

	plan, err := c.deps.Repairs.ReceiveExternalError(ctx, info)
	switch {
	case errors.Is(err, repair.ErrUnsupportedKind):
		log.WithField("error_type", ev.ErrorType).Debug("coordinator: no repair template, packaging the reasoned steps")
		plan, err = c.deps.Repairs.ReceiveSteps(ctx, info, an.Steps, an.Rollback)
		if err != nil {
			return nil, fmt.Errorf("repair: %w", err)
		}
		an.Note("no repair template for %s; reasoned steps packaged as plan %s", ev.ErrorType, plan.ID)
	case err != nil:
		return nil, fmt.Errorf("repair: %w", err)
	default:
		adoptScript(an, plan)
	}
	if _, ok := c.deps.Repairs.Take(plan.ID); !ok {
		log.WithField("plan_id", plan.ID).Warn("coordinator: repair plan was no longer queued")
	}
	return plan, nil
}

// adoptScript replaces the reasoned steps with the template script as a
// single critical step.
func adoptScript(an *reasoning.Analysis, plan *types.RepairPlan) {
	for _, st := range an.Steps {
		an.Note("suggested step not executed: %s", st.Description)
	}
	an.Steps = []types.RepairStep{{
		Description: fmt.Sprintf("Run the %s repair script", plan.Strategy),
		Command:     plan.Script,
		Critical:    true,
	}}
	an.Rollback = nil
	if plan.RollbackPlan != "" {
		an.Rollback = []types.RepairStep{{Description: plan.RollbackPlan}}
	}
	an.Note("executing the %s template for %s", plan.Strategy, plan.ErrorKind)
}

// requestPermission opens a permission request unless the plan's operation
// is already allowed. It returns the request id, or "" when none was needed.
func (c *Coordinator) requestPermission(plan *types.RepairPlan, ev types.FailureEvent) (string, error) {
	if c.deps.Permissions == nil || plan.Operation == "" {
		return "", nil
	}
	if d := c.deps.Permissions.CheckPermission(plan.Operation, plan.TargetPath, permission.DefaultSubject); d.Allowed {
		return "", nil
	}
	id, err := c.deps.Permissions.CreatePermissionRequest(permission.Request{
		Operation:  plan.Operation,
		TargetPath: plan.TargetPath,
		Reason:     fmt.Sprintf("%s repair for %s: %s", plan.Strategy, ev.Source, ev.ErrorType),
		Script:     plan.Script,
	})
	if err != nil {
		return "", fmt.Errorf("permission: %w", err)
	}
	return id, nil
}

// sandboxTest runs the repair script in the sandbox. ok is false when the
// investigation must stop with status and result.
func (c *Coordinator) sandboxTest(ctx context.Context, plan *types.RepairPlan, an *reasoning.Analysis, requestID string) (status types.InvestigationStatus, result string, ok bool) {
	if plan.Script == "" {
		an.Notes = append(an.Notes, "plan has only manual steps; nothing to pre-test")
		return "", "", true
	}
	if c.deps.Sandbox == nil || !c.deps.Sandbox.Enabled() {
		an.Notes = append(an.Notes, "sandbox disabled; repair script was not pre-tested")
		an.RequiresApproval = true
		return "", "", true
	}
	res, err := c.deps.Sandbox.Test(ctx, plan)
	if err != nil {
		c.denyPermission(requestID, "sandbox unavailable")
		return types.InvestigationError, "sandbox: " + err.Error(), false
	}
	if !res.Safe {
		c.denyPermission(requestID, "sandbox verdict unsafe")
		reason := "sandbox verdict unsafe"
		if len(res.Warnings) > 0 {
			reason += ": " + strings.Join(res.Warnings, "; ")
		}
		return types.InvestigationFailed, reason, false
	}
	an.Notes = append(an.Notes, fmt.Sprintf("sandbox test passed in %s", res.ExecutionTime.Round(time.Millisecond)))
	an.Note("sandbox verdict safe, exit code %d", res.ExitCode)
	return "", "", true
}

func (c *Coordinator) denyPermission(requestID, reason string) {
	if requestID == "" || c.deps.Permissions == nil {
		return
	}
	if reason == "" {
		reason = "investigation aborted"
	}
	if err := c.deps.Permissions.DenyPermissionRequest(requestID, reason); err != nil && !errors.Is(err, permission.ErrNotPending) {
		log.WithError(err).WithField("request_id", requestID).Warn("coordinator: failed to deny permission request")
	}
}

func (c *Coordinator) finish(id, failureID string, status types.InvestigationStatus, result string) {
	started := c.now()
	c.update(id, func(inv *types.Investigation) {
		inv.Status = status
		inv.Result = result
		started = inv.StartedAt
	})

	switch status {
	case types.InvestigationCompleted:
		c.updateLedger(failureID, types.StatusFixed, "investigation "+id+": "+result)
		metrics.ObserveInvestigation(c.now().Sub(started), metrics.OutcomeCompleted)
	case types.InvestigationFailed:
		c.updateLedger(failureID, types.StatusFailed, "investigation "+id+": "+result)
		metrics.ObserveInvestigation(c.now().Sub(started), metrics.OutcomeFailed)
	default:
		c.updateLedger(failureID, types.StatusFailed, "investigation "+id+" error: "+result)
		metrics.ObserveInvestigation(c.now().Sub(started), metrics.OutcomeError)
	}
	log.WithFields(log.Fields{"investigation_id": id, "status": status}).Info("coordinator: investigation finished: " + result)
}

func (c *Coordinator) update(id string, fn func(inv *types.Investigation)) {
	c.mu.Lock()
	inv, ok := c.investigations[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	fn(inv)
	inv.UpdatedAt = c.now()
	snapshot := *inv
	c.mu.Unlock()
	c.publish(snapshot)
}

func (c *Coordinator) publish(inv types.Investigation) {
	if c.bus != nil {
		bus.Publish(c.bus, bus.InvestigationUpdated, inv)
	}
}

func (c *Coordinator) updateLedger(id string, status types.FailureStatus, notes string) {
	// The investigation may outlive the request that opened it.
	if err := c.deps.Ledger.UpdateStatus(context.Background(), id, status, notes); err != nil {
		log.WithError(err).WithField("failure_id", id).Warn("coordinator: failed to update ledger")
	}
}
