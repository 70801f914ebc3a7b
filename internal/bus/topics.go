// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bus

import (
	"time"

	"github.com/traylinx/chronicle/internal/types"
)

// HealingOutcome is published by the self-healing engine after each guarded call.
type HealingOutcome struct {
	FailureID string
	Signature string
	Strategy  types.HealingStrategy
	Attempts  int
	Success   bool
	Immune    bool
	Err       string
	At        time.Time
}

// PermissionDecision is published when a permission request is approved or denied.
type PermissionDecision struct {
	RequestID string
	Operation string
	Target    string
	Approved  bool
	Reason    string
	ExpiresAt time.Time
}

// Topics shared across components.
var (
	FailureDetected       = NewTopic[types.FailureEvent]("failure.detected")
	HealingOutcomes       = NewTopic[HealingOutcome]("healing.outcome")
	ConfirmationRequested = NewTopic[types.Confirmation]("confirmation.requested")
	ConfirmationResolved  = NewTopic[types.Confirmation]("confirmation.resolved")
	InvestigationUpdated  = NewTopic[types.Investigation]("investigation.updated")
	PermissionDecided     = NewTopic[PermissionDecision]("permission.decided")
)
