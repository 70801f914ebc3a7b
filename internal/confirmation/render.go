// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package confirmation

import (
	"fmt"
	"strings"

	"github.com/traylinx/chronicle/internal/types"
)

// Render produces the text shown to the operator for plan.
func Render(plan types.ActionPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PROBLEM: %s\n", plan.Problem)
	fmt.Fprintf(&b, "ROOT CAUSE: %s\n", plan.Analysis.RootCause)
	if plan.Analysis.Pattern != "" {
		fmt.Fprintf(&b, "PATTERN: %s\n", plan.Analysis.Pattern)
	}
	fmt.Fprintf(&b, "RISK: %s   CONFIDENCE: %.0f%%   STRATEGY: %s\n",
		plan.Analysis.Risk, plan.Analysis.Confidence*100, plan.Solution.Strategy)
	if len(plan.Analysis.Symptoms) > 0 {
		fmt.Fprintf(&b, "SYMPTOMS: %s\n", strings.Join(plan.Analysis.Symptoms, ", "))
	}

	b.WriteString("\nPROPOSED STEPS:\n")
	for i, step := range plan.Solution.Steps {
		marker := ""
		if step.Critical {
			marker = " [critical]"
		}
		fmt.Fprintf(&b, "  %d. %s%s\n", i+1, step.Description, marker)
		if step.Command != "" {
			fmt.Fprintf(&b, "     $ %s\n", step.Command)
		}
	}
	if plan.Solution.EstimatedTime > 0 {
		fmt.Fprintf(&b, "ESTIMATED TIME: %s\n", plan.Solution.EstimatedTime)
	}

	if len(plan.Solution.Rollback) > 0 {
		b.WriteString("\nROLLBACK:\n")
		for i, step := range plan.Solution.Rollback {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, step.Description)
		}
	}
	if len(plan.SafetyMeasures) > 0 {
		b.WriteString("\nSAFETY MEASURES:\n")
		for _, m := range plan.SafetyMeasures {
			fmt.Fprintf(&b, "  - %s\n", m)
		}
	}
	return b.String()
}
