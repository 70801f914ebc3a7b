// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reasoning

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/types"
)

// dryRunner logs steps without touching the host.
type dryRunner struct{}

func (dryRunner) Run(_ context.Context, step types.RepairStep) error {
	log.WithFields(log.Fields{"command": step.Command, "critical": step.Critical}).
		Infof("reasoning: [dry-run] %s", step.Description)
	return nil
}

// shellRunner executes step commands with sh -c. Steps without a command
// are manual and only logged.
type shellRunner struct{}

func (shellRunner) Run(ctx context.Context, step types.RepairStep) error {
	if strings.TrimSpace(step.Command) == "" {
		log.Infof("reasoning: manual step: %s", step.Description)
		return nil
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", step.Command).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%q: %w", step.Command, ctx.Err())
		}
		return fmt.Errorf("%q: %w: %s", step.Command, err, truncate(string(out), 512))
	}
	log.WithField("command", step.Command).Debugf("reasoning: step output: %s", truncate(string(out), 2048))
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
