// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sandbox test-runs repair scripts in a disposable docker container
// with no network, hard resource ceilings and a non-privileged user. A plan
// whose sandbox run is not safe must not be executed for real.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/types"
)

// ErrUnavailable is returned when the container runtime cannot be invoked.
var ErrUnavailable = errors.New("sandbox: container runtime unavailable")

const (
	exitMarker    = "__CHRONICLE_EXIT__="
	elapsedMarker = "__CHRONICLE_ELAPSED__="
	mountPoint    = "/sandbox"
)

// harness runs the script with command tracing so the executed commands show
// up on stderr, prints the completion markers and exits with the script's
// status. The container exit status is authoritative; the marker only proves
// the script ran to completion.
const harness = `#!/bin/sh
cd /tmp || exit 125
start=$(date +%s)
sh -x ` + mountPoint + `/script.sh
code=$?
end=$(date +%s)
echo "` + elapsedMarker + `$((end - start))"
echo "` + exitMarker + `$code"
exit "$code"
`

var markerRe = regexp.MustCompile(`(?m)^` + exitMarker + `(-?\d+)\s*$`)

// Runner runs a command. Implementations return the process exit code; err is
// reserved for failures to run the command at all.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error) {
	return f(ctx, name, args, stdout, stderr)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Executor runs repair scripts in a container.
type Executor struct {
	cfg     config.SandboxConfig
	runner  Runner
	timeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(e *Executor) {
		e.runner = r
	}
}

// WithTimeout overrides the configured wall-clock limit.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates an executor.
func New(cfg config.SandboxConfig, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		runner:  execRunner{},
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	if e.cfg.DockerBinary == "" {
		e.cfg.DockerBinary = "docker"
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	if e.cfg.MaxOutputBytes <= 0 {
		e.cfg.MaxOutputBytes = 64 * 1024
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enabled reports whether sandbox testing is configured on.
func (e *Executor) Enabled() bool {
	return e.cfg.Enabled
}

// Available probes the docker daemon.
func (e *Executor) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	code, err := e.runner.Run(ctx, e.cfg.DockerBinary, []string{"version", "--format", "{{.Server.Version}}"}, io.Discard, io.Discard)
	return err == nil && code == 0
}

// Test runs plan's script in a fresh container and returns the verdict.
// The container and the temporary directory are always removed.
func (e *Executor) Test(ctx context.Context, plan *types.RepairPlan) (*types.SandboxResult, error) {
	if plan == nil || strings.TrimSpace(plan.Script) == "" {
		return nil, fmt.Errorf("sandbox: plan has no script")
	}
	if !e.cfg.Enabled {
		return &types.SandboxResult{ExitCode: -1, Warnings: []string{"sandbox disabled"}}, nil
	}

	dir, err := e.materialize(plan.Script)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Warn("sandbox: failed to remove work dir")
		}
	}()

	name := "chronicle-sbx-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	defer e.teardown(name)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: int64(e.cfg.MaxOutputBytes)}
	stderr := &limitedWriter{w: &stderrBuf, max: int64(e.cfg.MaxOutputBytes)}

	start := time.Now()
	code, runErr := e.runner.Run(runCtx, e.cfg.DockerBinary, e.runArgs(name, dir), stdout, stderr)
	result := &types.SandboxResult{
		ExitCode:      code,
		ExecutionTime: time.Since(start),
		Stderr:        stderrBuf.String(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		result.Stdout = stdoutBuf.String()
		result.Warnings = append(result.Warnings, fmt.Sprintf("timeout after %s", e.timeout))
		e.logResult(plan, result)
		return result, nil
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, runErr)
	}

	out, markers, markedCode := stripMarkers(stdoutBuf.String())
	result.Stdout = out
	switch {
	case markers == 0:
		result.Warnings = append(result.Warnings, "missing completion marker")
	case markers > 1:
		result.Warnings = append(result.Warnings, fmt.Sprintf("duplicate completion marker (%d found)", markers))
	}
	if markers > 0 && markedCode != code {
		result.Warnings = append(result.Warnings, fmt.Sprintf("completion marker reports exit %d but the container exited %d", markedCode, code))
		if code == 0 {
			result.ExitCode = markedCode
		}
	}
	if stdout.truncated || stderr.truncated {
		result.Warnings = append(result.Warnings, "output truncated")
	}

	dangers := Dangerous(result.Stdout + "\n" + result.Stderr)
	result.Warnings = append(result.Warnings, dangers...)
	result.Safe = markers == 1 && code == 0 && markedCode == 0 && len(dangers) == 0

	e.logResult(plan, result)
	return result, nil
}

func (e *Executor) logResult(plan *types.RepairPlan, result *types.SandboxResult) {
	log.WithFields(log.Fields{
		"plan_id":   plan.ID,
		"exit_code": result.ExitCode,
		"safe":      result.Safe,
		"timed_out": result.TimedOut,
		"elapsed":   result.ExecutionTime,
	}).Info("sandbox: test finished")
}

func (e *Executor) materialize(script string) (string, error) {
	dir, err := os.MkdirTemp(e.cfg.WorkDir, "chronicle-sbx-")
	if err != nil {
		return "", fmt.Errorf("sandbox: create work dir: %w", err)
	}
	// The container user is unprivileged and must be able to read the mount.
	if err := os.Chmod(dir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("sandbox: chmod work dir: %w", err)
	}
	files := map[string]string{
		"script.sh":  script,
		"harness.sh": harness,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("sandbox: write %s: %w", name, err)
		}
	}
	return dir, nil
}

func (e *Executor) runArgs(name, dir string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
	}
	if e.cfg.MemoryLimit != "" {
		args = append(args, "--memory", e.cfg.MemoryLimit, "--memory-swap", e.cfg.MemoryLimit)
	}
	if e.cfg.CPULimit > 0 {
		args = append(args,
			"--cpu-period", "100000",
			"--cpu-quota", strconv.Itoa(int(e.cfg.CPULimit*100000)),
		)
	}
	if e.cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(e.cfg.PidsLimit))
	}
	user := e.cfg.User
	if user == "" || user == "root" || user == "0" || strings.HasPrefix(user, "0:") {
		user = "65534:65534"
	}
	args = append(args,
		"--user", user,
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"-v", dir+":"+mountPoint+":ro",
		e.cfg.Image,
		"sh", mountPoint+"/harness.sh",
	)
	return args
}

// teardown force-removes the container. It runs on a fresh context so it also
// happens after the caller's context was cancelled.
func (e *Executor) teardown(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.runner.Run(ctx, e.cfg.DockerBinary, []string{"rm", "-f", name}, io.Discard, io.Discard); err != nil {
		log.WithError(err).WithField("container", name).Debug("sandbox: teardown failed")
	}
}

// stripMarkers removes the harness markers from stdout. It returns the number
// of exit markers found and the code of the last one, which is the one the
// harness prints after the script has finished.
func stripMarkers(stdout string) (string, int, int) {
	var count, code int
	for _, m := range markerRe.FindAllStringSubmatch(stdout, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			count++
			code = n
		}
	}
	lines := strings.Split(stdout, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(line, exitMarker) || strings.HasPrefix(line, elapsedMarker) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), count, code
}
