package repair

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/risk"
	"github.com/traylinx/chronicle/internal/types"
)

func newTestService(t *testing.T, queueSize int) *Service {
	t.Helper()
	cfg := config.Default()
	scorer, err := risk.NewScorer(cfg.Risk)
	require.NoError(t, err)
	svc, err := NewService(config.RepairConfig{QueueSize: queueSize}, scorer)
	require.NoError(t, err)
	return svc
}

func validInfo() ErrorInfo {
	return ErrorInfo{
		Source:    "payments",
		Operation: "charge",
		ErrorType: "ConnectionRefusedError",
		Message:   "connect ECONNREFUSED 10.0.0.5:5432",
		Severity:  types.SeverityHigh,
	}
}

func TestNormalizeKind(t *testing.T) {
	cases := map[string]types.ErrorKind{
		"ConnectionRefusedError": types.KindConnection,
		"ENOENT":                 types.KindFileMissing,
		"FileNotFoundError":      types.KindFileMissing,
		"MemoryError":            types.KindMemory,
		"PermissionError":        types.KindPermission,
		"yaml.YAMLError":         types.KindConfiguration,
		"TimeoutError":           types.KindTimeout,
		"ZeroDivisionError":      types.KindUnknown,
	}
	for errType, want := range cases {
		assert.Equal(t, want, NormalizeKind(errType, ""), errType)
	}
}

func TestReceiveExternalError_BuildsPlan(t *testing.T) {
	svc := newTestService(t, 10)

	plan, err := svc.ReceiveExternalError(context.Background(), validInfo())
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	assert.Len(t, plan.Signature, 32)
	assert.Equal(t, string(types.KindConnection), plan.ErrorKind)
	assert.Equal(t, "connection-recovery", plan.Strategy)
	assert.Len(t, plan.Steps, 3)
	assert.Contains(t, plan.Script, "'payments'")
	assert.NotEmpty(t, plan.RollbackPlan)
	assert.Equal(t, 7, plan.Priority)
	assert.NotEmpty(t, plan.RiskLevel)
	assert.Equal(t, 1, svc.Len())

	next, ok := svc.Next()
	require.True(t, ok)
	assert.Equal(t, plan.ID, next.ID)
	_, ok = svc.Next()
	assert.False(t, ok)
}

func TestReceiveExternalError_EveryTemplateKind(t *testing.T) {
	svc := newTestService(t, 10)
	for _, errType := range []string{"ConnectionError", "FileNotFoundError", "PermissionError", "MemoryError", "ConfigError"} {
		info := validInfo()
		info.ErrorType = errType
		info.Message = "failure"
		info.TargetPath = "/srv/app/settings.yaml"
		plan, err := svc.ReceiveExternalError(context.Background(), info)
		require.NoError(t, err, errType)
		assert.True(t, strings.HasPrefix(plan.Script, "#!/bin/sh"), errType)
		assert.NotEmpty(t, plan.Steps, errType)
	}
}

func TestReceiveExternalError_Validation(t *testing.T) {
	svc := newTestService(t, 10)

	info := validInfo()
	info.Source = ""
	info.Message = " "
	_, err := svc.ReceiveExternalError(context.Background(), info)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "source")
	assert.Contains(t, err.Error(), "message")

	info = validInfo()
	info.ErrorType = "ZeroDivisionError"
	info.Message = "division by zero"
	_, err = svc.ReceiveExternalError(context.Background(), info)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	assert.Zero(t, svc.Len())
}

func TestReceiveExternalError_QueueFull(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.ReceiveExternalError(ctx, validInfo())
		require.NoError(t, err)
	}
	_, err := svc.ReceiveExternalError(ctx, validInfo())
	assert.ErrorIs(t, err, ErrQueueFull)

	_, ok := svc.Next()
	require.True(t, ok)
	_, err = svc.ReceiveExternalError(ctx, validInfo())
	assert.NoError(t, err)
}

func TestPlanFor_StrategyDelays(t *testing.T) {
	svc := newTestService(t, 10)
	rec := types.FailureRecord{
		Source:          "payments",
		FunctionName:    "charge",
		ErrorType:       "ConnectionError",
		ErrorMessage:    "connection refused",
		Severity:        types.SeverityLow,
		ImmuneSignature: "abc",
	}

	plan, err := svc.PlanFor(context.Background(), rec, types.StrategyRetrySimple)
	require.NoError(t, err)
	assert.Equal(t, time.Second, plan.RetryDelay)
	assert.Equal(t, types.StrategyRetrySimple, plan.Healing)
	assert.Equal(t, "abc", plan.Signature)
	assert.Zero(t, svc.Len(), "healing plans are not queued")

	rec.ErrorType = "ValueMismatch"
	rec.ErrorMessage = "totals differ"
	plan, err = svc.PlanFor(context.Background(), rec, types.StrategyAnalyze)
	require.NoError(t, err)
	assert.Equal(t, string(types.KindUnknown), plan.ErrorKind)
	assert.Equal(t, 3*time.Second, plan.RetryDelay)
	assert.Empty(t, plan.Steps)
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 1, Priority(types.SeverityLow, types.KindUnknown))
	assert.Equal(t, 3, Priority(types.SeverityLow, types.KindMemory))
	assert.Equal(t, 8, Priority(types.SeverityCritical, types.KindPermission))
	assert.Equal(t, 9, Priority(types.SeverityCritical, types.KindConnection))
	assert.LessOrEqual(t, Priority(types.SeverityCritical, types.KindMemory), 10)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func reasonedSteps() (steps, rollback []types.RepairStep) {
	steps = []types.RepairStep{
		{Description: "Count open connections", Command: "echo counting 'pgbouncer'"},
		{Description: "Page the on-call\nengineer"},
		{Description: "Restart the connection pooler", Command: "echo restarting 'pgbouncer'", Critical: true},
	}
	rollback = []types.RepairStep{
		{Description: "Start the previous pooler", Command: "echo restoring 'pgbouncer'"},
	}
	return steps, rollback
}

func TestReceiveSteps_ScriptCarriesEveryCommand(t *testing.T) {
	svc := newTestService(t, 10)
	info := validInfo()
	info.ErrorType = "PoolExhausted"
	info.Message = "too many clients already"
	steps, rollback := reasonedSteps()

	plan, err := svc.ReceiveSteps(context.Background(), info, steps, rollback)
	require.NoError(t, err)
	assert.Equal(t, OperationExecute, plan.Operation)
	assert.Equal(t, "reasoned-steps", plan.Strategy)
	assert.Equal(t, "/tmp/chronicle/charge", plan.TargetPath)
	assert.Equal(t, "Start the previous pooler", plan.RollbackPlan)
	assert.NotEmpty(t, plan.RiskLevel)
	for _, st := range append(steps, rollback...) {
		if st.Command != "" {
			assert.Contains(t, plan.Script, st.Command)
		}
	}
	assert.Contains(t, plan.Script, "# 2. Page the on-call engineer (manual)")
	assert.Equal(t, 1, svc.Len())

	got, ok := svc.Take(plan.ID)
	require.True(t, ok)
	assert.Same(t, plan, got)
	_, ok = svc.Take(plan.ID)
	assert.False(t, ok)
}

func TestReceiveSteps_ValidatesAndScoresDanger(t *testing.T) {
	svc := newTestService(t, 10)

	info := validInfo()
	info.Operation = ""
	_, err := svc.ReceiveSteps(context.Background(), info, nil, nil)
	assert.ErrorIs(t, err, ErrInvalid)

	safe, err := svc.ReceiveSteps(context.Background(), validInfo(),
		[]types.RepairStep{{Description: "Inspect", Command: "ls /srv"}}, nil)
	require.NoError(t, err)
	risky, err := svc.ReceiveSteps(context.Background(), validInfo(),
		[]types.RepairStep{{Description: "Wipe", Command: "rm -rf /srv/data"}}, nil)
	require.NoError(t, err)
	assert.Greater(t, risky.RiskScore, safe.RiskScore)
}

func TestTake_LeavesOtherPlansQueued(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()
	first, err := svc.ReceiveExternalError(ctx, validInfo())
	require.NoError(t, err)
	second, err := svc.ReceiveExternalError(ctx, validInfo())
	require.NoError(t, err)

	got, ok := svc.Take(second.ID)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
	next, ok := svc.Next()
	require.True(t, ok)
	assert.Equal(t, first.ID, next.ID)
}

func TestStepScript(t *testing.T) {
	assert.Empty(t, StepScript([]types.RepairStep{{Description: "Look at the dashboard"}}, nil))

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	run := func(script string) (string, int) {
		out, err := exec.Command(sh, "-c", script).CombinedOutput()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode()
		}
		require.NoError(t, err)
		return string(out), 0
	}

	steps, rollback := reasonedSteps()
	out, code := run(StepScript(steps, rollback))
	assert.Zero(t, code)
	assert.Contains(t, out, "counting pgbouncer")
	assert.Contains(t, out, "restarting pgbouncer")
	assert.NotContains(t, out, "restoring")

	steps[0].Command = "exit 0"
	steps[2].Command = "false"
	out, code = run(StepScript(steps, rollback))
	assert.Equal(t, 1, code, "a step cannot end the script early")
	assert.Contains(t, out, "critical step 3 failed")
	assert.Contains(t, out, "restoring pgbouncer")

	steps[2].Critical = false
	out, code = run(StepScript(steps, rollback))
	assert.Zero(t, code)
	assert.Contains(t, out, "step 3 failed")
	assert.NotContains(t, out, "restoring")
}
