package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/confirmation"
	"github.com/traylinx/chronicle/internal/healing"
	"github.com/traylinx/chronicle/internal/ledger"
	"github.com/traylinx/chronicle/internal/permission"
	"github.com/traylinx/chronicle/internal/reasoning"
	"github.com/traylinx/chronicle/internal/repair"
	"github.com/traylinx/chronicle/internal/risk"
	"github.com/traylinx/chronicle/internal/types"
)

type fakeLedger struct {
	mu        sync.Mutex
	err       error
	immuneAll bool
	records   []types.FailureRecord
	statuses  map[string]types.FailureStatus
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{statuses: make(map[string]types.FailureStatus)}
}

func (f *fakeLedger) Record(_ context.Context, rec types.FailureRecord) (*types.FailureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec.ID = fmt.Sprintf("f-%d", len(f.records)+1)
	rec.ImmuneSignature = ledger.Signature(rec.Source, rec.FunctionName, rec.ErrorType, rec.ErrorMessage)
	if f.immuneAll {
		rec.Status = types.StatusImmune
	}
	f.records = append(f.records, rec)
	f.statuses[rec.ID] = rec.Status
	return &rec, nil
}

func (f *fakeLedger) UpdateStatus(_ context.Context, id string, status types.FailureStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeLedger) CheckImmune(context.Context, string) (bool, error) { return false, nil }

func (f *fakeLedger) IncrementAttempts(context.Context, string, string) error { return nil }

func (f *fakeLedger) BuildImmunity(_ context.Context, rec types.FailureRecord, strategy string) (*types.ImmuneEntry, error) {
	return &types.ImmuneEntry{Signature: rec.ImmuneSignature, PreventionStrategy: strategy}, nil
}

func (f *fakeLedger) status(id string) types.FailureStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeSandbox struct {
	mu      sync.Mutex
	safe    bool
	err     error
	calls   int
	scripts []string
}

func (s *fakeSandbox) Enabled() bool { return true }

func (s *fakeSandbox) Test(_ context.Context, plan *types.RepairPlan) (*types.SandboxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.scripts = append(s.scripts, plan.Script)
	if s.err != nil {
		return nil, s.err
	}
	res := &types.SandboxResult{Safe: s.safe}
	if !s.safe {
		res.ExitCode = 1
		res.Warnings = []string{"privilege escalation: sudo"}
	}
	return res, nil
}

func (s *fakeSandbox) tested() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]string(nil), s.scripts...)
}

type stepRecorder struct {
	mu       sync.Mutex
	ran      []string
	commands []string
}

func (r *stepRecorder) Run(_ context.Context, step types.RepairStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, step.Description)
	if step.Command != "" {
		r.commands = append(r.commands, step.Command)
	}
	return nil
}

func (r *stepRecorder) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func (r *stepRecorder) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// requireSandboxed fails unless every executed command appears in a script
// the sandbox tested.
func requireSandboxed(t *testing.T, h *harness) {
	t.Helper()
	_, scripts := h.sandbox.tested()
	executed := h.runner.executed()
	require.NotEmpty(t, executed)
	for _, cmd := range executed {
		assert.True(t, slices.ContainsFunc(scripts, func(s string) bool { return strings.Contains(s, cmd) }),
			"command %q ran without a sandbox test", cmd)
	}
}

type recheckFunc func(ctx context.Context, ev types.FailureEvent) error

func (f recheckFunc) Recheck(ctx context.Context, ev types.FailureEvent) error { return f(ctx, ev) }

type harness struct {
	c       *Coordinator
	ledger  *fakeLedger
	gw      *confirmation.Gateway
	perms   *permission.Manager
	sandbox *fakeSandbox
	runner  *stepRecorder
}

func newHarness(t *testing.T, mutate func(cfg *config.Config), opts ...Option) *harness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	scorer, err := risk.NewScorer(cfg.Risk)
	require.NoError(t, err)
	repairs, err := repair.NewService(cfg.Repair, scorer)
	require.NoError(t, err)
	perms, err := permission.NewManager(cfg.Permission, scorer, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = perms.Close() })
	gw, err := confirmation.New(cfg.Confirmation)
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	h := &harness{
		ledger:  newFakeLedger(),
		gw:      gw,
		perms:   perms,
		sandbox: &fakeSandbox{safe: true},
		runner:  &stepRecorder{},
	}
	agent := reasoning.NewAgent(cfg.Reasoning, reasoning.WithConfirmer(gw), reasoning.WithStepRunner(h.runner))
	engine, err := healing.NewEngine(h.ledger, repairs, healing.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	opts = append([]Option{WithHealingConfig(cfg.Healing)}, opts...)
	h.c, err = New(cfg.Coordinator, Dependencies{
		Ledger:      h.ledger,
		Healer:      engine,
		Reasoner:    agent,
		Repairs:     repairs,
		Permissions: perms,
		Sandbox:     h.sandbox,
		Decisions:   gw,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(h.c.Stop)
	return h
}

// respond resolves the first confirmation that shows up.
func (h *harness) respond(t *testing.T, approve bool) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if p := h.gw.Pending(); len(p) > 0 {
				_, _ = h.gw.Respond(p[0].ID, approve, "")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func (h *harness) waitFinished(t *testing.T, id string) types.Investigation {
	t.Helper()
	var inv types.Investigation
	require.Eventually(t, func() bool {
		var ok bool
		inv, ok = h.c.Investigation(id)
		return ok && inv.Status != types.InvestigationInvestigating
	}, 5*time.Second, 10*time.Millisecond)
	return inv
}

func simpleEvent() types.FailureEvent {
	return types.FailureEvent{
		Source:    "web",
		Origin:    types.OriginLog,
		Operation: "render",
		ErrorType: "HTTPError",
		Raw:       "upstream returned 503",
		Severity:  types.SeverityLow,
	}
}

func complexEvent() types.FailureEvent {
	return types.FailureEvent{
		Source:           "payments",
		Origin:           types.OriginLog,
		Operation:        "checkout",
		ErrorType:        "ConnectionError",
		Raw:              "database connection pool exhausted",
		Severity:         types.SeverityCritical,
		AffectedServices: []string{"pgbouncer"},
	}
}

func TestHandle_LogOnlyWhenLedgerUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.err = fmt.Errorf("%w: database is locked", ledger.ErrUnavailable)

	d, err := h.c.Handle(context.Background(), complexEvent())
	require.NoError(t, err)
	assert.Equal(t, RouteLogOnly, d.Route)
	assert.True(t, h.c.LogOnly())
	assert.Empty(t, h.c.Investigations())

	h.ledger.err = nil
	d, err = h.c.Handle(context.Background(), simpleEvent())
	require.NoError(t, err)
	assert.Equal(t, RouteHealing, d.Route)
	assert.False(t, h.c.LogOnly())
}

func TestHandle_InvalidEventIsAnError(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.err = errors.New("ledger: source and error type are required")
	_, err := h.c.Handle(context.Background(), types.FailureEvent{})
	assert.Error(t, err)
	assert.False(t, h.c.LogOnly())
}

func TestHandle_ImmuneShortCircuits(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.immuneAll = true

	d, err := h.c.Handle(context.Background(), complexEvent())
	require.NoError(t, err)
	assert.Equal(t, RouteImmune, d.Route)
	assert.NotEmpty(t, d.Signature)
	assert.Empty(t, h.c.Investigations())
	assert.Equal(t, 1, h.ledger.count())
}

func TestHandle_SimpleFailureHeals(t *testing.T) {
	h := newHarness(t, nil)

	d, err := h.c.Handle(context.Background(), simpleEvent())
	require.NoError(t, err)
	assert.Equal(t, RouteHealing, d.Route)
	require.NotNil(t, d.Healing)
	assert.True(t, d.Healing.Success)
	assert.Equal(t, 2, d.Healing.Attempts)
	assert.Equal(t, types.StrategyRetrySimple, d.Healing.Strategy)
	assert.Equal(t, d.FailureID, d.Healing.FailureID)
	assert.Equal(t, 1, h.ledger.count(), "the healing engine reuses the coordinator's record")
	assert.Equal(t, types.StatusFixed, h.ledger.status(d.FailureID))
}

func TestHandle_PersistentFailureExhaustsRetries(t *testing.T) {
	var rechecks int
	h := newHarness(t, nil, WithRechecker(recheckFunc(func(_ context.Context, ev types.FailureEvent) error {
		rechecks++
		return errors.New(ev.Raw)
	})))

	d, err := h.c.Handle(context.Background(), simpleEvent())
	require.NoError(t, err)
	assert.False(t, d.Healing.Success)
	assert.NotEmpty(t, d.Error)
	assert.Equal(t, 2, rechecks)
	assert.Equal(t, types.StatusFailed, h.ledger.status(d.FailureID))
}

func TestComplexity(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name string
		ev   types.FailureEvent
		want float64
	}{
		{"database critical", complexEvent(), 0.85},
		{"clamped", types.FailureEvent{Raw: "kernel oops", ErrorType: "KernelError", Severity: types.SeverityCritical, AffectedServices: []string{"a", "b", "c"}}, 1},
		{"plain", types.FailureEvent{Raw: "slow request", Severity: types.SeverityLow}, 0},
		{"disk medium", types.FailureEvent{Raw: "disk almost full", Severity: types.SeverityMedium}, 0.35},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, h.c.Complexity(tc.ev), 1e-9)
		})
	}
}

func TestHandle_EscalationRuleForcesInvestigation(t *testing.T) {
	b := bus.New(64)
	defer b.Shutdown()
	var mu sync.Mutex
	var seen []types.InvestigationStatus
	bus.Subscribe(b, bus.InvestigationUpdated, func(inv types.Investigation) {
		mu.Lock()
		seen = append(seen, inv.Status)
		mu.Unlock()
	})

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Coordinator.EscalationRules = []string{`source == "web" && operation == "render"`}
	}, WithBus(b))
	h.respond(t, true)

	d, err := h.c.Handle(context.Background(), simpleEvent())
	require.NoError(t, err)
	assert.Equal(t, RouteEscalated, d.Route)
	assert.Equal(t, `source == "web" && operation == "render"`, d.Rule)
	assert.Less(t, d.Complexity, 0.7)

	inv := h.waitFinished(t, d.InvestigationID)
	require.Equal(t, types.InvestigationCompleted, inv.Status, inv.Result)
	assert.NotEmpty(t, inv.ConfirmationID, "reasoned commands without a template still need approval")
	assert.Equal(t, types.StatusFixed, h.ledger.status(d.FailureID))
	assert.Equal(t, []string{"Collect diagnostics for the affected service"}, h.runner.steps())
	calls, _ := h.sandbox.tested()
	assert.Equal(t, 1, calls)
	require.Len(t, h.perms.Grants(), 1)
	assert.Equal(t, repair.OperationExecute, h.perms.Grants()[0].Operation)
	requireSandboxed(t, h)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == types.InvestigationCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandle_EscalationApproved(t *testing.T) {
	h := newHarness(t, nil)
	h.respond(t, true)

	d, err := h.c.Handle(context.Background(), complexEvent())
	require.NoError(t, err)
	require.Equal(t, RouteEscalated, d.Route)
	assert.InDelta(t, 0.85, d.Complexity, 1e-9)

	inv := h.waitFinished(t, d.InvestigationID)
	require.Equal(t, types.InvestigationCompleted, inv.Status, inv.Result)
	require.NotNil(t, inv.Plan)
	assert.True(t, inv.Plan.RequiresApproval)
	assert.NotEmpty(t, inv.ConfirmationID)
	assert.Equal(t, "connection_exhaustion", inv.Plan.Analysis.Pattern)
	assert.Contains(t, strings.Join(inv.Plan.SafetyMeasures, "|"), "sandbox test passed")
	assert.Equal(t, []string{"Run the connection-recovery repair script"}, h.runner.steps())
	assert.Contains(t, strings.Join(inv.Plan.ReasoningTrace, "|"), "suggested step not executed: Restart the connection pooler")
	requireSandboxed(t, h)

	calls, _ := h.sandbox.tested()
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.StatusFixed, h.ledger.status(d.FailureID))
	assert.Empty(t, h.perms.PendingRequests())
	require.Len(t, h.perms.Grants(), 1)
	assert.Equal(t, "service_restart", h.perms.Grants()[0].Operation)
}

func TestHandle_EscalationDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.respond(t, false)

	d, err := h.c.Handle(context.Background(), complexEvent())
	require.NoError(t, err)

	inv := h.waitFinished(t, d.InvestigationID)
	assert.Equal(t, types.InvestigationFailed, inv.Status)
	assert.Contains(t, inv.Result, "plan denied")
	assert.Empty(t, h.runner.steps())
	assert.Equal(t, types.StatusFailed, h.ledger.status(d.FailureID))
	assert.Empty(t, h.perms.PendingRequests())
	assert.Empty(t, h.perms.Grants())
}

func TestHandle_UnsafeSandboxFailsInvestigation(t *testing.T) {
	h := newHarness(t, nil)
	h.sandbox.safe = false

	d, err := h.c.Handle(context.Background(), complexEvent())
	require.NoError(t, err)

	inv := h.waitFinished(t, d.InvestigationID)
	assert.Equal(t, types.InvestigationFailed, inv.Status)
	assert.Contains(t, inv.Result, "sandbox verdict unsafe")
	assert.Contains(t, inv.Result, "sudo")
	assert.Nil(t, inv.Plan)
	assert.Empty(t, h.gw.Pending())
	assert.Empty(t, h.gw.History(0))
	assert.Empty(t, h.runner.steps())
	assert.Empty(t, h.perms.PendingRequests())
	assert.Equal(t, types.StatusFailed, h.ledger.status(d.FailureID))
}

func TestHandle_SandboxUnavailableIsAnError(t *testing.T) {
	h := newHarness(t, nil)
	h.sandbox.err = errors.New("docker daemon not running")

	d, err := h.c.Handle(context.Background(), complexEvent())
	require.NoError(t, err)

	inv := h.waitFinished(t, d.InvestigationID)
	assert.Equal(t, types.InvestigationError, inv.Status)
	assert.Contains(t, inv.Result, "docker daemon not running")
}

func TestHandle_NoTemplateEscalationIsGated(t *testing.T) {
	forced := func(cfg *config.Config) {
		cfg.Coordinator.EscalationRules = []string{`error_type == "HTTPError"`}
	}

	t.Run("denied", func(t *testing.T) {
		h := newHarness(t, forced)
		h.respond(t, false)

		d, err := h.c.Handle(context.Background(), simpleEvent())
		require.NoError(t, err)
		inv := h.waitFinished(t, d.InvestigationID)
		assert.Equal(t, types.InvestigationFailed, inv.Status)
		assert.Contains(t, inv.Result, "plan denied")
		assert.NotEmpty(t, inv.ConfirmationID)
		calls, scripts := h.sandbox.tested()
		assert.Equal(t, 1, calls)
		assert.Contains(t, scripts[0], "journalctl -u 'web' -n 200 --no-pager")
		assert.Empty(t, h.runner.steps())
		assert.Empty(t, h.perms.PendingRequests())
		assert.Empty(t, h.perms.Grants())
	})

	t.Run("unsafe", func(t *testing.T) {
		h := newHarness(t, forced)
		h.sandbox.safe = false

		d, err := h.c.Handle(context.Background(), simpleEvent())
		require.NoError(t, err)
		inv := h.waitFinished(t, d.InvestigationID)
		assert.Equal(t, types.InvestigationFailed, inv.Status)
		assert.Contains(t, inv.Result, "sandbox verdict unsafe")
		assert.Empty(t, h.gw.History(0))
		assert.Empty(t, h.runner.steps())
		assert.Empty(t, h.perms.PendingRequests())
	})
}

func TestHandle_RepairQueueIsDrained(t *testing.T) {
	h := newHarness(t, nil)
	h.respond(t, true)
	repairs := h.c.deps.Repairs.(*repair.Service)

	d, err := h.c.Handle(context.Background(), complexEvent())
	require.NoError(t, err)
	inv := h.waitFinished(t, d.InvestigationID)
	require.Equal(t, types.InvestigationCompleted, inv.Status, inv.Result)
	assert.Zero(t, repairs.Len(), "the investigation takes its plan back off the queue")
}

func TestHandle_ImmuneRouteCountsTrigger(t *testing.T) {
	ctx := context.Background()
	store, err := ledger.Open(ctx, ledger.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	scorer, err := risk.NewScorer(cfg.Risk)
	require.NoError(t, err)
	repairs, err := repair.NewService(cfg.Repair, scorer)
	require.NoError(t, err)
	engine, err := healing.NewEngine(store, repairs)
	require.NoError(t, err)
	c, err := New(cfg.Coordinator, Dependencies{
		Ledger:   store,
		Healer:   engine,
		Reasoner: reasoning.NewAgent(cfg.Reasoning),
		Repairs:  repairs,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	ev := complexEvent()
	rec, err := store.Record(ctx, toRecord(ev))
	require.NoError(t, err)
	_, err = store.BuildImmunity(ctx, *rec, "pool size raised")
	require.NoError(t, err)

	for range 2 {
		d, err := c.Handle(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, RouteImmune, d.Route)
		assert.Equal(t, rec.ImmuneSignature, d.Signature)
	}
	assert.Empty(t, c.Investigations())

	entry, err := store.ImmuneEntry(ctx, rec.ImmuneSignature)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.TriggerCount)
	report, err := store.HealthReport(ctx, ev.Source)
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, 2, report.Sources[0].ImmuneResponses)
}

func TestStop_CancelsPendingInvestigation(t *testing.T) {
	h := newHarness(t, nil)

	d, err := h.c.Handle(context.Background(), complexEvent())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.gw.Pending()) == 1 }, 5*time.Second, 10*time.Millisecond)

	h.c.Stop()
	inv, ok := h.c.Investigation(d.InvestigationID)
	require.True(t, ok)
	assert.Equal(t, types.InvestigationError, inv.Status)
	assert.Empty(t, h.runner.steps())
}

func TestEvict(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.c.now = func() time.Time { return now }
	old := now.Add(-2 * time.Hour)
	h.c.investigations["done"] = &types.Investigation{ID: "done", Status: types.InvestigationCompleted, StartedAt: old, UpdatedAt: old}
	h.c.investigations["running"] = &types.Investigation{ID: "running", Status: types.InvestigationInvestigating, StartedAt: old, UpdatedAt: old}
	h.c.investigations["fresh"] = &types.Investigation{ID: "fresh", Status: types.InvestigationFailed, StartedAt: now, UpdatedAt: now}

	assert.Equal(t, 1, h.c.Evict())
	_, ok := h.c.Investigation("done")
	assert.False(t, ok)
	assert.Len(t, h.c.Investigations(), 2)
	assert.Equal(t, "fresh", h.c.Investigations()[0].ID)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(config.CoordinatorConfig{}, Dependencies{Ledger: newFakeLedger(), Healer: &healing.Engine{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoner")

	_, err = New(config.CoordinatorConfig{EscalationRules: []string{"severity =="}}, Dependencies{
		Ledger: newFakeLedger(), Healer: &healing.Engine{}, Reasoner: reasoning.NewAgent(config.ReasoningConfig{}),
	})
	assert.Error(t, err)
}
