package healing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/types"
)

type fakeLedger struct {
	mu        sync.Mutex
	records   []types.FailureRecord
	statuses  map[string]types.FailureStatus
	attempts  map[string]int
	immune    map[string]bool
	immunized []string
	recordErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		statuses: make(map[string]types.FailureStatus),
		attempts: make(map[string]int),
		immune:   make(map[string]bool),
	}
}

func (f *fakeLedger) Record(_ context.Context, rec types.FailureRecord) (*types.FailureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	rec.ID = "f-" + rec.FunctionName
	rec.ImmuneSignature = "sig-" + rec.FunctionName
	if f.immune[rec.ImmuneSignature] {
		rec.Status = types.StatusImmune
	}
	f.records = append(f.records, rec)
	f.statuses[rec.ID] = rec.Status
	return &rec, nil
}

func (f *fakeLedger) CheckImmune(_ context.Context, signature string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.immune[signature], nil
}

func (f *fakeLedger) IncrementAttempts(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id]++
	return nil
}

func (f *fakeLedger) UpdateStatus(_ context.Context, id string, status types.FailureStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeLedger) BuildImmunity(_ context.Context, rec types.FailureRecord, strategy string) (*types.ImmuneEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.immune[rec.ImmuneSignature] = true
	f.immunized = append(f.immunized, rec.ImmuneSignature)
	return &types.ImmuneEntry{Signature: rec.ImmuneSignature, PreventionStrategy: strategy}, nil
}

type fakePlanner struct {
	delay time.Duration
	calls int
}

func (p *fakePlanner) PlanFor(_ context.Context, rec types.FailureRecord, strategy types.HealingStrategy) (*types.RepairPlan, error) {
	p.calls++
	return &types.RepairPlan{ID: "plan", Signature: rec.ImmuneSignature, Healing: strategy, RetryDelay: p.delay}, nil
}

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestEngine(t *testing.T, ledger *fakeLedger, planner *fakePlanner, opts ...EngineOption) (*Engine, *recordedSleep) {
	t.Helper()
	rs := &recordedSleep{}
	opts = append([]EngineOption{WithSleep(rs.sleep)}, opts...)
	e, err := NewEngine(ledger, planner, opts...)
	require.NoError(t, err)
	return e, rs
}

func failing(calls *int, err error) Func {
	return func(context.Context) error {
		*calls++
		return err
	}
}

func TestGuard_RetriesAtMostMaxRetriesThenBuildsImmunity(t *testing.T) {
	ledger := newFakeLedger()
	engine, rs := newTestEngine(t, ledger, &fakePlanner{})

	calls := 0
	op := Operation{Source: "api", Name: "fetch", Run: failing(&calls, NewError("ConnectionError", "connection refused"))}
	out, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 3, Severity: types.SeverityLow, BaseDelay: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, types.StrategyRetrySimple, out.Strategy)
	assert.True(t, out.Immunized)
	assert.Len(t, rs.delays, 2, "no sleep after the final attempt")
	assert.Equal(t, types.StatusFailed, ledger.statuses["f-fetch"])
	assert.Equal(t, 3, ledger.attempts["f-fetch"])
	assert.Equal(t, []string{"sig-fetch"}, ledger.immunized)
	assert.Len(t, ledger.records, 1, "only the first failure is recorded")
}

func TestGuard_SucceedsAfterRetry(t *testing.T) {
	ledger := newFakeLedger()
	engine, _ := newTestEngine(t, ledger, &fakePlanner{})

	calls := 0
	op := Operation{Source: "api", Name: "flaky", Run: func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	}}
	out, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 3, Severity: types.SeverityMedium})

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.StatusFixed, ledger.statuses["f-flaky"])
	assert.Empty(t, ledger.immunized)
}

func TestGuard_UsesExistingRecord(t *testing.T) {
	ledger := newFakeLedger()
	engine, _ := newTestEngine(t, ledger, &fakePlanner{})

	existing := &types.FailureRecord{ID: "rec-1", ImmuneSignature: "sig-existing", ErrorType: "ConnectionError"}
	calls := 0
	op := Operation{Source: "api", Name: "recheck", Record: existing, Run: func(context.Context) error {
		calls++
		if calls == 1 {
			return NewError("ConnectionError", "connection refused")
		}
		return nil
	}}
	out, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 3, Severity: types.SeverityLow})

	require.NoError(t, err)
	assert.Equal(t, "rec-1", out.FailureID)
	assert.Empty(t, ledger.records, "no second record for the same failure")
	assert.Equal(t, 1, ledger.attempts["rec-1"])
	assert.Equal(t, types.StatusFixed, ledger.statuses["rec-1"])
}

func TestGuard_NoFailureTouchesNothing(t *testing.T) {
	ledger := newFakeLedger()
	engine, _ := newTestEngine(t, ledger, &fakePlanner{})

	out, err := engine.Guard(context.Background(), Operation{Name: "ok", Run: func(context.Context) error { return nil }}, Policy{MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, ledger.records)
}

func TestGuard_CriticalIsEmergencyStop(t *testing.T) {
	ledger := newFakeLedger()
	planner := &fakePlanner{}
	engine, rs := newTestEngine(t, ledger, planner)

	calls := 0
	op := Operation{Source: "db", Name: "write", Run: failing(&calls, errors.New("disk corrupted"))}
	out, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 5, Severity: types.SeverityCritical})

	require.ErrorIs(t, err, ErrEmergencyStop)
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.StrategyEmergencyStop, out.Strategy)
	assert.Empty(t, rs.delays)
	assert.Zero(t, planner.calls)
	assert.Equal(t, types.StatusFailed, ledger.statuses["f-write"])
}

func TestGuard_ImmuneSignatureShortCircuits(t *testing.T) {
	ledger := newFakeLedger()
	ledger.immune["sig-fetch"] = true
	planner := &fakePlanner{}
	engine, _ := newTestEngine(t, ledger, planner)

	calls := 0
	op := Operation{Source: "api", Name: "fetch", Run: failing(&calls, errors.New("connection refused"))}
	out, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 3, Severity: types.SeverityLow})

	require.ErrorIs(t, err, ErrImmuneResponse)
	assert.True(t, out.Immune)
	assert.Equal(t, 1, calls)
	assert.Zero(t, planner.calls)
	assert.Zero(t, ledger.attempts["f-fetch"])
}

func TestGuard_FallbackRecovers(t *testing.T) {
	ledger := newFakeLedger()
	engine, _ := newTestEngine(t, ledger, &fakePlanner{})

	calls, fallbacks := 0, 0
	op := Operation{
		Source: "cache",
		Name:   "get",
		Run:    failing(&calls, errors.New("out of memory")),
		Fallback: func(context.Context) error {
			fallbacks++
			return nil
		},
	}
	out, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 3, Severity: types.SeverityHigh})

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, types.StrategyFallback, out.Strategy)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, fallbacks)
	assert.Equal(t, types.StatusFixed, ledger.statuses["f-get"])
}

func TestGuard_PlanDelayOverridesBackoff(t *testing.T) {
	ledger := newFakeLedger()
	engine, rs := newTestEngine(t, ledger, &fakePlanner{delay: 7 * time.Millisecond})

	calls := 0
	op := Operation{Name: "slow", Run: failing(&calls, errors.New("request timeout"))}
	_, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 2, BaseDelay: time.Second})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{7 * time.Millisecond}, rs.delays)
}

func TestGuard_CircuitBreakerOpens(t *testing.T) {
	ledger := newFakeLedger()
	engine, _ := newTestEngine(t, ledger, &fakePlanner{}, WithCircuitBreaker(NewCircuitBreaker(1)))

	calls := 0
	op := Operation{Name: "loop", Run: failing(&calls, errors.New("connection refused"))}
	out, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 5, Severity: types.SeverityLow})

	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, out.Attempts)
}

func TestGuard_LedgerUnavailableStillRetries(t *testing.T) {
	ledger := newFakeLedger()
	ledger.recordErr = errors.New("database is locked")
	engine, _ := newTestEngine(t, ledger, &fakePlanner{})

	calls := 0
	op := Operation{Name: "op", Run: failing(&calls, errors.New("connection refused"))}
	out, err := engine.Guard(context.Background(), op, Policy{MaxRetries: 3, Severity: types.SeverityLow})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Empty(t, out.FailureID)
	assert.False(t, out.Immunized)
}

func TestGuard_CancelledContextStops(t *testing.T) {
	ledger := newFakeLedger()
	engine, _ := newTestEngine(t, ledger, &fakePlanner{})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	op := Operation{Name: "op", Run: func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection refused")
	}}
	_, err := engine.Guard(ctx, op, Policy{MaxRetries: 5, Severity: types.SeverityLow})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestGuard_PublishesOutcome(t *testing.T) {
	b := bus.New(8)
	defer b.Shutdown()

	got := make(chan bus.HealingOutcome, 1)
	bus.Subscribe(b, bus.HealingOutcomes, func(ev bus.HealingOutcome) { got <- ev })

	engine, _ := newTestEngine(t, newFakeLedger(), &fakePlanner{}, WithBus(b))
	calls := 0
	_, err := engine.Guard(context.Background(), Operation{Name: "pub", Run: failing(&calls, errors.New("kaput"))}, Policy{MaxRetries: 1})
	require.Error(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, "f-pub", ev.FailureID)
		assert.False(t, ev.Success)
		assert.Contains(t, ev.Err, "kaput")
	case <-time.After(2 * time.Second):
		t.Fatal("outcome not published")
	}
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(nil, &fakePlanner{})
	assert.Error(t, err)
	_, err = NewEngine(newFakeLedger(), nil)
	assert.Error(t, err)
}

func TestErrorTypeOf(t *testing.T) {
	assert.Equal(t, "CustomError", ErrorTypeOf(NewError("CustomError", "x")))
	assert.Equal(t, "TimeoutError", ErrorTypeOf(context.DeadlineExceeded))
	assert.Equal(t, "ConnectionError", ErrorTypeOf(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "PermissionError", ErrorTypeOf(errors.New("open /etc/shadow: permission denied")))
	assert.Equal(t, "*errors.errorString", ErrorTypeOf(errors.New("kaput")))
}
