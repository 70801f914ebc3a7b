package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/types"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()
	tests := []struct {
		name      string
		line      string
		ok        bool
		priority  types.Priority
		errorType string
	}{
		{"plain error", "2026-01-01 ERROR connection refused to db", true, types.PriorityError, "ConnectionError"},
		{"oom is critical", "kernel: Out of memory: Killed process 123", true, types.PriorityCritical, "MemoryError"},
		{"warning", "WARN disk usage high", true, types.PriorityWarn, "LogWarning"},
		{"info ignored", "INFO request served in 3ms", false, 0, ""},
		{"blank ignored", "   ", false, 0, ""},
		{"typed error wins", "Traceback: ValueError: bad input", true, types.PriorityError, "ValueError"},
		{"json error", `{"level":"error","msg":"query failed","error":"ValueError: bad input"}`, true, types.PriorityError, "ValueError"},
		{"json info ignored", `{"level":"info","msg":"all good"}`, false, 0, ""},
		{"json info with error field", `{"level":"info","msg":"retrying","error":"timeout"}`, true, types.PriorityError, "TimeoutError"},
		{"json warn escalates on panic", `{"level":"warn","msg":"panic recovered"}`, true, types.PriorityCritical, "CriticalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := c.Classify("billing", tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.priority, ev.Priority)
			assert.Equal(t, tt.errorType, ev.ErrorType)
			assert.Equal(t, tt.priority.Severity(), ev.Severity)
			assert.Equal(t, types.OriginLog, ev.Origin)
			assert.Equal(t, "billing", ev.Source)
			assert.NotEmpty(t, ev.ID)
		})
	}
}

func TestSourceFor(t *testing.T) {
	assert.Equal(t, "billing", sourceFor("/srv/projects/billing/logs/app.log"))
	assert.Equal(t, "nginx", sourceFor("/var/log/nginx.log"))
	assert.Equal(t, "worker", sourceFor("worker.log"))
}

func event(id string, p types.Priority) types.FailureEvent {
	return types.FailureEvent{ID: id, Priority: p}
}

func popIDs(q *Queue) []string {
	var ids []string
	for {
		ev, ok := q.TryPop()
		if !ok {
			return ids
		}
		ids = append(ids, ev.ID)
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := NewQueue(10)
	q.Push(event("a", types.PriorityWarn))
	q.Push(event("b", types.PriorityError))
	q.Push(event("c", types.PriorityWarn))
	q.Push(event("d", types.PriorityCritical))
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []string{"d", "b", "a", "c"}, popIDs(q))
	assert.Zero(t, q.Len())
}

func TestQueue_FullEvictsLowestTier(t *testing.T) {
	q := NewQueue(2)
	require.True(t, q.Push(event("a", types.PriorityWarn)))
	require.True(t, q.Push(event("b", types.PriorityWarn)))

	// Evicts the oldest warning.
	require.True(t, q.Push(event("c", types.PriorityError)))
	// Lower than everything queued, so the newcomer is dropped.
	assert.False(t, q.Push(event("d", types.PriorityLow)))

	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, []string{"c", "b"}, popIDs(q))
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue(4)
	got := make(chan string, 1)
	go func() {
		ev, err := q.Pop(context.Background())
		if err == nil {
			got <- ev.ID
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Push(event("late", types.PriorityError))

	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return")
	}
}

func TestQueue_PopHonorsContextAndClose(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.Push(event("left", types.PriorityWarn))
	q.Close()
	assert.False(t, q.Push(event("rejected", types.PriorityCritical)))

	ev, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "left", ev.ID)
	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(source, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, source+": "+line)
}

func (s *lineSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestTailer_FollowsAppendsTruncationAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("ERROR before start\n"), 0o644))

	sink := &lineSink{}
	tailer, err := NewTailer([]string{filepath.Join(dir, "*.log")}, sink.add)
	require.NoError(t, err)
	defer tailer.Close()
	require.Equal(t, 1, tailer.Discover(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tailer.Run(ctx)

	// Poll as well in case the platform coalesces events.
	waitFor := func(want ...string) {
		t.Helper()
		require.Eventually(t, func() bool {
			tailer.Discover(false)
			tailer.Poll()
			return assert.ObjectsAreEqual(want, sink.snapshot())
		}, 5*time.Second, 20*time.Millisecond, "got %v", sink.snapshot())
	}

	appendFile(t, path, "ERROR first\npartial")
	waitFor("app: ERROR first")

	appendFile(t, path, " line\n")
	waitFor("app: ERROR first", "app: partial line")

	require.NoError(t, os.WriteFile(path, []byte("short\n"), 0o644))
	waitFor("app: ERROR first", "app: partial line", "app: short")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.log"), []byte("x\n"), 0o644))
	waitFor("app: ERROR first", "app: partial line", "app: short", "other: x")
	assert.Equal(t, 2, tailer.Followed())
}

func writeProc(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestSystemProbes_FakeProc(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, map[string]string{
		"loadavg": "0.00 0.01 0.05 1/100 4242\n",
		"meminfo": "MemTotal:        1000 kB\nMemFree:           10 kB\nMemAvailable:      50 kB\n",
		"1/stat":  "1 (init) S 0 1 1 0\n",
		"2/stat":  "2 (my proc) Z 1 2 2 0\n",
		"3/stat":  "3 (x) Z 1 3 3 0\n",
		"self/x":  "ignored",
	})

	cfg := config.ProbeConfig{CPUPercent: 90, MemoryPercent: 90, MaxZombies: 1}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := sampleAll(context.Background(), SystemProbes(cfg, root), now)
	require.Len(t, events, 2)

	mem := events[0]
	assert.Equal(t, "probe.memory", mem.Operation)
	assert.Equal(t, "MemoryError", mem.ErrorType)
	assert.Equal(t, types.OriginProbe, mem.Origin)
	assert.Equal(t, "system", mem.Source)
	assert.Equal(t, types.PriorityError, mem.Priority)
	assert.InDelta(t, 95.0, mem.Metric, 0.001)
	assert.Equal(t, now, mem.DetectedAt)

	zombies := events[1]
	assert.Equal(t, "probe.zombies", zombies.Operation)
	assert.Equal(t, 2.0, zombies.Metric)
}

func TestBreach_NearlyExhaustedIsCritical(t *testing.T) {
	ev := breach("disk", 99, 90, time.Now())
	assert.Equal(t, types.PriorityCritical, ev.Priority)
	assert.Equal(t, "DiskFullError", ev.ErrorType)
}

func nopHandle(context.Context, types.FailureEvent) error { return nil }

func TestService_RecheckProbeEvent(t *testing.T) {
	var mu sync.Mutex
	value := 95.0
	probe := ProbeFunc{"memory", 90, func(context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		return value, nil
	}}
	s, err := New(config.IngestionConfig{}, nopHandle, WithProbes(probe))
	require.NoError(t, err)

	ev := breach("memory", 95, 90, time.Now())
	assert.Error(t, s.Recheck(context.Background(), ev))

	mu.Lock()
	value = 40
	mu.Unlock()
	assert.NoError(t, s.Recheck(context.Background(), ev))

	logEvent := types.FailureEvent{Origin: types.OriginLog, Operation: "probe.memory"}
	assert.NoError(t, s.Recheck(context.Background(), logEvent))
}

func TestService_SubmitPublishesAndDefaults(t *testing.T) {
	b := bus.New(8)
	defer b.Shutdown()
	published := make(chan types.FailureEvent, 1)
	sub := bus.Subscribe(b, bus.FailureDetected, func(ev types.FailureEvent) { published <- ev })
	defer sub.Unsubscribe()

	s, err := New(config.IngestionConfig{QueueSize: 4}, nopHandle, WithBus(b))
	require.NoError(t, err)
	require.True(t, s.Submit(types.FailureEvent{Source: "api", Origin: types.OriginAPI, ErrorType: "TimeoutError"}))
	assert.Equal(t, 1, s.QueueLen())

	select {
	case ev := <-published:
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, types.PriorityError, ev.Priority)
		assert.Equal(t, types.PriorityError.Severity(), ev.Severity)
		assert.False(t, ev.DetectedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
}

func TestNew_RequiresHandle(t *testing.T) {
	_, err := New(config.IngestionConfig{}, nil)
	assert.Error(t, err)
}

func TestService_StartStopDeliversEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	path := filepath.Join(dir, "svc.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	handled := make(chan types.FailureEvent, 4)
	handle := func(_ context.Context, ev types.FailureEvent) error {
		handled <- ev
		if ev.ErrorType == "ValueError" {
			return errors.New("handler rejected event")
		}
		return nil
	}
	cfg := config.IngestionConfig{
		Sources:                  []string{filepath.Join(dir, "*.log")},
		DiscoveryIntervalSeconds: 1,
		QueueSize:                8,
		MaxConcurrent:            2,
	}
	s, err := New(cfg, handle)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	appendFile(t, path, "INFO fine\nFATAL ValueError in worker\n")

	select {
	case ev := <-handled:
		assert.Equal(t, "svc", ev.Source)
		assert.Equal(t, "ValueError", ev.ErrorType)
		assert.Equal(t, types.PriorityCritical, ev.Priority)
	case <-time.After(5 * time.Second):
		t.Fatal("event not handled")
	}

	s.Stop()
	s.Stop()
}
