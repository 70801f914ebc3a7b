package permission

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/risk"
	"github.com/traylinx/chronicle/internal/types"
)

func newTestManager(t *testing.T, mutate func(*config.Config)) *Manager {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	scorer, err := risk.NewScorer(cfg.Risk)
	require.NoError(t, err)
	audit, err := NewAuditLog(cfg.Audit)
	require.NoError(t, err)
	m, err := NewManager(cfg.Permission, scorer, audit, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCheckPermission_DefaultReadOnly(t *testing.T) {
	m := newTestManager(t, nil)

	d := m.CheckPermission("read", "/var/log/app.log", "")
	assert.True(t, d.Allowed)

	for _, op := range []string{"write", "execute", "delete", "modify_permissions", "system_command", "service_restart", "config_change"} {
		d := m.CheckPermission(op, "/var/log/app.log", "")
		assert.False(t, d.Allowed, op)
		assert.Contains(t, d.Reason, "requires approval", op)
	}

	d = m.CheckPermission("launch_rocket", "/tmp/x", "")
	assert.False(t, d.Allowed, "unknown operations are denied by default")
}

func TestCheckPermission_DenyListWins(t *testing.T) {
	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Permission.AllowedPaths = []string{"/etc"}
		cfg.Permission.DeniedPaths = []string{"/etc/shadow"}
	})

	assert.True(t, m.CheckPermission("read", "/etc/hosts", "").Allowed)
	assert.False(t, m.CheckPermission("read", "/etc/shadow", "").Allowed)
	assert.False(t, m.CheckPermission("read", "/var/tmp/x", "").Allowed, "outside the allow-list")
	assert.True(t, m.CheckPermission("read", "/etc/shadowy", "").Allowed, "prefix match is per path segment")
}

func TestCheckPermission_RelativePathsAreRejected(t *testing.T) {
	m := newTestManager(t, nil)

	for _, target := range []string{"../etc/shadow", "etc/shadow", "./boot/grub.cfg"} {
		d := m.CheckPermission("read", target, "")
		assert.False(t, d.Allowed, target)
		assert.Contains(t, d.Reason, "not absolute", target)

		_, err := m.CreatePermissionRequest(Request{Operation: "write", TargetPath: target})
		assert.Error(t, err, target)
	}
	assert.Empty(t, m.PendingRequests())
	assert.True(t, m.CheckPermission("read", "/srv/app/../app/log", "").Allowed)
	assert.False(t, m.CheckPermission("read", "/srv/../etc/shadow", "").Allowed, "cleaned before the deny-list check")
}

func TestCreatePermissionRequest_PrunesDecidedRequests(t *testing.T) {
	m := newTestManager(t, nil)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return start }

	denied, err := m.CreatePermissionRequest(Request{Operation: "write", TargetPath: "/srv/a"})
	require.NoError(t, err)
	require.NoError(t, m.DenyPermissionRequest(denied, "no"))
	pending, err := m.CreatePermissionRequest(Request{Operation: "write", TargetPath: "/srv/b"})
	require.NoError(t, err)

	m.now = func() time.Time { return start.Add(decidedRetention + time.Minute) }
	_, err = m.CreatePermissionRequest(Request{Operation: "write", TargetPath: "/srv/c"})
	require.NoError(t, err)

	_, err = m.Request(denied)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Request(pending)
	assert.NoError(t, err, "pending requests are never pruned")
	assert.Len(t, m.PendingRequests(), 2)
}

func TestApprove_GrantCoversOperation(t *testing.T) {
	m := newTestManager(t, nil)

	id, err := m.CreatePermissionRequest(Request{Operation: "write", TargetPath: "/srv/app", Reason: "rotate config"})
	require.NoError(t, err)
	require.Len(t, m.PendingRequests(), 1)

	grant, err := m.ApprovePermissionRequest(id, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, m.PendingRequests())

	d := m.CheckPermission("write", "/srv/app/config.yaml", "")
	assert.True(t, d.Allowed)
	assert.Equal(t, grant.ID, d.GrantID)

	assert.False(t, m.CheckPermission("write", "/srv/other", "").Allowed)
	assert.False(t, m.CheckPermission("delete", "/srv/app/config.yaml", "").Allowed)
	assert.False(t, m.CheckPermission("write", "/srv/app/config.yaml", "someone-else").Allowed)

	_, err = m.ApprovePermissionRequest(id, 0)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = m.ApprovePermissionRequest("missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGrant_ExpiredGrantIsUnusable(t *testing.T) {
	m := newTestManager(t, nil)
	id, err := m.CreatePermissionRequest(Request{Operation: "execute", TargetPath: "/opt/tool"})
	require.NoError(t, err)
	grant, err := m.ApprovePermissionRequest(id, time.Hour)
	require.NoError(t, err)
	require.True(t, m.CheckPermission("execute", "/opt/tool", "").Allowed)

	// The revocation timer has not fired yet; the expiry check at use must still deny.
	m.now = func() time.Time { return grant.ExpiresAt.Add(time.Second) }
	d := m.CheckPermission("execute", "/opt/tool", "")
	assert.False(t, d.Allowed)
	assert.Empty(t, m.Grants())
}

func TestGrant_TimerRevokes(t *testing.T) {
	m := newTestManager(t, nil)
	id, err := m.CreatePermissionRequest(Request{Operation: "delete", TargetPath: "/tmp/cache"})
	require.NoError(t, err)
	_, err = m.ApprovePermissionRequest(id, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(m.Grants()) == 0 && !m.CheckPermission("delete", "/tmp/cache", "").Allowed
	}, 2*time.Second, 10*time.Millisecond)

	var expired bool
	for _, e := range m.Audit(0) {
		if e.Action == ActionExpire {
			expired = true
		}
	}
	assert.True(t, expired)
}

func TestDeny(t *testing.T) {
	b := bus.New(4)
	defer b.Shutdown()
	got := make(chan bus.PermissionDecision, 1)
	bus.Subscribe(b, bus.PermissionDecided, func(d bus.PermissionDecision) { got <- d })

	cfg := config.Default()
	scorer, err := risk.NewScorer(cfg.Risk)
	require.NoError(t, err)
	m, err := NewManager(cfg.Permission, scorer, nil, b)
	require.NoError(t, err)
	defer m.Close()

	id, err := m.CreatePermissionRequest(Request{Operation: "delete", TargetPath: "/data", Script: "rm -rf /data"})
	require.NoError(t, err)
	require.NoError(t, m.DenyPermissionRequest(id, "too risky"))
	assert.ErrorIs(t, m.DenyPermissionRequest(id, ""), ErrNotPending)
	assert.ErrorIs(t, m.DenyPermissionRequest("nope", ""), ErrNotFound)

	req, err := m.Request(id)
	require.NoError(t, err)
	assert.Equal(t, RequestDenied, req.Status)
	assert.Equal(t, "too risky", req.DecisionReason)

	select {
	case d := <-got:
		assert.False(t, d.Approved)
		assert.Equal(t, id, d.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("decision not published")
	}
}

func TestCreatePermissionRequest_ScoresRisk(t *testing.T) {
	m := newTestManager(t, nil)

	id, err := m.CreatePermissionRequest(Request{Operation: "delete", TargetPath: "/data", Script: "sudo rm -rf /data"})
	require.NoError(t, err)
	req, err := m.Request(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, req.RiskLevel.Rank(), types.RiskHigh.Rank())
	assert.NotEmpty(t, req.RedFlags)

	id, err = m.CreatePermissionRequest(Request{Operation: "read", TargetPath: "/tmp/x"})
	require.NoError(t, err)
	req, err = m.Request(id)
	require.NoError(t, err)
	assert.Equal(t, types.RiskLow, req.RiskLevel)

	_, err = m.CreatePermissionRequest(Request{})
	assert.Error(t, err)
}

func TestAuditLog_DropsOldest(t *testing.T) {
	audit, err := NewAuditLog(config.AuditConfig{MaxEntries: 3})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		audit.Append(AuditEntry{Action: ActionCheck, Operation: string(rune('a' + i))})
	}
	entries := audit.Entries(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Operation)
	assert.Equal(t, "e", entries[2].Operation)
	assert.Len(t, audit.Entries(2), 2)
	assert.Equal(t, "d", audit.Entries(2)[0].Operation)
}

func TestAuditLog_MirrorsJSONLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit", "permissions.log")
	audit, err := NewAuditLog(config.AuditConfig{MaxEntries: 10, LogPath: logPath, MaxSizeMB: 1})
	require.NoError(t, err)

	audit.Append(AuditEntry{Action: ActionDeny, Operation: "delete", Reason: "nope"})
	audit.Append(AuditEntry{Action: ActionCheck, Operation: "read", Allowed: true})
	require.NoError(t, audit.Close())

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	var lines []AuditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "nope", lines[0].Reason)
	assert.True(t, lines[1].Allowed)
}
