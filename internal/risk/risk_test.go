package risk

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/types"
)

func defaultScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(config.Default().Risk)
	require.NoError(t, err)
	return s
}

func TestAssess_DestructiveScriptRequiresApproval(t *testing.T) {
	s := defaultScorer(t)

	a := s.Assess("execute", "", "#!/bin/sh\nrm -rf /data\n")
	assert.GreaterOrEqual(t, a.Level.Rank(), types.RiskHigh.Rank(), "level %s score %d", a.Level, a.Score)
	assert.True(t, a.RequiresApproval)
	assert.NotEmpty(t, a.RedFlags)
	assert.Equal(t, 2, a.PathWeight, "/data is sensitive")
}

func TestAssess_ReadIsLow(t *testing.T) {
	s := defaultScorer(t)

	a := s.Assess("read", "/tmp/app.log", "")
	assert.Equal(t, types.RiskLow, a.Level)
	assert.False(t, a.RequiresApproval)
}

func TestAssess_LongestPathPrefixWins(t *testing.T) {
	cfg := config.Default().Risk
	cfg.SensitivePaths = map[string]int{"/var": 1, "/var/lib/postgres": 5}
	s, err := NewScorer(cfg)
	require.NoError(t, err)

	assert.Equal(t, 5, s.Assess("read", "/var/lib/postgres/data", "").PathWeight)
	assert.Equal(t, 1, s.Assess("read", "/var/log/syslog", "").PathWeight)
	assert.Equal(t, 0, s.Assess("read", "/variable", "").PathWeight)
}

func TestAssess_UnknownOperationUsesDefaultWeight(t *testing.T) {
	s := defaultScorer(t)
	assert.Equal(t, config.Default().Risk.DefaultOperationWeight, s.Assess("frobnicate", "", "").OperationWeight)
}

func TestNewScorer_InvalidPattern(t *testing.T) {
	cfg := config.Default().Risk
	cfg.RedFlags = map[string]int{"([": 1}
	_, err := NewScorer(cfg)
	assert.Error(t, err)
}

func TestLevelThresholds(t *testing.T) {
	s := defaultScorer(t)
	assert.Equal(t, types.RiskLow, s.Level(0))
	assert.Equal(t, types.RiskMedium, s.Level(3))
	assert.Equal(t, types.RiskHigh, s.Level(6))
	assert.Equal(t, types.RiskCritical, s.Level(10))
}

func TestAssess_MonotonicUnderDestructiveAdditions(t *testing.T) {
	s := defaultScorer(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	destructive := gen.OneConstOf(
		"rm -rf /data",
		"remove recursively the cache",
		"chown -R nobody /srv",
		"change ownership of /etc/app",
		"sudo systemctl stop db",
		"dd if=/dev/zero of=/dev/sda",
	)
	ops := gen.OneConstOf("read", "write", "execute", "delete", "service_restart")

	properties.Property("adding a destructive command never lowers risk", prop.ForAll(
		func(op, base, extra string) bool {
			before := s.Assess(op, "", base)
			after := s.Assess(op, "", base+"\n"+extra)
			return after.Score >= before.Score && after.Level.Rank() >= before.Level.Rank()
		},
		ops, gen.AlphaString(), destructive,
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
