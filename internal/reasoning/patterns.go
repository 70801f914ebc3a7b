// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reasoning

import (
	"slices"
	"strings"
	"time"

	"github.com/traylinx/chronicle/internal/types"
)

// Pattern is a known failure shape with its remediation.
type Pattern struct {
	// Name is a unique identifier for this pattern.
	Name string

	// Symptoms are the tags that indicate the pattern.
	Symptoms []string

	// RootCause is the diagnosis reported when the pattern matches.
	RootCause string

	// Risk is the remediation's inherent risk.
	Risk types.RiskLevel

	// Steps is the ordered remediation. "{service}" in a command is replaced
	// with the affected service.
	Steps []types.RepairStep

	// Rollback undoes Steps.
	Rollback []types.RepairStep

	// EstimatedTime is the expected wall-clock duration.
	EstimatedTime time.Duration
}

// symptomVocabulary maps a symptom tag to the words that reveal it.
var symptomVocabulary = map[string][]string{
	"memory":      {"memory", "oom", "out of memory", "heap", "malloc", "swap"},
	"disk":        {"disk", "no space", "enospc", "filesystem full", "inode"},
	"connection":  {"connection", "econnrefused", "econnreset", "refused", "reset by peer", "socket"},
	"timeout":     {"timeout", "timed out", "deadline"},
	"database":    {"database", "postgres", "mysql", "sqlite", "db ", "sql"},
	"network":     {"network", "dns", "unreachable", "packet", "route"},
	"crash":       {"crash", "segfault", "panic", "core dumped", "fatal", "killed"},
	"restart":     {"restart", "respawn", "crashloop", "exited"},
	"permission":  {"permission", "eacces", "eperm", "denied", "forbidden"},
	"config":      {"config", "yaml", "invalid setting", "parse error", "malformed"},
	"cpu":         {"cpu", "load average", "throttl"},
	"performance": {"slow", "latency", "degraded", "high load"},
	"kernel":      {"kernel", "oops", "bug:"},
	"security":    {"security", "intrusion", "unauthorized", "breach"},
	"leak":        {"leak", "growing", "steadily"},
	"pool":        {"pool", "exhausted", "too many connections", "max_connections"},
}

// extractSymptoms returns the sorted symptom tags found in text.
func extractSymptoms(text string) []string {
	lower := strings.ToLower(text)
	var tags []string
	for tag, words := range symptomVocabulary {
		for _, w := range words {
			if strings.Contains(lower, w) {
				tags = append(tags, tag)
				break
			}
		}
	}
	slices.Sort(tags)
	return tags
}

// DefaultPatterns is the built-in pattern table.
var DefaultPatterns = []*Pattern{
	{
		Name:      "memory_leak",
		Symptoms:  []string{"memory", "leak", "performance"},
		RootCause: "process memory grows without bound until the OOM killer intervenes",
		Risk:      types.RiskMedium,
		Steps: []types.RepairStep{
			{Description: "Capture memory usage of the top processes", Command: "ps -eo pid,rss,comm --sort=-rss | head -n 10"},
			{Description: "Gracefully restart the leaking service", Command: "systemctl restart {service}", Critical: true},
			{Description: "Confirm memory returned to baseline", Command: "free -m"},
		},
		Rollback:      []types.RepairStep{{Description: "Start the service if the restart left it stopped", Command: "systemctl start {service}"}},
		EstimatedTime: 2 * time.Minute,
	},
	{
		Name:      "oom_crash",
		Symptoms:  []string{"memory", "crash", "restart"},
		RootCause: "the service was killed after exhausting available memory",
		Risk:      types.RiskHigh,
		Steps: []types.RepairStep{
			{Description: "Inspect kernel OOM records", Command: "dmesg | tail -n 50"},
			{Description: "Restart the crashed service", Command: "systemctl restart {service}", Critical: true},
		},
		Rollback:      []types.RepairStep{{Description: "Stop the service to prevent a crash loop", Command: "systemctl stop {service}"}},
		EstimatedTime: 3 * time.Minute,
	},
	{
		Name:      "disk_full",
		Symptoms:  []string{"disk", "performance"},
		RootCause: "the filesystem ran out of free space or inodes",
		Risk:      types.RiskMedium,
		Steps: []types.RepairStep{
			{Description: "Report filesystem usage", Command: "df -h"},
			{Description: "Rotate and compress logs", Command: "logrotate --force /etc/logrotate.conf", Critical: true},
			{Description: "Clean the package cache", Command: "apt-get clean"},
		},
		Rollback:      []types.RepairStep{{Description: "Nothing to undo; rotated logs remain in place"}},
		EstimatedTime: 2 * time.Minute,
	},
	{
		Name:      "connection_exhaustion",
		Symptoms:  []string{"connection", "database", "pool"},
		RootCause: "the connection pool is exhausted by idle or leaked connections",
		Risk:      types.RiskMedium,
		Steps: []types.RepairStep{
			{Description: "Count open connections", Command: "ss -s"},
			{Description: "Restart the connection pooler", Command: "systemctl restart {service}", Critical: true},
		},
		Rollback:      []types.RepairStep{{Description: "Restore the previous pooler configuration and restart it"}},
		EstimatedTime: 90 * time.Second,
	},
	{
		Name:      "network_partition",
		Symptoms:  []string{"connection", "network", "timeout"},
		RootCause: "a network path between services is unavailable",
		Risk:      types.RiskLow,
		Steps: []types.RepairStep{
			{Description: "Check routing and name resolution", Command: "ip route && getent hosts {service}"},
			{Description: "Retry the connection with backoff"},
		},
		EstimatedTime: time.Minute,
	},
	{
		Name:      "service_crash",
		Symptoms:  []string{"crash", "restart"},
		RootCause: "the service process terminated unexpectedly",
		Risk:      types.RiskMedium,
		Steps: []types.RepairStep{
			{Description: "Collect the last service logs", Command: "journalctl -u {service} -n 100 --no-pager"},
			{Description: "Restart the service", Command: "systemctl restart {service}", Critical: true},
		},
		Rollback:      []types.RepairStep{{Description: "Stop the service if it crash loops", Command: "systemctl stop {service}"}},
		EstimatedTime: 2 * time.Minute,
	},
	{
		Name:      "permission_drift",
		Symptoms:  []string{"permission"},
		RootCause: "file ownership or mode changed and the service lost access",
		Risk:      types.RiskHigh,
		Steps: []types.RepairStep{
			{Description: "Record current ownership and modes"},
			{Description: "Restore ownership of the service data directory", Critical: true},
		},
		Rollback:      []types.RepairStep{{Description: "Re-apply the recorded ownership and modes"}},
		EstimatedTime: time.Minute,
	},
	{
		Name:      "config_corruption",
		Symptoms:  []string{"config", "crash"},
		RootCause: "the service configuration is malformed",
		Risk:      types.RiskMedium,
		Steps: []types.RepairStep{
			{Description: "Back up the current configuration"},
			{Description: "Restore the last known good configuration", Critical: true},
			{Description: "Reload the service", Command: "systemctl reload {service}"},
		},
		Rollback:      []types.RepairStep{{Description: "Restore the backed-up configuration"}},
		EstimatedTime: 2 * time.Minute,
	},
	{
		Name:      "kernel_fault",
		Symptoms:  []string{"kernel", "crash", "memory"},
		RootCause: "a kernel-level fault affected the host",
		Risk:      types.RiskCritical,
		Steps: []types.RepairStep{
			{Description: "Preserve kernel logs", Command: "dmesg"},
			{Description: "Drain workloads and schedule a maintenance reboot", Critical: true},
		},
		Rollback:      []types.RepairStep{{Description: "Return drained workloads to the host"}},
		EstimatedTime: 15 * time.Minute,
	},
	{
		Name:      "cpu_saturation",
		Symptoms:  []string{"cpu", "performance"},
		RootCause: "runaway processes saturate the CPU",
		Risk:      types.RiskLow,
		Steps: []types.RepairStep{
			{Description: "List the top CPU consumers", Command: "ps -eo pid,pcpu,comm --sort=-pcpu | head -n 10"},
			{Description: "Lower the priority of the heaviest process"},
		},
		EstimatedTime: time.Minute,
	},
}

// genericPattern is used when nothing matches.
var genericPattern = &Pattern{
	Name:      "unclassified",
	RootCause: "no known failure pattern matched; manual investigation needed",
	Risk:      types.RiskMedium,
	Steps: []types.RepairStep{
		{Description: "Collect diagnostics for the affected service", Command: "journalctl -u {service} -n 200 --no-pager"},
	},
	EstimatedTime: 5 * time.Minute,
}

type match struct {
	pattern *Pattern
	score   float64
}

// rank returns the patterns with at least one shared symptom, best first.
// The score is the fraction of the pattern's symptoms that were observed.
func rank(patterns []*Pattern, symptoms []string) []match {
	var out []match
	for _, p := range patterns {
		if len(p.Symptoms) == 0 {
			continue
		}
		shared := 0
		for _, s := range p.Symptoms {
			if slices.Contains(symptoms, s) {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		out = append(out, match{pattern: p, score: float64(shared) / float64(len(p.Symptoms))})
	}
	slices.SortStableFunc(out, func(a, b match) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		// Prefer the more specific pattern on ties.
		return len(b.pattern.Symptoms) - len(a.pattern.Symptoms)
	})
	return out
}
