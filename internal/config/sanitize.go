// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Sanitize clamps and normalizes every section.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8317
	}
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = "logs"
	}
	cfg.SanitizeLedger()
	cfg.SanitizeHealing()
	cfg.SanitizeRisk()
	cfg.SanitizePermission()
	cfg.SanitizeSandbox()
	cfg.SanitizeCoordinator()
	cfg.SanitizeIngestion()

	if cfg.Audit.MaxEntries < 10 {
		cfg.Audit.MaxEntries = 10
	}
	if cfg.Repair.QueueSize < 1 {
		cfg.Repair.QueueSize = 1
	}
	if cfg.Reasoning.ExperienceLogSize < 1 {
		cfg.Reasoning.ExperienceLogSize = 1
	}
	if cfg.Reasoning.DecisionTimeoutSeconds < 1 {
		cfg.Reasoning.DecisionTimeoutSeconds = 1
	}
	if cfg.Reasoning.StepTimeoutSeconds < 1 {
		cfg.Reasoning.StepTimeoutSeconds = 1
	}
	if cfg.Confirmation.TimeoutSeconds < 1 {
		cfg.Confirmation.TimeoutSeconds = 1
	}
	if cfg.Confirmation.HistorySize < 1 {
		cfg.Confirmation.HistorySize = 1
	}
	if cfg.Bus.QueueSize < 1 {
		cfg.Bus.QueueSize = 1000
	}
}

// SanitizeLedger normalizes the store driver.
func (cfg *Config) SanitizeLedger() {
	l := &cfg.Ledger
	l.Driver = strings.ToLower(strings.TrimSpace(l.Driver))
	switch l.Driver {
	case "sqlite", "sqlite3", "":
		l.Driver = "sqlite3"
	case "pgx", "postgres", "postgresql":
		l.Driver = "pgx"
	default:
		log.Warnf("config: unknown ledger driver %q, using sqlite3", l.Driver)
		l.Driver = "sqlite3"
	}
	if l.RetentionDays < 0 {
		l.RetentionDays = 0
	}
	if l.CleanupIntervalHours < 1 {
		l.CleanupIntervalHours = 1
	}
}

// SanitizeHealing clamps retry settings.
func (cfg *Config) SanitizeHealing() {
	h := &cfg.Healing
	if h.MaxRetries < 0 {
		h.MaxRetries = 0
	}
	if h.MaxRetries > 10 {
		h.MaxRetries = 10
	}
	if h.BaseDelayMs < 0 {
		h.BaseDelayMs = 0
	}
	if h.MaxDelayMs < h.BaseDelayMs {
		h.MaxDelayMs = h.BaseDelayMs
	}
	if h.MaxHealsPerHour < 0 {
		h.MaxHealsPerHour = 0
	}
	if strings.TrimSpace(h.ImmunityStrategy) == "" {
		h.ImmunityStrategy = "auto-retry"
	}
}

// SanitizeRisk drops invalid red-flag expressions and orders thresholds.
func (cfg *Config) SanitizeRisk() {
	r := &cfg.Risk
	for pattern := range r.RedFlags {
		if _, err := regexp.Compile(pattern); err != nil {
			log.Warnf("config: dropping invalid risk red flag %q: %v", pattern, err)
			delete(r.RedFlags, pattern)
		}
	}
	if r.MediumThreshold < 1 {
		r.MediumThreshold = 1
	}
	if r.HighThreshold <= r.MediumThreshold {
		r.HighThreshold = r.MediumThreshold + 1
	}
	if r.CriticalThreshold <= r.HighThreshold {
		r.CriticalThreshold = r.HighThreshold + 1
	}
	switch strings.ToUpper(strings.TrimSpace(r.ApprovalLevel)) {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
		r.ApprovalLevel = strings.ToUpper(strings.TrimSpace(r.ApprovalLevel))
	default:
		r.ApprovalLevel = "HIGH"
	}
}

// SanitizePermission normalizes operation names and enforces a positive TTL.
func (cfg *Config) SanitizePermission() {
	p := &cfg.Permission
	if len(p.DefaultPermissions) == 0 {
		p.DefaultPermissions = []string{"read"}
	}
	p.DefaultPermissions = normalizeList(p.DefaultPermissions)
	p.RequiresApproval = normalizeList(p.RequiresApproval)
	if p.GrantTTLSeconds < 1 {
		p.GrantTTLSeconds = 1
	}
}

// SanitizeSandbox enforces non-empty limits.
func (cfg *Config) SanitizeSandbox() {
	s := &cfg.Sandbox
	if strings.TrimSpace(s.DockerBinary) == "" {
		s.DockerBinary = "docker"
	}
	if strings.TrimSpace(s.Image) == "" {
		s.Image = "alpine:3.20"
	}
	if strings.TrimSpace(s.MemoryLimit) == "" {
		s.MemoryLimit = "256m"
	}
	if s.CPULimit <= 0 {
		s.CPULimit = 0.5
	}
	if s.PidsLimit < 1 {
		s.PidsLimit = 64
	}
	// Never run sandboxed scripts as root.
	if u := strings.TrimSpace(s.User); u == "" || u == "0" || u == "root" || strings.HasPrefix(u, "0:") {
		s.User = "65534:65534"
	}
	if s.TimeoutSeconds < 1 {
		s.TimeoutSeconds = 30
	}
	if s.MaxOutputBytes < 1024 {
		s.MaxOutputBytes = 1024
	}
}

// SanitizeCoordinator clamps the escalation threshold to (0, 1].
func (cfg *Config) SanitizeCoordinator() {
	c := &cfg.Coordinator
	if c.EscalationThreshold <= 0 || c.EscalationThreshold > 1 {
		c.EscalationThreshold = 0.7
	}
	if c.RetentionMinutes < 1 {
		c.RetentionMinutes = 1
	}
	if c.EvictionIntervalSeconds < 1 {
		c.EvictionIntervalSeconds = 1
	}
	lowered := make(map[string]float64, len(c.KeywordWeights))
	for k, v := range c.KeywordWeights {
		lowered[strings.ToLower(strings.TrimSpace(k))] = v
	}
	c.KeywordWeights = lowered
}

// SanitizeIngestion clamps queue and probe settings.
func (cfg *Config) SanitizeIngestion() {
	in := &cfg.Ingestion
	if in.QueueSize < 1 {
		in.QueueSize = 1
	}
	if in.MaxConcurrent < 1 {
		in.MaxConcurrent = 1
	}
	if in.DiscoveryIntervalSeconds < 1 {
		in.DiscoveryIntervalSeconds = 1
	}
	p := &in.Probes
	if p.IntervalSeconds < 1 {
		p.IntervalSeconds = 1
	}
	if strings.TrimSpace(p.DiskPath) == "" {
		p.DiskPath = "/"
	}
}

func normalizeList(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
