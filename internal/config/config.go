// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the Chronicle server.
// It handles loading and parsing YAML configuration files, applying defaults,
// and sanitizing values before the components are constructed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces.
	Host string `yaml:"host" json:"-"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"-"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory used when LoggingToFile is set.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	Ledger       LedgerConfig       `yaml:"ledger" json:"ledger"`
	Healing      HealingConfig      `yaml:"healing" json:"healing"`
	Risk         RiskConfig         `yaml:"risk" json:"risk"`
	Permission   PermissionConfig   `yaml:"permission" json:"permission"`
	Audit        AuditConfig        `yaml:"audit" json:"audit"`
	Repair       RepairConfig       `yaml:"repair" json:"repair"`
	Sandbox      SandboxConfig      `yaml:"sandbox" json:"sandbox"`
	Reasoning    ReasoningConfig    `yaml:"reasoning" json:"reasoning"`
	Confirmation ConfirmationConfig `yaml:"confirmation" json:"confirmation"`
	Coordinator  CoordinatorConfig  `yaml:"coordinator" json:"coordinator"`
	Ingestion    IngestionConfig    `yaml:"ingestion" json:"ingestion"`
	Bus          BusConfig          `yaml:"bus" json:"bus"`
}

// LedgerConfig configures the failure ledger store.
type LedgerConfig struct {
	// Driver is "sqlite3" (default) or "pgx".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the data source name. For sqlite3 it is a file path.
	DSN string `yaml:"dsn" json:"dsn"`

	// RetentionDays is the default window used by scheduled cleanup. 0 disables it.
	RetentionDays int `yaml:"retention-days" json:"retention-days"`

	// CleanupIntervalHours is how often scheduled cleanup runs.
	CleanupIntervalHours int `yaml:"cleanup-interval-hours" json:"cleanup-interval-hours"`
}

// HealingConfig configures the self-healing engine.
type HealingConfig struct {
	// MaxRetries is the default retry budget for guarded operations.
	MaxRetries int `yaml:"max-retries" json:"max-retries"`

	// BaseDelayMs is the base delay between attempts.
	BaseDelayMs int `yaml:"base-delay-ms" json:"base-delay-ms"`

	// MaxDelayMs caps the delay between attempts.
	MaxDelayMs int `yaml:"max-delay-ms" json:"max-delay-ms"`

	// MaxHealsPerHour trips the circuit breaker for a signature. 0 disables it.
	MaxHealsPerHour int `yaml:"max-heals-per-hour" json:"max-heals-per-hour"`

	// ImmunityStrategy is the prevention strategy recorded when retries build immunity.
	ImmunityStrategy string `yaml:"immunity-strategy" json:"immunity-strategy"`
}

// RiskConfig holds the heuristic risk weights. They are tunable, not a contract.
type RiskConfig struct {
	// OperationWeights maps an operation name to its base weight.
	OperationWeights map[string]int `yaml:"operation-weights" json:"operation-weights"`

	// DefaultOperationWeight applies to operations missing from OperationWeights.
	DefaultOperationWeight int `yaml:"default-operation-weight" json:"default-operation-weight"`

	// SensitivePaths maps a path prefix to a sensitivity bonus. The longest prefix wins.
	SensitivePaths map[string]int `yaml:"sensitive-paths" json:"sensitive-paths"`

	// RedFlags maps a regular expression over script content to a weight.
	// Every matching expression adds its weight.
	RedFlags map[string]int `yaml:"red-flags" json:"red-flags"`

	// Thresholds are the minimum scores for MEDIUM, HIGH and CRITICAL.
	MediumThreshold   int `yaml:"medium-threshold" json:"medium-threshold"`
	HighThreshold     int `yaml:"high-threshold" json:"high-threshold"`
	CriticalThreshold int `yaml:"critical-threshold" json:"critical-threshold"`

	// ApprovalLevel is the lowest risk level that requires human approval.
	ApprovalLevel string `yaml:"approval-level" json:"approval-level"`
}

// PermissionConfig configures the permission manager.
type PermissionConfig struct {
	// DefaultPermissions are granted to every subject. Default: [read].
	DefaultPermissions []string `yaml:"default-permissions" json:"default-permissions"`

	// RequiresApproval lists operations that are denied without a grant.
	RequiresApproval []string `yaml:"requires-approval" json:"requires-approval"`

	// AllowedPaths is the path allow-list. Empty allows every path not denied.
	AllowedPaths []string `yaml:"allowed-paths" json:"allowed-paths"`

	// DeniedPaths is the path deny-list. It wins over AllowedPaths.
	DeniedPaths []string `yaml:"denied-paths" json:"denied-paths"`

	// GrantTTLSeconds is the lifetime of an approved grant.
	GrantTTLSeconds int `yaml:"grant-ttl-seconds" json:"grant-ttl-seconds"`
}

// AuditConfig configures the permission audit trail.
type AuditConfig struct {
	// MaxEntries caps the in-memory audit log. Oldest entries are dropped first.
	MaxEntries int `yaml:"max-entries" json:"max-entries"`

	// LogPath mirrors audit entries as JSON lines to a rotating file. Empty disables it.
	LogPath string `yaml:"log-path" json:"log-path"`

	// MaxSizeMB is the rotation size of the audit file.
	MaxSizeMB int `yaml:"max-size-mb" json:"max-size-mb"`

	// MaxBackups is the number of rotated audit files kept.
	MaxBackups int `yaml:"max-backups" json:"max-backups"`

	// MaxAgeDays is how long rotated audit files are kept.
	MaxAgeDays int `yaml:"max-age-days" json:"max-age-days"`

	// Compress gzips rotated audit files.
	Compress bool `yaml:"compress" json:"compress"`
}

// RepairConfig configures the central repair service.
type RepairConfig struct {
	// QueueSize bounds pending repair plans.
	QueueSize int `yaml:"queue-size" json:"queue-size"`
}

// SandboxConfig configures the sandbox executor.
type SandboxConfig struct {
	// Enabled toggles sandbox testing. When disabled every plan is treated as unsafe.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// DockerBinary is the docker CLI to invoke.
	DockerBinary string `yaml:"docker-binary" json:"docker-binary"`

	// Image is the container image scripts run in.
	Image string `yaml:"image" json:"image"`

	// MemoryLimit is the hard memory ceiling (docker syntax, e.g. "256m").
	MemoryLimit string `yaml:"memory-limit" json:"memory-limit"`

	// CPULimit is the hard CPU ceiling in cores.
	CPULimit float64 `yaml:"cpu-limit" json:"cpu-limit"`

	// PidsLimit caps the number of processes.
	PidsLimit int `yaml:"pids-limit" json:"pids-limit"`

	// User is the non-privileged execution identity.
	User string `yaml:"user" json:"user"`

	// TimeoutSeconds is the wall-clock limit per run.
	TimeoutSeconds int `yaml:"timeout-seconds" json:"timeout-seconds"`

	// MaxOutputBytes caps captured stdout and stderr each.
	MaxOutputBytes int `yaml:"max-output-bytes" json:"max-output-bytes"`

	// WorkDir is where scripts are materialized before mounting. Empty uses the OS temp dir.
	WorkDir string `yaml:"work-dir" json:"work-dir"`
}

// ReasoningConfig configures the reasoning agent.
type ReasoningConfig struct {
	// ExperienceLogSize caps the in-memory experience log.
	ExperienceLogSize int `yaml:"experience-log-size" json:"experience-log-size"`

	// DecisionTimeoutSeconds bounds the wait for a human decision during execute.
	DecisionTimeoutSeconds int `yaml:"decision-timeout-seconds" json:"decision-timeout-seconds"`

	// StepTimeoutSeconds bounds each executed step.
	StepTimeoutSeconds int `yaml:"step-timeout-seconds" json:"step-timeout-seconds"`

	// ExecuteCommands runs step commands on the host. When false steps are only logged.
	ExecuteCommands bool `yaml:"execute-commands" json:"execute-commands"`
}

// ConfirmationConfig configures the confirmation gateway.
type ConfirmationConfig struct {
	// TimeoutSeconds is the auto-timeout after which a pending confirmation is denied.
	TimeoutSeconds int `yaml:"timeout-seconds" json:"timeout-seconds"`

	// HistorySize caps the decision history kept in memory.
	HistorySize int `yaml:"history-size" json:"history-size"`

	// AutoApproveRule is an expression evaluated against the plan. When true the
	// confirmation resolves to approved immediately. Empty disables it.
	AutoApproveRule string `yaml:"auto-approve-rule" json:"auto-approve-rule"`

	// WebhookURL receives a signed notification for each new confirmation.
	WebhookURL string `yaml:"webhook-url" json:"webhook-url"`

	// WebhookSecret signs webhook payloads with HMAC-SHA256.
	WebhookSecret string `yaml:"webhook-secret" json:"-"`
}

// CoordinatorConfig configures the intelligence coordinator.
type CoordinatorConfig struct {
	// EscalationThreshold is the complexity score at which failures escalate.
	EscalationThreshold float64 `yaml:"escalation-threshold" json:"escalation-threshold"`

	// KeywordWeights maps a keyword to its complexity contribution.
	KeywordWeights map[string]float64 `yaml:"keyword-weights" json:"keyword-weights"`

	// ServiceWeight is added per affected service beyond the first.
	ServiceWeight float64 `yaml:"service-weight" json:"service-weight"`

	// SeverityWeights maps a severity to its complexity contribution.
	SeverityWeights map[string]float64 `yaml:"severity-weights" json:"severity-weights"`

	// EscalationRules are expressions that force escalation when any evaluates true.
	EscalationRules []string `yaml:"escalation-rules" json:"escalation-rules"`

	// RetentionMinutes is how long finished investigations are kept.
	RetentionMinutes int `yaml:"retention-minutes" json:"retention-minutes"`

	// EvictionIntervalSeconds is how often the retention loop runs.
	EvictionIntervalSeconds int `yaml:"eviction-interval-seconds" json:"eviction-interval-seconds"`
}

// IngestionConfig configures event ingestion.
type IngestionConfig struct {
	// Sources are glob patterns of log files to follow.
	Sources []string `yaml:"sources" json:"sources"`

	// DiscoveryIntervalSeconds is how often the globs are re-expanded for new files.
	DiscoveryIntervalSeconds int `yaml:"discovery-interval-seconds" json:"discovery-interval-seconds"`

	// QueueSize bounds the priority queue.
	QueueSize int `yaml:"queue-size" json:"queue-size"`

	// MaxConcurrent caps the worker pool.
	MaxConcurrent int `yaml:"max-concurrent" json:"max-concurrent"`

	// Probes configures resource threshold probes.
	Probes ProbeConfig `yaml:"probes" json:"probes"`
}

// ProbeConfig configures the resource probes.
type ProbeConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// IntervalSeconds is the sampling interval.
	IntervalSeconds int `yaml:"interval-seconds" json:"interval-seconds"`

	// CPUPercent is the load-per-core threshold, as a percentage.
	CPUPercent float64 `yaml:"cpu-percent" json:"cpu-percent"`

	// MemoryPercent is the used-memory threshold.
	MemoryPercent float64 `yaml:"memory-percent" json:"memory-percent"`

	// DiskPercent is the used-disk threshold.
	DiskPercent float64 `yaml:"disk-percent" json:"disk-percent"`

	// DiskPath is the filesystem sampled by the disk probe.
	DiskPath string `yaml:"disk-path" json:"disk-path"`

	// MaxZombies is the zombie-process threshold.
	MaxZombies int `yaml:"max-zombies" json:"max-zombies"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	// QueueSize is the per-topic buffer.
	QueueSize int `yaml:"queue-size" json:"queue-size"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (cfg *Config) setDefaults() {
	cfg.Host = ""
	cfg.Port = 8317
	cfg.LogDir = "logs"

	cfg.Ledger.Driver = "sqlite3"
	cfg.Ledger.DSN = "./data/chronicle.db"
	cfg.Ledger.RetentionDays = 30
	cfg.Ledger.CleanupIntervalHours = 24

	cfg.Healing.MaxRetries = 3
	cfg.Healing.BaseDelayMs = 500
	cfg.Healing.MaxDelayMs = 30000
	cfg.Healing.MaxHealsPerHour = 20
	cfg.Healing.ImmunityStrategy = "auto-retry"

	cfg.Risk.OperationWeights = map[string]int{
		"read":               0,
		"write":              2,
		"modify":             2,
		"config_change":      3,
		"execute":            3,
		"service_restart":    3,
		"delete":             4,
		"modify_permissions": 4,
		"system_command":     5,
	}
	cfg.Risk.DefaultOperationWeight = 2
	cfg.Risk.SensitivePaths = map[string]int{
		"/etc":     3,
		"/boot":    4,
		"/usr":     2,
		"/var/lib": 2,
		"/root":    3,
		"/home":    1,
		"/data":    2,
		"/proc":    4,
		"/sys":     4,
	}
	cfg.Risk.RedFlags = map[string]int{
		`\bsudo\b|\bsu\s+-?\s*root\b|\bdoas\b`: 4,
		`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`:  5,
		`\bremove recursively\b`:               5,
		`\bmkfs(\.\w+)?\b|\bdd\s+if=`:          6,
		`\bchmod\s+(-R\s+)?[0-7]*7[0-7]*\b`:    3,
		`\bchown\b|\bchange ownership\b`:        3,
		`\bshutdown\b|\breboot\b|\bhalt\b`:      4,
		`>\s*/dev/sd[a-z]`:                     6,
		`\bkill\s+-9\b|\bpkill\b|\bkillall\b`:   2,
		`curl[^|]*\|\s*(ba)?sh`:                4,
	}
	cfg.Risk.MediumThreshold = 3
	cfg.Risk.HighThreshold = 6
	cfg.Risk.CriticalThreshold = 10
	cfg.Risk.ApprovalLevel = "HIGH"

	cfg.Permission.DefaultPermissions = []string{"read"}
	cfg.Permission.RequiresApproval = []string{
		"write", "execute", "delete", "modify", "modify_permissions",
		"system_command", "service_restart", "config_change",
	}
	cfg.Permission.DeniedPaths = []string{"/etc/shadow", "/etc/passwd", "/boot", "/proc", "/sys"}
	cfg.Permission.GrantTTLSeconds = 300

	cfg.Audit.MaxEntries = 1000
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	cfg.Repair.QueueSize = 100

	cfg.Sandbox.Enabled = true
	cfg.Sandbox.DockerBinary = "docker"
	cfg.Sandbox.Image = "alpine:3.20"
	cfg.Sandbox.MemoryLimit = "256m"
	cfg.Sandbox.CPULimit = 0.5
	cfg.Sandbox.PidsLimit = 64
	cfg.Sandbox.User = "65534:65534"
	cfg.Sandbox.TimeoutSeconds = 30
	cfg.Sandbox.MaxOutputBytes = 64 * 1024

	cfg.Reasoning.ExperienceLogSize = 200
	cfg.Reasoning.DecisionTimeoutSeconds = 300
	cfg.Reasoning.StepTimeoutSeconds = 60

	cfg.Confirmation.TimeoutSeconds = 300
	cfg.Confirmation.HistorySize = 500

	cfg.Coordinator.EscalationThreshold = 0.7
	cfg.Coordinator.KeywordWeights = map[string]float64{
		"system":   0.2,
		"kernel":   0.3,
		"database": 0.25,
		"network":  0.15,
		"security": 0.3,
		"disk":     0.15,
		"memory":   0.15,
		"segfault": 0.3,
	}
	cfg.Coordinator.ServiceWeight = 0.1
	cfg.Coordinator.SeverityWeights = map[string]float64{
		"low":      0.0,
		"medium":   0.2,
		"high":     0.4,
		"critical": 0.6,
	}
	cfg.Coordinator.RetentionMinutes = 60
	cfg.Coordinator.EvictionIntervalSeconds = 60

	cfg.Ingestion.DiscoveryIntervalSeconds = 30
	cfg.Ingestion.QueueSize = 1000
	cfg.Ingestion.MaxConcurrent = 4
	cfg.Ingestion.Probes.Enabled = true
	cfg.Ingestion.Probes.IntervalSeconds = 30
	cfg.Ingestion.Probes.CPUPercent = 90
	cfg.Ingestion.Probes.MemoryPercent = 90
	cfg.Ingestion.Probes.DiskPercent = 90
	cfg.Ingestion.Probes.DiskPath = "/"
	cfg.Ingestion.Probes.MaxZombies = 10

	cfg.Bus.QueueSize = 1000
}

// LoadConfig reads YAML from configFile and applies defaults for absent keys.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing, it returns the defaults.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			cfg := Default()
			cfg.ApplyEnv()
			cfg.Sanitize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	cfg.Sanitize()
	return cfg, nil
}

// Parse unmarshals YAML over the defaults. Maps given in YAML replace the default maps.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// yaml.v3 merges into existing maps; clear the ones the document sets.
	var probe struct {
		Risk struct {
			OperationWeights map[string]int `yaml:"operation-weights"`
			SensitivePaths   map[string]int `yaml:"sensitive-paths"`
			RedFlags         map[string]int `yaml:"red-flags"`
		} `yaml:"risk"`
		Coordinator struct {
			KeywordWeights  map[string]float64 `yaml:"keyword-weights"`
			SeverityWeights map[string]float64 `yaml:"severity-weights"`
		} `yaml:"coordinator"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if probe.Risk.OperationWeights != nil {
		cfg.Risk.OperationWeights = nil
	}
	if probe.Risk.SensitivePaths != nil {
		cfg.Risk.SensitivePaths = nil
	}
	if probe.Risk.RedFlags != nil {
		cfg.Risk.RedFlags = nil
	}
	if probe.Coordinator.KeywordWeights != nil {
		cfg.Coordinator.KeywordWeights = nil
	}
	if probe.Coordinator.SeverityWeights != nil {
		cfg.Coordinator.SeverityWeights = nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected settings from CHRONICLE_* environment variables.
func (cfg *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("CHRONICLE_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHRONICLE_HOST")); v != "" {
		cfg.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("CHRONICLE_DB_DRIVER")); v != "" {
		cfg.Ledger.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("CHRONICLE_DB_DSN")); v != "" {
		cfg.Ledger.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CHRONICLE_DEBUG")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHRONICLE_WEBHOOK_SECRET")); v != "" {
		cfg.Confirmation.WebhookSecret = v
	}
}
