// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package permission

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/types"
)

// AuditEntry records one permission check or decision.
type AuditEntry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Action     string          `json:"action"`
	Operation  string          `json:"operation,omitempty"`
	TargetPath string          `json:"target_path,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	Allowed    bool            `json:"allowed"`
	Reason     string          `json:"reason,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	GrantID    string          `json:"grant_id,omitempty"`
	RiskLevel  types.RiskLevel `json:"risk_level,omitempty"`
}

// Audit actions.
const (
	ActionCheck   = "check"
	ActionRequest = "request"
	ActionApprove = "approve"
	ActionDeny    = "deny"
	ActionExpire  = "expire"
	ActionRevoke  = "revoke"
)

// AuditLog keeps the most recent entries in memory and optionally mirrors
// every entry as a JSON line to a rotating file.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
	file    *lumberjack.Logger
	encoder *json.Encoder
}

// NewAuditLog creates an audit log. A file mirror is opened when cfg.LogPath is set.
func NewAuditLog(cfg config.AuditConfig) (*AuditLog, error) {
	a := &AuditLog{max: cfg.MaxEntries}
	if a.max <= 0 {
		a.max = 1000
	}
	if cfg.LogPath == "" {
		return a, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, err
	}
	a.file = &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	a.encoder = json.NewEncoder(a.file)
	return a, nil
}

// Append adds an entry, dropping the oldest when the log is full.
func (a *AuditLog) Append(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.entries) >= a.max {
		drop := len(a.entries) - a.max + 1
		copy(a.entries, a.entries[drop:])
		a.entries = a.entries[:len(a.entries)-drop]
	}
	a.entries = append(a.entries, entry)

	if a.encoder != nil {
		if err := a.encoder.Encode(entry); err != nil {
			log.WithFields(log.Fields{
				"action":    entry.Action,
				"operation": entry.Operation,
				"error":     err.Error(),
			}).Error("permission: failed to write audit entry")
		}
	}
}

// Entries returns up to limit of the most recent entries, oldest first.
// limit <= 0 returns everything.
func (a *AuditLog) Entries(limit int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := 0
	if limit > 0 && len(a.entries) > limit {
		start = len(a.entries) - limit
	}
	out := make([]AuditEntry, len(a.entries)-start)
	copy(out, a.entries[start:])
	return out
}

// Len returns the number of retained entries.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Close closes the file mirror.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.encoder = nil
	return err
}
