// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package permission enforces default read-only access for autonomous actions.
// Mutating operations are denied unless a time-boxed grant, issued only after
// explicit approval of a permission request, covers them. Every check and
// decision is recorded in an audit trail.
package permission

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/risk"
	"github.com/traylinx/chronicle/internal/types"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("permission: request not found")

	// ErrNotPending is returned when deciding a request that is already decided.
	ErrNotPending = errors.New("permission: request is not pending")
)

// DefaultSubject is used when a caller does not name one.
const DefaultSubject = "chronicle"

// decidedRetention is how long approved and denied requests stay queryable.
const decidedRetention = 24 * time.Hour

// RequestStatus tracks a permission request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// Request asks for elevation to perform one operation.
type Request struct {
	ID             string          `json:"id"`
	Operation      string          `json:"operation"`
	TargetPath     string          `json:"target_path"`
	Subject        string          `json:"subject"`
	Reason         string          `json:"reason"`
	Script         string          `json:"script,omitempty"`
	RiskLevel      types.RiskLevel `json:"risk_level"`
	RiskScore      int             `json:"risk_score"`
	RedFlags       []string        `json:"red_flags,omitempty"`
	Status         RequestStatus   `json:"status"`
	DecisionReason string          `json:"decision_reason,omitempty"`
	GrantID        string          `json:"grant_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DecidedAt      time.Time       `json:"decided_at,omitempty"`
}

// Grant is a time-boxed elevation.
type Grant struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	Subject    string    `json:"subject"`
	Operation  string    `json:"operation"`
	TargetPath string    `json:"target_path"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Valid reports whether the grant is usable at now.
func (g *Grant) Valid(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// covers reports whether the grant authorizes (subject, operation, target).
func (g *Grant) covers(subject, operation, target string) bool {
	if g.Subject != subject || g.Operation != operation {
		return false
	}
	return g.TargetPath == "" || hasPathPrefix(target, g.TargetPath)
}

// Decision is the result of CheckPermission.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	GrantID string `json:"grant_id,omitempty"`
}

// Manager owns permission requests and grants.
type Manager struct {
	mu               sync.Mutex
	defaults         []string
	requiresApproval []string
	allowedPaths     []string
	deniedPaths      []string
	ttl              time.Duration

	scorer   *risk.Scorer
	audit    *AuditLog
	bus      *bus.Bus
	requests map[string]*Request
	grants   map[string]*Grant
	timers   map[string]*time.Timer
	now      func() time.Time
}

// NewManager creates a permission manager.
func NewManager(cfg config.PermissionConfig, scorer *risk.Scorer, audit *AuditLog, b *bus.Bus) (*Manager, error) {
	if scorer == nil {
		return nil, fmt.Errorf("permission: risk scorer is required")
	}
	if audit == nil {
		audit = &AuditLog{max: 1000}
	}
	ttl := time.Duration(cfg.GrantTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	defaults := cfg.DefaultPermissions
	if len(defaults) == 0 {
		defaults = []string{"read"}
	}
	return &Manager{
		defaults:         normalizeOps(defaults),
		requiresApproval: normalizeOps(cfg.RequiresApproval),
		allowedPaths:     cleanPaths(cfg.AllowedPaths),
		deniedPaths:      cleanPaths(cfg.DeniedPaths),
		ttl:              ttl,
		scorer:           scorer,
		audit:            audit,
		bus:              b,
		requests:         make(map[string]*Request),
		grants:           make(map[string]*Grant),
		timers:           make(map[string]*time.Timer),
		now:              time.Now,
	}, nil
}

// CheckPermission decides whether subject may perform operation on targetPath.
//
// The deny-list wins over the allow-list. Default operations are allowed.
// Every other operation, including those in the requires-approval list, needs
// an unexpired grant covering (subject, operation, path).
func (m *Manager) CheckPermission(operation, targetPath, subject string) Decision {
	op := normalizeOp(operation)
	target := cleanPath(targetPath)
	if subject == "" {
		subject = DefaultSubject
	}

	m.mu.Lock()
	d := m.decideLocked(op, target, subject)
	m.mu.Unlock()

	m.audit.Append(AuditEntry{
		Action:     ActionCheck,
		Operation:  op,
		TargetPath: target,
		Subject:    subject,
		Allowed:    d.Allowed,
		Reason:     d.Reason,
		GrantID:    d.GrantID,
	})
	return d
}

func (m *Manager) decideLocked(op, target, subject string) Decision {
	if op == "" {
		return Decision{Reason: "operation is required"}
	}
	if target != "" {
		if !path.IsAbs(target) {
			return Decision{Reason: fmt.Sprintf("path %s is not absolute", target)}
		}
		for _, denied := range m.deniedPaths {
			if hasPathPrefix(target, denied) {
				return Decision{Reason: fmt.Sprintf("path %s is denied by %s", target, denied)}
			}
		}
		if len(m.allowedPaths) > 0 && !slices.ContainsFunc(m.allowedPaths, func(p string) bool { return hasPathPrefix(target, p) }) {
			return Decision{Reason: fmt.Sprintf("path %s is not in the allow-list", target)}
		}
	}

	if slices.Contains(m.defaults, op) && !slices.Contains(m.requiresApproval, op) {
		return Decision{Allowed: true, Reason: "default permission"}
	}

	now := m.now()
	for _, g := range m.grants {
		if g.covers(subject, op, target) && g.Valid(now) {
			return Decision{Allowed: true, Reason: "granted until " + g.ExpiresAt.Format(time.RFC3339), GrantID: g.ID}
		}
	}

	if slices.Contains(m.requiresApproval, op) {
		return Decision{Reason: fmt.Sprintf("operation %s requires approval", op)}
	}
	return Decision{Reason: fmt.Sprintf("operation %s is not permitted by default", op)}
}

// CreatePermissionRequest scores and stores a pending request and returns its id.
func (m *Manager) CreatePermissionRequest(req Request) (string, error) {
	req.Operation = normalizeOp(req.Operation)
	if req.Operation == "" {
		return "", fmt.Errorf("permission: operation is required")
	}
	req.TargetPath = cleanPath(req.TargetPath)
	if req.TargetPath != "" && !path.IsAbs(req.TargetPath) {
		return "", fmt.Errorf("permission: target path %q is not absolute", req.TargetPath)
	}
	if req.Subject == "" {
		req.Subject = DefaultSubject
	}

	assessment := m.scorer.Assess(req.Operation, req.TargetPath, req.Script)
	req.ID = uuid.NewString()
	req.RiskLevel = assessment.Level
	req.RiskScore = assessment.Score
	req.RedFlags = assessment.RedFlags
	req.Status = RequestPending
	req.CreatedAt = m.now()
	req.DecisionReason = ""
	req.GrantID = ""
	req.DecidedAt = time.Time{}

	m.mu.Lock()
	m.pruneLocked(req.CreatedAt)
	stored := req
	m.requests[req.ID] = &stored
	m.mu.Unlock()

	m.audit.Append(AuditEntry{
		Action:     ActionRequest,
		Operation:  req.Operation,
		TargetPath: req.TargetPath,
		Subject:    req.Subject,
		Reason:     req.Reason,
		RequestID:  req.ID,
		RiskLevel:  req.RiskLevel,
	})
	log.WithFields(log.Fields{
		"request_id": req.ID,
		"operation":  req.Operation,
		"target":     req.TargetPath,
		"risk":       req.RiskLevel,
		"score":      req.RiskScore,
	}).Info("permission: request created")
	return req.ID, nil
}

// ApprovePermissionRequest approves a pending request and mints a grant that
// expires after ttl. ttl <= 0 uses the configured TTL.
func (m *Manager) ApprovePermissionRequest(id string, ttl time.Duration) (*Grant, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if req.Status != RequestPending {
		m.mu.Unlock()
		return nil, ErrNotPending
	}
	now := m.now()
	grant := &Grant{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Subject:    req.Subject,
		Operation:  req.Operation,
		TargetPath: req.TargetPath,
		GrantedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	req.Status = RequestApproved
	req.DecidedAt = now
	req.GrantID = grant.ID
	req.DecisionReason = "approved"
	m.grants[grant.ID] = grant
	grantID := grant.ID
	m.timers[grantID] = time.AfterFunc(ttl, func() { m.expire(grantID) })
	snapshot := *req
	out := *grant
	m.mu.Unlock()

	m.audit.Append(AuditEntry{
		Action:     ActionApprove,
		Operation:  snapshot.Operation,
		TargetPath: snapshot.TargetPath,
		Subject:    snapshot.Subject,
		Allowed:    true,
		RequestID:  snapshot.ID,
		GrantID:    grantID,
		RiskLevel:  snapshot.RiskLevel,
	})
	m.publish(snapshot, true, "approved", out.ExpiresAt)
	return &out, nil
}

// DenyPermissionRequest denies a pending request.
func (m *Manager) DenyPermissionRequest(id, reason string) error {
	if reason == "" {
		reason = "denied"
	}

	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if req.Status != RequestPending {
		m.mu.Unlock()
		return ErrNotPending
	}
	req.Status = RequestDenied
	req.DecidedAt = m.now()
	req.DecisionReason = reason
	snapshot := *req
	m.mu.Unlock()

	m.audit.Append(AuditEntry{
		Action:     ActionDeny,
		Operation:  snapshot.Operation,
		TargetPath: snapshot.TargetPath,
		Subject:    snapshot.Subject,
		Reason:     reason,
		RequestID:  snapshot.ID,
		RiskLevel:  snapshot.RiskLevel,
	})
	m.publish(snapshot, false, reason, time.Time{})
	return nil
}

// pruneLocked drops decided requests older than decidedRetention.
func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-decidedRetention)
	for id, req := range m.requests {
		if req.Status != RequestPending && req.DecidedAt.Before(cutoff) {
			delete(m.requests, id)
		}
	}
}

// RevokeGrant removes a grant before it expires.
func (m *Manager) RevokeGrant(id string) bool {
	g := m.removeGrant(id)
	if g == nil {
		return false
	}
	m.audit.Append(AuditEntry{
		Action:     ActionRevoke,
		Operation:  g.Operation,
		TargetPath: g.TargetPath,
		Subject:    g.Subject,
		RequestID:  g.RequestID,
		GrantID:    g.ID,
	})
	return true
}

func (m *Manager) expire(id string) {
	g := m.removeGrant(id)
	if g == nil {
		return
	}
	m.audit.Append(AuditEntry{
		Action:     ActionExpire,
		Operation:  g.Operation,
		TargetPath: g.TargetPath,
		Subject:    g.Subject,
		Reason:     "ttl elapsed",
		RequestID:  g.RequestID,
		GrantID:    g.ID,
	})
	log.WithField("grant_id", id).Debug("permission: grant expired")
}

func (m *Manager) removeGrant(id string) *Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil
	}
	delete(m.grants, id)
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	return g
}

// Request returns a copy of the request with the given id.
func (m *Manager) Request(id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return *req, nil
}

// PendingRequests lists pending requests, oldest first.
func (m *Manager) PendingRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, req := range m.requests {
		if req.Status == RequestPending {
			out = append(out, *req)
		}
	}
	slices.SortFunc(out, func(a, b Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Grants lists unexpired grants ordered by expiry.
func (m *Manager) Grants() []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Grant
	for _, g := range m.grants {
		if g.Valid(now) {
			out = append(out, *g)
		}
	}
	slices.SortFunc(out, func(a, b Grant) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return out
}

// Audit returns up to limit of the most recent audit entries.
func (m *Manager) Audit(limit int) []AuditEntry {
	return m.audit.Entries(limit)
}

// Assess exposes the risk scorer used for requests.
func (m *Manager) Assess(operation, targetPath, script string) risk.Assessment {
	return m.scorer.Assess(normalizeOp(operation), cleanPath(targetPath), script)
}

// Close stops every pending revocation timer and closes the audit mirror.
func (m *Manager) Close() error {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	return m.audit.Close()
}

func (m *Manager) publish(req Request, approved bool, reason string, expires time.Time) {
	if m.bus == nil {
		return
	}
	bus.Publish(m.bus, bus.PermissionDecided, bus.PermissionDecision{
		RequestID: req.ID,
		Operation: req.Operation,
		Target:    req.TargetPath,
		Approved:  approved,
		Reason:    reason,
		ExpiresAt: expires,
	})
}

func normalizeOp(op string) string {
	return strings.ToLower(strings.TrimSpace(op))
}

func normalizeOps(ops []string) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		if n := normalizeOp(op); n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

func cleanPaths(ps []string) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if c := cleanPath(p); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// hasPathPrefix reports whether p is prefix or lies beneath it.
func hasPathPrefix(p, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
