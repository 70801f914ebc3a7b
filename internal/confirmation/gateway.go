// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package confirmation asks a human to approve or deny action plans. Every
// request resolves exactly once: by a response, by the auto-approve policy,
// or by its timeout, which denies it.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/rules"
	"github.com/traylinx/chronicle/internal/types"
)

var (
	// ErrNotFound is returned for unknown confirmation ids.
	ErrNotFound = errors.New("confirmation: not found")

	// ErrNotPending is returned when responding to a resolved confirmation.
	ErrNotPending = errors.New("confirmation: not pending")
)

// Decision reasons set by the gateway itself.
const (
	ReasonTimeout     = "timeout"
	ReasonAutoApprove = "auto-approved by policy"
	ReasonShutdown    = "gateway shut down"
)

// Notifier is told about new and resolved confirmations.
type Notifier interface {
	Notify(ctx context.Context, c types.Confirmation) error
}

type entry struct {
	c     types.Confirmation
	timer *time.Timer
	done  chan struct{}
}

// Stats summarizes the decision history.
type Stats struct {
	Total        int           `json:"total"`
	Pending      int           `json:"pending"`
	Approved     int           `json:"approved"`
	Denied       int           `json:"denied"`
	TimedOut     int           `json:"timed_out"`
	ApprovalRate float64       `json:"approval_rate"`
	MeanLatency  time.Duration `json:"mean_latency"`
}

// Gateway tracks pending confirmations and their history.
type Gateway struct {
	mu          sync.Mutex
	pending     map[string]*entry
	history     []types.Confirmation
	historySize int
	timeout     time.Duration
	autoApprove *rules.Set
	notifiers   []Notifier
	bus         *bus.Bus
	wg          sync.WaitGroup
	now         func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithNotifier adds a notifier.
func WithNotifier(n Notifier) Option {
	return func(g *Gateway) {
		if n != nil {
			g.notifiers = append(g.notifiers, n)
		}
	}
}

// WithBus publishes requested and resolved confirmations on b.
func WithBus(b *bus.Bus) Option {
	return func(g *Gateway) {
		g.bus = b
	}
}

// WithTimeout overrides the configured auto-timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// New creates a gateway.
func New(cfg config.ConfirmationConfig, opts ...Option) (*Gateway, error) {
	auto, err := rules.Compile(cfg.AutoApproveRule)
	if err != nil {
		return nil, fmt.Errorf("confirmation: %w", err)
	}
	g := &Gateway{
		pending:     make(map[string]*entry),
		historySize: cfg.HistorySize,
		timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		autoApprove: auto,
		now:         time.Now,
	}
	if g.historySize <= 0 {
		g.historySize = 500
	}
	if g.timeout <= 0 {
		g.timeout = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Request opens a confirmation for plan. It auto-resolves to denied with
// reason "timeout" if nobody responds in time.
func (g *Gateway) Request(plan types.ActionPlan, investigationID string) (types.Confirmation, error) {
	c := types.Confirmation{
		ID:              uuid.NewString(),
		InvestigationID: investigationID,
		Plan:            plan,
		Status:          types.ConfirmationPending,
		RequestedAt:     g.now(),
		Timeout:         g.timeout,
	}

	if rule, ok := g.autoApprove.Any(planEnv(plan)); ok {
		log.WithFields(log.Fields{"confirmation_id": c.ID, "rule": rule}).Info("confirmation: auto-approved")
		g.mu.Lock()
		g.pending[c.ID] = &entry{c: c, done: make(chan struct{})}
		g.mu.Unlock()
		return g.resolve(c.ID, types.ConfirmationApproved, ReasonAutoApprove)
	}

	e := &entry{c: c, done: make(chan struct{})}
	g.mu.Lock()
	g.pending[c.ID] = e
	id := c.ID
	e.timer = time.AfterFunc(g.timeout, func() {
		if _, err := g.resolve(id, types.ConfirmationDenied, ReasonTimeout); err == nil {
			log.WithField("confirmation_id", id).Warn("confirmation: timed out")
		}
	})
	g.mu.Unlock()

	if g.bus != nil {
		bus.Publish(g.bus, bus.ConfirmationRequested, c)
	}
	g.notify(c)
	log.WithFields(log.Fields{
		"confirmation_id":  c.ID,
		"investigation_id": investigationID,
		"risk":             plan.Analysis.Risk,
	}).Info("confirmation: awaiting human decision")
	return c, nil
}

// Respond resolves a pending confirmation.
func (g *Gateway) Respond(id string, approved bool, reason string) (types.Confirmation, error) {
	status := types.ConfirmationDenied
	if approved {
		status = types.ConfirmationApproved
	}
	if reason == "" {
		if approved {
			reason = "approved by operator"
		} else {
			reason = "denied by operator"
		}
	}
	return g.resolve(id, status, reason)
}

func (g *Gateway) resolve(id string, status types.ConfirmationStatus, reason string) (types.Confirmation, error) {
	g.mu.Lock()
	e, ok := g.pending[id]
	if !ok {
		_, found := g.findLocked(id)
		g.mu.Unlock()
		if found {
			return types.Confirmation{}, ErrNotPending
		}
		return types.Confirmation{}, ErrNotFound
	}
	delete(g.pending, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	now := g.now()
	e.c.Status = status
	e.c.Reason = reason
	e.c.ResolvedAt = now
	e.c.ResponseLatency = now.Sub(e.c.RequestedAt)
	g.history = append(g.history, e.c)
	if over := len(g.history) - g.historySize; over > 0 {
		g.history = slices.Delete(g.history, 0, over)
	}
	c := e.c
	close(e.done)
	g.mu.Unlock()

	if g.bus != nil {
		bus.Publish(g.bus, bus.ConfirmationResolved, c)
	}
	g.notify(c)
	return c, nil
}

// Await blocks until the confirmation resolves or ctx is done.
func (g *Gateway) Await(ctx context.Context, id string) (types.Confirmation, error) {
	g.mu.Lock()
	e, ok := g.pending[id]
	if !ok {
		c, found := g.findLocked(id)
		g.mu.Unlock()
		if !found {
			return types.Confirmation{}, ErrNotFound
		}
		return c, nil
	}
	done := e.done
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.Confirmation{}, ctx.Err()
	case <-done:
	}
	return g.Get(id)
}

// Get returns the confirmation with id.
func (g *Gateway) Get(id string) (types.Confirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.pending[id]; ok {
		return e.c, nil
	}
	if c, ok := g.findLocked(id); ok {
		return c, nil
	}
	return types.Confirmation{}, ErrNotFound
}

func (g *Gateway) findLocked(id string) (types.Confirmation, bool) {
	for i := len(g.history) - 1; i >= 0; i-- {
		if g.history[i].ID == id {
			return g.history[i], true
		}
	}
	return types.Confirmation{}, false
}

// Pending lists unresolved confirmations, oldest first.
func (g *Gateway) Pending() []types.Confirmation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.Confirmation, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.c)
	}
	slices.SortFunc(out, func(a, b types.Confirmation) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return out
}

// History returns up to limit resolved confirmations, newest first.
func (g *Gateway) History(limit int) []types.Confirmation {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Confirmation, 0, n)
	for i := len(g.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, g.history[i])
	}
	return out
}

// Stats derives approval rate and mean latency from the history.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{Total: len(g.history), Pending: len(g.pending)}
	var latency time.Duration
	for _, c := range g.history {
		switch {
		case c.Status == types.ConfirmationApproved:
			s.Approved++
		case c.Reason == ReasonTimeout:
			s.TimedOut++
			s.Denied++
		default:
			s.Denied++
		}
		latency += c.ResponseLatency
	}
	if s.Total > 0 {
		s.ApprovalRate = float64(s.Approved) / float64(s.Total)
		s.MeanLatency = latency / time.Duration(s.Total)
	}
	return s
}

// Close denies every pending confirmation and waits for in-flight notifications.
func (g *Gateway) Close() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		_, _ = g.resolve(id, types.ConfirmationDenied, ReasonShutdown)
	}
	g.wg.Wait()
}

func (g *Gateway) notify(c types.Confirmation) {
	for _, n := range g.notifiers {
		g.wg.Add(1)
		go func(n Notifier) {
			defer g.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := n.Notify(ctx, c); err != nil {
				log.WithError(err).WithField("confirmation_id", c.ID).Warn("confirmation: notifier failed")
			}
		}(n)
	}
}

// planEnv is the environment auto-approve rules are evaluated against.
func planEnv(plan types.ActionPlan) map[string]any {
	return map[string]any{
		"risk":              string(plan.Analysis.Risk),
		"confidence":        plan.Analysis.Confidence,
		"strategy":          string(plan.Solution.Strategy),
		"pattern":           plan.Analysis.Pattern,
		"steps":             len(plan.Solution.Steps),
		"requires_approval": plan.RequiresApproval,
		"problem":           plan.Problem,
	}
}
