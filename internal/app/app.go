// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package app assembles Chronicle's components in dependency order and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/api"
	"github.com/traylinx/chronicle/internal/bus"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/confirmation"
	"github.com/traylinx/chronicle/internal/coordinator"
	"github.com/traylinx/chronicle/internal/healing"
	"github.com/traylinx/chronicle/internal/ingestion"
	"github.com/traylinx/chronicle/internal/ledger"
	"github.com/traylinx/chronicle/internal/logging"
	"github.com/traylinx/chronicle/internal/metrics"
	"github.com/traylinx/chronicle/internal/permission"
	"github.com/traylinx/chronicle/internal/reasoning"
	"github.com/traylinx/chronicle/internal/repair"
	"github.com/traylinx/chronicle/internal/risk"
	"github.com/traylinx/chronicle/internal/sandbox"
	"github.com/traylinx/chronicle/internal/types"
	"github.com/traylinx/chronicle/internal/wsrelay"
)

// App holds every component. Fields are exported for embedding and tests.
type App struct {
	Config        *config.Config
	Bus           *bus.Bus
	Ledger        *ledger.Store
	Risk          *risk.Scorer
	Audit         *permission.AuditLog
	Permissions   *permission.Manager
	Repairs       *repair.Service
	Sandbox       *sandbox.Executor
	Healing       *healing.Engine
	Stream        *wsrelay.Hub
	Confirmations *confirmation.Gateway
	Reasoner      *reasoning.Agent
	Coordinator   *coordinator.Coordinator
	Ingestion     *ingestion.Service
	API           *api.Server
	Registry      *prometheus.Registry

	subs   []*bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes construction.
type Option func(*options)

type options struct {
	sandboxOpts []sandbox.Option
	agentOpts   []reasoning.Option
	ingestOpts  []ingestion.Option
	skipLogging bool
}

// WithSandboxOptions forwards options to the sandbox executor.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(o *options) { o.sandboxOpts = append(o.sandboxOpts, opts...) }
}

// WithAgentOptions forwards options to the reasoning agent.
func WithAgentOptions(opts ...reasoning.Option) Option {
	return func(o *options) { o.agentOpts = append(o.agentOpts, opts...) }
}

// WithIngestionOptions forwards options to the ingestion service.
func WithIngestionOptions(opts ...ingestion.Option) Option {
	return func(o *options) { o.ingestOpts = append(o.ingestOpts, opts...) }
}

// WithoutLogSetup leaves the global logger untouched.
func WithoutLogSetup() Option {
	return func(o *options) { o.skipLogging = true }
}

// New builds every component, leaves first. The first failure is returned
// wrapped with the component that could not be built, and everything built
// so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if !o.skipLogging {
		logging.SetupBaseLogger()
		logging.SetDebug(cfg.Debug)
		if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
			return a, fmt.Errorf("app: logging: %w", err)
		}
	}

	a.Bus = bus.New(cfg.Bus.QueueSize)

	if a.Ledger, err = ledger.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN); err != nil {
		return a, fmt.Errorf("app: ledger: %w", err)
	}
	if a.Risk, err = risk.NewScorer(cfg.Risk); err != nil {
		return a, fmt.Errorf("app: risk scorer: %w", err)
	}
	if a.Audit, err = permission.NewAuditLog(cfg.Audit); err != nil {
		return a, fmt.Errorf("app: permission audit: %w", err)
	}
	if a.Permissions, err = permission.NewManager(cfg.Permission, a.Risk, a.Audit, a.Bus); err != nil {
		return a, fmt.Errorf("app: permission manager: %w", err)
	}
	if a.Repairs, err = repair.NewService(cfg.Repair, a.Risk); err != nil {
		return a, fmt.Errorf("app: repair service: %w", err)
	}
	a.Sandbox = sandbox.New(cfg.Sandbox, o.sandboxOpts...)
	if cfg.Sandbox.Enabled && !a.Sandbox.Available(ctx) {
		log.Warn("app: sandbox enabled but the container runtime is unreachable; repairs will fail their sandbox test")
	}

	a.Healing, err = healing.NewEngine(a.Ledger, a.Repairs,
		healing.WithBus(a.Bus),
		healing.WithCircuitBreaker(healing.NewCircuitBreaker(cfg.Healing.MaxHealsPerHour)),
		healing.WithImmunityStrategy(cfg.Healing.ImmunityStrategy),
	)
	if err != nil {
		return a, fmt.Errorf("app: healing engine: %w", err)
	}

	a.Stream = wsrelay.NewHub()
	confOpts := []confirmation.Option{
		confirmation.WithBus(a.Bus),
		confirmation.WithNotifier(confirmation.StreamNotifier{Hub: a.Stream}),
	}
	if cfg.Confirmation.WebhookURL != "" {
		confOpts = append(confOpts, confirmation.WithNotifier(
			confirmation.NewWebhookNotifier(cfg.Confirmation.WebhookURL, cfg.Confirmation.WebhookSecret)))
	}
	if a.Confirmations, err = confirmation.New(cfg.Confirmation, confOpts...); err != nil {
		return a, fmt.Errorf("app: confirmation gateway: %w", err)
	}

	agentOpts := append([]reasoning.Option{reasoning.WithConfirmer(a.Confirmations)}, o.agentOpts...)
	a.Reasoner = reasoning.NewAgent(cfg.Reasoning, agentOpts...)

	a.Coordinator, err = coordinator.New(cfg.Coordinator, coordinator.Dependencies{
		Ledger:      a.Ledger,
		Healer:      a.Healing,
		Reasoner:    a.Reasoner,
		Repairs:     a.Repairs,
		Permissions: a.Permissions,
		Sandbox:     a.Sandbox,
		Decisions:   a.Confirmations,
	},
		coordinator.WithBus(a.Bus),
		coordinator.WithHealingConfig(cfg.Healing),
		coordinator.WithRechecker(probeRechecker{app: a}),
	)
	if err != nil {
		return a, fmt.Errorf("app: coordinator: %w", err)
	}

	ingestOpts := append([]ingestion.Option{ingestion.WithBus(a.Bus)}, o.ingestOpts...)
	a.Ingestion, err = ingestion.New(cfg.Ingestion, func(ctx context.Context, ev types.FailureEvent) error {
		_, err := a.Coordinator.Handle(ctx, ev)
		return err
	}, ingestOpts...)
	if err != nil {
		return a, fmt.Errorf("app: ingestion: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err = metrics.Register(a.Registry); err != nil {
		return a, fmt.Errorf("app: metrics: %w", err)
	}

	a.API = api.NewServer(cfg, api.Dependencies{
		Ledger:        a.Ledger,
		Repairs:       a.Repairs,
		Reasoner:      a.Reasoner,
		Confirmations: a.Confirmations,
		Permissions:   a.Permissions,
		Coordinator:   a.Coordinator,
		Stream:        a.Stream,
		Gatherer:      a.Registry,
	})
	return a, nil
}

// probeRechecker defers to the ingestion service, which is built after the
// coordinator.
type probeRechecker struct {
	app *App
}

func (r probeRechecker) Recheck(ctx context.Context, ev types.FailureEvent) error {
	if r.app.Ingestion == nil {
		return nil
	}
	return r.app.Ingestion.Recheck(ctx, ev)
}

// Start launches the background loops and, when serve is true, the HTTP
// server. API listen errors are returned on the channel.
func (a *App) Start(ctx context.Context, serve bool) (<-chan error, error) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.subs = append(a.subs,
		bus.Subscribe(a.Bus, bus.ConfirmationResolved, func(c types.Confirmation) {
			metrics.ConfirmationResolved(string(c.Status))
		}),
		bus.Subscribe(a.Bus, bus.PermissionDecided, func(d bus.PermissionDecision) {
			log.WithFields(log.Fields{"request_id": d.RequestID, "approved": d.Approved}).Debug("app: permission decided")
		}),
	)

	a.Coordinator.Start()
	if err := a.Ingestion.Start(runCtx); err != nil {
		cancel()
		a.Coordinator.Stop()
		return nil, fmt.Errorf("app: start ingestion: %w", err)
	}
	a.startCleanup(runCtx)

	errCh := make(chan error, 1)
	if serve {
		go func() {
			if err := a.API.Start(); err != nil {
				errCh <- err
			}
		}()
	}
	log.Info("app: started")
	return errCh, nil
}

// startCleanup purges ledger rows past the retention window on a schedule.
func (a *App) startCleanup(ctx context.Context) {
	days := a.Config.Ledger.RetentionDays
	hours := a.Config.Ledger.CleanupIntervalHours
	if days <= 0 || hours <= 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(time.Duration(hours) * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Cleanup(ctx, days)
			}
		}
	}()
}

// Cleanup purges failure records older than days. Immune entries are permanent
// and only removed through the explicit immunity cleanup endpoint.
func (a *App) Cleanup(ctx context.Context, days int) {
	failures, err := a.Ledger.Cleanup(ctx, days)
	if err != nil {
		log.WithError(err).Warn("app: failure cleanup failed")
	}
	log.WithFields(log.Fields{"failures": failures, "retention_days": days}).Info("app: ledger cleanup finished")
}

// Stop tears everything down in reverse order of construction.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.API != nil {
		if err := a.API.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Ingestion != nil {
		a.Ingestion.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	a.subs = nil
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	log.Info("app: stopped")
	return errors.Join(errs...)
}

// close releases components that hold resources, newest first.
func (a *App) close() error {
	var errs []error
	if a.Coordinator != nil {
		a.Coordinator.Stop()
	}
	if a.Confirmations != nil {
		a.Confirmations.Close()
	}
	if a.Stream != nil {
		a.Stream.Close()
	}
	if a.Permissions != nil {
		if err := a.Permissions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close permissions: %w", err))
		}
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close ledger: %w", err))
		}
	}
	if a.Bus != nil {
		a.Bus.Shutdown()
	}
	return errors.Join(errs...)
}
