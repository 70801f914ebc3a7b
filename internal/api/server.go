// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes Chronicle over HTTP. Every JSON response carries a
// success flag.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/confirmation"
	"github.com/traylinx/chronicle/internal/coordinator"
	"github.com/traylinx/chronicle/internal/ledger"
	"github.com/traylinx/chronicle/internal/logging"
	"github.com/traylinx/chronicle/internal/permission"
	"github.com/traylinx/chronicle/internal/reasoning"
	"github.com/traylinx/chronicle/internal/repair"
	"github.com/traylinx/chronicle/internal/wsrelay"
)

// Dependencies are the components served by the API. Endpoints whose
// component is nil answer 503.
type Dependencies struct {
	Ledger        *ledger.Store
	Repairs       *repair.Service
	Reasoner      *reasoning.Agent
	Confirmations *confirmation.Gateway
	Permissions   *permission.Manager
	Coordinator   *coordinator.Coordinator
	Stream        *wsrelay.Hub
	Gatherer      prometheus.Gatherer
}

// Server is the HTTP front end.
type Server struct {
	cfg       *config.Config
	deps      Dependencies
	engine    *gin.Engine
	server    *http.Server
	startedAt time.Time
}

// NewServer builds the router. Call Start to listen.
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinRequestLogger(), gin.Recovery())

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		engine:    engine,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.engine
	r.POST("/log_failure", s.logFailure)
	r.POST("/request_healing", s.requestHealing)
	r.GET("/health_report", s.healthReport)
	r.GET("/failure_stats", s.failureStats)
	r.POST("/build_immunity", s.buildImmunity)
	r.GET("/immunity_status", s.immunityStatus)

	cleanup := r.Group("/cleanup")
	{
		cleanup.POST("/failures", s.cleanupFailures)
		cleanup.POST("/immunity", s.cleanupImmunity)
	}

	conf := r.Group("/confirmation")
	{
		conf.POST("/respond", s.respondConfirmation)
		conf.GET("/pending", s.pendingConfirmations)
		conf.GET("/history", s.confirmationHistory)
		conf.GET("/stream", s.confirmationStream)
	}

	perms := r.Group("/permissions")
	{
		perms.GET("/requests", s.permissionRequests)
		perms.POST("/requests/:id/approve", s.approvePermission)
		perms.POST("/requests/:id/deny", s.denyPermission)
		perms.GET("/audit", s.permissionAudit)
	}

	r.GET("/investigations", s.listInvestigations)
	r.GET("/investigations/:id", s.getInvestigation)
	r.GET("/healthz", s.healthz)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	log.Infof("api: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Stop drains in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// ok writes a successful response.
func ok(c *gin.Context, status int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(status, body)
}

// fail writes an error response.
func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// unavailable answers 503 for a component that is not configured.
func unavailable(c *gin.Context, component string) {
	fail(c, http.StatusServiceUnavailable, component+" not available")
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
