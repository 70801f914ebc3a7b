// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/traylinx/chronicle/internal/buildinfo"
	"github.com/traylinx/chronicle/internal/ledger"
)

// StorageStatus describes the ledger's backing store.
type StorageStatus struct {
	Driver           string      `json:"driver"`
	Reachable        bool        `json:"reachable"`
	Database         *FileStatus `json:"database,omitempty"`
	PermissionStatus string      `json:"permission_status"` // "ok", "warning", "error"
	Warnings         []string    `json:"warnings"`
}

// FileStatus represents the status of a file on disk.
type FileStatus struct {
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

func getFileStatus(path string) *FileStatus {
	status := &FileStatus{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return status
	}
	status.Exists = true
	status.Size = info.Size()
	status.Mode = info.Mode().String()
	status.ModTime = info.ModTime()
	return status
}

// sqliteFile returns the file behind a sqlite DSN, or "" for in-memory and
// URI forms.
func sqliteFile(dsn string) string {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	return dsn
}

func (s *Server) storageStatus(ctx context.Context) StorageStatus {
	st := StorageStatus{
		Driver:           s.cfg.Ledger.Driver,
		PermissionStatus: "ok",
		Warnings:         []string{},
	}
	if s.deps.Ledger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		st.Reachable = s.deps.Ledger.Ping(pingCtx) == nil
	}
	if !st.Reachable {
		st.Warnings = append(st.Warnings, "ledger unreachable; failures are only logged")
	}

	if st.Driver != "" && st.Driver != ledger.DriverSQLite {
		return st
	}
	path := sqliteFile(s.cfg.Ledger.DSN)
	if path == "" {
		return st
	}
	st.Database = getFileStatus(path)
	if !st.Database.Exists {
		st.Warnings = append(st.Warnings, "ledger database file does not exist")
		st.PermissionStatus = "warning"
		return st
	}
	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
		// The ledger holds stack traces and should be owner-only.
		st.Warnings = append(st.Warnings, "ledger database has overly permissive permissions")
		st.PermissionStatus = "warning"
	}
	return st
}

// healthz handles GET /healthz. It answers 200 while the process can serve
// requests and reports degraded when the ledger is unreachable.
func (s *Server) healthz(c *gin.Context) {
	storage := s.storageStatus(c.Request.Context())
	status := "ok"
	logOnly := false
	if s.deps.Coordinator != nil {
		logOnly = s.deps.Coordinator.LogOnly()
	}
	if !storage.Reachable || logOnly {
		status = "degraded"
	}
	ok(c, http.StatusOK, gin.H{
		"status":   status,
		"version":  buildinfo.Version,
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"log_only": logOnly,
		"storage":  storage,
	})
}
