// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ledger provides the durable failure ledger and immune memory.
//
// Every failure occurrence becomes a row in failure_records. Rows are keyed for
// deduplication by their immune signature, and a signature present in
// immune_system short-circuits any further investigation.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a record or immune entry does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrUnavailable is returned when the store cannot be reached.
	ErrUnavailable = errors.New("ledger: store unavailable")
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS failure_records (
		id TEXT PRIMARY KEY,
		timestamp BIGINT NOT NULL,
		source TEXT NOT NULL,
		function_name TEXT NOT NULL,
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		stack_trace TEXT,
		context TEXT,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		healing_attempts INTEGER NOT NULL DEFAULT 0,
		healing_strategy TEXT,
		resolution_notes TEXT,
		immune_signature TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_failure_records_signature ON failure_records(immune_signature)`,
	`CREATE INDEX IF NOT EXISTS idx_failure_records_created_at ON failure_records(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_failure_records_source ON failure_records(source)`,
	`CREATE TABLE IF NOT EXISTS immune_system (
		immune_signature TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		function_name TEXT NOT NULL,
		error_pattern TEXT NOT NULL,
		prevention_strategy TEXT NOT NULL,
		success_rate REAL NOT NULL DEFAULT 1.0,
		trigger_count INTEGER NOT NULL DEFAULT 0,
		last_triggered BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_health (
		source TEXT PRIMARY KEY,
		health_score REAL NOT NULL DEFAULT 100,
		total_failures INTEGER NOT NULL DEFAULT 0,
		resolved_failures INTEGER NOT NULL DEFAULT 0,
		immune_responses INTEGER NOT NULL DEFAULT 0,
		last_failure BIGINT,
		last_healing BIGINT
	)`,
}

// Store is the SQL-backed ledger. Writes are serialized through a single mutex.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
	now    func() time.Time
}

// Open connects to the configured driver, creating the sqlite directory if needed,
// and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("ledger: dsn cannot be empty")
	}
	if driver == "" {
		driver = DriverSQLite
	}

	if driver == DriverSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("ledger: failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite works best with a single connection; it doubles as the single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("ledger initialized (driver: %s)", driver)
	return s, nil
}

// New wraps an existing database handle without applying the schema.
func New(db *sql.DB, driver string) *Store {
	if driver == "" {
		driver = DriverSQLite
	}
	return &Store{db: db, driver: driver, now: time.Now}
}

// Migrate creates tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: failed to create schema: %w", err)
		}
	}
	return nil
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func fromNullMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return fromMillis(ms.Int64)
}
