// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/traylinx/chronicle/internal/types"
)

const failureColumns = `id, timestamp, source, function_name, error_type, error_message,
	stack_trace, context, severity, status, healing_attempts, healing_strategy,
	resolution_notes, immune_signature, created_at, updated_at`

// Record inserts a new failure occurrence. The signature is computed from the
// record's tuple. When the signature is already immune the status is set to
// immune and the occurrence counts as a trigger of the immune entry. The
// returned record is a copy with all generated fields filled in.
func (s *Store) Record(ctx context.Context, rec types.FailureRecord) (*types.FailureRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(rec.Source) == "" || strings.TrimSpace(rec.ErrorType) == "" {
		return nil, fmt.Errorf("ledger: source and error type are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	if rec.Severity == "" {
		rec.Severity = types.SeverityMedium
	}
	if rec.Status == "" {
		rec.Status = types.StatusDetected
	}
	rec.ImmuneSignature = Signature(rec.Source, rec.FunctionName, rec.ErrorType, rec.ErrorMessage)
	rec.CreatedAt = now
	rec.UpdatedAt = now

	immune, err := s.isImmune(ctx, s.db, rec.ImmuneSignature)
	if err != nil {
		return nil, err
	}
	if immune {
		rec.Status = types.StatusImmune
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	_, err = s.exec(ctx, tx, `INSERT INTO failure_records (`+failureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, millis(rec.Timestamp), rec.Source, rec.FunctionName, rec.ErrorType, rec.ErrorMessage,
		rec.StackTrace, rec.Context, string(rec.Severity), string(rec.Status), rec.HealingAttempts,
		rec.HealingStrategy, rec.ResolutionNotes, rec.ImmuneSignature, millis(rec.CreatedAt), millis(rec.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to insert failure record: %w", err)
	}
	if err := s.bumpHealth(ctx, tx, rec.Source, healthFailure); err != nil {
		return nil, err
	}
	if immune {
		if err := s.triggerImmune(ctx, tx, rec.ImmuneSignature, rec.Source); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: failed to commit failure record: %w", err)
	}
	return &rec, nil
}

// Get returns the failure record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*types.FailureRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+failureColumns+` FROM failure_records WHERE id = ?`), id)
	rec, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to load failure record: %w", err)
	}
	return rec, nil
}

// LatestBySignature returns the most recent record for a signature.
func (s *Store) LatestBySignature(ctx context.Context, signature string) (*types.FailureRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+failureColumns+` FROM failure_records
		WHERE immune_signature = ? ORDER BY created_at DESC LIMIT 1`), signature)
	rec, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to load failure record: %w", err)
	}
	return rec, nil
}

// UpdateStatus moves a record to a new status. Non-empty notes replace the
// resolution notes. Moving to fixed counts as a resolution for the source's health.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.FailureStatus, notes string) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var res sql.Result
	if notes != "" {
		res, err = s.exec(ctx, tx, `UPDATE failure_records SET status = ?, resolution_notes = ?, updated_at = ? WHERE id = ?`,
			string(status), notes, millis(s.now()), id)
	} else {
		res, err = s.exec(ctx, tx, `UPDATE failure_records SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), millis(s.now()), id)
	}
	if err != nil {
		return fmt.Errorf("ledger: failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if status == types.StatusFixed {
		var source string
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT source FROM failure_records WHERE id = ?`), id).Scan(&source); err != nil {
			return fmt.Errorf("ledger: failed to load source: %w", err)
		}
		if err := s.bumpHealth(ctx, tx, source, healthResolved); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: failed to commit status: %w", err)
	}
	return nil
}

// IncrementAttempts bumps healing_attempts and records the strategy in use.
func (s *Store) IncrementAttempts(ctx context.Context, id, strategy string) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, s.db, `UPDATE failure_records
		SET healing_attempts = healing_attempts + 1, healing_strategy = ?, updated_at = ?
		WHERE id = ?`, strategy, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("ledger: failed to increment attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type healthEvent int

const (
	healthFailure healthEvent = iota
	healthResolved
	healthImmune
)

// bumpHealth upserts the per-source health row and recomputes its score as the
// share of failures that were resolved or absorbed by immunity.
func (s *Store) bumpHealth(ctx context.Context, q execer, source string, ev healthEvent) error {
	now := millis(s.now())
	var query string
	var args []any
	switch ev {
	case healthFailure:
		query = `INSERT INTO system_health (source, health_score, total_failures, resolved_failures, immune_responses, last_failure)
			VALUES (?, 0, 1, 0, 0, ?)
			ON CONFLICT(source) DO UPDATE SET total_failures = system_health.total_failures + 1, last_failure = excluded.last_failure`
		args = []any{source, now}
	case healthResolved:
		query = `INSERT INTO system_health (source, health_score, total_failures, resolved_failures, immune_responses, last_healing)
			VALUES (?, 100, 0, 1, 0, ?)
			ON CONFLICT(source) DO UPDATE SET resolved_failures = system_health.resolved_failures + 1, last_healing = excluded.last_healing`
		args = []any{source, now}
	case healthImmune:
		query = `INSERT INTO system_health (source, health_score, total_failures, resolved_failures, immune_responses, last_healing)
			VALUES (?, 100, 0, 0, 1, ?)
			ON CONFLICT(source) DO UPDATE SET immune_responses = system_health.immune_responses + 1, last_healing = excluded.last_healing`
		args = []any{source, now}
	}
	if _, err := s.exec(ctx, q, query, args...); err != nil {
		return fmt.Errorf("ledger: failed to update system health: %w", err)
	}
	if _, err := s.exec(ctx, q, `UPDATE system_health SET health_score = CASE
			WHEN total_failures = 0 OR resolved_failures + immune_responses >= total_failures THEN 100
			ELSE 100.0 * (resolved_failures + immune_responses) / total_failures END
		WHERE source = ?`, source); err != nil {
		return fmt.Errorf("ledger: failed to update health score: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFailure(row rowScanner) (*types.FailureRecord, error) {
	var (
		rec                      types.FailureRecord
		ts, created, updated     int64
		severity, status         string
		trace, ctxText, strategy sql.NullString
		notes                    sql.NullString
	)
	err := row.Scan(&rec.ID, &ts, &rec.Source, &rec.FunctionName, &rec.ErrorType, &rec.ErrorMessage,
		&trace, &ctxText, &severity, &status, &rec.HealingAttempts, &strategy,
		&notes, &rec.ImmuneSignature, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = fromMillis(ts)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	rec.Severity = types.Severity(severity)
	rec.Status = types.FailureStatus(status)
	rec.StackTrace = trace.String
	rec.Context = ctxText.String
	rec.HealingStrategy = strategy.String
	rec.ResolutionNotes = notes.String
	return &rec, nil
}
