// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/traylinx/chronicle/internal/types"
)

func (s *Store) isImmune(ctx context.Context, q execer, signature string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM immune_system WHERE immune_signature = ?`), signature).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: failed to check immunity: %w", err)
	}
	return true, nil
}

// IsImmune reports whether the signature is immune without counting a trigger.
func (s *Store) IsImmune(ctx context.Context, signature string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrUnavailable
	}
	return s.isImmune(ctx, s.db, signature)
}

// CheckImmune reports whether the signature is immune. A hit counts as an
// immune response: the entry's trigger count and the source's health are bumped.
func (s *Store) CheckImmune(ctx context.Context, signature string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var source string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT source FROM immune_system WHERE immune_signature = ?`), signature).Scan(&source)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: failed to check immunity: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return true, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	if err := s.triggerImmune(ctx, tx, signature, source); err != nil {
		return true, err
	}
	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("ledger: failed to commit immune trigger: %w", err)
	}
	return true, nil
}

// triggerImmune counts an immune response against the entry and the source's health.
func (s *Store) triggerImmune(ctx context.Context, tx execer, signature, source string) error {
	if _, err := s.exec(ctx, tx, `UPDATE immune_system SET trigger_count = trigger_count + 1, last_triggered = ?
		WHERE immune_signature = ?`, millis(s.now()), signature); err != nil {
		return fmt.Errorf("ledger: failed to record immune trigger: %w", err)
	}
	return s.bumpHealth(ctx, tx, source, healthImmune)
}

// BuildImmunity marks the record's fault class as permanently handled. It is an
// upsert on the signature; the success rate is the share of the signature's
// recorded occurrences that were fixed or absorbed.
func (s *Store) BuildImmunity(ctx context.Context, rec types.FailureRecord, preventionStrategy string) (*types.ImmuneEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	if preventionStrategy == "" {
		return nil, fmt.Errorf("ledger: prevention strategy is required")
	}
	signature := rec.ImmuneSignature
	if signature == "" {
		signature = Signature(rec.Source, rec.FunctionName, rec.ErrorType, rec.ErrorMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	now := s.now()
	if rec.ID != "" {
		if _, err := s.exec(ctx, tx, `UPDATE failure_records SET status = ?, updated_at = ? WHERE id = ?`,
			string(types.StatusImmune), millis(now), rec.ID); err != nil {
			return nil, fmt.Errorf("ledger: failed to mark record immune: %w", err)
		}
	}

	var total, handled int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('fixed', 'immune') THEN 1 ELSE 0 END), 0)
		FROM failure_records WHERE immune_signature = ?`), signature).Scan(&total, &handled); err != nil {
		return nil, fmt.Errorf("ledger: failed to compute success rate: %w", err)
	}
	rate := 1.0
	if total > 0 && handled < total {
		rate = float64(handled) / float64(total)
	}

	entry := &types.ImmuneEntry{
		Signature:          signature,
		Source:             rec.Source,
		FunctionName:       rec.FunctionName,
		ErrorPattern:       rec.ErrorType + ": " + rec.ErrorMessage,
		PreventionStrategy: preventionStrategy,
		SuccessRate:        rate,
		LastTriggered:      now,
	}
	if _, err := s.exec(ctx, tx, `INSERT INTO immune_system
			(immune_signature, source, function_name, error_pattern, prevention_strategy, success_rate, trigger_count, last_triggered)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(immune_signature) DO UPDATE SET
			prevention_strategy = excluded.prevention_strategy,
			success_rate = excluded.success_rate,
			last_triggered = excluded.last_triggered`,
		entry.Signature, entry.Source, entry.FunctionName, entry.ErrorPattern,
		entry.PreventionStrategy, entry.SuccessRate, millis(now)); err != nil {
		return nil, fmt.Errorf("ledger: failed to build immunity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: failed to commit immunity: %w", err)
	}
	return entry, nil
}

const immuneColumns = `immune_signature, source, function_name, error_pattern, prevention_strategy,
	success_rate, trigger_count, last_triggered`

// ImmuneEntry returns the immune entry for a signature.
func (s *Store) ImmuneEntry(ctx context.Context, signature string) (*types.ImmuneEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+immuneColumns+` FROM immune_system WHERE immune_signature = ?`), signature)
	entry, err := scanImmune(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to load immune entry: %w", err)
	}
	return entry, nil
}

// ListImmune returns immune entries, most recently triggered first.
func (s *Store) ListImmune(ctx context.Context, limit int) ([]types.ImmuneEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+immuneColumns+` FROM immune_system
		ORDER BY last_triggered DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list immune entries: %w", err)
	}
	defer rows.Close()

	var out []types.ImmuneEntry
	for rows.Next() {
		entry, err := scanImmune(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: failed to scan immune entry: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// CleanupImmunity removes immune entries not triggered within the retention window.
func (s *Store) CleanupImmunity(ctx context.Context, retentionDays int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	res, err := s.exec(ctx, s.db, `DELETE FROM immune_system WHERE last_triggered < ?`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("ledger: failed to clean up immunity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanImmune(row rowScanner) (*types.ImmuneEntry, error) {
	var entry types.ImmuneEntry
	var last int64
	if err := row.Scan(&entry.Signature, &entry.Source, &entry.FunctionName, &entry.ErrorPattern,
		&entry.PreventionStrategy, &entry.SuccessRate, &entry.TriggerCount, &last); err != nil {
		return nil, err
	}
	entry.LastTriggered = fromMillis(last)
	return &entry, nil
}
