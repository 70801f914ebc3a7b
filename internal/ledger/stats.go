// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/traylinx/chronicle/internal/types"
)

// StatsQuery scopes a statistics read. A zero Since covers all time.
type StatsQuery struct {
	Since  time.Time
	Source string
}

// Stats aggregates failure records over a window.
type Stats struct {
	Since              time.Time      `json:"since"`
	Source             string         `json:"source,omitempty"`
	Total              int            `json:"total_failures"`
	Resolved           int            `json:"resolved_failures"`
	Failed             int            `json:"failed"`
	Immune             int            `json:"immune_responses"`
	HealingAttempts    int            `json:"healing_attempts"`
	AvgHealingAttempts float64        `json:"avg_healing_attempts"`
	ResolutionRate     float64        `json:"resolution_rate"`
	ByStatus           map[string]int `json:"by_status"`
	BySeverity         map[string]int `json:"by_severity"`
	ByErrorType        map[string]int `json:"by_error_type"`
	BySource           map[string]int `json:"by_source"`
}

// Stats returns read-only aggregates over failure records created since q.Since.
func (s *Store) Stats(ctx context.Context, q StatsQuery) (*Stats, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT status, severity, error_type, source, COUNT(*), COALESCE(SUM(healing_attempts), 0)
		FROM failure_records WHERE created_at >= ?`
	args := []any{millis(q.Since)}
	if q.Source != "" {
		query += ` AND source = ?`
		args = append(args, q.Source)
	}
	query += ` GROUP BY status, severity, error_type, source`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{
		Since:       q.Since,
		Source:      q.Source,
		ByStatus:    map[string]int{},
		BySeverity:  map[string]int{},
		ByErrorType: map[string]int{},
		BySource:    map[string]int{},
	}
	for rows.Next() {
		var status, severity, errType, source string
		var count, attempts int
		if err := rows.Scan(&status, &severity, &errType, &source, &count, &attempts); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan stats: %w", err)
		}
		st.Total += count
		st.HealingAttempts += attempts
		st.ByStatus[status] += count
		st.BySeverity[severity] += count
		st.ByErrorType[errType] += count
		st.BySource[source] += count
		switch types.FailureStatus(status) {
		case types.StatusFixed:
			st.Resolved += count
		case types.StatusFailed:
			st.Failed += count
		case types.StatusImmune:
			st.Immune += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: failed to read stats: %w", err)
	}
	if st.Total > 0 {
		st.AvgHealingAttempts = float64(st.HealingAttempts) / float64(st.Total)
		st.ResolutionRate = float64(st.Resolved+st.Immune) / float64(st.Total)
	}
	return st, nil
}

// SourceHealth is one row of system_health.
type SourceHealth struct {
	Source           string    `json:"source"`
	HealthScore      float64   `json:"health_score"`
	TotalFailures    int       `json:"total_failures"`
	ResolvedFailures int       `json:"resolved_failures"`
	ImmuneResponses  int       `json:"immune_responses"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	LastHealing      time.Time `json:"last_healing,omitempty"`
}

// HealthReport summarizes per-source health.
type HealthReport struct {
	OverallHealth float64        `json:"overall_health"`
	Sources       []SourceHealth `json:"system_reports"`
}

// HealthReport returns health rows for one source, or all when source is empty.
// Overall health is the mean score, or 100 when nothing has failed.
func (s *Store) HealthReport(ctx context.Context, source string) (*HealthReport, error) {
	if s == nil || s.db == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT source, health_score, total_failures, resolved_failures, immune_responses, last_failure, last_healing
		FROM system_health`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY source`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query health: %w", err)
	}
	defer rows.Close()

	report := &HealthReport{OverallHealth: 100, Sources: []SourceHealth{}}
	var sum float64
	for rows.Next() {
		var h SourceHealth
		var lastFailure, lastHealing sql.NullInt64
		if err := rows.Scan(&h.Source, &h.HealthScore, &h.TotalFailures, &h.ResolvedFailures,
			&h.ImmuneResponses, &lastFailure, &lastHealing); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan health: %w", err)
		}
		h.LastFailure = fromNullMillis(lastFailure)
		h.LastHealing = fromNullMillis(lastHealing)
		sum += h.HealthScore
		report.Sources = append(report.Sources, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: failed to read health: %w", err)
	}
	if len(report.Sources) > 0 {
		report.OverallHealth = sum / float64(len(report.Sources))
	}
	return report, nil
}

// Cleanup deletes failure records created before the retention window and
// returns the number of rows purged.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	res, err := s.exec(ctx, s.db, `DELETE FROM failure_records WHERE created_at < ?`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("ledger: failed to clean up failure records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
