package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
)

// ActionService is the append-only audit trail. Every externally visible act
// and every model call lands here with its token and latency cost.
type ActionService struct {
	db *sql.DB
}

// NewActionService creates a new ActionService.
func NewActionService(db *sql.DB) *ActionService {
	if db == nil {
		panic("NewActionService: db must not be nil")
	}
	return &ActionService{db: db}
}

// Record appends an audit entry and fills in its assigned ID.
func (s *ActionService) Record(ctx context.Context, entry *models.ActionLogEntry) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	details, err := jsonBytes(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode action details: %w", err)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	err = s.db.QueryRowContext(writeCtx, `
		INSERT INTO actions_log (timestamp, system, action_type, outcome, model_used,
			input_tokens, output_tokens, latency_ms, details, event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		entry.Timestamp, entry.System, entry.ActionType, entry.Outcome, entry.ModelUsed,
		entry.InputTokens, entry.OutputTokens, entry.LatencyMs, details,
		nullStr(entry.EventID)).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

// List returns audit entries matching the filters, newest first.
func (s *ActionService) List(ctx context.Context, filters models.ActionFilters) ([]*models.ActionLogEntry, error) {
	query := `SELECT id, timestamp, system, action_type, outcome, model_used,
		input_tokens, output_tokens, latency_ms, details, event_id FROM actions_log`
	var conds []string
	var args []any

	if filters.System != "" {
		args = append(args, filters.System)
		conds = append(conds, fmt.Sprintf("system = $%d", len(args)))
	}
	if filters.ActionType != "" {
		args = append(args, filters.ActionType)
		conds = append(conds, fmt.Sprintf("action_type = $%d", len(args)))
	}
	if filters.Outcome != "" {
		args = append(args, filters.Outcome)
		conds = append(conds, fmt.Sprintf("outcome = $%d", len(args)))
	}
	if filters.Sender != "" {
		// Substring match: "alice@corp.com" also finds rows recorded with
		// a display name ("Alice <alice@corp.com>").
		args = append(args, "%"+filters.Sender+"%")
		conds = append(conds, fmt.Sprintf("details->>'sender' ILIKE $%d", len(args)))
	}
	if filters.Since != nil {
		args = append(args, *filters.Since)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var entries []*models.ActionLogEntry
	for rows.Next() {
		var entry models.ActionLogEntry
		var details []byte
		var eventID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.System, &entry.ActionType,
			&entry.Outcome, &entry.ModelUsed, &entry.InputTokens, &entry.OutputTokens,
			&entry.LatencyMs, &details, &eventID); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entry.EventID = eventID.String
		if err := scanJSON(details, &entry.Details); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// SenderHistory returns recent audit entries involving one sender, used to
// build sender-history context during enrichment.
func (s *ActionService) SenderHistory(ctx context.Context, sender string, limit int) ([]*models.ActionLogEntry, error) {
	if sender == "" {
		return nil, nil
	}
	return s.List(ctx, models.ActionFilters{Sender: sender, Limit: limit})
}

// DailyCost aggregates token spend for one calendar day.
type DailyCost struct {
	Day          string `json:"day"`
	Actions      int    `json:"actions"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// DailyCosts returns per-day token totals since the cutoff, oldest first.
func (s *ActionService) DailyCosts(ctx context.Context, since time.Time) ([]DailyCost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			count(*), COALESCE(sum(input_tokens), 0), COALESCE(sum(output_tokens), 0)
		FROM actions_log
		WHERE timestamp >= $1
		GROUP BY day ORDER BY day`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute daily costs: %w", err)
	}
	defer rows.Close()

	var costs []DailyCost
	for rows.Next() {
		var c DailyCost
		if err := rows.Scan(&c.Day, &c.Actions, &c.InputTokens, &c.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan daily cost: %w", err)
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

// SystemLatency summarizes processing latency per system.
type SystemLatency struct {
	System       string  `json:"system"`
	Actions      int     `json:"actions"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// LatencyStats returns per-system latency aggregates since the cutoff.
func (s *ActionService) LatencyStats(ctx context.Context, since time.Time) ([]SystemLatency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT system, count(*),
			COALESCE(avg(latency_ms), 0),
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms), 0)
		FROM actions_log
		WHERE timestamp >= $1 AND latency_ms > 0
		GROUP BY system ORDER BY system`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute latency stats: %w", err)
	}
	defer rows.Close()

	var stats []SystemLatency
	for rows.Next() {
		var st SystemLatency
		if err := rows.Scan(&st.System, &st.Actions, &st.AvgLatencyMs, &st.P95LatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan latency stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// DeleteOlderThan removes audit entries past the retention window.
func (s *ActionService) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`DELETE FROM actions_log WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
