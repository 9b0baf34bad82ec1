package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
)

// DLQService manages dead-lettered events: the durable record of work the
// queue gave up on, kept until an operator replays or resolves it.
type DLQService struct {
	db *sql.DB
}

// NewDLQService creates a new DLQService.
func NewDLQService(db *sql.DB) *DLQService {
	if db == nil {
		panic("NewDLQService: db must not be nil")
	}
	return &DLQService{db: db}
}

const dlqColumns = `id, original_event_id, source, event_type, priority, payload,
	error_history, retry_count, created_at, resolved_at, resolved_by`

// Create inserts a dead-letter entry.
func (s *DLQService) Create(ctx context.Context, entry *models.DeadLetterEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := jsonBytes(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode DLQ payload: %w", err)
	}
	history, err := jsonBytes(entry.ErrorHistory)
	if err != nil {
		return fmt.Errorf("failed to encode DLQ error history: %w", err)
	}

	_, err = s.db.ExecContext(writeCtx, `
		INSERT INTO dead_letter_events (id, original_event_id, source, event_type,
			priority, payload, error_history, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.OriginalEventID, entry.Source, entry.EventType,
		int(entry.Priority), payload, history, entry.RetryCount, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create DLQ entry: %w", err)
	}
	return nil
}

// GetByID retrieves a single dead-letter entry.
func (s *DLQService) GetByID(ctx context.Context, id string) (*models.DeadLetterEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_events WHERE id = $1`, id)
	return scanDLQEntry(row)
}

// List returns dead-letter entries matching the filters, newest first.
func (s *DLQService) List(ctx context.Context, filters models.DLQFilters) ([]*models.DeadLetterEvent, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letter_events`
	var conds []string
	var args []any

	if filters.Source != "" {
		args = append(args, filters.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if filters.Unresolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.DeadLetterEvent
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Resolve marks an entry handled without replay. Resolving twice is an
// ErrInvalidTransition.
func (s *DLQService) Resolve(ctx context.Context, id, resolvedBy string) (*models.DeadLetterEvent, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE dead_letter_events SET resolved_at = now(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL`,
		id, resolvedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve DLQ entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing from already-resolved for the caller.
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}

	return s.GetByID(ctx, id)
}

// CountUnresolved returns how many entries still await operator attention.
func (s *DLQService) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM dead_letter_events WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved DLQ entries: %w", err)
	}
	return n, nil
}

func scanDLQEntry(row rowScanner) (*models.DeadLetterEvent, error) {
	var entry models.DeadLetterEvent
	var priority int
	var payload, history []byte
	var resolvedAt sql.NullTime

	err := row.Scan(&entry.ID, &entry.OriginalEventID, &entry.Source, &entry.EventType,
		&priority, &payload, &history, &entry.RetryCount, &entry.CreatedAt,
		&resolvedAt, &entry.ResolvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan DLQ entry: %w", err)
	}

	entry.Priority = models.Priority(priority)
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.ResolvedAt = timePtr(resolvedAt)
	if err := scanJSON(payload, &entry.Payload); err != nil {
		return nil, err
	}
	if err := scanJSON(history, &entry.ErrorHistory); err != nil {
		return nil, err
	}
	return &entry, nil
}
