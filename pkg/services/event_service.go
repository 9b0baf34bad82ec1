package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opsloop/opsloop/pkg/models"
)

const pgUniqueViolation = "23505"

// EventService persists queue events in the durable store. The KV queue holds
// the live ordering; this table is the system of record for status, retries,
// and idempotency.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService.
func NewEventService(db *sql.DB) *EventService {
	if db == nil {
		panic("NewEventService: db must not be nil")
	}
	return &EventService{db: db}
}

const eventColumns = `id, source, event_type, priority, status, payload,
	idempotency_key, error, retry_count, created_at, processed_at`

// Create inserts a new event. Returns ErrAlreadyExists when another event
// already carries the same non-empty idempotency key.
func (s *EventService) Create(ctx context.Context, evt *models.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := jsonBytes(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	_, err = s.db.ExecContext(writeCtx, `
		INSERT INTO events (id, source, event_type, priority, status, payload,
			idempotency_key, error, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		evt.ID, evt.Source, evt.EventType, int(evt.Priority), evt.Status, payload,
		evt.IdempotencyKey, evt.Error, evt.RetryCount, evt.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

// GetByID retrieves a single event.
func (s *EventService) GetByID(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

// List returns events matching the filters, newest first.
func (s *EventService) List(ctx context.Context, filters models.EventFilters) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var conds []string
	var args []any

	if filters.Source != "" {
		args = append(args, filters.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if filters.EventType != "" {
		args = append(args, filters.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filters.Since.IsZero() {
		args = append(args, filters.Since)
		conds = append(conds, fmt.Sprintf("created_at > $%d", len(args)))
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
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// MarkProcessing transitions the event to processing when a worker claims it.
func (s *EventService) MarkProcessing(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, `UPDATE events SET status = $2 WHERE id = $1`, models.EventStatusProcessing)
}

// MarkPending returns a claimed event to pending without touching the retry
// budget. A crash is not a processing failure.
func (s *EventService) MarkPending(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, `UPDATE events SET status = $2 WHERE id = $1`, models.EventStatusPending)
}

// MarkCompleted records successful processing.
func (s *EventService) MarkCompleted(ctx context.Context, id string) error {
	return s.setStatus(ctx, id,
		`UPDATE events SET status = $2, error = '', processed_at = now() WHERE id = $1`,
		models.EventStatusCompleted)
}

// MarkDeadLetter records that the event exhausted its retries.
func (s *EventService) MarkDeadLetter(ctx context.Context, id, errMsg string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE events SET status = $2, error = $3, processed_at = now() WHERE id = $1`,
		id, models.EventStatusDeadLetter, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark event dead-lettered: %w", err)
	}
	return requireRowAffected(res)
}

// MarkFailed records a terminal failure that never produced a DLQ entry,
// such as a queue payload expiring before any worker claimed it.
func (s *EventService) MarkFailed(ctx context.Context, id, errMsg string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE events SET status = $2, error = $3, processed_at = now() WHERE id = $1`,
		id, models.EventStatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return requireRowAffected(res)
}

// RequeueForRetry returns the event to pending with the recorded failure and
// the incremented retry count.
func (s *EventService) RequeueForRetry(ctx context.Context, id, errMsg string, retryCount int) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE events SET status = $2, error = $3, retry_count = $4 WHERE id = $1`,
		id, models.EventStatusPending, errMsg, retryCount)
	if err != nil {
		return fmt.Errorf("failed to requeue event: %w", err)
	}
	return requireRowAffected(res)
}

// ResetForReplay zeroes the retry state for a DLQ replay.
func (s *EventService) ResetForReplay(ctx context.Context, id string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE events SET status = $2, error = '', retry_count = 0, processed_at = NULL WHERE id = $1`,
		id, models.EventStatusPending)
	if err != nil {
		return fmt.Errorf("failed to reset event for replay: %w", err)
	}
	return requireRowAffected(res)
}

// CountByStatus returns event counts grouped by lifecycle status.
func (s *EventService) CountByStatus(ctx context.Context) (map[models.EventStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EventStatus]int)
	for rows.Next() {
		var status models.EventStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountRecent returns how many events of the given source and type arrived
// since the cutoff. Used by anomaly detection against hourly baselines.
func (s *EventService) CountRecent(ctx context.Context, source models.Source, eventType string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM events WHERE source = $1 AND event_type = $2 AND created_at >= $3`,
		source, eventType, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent events: %w", err)
	}
	return n, nil
}

// EventVolume is one (source, event_type) observation over a window.
type EventVolume struct {
	Source    models.Source `json:"source"`
	EventType string        `json:"event_type"`
	Count     int           `json:"count"`
}

// VolumeSince returns per (source, event_type) event counts since the cutoff,
// busiest first. Drives the volume anomaly check.
func (s *EventService) VolumeSince(ctx context.Context, since time.Time) ([]EventVolume, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, event_type, count(*)
		FROM events WHERE created_at >= $1
		GROUP BY source, event_type
		ORDER BY count(*) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute event volumes: %w", err)
	}
	defer rows.Close()

	var volumes []EventVolume
	for rows.Next() {
		var v EventVolume
		if err := rows.Scan(&v.Source, &v.EventType, &v.Count); err != nil {
			return nil, fmt.Errorf("failed to scan event volume: %w", err)
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// NegativeFeedbackSince counts survey events carrying negative sentiment or
// a rating at or below maxRating since the cutoff. Ratings ride the payload
// as JSON strings or numbers; non-numeric values only match on sentiment.
func (s *EventService) NegativeFeedbackSince(ctx context.Context, since time.Time, maxRating float64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM events
		WHERE source = 'survey' AND created_at >= $1
		AND (payload->>'sentiment' = 'negative'
			OR (payload->>'rating' ~ '^-?[0-9]+(\.[0-9]+)?$'
				AND (payload->>'rating')::numeric <= $2))`,
		since, maxRating).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count negative feedback: %w", err)
	}
	return n, nil
}

// SourceErrorRate reports failure share per source over a window.
type SourceErrorRate struct {
	Source models.Source `json:"source"`
	Failed int           `json:"failed"`
	Total  int           `json:"total"`
}

// Rate returns the failure fraction, 0 for an empty window.
func (r SourceErrorRate) Rate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Total)
}

// ErrorRates returns per-source failure counts since the cutoff.
func (s *EventService) ErrorRates(ctx context.Context, since time.Time) ([]SourceErrorRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source,
			count(*) FILTER (WHERE status IN ('failed', 'dead_letter')) AS failed,
			count(*) AS total
		FROM events WHERE created_at >= $1
		GROUP BY source`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute error rates: %w", err)
	}
	defer rows.Close()

	var rates []SourceErrorRate
	for rows.Next() {
		var r SourceErrorRate
		if err := rows.Scan(&r.Source, &r.Failed, &r.Total); err != nil {
			return nil, fmt.Errorf("failed to scan error rate: %w", err)
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// ListRelated returns recent events with the same source and event type,
// used to build related-event context during enrichment. Callers exclude
// the event under processing themselves.
func (s *EventService) ListRelated(ctx context.Context, source models.Source, eventType string, since time.Time, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.List(ctx, models.EventFilters{
		Source:    string(source),
		EventType: eventType,
		Since:     since,
		Limit:     limit,
	})
}

// DeleteFinishedBefore removes terminal events older than the cutoff.
// Pending and processing events are never deleted.
func (s *EventService) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`DELETE FROM events WHERE created_at < $1 AND status IN ('completed', 'failed', 'dead_letter')`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *EventService) setStatus(ctx context.Context, id, query string, status models.EventStatus) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	return requireRowAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var evt models.Event
	var priority int
	var payload []byte
	var processedAt sql.NullTime

	err := row.Scan(&evt.ID, &evt.Source, &evt.EventType, &priority, &evt.Status,
		&payload, &evt.IdempotencyKey, &evt.Error, &evt.RetryCount, &evt.CreatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	evt.Priority = models.Priority(priority)
	evt.CreatedAt = evt.CreatedAt.UTC()
	evt.ProcessedAt = timePtr(processedAt)
	if err := scanJSON(payload, &evt.Payload); err != nil {
		return nil, err
	}
	return &evt, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
