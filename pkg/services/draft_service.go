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

// DraftService manages reply drafts through the approval workflow and records
// operator edit feedback.
type DraftService struct {
	db *sql.DB
}

// NewDraftService creates a new DraftService.
func NewDraftService(db *sql.DB) *DraftService {
	if db == nil {
		panic("NewDraftService: db must not be nil")
	}
	return &DraftService{db: db}
}

const draftColumns = `id, source_message_id, thread_id, from_address, to_address,
	subject, original_body, draft_body, edited_body, status, classification,
	context_used, created_at, approved_at, sent_at`

// Create inserts a pending draft.
func (s *DraftService) Create(ctx context.Context, draft *models.Draft) error {
	if draft.DraftBody == "" {
		return NewValidationError("draft_body", "draft body is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(writeCtx, `
		INSERT INTO email_drafts (id, source_message_id, thread_id, from_address,
			to_address, subject, original_body, draft_body, status, classification,
			context_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		draft.ID, draft.SourceMessageID, draft.ThreadID, draft.FromAddress,
		draft.ToAddress, draft.Subject, draft.OriginalBody, draft.DraftBody,
		draft.Status, draft.Classification, draft.ContextUsed, draft.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create draft: %w", err)
	}
	return nil
}

// GetByID retrieves a single draft.
func (s *DraftService) GetByID(ctx context.Context, id string) (*models.Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM email_drafts WHERE id = $1`, id)
	return scanDraft(row)
}

// List returns drafts matching the filters, newest first.
func (s *DraftService) List(ctx context.Context, filters models.DraftFilters) ([]*models.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM email_drafts`
	var conds []string
	var args []any

	if filters.Status != "" {
		args = append(args, filters.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
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
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*models.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	return drafts, rows.Err()
}

// Approve transitions a pending draft to approved. A non-empty editedBody is
// stored alongside the original draft body so edit feedback can be computed.
func (s *DraftService) Approve(ctx context.Context, id, editedBody string) (*models.Draft, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE email_drafts SET status = $2, edited_body = $3, approved_at = now()
		WHERE id = $1 AND status = $4`,
		id, models.DraftStatusApproved, editedBody, models.DraftStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to approve draft: %w", err)
	}
	if err := requireTransition(ctx, res, func() error { _, e := s.GetByID(ctx, id); return e }); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// Reject transitions a pending draft to rejected.
func (s *DraftService) Reject(ctx context.Context, id string) (*models.Draft, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE email_drafts SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.DraftStatusRejected, models.DraftStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to reject draft: %w", err)
	}
	if err := requireTransition(ctx, res, func() error { _, e := s.GetByID(ctx, id); return e }); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// MarkSent transitions an approved draft to sent once delivery succeeded.
func (s *DraftService) MarkSent(ctx context.Context, id string) (*models.Draft, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE email_drafts SET status = $2, sent_at = now() WHERE id = $1 AND status = $3`,
		id, models.DraftStatusSent, models.DraftStatusApproved)
	if err != nil {
		return nil, fmt.Errorf("failed to mark draft sent: %w", err)
	}
	if err := requireTransition(ctx, res, func() error { _, e := s.GetByID(ctx, id); return e }); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// RecordFeedback stores the edit-divergence metrics for an approved draft.
func (s *DraftService) RecordFeedback(ctx context.Context, fb *models.DraftFeedback) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(writeCtx, `
		INSERT INTO draft_feedback (draft_id, sender_domain, category, edit_distance,
			edit_ratio, original_length, edited_length, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		fb.DraftID, fb.SenderDomain, fb.Category, fb.EditDistance,
		fb.EditRatio, fb.OriginalLength, fb.EditedLength, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record draft feedback: %w", err)
	}
	return nil
}

// ListFeedback returns recent feedback rows, optionally narrowed to a sender
// domain. Used by feedback analysis to spot consistently re-edited categories.
func (s *DraftService) ListFeedback(ctx context.Context, senderDomain string, limit int) ([]*models.DraftFeedback, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT draft_id, sender_domain, category, edit_distance, edit_ratio,
		original_length, edited_length, created_at FROM draft_feedback`
	args := []any{}
	if senderDomain != "" {
		args = append(args, senderDomain)
		query += " WHERE sender_domain = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list draft feedback: %w", err)
	}
	defer rows.Close()

	var out []*models.DraftFeedback
	for rows.Next() {
		var fb models.DraftFeedback
		if err := rows.Scan(&fb.DraftID, &fb.SenderDomain, &fb.Category, &fb.EditDistance,
			&fb.EditRatio, &fb.OriginalLength, &fb.EditedLength, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan draft feedback: %w", err)
		}
		fb.CreatedAt = fb.CreatedAt.UTC()
		out = append(out, &fb)
	}
	return out, rows.Err()
}

// CountPending returns the approval backlog size.
func (s *DraftService) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM email_drafts WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending drafts: %w", err)
	}
	return n, nil
}

// ApprovalStats summarizes operator decisions over a window.
type ApprovalStats struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Edited   int `json:"edited"`
	Pending  int `json:"pending"`
}

// ApprovalRate returns approved/(approved+rejected), 0 when no decisions exist.
func (a ApprovalStats) ApprovalRate() float64 {
	decided := a.Approved + a.Rejected
	if decided == 0 {
		return 0
	}
	return float64(a.Approved) / float64(decided)
}

// Stats returns decision counts for drafts created since the cutoff.
func (s *DraftService) Stats(ctx context.Context, since time.Time) (*ApprovalStats, error) {
	var stats ApprovalStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status IN ('approved', 'sent')),
			count(*) FILTER (WHERE status = 'rejected'),
			count(*) FILTER (WHERE status IN ('approved', 'sent') AND edited_body <> ''),
			count(*) FILTER (WHERE status = 'pending')
		FROM email_drafts WHERE created_at >= $1`, since).
		Scan(&stats.Approved, &stats.Rejected, &stats.Edited, &stats.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to compute approval stats: %w", err)
	}
	return &stats, nil
}

func scanDraft(row rowScanner) (*models.Draft, error) {
	var draft models.Draft
	var approvedAt, sentAt sql.NullTime

	err := row.Scan(&draft.ID, &draft.SourceMessageID, &draft.ThreadID,
		&draft.FromAddress, &draft.ToAddress, &draft.Subject, &draft.OriginalBody,
		&draft.DraftBody, &draft.EditedBody, &draft.Status, &draft.Classification,
		&draft.ContextUsed, &draft.CreatedAt, &approvedAt, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan draft: %w", err)
	}

	draft.CreatedAt = draft.CreatedAt.UTC()
	draft.ApprovedAt = timePtr(approvedAt)
	draft.SentAt = timePtr(sentAt)
	return &draft, nil
}

// requireTransition maps a zero-row UPDATE to ErrNotFound or
// ErrInvalidTransition depending on whether the entity exists.
func requireTransition(_ context.Context, res sql.Result, exists func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := exists(); err != nil {
		return err
	}
	return ErrInvalidTransition
}
