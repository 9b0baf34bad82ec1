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

// ProposalService manages generalized approval items. Review verdicts are
// recorded here; the typed side effects of approval are dispatched by the
// approvals package.
type ProposalService struct {
	db *sql.DB
}

// NewProposalService creates a new ProposalService.
func NewProposalService(db *sql.DB) *ProposalService {
	if db == nil {
		panic("NewProposalService: db must not be nil")
	}
	return &ProposalService{db: db}
}

const proposalColumns = `id, type, title, description, evidence, code, config,
	confidence, status, created_at, reviewed_at, reviewed_by, review_notes,
	expires_at, related_event_ids`

// Create inserts a pending proposal. Unknown types are rejected.
func (s *ProposalService) Create(ctx context.Context, p *models.Proposal) error {
	if !models.ValidProposalType(p.Type) {
		return NewValidationError("type", fmt.Sprintf("unknown proposal type '%s'", p.Type))
	}
	if p.Title == "" {
		return NewValidationError("title", "title is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	config, err := jsonBytes(p.Config)
	if err != nil {
		return fmt.Errorf("failed to encode proposal config: %w", err)
	}
	relatedIDs, err := jsonBytes(p.RelatedEventIDs)
	if err != nil {
		return fmt.Errorf("failed to encode related event IDs: %w", err)
	}

	_, err = s.db.ExecContext(writeCtx, `
		INSERT INTO proposals (id, type, title, description, evidence, code, config,
			confidence, status, created_at, expires_at, related_event_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.Type, p.Title, p.Description, p.Evidence, p.Code, config,
		p.Confidence, p.Status, p.CreatedAt, nullTime(p.ExpiresAt), relatedIDs)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

// GetByID retrieves a single proposal.
func (s *ProposalService) GetByID(ctx context.Context, id string) (*models.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	return scanProposal(row)
}

// List returns proposals matching the filters, newest first.
func (s *ProposalService) List(ctx context.Context, filters models.ProposalFilters) ([]*models.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	var conds []string
	var args []any

	if filters.Status != "" {
		args = append(args, filters.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
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
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

// SetReviewed records the operator verdict on a pending proposal.
func (s *ProposalService) SetReviewed(ctx context.Context, id string, status models.ProposalStatus, reviewedBy, notes string) (*models.Proposal, error) {
	if status != models.ProposalStatusApproved && status != models.ProposalStatusRejected {
		return nil, NewValidationError("status", "review verdict must be approved or rejected")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE proposals SET status = $2, reviewed_at = now(), reviewed_by = $3, review_notes = $4
		WHERE id = $1 AND status = $5`,
		id, status, reviewedBy, notes, models.ProposalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to review proposal: %w", err)
	}
	if err := requireTransition(ctx, res, func() error { _, e := s.GetByID(ctx, id); return e }); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// ExpirePending expires pending proposals whose expiry has passed.
func (s *ProposalService) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE proposals SET status = $1 WHERE status = $2 AND expires_at IS NOT NULL AND expires_at < $3`,
		models.ProposalStatusExpired, models.ProposalStatusPending, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire proposals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpireStalePending expires pending proposals that carry no explicit
// deadline and have sat unreviewed since before the cutoff.
func (s *ProposalService) ExpireStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE proposals SET status = $1 WHERE status = $2 AND expires_at IS NULL AND created_at < $3`,
		models.ProposalStatusExpired, models.ProposalStatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale proposals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountPending returns the pending-review backlog size.
func (s *ProposalService) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM proposals WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending proposals: %w", err)
	}
	return n, nil
}

// HasSimilarPending reports whether a pending proposal with the same type and
// title already exists. Keeps recurring analyses from stacking duplicates.
func (s *ProposalService) HasSimilarPending(ctx context.Context, pType models.ProposalType, title string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM proposals WHERE status = 'pending' AND type = $1 AND title = $2`,
		pType, title).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check for similar proposals: %w", err)
	}
	return n > 0, nil
}

func scanProposal(row rowScanner) (*models.Proposal, error) {
	var p models.Proposal
	var config, relatedIDs []byte
	var reviewedAt, expiresAt sql.NullTime

	err := row.Scan(&p.ID, &p.Type, &p.Title, &p.Description, &p.Evidence, &p.Code,
		&config, &p.Confidence, &p.Status, &p.CreatedAt, &reviewedAt, &p.ReviewedBy,
		&p.ReviewNotes, &expiresAt, &relatedIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proposal: %w", err)
	}

	p.CreatedAt = p.CreatedAt.UTC()
	p.ReviewedAt = timePtr(reviewedAt)
	p.ExpiresAt = timePtr(expiresAt)
	if err := scanJSON(config, &p.Config); err != nil {
		return nil, err
	}
	if err := scanJSON(relatedIDs, &p.RelatedEventIDs); err != nil {
		return nil, err
	}
	return &p, nil
}
