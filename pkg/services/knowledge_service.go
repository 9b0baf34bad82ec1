package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/database"
	"github.com/opsloop/opsloop/pkg/models"
)

// KnowledgeService manages the curated knowledge base: operator-confirmed
// facts retrieved during context enrichment, revised through supersession
// rather than in-place edits.
type KnowledgeService struct {
	db *sql.DB
}

// NewKnowledgeService creates a new KnowledgeService.
func NewKnowledgeService(db *sql.DB) *KnowledgeService {
	if db == nil {
		panic("NewKnowledgeService: db must not be nil")
	}
	return &KnowledgeService{db: db}
}

const knowledgeColumns = `id, category, content, source, active, confidence,
	supersedes_id, created_at`

// Create inserts a knowledge entry, storing its embedding when present.
func (s *KnowledgeService) Create(ctx context.Context, entry *models.KnowledgeEntry) error {
	if entry.Content == "" {
		return NewValidationError("content", "content is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var embedding any
	if len(entry.Embedding) > 0 {
		embedding = database.VectorLiteral(entry.Embedding)
	}

	_, err := s.db.ExecContext(writeCtx, `
		INSERT INTO knowledge (id, category, content, source, active, confidence,
			embedding, supersedes_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8, $9)`,
		entry.ID, entry.Category, entry.Content, entry.Source, entry.Active,
		entry.Confidence, embedding, nullStr(entry.SupersedesID), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create knowledge entry: %w", err)
	}
	return nil
}

// GetByID retrieves a single knowledge entry.
func (s *KnowledgeService) GetByID(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge WHERE id = $1`, id)
	return scanKnowledge(row)
}

// List returns knowledge entries matching the filters, newest first.
func (s *KnowledgeService) List(ctx context.Context, filters models.KnowledgeFilters) ([]*models.KnowledgeEntry, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM knowledge`
	var conds []string
	var args []any

	if filters.Category != "" {
		args = append(args, filters.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if filters.ActiveOnly {
		conds = append(conds, "active")
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
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.KnowledgeEntry
	for rows.Next() {
		entry, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Deactivate retires an entry without deleting it.
func (s *KnowledgeService) Deactivate(ctx context.Context, id string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE knowledge SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate knowledge entry: %w", err)
	}
	return requireRowAffected(res)
}

// Supersede atomically deactivates the old entry and inserts its replacement
// with supersedes_id linking back, preserving the revision chain.
func (s *KnowledgeService) Supersede(ctx context.Context, oldID string, replacement *models.KnowledgeEntry) error {
	if replacement.Content == "" {
		return NewValidationError("content", "content is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(writeCtx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	res, err := tx.ExecContext(writeCtx,
		`UPDATE knowledge SET active = FALSE WHERE id = $1 AND active`, oldID)
	if err != nil {
		return fmt.Errorf("failed to deactivate superseded entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	replacement.SupersedesID = oldID
	var embedding any
	if len(replacement.Embedding) > 0 {
		embedding = database.VectorLiteral(replacement.Embedding)
	}
	_, err = tx.ExecContext(writeCtx, `
		INSERT INTO knowledge (id, category, content, source, active, confidence,
			embedding, supersedes_id, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6::vector, $7, $8)`,
		replacement.ID, replacement.Category, replacement.Content, replacement.Source,
		replacement.Confidence, embedding, oldID, replacement.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert replacement entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SearchSimilar returns the top-k active entries nearest to the query
// embedding by cosine distance.
func (s *KnowledgeService) SearchSimilar(ctx context.Context, embedding []float32, k int) ([]*models.KnowledgeEntry, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge
		WHERE active AND embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector LIMIT $2`,
		database.VectorLiteral(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge by similarity: %w", err)
	}
	defer rows.Close()

	var entries []*models.KnowledgeEntry
	for rows.Next() {
		entry, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SearchText returns active entries matching the query by full-text search.
// Fallback used when no query embedding is available.
func (s *KnowledgeService) SearchText(ctx context.Context, query string, k int) ([]*models.KnowledgeEntry, error) {
	tsq := orTSQuery(query)
	if tsq == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knowledgeColumns+`
		FROM knowledge, to_tsquery('english', $1) AS q
		WHERE active AND to_tsvector('english', content) @@ q
		ORDER BY ts_rank(to_tsvector('english', content), q) DESC, created_at DESC
		LIMIT $2`,
		tsq, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge by text: %w", err)
	}
	defer rows.Close()

	var entries []*models.KnowledgeEntry
	for rows.Next() {
		entry, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanKnowledge(row rowScanner) (*models.KnowledgeEntry, error) {
	var entry models.KnowledgeEntry
	var supersedes sql.NullString

	err := row.Scan(&entry.ID, &entry.Category, &entry.Content, &entry.Source,
		&entry.Active, &entry.Confidence, &supersedes, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
	}

	entry.SupersedesID = supersedes.String
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}
