package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/database"
	"github.com/opsloop/opsloop/pkg/models"
)

// IncidentService manages the historical incident archive queried during
// context enrichment.
type IncidentService struct {
	db *sql.DB
}

// NewIncidentService creates a new IncidentService.
func NewIncidentService(db *sql.DB) *IncidentService {
	if db == nil {
		panic("NewIncidentService: db must not be nil")
	}
	return &IncidentService{db: db}
}

const incidentColumns = `id, category, description, resolution, market,
	systems_involved, tags, timestamp`

// Create inserts an incident record.
func (s *IncidentService) Create(ctx context.Context, inc *models.Incident) error {
	if inc.Description == "" {
		return NewValidationError("description", "description is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	systems, err := jsonBytes(inc.SystemsInvolved)
	if err != nil {
		return fmt.Errorf("failed to encode systems involved: %w", err)
	}
	tags, err := jsonBytes(inc.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	var embedding any
	if len(inc.Embedding) > 0 {
		embedding = database.VectorLiteral(inc.Embedding)
	}

	_, err = s.db.ExecContext(writeCtx, `
		INSERT INTO incidents (id, category, description, resolution, market,
			systems_involved, tags, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9)`,
		inc.ID, inc.Category, inc.Description, inc.Resolution, inc.Market,
		systems, tags, embedding, inc.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// GetByID retrieves a single incident.
func (s *IncidentService) GetByID(ctx context.Context, id string) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	return scanIncident(row)
}

// SearchSimilar returns the top-k incidents nearest to the query embedding.
func (s *IncidentService) SearchSimilar(ctx context.Context, embedding []float32, k int) ([]*models.Incident, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 3
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector LIMIT $2`,
		database.VectorLiteral(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("failed to search incidents by similarity: %w", err)
	}
	defer rows.Close()

	return collectIncidents(rows)
}

// SearchText returns incidents matching the query by full-text search over
// description and resolution.
func (s *IncidentService) SearchText(ctx context.Context, query string, k int) ([]*models.Incident, error) {
	tsq := orTSQuery(query)
	if tsq == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 3
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentColumns+`
		FROM incidents, to_tsquery('english', $1) AS q
		WHERE to_tsvector('english', description || ' ' || COALESCE(resolution, '')) @@ q
		ORDER BY ts_rank(to_tsvector('english', description || ' ' || COALESCE(resolution, '')), q) DESC,
			timestamp DESC
		LIMIT $2`,
		tsq, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search incidents by text: %w", err)
	}
	defer rows.Close()

	return collectIncidents(rows)
}

// ListRecent returns the latest incidents, optionally narrowed to a category.
func (s *IncidentService) ListRecent(ctx context.Context, category string, limit int) ([]*models.Incident, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	args := []any{}
	if category != "" {
		args = append(args, category)
		query += " WHERE category = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	return collectIncidents(rows)
}

func collectIncidents(rows *sql.Rows) ([]*models.Incident, error) {
	var incidents []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var inc models.Incident
	var systems, tags []byte

	err := row.Scan(&inc.ID, &inc.Category, &inc.Description, &inc.Resolution,
		&inc.Market, &systems, &tags, &inc.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}

	inc.Timestamp = inc.Timestamp.UTC()
	if err := scanJSON(systems, &inc.SystemsInvolved); err != nil {
		return nil, err
	}
	if err := scanJSON(tags, &inc.Tags); err != nil {
		return nil, err
	}
	return &inc, nil
}
