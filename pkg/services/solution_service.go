package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
)

// SolutionService stores operator-approved reusable code: sandbox scripts and
// triggered automations.
type SolutionService struct {
	db *sql.DB
}

// NewSolutionService creates a new SolutionService.
func NewSolutionService(db *sql.DB) *SolutionService {
	if db == nil {
		panic("NewSolutionService: db must not be nil")
	}
	return &SolutionService{db: db}
}

const solutionColumns = `id, name, description, solution_type, code, config,
	status, active, approved_at, approved_by, created_at`

// Create inserts a solution. Names are unique across all solutions.
func (s *SolutionService) Create(ctx context.Context, sol *models.Solution) error {
	if sol.Name == "" {
		return NewValidationError("name", "name is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	config, err := jsonBytes(sol.Config)
	if err != nil {
		return fmt.Errorf("failed to encode solution config: %w", err)
	}

	_, err = s.db.ExecContext(writeCtx, `
		INSERT INTO solutions (id, name, description, solution_type, code, config,
			status, active, approved_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sol.ID, sol.Name, sol.Description, sol.SolutionType, sol.Code, config,
		sol.Status, sol.Active, sol.ApprovedBy, sol.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create solution: %w", err)
	}
	return nil
}

// GetByName retrieves a solution by its unique name.
func (s *SolutionService) GetByName(ctx context.Context, name string) (*models.Solution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+solutionColumns+` FROM solutions WHERE name = $1`, name)
	return scanSolution(row)
}

// List returns solutions, optionally only active ones, newest first.
func (s *SolutionService) List(ctx context.Context, activeOnly bool, limit int) ([]*models.Solution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + solutionColumns + ` FROM solutions`
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY created_at DESC LIMIT $1"

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list solutions: %w", err)
	}
	defer rows.Close()

	var solutions []*models.Solution
	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		solutions = append(solutions, sol)
	}
	return solutions, rows.Err()
}

// Activate marks a solution approved and active.
func (s *SolutionService) Activate(ctx context.Context, id, approvedBy string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE solutions SET active = TRUE, status = 'approved', approved_at = now(), approved_by = $2
		WHERE id = $1`,
		id, approvedBy)
	if err != nil {
		return fmt.Errorf("failed to activate solution: %w", err)
	}
	return requireRowAffected(res)
}

// Deactivate retires a solution without deleting it.
func (s *SolutionService) Deactivate(ctx context.Context, id string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE solutions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate solution: %w", err)
	}
	return requireRowAffected(res)
}

func scanSolution(row rowScanner) (*models.Solution, error) {
	var sol models.Solution
	var config []byte
	var approvedAt sql.NullTime

	err := row.Scan(&sol.ID, &sol.Name, &sol.Description, &sol.SolutionType,
		&sol.Code, &config, &sol.Status, &sol.Active, &approvedAt, &sol.ApprovedBy,
		&sol.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan solution: %w", err)
	}

	sol.CreatedAt = sol.CreatedAt.UTC()
	sol.ApprovedAt = timePtr(approvedAt)
	if err := scanJSON(config, &sol.Config); err != nil {
		return nil, err
	}
	return &sol, nil
}
