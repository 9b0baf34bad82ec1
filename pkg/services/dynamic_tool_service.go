package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
)

// DynamicToolService persists runtime-registered tools. Validation happens in
// the tool registry before anything reaches this layer; active tools are
// reloaded into the registry on startup.
type DynamicToolService struct {
	db *sql.DB
}

// NewDynamicToolService creates a new DynamicToolService.
func NewDynamicToolService(db *sql.DB) *DynamicToolService {
	if db == nil {
		panic("NewDynamicToolService: db must not be nil")
	}
	return &DynamicToolService{db: db}
}

// Create inserts a dynamic tool. Names are unique.
func (s *DynamicToolService) Create(ctx context.Context, tool *models.DynamicTool) error {
	if tool.Name == "" {
		return NewValidationError("name", "name is required")
	}
	if tool.Code == "" {
		return NewValidationError("code", "code is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	schema, err := jsonBytes(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to encode tool input schema: %w", err)
	}

	_, err = s.db.ExecContext(writeCtx, `
		INSERT INTO dynamic_tools (name, description, input_schema, code, active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tool.Name, tool.Description, schema, tool.Code, tool.Active, tool.CreatedBy, tool.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create dynamic tool: %w", err)
	}
	return nil
}

// GetByName retrieves a dynamic tool.
func (s *DynamicToolService) GetByName(ctx context.Context, name string) (*models.DynamicTool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, description, input_schema, code, active, created_by, created_at
		FROM dynamic_tools WHERE name = $1`, name)
	return scanDynamicTool(row)
}

// ListActive returns all active dynamic tools, oldest first so registry
// reload order is stable.
func (s *DynamicToolService) ListActive(ctx context.Context) ([]*models.DynamicTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, input_schema, code, active, created_by, created_at
		FROM dynamic_tools WHERE active ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dynamic tools: %w", err)
	}
	defer rows.Close()

	var tools []*models.DynamicTool
	for rows.Next() {
		tool, err := scanDynamicTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// Deactivate disables a tool; the registry drops it on next reload.
func (s *DynamicToolService) Deactivate(ctx context.Context, name string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE dynamic_tools SET active = FALSE WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to deactivate dynamic tool: %w", err)
	}
	return requireRowAffected(res)
}

func scanDynamicTool(row rowScanner) (*models.DynamicTool, error) {
	var tool models.DynamicTool
	var schema []byte

	err := row.Scan(&tool.Name, &tool.Description, &schema, &tool.Code,
		&tool.Active, &tool.CreatedBy, &tool.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dynamic tool: %w", err)
	}

	tool.CreatedAt = tool.CreatedAt.UTC()
	if err := scanJSON(schema, &tool.InputSchema); err != nil {
		return nil, err
	}
	return &tool, nil
}
