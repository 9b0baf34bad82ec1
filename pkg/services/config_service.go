package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ConfigService stores operator-adjustable settings as JSON values keyed by
// name. Threshold-adjustment approvals land here; static configuration stays
// in the environment and overlay file.
type ConfigService struct {
	db *sql.DB
}

// NewConfigService creates a new ConfigService.
func NewConfigService(db *sql.DB) *ConfigService {
	if db == nil {
		panic("NewConfigService: db must not be nil")
	}
	return &ConfigService{db: db}
}

// Get returns the raw JSON value for a key.
func (s *ConfigService) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config value: %w", err)
	}
	return value, nil
}

// GetFloat returns a numeric config value, or the fallback when the key is
// absent or not a number.
func (s *ConfigService) GetFloat(ctx context.Context, key string, fallback float64) (float64, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return fallback, nil
	}
	return v, nil
}

// Set upserts a config value.
func (s *ConfigService) Set(ctx context.Context, key string, value any, description string) error {
	if key == "" {
		return NewValidationError("key", "key is required")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("failed to encode config value: %w", err)
	}

	_, err = s.db.ExecContext(writeCtx, `
		INSERT INTO config (key, value, updated_at, description)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at,
			description = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE config.description END`,
		key, data, description)
	if err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	return nil
}

// All returns every stored config value.
func (s *ConfigService) All(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("failed to list config values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config value: %w", err)
		}
		values[key] = value
	}
	return values, rows.Err()
}
