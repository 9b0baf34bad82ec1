package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
)

// BaselineService maintains per-hour event-volume baselines used by anomaly
// detection. Baselines exist only for (source, type, weekday, hour) cells
// that saw traffic inside the recompute window.
type BaselineService struct {
	db *sql.DB
}

// NewBaselineService creates a new BaselineService.
func NewBaselineService(db *sql.DB) *BaselineService {
	if db == nil {
		panic("NewBaselineService: db must not be nil")
	}
	return &BaselineService{db: db}
}

// Recompute rebuilds baseline statistics from the events table over the given
// window. Each cell's mean and stddev are taken over the hourly buckets that
// had at least one event.
func (s *BaselineService) Recompute(ctx context.Context, windowDays int) error {
	if windowDays <= 0 {
		return NewValidationError("window_days", "recompute window must be positive")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)

	_, err := s.db.ExecContext(writeCtx, `
		WITH hourly AS (
			SELECT source, event_type,
				EXTRACT(DOW FROM created_at AT TIME ZONE 'UTC')::smallint AS dow,
				EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC')::smallint AS hod,
				date_trunc('hour', created_at AT TIME ZONE 'UTC') AS bucket,
				count(*) AS n
			FROM events
			WHERE created_at >= $1
			GROUP BY source, event_type, dow, hod, bucket
		)
		INSERT INTO baselines (source, event_type, day_of_week, hour_of_day,
			mean_count, stddev_count, updated_at)
		SELECT source, event_type, dow, hod,
			avg(n), COALESCE(stddev_samp(n), 0), now()
		FROM hourly
		GROUP BY source, event_type, dow, hod
		ON CONFLICT (source, event_type, day_of_week, hour_of_day)
		DO UPDATE SET mean_count = EXCLUDED.mean_count,
			stddev_count = EXCLUDED.stddev_count,
			updated_at = EXCLUDED.updated_at`,
		cutoff)
	if err != nil {
		return fmt.Errorf("failed to recompute baselines: %w", err)
	}
	return nil
}

// Get retrieves the baseline for one cell.
func (s *BaselineService) Get(ctx context.Context, source models.Source, eventType string, dayOfWeek, hourOfDay int) (*models.Baseline, error) {
	var b models.Baseline
	err := s.db.QueryRowContext(ctx, `
		SELECT source, event_type, day_of_week, hour_of_day, mean_count, stddev_count, updated_at
		FROM baselines
		WHERE source = $1 AND event_type = $2 AND day_of_week = $3 AND hour_of_day = $4`,
		source, eventType, dayOfWeek, hourOfDay).
		Scan(&b.Source, &b.EventType, &b.DayOfWeek, &b.HourOfDay,
			&b.MeanCount, &b.StddevCount, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// Upsert writes one baseline cell directly. Used by threshold-adjustment
// approvals; the weekly recompute will keep overwriting it unless the cell
// stays hotter than history.
func (s *BaselineService) Upsert(ctx context.Context, b *models.Baseline) error {
	if b.Source == "" || b.EventType == "" {
		return NewValidationError("baseline", "source and event_type are required")
	}
	if b.DayOfWeek < 0 || b.DayOfWeek > 6 || b.HourOfDay < 0 || b.HourOfDay > 23 {
		return NewValidationError("baseline", "day_of_week must be 0-6 and hour_of_day 0-23")
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(writeCtx, `
		INSERT INTO baselines (source, event_type, day_of_week, hour_of_day,
			mean_count, stddev_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (source, event_type, day_of_week, hour_of_day)
		DO UPDATE SET mean_count = EXCLUDED.mean_count,
			stddev_count = EXCLUDED.stddev_count,
			updated_at = EXCLUDED.updated_at`,
		b.Source, b.EventType, b.DayOfWeek, b.HourOfDay, b.MeanCount, b.StddevCount)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline: %w", err)
	}
	return nil
}

// All returns every baseline cell, used to warm the detector cache.
func (s *BaselineService) All(ctx context.Context) ([]*models.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, event_type, day_of_week, hour_of_day, mean_count, stddev_count, updated_at
		FROM baselines`)
	if err != nil {
		return nil, fmt.Errorf("failed to load baselines: %w", err)
	}
	defer rows.Close()

	var baselines []*models.Baseline
	for rows.Next() {
		var b models.Baseline
		if err := rows.Scan(&b.Source, &b.EventType, &b.DayOfWeek, &b.HourOfDay,
			&b.MeanCount, &b.StddevCount, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		b.UpdatedAt = b.UpdatedAt.UTC()
		baselines = append(baselines, &b)
	}
	return baselines, rows.Err()
}
