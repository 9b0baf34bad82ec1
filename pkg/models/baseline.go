package models

import (
	"fmt"
	"time"
)

// Baseline holds the historical mean/stddev of hourly event counts for one
// (source, event_type, day_of_week, hour_of_day) slot.
type Baseline struct {
	Source      string    `json:"source"`
	EventType   string    `json:"event_type"`
	DayOfWeek   int       `json:"day_of_week"`
	HourOfDay   int       `json:"hour_of_day"`
	MeanCount   float64   `json:"mean_count"`
	StddevCount float64   `json:"stddev_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CacheKey returns the in-memory cache key for a baseline slot.
func (b *Baseline) CacheKey() string {
	return BaselineKey(b.Source, b.EventType, b.DayOfWeek, b.HourOfDay)
}

// BaselineKey builds the cache key for a (source, event_type, dow, hour) slot.
func BaselineKey(source, eventType string, dayOfWeek, hourOfDay int) string {
	return fmt.Sprintf("%s:%s:%d:%d", source, eventType, dayOfWeek, hourOfDay)
}
