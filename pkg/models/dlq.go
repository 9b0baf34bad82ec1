package models

import "time"

// RetryError records one failed processing attempt of an event.
type RetryError struct {
	Retry int    `json:"retry"`
	Error string `json:"error"`
}

// DeadLetterEvent is the terminal record of an event that exhausted its
// retry budget. ErrorHistory is append-only, oldest attempt first.
type DeadLetterEvent struct {
	ID              string         `json:"id"`
	OriginalEventID string         `json:"original_event_id"`
	Source          Source         `json:"source"`
	EventType       string         `json:"event_type"`
	Priority        Priority       `json:"priority"`
	Payload         map[string]any `json:"payload"`
	ErrorHistory    []RetryError   `json:"error_history"`
	RetryCount      int            `json:"retry_count"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
}

// DLQFilters contains filtering options for listing dead-letter events.
type DLQFilters struct {
	Source     string `json:"source,omitempty"`
	Unresolved bool   `json:"unresolved,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}
