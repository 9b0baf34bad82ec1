package models

import "time"

// ActionLogEntry is one append-only audit record. Token counts and latency
// are zero for actions that made no provider call.
type ActionLogEntry struct {
	ID           int64          `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	System       string         `json:"system"`
	ActionType   string         `json:"action_type"`
	Outcome      string         `json:"outcome"`
	ModelUsed    string         `json:"model_used,omitempty"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	LatencyMs    int            `json:"latency_ms"`
	Details      map[string]any `json:"details,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
}

// RecordActionRequest contains fields for appending an audit record.
type RecordActionRequest struct {
	System       string         `json:"system"`
	ActionType   string         `json:"action_type"`
	Outcome      string         `json:"outcome"`
	ModelUsed    string         `json:"model_used,omitempty"`
	InputTokens  int            `json:"input_tokens,omitempty"`
	OutputTokens int            `json:"output_tokens,omitempty"`
	LatencyMs    int            `json:"latency_ms,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
}

// ActionFilters contains filtering options for listing audit records.
type ActionFilters struct {
	System     string     `json:"system,omitempty"`
	ActionType string     `json:"action_type,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Sender     string     `json:"sender,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}
