package models

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies the external system an event originated from.
type Source string

const (
	SourceMail      Source = "mail"
	SourceChat      Source = "chat"
	SourceTicketing Source = "ticketing"
	SourceSurvey    Source = "survey"
	SourceProjects  Source = "projects"
	SourceDrive     Source = "drive"
	SourceScheduler Source = "scheduler"
	SourceAdmin     Source = "admin"
)

var knownSources = map[Source]bool{
	SourceMail:      true,
	SourceChat:      true,
	SourceTicketing: true,
	SourceSurvey:    true,
	SourceProjects:  true,
	SourceDrive:     true,
	SourceScheduler: true,
	SourceAdmin:     true,
}

// ValidSource reports whether s is one of the defined sources.
func ValidSource(s Source) bool {
	return knownSources[s]
}

// Priority orders events in the queue. Lower value means more urgent.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 3
	PriorityMedium     Priority = 5
	PriorityLow        Priority = 7
	PriorityBackground Priority = 9
)

// priorityScoreFactor makes priority dominate the millisecond timestamp in
// queue scores: any CRITICAL event sorts before any HIGH event regardless of age.
const priorityScoreFactor = int64(1_000_000_000_000)

var priorityNames = map[Priority]string{
	PriorityCritical:   "critical",
	PriorityHigh:       "high",
	PriorityMedium:     "medium",
	PriorityLow:        "low",
	PriorityBackground: "background",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "medium"
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority maps a priority name to its enum value.
// Unknown names map to PriorityMedium.
func ParsePriority(name string) Priority {
	for p, n := range priorityNames {
		if n == name {
			return p
		}
	}
	return PriorityMedium
}

// EventStatus tracks an event's position in its lifecycle.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

// Event is the unit of work flowing through the queue.
// The ID is stable across retries; CreatedAt is reset on each re-publish so
// retried events re-enter the queue at the tail of their priority band.
// ErrorHistory rides the serialized queue payload only, one entry per failed
// attempt, and becomes the DLQ row's history when retries run out.
type Event struct {
	ID             string         `json:"id"`
	Source         Source         `json:"source"`
	EventType      string         `json:"event_type"`
	Priority       Priority       `json:"priority"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         EventStatus    `json:"status"`
	RetryCount     int            `json:"retry_count"`
	Error          string         `json:"error,omitempty"`
	ErrorHistory   []RetryError   `json:"error_history,omitempty"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
}

// NewEvent constructs a pending event with a fresh ID and timestamp.
func NewEvent(source Source, eventType string, priority Priority, payload map[string]any, idempotencyKey string) *Event {
	return &Event{
		ID:             uuid.NewString(),
		Source:         source,
		EventType:      eventType,
		Priority:       priority,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
		Status:         EventStatusPending,
	}
}

// Score returns the queue ordering key: priority*10^12 + created_at_ms.
func (e *Event) Score() float64 {
	return float64(int64(e.Priority)*priorityScoreFactor + e.CreatedAt.UnixMilli())
}

// PayloadString returns payload[key] when it is a string, else "".
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// PayloadBool returns payload[key] when it is a bool, else false.
func (e *Event) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}
	if b, ok := e.Payload[key].(bool); ok {
		return b
	}
	return false
}

// Sender returns the originating address under the payload keys the pollers
// use ("from" for mail, "sender" elsewhere).
func (e *Event) Sender() string {
	if from := e.PayloadString("from"); from != "" {
		return from
	}
	return e.PayloadString("sender")
}

// EventFilters contains filtering options for listing events.
type EventFilters struct {
	Source    string    `json:"source,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Status    string    `json:"status,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// InjectEventRequest contains fields for the admin event-injection endpoint.
type InjectEventRequest struct {
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Text      string         `json:"text,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
