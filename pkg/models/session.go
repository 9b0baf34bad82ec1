package models

import "time"

// SessionStatus marks a conversation session active or expired.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusExpired SessionStatus = "expired"
)

// Session platforms with distinct idle-expiry policies.
const (
	PlatformChat      = "chat"
	PlatformDashboard = "dashboard"
)

// Session is a conversation-scoped memory. At most one session per
// SessionKey is active at a time.
type Session struct {
	ID           string        `json:"id"`
	SessionKey   string        `json:"session_key"`
	Platform     string        `json:"platform"`
	UserID       string        `json:"user_id,omitempty"`
	UserName     string        `json:"user_name,omitempty"`
	Status       SessionStatus `json:"status"`
	MessageCount int           `json:"message_count"`
	Summary      string        `json:"summary,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
}

// SessionMessage is one turn of a session conversation.
type SessionMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	EventID   string    `json:"event_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation message roles shared by sessions and the reasoning loop.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
