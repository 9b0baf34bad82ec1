package models

import "time"

// DraftStatus tracks a draft reply through the approval workflow.
// Transitions: pending -> approved|rejected; approved -> sent.
type DraftStatus string

const (
	DraftStatusPending  DraftStatus = "pending"
	DraftStatusApproved DraftStatus = "approved"
	DraftStatusRejected DraftStatus = "rejected"
	DraftStatusSent     DraftStatus = "sent"
	DraftStatusEdited   DraftStatus = "edited"
)

// Draft is an outbound reply held for operator approval.
type Draft struct {
	ID              string      `json:"id"`
	SourceMessageID string      `json:"source_message_id"`
	ThreadID        string      `json:"thread_id,omitempty"`
	FromAddress     string      `json:"from_address"`
	ToAddress       string      `json:"to_address"`
	Subject         string      `json:"subject"`
	OriginalBody    string      `json:"original_body"`
	DraftBody       string      `json:"draft_body"`
	EditedBody      string      `json:"edited_body,omitempty"`
	Status          DraftStatus `json:"status"`
	Classification  string      `json:"classification,omitempty"`
	ContextUsed     string      `json:"context_used,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ApprovedAt      *time.Time  `json:"approved_at,omitempty"`
	SentAt          *time.Time  `json:"sent_at,omitempty"`
}

// DraftFeedback captures how far an operator's edit diverged from the
// proposed body. Fed into the learning analysis on approval-with-edit.
type DraftFeedback struct {
	DraftID        string    `json:"draft_id"`
	SenderDomain   string    `json:"sender_domain"`
	Category       string    `json:"category"`
	EditDistance   int       `json:"edit_distance"`
	EditRatio      float64   `json:"edit_ratio"`
	OriginalLength int       `json:"original_length"`
	EditedLength   int       `json:"edited_length"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateDraftRequest contains fields for creating a draft reply.
type CreateDraftRequest struct {
	SourceMessageID string `json:"source_message_id"`
	ThreadID        string `json:"thread_id,omitempty"`
	FromAddress     string `json:"from_address"`
	ToAddress       string `json:"to_address"`
	Subject         string `json:"subject"`
	OriginalBody    string `json:"original_body"`
	DraftBody       string `json:"draft_body"`
	Classification  string `json:"classification,omitempty"`
	ContextUsed     string `json:"context_used,omitempty"`
}

// DraftDecisionRequest contains the operator's verdict on a pending draft.
type DraftDecisionRequest struct {
	EditedBody string `json:"edited_body,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
}

// DraftFilters contains filtering options for listing drafts.
type DraftFilters struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}
