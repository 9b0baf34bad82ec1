package models

import "time"

// ProposalType selects the side effect executed on approval.
type ProposalType string

const (
	ProposalLearnedRule         ProposalType = "learned_rule"
	ProposalStrongRule          ProposalType = "strong_rule"
	ProposalToolCreation        ProposalType = "tool_creation"
	ProposalAutomation          ProposalType = "automation"
	ProposalExternalToolServer  ProposalType = "external_tool_server"
	ProposalGuardrailOverride   ProposalType = "guardrail_override"
	ProposalThresholdAdjustment ProposalType = "threshold_adjustment"
	ProposalPlaybookSuggestion  ProposalType = "playbook_suggestion"
)

// KnownProposalTypes lists every type the approval dispatcher handles.
// Unknown types are rejected at creation time.
var KnownProposalTypes = []ProposalType{
	ProposalLearnedRule,
	ProposalStrongRule,
	ProposalToolCreation,
	ProposalAutomation,
	ProposalExternalToolServer,
	ProposalGuardrailOverride,
	ProposalThresholdAdjustment,
	ProposalPlaybookSuggestion,
}

// ValidProposalType reports whether t is a known proposal type.
func ValidProposalType(t ProposalType) bool {
	for _, known := range KnownProposalTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ProposalStatus tracks a proposal through review.
type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExpired  ProposalStatus = "expired"
)

// Proposal is a generalized approval item. The operator verdict is final;
// approval dispatches a typed side effect keyed by Type.
type Proposal struct {
	ID              string         `json:"id"`
	Type            ProposalType   `json:"type"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Evidence        string         `json:"evidence,omitempty"`
	Code            string         `json:"code,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	Confidence      float64        `json:"confidence"`
	Status          ProposalStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ReviewedAt      *time.Time     `json:"reviewed_at,omitempty"`
	ReviewedBy      string         `json:"reviewed_by,omitempty"`
	ReviewNotes     string         `json:"review_notes,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	RelatedEventIDs []string       `json:"related_event_ids,omitempty"`
}

// CreateProposalRequest contains fields for creating a proposal.
type CreateProposalRequest struct {
	Type            ProposalType   `json:"type"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Evidence        string         `json:"evidence,omitempty"`
	Code            string         `json:"code,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	Confidence      float64        `json:"confidence,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	RelatedEventIDs []string       `json:"related_event_ids,omitempty"`
}

// ProposalDecisionRequest contains the operator's verdict on a proposal.
type ProposalDecisionRequest struct {
	ReviewedBy  string `json:"reviewed_by,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`
}

// ProposalFilters contains filtering options for listing proposals.
type ProposalFilters struct {
	Status string `json:"status,omitempty"`
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}
