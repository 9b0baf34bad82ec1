package models

import "time"

// KnowledgeEntry is a learned or operator-taught rule. Entries form a linear
// revision chain via SupersedesID; only active entries participate in retrieval.
type KnowledgeEntry struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Content      string    `json:"content"`
	Source       string    `json:"source"`
	Active       bool      `json:"active"`
	Confidence   float64   `json:"confidence"`
	Embedding    []float32 `json:"-"`
	SupersedesID string    `json:"supersedes_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateKnowledgeRequest contains fields for creating a knowledge entry.
type CreateKnowledgeRequest struct {
	Category     string  `json:"category"`
	Content      string  `json:"content"`
	Source       string  `json:"source"`
	Confidence   float64 `json:"confidence,omitempty"`
	SupersedesID string  `json:"supersedes_id,omitempty"`
}

// KnowledgeFilters contains filtering options for listing knowledge entries.
type KnowledgeFilters struct {
	Category   string `json:"category,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// Incident is a historical resolved problem used for similarity retrieval.
type Incident struct {
	ID              string    `json:"id"`
	Category        string    `json:"category"`
	Description     string    `json:"description"`
	Resolution      string    `json:"resolution"`
	Market          string    `json:"market,omitempty"`
	SystemsInvolved []string  `json:"systems_involved,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Embedding       []float32 `json:"-"`
	Timestamp       time.Time `json:"timestamp"`
}
