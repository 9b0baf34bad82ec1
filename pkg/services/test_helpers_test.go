package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/opsloop/opsloop/pkg/models"
)

// newTestEvent builds a pending event with a unique idempotency key so
// parallel subtests never collide on the dedup index.
func newTestEvent(source models.Source, eventType string, priority models.Priority) *models.Event {
	return &models.Event{
		ID:             uuid.NewString(),
		Source:         source,
		EventType:      eventType,
		Priority:       priority,
		Payload:        map[string]any{"subject": "test"},
		IdempotencyKey: "test-" + uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		Status:         models.EventStatusPending,
	}
}

func newTestDraft() *models.Draft {
	return &models.Draft{
		ID:              uuid.NewString(),
		SourceMessageID: "msg-" + uuid.NewString(),
		FromAddress:     "customer@example.com",
		ToAddress:       "ops@example.com",
		Subject:         "Invoice question",
		OriginalBody:    "Where is my invoice?",
		DraftBody:       "Your invoice was sent on Monday.",
		Status:          models.DraftStatusPending,
		Classification:  "question",
		CreatedAt:       time.Now().UTC(),
	}
}

func newTestDLQEntry(evt *models.Event) *models.DeadLetterEvent {
	return &models.DeadLetterEvent{
		ID:              uuid.NewString(),
		OriginalEventID: evt.ID,
		Source:          evt.Source,
		EventType:       evt.EventType,
		Priority:        evt.Priority,
		Payload:         evt.Payload,
		ErrorHistory: []models.RetryError{
			{Retry: 0, Error: "connection refused"},
			{Retry: 1, Error: "connection refused"},
		},
		RetryCount: 2,
		CreatedAt:  time.Now().UTC(),
	}
}

func newTestSession(key, platform string) *models.Session {
	return &models.Session{
		ID:           uuid.NewString(),
		SessionKey:   key,
		Platform:     platform,
		UserID:       "U123",
		UserName:     "pat",
		Status:       models.SessionStatusActive,
		CreatedAt:    time.Now().UTC(),
		LastActiveAt: time.Now().UTC(),
	}
}

func newTestKnowledge(category, content string) *models.KnowledgeEntry {
	return &models.KnowledgeEntry{
		ID:         uuid.NewString(),
		Category:   category,
		Content:    content,
		Source:     "operator",
		Active:     true,
		Confidence: 0.8,
		CreatedAt:  time.Now().UTC(),
	}
}

func newTestIncident(category, description string) *models.Incident {
	return &models.Incident{
		ID:              uuid.NewString(),
		Category:        category,
		Description:     description,
		Resolution:      "restarted the sync job",
		Market:          "EU",
		SystemsInvolved: []string{"billing", "mail"},
		Tags:            []string{"sync", "billing"},
		Timestamp:       time.Now().UTC(),
	}
}

func newTestProposal(pType models.ProposalType, title string) *models.Proposal {
	return &models.Proposal{
		ID:          uuid.NewString(),
		Type:        pType,
		Title:       title,
		Description: "detected a recurring pattern",
		Evidence:    "seen 5 times this week",
		Confidence:  0.7,
		Status:      models.ProposalStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}
