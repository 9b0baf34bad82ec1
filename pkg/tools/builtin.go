package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// Embedder produces query embeddings for the knowledge search tools. nil
// degrades them to full-text search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChatSender posts messages to the chat platform.
type ChatSender interface {
	SendMessage(ctx context.Context, target, text string) error
}

// TicketWriter creates and comments on tickets.
type TicketWriter interface {
	CreateTicket(ctx context.Context, title, description, priority string) (string, error)
	AddComment(ctx context.Context, ticketID, comment string) error
}

// Collaborators carries the services and outbound clients the builtin
// tools close over. Nil outbound clients leave their tools unregistered:
// missing credentials shrink the catalog instead of producing tools that
// always fail.
type Collaborators struct {
	Knowledge *services.KnowledgeService
	Incidents *services.IncidentService
	Drafts    *services.DraftService
	Proposals *services.ProposalService
	Events    *services.EventService
	Embedder  Embedder
	Chat      ChatSender
	Tickets   TicketWriter
}

// RegisterBuiltins installs the builtin tool catalog.
func RegisterBuiltins(r *Registry, deps Collaborators) error {
	if deps.Knowledge == nil || deps.Incidents == nil || deps.Drafts == nil ||
		deps.Proposals == nil || deps.Events == nil {
		return fmt.Errorf("builtin tools need knowledge, incidents, drafts, proposals, and events services")
	}

	catalog := []*Tool{
		{
			Name:        "search_knowledge",
			Description: "Search the operator knowledge base for rules and facts relevant to a query.",
			Groups:      []string{"knowledge"},
			InputSchema: schemaObject(map[string]any{
				"query": prop("string", "What to look for."),
				"limit": prop("integer", "Maximum results, default 5."),
			}, "query"),
			Handler: deps.searchKnowledge,
		},
		{
			Name:        "save_knowledge",
			Description: "Store a new fact or rule in the knowledge base for future events.",
			Groups:      []string{"knowledge"},
			InputSchema: schemaObject(map[string]any{
				"category":   prop("string", "Short topic label, e.g. 'billing'."),
				"content":    prop("string", "The fact or rule to remember."),
				"confidence": prop("number", "How certain this is, 0..1. Default 0.7."),
			}, "category", "content"),
			Handler: deps.saveKnowledge,
		},
		{
			Name:        "search_incidents",
			Description: "Search past resolved incidents for similar problems and how they were fixed.",
			Groups:      []string{"knowledge"},
			InputSchema: schemaObject(map[string]any{
				"query": prop("string", "Description of the current problem."),
				"limit": prop("integer", "Maximum results, default 3."),
			}, "query"),
			Handler: deps.searchIncidents,
		},
		{
			Name: "create_draft",
			Description: "Draft a reply for human approval. The draft is NOT sent until an " +
				"operator approves it.",
			Groups: []string{"drafts"},
			InputSchema: schemaObject(map[string]any{
				"to":                prop("string", "Recipient address."),
				"subject":           prop("string", "Reply subject."),
				"body":              prop("string", "Proposed reply body."),
				"source_message_id": prop("string", "Message being replied to."),
				"thread_id":         prop("string", "Conversation thread, if known."),
				"original_body":     prop("string", "The message being answered."),
				"classification":    prop("string", "Label from classification, e.g. 'question'."),
				"context_notes":     prop("string", "What context informed this draft."),
			}, "to", "subject", "body"),
			Handler: deps.createDraft,
		},
		{
			Name: "propose_action",
			Description: "Propose a rule, automation, or configuration change for operator review. " +
				"Use when you notice a recurring pattern worth automating.",
			Groups: []string{"knowledge"},
			InputSchema: schemaObject(map[string]any{
				"type": map[string]any{
					"type":        "string",
					"description": "Proposal kind.",
					"enum": []string{
						"learned_rule", "strong_rule", "tool_creation", "automation",
						"external_tool_server", "guardrail_override",
						"threshold_adjustment", "playbook_suggestion",
					},
				},
				"title":       prop("string", "One-line summary."),
				"description": prop("string", "What should change and why."),
				"evidence":    prop("string", "Observations supporting the proposal."),
				"code":        prop("string", "Script code, for tool_creation and automation."),
				"confidence":  prop("number", "How certain this is, 0..1. Default 0.5."),
			}, "type", "title", "description"),
			Handler: deps.proposeAction,
		},
		{
			Name:        "recent_events",
			Description: "List recently processed events, optionally narrowed to one source.",
			Groups:      []string{"reports"},
			InputSchema: schemaObject(map[string]any{
				"source": prop("string", "Source name, e.g. 'mail'. Empty for all."),
				"limit":  prop("integer", "Maximum results, default 10."),
			}),
			Handler: deps.recentEvents,
		},
	}

	if deps.Chat != nil {
		catalog = append(catalog, &Tool{
			Name:        "send_chat_message",
			Description: "Send a message on the chat platform.",
			Groups:      []string{"chat"},
			InputSchema: schemaObject(map[string]any{
				"target": prop("string", "Channel or user to message."),
				"text":   prop("string", "Message text."),
			}, "target", "text"),
			Handler: deps.sendChatMessage,
		})
	}

	if deps.Tickets != nil {
		catalog = append(catalog,
			&Tool{
				Name:        "create_ticket",
				Description: "Open a ticket in the ticketing system.",
				Groups:      []string{"tickets"},
				InputSchema: schemaObject(map[string]any{
					"title":       prop("string", "Ticket title."),
					"description": prop("string", "Problem description."),
					"priority":    prop("string", "critical, high, medium, or low. Default medium."),
				}, "title", "description"),
				Handler: deps.createTicket,
			},
			&Tool{
				Name:        "add_ticket_comment",
				Description: "Add a comment to an existing ticket.",
				Groups:      []string{"tickets"},
				InputSchema: schemaObject(map[string]any{
					"ticket_id": prop("string", "Ticket to comment on."),
					"comment":   prop("string", "Comment text."),
				}, "ticket_id", "comment"),
				Handler: deps.addTicketComment,
			},
		)
	}

	for _, tool := range catalog {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func (c Collaborators) searchKnowledge(ctx context.Context, args map[string]any) (any, error) {
	query := argString(args, "query")
	limit := argInt(args, "limit", 5)

	entries, err := c.knowledgeLookup(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		results = append(results, map[string]any{
			"category":   e.Category,
			"content":    e.Content,
			"confidence": e.Confidence,
		})
	}
	return map[string]any{"results": results}, nil
}

func (c Collaborators) knowledgeLookup(ctx context.Context, query string, limit int) ([]*models.KnowledgeEntry, error) {
	if c.Embedder != nil {
		if emb, err := c.Embedder.Embed(ctx, query); err == nil {
			return c.Knowledge.SearchSimilar(ctx, emb, limit)
		}
	}
	return c.Knowledge.SearchText(ctx, query, limit)
}

func (c Collaborators) saveKnowledge(ctx context.Context, args map[string]any) (any, error) {
	entry := &models.KnowledgeEntry{
		ID:         uuid.NewString(),
		Category:   argString(args, "category"),
		Content:    argString(args, "content"),
		Source:     "agent",
		Active:     true,
		Confidence: argFloat(args, "confidence", 0.7),
		CreatedAt:  time.Now().UTC(),
	}
	if c.Embedder != nil {
		if emb, err := c.Embedder.Embed(ctx, entry.Content); err == nil {
			entry.Embedding = emb
		}
	}
	if err := c.Knowledge.Create(ctx, entry); err != nil {
		return nil, err
	}
	return map[string]any{"id": entry.ID, "saved": true}, nil
}

func (c Collaborators) searchIncidents(ctx context.Context, args map[string]any) (any, error) {
	query := argString(args, "query")
	limit := argInt(args, "limit", 3)

	var incidents []*models.Incident
	var err error
	if c.Embedder != nil {
		if emb, embErr := c.Embedder.Embed(ctx, query); embErr == nil {
			incidents, err = c.Incidents.SearchSimilar(ctx, emb, limit)
		}
	}
	if incidents == nil && err == nil {
		incidents, err = c.Incidents.SearchText(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(incidents))
	for _, inc := range incidents {
		results = append(results, map[string]any{
			"category":    inc.Category,
			"description": inc.Description,
			"resolution":  inc.Resolution,
		})
	}
	return map[string]any{"results": results}, nil
}

func (c Collaborators) createDraft(ctx context.Context, args map[string]any) (any, error) {
	draft := &models.Draft{
		ID:              uuid.NewString(),
		SourceMessageID: argString(args, "source_message_id"),
		ThreadID:        argString(args, "thread_id"),
		FromAddress:     "agent",
		ToAddress:       argString(args, "to"),
		Subject:         argString(args, "subject"),
		OriginalBody:    argString(args, "original_body"),
		DraftBody:       argString(args, "body"),
		Status:          models.DraftStatusPending,
		Classification:  argString(args, "classification"),
		ContextUsed:     argString(args, "context_notes"),
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.Drafts.Create(ctx, draft); err != nil {
		return nil, err
	}
	return map[string]any{"draft_id": draft.ID, "status": string(draft.Status)}, nil
}

func (c Collaborators) proposeAction(ctx context.Context, args map[string]any) (any, error) {
	p := &models.Proposal{
		ID:          uuid.NewString(),
		Type:        models.ProposalType(argString(args, "type")),
		Title:       argString(args, "title"),
		Description: argString(args, "description"),
		Evidence:    argString(args, "evidence"),
		Code:        argString(args, "code"),
		Confidence:  argFloat(args, "confidence", 0.5),
		Status:      models.ProposalStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.Proposals.Create(ctx, p); err != nil {
		return nil, err
	}
	return map[string]any{"proposal_id": p.ID, "status": string(p.Status)}, nil
}

func (c Collaborators) recentEvents(ctx context.Context, args map[string]any) (any, error) {
	filters := models.EventFilters{
		Source: argString(args, "source"),
		Limit:  argInt(args, "limit", 10),
	}
	events, err := c.Events.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(events))
	for _, evt := range events {
		results = append(results, map[string]any{
			"id":         evt.ID,
			"source":     string(evt.Source),
			"event_type": evt.EventType,
			"status":     string(evt.Status),
			"created_at": evt.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"events": results}, nil
}

func (c Collaborators) sendChatMessage(ctx context.Context, args map[string]any) (any, error) {
	target := argString(args, "target")
	if err := c.Chat.SendMessage(ctx, target, argString(args, "text")); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true, "target": target}, nil
}

func (c Collaborators) createTicket(ctx context.Context, args map[string]any) (any, error) {
	priority := argString(args, "priority")
	if priority == "" {
		priority = "medium"
	}
	id, err := c.Tickets.CreateTicket(ctx,
		argString(args, "title"), argString(args, "description"), priority)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ticket_id": id, "priority": priority}, nil
}

func (c Collaborators) addTicketComment(ctx context.Context, args map[string]any) (any, error) {
	ticketID := argString(args, "ticket_id")
	if err := c.Tickets.AddComment(ctx, ticketID, argString(args, "comment")); err != nil {
		return nil, err
	}
	return map[string]any{"ticket_id": ticketID, "commented": true}, nil
}

func schemaObject(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func argFloat(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
