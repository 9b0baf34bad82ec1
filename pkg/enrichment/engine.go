// Package enrichment assembles the retrieval context injected into the
// reasoning prompt: similar past incidents, relevant knowledge, sender
// history, and related recent events. The four retrievals run in parallel,
// and each failure degrades to an empty section so reasoning proceeds on
// whatever context exists.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

const (
	// DefaultTokenBudget caps the formatted context. Tokens are estimated
	// as chars/4.
	DefaultTokenBudget = 3000

	incidentTopK  = 3
	knowledgeTopK = 5
	historyLimit  = 5
	relatedLimit  = 5
	relatedWindow = 24 * time.Hour

	// maxQueryChars bounds the text sent to the embedding provider.
	maxQueryChars = 2000
)

// Embedder is the slice of the embedding client the engine needs. A nil
// embedder degrades the vector retrievals to full-text search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Bundle holds the raw retrieval results before formatting.
type Bundle struct {
	Incidents     []*models.Incident
	Knowledge     []*models.KnowledgeEntry
	SenderHistory []*models.ActionLogEntry
	RelatedEvents []*models.Event
}

// Empty reports whether no retrieval returned anything.
func (b *Bundle) Empty() bool {
	return len(b.Incidents) == 0 && len(b.Knowledge) == 0 &&
		len(b.SenderHistory) == 0 && len(b.RelatedEvents) == 0
}

// Engine runs the pre-reasoning retrievals.
type Engine struct {
	embedder  Embedder
	incidents *services.IncidentService
	knowledge *services.KnowledgeService
	actions   *services.ActionService
	events    *services.EventService
	logger    *slog.Logger
}

// New creates a context engine. embedder may be nil (text search only).
func New(embedder Embedder, incidents *services.IncidentService, knowledge *services.KnowledgeService,
	actions *services.ActionService, events *services.EventService) *Engine {
	if incidents == nil || knowledge == nil || actions == nil || events == nil {
		panic("enrichment.New: services must not be nil")
	}
	return &Engine{
		embedder:  embedder,
		incidents: incidents,
		knowledge: knowledge,
		actions:   actions,
		events:    events,
		logger:    slog.Default().With("component", "enrichment"),
	}
}

// Enrich runs the four retrievals in parallel and returns whatever came
// back. Retrieval errors are logged, never propagated: missing context
// degrades the answer, it does not fail the event.
func (e *Engine) Enrich(ctx context.Context, evt *models.Event, cls *models.Classification) *Bundle {
	bundle := &Bundle{}
	query := queryText(evt, cls)

	// One embedding call serves both vector retrievals. On failure both
	// fall back to full-text search.
	var embedding []float32
	if e.embedder != nil && query != "" {
		emb, err := e.embedder.Embed(ctx, query)
		if err != nil {
			e.logger.Warn("Query embedding failed, using text search",
				"event_id", evt.ID, "error", err)
		} else {
			embedding = emb
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		incidents, err := e.searchIncidents(gctx, query, embedding)
		if err != nil {
			e.logger.Warn("Incident retrieval failed", "event_id", evt.ID, "error", err)
			return nil
		}
		bundle.Incidents = incidents
		return nil
	})

	g.Go(func() error {
		entries, err := e.searchKnowledge(gctx, query, embedding)
		if err != nil {
			e.logger.Warn("Knowledge retrieval failed", "event_id", evt.ID, "error", err)
			return nil
		}
		bundle.Knowledge = entries
		return nil
	})

	g.Go(func() error {
		sender := evt.Sender()
		if sender == "" {
			return nil
		}
		history, err := e.actions.SenderHistory(gctx, sender, historyLimit)
		if err != nil {
			e.logger.Warn("Sender history retrieval failed", "event_id", evt.ID, "error", err)
			return nil
		}
		bundle.SenderHistory = history
		return nil
	})

	g.Go(func() error {
		related, err := e.relatedEvents(gctx, evt)
		if err != nil {
			e.logger.Warn("Related events retrieval failed", "event_id", evt.ID, "error", err)
			return nil
		}
		bundle.RelatedEvents = related
		return nil
	})

	_ = g.Wait() // branches never return errors

	e.logger.Debug("Context assembled",
		"event_id", evt.ID,
		"incidents", len(bundle.Incidents),
		"knowledge", len(bundle.Knowledge),
		"sender_history", len(bundle.SenderHistory),
		"related_events", len(bundle.RelatedEvents))
	return bundle
}

func (e *Engine) searchIncidents(ctx context.Context, query string, embedding []float32) ([]*models.Incident, error) {
	if query == "" {
		return nil, nil
	}
	if embedding != nil {
		return e.incidents.SearchSimilar(ctx, embedding, incidentTopK)
	}
	return e.incidents.SearchText(ctx, query, incidentTopK)
}

func (e *Engine) searchKnowledge(ctx context.Context, query string, embedding []float32) ([]*models.KnowledgeEntry, error) {
	if query == "" {
		return nil, nil
	}
	if embedding != nil {
		return e.knowledge.SearchSimilar(ctx, embedding, knowledgeTopK)
	}
	return e.knowledge.SearchText(ctx, query, knowledgeTopK)
}

// relatedEvents lists same source+type events from the last 24h, excluding
// the event under processing.
func (e *Engine) relatedEvents(ctx context.Context, evt *models.Event) ([]*models.Event, error) {
	since := time.Now().Add(-relatedWindow)
	candidates, err := e.events.ListRelated(ctx, evt.Source, evt.EventType, since, relatedLimit+1)
	if err != nil {
		return nil, err
	}
	related := make([]*models.Event, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == evt.ID {
			continue
		}
		related = append(related, c)
		if len(related) == relatedLimit {
			break
		}
	}
	return related, nil
}

// queryText composes the salient text used for the similarity retrievals:
// event type, classification category, and the usual payload text fields.
func queryText(evt *models.Event, cls *models.Classification) string {
	var parts []string
	if evt.EventType != "" {
		parts = append(parts, evt.EventType)
	}
	if cls != nil && cls.Category != "" {
		parts = append(parts, cls.Category)
	}
	for _, key := range []string{"subject", "title", "body", "text", "description"} {
		if v := evt.PayloadString(key); v != "" {
			parts = append(parts, v)
		}
	}
	query := strings.Join(parts, " ")
	if len(query) > maxQueryChars {
		query = query[:maxQueryChars]
	}
	return strings.TrimSpace(query)
}

// Format renders a bundle to prompt text within tokenBudget (estimated as
// chars/4). When over budget, whole sections are dropped least relevant
// first: related events, then sender history, then knowledge, then
// incidents. A zero budget disables context entirely.
func Format(b *Bundle, tokenBudget int) string {
	if b == nil || tokenBudget <= 0 {
		return ""
	}

	type section struct {
		title string
		body  string
	}
	ordered := []section{
		{"Similar past incidents", formatIncidents(b.Incidents)},
		{"Relevant knowledge", formatKnowledge(b.Knowledge)},
		{"Sender history", formatHistory(b.SenderHistory)},
		{"Related recent events", formatRelated(b.RelatedEvents)},
	}

	kept := make([]section, 0, len(ordered))
	for _, s := range ordered {
		if s.body != "" {
			kept = append(kept, s)
		}
	}

	charBudget := tokenBudget * 4
	for len(kept) > 0 {
		var sb strings.Builder
		for _, s := range kept {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("## ")
			sb.WriteString(s.title)
			sb.WriteString("\n")
			sb.WriteString(s.body)
		}
		text := sb.String()
		if len(text) <= charBudget {
			return text
		}
		kept = kept[:len(kept)-1]
	}
	return ""
}

func formatIncidents(incidents []*models.Incident) string {
	var sb strings.Builder
	for _, inc := range incidents {
		fmt.Fprintf(&sb, "- [%s] %s\n  Resolution: %s\n", inc.Category, inc.Description, inc.Resolution)
	}
	return sb.String()
}

func formatKnowledge(entries []*models.KnowledgeEntry) string {
	var sb strings.Builder
	for _, k := range entries {
		fmt.Fprintf(&sb, "- [%s] %s\n", k.Category, k.Content)
	}
	return sb.String()
}

func formatHistory(history []*models.ActionLogEntry) string {
	var sb strings.Builder
	for _, a := range history {
		fmt.Fprintf(&sb, "- %s %s/%s: %s\n",
			a.Timestamp.UTC().Format("2006-01-02 15:04"), a.System, a.ActionType, a.Outcome)
	}
	return sb.String()
}

func formatRelated(events []*models.Event) string {
	var sb strings.Builder
	for _, evt := range events {
		line := fmt.Sprintf("- %s %s/%s (%s)",
			evt.CreatedAt.UTC().Format("2006-01-02 15:04"), evt.Source, evt.EventType, evt.Status)
		if subject := evt.PayloadString("subject"); subject != "" {
			line += ": " + subject
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
