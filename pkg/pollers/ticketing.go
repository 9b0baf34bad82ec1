package pollers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
)

// Ticket is one helpdesk ticket in the state the provider reported.
type Ticket struct {
	ID        string
	Subject   string
	Requester string
	Status    string
	Priority  string
	UpdatedAt time.Time
}

// TicketingClient is the narrow helpdesk surface the poller queries.
type TicketingClient interface {
	TicketsUpdatedSince(ctx context.Context, since time.Time) ([]Ticket, error)
}

// TicketingPoller publishes ticket updates. Tickets mutate, so the dedup id
// pairs the ticket id with its update timestamp: every state change is a
// fresh event, the same state observed twice is not.
type TicketingPoller struct {
	client TicketingClient
	cfg    *config.SourceConfig
	em     emitter
}

func NewTicketingPoller(client TicketingClient, cfg *config.SourceConfig, deps Deps) *TicketingPoller {
	if client == nil {
		panic("pollers.NewTicketingPoller: client must not be nil")
	}
	deps.validate("NewTicketingPoller")
	return &TicketingPoller{client: client, cfg: cfg, em: newEmitter(deps, "ticketing")}
}

func (p *TicketingPoller) Name() string { return "ticketing" }

func (p *TicketingPoller) Poll(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-p.cfg.LookBack)
	tickets, err := p.client.TicketsUpdatedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("ticketing query failed: %w", err)
	}

	published := 0
	for _, t := range tickets {
		if t.ID == "" {
			continue
		}
		dedupID := fmt.Sprintf("%s:%d", t.ID, t.UpdatedAt.Unix())
		evt := models.NewEvent(models.SourceTicketing, "ticket.updated", TicketPriority(t.Priority),
			map[string]any{
				"ticket_id":  t.ID,
				"subject":    t.Subject,
				"from":       t.Requester,
				"status":     t.Status,
				"priority":   t.Priority,
				"updated_at": t.UpdatedAt.UTC().Format(time.RFC3339),
			}, "ticketing:"+dedupID)
		if p.em.emit(ctx, "ticketing", dedupID, evt) {
			published++
		}
	}
	return published, nil
}

// TicketPriority maps the provider's priority scale onto queue priorities.
func TicketPriority(p string) models.Priority {
	switch strings.ToLower(p) {
	case "urgent":
		return models.PriorityCritical
	case "high":
		return models.PriorityHigh
	case "low":
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}
