package sources

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/pollers"
	"github.com/opsloop/opsloop/pkg/tools"
)

var (
	_ pollers.TicketingClient = (*TicketingClient)(nil)
	_ tools.TicketWriter      = (*TicketingClient)(nil)
)

// TicketingClient queries the helpdesk for recently updated tickets and
// writes tickets and comments on the agent's behalf.
type TicketingClient struct {
	restClient
}

func NewTicketingClient(cfg *config.SourceConfig) *TicketingClient {
	return &TicketingClient{restClient: newRESTClient(cfg)}
}

type ticket struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Requester string `json:"requester"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	UpdatedAt string `json:"updated_at"`
}

type ticketListResponse struct {
	Tickets    []ticket `json:"tickets"`
	NextCursor string   `json:"next_cursor"`
}

// TicketsUpdatedSince returns tickets whose state changed at or after since.
// Busy helpdesks page; the cursor loop drains up to maxPages per sweep.
func (c *TicketingClient) TicketsUpdatedSince(ctx context.Context, since time.Time) ([]pollers.Ticket, error) {
	var tickets []pollers.Ticket
	cursor := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("updated_since", since.UTC().Format(time.RFC3339))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp ticketListResponse
		if err := c.getJSON(ctx, "/tickets", q, &resp); err != nil {
			return nil, err
		}
		for _, t := range resp.Tickets {
			tickets = append(tickets, pollers.Ticket{
				ID:        t.ID,
				Subject:   t.Subject,
				Requester: t.Requester,
				Status:    t.Status,
				Priority:  t.Priority,
				UpdatedAt: parseTime(t.UpdatedAt),
			})
		}

		cursor = resp.NextCursor
		if cursor == "" {
			break
		}
	}
	return tickets, nil
}

// CreateTicket opens a ticket and returns its id.
func (c *TicketingClient) CreateTicket(ctx context.Context, title, description, priority string) (string, error) {
	req := map[string]string{
		"subject":     title,
		"description": description,
		"priority":    priority,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/tickets", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("ticketing provider returned no ticket id")
	}
	return resp.ID, nil
}

// AddComment appends an internal comment to an existing ticket.
func (c *TicketingClient) AddComment(ctx context.Context, ticketID, comment string) error {
	req := map[string]string{"comment": comment}
	return c.postJSON(ctx, "/tickets/"+url.PathEscape(ticketID)+"/comments", req, nil)
}
