package sources

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/opsloop/opsloop/pkg/approvals"
	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/pollers"
)

var (
	_ pollers.MailClient   = (*MailClient)(nil)
	_ approvals.MailSender = (*MailClient)(nil)
)

// MailClient reads the inbox and sends replies. It serves both the mail
// poller's query surface and the approval service's sender surface, so one
// credential covers the whole mail round trip.
type MailClient struct {
	restClient
}

func NewMailClient(cfg *config.SourceConfig) *MailClient {
	return &MailClient{restClient: newRESTClient(cfg)}
}

type mailMessage struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Received string `json:"received"`
}

type mailListResponse struct {
	Messages   []mailMessage `json:"messages"`
	NextCursor string        `json:"next_cursor"`
}

// MessagesSince returns inbox messages received at or after since.
func (c *MailClient) MessagesSince(ctx context.Context, since time.Time) ([]pollers.MailMessage, error) {
	var msgs []pollers.MailMessage
	cursor := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("since", since.UTC().Format(time.RFC3339))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp mailListResponse
		if err := c.getJSON(ctx, "/messages", q, &resp); err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			msgs = append(msgs, pollers.MailMessage{
				ID:       m.ID,
				ThreadID: m.ThreadID,
				From:     m.From,
				Subject:  m.Subject,
				Body:     m.Body,
				Received: parseTime(m.Received),
			})
		}

		cursor = resp.NextCursor
		if cursor == "" {
			break
		}
	}
	return msgs, nil
}

// SendReply posts a reply into an existing thread and returns the provider's
// id for the sent message.
func (c *MailClient) SendReply(ctx context.Context, threadID, to, subject, body string) (string, error) {
	req := map[string]string{
		"thread_id": threadID,
		"to":        to,
		"subject":   subject,
		"body":      body,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/messages/send", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("mail provider returned no message id")
	}
	return resp.ID, nil
}
