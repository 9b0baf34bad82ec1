package sources

import (
	"context"
	"net/url"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/pollers"
	"github.com/opsloop/opsloop/pkg/tools"
)

var (
	_ pollers.ChatClient = (*ChatClient)(nil)
	_ tools.ChatSender   = (*ChatClient)(nil)
)

// ChatClient queries the chat provider for messages addressed to the agent
// and posts replies. Push delivery carries the interactive load; the sweep
// side backs it up.
type ChatClient struct {
	restClient
}

func NewChatClient(cfg *config.SourceConfig) *ChatClient {
	return &ChatClient{restClient: newRESTClient(cfg)}
}

type chatMessage struct {
	ID       string `json:"id"`
	Channel  string `json:"channel"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Text     string `json:"text"`
	Sent     string `json:"sent"`
}

// MessagesSince returns messages sent at or after since.
func (c *ChatClient) MessagesSince(ctx context.Context, since time.Time) ([]pollers.ChatMessage, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))

	var resp struct {
		Messages []chatMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, "/messages", q, &resp); err != nil {
		return nil, err
	}

	msgs := make([]pollers.ChatMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, pollers.ChatMessage{
			ID:       m.ID,
			Channel:  m.Channel,
			UserID:   m.UserID,
			UserName: m.UserName,
			Text:     m.Text,
			Sent:     parseTime(m.Sent),
		})
	}
	return msgs, nil
}

// SendMessage posts text into a channel or direct conversation.
func (c *ChatClient) SendMessage(ctx context.Context, target, text string) error {
	req := map[string]string{
		"channel": target,
		"text":    text,
	}
	return c.postJSON(ctx, "/messages", req, nil)
}
