package pollers

import (
	"context"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
)

// ChatMessage is one message addressed to the agent.
type ChatMessage struct {
	ID       string
	Channel  string
	UserID   string
	UserName string
	Text     string
	Sent     time.Time
}

// ChatClient is the narrow chat surface the poller queries.
type ChatClient interface {
	MessagesSince(ctx context.Context, since time.Time) ([]ChatMessage, error)
}

// ChatPoller backstops push delivery: webhooks carry the interactive load,
// the sweep picks up anything dropped. The shared dedup keys keep the two
// paths from double-publishing.
type ChatPoller struct {
	client ChatClient
	cfg    *config.SourceConfig
	em     emitter
}

func NewChatPoller(client ChatClient, cfg *config.SourceConfig, deps Deps) *ChatPoller {
	if client == nil {
		panic("pollers.NewChatPoller: client must not be nil")
	}
	deps.validate("NewChatPoller")
	return &ChatPoller{client: client, cfg: cfg, em: newEmitter(deps, "chat")}
}

func (p *ChatPoller) Name() string { return "chat" }

func (p *ChatPoller) Poll(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-p.cfg.LookBack)
	msgs, err := p.client.MessagesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("chat query failed: %w", err)
	}

	published := 0
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		payload := map[string]any{
			"message_id": msg.ID,
			"channel":    msg.Channel,
			"user_id":    msg.UserID,
			"user_name":  msg.UserName,
			"text":       msg.Text,
			"sent":       msg.Sent.UTC().Format(time.RFC3339),
		}
		if msg.Channel != "" {
			// Conversations scope to the channel, not the user.
			payload["session_key"] = "chat:" + msg.Channel
		}
		evt := models.NewEvent(models.SourceChat, "chat.message", models.PriorityHigh,
			payload, "chat:"+msg.ID)
		if p.em.emit(ctx, "chat", msg.ID, evt) {
			published++
		}
	}
	return published, nil
}
