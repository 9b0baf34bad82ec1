package pollers

import (
	"context"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
)

// MailMessage is one inbox item.
type MailMessage struct {
	ID       string
	ThreadID string
	From     string
	Subject  string
	Body     string
	Received time.Time
}

// MailClient is the narrow mail-provider surface the poller queries.
type MailClient interface {
	MessagesSince(ctx context.Context, since time.Time) ([]MailMessage, error)
}

// MailPoller sweeps the inbox for messages push delivery may have missed.
// Message ids are immutable, so the id alone dedups.
type MailPoller struct {
	client MailClient
	cfg    *config.SourceConfig
	em     emitter
}

func NewMailPoller(client MailClient, cfg *config.SourceConfig, deps Deps) *MailPoller {
	if client == nil {
		panic("pollers.NewMailPoller: client must not be nil")
	}
	deps.validate("NewMailPoller")
	return &MailPoller{client: client, cfg: cfg, em: newEmitter(deps, "mail")}
}

func (p *MailPoller) Name() string { return "mail" }

func (p *MailPoller) Poll(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-p.cfg.LookBack)
	msgs, err := p.client.MessagesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("mail query failed: %w", err)
	}

	published := 0
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		evt := models.NewEvent(models.SourceMail, "mail.message", models.PriorityMedium,
			map[string]any{
				"message_id": msg.ID,
				"thread_id":  msg.ThreadID,
				"from":       msg.From,
				"subject":    msg.Subject,
				"body":       msg.Body,
				"received":   msg.Received.UTC().Format(time.RFC3339),
			}, "mail:"+msg.ID)
		if p.em.emit(ctx, "mail", msg.ID, evt) {
			published++
		}
	}
	return published, nil
}
