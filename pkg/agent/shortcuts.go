package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
)

// ruleProposalTTL is how long a classifier-proposed rule waits for review.
const ruleProposalTTL = 7 * 24 * time.Hour

// maxRuleTitleChars bounds the proposal title taken from the event text.
const maxRuleTitleChars = 80

const replyInstructions = "Write the reply to the message below. Plain text only, " +
	"no subject line, no signature block. Match the sender's tone, answer what was " +
	"asked, and keep it short. The reply goes to a human for approval before sending, " +
	"so write it ready to send."

// TeachableRule reports whether the event should short-circuit into a
// learned-rule proposal instead of the tool loop.
func TeachableRule(cls *models.Classification) bool {
	return cls != nil && cls.IsTeachableRule
}

// AutoReplyEligible reports whether the auto-reply shortcut applies: a mail
// event classified simple that needs a response. VIP and financial events
// are excluded, they go through the full loop so tools and context can
// inform the reply.
func AutoReplyEligible(evt *models.Event, cls *models.Classification) bool {
	if evt == nil || cls == nil || evt.Source != models.SourceMail {
		return false
	}
	return cls.Complexity == models.ComplexitySimple && cls.NeedsResponse &&
		!cls.InvolvesVIP && !cls.InvolvesFinancial
}

// BuildRuleProposal turns a teachable-rule event into a pending
// learned_rule proposal. The event text is the rule statement, so no LLM
// call is needed. The caller persists it.
func BuildRuleProposal(evt *models.Event, cls *models.Classification) *models.Proposal {
	text := ruleText(evt)
	category := "learned"
	confidence := 0.5
	if cls != nil {
		if cls.Category != "" {
			category = cls.Category
		}
		if cls.Confidence > 0 {
			confidence = cls.Confidence
		}
	}

	expires := time.Now().UTC().Add(ruleProposalTTL)
	return &models.Proposal{
		ID:              uuid.NewString(),
		Type:            models.ProposalLearnedRule,
		Title:           "Learned rule: " + clipText(text, maxRuleTitleChars),
		Description:     text,
		Evidence:        fmt.Sprintf("Stated directly in a %s %s event.", evt.Source, evt.EventType),
		Confidence:      confidence,
		Status:          models.ProposalStatusPending,
		ExpiresAt:       &expires,
		RelatedEventIDs: []string{evt.ID},
		Config: map[string]any{
			"origin":   "classifier",
			"category": category,
		},
	}
}

// DraftReply writes a reply draft for a simple mail event in one fast-tier
// call and returns it unsaved. The caller persists it and acks the event;
// sending happens only after operator approval.
func (e *Engine) DraftReply(ctx context.Context, evt *models.Event, cls *models.Classification) (*models.Draft, llm.Usage, error) {
	var usage llm.Usage
	if evt == nil {
		return nil, usage, fmt.Errorf("agent: event is required")
	}

	system := e.playbook.Resolve(ctx, evt.PayloadString("playbook")) +
		"\n\n" + replyInstructions
	resp, err := e.llm.Generate(ctx, config.TierFast, &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: describeEvent(evt, cls)},
		},
		MaxTokens: e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, usage, fmt.Errorf("auto-reply call failed: %w", err)
	}
	usage = resp.Usage

	body := strings.TrimSpace(resp.Text)
	if body == "" {
		return nil, usage, fmt.Errorf("auto-reply produced an empty draft")
	}

	subject := evt.PayloadString("subject")
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	category := ""
	if cls != nil {
		category = cls.Category
	}

	return &models.Draft{
		ID:              uuid.NewString(),
		SourceMessageID: evt.PayloadString("message_id"),
		ThreadID:        evt.PayloadString("thread_id"),
		ToAddress:       evt.Sender(),
		Subject:         subject,
		OriginalBody:    evt.PayloadString("body"),
		DraftBody:       body,
		Status:          models.DraftStatusPending,
		Classification:  category,
		CreatedAt:       time.Now().UTC(),
	}, usage, nil
}

// ruleText picks the payload field most likely to carry the rule statement.
func ruleText(evt *models.Event) string {
	for _, key := range []string{"body", "text", "description", "subject", "title"} {
		if v := strings.TrimSpace(evt.PayloadString(key)); v != "" {
			return v
		}
	}
	return evt.EventType
}

func clipText(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
