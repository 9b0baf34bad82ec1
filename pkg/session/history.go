package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
)

// Rough chars-per-token estimate; the history budget is maxTokens·4 chars.
const charsPerHistoryToken = 4

// Per-message cap when rendering a transcript for summarization.
const maxCompactMessageChars = 1000

const (
	summaryScaffoldPrompt = "What do you remember from our conversation so far?"
	summaryScaffoldPrefix = "Summary of the conversation so far: "
)

const compactSystemPrompt = `You maintain the long-term memory of an operations agent. Condense the conversation below into a compact summary that preserves: outstanding requests and their status; decisions and commitments made; names, identifiers, amounts, and dates; the user's stated preferences or corrections. Write plain prose, at most 300 words. Respond with ONLY the summary text.`

// LoadHistory returns a session's conversation in provider form. The stored
// summary, if any, is prepended as a user/assistant scaffold pair; stored
// messages are trimmed oldest-first in pairs until the estimated token total
// fits maxTokens. A non-empty result always starts with a user turn and ends
// with an assistant turn.
func (m *Manager) LoadHistory(ctx context.Context, sessionID string, maxMessages, maxTokens int) ([]llm.Message, error) {
	if maxMessages <= 0 {
		maxMessages = m.cfg.MaxMessages
	}

	sess, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stored, err := m.store.Messages(ctx, sessionID, maxMessages)
	if err != nil {
		return nil, err
	}

	history := make([]llm.Message, 0, len(stored))
	for _, msg := range stored {
		switch msg.Role {
		case models.RoleUser:
			history = append(history, llm.UserMessage(msg.Content))
		case models.RoleAssistant:
			history = append(history, llm.AssistantMessage(msg.Content, nil))
		}
	}
	history = normalizeAlternation(history)

	var scaffold []llm.Message
	if sess.Summary != "" {
		scaffold = []llm.Message{
			llm.UserMessage(summaryScaffoldPrompt),
			llm.AssistantMessage(summaryScaffoldPrefix+sess.Summary, nil),
		}
	}

	if maxTokens > 0 {
		budget := maxTokens * charsPerHistoryToken
		for messageChars(scaffold)+messageChars(history) > budget && len(history) >= 2 {
			history = normalizeAlternation(history[2:])
		}
	}

	if len(scaffold) > 0 {
		return append(scaffold, history...), nil
	}
	return history, nil
}

// compact folds everything but the newest CompactionKeepLast messages into
// the session summary via a flash-tier call, then deletes the folded span.
// The existing summary is included so nothing already condensed is lost.
func (m *Manager) compact(ctx context.Context, sessionID string, count int) error {
	keep := m.cfg.CompactionKeepLast
	msgs, err := m.store.Messages(ctx, sessionID, count)
	if err != nil {
		return err
	}
	if len(msgs) <= keep {
		return nil
	}

	sess, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	var b strings.Builder
	if sess.Summary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(sess.Summary)
		b.WriteString("\n\nConversation since then:\n")
	}
	for _, msg := range msgs[:len(msgs)-keep] {
		content := msg.Content
		if len(content) > maxCompactMessageChars {
			content = content[:maxCompactMessageChars] + "…(truncated)"
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
	}

	req := &llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(compactSystemPrompt),
			llm.UserMessage(b.String()),
		},
		MaxTokens:   512,
		Temperature: 0,
	}
	resp, err := m.llm.Generate(ctx, config.TierFlash, req)
	if err != nil {
		return fmt.Errorf("summarization call failed: %w", err)
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return fmt.Errorf("summarization returned empty text")
	}

	// Summary first, deletion second: a failure in between leaves the full
	// history alongside a redundant summary, which LoadHistory tolerates.
	if err := m.store.UpdateSummary(ctx, sessionID, summary); err != nil {
		return err
	}
	folded, err := m.store.DeleteMessagesExceptLast(ctx, sessionID, keep)
	if err != nil {
		return err
	}

	m.logger.Info("Session history compacted",
		"session_id", sessionID, "folded", folded, "kept", keep)
	return nil
}

// normalizeAlternation cuts leading non-user and trailing non-assistant
// turns so the window is safe to hand a provider.
func normalizeAlternation(history []llm.Message) []llm.Message {
	start := 0
	for start < len(history) && history[start].Role != llm.RoleUser {
		start++
	}
	end := len(history)
	for end > start && history[end-1].Role != llm.RoleAssistant {
		end--
	}
	return history[start:end]
}

func messageChars(msgs []llm.Message) int {
	total := 0
	for _, msg := range msgs {
		total += len(msg.Content)
	}
	return total
}
