package agent

import (
	"context"
	"strings"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
)

const plannerPrompt = "You are the planning step of an operations agent. " +
	"Given an event, write a short numbered plan (3 to 6 steps) for handling it. " +
	"One step per line, imperative voice, no commentary before or after the list."

// Plan produces a numbered plan for the event on the cheapest tier. Simple
// events skip planning. Planning is best effort: on provider failure the
// loop runs without a plan. The returned usage feeds the caller's audit row.
func (e *Engine) Plan(ctx context.Context, evt *models.Event, cls *models.Classification) (string, llm.Usage) {
	var usage llm.Usage
	if cls != nil && cls.Complexity == models.ComplexitySimple {
		return "", usage
	}

	resp, err := e.llm.Generate(ctx, config.TierFlash, &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: plannerPrompt},
			{Role: llm.RoleUser, Content: describeEvent(evt, cls)},
		},
		MaxTokens: e.cfg.PlanMaxTokens,
	})
	if err != nil {
		e.logger.Warn("Planning call failed, reasoning without a plan",
			"event_id", evt.ID, "error", err)
		return "", usage
	}
	return strings.TrimSpace(resp.Text), resp.Usage
}
