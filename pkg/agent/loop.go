package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/llm"
)

// Reason runs the bounded tool loop for one event. It returns an error only
// when the provider fails, so the caller can nack and retry; tool failures
// are fed back to the model as error values and never abort the run. A run
// that exhausts the turn budget returns HitMaxTurns with no error.
func (e *Engine) Reason(ctx context.Context, in *Input) (*Result, error) {
	if in == nil || in.Event == nil {
		return nil, fmt.Errorf("agent: input event is required")
	}

	evt := in.Event
	tier := SelectTier(in.Classification, evt)
	defs := e.tools.DefinitionsFor(string(evt.Source))
	system := systemPrompt(
		e.playbook.Resolve(ctx, evt.PayloadString("playbook")),
		e.instructions(),
		in.Flags,
	)

	messages := make([]llm.Message, 0, len(in.History)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, in.History...)
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: userPrompt(evt, in.Classification, in.Plan, in.Context),
	})

	res := &Result{Tier: tier}
	start := time.Now()

	for turn := 1; turn <= e.cfg.MaxTurns; turn++ {
		resp, err := e.llm.Generate(ctx, tier, &llm.Request{
			Messages:  messages,
			Tools:     defs,
			MaxTokens: e.cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("reasoning call failed on turn %d: %w", turn, err)
		}

		res.Turns = turn
		res.Model = resp.Model
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens

		// 1. No tool calls: the model is done, the text is the answer.
		if len(resp.ToolCalls) == 0 {
			res.Text = resp.Text
			e.logger.Info("Reasoning finished",
				"event_id", evt.ID, "tier", tier, "turns", res.Turns,
				"tool_calls", res.ToolCalls,
				"latency_ms", time.Since(start).Milliseconds())
			return res, nil
		}

		// 2. Execute each requested call in provider order and feed the
		// results back as tool turns.
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			res.ToolCalls++
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    e.toolResult(ctx, call),
				ToolCallID: call.ID,
			})
		}
	}

	res.HitMaxTurns = true
	res.Text = fmt.Sprintf("Stopped after %d turns without a final answer. %d tool calls were made; a human should review the event.",
		e.cfg.MaxTurns, res.ToolCalls)
	e.logger.Warn("Reasoning hit the turn budget",
		"event_id", evt.ID, "tier", tier, "tool_calls", res.ToolCalls)
	return res, nil
}

// toolResult executes one call through the registry and renders the outcome
// as conversation text. The registry already shapes failures as
// {"error": ...} values.
func (e *Engine) toolResult(ctx context.Context, call llm.ToolCall) string {
	out := e.tools.Execute(ctx, call.Name, call.Arguments)
	text := marshalResult(out)
	if e.masker != nil {
		text = e.masker.Mask(text)
	}
	return text
}

func marshalResult(out any) string {
	switch v := out.(type) {
	case nil:
		return "null"
	case string:
		return v
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(data)
}

// instructions tolerates a nil bridge (no external tool servers).
func (e *Engine) instructions() map[string]string {
	if e.bridge == nil {
		return nil
	}
	return e.bridge.Instructions()
}
