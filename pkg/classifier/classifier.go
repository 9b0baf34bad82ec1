// Package classifier turns raw events into structured labels with one
// flash-tier LLM call. It never fails the pipeline: provider errors and
// undecodable output degrade to a safe default classification.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// maxPayloadChars bounds how much of the event payload rides the prompt.
const maxPayloadChars = 4000

// LLMClient is the slice of the provider router the classifier uses.
type LLMClient interface {
	Generate(ctx context.Context, tier config.ModelTier, req *llm.Request) (*llm.Response, error)
}

// Classifier labels events. actions may be nil (audit logging disabled).
type Classifier struct {
	llm     LLMClient
	actions *services.ActionService
	logger  *slog.Logger
}

// New creates a classifier over the given provider router.
func New(llmClient LLMClient, actions *services.ActionService) *Classifier {
	if llmClient == nil {
		panic("classifier.New: llm client must not be nil")
	}
	return &Classifier{
		llm:     llmClient,
		actions: actions,
		logger:  slog.Default().With("component", "classifier"),
	}
}

const classifySystemPrompt = `You are the triage step of an operations agent. Classify the incoming event.

Respond with ONLY a JSON object, no prose, in exactly this shape:
{
  "category": "<short label, e.g. billing, outage, question, spam, feedback>",
  "urgency": "<critical|high|medium|low|background>",
  "complexity": "<simple|moderate|complex>",
  "involves_vip": <bool, true when a key customer or executive is involved>,
  "involves_financial": <bool, true for invoices, payments, refunds, contracts>,
  "needs_response": <bool, true when a human-visible reply is expected>,
  "is_teachable_rule": <bool, true when the message is an instruction for how the agent should behave in the future>,
  "confidence": <0.0-1.0>,
  "detected_language": "<ISO 639-1 code of the event's main language>"
}`

const classifyUserTemplate = `Source: %s
Event type: %s
Queue priority: %s

Payload:
%s`

// Classify labels one event. The returned classification is never nil; on
// any failure it is the safe default derived from the event priority.
func (c *Classifier) Classify(ctx context.Context, evt *models.Event) *models.Classification {
	start := time.Now()

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	body := string(payload)
	if len(body) > maxPayloadChars {
		body = body[:maxPayloadChars] + "…(truncated)"
	}

	req := &llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(classifySystemPrompt),
			llm.UserMessage(fmt.Sprintf(classifyUserTemplate,
				evt.Source, evt.EventType, evt.Priority.String(), body)),
		},
		MaxTokens:   512,
		Temperature: 0,
	}

	resp, err := c.llm.Generate(ctx, config.TierFlash, req)
	if err != nil {
		c.logger.Warn("Classification call failed, using default",
			"event_id", evt.ID, "error", err)
		c.record(ctx, evt, nil, "fallback", time.Since(start), map[string]any{"error": err.Error()})
		return models.DefaultClassification(evt.Priority)
	}

	result, parseErr := parseClassification(resp.Text, evt.Priority)
	outcome := "success"
	var details map[string]any
	if parseErr != nil {
		c.logger.Warn("Undecodable classification output, using default",
			"event_id", evt.ID, "error", parseErr)
		outcome = "fallback"
		details = map[string]any{"error": parseErr.Error()}
	} else {
		details = map[string]any{
			"category":   result.Category,
			"urgency":    result.Urgency.String(),
			"complexity": string(result.Complexity),
			"confidence": result.Confidence,
		}
	}
	c.record(ctx, evt, resp, outcome, time.Since(start), details)

	if parseErr != nil {
		return models.DefaultClassification(evt.Priority)
	}
	return result
}

// wireClassification is the provider-facing JSON shape.
type wireClassification struct {
	Category          string  `json:"category"`
	Urgency           string  `json:"urgency"`
	Complexity        string  `json:"complexity"`
	InvolvesVIP       bool    `json:"involves_vip"`
	InvolvesFinancial bool    `json:"involves_financial"`
	NeedsResponse     bool    `json:"needs_response"`
	IsTeachableRule   bool    `json:"is_teachable_rule"`
	Confidence        float64 `json:"confidence"`
	DetectedLanguage  string  `json:"detected_language"`
}

// parseClassification runs the recovery ladder: strip fenced code, direct
// unmarshal, jsonrepair, then give up.
func parseClassification(text string, eventPriority models.Priority) (*models.Classification, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, fmt.Errorf("empty classification output")
	}

	var wire wireClassification
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("unparseable classification output: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
			return nil, fmt.Errorf("unparseable classification output after repair: %w", err)
		}
	}

	result := &models.Classification{
		Category:          strings.TrimSpace(wire.Category),
		Urgency:           models.ParsePriority(wire.Urgency),
		Complexity:        models.ParseComplexity(wire.Complexity),
		InvolvesVIP:       wire.InvolvesVIP,
		InvolvesFinancial: wire.InvolvesFinancial,
		NeedsResponse:     wire.NeedsResponse,
		IsTeachableRule:   wire.IsTeachableRule,
		Confidence:        wire.Confidence,
		DetectedLanguage:  strings.TrimSpace(wire.DetectedLanguage),
	}
	if result.Category == "" {
		result.Category = "general"
	}
	if wire.Urgency == "" {
		result.Urgency = eventPriority
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	if result.DetectedLanguage == "" {
		result.DetectedLanguage = "en"
	}
	return result, nil
}

// stripFences unwraps a ```json ... ``` (or bare ```) block when the model
// ignored the no-prose instruction.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "```")
	if start == -1 {
		return trimmed
	}
	rest := trimmed[start+3:]
	if idx := strings.Index(rest, "\n"); idx != -1 && len(strings.TrimSpace(rest[:idx])) <= len("json") {
		// Opening fence with a language tag on the same line.
		rest = rest[idx+1:]
	}
	if end := strings.Index(rest, "```"); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// record writes the audit row. resp may be nil when the call itself failed.
func (c *Classifier) record(ctx context.Context, evt *models.Event, resp *llm.Response, outcome string, latency time.Duration, details map[string]any) {
	if c.actions == nil {
		return
	}
	entry := &models.ActionLogEntry{
		System:     "classifier",
		ActionType: "classify",
		Outcome:    outcome,
		LatencyMs:  int(latency.Milliseconds()),
		Details:    details,
		EventID:    evt.ID,
	}
	if resp != nil {
		entry.ModelUsed = resp.Model
		entry.InputTokens = resp.Usage.InputTokens
		entry.OutputTokens = resp.Usage.OutputTokens
	}
	if err := c.actions.Record(ctx, entry); err != nil {
		c.logger.Warn("Failed to record classification action", "event_id", evt.ID, "error", err)
	}
}
