package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/test/util"
)

type fakeLLM struct {
	text string
	err  error
	last *llm.Request
	tier config.ModelTier
}

func (f *fakeLLM) Generate(_ context.Context, tier config.ModelTier, req *llm.Request) (*llm.Response, error) {
	f.last = req
	f.tier = tier
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{
		Text:  f.text,
		Usage: llm.Usage{InputTokens: 100, OutputTokens: 40},
		Model: "test/flash-model",
	}, nil
}

func testEvent() *models.Event {
	return models.NewEvent(models.SourceMail, "new_message", models.PriorityHigh,
		map[string]any{"subject": "Invoice overdue", "from": "cfo@example.com"}, "mail:msg-1")
}

func TestClassify_ParsesWellFormedJSON(t *testing.T) {
	fake := &fakeLLM{text: `{
		"category": "billing",
		"urgency": "critical",
		"complexity": "complex",
		"involves_vip": true,
		"involves_financial": true,
		"needs_response": true,
		"is_teachable_rule": false,
		"confidence": 0.92,
		"detected_language": "de"
	}`}
	c := New(fake, nil)

	result := c.Classify(context.Background(), testEvent())

	assert.Equal(t, "billing", result.Category)
	assert.Equal(t, models.PriorityCritical, result.Urgency)
	assert.Equal(t, models.ComplexityComplex, result.Complexity)
	assert.True(t, result.InvolvesVIP)
	assert.True(t, result.InvolvesFinancial)
	assert.True(t, result.NeedsResponse)
	assert.False(t, result.IsTeachableRule)
	assert.InDelta(t, 0.92, result.Confidence, 0.001)
	assert.Equal(t, "de", result.DetectedLanguage)

	assert.Equal(t, config.TierFlash, fake.tier, "classification always uses the flash tier")
	require.NotNil(t, fake.last)
	assert.Contains(t, fake.last.Messages[1].Content, "Invoice overdue")
}

func TestClassify_RecoversFromFencedJSON(t *testing.T) {
	fake := &fakeLLM{text: "Here is the classification:\n```json\n" +
		`{"category":"outage","urgency":"high","complexity":"moderate","needs_response":true,"confidence":0.8,"detected_language":"en"}` +
		"\n```"}
	c := New(fake, nil)

	result := c.Classify(context.Background(), testEvent())

	assert.Equal(t, "outage", result.Category)
	assert.Equal(t, models.PriorityHigh, result.Urgency)
	assert.InDelta(t, 0.8, result.Confidence, 0.001)
}

func TestClassify_RepairsMalformedJSON(t *testing.T) {
	// Truncated output: missing closing brace and trailing quote issues.
	fake := &fakeLLM{text: `{"category": "question", "urgency": "low", "complexity": "simple", "confidence": 0.7`}
	c := New(fake, nil)

	result := c.Classify(context.Background(), testEvent())

	assert.Equal(t, "question", result.Category)
	assert.Equal(t, models.PriorityLow, result.Urgency)
	assert.Equal(t, models.ComplexitySimple, result.Complexity)
}

func TestClassify_ProviderFailureFallsBack(t *testing.T) {
	fake := &fakeLLM{err: errors.New("provider unavailable")}
	c := New(fake, nil)

	evt := testEvent()
	result := c.Classify(context.Background(), evt)

	assert.Equal(t, "general", result.Category)
	assert.Equal(t, evt.Priority, result.Urgency, "fallback urgency inherits the event priority")
	assert.Equal(t, models.ComplexityModerate, result.Complexity)
	assert.True(t, result.NeedsResponse)
	assert.Zero(t, result.Confidence)
}

func TestClassify_GarbageOutputFallsBack(t *testing.T) {
	fake := &fakeLLM{text: "I am sorry, I cannot classify this event."}
	c := New(fake, nil)

	evt := testEvent()
	result := c.Classify(context.Background(), evt)

	assert.Equal(t, "general", result.Category)
	assert.Equal(t, evt.Priority, result.Urgency)
	assert.Zero(t, result.Confidence)
}

func TestClassify_ClampsAndDefaults(t *testing.T) {
	fake := &fakeLLM{text: `{"urgency":"sort-of-high","confidence":1.7}`}
	c := New(fake, nil)

	result := c.Classify(context.Background(), testEvent())

	assert.Equal(t, "general", result.Category, "empty category defaults")
	assert.Equal(t, models.PriorityMedium, result.Urgency, "unknown urgency maps to medium")
	assert.Equal(t, 1.0, result.Confidence, "confidence clamps to [0,1]")
	assert.Equal(t, "en", result.DetectedLanguage)
}

func TestClassify_RecordsAudit(t *testing.T) {
	db := util.SetupTestDatabase(t)
	actions := services.NewActionService(db)
	ctx := context.Background()

	fake := &fakeLLM{text: `{"category":"billing","urgency":"high","complexity":"simple","confidence":0.9,"detected_language":"en"}`}
	c := New(fake, actions)

	evt := testEvent()
	c.Classify(ctx, evt)

	entries, err := actions.List(ctx, models.ActionFilters{System: "classifier", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "classify", entries[0].ActionType)
	assert.Equal(t, "success", entries[0].Outcome)
	assert.Equal(t, "test/flash-model", entries[0].ModelUsed)
	assert.Equal(t, 100, entries[0].InputTokens)
	assert.Equal(t, 40, entries[0].OutputTokens)
	assert.Equal(t, evt.ID, entries[0].EventID)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, stripFences("prose first\n```json\n{\"a\":1}\n```\ntrailing prose"))
}
