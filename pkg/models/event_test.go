package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventScore(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a    *Event
		b    *Event
	}{
		{
			name: "critical beats high regardless of age",
			a:    &Event{Priority: PriorityCritical, CreatedAt: base.Add(24 * time.Hour)},
			b:    &Event{Priority: PriorityHigh, CreatedAt: base},
		},
		{
			name: "high beats background",
			a:    &Event{Priority: PriorityHigh, CreatedAt: base.Add(time.Hour)},
			b:    &Event{Priority: PriorityBackground, CreatedAt: base},
		},
		{
			name: "same priority orders by timestamp",
			a:    &Event{Priority: PriorityMedium, CreatedAt: base},
			b:    &Event{Priority: PriorityMedium, CreatedAt: base.Add(time.Millisecond)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Less(t, tt.a.Score(), tt.b.Score())
		})
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(SourceTicketing, "ticket_updated", PriorityHigh, map[string]any{"ticket_id": "42"}, "ticketing:42")

	require.NotEmpty(t, e.ID)
	assert.Equal(t, EventStatusPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	assert.Equal(t, "ticketing:42", e.IdempotencyKey)
	assert.WithinDuration(t, time.Now().UTC(), e.CreatedAt, time.Second)

	other := NewEvent(SourceTicketing, "ticket_updated", PriorityHigh, nil, "")
	assert.NotEqual(t, e.ID, other.ID)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		name string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"high", PriorityHigh},
		{"medium", PriorityMedium},
		{"low", PriorityLow},
		{"background", PriorityBackground},
		{"", PriorityMedium},
		{"bogus", PriorityMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePriority(tt.name), "name=%q", tt.name)
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground} {
		assert.True(t, p.Valid())
		assert.Equal(t, p, ParsePriority(p.String()))
	}
	assert.False(t, Priority(2).Valid())
}

func TestParseComplexity(t *testing.T) {
	assert.Equal(t, ComplexitySimple, ParseComplexity("simple"))
	assert.Equal(t, ComplexityComplex, ParseComplexity("complex"))
	assert.Equal(t, ComplexityModerate, ParseComplexity("moderate"))
	assert.Equal(t, ComplexityModerate, ParseComplexity("unknown"))
	assert.Equal(t, ComplexityModerate, ParseComplexity(""))
}

func TestPayloadString(t *testing.T) {
	e := &Event{Payload: map[string]any{"from_address": "ops@example.com", "count": 3}}
	assert.Equal(t, "ops@example.com", e.PayloadString("from_address"))
	assert.Empty(t, e.PayloadString("count"))
	assert.Empty(t, e.PayloadString("missing"))

	var empty Event
	assert.Empty(t, empty.PayloadString("anything"))
}

func TestValidProposalType(t *testing.T) {
	for _, pt := range KnownProposalTypes {
		assert.True(t, ValidProposalType(pt))
	}
	assert.False(t, ValidProposalType("rename_everything"))
}

func TestBaselineKey(t *testing.T) {
	b := &Baseline{Source: "ticketing", EventType: "ticket_updated", DayOfWeek: 2, HourOfDay: 14}
	assert.Equal(t, "ticketing:ticket_updated:2:14", b.CacheKey())
	assert.Equal(t, b.CacheKey(), BaselineKey("ticketing", "ticket_updated", 2, 14))
}
