package guardrails

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/models"
)

func newTestEngine(t *testing.T, cfg *config.GuardrailConfig) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvClient := kv.NewClientFromRedis(rdb)
	t.Cleanup(func() { _ = kvClient.Close() })
	return New(cfg, kvClient, nil), mr
}

func mailEvent(from string) *models.Event {
	return models.NewEvent(models.SourceMail, "new_message", models.PriorityMedium,
		map[string]any{"from": from, "subject": "hello"}, "")
}

func TestCheckSender_BlocksRestrictedSender(t *testing.T) {
	cfg := config.DefaultGuardrailConfig()
	cfg.RestrictedContacts = []string{"lawyer@external.com"}
	engine, _ := newTestEngine(t, cfg)

	verdict := engine.CheckSender(context.Background(), mailEvent("Lawyer@External.com"))
	assert.False(t, verdict.Allowed, "match is case-insensitive")
	assert.Equal(t, RuleRestrictedContact, verdict.Rule)

	verdict = engine.CheckSender(context.Background(), mailEvent("friend@example.com"))
	assert.True(t, verdict.Allowed)
	assert.Empty(t, verdict.Rule)
}

func TestCheckSender_SkipFlagBypassesBlocking(t *testing.T) {
	cfg := config.DefaultGuardrailConfig()
	cfg.RestrictedContacts = []string{"blocked@example.com"}
	engine, _ := newTestEngine(t, cfg)

	evt := mailEvent("blocked@example.com")
	evt.Payload[SkipFlagKey] = true

	verdict := engine.CheckSender(context.Background(), evt)
	assert.True(t, verdict.Allowed, "override skips the restricted-contact rule")
}

func TestCheckSender_SenderFallbackKey(t *testing.T) {
	cfg := config.DefaultGuardrailConfig()
	cfg.RestrictedContacts = []string{"troll@forum.net"}
	engine, _ := newTestEngine(t, cfg)

	evt := models.NewEvent(models.SourceChat, "message", models.PriorityMedium,
		map[string]any{"sender": "troll@forum.net"}, "")
	verdict := engine.CheckSender(context.Background(), evt)
	assert.False(t, verdict.Allowed)
}

func TestFlags_VIPAndFinancial(t *testing.T) {
	engine, _ := newTestEngine(t, config.DefaultGuardrailConfig())

	assert.Empty(t, engine.Flags(nil))
	assert.Empty(t, engine.Flags(&models.Classification{}))
	assert.ElementsMatch(t, []string{FlagVIP, FlagFinancial},
		engine.Flags(&models.Classification{InvolvesVIP: true, InvolvesFinancial: true}))
	assert.Equal(t, []string{FlagFinancial},
		engine.Flags(&models.Classification{InvolvesFinancial: true}))
}

func TestAllowToolUse_EnforcesWindow(t *testing.T) {
	cfg := config.DefaultGuardrailConfig()
	cfg.RateLimits["send_mail"] = &config.RateLimitConfig{Max: 2, Window: time.Hour}
	engine, mr := newTestEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := engine.AllowToolUse(ctx, "send_mail")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := engine.AllowToolUse(ctx, "send_mail")
	require.NoError(t, err)
	assert.False(t, allowed, "third call exceeds max=2")

	// A different tool draws from the default budget, not the exhausted one.
	allowed, err = engine.AllowToolUse(ctx, "search_knowledge")
	require.NoError(t, err)
	assert.True(t, allowed)

	// The counter expires with its window.
	mr.FastForward(2 * time.Hour)
	allowed, err = engine.AllowToolUse(ctx, "send_mail")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowToolUse_UnlimitedWithoutConfig(t *testing.T) {
	cfg := &config.GuardrailConfig{}
	engine, _ := newTestEngine(t, cfg)

	for i := 0; i < 100; i++ {
		allowed, err := engine.AllowToolUse(context.Background(), "anything")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}
