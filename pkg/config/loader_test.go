package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalEnv sets the variables Initialize needs to pass validation.
func minimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LLM_PROVIDER", "openrouter")
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPSLOOP_CONFIG", "")
}

func writeOverlay(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, OverlayFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir
}

func TestInitializeFromEnvOnly(t *testing.T) {
	minimalEnv(t)
	t.Setenv("QUEUE_MAX_RETRIES", "5")
	t.Setenv("RESTRICTED_CONTACTS", "Spam@Example.com, ceo@example.com")

	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Queue.LeaseTTL)
	// Restricted contacts are normalized to lowercase.
	assert.Equal(t, []string{"spam@example.com", "ceo@example.com"}, cfg.Guardrails.RestrictedContacts)
	assert.True(t, cfg.Guardrails.IsRestricted("SPAM@example.COM"))
	assert.False(t, cfg.Guardrails.IsRestricted("friend@example.com"))
}

func TestInitializeWithOverlay(t *testing.T) {
	minimalEnv(t)
	t.Setenv("TICKETING_API_TOKEN", "tok")

	dir := writeOverlay(t, `
system:
  environment: production
  dashboard_url: https://ops.example.com
queue:
  worker_count: 4
  max_retries: 2
scheduler:
  heartbeat_interval: 30s
  morning_brief: "06:30"
guardrails:
  restricted_contacts:
    - Blocked@Example.com
sources:
  ticketing:
    look_back: 20m
tools:
  groups:
    ticketing: [tickets]
tool_servers:
  metrics:
    transport:
      type: http
      url: https://metrics.example.com/mcp
  disabled-server:
    enabled: false
    transport:
      type: stdio
      command: /usr/local/bin/unused
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://ops.example.com", cfg.DashboardURL)

	// Overlay overrides env-derived values; unset fields keep defaults.
	assert.Equal(t, 4, cfg.Queue.WorkerCount)
	assert.Equal(t, 2, cfg.Queue.MaxRetries)
	assert.Equal(t, 1*time.Second, cfg.Queue.PollInterval)

	assert.Equal(t, 30*time.Second, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, "06:30", cfg.Scheduler.MorningBrief)
	assert.Equal(t, "18:00", cfg.Scheduler.DailySummary)

	assert.Equal(t, []string{"blocked@example.com"}, cfg.Guardrails.RestrictedContacts)

	assert.Equal(t, 20*time.Minute, cfg.Sources.Ticketing.LookBack)
	assert.Equal(t, "tok", cfg.Sources.Ticketing.APIToken)
	assert.True(t, cfg.Sources.Ticketing.IsEnabled())
	assert.False(t, cfg.Sources.Mail.IsEnabled())

	assert.Equal(t, []string{"tickets"}, cfg.Tools.GroupsFor("ticketing"))
	assert.Equal(t, []string{"knowledge"}, cfg.Tools.GroupsFor("never-configured"))

	// Disabled servers are not registered.
	require.Equal(t, 1, cfg.ToolServers.Len())
	srv, err := cfg.GetToolServer("metrics")
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, srv.Transport.Type)
	assert.Equal(t, []string{"metrics"}, srv.Groups)

	_, err = cfg.GetToolServer("disabled-server")
	assert.ErrorIs(t, err, ErrToolServerNotFound)
}

func TestInitializeInvalidOverlayYAML(t *testing.T) {
	minimalEnv(t)
	dir := writeOverlay(t, "queue: [not, a, mapping")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeMissingAPIKey(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPSLOOP_CONFIG", "")

	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "llm", verr.Component)
	assert.Equal(t, "api_key", verr.Field)
}

func TestOverlayPathFromEnv(t *testing.T) {
	minimalEnv(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system:\n  environment: staging\n"), 0o600))
	t.Setenv("OPSLOOP_CONFIG", path)

	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
}
