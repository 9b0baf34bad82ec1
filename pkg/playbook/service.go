package playbook

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/services"
)

//go:embed default_playbook.md
var defaultPlaybook string

// ConfigKey is the config-table slot holding the operator's playbook.
const ConfigKey = "playbook"

// DefaultCacheTTL bounds how stale a resolved playbook may be after an
// operator edit lands in the config table.
const DefaultCacheTTL = time.Minute

// Service resolves the playbook used as the reasoning system prompt.
// Resolution order: per-event override, config table entry, embedded default.
type Service struct {
	config *services.ConfigService
	cache  *cache
	logger *slog.Logger
}

// NewService creates a playbook service. ttl <= 0 uses DefaultCacheTTL.
func NewService(configService *services.ConfigService, ttl time.Duration) *Service {
	if configService == nil {
		panic("playbook.NewService: config service must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		config: configService,
		cache:  newCache(ttl),
		logger: slog.Default().With("component", "playbook"),
	}
}

// Resolve returns the playbook for one event. A non-empty override (from the
// event payload) wins outright; otherwise the operator's stored playbook, and
// failing that the built-in default. Never fails: a config-table error falls
// back to the default so reasoning is not blocked on a settings read.
func (s *Service) Resolve(ctx context.Context, override string) string {
	if text := strings.TrimSpace(override); text != "" {
		return text
	}

	if content, ok := s.cache.get(ConfigKey); ok {
		return content
	}

	raw, err := s.config.Get(ctx, ConfigKey)
	switch {
	case errors.Is(err, services.ErrNotFound):
		return defaultPlaybook
	case err != nil:
		s.logger.Warn("Playbook lookup failed, using built-in default", "error", err)
		return defaultPlaybook
	}

	var stored string
	if err := json.Unmarshal(raw, &stored); err != nil || strings.TrimSpace(stored) == "" {
		return defaultPlaybook
	}

	s.cache.set(ConfigKey, stored)
	return stored
}

// Update stores a new operator playbook and makes it visible immediately,
// bypassing the cache TTL. Used by the admin config surface and by approved
// playbook suggestions.
func (s *Service) Update(ctx context.Context, content, description string) error {
	if strings.TrimSpace(content) == "" {
		return services.NewValidationError("content", "playbook content is required")
	}
	if err := s.config.Set(ctx, ConfigKey, content, description); err != nil {
		return err
	}
	s.cache.invalidate(ConfigKey)
	return nil
}

// Default returns the embedded fallback playbook.
func (s *Service) Default() string {
	return defaultPlaybook
}
