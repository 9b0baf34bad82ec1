package config

import (
	"strings"
	"time"
)

// RateLimitConfig is one sliding-window budget.
type RateLimitConfig struct {
	Max    int           `yaml:"max" validate:"gte=1"`
	Window time.Duration `yaml:"window"`
}

// GuardrailConfig holds the deterministic pre-action checks.
type GuardrailConfig struct {
	// RestrictedContacts blocks any event whose sender matches one of these
	// addresses (exact, case-insensitive). Stored lowercased.
	RestrictedContacts []string `yaml:"restricted_contacts,omitempty"`

	// DefaultRateLimit applies to tools without a per-tool entry.
	DefaultRateLimit *RateLimitConfig `yaml:"default_rate_limit,omitempty"`

	// RateLimits overrides the default per tool name.
	RateLimits map[string]*RateLimitConfig `yaml:"rate_limits,omitempty"`
}

// IsRestricted reports whether addr is on the restricted list.
func (g *GuardrailConfig) IsRestricted(addr string) bool {
	needle := strings.ToLower(strings.TrimSpace(addr))
	if needle == "" {
		return false
	}
	for _, c := range g.RestrictedContacts {
		if c == needle {
			return true
		}
	}
	return false
}

// RateLimitFor resolves the effective limit for a tool.
func (g *GuardrailConfig) RateLimitFor(tool string) *RateLimitConfig {
	if rl, ok := g.RateLimits[tool]; ok && rl != nil {
		return rl
	}
	return g.DefaultRateLimit
}

// normalize lowercases and de-duplicates the restricted list.
func (g *GuardrailConfig) normalize() {
	seen := make(map[string]bool, len(g.RestrictedContacts))
	out := g.RestrictedContacts[:0]
	for _, c := range g.RestrictedContacts {
		lc := strings.ToLower(strings.TrimSpace(c))
		if lc == "" || seen[lc] {
			continue
		}
		seen[lc] = true
		out = append(out, lc)
	}
	g.RestrictedContacts = out
}

// DefaultGuardrailConfig returns the built-in guardrail defaults.
func DefaultGuardrailConfig() *GuardrailConfig {
	return &GuardrailConfig{
		DefaultRateLimit: &RateLimitConfig{Max: 30, Window: time.Hour},
		RateLimits:       map[string]*RateLimitConfig{},
	}
}

func guardrailConfigFromEnv() *GuardrailConfig {
	cfg := DefaultGuardrailConfig()
	cfg.RestrictedContacts = getEnvList("RESTRICTED_CONTACTS")
	cfg.DefaultRateLimit.Max = getEnvInt("RATE_LIMIT_MAX", cfg.DefaultRateLimit.Max)
	cfg.DefaultRateLimit.Window = getEnvDuration("RATE_LIMIT_WINDOW", cfg.DefaultRateLimit.Window)
	cfg.normalize()
	return cfg
}
