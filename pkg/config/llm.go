package config

import "time"

// Model tiers, cheapest to strongest. The classifier and compaction use
// flash; the reasoning loop picks a tier from the classification.
type ModelTier string

const (
	TierFlash   ModelTier = "flash"
	TierFast    ModelTier = "fast"
	TierDefault ModelTier = "default"
	TierPro     ModelTier = "pro"
)

// LLMConfig selects the provider and maps tiers to model identifiers.
type LLMConfig struct {
	// Provider is the active provider: openrouter, openai or anthropic.
	// Overridable at runtime via the llm_provider KV flag.
	Provider string `yaml:"provider" validate:"omitempty,oneof=openrouter openai anthropic"`

	// API keys per provider. Only the active provider's key is required.
	OpenRouterAPIKey string `yaml:"-"`
	OpenAIAPIKey     string `yaml:"-"`
	AnthropicAPIKey  string `yaml:"-"`

	// OpenRouterBaseURL points the OpenAI-compatible client at OpenRouter.
	OpenRouterBaseURL string `yaml:"openrouter_base_url"`

	// Models maps tier names to provider model identifiers.
	Models map[ModelTier]string `yaml:"models"`

	// MaxTokens caps completion length per call.
	MaxTokens int `yaml:"max_tokens" validate:"gte=0"`

	// Timeout is the hard per-call deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// Model resolves a tier to its configured model identifier, falling back
// tier → default → flash so a partially configured map still works.
func (c *LLMConfig) Model(tier ModelTier) string {
	if m, ok := c.Models[tier]; ok && m != "" {
		return m
	}
	if m, ok := c.Models[TierDefault]; ok && m != "" {
		return m
	}
	return c.Models[TierFlash]
}

// APIKey returns the key for the given provider name.
func (c *LLMConfig) APIKey(provider string) string {
	switch provider {
	case "openrouter":
		return c.OpenRouterAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	}
	return ""
}

// EmbeddingConfig selects the embedding provider and model.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider" validate:"omitempty,oneof=openai"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultLLMConfig returns the built-in LLM defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:          "openrouter",
		OpenRouterBaseURL: "https://openrouter.ai/api/v1",
		Models: map[ModelTier]string{
			TierFlash:   "google/gemini-2.5-flash-lite",
			TierFast:    "google/gemini-2.5-flash",
			TierDefault: "anthropic/claude-sonnet-4.5",
			TierPro:     "anthropic/claude-opus-4.1",
		},
		MaxTokens: 2048,
		Timeout:   90 * time.Second,
	}
}

// DefaultEmbeddingConfig returns the built-in embedding defaults.
func DefaultEmbeddingConfig() *EmbeddingConfig {
	return &EmbeddingConfig{
		Provider:   "openai",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

func llmConfigFromEnv() *LLMConfig {
	cfg := DefaultLLMConfig()
	cfg.Provider = getEnv("LLM_PROVIDER", cfg.Provider)
	cfg.OpenRouterAPIKey = getEnv("OPENROUTER_API_KEY", "")
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", "")
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", "")
	cfg.OpenRouterBaseURL = getEnv("OPENROUTER_BASE_URL", cfg.OpenRouterBaseURL)
	if m := getEnv("MODEL_FLASH", ""); m != "" {
		cfg.Models[TierFlash] = m
	}
	if m := getEnv("MODEL_FAST", ""); m != "" {
		cfg.Models[TierFast] = m
	}
	if m := getEnv("MODEL_DEFAULT", ""); m != "" {
		cfg.Models[TierDefault] = m
	}
	if m := getEnv("MODEL_PRO", ""); m != "" {
		cfg.Models[TierPro] = m
	}
	cfg.MaxTokens = getEnvInt("LLM_MAX_TOKENS", cfg.MaxTokens)
	cfg.Timeout = getEnvDuration("LLM_TIMEOUT", cfg.Timeout)
	return cfg
}

func embeddingConfigFromEnv() *EmbeddingConfig {
	cfg := DefaultEmbeddingConfig()
	cfg.Provider = getEnv("EMBEDDING_PROVIDER", cfg.Provider)
	cfg.Model = getEnv("EMBEDDING_MODEL", cfg.Model)
	cfg.Dimensions = getEnvInt("EMBEDDING_DIMENSIONS", cfg.Dimensions)
	cfg.Timeout = getEnvDuration("EMBEDDING_TIMEOUT", cfg.Timeout)
	return cfg
}
