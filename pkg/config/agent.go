package config

// AgentConfig tunes the reasoning loop.
type AgentConfig struct {
	// MaxTurns bounds the tool loop. One turn is one provider call.
	MaxTurns int `yaml:"max_turns" validate:"omitempty,gte=1,lte=50"`

	// MaxTokens caps each reasoning completion. Zero uses the provider
	// default.
	MaxTokens int `yaml:"max_tokens" validate:"gte=0"`

	// PlanMaxTokens caps the planning call.
	PlanMaxTokens int `yaml:"plan_max_tokens" validate:"gte=0"`

	// ContextBudget is the token budget for the formatted retrieval
	// context attached to the user turn, estimated as chars/4.
	ContextBudget int `yaml:"context_budget" validate:"gte=0"`
}

// DefaultAgentConfig returns production defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		MaxTurns:      10,
		MaxTokens:     2048,
		PlanMaxTokens: 256,
		ContextBudget: 3000,
	}
}

func agentConfigFromEnv() *AgentConfig {
	cfg := DefaultAgentConfig()
	cfg.MaxTurns = getEnvInt("AGENT_MAX_TURNS", cfg.MaxTurns)
	cfg.MaxTokens = getEnvInt("AGENT_MAX_TOKENS", cfg.MaxTokens)
	cfg.PlanMaxTokens = getEnvInt("AGENT_PLAN_MAX_TOKENS", cfg.PlanMaxTokens)
	cfg.ContextBudget = getEnvInt("AGENT_CONTEXT_BUDGET", cfg.ContextBudget)
	return cfg
}
