package config

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Environment label ("development", "production") and log level.
	Environment string `yaml:"environment" validate:"omitempty,oneof=development staging production"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// DashboardURL is the operator UI base used in alert links.
	DashboardURL string `yaml:"dashboard_url"`

	Queue      *QueueConfig      `yaml:"queue"`
	LLM        *LLMConfig        `yaml:"llm"`
	Agent      *AgentConfig      `yaml:"agent"`
	Embedding  *EmbeddingConfig  `yaml:"embedding"`
	Sources    *SourcesConfig    `yaml:"sources"`
	Webhooks   *WebhookConfig    `yaml:"webhooks"`
	Scheduler  *SchedulerConfig  `yaml:"scheduler"`
	Patterns   *PatternConfig    `yaml:"patterns"`
	Sessions   *SessionConfig    `yaml:"sessions"`
	Guardrails *GuardrailConfig  `yaml:"guardrails"`
	Tools      *ToolsConfig      `yaml:"tools"`
	Sandbox    *SandboxConfig    `yaml:"sandbox"`
	Alerts     *AlertsConfig     `yaml:"alerts"`
	Retention  *RetentionConfig  `yaml:"retention"`
	OAuth      *OAuthConfig      `yaml:"oauth"`

	// ToolServers holds the external tool server registry.
	ToolServers *ToolServerRegistry `yaml:"-"`
}

// AlertsConfig holds critical-alert channel settings.
type AlertsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Sources     int
	ToolServers int
	RateLimits  int
	Restricted  int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Sources != nil {
		s.Sources = c.Sources.EnabledCount()
	}
	if c.ToolServers != nil {
		s.ToolServers = c.ToolServers.Len()
	}
	if c.Guardrails != nil {
		s.RateLimits = len(c.Guardrails.RateLimits)
		s.Restricted = len(c.Guardrails.RestrictedContacts)
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetToolServer retrieves a tool server configuration by ID.
// This is a convenience method that wraps ToolServers.Get().
func (c *Config) GetToolServer(serverID string) (*ToolServerConfig, error) {
	return c.ToolServers.Get(serverID)
}

// AllToolServerIDs returns the registered tool server IDs.
func (c *Config) AllToolServerIDs() []string {
	return c.ToolServers.ServerIDs()
}

// IsProduction reports whether the environment label is "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
