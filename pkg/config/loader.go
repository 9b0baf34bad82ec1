package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// OverlayFileName is the optional YAML overlay loaded from the config dir.
// The OPSLOOP_CONFIG environment variable overrides the full path.
const OverlayFileName = "opsloop.yaml"

// OverlayYAMLConfig is the opsloop.yaml file structure. Every section is
// optional; set fields override the environment-derived configuration.
type OverlayYAMLConfig struct {
	System      *SystemYAMLConfig            `yaml:"system"`
	Queue       *QueueConfig                 `yaml:"queue"`
	Agent       *AgentConfig                 `yaml:"agent"`
	Scheduler   *SchedulerYAMLConfig         `yaml:"scheduler"`
	Patterns    *PatternConfig               `yaml:"patterns"`
	Sessions    *SessionConfig               `yaml:"sessions"`
	Guardrails  *GuardrailConfig             `yaml:"guardrails"`
	Sources     *SourcesConfig               `yaml:"sources"`
	Tools       *ToolsConfig                 `yaml:"tools"`
	Sandbox     *SandboxConfig               `yaml:"sandbox"`
	ToolServers map[string]*ToolServerConfig `yaml:"tool_servers"`
}

// SystemYAMLConfig groups system-wide settings in the overlay.
type SystemYAMLConfig struct {
	Environment  string           `yaml:"environment,omitempty"`
	LogLevel     string           `yaml:"log_level,omitempty"`
	DashboardURL string           `yaml:"dashboard_url,omitempty"`
	Alerts       *AlertsConfig    `yaml:"alerts,omitempty"`
	Retention    *RetentionConfig `yaml:"retention,omitempty"`
}

// SchedulerYAMLConfig mirrors SchedulerConfig with YAML-friendly fields.
type SchedulerYAMLConfig struct {
	HeartbeatInterval     string `yaml:"heartbeat_interval,omitempty"` // Parsed to time.Duration
	FeedbackAnalysisEvery int    `yaml:"feedback_analysis_every,omitempty"`
	MorningBrief          string `yaml:"morning_brief,omitempty"`
	DailySummary          string `yaml:"daily_summary,omitempty"`
	BaselineWindowDays    int    `yaml:"baseline_window_days,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Build configuration from environment variables (defaults applied)
//  2. Load the optional YAML overlay with {{.VAR}} env expansion
//  3. Merge overlay sections over the env-derived configuration
//  4. Build the tool server registry
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"environment", cfg.Environment,
		"sources_enabled", stats.Sources,
		"tool_servers", stats.ToolServers,
		"restricted_contacts", stats.Restricted)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	cfg := fromEnv(configDir)

	overlay, path, err := loadOverlay(configDir)
	if err != nil {
		return nil, NewLoadError(path, err)
	}
	if overlay != nil {
		if err := applyOverlay(cfg, overlay); err != nil {
			return nil, NewLoadError(path, err)
		}
		slog.Info("Applied configuration overlay", "path", path)
	}

	cfg.Guardrails.normalize()
	cfg.ToolServers = NewToolServerRegistry(overlayToolServers(overlay))

	return cfg, nil
}

// fromEnv builds the full environment-derived configuration.
func fromEnv(configDir string) *Config {
	return &Config{
		configDir:    configDir,
		Environment:  getEnv("ENVIRONMENT", "development"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DashboardURL: getEnv("DASHBOARD_URL", "http://localhost:5173"),
		Queue:        queueConfigFromEnv(),
		LLM:          llmConfigFromEnv(),
		Agent:        agentConfigFromEnv(),
		Embedding:    embeddingConfigFromEnv(),
		Sources:      sourcesConfigFromEnv(),
		Webhooks:     webhookConfigFromEnv(),
		Scheduler:    schedulerConfigFromEnv(),
		Patterns:     patternConfigFromEnv(),
		Sessions:     sessionConfigFromEnv(),
		Guardrails:   guardrailConfigFromEnv(),
		Tools:        DefaultToolsConfig(),
		Sandbox:      sandboxConfigFromEnv(),
		Alerts: &AlertsConfig{
			Enabled:  getEnvBool("ALERTS_ENABLED", true),
			TokenEnv: "SLACK_BOT_TOKEN",
			Channel:  getEnv("SLACK_ALERTS_CHANNEL", ""),
		},
		Retention: DefaultRetentionConfig(),
		OAuth:     oauthConfigFromEnv(),
	}
}

// loadOverlay reads the optional overlay file. A missing file is not an
// error; any other read/parse failure is.
func loadOverlay(configDir string) (*OverlayYAMLConfig, string, error) {
	path := os.Getenv("OPSLOOP_CONFIG")
	if path == "" {
		path = filepath.Join(configDir, OverlayFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, path, nil
		}
		return nil, path, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	var overlay OverlayYAMLConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, path, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &overlay, path, nil
}

// applyOverlay merges set overlay sections over the env-derived config.
// Non-zero overlay values win (mergo.WithOverride).
func applyOverlay(cfg *Config, overlay *OverlayYAMLConfig) error {
	if sys := overlay.System; sys != nil {
		if sys.Environment != "" {
			cfg.Environment = sys.Environment
		}
		if sys.LogLevel != "" {
			cfg.LogLevel = sys.LogLevel
		}
		if sys.DashboardURL != "" {
			cfg.DashboardURL = sys.DashboardURL
		}
		if sys.Alerts != nil {
			cfg.Alerts = sys.Alerts
			if cfg.Alerts.TokenEnv == "" {
				cfg.Alerts.TokenEnv = "SLACK_BOT_TOKEN"
			}
		}
		if sys.Retention != nil {
			if err := mergo.Merge(cfg.Retention, sys.Retention, mergo.WithOverride); err != nil {
				return fmt.Errorf("failed to merge retention config: %w", err)
			}
		}
	}

	if overlay.Queue != nil {
		if err := mergo.Merge(cfg.Queue, overlay.Queue, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge queue config: %w", err)
		}
	}
	if overlay.Agent != nil {
		if err := mergo.Merge(cfg.Agent, overlay.Agent, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge agent config: %w", err)
		}
	}
	if overlay.Scheduler != nil {
		resolveSchedulerOverlay(cfg.Scheduler, overlay.Scheduler)
	}
	if overlay.Patterns != nil {
		if err := mergo.Merge(cfg.Patterns, overlay.Patterns, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge patterns config: %w", err)
		}
	}
	if overlay.Sessions != nil {
		if err := mergo.Merge(cfg.Sessions, overlay.Sessions, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge sessions config: %w", err)
		}
	}
	if overlay.Guardrails != nil {
		// Restricted lists are replaced, not unioned: the overlay owns the
		// policy when it sets one.
		if len(overlay.Guardrails.RestrictedContacts) > 0 {
			cfg.Guardrails.RestrictedContacts = overlay.Guardrails.RestrictedContacts
		}
		if overlay.Guardrails.DefaultRateLimit != nil {
			cfg.Guardrails.DefaultRateLimit = overlay.Guardrails.DefaultRateLimit
		}
		for tool, rl := range overlay.Guardrails.RateLimits {
			cfg.Guardrails.RateLimits[tool] = rl
		}
	}
	if overlay.Sources != nil {
		if err := mergeSources(cfg.Sources, overlay.Sources); err != nil {
			return err
		}
	}
	if overlay.Tools != nil {
		for source, groups := range overlay.Tools.Groups {
			cfg.Tools.Groups[source] = groups
		}
	}
	if overlay.Sandbox != nil {
		if err := mergo.Merge(cfg.Sandbox, overlay.Sandbox, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge sandbox config: %w", err)
		}
	}

	return nil
}

// mergeSources merges per-source overlay entries, preserving env-resolved
// credentials (tokens never come from YAML).
func mergeSources(dst, src *SourcesConfig) error {
	dstAll := dst.All()
	for name, overlay := range src.All() {
		if overlay == nil {
			continue
		}
		target := dstAll[name]
		token := target.APIToken
		if err := mergo.Merge(target, overlay, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge source %s: %w", name, err)
		}
		target.APIToken = token
	}
	return nil
}

// resolveSchedulerOverlay applies the YAML-friendly scheduler fields.
func resolveSchedulerOverlay(cfg *SchedulerConfig, overlay *SchedulerYAMLConfig) {
	if overlay.HeartbeatInterval != "" {
		if d, err := time.ParseDuration(overlay.HeartbeatInterval); err == nil {
			cfg.HeartbeatInterval = d
		} else {
			slog.Warn("Invalid heartbeat_interval in scheduler config, using default",
				"value", overlay.HeartbeatInterval,
				"default", cfg.HeartbeatInterval,
				"error", err)
		}
	}
	if overlay.FeedbackAnalysisEvery > 0 {
		cfg.FeedbackAnalysisEvery = overlay.FeedbackAnalysisEvery
	}
	if overlay.MorningBrief != "" {
		cfg.MorningBrief = overlay.MorningBrief
	}
	if overlay.DailySummary != "" {
		cfg.DailySummary = overlay.DailySummary
	}
	if overlay.BaselineWindowDays > 0 {
		cfg.BaselineWindowDays = overlay.BaselineWindowDays
	}
}

// overlayToolServers extracts tool server definitions from the overlay.
func overlayToolServers(overlay *OverlayYAMLConfig) map[string]*ToolServerConfig {
	if overlay == nil || overlay.ToolServers == nil {
		return map[string]*ToolServerConfig{}
	}
	servers := make(map[string]*ToolServerConfig, len(overlay.ToolServers))
	for id, srv := range overlay.ToolServers {
		if srv == nil || !srv.IsEnabled() {
			continue
		}
		if len(srv.Groups) == 0 {
			srv.Groups = []string{id}
		}
		servers[id] = srv
	}
	return servers
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}
