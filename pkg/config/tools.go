package config

import "time"

// ToolsConfig scopes which tool groups each event source may use.
type ToolsConfig struct {
	// Groups maps a source name to its allowed tool groups. The registry
	// filters further by which credentials are configured.
	Groups map[string][]string `yaml:"groups,omitempty"`
}

// GroupsFor returns the allowed tool groups for a source.
func (t *ToolsConfig) GroupsFor(source string) []string {
	if groups, ok := t.Groups[source]; ok {
		return groups
	}
	return t.Groups["default"]
}

// DefaultToolsConfig returns the built-in source → tool-group scoping.
// Group names are registry group identifiers, not tool names.
func DefaultToolsConfig() *ToolsConfig {
	return &ToolsConfig{
		Groups: map[string][]string{
			"mail":      {"mail", "drafts", "knowledge", "sessions"},
			"chat":      {"chat", "knowledge", "sessions", "tickets"},
			"ticketing": {"tickets", "knowledge", "drafts"},
			"survey":    {"knowledge", "drafts"},
			"projects":  {"projects", "knowledge"},
			"drive":     {"drive", "knowledge"},
			"scheduler": {"knowledge", "tickets", "chat", "reports"},
			"admin":     {"mail", "chat", "tickets", "drafts", "knowledge", "sessions", "projects", "drive", "reports", "scripting"},
			"default":   {"knowledge"},
		},
	}
}

// SandboxConfig controls the script runner for dynamic tools and solutions.
type SandboxConfig struct {
	// Interpreter is the executable used to run validated scripts.
	Interpreter string `yaml:"interpreter"`

	// Timeout is the hard wall-clock limit per execution.
	Timeout time.Duration `yaml:"timeout"`

	// AllowedModules is the import whitelist enforced by the validator.
	AllowedModules []string `yaml:"allowed_modules,omitempty"`

	// MaxOutputBytes truncates script output beyond this size.
	MaxOutputBytes int `yaml:"max_output_bytes" validate:"gte=1024"`
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		Interpreter: "python3",
		Timeout:     45 * time.Second,
		AllowedModules: []string{
			"json", "re", "math", "datetime", "time", "collections",
			"itertools", "functools", "statistics", "textwrap", "string",
			"decimal", "hashlib", "base64", "urllib.parse", "asyncio",
		},
		MaxOutputBytes: 256 * 1024,
	}
}

func sandboxConfigFromEnv() *SandboxConfig {
	cfg := DefaultSandboxConfig()
	cfg.Interpreter = getEnv("SANDBOX_INTERPRETER", cfg.Interpreter)
	cfg.Timeout = getEnvDuration("SANDBOX_TIMEOUT", cfg.Timeout)
	return cfg
}
