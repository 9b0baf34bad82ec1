package config

import (
	"fmt"
	"sync"
)

// TransportType identifies how to reach an external tool server.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// TransportConfig defines an external tool server transport.
type TransportConfig struct {
	Type TransportType `yaml:"type" validate:"required"`

	// For stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"` // Environment overrides for the subprocess

	// For http/sse transport
	URL         string `yaml:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
	VerifySSL   *bool  `yaml:"verify_ssl,omitempty"`
	Timeout     int    `yaml:"timeout,omitempty"` // In seconds
}

// ToolServerConfig defines one external tool server. Its tools enter the
// registry under namespaced names ("{server}__{tool}").
type ToolServerConfig struct {
	// Transport configuration (required)
	Transport TransportConfig `yaml:"transport" validate:"required"`

	// Enabled is a *bool: nil means enabled.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Groups the adapted tools join for source scoping. Defaults to the
	// server name itself.
	Groups []string `yaml:"groups,omitempty"`

	// Instructions for the model when using this server's tools.
	Instructions string `yaml:"instructions,omitempty"`
}

// IsEnabled reports whether the server should be connected at startup.
func (c *ToolServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ToolServerRegistry stores tool server configurations in memory with thread-safe access
type ToolServerRegistry struct {
	servers map[string]*ToolServerConfig
	mu      sync.RWMutex
}

// NewToolServerRegistry creates a new tool server registry
func NewToolServerRegistry(servers map[string]*ToolServerConfig) *ToolServerRegistry {
	if servers == nil {
		servers = make(map[string]*ToolServerConfig)
	}
	return &ToolServerRegistry{
		servers: servers,
	}
}

// Get retrieves a tool server configuration by ID (thread-safe)
func (r *ToolServerRegistry) Get(serverID string) (*ToolServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, exists := r.servers[serverID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolServerNotFound, serverID)
	}
	return server, nil
}

// GetAll returns all tool server configurations (thread-safe, returns copy)
func (r *ToolServerRegistry) GetAll() map[string]*ToolServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ToolServerConfig, len(r.servers))
	for k, v := range r.servers {
		result[k] = v
	}
	return result
}

// Has checks if a tool server exists in the registry (thread-safe)
func (r *ToolServerRegistry) Has(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.servers[serverID]
	return exists
}

// Add registers a server at runtime (thread-safe). Used when an approved
// external_tool_server proposal is applied without a restart.
func (r *ToolServerRegistry) Add(serverID string, cfg *ToolServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[serverID] = cfg
}

// Len returns the number of registered servers.
func (r *ToolServerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// ServerIDs returns all registered server IDs.
func (r *ToolServerRegistry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	return ids
}
