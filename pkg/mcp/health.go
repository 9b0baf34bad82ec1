package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
)

// HealthStatus is one server's most recent probe result.
type HealthStatus struct {
	ServerID  string    `json:"server_id"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
	ToolCount int       `json:"tool_count"`
}

// HealthMonitor periodically probes each enabled server with ListTools,
// recreates broken sessions, and refreshes the bridge's adapted tools
// after a recovery. Probes run against the shared Client so they exercise
// the same sessions the agent uses.
type HealthMonitor struct {
	client   *Client
	registry *config.ToolServerRegistry
	bridge   *Bridge

	checkInterval time.Duration
	pingTimeout   time.Duration

	statuses   map[string]*HealthStatus
	statusesMu sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHealthMonitor creates a health monitor. bridge may be nil; recovered
// servers then keep their previously adapted tools.
func NewHealthMonitor(client *Client, registry *config.ToolServerRegistry, bridge *Bridge) *HealthMonitor {
	if client == nil || registry == nil {
		panic("NewHealthMonitor: client and registry must not be nil")
	}
	return &HealthMonitor{
		client:        client,
		registry:      registry,
		bridge:        bridge,
		checkInterval: HealthInterval,
		pingTimeout:   HealthPingTimeout,
		statuses:      make(map[string]*HealthStatus),
		logger:        slog.Default().With("component", "mcp.health"),
	}
}

// Start launches the probe loop. Starting a running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop shuts the monitor down and clears its state so a later Start begins
// with a clean slate.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}

	m.statusesMu.Lock()
	m.statuses = make(map[string]*HealthStatus)
	m.statusesMu.Unlock()

	m.cancel = nil
	m.done = nil
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	m.checkAll(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *HealthMonitor) checkAll(ctx context.Context) {
	for serverID, cfg := range m.registry.GetAll() {
		if !cfg.IsEnabled() {
			continue
		}
		m.checkServer(ctx, serverID)
	}
}

func (m *HealthMonitor) checkServer(ctx context.Context, serverID string) {
	// Invalidate first so the probe hits the wire instead of the cache.
	m.client.InvalidateToolCache(serverID)

	checkCtx, checkCancel := context.WithTimeout(ctx, m.pingTimeout)
	defer checkCancel()

	tools, err := m.client.ListTools(checkCtx, serverID)
	if err == nil {
		m.setStatus(serverID, true, "", len(tools))
		return
	}

	m.logger.Debug("Health probe failed, attempting session recovery",
		"server", serverID, "error", err)

	reconCtx, reconCancel := context.WithTimeout(ctx, m.pingTimeout)
	defer reconCancel()

	if reinitErr := m.client.recreateSession(reconCtx, serverID); reinitErr != nil {
		m.setStatus(serverID, false, fmt.Sprintf("health probe failed: %s", err), 0)
		m.logger.Warn("Tool server unhealthy", "server", serverID, "error", err)
		return
	}

	retryCtx, retryCancel := context.WithTimeout(ctx, m.pingTimeout)
	defer retryCancel()

	tools, err = m.client.ListTools(retryCtx, serverID)
	if err != nil {
		m.setStatus(serverID, false, fmt.Sprintf("health probe failed after reconnect: %s", err), 0)
		m.logger.Warn("Tool server unhealthy after reconnect", "server", serverID, "error", err)
		return
	}

	m.setStatus(serverID, true, "", len(tools))
	m.logger.Info("Tool server session recovered", "server", serverID)

	// The tool set may have changed across the reconnect.
	if m.bridge != nil {
		if err := m.bridge.RegisterServerTools(ctx, serverID); err != nil {
			m.logger.Warn("Failed to refresh adapted tools after recovery",
				"server", serverID, "error", err)
		}
	}
}

func (m *HealthMonitor) setStatus(serverID string, healthy bool, errMsg string, toolCount int) {
	m.statusesMu.Lock()
	defer m.statusesMu.Unlock()
	m.statuses[serverID] = &HealthStatus{
		ServerID:  serverID,
		Healthy:   healthy,
		LastCheck: time.Now(),
		Error:     errMsg,
		ToolCount: toolCount,
	}
}

// GetStatuses returns a copy of every server's latest probe result.
func (m *HealthMonitor) GetStatuses() map[string]*HealthStatus {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	result := make(map[string]*HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		cp := *v
		result[k] = &cp
	}
	return result
}

// IsHealthy reports whether every probed server is healthy. False before
// the first probe completes.
func (m *HealthMonitor) IsHealthy() bool {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	if len(m.statuses) == 0 {
		return false
	}
	for _, s := range m.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
