package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/database"
	"github.com/opsloop/opsloop/pkg/version"
)

const (
	healthStatusHealthy   = "ok"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// --- Response types ---

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status      string                 `json:"status"`
	Agent       string                 `json:"agent"`
	Version     string                 `json:"version"`
	Environment string                 `json:"environment"`
	Checks      map[string]HealthCheck `json:"checks"`
	ToolServers []ToolServerStatus     `json:"tool_servers,omitempty"`
}

// ToolServerStatus describes the health of one external tool server.
type ToolServerStatus struct {
	ID        string `json:"id"`
	Healthy   bool   `json:"healthy"`
	LastCheck string `json:"last_check"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// --- Handlers ---

// healthHandler handles GET /health.
// Liveness only: no dependency checks, so an orchestrator never restarts the
// process because an external store is briefly unreachable.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  healthStatusHealthy,
		Agent:   version.AppName,
		Version: version.GitCommit,
	})
}

// statusHandler handles GET /status.
// Readiness and diagnostics: checks the durable store, the KV store, the
// worker pool when one runs in-process, and the external tool servers.
func (s *Server) statusHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if err := s.kvClient.Ping(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["kv"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["kv"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.workerPool != nil {
		poolHealth := s.workerPool.Health()
		if poolHealth != nil && !poolHealth.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			msg := healthStatusUnhealthy
			if poolHealth.DBError != "" {
				msg = poolHealth.DBError
			}
			checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: msg}
		} else {
			checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	var toolServers []ToolServerStatus
	if s.healthMonitor != nil {
		for serverID, st := range s.healthMonitor.GetStatuses() {
			srv := ToolServerStatus{
				ID:        serverID,
				Healthy:   st.Healthy,
				LastCheck: st.LastCheck.UTC().Format(time.RFC3339),
				ToolCount: st.ToolCount,
				Error:     st.Error,
			}
			if !st.Healthy && status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			toolServers = append(toolServers, srv)
		}
		// Sort for deterministic output.
		sort.Slice(toolServers, func(i, j int) bool {
			return toolServers[i].ID < toolServers[j].ID
		})
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &StatusResponse{
		Status:      status,
		Agent:       version.AppName,
		Version:     version.GitCommit,
		Environment: s.cfg.Environment,
		Checks:      checks,
		ToolServers: toolServers,
	})
}
