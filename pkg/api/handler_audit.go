package api

import (
	"net/http"
	"sort"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/models"
)

// --- Response types ---

// IntegrationStatus describes one upstream source's configuration state.
// Credentials never appear here, only whether one is present.
type IntegrationStatus struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	LookBack string `json:"look_back,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// IntegrationsResponse is returned by GET /admin/integrations.
type IntegrationsResponse struct {
	Sources         []IntegrationStatus `json:"sources"`
	ToolServers     []ToolServerStatus  `json:"tool_servers"`
	OAuthConfigured bool                `json:"oauth_configured"`
}

// --- Handlers ---

// listActionsHandler handles GET /admin/actions.
// Query: system, action_type, outcome, sender, since, limit, offset.
func (s *Server) listActionsHandler(c *echo.Context) error {
	filters := models.ActionFilters{
		System:     c.QueryParam("system"),
		ActionType: c.QueryParam("action_type"),
		Outcome:    c.QueryParam("outcome"),
		Sender:     c.QueryParam("sender"),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	if since := querySince(c, "since"); !since.IsZero() {
		filters.Since = &since
	}

	actions, err := s.svc.Actions.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	if actions == nil {
		actions = []*models.ActionLogEntry{}
	}
	return c.JSON(http.StatusOK, actions)
}

// listEventsHandler handles GET /admin/events.
// Query: source, event_type, status, since, limit, offset.
func (s *Server) listEventsHandler(c *echo.Context) error {
	events, err := s.svc.Events.List(c.Request().Context(), models.EventFilters{
		Source:    c.QueryParam("source"),
		EventType: c.QueryParam("event_type"),
		Status:    c.QueryParam("status"),
		Since:     querySince(c, "since"),
		Limit:     queryInt(c, "limit", 50),
		Offset:    queryInt(c, "offset", 0),
	})
	if err != nil {
		return mapServiceError(err)
	}
	if events == nil {
		events = []*models.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// getEventHandler handles GET /admin/events/:id.
func (s *Server) getEventHandler(c *echo.Context) error {
	evt, err := s.svc.Events.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, evt)
}

// chatHistoryHandler handles GET /admin/chat-history.
// Without session_id it lists chat sessions; with one it returns that
// session's messages in chronological order.
func (s *Server) chatHistoryHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	if sessionID := c.QueryParam("session_id"); sessionID != "" {
		messages, err := s.svc.Sessions.Messages(ctx, sessionID, queryInt(c, "limit", 200))
		if err != nil {
			return mapServiceError(err)
		}
		if messages == nil {
			messages = []*models.SessionMessage{}
		}
		return c.JSON(http.StatusOK, messages)
	}

	sessions, err := s.svc.Sessions.List(ctx, models.PlatformChat,
		queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		return mapServiceError(err)
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// listSolutionsHandler handles GET /admin/solutions.
// Query: active, limit.
func (s *Server) listSolutionsHandler(c *echo.Context) error {
	solutions, err := s.svc.Solutions.List(c.Request().Context(),
		queryBool(c, "active", false), queryInt(c, "limit", 100))
	if err != nil {
		return mapServiceError(err)
	}
	if solutions == nil {
		solutions = []*models.Solution{}
	}
	return c.JSON(http.StatusOK, solutions)
}

// integrationsHandler handles GET /admin/integrations.
func (s *Server) integrationsHandler(c *echo.Context) error {
	resp := IntegrationsResponse{
		Sources:         []IntegrationStatus{},
		ToolServers:     []ToolServerStatus{},
		OAuthConfigured: s.cfg.OAuth != nil && s.cfg.OAuth.IsConfigured(),
	}

	for name, src := range s.cfg.Sources.All() {
		status := IntegrationStatus{Name: name, Enabled: src.IsEnabled()}
		if src != nil {
			if src.LookBack > 0 {
				status.LookBack = src.LookBack.String()
			}
			status.BaseURL = src.BaseURL
		}
		resp.Sources = append(resp.Sources, status)
	}
	sort.Slice(resp.Sources, func(i, j int) bool {
		return resp.Sources[i].Name < resp.Sources[j].Name
	})

	if s.healthMonitor != nil {
		for serverID, st := range s.healthMonitor.GetStatuses() {
			resp.ToolServers = append(resp.ToolServers, ToolServerStatus{
				ID:        serverID,
				Healthy:   st.Healthy,
				LastCheck: st.LastCheck.UTC().Format(time.RFC3339),
				ToolCount: st.ToolCount,
				Error:     st.Error,
			})
		}
		sort.Slice(resp.ToolServers, func(i, j int) bool {
			return resp.ToolServers[i].ID < resp.ToolServers[j].ID
		})
	}

	return c.JSON(http.StatusOK, resp)
}
