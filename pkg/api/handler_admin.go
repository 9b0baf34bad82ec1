package api

import (
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/models"
)

// --- Response types ---

// AdminStatusResponse is the operator's one-glance view of the system.
type AdminStatusResponse struct {
	QueueDepth       int64                  `json:"queue_depth"`
	Paused           bool                   `json:"paused"`
	PendingDrafts    int                    `json:"pending_drafts"`
	PendingProposals int                    `json:"pending_proposals"`
	UnresolvedDLQ    int                    `json:"unresolved_dlq"`
	EventCounts      map[string]int         `json:"event_counts"`
	LastAction       *models.ActionLogEntry `json:"last_action,omitempty"`
}

// --- Handlers ---

// adminStatusHandler handles GET /admin/status.
func (s *Server) adminStatusHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	paused, err := s.queue.IsPaused(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	pendingDrafts, err := s.svc.Drafts.CountPending(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	pendingProposals, err := s.svc.Proposals.CountPending(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	unresolved, err := s.svc.DLQ.CountUnresolved(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	byStatus, err := s.svc.Events.CountByStatus(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	counts := make(map[string]int, len(byStatus))
	for status, n := range byStatus {
		counts[string(status)] = n
	}

	resp := &AdminStatusResponse{
		QueueDepth:       depth,
		Paused:           paused,
		PendingDrafts:    pendingDrafts,
		PendingProposals: pendingProposals,
		UnresolvedDLQ:    unresolved,
		EventCounts:      counts,
	}
	if last, err := s.svc.Actions.List(ctx, models.ActionFilters{Limit: 1}); err == nil && len(last) > 0 {
		resp.LastAction = last[0]
	}
	return c.JSON(http.StatusOK, resp)
}

// pauseQueueHandler handles POST /admin/queue/pause.
// Consumers drain their current events and stop claiming new ones.
func (s *Server) pauseQueueHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if err := s.queue.Pause(ctx); err != nil {
		return mapServiceError(err)
	}
	s.audit(c, "queue_pause", map[string]any{})
	return c.JSON(http.StatusOK, &AckResponse{Status: "paused"})
}

// resumeQueueHandler handles POST /admin/queue/resume.
func (s *Server) resumeQueueHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if err := s.queue.Resume(ctx); err != nil {
		return mapServiceError(err)
	}
	s.audit(c, "queue_resume", map[string]any{})
	return c.JSON(http.StatusOK, &AckResponse{Status: "resumed"})
}

// injectEventHandler handles POST /admin/inject-event.
// Manual injection for testing flows and replaying scenarios. No dedup key:
// injecting the same thing twice is presumed deliberate.
func (s *Server) injectEventHandler(c *echo.Context) error {
	var req models.InjectEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EventType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event_type is required")
	}
	source := models.Source(req.Source)
	if source == "" {
		source = models.SourceAdmin
	}
	if !models.ValidSource(source) {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unknown source %q", req.Source))
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if req.Text != "" {
		payload["text"] = req.Text
	}

	evt := models.NewEvent(source, req.EventType, models.ParsePriority(req.Priority), payload, "")
	published, err := s.queue.Publish(c.Request().Context(), evt)
	if err != nil {
		return mapServiceError(err)
	}
	if !published {
		return echo.NewHTTPError(http.StatusConflict, "event was dropped as a duplicate")
	}

	s.audit(c, "inject_event", map[string]any{
		"event_id":   evt.ID,
		"source":     string(evt.Source),
		"event_type": evt.EventType,
		"priority":   evt.Priority.String(),
	})
	return c.JSON(http.StatusAccepted, &AckResponse{Status: "queued", ID: evt.ID})
}

// audit records an operator action. Best effort: a failed audit row never
// fails the request that caused it.
func (s *Server) audit(c *echo.Context, actionType string, details map[string]any) {
	details["by"] = extractAuthor(c)
	entry := &models.ActionLogEntry{
		System:     "api",
		ActionType: actionType,
		Outcome:    "ok",
		Details:    details,
	}
	if err := s.svc.Actions.Record(c.Request().Context(), entry); err != nil {
		slog.Warn("Failed to record admin action", "action_type", actionType, "error", err)
	}
}
