package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/services"
)

// Default aggregation windows. Costs look back a month, latency a week;
// both accept ?since= overrides.
const (
	defaultCostWindow    = 30 * 24 * time.Hour
	defaultLatencyWindow = 7 * 24 * time.Hour
)

// --- Response types ---

// ApprovalRateResponse is returned by GET /admin/analytics/approval-rate.
type ApprovalRateResponse struct {
	Since        string  `json:"since"`
	Approved     int     `json:"approved"`
	Rejected     int     `json:"rejected"`
	Edited       int     `json:"edited"`
	Pending      int     `json:"pending"`
	ApprovalRate float64 `json:"approval_rate"`
}

// AnalyticsSummaryResponse is returned by GET /admin/analytics/summary.
type AnalyticsSummaryResponse struct {
	Since         string                   `json:"since"`
	QueueDepth    int64                    `json:"queue_depth"`
	Paused        bool                     `json:"paused"`
	EventCounts   map[string]int           `json:"event_counts"`
	UnresolvedDLQ int                      `json:"unresolved_dlq"`
	Drafts        ApprovalRateResponse     `json:"drafts"`
	DailyCosts    []services.DailyCost     `json:"daily_costs"`
	Latency       []services.SystemLatency `json:"latency"`
}

// --- Handlers ---

// dailyCostsHandler handles GET /admin/analytics/daily-costs.
func (s *Server) dailyCostsHandler(c *echo.Context) error {
	since := querySince(c, "since")
	if since.IsZero() {
		since = time.Now().UTC().Add(-defaultCostWindow)
	}

	costs, err := s.svc.Actions.DailyCosts(c.Request().Context(), since)
	if err != nil {
		return mapServiceError(err)
	}
	if costs == nil {
		costs = []services.DailyCost{}
	}
	return c.JSON(http.StatusOK, costs)
}

// approvalRateHandler handles GET /admin/analytics/approval-rate.
func (s *Server) approvalRateHandler(c *echo.Context) error {
	since := querySince(c, "since")
	if since.IsZero() {
		since = time.Now().UTC().Add(-defaultCostWindow)
	}

	stats, err := s.svc.Drafts.Stats(c.Request().Context(), since)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, approvalRateResponse(since, stats))
}

// responseTimeHandler handles GET /admin/analytics/response-time.
func (s *Server) responseTimeHandler(c *echo.Context) error {
	since := querySince(c, "since")
	if since.IsZero() {
		since = time.Now().UTC().Add(-defaultLatencyWindow)
	}

	latency, err := s.svc.Actions.LatencyStats(c.Request().Context(), since)
	if err != nil {
		return mapServiceError(err)
	}
	if latency == nil {
		latency = []services.SystemLatency{}
	}
	return c.JSON(http.StatusOK, latency)
}

// analyticsSummaryHandler handles GET /admin/analytics/summary.
// One response for the dashboard's overview pane.
func (s *Server) analyticsSummaryHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	since := querySince(c, "since")
	if since.IsZero() {
		since = time.Now().UTC().Add(-defaultLatencyWindow)
	}

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	paused, err := s.queue.IsPaused(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	byStatus, err := s.svc.Events.CountByStatus(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	unresolved, err := s.svc.DLQ.CountUnresolved(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	stats, err := s.svc.Drafts.Stats(ctx, since)
	if err != nil {
		return mapServiceError(err)
	}
	costs, err := s.svc.Actions.DailyCosts(ctx, since)
	if err != nil {
		return mapServiceError(err)
	}
	latency, err := s.svc.Actions.LatencyStats(ctx, since)
	if err != nil {
		return mapServiceError(err)
	}

	counts := make(map[string]int, len(byStatus))
	for status, n := range byStatus {
		counts[string(status)] = n
	}
	if costs == nil {
		costs = []services.DailyCost{}
	}
	if latency == nil {
		latency = []services.SystemLatency{}
	}

	return c.JSON(http.StatusOK, &AnalyticsSummaryResponse{
		Since:         since.Format(time.RFC3339),
		QueueDepth:    depth,
		Paused:        paused,
		EventCounts:   counts,
		UnresolvedDLQ: unresolved,
		Drafts:        approvalRateResponse(since, stats),
		DailyCosts:    costs,
		Latency:       latency,
	})
}

func approvalRateResponse(since time.Time, stats *services.ApprovalStats) ApprovalRateResponse {
	return ApprovalRateResponse{
		Since:        since.Format(time.RFC3339),
		Approved:     stats.Approved,
		Rejected:     stats.Rejected,
		Edited:       stats.Edited,
		Pending:      stats.Pending,
		ApprovalRate: stats.ApprovalRate(),
	}
}
