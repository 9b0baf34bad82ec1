package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/models"
)

// listDLQHandler handles GET /admin/dlq.
// Query: source, unresolved, limit, offset.
func (s *Server) listDLQHandler(c *echo.Context) error {
	entries, err := s.svc.DLQ.List(c.Request().Context(), models.DLQFilters{
		Source:     c.QueryParam("source"),
		Unresolved: queryBool(c, "unresolved", false),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	})
	if err != nil {
		return mapServiceError(err)
	}
	if entries == nil {
		entries = []*models.DeadLetterEvent{}
	}
	return c.JSON(http.StatusOK, entries)
}

// getDLQHandler handles GET /admin/dlq/:id.
func (s *Server) getDLQHandler(c *echo.Context) error {
	entry, err := s.svc.DLQ.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

// retryDLQHandler handles POST /admin/dlq/:id/retry.
// Replays the original event with a reset retry budget and marks the entry
// resolved. The replayed event keeps its id, so its history stays linked.
func (s *Server) retryDLQHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	entry, err := s.svc.DLQ.GetByID(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	if entry.ResolvedAt != nil {
		return echo.NewHTTPError(http.StatusConflict, "dead-letter entry is already resolved")
	}

	if err := s.queue.Replay(ctx, entry.OriginalEventID); err != nil {
		return mapServiceError(err)
	}

	operator := extractAuthor(c)
	resolved, err := s.svc.DLQ.Resolve(ctx, id, operator)
	if err != nil {
		return mapServiceError(err)
	}

	s.audit(c, "dlq_retry", map[string]any{
		"dlq_id":   id,
		"event_id": entry.OriginalEventID,
	})
	return c.JSON(http.StatusOK, resolved)
}

// resolveDLQHandler handles POST /admin/dlq/:id/resolve.
// Closes the entry without replaying, for events that should stay dead.
func (s *Server) resolveDLQHandler(c *echo.Context) error {
	resolved, err := s.svc.DLQ.Resolve(c.Request().Context(), c.Param("id"), extractAuthor(c))
	if err != nil {
		return mapServiceError(err)
	}

	s.audit(c, "dlq_resolve", map[string]any{"dlq_id": resolved.ID})
	return c.JSON(http.StatusOK, resolved)
}
