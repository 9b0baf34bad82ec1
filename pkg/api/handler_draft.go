package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/models"
)

// listDraftsHandler handles GET /admin/drafts.
// Query: status, limit, offset.
func (s *Server) listDraftsHandler(c *echo.Context) error {
	drafts, err := s.svc.Drafts.List(c.Request().Context(), models.DraftFilters{
		Status: c.QueryParam("status"),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	})
	if err != nil {
		return mapServiceError(err)
	}
	if drafts == nil {
		drafts = []*models.Draft{}
	}
	return c.JSON(http.StatusOK, drafts)
}

// getDraftHandler handles GET /admin/drafts/:id.
func (s *Server) getDraftHandler(c *echo.Context) error {
	draft, err := s.svc.Drafts.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, draft)
}

// approveDraftHandler handles POST /admin/drafts/:id/approve.
// An edited_body in the verdict sends the operator's version and feeds the
// divergence into the learning analysis.
func (s *Server) approveDraftHandler(c *echo.Context) error {
	var decision models.DraftDecisionRequest
	if err := c.Bind(&decision); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if decision.DecidedBy == "" {
		decision.DecidedBy = extractAuthor(c)
	}

	draft, err := s.approvals.ApproveDraft(c.Request().Context(), c.Param("id"), decision)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, draft)
}

// rejectDraftHandler handles POST /admin/drafts/:id/reject.
func (s *Server) rejectDraftHandler(c *echo.Context) error {
	var decision models.DraftDecisionRequest
	if err := c.Bind(&decision); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if decision.DecidedBy == "" {
		decision.DecidedBy = extractAuthor(c)
	}

	draft, err := s.approvals.RejectDraft(c.Request().Context(), c.Param("id"), decision)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, draft)
}
