package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/models"
)

// listProposalsHandler handles GET /admin/proposals.
// Query: status, type, limit, offset.
func (s *Server) listProposalsHandler(c *echo.Context) error {
	proposals, err := s.svc.Proposals.List(c.Request().Context(), models.ProposalFilters{
		Status: c.QueryParam("status"),
		Type:   c.QueryParam("type"),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	})
	if err != nil {
		return mapServiceError(err)
	}
	if proposals == nil {
		proposals = []*models.Proposal{}
	}
	return c.JSON(http.StatusOK, proposals)
}

// createProposalHandler handles POST /admin/proposals.
// Operators can file proposals directly, e.g. a threshold adjustment worked
// out by hand. The same review workflow applies either way.
func (s *Server) createProposalHandler(c *echo.Context) error {
	var req models.CreateProposalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	proposal := &models.Proposal{
		ID:              uuid.NewString(),
		Type:            req.Type,
		Title:           req.Title,
		Description:     req.Description,
		Evidence:        req.Evidence,
		Code:            req.Code,
		Config:          req.Config,
		Confidence:      req.Confidence,
		Status:          models.ProposalStatusPending,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       req.ExpiresAt,
		RelatedEventIDs: req.RelatedEventIDs,
	}
	if err := s.svc.Proposals.Create(c.Request().Context(), proposal); err != nil {
		return mapServiceError(err)
	}

	s.audit(c, "proposal_created", map[string]any{
		"proposal_id": proposal.ID,
		"type":        string(proposal.Type),
		"title":       proposal.Title,
	})
	return c.JSON(http.StatusCreated, proposal)
}

// getProposalHandler handles GET /admin/proposals/:id.
func (s *Server) getProposalHandler(c *echo.Context) error {
	proposal, err := s.svc.Proposals.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}

// approveProposalHandler handles POST /admin/proposals/:id/approve.
// Approval executes the side effect registered for the proposal's type
// before the status flips; a failed side effect leaves it pending.
func (s *Server) approveProposalHandler(c *echo.Context) error {
	var decision models.ProposalDecisionRequest
	if err := c.Bind(&decision); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if decision.ReviewedBy == "" {
		decision.ReviewedBy = extractAuthor(c)
	}

	proposal, err := s.approvals.ApproveProposal(c.Request().Context(),
		c.Param("id"), decision.ReviewedBy, decision.ReviewNotes)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}

// rejectProposalHandler handles POST /admin/proposals/:id/reject.
func (s *Server) rejectProposalHandler(c *echo.Context) error {
	var decision models.ProposalDecisionRequest
	if err := c.Bind(&decision); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if decision.ReviewedBy == "" {
		decision.ReviewedBy = extractAuthor(c)
	}

	proposal, err := s.approvals.RejectProposal(c.Request().Context(),
		c.Param("id"), decision.ReviewedBy, decision.ReviewNotes)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}
