package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/models"
)

// listKnowledgeHandler handles GET /admin/knowledge.
// Query: category, active, limit, offset.
func (s *Server) listKnowledgeHandler(c *echo.Context) error {
	entries, err := s.svc.Knowledge.List(c.Request().Context(), models.KnowledgeFilters{
		Category:   c.QueryParam("category"),
		ActiveOnly: queryBool(c, "active", false),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	})
	if err != nil {
		return mapServiceError(err)
	}
	if entries == nil {
		entries = []*models.KnowledgeEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// createKnowledgeHandler handles POST /admin/knowledge.
// Operator-taught rules enter at high confidence. With an embedder attached
// the entry is vectorized at write time; without one it is text-searchable only.
func (s *Server) createKnowledgeHandler(c *echo.Context) error {
	var req models.CreateKnowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	entry := s.buildKnowledgeEntry(c, req)
	if err := s.svc.Knowledge.Create(c.Request().Context(), entry); err != nil {
		return mapServiceError(err)
	}

	s.audit(c, "knowledge_created", map[string]any{
		"knowledge_id": entry.ID,
		"category":     entry.Category,
	})
	return c.JSON(http.StatusCreated, entry)
}

// getKnowledgeHandler handles GET /admin/knowledge/:id.
func (s *Server) getKnowledgeHandler(c *echo.Context) error {
	entry, err := s.svc.Knowledge.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

// supersedeKnowledgeHandler handles PUT /admin/knowledge/:id.
// Entries are immutable; an update writes a replacement linked to the old
// entry and deactivates it, keeping the revision chain linear.
func (s *Server) supersedeKnowledgeHandler(c *echo.Context) error {
	var req models.CreateKnowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	oldID := c.Param("id")
	replacement := s.buildKnowledgeEntry(c, req)
	if err := s.svc.Knowledge.Supersede(c.Request().Context(), oldID, replacement); err != nil {
		return mapServiceError(err)
	}

	s.audit(c, "knowledge_superseded", map[string]any{
		"old_id": oldID,
		"new_id": replacement.ID,
	})
	return c.JSON(http.StatusOK, replacement)
}

// deactivateKnowledgeHandler handles POST /admin/knowledge/:id/deactivate.
func (s *Server) deactivateKnowledgeHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.svc.Knowledge.Deactivate(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}

	s.audit(c, "knowledge_deactivated", map[string]any{"knowledge_id": id})
	return c.JSON(http.StatusOK, &AckResponse{Status: "deactivated", ID: id})
}

// buildKnowledgeEntry assembles an entry from an operator request, embedding
// the content when an embedder is attached. Embedding failures degrade to a
// text-only entry rather than rejecting the write.
func (s *Server) buildKnowledgeEntry(c *echo.Context, req models.CreateKnowledgeRequest) *models.KnowledgeEntry {
	source := req.Source
	if source == "" {
		source = "operator:" + extractAuthor(c)
	}
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 0.9
	}

	entry := &models.KnowledgeEntry{
		ID:           uuid.NewString(),
		Category:     req.Category,
		Content:      req.Content,
		Source:       source,
		Active:       true,
		Confidence:   confidence,
		SupersedesID: req.SupersedesID,
		CreatedAt:    time.Now().UTC(),
	}

	if s.embedder != nil && entry.Content != "" {
		if vec, err := s.embedder.Embed(c.Request().Context(), entry.Content); err == nil {
			entry.Embedding = vec
		}
	}
	return entry
}
