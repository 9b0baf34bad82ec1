package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/models"
)

func createProposal(t *testing.T, h *serverHarness, req models.CreateProposalRequest) *models.Proposal {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/admin/proposals", req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var p models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return &p
}

func TestCreateProposalEndpoint(t *testing.T) {
	h := newTestServer(t)

	p := createProposal(t, h, models.CreateProposalRequest{
		Type:        models.ProposalPlaybookSuggestion,
		Title:       "Add a rollback step to the deploy playbook",
		Description: "Three incidents this month needed a manual rollback.",
		Confidence:  0.7,
	})
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, models.ProposalStatusPending, p.Status)
	assert.False(t, p.CreatedAt.IsZero())

	rec := h.do(t, http.MethodGet, "/admin/proposals/"+p.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/admin/proposals?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []*models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, p.ID, listed[0].ID)
}

func TestCreateProposalUnknownType(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(t, http.MethodPost, "/admin/proposals", models.CreateProposalRequest{
		Type:  "teleportation",
		Title: "Teleport the on-call to the datacenter",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveProposalRunsSideEffect(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	p := createProposal(t, h, models.CreateProposalRequest{
		Type:        models.ProposalLearnedRule,
		Title:       "Mark Acme alerts as billing",
		Description: "Alerts mentioning Acme invoices route to the billing queue.",
		Confidence:  0.8,
		Config:      map[string]any{"category": "routing"},
	})

	rec := h.do(t, http.MethodPost, "/admin/proposals/"+p.ID+"/approve",
		models.ProposalDecisionRequest{ReviewNotes: "matches what we do by hand"},
		map[string]string{"X-Forwarded-User": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	var approved models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, models.ProposalStatusApproved, approved.Status)
	assert.Equal(t, "alice", approved.ReviewedBy)
	require.NotNil(t, approved.ReviewedAt)

	// Approval of a learned rule lands it in the knowledge base.
	entries, err := h.svc.Knowledge.List(ctx, models.KnowledgeFilters{Category: "routing", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, p.Description, entries[0].Content)
	assert.Equal(t, "proposal:"+p.ID, entries[0].Source)
	assert.InDelta(t, 0.8, entries[0].Confidence, 1e-9)

	// The verdict is final.
	rec = h.do(t, http.MethodPost, "/admin/proposals/"+p.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectProposalEndpoint(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	p := createProposal(t, h, models.CreateProposalRequest{
		Type:        models.ProposalLearnedRule,
		Title:       "Auto-close duplicate tickets",
		Description: "Close tickets whose subject matches an open incident.",
	})

	rec := h.do(t, http.MethodPost, "/admin/proposals/"+p.ID+"/reject",
		models.ProposalDecisionRequest{ReviewedBy: "bob", ReviewNotes: "too aggressive"})
	require.Equal(t, http.StatusOK, rec.Code)
	var rejected models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejected))
	assert.Equal(t, models.ProposalStatusRejected, rejected.Status)
	assert.Equal(t, "bob", rejected.ReviewedBy)
	assert.Equal(t, "too aggressive", rejected.ReviewNotes)

	// No side effect ran.
	entries, err := h.svc.Knowledge.List(ctx, models.KnowledgeFilters{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec = h.do(t, http.MethodGet, "/admin/proposals/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
