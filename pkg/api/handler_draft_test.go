package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/models"
)

func seedDraft(t *testing.T, h *serverHarness, subject string) *models.Draft {
	t.Helper()
	draft := &models.Draft{
		ID:              uuid.NewString(),
		SourceMessageID: "msg-" + uuid.NewString(),
		ThreadID:        "thread-2201",
		FromAddress:     "agent@opsloop.dev",
		ToAddress:       "customer@example.com",
		Subject:         subject,
		OriginalBody:    "Our deploy pipeline is stuck on step 3.",
		DraftBody:       "Thanks for the report. We restarted the runner and step 3 completed.",
		Status:          models.DraftStatusPending,
		Classification:  "incident_followup",
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, h.svc.Drafts.Create(context.Background(), draft))
	return draft
}

func TestListDraftsEndpoint(t *testing.T) {
	h := newTestServer(t)
	seedDraft(t, h, "Re: pipeline stuck")
	second := seedDraft(t, h, "Re: quota increase")
	_, err := h.svc.Drafts.Approve(context.Background(), second.ID, "")
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/admin/drafts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drafts []*models.Draft
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drafts))
	assert.Len(t, drafts, 2)

	rec = h.do(t, http.MethodGet, "/admin/drafts?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drafts))
	require.Len(t, drafts, 1)
	assert.Equal(t, "Re: pipeline stuck", drafts[0].Subject)
}

func TestGetDraftEndpoint(t *testing.T) {
	h := newTestServer(t)
	draft := seedDraft(t, h, "Re: pipeline stuck")

	rec := h.do(t, http.MethodGet, "/admin/drafts/"+draft.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Draft
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, draft.ID, got.ID)
	assert.Equal(t, models.DraftStatusPending, got.Status)

	rec = h.do(t, http.MethodGet, "/admin/drafts/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveDraftEndpoint(t *testing.T) {
	h := newTestServer(t)
	draft := seedDraft(t, h, "Re: pipeline stuck")

	body := models.DraftDecisionRequest{
		EditedBody: "Thanks for flagging this. The runner is restarted and step 3 now passes; rerun when ready.",
	}
	rec := h.do(t, http.MethodPost, "/admin/drafts/"+draft.ID+"/approve", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var approved models.Draft
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	// No mail sender is wired in tests, so the draft parks at approved.
	assert.Equal(t, models.DraftStatusApproved, approved.Status)
	assert.Equal(t, body.EditedBody, approved.EditedBody)
	require.NotNil(t, approved.ApprovedAt)

	// A second verdict on the same draft is a conflict.
	rec = h.do(t, http.MethodPost, "/admin/drafts/"+draft.ID+"/approve", models.DraftDecisionRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectDraftEndpoint(t *testing.T) {
	h := newTestServer(t)
	draft := seedDraft(t, h, "Re: quota increase")

	rec := h.do(t, http.MethodPost, "/admin/drafts/"+draft.ID+"/reject",
		models.DraftDecisionRequest{Reason: "tone too casual"})
	require.Equal(t, http.StatusOK, rec.Code)
	var rejected models.Draft
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejected))
	assert.Equal(t, models.DraftStatusRejected, rejected.Status)

	rows, err := h.svc.Actions.List(context.Background(), models.ActionFilters{System: "approvals"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "draft_reject", rows[0].ActionType)
	assert.Equal(t, "tone too casual", rows[0].Details["reason"])
}
