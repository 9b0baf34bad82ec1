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

func TestListEventsEndpoints(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	chatEvt := models.NewEvent(models.SourceChat, "chat.message", models.PriorityHigh,
		map[string]any{"text": "deploy stuck"}, "chat:msg-1")
	ticketEvt := models.NewEvent(models.SourceTicketing, "ticket.updated", models.PriorityMedium,
		map[string]any{"ticket_id": "T-9"}, "ticketing:T-9:1")
	for _, evt := range []*models.Event{chatEvt, ticketEvt} {
		_, err := h.queue.Publish(ctx, evt)
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodGet, "/admin/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []*models.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	rec = h.do(t, http.MethodGet, "/admin/events?source=chat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, chatEvt.ID, events[0].ID)

	rec = h.do(t, http.MethodGet, "/admin/events/"+ticketEvt.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ticket.updated", got.EventType)
	assert.Equal(t, models.EventStatusPending, got.Status)

	rec = h.do(t, http.MethodGet, "/admin/events/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListActionsEndpoint(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	entries := []*models.ActionLogEntry{
		{System: "pipeline", ActionType: "event_processed", Outcome: "completed", EventID: uuid.NewString()},
		{System: "pipeline", ActionType: "event_processed", Outcome: "failure"},
		{System: "api", ActionType: "queue_pause", Outcome: "ok"},
	}
	for _, e := range entries {
		require.NoError(t, h.svc.Actions.Record(ctx, e))
	}

	rec := h.do(t, http.MethodGet, "/admin/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []*models.ActionLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actions))
	assert.Len(t, actions, 3)

	rec = h.do(t, http.MethodGet, "/admin/actions?system=pipeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actions))
	assert.Len(t, actions, 2)

	rec = h.do(t, http.MethodGet, "/admin/actions?system=pipeline&outcome=failure", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, "failure", actions[0].Outcome)

	// A since window in the future excludes everything.
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec = h.do(t, http.MethodGet, "/admin/actions?since="+future, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actions))
	assert.Empty(t, actions)
}

func TestChatHistoryEndpoint(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &models.Session{
		ID:           uuid.NewString(),
		SessionKey:   "chat:spaces/ops-room",
		Platform:     models.PlatformChat,
		UserID:       "users/U777",
		UserName:     "Dana",
		Status:       models.SessionStatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	require.NoError(t, h.svc.Sessions.Create(ctx, sess))
	_, err := h.svc.Sessions.AppendMessage(ctx, sess.ID, models.RoleUser, "what changed in the deploy?", "")
	require.NoError(t, err)
	_, err = h.svc.Sessions.AppendMessage(ctx, sess.ID, models.RoleAssistant, "Rollout v2.14 landed at 09:02.", "")
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/admin/chat-history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []*models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "chat:spaces/ops-room", sessions[0].SessionKey)
	assert.Equal(t, 2, sessions[0].MessageCount)

	rec = h.do(t, http.MethodGet, "/admin/chat-history?session_id="+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []*models.SessionMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
}

func TestListSolutionsEndpoint(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	active := &models.Solution{
		ID:           uuid.NewString(),
		Name:         "restart-runner",
		SolutionType: models.SolutionScript,
		Code:         "restart(runner)",
		Status:       "approved",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	retired := &models.Solution{
		ID:           uuid.NewString(),
		Name:         "rotate-logs",
		SolutionType: models.SolutionScript,
		Code:         "rotate(logs)",
		Status:       "approved",
		Active:       false,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, h.svc.Solutions.Create(ctx, active))
	require.NoError(t, h.svc.Solutions.Create(ctx, retired))

	rec := h.do(t, http.MethodGet, "/admin/solutions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var solutions []*models.Solution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &solutions))
	assert.Len(t, solutions, 2)

	rec = h.do(t, http.MethodGet, "/admin/solutions?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &solutions))
	require.Len(t, solutions, 1)
	assert.Equal(t, "restart-runner", solutions[0].Name)
}

func TestIntegrationsEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(t, http.MethodGet, "/admin/integrations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp IntegrationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Sources, 6)
	var names []string
	for _, src := range resp.Sources {
		names = append(names, src.Name)
		assert.False(t, src.Enabled, "no credentials configured, %s must be off", src.Name)
	}
	assert.Equal(t, []string{"chat", "drive", "mail", "projects", "survey", "ticketing"}, names)
	assert.False(t, resp.OAuthConfigured)

	// Configuring a credential flips the source on without leaking it.
	h.cfg.Sources.Ticketing.APIToken = "super-secret-ticketing-credential"
	h.cfg.Sources.Ticketing.BaseURL = "https://help.example.com/api/v2"

	rec = h.do(t, http.MethodGet, "/admin/integrations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	for _, src := range resp.Sources {
		if src.Name != "ticketing" {
			continue
		}
		assert.True(t, src.Enabled)
		assert.Equal(t, "https://help.example.com/api/v2", src.BaseURL)
		assert.Equal(t, "15m0s", src.LookBack)
	}
	assert.NotContains(t, rec.Body.String(), "super-secret-ticketing-credential")
}
