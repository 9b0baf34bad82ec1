package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/models"
)

func TestAdminStatusEndpoint(t *testing.T) {
	ctx := context.Background()
	h := newTestServer(t)

	t.Run("empty system", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp AdminStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Zero(t, resp.QueueDepth)
		assert.False(t, resp.Paused)
		assert.Zero(t, resp.PendingDrafts)
		assert.Zero(t, resp.UnresolvedDLQ)
		assert.Nil(t, resp.LastAction)
	})

	t.Run("reflects queue depth and pause state", func(t *testing.T) {
		evt := models.NewEvent(models.SourceAdmin, "ops.check", models.PriorityMedium,
			map[string]any{"text": "ping"}, "")
		_, err := h.queue.Publish(ctx, evt)
		require.NoError(t, err)
		require.NoError(t, h.queue.Pause(ctx))
		t.Cleanup(func() { _ = h.queue.Resume(ctx) })

		rec := h.do(t, http.MethodGet, "/admin/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp AdminStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.EqualValues(t, 1, resp.QueueDepth)
		assert.True(t, resp.Paused)
		assert.Equal(t, 1, resp.EventCounts["pending"])
	})
}

func TestQueuePauseResumeEndpoints(t *testing.T) {
	ctx := context.Background()
	h := newTestServer(t)
	operator := map[string]string{"X-Forwarded-User": "alice"}

	rec := h.do(t, http.MethodPost, "/admin/queue/pause", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err := h.queue.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	rec = h.do(t, http.MethodPost, "/admin/queue/resume", nil, operator)
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err = h.queue.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	// Both actions leave an audit trail naming the operator.
	rows, err := h.svc.Actions.List(ctx, models.ActionFilters{System: "api"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "queue_resume", rows[0].ActionType)
	assert.Equal(t, "queue_pause", rows[1].ActionType)
	assert.Equal(t, "alice", rows[0].Details["by"])
}

func TestInjectEventEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("queues a synthetic event", func(t *testing.T) {
		h := newTestServer(t)

		rec := h.do(t, http.MethodPost, "/admin/inject-event", models.InjectEventRequest{
			EventType: "mail.message",
			Source:    "mail",
			Priority:  "high",
			Text:      "pretend the customer wrote this",
			Payload:   map[string]any{"from": "jamie@acme.com"},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var ack AckResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		assert.Equal(t, "queued", ack.Status)
		require.NotEmpty(t, ack.ID)

		evt, err := h.svc.Events.GetByID(ctx, ack.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SourceMail, evt.Source)
		assert.Equal(t, models.PriorityHigh, evt.Priority)
		assert.Equal(t, "pretend the customer wrote this", evt.PayloadString("text"))
		assert.Equal(t, "jamie@acme.com", evt.PayloadString("from"))

		depth, err := h.queue.Depth(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, depth)
	})

	t.Run("defaults the source to admin", func(t *testing.T) {
		h := newTestServer(t)

		rec := h.do(t, http.MethodPost, "/admin/inject-event", models.InjectEventRequest{
			EventType: "ops.check",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var ack AckResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		evt, err := h.svc.Events.GetByID(ctx, ack.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SourceAdmin, evt.Source)
		assert.Equal(t, models.PriorityMedium, evt.Priority)
	})

	t.Run("requires an event type", func(t *testing.T) {
		h := newTestServer(t)

		rec := h.do(t, http.MethodPost, "/admin/inject-event", models.InjectEventRequest{
			Source: "mail",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects an unknown source", func(t *testing.T) {
		h := newTestServer(t)

		rec := h.do(t, http.MethodPost, "/admin/inject-event", models.InjectEventRequest{
			EventType: "ops.check",
			Source:    "carrier-pigeon",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
