package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/models"
)

// exhaustRetries publishes an event and fails it until it dead-letters.
func exhaustRetries(t *testing.T, h *serverHarness) *models.Event {
	t.Helper()
	ctx := context.Background()

	h.cfg.Queue.MaxRetries = 0
	evt := models.NewEvent(models.SourceTicketing, "ticket.updated", models.PriorityMedium,
		map[string]any{"ticket_id": "T-500"}, "")
	_, err := h.queue.Publish(ctx, evt)
	require.NoError(t, err)

	claimed, err := h.queue.Consume(ctx, "worker-test")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, h.queue.Nack(ctx, claimed, errors.New("downstream returned 500")))
	return evt
}

func TestDLQEndpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("retry replays the event and resolves the entry", func(t *testing.T) {
		h := newTestServer(t)
		evt := exhaustRetries(t, h)

		rec := h.do(t, http.MethodGet, "/admin/dlq?unresolved=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var entries []*models.DeadLetterEvent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 1)
		entry := entries[0]
		assert.Equal(t, evt.ID, entry.OriginalEventID)
		assert.Contains(t, entry.ErrorHistory[len(entry.ErrorHistory)-1].Error, "downstream returned 500")

		rec = h.do(t, http.MethodPost, "/admin/dlq/"+entry.ID+"/retry", nil,
			map[string]string{"X-Forwarded-User": "alice"})
		require.Equal(t, http.StatusOK, rec.Code)
		var resolved models.DeadLetterEvent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
		require.NotNil(t, resolved.ResolvedAt)
		assert.Equal(t, "alice", resolved.ResolvedBy)

		// The original event is claimable again with a fresh retry budget.
		replayed, err := h.svc.Events.GetByID(ctx, evt.ID)
		require.NoError(t, err)
		assert.Equal(t, models.EventStatusPending, replayed.Status)
		assert.Zero(t, replayed.RetryCount)
		depth, err := h.queue.Depth(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, depth)

		// Retrying a resolved entry is a conflict.
		rec = h.do(t, http.MethodPost, "/admin/dlq/"+entry.ID+"/retry", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("resolve closes the entry without replaying", func(t *testing.T) {
		h := newTestServer(t)
		evt := exhaustRetries(t, h)

		rec := h.do(t, http.MethodGet, "/admin/dlq?unresolved=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var entries []*models.DeadLetterEvent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 1)

		rec = h.do(t, http.MethodPost, "/admin/dlq/"+entries[0].ID+"/resolve", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		// Nothing re-enters the queue; the event stays dead.
		depth, err := h.queue.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth)
		stored, err := h.svc.Events.GetByID(ctx, evt.ID)
		require.NoError(t, err)
		assert.Equal(t, models.EventStatusDeadLetter, stored.Status)

		rec = h.do(t, http.MethodGet, "/admin/dlq?unresolved=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		assert.Empty(t, entries)
	})

	t.Run("unknown entry returns 404", func(t *testing.T) {
		h := newTestServer(t)

		rec := h.do(t, http.MethodGet, "/admin/dlq/does-not-exist", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
