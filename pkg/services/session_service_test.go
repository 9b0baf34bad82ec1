package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionService_Create(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewSessionService(db)
	ctx := context.Background()

	t.Run("creates and looks up by key", func(t *testing.T) {
		sess := newTestSession("chat:C123:U123", models.PlatformChat)
		require.NoError(t, svc.Create(ctx, sess))

		got, err := svc.GetActiveByKey(ctx, "chat:C123:U123")
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, models.SessionStatusActive, got.Status)
		assert.Zero(t, got.MessageCount)
	})

	t.Run("second active session for the same key is rejected", func(t *testing.T) {
		first := newTestSession("chat:C200:U200", models.PlatformChat)
		require.NoError(t, svc.Create(ctx, first))

		second := newTestSession("chat:C200:U200", models.PlatformChat)
		err := svc.Create(ctx, second)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("expired session frees the key", func(t *testing.T) {
		first := newTestSession("chat:C300:U300", models.PlatformChat)
		require.NoError(t, svc.Create(ctx, first))
		require.NoError(t, svc.Expire(ctx, first.ID))

		second := newTestSession("chat:C300:U300", models.PlatformChat)
		require.NoError(t, svc.Create(ctx, second))

		got, err := svc.GetActiveByKey(ctx, "chat:C300:U300")
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
	})
}

func TestSessionService_Messages(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewSessionService(db)
	ctx := context.Background()

	sess := newTestSession("chat:C1:U1", models.PlatformChat)
	require.NoError(t, svc.Create(ctx, sess))

	t.Run("append bumps message count and activity", func(t *testing.T) {
		id1, err := svc.AppendMessage(ctx, sess.ID, models.RoleUser, "where is my order?", "")
		require.NoError(t, err)
		id2, err := svc.AppendMessage(ctx, sess.ID, models.RoleAssistant, "checking now", "")
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		got, err := svc.GetByID(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.MessageCount)
		assert.WithinDuration(t, time.Now().UTC(), got.LastActiveAt, 10*time.Second)
	})

	t.Run("messages come back oldest first", func(t *testing.T) {
		messages, err := svc.Messages(ctx, sess.ID, 10)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, models.RoleUser, messages[0].Role)
		assert.Equal(t, models.RoleAssistant, messages[1].Role)
	})

	t.Run("limit keeps only the newest messages", func(t *testing.T) {
		messages, err := svc.Messages(ctx, sess.ID, 1)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "checking now", messages[0].Content)
	})

	t.Run("appending to a missing session is ErrNotFound", func(t *testing.T) {
		_, err := svc.AppendMessage(ctx, "00000000-0000-0000-0000-000000000000", models.RoleUser, "hi", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSessionService_Compaction(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewSessionService(db)
	ctx := context.Background()

	sess := newTestSession("chat:C2:U2", models.PlatformChat)
	require.NoError(t, svc.Create(ctx, sess))

	for i := 1; i <= 20; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		_, err := svc.AppendMessage(ctx, sess.ID, role, fmt.Sprintf("turn %d", i), "")
		require.NoError(t, err)
	}

	deleted, err := svc.DeleteMessagesExceptLast(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), deleted)

	require.NoError(t, svc.UpdateSummary(ctx, sess.ID, "Order lookup conversation, customer satisfied."))

	got, err := svc.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.MessageCount)
	assert.Equal(t, "Order lookup conversation, customer satisfied.", got.Summary)

	messages, err := svc.Messages(ctx, sess.ID, 50)
	require.NoError(t, err)
	require.Len(t, messages, 10)
	assert.Equal(t, "turn 11", messages[0].Content)
	assert.Equal(t, "turn 20", messages[9].Content)
}

func TestSessionService_Expiry(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewSessionService(db)
	ctx := context.Background()

	idle := newTestSession("chat:idle:U1", models.PlatformChat)
	require.NoError(t, svc.Create(ctx, idle))
	_, err := svc.AppendMessage(ctx, idle.ID, models.RoleUser, "anyone there?", "")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = now() - interval '2 hours' WHERE id = $1`, idle.ID)
	require.NoError(t, err)

	active := newTestSession("chat:active:U2", models.PlatformChat)
	require.NoError(t, svc.Create(ctx, active))

	dashboard := newTestSession("dashboard:U3", models.PlatformDashboard)
	require.NoError(t, svc.Create(ctx, dashboard))
	_, err = db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = now() - interval '2 hours' WHERE id = $1`, dashboard.ID)
	require.NoError(t, err)

	t.Run("expire idle only touches the given platform", func(t *testing.T) {
		expired, err := svc.ExpireIdle(ctx, models.PlatformChat, time.Now().UTC().Add(-30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), expired)

		got, err := svc.GetByID(ctx, idle.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusExpired, got.Status)

		got, err = svc.GetByID(ctx, dashboard.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusActive, got.Status)
	})

	t.Run("delete removes expired sessions and their messages", func(t *testing.T) {
		_, err := svc.AppendMessage(ctx, active.ID, models.RoleUser, "keep me", "")
		require.NoError(t, err)

		deleted, err := svc.DeleteExpiredBefore(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = svc.GetByID(ctx, idle.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		var orphans int
		err = db.QueryRowContext(ctx,
			`SELECT count(*) FROM session_messages WHERE session_id = $1`, idle.ID).Scan(&orphans)
		require.NoError(t, err)
		assert.Zero(t, orphans)
	})
}
