package services

import (
	"context"
	"testing"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraftService_Create(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewDraftService(db)
	ctx := context.Background()

	t.Run("creates and retrieves a pending draft", func(t *testing.T) {
		draft := newTestDraft()
		require.NoError(t, svc.Create(ctx, draft))

		got, err := svc.GetByID(ctx, draft.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DraftStatusPending, got.Status)
		assert.Equal(t, draft.DraftBody, got.DraftBody)
		assert.Equal(t, "question", got.Classification)
		assert.Empty(t, got.EditedBody)
		assert.Nil(t, got.ApprovedAt)
		assert.Nil(t, got.SentAt)
	})

	t.Run("rejects empty draft body", func(t *testing.T) {
		draft := newTestDraft()
		draft.DraftBody = ""
		err := svc.Create(ctx, draft)
		assert.True(t, IsValidationError(err))
	})
}

func TestDraftService_Lifecycle(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewDraftService(db)
	ctx := context.Background()

	t.Run("approve without edit then send", func(t *testing.T) {
		draft := newTestDraft()
		require.NoError(t, svc.Create(ctx, draft))

		approved, err := svc.Approve(ctx, draft.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.DraftStatusApproved, approved.Status)
		assert.Empty(t, approved.EditedBody)
		require.NotNil(t, approved.ApprovedAt)

		sent, err := svc.MarkSent(ctx, draft.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DraftStatusSent, sent.Status)
		require.NotNil(t, sent.SentAt)
	})

	t.Run("approve with edit keeps both bodies", func(t *testing.T) {
		draft := newTestDraft()
		require.NoError(t, svc.Create(ctx, draft))

		approved, err := svc.Approve(ctx, draft.ID, "Your invoice went out Monday; a copy is attached.")
		require.NoError(t, err)
		assert.Equal(t, draft.DraftBody, approved.DraftBody)
		assert.Equal(t, "Your invoice went out Monday; a copy is attached.", approved.EditedBody)
	})

	t.Run("reject", func(t *testing.T) {
		draft := newTestDraft()
		require.NoError(t, svc.Create(ctx, draft))

		rejected, err := svc.Reject(ctx, draft.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DraftStatusRejected, rejected.Status)
	})

	t.Run("approving a rejected draft is an invalid transition", func(t *testing.T) {
		draft := newTestDraft()
		require.NoError(t, svc.Create(ctx, draft))
		_, err := svc.Reject(ctx, draft.ID)
		require.NoError(t, err)

		_, err = svc.Approve(ctx, draft.ID, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("sending a pending draft is an invalid transition", func(t *testing.T) {
		draft := newTestDraft()
		require.NoError(t, svc.Create(ctx, draft))

		_, err := svc.MarkSent(ctx, draft.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("approving a missing draft is ErrNotFound", func(t *testing.T) {
		_, err := svc.Approve(ctx, "00000000-0000-0000-0000-000000000000", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDraftService_Feedback(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewDraftService(db)
	ctx := context.Background()

	draft := newTestDraft()
	require.NoError(t, svc.Create(ctx, draft))
	_, err := svc.Approve(ctx, draft.ID, "edited body")
	require.NoError(t, err)

	fb := &models.DraftFeedback{
		DraftID:        draft.ID,
		SenderDomain:   "example.com",
		Category:       "question",
		EditDistance:   12,
		EditRatio:      0.35,
		OriginalLength: 34,
		EditedLength:   46,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, svc.RecordFeedback(ctx, fb))

	t.Run("lists feedback by sender domain", func(t *testing.T) {
		rows, err := svc.ListFeedback(ctx, "example.com", 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, draft.ID, rows[0].DraftID)
		assert.InDelta(t, 0.35, rows[0].EditRatio, 0.001)
	})

	t.Run("unknown domain returns nothing", func(t *testing.T) {
		rows, err := svc.ListFeedback(ctx, "other.org", 10)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestDraftService_Stats(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewDraftService(db)
	ctx := context.Background()

	// Two approved (one edited, one then sent), one rejected, one pending.
	edited := newTestDraft()
	require.NoError(t, svc.Create(ctx, edited))
	_, err := svc.Approve(ctx, edited.ID, "tweaked")
	require.NoError(t, err)

	sent := newTestDraft()
	require.NoError(t, svc.Create(ctx, sent))
	_, err = svc.Approve(ctx, sent.ID, "")
	require.NoError(t, err)
	_, err = svc.MarkSent(ctx, sent.ID)
	require.NoError(t, err)

	rejected := newTestDraft()
	require.NoError(t, svc.Create(ctx, rejected))
	_, err = svc.Reject(ctx, rejected.ID)
	require.NoError(t, err)

	pending := newTestDraft()
	require.NoError(t, svc.Create(ctx, pending))

	stats, err := svc.Stats(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Approved)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.Edited)
	assert.Equal(t, 1, stats.Pending)
	assert.InDelta(t, 2.0/3.0, stats.ApprovalRate(), 0.001)
}
