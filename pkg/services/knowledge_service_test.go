package services

import (
	"context"
	"testing"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnowledgeService_CreateAndList(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewKnowledgeService(db)
	ctx := context.Background()

	t.Run("creates and retrieves an entry", func(t *testing.T) {
		entry := newTestKnowledge("billing", "Refund requests above 500 EUR need finance approval.")
		require.NoError(t, svc.Create(ctx, entry))

		got, err := svc.GetByID(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, "billing", got.Category)
		assert.True(t, got.Active)
		assert.InDelta(t, 0.8, got.Confidence, 0.001)
		assert.Empty(t, got.SupersedesID)
	})

	t.Run("rejects empty content", func(t *testing.T) {
		entry := newTestKnowledge("billing", "")
		err := svc.Create(ctx, entry)
		assert.True(t, IsValidationError(err))
	})

	t.Run("list filters by category and active flag", func(t *testing.T) {
		shipping := newTestKnowledge("shipping", "Express orders ship same day before 14:00.")
		retired := newTestKnowledge("shipping", "Old carrier cutoff was 16:00.")
		require.NoError(t, svc.Create(ctx, shipping))
		require.NoError(t, svc.Create(ctx, retired))
		require.NoError(t, svc.Deactivate(ctx, retired.ID))

		entries, err := svc.List(ctx, models.KnowledgeFilters{Category: "shipping", ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, shipping.ID, entries[0].ID)
	})
}

func TestKnowledgeService_Supersede(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewKnowledgeService(db)
	ctx := context.Background()

	original := newTestKnowledge("billing", "Refunds require manager sign-off.")
	require.NoError(t, svc.Create(ctx, original))

	t.Run("replacement deactivates the original and links back", func(t *testing.T) {
		replacement := newTestKnowledge("billing", "Refunds under 100 EUR are auto-approved; above that, manager sign-off.")
		require.NoError(t, svc.Supersede(ctx, original.ID, replacement))

		old, err := svc.GetByID(ctx, original.ID)
		require.NoError(t, err)
		assert.False(t, old.Active)

		next, err := svc.GetByID(ctx, replacement.ID)
		require.NoError(t, err)
		assert.True(t, next.Active)
		assert.Equal(t, original.ID, next.SupersedesID)
	})

	t.Run("superseding an inactive entry is ErrNotFound", func(t *testing.T) {
		again := newTestKnowledge("billing", "Third revision.")
		err := svc.Supersede(ctx, original.ID, again)
		assert.ErrorIs(t, err, ErrNotFound)

		// Failed supersede must not leave the replacement behind.
		_, err = svc.GetByID(ctx, again.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestKnowledgeService_SearchText(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewKnowledgeService(db)
	ctx := context.Background()

	match := newTestKnowledge("billing", "Chargeback disputes go to the payments team first.")
	other := newTestKnowledge("shipping", "Pallet deliveries need a dock appointment.")
	inactive := newTestKnowledge("billing", "Chargeback fees were waived in 2024.")
	require.NoError(t, svc.Create(ctx, match))
	require.NoError(t, svc.Create(ctx, other))
	require.NoError(t, svc.Create(ctx, inactive))
	require.NoError(t, svc.Deactivate(ctx, inactive.ID))

	t.Run("matches active entries only", func(t *testing.T) {
		entries, err := svc.SearchText(ctx, "chargeback dispute", 5)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, match.ID, entries[0].ID)
	})

	t.Run("blank query returns nothing", func(t *testing.T) {
		entries, err := svc.SearchText(ctx, "   ", 5)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
