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

func newTestDynamicTool(name string) *models.DynamicTool {
	return &models.DynamicTool{
		Name:        name,
		Description: "looks up a parcel by tracking number",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tracking_number": map[string]any{"type": "string"},
			},
			"required": []any{"tracking_number"},
		},
		Code:      "def run(args): return lookup(args['tracking_number'])",
		Active:    true,
		CreatedBy: "alice",
		CreatedAt: time.Now().UTC(),
	}
}

func TestDynamicToolService_Create(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewDynamicToolService(db)
	ctx := context.Background()

	t.Run("creates and retrieves a tool", func(t *testing.T) {
		tool := newTestDynamicTool("parcel_lookup")
		require.NoError(t, svc.Create(ctx, tool))

		got, err := svc.GetByName(ctx, "parcel_lookup")
		require.NoError(t, err)
		assert.Equal(t, "object", got.InputSchema["type"])
		assert.True(t, got.Active)
		assert.Equal(t, "alice", got.CreatedBy)
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		require.NoError(t, svc.Create(ctx, newTestDynamicTool("order_status")))
		err := svc.Create(ctx, newTestDynamicTool("order_status"))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("missing code is rejected", func(t *testing.T) {
		tool := newTestDynamicTool("broken")
		tool.Code = ""
		err := svc.Create(ctx, tool)
		assert.True(t, IsValidationError(err))
	})

	t.Run("unknown name is ErrNotFound", func(t *testing.T) {
		_, err := svc.GetByName(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDynamicToolService_Reload(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewDynamicToolService(db)
	ctx := context.Background()

	first := newTestDynamicTool("tool_a")
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	second := newTestDynamicTool("tool_b")
	disabled := newTestDynamicTool("tool_c")

	require.NoError(t, svc.Create(ctx, first))
	require.NoError(t, svc.Create(ctx, second))
	require.NoError(t, svc.Create(ctx, disabled))
	require.NoError(t, svc.Deactivate(ctx, "tool_c"))

	tools, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "tool_a", tools[0].Name)
	assert.Equal(t, "tool_b", tools[1].Name)
}
