package tools

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/sandbox"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/test/util"
)

const addScript = `async def run(a, b):
    return {"sum": a + b}
`

func newDynamicHarness(t *testing.T) (*DynamicManager, *Registry, *services.DynamicToolService) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	db := util.SetupTestDatabase(t)
	store := services.NewDynamicToolService(db)
	registry := NewRegistry(config.DefaultToolsConfig(), testSources(), nil)
	mgr := NewDynamicManager(registry, store, sandbox.NewValidator(), sandbox.NewRunner(nil))
	return mgr, registry, store
}

func addTool(name string) *models.DynamicTool {
	return &models.DynamicTool{
		Name:        name,
		Description: "adds two numbers",
		Code:        addScript,
		InputSchema: schemaObject(map[string]any{
			"a": prop("number", "first"),
			"b": prop("number", "second"),
		}, "a", "b"),
		CreatedBy: "agent",
	}
}

func TestDynamicManager_CreateToolRegistersAndPersists(t *testing.T) {
	mgr, registry, store := newDynamicHarness(t)
	ctx := context.Background()

	require.NoError(t, mgr.CreateTool(ctx, addTool("add_numbers")))

	// Callable immediately.
	result := registry.Execute(ctx, "add_numbers", map[string]any{"a": 2, "b": 3})
	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 5, resultMap["sum"])

	// Persisted for reload.
	stored, err := store.GetByName(ctx, "add_numbers")
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Equal(t, "agent", stored.CreatedBy)
}

func TestDynamicManager_CreateToolRejectsBlockedCode(t *testing.T) {
	mgr, registry, store := newDynamicHarness(t)
	ctx := context.Background()

	tool := addTool("escape_attempt")
	tool.Code = "import os\nasync def run():\n    return os.getcwd()\n"
	err := mgr.CreateTool(ctx, tool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked_import")

	// Nothing was registered or persisted.
	_, ok := registry.Get("escape_attempt")
	assert.False(t, ok)
	_, err = store.GetByName(ctx, "escape_attempt")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestDynamicManager_CreateToolRejectsSyntaxErrors(t *testing.T) {
	mgr, registry, _ := newDynamicHarness(t)

	tool := addTool("broken_tool")
	tool.Code = "async def run(:\n    return 1\n"
	err := mgr.CreateTool(context.Background(), tool)
	require.Error(t, err)

	_, ok := registry.Get("broken_tool")
	assert.False(t, ok)
}

func TestDynamicManager_CreateToolRejectsDuplicates(t *testing.T) {
	mgr, _, _ := newDynamicHarness(t)
	ctx := context.Background()

	require.NoError(t, mgr.CreateTool(ctx, addTool("add_numbers")))
	err := mgr.CreateTool(ctx, addTool("add_numbers"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestDynamicManager_ReloadSkipsInvalidStoredCode(t *testing.T) {
	mgr, registry, store := newDynamicHarness(t)
	ctx := context.Background()

	// The store does not validate; simulate a tool persisted before the
	// validation rules tightened.
	require.NoError(t, store.Create(ctx, &models.DynamicTool{
		Name:      "legacy_tool",
		Code:      "import socket\nasync def run():\n    return 1\n",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Create(ctx, &models.DynamicTool{
		Name:      "good_tool",
		Code:      addScript,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}))

	loaded, err := mgr.ReloadActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	_, ok := registry.Get("good_tool")
	assert.True(t, ok)
	_, ok = registry.Get("legacy_tool")
	assert.False(t, ok)
}

func TestDynamicManager_DeactivateRemovesTool(t *testing.T) {
	mgr, registry, store := newDynamicHarness(t)
	ctx := context.Background()

	require.NoError(t, mgr.CreateTool(ctx, addTool("add_numbers")))
	require.NoError(t, mgr.Deactivate(ctx, "add_numbers"))

	_, ok := registry.Get("add_numbers")
	assert.False(t, ok)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDynamicManager_MetaToolCreatesTools(t *testing.T) {
	mgr, registry, _ := newDynamicHarness(t)
	ctx := context.Background()
	require.NoError(t, registry.Register(mgr.MetaTool()))

	result := registry.Execute(ctx, "create_tool", map[string]any{
		"name":        "double_it",
		"description": "doubles a number",
		"code":        "async def run(n):\n    return {\"doubled\": n * 2}\n",
		"input_schema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"n": map[string]any{"type": "number"}},
			"required":   []any{"n"},
		},
	})
	resultMap := result.(map[string]any)
	require.NotContains(t, resultMap, "error")
	assert.Equal(t, true, resultMap["registered"])

	doubled := registry.Execute(ctx, "double_it", map[string]any{"n": 4})
	doubledMap := doubled.(map[string]any)
	assert.EqualValues(t, 8, doubledMap["doubled"])
}

func TestDynamicManager_ScriptErrorsSurfaceAsToolErrors(t *testing.T) {
	mgr, registry, _ := newDynamicHarness(t)
	ctx := context.Background()

	tool := addTool("flaky_tool")
	tool.Code = "async def run():\n    raise ValueError(\"bad input\")\n"
	tool.InputSchema = nil
	require.NoError(t, mgr.CreateTool(ctx, tool))

	result := registry.Execute(ctx, "flaky_tool", nil)
	resultMap := result.(map[string]any)
	assert.Contains(t, resultMap["error"], "ValueError: bad input")
}
