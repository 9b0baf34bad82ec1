package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/sandbox"
	"github.com/opsloop/opsloop/pkg/services"
)

// DynamicManager creates, persists, and reloads runtime-registered tools.
// Code goes through static validation and an interpreter compile check
// before anything is registered or stored.
type DynamicManager struct {
	registry  *Registry
	store     *services.DynamicToolService
	validator *sandbox.Validator
	runner    *sandbox.Runner
	logger    *slog.Logger
}

// NewDynamicManager creates a new DynamicManager.
func NewDynamicManager(registry *Registry, store *services.DynamicToolService, validator *sandbox.Validator, runner *sandbox.Runner) *DynamicManager {
	if registry == nil || store == nil || validator == nil || runner == nil {
		panic("NewDynamicManager: all collaborators must not be nil")
	}
	return &DynamicManager{
		registry:  registry,
		store:     store,
		validator: validator,
		runner:    runner,
		logger:    slog.Default().With("component", "tools.dynamic"),
	}
}

// CreateTool validates, registers, and persists a new dynamic tool. The
// tool is callable immediately; persistence makes it survive restarts.
func (m *DynamicManager) CreateTool(ctx context.Context, tool *models.DynamicTool) error {
	// 1. Cheap collision check before any subprocess work.
	if _, ok := m.registry.Get(tool.Name); ok {
		return fmt.Errorf("tool %q already exists", tool.Name)
	}

	// 2. Static analysis of imports, builtins, and entrypoint shape.
	if err := m.validator.Validate(tool.Code); err != nil {
		return err
	}

	// 3. Interpreter compile check catches syntax errors static analysis cannot.
	if err := m.runner.CompileCheck(ctx, tool.Code); err != nil {
		return err
	}

	// 4. Registration compiles the input schema and enforces the name pattern.
	if err := m.registry.RegisterDynamic(m.asTool(tool)); err != nil {
		return err
	}

	// 5. Persist. Registration is in-memory and reversible, so it rolls back
	// if the durable step fails.
	tool.Active = true
	tool.CreatedAt = time.Now().UTC()
	if err := m.store.Create(ctx, tool); err != nil {
		m.registry.Unregister(tool.Name)
		if errors.Is(err, services.ErrAlreadyExists) {
			return fmt.Errorf("tool %q already exists", tool.Name)
		}
		return err
	}

	m.logger.Info("Dynamic tool created", "tool", tool.Name, "created_by", tool.CreatedBy)
	return nil
}

// ReloadActive registers all stored active tools, typically at startup.
// Tools that no longer pass validation are skipped and logged, not deleted;
// validation rules may have tightened since they were stored.
func (m *DynamicManager) ReloadActive(ctx context.Context) (int, error) {
	stored, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load dynamic tools: %w", err)
	}

	loaded := 0
	for _, dt := range stored {
		if err := m.validator.Validate(dt.Code); err != nil {
			m.logger.Warn("Skipping stored tool that fails validation",
				"tool", dt.Name, "error", err)
			continue
		}
		if err := m.registry.RegisterDynamic(m.asTool(dt)); err != nil {
			m.logger.Warn("Failed to register stored tool",
				"tool", dt.Name, "error", err)
			continue
		}
		loaded++
	}
	m.logger.Info("Reloaded dynamic tools", "loaded", loaded, "stored", len(stored))
	return loaded, nil
}

// Deactivate disables a dynamic tool and removes it from the registry.
func (m *DynamicManager) Deactivate(ctx context.Context, name string) error {
	if err := m.store.Deactivate(ctx, name); err != nil {
		return err
	}
	m.registry.Unregister(name)
	m.logger.Info("Dynamic tool deactivated", "tool", name)
	return nil
}

// MetaTool returns the create_tool definition through which the agent
// registers new tools.
func (m *DynamicManager) MetaTool() *Tool {
	return &Tool{
		Name: "create_tool",
		Description: "Create a reusable tool from a Python script. The script must define " +
			"`async def run(**kwargs)` returning a JSON-serializable value, may only use " +
			"whitelisted modules (json, re, datetime, math are preloaded), and cannot touch " +
			"the filesystem, network, or subprocesses. Use for computations you expect to " +
			"repeat on future events.",
		Groups: []string{"scripting"},
		InputSchema: schemaObject(map[string]any{
			"name":        prop("string", "Tool name: lowercase letters, digits, underscores."),
			"description": prop("string", "What the tool does and when to use it."),
			"code":        prop("string", "Python source with an async def run(**kwargs) entrypoint."),
			"input_schema": map[string]any{
				"type":        "object",
				"description": "JSON schema for the tool's keyword arguments.",
			},
		}, "name", "description", "code"),
		Handler: m.handleCreateTool,
	}
}

func (m *DynamicManager) handleCreateTool(ctx context.Context, args map[string]any) (any, error) {
	schema, _ := args["input_schema"].(map[string]any)
	dt := &models.DynamicTool{
		Name:        argString(args, "name"),
		Description: argString(args, "description"),
		Code:        argString(args, "code"),
		InputSchema: schema,
		CreatedBy:   "agent",
	}
	if err := m.CreateTool(ctx, dt); err != nil {
		return nil, err
	}
	return map[string]any{"tool": dt.Name, "registered": true}, nil
}

// asTool wraps stored code in a handler that runs it in the sandbox. The
// harness reports script failures inside the result envelope; those become
// handler errors so the registry logs them like any other tool failure.
func (m *DynamicManager) asTool(dt *models.DynamicTool) *Tool {
	code := dt.Code
	return &Tool{
		Name:        dt.Name,
		Description: dt.Description,
		Groups:      []string{"scripting"},
		InputSchema: dt.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			result := m.runner.Execute(ctx, code, args)
			if msg, ok := result["error"].(string); ok && len(result) == 1 {
				return nil, errors.New(msg)
			}
			return result, nil
		},
	}
}
