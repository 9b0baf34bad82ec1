package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/tools"
)

// Bridge adapts external server tools into the tool registry under
// namespaced "{server}__{tool}" names. Each adapted tool's handler routes
// back through the shared Client, so recovery and retries apply uniformly.
type Bridge struct {
	client   *Client
	registry *config.ToolServerRegistry
	tools    *tools.Registry
	logger   *slog.Logger

	mu         sync.Mutex
	registered map[string][]string // serverID → namespaced tool names
}

// NewBridge creates a Bridge. Nothing is registered until Connect.
func NewBridge(client *Client, registry *config.ToolServerRegistry, toolRegistry *tools.Registry) *Bridge {
	if client == nil || registry == nil || toolRegistry == nil {
		panic("NewBridge: all collaborators must not be nil")
	}
	return &Bridge{
		client:     client,
		registry:   registry,
		tools:      toolRegistry,
		registered: make(map[string][]string),
		logger:     slog.Default().With("component", "mcp.bridge"),
	}
}

// Connect initializes every enabled server and adapts its tools. A server
// that fails to connect or list is logged and skipped; the others come up.
func (b *Bridge) Connect(ctx context.Context) {
	b.client.Initialize(ctx)

	for serverID, cfg := range b.registry.GetAll() {
		if !cfg.IsEnabled() || !b.client.HasSession(serverID) {
			continue
		}
		if err := b.RegisterServerTools(ctx, serverID); err != nil {
			b.logger.Warn("Failed to adapt server tools",
				"server", serverID, "error", err)
		}
	}
}

// RegisterServerTools lists one server's tools and (re)registers them.
// Tools the server no longer advertises are removed. Called at startup and
// by the health monitor after a session recovery.
func (b *Bridge) RegisterServerTools(ctx context.Context, serverID string) error {
	cfg, err := b.registry.Get(serverID)
	if err != nil {
		return err
	}
	sdkTools, err := b.client.ListTools(ctx, serverID)
	if err != nil {
		return err
	}

	groups := cfg.Groups
	if len(groups) == 0 {
		groups = []string{serverID}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(sdkTools))
	names := make([]string, 0, len(sdkTools))
	for _, st := range sdkTools {
		name := NamespacedName(serverID, st.Name)
		if seen[name] {
			b.logger.Warn("Tool name collides after sanitization, skipping",
				"server", serverID, "tool", st.Name)
			continue
		}

		tool := &tools.Tool{
			Name:        name,
			Description: st.Description,
			Groups:      groups,
			InputSchema: usableSchema(name, st.InputSchema, b.logger),
			Handler:     b.handler(serverID, st.Name),
		}
		if err := b.tools.RegisterExternal(tool); err != nil {
			b.logger.Warn("Skipping external tool",
				"server", serverID, "tool", st.Name, "error", err)
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	// Drop tools from the previous registration that disappeared.
	for _, old := range b.registered[serverID] {
		if !seen[old] {
			b.tools.Unregister(old)
		}
	}
	b.registered[serverID] = names

	b.logger.Info("Server tools registered",
		"server", serverID, "tools", len(names))
	return nil
}

// UnregisterServer removes all of one server's adapted tools.
func (b *Bridge) UnregisterServer(serverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range b.registered[serverID] {
		b.tools.Unregister(name)
	}
	delete(b.registered, serverID)
}

// Instructions returns the configured usage guidance for every server that
// currently has adapted tools, keyed by server ID. Prompt builders include
// these alongside the tool definitions.
func (b *Bridge) Instructions() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make(map[string]string)
	for serverID, names := range b.registered {
		if len(names) == 0 {
			continue
		}
		cfg, err := b.registry.Get(serverID)
		if err != nil || cfg.Instructions == "" {
			continue
		}
		result[serverID] = cfg.Instructions
	}
	return result
}

// handler builds the dispatch closure for one server tool. Server-reported
// errors become handler errors; oversized output is cut at a line boundary
// before it reaches the conversation.
func (b *Bridge) handler(serverID, toolName string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		result, err := b.client.CallTool(ctx, serverID, toolName, args)
		if err != nil {
			return nil, err
		}

		text := TruncateResult(extractText(result), DefaultResultMaxTokens)
		if result.IsError {
			if text == "" {
				text = "tool reported an error without details"
			}
			return nil, errors.New(text)
		}
		return text, nil
	}
}

// extractText concatenates the text content items of a result. Non-text
// content (images, embedded resources) is skipped.
func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// usableSchema converts a server-advertised schema into the registry's map
// form. Schemas that do not survive the round trip or do not compile are
// dropped: the server still validates its own arguments, so losing local
// validation beats losing the tool.
func usableSchema(name string, schema any, logger *slog.Logger) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	if _, err := tools.CompileSchema(m); err != nil {
		logger.Debug("External tool schema does not compile, validating server-side only",
			"tool", name, "error", err)
		return nil
	}
	return m
}

// NamespacedName builds the registry name for a server tool. Characters
// outside the registry's name alphabet fold to underscores.
func NamespacedName(serverID, toolName string) string {
	return sanitizeNamePart(serverID) + "__" + sanitizeNamePart(toolName)
}

func sanitizeNamePart(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
