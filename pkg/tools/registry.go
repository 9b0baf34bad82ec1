// Package tools is the capability registry: named tools with JSON-schema
// inputs, source-scoped selection filtered by configured credentials,
// rate-limited dispatch with failures returned as values, and runtime
// registration of validated dynamic tools and external server tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
)

// Handler executes one tool call with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Groups      []string
	InputSchema map[string]any
	Handler     Handler
}

// RateLimiter is the guardrail slice the registry consults before every
// dispatch. nil means unlimited.
type RateLimiter interface {
	AllowToolUse(ctx context.Context, tool string) (bool, error)
}

// groupCredential maps provider-backed tool groups to the source whose
// credential they need. Groups not listed are internal and always
// available.
var groupCredential = map[string]string{
	"mail":     "mail",
	"drafts":   "mail",
	"chat":     "chat",
	"tickets":  "ticketing",
	"projects": "projects",
	"drive":    "drive",
}

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

// registered pairs a tool with its compiled input schema.
type registered struct {
	tool     *Tool
	compiled *jsonschema.Schema
}

// Registry holds the three tool tiers: builtins, persisted dynamic tools,
// and external server tools (namespaced "{server}__{tool}").
type Registry struct {
	cfg           *config.ToolsConfig
	guard         RateLimiter
	sourceEnabled map[string]bool
	logger        *slog.Logger

	mu       sync.RWMutex
	static   map[string]*registered
	dynamic  map[string]*registered
	external map[string]*registered
}

// NewRegistry creates an empty registry. sources drives credential
// filtering; nil disables every provider-backed group.
func NewRegistry(cfg *config.ToolsConfig, sources *config.SourcesConfig, guard RateLimiter) *Registry {
	if cfg == nil {
		cfg = config.DefaultToolsConfig()
	}
	enabled := make(map[string]bool)
	if sources != nil {
		for name, src := range sources.All() {
			enabled[name] = src.IsEnabled()
		}
	}
	return &Registry{
		cfg:           cfg,
		guard:         guard,
		sourceEnabled: enabled,
		logger:        slog.Default().With("component", "tools"),
		static:        make(map[string]*registered),
		dynamic:       make(map[string]*registered),
		external:      make(map[string]*registered),
	}
}

// Register adds a builtin tool. Fails on duplicate names anywhere in the
// registry or on an uncompilable input schema.
func (r *Registry) Register(tool *Tool) error {
	reg, err := r.prepare(tool)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(tool.Name) {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	r.static[tool.Name] = reg
	return nil
}

// RegisterDynamic adds or replaces a persisted dynamic tool. Replacement is
// allowed within the dynamic tier (startup reload after an edit), collision
// with a builtin or external tool is not.
func (r *Registry) RegisterDynamic(tool *Tool) error {
	reg, err := r.prepare(tool)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.static[tool.Name]; ok {
		return fmt.Errorf("tool name collides with a builtin: %s", tool.Name)
	}
	if _, ok := r.external[tool.Name]; ok {
		return fmt.Errorf("tool name collides with an external tool: %s", tool.Name)
	}
	r.dynamic[tool.Name] = reg
	return nil
}

// RegisterExternal adds a tool adapted from an external server. Names must
// carry the "{server}__{tool}" namespace, which keeps them out of the
// builtin and dynamic namespaces by construction.
func (r *Registry) RegisterExternal(tool *Tool) error {
	if !strings.Contains(tool.Name, "__") {
		return fmt.Errorf("external tool name must be namespaced: %s", tool.Name)
	}
	reg, err := r.prepare(tool)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.external[tool.Name] = reg
	return nil
}

// Unregister removes a dynamic or external tool. Builtins stay.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dynamic, name)
	delete(r.external, name)
}

// Get returns a tool by name, checking builtins first.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.lookupLocked(name); ok {
		return reg.tool, true
	}
	return nil, false
}

// Execute dispatches one tool call. It never returns a Go error: unknown
// tools, rate limits, invalid arguments, and handler failures all come
// back as {"error": ...} values the model can read and react to.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) any {
	r.mu.RLock()
	reg, ok := r.lookupLocked(name)
	r.mu.RUnlock()
	if !ok {
		return errValue(fmt.Sprintf("unknown tool: %s", name))
	}

	if r.guard != nil {
		allowed, err := r.guard.AllowToolUse(ctx, name)
		if err == nil && !allowed {
			return errValue(fmt.Sprintf("rate limit exceeded for %s, retry later", name))
		}
	}

	if reg.compiled != nil {
		if err := validateArgs(reg.compiled, args); err != nil {
			return errValue(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	start := time.Now()
	result, err := reg.tool.Handler(ctx, args)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Warn("Tool execution failed",
			"tool", name, "error", err, "elapsed", elapsed)
		return errValue(err.Error())
	}
	r.logger.Debug("Tool executed", "tool", name, "elapsed", elapsed)
	return result
}

// DefinitionsFor returns the tool definitions one event source may see:
// the source's configured groups, minus groups whose credentials are not
// configured. Sorted by name so prompts are deterministic.
func (r *Registry) DefinitionsFor(source string) []llm.ToolDefinition {
	allowed := make(map[string]bool)
	for _, g := range r.cfg.GroupsFor(source) {
		if r.groupAvailable(g) {
			allowed[g] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDefinition
	for _, tier := range []map[string]*registered{r.static, r.dynamic, r.external} {
		for _, reg := range tier {
			if !inGroups(reg.tool, allowed) {
				continue
			}
			defs = append(defs, llm.ToolDefinition{
				Name:        reg.tool.Name,
				Description: reg.tool.Description,
				InputSchema: reg.tool.InputSchema,
			})
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.static)+len(r.dynamic)+len(r.external))
	for _, tier := range []map[string]*registered{r.static, r.dynamic, r.external} {
		for name := range tier {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Registry) prepare(tool *Tool) (*registered, error) {
	if tool == nil || tool.Handler == nil {
		return nil, fmt.Errorf("tool and handler must not be nil")
	}
	if !toolNamePattern.MatchString(strings.ReplaceAll(tool.Name, "__", "_")) {
		return nil, fmt.Errorf("invalid tool name: %q", tool.Name)
	}

	reg := &registered{tool: tool}
	if len(tool.InputSchema) > 0 {
		compiled, err := CompileSchema(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("input schema for %s: %w", tool.Name, err)
		}
		reg.compiled = compiled
	}
	return reg, nil
}

func (r *Registry) exists(name string) bool {
	_, ok := r.lookupLocked(name)
	return ok
}

func (r *Registry) lookupLocked(name string) (*registered, bool) {
	if reg, ok := r.static[name]; ok {
		return reg, true
	}
	if reg, ok := r.dynamic[name]; ok {
		return reg, true
	}
	if reg, ok := r.external[name]; ok {
		return reg, true
	}
	return nil, false
}

func (r *Registry) groupAvailable(group string) bool {
	source, gated := groupCredential[group]
	if !gated {
		return true
	}
	return r.sourceEnabled[source]
}

func inGroups(tool *Tool, allowed map[string]bool) bool {
	for _, g := range tool.Groups {
		if allowed[g] {
			return true
		}
	}
	return false
}

// CompileSchema compiles a JSON-Schema object. Used at registration so a
// broken schema is rejected before the model ever sees the tool.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := normalizeJSON(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	doc, err := normalizeJSON(args)
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

// normalizeJSON round-trips a Go value through JSON so the validator sees
// plain decoded types (float64 numbers, map[string]any objects).
func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal for validation: %w", err)
	}
	return doc, nil
}

func errValue(msg string) map[string]any {
	return map[string]any{"error": msg}
}
