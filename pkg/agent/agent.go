// Package agent is the reasoning engine. It picks a model tier from the
// classification, builds the playbook-driven conversation, and runs the
// bounded tool loop: call the provider, execute any requested tools through
// the registry, feed the results back, repeat until the model answers in
// text or the turn budget runs out.
package agent

import (
	"context"
	"log/slog"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
)

// LLMClient is the completion surface the engine uses. Satisfied by
// llm.Router.
type LLMClient interface {
	Generate(ctx context.Context, tier config.ModelTier, req *llm.Request) (*llm.Response, error)
}

// ToolSource advertises tool definitions for a source and executes calls.
// Satisfied by tools.Registry.
type ToolSource interface {
	DefinitionsFor(source string) []llm.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) any
}

// PlaybookResolver returns the operator playbook text for one event.
// Satisfied by playbook.Service.
type PlaybookResolver interface {
	Resolve(ctx context.Context, override string) string
}

// InstructionSource exposes usage notes from connected external tool
// servers, keyed by server id. Satisfied by mcp.Bridge. May be nil.
type InstructionSource interface {
	Instructions() map[string]string
}

// Masker redacts secrets from tool results before they enter the
// conversation. Satisfied by masking.Service. May be nil.
type Masker interface {
	Mask(text string) string
}

// Input is one reasoning request. Plan, Context, Flags and History are all
// optional.
type Input struct {
	Event          *models.Event
	Classification *models.Classification

	// Plan is the numbered plan from the planning step.
	Plan string

	// Context is the formatted retrieval context.
	Context string

	// Flags are guardrail flags (financial, vip) surfaced in the system
	// prompt so the model asks for approval instead of acting.
	Flags []string

	// History carries prior session turns for chat events, oldest first.
	History []llm.Message
}

// Result is the outcome of one reasoning run. Usage sums the tokens of
// every provider call made during the run, the planning call excluded.
type Result struct {
	Text        string
	Tier        config.ModelTier
	Model       string
	Turns       int
	ToolCalls   int
	Usage       llm.Usage
	HitMaxTurns bool
}

// Engine runs the reasoning loop.
type Engine struct {
	llm      LLMClient
	tools    ToolSource
	playbook PlaybookResolver
	bridge   InstructionSource
	masker   Masker
	cfg      *config.AgentConfig
	logger   *slog.Logger
}

// New creates the engine. bridge and masker may be nil; a nil cfg uses
// defaults.
func New(llmClient LLMClient, toolSource ToolSource, playbooks PlaybookResolver,
	bridge InstructionSource, masker Masker, cfg *config.AgentConfig) *Engine {
	if llmClient == nil {
		panic("agent.New: llmClient must not be nil")
	}
	if toolSource == nil {
		panic("agent.New: toolSource must not be nil")
	}
	if playbooks == nil {
		panic("agent.New: playbooks must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultAgentConfig()
	}
	return &Engine{
		llm:      llmClient,
		tools:    toolSource,
		playbook: playbooks,
		bridge:   bridge,
		masker:   masker,
		cfg:      cfg,
		logger:   slog.Default().With("component", "agent"),
	}
}
