package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
)

// Router resolves every call to a provider adapter and a concrete model.
// The active provider is re-read from the llm_provider KV flag before each
// call, so an operator can switch providers at runtime without a restart;
// the built adapter is cached per provider name and swapped when the flag
// changes.
type Router struct {
	cfg    *config.LLMConfig
	kv     *kv.Client
	logger *slog.Logger

	// newClient builds a provider adapter; replaced in tests.
	newClient func(provider string, cfg *config.LLMConfig) (Client, error)

	mu       sync.Mutex
	provider string
	client   Client
}

// NewRouter creates a router over the given config. kvClient may be nil, in
// which case the configured provider is fixed for the process lifetime.
func NewRouter(cfg *config.LLMConfig, kvClient *kv.Client) *Router {
	if cfg == nil {
		cfg = config.DefaultLLMConfig()
	}
	return &Router{
		cfg:       cfg,
		kv:        kvClient,
		logger:    slog.Default().With("component", "llm"),
		newClient: newProviderClient,
	}
}

// Generate resolves the provider and tier, applies the per-call timeout, and
// issues the completion. req.Model, when already set, wins over the tier
// mapping.
func (r *Router) Generate(ctx context.Context, tier config.ModelTier, req *Request) (*Response, error) {
	provider, err := r.activeProvider(ctx)
	if err != nil {
		return nil, err
	}
	client, err := r.clientFor(provider)
	if err != nil {
		return nil, err
	}

	if req.Model == "" {
		req.Model = r.cfg.Model(tier)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("no model configured for tier %s: %w", tier, ErrNoProvider)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = r.cfg.MaxTokens
	}

	callCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	resp, err := client.Generate(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("llm call timed out after %v (provider %s, model %s): %w",
				r.cfg.Timeout, provider, req.Model, err)
		}
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}

	r.logger.Debug("LLM call complete",
		"provider", provider, "model", resp.Model, "tier", tier,
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens,
		"tool_calls", len(resp.ToolCalls))
	return resp, nil
}

// Model exposes the tier→model mapping for callers that log model ids.
func (r *Router) Model(tier config.ModelTier) string {
	return r.cfg.Model(tier)
}

// activeProvider reads the runtime override flag, falling back to the
// configured provider. Flag read errors degrade to the configured provider.
func (r *Router) activeProvider(ctx context.Context) (string, error) {
	provider := r.cfg.Provider
	if r.kv != nil {
		if override, found, err := r.kv.Get(ctx, kv.KeyLLMProvider); err != nil {
			r.logger.Warn("Failed to read llm_provider flag, using configured provider",
				"provider", provider, "error", err)
		} else if found && override != "" {
			provider = override
		}
	}
	if provider == "" {
		return "", ErrNoProvider
	}
	return provider, nil
}

// clientFor returns the cached adapter when the provider matches, otherwise
// builds and caches a fresh one.
func (r *Router) clientFor(provider string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil && r.provider == provider {
		return r.client, nil
	}

	client, err := r.newClient(provider, r.cfg)
	if err != nil {
		return nil, err
	}
	if r.provider != "" && r.provider != provider {
		r.logger.Info("LLM provider switched", "from", r.provider, "to", provider)
	}
	r.provider = provider
	r.client = client
	return client, nil
}

// newProviderClient maps a provider name to its adapter.
func newProviderClient(provider string, cfg *config.LLMConfig) (Client, error) {
	switch provider {
	case "openrouter":
		return NewOpenAIClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL)
	case "openai":
		return NewOpenAIClient(cfg.OpenAIAPIKey, "")
	case "anthropic":
		return NewAnthropicClient(cfg.AnthropicAPIKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q: %w", provider, ErrNoProvider)
	}
}
