// Package guardrails applies the deterministic pre-action checks: business
// rules that block or flag an event before any reasoning happens, and
// per-tool sliding-window rate limits.
package guardrails

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// Rule names reported in verdicts and audit rows.
const (
	RuleRestrictedContact = "restricted_contact"
)

// Advisory flags propagated to the reasoning prompt.
const (
	FlagVIP       = "vip"
	FlagFinancial = "financial"
)

// SkipFlagKey is the payload key set on guardrail-override re-publishes.
// It bypasses the business-rule stage only; rate limits always apply.
const SkipFlagKey = "skip_guardrails"

// Verdict is the outcome of the sender check. A blocked event is still
// acked — the block is a terminal non-error outcome.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
}

// Engine evaluates guardrails. actions may be nil (audit logging disabled).
type Engine struct {
	cfg     *config.GuardrailConfig
	kv      *kv.Client
	actions *services.ActionService
	logger  *slog.Logger
}

// New creates a guardrail engine.
func New(cfg *config.GuardrailConfig, kvClient *kv.Client, actions *services.ActionService) *Engine {
	if kvClient == nil {
		panic("guardrails.New: kv client must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultGuardrailConfig()
	}
	return &Engine{
		cfg:     cfg,
		kv:      kvClient,
		actions: actions,
		logger:  slog.Default().With("component", "guardrails"),
	}
}

// CheckSender runs the deterministic sender rules for one event. It needs
// nothing but the payload, so the pipeline runs it before any model call is
// spent on the event. The skip flag (set by guardrail-override approvals)
// bypasses blocking.
func (e *Engine) CheckSender(ctx context.Context, evt *models.Event) Verdict {
	if evt.PayloadBool(SkipFlagKey) {
		e.logger.Info("Guardrail business rules skipped by override",
			"event_id", evt.ID, "source", evt.Source)
		return Verdict{Allowed: true}
	}

	sender := evt.Sender()
	if e.cfg.IsRestricted(sender) {
		e.logger.Warn("Event blocked by guardrail",
			"event_id", evt.ID, "rule", RuleRestrictedContact, "sender", sender)
		e.recordBlock(ctx, evt, RuleRestrictedContact, sender)
		return Verdict{Allowed: false, Rule: RuleRestrictedContact}
	}

	return Verdict{Allowed: true}
}

// Flags returns the advisory flags for a classification. VIP and financial
// topics never block; the reasoning prompt turns the flags into an
// ask-for-approval restriction.
func (e *Engine) Flags(cls *models.Classification) []string {
	var flags []string
	if cls == nil {
		return flags
	}
	if cls.InvolvesVIP {
		flags = append(flags, FlagVIP)
	}
	if cls.InvolvesFinancial {
		flags = append(flags, FlagFinancial)
	}
	return flags
}

// AllowToolUse enforces the per-tool sliding window: INCR a bucketed counter,
// EXPIRE on first increment, allow while count ≤ max. A missing limit config
// or a zero window means unlimited. KV failures allow the call — the limiter
// protects against runaway loops, not adversaries, and must not take tool
// execution down with the KV store.
func (e *Engine) AllowToolUse(ctx context.Context, tool string) (bool, error) {
	limit := e.cfg.RateLimitFor(tool)
	if limit == nil || limit.Window <= 0 || limit.Max <= 0 {
		return true, nil
	}

	bucket := time.Now().Unix() / int64(limit.Window.Seconds())
	count, err := e.kv.IncrWithWindow(ctx, kv.RateLimitKey(tool, bucket), limit.Window)
	if err != nil {
		e.logger.Warn("Rate limit counter unavailable, allowing call",
			"tool", tool, "error", err)
		return true, nil
	}
	if count > int64(limit.Max) {
		e.logger.Warn("Tool rate limit exceeded",
			"tool", tool, "count", count, "max", limit.Max, "window", limit.Window)
		return false, nil
	}
	return true, nil
}

func (e *Engine) recordBlock(ctx context.Context, evt *models.Event, rule, sender string) {
	if e.actions == nil {
		return
	}
	err := e.actions.Record(ctx, &models.ActionLogEntry{
		System:     "guardrails",
		ActionType: "block",
		Outcome:    "blocked",
		Details:    map[string]any{"rule": rule, "sender": sender},
		EventID:    evt.ID,
	})
	if err != nil {
		e.logger.Warn("Failed to record guardrail block", "event_id", evt.ID, "error", err)
	}
}
