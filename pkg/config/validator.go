package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConfigValidator validates the merged configuration before use.
// Validation is fail-fast: the first error aborts startup.
type ConfigValidator struct {
	cfg      *Config
	validate *validator.Validate
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{
		cfg:      cfg,
		validate: validator.New(),
	}
}

// ValidateAll runs all validation checks in dependency order.
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateStructTags(); err != nil {
		return err
	}
	if err := v.validateQueue(); err != nil {
		return err
	}
	if err := v.validateLLM(); err != nil {
		return err
	}
	if err := v.validateScheduler(); err != nil {
		return err
	}
	if err := v.validateSessions(); err != nil {
		return err
	}
	if err := v.validateSources(); err != nil {
		return err
	}
	if err := v.validateToolServers(); err != nil {
		return err
	}
	return nil
}

// validateStructTags runs the declarative `validate:` tag checks across the
// whole config tree in one pass.
func (v *ConfigValidator) validateStructTags() error {
	if err := v.validate.Struct(v.cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.LeaseTTL <= 0 {
		return NewValidationError("queue", "queue", "lease_ttl", ErrInvalidValue)
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "queue", "poll_interval", ErrInvalidValue)
	}
	if q.PollIntervalJitter >= q.PollInterval {
		return NewValidationError("queue", "queue", "poll_interval_jitter",
			fmt.Errorf("%w: jitter must be smaller than poll_interval", ErrInvalidValue))
	}
	if q.ProcessTimeout <= q.LeaseTTL {
		// The lease is refreshed during processing; a process timeout below
		// the lease TTL would let leases outlive the work they protect.
		slog.Warn("Queue process_timeout is not larger than lease_ttl",
			"process_timeout", q.ProcessTimeout, "lease_ttl", q.LeaseTTL)
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	llm := v.cfg.LLM
	if llm.Provider == "" {
		return NewValidationError("llm", "llm", "provider", ErrMissingRequiredField)
	}
	if llm.APIKey(llm.Provider) == "" {
		return NewValidationError("llm", llm.Provider, "api_key",
			fmt.Errorf("%w: no API key configured for active provider", ErrMissingRequiredField))
	}
	if len(llm.Models) == 0 {
		return NewValidationError("llm", llm.Provider, "models", ErrMissingRequiredField)
	}
	for _, tier := range []ModelTier{TierFlash, TierFast, TierDefault, TierPro} {
		if llm.Model(tier) == "" {
			return NewValidationError("llm", llm.Provider, "models."+string(tier), ErrMissingRequiredField)
		}
	}
	if llm.Timeout <= 0 {
		return NewValidationError("llm", llm.Provider, "timeout", ErrInvalidValue)
	}
	return nil
}

func (v *ConfigValidator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s.HeartbeatInterval < time.Second {
		return NewValidationError("scheduler", "scheduler", "heartbeat_interval",
			fmt.Errorf("%w: below 1s", ErrInvalidValue))
	}
	if _, err := ParseClockTime(s.MorningBrief); err != nil {
		return NewValidationError("scheduler", "scheduler", "morning_brief", err)
	}
	if _, err := ParseClockTime(s.DailySummary); err != nil {
		return NewValidationError("scheduler", "scheduler", "daily_summary", err)
	}
	return nil
}

func (v *ConfigValidator) validateSessions() error {
	s := v.cfg.Sessions
	if s.CompactionKeepLast >= s.CompactionThreshold {
		return NewValidationError("sessions", "sessions", "compaction_keep_last",
			fmt.Errorf("%w: must be below compaction_threshold", ErrInvalidValue))
	}
	if s.LockPollInterval <= 0 || s.LockAcquireTimeout < s.LockPollInterval {
		return NewValidationError("sessions", "sessions", "lock_acquire_timeout", ErrInvalidValue)
	}
	return nil
}

func (v *ConfigValidator) validateSources() error {
	maxLookBack := time.Duration(0)
	for name, src := range v.cfg.Sources.All() {
		if src == nil {
			return NewValidationError("source", name, "", ErrMissingRequiredField)
		}
		if !src.IsEnabled() {
			continue
		}
		if src.LookBack <= 0 {
			return NewValidationError("source", name, "look_back", ErrInvalidValue)
		}
		if src.LookBack > maxLookBack {
			maxLookBack = src.LookBack
		}
	}

	// Dedup keys outliving the look-back window keep re-observed items from
	// re-entering the queue. A shorter TTL only causes benign duplicates,
	// so this is a warning rather than an error.
	if maxLookBack > 0 && v.cfg.Queue.DedupTTL < maxLookBack {
		slog.Warn("Queue dedup_ttl is shorter than the longest poller look_back; duplicate events are possible",
			"dedup_ttl", v.cfg.Queue.DedupTTL,
			"max_look_back", maxLookBack)
	}
	return nil
}

func (v *ConfigValidator) validateToolServers() error {
	for id, srv := range v.cfg.ToolServers.GetAll() {
		t := srv.Transport
		switch t.Type {
		case TransportStdio:
			if t.Command == "" {
				return NewValidationError("tool_server", id, "transport.command", ErrMissingRequiredField)
			}
		case TransportHTTP, TransportSSE:
			if t.URL == "" {
				return NewValidationError("tool_server", id, "transport.url", ErrMissingRequiredField)
			}
		default:
			return NewValidationError("tool_server", id, "transport.type",
				fmt.Errorf("%w: %q", ErrInvalidValue, t.Type))
		}
	}
	return nil
}
