// Package session is the conversation memory layer: one active session per
// key, single-writer locks in the KV store, platform-specific idle expiry,
// and LLM-assisted compaction once the history grows past a threshold.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// LLMClient is the slice of the provider router compaction uses.
type LLMClient interface {
	Generate(ctx context.Context, tier config.ModelTier, req *llm.Request) (*llm.Response, error)
}

// Manager owns session lifecycle and history. Writers must hold the session
// lock for the key across GetOrCreate → LoadHistory → StoreMessages.
type Manager struct {
	cfg    *config.SessionConfig
	store  *services.SessionService
	kv     *kv.Client
	llm    LLMClient
	logger *slog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg *config.SessionConfig, store *services.SessionService, kvClient *kv.Client, llmClient LLMClient) *Manager {
	if store == nil || kvClient == nil || llmClient == nil {
		panic("session.NewManager: store, kv client, and llm client must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultSessionConfig()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		kv:     kvClient,
		llm:    llmClient,
		logger: slog.Default().With("component", "session"),
	}
}

// AcquireLock takes the single-writer lock for a session key, polling until
// it is free or the acquire timeout passes. Returns false on timeout.
func (m *Manager) AcquireLock(ctx context.Context, key string) (bool, error) {
	deadline := time.Now().Add(m.cfg.LockAcquireTimeout)

	for {
		ok, err := m.kv.SetNX(ctx, kv.SessionLockKey(key), "1", m.cfg.LockTTL)
		if err != nil {
			return false, fmt.Errorf("failed to acquire session lock: %w", err)
		}
		if ok {
			return true, nil
		}
		if time.Now().Add(m.cfg.LockPollInterval).After(deadline) {
			m.logger.Warn("Session lock acquisition timed out", "key", key)
			return false, nil
		}
		select {
		case <-time.After(m.cfg.LockPollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// ReleaseLock frees the single-writer lock for a session key.
func (m *Manager) ReleaseLock(ctx context.Context, key string) error {
	return m.kv.Delete(ctx, kv.SessionLockKey(key))
}

// GetOrCreate returns the active session ID for a key, expiring a stale one
// and creating a replacement when the platform's idle policy says so.
func (m *Manager) GetOrCreate(ctx context.Context, key, platform, userID, userName string) (string, bool, error) {
	now := time.Now().UTC()

	sess, err := m.store.GetActiveByKey(ctx, key)
	switch {
	case err == nil:
		if !m.expired(sess, now) {
			return sess.ID, false, nil
		}
		if err := m.store.Expire(ctx, sess.ID); err != nil && !errors.Is(err, services.ErrNotFound) {
			return "", false, fmt.Errorf("failed to expire stale session: %w", err)
		}
		m.logger.Info("Session expired by idle policy",
			"key", key, "platform", sess.Platform, "last_active", sess.LastActiveAt)
	case errors.Is(err, services.ErrNotFound):
		// No active session; create one below.
	default:
		return "", false, err
	}

	created := &models.Session{
		ID:           uuid.New().String(),
		SessionKey:   key,
		Platform:     platform,
		UserID:       userID,
		UserName:     userName,
		Status:       models.SessionStatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := m.store.Create(ctx, created); err != nil {
		if errors.Is(err, services.ErrAlreadyExists) {
			// Lost a create race; use whoever won.
			existing, getErr := m.store.GetActiveByKey(ctx, key)
			if getErr != nil {
				return "", false, getErr
			}
			return existing.ID, false, nil
		}
		return "", false, err
	}
	return created.ID, true, nil
}

// StoreMessages appends one user/assistant exchange in a single transaction,
// skipping empty sides, and compacts the history once it crosses the
// configured threshold.
func (m *Manager) StoreMessages(ctx context.Context, sessionID, userText, assistantText, eventID string) error {
	var turns []*models.SessionMessage
	if userText != "" {
		turns = append(turns, &models.SessionMessage{
			Role: models.RoleUser, Content: userText, EventID: eventID,
		})
	}
	if assistantText != "" {
		turns = append(turns, &models.SessionMessage{
			Role: models.RoleAssistant, Content: assistantText, EventID: eventID,
		})
	}
	if len(turns) == 0 {
		return nil
	}

	count, err := m.store.AppendTurns(ctx, sessionID, turns)
	if err != nil {
		return err
	}

	if count >= m.cfg.CompactionThreshold {
		if err := m.compact(ctx, sessionID, count); err != nil {
			// The history is intact, only oversized; the next store retries.
			m.logger.Warn("Session compaction failed",
				"session_id", sessionID, "error", err)
		}
	}
	return nil
}

// ExpireIdle expires every active session past its platform's idle policy.
// Called from the scheduler.
func (m *Manager) ExpireIdle(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	chatExpired, err := m.store.ExpireIdle(ctx, models.PlatformChat, now.Add(-m.cfg.ChatIdleTimeout))
	if err != nil {
		return 0, err
	}

	// A dashboard session dies when idle too long OR when the daily reset
	// passed since its last activity; both are "older than" predicates, so
	// the later of the two instants is the single cutoff.
	dashCutoff := now.Add(-m.cfg.DashboardIdleTimeout)
	if reset := m.lastDailyReset(now); reset.After(dashCutoff) {
		dashCutoff = reset
	}
	dashExpired, err := m.store.ExpireIdle(ctx, models.PlatformDashboard, dashCutoff)
	if err != nil {
		return chatExpired, err
	}

	total := chatExpired + dashExpired
	if total > 0 {
		m.logger.Info("Idle sessions expired", "chat", chatExpired, "dashboard", dashExpired)
	}
	return total, nil
}

// expired applies the platform idle policy to one session.
func (m *Manager) expired(sess *models.Session, now time.Time) bool {
	idle := now.Sub(sess.LastActiveAt)
	switch sess.Platform {
	case models.PlatformDashboard:
		return idle > m.cfg.DashboardIdleTimeout ||
			sess.LastActiveAt.Before(m.lastDailyReset(now))
	default:
		return idle > m.cfg.ChatIdleTimeout
	}
}

// lastDailyReset returns the most recent daily reset instant at or before now.
func (m *Manager) lastDailyReset(now time.Time) time.Time {
	now = now.UTC()
	reset := time.Date(now.Year(), now.Month(), now.Day(), m.cfg.DailyResetHour, 0, 0, 0, time.UTC)
	if reset.After(now) {
		reset = reset.AddDate(0, 0, -1)
	}
	return reset
}
