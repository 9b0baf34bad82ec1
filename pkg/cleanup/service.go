// Package cleanup enforces the data retention policies:
//   - Deletes terminal event rows past their retention window
//   - Deletes audit records past theirs
//   - Deletes expired sessions (messages cascade)
//   - Marks overdue and stale pending proposals expired
//
// Every sweep is idempotent and safe to run from multiple workers.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/services"
)

// Service runs the periodic retention loop.
type Service struct {
	cfg       *config.RetentionConfig
	events    *services.EventService
	actions   *services.ActionService
	sessions  *services.SessionService
	proposals *services.ProposalService
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the cleanup service. A nil cfg uses the defaults.
func NewService(
	cfg *config.RetentionConfig,
	events *services.EventService,
	actions *services.ActionService,
	sessions *services.SessionService,
	proposals *services.ProposalService,
) *Service {
	if events == nil || actions == nil || sessions == nil || proposals == nil {
		panic("cleanup.NewService: services must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{
		cfg:       cfg,
		events:    events,
		actions:   actions,
		sessions:  sessions,
		proposals: proposals,
		logger:    slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"event_retention", s.cfg.EventRetention,
		"action_log_retention", s.cfg.ActionLogRetention,
		"expired_session_retention", s.cfg.ExpiredSessionRetention,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	now := time.Now().UTC()
	s.deleteFinishedEvents(ctx, now)
	s.deleteOldAuditRows(ctx, now)
	s.deleteExpiredSessions(ctx, now)
	s.expireStaleProposals(ctx, now)
}

func (s *Service) deleteFinishedEvents(ctx context.Context, now time.Time) {
	count, err := s.events.DeleteFinishedBefore(ctx, now.Add(-s.cfg.EventRetention))
	if err != nil {
		s.logger.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted finished events", "count", count)
	}
}

func (s *Service) deleteOldAuditRows(ctx context.Context, now time.Time) {
	count, err := s.actions.DeleteOlderThan(ctx, now.Add(-s.cfg.ActionLogRetention))
	if err != nil {
		s.logger.Error("Retention: audit cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted old audit records", "count", count)
	}
}

func (s *Service) deleteExpiredSessions(ctx context.Context, now time.Time) {
	count, err := s.sessions.DeleteExpiredBefore(ctx, now.Add(-s.cfg.ExpiredSessionRetention))
	if err != nil {
		s.logger.Error("Retention: session cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted expired sessions", "count", count)
	}
}

// expireStaleProposals covers both expiry shapes: proposals with an explicit
// deadline that has passed, and deadline-less proposals nobody reviewed
// within the configured window.
func (s *Service) expireStaleProposals(ctx context.Context, now time.Time) {
	overdue, err := s.proposals.ExpirePending(ctx, now)
	if err != nil {
		s.logger.Error("Retention: proposal expiry failed", "error", err)
		return
	}
	stale, err := s.proposals.ExpireStalePending(ctx, now.Add(-s.cfg.ProposalExpiry))
	if err != nil {
		s.logger.Error("Retention: stale proposal expiry failed", "error", err)
		return
	}
	if overdue+stale > 0 {
		s.logger.Info("Retention: expired pending proposals",
			"overdue", overdue, "stale", stale)
	}
}
