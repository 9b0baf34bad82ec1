// Package scheduler runs the heartbeat loop: every tick it sweeps the
// source pollers concurrently, runs pattern detection, refreshes the
// automation trigger index, fires wall-clock events (morning brief, daily
// summary, scheduled automations), periodically analyzes draft feedback,
// recomputes baselines on the weekly boundary, and expires idle sessions.
// Shutdown is cooperative between ticks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/patterns"
	"github.com/opsloop/opsloop/pkg/pollers"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/pkg/session"
)

// cronGrace is how far past its wall-clock target a daily job may still
// fire. Wide enough to survive a few missed heartbeats or a short restart.
const cronGrace = 5 * time.Minute

// Deps carries the scheduler's collaborators. Queue is required; every
// other job skips silently when its collaborator is nil.
type Deps struct {
	Config *config.SchedulerConfig
	Queue  pollers.Publisher

	Pollers   []pollers.Poller
	Detector  *patterns.Detector
	Triggers  *TriggerIndex
	Sessions  *session.Manager
	Drafts    *services.DraftService
	Proposals *services.ProposalService
	Actions   *services.ActionService
	Solutions *services.SolutionService
}

// Scheduler is the single heartbeat loop per worker process.
type Scheduler struct {
	deps   Deps
	jobs   []cronJob
	latch  *cronLatch
	ticks  int
	logger *slog.Logger

	lastRecompute string

	cancel context.CancelFunc
	done   chan struct{}
}

// cronJob is a parsed daily wall-clock marker.
type cronJob struct {
	name string
	at   config.ClockTime
}

func New(deps Deps) *Scheduler {
	if deps.Queue == nil {
		panic("scheduler.New: queue must not be nil")
	}
	if deps.Config == nil {
		deps.Config = config.DefaultSchedulerConfig()
	}

	logger := slog.Default().With("component", "scheduler")
	var jobs []cronJob
	for name, spec := range map[string]string{
		"morning_brief": deps.Config.MorningBrief,
		"daily_summary": deps.Config.DailySummary,
	} {
		at, err := config.ParseClockTime(spec)
		if err != nil {
			logger.Warn("Skipping cron job with unparsable time", "job", name, "value", spec)
			continue
		}
		jobs = append(jobs, cronJob{name: name, at: at})
	}

	return &Scheduler{
		deps:   deps,
		jobs:   jobs,
		latch:  newCronLatch(cronGrace),
		logger: logger,
	}
}

// Start launches the heartbeat loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Scheduler started",
		"heartbeat", s.deps.Config.HeartbeatInterval,
		"pollers", len(s.deps.Pollers))
}

// Stop signals the loop to exit and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx, time.Now().UTC())

	ticker := time.NewTicker(s.deps.Config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs one heartbeat. Every job tolerates its collaborators failing;
// the loop itself never stops on an error.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.ticks++

	s.runPollers(ctx)

	if s.deps.Detector != nil {
		s.deps.Detector.Tick(ctx, now)
	}
	if s.deps.Triggers != nil {
		if err := s.deps.Triggers.Refresh(ctx); err != nil {
			s.logger.Warn("Trigger index refresh failed", "error", err)
		}
	}

	s.fireCron(ctx, now)
	s.fireScheduledAutomations(ctx, now)

	if s.deps.Config.FeedbackAnalysisEvery > 0 && s.ticks%s.deps.Config.FeedbackAnalysisEvery == 0 {
		s.analyzeFeedback(ctx, now)
	}

	s.maybeRecomputeBaselines(ctx, now)
	s.expireSessions(ctx)
}

// runPollers sweeps all sources concurrently. A failing source is logged
// and never blocks the others.
func (s *Scheduler) runPollers(ctx context.Context) {
	g := new(errgroup.Group)
	for _, p := range s.deps.Pollers {
		g.Go(func() error {
			n, err := p.Poll(ctx)
			if err != nil {
				s.logger.Error("Poller failed", "poller", p.Name(), "error", err)
				return nil
			}
			if n > 0 {
				s.logger.Info("Poller published events", "poller", p.Name(), "count", n)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fireCron publishes the daily wall-clock events. The latch marks a job
// only after a successful publish, so a failed publish retries on the next
// tick inside the grace window.
func (s *Scheduler) fireCron(ctx context.Context, now time.Time) {
	for _, job := range s.jobs {
		if !s.latch.due(job.name, job.at, now) {
			continue
		}
		date := now.Format(time.DateOnly)
		evt := models.NewEvent(models.SourceScheduler, job.name, models.PriorityMedium,
			map[string]any{"date": date}, "scheduler:"+job.name+":"+date)
		if _, err := s.deps.Queue.Publish(ctx, evt); err != nil {
			s.logger.Error("Failed to publish cron event", "job", job.name, "error", err)
			continue
		}
		s.latch.mark(job.name, now)
		s.logger.Info("Cron event published", "job", job.name, "date", date)
	}
}

// fireScheduledAutomations publishes automation_run events for active
// automations carrying a {"trigger": {"schedule": "HH:MM"}} config.
func (s *Scheduler) fireScheduledAutomations(ctx context.Context, now time.Time) {
	if s.deps.Solutions == nil {
		return
	}
	sols, err := s.deps.Solutions.List(ctx, true, 200)
	if err != nil {
		s.logger.Error("Failed to list automations", "error", err)
		return
	}

	for _, sol := range sols {
		if sol.SolutionType != models.SolutionAutomation {
			continue
		}
		spec := triggerField(sol.Config, "schedule")
		if spec == "" {
			continue
		}
		at, err := config.ParseClockTime(spec)
		if err != nil {
			s.logger.Warn("Automation has an unparsable schedule",
				"solution", sol.Name, "schedule", spec)
			continue
		}

		job := "automation:" + sol.ID
		if !s.latch.due(job, at, now) {
			continue
		}
		date := now.Format(time.DateOnly)
		evt := models.NewEvent(models.SourceScheduler, "automation_run", models.PriorityMedium,
			map[string]any{
				"solution_id": sol.ID,
				"solution":    sol.Name,
				"description": sol.Description,
			}, fmt.Sprintf("scheduler:automation:%s:%s", sol.ID, date))
		if _, err := s.deps.Queue.Publish(ctx, evt); err != nil {
			s.logger.Error("Failed to publish automation event",
				"solution", sol.Name, "error", err)
			continue
		}
		s.latch.mark(job, now)
		s.logger.Info("Scheduled automation fired", "solution", sol.Name, "date", date)
	}
}

// maybeRecomputeBaselines runs the weekly recomputation on the first tick
// of the configured weekday.
func (s *Scheduler) maybeRecomputeBaselines(ctx context.Context, now time.Time) {
	if s.deps.Detector == nil || now.Weekday() != s.deps.Config.BaselineRecomputeDay {
		return
	}
	today := now.Format(time.DateOnly)
	if s.lastRecompute == today {
		return
	}
	if err := s.deps.Detector.Recompute(ctx, s.deps.Config.BaselineWindowDays); err != nil {
		s.logger.Error("Baseline recomputation failed", "error", err)
		return
	}
	s.lastRecompute = today
	s.logger.Info("Baselines recomputed", "window_days", s.deps.Config.BaselineWindowDays)
}

func (s *Scheduler) expireSessions(ctx context.Context) {
	if s.deps.Sessions == nil {
		return
	}
	n, err := s.deps.Sessions.ExpireIdle(ctx)
	if err != nil {
		s.logger.Error("Session expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Expired idle sessions", "count", n)
	}
}

// cronLatch tracks which daily jobs already fired today.
type cronLatch struct {
	grace time.Duration
	fired map[string]string
}

func newCronLatch(grace time.Duration) *cronLatch {
	return &cronLatch{grace: grace, fired: make(map[string]string)}
}

// due reports whether now sits inside the job's daily window and the job
// has not fired today. A tick later than the grace window skips the day.
func (l *cronLatch) due(job string, at config.ClockTime, now time.Time) bool {
	target := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, time.UTC)
	if now.Before(target) || now.Sub(target) >= l.grace {
		return false
	}
	return l.fired[job] != now.Format(time.DateOnly)
}

func (l *cronLatch) mark(job string, now time.Time) {
	l.fired[job] = now.Format(time.DateOnly)
}
