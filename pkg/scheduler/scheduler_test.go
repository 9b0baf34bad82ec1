package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/llm"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/patterns"
	"github.com/opsloop/opsloop/pkg/pollers"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/pkg/session"
	"github.com/opsloop/opsloop/test/util"
)

// capturingQueue records published events. A set err makes Publish fail.
type capturingQueue struct {
	mu     sync.Mutex
	events []*models.Event
	err    error
}

func (q *capturingQueue) Publish(_ context.Context, evt *models.Event) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	q.events = append(q.events, evt)
	return true, nil
}

func (q *capturingQueue) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *capturingQueue) byType(eventType string) []*models.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Event
	for _, evt := range q.events {
		if evt.EventType == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// fakePoller counts sweeps and optionally fails every one of them.
type fakePoller struct {
	name  string
	count int
	err   error

	mu    sync.Mutex
	polls int
}

func (p *fakePoller) Name() string { return p.name }

func (p *fakePoller) Poll(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.err != nil {
		return 0, p.err
	}
	return p.count, nil
}

func (p *fakePoller) polled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// stubLLM satisfies the session manager; compaction never runs in these tests.
type stubLLM struct{}

func (stubLLM) Generate(context.Context, config.ModelTier, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "ok"}, nil
}

// testSchedulerConfig disables the periodic feedback analysis so each test
// opts into exactly the jobs it exercises.
func testSchedulerConfig() *config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.FeedbackAnalysisEvery = 0
	return cfg
}

func TestNewPanicsWithoutQueue(t *testing.T) {
	assert.Panics(t, func() { New(Deps{}) })
}

func TestCronLatch(t *testing.T) {
	latch := newCronLatch(5 * time.Minute)
	at := config.ClockTime{Hour: 7, Minute: 0}
	day := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

	assert.False(t, latch.due("brief", at, day.Add(6*time.Hour+59*time.Minute)), "before the target")
	assert.True(t, latch.due("brief", at, day.Add(7*time.Hour)), "at the target")
	assert.True(t, latch.due("brief", at, day.Add(7*time.Hour+4*time.Minute)), "inside the grace window")
	assert.False(t, latch.due("brief", at, day.Add(7*time.Hour+5*time.Minute)), "past the grace window")

	latch.mark("brief", day.Add(7*time.Hour))
	assert.False(t, latch.due("brief", at, day.Add(7*time.Hour+2*time.Minute)), "already fired today")
	assert.True(t, latch.due("summary", at, day.Add(7*time.Hour+2*time.Minute)), "the latch is per job")
	assert.True(t, latch.due("brief", at, day.AddDate(0, 0, 1).Add(7*time.Hour)), "fires again the next day")
}

func TestMorningBriefFiresOncePerDay(t *testing.T) {
	q := &capturingQueue{}
	s := New(Deps{Config: testSchedulerConfig(), Queue: q})
	ctx := context.Background()

	morning := time.Date(2026, 3, 9, 7, 0, 30, 0, time.UTC)
	s.tick(ctx, morning)
	s.tick(ctx, morning.Add(time.Minute))

	briefs := q.byType("morning_brief")
	require.Len(t, briefs, 1)
	evt := briefs[0]
	assert.Equal(t, models.SourceScheduler, evt.Source)
	assert.Equal(t, models.PriorityMedium, evt.Priority)
	assert.Equal(t, "scheduler:morning_brief:2026-03-09", evt.IdempotencyKey)
	assert.Equal(t, "2026-03-09", evt.Payload["date"])
	assert.Empty(t, q.byType("daily_summary"), "the evening job is not due in the morning")

	s.tick(ctx, morning.AddDate(0, 0, 1))
	assert.Len(t, q.byType("morning_brief"), 2, "fires again the next day")
}

func TestLateTickSkipsTheDay(t *testing.T) {
	q := &capturingQueue{}
	s := New(Deps{Config: testSchedulerConfig(), Queue: q})

	s.tick(context.Background(), time.Date(2026, 3, 9, 7, 6, 0, 0, time.UTC))

	assert.Empty(t, q.byType("morning_brief"), "a tick past the grace window stays quiet")
}

func TestCronRetriesAfterPublishFailure(t *testing.T) {
	q := &capturingQueue{err: errors.New("queue down")}
	s := New(Deps{Config: testSchedulerConfig(), Queue: q})
	ctx := context.Background()

	s.tick(ctx, time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC))
	assert.Empty(t, q.byType("morning_brief"))

	q.setErr(nil)
	s.tick(ctx, time.Date(2026, 3, 9, 7, 1, 0, 0, time.UTC))
	assert.Len(t, q.byType("morning_brief"), 1, "a failed publish retries on the next tick")
}

func TestUnparsableCronTimeIsSkipped(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MorningBrief = "7am"
	s := New(Deps{Config: cfg, Queue: &capturingQueue{}})

	require.Len(t, s.jobs, 1)
	assert.Equal(t, "daily_summary", s.jobs[0].name)
}

func TestPollerFailureDoesNotBlockOthers(t *testing.T) {
	broken := &fakePoller{name: "mail", err: errors.New("imap down")}
	healthy := &fakePoller{name: "ticketing", count: 2}
	s := New(Deps{
		Config:  testSchedulerConfig(),
		Queue:   &capturingQueue{},
		Pollers: []pollers.Poller{broken, healthy},
	})

	s.tick(context.Background(), time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))

	assert.Equal(t, 1, broken.polled())
	assert.Equal(t, 1, healthy.polled())
}

func TestScheduledAutomationFiresOncePerDay(t *testing.T) {
	db := util.SetupTestDatabase(t)
	solutions := services.NewSolutionService(db)
	ctx := context.Background()

	nightly := &models.Solution{
		ID:           uuid.NewString(),
		Name:         "nightly-report",
		Description:  "Compile the overnight ticket report",
		SolutionType: models.SolutionAutomation,
		Status:       "approved",
		Active:       true,
		Config:       map[string]any{"trigger": map[string]any{"schedule": "07:00"}},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, solutions.Create(ctx, nightly))

	// A script carrying a schedule never fires; only automations do.
	script := &models.Solution{
		ID:           uuid.NewString(),
		Name:         "helper-script",
		SolutionType: models.SolutionScript,
		Code:         "print('noop')",
		Status:       "approved",
		Active:       true,
		Config:       map[string]any{"trigger": map[string]any{"schedule": "07:00"}},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, solutions.Create(ctx, script))

	q := &capturingQueue{}
	s := New(Deps{Config: testSchedulerConfig(), Queue: q, Solutions: solutions})

	morning := time.Date(2026, 3, 9, 7, 1, 0, 0, time.UTC)
	s.tick(ctx, morning)
	s.tick(ctx, morning.Add(time.Minute))

	runs := q.byType("automation_run")
	require.Len(t, runs, 1)
	assert.Equal(t, nightly.ID, runs[0].Payload["solution_id"])
	assert.Equal(t, "nightly-report", runs[0].Payload["solution"])
	assert.Equal(t, "scheduler:automation:"+nightly.ID+":2026-03-09", runs[0].IdempotencyKey)
}

func TestWeeklyBaselineRecomputeLatch(t *testing.T) {
	db := util.SetupTestDatabase(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvClient := kv.NewClientFromRedis(rdb)
	t.Cleanup(func() { _ = kvClient.Close() })

	q := &capturingQueue{}
	detector := patterns.NewDetector(services.NewEventService(db), services.NewBaselineService(db),
		patterns.NewCache(), kvClient, q, nil, nil)

	cfg := testSchedulerConfig()
	cfg.BaselineRecomputeDay = time.Sunday
	s := New(Deps{Config: cfg, Queue: q, Detector: detector})
	ctx := context.Background()

	sunday := time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC)
	require.Equal(t, time.Sunday, sunday.Weekday())

	s.maybeRecomputeBaselines(ctx, sunday)
	assert.Equal(t, "2026-03-08", s.lastRecompute)

	s.maybeRecomputeBaselines(ctx, sunday.Add(4*time.Hour))
	assert.Equal(t, "2026-03-08", s.lastRecompute, "later ticks the same day leave the latch alone")

	s.maybeRecomputeBaselines(ctx, sunday.AddDate(0, 0, 1))
	assert.Equal(t, "2026-03-08", s.lastRecompute, "the wrong weekday never recomputes")

	s.maybeRecomputeBaselines(ctx, sunday.AddDate(0, 0, 7))
	assert.Equal(t, "2026-03-15", s.lastRecompute, "the next week recomputes again")
}

func TestTickExpiresIdleSessions(t *testing.T) {
	db := util.SetupTestDatabase(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvClient := kv.NewClientFromRedis(rdb)
	t.Cleanup(func() { _ = kvClient.Close() })

	store := services.NewSessionService(db)
	manager := session.NewManager(nil, store, kvClient, stubLLM{})
	ctx := context.Background()

	stale := &models.Session{
		ID:           uuid.NewString(),
		SessionKey:   "chat:U900",
		Platform:     models.PlatformChat,
		Status:       models.SessionStatusActive,
		CreatedAt:    time.Now().UTC().Add(-2 * time.Hour),
		LastActiveAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, store.Create(ctx, stale))

	s := New(Deps{Config: testSchedulerConfig(), Queue: &capturingQueue{}, Sessions: manager})
	s.tick(ctx, time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))

	got, err := store.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)
}

func TestStartStopLifecycle(t *testing.T) {
	p := &fakePoller{name: "mail"}
	s := New(Deps{
		Config:  testSchedulerConfig(),
		Queue:   &capturingQueue{},
		Pollers: []pollers.Poller{p},
	})

	s.Start(context.Background())
	s.Start(context.Background()) // second start is a no-op

	require.Eventually(t, func() bool { return p.polled() >= 3 },
		time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop() // stop is idempotent

	settled := p.polled()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, p.polled(), "no ticks after stop")
}
