package pollers

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/models"
)

type capturingQueue struct {
	events []*models.Event
	err    error
}

func (q *capturingQueue) Publish(_ context.Context, evt *models.Event) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	q.events = append(q.events, evt)
	return true, nil
}

type pollerHarness struct {
	deps  Deps
	queue *capturingQueue
	mr    *miniredis.Miniredis
	cfg   *config.SourceConfig
}

func newPollerHarness(t *testing.T) *pollerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvClient := kv.NewClientFromRedis(rdb)
	t.Cleanup(func() { _ = kvClient.Close() })

	q := &capturingQueue{}
	return &pollerHarness{
		deps:  Deps{KV: kvClient, Queue: q, DedupTTL: time.Hour},
		queue: q,
		mr:    mr,
		cfg:   &config.SourceConfig{LookBack: 15 * time.Minute, APIToken: "token"},
	}
}

type fakeMail struct {
	msgs  []MailMessage
	err   error
	since []time.Time
}

func (f *fakeMail) MessagesSince(_ context.Context, since time.Time) ([]MailMessage, error) {
	f.since = append(f.since, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.msgs, nil
}

type fakeTicketing struct {
	tickets []Ticket
	err     error
}

func (f *fakeTicketing) TicketsUpdatedSince(context.Context, time.Time) ([]Ticket, error) {
	return f.tickets, f.err
}

type fakeChat struct {
	msgs []ChatMessage
}

func (f *fakeChat) MessagesSince(context.Context, time.Time) ([]ChatMessage, error) {
	return f.msgs, nil
}

type fakeSurvey struct {
	responses []SurveyResponse
}

func (f *fakeSurvey) ResponsesSince(context.Context, time.Time) ([]SurveyResponse, error) {
	return f.responses, nil
}

type fakeProjects struct {
	tasks []ProjectTask
}

func (f *fakeProjects) TasksUpdatedSince(context.Context, time.Time) ([]ProjectTask, error) {
	return f.tasks, nil
}

type fakeDrive struct {
	files map[string][]DriveFile
	errs  map[string]error
	calls []string
}

func (f *fakeDrive) FilesIn(_ context.Context, folderID string) ([]DriveFile, error) {
	f.calls = append(f.calls, folderID)
	if err := f.errs[folderID]; err != nil {
		return nil, err
	}
	return f.files[folderID], nil
}

func TestMailPoller_PublishesAndDedups(t *testing.T) {
	h := newPollerHarness(t)
	received := time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC)
	client := &fakeMail{msgs: []MailMessage{
		{ID: "m-1", ThreadID: "t-1", From: "jamie@acme.com", Subject: "Invoice 1042", Body: "Still unpaid?", Received: received},
		{ID: "m-2", From: "pat@acme.com", Subject: "Renewal", Received: received},
	}}
	p := NewMailPoller(client, h.cfg, h.deps)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, h.queue.events, 2)

	evt := h.queue.events[0]
	assert.Equal(t, models.SourceMail, evt.Source)
	assert.Equal(t, "mail.message", evt.EventType)
	assert.Equal(t, models.PriorityMedium, evt.Priority)
	assert.Equal(t, "mail:m-1", evt.IdempotencyKey)
	assert.Equal(t, "jamie@acme.com", evt.PayloadString("from"))
	assert.Equal(t, "Still unpaid?", evt.PayloadString("body"))
	assert.Equal(t, "2026-03-09T10:30:00Z", evt.PayloadString("received"))

	// The look-back window trails the wall clock.
	assert.WithinDuration(t, time.Now().UTC().Add(-15*time.Minute), client.since[0], 2*time.Second)

	// The same sweep result on the next tick is fully suppressed.
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, h.queue.events, 2)
}

func TestMailPoller_QueryFailurePropagates(t *testing.T) {
	h := newPollerHarness(t)
	p := NewMailPoller(&fakeMail{err: errors.New("upstream 503")}, h.cfg, h.deps)

	n, err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "mail query failed")
}

func TestMailPoller_SkipsBlankIDs(t *testing.T) {
	h := newPollerHarness(t)
	p := NewMailPoller(&fakeMail{msgs: []MailMessage{{From: "x@y.z"}}}, h.cfg, h.deps)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.queue.events)
}

func TestMailPoller_KVOutageFallsThroughToPublish(t *testing.T) {
	h := newPollerHarness(t)
	p := NewMailPoller(&fakeMail{msgs: []MailMessage{{ID: "m-1"}}}, h.cfg, h.deps)

	// With the KV store down the dedup claim fails; the publish still runs
	// and the relational idempotency key carries the dedup burden.
	h.mr.SetError("connection refused")
	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.queue.events, 1)
}

func TestTicketingPoller_NewUpdateIsANewEvent(t *testing.T) {
	h := newPollerHarness(t)
	first := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	client := &fakeTicketing{tickets: []Ticket{
		{ID: "T-88", Subject: "Cannot log in", Requester: "sam@acme.com", Status: "open", Priority: "urgent", UpdatedAt: first},
	}}
	p := NewTicketingPoller(client, h.cfg, h.deps)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	evt := h.queue.events[0]
	assert.Equal(t, "ticket.updated", evt.EventType)
	assert.Equal(t, models.PriorityCritical, evt.Priority)
	assert.Equal(t, "ticketing:T-88:"+timestamp(first), evt.IdempotencyKey)

	// Same state observed again: suppressed.
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// The ticket moves: a fresh event under a fresh key.
	client.tickets[0].UpdatedAt = first.Add(10 * time.Minute)
	client.tickets[0].Status = "pending"
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "pending", h.queue.events[1].PayloadString("status"))
	assert.NotEqual(t, h.queue.events[0].IdempotencyKey, h.queue.events[1].IdempotencyKey)
}

func TestTicketPriorityMapping(t *testing.T) {
	assert.Equal(t, models.PriorityCritical, TicketPriority("urgent"))
	assert.Equal(t, models.PriorityHigh, TicketPriority("High"))
	assert.Equal(t, models.PriorityMedium, TicketPriority("normal"))
	assert.Equal(t, models.PriorityMedium, TicketPriority(""))
	assert.Equal(t, models.PriorityLow, TicketPriority("low"))
}

func TestChatPoller_ScopesSessionToChannel(t *testing.T) {
	h := newPollerHarness(t)
	client := &fakeChat{msgs: []ChatMessage{
		{ID: "c-1", Channel: "C42", UserID: "U123", UserName: "dana", Text: "is checkout ok?"},
		{ID: "c-2", UserID: "U456", Text: "dm without a channel"},
	}}
	p := NewChatPoller(client, h.cfg, h.deps)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	assert.Equal(t, models.PriorityHigh, h.queue.events[0].Priority)
	assert.Equal(t, "chat:C42", h.queue.events[0].PayloadString("session_key"))
	assert.Equal(t, "", h.queue.events[1].PayloadString("session_key"),
		"direct messages fall back to the per-user session key downstream")
}

func TestSurveyPoller_NegativeFeedbackJumpsQueue(t *testing.T) {
	h := newPollerHarness(t)
	client := &fakeSurvey{responses: []SurveyResponse{
		{ID: "r-1", Rating: 1, Comment: "support never answered", Respondent: "kim@acme.com"},
		{ID: "r-2", Rating: 5, Comment: "great"},
		{ID: "r-3", Sentiment: "negative", Comment: "app keeps crashing"},
	}}
	p := NewSurveyPoller(client, h.cfg, h.deps)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	assert.Equal(t, models.PriorityHigh, h.queue.events[0].Priority)
	assert.Equal(t, models.PriorityLow, h.queue.events[1].Priority)
	assert.Equal(t, models.PriorityHigh, h.queue.events[2].Priority)

	// Detection queries read the rating as a payload number; a zero rating
	// is absent rather than misreported.
	assert.Equal(t, 1, h.queue.events[0].Payload["rating"])
	assert.NotContains(t, h.queue.events[2].Payload, "rating")
	assert.Equal(t, "negative", h.queue.events[2].PayloadString("sentiment"))
}

func TestProjectsPoller_OverdueTasksOutrankBoardNoise(t *testing.T) {
	h := newPollerHarness(t)
	now := time.Now().UTC()
	client := &fakeProjects{tasks: []ProjectTask{
		{ID: "task-1", Board: "ops", Title: "Rotate certs", Status: "in_progress", Due: now.Add(-24 * time.Hour), UpdatedAt: now},
		{ID: "task-2", Board: "ops", Title: "Q3 review", Status: "todo", UpdatedAt: now},
		{ID: "task-3", Board: "ops", Title: "Shipped thing", Status: "done", Due: now.Add(-24 * time.Hour), UpdatedAt: now},
	}}
	p := NewProjectsPoller(client, h.cfg, h.deps)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	assert.Equal(t, models.PriorityMedium, h.queue.events[0].Priority, "overdue and unfinished")
	assert.Equal(t, models.PriorityLow, h.queue.events[1].Priority, "no due date")
	assert.Equal(t, models.PriorityLow, h.queue.events[2].Priority, "done tasks cannot be overdue")
	assert.NotContains(t, h.queue.events[1].Payload, "due")
}

func TestDrivePoller_PrimesThenDetectsChanges(t *testing.T) {
	h := newPollerHarness(t)
	h.cfg.Extra = map[string]string{"folders": "folder-a"}
	base := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	client := &fakeDrive{files: map[string][]DriveFile{
		"folder-a": {
			{ID: "f-1", Name: "runbook.md", ModifiedAt: base},
			{ID: "f-2", Name: "oncall.md", ModifiedAt: base},
		},
	}}
	p := NewDrivePoller(client, h.cfg, h.deps)
	ctx := context.Background()

	// First sweep primes the snapshot without publishing the backlog.
	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.queue.events)

	// Unchanged folder: still nothing.
	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// One new file, one touched file.
	client.files["folder-a"] = []DriveFile{
		{ID: "f-1", Name: "runbook.md", ModifiedAt: base},
		{ID: "f-2", Name: "oncall.md", ModifiedAt: base.Add(time.Hour), ModifiedBy: "dana"},
		{ID: "f-3", Name: "postmortem.md", ModifiedAt: base.Add(2 * time.Hour)},
	}
	n, err = p.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	byType := map[string]*models.Event{}
	for _, evt := range h.queue.events {
		byType[evt.EventType] = evt
	}
	require.Contains(t, byType, "file.modified")
	require.Contains(t, byType, "file.new")
	assert.Equal(t, "f-2", byType["file.modified"].PayloadString("file_id"))
	assert.Equal(t, "dana", byType["file.modified"].PayloadString("modified_by"))
	assert.Equal(t, "f-3", byType["file.new"].PayloadString("file_id"))
	assert.Equal(t, models.PriorityLow, byType["file.new"].Priority)

	// The touched file's new mtime is now the baseline.
	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrivePoller_NoFoldersConfigured(t *testing.T) {
	h := newPollerHarness(t)
	client := &fakeDrive{}
	p := NewDrivePoller(client, h.cfg, h.deps)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, client.calls)
}

func TestDrivePoller_FolderFailureIsIsolated(t *testing.T) {
	h := newPollerHarness(t)
	h.cfg.Extra = map[string]string{"folders": "broken, healthy"}
	base := time.Now().UTC()
	client := &fakeDrive{
		files: map[string][]DriveFile{"healthy": {{ID: "f-1", ModifiedAt: base}}},
		errs:  map[string]error{"broken": errors.New("quota exceeded")},
	}
	p := NewDrivePoller(client, h.cfg, h.deps)
	ctx := context.Background()

	// Priming sweep: the healthy folder snapshots, the broken one errors.
	_, err := p.Poll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	client.files["healthy"] = append(client.files["healthy"], DriveFile{ID: "f-2", ModifiedAt: base})
	n, err := p.Poll(ctx)
	require.Error(t, err, "the broken folder keeps reporting")
	assert.Equal(t, 1, n, "the healthy folder keeps publishing")
	require.Len(t, h.queue.events, 1)
	assert.Equal(t, "file.new", h.queue.events[0].EventType)
}

func timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
