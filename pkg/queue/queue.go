package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/pkg/slack"
)

// Queue is the prioritized event queue: Redis sorted set for ordering and
// leasing, Postgres for the durable record. At-least-once delivery; anything
// above the queue boundary must be idempotent or deduplicated.
type Queue struct {
	kv     *kv.Client
	events *services.EventService
	dlq    *services.DLQService
	cfg    *config.QueueConfig
	slack  *slack.Service
	logger *slog.Logger
}

// NewQueue creates a queue over the given stores. slackService may be nil
// (DLQ alerts disabled).
func NewQueue(kvClient *kv.Client, events *services.EventService, dlq *services.DLQService, cfg *config.QueueConfig, slackService *slack.Service) *Queue {
	if kvClient == nil || events == nil || dlq == nil {
		panic("NewQueue: kv client and services must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	return &Queue{
		kv:     kvClient,
		events: events,
		dlq:    dlq,
		cfg:    cfg,
		slack:  slackService,
		logger: slog.Default().With("component", "queue"),
	}
}

// Publish persists the event and adds it to the priority set. Returns false
// when a duplicate idempotency key caused a silent drop.
func (q *Queue) Publish(ctx context.Context, evt *models.Event) (bool, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if evt.Status == "" {
		evt.Status = models.EventStatusPending
	}
	if !evt.Priority.Valid() {
		evt.Priority = models.PriorityMedium
	}

	if err := q.events.Create(ctx, evt); err != nil {
		if errors.Is(err, services.ErrAlreadyExists) {
			q.logger.Debug("Duplicate event dropped",
				"source", evt.Source, "idempotency_key", evt.IdempotencyKey)
			return false, nil
		}
		return false, fmt.Errorf("failed to persist event: %w", err)
	}

	if err := q.enqueue(ctx, evt); err != nil {
		// The durable row stays pending; orphan recovery re-enqueues it.
		return false, err
	}

	q.logger.Debug("Event published",
		"event_id", evt.ID, "source", evt.Source, "event_type", evt.EventType,
		"priority", evt.Priority.String())
	return true, nil
}

// Requeue puts an already-persisted event back on the sorted set with a
// fresh timestamp. Used by the nack retry path, orphan recovery, and DLQ
// replay; it never touches dedup.
func (q *Queue) Requeue(ctx context.Context, evt *models.Event) error {
	evt.CreatedAt = time.Now().UTC()
	return q.enqueue(ctx, evt)
}

func (q *Queue) enqueue(ctx context.Context, evt *models.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := q.kv.Set(ctx, kv.EventKey(evt.ID), string(payload), q.cfg.EventTTL); err != nil {
		return fmt.Errorf("failed to store event payload: %w", err)
	}
	if err := q.kv.ZAdd(ctx, kv.KeyQueueEvents, evt.Score(), evt.ID); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

// Consume claims the highest-priority event: pop the lowest-scored id, load
// its payload, take the lease, mark the row processing. Returns
// ErrNoEventsAvailable when there is nothing claimable and ErrQueuePaused
// when the pause flag is set.
func (q *Queue) Consume(ctx context.Context, workerID string) (*models.Event, error) {
	paused, err := q.kv.Exists(ctx, kv.KeyQueuePaused)
	if err != nil {
		return nil, fmt.Errorf("failed to check pause flag: %w", err)
	}
	if paused {
		return nil, ErrQueuePaused
	}

	id, ok, err := q.kv.ZPopMin(ctx, kv.KeyQueueEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to pop event: %w", err)
	}
	if !ok {
		return nil, ErrNoEventsAvailable
	}

	raw, found, err := q.kv.Get(ctx, kv.EventKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load event payload: %w", err)
	}
	if !found {
		// Payload TTL expired while queued. The durable row is the only
		// record left; fail it rather than process a stale half-event.
		q.logger.Warn("Event payload expired in queue", "event_id", id)
		if err := q.events.MarkFailed(ctx, id, "payload expired in queue"); err != nil && !errors.Is(err, services.ErrNotFound) {
			q.logger.Error("Failed to fail expired event", "event_id", id, "error", err)
		}
		return nil, ErrNoEventsAvailable
	}

	var evt models.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		q.logger.Error("Undecodable event payload", "event_id", id, "error", err)
		if err := q.events.MarkFailed(ctx, id, "undecodable payload"); err != nil && !errors.Is(err, services.ErrNotFound) {
			q.logger.Error("Failed to fail undecodable event", "event_id", id, "error", err)
		}
		return nil, ErrNoEventsAvailable
	}

	// Pause may have been flipped between the check and the pop. Put the
	// event back untouched; the pause race is not a processing failure.
	paused, err = q.kv.Exists(ctx, kv.KeyQueuePaused)
	if err != nil {
		return nil, fmt.Errorf("failed to re-check pause flag: %w", err)
	}
	if paused {
		if err := q.Requeue(ctx, &evt); err != nil {
			return nil, err
		}
		return nil, ErrQueuePaused
	}

	acquired, err := q.kv.SetNX(ctx, q.leaseKey(id), workerID, q.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !acquired {
		// Another worker still holds this event; it will ack or nack.
		q.logger.Debug("Lease held elsewhere, skipping", "event_id", id)
		return nil, ErrNoEventsAvailable
	}

	if err := q.events.MarkProcessing(ctx, evt.ID); err != nil && !errors.Is(err, services.ErrNotFound) {
		q.releaseLease(ctx, evt.ID)
		return nil, fmt.Errorf("failed to mark event processing: %w", err)
	}

	return &evt, nil
}

// Ack completes an event: durable row first, then KV cleanup. Lease and
// payload keys expire on their own if the cleanup is interrupted.
func (q *Queue) Ack(ctx context.Context, evt *models.Event) error {
	if err := q.events.MarkCompleted(ctx, evt.ID); err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if err := q.kv.Delete(ctx, kv.EventKey(evt.ID)); err != nil {
		q.logger.Warn("Failed to delete event payload", "event_id", evt.ID, "error", err)
	}
	q.releaseLease(ctx, evt.ID)
	return nil
}

// Nack records a failed attempt. While the retry budget lasts the event is
// re-published at the same priority with a fresh timestamp; once
// retry_count reaches max_retries the event dead-letters instead. The lease
// is always released.
func (q *Queue) Nack(ctx context.Context, evt *models.Event, procErr error) error {
	defer q.releaseLease(ctx, evt.ID)

	errMsg := "unknown error"
	if procErr != nil {
		errMsg = procErr.Error()
	}
	evt.ErrorHistory = append(evt.ErrorHistory, models.RetryError{
		Retry: evt.RetryCount,
		Error: errMsg,
	})

	if evt.RetryCount >= q.cfg.MaxRetries {
		return q.deadLetter(ctx, evt, errMsg)
	}

	evt.RetryCount++
	evt.Error = errMsg
	if err := q.events.RequeueForRetry(ctx, evt.ID, errMsg, evt.RetryCount); err != nil && !errors.Is(err, services.ErrNotFound) {
		return fmt.Errorf("failed to record retry: %w", err)
	}
	if err := q.Requeue(ctx, evt); err != nil {
		return err
	}

	q.logger.Info("Event requeued for retry",
		"event_id", evt.ID, "retry_count", evt.RetryCount, "error", errMsg)
	return nil
}

// deadLetter writes the DLQ row, marks the durable row, cleans up the KV
// payload, and raises a critical alert.
func (q *Queue) deadLetter(ctx context.Context, evt *models.Event, errMsg string) error {
	entry := &models.DeadLetterEvent{
		ID:              uuid.NewString(),
		OriginalEventID: evt.ID,
		Source:          evt.Source,
		EventType:       evt.EventType,
		Priority:        evt.Priority,
		Payload:         evt.Payload,
		ErrorHistory:    evt.ErrorHistory,
		RetryCount:      evt.RetryCount,
		CreatedAt:       time.Now().UTC(),
	}
	if err := q.dlq.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to create DLQ entry: %w", err)
	}
	if err := q.events.MarkDeadLetter(ctx, evt.ID, errMsg); err != nil && !errors.Is(err, services.ErrNotFound) {
		return fmt.Errorf("failed to mark event dead-lettered: %w", err)
	}
	if err := q.kv.Delete(ctx, kv.EventKey(evt.ID)); err != nil {
		q.logger.Warn("Failed to delete event payload", "event_id", evt.ID, "error", err)
	}

	q.logger.Error("Event dead-lettered",
		"event_id", evt.ID, "source", evt.Source, "event_type", evt.EventType,
		"retry_count", evt.RetryCount, "error", errMsg)

	q.slack.NotifyDeadLetter(ctx, slack.DeadLetterInput{
		DLQID:      entry.ID,
		EventID:    evt.ID,
		Source:     string(evt.Source),
		EventType:  evt.EventType,
		RetryCount: evt.RetryCount,
		LastError:  errMsg,
	})
	return nil
}

// Replay resets a dead-lettered event's retry state and puts it back on the
// queue. The DLQ entry stays for the audit trail.
func (q *Queue) Replay(ctx context.Context, eventID string) error {
	evt, err := q.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if evt.Status != models.EventStatusDeadLetter && evt.Status != models.EventStatusFailed {
		return fmt.Errorf("event %s is %s: %w", eventID, evt.Status, services.ErrInvalidTransition)
	}

	if err := q.events.ResetForReplay(ctx, eventID); err != nil {
		return err
	}
	evt.Status = models.EventStatusPending
	evt.RetryCount = 0
	evt.Error = ""
	evt.ErrorHistory = nil
	return q.Requeue(ctx, evt)
}

// ExtendLease refreshes the worker's lease on an event. Returns false when
// the lease no longer exists, meaning the event is re-consumable elsewhere.
func (q *Queue) ExtendLease(ctx context.Context, eventID string) (bool, error) {
	return q.kv.Expire(ctx, q.leaseKey(eventID), q.cfg.LeaseTTL)
}

// Depth returns how many events are waiting in the sorted set.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.kv.ZCard(ctx, kv.KeyQueueEvents)
}

// Pause sets the pause flag; consumers refuse new work until Resume.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.kv.Set(ctx, kv.KeyQueuePaused, "1", 0); err != nil {
		return fmt.Errorf("failed to pause queue: %w", err)
	}
	q.logger.Warn("Queue paused")
	return nil
}

// Resume clears the pause flag.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.kv.Delete(ctx, kv.KeyQueuePaused); err != nil {
		return fmt.Errorf("failed to resume queue: %w", err)
	}
	q.logger.Info("Queue resumed")
	return nil
}

// IsPaused reports whether the pause flag is set.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.kv.Exists(ctx, kv.KeyQueuePaused)
}

// HasLease reports whether any worker currently leases the event.
func (q *Queue) HasLease(ctx context.Context, eventID string) (bool, error) {
	return q.kv.Exists(ctx, q.leaseKey(eventID))
}

func (q *Queue) leaseKey(eventID string) string {
	return kv.LockKey("event:" + eventID)
}

func (q *Queue) releaseLease(ctx context.Context, eventID string) {
	if err := q.kv.Delete(ctx, q.leaseKey(eventID)); err != nil {
		q.logger.Warn("Failed to release lease", "event_id", eventID, "error", err)
	}
}
