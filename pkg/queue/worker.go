package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// Worker is a single queue worker that polls for and processes events.
type Worker struct {
	id       string
	podID    string
	queue    *Queue
	events   *services.EventService
	config   *config.QueueConfig
	executor Executor
	pool     EventRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu              sync.RWMutex
	status          WorkerStatus
	currentEventID  string
	eventsProcessed int
	lastActivity    time.Time
}

// EventRegistry is the subset of WorkerPool used by Worker for cancel registration.
type EventRegistry interface {
	RegisterEvent(eventID string, cancel context.CancelFunc)
	UnregisterEvent(eventID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, q *Queue, events *services.EventService, cfg *config.QueueConfig, executor Executor, pool EventRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		queue:        q,
		events:       events,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:              w.id,
		Status:          w.status,
		CurrentEventID:  w.currentEventID,
		EventsProcessed: w.eventsProcessed,
		LastActivity:    w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoEventsAvailable) || errors.Is(err, ErrAtCapacity) || errors.Is(err, ErrQueuePaused) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing event", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims an event, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by WorkerCount and mitigated by poll jitter).
	counts, err := w.events.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count active events: %w", err)
	}
	if counts[models.EventStatusProcessing] >= w.config.MaxConcurrent {
		return ErrAtCapacity
	}

	// 2. Claim the next event: pop, lease, mark processing.
	evt, err := w.queue.Consume(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("event_id", evt.ID, "worker_id", w.id,
		"source", evt.Source, "event_type", evt.EventType)
	log.Info("Event claimed", "priority", evt.Priority.String(), "retry_count", evt.RetryCount)

	w.setStatus(WorkerStatusWorking, evt.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create event context with timeout
	eventCtx, cancelEvent := context.WithTimeout(ctx, w.config.ProcessTimeout)
	defer cancelEvent()

	// 4. Register cancel function for admin-triggered cancellation
	w.pool.RegisterEvent(evt.ID, cancelEvent)
	defer w.pool.UnregisterEvent(evt.ID)

	// 5. Keep the lease alive while the executor runs
	heartbeatCtx, cancelHeartbeat := context.WithCancel(eventCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, evt.ID, cancelEvent)

	// 6. Execute the pipeline
	outcome, execErr := w.executor.Execute(eventCtx, evt)

	// 7. Stop heartbeat before the terminal update
	cancelHeartbeat()

	// Terminal updates run on a fresh context: the event context may already
	// be cancelled or past its deadline.
	termCtx, cancelTerm := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTerm()

	if execErr != nil {
		switch {
		case errors.Is(eventCtx.Err(), context.DeadlineExceeded):
			execErr = fmt.Errorf("processing timed out after %v: %w", w.config.ProcessTimeout, execErr)
		case errors.Is(eventCtx.Err(), context.Canceled) && ctx.Err() == nil:
			execErr = fmt.Errorf("processing cancelled: %w", execErr)
		}
		if err := w.queue.Nack(termCtx, evt, execErr); err != nil {
			log.Error("Failed to nack event", "error", err)
			return err
		}
		log.Warn("Event processing failed", "error", execErr, "retry_count", evt.RetryCount)
	} else {
		// Nil-guard: an executor returning (nil, nil) still acks.
		if outcome == nil {
			outcome = &Outcome{}
		}
		if err := w.queue.Ack(termCtx, evt); err != nil {
			log.Error("Failed to ack event", "error", err)
			return err
		}
		log.Info("Event processing complete",
			"summary", outcome.Summary, "blocked", outcome.Blocked, "tool_calls", outcome.ToolCalls)
	}

	w.mu.Lock()
	w.eventsProcessed++
	w.mu.Unlock()

	return nil
}

// runHeartbeat extends the event lease every LeaseTTL/3. A lost lease means
// the event is re-consumable elsewhere, so processing is cancelled to avoid
// double work.
func (w *Worker) runHeartbeat(ctx context.Context, eventID string, cancelEvent context.CancelFunc) {
	interval := w.config.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.queue.ExtendLease(ctx, eventID)
			if err != nil {
				slog.Warn("Lease extension failed", "event_id", eventID, "error", err)
				continue
			}
			if !ok {
				slog.Warn("Lease lost, cancelling processing",
					"event_id", eventID, "worker_id", w.id)
				cancelEvent()
				return
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentEventID = eventID
	w.lastActivity = time.Now()
}
