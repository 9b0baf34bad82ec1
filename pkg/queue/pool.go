package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
)

// WorkerPool manages a pool of queue workers plus the orphan recovery loop.
type WorkerPool struct {
	podID    string
	queue    *Queue
	events   *services.EventService
	config   *config.QueueConfig
	executor Executor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Event cancel registry: event_id → cancel function
	activeEvents map[string]context.CancelFunc
	mu           sync.RWMutex
	started      bool

	// Orphan recovery state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, q *Queue, events *services.EventService, cfg *config.QueueConfig, executor Executor) *WorkerPool {
	if q == nil || events == nil || executor == nil {
		panic("NewWorkerPool: queue, event service, and executor must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	return &WorkerPool{
		podID:        podID,
		queue:        q,
		events:       events,
		config:       cfg,
		executor:     executor,
		workers:      make([]*Worker, 0, cfg.WorkerCount),
		stopCh:       make(chan struct{}),
		activeEvents: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan recovery background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.queue, p.events, p.config, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	// Start orphan recovery
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanRecovery(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// drain their current events; past GracefulShutdownTimeout the in-flight
// event contexts are cancelled and the wait resumes.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "pod_id", p.podID)

	// Log in-flight events
	active := p.activeEventIDs()
	if len(active) > 0 {
		slog.Info("Waiting for in-flight events to complete",
			"count", len(active),
			"event_ids", active)
	}

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.GracefulShutdownTimeout):
		slog.Warn("Graceful shutdown timed out, cancelling in-flight events",
			"timeout", p.config.GracefulShutdownTimeout)
		p.cancelAllEvents()
		<-done
	}

	// Signal orphan recovery to stop
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterEvent stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterEvent(eventID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeEvents[eventID] = cancel
}

// UnregisterEvent removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterEvent(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeEvents, eventID)
}

// CancelEvent triggers context cancellation for an event on this pod.
// Returns true if the event was found and cancelled on this pod.
func (p *WorkerPool) CancelEvent(eventID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeEvents[eventID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.queue.Depth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	counts, errC := p.events.CountByStatus(ctx)
	if errC != nil {
		slog.Error("Failed to count events for health check",
			"pod_id", p.podID, "error", errC)
	}
	processing := counts[models.EventStatusProcessing]

	paused, errP := p.queue.IsPaused(ctx)
	if errP != nil {
		slog.Error("Failed to check pause flag for health check",
			"pod_id", p.podID, "error", errP)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	// Store errors affect health status - if we can't reach Postgres or the
	// KV store, we're not healthy
	dbHealthy := errQ == nil && errC == nil && errP == nil
	isHealthy := len(p.workers) > 0 && processing <= p.config.MaxConcurrent && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastScan
	orphansRecovered := p.orphans.recovered
	p.orphans.mu.Unlock()

	var dbError string
	if !dbHealthy {
		switch {
		case errC != nil:
			dbError = fmt.Sprintf("event count query failed: %v", errC)
		case errQ != nil:
			dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
		case errP != nil:
			dbError = fmt.Sprintf("pause flag query failed: %v", errP)
		}
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		Paused:           paused,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		Processing:       processing,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

// activeEventIDs returns IDs of currently processing events (for logging).
func (p *WorkerPool) activeEventIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeEvents))
	for id := range p.activeEvents {
		ids = append(ids, id)
	}
	return ids
}

// cancelAllEvents cancels every in-flight event context.
func (p *WorkerPool) cancelAllEvents() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.activeEvents {
		cancel()
	}
}
