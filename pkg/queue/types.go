// Package queue provides the prioritized, deduplicated, leased work queue
// and the worker pool that drains it.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoEventsAvailable indicates the queue is empty.
	ErrNoEventsAvailable = errors.New("no events available")

	// ErrAtCapacity indicates the concurrent processing limit has been reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrQueuePaused indicates the pause flag is set; consumers refuse new work.
	ErrQueuePaused = errors.New("queue paused")
)

// Executor is the interface for event processing.
//
// The executor owns the entire pipeline internally: classification,
// guardrails, enrichment, the reasoning loop, and the audit record. It
// writes its results progressively during execution. The worker only
// handles claiming, the lease heartbeat, and the terminal ack/nack.
//
// A nil error means the event is done (including non-error terminal
// outcomes such as a guardrail block); the worker acks. A non-nil error
// means processing failed; the worker nacks and the queue decides between
// retry and DLQ.
type Executor interface {
	Execute(ctx context.Context, evt *models.Event) (*Outcome, error)
}

// Outcome is lightweight terminal state for logging and worker health.
// All durable results were already written by the executor.
type Outcome struct {
	// Summary is a one-line description of what was done.
	Summary string

	// Blocked is set when a guardrail stopped processing. Still an ack.
	Blocked bool

	// ToolCalls counts tool executions made by the reasoning loop.
	ToolCalls int
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	Paused           bool           `json:"paused"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	Processing       int            `json:"processing"`
	QueueDepth       int64          `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID              string       `json:"id"`
	Status          WorkerStatus `json:"status"`
	CurrentEventID  string       `json:"current_event_id,omitempty"`
	EventsProcessed int          `json:"events_processed"`
	LastActivity    time.Time    `json:"last_activity"`
}
