package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
)

// orphanScanBatch caps how many processing rows one scan inspects.
const orphanScanBatch = 200

// orphanState tracks orphan recovery metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanRecovery periodically returns events whose worker died to the
// queue. All pods run this independently — a processing row only counts as
// orphaned once its lease key has expired, and requeueing resets it to
// pending, so concurrent scans converge on the same state.
func (p *WorkerPool) runOrphanRecovery(ctx context.Context) {
	// Immediate scan at startup: catches events stranded by a previous run.
	if err := p.recoverOrphans(ctx); err != nil {
		slog.Error("Startup orphan scan failed", "error", err)
	}

	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.recoverOrphans(ctx); err != nil {
				slog.Error("Orphan recovery failed", "error", err)
			}
		}
	}
}

// recoverOrphans finds processing rows with no live lease and re-publishes
// them.
func (p *WorkerPool) recoverOrphans(ctx context.Context) error {
	stuck, err := p.events.List(ctx, models.EventFilters{
		Status: string(models.EventStatusProcessing),
		Limit:  orphanScanBatch,
	})
	if err != nil {
		return fmt.Errorf("failed to list processing events: %w", err)
	}

	recovered := 0
	for _, evt := range stuck {
		leased, err := p.queue.HasLease(ctx, evt.ID)
		if err != nil {
			slog.Error("Failed to check event lease", "event_id", evt.ID, "error", err)
			continue
		}
		if leased {
			// A live worker owns it.
			continue
		}
		if err := p.recoverOrphanedEvent(ctx, evt); err != nil {
			slog.Error("Failed to recover orphaned event",
				"event_id", evt.ID, "error", err)
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.recovered += recovered
	p.orphans.mu.Unlock()

	if recovered > 0 {
		slog.Warn("Recovered orphaned events", "count", recovered)
	}
	return nil
}

// recoverOrphanedEvent returns one leaseless processing event to the queue.
// The retry budget is not charged: a worker crash is not a processing
// failure.
func (p *WorkerPool) recoverOrphanedEvent(ctx context.Context, evt *models.Event) error {
	if err := p.events.MarkPending(ctx, evt.ID); err != nil {
		return fmt.Errorf("failed to reset event status: %w", err)
	}
	evt.Status = models.EventStatusPending
	if err := p.queue.Requeue(ctx, evt); err != nil {
		return fmt.Errorf("failed to requeue event: %w", err)
	}

	slog.Warn("Orphaned event requeued",
		"event_id", evt.ID, "source", evt.Source, "event_type", evt.EventType)
	return nil
}
