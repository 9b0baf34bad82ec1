// Package pollers sweeps the upstream sources and feeds new observations
// into the event queue. Each poller queries its source over a look-back
// window, claims a TTL'd dedup key per item, and publishes the survivors.
// The scheduler runs all pollers concurrently; one source's outage never
// blocks another.
package pollers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/models"
)

// Publisher is the slice of the queue pollers publish through.
type Publisher interface {
	Publish(ctx context.Context, evt *models.Event) (bool, error)
}

// Poller is one source sweep.
type Poller interface {
	Name() string
	// Poll queries the source and publishes new observations, returning the
	// number published.
	Poll(ctx context.Context) (int, error)
}

// Deps carries the collaborators every poller shares.
type Deps struct {
	KV    *kv.Client
	Queue Publisher

	// DedupTTL is the lifetime of per-item dedup keys. Should cover the
	// look-back window, or re-observed items fall through to the relational
	// idempotency check.
	DedupTTL time.Duration
}

func (d Deps) validate(name string) {
	if d.KV == nil || d.Queue == nil {
		panic("pollers." + name + ": kv and queue must not be nil")
	}
}

// emitter claims dedup keys and publishes events for one poller.
type emitter struct {
	kv       *kv.Client
	pub      Publisher
	dedupTTL time.Duration
	logger   *slog.Logger
}

func newEmitter(deps Deps, source string) emitter {
	ttl := deps.DedupTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return emitter{
		kv:       deps.KV,
		pub:      deps.Queue,
		dedupTTL: ttl,
		logger:   slog.Default().With("component", "poller", "source", source),
	}
}

// emit claims the dedup key, then publishes. Returns true when the event
// entered the queue. A KV failure falls through to the publish: the
// relational idempotency key still drops true duplicates.
func (e *emitter) emit(ctx context.Context, source, dedupID string, evt *models.Event) bool {
	if err := e.kv.ClaimDedup(ctx, kv.DedupKey(source, dedupID), e.dedupTTL); err != nil {
		if errors.Is(err, kv.ErrDeduplicated) {
			return false
		}
		e.logger.Warn("Dedup claim failed, relying on the idempotency key",
			"dedup_id", dedupID, "error", err)
	}

	published, err := e.pub.Publish(ctx, evt)
	if err != nil {
		e.logger.Error("Failed to publish event",
			"dedup_id", dedupID, "error", err)
		return false
	}
	return published
}
