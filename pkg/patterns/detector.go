// Package patterns watches the event stream for departures from learned
// baselines: volume spikes per (source, event_type) slot, processing
// error-rate spikes per source, and bursts of negative survey feedback.
// Detections become critical pattern_detected events so the normal pipeline
// investigates them, with a cool-down per pattern so a sustained spike
// alerts once.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/services"
	"github.com/opsloop/opsloop/pkg/slack"
)

// negativeRatingCutoff marks a survey rating as negative (1-5 scale).
const negativeRatingCutoff = 2

// Publisher enqueues detection events. Satisfied by *queue.Queue.
type Publisher interface {
	Publish(ctx context.Context, evt *models.Event) (bool, error)
}

// IsAnomaly reports whether an hourly count is anomalous. Against a baseline
// the bar is mean + 2*stddev with an absolute floor of 2, so near-silent
// slots do not alert on a couple of events. Without a baseline a fixed
// fallback threshold applies.
func IsAnomaly(count int, b *models.Baseline, fallbackThreshold int) bool {
	if b == nil {
		return count >= fallbackThreshold
	}
	bar := b.MeanCount + 2*b.StddevCount
	if bar < 2 {
		bar = 2
	}
	return float64(count) > bar
}

// Detector runs the per-tick anomaly checks and the weekly baseline
// recomputation.
type Detector struct {
	events    *services.EventService
	baselines *services.BaselineService
	cache     *Cache
	kv        *kv.Client
	queue     Publisher
	slack     *slack.Service
	cfg       *config.PatternConfig
	logger    *slog.Logger
}

// NewDetector creates a pattern detector. slackService may be nil.
func NewDetector(events *services.EventService, baselines *services.BaselineService, cache *Cache,
	kvClient *kv.Client, queue Publisher, slackService *slack.Service, cfg *config.PatternConfig) *Detector {
	if events == nil || baselines == nil || cache == nil || kvClient == nil || queue == nil {
		panic("patterns.NewDetector: collaborators must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultPatternConfig()
	}
	return &Detector{
		events:    events,
		baselines: baselines,
		cache:     cache,
		kv:        kvClient,
		queue:     queue,
		slack:     slackService,
		cfg:       cfg,
		logger:    slog.Default().With("component", "patterns"),
	}
}

// Tick runs all checks over the trailing hour. Check failures are logged
// and do not stop the remaining checks.
func (d *Detector) Tick(ctx context.Context, now time.Time) {
	since := now.Add(-time.Hour)

	if err := d.checkVolumes(ctx, now, since); err != nil {
		d.logger.Warn("Volume anomaly check failed", "error", err)
	}
	if err := d.checkErrorRates(ctx, now, since); err != nil {
		d.logger.Warn("Error-rate check failed", "error", err)
	}
	if err := d.checkNegativeFeedback(ctx, now, since); err != nil {
		d.logger.Warn("Negative-feedback check failed", "error", err)
	}
}

// checkVolumes compares each (source, event_type) hourly count against its
// baseline slot. Internal sources are excluded so detections cannot feed
// themselves.
func (d *Detector) checkVolumes(ctx context.Context, now, since time.Time) error {
	volumes, err := d.events.VolumeSince(ctx, since)
	if err != nil {
		return err
	}

	dow := int(now.UTC().Weekday())
	hour := now.UTC().Hour()
	for _, v := range volumes {
		if v.Source == models.SourceScheduler || v.Source == models.SourceAdmin {
			continue
		}
		baseline, _ := d.cache.Get(string(v.Source), v.EventType, dow, hour)
		if !IsAnomaly(v.Count, baseline, d.cfg.FallbackThreshold) {
			continue
		}
		if !d.claimCooldown(ctx, fmt.Sprintf("cooldown:%s:%s", v.Source, v.EventType)) {
			continue
		}

		payload := map[string]any{
			"pattern":    "volume_spike",
			"source":     string(v.Source),
			"event_type": v.EventType,
			"count":      v.Count,
			"window":     "1h",
		}
		var mean, stddev float64
		if baseline != nil {
			mean, stddev = baseline.MeanCount, baseline.StddevCount
			payload["mean"] = mean
			payload["stddev"] = stddev
		}
		d.emit(ctx, now, payload, fmt.Sprintf("pattern:volume:%s:%s", v.Source, v.EventType))
		d.slack.NotifyAnomaly(ctx, slack.AnomalyInput{
			Source:    string(v.Source),
			EventType: v.EventType,
			Count:     v.Count,
			Mean:      mean,
			StdDev:    stddev,
		})
		d.logger.Info("Volume anomaly detected",
			"source", v.Source, "event_type", v.EventType, "count", v.Count,
			"mean", mean, "stddev", stddev)
	}
	return nil
}

// checkErrorRates flags sources whose hourly failure share crossed the
// configured ratio, once the sample is large enough to mean anything.
func (d *Detector) checkErrorRates(ctx context.Context, now, since time.Time) error {
	rates, err := d.events.ErrorRates(ctx, since)
	if err != nil {
		return err
	}

	for _, r := range rates {
		if r.Total < d.cfg.ErrorRateMinTotal || r.Rate() <= d.cfg.ErrorRateThreshold {
			continue
		}
		if !d.claimCooldown(ctx, fmt.Sprintf("cooldown:error_rate:%s", r.Source)) {
			continue
		}

		d.emit(ctx, now, map[string]any{
			"pattern": "error_rate_spike",
			"source":  string(r.Source),
			"failed":  r.Failed,
			"total":   r.Total,
			"ratio":   r.Rate(),
			"window":  "1h",
		}, fmt.Sprintf("pattern:error_rate:%s", r.Source))
		d.logger.Warn("Error-rate spike detected",
			"source", r.Source, "failed", r.Failed, "total", r.Total)
	}
	return nil
}

// checkNegativeFeedback flags an hour with too many negative surveys.
func (d *Detector) checkNegativeFeedback(ctx context.Context, now, since time.Time) error {
	count, err := d.events.NegativeFeedbackSince(ctx, since, negativeRatingCutoff)
	if err != nil {
		return err
	}
	if count < d.cfg.NegativeSurveyThreshold {
		return nil
	}
	if !d.claimCooldown(ctx, "cooldown:survey:negative_feedback") {
		return nil
	}

	d.emit(ctx, now, map[string]any{
		"pattern":   "negative_feedback_spike",
		"count":     count,
		"threshold": d.cfg.NegativeSurveyThreshold,
		"window":    "1h",
	}, "pattern:negative_feedback")
	d.logger.Warn("Negative feedback spike detected", "count", count)
	return nil
}

// claimCooldown takes the suppression key for one pattern. KV errors count
// as not claimed: with the store down the publish would fail anyway, and
// silence there must not turn into an alert storm when it returns.
func (d *Detector) claimCooldown(ctx context.Context, pattern string) bool {
	claimed, err := d.kv.SetNX(ctx, kv.PatternCooldownKey(pattern), "1", d.cfg.Cooldown)
	if err != nil {
		d.logger.Warn("Failed to claim pattern cooldown", "pattern", pattern, "error", err)
		return false
	}
	return claimed
}

// emit publishes a critical pattern_detected event. The idempotency key is
// bucketed to the hour so a re-publish within the same window deduplicates.
func (d *Detector) emit(ctx context.Context, now time.Time, payload map[string]any, keyPrefix string) {
	key := fmt.Sprintf("%s:%d", keyPrefix, now.UTC().Truncate(time.Hour).Unix())
	evt := models.NewEvent(models.SourceScheduler, "pattern_detected", models.PriorityCritical, payload, key)
	if _, err := d.queue.Publish(ctx, evt); err != nil {
		d.logger.Error("Failed to publish pattern event", "pattern", payload["pattern"], "error", err)
	}
}

// RefreshCache reloads the in-memory cache from the store.
func (d *Detector) RefreshCache(ctx context.Context) error {
	baselines, err := d.baselines.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load baselines: %w", err)
	}
	d.cache.ReplaceAll(baselines)
	d.logger.Info("Baseline cache refreshed", "slots", len(baselines))
	return nil
}

// Recompute rebuilds baselines from the rolling event history and refreshes
// the cache. Run weekly by the scheduler.
func (d *Detector) Recompute(ctx context.Context, windowDays int) error {
	if err := d.baselines.Recompute(ctx, windowDays); err != nil {
		return err
	}
	return d.RefreshCache(ctx)
}
