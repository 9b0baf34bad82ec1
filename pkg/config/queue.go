package config

import "time"

// QueueConfig controls the event queue and worker pool behavior.
type QueueConfig struct {
	// WorkerCount is the number of consumer goroutines per process.
	WorkerCount int `yaml:"worker_count" validate:"gte=1"`

	// MaxConcurrent caps events in `processing` across all replicas. Workers
	// back off instead of claiming past the cap.
	MaxConcurrent int `yaml:"max_concurrent" validate:"gte=1"`

	// MaxRetries is the retry budget before an event goes to the DLQ.
	// Zero sends the first failure straight to the DLQ.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// PollInterval is the base delay between consume attempts when the
	// queue is empty. Jitter spreads replicas apart.
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// LeaseTTL bounds how long a crashed worker can hold an event before
	// it becomes re-consumable.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// DedupTTL is the lifetime of poller dedup keys. Must cover the longest
	// poller look-back window or duplicates re-enter the queue.
	DedupTTL time.Duration `yaml:"dedup_ttl"`

	// EventTTL is the lifetime of the serialized payload key in the KV store.
	EventTTL time.Duration `yaml:"event_ttl"`

	// ProcessTimeout bounds one pipeline run for a single event.
	ProcessTimeout time.Duration `yaml:"process_timeout"`

	// OrphanScanInterval is how often the pool looks for processing rows
	// whose lease expired (worker crash) and returns them to the queue.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// GracefulShutdownTimeout bounds how long Stop() waits for in-flight
	// events before giving up.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             2,
		MaxConcurrent:           8,
		MaxRetries:              3,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		LeaseTTL:                30 * time.Second,
		DedupTTL:                1 * time.Hour,
		EventTTL:                24 * time.Hour,
		ProcessTimeout:          10 * time.Minute,
		OrphanScanInterval:      60 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// queueConfigFromEnv applies environment overrides on top of the defaults.
func queueConfigFromEnv() *QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.WorkerCount = getEnvInt("QUEUE_WORKER_COUNT", cfg.WorkerCount)
	cfg.MaxConcurrent = getEnvInt("QUEUE_MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.MaxRetries = getEnvInt("QUEUE_MAX_RETRIES", cfg.MaxRetries)
	cfg.PollInterval = getEnvDuration("QUEUE_POLL_INTERVAL", cfg.PollInterval)
	cfg.PollIntervalJitter = getEnvDuration("QUEUE_POLL_INTERVAL_JITTER", cfg.PollIntervalJitter)
	cfg.LeaseTTL = getEnvDuration("QUEUE_LEASE_TTL", cfg.LeaseTTL)
	cfg.DedupTTL = getEnvDuration("QUEUE_DEDUP_TTL", cfg.DedupTTL)
	cfg.EventTTL = getEnvDuration("QUEUE_EVENT_TTL", cfg.EventTTL)
	cfg.ProcessTimeout = getEnvDuration("QUEUE_PROCESS_TIMEOUT", cfg.ProcessTimeout)
	cfg.OrphanScanInterval = getEnvDuration("QUEUE_ORPHAN_SCAN_INTERVAL", cfg.OrphanScanInterval)
	cfg.GracefulShutdownTimeout = getEnvDuration("QUEUE_GRACEFUL_SHUTDOWN_TIMEOUT", cfg.GracefulShutdownTimeout)
	return cfg
}
