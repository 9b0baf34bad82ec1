package config

import "time"

// SessionConfig controls conversation memory and the single-writer locks.
type SessionConfig struct {
	// Idle expiry per platform. A dashboard session also expires when the
	// 04:00 UTC daily reset falls between its last activity and now.
	ChatIdleTimeout      time.Duration `yaml:"chat_idle_timeout"`
	DashboardIdleTimeout time.Duration `yaml:"dashboard_idle_timeout"`
	DailyResetHour       int           `yaml:"daily_reset_hour" validate:"gte=0,lte=23"`

	// CompactionThreshold triggers summarization once message_count reaches
	// it; CompactionKeepLast messages survive verbatim.
	CompactionThreshold int `yaml:"compaction_threshold" validate:"gte=2"`
	CompactionKeepLast  int `yaml:"compaction_keep_last" validate:"gte=2"`

	// History loading bounds.
	MaxMessages int `yaml:"max_messages" validate:"gte=1"`
	MaxTokens   int `yaml:"max_tokens" validate:"gte=0"`

	// Write lock: poll set-if-absent every LockPollInterval for up to
	// LockAcquireTimeout; the lock key expires after LockTTL.
	LockTTL            time.Duration `yaml:"lock_ttl"`
	LockPollInterval   time.Duration `yaml:"lock_poll_interval"`
	LockAcquireTimeout time.Duration `yaml:"lock_acquire_timeout"`
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ChatIdleTimeout:      30 * time.Minute,
		DashboardIdleTimeout: 8 * time.Hour,
		DailyResetHour:       4,
		CompactionThreshold:  20,
		CompactionKeepLast:   10,
		MaxMessages:          50,
		MaxTokens:            3000,
		LockTTL:              60 * time.Second,
		LockPollInterval:     500 * time.Millisecond,
		LockAcquireTimeout:   30 * time.Second,
	}
}

func sessionConfigFromEnv() *SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.ChatIdleTimeout = getEnvDuration("SESSION_CHAT_IDLE_TIMEOUT", cfg.ChatIdleTimeout)
	cfg.DashboardIdleTimeout = getEnvDuration("SESSION_DASHBOARD_IDLE_TIMEOUT", cfg.DashboardIdleTimeout)
	cfg.DailyResetHour = getEnvInt("SESSION_DAILY_RESET_HOUR", cfg.DailyResetHour)
	cfg.CompactionThreshold = getEnvInt("SESSION_COMPACTION_THRESHOLD", cfg.CompactionThreshold)
	cfg.MaxMessages = getEnvInt("SESSION_MAX_MESSAGES", cfg.MaxMessages)
	cfg.MaxTokens = getEnvInt("SESSION_MAX_TOKENS", cfg.MaxTokens)
	return cfg
}
