package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a wall-clock "HH:MM" marker for cron-like events.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" (24h).
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("%w: expected HH:MM, got %q", ErrInvalidValue, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("%w: hour in %q", ErrInvalidValue, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("%w: minute in %q", ErrInvalidValue, s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// SchedulerConfig controls the heartbeat loop and its periodic jobs.
type SchedulerConfig struct {
	// HeartbeatInterval is the tick period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// FeedbackAnalysisEvery runs the feedback-pattern analysis every Nth tick.
	FeedbackAnalysisEvery int `yaml:"feedback_analysis_every" validate:"gte=1"`

	// MorningBrief and DailySummary are "HH:MM" wall-clock markers (UTC).
	// The matching cron event fires once per day when a tick enters the
	// configured minute window.
	MorningBrief string `yaml:"morning_brief"`
	DailySummary string `yaml:"daily_summary"`

	// BaselineRecomputeDay triggers the weekly baseline recomputation.
	BaselineRecomputeDay time.Weekday `yaml:"baseline_recompute_day"`

	// BaselineWindowDays is the rolling history window for recomputation.
	BaselineWindowDays int `yaml:"baseline_window_days" validate:"gte=7"`
}

// PatternConfig tunes anomaly detection.
type PatternConfig struct {
	// FallbackThreshold applies when a slot has no baseline: a count at or
	// above it is anomalous.
	FallbackThreshold int `yaml:"fallback_threshold" validate:"gte=1"`

	// Cooldown suppresses repeat alerts for the same pattern key.
	Cooldown time.Duration `yaml:"cooldown"`

	// ErrorRateThreshold flags an hourly failed/total ratio above this value.
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" validate:"gte=0,lte=1"`

	// ErrorRateMinTotal is the minimum hourly event count before the error
	// ratio is meaningful.
	ErrorRateMinTotal int `yaml:"error_rate_min_total" validate:"gte=1"`

	// NegativeSurveyThreshold flags an hourly negative survey/review count
	// at or above this value.
	NegativeSurveyThreshold int `yaml:"negative_survey_threshold" validate:"gte=1"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		HeartbeatInterval:     60 * time.Second,
		FeedbackAnalysisEvery: 10,
		MorningBrief:          "07:00",
		DailySummary:          "18:00",
		BaselineRecomputeDay:  time.Sunday,
		BaselineWindowDays:    28,
	}
}

// DefaultPatternConfig returns the built-in anomaly detection defaults.
func DefaultPatternConfig() *PatternConfig {
	return &PatternConfig{
		FallbackThreshold:       3,
		Cooldown:                2 * time.Hour,
		ErrorRateThreshold:      0.3,
		ErrorRateMinTotal:       5,
		NegativeSurveyThreshold: 3,
	}
}

func schedulerConfigFromEnv() *SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.FeedbackAnalysisEvery = getEnvInt("FEEDBACK_ANALYSIS_EVERY", cfg.FeedbackAnalysisEvery)
	cfg.MorningBrief = getEnv("MORNING_BRIEF_TIME", cfg.MorningBrief)
	cfg.DailySummary = getEnv("DAILY_SUMMARY_TIME", cfg.DailySummary)
	cfg.BaselineWindowDays = getEnvInt("BASELINE_WINDOW_DAYS", cfg.BaselineWindowDays)
	return cfg
}

func patternConfigFromEnv() *PatternConfig {
	cfg := DefaultPatternConfig()
	cfg.FallbackThreshold = getEnvInt("PATTERN_FALLBACK_THRESHOLD", cfg.FallbackThreshold)
	cfg.Cooldown = getEnvDuration("PATTERN_COOLDOWN", cfg.Cooldown)
	return cfg
}
