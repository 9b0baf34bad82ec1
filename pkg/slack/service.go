package slack

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// DeadLetterInput contains data for a dead-letter alert.
type DeadLetterInput struct {
	DLQID      string
	EventID    string
	Source     string
	EventType  string
	RetryCount int
	LastError  string
}

// AnomalyInput contains data for an event-volume anomaly alert.
type AnomalyInput struct {
	Source    string
	EventType string
	Count     int
	Mean      float64
	StdDev    float64
}

// Service handles Slack alert delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a new Slack alert service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NotifyDeadLetter alerts the channel that an event exhausted its retries.
// Replays of the same event thread under the first alert.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyDeadLetter(ctx context.Context, input DeadLetterInput) {
	if s == nil {
		return
	}

	fingerprint := dlqFingerprint(input.EventID)
	threadTS, err := s.client.FindMessageByFingerprint(ctx, fingerprint)
	if err != nil {
		s.logger.Warn("Failed to find Slack thread for fingerprint",
			"event_id", input.EventID,
			"fingerprint", fingerprint,
			"error", err)
	}

	blocks := BuildDeadLetterMessage(input, s.dashboardURL)
	if err := s.client.PostMessage(ctx, fingerprint, blocks, threadTS, 5*time.Second); err != nil {
		s.logger.Error("Failed to send dead-letter alert",
			"event_id", input.EventID,
			"error", err)
	}
}

// NotifyAnomaly alerts the channel about an event-volume anomaly. Repeat
// alerts for the same source and event type thread under the first one.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyAnomaly(ctx context.Context, input AnomalyInput) {
	if s == nil {
		return
	}

	fingerprint := anomalyFingerprint(input.Source, input.EventType)
	threadTS, err := s.client.FindMessageByFingerprint(ctx, fingerprint)
	if err != nil {
		s.logger.Warn("Failed to find Slack thread for fingerprint",
			"source", input.Source,
			"event_type", input.EventType,
			"fingerprint", fingerprint,
			"error", err)
	}

	blocks := BuildAnomalyMessage(input, s.dashboardURL)
	if err := s.client.PostMessage(ctx, fingerprint, blocks, threadTS, 5*time.Second); err != nil {
		s.logger.Error("Failed to send anomaly alert",
			"source", input.Source,
			"event_type", input.EventType,
			"error", err)
	}
}
