package slack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	t.Run("NotifyDeadLetter is no-op", func(_ *testing.T) {
		// Should not panic
		s.NotifyDeadLetter(context.Background(), DeadLetterInput{
			EventID:   "evt-1",
			Source:    "mail",
			EventType: "new_mail",
		})
	})

	t.Run("NotifyAnomaly is no-op", func(_ *testing.T) {
		s.NotifyAnomaly(context.Background(), AnomalyInput{
			Source:    "mail",
			EventType: "new_mail",
			Count:     10,
		})
	})
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "", Channel: "C123"})
		assert.Nil(t, svc)
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "xoxb-test", Channel: ""})
		assert.Nil(t, svc)
	})

	t.Run("returns service when configured", func(t *testing.T) {
		svc := NewService(ServiceConfig{
			Token:        "xoxb-test",
			Channel:      "C123",
			DashboardURL: "https://example.com",
		})
		assert.NotNil(t, svc)
	})
}

func TestFingerprints(t *testing.T) {
	t.Run("dlq fingerprint stable per event", func(t *testing.T) {
		assert.Equal(t, dlqFingerprint("evt-1"), dlqFingerprint("evt-1"))
		assert.NotEqual(t, dlqFingerprint("evt-1"), dlqFingerprint("evt-2"))
	})

	t.Run("anomaly fingerprint keyed by source and type", func(t *testing.T) {
		assert.Equal(t, anomalyFingerprint("mail", "new_mail"), anomalyFingerprint("mail", "new_mail"))
		assert.NotEqual(t, anomalyFingerprint("mail", "new_mail"), anomalyFingerprint("mail", "bounce"))
		assert.NotEqual(t, anomalyFingerprint("mail", "new_mail"), anomalyFingerprint("chat", "new_mail"))
	})
}
