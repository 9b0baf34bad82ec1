package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// EventRetention is how long completed/failed event rows are kept.
	EventRetention time.Duration `yaml:"event_retention"`

	// ActionLogRetention is how long audit records are kept.
	ActionLogRetention time.Duration `yaml:"action_log_retention"`

	// ExpiredSessionRetention is how long expired sessions (and their
	// messages) are kept before deletion.
	ExpiredSessionRetention time.Duration `yaml:"expired_session_retention"`

	// ProposalExpiry marks pending proposals expired after this age when
	// they carry no explicit expires_at.
	ProposalExpiry time.Duration `yaml:"proposal_expiry"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventRetention:          30 * 24 * time.Hour,
		ActionLogRetention:      90 * 24 * time.Hour,
		ExpiredSessionRetention: 14 * 24 * time.Hour,
		ProposalExpiry:          7 * 24 * time.Hour,
		CleanupInterval:         12 * time.Hour,
	}
}
