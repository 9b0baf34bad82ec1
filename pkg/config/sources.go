package config

import "time"

// SourceConfig tunes one poller. A source with no credential configured is
// disabled regardless of Enabled: the poller cannot query anything.
type SourceConfig struct {
	// Enabled is a *bool: nil means "use default" (enabled when a credential
	// is present), explicit false disables.
	Enabled *bool `yaml:"enabled,omitempty"`

	// LookBack is the query window per tick. Generous relative to the
	// heartbeat interval so missed ticks do not lose items.
	LookBack time.Duration `yaml:"look_back,omitempty"`

	// BaseURL and APIToken configure the source client. APIToken holds the
	// resolved secret (from env), never serialized back out.
	BaseURL  string `yaml:"base_url,omitempty"`
	APIToken string `yaml:"-"`

	// Extra carries provider-specific settings (folder ids for drive,
	// board ids for projects, form ids for survey).
	Extra map[string]string `yaml:"extra,omitempty"`
}

// IsEnabled reports whether the poller should run.
func (s *SourceConfig) IsEnabled() bool {
	if s == nil || s.APIToken == "" {
		return false
	}
	if s.Enabled != nil {
		return *s.Enabled
	}
	return true
}

// SourcesConfig groups the per-source poller configurations.
type SourcesConfig struct {
	Mail      *SourceConfig `yaml:"mail,omitempty"`
	Chat      *SourceConfig `yaml:"chat,omitempty"`
	Ticketing *SourceConfig `yaml:"ticketing,omitempty"`
	Survey    *SourceConfig `yaml:"survey,omitempty"`
	Projects  *SourceConfig `yaml:"projects,omitempty"`
	Drive     *SourceConfig `yaml:"drive,omitempty"`
}

// All returns the configured sources keyed by source name.
func (s *SourcesConfig) All() map[string]*SourceConfig {
	return map[string]*SourceConfig{
		"mail":      s.Mail,
		"chat":      s.Chat,
		"ticketing": s.Ticketing,
		"survey":    s.Survey,
		"projects":  s.Projects,
		"drive":     s.Drive,
	}
}

// EnabledCount returns how many pollers will run.
func (s *SourcesConfig) EnabledCount() int {
	n := 0
	for _, cfg := range s.All() {
		if cfg.IsEnabled() {
			n++
		}
	}
	return n
}

// WebhookConfig holds the intake authentication material.
type WebhookConfig struct {
	// ChatToken is compared constant-time against the verification token
	// carried in chat push payloads.
	ChatToken string `yaml:"-"`

	// TicketingSecret is compared constant-time against the shared-secret
	// header on ticketing webhooks.
	TicketingSecret string `yaml:"-"`

	// MailToken authenticates mail push notifications via query parameter.
	MailToken string `yaml:"-"`
}

const defaultLookBack = 15 * time.Minute

// DefaultSourcesConfig returns all sources with default look-back windows.
// Credentials are filled from the environment; sources without one stay off.
func DefaultSourcesConfig() *SourcesConfig {
	newSource := func() *SourceConfig {
		return &SourceConfig{LookBack: defaultLookBack}
	}
	cfg := &SourcesConfig{
		Mail:      newSource(),
		Chat:      newSource(),
		Ticketing: newSource(),
		Survey:    newSource(),
		Projects:  newSource(),
		Drive:     newSource(),
	}
	// Chat backfills less: push delivery is primary, the poller is a sweep.
	cfg.Chat.LookBack = 10 * time.Minute
	return cfg
}

func sourcesConfigFromEnv() *SourcesConfig {
	cfg := DefaultSourcesConfig()
	cfg.Mail.APIToken = getEnv("MAIL_API_TOKEN", "")
	cfg.Chat.APIToken = getEnv("CHAT_API_TOKEN", "")
	cfg.Ticketing.APIToken = getEnv("TICKETING_API_TOKEN", "")
	cfg.Ticketing.BaseURL = getEnv("TICKETING_BASE_URL", "")
	cfg.Survey.APIToken = getEnv("SURVEY_API_TOKEN", "")
	cfg.Projects.APIToken = getEnv("PROJECTS_API_TOKEN", "")
	cfg.Drive.APIToken = getEnv("DRIVE_API_TOKEN", "")
	return cfg
}

func webhookConfigFromEnv() *WebhookConfig {
	return &WebhookConfig{
		ChatToken:       getEnv("CHAT_VERIFICATION_TOKEN", ""),
		TicketingSecret: getEnv("TICKETING_WEBHOOK_SECRET", ""),
		MailToken:       getEnv("MAIL_WEBHOOK_TOKEN", ""),
	}
}
