package config

import "strings"

// OAuthConfig drives the one-time mail provider authorization flow. The
// gateway exposes /oauth/start and /oauth/callback; the refresh token the
// callback obtains is persisted to the config table, not to this struct.
type OAuthConfig struct {
	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`

	// AuthURL and TokenURL default to the Google endpoints because the mail
	// source speaks the Gmail API; override for other providers.
	AuthURL  string `yaml:"auth_url,omitempty" validate:"omitempty,url"`
	TokenURL string `yaml:"token_url,omitempty" validate:"omitempty,url"`

	// RedirectURL must match the registration on the provider side exactly.
	RedirectURL string `yaml:"redirect_url,omitempty" validate:"omitempty,url"`

	Scopes []string `yaml:"scopes,omitempty"`
}

// IsConfigured reports whether the flow can run at all.
func (c *OAuthConfig) IsConfigured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// ScopeString joins the scopes for the authorization URL.
func (c *OAuthConfig) ScopeString() string {
	return strings.Join(c.Scopes, " ")
}

func oauthConfigFromEnv() *OAuthConfig {
	scopes := getEnvList("OAUTH_SCOPES")
	if len(scopes) == 0 {
		scopes = []string{"https://www.googleapis.com/auth/gmail.modify"}
	}
	return &OAuthConfig{
		ClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		ClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		AuthURL:      getEnv("OAUTH_AUTH_URL", "https://accounts.google.com/o/oauth2/v2/auth"),
		TokenURL:     getEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		RedirectURL:  getEnv("OAUTH_REDIRECT_URL", "http://localhost:8080/oauth/callback"),
		Scopes:       scopes,
	}
}
