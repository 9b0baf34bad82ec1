package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// The authorization flow runs once per deployment: an operator opens
// /oauth/start, consents at the provider, and the callback stores the
// refresh token in the config table where the mail client reads it.
const (
	oauthStateTTL = 10 * time.Minute
	oauthStateKey = "oauth:state:"

	// RefreshTokenConfigKey is where the callback persists the credential.
	RefreshTokenConfigKey = "oauth:mail:refresh_token"
)

// oauthStartHandler handles GET /oauth/start.
// Issues a single-use state nonce and redirects to the provider's consent
// screen. access_type=offline plus prompt=consent forces a refresh token
// even when the user authorized before.
func (s *Server) oauthStartHandler(c *echo.Context) error {
	oauth := s.cfg.OAuth
	if oauth == nil || !oauth.IsConfigured() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "OAuth client is not configured")
	}

	state := uuid.NewString()
	if err := s.kvClient.Set(c.Request().Context(), oauthStateKey+state, "1", oauthStateTTL); err != nil {
		return mapServiceError(err)
	}

	q := url.Values{}
	q.Set("client_id", oauth.ClientID)
	q.Set("redirect_uri", oauth.RedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", oauth.ScopeString())
	q.Set("state", state)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")

	return c.Redirect(http.StatusFound, oauth.AuthURL+"?"+q.Encode())
}

// oauthCallbackHandler handles GET /oauth/callback.
// Verifies the state nonce, exchanges the code, and stores the refresh
// token. The access token is discarded; the mail client mints its own.
func (s *Server) oauthCallbackHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	oauth := s.cfg.OAuth
	if oauth == nil || !oauth.IsConfigured() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "OAuth client is not configured")
	}

	if errParam := c.QueryParam("error"); errParam != "" {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("provider returned error: %s", errParam))
	}

	// 1. The state must be one we issued, and only once.
	state := c.QueryParam("state")
	if state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state parameter is required")
	}
	_, found, err := s.kvClient.Get(ctx, oauthStateKey+state)
	if err != nil {
		return mapServiceError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown or expired state")
	}
	if err := s.kvClient.Delete(ctx, oauthStateKey+state); err != nil {
		return mapServiceError(err)
	}

	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code parameter is required")
	}

	// 2. Exchange the authorization code.
	refreshToken, err := s.exchangeCode(ctx, code)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	// 3. Persist where the mail client reads it.
	if err := s.svc.Configs.Set(ctx, RefreshTokenConfigKey, refreshToken,
		"Mail provider refresh token obtained via /oauth/start"); err != nil {
		return mapServiceError(err)
	}

	s.audit(c, "oauth_bootstrap", map[string]any{"config_key": RefreshTokenConfigKey})
	return c.JSON(http.StatusOK, &AckResponse{Status: "authorized"})
}

// exchangeCode posts the authorization code to the token endpoint and
// returns the refresh token.
func (s *Server) exchangeCode(ctx context.Context, code string) (string, error) {
	oauth := s.cfg.OAuth

	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", oauth.ClientID)
	form.Set("client_secret", oauth.ClientSecret)
	form.Set("redirect_uri", oauth.RedirectURL)
	form.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauth.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		TokenType    string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.RefreshToken == "" {
		return "", fmt.Errorf("provider returned no refresh token; revoke access and retry")
	}
	return token.RefreshToken, nil
}
