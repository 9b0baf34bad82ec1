package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/models"
)

// tokenEndpoint stands in for the provider: it records the exchange form and
// returns a canned token response.
type tokenEndpoint struct {
	srv      *httptest.Server
	form     url.Values
	status   int
	response map[string]any
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	te := &tokenEndpoint{
		status: http.StatusOK,
		response: map[string]any{
			"access_token":  "at-short-lived",
			"refresh_token": "rt-123",
			"expires_in":    3600,
			"token_type":    "Bearer",
		},
	}
	te.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		te.form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(te.status)
		_ = json.NewEncoder(w).Encode(te.response)
	}))
	t.Cleanup(te.srv.Close)
	return te
}

func configureOAuth(h *serverHarness, tokenURL string) {
	h.cfg.OAuth = &config.OAuthConfig{
		ClientID:     "client-123",
		ClientSecret: "secret-456",
		AuthURL:      "https://accounts.example.com/o/oauth2/auth",
		TokenURL:     tokenURL,
		RedirectURL:  "https://agent.example.com/oauth/callback",
		Scopes:       []string{"mail.readonly", "mail.send"},
	}
}

// startFlow runs /oauth/start and returns the state nonce from the redirect.
func startFlow(t *testing.T, h *serverHarness) string {
	t.Helper()
	rec := h.do(t, http.MethodGet, "/oauth/start", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestOAuthStart(t *testing.T) {
	t.Run("without client config", func(t *testing.T) {
		h := newTestServer(t)

		rec := h.do(t, http.MethodGet, "/oauth/start", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("redirects to consent screen", func(t *testing.T) {
		h := newTestServer(t)
		configureOAuth(h, "http://unused.invalid/token")

		rec := h.do(t, http.MethodGet, "/oauth/start", nil)
		require.Equal(t, http.StatusFound, rec.Code)

		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(loc.String(), "https://accounts.example.com/o/oauth2/auth?"))

		q := loc.Query()
		assert.Equal(t, "client-123", q.Get("client_id"))
		assert.Equal(t, "https://agent.example.com/oauth/callback", q.Get("redirect_uri"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "mail.readonly mail.send", q.Get("scope"))
		// A refresh token must come back even on re-consent.
		assert.Equal(t, "offline", q.Get("access_type"))
		assert.Equal(t, "consent", q.Get("prompt"))

		state := q.Get("state")
		require.NotEmpty(t, state)
		_, found, err := h.kv.Get(context.Background(), oauthStateKey+state)
		require.NoError(t, err)
		assert.True(t, found, "state nonce must be parked in KV for the callback")
	})
}

func TestOAuthCallback(t *testing.T) {
	t.Run("exchanges code and stores refresh token", func(t *testing.T) {
		h := newTestServer(t)
		te := newTokenEndpoint(t)
		configureOAuth(h, te.srv.URL)
		state := startFlow(t, h)

		rec := h.do(t, http.MethodGet, "/oauth/callback?state="+state+"&code=auth-code-789", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var ack AckResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		assert.Equal(t, "authorized", ack.Status)

		assert.Equal(t, "auth-code-789", te.form.Get("code"))
		assert.Equal(t, "authorization_code", te.form.Get("grant_type"))
		assert.Equal(t, "client-123", te.form.Get("client_id"))
		assert.Equal(t, "secret-456", te.form.Get("client_secret"))
		assert.Equal(t, "https://agent.example.com/oauth/callback", te.form.Get("redirect_uri"))

		raw, err := h.svc.Configs.Get(context.Background(), RefreshTokenConfigKey)
		require.NoError(t, err)
		var stored string
		require.NoError(t, json.Unmarshal(raw, &stored))
		assert.Equal(t, "rt-123", stored)

		rows, err := h.svc.Actions.List(context.Background(), models.ActionFilters{System: "api"})
		require.NoError(t, err)
		require.NotEmpty(t, rows)
		assert.Equal(t, "oauth_bootstrap", rows[0].ActionType)

		// The state nonce is single-use.
		rec = h.do(t, http.MethodGet, "/oauth/callback?state="+state+"&code=auth-code-789", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		h := newTestServer(t)
		te := newTokenEndpoint(t)
		configureOAuth(h, te.srv.URL)

		rec := h.do(t, http.MethodGet, "/oauth/callback?state=forged&code=auth-code-789", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = h.do(t, http.MethodGet, "/oauth/callback?code=auth-code-789", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("surfaces provider denial", func(t *testing.T) {
		h := newTestServer(t)
		configureOAuth(h, "http://unused.invalid/token")

		rec := h.do(t, http.MethodGet, "/oauth/callback?error=access_denied", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("token endpoint failure is a bad gateway", func(t *testing.T) {
		h := newTestServer(t)
		te := newTokenEndpoint(t)
		te.status = http.StatusInternalServerError
		configureOAuth(h, te.srv.URL)
		state := startFlow(t, h)

		rec := h.do(t, http.MethodGet, "/oauth/callback?state="+state+"&code=auth-code-789", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("missing refresh token is a bad gateway", func(t *testing.T) {
		h := newTestServer(t)
		te := newTokenEndpoint(t)
		te.response = map[string]any{"access_token": "at-only", "token_type": "Bearer"}
		configureOAuth(h, te.srv.URL)
		state := startFlow(t, h)

		rec := h.do(t, http.MethodGet, "/oauth/callback?state="+state+"&code=auth-code-789", nil)
		require.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "no refresh token")
	})
}
