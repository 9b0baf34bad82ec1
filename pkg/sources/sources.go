// Package sources implements REST clients for the upstream providers the
// pollers sweep and the approval flow replies through. Every client speaks
// the same dialect: bearer-token auth against a configured base URL, RFC3339
// timestamps, cursor pagination on the high-volume listings. The pollers
// depend on narrow interfaces, so a provider with a different wire shape
// only needs its own client, not poller changes.
package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
)

const requestTimeout = 30 * time.Second

// maxPages bounds cursor pagination per sweep. A provider that keeps handing
// out cursors cannot wedge a poll tick.
const maxPages = 10

// restClient is the shared HTTP plumbing: base URL joining, bearer auth,
// status checking, JSON decoding.
type restClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func newRESTClient(cfg *config.SourceConfig) restClient {
	var base, token string
	if cfg != nil {
		base = strings.TrimRight(cfg.BaseURL, "/")
		token = cfg.APIToken
	}
	return restClient{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: base,
		token:   token,
	}
}

// getJSON issues a GET against path (joined onto the base URL) and decodes
// the response body into out.
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// postJSON issues a POST with a JSON body. out may be nil when the caller
// only cares that the write landed.
func (c *restClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.setAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *restClient) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// parseTime parses an RFC3339 timestamp, yielding the zero time for empty
// or malformed values rather than failing the whole page.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
