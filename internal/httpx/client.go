// Package httpx provides a small authenticated HTTP client with retry on
// 429/5xx, shared by every outbound adapter in the gateway.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oculair/graphiti-gateway/internal/retry"
)

// Client wraps http.Client with the Letta-style dual-header auth scheme and
// a bounded-attempt retry policy.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Password   string // used to build X-BARE-PASSWORD and Authorization headers
}

// New creates a Client with the given timeout.
func New(baseURL, password string, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Password:   password,
	}
}

// Request describes a single outbound call.
type Request struct {
	Method  string
	Path    string // appended to BaseURL
	Body    any    // marshaled as JSON if non-nil
	AgentID string // if set, sends the user_id header
	Headers map[string]string
}

func (c *Client) applyAuth(req *http.Request) {
	if c.Password == "" {
		return
	}
	req.Header.Set("X-BARE-PASSWORD", "password "+c.Password)
	req.Header.Set("Authorization", "Bearer "+c.Password)
}

// Do performs the request with retry on 429/5xx (up to 3 attempts total)
// and decodes a JSON response body into out, if out is non-nil.
func (c *Client) Do(ctx context.Context, r Request, out any) (status int, err error) {
	result := retry.Do(ctx, retry.HTTPConfig(), func() error {
		s, body, doErr := c.doOnce(ctx, r)
		status = s
		if doErr != nil {
			return doErr
		}
		if s < 200 || s >= 300 {
			return retry.WrapHTTPStatus(s, fmt.Errorf("%s %s: unexpected status %d: %s", r.Method, r.Path, s, truncateForError(body)))
		}
		if out != nil && len(body) > 0 {
			if jsonErr := json.Unmarshal(body, out); jsonErr != nil {
				return retry.Permanent(fmt.Errorf("decode %s: %w", r.Path, jsonErr))
			}
		}
		return nil
	})
	if result.Err != nil {
		return status, result.Err
	}
	return status, nil
}

func (c *Client) doOnce(ctx context.Context, r Request) (int, []byte, error) {
	var bodyReader io.Reader
	if r.Body != nil {
		raw, err := json.Marshal(r.Body)
		if err != nil {
			return 0, nil, retry.Permanent(fmt.Errorf("marshal request body: %w", err))
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.BaseURL+r.Path, bodyReader)
	if err != nil {
		return 0, nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)
	if r.AgentID != "" {
		req.Header.Set("user_id", r.AgentID)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func truncateForError(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
