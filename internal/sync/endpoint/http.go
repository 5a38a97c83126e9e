package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// TokenFunc produces a valid bearer token or fails. Token acquisition is an
// external capability; a failure here aborts the call as a transport error.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPClient implements Client over HTTPS JSON.
type HTTPClient struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
	logger  *log.Logger
}

// NewHTTP creates an endpoint client for the given base URL.
//
// baseURL may be empty; every call then fails with ErrNotConfigured. If
// logger is nil, a default logger writing to stderr is used.
func NewHTTP(baseURL string, token TokenFunc, logger *log.Logger) *HTTPClient {
	if logger == nil {
		logger = log.New(os.Stderr, "[endpoint] ", log.LstdFlags)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

// SetHTTPClient replaces the underlying HTTP client (tests, custom timeouts).
func (c *HTTPClient) SetHTTPClient(h *http.Client) {
	c.http = h
}

// Pull implements Client.Pull.
func (c *HTTPClient) Pull(ctx context.Context) (*PullResponse, error) {
	var resp PullResponse
	if err := c.post(ctx, "/v1/sync/pull", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Mutate implements Client.Mutate.
func (c *HTTPClient) Mutate(ctx context.Context, req MutationRequest) (*MutationResponse, error) {
	var resp MutationResponse
	if err := c.post(ctx, "/v1/sync/mutate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push implements Client.Push.
func (c *HTTPClient) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.post(ctx, "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearSession implements SessionClearer. The backend drops the device
// session; callers treat failures as best-effort.
func (c *HTTPClient) ClearSession(ctx context.Context) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	return c.post(ctx, "/v1/session/clear", struct{}{}, &resp)
}

// post sends one authenticated JSON request and decodes the response body
// into out.
//
// Non-2xx statuses with a decodable JSON body are NOT transport errors: the
// backend reports application-level failure (ok=false, errorCode) in the
// body and the caller interprets it. Only unreachable hosts, token failures,
// and undecodable bodies surface as errors here.
func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire bearer token: %w", err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
		}
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}

	return nil
}
