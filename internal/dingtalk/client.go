// Package dingtalk implements the DingTalk platform client: token cache,
// message dedup, peer registry, AI card streaming, send/media services and
// the shared retry policy.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	// APIBaseURL is the modern DingTalk OpenAPI host.
	APIBaseURL = "https://api.dingtalk.com"
	// OAPIBaseURL is the legacy host still used by media upload.
	OAPIBaseURL = "https://oapi.dingtalk.com"

	tokenHeader = "x-acs-dingtalk-access-token"
)

// Doer executes HTTP requests. *http.Client satisfies it; tests substitute
// fakes.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx response from the DingTalk API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dingtalk api: status %d code %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dingtalk api: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the error class is transient: expired token,
// throttling, or a server-side failure.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// Client is a thin JSON client over the DingTalk REST API.
type Client struct {
	http    Doer
	baseURL string
	log     *slog.Logger
}

func NewClient(doer Doer, log *slog.Logger) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{
		http:    doer,
		baseURL: APIBaseURL,
		log:     log.With(slog.String("component", "dingtalk.client")),
	}
}

// BaseURL returns the API host the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetBaseURL overrides the API host, for tests against local servers.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// PostJSON issues a POST with a JSON body to path (relative to the API host)
// and decodes the JSON response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path, token string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, c.baseURL+path, token, body, out)
}

// PutJSON issues a PUT with a JSON body, same contract as PostJSON.
func (c *Client) PutJSON(ctx context.Context, path, token string, body, out any) error {
	return c.doJSON(ctx, http.MethodPut, c.baseURL+path, token, body, out)
}

// PostURL is PostJSON against an absolute URL, used for session webhooks.
func (c *Client) PostURL(ctx context.Context, url, token string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, url, token, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, url, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Code != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Message
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
