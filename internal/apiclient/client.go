// Package apiclient is a typed client for the busping server endpoints.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"busping/internal/push"
)

// Client talks to one busping server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout replaces the default 10s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client pointing at base. A bare host gets http://.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae APIError
	return errors.As(err, &ae) && ae.Status == status
}

// IsUnauthorized reports a 401; the stored session should be discarded.
func IsUnauthorized(err error) bool { return IsStatus(err, http.StatusUnauthorized) }

// do sends body as JSON and returns the raw response body on 2xx.
func (c *Client) do(ctx context.Context, method, path string, body any, token string) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, APIError{Status: resp.StatusCode, Message: extractError(data)}
	}
	return data, nil
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// CheckUser reports whether a passcode exists for email.
func (c *Client) CheckUser(ctx context.Context, email string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, "/api/auth?email="+url.QueryEscape(email), nil, "")
	if IsStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type authRequest struct {
	Email  string `json:"email"`
	Pin    string `json:"pin"`
	Action string `json:"action"`
}

// Register sets (or overwrites) the passcode and returns a session token.
func (c *Client) Register(ctx context.Context, email, pin string) (string, error) {
	return c.auth(ctx, email, pin, "register")
}

// Login verifies the passcode and returns a session token.
func (c *Client) Login(ctx context.Context, email, pin string) (string, error) {
	return c.auth(ctx, email, pin, "login")
}

func (c *Client) auth(ctx context.Context, email, pin, action string) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/auth", authRequest{Email: email, Pin: pin, Action: action}, "")
	if err != nil {
		return "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("server returned no token")
	}
	return out.Token, nil
}

// FetchSettings returns the stored blob, or nil when none exists.
func (c *Client) FetchSettings(ctx context.Context, token, email string) (json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/user-settings?email="+url.QueryEscape(email), nil, token)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("settings response is not JSON")
	}
	return json.RawMessage(data), nil
}

// SaveSettings replaces the stored blob.
func (c *Client) SaveSettings(ctx context.Context, token, email string, data json.RawMessage) error {
	body := struct {
		Email string          `json:"email"`
		Data  json.RawMessage `json:"data"`
	}{Email: email, Data: data}
	_, err := c.do(ctx, http.MethodPost, "/api/user-settings", body, token)
	return err
}

// ScheduleRequest is the wire body of POST /api/schedule-notification.
type ScheduleRequest struct {
	ID           string            `json:"id,omitempty"`
	Subscription push.Subscription `json:"subscription"`
	Payload      any               `json:"payload,omitempty"`
	Delay        int64             `json:"delay"` // ms
}

// SchedulePush asks the server to send payload to sub after delay. It returns
// the server's acknowledgement ("accepted", "sent" or "duplicate").
func (c *Client) SchedulePush(ctx context.Context, sub push.Subscription, payload any, delay time.Duration, id string) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/schedule-notification", ScheduleRequest{
		ID:           id,
		Subscription: sub,
		Payload:      payload,
		Delay:        delay.Milliseconds(),
	}, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
