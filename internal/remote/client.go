// Package remote is the HTTP client for the safety backend.
package remote

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

	"github.com/google/uuid"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

const (
	HeaderCursor         = "X-Cursor"
	HeaderIdempotencyKey = "Idempotency-Key"

	defaultTimeout = 15 * time.Second
)

// ErrNetwork marks failures where the backend could not be reached.
var ErrNetwork = errors.New("backend unreachable")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d - %s", e.Code, e.Body)
}

// Retryable reports whether the status means the backend is overloaded or
// temporarily unavailable rather than rejecting the request.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsConnectivity reports whether err should be retried once connectivity
// returns. Anything else is a permanent rejection.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// Changes is the response of GET /alerts/changes.
type Changes struct {
	Cursor  string            `json:"cursor"`
	Changes []models.Envelope `json:"changes"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// ListAlerts fetches the full alert list and the cursor to poll changes from.
func (c *Client) ListAlerts(ctx context.Context) ([]models.Alert, string, error) {
	var alerts []models.Alert
	resp, err := c.doJSON(ctx, http.MethodGet, "/alerts", nil, nil, &alerts)
	if err != nil {
		return nil, "", err
	}
	return alerts, resp.Header.Get(HeaderCursor), nil
}

func (c *Client) Changes(ctx context.Context, since string) (Changes, error) {
	var out Changes
	path := "/alerts/changes?since=" + url.QueryEscape(since)
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return Changes{}, err
	}
	return out, nil
}

// Do sends a captured write. The write id is sent as the idempotency key so a
// replay is acknowledged once.
func (c *Client) Do(ctx context.Context, w models.QueuedWrite) (models.Ack, error) {
	headers := w.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get(HeaderIdempotencyKey) == "" {
		headers.Set(HeaderIdempotencyKey, w.ID)
	}

	var ack models.Ack
	if _, err := c.doJSON(ctx, w.Method, w.Endpoint, headers, w.Body, &ack); err != nil {
		return models.Ack{}, err
	}
	if ack.WriteID == "" {
		ack.WriteID = w.ID
	}
	return ack, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, headers http.Header, body []byte, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp, fmt.Errorf("error decoding resp.Body: %w", err)
		}
	}
	return resp, nil
}

// NewWrite captures a backend write with a fresh id.
func NewWrite(method, endpoint string, payload any, alertID string, now time.Time) (models.QueuedWrite, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return models.QueuedWrite{}, fmt.Errorf("error encoding write body: %w", err)
		}
	}
	id := uuid.NewString()
	return models.QueuedWrite{
		ID:       id,
		Method:   method,
		Endpoint: endpoint,
		Headers: http.Header{
			HeaderIdempotencyKey: []string{id},
			"Content-Type":       []string{"application/json"},
		},
		Body:       body,
		EnqueuedAt: now,
		AlertID:    alertID,
	}, nil
}

// RespondRequest is the body of POST /alerts/{id}/respond.
type RespondRequest struct {
	Response models.Response `json:"response"`
	Message  string          `json:"message,omitempty"`
}

// EscalateRequest is the body of POST /alerts/{id}/escalate.
type EscalateRequest struct {
	EscalatedAt time.Time `json:"escalated_at"`
}

// LocationsPath receives traveler position reports.
const LocationsPath = "/locations"

func RespondPath(alertID string) string {
	return "/alerts/" + url.PathEscape(alertID) + "/respond"
}

func EscalatePath(alertID string) string {
	return "/alerts/" + url.PathEscape(alertID) + "/escalate"
}
