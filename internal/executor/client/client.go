// Package client provides the HTTP client for the executor process running
// inside each session container.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
)

const maxBodyLog = 512

// ExecuteRequest is the payload submitted to the executor's /execute endpoint.
type ExecuteRequest struct {
	ExecutionID string            `json:"execution_id"`
	SessionID   string            `json:"session_id"`
	Code        string            `json:"code"`
	Language    string            `json:"language"`
	Event       json.RawMessage   `json:"event,omitempty"`
	Timeout     int               `json:"timeout"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
}

// ExecuteResponse is the executor's acknowledgement of a submitted execution.
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// HealthResponse reports executor liveness and load.
type HealthResponse struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	ActiveExecutions int     `json:"active_executions"`
}

// Client talks to in-container executors. A single client is shared across
// sessions; the target executor is addressed per call by base URL.
type Client struct {
	httpClient    *http.Client
	healthClient  *http.Client
	maxRetries    int
	backoffBase   time.Duration
	backoffFactor float64
	backoffMax    time.Duration
	logger        *logger.Logger
}

// NewClient creates an executor client from the executor config section.
func NewClient(cfg config.ExecutorConfig, log *logger.Logger) *Client {
	dialer := &net.Dialer{Timeout: time.Duration(cfg.ConnectTimeout) * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.RequestTimeout) * time.Second,
			Transport: transport,
		},
		healthClient: &http.Client{
			Timeout:   5 * time.Second,
			Transport: transport,
		},
		maxRetries:    cfg.MaxRetries,
		backoffBase:   time.Duration(cfg.BackoffBase * float64(time.Second)),
		backoffFactor: cfg.BackoffFactor,
		backoffMax:    time.Duration(cfg.BackoffMax * float64(time.Second)),
		logger:        log.WithFields(zap.String("component", "executor-client")),
	}
}

// Submit sends an execution to the executor at baseURL. Connection failures
// and 5xx responses are retried with exponential backoff; 4xx responses are
// terminal validation errors.
func (c *Client) Submit(ctx context.Context, baseURL string, req ExecuteRequest) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Internal("failed to encode execute request", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, apperrors.Timeout("executor submit")
			}
			c.logger.Debug("Retrying executor submit",
				zap.String("execution_id", req.ExecutionID),
				zap.Int("attempt", attempt+1),
			)
		}

		resp, retryable, err := c.doSubmit(ctx, baseURL, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doSubmit(ctx context.Context, baseURL string, body []byte) (*ExecuteResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, false, apperrors.Internal("failed to build execute request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, apperrors.Timeout("executor submit")
		}
		return nil, true, apperrors.ExecutorUnreachable(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, apperrors.ExecutorUnreachable(fmt.Errorf("failed to read executor response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, true, apperrors.ExecutorUnreachable(
			fmt.Errorf("executor returned %d: %s", resp.StatusCode, truncate(respBody)))
	case resp.StatusCode >= 400:
		return nil, false, apperrors.Validation(
			fmt.Sprintf("executor rejected execution: %s", truncate(respBody)))
	}

	var ack ExecuteResponse
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return nil, false, apperrors.ExecutorUnreachable(
			fmt.Errorf("failed to parse executor response %q: %w", truncate(respBody), err))
	}
	return &ack, false, nil
}

// Health checks the executor at baseURL with a short deadline.
func (c *Client) Health(ctx context.Context, baseURL string) (*HealthResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return nil, apperrors.Internal("failed to build health request", err)
	}

	resp, err := c.healthClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.ExecutorUnreachable(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.ExecutorUnreachable(fmt.Errorf("failed to read health response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.ExecutorUnreachable(
			fmt.Errorf("executor health returned %d: %s", resp.StatusCode, truncate(respBody)))
	}

	var health HealthResponse
	if err := json.Unmarshal(respBody, &health); err != nil {
		return nil, apperrors.ExecutorUnreachable(
			fmt.Errorf("failed to parse health response %q: %w", truncate(respBody), err))
	}
	return &health, nil
}

// WaitForReady polls the executor's health endpoint until it answers or the
// deadline passes.
func (c *Client) WaitForReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := 500 * time.Millisecond

	for {
		if _, err := c.Health(ctx, baseURL); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.Timeout("executor readiness")
		}
		select {
		case <-ctx.Done():
			return apperrors.Timeout("executor readiness")
		case <-time.After(interval):
		}
	}
}

// BaseURL builds the executor endpoint for a container address.
func BaseURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := c.backoffBase
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.backoffFactor)
	}
	if c.backoffMax > 0 && delay > c.backoffMax {
		delay = c.backoffMax
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func truncate(body []byte) string {
	if len(body) > maxBodyLog {
		return string(body[:maxBodyLog]) + "..."
	}
	return string(body)
}
