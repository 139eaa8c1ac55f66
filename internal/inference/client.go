// Package inference is the HTTP client for the vision-language endpoint
// that analyses recorded video segments.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds one chat-completions request. Video analysis is
	// slow, so the budget is generous.
	DefaultTimeout = 5 * time.Minute
	// DefaultReadyTimeout bounds the startup wait for the endpoint.
	DefaultReadyTimeout = 5 * time.Minute

	defaultMaxRetries = 3
	maxResponseBytes  = 10 << 20
)

// analysisPrompt asks for machine-parseable output. The schema matches the
// columns of the analysis table.
const analysisPrompt = `Analyze this video segment. Provide a structured analysis in JSON format.
The JSON object must strictly adhere to this schema:
{
    "description": "A detailed description of the scene and events",
    "danger": boolean, // true if there is any danger, threat, or suspicious activity
    "danger_level": integer, // severity from 0 to 10, 0 when there is no danger
    "danger_details": "Details about the danger if any, otherwise null or empty string"
}

Ensure valid JSON output. Do not include any text outside the JSON object.`

// StatusError is returned when the endpoint answers with a non-2xx status,
// after retries for the retryable ones.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference endpoint returned %d", e.Code)
}

// Config holds client settings.
type Config struct {
	// URL is the full chat-completions endpoint; the model list URL used by
	// WaitReady is derived from it.
	URL string
	// Model names the model sent with each request.
	Model string
	// Timeout bounds one request; zero means DefaultTimeout.
	Timeout time.Duration
	// MaxRetries is the number of retry attempts on 500/502/503/504; zero
	// means 3.
	MaxRetries int
}

// Client calls the chat-completions endpoint. Safe for concurrent use.
type Client struct {
	url        string
	modelsURL  string
	model      string
	maxRetries int
	hc         *http.Client
	logger     *slog.Logger

	// backoffUnit scales the attempt²-shaped retry backoff.
	backoffUnit time.Duration
	readyPoll   time.Duration

	mu           sync.Mutex
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// NewClient creates a client for cfg.URL.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Client{
		url:         cfg.URL,
		modelsURL:   strings.Replace(cfg.URL, "/v1/chat/completions", "/v1/models", 1),
		model:       cfg.Model,
		maxRetries:  cfg.MaxRetries,
		hc:          &http.Client{Timeout: cfg.Timeout},
		logger:      slog.Default().With("component", "inference"),
		backoffUnit: 500 * time.Millisecond,
		readyPoll:   5 * time.Second,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// WaitReady polls the model list endpoint until it answers 2xx or timeout
// passes, and reports whether the endpoint became ready. Callers proceed
// either way; an endpoint still loading fails individual requests instead.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) bool {
	c.logger.Info("Waiting for inference endpoint", "url", c.modelsURL)
	deadline := time.Now().Add(timeout)

	for {
		if c.ready(ctx) {
			c.logger.Info("Inference endpoint ready")
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := c.readyPoll
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}

	c.logger.Warn("Inference endpoint not ready, proceeding anyway", "waited", timeout)
	return false
}

func (c *Client) ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// AnalyzeVideo asks the model to describe the video at videoURL. It returns
// the message content and the raw response body. Server-side failures
// (500/502/503/504) are retried with exponential backoff; other failures
// return immediately.
func (c *Client) AnalyzeVideo(ctx context.Context, videoURL string) (string, []byte, error) {
	payload := map[string]any{
		"model": c.model,
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": analysisPrompt},
					map[string]any{"type": "video_url", "video_url": map[string]string{"url": videoURL}},
				},
			},
		},
		"max_tokens":  1024,
		"temperature": 0.1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * c.backoffUnit
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}

		content, raw, err := c.postChat(ctx, body)
		if err == nil {
			return content, raw, nil
		}
		lastErr = err

		var se *StatusError
		if !errors.As(err, &se) || !retryableStatus(se.Code) {
			return "", nil, err
		}
		c.logger.Warn("Inference request failed, retrying",
			"status", se.Code, "attempt", attempt+1, "retries", c.maxRetries)
	}

	return "", nil, fmt.Errorf("inference request failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) postChat(ctx context.Context, body []byte) (string, []byte, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		c.noteError()
		return "", nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.noteError()
		return "", nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		c.noteError()
		return "", nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		c.noteError()
		return "", nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		c.noteError()
		return "", raw, fmt.Errorf("inference response has no choices")
	}

	return result.Choices[0].Message.Content, raw, nil
}

// Stats returns request counters and the mean latency of completed
// requests.
func (c *Client) Stats() (requests, errors int64, avgLatency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}

func (c *Client) noteError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
