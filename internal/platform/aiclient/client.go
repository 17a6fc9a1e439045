// Package aiclient is the HTTP client for the external AI extraction
// service. Requests are throttled client-side and retried with backoff on
// transient failures (network errors, 429, 5xx).
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clinic/chartmerge/internal/platform/metrics"
	"github.com/clinic/chartmerge/internal/platform/retry"
)

// ErrServiceUnavailable is returned when the service could not be reached
// or kept failing transiently after every retry.
var ErrServiceUnavailable = errors.New("aiclient: extraction service unavailable")

// StatusError is a non-retryable error response from the service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("aiclient: service returned status %d: %s", e.StatusCode, e.Body)
}

// Config holds client settings.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RequestsPerSecond float64
}

// Client calls POST {BaseURL}/extract.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewClient creates a client. A non-positive RequestsPerSecond disables
// throttling.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With().Str("component", "aiclient").Logger(),
	}
}

type extractRequest struct {
	Model          string          `json:"model,omitempty"`
	System         string          `json:"system"`
	Input          string          `json:"input"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
}

type extractResponse struct {
	Output json.RawMessage `json:"output"`
}

// Extract sends text with a system instruction and a JSON schema the reply
// must follow, and returns the model output verbatim. The output is not
// validated here.
func (c *Client) Extract(ctx context.Context, instruction, text string, schema []byte) (string, error) {
	payload, err := json.Marshal(extractRequest{
		Model:          c.cfg.Model,
		System:         instruction,
		Input:          text,
		ResponseSchema: schema,
	})
	if err != nil {
		return "", fmt.Errorf("aiclient: marshal request: %w", err)
	}

	var output string
	err = retry.WithBackoff(ctx, c.cfg.MaxAttempts, c.cfg.RetryBaseDelay, func(attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		out, err := c.do(ctx, payload)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("AI extraction call failed")
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		var se *StatusError
		switch {
		case errors.As(err, &se):
			metrics.RecordAIRequest("rejected")
			return "", err
		case ctx.Err() != nil:
			metrics.RecordAIRequest("cancelled")
			return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, ctx.Err())
		default:
			metrics.RecordAIRequest("unavailable")
			return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
	}
	metrics.RecordAIRequest("ok")
	return output, nil
}

func (c *Client) do(ctx context.Context, payload []byte) (string, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/extract"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("aiclient: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("transient status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", retry.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)})
	}

	var out extractResponse
	if err := json.Unmarshal(body, &out); err != nil {
		// Not the envelope, hand the raw body to the caller's parser.
		return string(body), nil
	}
	if len(out.Output) == 0 {
		return string(body), nil
	}
	var s string
	if err := json.Unmarshal(out.Output, &s); err == nil {
		return s, nil
	}
	return string(out.Output), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
