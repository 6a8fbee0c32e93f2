// Package httpx calls outbound HTTP APIs with bounded retries behind a circuit breaker.
//
// It backs the WhatsApp Cloud API sender and the report, artifact and billing collaborators.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 1 << 20

// Config configures a Caller.
type Config struct {
	// Name labels the breaker and log lines.
	Name    string
	Timeout time.Duration

	// MaxAttempts bounds tries per call, counting the first.
	MaxAttempts int
	// BaseBackoff is multiplied by the attempt number between tries.
	BaseBackoff time.Duration

	// Breaker settings. The breaker trips when at least BreakerMinRequests calls were made in
	// BreakerInterval and BreakerRatio of them failed.
	BreakerEnabled     bool
	BreakerMinRequests uint32
	BreakerRatio       float64
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns the settings used for provider and collaborator calls.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		Timeout:            15 * time.Second,
		MaxAttempts:        2,
		BaseBackoff:        300 * time.Millisecond,
		BreakerEnabled:     true,
		BreakerMinRequests: 10,
		BreakerRatio:       0.5,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     30 * time.Second,
	}
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// RetryableStatus reports whether a response code is worth another try.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Option customizes a Caller.
type Option func(*Caller)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Caller) { c.client = client }
}

// Caller performs HTTP requests.
type Caller struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Caller.
func New(cfg Config, opts ...Option) *Caller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	c := &Caller{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.BreakerEnabled {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     cfg.Name,
			Interval: cfg.BreakerInterval,
			Timeout:  cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.BreakerMinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerRatio
			},
			// Non-retryable statuses do not count as breaker failures.
			IsSuccessful: func(err error) bool {
				var statusErr *StatusError
				if errors.As(err, &statusErr) {
					return !RetryableStatus(statusErr.StatusCode)
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// Do sends one request, retrying transport errors and retryable statuses. It returns the
// response body of a 2xx answer.
func (c *Caller) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	if c.breaker == nil {
		return c.doWithRetry(ctx, method, url, headers, body)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(ctx, method, url, headers, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.Transient(c.cfg.Name+" circuit open", err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// PostJSON posts in as JSON and decodes a 2xx answer into out when out is non-nil.
func (c *Caller) PostJSON(ctx context.Context, url string, headers map[string]string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", c.cfg.Name, err)
	}
	all := map[string]string{"Content-Type": "application/json", "Accept": "application/json"}
	for k, v := range headers {
		all[k] = v
	}
	resp, err := c.Do(ctx, http.MethodPost, url, all, raw)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *Caller) doWithRetry(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		resp, retry, err := c.doOnce(ctx, method, url, headers, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxAttempts {
			break
		}
		backoff := time.Duration(attempt) * c.cfg.BaseBackoff
		slog.Debug("Caller retrying after backoff", "name", c.cfg.Name, "attempt", attempt, "backoff", backoff, "error", err)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	var statusErr *StatusError
	if errors.As(lastErr, &statusErr) && !RetryableStatus(statusErr.StatusCode) {
		return nil, fmt.Errorf("%s %s: %w", c.cfg.Name, method, lastErr)
	}
	return nil, apperrors.Transient(c.cfg.Name+" request failed", lastErr)
}

func (c *Caller) doOnce(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Canceled callers are not retried; anything else at transport level is.
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, RetryableStatus(resp.StatusCode), &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
