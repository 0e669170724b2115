// Package upstream implements the resilient outbound request client
// for partner clinical systems. Every call passes the local rate-limit
// gate, carries the partner's bearer token, and is retried under the
// partner's configured policy before an error surfaces.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/integration-hub/internal/platform/provider"
	"github.com/ehr/integration-hub/internal/platform/ratelimit"
	"github.com/ehr/integration-hub/internal/platform/token"
	"github.com/ehr/integration-hub/pkg/integration"
)

// Attempt describes one outbound request attempt, success or failure,
// for the observability collaborator.
type Attempt struct {
	RequestID string
	Provider  string
	Method    string
	Endpoint  string
	Status    int
	Latency   time.Duration
	Outcome   string // "success", "retry", "rate_limited", "auth_failed", "failed"
	Err       error
}

// AttemptRecorder receives every attempt record. Implementations must
// be safe for concurrent use and must not block.
type AttemptRecorder interface {
	Record(ctx context.Context, a Attempt)
}

// Response is the successful result of a partner call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client issues authenticated, rate-limited, retried requests to
// partner endpoints.
type Client struct {
	registry *provider.Registry
	tokens   *token.Manager
	limiter  *ratelimit.Limiter
	http     *http.Client
	logger   zerolog.Logger
	recorder AttemptRecorder

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport used for partner calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAttemptRecorder registers an additional sink for attempt
// records; zerolog logging happens regardless.
func WithAttemptRecorder(r AttemptRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient creates a Client.
func NewClient(registry *provider.Registry, tokens *token.Manager, limiter *ratelimit.Limiter, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		registry: registry,
		tokens:   tokens,
		limiter:  limiter,
		http:     &http.Client{},
		logger:   logger,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do issues method path against the partner's base endpoint.
//
// Order of gates: the rate limiter is consulted first and a trip is
// final for this call (no retry, no network traffic). A partner that
// requires auth but has no valid cached token fails fast rather than
// issuing a doomed call. A 401 triggers exactly one refresh-and-retry;
// timeouts and 5xx responses are retried under the partner's policy
// and exhaustion surfaces the last failure as UpstreamError.
func (c *Client) Do(ctx context.Context, providerID, method, path string, body []byte) (*Response, error) {
	cfg, err := c.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	endpoint := joinURL(cfg.BaseURL, path)

	if !c.limiter.TryConsume(cfg.ID, cfg.RateLimit) {
		retryAfter := time.Until(c.limiter.ResetAt(cfg.ID))
		c.record(ctx, Attempt{
			RequestID: requestID, Provider: cfg.ID, Method: method,
			Endpoint: endpoint, Outcome: "rate_limited",
		})
		return nil, &integration.RateLimited{Provider: cfg.ID, RetryAfter: retryAfter}
	}

	tok := c.tokens.Token(cfg.ID)
	if cfg.RequiresAuth() && tok == nil {
		c.record(ctx, Attempt{
			RequestID: requestID, Provider: cfg.ID, Method: method,
			Endpoint: endpoint, Outcome: "auth_failed",
		})
		return nil, &integration.AuthenticationFailed{
			Provider: cfg.ID,
			Cause:    fmt.Errorf("no valid cached token"),
		}
	}

	refreshed := false
	attempts := 0
	var lastErr error

	for attempts < cfg.RetryAttempts {
		attempts++

		resp, err := c.attempt(ctx, cfg, requestID, method, endpoint, body, tok)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// One refresh-and-retry on 401; a second 401 propagates.
		var authErr *integration.AuthenticationFailed
		if errors.As(err, &authErr) {
			if refreshed || !cfg.RequiresAuth() {
				return nil, err
			}
			refreshed = true
			newTok, refreshErr := c.tokens.Refresh(ctx, cfg.ID)
			if refreshErr != nil {
				return nil, refreshErr
			}
			tok = newTok
			attempts-- // the refreshed retry does not consume a policy attempt
			continue
		}

		if !integration.IsRetryable(err) {
			return nil, err
		}
		if attempts >= cfg.RetryAttempts {
			break
		}
		if err := c.sleep(ctx, cfg.RetryDelay); err != nil {
			break
		}
	}

	var tne *integration.TransientNetworkError
	status := 0
	if errors.As(lastErr, &tne) {
		status = tne.StatusCode
	}
	return nil, &integration.UpstreamError{
		Provider:   cfg.ID,
		StatusCode: status,
		Attempts:   attempts,
		Cause:      lastErr,
	}
}

// attempt issues a single request under the partner timeout and
// classifies the outcome.
func (c *Client) attempt(ctx context.Context, cfg *provider.Config, requestID, method, endpoint string, body []byte, tok *token.AuthToken) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("X-Request-ID", requestID)
	if tok != nil {
		req.Header.Set("Authorization", tok.AuthorizationValue())
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)

	if err != nil {
		// Timeouts and transport failures are transient.
		c.record(ctx, Attempt{
			RequestID: requestID, Provider: cfg.ID, Method: method,
			Endpoint: endpoint, Latency: latency, Outcome: "retry", Err: err,
		})
		return nil, &integration.TransientNetworkError{Provider: cfg.ID, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		c.record(ctx, Attempt{
			RequestID: requestID, Provider: cfg.ID, Method: method,
			Endpoint: endpoint, Status: resp.StatusCode, Latency: latency, Outcome: "retry", Err: err,
		})
		return nil, &integration.TransientNetworkError{Provider: cfg.ID, Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.record(ctx, Attempt{
			RequestID: requestID, Provider: cfg.ID, Method: method,
			Endpoint: endpoint, Status: resp.StatusCode, Latency: latency, Outcome: "auth_failed",
		})
		return nil, &integration.AuthenticationFailed{
			Provider: cfg.ID,
			Cause:    fmt.Errorf("upstream returned 401"),
		}
	case resp.StatusCode >= 500:
		c.record(ctx, Attempt{
			RequestID: requestID, Provider: cfg.ID, Method: method,
			Endpoint: endpoint, Status: resp.StatusCode, Latency: latency, Outcome: "retry",
		})
		return nil, &integration.TransientNetworkError{Provider: cfg.ID, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		c.record(ctx, Attempt{
			RequestID: requestID, Provider: cfg.ID, Method: method,
			Endpoint: endpoint, Status: resp.StatusCode, Latency: latency, Outcome: "failed",
		})
		return nil, &integration.UpstreamError{
			Provider:   cfg.ID,
			StatusCode: resp.StatusCode,
			Attempts:   1,
			Cause:      fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(respBody, 512)),
		}
	}

	c.record(ctx, Attempt{
		RequestID: requestID, Provider: cfg.ID, Method: method,
		Endpoint: endpoint, Status: resp.StatusCode, Latency: latency, Outcome: "success",
	})
	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// record logs the attempt and forwards it to the registered recorder.
func (c *Client) record(ctx context.Context, a Attempt) {
	evt := c.logger.Info()
	if a.Outcome != "success" {
		evt = c.logger.Warn()
	}
	evt.
		Str("request_id", a.RequestID).
		Str("provider", a.Provider).
		Str("method", a.Method).
		Str("endpoint", a.Endpoint).
		Int("status", a.Status).
		Dur("latency", a.Latency).
		Str("outcome", a.Outcome)
	if a.Err != nil {
		evt = evt.Err(a.Err)
	}
	evt.Msg("upstream attempt")

	if c.recorder != nil {
		c.recorder.Record(ctx, a)
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
