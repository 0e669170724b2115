// Package integration defines the error taxonomy shared between the
// external-system integration layer and the REST layer that invokes it.
// The REST layer maps these onto HTTP status codes; the integration
// layer never writes HTTP responses for upstream failures itself.
package integration

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError indicates the partner is unknown or disabled.
// Never retried.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("integration: provider %q: %s", e.Provider, e.Reason)
}

// AuthorizationRequired indicates an interactive OAuth partner has no
// usable credential and the caller must redirect the user through the
// partner's authorization endpoint.
type AuthorizationRequired struct {
	Provider     string
	AuthorizeURL string
	State        string
}

func (e *AuthorizationRequired) Error() string {
	return fmt.Sprintf("integration: provider %q requires interactive authorization", e.Provider)
}

// AuthenticationFailed indicates a token exchange or refresh was
// rejected by the partner, or no valid credential exists for a partner
// that requires one. Recovery requires a fresh authorization flow.
type AuthenticationFailed struct {
	Provider string
	Cause    error
}

func (e *AuthenticationFailed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("integration: provider %q: authentication failed: %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("integration: provider %q: authentication failed", e.Provider)
}

func (e *AuthenticationFailed) Unwrap() error { return e.Cause }

// RateLimited indicates the local per-partner throttle tripped. The
// request was not issued; callers decide whether to back off.
type RateLimited struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("integration: provider %q: rate limit exceeded, retry after %s", e.Provider, e.RetryAfter)
}

// TransientNetworkError wraps a timeout or 5xx response. It is retried
// locally by the request client and never escapes it; retry exhaustion
// surfaces an UpstreamError instead.
type TransientNetworkError struct {
	Provider   string
	StatusCode int // 0 for transport-level failures
	Cause      error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("integration: provider %q: upstream returned %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("integration: provider %q: %v", e.Provider, e.Cause)
}

func (e *TransientNetworkError) Unwrap() error { return e.Cause }

// UpstreamError indicates the partner call failed after the configured
// retries were exhausted.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Attempts   int
	Cause      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("integration: provider %q: upstream call failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// InvalidSignature indicates an inbound webhook payload failed
// signature verification and must not be processed.
type InvalidSignature struct {
	Provider string
}

func (e *InvalidSignature) Error() string {
	return fmt.Sprintf("integration: provider %q: webhook signature verification failed", e.Provider)
}

// MalformedMessage indicates a legacy clinical message could not be
// structurally decoded.
type MalformedMessage struct {
	Reason string
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("integration: malformed message: %s", e.Reason)
}

// IsRetryable reports whether err represents a transient failure that
// the request client may retry under the partner's retry policy.
func IsRetryable(err error) bool {
	var tne *TransientNetworkError
	return errors.As(err, &tne)
}
