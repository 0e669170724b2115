package integration

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "configuration",
			err:  &ConfigurationError{Provider: "epic", Reason: "disabled"},
			want: `provider "epic": disabled`,
		},
		{
			name: "authorization required",
			err:  &AuthorizationRequired{Provider: "cerner"},
			want: `provider "cerner" requires interactive authorization`,
		},
		{
			name: "rate limited",
			err:  &RateLimited{Provider: "epic", RetryAfter: 30 * time.Second},
			want: "retry after 30s",
		},
		{
			name: "invalid signature",
			err:  &InvalidSignature{Provider: "epic"},
			want: "signature verification failed",
		},
		{
			name: "malformed message",
			err:  &MalformedMessage{Reason: "missing MSH segment"},
			want: "missing MSH segment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); !strings.Contains(got, tt.want) {
				t.Errorf("Error() = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticationFailedUnwrap(t *testing.T) {
	cause := fmt.Errorf("invalid_grant")
	err := fmt.Errorf("calling partner: %w", &AuthenticationFailed{Provider: "epic", Cause: cause})

	var af *AuthenticationFailed
	if !errors.As(err, &af) {
		t.Fatal("expected errors.As to find AuthenticationFailed")
	}
	if af.Provider != "epic" {
		t.Errorf("Provider = %q, want epic", af.Provider)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the wrapped cause")
	}
}

func TestUpstreamErrorUnwrap(t *testing.T) {
	cause := &TransientNetworkError{Provider: "epic", StatusCode: 503}
	err := &UpstreamError{Provider: "epic", StatusCode: 503, Attempts: 3, Cause: cause}

	var tne *TransientNetworkError
	if !errors.As(err, &tne) {
		t.Fatal("expected errors.As to find the wrapped TransientNetworkError")
	}
	if tne.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", tne.StatusCode)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient timeout", &TransientNetworkError{Provider: "epic"}, true},
		{"transient 503", &TransientNetworkError{Provider: "epic", StatusCode: 503}, true},
		{"wrapped transient", fmt.Errorf("attempt: %w", &TransientNetworkError{Provider: "epic"}), true},
		{"auth failure", &AuthenticationFailed{Provider: "epic"}, false},
		{"configuration", &ConfigurationError{Provider: "epic", Reason: "not configured"}, false},
		{"upstream exhausted", &UpstreamError{Provider: "epic", Attempts: 3}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
