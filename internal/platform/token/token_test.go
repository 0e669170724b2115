package token

import (
	"testing"
	"time"
)

func TestAuthTokenValidAt(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := &AuthToken{AccessToken: "abc", ExpiresIn: 3600, IssuedAt: issued}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"just issued", issued, true},
		{"mid lifetime", issued.Add(30 * time.Minute), true},
		{"one second before skew boundary", issued.Add(3540*time.Second - time.Second), true},
		{"at skew boundary", issued.Add(3540 * time.Second), false},
		{"after nominal expiry", issued.Add(3601 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tok.ValidAt(tt.at); got != tt.want {
				t.Errorf("ValidAt(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestAuthTokenNilSafe(t *testing.T) {
	var tok *AuthToken
	if tok.Valid() {
		t.Error("nil token must not be valid")
	}
	if (&AuthToken{ExpiresIn: 3600, IssuedAt: time.Now()}).Valid() {
		t.Error("token without an access token must not be valid")
	}
}

func TestAuthorizationValue(t *testing.T) {
	tok := &AuthToken{AccessToken: "abc"}
	if got := tok.AuthorizationValue(); got != "Bearer abc" {
		t.Errorf("AuthorizationValue() = %q, want %q", got, "Bearer abc")
	}

	tok.TokenType = "bearer"
	if got := tok.AuthorizationValue(); got != "bearer abc" {
		t.Errorf("AuthorizationValue() = %q, want %q", got, "bearer abc")
	}
}
