// Package provider holds per-partner connection configuration and the
// registry that owns all per-partner integration state. The registry is
// constructed once in main and passed by reference to every component
// that needs partner state — there are no package-level singletons.
package provider

import (
	"fmt"
	"time"
)

// AuthKind is the closed set of partner authentication families.
type AuthKind string

const (
	// AuthInteractive partners require an authorization-code flow:
	// the end administrator is redirected through the partner's
	// authorize endpoint before a token can be exchanged.
	AuthInteractive AuthKind = "interactive"

	// AuthClientCredentials partners exchange app-level credentials
	// directly for a token, with no human in the loop.
	AuthClientCredentials AuthKind = "client_credentials"

	// AuthNone partners expose open endpoints with no token at all.
	AuthNone AuthKind = "none"
)

// Valid reports whether k is a known authentication family.
func (k AuthKind) Valid() bool {
	switch k {
	case AuthInteractive, AuthClientCredentials, AuthNone:
		return true
	}
	return false
}

// Config is the connection configuration for one integration partner.
// Loaded at startup, mutated only by administrative update, and
// read-shared by all components afterwards.
type Config struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	AuthKind     AuthKind      `json:"auth_kind"`
	ClientID     string        `json:"client_id,omitempty"`
	ClientSecret string        `json:"client_secret,omitempty"`
	AuthorizeURL string        `json:"authorize_url,omitempty"`
	TokenURL     string        `json:"token_url,omitempty"`
	RedirectURL  string        `json:"redirect_url,omitempty"`
	BaseURL      string        `json:"base_url"`
	Scopes       []string      `json:"scopes,omitempty"`
	WebhookSecret string       `json:"webhook_secret,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	RetryAttempts int          `json:"retry_attempts"`
	RetryDelay   time.Duration `json:"retry_delay"`
	RateLimit    int           `json:"rate_limit"` // requests per minute
	Enabled      bool          `json:"enabled"`

	// AssertionKeyPEM, when set on a client_credentials partner,
	// switches the token exchange to a signed JWT client assertion
	// (private_key_jwt) instead of client_secret_post.
	AssertionKeyPEM string `json:"assertion_key_pem,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// RequiresAuth reports whether outbound calls to this partner must
// carry a bearer token.
func (c *Config) RequiresAuth() bool { return c.AuthKind != AuthNone }

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if !c.AuthKind.Valid() {
		return fmt.Errorf("provider %q: unknown auth kind %q", c.ID, c.AuthKind)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("provider %q: base_url is required", c.ID)
	}
	switch c.AuthKind {
	case AuthInteractive:
		if c.AuthorizeURL == "" || c.TokenURL == "" {
			return fmt.Errorf("provider %q: interactive partners need authorize_url and token_url", c.ID)
		}
		if c.ClientID == "" {
			return fmt.Errorf("provider %q: client_id is required", c.ID)
		}
	case AuthClientCredentials:
		if c.TokenURL == "" {
			return fmt.Errorf("provider %q: client_credentials partners need token_url", c.ID)
		}
		if c.ClientID == "" {
			return fmt.Errorf("provider %q: client_id is required", c.ID)
		}
	}
	return nil
}

// withDefaults fills unset policy fields with conservative defaults.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = time.Second
	}
	if out.RateLimit <= 0 {
		out.RateLimit = 60
	}
	return &out
}
