package token

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/integration-hub/internal/platform/provider"
)

// Exchanger is the uniform token-acquisition contract implemented by
// each authentication family. Adding a partner family adds one
// implementation, not a new branch in shared logic.
type Exchanger interface {
	// Exchange acquires a fresh token. For interactive partners code
	// is the authorization code from the callback; other families
	// ignore it.
	Exchange(ctx context.Context, cfg *provider.Config, code string) (*AuthToken, error)

	// Refresh exchanges a refresh token for a new access token.
	// Families without a refresh grant return an error.
	Refresh(ctx context.Context, cfg *provider.Config, refreshToken string) (*AuthToken, error)
}

// ExchangerFor returns the Exchanger for the partner's auth family.
func ExchangerFor(kind provider.AuthKind, client *http.Client) (Exchanger, error) {
	switch kind {
	case provider.AuthInteractive:
		return &interactiveExchanger{client: client}, nil
	case provider.AuthClientCredentials:
		return &clientCredentialsExchanger{client: client}, nil
	case provider.AuthNone:
		return noneExchanger{}, nil
	default:
		return nil, fmt.Errorf("token: unknown auth kind %q", kind)
	}
}

// NewState produces a cryptographically random state nonce for the
// authorization redirect.
func NewState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AuthorizeURL builds the partner's authorization redirect URL for an
// interactive flow, embedding the state nonce.
func AuthorizeURL(cfg *provider.Config, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", cfg.RedirectURL)
	q.Set("state", state)
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	sep := "?"
	if strings.Contains(cfg.AuthorizeURL, "?") {
		sep = "&"
	}
	return cfg.AuthorizeURL + sep + q.Encode()
}

// ---------------------------------------------------------------------------
// Interactive (authorization-code) family
// ---------------------------------------------------------------------------

type interactiveExchanger struct{ client *http.Client }

func (e *interactiveExchanger) Exchange(ctx context.Context, cfg *provider.Config, code string) (*AuthToken, error) {
	if code == "" {
		return nil, fmt.Errorf("token: authorization code is required for provider %q", cfg.ID)
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", cfg.RedirectURL)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	return postTokenForm(ctx, e.client, cfg.TokenURL, form)
}

func (e *interactiveExchanger) Refresh(ctx context.Context, cfg *provider.Config, refreshToken string) (*AuthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	return postTokenForm(ctx, e.client, cfg.TokenURL, form)
}

// ---------------------------------------------------------------------------
// Client-credentials family
// ---------------------------------------------------------------------------

type clientCredentialsExchanger struct{ client *http.Client }

func (e *clientCredentialsExchanger) Exchange(ctx context.Context, cfg *provider.Config, _ string) (*AuthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	if cfg.AssertionKeyPEM != "" {
		// Partners registered with a signing key authenticate via a
		// signed JWT client assertion (private_key_jwt) instead of a
		// shared secret.
		assertion, err := buildClientAssertion(cfg)
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
		form.Set("client_id", cfg.ClientID)
	} else {
		form.Set("client_id", cfg.ClientID)
		form.Set("client_secret", cfg.ClientSecret)
	}

	return postTokenForm(ctx, e.client, cfg.TokenURL, form)
}

func (e *clientCredentialsExchanger) Refresh(ctx context.Context, cfg *provider.Config, _ string) (*AuthToken, error) {
	// Client-credentials partners issue no refresh tokens; a refresh
	// is simply a fresh exchange.
	return e.Exchange(ctx, cfg, "")
}

// buildClientAssertion signs a short-lived JWT per RFC 7523 with the
// partner's registered RSA key. iss == sub == client_id and aud is the
// token endpoint.
func buildClientAssertion(cfg *provider.Config) (string, error) {
	block, _ := pem.Decode([]byte(cfg.AssertionKeyPEM))
	if block == nil {
		return "", fmt.Errorf("token: provider %q: assertion key is not valid PEM", cfg.ID)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("token: provider %q: parse assertion key: %w", cfg.ID, err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": cfg.ClientID,
		"sub": cfg.ClientID,
		"aud": cfg.TokenURL,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS384, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("token: provider %q: sign client assertion: %w", cfg.ID, err)
	}
	return signed, nil
}

// ---------------------------------------------------------------------------
// Unauthenticated family
// ---------------------------------------------------------------------------

type noneExchanger struct{}

func (noneExchanger) Exchange(context.Context, *provider.Config, string) (*AuthToken, error) {
	return nil, nil
}

func (noneExchanger) Refresh(context.Context, *provider.Config, string) (*AuthToken, error) {
	return nil, fmt.Errorf("token: unauthenticated partners have no refresh grant")
}

// ---------------------------------------------------------------------------
// Token endpoint plumbing
// ---------------------------------------------------------------------------

// tokenResponse tolerates partners that encode expires_in as a JSON
// string rather than a number.
type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    json.Number     `json:"expires_in"`
	Scope        string          `json:"scope"`
	Error        string          `json:"error"`
	ErrorDesc    string          `json:"error_description"`
	Raw          json.RawMessage `json:"-"`
}

func postTokenForm(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (*AuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("token: read response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("token: parse response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		if tr.Error != "" {
			return nil, fmt.Errorf("token: endpoint rejected request (status %d): %s: %s", resp.StatusCode, tr.Error, tr.ErrorDesc)
		}
		return nil, fmt.Errorf("token: endpoint returned status %d", resp.StatusCode)
	}

	expiresIn := 3600
	if tr.ExpiresIn != "" {
		if n, err := tr.ExpiresIn.Int64(); err == nil && n > 0 {
			expiresIn = int(n)
		}
	}

	return &AuthToken{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    expiresIn,
		Scope:        tr.Scope,
		IssuedAt:     time.Now(),
	}, nil
}
