// Package token manages the lifecycle of app-level bearer credentials
// for integration partners: acquisition, validation, refresh, and
// encrypted persistence for restart durability. One token is held per
// partner; the Manager is the sole owner and mutator of that state.
package token

import "time"

// expirySkew is subtracted from the token lifetime so a token is
// treated as expired shortly before the partner would reject it.
const expirySkew = 60 * time.Second

// AuthToken is a bearer credential issued by a partner's token
// endpoint.
type AuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// ValidAt reports whether the token is usable at the given instant:
// now < issuedAt + expiresIn − 60s.
func (t *AuthToken) ValidAt(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	expiry := t.IssuedAt.Add(time.Duration(t.ExpiresIn)*time.Second - expirySkew)
	return now.Before(expiry)
}

// Valid reports whether the token is usable now.
func (t *AuthToken) Valid() bool { return t.ValidAt(time.Now()) }

// AuthorizationValue returns the Authorization header value for the
// token, defaulting the token type to Bearer.
func (t *AuthToken) AuthorizationValue() string {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}
