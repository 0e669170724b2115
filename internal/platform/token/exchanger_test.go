package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ehr/integration-hub/internal/platform/provider"
)

func interactiveCfg(tokenURL string) *provider.Config {
	return &provider.Config{
		ID:           "epic",
		AuthKind:     provider.AuthInteractive,
		ClientID:     "app-client",
		ClientSecret: "app-secret",
		AuthorizeURL: "https://epic.example.com/oauth/authorize",
		TokenURL:     tokenURL,
		RedirectURL:  "https://hub.example.com/callback",
		Scopes:       []string{"patient/Patient.read", "patient/Observation.read"},
		Timeout:      5 * time.Second,
	}
}

func TestAuthorizeURL(t *testing.T) {
	cfg := interactiveCfg("https://epic.example.com/oauth/token")
	raw := AuthorizeURL(cfg, "state-123")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q, want code", q.Get("response_type"))
	}
	if q.Get("client_id") != "app-client" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != cfg.RedirectURL {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("state") != "state-123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if got := q.Get("scope"); got != "patient/Patient.read patient/Observation.read" {
		t.Errorf("scope = %q", got)
	}
}

func TestInteractiveExchange(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","refresh_token":"ref-1","token_type":"Bearer","expires_in":1800,"scope":"patient/Patient.read"}`))
	}))
	defer srv.Close()

	ex := &interactiveExchanger{client: srv.Client()}
	tok, err := ex.Exchange(context.Background(), interactiveCfg(srv.URL), "auth-code-9")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	if gotForm.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("code") != "auth-code-9" {
		t.Errorf("code = %q", gotForm.Get("code"))
	}
	if tok.AccessToken != "tok-1" || tok.RefreshToken != "ref-1" {
		t.Errorf("unexpected token: %+v", tok)
	}
	if tok.ExpiresIn != 1800 {
		t.Errorf("ExpiresIn = %d, want 1800", tok.ExpiresIn)
	}
	if tok.IssuedAt.IsZero() {
		t.Error("IssuedAt must be stamped")
	}
}

func TestInteractiveExchangeRequiresCode(t *testing.T) {
	ex := &interactiveExchanger{client: http.DefaultClient}
	if _, err := ex.Exchange(context.Background(), interactiveCfg("https://unused.example.com"), ""); err == nil {
		t.Fatal("expected error without an authorization code")
	}
}

func TestInteractiveRefreshGrant(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-2","token_type":"Bearer","expires_in":1800}`))
	}))
	defer srv.Close()

	ex := &interactiveExchanger{client: srv.Client()}
	if _, err := ex.Refresh(context.Background(), interactiveCfg(srv.URL), "ref-1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gotForm.Get("grant_type") != "refresh_token" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("refresh_token") != "ref-1" {
		t.Errorf("refresh_token = %q", gotForm.Get("refresh_token"))
	}
}

func TestClientCredentialsExchange(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-3","token_type":"Bearer","expires_in":"570"}`))
	}))
	defer srv.Close()

	cfg := &provider.Config{
		ID:           "cerner",
		AuthKind:     provider.AuthClientCredentials,
		ClientID:     "svc-client",
		ClientSecret: "svc-secret",
		TokenURL:     srv.URL,
		Scopes:       []string{"system/Patient.read"},
	}

	ex := &clientCredentialsExchanger{client: srv.Client()}
	tok, err := ex.Exchange(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	if gotForm.Get("grant_type") != "client_credentials" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("client_secret") != "svc-secret" {
		t.Errorf("client_secret = %q", gotForm.Get("client_secret"))
	}
	if gotForm.Get("scope") != "system/Patient.read" {
		t.Errorf("scope = %q", gotForm.Get("scope"))
	}
	// Partners that encode expires_in as a string still parse.
	if tok.ExpiresIn != 570 {
		t.Errorf("ExpiresIn = %d, want 570", tok.ExpiresIn)
	}
}

func TestExchangeSurfacesOAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_client","error_description":"client secret mismatch"}`))
	}))
	defer srv.Close()

	cfg := &provider.Config{
		ID:           "cerner",
		AuthKind:     provider.AuthClientCredentials,
		ClientID:     "svc-client",
		ClientSecret: "wrong",
		TokenURL:     srv.URL,
	}

	ex := &clientCredentialsExchanger{client: srv.Client()}
	_, err := ex.Exchange(context.Background(), cfg, "")
	if err == nil {
		t.Fatal("expected error from rejected exchange")
	}
	if !strings.Contains(err.Error(), "invalid_client") {
		t.Errorf("error %q must carry the OAuth error code", err)
	}
}

func TestDefaultExpiresIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-4","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	tok, err := postTokenForm(context.Background(), srv.Client(), srv.URL, url.Values{})
	if err != nil {
		t.Fatalf("postTokenForm: %v", err)
	}
	if tok.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want default 3600", tok.ExpiresIn)
	}
}

func TestNoneExchanger(t *testing.T) {
	ex, err := ExchangerFor(provider.AuthNone, http.DefaultClient)
	if err != nil {
		t.Fatalf("ExchangerFor: %v", err)
	}
	tok, err := ex.Exchange(context.Background(), &provider.Config{ID: "open"}, "")
	if err != nil || tok != nil {
		t.Errorf("Exchange = (%v, %v), want (nil, nil)", tok, err)
	}
	if _, err := ex.Refresh(context.Background(), &provider.Config{ID: "open"}, ""); err == nil {
		t.Error("Refresh must fail for unauthenticated partners")
	}
}

func TestExchangerForUnknownKind(t *testing.T) {
	if _, err := ExchangerFor(provider.AuthKind("saml"), http.DefaultClient); err == nil {
		t.Fatal("expected error for unknown auth kind")
	}
}

func TestNewStateUnique(t *testing.T) {
	a, err := NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	b, err := NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("state length = %d, want 32 hex chars", len(a))
	}
	if a == b {
		t.Error("consecutive states must differ")
	}
}
