package token

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/integration-hub/internal/platform/provider"
	"github.com/ehr/integration-hub/pkg/integration"
)

// Manager acquires, validates, and refreshes the app-level bearer
// token for each partner. Refresh is reactive: it runs when the
// request client sees a 401, never on a background poll, so idle
// partners generate no token traffic.
type Manager struct {
	registry  *provider.Registry
	store     Store
	encryptor *Encryptor
	client    *http.Client
	logger    zerolog.Logger

	mu     sync.RWMutex
	tokens map[string]*AuthToken

	// states holds outstanding authorization state nonces so the
	// callback can be validated against the flow that issued it.
	statesMu sync.Mutex
	states   map[string]string // state -> provider id

	// refreshGroup collapses concurrent refreshes for the same
	// partner into a single outstanding upstream call.
	refreshGroup singleflight.Group
}

// NewManager creates a Manager. The encryptor seals tokens before they
// reach the store; the store never sees plaintext credentials.
func NewManager(registry *provider.Registry, store Store, encryptor *Encryptor, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:  registry,
		store:     store,
		encryptor: encryptor,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		tokens:    make(map[string]*AuthToken),
		states:    make(map[string]string),
	}
}

// LoadPersisted restores sealed tokens from the store for every
// registered partner. Blobs that fail to decrypt (for example after a
// key rotation) are dropped and logged rather than blocking startup.
func (m *Manager) LoadPersisted(ctx context.Context) error {
	for _, cfg := range m.registry.All() {
		sealed, err := m.store.Load(ctx, cfg.ID)
		if err != nil {
			return fmt.Errorf("load token for provider %q: %w", cfg.ID, err)
		}
		if sealed == nil {
			continue
		}
		tok, err := m.encryptor.Open(sealed)
		if err != nil {
			m.logger.Warn().Str("provider", cfg.ID).Err(err).Msg("discarding undecryptable stored token")
			_ = m.store.Delete(ctx, cfg.ID)
			continue
		}
		m.mu.Lock()
		m.tokens[cfg.ID] = tok
		m.mu.Unlock()
	}
	return nil
}

// Token returns the cached token for the partner if it is currently
// valid, or nil.
func (m *Manager) Token(providerID string) *AuthToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok := m.tokens[providerID]
	if tok.Valid() {
		return tok
	}
	return nil
}

// Authenticate acquires a token for the partner.
//
// For interactive partners called without a code it does not reach the
// network: it returns AuthorizationRequired carrying the authorization
// redirect URL with a fresh state nonce. With a code, or for
// client-credentials partners, it exchanges directly. Unauthenticated
// partners succeed with no token.
func (m *Manager) Authenticate(ctx context.Context, providerID, code string) (*AuthToken, error) {
	cfg, err := m.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	if cfg.AuthKind == provider.AuthNone {
		return nil, nil
	}

	if cfg.AuthKind == provider.AuthInteractive && code == "" {
		state, err := NewState()
		if err != nil {
			return nil, err
		}
		m.statesMu.Lock()
		m.states[state] = cfg.ID
		m.statesMu.Unlock()
		return nil, &integration.AuthorizationRequired{
			Provider:     cfg.ID,
			AuthorizeURL: AuthorizeURL(cfg, state),
			State:        state,
		}
	}

	ex, err := ExchangerFor(cfg.AuthKind, m.client)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	tok, err := ex.Exchange(ctx, cfg, code)
	if err != nil {
		m.logger.Error().Str("provider", cfg.ID).Err(err).Msg("token exchange failed")
		return nil, &integration.AuthenticationFailed{Provider: cfg.ID, Cause: err}
	}

	m.storeToken(ctx, cfg.ID, tok)
	m.logger.Info().Str("provider", cfg.ID).Int("expires_in", tok.ExpiresIn).Msg("token acquired")
	return tok, nil
}

// ConsumeState validates and retires an authorization state nonce,
// returning the provider id that issued it.
func (m *Manager) ConsumeState(state string) (string, bool) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	providerID, ok := m.states[state]
	if ok {
		delete(m.states, state)
	}
	return providerID, ok
}

// Refresh exchanges the partner's refresh credential for a new token.
// Concurrent callers for the same partner share a single outstanding
// refresh. On upstream rejection the cached and persisted token are
// cleared and AuthenticationFailed is returned — recovery requires a
// fresh authorization flow, so there is no silent retry.
func (m *Manager) Refresh(ctx context.Context, providerID string) (*AuthToken, error) {
	cfg, err := m.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	if cfg.AuthKind == provider.AuthNone {
		return nil, &integration.AuthenticationFailed{
			Provider: cfg.ID,
			Cause:    fmt.Errorf("unauthenticated partner has nothing to refresh"),
		}
	}

	v, err, _ := m.refreshGroup.Do(providerID, func() (interface{}, error) {
		return m.refreshLocked(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuthToken), nil
}

func (m *Manager) refreshLocked(ctx context.Context, cfg *provider.Config) (*AuthToken, error) {
	m.mu.RLock()
	current := m.tokens[cfg.ID]
	m.mu.RUnlock()

	var refreshToken string
	if current != nil {
		refreshToken = current.RefreshToken
	}
	if cfg.AuthKind == provider.AuthInteractive && refreshToken == "" {
		return nil, &integration.AuthenticationFailed{
			Provider: cfg.ID,
			Cause:    fmt.Errorf("no refresh token stored"),
		}
	}

	ex, err := ExchangerFor(cfg.AuthKind, m.client)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	tok, err := ex.Refresh(ctx, cfg, refreshToken)
	if err != nil {
		m.logger.Error().Str("provider", cfg.ID).Err(err).Msg("token refresh rejected, clearing stored token")
		m.clearToken(ctx, cfg.ID)
		return nil, &integration.AuthenticationFailed{Provider: cfg.ID, Cause: err}
	}

	// Some partners rotate the refresh token only on interactive
	// exchange; keep the previous one when the response omits it.
	if tok.RefreshToken == "" && refreshToken != "" {
		tok.RefreshToken = refreshToken
	}

	m.storeToken(ctx, cfg.ID, tok)
	m.logger.Info().Str("provider", cfg.ID).Msg("token refreshed")
	return tok, nil
}

func (m *Manager) storeToken(ctx context.Context, providerID string, tok *AuthToken) {
	m.mu.Lock()
	m.tokens[providerID] = tok
	m.mu.Unlock()

	sealed, err := m.encryptor.Seal(tok)
	if err != nil {
		m.logger.Error().Str("provider", providerID).Err(err).Msg("failed to seal token for persistence")
		return
	}
	if err := m.store.Save(ctx, providerID, sealed); err != nil {
		m.logger.Error().Str("provider", providerID).Err(err).Msg("failed to persist token")
	}
}

func (m *Manager) clearToken(ctx context.Context, providerID string) {
	m.mu.Lock()
	delete(m.tokens, providerID)
	m.mu.Unlock()
	if err := m.store.Delete(ctx, providerID); err != nil {
		m.logger.Error().Str("provider", providerID).Err(err).Msg("failed to delete persisted token")
	}
}
