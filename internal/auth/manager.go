// Package auth owns the single Spotify token the bridge acts with: it decides
// when to reuse or refresh it, performs the grants, and keeps the secret
// store in step with every change.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/justestif/go-spotify-recently-played/internal/secrets"
)

// Skew is the margin before provider-side expiry at which a token is treated as expired.
const Skew = 60 * time.Second

var (
	// ErrNoRefreshToken is returned when there is no refresh token to use.
	// Only a new authorization-code login recovers from it.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed is returned when the refresh-token grant fails.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrAuthorizationFailed is returned when the authorization-code grant fails.
	ErrAuthorizationFailed = errors.New("authorization failed")
)

// State is the lifecycle state of the managed token.
type State string

// Token states.
const (
	StateNoToken        State = "no_token"
	StateValid          State = "valid"
	StateExpired        State = "expired"
	StateNoRefreshToken State = "no_refresh_token"
)

// TokenExchanger builds consent URLs and performs the two token-endpoint grants.
// OAuthClient is the production implementation.
type TokenExchanger interface {
	AuthCodeURL(creds Credentials, state string) string
	ExchangeCode(ctx context.Context, creds Credentials, code string) (*TokenResponse, error)
	Refresh(ctx context.Context, creds Credentials, refreshToken string) (*TokenResponse, error)
}

// Locker serializes refreshes across processes sharing one secret store.
type Locker interface {
	WithLock(ctx context.Context, fn func(context.Context) error) error
}

// Status is a read-only snapshot of the manager, safe to expose.
type Status struct {
	State           State     `json:"state"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`
	HasRefreshToken bool      `json:"has_refresh_token"`
}

// tokenState is the in-memory token. A non-empty accessToken always has a non-zero expiresAt.
type tokenState struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// Manager guarantees callers a currently valid access token.
//
// Refreshes are collapsed with singleflight so concurrent callers share one
// exchange; every mutation and its write to the store happen under writeMu.
type Manager struct {
	store  secrets.Store
	oauth  TokenExchanger
	locker Locker
	logger *log.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state tokenState
	// rejected is set when the provider refused the refresh token. Refreshing
	// stays blocked until CompleteAuthorizationCode succeeds.
	rejected bool
	// unpersisted is set while memory holds a refresh token the store never
	// received. That token wins over the store's until a write succeeds.
	unpersisted bool

	writeMu sync.Mutex
	group   singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker makes refreshes run under a cross-process lock.
func WithLocker(l Locker) Option {
	return func(m *Manager) {
		m.locker = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now (used by tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager with empty token state.
func NewManager(store secrets.Store, oauth TokenExchanger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		oauth:  oauth,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "auth")
	return m
}

// Init loads the persisted record. A persisted access token that is still
// fresh is adopted as is; otherwise one refresh is attempted.
//
// Only a secret store failure is returned: without a refresh token, or when
// the refresh fails, the bridge still starts and waits for a new login.
func (m *Manager) Init(ctx context.Context) error {
	sec, err := m.store.Get(ctx)
	if err != nil {
		return err
	}
	if err := sec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.state.refreshToken = sec.RefreshToken
	if sec.AccessToken != "" && !sec.TokenExpiry.IsZero() {
		m.state.accessToken = sec.AccessToken
		m.state.expiresAt = sec.TokenExpiry
	}
	m.mu.Unlock()

	if _, ok := m.current(); ok {
		m.logger.Info("persisted access token is still valid", "expires_at", sec.TokenExpiry)
		return nil
	}

	if sec.RefreshToken == "" {
		m.logger.Warn("no refresh token stored; visit /login to authorize")
		return nil
	}

	if _, err := m.refresh(ctx, false); err != nil {
		m.logger.Warn("startup refresh failed", "err", err)
	}
	return nil
}

// EnsureValidAccessToken returns the cached access token, refreshing it first
// when it is missing or inside the skew window.
func (m *Manager) EnsureValidAccessToken(ctx context.Context) (string, error) {
	if tok, ok := m.current(); ok {
		return tok, nil
	}
	return m.refresh(ctx, false)
}

// RefreshNow exchanges the refresh token for a new access token regardless of
// the current token's age.
func (m *Manager) RefreshNow(ctx context.Context) error {
	_, err := m.refresh(ctx, true)
	return err
}

// HandleUnauthorizedResponse is called after the resource API rejected the
// current token. It forces exactly one refresh and returns the new token.
// The caller retries its request once with it and must not call again for
// the same request.
func (m *Manager) HandleUnauthorizedResponse(ctx context.Context) (string, error) {
	m.logger.Info("resource API rejected access token; forcing refresh")
	return m.refresh(ctx, true)
}

// CompleteAuthorizationCode exchanges a one-time code for a fresh token pair.
// The record is persisted before the in-memory state changes, so a failure
// leaves the current token untouched.
func (m *Manager) CompleteAuthorizationCode(ctx context.Context, code string) error {
	if code == "" {
		return fmt.Errorf("%w: empty authorization code", ErrAuthorizationFailed)
	}

	sec, err := m.loadSecrets(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorizationFailed, err)
	}

	resp, err := m.oauth.ExchangeCode(ctx, credentialsOf(sec), code)
	if err != nil {
		m.logger.Error("authorization code exchange failed", "err", err)
		return fmt.Errorf("%w: %w", ErrAuthorizationFailed, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = m.refreshTokenOr(sec.RefreshToken)
	}
	next := tokenState{
		accessToken:  resp.AccessToken,
		refreshToken: refreshToken,
		expiresAt:    m.now().Add(resp.ExpiresIn),
	}

	if err := m.persist(ctx, sec, next); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorizationFailed, err)
	}

	m.mu.Lock()
	m.state = next
	m.rejected = false
	m.unpersisted = false
	m.mu.Unlock()

	m.logger.Info("authorization completed", "expires_at", next.expiresAt)
	return nil
}

// AuthURL returns the provider consent URL for the given state value.
func (m *Manager) AuthURL(ctx context.Context, state string) (string, error) {
	sec, err := m.loadSecrets(ctx)
	if err != nil {
		return "", err
	}

	return m.oauth.AuthCodeURL(credentialsOf(sec), state), nil
}

// Status returns a snapshot of the token state without any token values.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		ExpiresAt:       m.state.expiresAt,
		HasRefreshToken: m.state.refreshToken != "",
	}
	switch {
	case m.rejected:
		st.State = StateNoRefreshToken
	case m.state.accessToken == "":
		st.State = StateNoToken
	case m.expired(m.now()):
		st.State = StateExpired
	default:
		st.State = StateValid
	}
	return st
}

// current returns the access token if it is outside the skew window.
func (m *Manager) current() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.expired(m.now()) {
		return "", false
	}
	return m.state.accessToken, true
}

// expired reports whether the token is absent or within Skew of expiry.
// Callers hold mu.
func (m *Manager) expired(now time.Time) bool {
	if m.state.accessToken == "" || m.state.expiresAt.IsZero() {
		return true
	}
	return !now.Before(m.state.expiresAt.Add(-Skew))
}

// refresh runs at most one refresh per process at a time; concurrent callers
// share its result. Unforced callers first re-check the token, because a
// refresh may have completed between their check and joining.
func (m *Manager) refresh(ctx context.Context, force bool) (string, error) {
	// The shared flight must not die with the request that happened to start it.
	flightCtx := context.WithoutCancel(ctx)

	ch := m.group.DoChan("refresh", func() (any, error) {
		if !force {
			if tok, ok := m.current(); ok {
				return tok, nil
			}
		}
		if m.locker == nil {
			return m.refreshOnce(flightCtx, false)
		}

		var tok string
		err := m.locker.WithLock(flightCtx, func(ctx context.Context) error {
			var err error
			tok, err = m.refreshOnce(ctx, true)
			return err
		})
		return tok, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ctx.Err())
	}
}

// refreshOnce performs the refresh-token grant and persists the result.
// With shared set, the store is authoritative: another instance may already
// have rotated the tokens while this one waited for the lock.
func (m *Manager) refreshOnce(ctx context.Context, shared bool) (string, error) {
	sec, err := m.loadSecrets(ctx)
	if err != nil {
		return "", err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	rejected := m.rejected
	prev := m.state
	unpersisted := m.unpersisted
	m.mu.RUnlock()

	if unpersisted {
		if err := m.persist(ctx, sec, prev); err != nil {
			m.logger.Error("re-persisting refresh token failed", "err", err)
		} else {
			m.setUnpersisted(false)
			m.logger.Info("persisted refresh token held in memory")
		}
	}

	if shared && !rejected && !unpersisted && sec.AccessToken != "" && sec.AccessToken != prev.accessToken &&
		m.now().Before(sec.TokenExpiry.Add(-Skew)) {
		m.mu.Lock()
		m.state = tokenState{accessToken: sec.AccessToken, refreshToken: sec.RefreshToken, expiresAt: sec.TokenExpiry}
		m.mu.Unlock()
		m.logger.Info("adopted token refreshed by another instance", "expires_at", sec.TokenExpiry)
		return sec.AccessToken, nil
	}

	refreshToken := prev.refreshToken
	if (shared && !unpersisted) || refreshToken == "" {
		refreshToken = sec.RefreshToken
	}
	if rejected || refreshToken == "" {
		return "", ErrNoRefreshToken
	}

	resp, err := m.oauth.Refresh(ctx, credentialsOf(sec), refreshToken)
	if err != nil {
		rejectedNow := errors.Is(err, ErrGrantRejected)

		m.mu.Lock()
		m.state = tokenState{}
		if rejectedNow {
			m.rejected = true
			m.unpersisted = false
		} else if m.unpersisted {
			// The store cannot recover this token; keep it for the retry.
			m.state.refreshToken = refreshToken
		}
		m.mu.Unlock()

		m.logger.Error("token refresh failed", "err", err, "rejected", rejectedNow)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	next := tokenState{
		accessToken:  resp.AccessToken,
		refreshToken: refreshToken,
		expiresAt:    m.now().Add(resp.ExpiresIn),
	}
	if resp.RefreshToken != "" {
		next.refreshToken = resp.RefreshToken
	}

	m.mu.Lock()
	m.state = next
	m.mu.Unlock()

	// The new token is already usable; a failed write is retried before the next refresh.
	if err := m.persist(ctx, sec, next); err != nil {
		m.setUnpersisted(next.refreshToken != sec.RefreshToken)
		m.logger.Error("persisting refreshed token failed", "err", err, "rotated", resp.RefreshToken != "")
	} else {
		m.setUnpersisted(false)
	}

	m.logger.Info("access token refreshed", "expires_at", next.expiresAt, "rotated", resp.RefreshToken != "")
	return next.accessToken, nil
}

// persist writes the token fields of st into a copy of sec.
func (m *Manager) persist(ctx context.Context, sec *secrets.Secrets, st tokenState) error {
	rec := sec.Clone()
	rec.RefreshToken = st.refreshToken
	rec.AccessToken = st.accessToken
	rec.TokenExpiry = st.expiresAt.UTC()
	return m.store.Put(ctx, rec)
}

func (m *Manager) setUnpersisted(v bool) {
	m.mu.Lock()
	m.unpersisted = v
	m.mu.Unlock()
}

func (m *Manager) loadSecrets(ctx context.Context) (*secrets.Secrets, error) {
	sec, err := m.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := sec.Validate(); err != nil {
		return nil, err
	}
	return sec, nil
}

func (m *Manager) refreshTokenOr(fallback string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.refreshToken != "" {
		return m.state.refreshToken
	}
	return fallback
}

func credentialsOf(sec *secrets.Secrets) Credentials {
	return Credentials{ClientID: sec.ClientID, ClientSecret: sec.ClientSecret}
}
