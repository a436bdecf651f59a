package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/pulseline/internal/clock"
)

// ErrNoRefreshToken is returned when a token is requested before sign-in
var ErrNoRefreshToken = errors.New("no refresh token")

// refreshTimeout bounds a shared refresh so one slow caller cannot hold the others
const refreshTimeout = 30 * time.Second

// TokenManager hands out access tokens, collapsing concurrent refreshes into a
// single provider call and caching the result until shortly before it expires
type TokenManager struct {
	provider Provider
	clock    clock.Clock
	logger   zerolog.Logger
	group    singleflight.Group

	// Leeway is subtracted from the token's expiry when deciding whether it is still usable
	Leeway time.Duration

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	expiresAt    time.Time
	generation   uint64
	refreshes    int
}

// NewTokenManager creates a manager backed by provider
func NewTokenManager(provider Provider, clk clock.Clock) *TokenManager {
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenManager{
		provider: provider,
		clock:    clk,
		logger:   log.With().Str("component", "token_manager").Logger(),
		Leeway:   30 * time.Second,
	}
}

// SetRefreshToken replaces the credential used for silent refresh and drops any cached access token
func (m *TokenManager) SetRefreshToken(refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshToken = refreshToken
	m.accessToken = ""
	m.expiresAt = time.Time{}
	m.generation++
}

// RefreshToken returns the current refresh token, which may have been rotated by the provider
func (m *TokenManager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshToken
}

// Invalidate drops the cached access token so the next Token call refreshes
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
	m.expiresAt = time.Time{}
}

// Refreshes returns how many provider calls have been made
func (m *TokenManager) Refreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// Token returns a usable access token, refreshing it if needed. Concurrent
// callers share one in-flight refresh.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.accessToken != "" && m.clock.Now().Before(m.expiresAt.Add(-m.Leeway)) {
		token := m.accessToken
		m.mu.Unlock()
		return token, nil
	}
	refreshToken := m.refreshToken
	generation := m.generation
	m.mu.Unlock()

	if refreshToken == "" {
		return "", ErrNoRefreshToken
	}

	ch := m.group.DoChan(fmt.Sprintf("refresh:%d", generation), func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx), refreshToken, generation)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *TokenManager) refresh(ctx context.Context, refreshToken string, generation uint64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	m.mu.Lock()
	m.refreshes++
	m.mu.Unlock()

	m.logger.Debug().Msg("Refreshing access token")

	pair, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Access token refresh failed")
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	expiresAt := m.expiry(pair)

	m.mu.Lock()
	defer m.mu.Unlock()

	// A sign-out or sign-in happened while the request was in flight
	if m.generation != generation {
		return pair.AccessToken, nil
	}

	if pair.RefreshToken != "" {
		m.refreshToken = pair.RefreshToken
	}
	if !expiresAt.IsZero() {
		m.accessToken = pair.AccessToken
		m.expiresAt = expiresAt
	}

	return pair.AccessToken, nil
}

// expiry prefers the JWT exp claim and falls back to expires_in. A zero time means the token is not cached.
func (m *TokenManager) expiry(pair *TokenPair) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(pair.AccessToken, claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if pair.ExpiresIn > 0 {
		return m.clock.Now().Add(time.Duration(pair.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

// Subject returns the sub claim of an access token without verifying it
func Subject(accessToken string) string {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	return claims.Subject
}
