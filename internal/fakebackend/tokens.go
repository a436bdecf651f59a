package fakebackend

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pulseline/internal/auth"
)

// tokenService issues HS256 access tokens and single-use refresh tokens
type tokenService struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time

	mu      sync.Mutex
	refresh map[string]string // refresh token -> user id
	issued  int
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

func newTokenService(secret string, accessTTL time.Duration, now func() time.Time) *tokenService {
	return &tokenService{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       now,
		refresh:   make(map[string]string),
	}
}

// newRefreshToken registers a refresh token for userID
func (ts *tokenService) newRefreshToken(userID string) string {
	rt := uuid.NewString()
	ts.mu.Lock()
	ts.refresh[rt] = userID
	ts.mu.Unlock()
	return rt
}

// rotate consumes a refresh token and returns its user
func (ts *tokenService) rotate(rt string) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	userID, ok := ts.refresh[rt]
	if ok {
		delete(ts.refresh, rt)
	}
	return userID, ok
}

func (ts *tokenService) revokeAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.refresh = make(map[string]string)
}

// issue creates a token pair for userID
func (ts *tokenService) issue(userID string) (*auth.TokenPair, error) {
	now := ts.now()
	claims := &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "pulseline-fake",
			Subject:   userID,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign JWT: %w", err)
	}

	ts.mu.Lock()
	ts.issued++
	ts.mu.Unlock()

	return &auth.TokenPair{
		AccessToken:  signed,
		RefreshToken: ts.newRefreshToken(userID),
		ExpiresIn:    int(ts.accessTTL / time.Second),
		TokenType:    "Bearer",
	}, nil
}

// validate checks signature and expiry and returns the subject
func (ts *tokenService) validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secret, nil
	}, jwt.WithTimeFunc(ts.now))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Subject, nil
}

func (ts *tokenService) issuedCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.issued
}
