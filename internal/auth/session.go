package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNotAuthenticated is returned by Session.Token while signed out
var ErrNotAuthenticated = errors.New("not authenticated")

// State is a snapshot of the signed-in status
type State struct {
	Authenticated bool
	Loading       bool
	UserID        string
}

// Key identifies the state for de-duplicating auto-loads. It ignores UserID.
func (s State) Key() string {
	return fmt.Sprintf("auth:%t:%t", s.Authenticated, s.Loading)
}

// Session tracks whether a user is signed in and supplies tokens for that user
type Session struct {
	tokens *TokenManager

	mu         sync.Mutex
	state      State
	subs       map[int]func(State)
	nextID     int
	pending    []State
	delivering bool
}

// NewSession creates a signed-out session
func NewSession(tokens *TokenManager) *Session {
	return &Session{
		tokens: tokens,
		subs:   make(map[int]func(State)),
	}
}

// State returns the current auth state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every state change and returns a function that removes it
func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Begin signs in with a refresh token. The session reports Loading while the
// first silent refresh validates the credential.
func (s *Session) Begin(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		s.setState(State{})
		return ErrNoRefreshToken
	}

	s.setState(State{Loading: true})
	s.tokens.SetRefreshToken(refreshToken)

	token, err := s.tokens.Token(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Sign-in failed")
		s.tokens.SetRefreshToken("")
		s.setState(State{})
		return fmt.Errorf("sign in: %w", err)
	}

	userID := Subject(token)
	log.Info().Str("user_id", userID).Msg("Signed in")
	s.setState(State{Authenticated: true, UserID: userID})
	return nil
}

// Logout signs out and drops every cached credential
func (s *Session) Logout() {
	s.tokens.SetRefreshToken("")
	s.setState(State{})
}

// Token returns an access token for the signed-in user
func (s *Session) Token(ctx context.Context) (string, error) {
	if !s.State().Authenticated {
		return "", ErrNotAuthenticated
	}
	return s.tokens.Token(ctx)
}

// Invalidate drops the cached access token so the next Token call refreshes
func (s *Session) Invalidate() {
	s.tokens.Invalidate()
}

// Tokens exposes the underlying token manager
func (s *Session) Tokens() *TokenManager { return s.tokens }

// setState queues next for the subscribers. Whichever caller finds no
// delivery running drains the queue, so subscribers see transitions in the
// order they were made and a subscriber may itself change the state.
func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return
	}
	s.state = next
	s.pending = append(s.pending, next)
	if s.delivering {
		return
	}

	s.delivering = true
	for len(s.pending) > 0 {
		st := s.pending[0]
		s.pending = s.pending[1:]
		subs := make([]func(State), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}

		s.mu.Unlock()
		for _, fn := range subs {
			fn(st)
		}
		s.mu.Lock()
	}
	s.delivering = false
}
