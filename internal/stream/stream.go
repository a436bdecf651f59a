// Package stream keeps a server-sent-events connection alive for as long as it
// is enabled and a user is signed in, reconnecting with backoff.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/internal/auth"
	"github.com/pulseline/internal/clock"
	"github.com/pulseline/internal/retry"
	"github.com/pulseline/internal/sse"
	"github.com/pulseline/pkg/models"
)

// State of the connection
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnectScheduled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrStreamEnded is recorded when the server closes the response body
var ErrStreamEnded = errors.New("stream closed by server")

// AuthSource supplies the auth state and the token sent as a query parameter
type AuthSource interface {
	State() auth.State
	Subscribe(fn func(auth.State)) func()
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by auth sources that can drop a cached access
// token. The stream calls it when the server rejects the token.
type Invalidator interface {
	Invalidate()
}

// Handler receives domain events
type Handler func(sse.Event)

// Options configures a Stream
type Options struct {
	Name    string
	BaseURL string
	Path    string
	// Events lists the event types passed to the handler; control events are never passed
	Events     []string
	Retry      retry.RetryConfig
	Clock      clock.Clock
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

type connection struct {
	cancel context.CancelFunc
}

// Stream is one push connection. Exactly one underlying HTTP response is open
// at a time; the previous one is always closed before a replacement is made.
type Stream struct {
	opts    Options
	auth    AuthSource
	clock   clock.Clock
	client  *http.Client
	backoff *retry.Backoff
	logger  zerolog.Logger
	events  map[string]bool

	handlerMu sync.RWMutex
	handler   Handler

	mu          sync.Mutex
	state       State
	enabled     bool
	visible     bool
	signedIn    bool
	conn        *connection
	timer       clock.Timer
	schedGen    uint64
	lastErr     error
	lastEventID string
	retryFloor  time.Duration
	authUnsub   func()
	onState     func(State)
}

// New creates a Stream. It does nothing until Start is called.
func New(src AuthSource, opts Options, handler Handler) *Stream {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Retry.BaseDelay == 0 {
		opts.Retry = retry.StreamRetryConfig()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "stream").Str("stream", opts.Name).Logger()

	events := make(map[string]bool, len(opts.Events))
	for _, name := range opts.Events {
		events[name] = true
	}

	return &Stream{
		opts:    opts,
		auth:    src,
		clock:   opts.Clock,
		client:  client,
		backoff: retry.NewBackoff(opts.Retry),
		logger:  logger,
		events:  events,
		handler: handler,
		state:   StateIdle,
		enabled: true,
		visible: true,
	}
}

// Start follows the auth source and connects whenever enabled and signed in
func (s *Stream) Start() {
	unsub := s.auth.Subscribe(s.onAuthChange)
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		unsub()
		return
	}
	s.authUnsub = unsub
	s.mu.Unlock()
	s.onAuthChange(s.auth.State())
}

// SetHandler swaps the event handler without touching the connection
func (s *Stream) SetHandler(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

// OnStateChange registers a function called with every state transition.
// It runs with the stream's lock held and must not call back into the Stream.
func (s *Stream) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// SetEnabled connects or disconnects the stream. A disabled stream stays Idle.
func (s *Stream) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.enabled == enabled {
		return
	}
	s.enabled = enabled
	s.evaluateLocked()
}

// SetVisible reports whether the application is in the foreground. While
// hidden no reconnect is scheduled; becoming visible without a live connection
// reconnects at once.
func (s *Stream) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.visible == visible {
		return
	}
	s.visible = visible

	if !visible {
		if s.state == StateReconnectScheduled {
			s.stopTimerLocked()
			s.setStateLocked(StateDisconnected)
		}
		return
	}

	if s.wantLocked() && s.conn == nil {
		s.logger.Debug().Msg("Visible again, reconnecting")
		s.connectLocked()
	}
}

// Close tears the connection down for good
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.setStateLocked(StateClosed)
	unsub := s.authUnsub
	s.authUnsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// State returns the connection state
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last connection error, kept for observability only
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// NextDelay returns the backoff value that the next failure starts from
func (s *Stream) NextDelay() time.Duration {
	return s.backoff.Current()
}

func (s *Stream) onAuthChange(st auth.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.signedIn = st.Authenticated
	s.evaluateLocked()
}

func (s *Stream) wantLocked() bool {
	return s.state != StateClosed && s.enabled && s.signedIn
}

func (s *Stream) evaluateLocked() {
	if !s.wantLocked() {
		if s.state != StateIdle {
			s.logger.Debug().Bool("enabled", s.enabled).Bool("signed_in", s.signedIn).Msg("Stream stopped")
		}
		s.teardownLocked()
		s.setStateLocked(StateIdle)
		return
	}
	if s.state == StateIdle {
		s.connectLocked()
	}
}

func (s *Stream) teardownLocked() {
	s.stopTimerLocked()
	if s.conn != nil {
		s.conn.cancel()
		s.conn = nil
	}
}

func (s *Stream) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.schedGen++
}

func (s *Stream) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Stream) connectLocked() {
	s.teardownLocked()

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{cancel: cancel}
	s.conn = conn
	s.setStateLocked(StateConnecting)

	go s.run(ctx, conn)
}

// scheduleLocked arranges the next connect attempt after delay
func (s *Stream) scheduleLocked(delay time.Duration) {
	s.stopTimerLocked()
	if !s.wantLocked() {
		s.setStateLocked(StateIdle)
		return
	}
	if !s.visible {
		s.setStateLocked(StateDisconnected)
		return
	}

	if delay < s.retryFloor {
		delay = s.retryFloor
	}
	gen := s.schedGen
	s.setStateLocked(StateReconnectScheduled)
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
	s.logger.Debug().Dur("delay", delay).Msg("Reconnect scheduled")
}

func (s *Stream) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.schedGen || s.state != StateReconnectScheduled {
		return
	}
	s.timer = nil
	s.connectLocked()
}

func (s *Stream) run(ctx context.Context, conn *connection) {
	token, err := s.auth.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// not a connection failure, so the backoff is not escalated
		s.failed(conn, fmt.Errorf("stream token: %w", err), false)
		return
	}

	req, err := s.newRequest(ctx, token)
	if err != nil {
		s.failed(conn, err, true)
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failed(conn, fmt.Errorf("connect %s: %w", s.opts.Path, err), true)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			if inv, ok := s.auth.(Invalidator); ok {
				s.logger.Debug().Int("status", resp.StatusCode).Msg("Token rejected, invalidating")
				inv.Invalidate()
			}
		}
		s.failed(conn, fmt.Errorf("connect %s: unexpected status %d", s.opts.Path, resp.StatusCode), true)
		return
	}

	s.opened(conn)

	decoder := sse.NewDecoder(resp.Body)
	for {
		ev, err := decoder.Next()
		s.noteRetry(conn, decoder.Retry())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			s.failed(conn, err, true)
			return
		}
		if !s.dispatch(conn, decoder, ev) {
			return
		}
	}
}

func (s *Stream) newRequest(ctx context.Context, token string) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(s.opts.BaseURL, "/") + s.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	// browsers cannot set headers on an EventSource, so the backend expects the token in the query
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	s.mu.Lock()
	if s.lastEventID != "" {
		req.Header.Set("Last-Event-ID", s.lastEventID)
	}
	s.mu.Unlock()
	return req, nil
}

// dispatch handles one event; it returns false when the connection must be abandoned
func (s *Stream) dispatch(conn *connection, decoder *sse.Decoder, ev sse.Event) bool {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}
	if id := decoder.LastEventID(); id != "" {
		s.lastEventID = id
	}

	switch ev.Type {
	case models.EventConnected:
		s.openedLocked()
		s.mu.Unlock()
		return true
	case models.EventPing:
		s.mu.Unlock()
		return true
	case models.EventReconnect:
		// planned rotation ahead of an infrastructure timeout, not a failure
		s.logger.Debug().Msg("Server requested reconnect")
		conn.cancel()
		s.conn = nil
		s.scheduleLocked(s.backoff.Reset())
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if len(s.events) > 0 && !s.events[ev.Type] {
		s.logger.Debug().Str("event", ev.Type).Msg("Ignoring unknown event")
		return true
	}

	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
	return true
}

// noteRetry keeps the server's reconnection time as the lower bound for
// scheduled reconnects, capped at the maximum delay
func (s *Stream) noteRetry(conn *connection, d time.Duration) {
	if d <= 0 {
		return
	}
	if limit := s.opts.Retry.MaxDelay; limit > 0 && d > limit {
		d = limit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.retryFloor = d
	}
}

func (s *Stream) opened(conn *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.openedLocked()
}

func (s *Stream) openedLocked() {
	s.backoff.Reset()
	s.lastErr = nil
	if s.state != StateConnected {
		s.logger.Info().Str("path", s.opts.Path).Msg("Stream connected")
	}
	s.setStateLocked(StateConnected)
}

func (s *Stream) failed(conn *connection, err error, escalate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	conn.cancel()
	s.conn = nil
	s.lastErr = err
	s.setStateLocked(StateDisconnected)

	delay := s.backoff.Current()
	if escalate {
		delay = s.backoff.Escalate()
	}
	s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Stream disconnected")
	s.scheduleLocked(delay)
}
