package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pulseline/internal/auth"
	"github.com/pulseline/internal/clock"
	"github.com/pulseline/internal/sse"
	"github.com/pulseline/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAuth struct {
	mu       sync.Mutex
	state    auth.State
	subs     map[int]func(auth.State)
	next     int
	tokenErr error

	invalidated atomic.Int32
}

func (f *fakeAuth) Invalidate() { f.invalidated.Add(1) }

func newFakeAuth(st auth.State) *fakeAuth {
	return &fakeAuth{state: st, subs: make(map[int]func(auth.State))}
}

func (f *fakeAuth) State() auth.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAuth) Subscribe(fn func(auth.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeAuth) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "tok-" + f.state.UserID, nil
}

func (f *fakeAuth) set(st auth.State) {
	f.mu.Lock()
	f.state = st
	subs := make([]func(auth.State), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

var signedIn = auth.State{Authenticated: true, UserID: "u1"}

// sseConn is one open response on the test server
type sseConn struct {
	token  string
	frames chan string
	done   <-chan struct{}
}

func (c *sseConn) send(t *testing.T, eventType, data string) {
	t.Helper()
	select {
	case c.frames <- fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data):
	case <-c.done:
		t.Fatalf("connection closed before %s was sent", eventType)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out sending %s", eventType)
	}
}

func (c *sseConn) sendRaw(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.frames <- frame:
	case <-c.done:
		t.Fatal("connection closed before the frame was sent")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out sending frame")
	}
}

func (c *sseConn) end() { close(c.frames) }

type testServer struct {
	*httptest.Server
	conns chan *sseConn
	hits  atomic.Int32
	// failures is the number of upcoming requests answered with failStatus, 503 by default
	failures   atomic.Int32
	failStatus atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{conns: make(chan *sseConn, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		if ts.failures.Load() > 0 {
			ts.failures.Add(-1)
			status := int(ts.failStatus.Load())
			if status == 0 {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()

		c := &sseConn{
			token:  r.URL.Query().Get("token"),
			frames: make(chan string),
			done:   r.Context().Done(),
		}
		ts.conns <- c
		for {
			select {
			case <-r.Context().Done():
				return
			case frame, ok := <-c.frames:
				if !ok {
					return
				}
				fmt.Fprint(w, frame)
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) accept(t *testing.T) *sseConn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func (ts *testServer) assertNoConnection(t *testing.T) {
	t.Helper()
	select {
	case <-ts.conns:
		t.Fatal("unexpected connection")
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestStream(t *testing.T, ts *testServer, src AuthSource, clk clock.Clock, h Handler) *Stream {
	s := New(src, Options{
		Name:       "test",
		BaseURL:    ts.URL,
		Path:       "/events",
		Events:     []string{models.EventMessage},
		Clock:      clk,
		HTTPClient: ts.Client(),
	}, h)
	t.Cleanup(s.Close)
	return s
}

func waitState(t *testing.T, s *Stream, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 2*time.Millisecond, "stream never reached %s (at %s)", want, s.State())
}

func collect() (Handler, func() []sse.Event) {
	var mu sync.Mutex
	var got []sse.Event
	h := func(ev sse.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}
	return h, func() []sse.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]sse.Event(nil), got...)
	}
}

func TestStream_ConnectsWithTokenAndDelivers(t *testing.T) {
	ts := newTestServer(t)
	h, got := collect()
	s := newTestStream(t, ts, newFakeAuth(signedIn), clock.NewFake(time.Unix(0, 0)), h)

	s.Start()
	c := ts.accept(t)
	assert.Equal(t, "tok-u1", c.token)
	waitState(t, s, StateConnected)

	c.send(t, models.EventConnected, `{}`)
	c.send(t, models.EventPing, `{}`)
	c.send(t, "typing", `{}`)
	c.send(t, models.EventMessage, `{"id":"m1"}`)

	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, models.EventMessage, got()[0].Type)
	assert.Equal(t, `{"id":"m1"}`, got()[0].Data)
	assert.Equal(t, StateConnected, s.State())
	assert.NoError(t, s.Err())
}

func TestStream_BackoffEscalatesOnConnectErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.failures.Store(100)
	clk := clock.NewFake(time.Unix(0, 0))
	s := newTestStream(t, ts, newFakeAuth(signedIn), clk, nil)

	s.Start()
	for n := 1; n <= 12; n++ {
		waitState(t, s, StateReconnectScheduled)
		pending := clk.Pending()
		require.Len(t, pending, 1)

		want := math.Min(1000*math.Pow(1.5, float64(n)), 30000)
		assert.InDelta(t, want, float64(pending[0].Milliseconds()), 1, "after %d errors", n)
		require.True(t, clk.Fire())
	}
	assert.Error(t, s.Err())
}

func TestStream_TokenFailureDoesNotEscalate(t *testing.T) {
	ts := newTestServer(t)
	src := newFakeAuth(signedIn)
	src.tokenErr = errors.New("refresh rejected")
	clk := clock.NewFake(time.Unix(0, 0))
	s := newTestStream(t, ts, src, clk, nil)

	s.Start()
	waitState(t, s, StateReconnectScheduled)
	assert.Equal(t, []time.Duration{time.Second}, clk.Pending())

	require.True(t, clk.Fire())
	waitState(t, s, StateReconnectScheduled)
	assert.Equal(t, []time.Duration{time.Second}, clk.Pending())
	assert.EqualValues(t, 0, ts.hits.Load())
	assert.ErrorContains(t, s.Err(), "refresh rejected")
}

func TestStream_ReconnectEventResetsBackoff(t *testing.T) {
	ts := newTestServer(t)
	ts.failures.Store(3)
	clk := clock.NewFake(time.Unix(0, 0))
	s := newTestStream(t, ts, newFakeAuth(signedIn), clk, nil)

	s.Start()
	for i := 0; i < 3; i++ {
		waitState(t, s, StateReconnectScheduled)
		require.True(t, clk.Fire())
	}

	c := ts.accept(t)
	waitState(t, s, StateConnected)
	c.send(t, models.EventReconnect, `{}`)

	waitState(t, s, StateReconnectScheduled)
	assert.Equal(t, []time.Duration{time.Second}, clk.Pending())

	require.True(t, clk.Fire())
	ts.accept(t)
	waitState(t, s, StateConnected)
}

func TestStream_ServerCloseEscalates(t *testing.T) {
	ts := newTestServer(t)
	clk := clock.NewFake(time.Unix(0, 0))
	s := newTestStream(t, ts, newFakeAuth(signedIn), clk, nil)

	s.Start()
	c := ts.accept(t)
	waitState(t, s, StateConnected)
	c.end()

	waitState(t, s, StateReconnectScheduled)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, clk.Pending())
	assert.ErrorIs(t, s.Err(), ErrStreamEnded)
}

func TestStream_RejectedTokenIsInvalidated(t *testing.T) {
	ts := newTestServer(t)
	ts.failures.Store(1)
	ts.failStatus.Store(http.StatusUnauthorized)
	src := newFakeAuth(signedIn)
	clk := clock.NewFake(time.Unix(0, 0))
	s := newTestStream(t, ts, src, clk, nil)

	s.Start()
	waitState(t, s, StateReconnectScheduled)
	assert.EqualValues(t, 1, src.invalidated.Load())

	require.True(t, clk.Fire())
	ts.accept(t)
	waitState(t, s, StateConnected)
	assert.EqualValues(t, 1, src.invalidated.Load(), "only rejected tokens are dropped")
}

func TestStream_ServerRetryIsDelayFloor(t *testing.T) {
	ts := newTestServer(t)
	clk := clock.NewFake(time.Unix(0, 0))
	s := newTestStream(t, ts, newFakeAuth(signedIn), clk, nil)

	s.Start()
	c := ts.accept(t)
	waitState(t, s, StateConnected)
	c.sendRaw(t, "retry: 5000\nevent: ping\ndata: {}\n\n")
	c.end()

	waitState(t, s, StateReconnectScheduled)
	assert.Equal(t, []time.Duration{5 * time.Second}, clk.Pending())
	assert.Equal(t, 1500*time.Millisecond, s.NextDelay(), "the floor leaves the backoff itself alone")
}

func TestStream_SetHandlerKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	first, gotFirst := collect()
	second, gotSecond := collect()
	s := newTestStream(t, ts, newFakeAuth(signedIn), clock.NewFake(time.Unix(0, 0)), first)

	s.Start()
	c := ts.accept(t)
	waitState(t, s, StateConnected)

	s.SetHandler(second)
	c.send(t, models.EventMessage, `{"id":"m2"}`)

	require.Eventually(t, func() bool { return len(gotSecond()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Empty(t, gotFirst())
	ts.assertNoConnection(t)
	assert.EqualValues(t, 1, ts.hits.Load())
}

func TestStream_HiddenSuppressesReconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.failures.Store(1)
	clk := clock.NewFake(time.Unix(0, 0))
	s := newTestStream(t, ts, newFakeAuth(signedIn), clk, nil)

	s.SetVisible(false)
	s.Start()
	waitState(t, s, StateDisconnected)
	assert.Empty(t, clk.Pending())

	s.SetVisible(true)
	ts.accept(t)
	waitState(t, s, StateConnected)
	assert.EqualValues(t, 2, ts.hits.Load())
}

func TestStream_HidingCancelsScheduledReconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.failures.Store(1)
	clk := clock.NewFake(time.Unix(0, 0))
	s := newTestStream(t, ts, newFakeAuth(signedIn), clk, nil)

	s.Start()
	waitState(t, s, StateReconnectScheduled)

	s.SetVisible(false)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, clk.Pending())
}

func TestStream_DisableAndAuthLoss(t *testing.T) {
	ts := newTestServer(t)
	src := newFakeAuth(signedIn)
	s := newTestStream(t, ts, src, clock.NewFake(time.Unix(0, 0)), nil)

	s.Start()
	c := ts.accept(t)
	waitState(t, s, StateConnected)

	s.SetEnabled(false)
	assert.Equal(t, StateIdle, s.State())
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the disconnect")
	}

	s.SetEnabled(true)
	c = ts.accept(t)
	waitState(t, s, StateConnected)

	src.set(auth.State{})
	assert.Equal(t, StateIdle, s.State())

	src.set(auth.State{Authenticated: true, UserID: "u2"})
	c = ts.accept(t)
	assert.Equal(t, "tok-u2", c.token)
	waitState(t, s, StateConnected)
}

func TestStream_CloseIsTerminal(t *testing.T) {
	ts := newTestServer(t)
	ts.failures.Store(1)
	clk := clock.NewFake(time.Unix(0, 0))
	src := newFakeAuth(signedIn)
	s := newTestStream(t, ts, src, clk, nil)

	s.Start()
	waitState(t, s, StateReconnectScheduled)

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, clk.Pending())

	s.SetEnabled(true)
	s.SetVisible(true)
	src.set(auth.State{Authenticated: true, UserID: "u3"})
	assert.Equal(t, StateClosed, s.State())
	ts.assertNoConnection(t)
}

func TestMessageStream_DecodesEvents(t *testing.T) {
	ts := newTestServer(t)
	var mu sync.Mutex
	var got []models.MessageEvent
	s := NewMessageStream(newFakeAuth(signedIn), Options{
		BaseURL:    ts.URL,
		Clock:      clock.NewFake(time.Unix(0, 0)),
		HTTPClient: ts.Client(),
	}, func(ev models.MessageEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	t.Cleanup(s.Close)

	s.Start()
	c := ts.accept(t)
	c.send(t, models.EventMessage, `{"id":"m1","conversation_id":"c1","sender_id":"u2","content":"hi"}`)
	c.send(t, models.EventGroupMessage, `{"id":"g1","group_id":"grp","sender_id":"u3","content":"yo"}`)
	c.send(t, models.EventMessage, `not json`)
	c.send(t, models.EventNotification, `{"id":"n1"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.EventMessage, got[0].Type)
	assert.Equal(t, "c1", got[0].Message().ConversationID)
	assert.Equal(t, models.EventGroupMessage, got[1].Type)
	assert.Equal(t, "grp", got[1].GroupMessage().GroupID)
}
