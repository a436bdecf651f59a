package feeds

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseline/internal/apiclient"
	"github.com/pulseline/internal/auth"
	"github.com/pulseline/internal/clock"
	"github.com/pulseline/internal/fakebackend"
	"github.com/pulseline/internal/loader"
	"github.com/pulseline/internal/stream"
	"github.com/pulseline/pkg/models"
)

type harness struct {
	backend *fakebackend.Server
	server  *httptest.Server
	client  *apiclient.Client
	users   map[string]string
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	backend := fakebackend.NewServer(fakebackend.Options{PingInterval: time.Hour})
	ts := httptest.NewServer(backend)
	t.Cleanup(func() {
		backend.DropStreams()
		ts.Close()
	})

	users := make(map[string]string)
	for _, name := range names {
		u, err := backend.AddUser(name, "pw")
		require.NoError(t, err)
		users[name] = u.ID
	}

	client, err := apiclient.New(apiclient.Config{BaseURL: ts.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return &harness{backend: backend, server: ts, client: client, users: users}
}

// signIn returns a live session for the named user
func (h *harness) signIn(t *testing.T, name string) *auth.Session {
	t.Helper()
	pair, err := h.backend.IssueTokens(h.users[name])
	require.NoError(t, err)

	provider := auth.NewProviderClient(h.server.URL, "", 5*time.Second)
	session := auth.NewSession(auth.NewTokenManager(provider, clock.Real()))
	require.NoError(t, session.Begin(context.Background(), pair.RefreshToken))
	return session
}

func (h *harness) options() Options {
	lo := loader.DefaultOptions()
	lo.AuthDebounce = 5 * time.Millisecond
	return Options{
		Loader: lo,
		Stream: stream.Options{BaseURL: h.server.URL},
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func connected(s *stream.Stream) func() bool {
	return func() bool { return s.State() == stream.StateConnected }
}

func TestConversationList_MergesPushedMessages(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol", "dave")
	alice, bob, carol, dave := h.users["alice"], h.users["bob"], h.users["carol"], h.users["dave"]
	ab := h.backend.AddConversation(alice, bob)
	ac := h.backend.AddConversation(alice, carol)
	walkers := h.backend.AddGroup("walkers", alice, bob)

	cl := NewConversationList(h.client, h.signIn(t, "alice"), h.options())
	t.Cleanup(cl.Close)
	cl.Start()

	eventually(t, func() bool {
		c, g := cl.Conversations.Snapshot(), cl.Groups.Snapshot()
		return len(c.Items) == 2 && !c.Busy() && len(g.Items) == 1 && !g.Busy()
	}, "initial lists never loaded")
	eventually(t, connected(cl.Stream()), "message stream never connected")

	_, err := h.backend.SendMessage(ac, carol, "hey alice")
	require.NoError(t, err)
	eventually(t, func() bool {
		items := cl.Conversations.Snapshot().Items
		return items[0].ID == ac && items[0].LastMessage != nil && items[0].LastMessage.Content == "hey alice"
	}, "conversation never moved to the front")
	assert.Equal(t, 1, cl.Conversations.Snapshot().Items[0].UnreadCount)

	_, err = h.backend.SendMessage(ab, alice, "own message")
	require.NoError(t, err)
	eventually(t, func() bool { return cl.Conversations.Snapshot().Items[0].ID == ab }, "own message not merged")
	assert.Zero(t, cl.Conversations.Snapshot().Items[0].UnreadCount, "own messages are never unread")

	_, err = h.backend.SendGroupMessage(walkers, bob, "walk at six?")
	require.NoError(t, err)
	eventually(t, func() bool {
		g := cl.Groups.Snapshot().Items[0]
		return g.UnreadCount == 1 && g.LastMessage != nil && g.LastMessage.Content == "walk at six?"
	}, "group message not merged")

	ad := h.backend.AddConversation(alice, dave)
	_, err = h.backend.SendMessage(ad, dave, "hi, new here")
	require.NoError(t, err)
	eventually(t, func() bool {
		s := cl.Conversations.Snapshot()
		return len(s.Items) == 3 && s.Items[0].ID == ad && !s.Busy()
	}, "unknown conversation did not trigger a refresh")

	readers := h.backend.AddGroup("readers", alice, carol)
	_, err = h.backend.SendGroupMessage(readers, carol, "chapter one")
	require.NoError(t, err)
	eventually(t, func() bool { return len(cl.Groups.Snapshot().Items) == 2 }, "unknown group did not trigger a refresh")
}

func TestMergeMessage(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	items := []models.Conversation{
		{ID: "c1", UpdatedAt: t0},
		{ID: "c2", UpdatedAt: t0},
		{ID: "c3", UpdatedAt: t0},
	}

	msg := models.Message{ID: "m1", ConversationID: "c3", SenderID: "bob", CreatedAt: t0.Add(time.Minute)}
	out, known, changed := mergeMessage(items, msg, "alice")
	require.True(t, known)
	require.True(t, changed)
	assert.Equal(t, []string{"c3", "c1", "c2"}, []string{out[0].ID, out[1].ID, out[2].ID})
	assert.Equal(t, 1, out[0].UnreadCount)
	assert.Equal(t, msg.CreatedAt, out[0].UpdatedAt)
	assert.Zero(t, items[2].UnreadCount, "input is not modified")

	// a replayed event is not counted twice
	again, known, changed := mergeMessage(out, msg, "alice")
	assert.True(t, known)
	assert.False(t, changed)
	assert.Equal(t, 1, again[0].UnreadCount)

	_, known, _ = mergeMessage(items, models.Message{ConversationID: "c9"}, "alice")
	assert.False(t, known)
}

func TestInbox_PrependsPushedNotifications(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	alice, bob := h.users["alice"], h.users["bob"]
	_, err := h.backend.Notify(alice, models.NotificationFollow, bob, nil)
	require.NoError(t, err)

	in := NewInbox(h.client, h.signIn(t, "alice"), h.options())
	t.Cleanup(in.Close)
	in.Start()

	eventually(t, func() bool {
		s := in.Notifications.Snapshot()
		return len(s.Items) == 1 && !s.Busy()
	}, "inbox never loaded")
	eventually(t, connected(in.Stream()), "notification stream never connected")
	total := in.Notifications.Snapshot().Total

	n, err := h.backend.Notify(alice, models.NotificationLike, bob, map[string]string{"post_id": "p1"})
	require.NoError(t, err)
	eventually(t, func() bool {
		items := in.Notifications.Snapshot().Items
		return len(items) == 2 && items[0].ID == n.ID
	}, "pushed notification not prepended")
	assert.Equal(t, total, in.Notifications.Snapshot().Total, "total is left to the server")

	in.HandleNotification(n)
	assert.Len(t, in.Notifications.Snapshot().Items, 2, "duplicates are dropped")

	require.NoError(t, in.MarkRead(context.Background(), n.ID))
	assert.True(t, in.Notifications.Snapshot().Items[0].Read)
}

func TestInbox_LoadMoreAfterPushKeepsIDsUnique(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	alice, bob := h.users["alice"], h.users["bob"]
	for i := 0; i < 25; i++ {
		_, err := h.backend.Notify(alice, models.NotificationFollow, bob, nil)
		require.NoError(t, err)
	}

	in := NewInbox(h.client, h.signIn(t, "alice"), h.options())
	t.Cleanup(in.Close)
	in.Start()

	eventually(t, func() bool {
		s := in.Notifications.Snapshot()
		return len(s.Items) == 20 && !s.Busy()
	}, "first page never loaded")
	eventually(t, connected(in.Stream()), "notification stream never connected")

	_, err := h.backend.Notify(alice, models.NotificationLike, bob, nil)
	require.NoError(t, err)
	eventually(t, func() bool { return len(in.Notifications.Snapshot().Items) == 21 }, "pushed notification not prepended")

	require.True(t, in.Notifications.LoadMore())
	eventually(t, func() bool {
		s := in.Notifications.Snapshot()
		return !s.Busy() && !s.HasMore
	}, "second page never loaded")

	seen := make(map[string]int)
	for _, n := range in.Notifications.Snapshot().Items {
		seen[n.ID]++
	}
	assert.Len(t, in.Notifications.Snapshot().Items, 26)
	for id, count := range seen {
		assert.Equal(t, 1, count, "notification %s listed more than once", id)
	}
}

func TestFeed_RefreshesOnPostNotifications(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	bob := h.users["bob"]
	h.backend.AddPost(bob, "older post")

	f := NewFeed(h.client, h.signIn(t, "alice"), h.options())
	t.Cleanup(f.Close)
	f.Start()

	eventually(t, func() bool {
		s := f.Posts.Snapshot()
		return len(s.Items) == 1 && !s.Busy()
	}, "feed never loaded")
	eventually(t, connected(f.Stream()), "notification stream never connected")

	post := h.backend.PublishPost(bob, "fresh post", nil)
	eventually(t, func() bool {
		s := f.Posts.Snapshot()
		return len(s.Items) == 2 && s.Items[0].ID == post.ID && !s.Busy()
	}, "feed did not refresh")

	version := f.Posts.Snapshot().Version
	f.HandleNotification(models.Notification{ID: "n-x", Type: models.NotificationFollow})
	assert.Equal(t, version, f.Posts.Snapshot().Version, "unrelated notifications leave the feed alone")
}
