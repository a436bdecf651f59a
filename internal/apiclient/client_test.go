package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseline/internal/errinfo"
	"github.com/pulseline/internal/fakebackend"
	"github.com/pulseline/pkg/models"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "://nope"})
	assert.Error(t, err)
}

func TestMakeRequest_Headers(t *testing.T) {
	var got *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL+"/api")

	_, err := c.ListPosts(context.Background(), "", 40, 20)
	require.NoError(t, err)
	assert.Equal(t, "/api/posts", got.URL.Path)
	assert.Equal(t, "40", got.URL.Query().Get("skip"))
	assert.Equal(t, "20", got.URL.Query().Get("limit"))
	assert.Empty(t, got.Header.Get("Authorization"), "anonymous calls send no Authorization header")
	assert.NotEmpty(t, got.Header.Get("X-Request-ID"))

	_, err = c.ListPosts(context.Background(), "tok", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
}

func TestPage_UnmarshalBothShapes(t *testing.T) {
	var bare Page[models.Post]
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"p1"},{"id":"p2"}]`), &bare))
	assert.Len(t, bare.Items, 2)
	assert.Nil(t, bare.Total)

	var envelope Page[models.Post]
	require.NoError(t, json.Unmarshal([]byte(`{"items":[{"id":"p1"}],"total":57}`), &envelope))
	assert.Len(t, envelope.Items, 1)
	require.NotNil(t, envelope.Total)
	assert.Equal(t, 57, *envelope.Total)
}

func TestDecodeHTTPError_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   errinfo.Kind
		fields map[string]string
		msg    string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Invalid or expired token"}`, errinfo.KindUnauthorized, nil, "Invalid or expired token"},
		{"validation", http.StatusUnprocessableEntity, `{"message":"validation failed","fields":{"content":"must not be empty"}}`, errinfo.KindValidation, map[string]string{"content": "must not be empty"}, "validation failed"},
		{"detail", http.StatusBadRequest, `{"detail":"bad skip"}`, errinfo.KindValidation, nil, "bad skip"},
		{"plain text", http.StatusInternalServerError, `boom`, errinfo.KindUnknown, nil, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := newTestClient(t, ts.URL).ListConversations(context.Background(), "tok", 0, 20)
			require.Error(t, err)

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode())
			assert.Equal(t, tt.msg, httpErr.Message)

			info := errinfo.Extract(err)
			assert.Equal(t, tt.kind, info.Kind)
			if diff := cmp.Diff(tt.fields, info.Fields); diff != "" {
				t.Errorf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClient_AgainstFakeBackend(t *testing.T) {
	backend := fakebackend.NewServer(fakebackend.Options{})
	ts := httptest.NewServer(backend)
	defer ts.Close()

	alice, err := backend.AddUser("alice", "pw")
	require.NoError(t, err)
	bob, err := backend.AddUser("bob", "pw")
	require.NoError(t, err)
	conv := backend.AddConversation(alice.ID, bob.ID)
	group := backend.AddGroup("walkers", alice.ID, bob.ID)
	pair, err := backend.IssueTokens(alice.ID)
	require.NoError(t, err)
	token := pair.AccessToken

	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	msg, err := c.SendMessage(ctx, token, conv, "hi bob")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, msg.SenderID)

	msgs, err := c.ListMessages(ctx, token, conv, 0, 20)
	require.NoError(t, err)
	require.Len(t, msgs.Items, 1)
	assert.Equal(t, "hi bob", msgs.Items[0].Content)

	_, err = c.SendGroupMessage(ctx, token, group, "morning walk?")
	require.NoError(t, err)
	groups, err := c.ListGroups(ctx, token, 0, 20)
	require.NoError(t, err)
	require.Len(t, groups.Items, 1)
	require.NotNil(t, groups.Items[0].LastMessage)

	_, err = c.CreatePost(ctx, token, "", nil)
	assert.Equal(t, errinfo.KindValidation, errinfo.KindOf(err))

	post, err := c.CreatePost(ctx, token, "first post", nil)
	require.NoError(t, err)
	bobPair, err := backend.IssueTokens(bob.ID)
	require.NoError(t, err)
	notes, err := c.ListNotifications(ctx, bobPair.AccessToken, 0, 20)
	require.NoError(t, err)
	require.Len(t, notes.Items, 1)
	assert.Equal(t, models.NotificationPost, notes.Items[0].Type)
	require.NoError(t, c.MarkNotificationRead(ctx, bobPair.AccessToken, notes.Items[0].ID))

	_, err = c.BlockUser(ctx, bobPair.AccessToken, alice.ID)
	require.NoError(t, err)
	feed, err := c.ListPosts(ctx, bobPair.AccessToken, 0, 20)
	require.NoError(t, err)
	assert.Empty(t, feed.Items, "blocked authors are hidden")
	require.NoError(t, c.UnblockUser(ctx, bobPair.AccessToken, alice.ID))
	feed, err = c.ListPosts(ctx, bobPair.AccessToken, 0, 20)
	require.NoError(t, err)
	require.Len(t, feed.Items, 1)
	assert.Equal(t, post.ID, feed.Items[0].ID)

	backend.AddVital(models.VitalRecord{UserID: alice.ID, Type: models.VitalHeartRate, Value: 70, Unit: "bpm"})
	backend.AddVital(models.VitalRecord{UserID: alice.ID, Type: models.VitalWeight, Value: 61, Unit: "kg"})
	vitals, err := c.ListVitals(ctx, token, alice.ID, models.VitalHeartRate, 0, 20)
	require.NoError(t, err)
	require.Len(t, vitals.Items, 1)
	assert.Equal(t, 70.0, vitals.Items[0].Value)

	_, err = c.ListVitals(ctx, bobPair.AccessToken, alice.ID, "", 0, 20)
	assert.Equal(t, errinfo.KindUnauthorized, errinfo.KindOf(err))

	_, err = c.ListConversations(ctx, "", 0, 20)
	assert.Equal(t, errinfo.KindUnauthorized, errinfo.KindOf(err))
}

func TestClient_NetworkFailureIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := newTestClient(t, url).ListPosts(context.Background(), "", 0, 20)
	require.Error(t, err)
	assert.True(t, errinfo.IsRetryable(err))
}
