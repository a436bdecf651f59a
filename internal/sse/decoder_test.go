package sse

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, stream string) []Event {
	t.Helper()
	d := NewDecoder(strings.NewReader(stream))
	var events []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDecoder_NamedEvents(t *testing.T) {
	stream := "event: connected\ndata: {\"user_id\":\"u1\"}\n\n" +
		": keep-alive\n\n" +
		"event: ping\ndata: {}\n\n" +
		"id: 42\nevent: message\ndata: {\"id\":\"m1\"}\n\n"

	got := readAll(t, stream)
	want := []Event{
		{Type: "connected", Data: `{"user_id":"u1"}`},
		{Type: "ping", Data: "{}"},
		{ID: "42", Type: "message", Data: `{"id":"m1"}`},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoder_MultiLineDataAndDefaultType(t *testing.T) {
	got := readAll(t, "data: first\ndata:second\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, DefaultEventType, got[0].Type)
	assert.Equal(t, "first\nsecond", got[0].Data)
}

func TestDecoder_CRLFAndCR(t *testing.T) {
	got := readAll(t, "event: notification\r\ndata: a\r\n\r\nevent: ping\rdata: b\r\r")
	require.Len(t, got, 2)
	assert.Equal(t, "notification", got[0].Type)
	assert.Equal(t, "a", got[0].Data)
	assert.Equal(t, "ping", got[1].Type)
	assert.Equal(t, "b", got[1].Data)
}

func TestDecoder_EventWithoutDataIsNotDispatched(t *testing.T) {
	got := readAll(t, "event: reconnect\n\ndata: x\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, DefaultEventType, got[0].Type, "event type must not leak into the next event")
}

func TestDecoder_RetryAndLastID(t *testing.T) {
	d := NewDecoder(strings.NewReader("id: 7\nretry: 2500\ndata: x\n\ndata: y\n\n"))

	ev, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, ev.Retry)
	assert.Equal(t, "7", ev.ID)

	ev, err = d.Next()
	require.NoError(t, err)
	assert.Zero(t, ev.Retry)
	assert.Equal(t, "7", ev.ID, "id persists across events")
	assert.Equal(t, "7", d.LastEventID())
	assert.Equal(t, 2500*time.Millisecond, d.Retry(), "reconnection time persists across events")
}

func TestDecoder_RetryWithoutData(t *testing.T) {
	d := NewDecoder(strings.NewReader("retry: 4000\n\nevent: ping\ndata: {}\n\n"))

	ev, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "ping", ev.Type)
	assert.Zero(t, ev.Retry)
	assert.Equal(t, 4000*time.Millisecond, d.Retry())
}

func TestDecoder_TruncatedEventDropped(t *testing.T) {
	got := readAll(t, "data: complete\n\ndata: partial")
	require.Len(t, got, 1)
	assert.Equal(t, "complete", got[0].Data)
}
