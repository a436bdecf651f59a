package fakebackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/pkg/models"
)

type channelKind string

const (
	channelMessages      channelKind = "messages"
	channelNotifications channelKind = "notifications"
)

type frame struct {
	event string
	data  []byte
}

type subscriber struct {
	userID string
	kind   channelKind
	frames chan frame
	closed chan struct{}
	once   sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.closed) }) }

// hub fans published events out to the open streams of each user
type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe(userID string, kind channelKind) *subscriber {
	sub := &subscriber{
		userID: userID,
		kind:   kind,
		frames: make(chan frame, 64),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

func (h *hub) publish(userID string, kind channelKind, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to encode stream event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.kind != kind || (userID != "" && sub.userID != userID) {
			continue
		}
		select {
		case sub.frames <- frame{event: event, data: data}:
		default:
			log.Warn().Str("user_id", sub.userID).Str("event", event).Msg("Stream buffer full, dropping event")
		}
	}
}

// broadcast sends event to every open stream
func (h *hub) broadcast(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.frames <- frame{event: event, data: []byte("{}")}:
		default:
		}
	}
}

// dropAll closes every open stream without a reconnect directive
func (h *hub) dropAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.subs)
	for sub := range h.subs {
		sub.close()
		delete(h.subs, sub)
	}
	return n
}

func (h *hub) count(kind channelKind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for sub := range h.subs {
		if sub.kind == kind {
			n++
		}
	}
	return n
}

func writeFrame(w *echo.Response, f frame) error {
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), f.event, f.data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// streamHandler serves one SSE channel. The token comes from the query string.
func (s *Server) streamHandler(kind channelKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := s.tokens.validate(c.QueryParam("token"))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}

		sub := s.hub.subscribe(userID, kind)
		defer s.hub.unsubscribe(sub)

		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err := writeFrame(w, frame{event: models.EventConnected, data: []byte(`{}`)}); err != nil {
			return nil
		}
		log.Debug().Str("user_id", userID).Str("channel", string(kind)).Msg("Stream opened")

		ping := time.NewTicker(s.pingInterval)
		defer ping.Stop()

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sub.closed:
				return nil
			case <-ping.C:
				if err := writeFrame(w, frame{event: models.EventPing, data: []byte(`{}`)}); err != nil {
					return nil
				}
			case f := <-sub.frames:
				if err := writeFrame(w, f); err != nil {
					return nil
				}
				if f.event == models.EventReconnect {
					return nil
				}
			}
		}
	}
}
