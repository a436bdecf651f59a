package stream

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/pulseline/internal/sse"
	"github.com/pulseline/pkg/models"
)

const (
	MessagesPath      = "/messages/stream"
	NotificationsPath = "/notifications/stream"
)

// MessageHandler decodes message and group_message payloads
func MessageHandler(fn func(models.MessageEvent)) Handler {
	return func(ev sse.Event) {
		var msg models.MessageEvent
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			log.Warn().Err(err).Str("event", ev.Type).Msg("Dropping malformed message event")
			return
		}
		if msg.Type == "" {
			msg.Type = ev.Type
		}
		fn(msg)
	}
}

// NotificationHandler decodes notification payloads
func NotificationHandler(fn func(models.Notification)) Handler {
	return func(ev sse.Event) {
		var n models.Notification
		if err := json.Unmarshal([]byte(ev.Data), &n); err != nil {
			log.Warn().Err(err).Str("event", ev.Type).Msg("Dropping malformed notification event")
			return
		}
		fn(n)
	}
}

// NewMessageStream streams direct and group messages
func NewMessageStream(src AuthSource, opts Options, fn func(models.MessageEvent)) *Stream {
	opts.Path = MessagesPath
	opts.Events = []string{models.EventMessage, models.EventGroupMessage}
	if opts.Name == "" {
		opts.Name = "messages"
	}
	return New(src, opts, MessageHandler(fn))
}

// NewNotificationStream streams notifications
func NewNotificationStream(src AuthSource, opts Options, fn func(models.Notification)) *Stream {
	opts.Path = NotificationsPath
	opts.Events = []string{models.EventNotification}
	if opts.Name == "" {
		opts.Name = "notifications"
	}
	return New(src, opts, NotificationHandler(fn))
}
