package feeds

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/internal/apiclient"
	"github.com/pulseline/internal/loader"
	"github.com/pulseline/internal/stream"
	"github.com/pulseline/pkg/models"
)

// Feed reloads the home feed when a notification says something was posted
type Feed struct {
	Posts *loader.Loader[models.Post]

	stream *stream.Stream
	logger zerolog.Logger
}

// NewFeed wires the posts loader to a notification stream
func NewFeed(c *apiclient.Client, session Session, opts Options) *Feed {
	f := &Feed{
		Posts:  PostsLoader(c, session, opts.Loader),
		logger: log.With().Str("component", "feed").Logger(),
	}
	f.stream = stream.NewNotificationStream(session, opts.Stream, f.HandleNotification)
	return f
}

func (f *Feed) Stream() *stream.Stream { return f.stream }

func (f *Feed) Start() {
	f.Posts.Start()
	f.stream.Start()
}

func (f *Feed) Close() {
	f.stream.Close()
	f.Posts.Close()
}

// HandleNotification refreshes the feed for post related notifications
func (f *Feed) HandleNotification(n models.Notification) {
	if !postRelated(n.Type) {
		return
	}
	f.logger.Debug().Str("type", n.Type).Str("actor_id", n.ActorID).Msg("Refreshing feed")
	f.Posts.Refresh()
}

func postRelated(kind string) bool {
	return kind == models.NotificationPost || kind == models.NotificationLike
}

// Inbox is the notification list with pushed notifications prepended
type Inbox struct {
	Notifications *loader.Loader[models.Notification]

	client  *apiclient.Client
	session Session
	stream  *stream.Stream
}

// NewInbox wires the notifications loader to a notification stream
func NewInbox(c *apiclient.Client, session Session, opts Options) *Inbox {
	in := &Inbox{
		Notifications: NotificationsLoader(c, session, opts.Loader),
		client:        c,
		session:       session,
	}
	in.stream = stream.NewNotificationStream(session, opts.Stream, in.HandleNotification)
	return in
}

func (in *Inbox) Stream() *stream.Stream { return in.stream }

func (in *Inbox) Start() {
	in.Notifications.Start()
	in.stream.Start()
}

func (in *Inbox) Close() {
	in.stream.Close()
	in.Notifications.Close()
}

// HandleNotification prepends n unless a notification with its id is already listed
func (in *Inbox) HandleNotification(n models.Notification) {
	in.Notifications.Update(func(items []models.Notification) ([]models.Notification, bool) {
		return prependNotification(items, n)
	})
}

// MarkRead marks a notification read on the server, then in the list
func (in *Inbox) MarkRead(ctx context.Context, id string) error {
	token, err := in.session.Token(ctx)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if err := in.client.MarkNotificationRead(ctx, token, id); err != nil {
		return err
	}
	in.Notifications.Update(func(items []models.Notification) ([]models.Notification, bool) {
		for i := range items {
			if items[i].ID == id && !items[i].Read {
				items[i].Read = true
				return items, true
			}
		}
		return items, false
	})
	return nil
}

func prependNotification(items []models.Notification, n models.Notification) ([]models.Notification, bool) {
	for _, existing := range items {
		if existing.ID == n.ID {
			return items, false
		}
	}
	out := make([]models.Notification, 0, len(items)+1)
	out = append(out, n)
	return append(out, items...), true
}
