// Package feeds binds the API client to loaders and keeps the resulting lists
// current with events pushed over the streams.
package feeds

import (
	"context"

	"github.com/pulseline/internal/apiclient"
	"github.com/pulseline/internal/loader"
	"github.com/pulseline/internal/stream"
	"github.com/pulseline/pkg/models"
)

// Session is what the feature lists need from the signed-in session
type Session interface {
	stream.AuthSource
}

// Options groups the settings shared by every feature list
type Options struct {
	Loader loader.Options
	Stream stream.Options
}

type listFunc[T any] func(ctx context.Context, token string, skip, limit int) (apiclient.Page[T], error)

func fromAPI[T any](fn listFunc[T]) loader.LoadFunc[T] {
	return func(ctx context.Context, token string, skip, limit int) (loader.Page[T], error) {
		page, err := fn(ctx, token, skip, limit)
		if err != nil {
			return loader.Page[T]{}, err
		}
		return loader.Page[T]{Items: page.Items, Total: page.Total}, nil
	}
}

func named(opts loader.Options, name string) loader.Options {
	if opts.Name == "" {
		opts.Name = name
	}
	return opts
}

func keyed[T any](l *loader.Loader[T], key func(T) string) *loader.Loader[T] {
	l.SetKey(key)
	return l
}

// ConversationsLoader pages through the user's direct-message threads
func ConversationsLoader(c *apiclient.Client, src loader.AuthSource, opts loader.Options) *loader.Loader[models.Conversation] {
	l := loader.New(fromAPI(c.ListConversations), src, named(opts, "conversations"))
	return keyed(l, func(c models.Conversation) string { return c.ID })
}

// MessagesLoader pages through one conversation
func MessagesLoader(c *apiclient.Client, src loader.AuthSource, conversationID string, opts loader.Options) *loader.Loader[models.Message] {
	fetch := func(ctx context.Context, token string, skip, limit int) (apiclient.Page[models.Message], error) {
		return c.ListMessages(ctx, token, conversationID, skip, limit)
	}
	l := loader.New(fromAPI(fetch), src, named(opts, "messages:"+conversationID))
	return keyed(l, func(m models.Message) string { return m.ID })
}

// GroupsLoader pages through the user's group chats
func GroupsLoader(c *apiclient.Client, src loader.AuthSource, opts loader.Options) *loader.Loader[models.Group] {
	l := loader.New(fromAPI(c.ListGroups), src, named(opts, "groups"))
	return keyed(l, func(g models.Group) string { return g.ID })
}

// GroupMessagesLoader pages through one group chat
func GroupMessagesLoader(c *apiclient.Client, src loader.AuthSource, groupID string, opts loader.Options) *loader.Loader[models.GroupMessage] {
	fetch := func(ctx context.Context, token string, skip, limit int) (apiclient.Page[models.GroupMessage], error) {
		return c.ListGroupMessages(ctx, token, groupID, skip, limit)
	}
	l := loader.New(fromAPI(fetch), src, named(opts, "group_messages:"+groupID))
	return keyed(l, func(m models.GroupMessage) string { return m.ID })
}

// PostsLoader pages through the home feed
func PostsLoader(c *apiclient.Client, src loader.AuthSource, opts loader.Options) *loader.Loader[models.Post] {
	l := loader.New(fromAPI(c.ListPosts), src, named(opts, "posts"))
	return keyed(l, func(p models.Post) string { return p.ID })
}

// NotificationsLoader pages through the user's notifications
func NotificationsLoader(c *apiclient.Client, src loader.AuthSource, opts loader.Options) *loader.Loader[models.Notification] {
	l := loader.New(fromAPI(c.ListNotifications), src, named(opts, "notifications"))
	return keyed(l, func(n models.Notification) string { return n.ID })
}

// BlocksLoader pages through the users the current user has blocked
func BlocksLoader(c *apiclient.Client, src loader.AuthSource, opts loader.Options) *loader.Loader[models.Block] {
	return loader.New(fromAPI(c.ListBlocks), src, named(opts, "blocks"))
}

// DiseasesLoader pages through the conditions on a profile
func DiseasesLoader(c *apiclient.Client, src loader.AuthSource, userID string, opts loader.Options) *loader.Loader[models.Disease] {
	fetch := func(ctx context.Context, token string, skip, limit int) (apiclient.Page[models.Disease], error) {
		return c.ListDiseases(ctx, token, userID, skip, limit)
	}
	return loader.New(fromAPI(fetch), src, named(opts, "diseases:"+userID))
}

// VitalsLoader pages through a user's measurements, optionally of one type
func VitalsLoader(c *apiclient.Client, src loader.AuthSource, userID string, vitalType models.VitalType, opts loader.Options) *loader.Loader[models.VitalRecord] {
	fetch := func(ctx context.Context, token string, skip, limit int) (apiclient.Page[models.VitalRecord], error) {
		return c.ListVitals(ctx, token, userID, vitalType, skip, limit)
	}
	return loader.New(fromAPI(fetch), src, named(opts, "vitals:"+userID))
}
