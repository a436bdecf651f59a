package feeds

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/internal/apiclient"
	"github.com/pulseline/internal/loader"
	"github.com/pulseline/internal/stream"
	"github.com/pulseline/pkg/models"
)

// ConversationList keeps the direct and group conversation lists in step with
// pushed messages
type ConversationList struct {
	Conversations *loader.Loader[models.Conversation]
	Groups        *loader.Loader[models.Group]

	session Session
	stream  *stream.Stream
	logger  zerolog.Logger
}

// NewConversationList wires both loaders to one message stream
func NewConversationList(c *apiclient.Client, session Session, opts Options) *ConversationList {
	cl := &ConversationList{
		Conversations: ConversationsLoader(c, session, opts.Loader),
		Groups:        GroupsLoader(c, session, opts.Loader),
		session:       session,
		logger:        log.With().Str("component", "conversation_list").Logger(),
	}
	cl.stream = stream.NewMessageStream(session, opts.Stream, cl.HandleMessage)
	return cl
}

// Stream exposes the underlying message stream
func (cl *ConversationList) Stream() *stream.Stream { return cl.stream }

// Start begins auto-loading and streaming
func (cl *ConversationList) Start() {
	cl.Conversations.Start()
	cl.Groups.Start()
	cl.stream.Start()
}

// Close stops the stream and both loaders
func (cl *ConversationList) Close() {
	cl.stream.Close()
	cl.Conversations.Close()
	cl.Groups.Close()
}

// HandleMessage merges one pushed message. A message for a thread that is not
// in the list yet refreshes that list instead.
func (cl *ConversationList) HandleMessage(ev models.MessageEvent) {
	self := cl.session.State().UserID

	switch {
	case ev.GroupID != "":
		msg := ev.GroupMessage()
		known := false
		cl.Groups.Update(func(items []models.Group) ([]models.Group, bool) {
			var changed bool
			items, known, changed = mergeGroupMessage(items, msg, self)
			return items, changed
		})
		if !known {
			cl.logger.Debug().Str("group_id", msg.GroupID).Msg("Message for unknown group, refreshing")
			cl.Groups.Refresh()
		}

	case ev.ConversationID != "":
		msg := ev.Message()
		known := false
		cl.Conversations.Update(func(items []models.Conversation) ([]models.Conversation, bool) {
			var changed bool
			items, known, changed = mergeMessage(items, msg, self)
			return items, changed
		})
		if !known {
			cl.logger.Debug().Str("conversation_id", msg.ConversationID).Msg("Message for unknown conversation, refreshing")
			cl.Conversations.Refresh()
		}

	default:
		cl.logger.Warn().Str("id", ev.ID).Str("type", ev.Type).Msg("Message event without a target")
	}
}

// mergeMessage moves the message's conversation to the front with the new last
// message. A message already recorded as the last one is not counted twice.
func mergeMessage(items []models.Conversation, msg models.Message, self string) (out []models.Conversation, known, changed bool) {
	idx := -1
	for i, conv := range items {
		if conv.ID == msg.ConversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return items, false, false
	}

	conv := items[idx]
	if conv.LastMessage != nil && conv.LastMessage.ID == msg.ID {
		return items, true, false
	}
	m := msg
	conv.LastMessage = &m
	if msg.SenderID != self {
		conv.UnreadCount++
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}

	out = make([]models.Conversation, 0, len(items))
	out = append(out, conv)
	out = append(out, items[:idx]...)
	out = append(out, items[idx+1:]...)
	return out, true, true
}

func mergeGroupMessage(items []models.Group, msg models.GroupMessage, self string) (out []models.Group, known, changed bool) {
	idx := -1
	for i, g := range items {
		if g.ID == msg.GroupID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return items, false, false
	}

	g := items[idx]
	if g.LastMessage != nil && g.LastMessage.ID == msg.ID {
		return items, true, false
	}
	m := msg
	g.LastMessage = &m
	if msg.SenderID != self {
		g.UnreadCount++
	}
	if msg.CreatedAt.After(g.UpdatedAt) {
		g.UpdatedAt = msg.CreatedAt
	}

	out = make([]models.Group, 0, len(items))
	out = append(out, g)
	out = append(out, items[:idx]...)
	out = append(out, items[idx+1:]...)
	return out, true, true
}
