package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pulseline/internal/feeds"
	"github.com/pulseline/internal/loader"
	"github.com/pulseline/pkg/models"
)

var listResources = []string{"conversations", "messages", "groups", "group-messages", "posts", "notifications", "blocks", "diseases", "vitals"}

// ListCommand returns the list command
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "Page through a resource: " + strings.Join(listResources, ", "),
		ArgsUsage: "RESOURCE",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "pages",
				Usage: "Number of pages to load",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Conversation or group id for messages, user id for diseases and vitals",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Vital type filter, e.g. heart_rate",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print one JSON object per line",
			},
		},
		Action: runList,
	}
}

func runList(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: RESOURCE (one of %s)", strings.Join(listResources, ", "))
	}

	ws, err := openWorkspace(c.Context, c)
	if err != nil {
		return err
	}
	defer ws.persist()

	opts := ws.cfg.LoaderOptions()
	pages := c.Int("pages")
	asJSON := c.Bool("json")
	id := c.String("id")
	if id == "" {
		id = ws.session.State().UserID
	}

	switch resource := c.Args().Get(0); resource {
	case "conversations":
		return list(c.Context, feeds.ConversationsLoader(ws.client, ws.session, opts), pages, asJSON, formatConversation)
	case "messages":
		return list(c.Context, feeds.MessagesLoader(ws.client, ws.session, c.String("id"), opts), pages, asJSON, formatMessage)
	case "groups":
		return list(c.Context, feeds.GroupsLoader(ws.client, ws.session, opts), pages, asJSON, formatGroup)
	case "group-messages":
		return list(c.Context, feeds.GroupMessagesLoader(ws.client, ws.session, c.String("id"), opts), pages, asJSON, formatGroupMessage)
	case "posts":
		return list(c.Context, feeds.PostsLoader(ws.client, ws.session, opts), pages, asJSON, formatPost)
	case "notifications":
		return list(c.Context, feeds.NotificationsLoader(ws.client, ws.session, opts), pages, asJSON, formatNotification)
	case "blocks":
		return list(c.Context, feeds.BlocksLoader(ws.client, ws.session, opts), pages, asJSON, formatBlock)
	case "diseases":
		return list(c.Context, feeds.DiseasesLoader(ws.client, ws.session, id, opts), pages, asJSON, formatDisease)
	case "vitals":
		vitalType := models.VitalType(c.String("type"))
		return list(c.Context, feeds.VitalsLoader(ws.client, ws.session, id, vitalType, opts), pages, asJSON, formatVital)
	default:
		return fmt.Errorf("unknown resource %q (one of %s)", resource, strings.Join(listResources, ", "))
	}
}

// list loads up to pages pages and prints every item
func list[T any](ctx context.Context, l *loader.Loader[T], pages int, asJSON bool, format func(T) string) error {
	defer l.Close()

	snap, err := fetchPages(ctx, l, pages)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, item := range snap.Items {
		if asJSON {
			if err := enc.Encode(item); err != nil {
				return err
			}
			continue
		}
		fmt.Println(format(item))
	}

	if !asJSON {
		total := "?"
		if snap.Total != nil {
			total = fmt.Sprint(*snap.Total)
		}
		more := ""
		if snap.HasMore {
			more = ", more available"
		}
		fmt.Fprintf(os.Stderr, "%d of %s%s\n", len(snap.Items), total, more)
	}
	return nil
}

// fetchPages drives a loader page by page and waits for each to settle
func fetchPages[T any](ctx context.Context, l *loader.Loader[T], pages int) (loader.Snapshot[T], error) {
	settled := make(chan loader.Snapshot[T], 16)
	unsub := l.Subscribe(func(s loader.Snapshot[T]) {
		if !s.Busy() {
			select {
			case settled <- s:
			default:
			}
		}
	})
	defer unsub()

	snap := l.Snapshot()
	for page := 0; page < pages; page++ {
		var started bool
		if page == 0 {
			started = l.Load(true)
		} else {
			started = l.LoadMore()
		}
		if !started {
			break
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case snap = <-settled:
		}
		if snap.Err != nil {
			return snap, snap.Err
		}
		if !snap.HasMore {
			break
		}
	}
	return snap, nil
}

func formatConversation(c models.Conversation) string {
	last := ""
	if c.LastMessage != nil {
		last = c.LastMessage.Content
	}
	return fmt.Sprintf("%s  with %s  unread=%d  %q", c.ID, c.ParticipantID, c.UnreadCount, last)
}

func formatMessage(m models.Message) string {
	return fmt.Sprintf("%s  %s  %s: %s", m.CreatedAt.Format("Jan 02 15:04"), m.ID, m.SenderID, m.Content)
}

func formatGroup(g models.Group) string {
	last := ""
	if g.LastMessage != nil {
		last = g.LastMessage.Content
	}
	return fmt.Sprintf("%s  %s  members=%d  unread=%d  %q", g.ID, g.Name, len(g.MemberIDs), g.UnreadCount, last)
}

func formatGroupMessage(m models.GroupMessage) string {
	return fmt.Sprintf("%s  %s  %s: %s", m.CreatedAt.Format("Jan 02 15:04"), m.ID, m.SenderID, m.Content)
}

func formatPost(p models.Post) string {
	return fmt.Sprintf("%s  by %s  likes=%d  %s", p.ID, p.AuthorID, p.LikeCount, p.Content)
}

func formatNotification(n models.Notification) string {
	read := " "
	if !n.Read {
		read = "*"
	}
	return fmt.Sprintf("%s %s  %-8s from %s", read, n.ID, n.Type, n.ActorID)
}

func formatBlock(b models.Block) string {
	return fmt.Sprintf("%s  blocked %s", b.ID, b.BlockedID)
}

func formatDisease(d models.Disease) string {
	visibility := "private"
	if d.IsPublic {
		visibility = "public"
	}
	return fmt.Sprintf("%s  %s  (%s)", d.ID, d.Name, visibility)
}

func formatVital(v models.VitalRecord) string {
	value := fmt.Sprintf("%g", v.Value)
	if v.Secondary != nil {
		value = fmt.Sprintf("%g/%g", v.Value, *v.Secondary)
	}
	return fmt.Sprintf("%s  %-14s %s %s", v.RecordedAt.Format("Jan 02 15:04"), v.Type, value, v.Unit)
}
