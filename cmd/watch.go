package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pulseline/internal/feeds"
	"github.com/pulseline/internal/loader"
	"github.com/pulseline/internal/stream"
)

// WatchCommand returns the watch command
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Keep a list live over the push streams: conversations, notifications or feed",
		ArgsUsage: "TARGET",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "top",
				Usage: "Number of items printed on every change",
				Value: 5,
			},
		},
		Action: runWatch,
	}
}

type watcher interface {
	Start()
	Close()
	Stream() *stream.Stream
}

func runWatch(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: TARGET (conversations, notifications or feed)")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(ctx, c)
	if err != nil {
		return err
	}
	defer ws.persist()

	opts := feeds.Options{Loader: ws.cfg.LoaderOptions(), Stream: ws.cfg.StreamOptions()}
	top := c.Int("top")

	var w watcher
	switch target := c.Args().Get(0); target {
	case "conversations":
		cl := feeds.NewConversationList(ws.client, ws.session, opts)
		cl.Conversations.Subscribe(printTop("conversations", top, formatConversation))
		cl.Groups.Subscribe(printTop("groups", top, formatGroup))
		w = cl
	case "notifications":
		in := feeds.NewInbox(ws.client, ws.session, opts)
		in.Notifications.Subscribe(printTop("notifications", top, formatNotification))
		w = in
	case "feed":
		f := feeds.NewFeed(ws.client, ws.session, opts)
		f.Posts.Subscribe(printTop("feed", top, formatPost))
		w = f
	default:
		return fmt.Errorf("unknown watch target %q", target)
	}

	w.Stream().OnStateChange(func(s stream.State) {
		log.Info().Str("state", s.String()).Msg("Stream state")
	})

	// SIGUSR1 and SIGUSR2 stand in for the app moving to the background and back
	visibility := make(chan os.Signal, 1)
	signal.Notify(visibility, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(visibility)

	w.Start()
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-visibility:
			w.Stream().SetVisible(sig == syscall.SIGUSR2)
		}
	}
}

func printTop[T any](title string, top int, format func(T) string) func(loader.Snapshot[T]) {
	return func(s loader.Snapshot[T]) {
		if s.Busy() {
			return
		}
		if s.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", title, s.Err)
			return
		}
		source := ""
		if s.FromCache {
			source = " (cached)"
		}
		fmt.Printf("== %s: %d items%s\n", title, len(s.Items), source)
		for i, item := range s.Items {
			if i == top {
				break
			}
			fmt.Println("  " + format(item))
		}
	}
}
