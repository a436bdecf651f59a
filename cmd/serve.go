package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pulseline/internal/fakebackend"
	"github.com/pulseline/internal/logging"
)

// ServeFakeCommand returns the CLI command for starting the in-memory backend
func ServeFakeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve-fake",
		Usage: "Start an in-memory backend with REST, token and stream endpoints",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the server",
				Value:   8888,
			},
			&cli.BoolFlag{
				Name:  "seed",
				Usage: "Load demo users, conversations and posts",
				Value: true,
			},
			&cli.DurationFlag{
				Name:  "ping",
				Usage: "Interval between stream keep-alive pings",
				Value: 25 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "access-ttl",
				Usage: "Lifetime of issued access tokens",
				Value: 15 * time.Minute,
			},
		},
		Action: runServeFake,
	}
}

func runServeFake(c *cli.Context) error {
	level := c.String("log-level")
	if level == "" {
		level = "info"
	}
	if err := logging.Setup(level, "console", nil); err != nil {
		return err
	}

	server := fakebackend.NewServer(fakebackend.Options{
		AccessTTL:    c.Duration("access-ttl"),
		PingInterval: c.Duration("ping"),
		LogRequests:  true,
	})

	if c.Bool("seed") {
		users, err := server.Seed()
		if err != nil {
			return fmt.Errorf("failed to seed data: %w", err)
		}
		names := make([]string, 0, len(users))
		for name := range users {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Seeded users (password \"password\"):")
		for _, name := range names {
			fmt.Printf("  %-6s %s\n", name, users[name])
		}
	}

	port := c.Int("port")
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	fmt.Printf("Starting fake backend on port %d...\n", port)

	// Wait for interrupt signal to gracefully shut down the server
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	return server.Serve(ctx, ln)
}
