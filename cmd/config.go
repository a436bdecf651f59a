package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pulseline/internal/config"
	"github.com/pulseline/internal/retry"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample pulseline.toml",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "pulseline.toml",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("output")
					if err := config.InitConfig(path); err != nil {
						return fmt.Errorf("failed to initialize config: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "Created configuration file at %s\n", path)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check the configuration and print the effective sync settings",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the effective configuration as JSON",
					},
				},
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	w := c.App.Writer
	lo := cfg.LoaderOptions()
	fmt.Fprintln(w, "Configuration is valid")
	fmt.Fprintf(w, "api      %s (timeout %s, rate %g/s)\n", cfg.API.BaseURL, cfg.API.Timeout, cfg.API.RateLimit)
	fmt.Fprintf(w, "auth     %s, token leeway %s\n", cfg.ProviderURL(), cfg.Auth.Leeway)
	fmt.Fprintf(w, "loader   page size %d, cache %s, optimistic %s, debounce %s\n",
		lo.PageSize, lo.CacheTTL, lo.OptimisticTTL, lo.AuthDebounce)
	fmt.Fprintf(w, "         network retries %s\n", loaderSchedule(lo.MaxRetries, lo.RetryDelay))
	fmt.Fprintf(w, "stream   reconnect after %s\n", streamSchedule(cfg.Stream, 6))
	fmt.Fprintf(w, "log      %s/%s%s\n", cfg.Log.Level, cfg.Log.Format, logDir(cfg.Log.Dir))
	fmt.Fprintf(w, "login    %s\n", cfg.Auth.CredentialsFile)
	return nil
}

// loaderSchedule lists the waits before each automatic retry
func loaderSchedule(retries int, base time.Duration) string {
	if retries <= 0 {
		return "off"
	}
	policy := retry.RetryConfig{MaxRetries: retries, BaseDelay: base, Multiplier: 2.0}
	waits := make([]string, 0, retries)
	for attempt := 1; attempt <= retries; attempt++ {
		waits = append(waits, policy.Delay(attempt).String())
	}
	return strings.Join(waits, ", ")
}

// streamSchedule lists the reconnect delays after n consecutive failures
func streamSchedule(policy retry.RetryConfig, n int) string {
	b := retry.NewBackoff(policy)
	waits := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		waits = append(waits, b.Escalate().Round(time.Millisecond).String())
	}
	if policy.MaxDelay > 0 {
		waits = append(waits, "... capped at "+policy.MaxDelay.String())
	}
	return strings.Join(waits, ", ")
}

func logDir(dir string) string {
	if dir == "" {
		return ""
	}
	return ", session logs in " + dir
}

