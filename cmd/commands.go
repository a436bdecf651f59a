package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pulseline/internal/logging"
)

// sessionLog is opened by the first loadConfig of a run when log.dir is set
var sessionLog *logging.SessionLog

// After closes the session log, if one was opened
func After(c *cli.Context) error {
	err := sessionLog.Close()
	sessionLog = nil
	return err
}

// GlobalFlags returns the flags shared by every command
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Load configuration from `FILE` (default ./pulseline.toml, then ~/.pulseline.toml)",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Override the configured log level",
			EnvVars: []string{"PULSELINE_LOG_LEVEL"},
		},
	}
}

// Commands returns every top-level command
func Commands() []*cli.Command {
	return []*cli.Command{
		ConfigCommand(),
		LoginCommand(),
		LogoutCommand(),
		ListCommand(),
		WatchCommand(),
		ServeFakeCommand(),
	}
}
