package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pulseline/internal/apiclient"
	"github.com/pulseline/internal/auth"
	"github.com/pulseline/internal/clock"
	"github.com/pulseline/internal/config"
	"github.com/pulseline/internal/logging"
)

// loadConfig loads and validates the configuration, then sets up logging
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Log.Dir == "" {
		if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, nil); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if sessionLog == nil {
		sessionLog, err = logging.OpenSessionLog(cfg.Log.Dir, c.Command.Name, time.Now())
		if err != nil {
			return nil, err
		}
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, nil, sessionLog); err != nil {
		return nil, err
	}
	log.Debug().Str("path", sessionLog.Path()).Msg("Writing session log")
	return cfg, nil
}

func newProvider(cfg *config.Config) *auth.ProviderClient {
	return auth.NewProviderClient(cfg.ProviderURL(), cfg.Auth.ClientID, cfg.API.Timeout)
}

// workspace is a signed-in session plus the client that uses it
type workspace struct {
	cfg     *config.Config
	creds   auth.Credentials
	session *auth.Session
	client  *apiclient.Client
}

// openWorkspace signs in with the stored refresh token
func openWorkspace(ctx context.Context, c *cli.Context) (*workspace, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	creds, err := auth.LoadCredentials(cfg.Auth.CredentialsFile)
	if errors.Is(err, auth.ErrNoCredentials) {
		return nil, fmt.Errorf("not logged in, run `pulseline login` first")
	}
	if err != nil {
		return nil, err
	}

	tokens := auth.NewTokenManager(newProvider(cfg), clock.Real())
	tokens.Leeway = cfg.Auth.Leeway
	session := auth.NewSession(tokens)
	if err := session.Begin(ctx, creds.RefreshToken); err != nil {
		return nil, err
	}

	client, err := apiclient.New(cfg.APIClient())
	if err != nil {
		return nil, err
	}

	ws := &workspace{cfg: cfg, creds: creds, session: session, client: client}
	ws.persist()
	return ws, nil
}

// persist stores a rotated refresh token so the next run can sign in
func (ws *workspace) persist() {
	if err := auth.PersistRotation(ws.cfg.Auth.CredentialsFile, ws.session.Tokens(), ws.creds); err != nil {
		log.Warn().Err(err).Msg("Failed to save rotated refresh token")
		return
	}
	ws.creds.RefreshToken = ws.session.Tokens().RefreshToken()
}
