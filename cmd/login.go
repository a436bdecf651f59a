package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pulseline/internal/auth"
)

// LoginCommand returns the login command
func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign in and store a refresh token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "username",
				Aliases:  []string{"u"},
				Usage:    "Account username",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "password",
				Usage:    "Account password",
				EnvVars:  []string{"PULSELINE_PASSWORD"},
				Required: true,
			},
		},
		Action: runLogin,
	}
}

// LogoutCommand returns the logout command
func LogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Forget the stored refresh token",
		Action: runLogout,
	}
}

func runLogin(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	pair, err := newProvider(cfg).Password(c.Context, c.String("username"), c.String("password"))
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if pair.RefreshToken == "" {
		return fmt.Errorf("login failed: provider issued no refresh token")
	}

	creds := auth.Credentials{
		RefreshToken: pair.RefreshToken,
		UserID:       auth.Subject(pair.AccessToken),
		Username:     c.String("username"),
	}
	if err := auth.SaveCredentials(cfg.Auth.CredentialsFile, creds); err != nil {
		return err
	}

	fmt.Printf("Logged in as %s (%s)\n", creds.Username, creds.UserID)
	return nil
}

func runLogout(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := os.Remove(cfg.Auth.CredentialsFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	fmt.Println("Logged out")
	return nil
}
