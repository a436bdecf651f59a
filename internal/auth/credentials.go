package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is what login persists between CLI runs. Access tokens are
// never stored; they are re-derived from the refresh token.
type Credentials struct {
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`
}

// ErrNoCredentials means nobody has logged in on this machine
var ErrNoCredentials = errors.New("not logged in")

// SaveCredentials writes creds to path with owner-only permissions
func SaveCredentials(path string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// LoadCredentials reads the file written by SaveCredentials
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return creds, ErrNoCredentials
	}
	if err != nil {
		return creds, fmt.Errorf("failed to read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}
	if creds.RefreshToken == "" {
		return creds, ErrNoCredentials
	}
	return creds, nil
}

// PersistRotation keeps the stored refresh token current after a rotation
func PersistRotation(path string, tokens *TokenManager, creds Credentials) error {
	rt := tokens.RefreshToken()
	if rt == "" || rt == creds.RefreshToken {
		return nil
	}
	creds.RefreshToken = rt
	return SaveCredentials(path, creds)
}
