package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenPair represents access and refresh tokens issued by the auth provider
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"` // seconds
	TokenType    string `json:"token_type"`           // "Bearer"
}

// Provider issues access tokens without user interaction
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// ProviderError is a non-2xx response from the token endpoint
type ProviderError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("auth provider: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("auth provider: %s", e.Code)
}

// StatusCode returns the HTTP status of the failed request
func (e *ProviderError) StatusCode() int { return e.Status }

// ProviderClient talks to the OAuth-style token endpoint of the auth provider
type ProviderClient struct {
	baseURL  string
	clientID string
	client   *http.Client
}

// NewProviderClient creates a client for the provider at baseURL
func NewProviderClient(baseURL, clientID string, timeout time.Duration) *ProviderClient {
	return &ProviderClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		client:   &http.Client{Timeout: timeout},
	}
}

// Refresh exchanges a refresh token for a new access token (silent refresh)
func (p *ProviderClient) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return p.requestToken(ctx, form)
}

// Password performs a resource-owner password grant. Only the CLI login uses it.
func (p *ProviderClient) Password(ctx context.Context, username, password string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	return p.requestToken(ctx, form)
}

func (p *ProviderClient) requestToken(ctx context.Context, form url.Values) (*TokenPair, error) {
	if p.clientID != "" {
		form.Set("client_id", p.clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(body, perr); jerr != nil || perr.Code == "" {
			perr.Code = http.StatusText(resp.StatusCode)
		}
		log.Debug().
			Int("status", resp.StatusCode).
			Str("grant_type", form.Get("grant_type")).
			Str("error", perr.Code).
			Msg("Token request rejected")
		return nil, perr
	}

	var pair TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	return &pair, nil
}
