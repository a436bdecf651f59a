// Package apiclient is the REST client for the pulseline backend. Every call
// takes the bearer token as an argument; the client keeps no auth state.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config holds the connection settings for a Client
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
	UserAgent string
}

// Client is a rate-limited JSON client for the backend's resource endpoints
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	RateLimiter *rate.Limiter
	userAgent   string
	logger      zerolog.Logger
}

// HTTPError is a non-2xx backend response
type HTTPError struct {
	Status  int               `json:"-"`
	Method  string            `json:"-"`
	Path    string            `json:"-"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// StatusCode returns the HTTP status
func (e *HTTPError) StatusCode() int { return e.Status }

// FieldErrors returns per-field validation messages, if the backend sent any
func (e *HTTPError) FieldErrors() map[string]string { return e.Fields }

// New creates a Client
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "pulseline"
	}

	return &Client{
		baseURL:     base,
		httpClient:  &http.Client{Timeout: timeout},
		RateLimiter: limiter,
		userAgent:   userAgent,
		logger:      log.With().Str("component", "apiclient").Logger(),
	}, nil
}

// BaseURL returns the backend root the client talks to
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// pageQuery builds the skip/limit query used by every paginated endpoint
func pageQuery(skip, limit int) url.Values {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))
	return q
}

func (c *Client) makeRequest(ctx context.Context, token, method, path string, query url.Values, body, out interface{}) error {
	if err := c.RateLimiter.Wait(ctx); err != nil {
		return err
	}

	u := *c.baseURL
	u.Path = u.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("request_id", requestID).
		Dur("duration", time.Since(start)).
		Msg("API request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeHTTPError(resp, method, path)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeHTTPError(resp *http.Response, method, path string) error {
	httpErr := &HTTPError{Status: resp.StatusCode, Method: method, Path: path}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(body) == 0 {
		return httpErr
	}

	// accepts {"message": ...}, {"detail": ...} and {"error": ...}
	var envelope struct {
		Message string            `json:"message"`
		Detail  json.RawMessage   `json:"detail"`
		Error   string            `json:"error"`
		Fields  map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpErr.Message = strings.TrimSpace(string(body))
		return httpErr
	}

	httpErr.Fields = envelope.Fields
	switch {
	case envelope.Message != "":
		httpErr.Message = envelope.Message
	case envelope.Error != "":
		httpErr.Message = envelope.Error
	case len(envelope.Detail) > 0:
		var detail string
		if json.Unmarshal(envelope.Detail, &detail) == nil {
			httpErr.Message = detail
		} else {
			httpErr.Message = string(envelope.Detail)
		}
	}
	return httpErr
}
