package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pulseline/internal/apiclient"
	"github.com/pulseline/internal/loader"
	"github.com/pulseline/internal/retry"
	"github.com/pulseline/internal/stream"
)

// Config represents the application configuration
type Config struct {
	API struct {
		BaseURL   string        `koanf:"base_url"`
		Timeout   time.Duration `koanf:"timeout"`
		RateLimit float64       `koanf:"rate_limit"`
		Burst     int           `koanf:"burst"`
		UserAgent string        `koanf:"user_agent"`
	} `koanf:"api"`

	Auth struct {
		ProviderURL     string        `koanf:"provider_url"`
		ClientID        string        `koanf:"client_id"`
		Leeway          time.Duration `koanf:"leeway"`
		CredentialsFile string        `koanf:"credentials_file"`
	} `koanf:"auth"`

	Loader struct {
		PageSize      int           `koanf:"page_size"`
		MaxRetries    int           `koanf:"max_retries"`
		RetryDelay    time.Duration `koanf:"retry_delay"`
		CacheTTL      time.Duration `koanf:"cache_ttl"`
		OptimisticTTL time.Duration `koanf:"optimistic_ttl"`
		AuthDebounce  time.Duration `koanf:"auth_debounce"`
	} `koanf:"loader"`

	Stream retry.RetryConfig `koanf:"stream"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
		Dir    string `koanf:"dir"`
	} `koanf:"log"`
}

// defaults mirror loader.DefaultOptions and retry.StreamRetryConfig
var defaults = map[string]interface{}{
	"api.base_url":          "http://localhost:8888",
	"api.timeout":           "30s",
	"api.rate_limit":        0,
	"api.burst":             1,
	"api.user_agent":        "pulseline",
	"auth.provider_url":     "",
	"auth.client_id":        "pulseline-cli",
	"auth.leeway":           "30s",
	"auth.credentials_file": "$HOME/.pulseline/credentials.json",
	"loader.page_size":      20,
	"loader.max_retries":    2,
	"loader.retry_delay":    "1s",
	"loader.cache_ttl":      "5m",
	"loader.optimistic_ttl": "5s",
	"loader.auth_debounce":  "50ms",
	"stream.base_delay":     "1s",
	"stream.max_delay":      "30s",
	"stream.multiplier":     1.5,
	"stream.jitter":         false,
	"log.level":             "info",
	"log.format":            "console",
	"log.dir":               "",
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./pulseline.toml", "$HOME/.pulseline.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix PULSELINE_. Only the first
	// underscore separates the section, so PULSELINE_API_BASE_URL is api.base_url.
	if err := k.Load(env.Provider("PULSELINE_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "PULSELINE_"))
		return strings.Replace(key, "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	config.Auth.CredentialsFile = os.ExpandEnv(config.Auth.CredentialsFile)
	config.Log.Dir = os.ExpandEnv(config.Log.Dir)

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	// Create sample configuration
	sampleConfig := `# pulseline configuration

[api]
base_url = "http://localhost:8888"
timeout = "30s"
# requests per second, 0 disables client-side pacing
rate_limit = 0

[auth]
# defaults to api.base_url
provider_url = ""
client_id = "pulseline-cli"
leeway = "30s"

[loader]
page_size = 20
max_retries = 2
retry_delay = "1s"
cache_ttl = "5m"

[stream]
base_delay = "1s"
max_delay = "30s"
multiplier = 1.5

[log]
level = "info"
format = "console"
# Directory for per-run JSON log files, empty to disable
dir = ""
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.API.BaseURL == "" {
		return fmt.Errorf("api base_url is required")
	}
	u, err := url.Parse(config.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api base_url %q must be an absolute http(s) url", config.API.BaseURL)
	}
	if config.API.RateLimit < 0 {
		return fmt.Errorf("api rate_limit must not be negative")
	}

	if config.Loader.PageSize < 1 {
		return fmt.Errorf("loader page_size must be at least 1")
	}
	if config.Loader.MaxRetries < 0 {
		return fmt.Errorf("loader max_retries must not be negative")
	}
	if config.Loader.RetryDelay <= 0 {
		return fmt.Errorf("loader retry_delay must be positive")
	}

	if config.Stream.BaseDelay <= 0 {
		return fmt.Errorf("stream base_delay must be positive")
	}
	if config.Stream.Multiplier < 1 {
		return fmt.Errorf("stream multiplier must be at least 1")
	}
	if config.Stream.MaxDelay != 0 && config.Stream.MaxDelay < config.Stream.BaseDelay {
		return fmt.Errorf("stream max_delay must not be below base_delay")
	}

	switch config.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format %q must be console or json", config.Log.Format)
	}

	return nil
}

// ProviderURL returns the token endpoint root, falling back to the API root
func (c *Config) ProviderURL() string {
	if c.Auth.ProviderURL != "" {
		return c.Auth.ProviderURL
	}
	return c.API.BaseURL
}

// APIClient returns the REST client settings
func (c *Config) APIClient() apiclient.Config {
	return apiclient.Config{
		BaseURL:   c.API.BaseURL,
		Timeout:   c.API.Timeout,
		RateLimit: c.API.RateLimit,
		Burst:     c.API.Burst,
		UserAgent: c.API.UserAgent,
	}
}

// LoaderOptions returns loader settings built on loader.DefaultOptions
func (c *Config) LoaderOptions() loader.Options {
	opts := loader.DefaultOptions()
	opts.PageSize = c.Loader.PageSize
	opts.MaxRetries = c.Loader.MaxRetries
	opts.RetryDelay = c.Loader.RetryDelay
	opts.CacheTTL = c.Loader.CacheTTL
	opts.OptimisticTTL = c.Loader.OptimisticTTL
	opts.AuthDebounce = c.Loader.AuthDebounce
	return opts
}

// StreamOptions returns stream settings pointed at the API root
func (c *Config) StreamOptions() stream.Options {
	return stream.Options{
		BaseURL: c.API.BaseURL,
		Retry:   c.Stream,
	}
}
