package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" koanf:"max_retries"` // Maximum number of retry attempts
	BaseDelay  time.Duration `json:"base_delay" koanf:"base_delay"`   // Delay before the first retry
	MaxDelay   time.Duration `json:"max_delay" koanf:"max_delay"`     // Upper bound for any delay, 0 means unbounded
	Multiplier float64       `json:"multiplier" koanf:"multiplier"`   // Exponential backoff multiplier
	Jitter     bool          `json:"jitter" koanf:"jitter"`           // Add up to 10% random jitter
}

// LoaderRetryConfig returns the policy used by paginated loaders:
// retryDelay * 2^(attempt-1), two retries
func LoaderRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  1 * time.Second,
		Multiplier: 2.0,
	}
}

// StreamRetryConfig returns the reconnect policy used by push streams.
// Streams retry forever, so MaxRetries is not consulted.
func StreamRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 1.5,
	}
}

// Delay returns the wait before retry number attempt (1-based)
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return calculateDelay(c, attempt-1)
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	// baseDelay * multiplier^attempt
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		jitter := (rand.Float64() - 0.5) * 2 * jitterRange
		delay += jitter

		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// Backoff is the mutable reconnect delay of a long-lived connection.
// Escalate grows it by Multiplier up to MaxDelay, Reset returns it to BaseDelay.
type Backoff struct {
	mu      sync.Mutex
	config  RetryConfig
	current time.Duration
}

// NewBackoff creates a Backoff at the config's base delay
func NewBackoff(config RetryConfig) *Backoff {
	return &Backoff{config: config, current: config.BaseDelay}
}

// Current returns the delay without changing it
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Escalate multiplies the delay, applies the cap and returns the new value
func (b *Backoff) Escalate() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := time.Duration(float64(b.current) * b.config.Multiplier)
	if b.config.MaxDelay > 0 && next > b.config.MaxDelay {
		next = b.config.MaxDelay
	}
	b.current = next
	return next
}

// Reset returns the delay to the base value and returns it
func (b *Backoff) Reset() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.config.BaseDelay
	return b.current
}
