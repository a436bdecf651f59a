package retry

import (
	"math"
	"testing"
	"time"
)

func TestLoaderRetryConfig(t *testing.T) {
	config := LoaderRetryConfig()

	if config.MaxRetries != 2 {
		t.Errorf("Expected MaxRetries=2, got %d", config.MaxRetries)
	}

	if config.BaseDelay != time.Second {
		t.Errorf("Expected BaseDelay=1s, got %v", config.BaseDelay)
	}

	if config.Multiplier != 2.0 {
		t.Errorf("Expected Multiplier=2.0, got %f", config.Multiplier)
	}

	if config.Jitter {
		t.Error("Expected Jitter=false")
	}
}

func TestStreamRetryConfig(t *testing.T) {
	config := StreamRetryConfig()

	if config.BaseDelay != time.Second {
		t.Errorf("Expected BaseDelay=1s, got %v", config.BaseDelay)
	}

	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay=30s, got %v", config.MaxDelay)
	}

	if config.Multiplier != 1.5 {
		t.Errorf("Expected Multiplier=1.5, got %f", config.Multiplier)
	}
}

func TestDelay(t *testing.T) {
	config := RetryConfig{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
	}

	expected := []time.Duration{
		100 * time.Millisecond, // attempt 1
		200 * time.Millisecond, // attempt 2
		400 * time.Millisecond, // attempt 3
		800 * time.Millisecond, // attempt 4
	}

	for i, want := range expected {
		if got := config.Delay(i + 1); got != want {
			t.Errorf("Attempt %d: expected %v, got %v", i+1, want, got)
		}
	}

	if got := config.Delay(0); got != config.BaseDelay {
		t.Errorf("Expected attempt 0 to clamp to base delay, got %v", got)
	}
}

func TestDelay_MaxDelay(t *testing.T) {
	config := RetryConfig{
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 10.0,
	}

	if got := config.Delay(3); got != 5*time.Second {
		t.Errorf("Expected delay capped at 5s, got %v", got)
	}
}

func TestDelay_Jitter(t *testing.T) {
	config := RetryConfig{
		BaseDelay:  1 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	// With jitter, delays should vary but stay within 10% of the base calculation
	for i := 0; i < 10; i++ {
		delay := config.Delay(1)
		if delay < 900*time.Millisecond || delay > 1100*time.Millisecond {
			t.Errorf("Delay with jitter outside expected range: %v", delay)
		}
	}
}

func TestBackoff_EscalateFollowsPowerSeries(t *testing.T) {
	b := NewBackoff(StreamRetryConfig())

	if b.Current() != time.Second {
		t.Fatalf("Expected initial delay 1s, got %v", b.Current())
	}

	for n := 1; n <= 8; n++ {
		got := b.Escalate()
		want := time.Duration(math.Min(1000*math.Pow(1.5, float64(n)), 30000) * float64(time.Millisecond))
		if got != want {
			t.Errorf("After %d escalations: expected %v, got %v", n, want, got)
		}
	}
}

func TestBackoff_Cap(t *testing.T) {
	b := NewBackoff(StreamRetryConfig())

	for i := 0; i < 20; i++ {
		b.Escalate()
	}

	if b.Current() != 30*time.Second {
		t.Errorf("Expected delay capped at 30s, got %v", b.Current())
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(StreamRetryConfig())
	b.Escalate()
	b.Escalate()

	if got := b.Reset(); got != time.Second {
		t.Errorf("Expected reset to 1s, got %v", got)
	}

	if got := b.Escalate(); got != 1500*time.Millisecond {
		t.Errorf("Expected first escalation after reset to be 1.5s, got %v", got)
	}
}
