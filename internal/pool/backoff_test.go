package pool

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base, limit := 500*time.Millisecond, 30*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(base, limit, tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Capacity != 1 {
		t.Errorf("Capacity = %d, want 1", cfg.Capacity)
	}
	if cfg.StartupAttempts != DefaultStartupAttempts {
		t.Errorf("StartupAttempts = %d", cfg.StartupAttempts)
	}
	if cfg.BackoffBase != DefaultBackoffBase || cfg.BackoffMax != DefaultBackoffMax {
		t.Errorf("backoff = %v/%v", cfg.BackoffBase, cfg.BackoffMax)
	}
	if cfg.RecycleAfter != 0 || cfg.MaxConsecutiveFailures != 0 {
		t.Error("recycling should stay disabled by default")
	}
}
