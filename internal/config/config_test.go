package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigFile, envListenAddr, envDBPath, envLogLevel, envPoolCapacity,
		envQueueDepth, envJobTimeout, envJobMaxTimeout, envEngineStartupTimeout,
		envEngineStartupAttempts, envEngineBackoffBase, envEngineBackoffMax,
		envEngineRecycleAfter, envEngineMaxFailures, envMaxUploadBytes,
		envRateLimit, envRateBurst, envResultTTL, envEventRetention, envShutdownTimeout,
	} {
		t.Setenv(key, "")
	}
	t.Setenv(envMaintenanceSchedule, "")
	os.Unsetenv(envMaintenanceSchedule)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anvil.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.QueueDepth != defaultQueueDepth {
		t.Errorf("QueueDepth = %d, want %d", cfg.QueueDepth, defaultQueueDepth)
	}
	if cfg.JobTimeout != defaultJobTimeout || cfg.JobMaxTimeout != defaultJobMaxTimeout {
		t.Errorf("timeouts = %v/%v", cfg.JobTimeout, cfg.JobMaxTimeout)
	}
	if cfg.MaintenanceSchedule != defaultMaintenanceSchedule {
		t.Errorf("MaintenanceSchedule = %q, want %q", cfg.MaintenanceSchedule, defaultMaintenanceSchedule)
	}
	if cfg.PoolCapacity != 0 {
		t.Errorf("PoolCapacity = %d, want 0 (auto)", cfg.PoolCapacity)
	}
	if cfg.EngineMaxFailures != 0 {
		t.Errorf("EngineMaxFailures = %d, want 0 (rejections never recycle)", cfg.EngineMaxFailures)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want empty", cfg.File)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envPoolCapacity, "3")
	t.Setenv(envQueueDepth, "10")
	t.Setenv(envJobTimeout, "45s")
	t.Setenv(envEngineRecycleAfter, "0")
	t.Setenv(envEngineMaxFailures, "3")
	t.Setenv(envMaintenanceSchedule, "")
	t.Setenv(envMaxUploadBytes, "1048576")
	t.Setenv(envRateLimit, "2.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.PoolCapacity != 3 || cfg.QueueDepth != 10 {
		t.Errorf("capacity/depth = %d/%d, want 3/10", cfg.PoolCapacity, cfg.QueueDepth)
	}
	if cfg.JobTimeout != 45*time.Second {
		t.Errorf("JobTimeout = %v, want 45s", cfg.JobTimeout)
	}
	if cfg.EngineRecycleAfter != 0 {
		t.Errorf("EngineRecycleAfter = %d, want 0", cfg.EngineRecycleAfter)
	}
	if cfg.EngineMaxFailures != 3 {
		t.Errorf("EngineMaxFailures = %d, want 3", cfg.EngineMaxFailures)
	}
	if cfg.MaintenanceSchedule != "" {
		t.Errorf("MaintenanceSchedule = %q, want disabled", cfg.MaintenanceSchedule)
	}
	if cfg.MaxUploadBytes != 1<<20 || cfg.RateLimit != 2.5 {
		t.Errorf("upload/rate = %d/%v", cfg.MaxUploadBytes, cfg.RateLimit)
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{envQueueDepth, "lots"},
		{envJobTimeout, "5 minutes"},
		{envMaxUploadBytes, "1GB"},
		{envRateLimit, "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(""); !errors.Is(err, ErrInvalidValue) {
				t.Errorf("err = %v, want ErrInvalidValue", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative capacity", func(c *Config) { c.PoolCapacity = -1 }},
		{"zero depth", func(c *Config) { c.QueueDepth = 0 }},
		{"timeout above max", func(c *Config) { c.JobTimeout = time.Hour }},
		{"backoff inverted", func(c *Config) { c.EngineBackoffBase = time.Hour }},
		{"no uploads", func(c *Config) { c.MaxUploadBytes = 0 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
		{"bad schedule", func(c *Config) { c.MaintenanceSchedule = "every tuesday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidValue) {
				t.Errorf("Validate = %v, want ErrInvalidValue", err)
			}
		})
	}
	if err := Defaults().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}

	cfg := Defaults()
	cfg.MaintenanceSchedule = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty schedule should disable maintenance, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
listen_addr: ":7000"
log_level: warn
pool:
  capacity: 4
queue:
  depth: 8
  timeout: 30s
engine:
  backoff_base: 1s
  maintenance_schedule: "@every 1h"
http:
  rate_limit: 5
  result_ttl: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7000" || cfg.LogLevel != slog.LevelWarn {
		t.Errorf("listen/level = %q/%v", cfg.ListenAddr, cfg.LogLevel)
	}
	if cfg.PoolCapacity != 4 || cfg.QueueDepth != 8 || cfg.JobTimeout != 30*time.Second {
		t.Errorf("pool/queue = %d/%d/%v", cfg.PoolCapacity, cfg.QueueDepth, cfg.JobTimeout)
	}
	if cfg.EngineBackoffBase != time.Second || cfg.MaintenanceSchedule != "@every 1h" {
		t.Errorf("engine = %v/%q", cfg.EngineBackoffBase, cfg.MaintenanceSchedule)
	}
	if cfg.RateLimit != 5 || cfg.ResultTTL != time.Minute {
		t.Errorf("http = %v/%v", cfg.RateLimit, cfg.ResultTTL)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("unset DBPath = %q, want default", cfg.DBPath)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "queue:\n  depth: 8\n")
	t.Setenv(envQueueDepth, "16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueDepth != 16 {
		t.Errorf("QueueDepth = %d, want 16", cfg.QueueDepth)
	}
}

func TestLoadFileFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigFile, writeFile(t, "db_path: /var/lib/anvil.db\n"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/anvil.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"empty", "", ErrEmptyFile},
		{"bad duration", "queue:\n  timeout: soon\n", ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Load(writeFile(t, "unknown_key: 1\n")); err == nil {
		t.Error("unknown key accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestResolvePoolSize(t *testing.T) {
	if got := ResolvePoolSize(5); got != 5 {
		t.Errorf("ResolvePoolSize(5) = %d, want 5", got)
	}
	want := min(max(runtime.GOMAXPROCS(0)/2, 1), maxAutoPoolSize)
	if got := ResolvePoolSize(0); got != want {
		t.Errorf("ResolvePoolSize(0) = %d, want %d", got, want)
	}
	if got := ResolvePoolSize(0); got < 1 || got > maxAutoPoolSize {
		t.Errorf("ResolvePoolSize(0) = %d, outside [1, %d]", got, maxAutoPoolSize)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestNewLoggerFollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger := NewLogger(&buf, &level)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	level.Set(slog.LevelDebug)
	logger.Debug("shown")
	if buf.Len() == 0 {
		t.Error("debug not logged after lowering the level")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "log_level: info\n")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	var (
		mu     sync.Mutex
		levels []slog.Level
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(cfg Config) {
			mu.Lock()
			levels = append(levels, cfg.LogLevel)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(levels)
		var last slog.Level
		if n > 0 {
			last = levels[n-1]
		}
		mu.Unlock()
		if n > 0 && last == slog.LevelDebug {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("config change not observed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestWatchKeepsConfigOnParseError(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "log_level: info\n")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	calls := make(chan Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Watch(ctx, path, logger, func(cfg Config) { calls <- cfg })
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("queue: [\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-calls:
		t.Errorf("onChange called with %+v for a broken file", cfg)
	case <-time.After(600 * time.Millisecond):
	}
}
