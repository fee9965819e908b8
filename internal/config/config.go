package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultListenAddr            = ":8080"
	defaultDBPath                = "anvil.db"
	defaultQueueDepth            = 64
	defaultJobTimeout            = 120 * time.Second
	defaultJobMaxTimeout         = 10 * time.Minute
	defaultEngineStartupTimeout  = 30 * time.Second
	defaultEngineStartupAttempts = 5
	defaultEngineBackoffBase     = 500 * time.Millisecond
	defaultEngineBackoffMax      = 30 * time.Second
	defaultEngineRecycleAfter    = 200
	defaultEngineMaxFailures     = 0 // rejections are the document's fault
	defaultMaintenanceSchedule   = "@every 10m"
	defaultMaxUploadBytes        = 512 << 20
	defaultRateBurst             = 20
	defaultResultTTL             = 5 * time.Minute
	defaultEventRetention        = 7 * 24 * time.Hour
	defaultShutdownTimeout       = 30 * time.Second

	// maxAutoPoolSize caps the pool size derived from GOMAXPROCS.
	maxAutoPoolSize = 8

	envConfigFile            = "ANVIL_CONFIG"
	envListenAddr            = "ANVIL_LISTEN_ADDR"
	envDBPath                = "ANVIL_DB_PATH"
	envLogLevel              = "ANVIL_LOG_LEVEL"
	envPoolCapacity          = "ANVIL_POOL_CAPACITY"
	envQueueDepth            = "ANVIL_QUEUE_DEPTH"
	envJobTimeout            = "ANVIL_JOB_TIMEOUT"
	envJobMaxTimeout         = "ANVIL_JOB_MAX_TIMEOUT"
	envEngineStartupTimeout  = "ANVIL_ENGINE_STARTUP_TIMEOUT"
	envEngineStartupAttempts = "ANVIL_ENGINE_STARTUP_ATTEMPTS"
	envEngineBackoffBase     = "ANVIL_ENGINE_BACKOFF_BASE"
	envEngineBackoffMax      = "ANVIL_ENGINE_BACKOFF_MAX"
	envEngineRecycleAfter    = "ANVIL_ENGINE_RECYCLE_AFTER"
	envEngineMaxFailures     = "ANVIL_ENGINE_MAX_FAILURES"
	envMaintenanceSchedule   = "ANVIL_MAINTENANCE_SCHEDULE"
	envMaxUploadBytes        = "ANVIL_MAX_UPLOAD_BYTES"
	envRateLimit             = "ANVIL_RATE_LIMIT"
	envRateBurst             = "ANVIL_RATE_BURST"
	envResultTTL             = "ANVIL_RESULT_TTL"
	envEventRetention        = "ANVIL_EVENT_RETENTION"
	envShutdownTimeout       = "ANVIL_SHUTDOWN_TIMEOUT"
)

// ErrInvalidValue is returned when a setting cannot be parsed.
var ErrInvalidValue = errors.New("invalid config value")

// Config holds server configuration. Values come from defaults, then the
// optional YAML file, then environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// PoolCapacity of zero sizes the pool from GOMAXPROCS.
	PoolCapacity  int
	QueueDepth    int
	JobTimeout    time.Duration
	JobMaxTimeout time.Duration

	EngineStartupTimeout  time.Duration
	EngineStartupAttempts int
	EngineBackoffBase     time.Duration
	EngineBackoffMax      time.Duration
	EngineRecycleAfter    int
	EngineMaxFailures     int

	// MaintenanceSchedule is a cron spec. Empty disables maintenance.
	MaintenanceSchedule string

	MaxUploadBytes int64

	// RateLimit is submissions per second across all clients. Zero disables.
	RateLimit float64
	RateBurst int

	ResultTTL       time.Duration
	EventRetention  time.Duration
	ShutdownTimeout time.Duration

	// File is the YAML file the configuration was read from, if any.
	File string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:            defaultListenAddr,
		DBPath:                defaultDBPath,
		LogLevel:              slog.LevelInfo,
		QueueDepth:            defaultQueueDepth,
		JobTimeout:            defaultJobTimeout,
		JobMaxTimeout:         defaultJobMaxTimeout,
		EngineStartupTimeout:  defaultEngineStartupTimeout,
		EngineStartupAttempts: defaultEngineStartupAttempts,
		EngineBackoffBase:     defaultEngineBackoffBase,
		EngineBackoffMax:      defaultEngineBackoffMax,
		EngineRecycleAfter:    defaultEngineRecycleAfter,
		EngineMaxFailures:     defaultEngineMaxFailures,
		MaintenanceSchedule:   defaultMaintenanceSchedule,
		MaxUploadBytes:        defaultMaxUploadBytes,
		RateBurst:             defaultRateBurst,
		ResultTTL:             defaultResultTTL,
		EventRetention:        defaultEventRetention,
		ShutdownTimeout:       defaultShutdownTimeout,
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// ANVIL_CONFIG is consulted. Environment variables override the file.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.File = path
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would make the server misbehave.
func (c Config) Validate() error {
	var errs []error
	if c.PoolCapacity < 0 {
		errs = append(errs, fmt.Errorf("%w: pool capacity %d", ErrInvalidValue, c.PoolCapacity))
	}
	if c.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("%w: queue depth %d", ErrInvalidValue, c.QueueDepth))
	}
	if c.JobTimeout <= 0 || c.JobMaxTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: job timeouts must be positive", ErrInvalidValue))
	} else if c.JobTimeout > c.JobMaxTimeout {
		errs = append(errs, fmt.Errorf("%w: job timeout %s exceeds max %s", ErrInvalidValue, c.JobTimeout, c.JobMaxTimeout))
	}
	if c.EngineBackoffBase > c.EngineBackoffMax {
		errs = append(errs, fmt.Errorf("%w: backoff base %s exceeds max %s", ErrInvalidValue, c.EngineBackoffBase, c.EngineBackoffMax))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("%w: max upload bytes %d", ErrInvalidValue, c.MaxUploadBytes))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: rate limit %v", ErrInvalidValue, c.RateLimit))
	}
	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			errs = append(errs, fmt.Errorf("%w: maintenance schedule %q: %v", ErrInvalidValue, c.MaintenanceSchedule, err))
		}
	}
	return errors.Join(errs...)
}

// ResolvePoolSize returns n when positive, otherwise half of GOMAXPROCS
// clamped to [1, 8].
func ResolvePoolSize(n int) int {
	if n > 0 {
		return n
	}
	return min(max(runtime.GOMAXPROCS(0)/2, 1), maxAutoPoolSize)
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v))
				return
			}
			*dst = d
		}
	}

	str(envListenAddr, &cfg.ListenAddr)
	str(envDBPath, &cfg.DBPath)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	integer(envPoolCapacity, &cfg.PoolCapacity)
	integer(envQueueDepth, &cfg.QueueDepth)
	duration(envJobTimeout, &cfg.JobTimeout)
	duration(envJobMaxTimeout, &cfg.JobMaxTimeout)
	duration(envEngineStartupTimeout, &cfg.EngineStartupTimeout)
	integer(envEngineStartupAttempts, &cfg.EngineStartupAttempts)
	duration(envEngineBackoffBase, &cfg.EngineBackoffBase)
	duration(envEngineBackoffMax, &cfg.EngineBackoffMax)
	integer(envEngineRecycleAfter, &cfg.EngineRecycleAfter)
	integer(envEngineMaxFailures, &cfg.EngineMaxFailures)
	// An empty schedule is meaningful, so presence is what counts.
	if v, ok := os.LookupEnv(envMaintenanceSchedule); ok {
		cfg.MaintenanceSchedule = strings.TrimSpace(v)
	}
	if v := os.Getenv(envMaxUploadBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidValue, envMaxUploadBytes, v))
		} else {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv(envRateLimit); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidValue, envRateLimit, v))
		} else {
			cfg.RateLimit = f
		}
	}
	integer(envRateBurst, &cfg.RateBurst)
	duration(envResultTTL, &cfg.ResultTTL)
	duration(envEventRetention, &cfg.EventRetention)
	duration(envShutdownTimeout, &cfg.ShutdownTimeout)

	return errors.Join(errs...)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
