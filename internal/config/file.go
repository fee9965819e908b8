package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// maxFileSize bounds the YAML config file.
const maxFileSize = 1 << 20

var (
	ErrEmptyFile    = errors.New("config file is empty")
	ErrFileTooLarge = errors.New("config file too large")
)

// fileConfig mirrors Config for YAML. Pointers distinguish "unset" from zero.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	Pool struct {
		Capacity *int `yaml:"capacity"`
	} `yaml:"pool"`

	Queue struct {
		Depth      *int   `yaml:"depth"`
		Timeout    string `yaml:"timeout"`
		MaxTimeout string `yaml:"max_timeout"`
	} `yaml:"queue"`

	Engine struct {
		StartupTimeout  string  `yaml:"startup_timeout"`
		StartupAttempts *int    `yaml:"startup_attempts"`
		BackoffBase     string  `yaml:"backoff_base"`
		BackoffMax      string  `yaml:"backoff_max"`
		RecycleAfter    *int    `yaml:"recycle_after"`
		MaxFailures     *int    `yaml:"max_failures"`
		Maintenance     *string `yaml:"maintenance_schedule"`
		EventRetention  string  `yaml:"event_retention"`
	} `yaml:"engine"`

	HTTP struct {
		MaxUploadBytes  *int64   `yaml:"max_upload_bytes"`
		RateLimit       *float64 `yaml:"rate_limit"`
		RateBurst       *int     `yaml:"rate_burst"`
		ResultTTL       string   `yaml:"result_ttl"`
		ShutdownTimeout string   `yaml:"shutdown_timeout"`
	} `yaml:"http"`
}

// applyFile overlays the YAML file at path onto cfg. Unknown keys are errors.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(data), maxFileSize)
	}

	var fc fileConfig
	if err := yaml.UnmarshalWithOptions(data, &fc, yaml.Strict()); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(name, v string, dst *time.Duration) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %q", ErrInvalidValue, name, v))
			return
		}
		*dst = d
	}
	set := func(src *int, dst *int) {
		if src != nil {
			*dst = *src
		}
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}

	set(fc.Pool.Capacity, &cfg.PoolCapacity)
	set(fc.Queue.Depth, &cfg.QueueDepth)
	duration("queue.timeout", fc.Queue.Timeout, &cfg.JobTimeout)
	duration("queue.max_timeout", fc.Queue.MaxTimeout, &cfg.JobMaxTimeout)

	duration("engine.startup_timeout", fc.Engine.StartupTimeout, &cfg.EngineStartupTimeout)
	set(fc.Engine.StartupAttempts, &cfg.EngineStartupAttempts)
	duration("engine.backoff_base", fc.Engine.BackoffBase, &cfg.EngineBackoffBase)
	duration("engine.backoff_max", fc.Engine.BackoffMax, &cfg.EngineBackoffMax)
	set(fc.Engine.RecycleAfter, &cfg.EngineRecycleAfter)
	set(fc.Engine.MaxFailures, &cfg.EngineMaxFailures)
	if fc.Engine.Maintenance != nil {
		cfg.MaintenanceSchedule = *fc.Engine.Maintenance
	}
	duration("engine.event_retention", fc.Engine.EventRetention, &cfg.EventRetention)

	if fc.HTTP.MaxUploadBytes != nil {
		cfg.MaxUploadBytes = *fc.HTTP.MaxUploadBytes
	}
	if fc.HTTP.RateLimit != nil {
		cfg.RateLimit = *fc.HTTP.RateLimit
	}
	set(fc.HTTP.RateBurst, &cfg.RateBurst)
	duration("http.result_ttl", fc.HTTP.ResultTTL, &cfg.ResultTTL)
	duration("http.shutdown_timeout", fc.HTTP.ShutdownTimeout, &cfg.ShutdownTimeout)

	return errors.Join(errs...)
}
