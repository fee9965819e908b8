// Command anvil is the document conversion server. It keeps a pool of
// anvil-engine workers warm, queues conversion jobs in front of them and
// serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/office"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/store"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (overrides ANVIL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel)
	logger := config.NewLogger(os.Stdout, level)
	slog.SetDefault(logger)

	// Error ignored: Set only fails on an invalid GOMAXPROCS, and the runtime
	// default still applies.
	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug("maxprocs", "message", fmt.Sprintf(format, args...))
	}))

	capacity := config.ResolvePoolSize(cfg.PoolCapacity)
	logger.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"pool_capacity", capacity,
		"queue_depth", cfg.QueueDepth,
		"config_file", cfg.File,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	launcher, err := resolveLauncher(logger)
	if err != nil {
		log.Fatalf("engine launcher: %v", err)
	}

	p := pool.New(pool.Config{
		Capacity:               capacity,
		StartupTimeout:         cfg.EngineStartupTimeout,
		StartupAttempts:        cfg.EngineStartupAttempts,
		BackoffBase:            cfg.EngineBackoffBase,
		BackoffMax:             cfg.EngineBackoffMax,
		RecycleAfter:           cfg.EngineRecycleAfter,
		MaxConsecutiveFailures: cfg.EngineMaxFailures,
	}, launcher, db, logger)
	if err := p.Start(ctx); err != nil {
		log.Fatalf("failed to start engine pool: %v", err)
	}

	sched := scheduler.New(scheduler.Config{
		MaxQueueDepth:  cfg.QueueDepth,
		DefaultTimeout: cfg.JobTimeout,
		MaxTimeout:     cfg.JobMaxTimeout,
	}, p, logger)

	jobs, err := startMaintenance(ctx, cfg, p, db, logger)
	if err != nil {
		log.Fatalf("failed to schedule maintenance: %v", err)
	}

	if cfg.File != "" {
		go func() {
			err := config.Watch(ctx, cfg.File, logger, func(next config.Config) {
				applyReload(cfg, next, level, logger)
			})
			if err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	srv := api.NewServer(api.Options{
		Addr:            cfg.ListenAddr,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		ResultTTL:       cfg.ResultTTL,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, sched, p, db, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.ListenAddr, err)
	}
	notify(logger, daemon.SdNotifyReady)

	if err := srv.Serve(ctx, ln); err != nil {
		logger.Error("server error", "error", err)
	}

	notify(logger, daemon.SdNotifyStopping)
	<-jobs.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := sched.Close(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown interrupted running jobs", "error", err)
	}
	if err := p.Close(shutdownCtx); err != nil {
		logger.Warn("pool shutdown incomplete", "error", err)
	}
	logger.Info("anvil: stopped")
}

// resolveLauncher picks the engine launcher. Only the LibreOffice launcher
// ships with the server.
func resolveLauncher(logger *slog.Logger) (backend.Launcher, error) {
	reg := backend.NewRegistry()
	officeLauncher := office.NewLauncher(office.LoadConfig(), logger)
	reg.Register(officeLauncher)

	l, err := reg.Resolve(office.LauncherName)
	if err != nil {
		return nil, err
	}
	if err := officeLauncher.Verify(); err != nil {
		return nil, err
	}
	logger.Info("engine launcher ready", "launcher", l.Name(), "available", reg.Names())
	return l, nil
}

// applyReload applies what can change at runtime. Everything else needs a
// restart.
func applyReload(cur, next config.Config, level *slog.LevelVar, logger *slog.Logger) {
	if next.LogLevel != level.Level() {
		logger.Info("log level changed", "from", level.Level().String(), "to", next.LogLevel.String())
		level.Set(next.LogLevel)
	}
	if restartRequired(cur, next) {
		logger.Warn("config file changed settings that take effect after restart", "path", next.File)
	}
}

func restartRequired(cur, next config.Config) bool {
	cur.LogLevel, next.LogLevel = 0, 0
	return cur != next
}

func notify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("sd_notify sent", "state", state)
	}
}
