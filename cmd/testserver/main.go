// testserver runs the anvil API against in-memory fake engines so the HTTP
// surface can be exercised without LibreOffice. Documents starting with
// "hang", "crash" or "reject" trigger the matching engine failure.
//
// Usage: go run ./cmd/testserver [--delay 200ms]
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/backend/backendtest"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/store"
)

func main() {
	delay := flag.Duration("delay", 0, "how long each fake conversion takes")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pool.New(pool.Config{
		Capacity:        config.ResolvePoolSize(cfg.PoolCapacity),
		StartupTimeout:  cfg.EngineStartupTimeout,
		StartupAttempts: cfg.EngineStartupAttempts,
		BackoffBase:     cfg.EngineBackoffBase,
		BackoffMax:      cfg.EngineBackoffMax,
		RecycleAfter:    cfg.EngineRecycleAfter,
	}, backendtest.NewLauncher(*delay), db, logger)
	if err := p.Start(ctx); err != nil {
		log.Fatalf("failed to start engine pool: %v", err)
	}

	sched := scheduler.New(scheduler.Config{
		MaxQueueDepth:  cfg.QueueDepth,
		DefaultTimeout: cfg.JobTimeout,
		MaxTimeout:     cfg.JobMaxTimeout,
	}, p, logger)

	srv := api.NewServer(api.Options{
		Addr:            cfg.ListenAddr,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		ResultTTL:       cfg.ResultTTL,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, sched, p, db, logger)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr, "pool_capacity", p.Capacity())
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = sched.Close(shutdownCtx)
	_ = p.Close(shutdownCtx)
	logger.Info("testserver: stopped")
}
