package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
	defaultMaxUploadBytes  = 512 << 20
	defaultResultTTL       = 5 * time.Minute
	defaultStatsInterval   = time.Second
)

// Options tunes the HTTP surface. Zero fields take defaults.
type Options struct {
	Addr string

	// MaxUploadBytes bounds a document upload.
	MaxUploadBytes int64

	// RateLimit is conversion submissions per second. Zero disables.
	RateLimit float64
	RateBurst int

	// ResultTTL is how long a finished async job waits for pickup.
	ResultTTL time.Duration

	// StatsInterval is the websocket push period.
	StatsInterval time.Duration

	ShutdownTimeout time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	sched    *scheduler.Scheduler
	pool     *pool.Pool
	store    store.Store
	logger   *slog.Logger
	opts     Options
	results  *resultStore
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	// closing ends long-lived streams when the server shuts down.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options, sched *scheduler.Scheduler, p *pool.Pool, s store.Store, logger *slog.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = defaultResultTTL
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	srv := &Server{
		router:  chi.NewRouter(),
		sched:   sched,
		pool:    p,
		store:   s,
		logger:  logger,
		opts:    opts,
		results: newResultStore(opts.ResultTTL, logger),
		closing: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if opts.RateLimit > 0 {
		burst := max(opts.RateBurst, 1)
		srv.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Job-Id", "Content-Disposition", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleGetStats)
		r.Get("/status", s.handleStatus)
		r.Get("/office-version", s.handleOfficeVersion)
		r.Get("/supported-formats", s.handleSupportedFormats)
		r.Post("/collect-garbage", s.handleCollectGarbage)
		r.Get("/ws", s.handleWebsocket)

		r.With(s.rateLimit).Post("/convert", s.handleConvert)

		r.Route("/jobs", func(r chi.Router) {
			r.With(s.rateLimit).Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/result", s.handleGetJobResult)
			r.Get("/{id}/events", s.handleStreamJobEvents)
			r.Delete("/{id}", s.handleCancelJob)
		})

		r.Get("/engines", s.handleListEngines)
		r.Get("/engines/events", s.handleListEngineEvents)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. Async results still held are dropped on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	defer s.results.close()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		s.closeOnce.Do(func() { close(s.closing) })
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// rateLimit rejects submissions beyond the configured rate with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			rateLimitedTotal.Inc()
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
