package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests that hit no route.
const unmatchedRoute = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_http_request_duration_seconds",
			Help:    "HTTP request latency. Synchronous conversions include queue wait.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "route"},
	)

	documentBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_http_document_bytes",
			Help:    "Size of converted documents sent to clients.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"route"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_http_rate_limited_total",
			Help: "Submissions rejected by the rate limiter.",
		},
	)

	asyncResultsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_async_jobs",
			Help: "Async jobs held for pickup.",
		},
	)
)

// documentRoutes are the routes whose successful responses carry a document.
var documentRoutes = map[string]bool{
	"/v1/convert":          true,
	"/v1/jobs/{id}/result": true,
}

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		documentBytes,
		rateLimitedTotal,
		asyncResultsGauge,
	)
}

// metricsMiddleware records count and latency per chi route pattern, and the
// size of every document delivered.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if status == http.StatusOK && documentRoutes[route] {
			documentBytes.WithLabelValues(route).Observe(float64(ww.BytesWritten()))
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}
