package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Operator API requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outreach",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Operator API latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	apiRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "outreach",
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "Operator API requests currently being served.",
		},
	)
)

// routeLabel returns the matched chi pattern so path parameters such as
// suggestion ids do not become label values.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// PrometheusMetricsMiddleware records request counts, latency and
// concurrency for the API.
func PrometheusMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiRequestsInFlight.Inc()
		defer apiRequestsInFlight.Dec()

		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)
		apiRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
		apiRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
