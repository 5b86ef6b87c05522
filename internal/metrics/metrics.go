// Package metrics provides Prometheus instrumentation for the simulation engine.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/sim-engine/internal/simulation"
)

var (
	// TicksTotal counts simulation ticks, partitioned by result.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulation_ticks_total",
		Help: "Total number of simulation ticks run",
	}, []string{"result"})

	// TickLatency tracks how long one tick takes end to end.
	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simulation_tick_duration_seconds",
		Help:    "Simulation tick duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// ProductsUpdated counts product price moves written.
	ProductsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulation_products_updated_total",
		Help: "Product price updates applied",
	})

	// ProductsFailed counts product price moves that could not be written.
	ProductsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulation_products_failed_total",
		Help: "Product price updates that failed",
	})

	// RevaluationWrites counts holding and portfolio rewrites by kind and result.
	RevaluationWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulation_revaluation_writes_total",
		Help: "Holding and portfolio revaluation writes",
	}, []string{"kind", "result"})

	// SimulationRunning is 1 while the tick loop is scheduled.
	SimulationRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulation_running",
		Help: "Whether the simulation loop is running",
	})

	// SimulationInterval tracks the effective tick interval.
	SimulationInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulation_interval_seconds",
		Help: "Effective simulation tick interval in seconds",
	})

	// ConfigUpdates counts accepted config changes.
	ConfigUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulation_config_updates_total",
		Help: "Accepted simulation config updates",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulation_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulation_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulation_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TickObserver records tick metrics.
type TickObserver struct{}

// TickCompleted implements simulation.TickObserver.
func (TickObserver) TickCompleted(_ context.Context, res simulation.TickResult, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TicksTotal.WithLabelValues(result).Inc()
	TickLatency.Observe(res.Duration.Seconds())
	ProductsUpdated.Add(float64(res.UpdatedCount))
	ProductsFailed.Add(float64(res.Failed))

	rv := res.Revaluation
	RevaluationWrites.WithLabelValues("holding", "ok").Add(float64(rv.HoldingsUpdated))
	RevaluationWrites.WithLabelValues("holding", "error").Add(float64(rv.HoldingsFailed))
	RevaluationWrites.WithLabelValues("portfolio", "ok").Add(float64(rv.PortfoliosUpdated))
	RevaluationWrites.WithLabelValues("portfolio", "error").Add(float64(rv.PortfoliosFailed))
}

// RecordStatus mirrors a controller status into the running and interval gauges.
func RecordStatus(st simulation.Status) {
	if st.IsRunning {
		SimulationRunning.Set(1)
		SimulationInterval.Set(float64(st.IntervalMs) / 1000)
		return
	}
	SimulationRunning.Set(0)
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
