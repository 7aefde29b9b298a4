package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics holds all Prometheus metrics of the migration service
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  *prometheus.GaugeVec

	// Migration metrics
	AppliesTotal      *prometheus.CounterVec
	ApplyDuration     *prometheus.HistogramVec
	RollbacksTotal    *prometheus.CounterVec
	RollbackDuration  *prometheus.HistogramVec
	RollbackAnalyses  *prometheus.CounterVec
	PendingMigrations *prometheus.GaugeVec

	// System metrics
	SystemCPUUsage    prometheus.Gauge
	SystemMemoryUsage prometheus.Gauge
	SystemGoroutines  prometheus.Gauge

	gatherer prometheus.Gatherer
}

var durationBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// NewMetrics creates the metrics and registers them with reg. A nil reg uses a
// fresh registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		HTTPActiveRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
			[]string{"method"},
		),

		AppliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_applies_total",
				Help:      "Total number of migration applies by outcome",
			},
			[]string{"environment", "status", "dry_run"},
		),
		ApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_apply_duration_seconds",
				Help:      "Migration apply duration in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"environment"},
		),
		RollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_rollbacks_total",
				Help:      "Total number of migration rollbacks by outcome and risk",
			},
			[]string{"environment", "status", "risk"},
		),
		RollbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_rollback_duration_seconds",
				Help:      "Migration rollback duration in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"environment"},
		),
		RollbackAnalyses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_rollback_analyses_total",
				Help:      "Total number of rollback analyses by risk",
			},
			[]string{"environment", "risk", "can_rollback"},
		),
		PendingMigrations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "migration_pending",
				Help:      "Number of pending migrations per environment",
			},
			[]string{"environment"},
		),

		SystemCPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_cpu_usage_percent",
			Help:      "System CPU usage percentage",
		}),
		SystemMemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_memory_usage_percent",
			Help:      "System memory usage percentage",
		}),
		SystemGoroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_goroutines",
			Help:      "Number of goroutines",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
		m.AppliesTotal,
		m.ApplyDuration,
		m.RollbacksTotal,
		m.RollbackDuration,
		m.RollbackAnalyses,
		m.PendingMigrations,
		m.SystemCPUUsage,
		m.SystemMemoryUsage,
		m.SystemGoroutines,
	)
	return m
}

// RecordApply counts an apply outcome
func (m *Metrics) RecordApply(environmentID, status string, dryRun bool, duration time.Duration) {
	m.AppliesTotal.WithLabelValues(environmentID, status, strconv.FormatBool(dryRun)).Inc()
	if !dryRun {
		m.ApplyDuration.WithLabelValues(environmentID).Observe(duration.Seconds())
	}
}

// RecordRollback counts a rollback outcome
func (m *Metrics) RecordRollback(environmentID, status, risk string, duration time.Duration) {
	m.RollbacksTotal.WithLabelValues(environmentID, status, risk).Inc()
	m.RollbackDuration.WithLabelValues(environmentID).Observe(duration.Seconds())
}

// RecordRollbackAnalysis counts a rollback analysis
func (m *Metrics) RecordRollbackAnalysis(environmentID, risk string, canRollback bool) {
	m.RollbackAnalyses.WithLabelValues(environmentID, risk, strconv.FormatBool(canRollback)).Inc()
}

// SetPending records the pending count of an environment
func (m *Metrics) SetPending(environmentID string, count int) {
	m.PendingMigrations.WithLabelValues(environmentID).Set(float64(count))
}

// CollectSystem samples host usage every interval until ctx is done
func (m *Metrics) CollectSystem(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.sampleSystem(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) sampleSystem(ctx context.Context) {
	if percent, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percent) > 0 {
		m.SystemCPUUsage.Set(percent[0])
	}
	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.SystemMemoryUsage.Set(v.UsedPercent)
	}
	m.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// HTTPMetricsMiddleware collects request metrics labelled by route template
func (m *Metrics) HTTPMetricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPActiveRequests.WithLabelValues(r.Method).Inc()
			defer m.HTTPActiveRequests.WithLabelValues(r.Method).Dec()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
