// Package metric exposes the loop's counters to an external telemetry
// collector over the standard Prometheus endpoint.
package metric

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the loop's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// ReadingsProcessed counts validated readings accepted at ingestion.
	ReadingsProcessed prometheus.Counter

	// ReadingsRejected counts readings dropped by validation.
	ReadingsRejected prometheus.Counter

	// ViolationsDetected counts per-parameter threshold violations.
	ViolationsDetected prometheus.Counter

	// PlansExecuted counts plan executions by terminal status.
	PlansExecuted *prometheus.CounterVec

	// BreakerTrips counts circuit breaker open transitions.
	BreakerTrips prometheus.Counter

	// CyclesFailed counts aborted per-node cycles.
	CyclesFailed prometheus.Counter

	// CycleDuration observes end-to-end per-node cycle latency.
	CycleDuration prometheus.Histogram
}

// New creates and registers the loop metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ReadingsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrostat_readings_processed_total",
			Help: "Validated readings accepted at the ingestion boundary.",
		}),
		ReadingsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrostat_readings_rejected_total",
			Help: "Readings dropped by validation.",
		}),
		ViolationsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrostat_violations_detected_total",
			Help: "Per-parameter threshold violations detected by analysis.",
		}),
		PlansExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrostat_plans_executed_total",
			Help: "Plan executions by terminal status.",
		}, []string{"status"}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrostat_breaker_trips_total",
			Help: "Circuit breaker open transitions.",
		}),
		CyclesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hydrostat_cycles_failed_total",
			Help: "Per-node cycles aborted by a stage failure.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydrostat_cycle_duration_seconds",
			Help:    "End-to-end per-node cycle latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	m.registry.MustRegister(
		m.ReadingsProcessed,
		m.ReadingsRejected,
		m.ViolationsDetected,
		m.PlansExecuted,
		m.BreakerTrips,
		m.CyclesFailed,
		m.CycleDuration,
	)
	return m
}

// Handler returns the scrape handler for the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("Metrics endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
