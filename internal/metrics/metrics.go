// Package metrics exposes pipeline counters for Prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Unit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
	OutcomeShrunk  = "shrunk"
)

// Metrics holds every collector of one process.
type Metrics struct {
	Registry *prometheus.Registry

	units           *prometheus.CounterVec
	barsWritten     *prometheus.CounterVec
	providerRetries *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
	inFlight        prometheus.Gauge
	unitDuration    prometheus.Histogram
	batchSize       prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		units: f.NewCounterVec(prometheus.CounterOpts{
			Name: "barvault_units_total",
			Help: "Work units finished, by outcome.",
		}, []string{"outcome"}),
		barsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "barvault_bars_written_total",
			Help: "Bars upserted into the store, by resolution.",
		}, []string{"resolution"}),
		providerRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "barvault_provider_retries_total",
			Help: "Provider calls retried, by operation and error kind.",
		}, []string{"op", "kind"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "barvault_checkpoint_saves_total",
			Help: "Checkpoint saves, by result.",
		}, []string{"result"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "barvault_units_in_flight",
			Help: "Work units currently being fetched.",
		}),
		unitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "barvault_unit_duration_seconds",
			Help:    "Fetch duration of one work unit.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "barvault_write_batch_rows",
			Help:    "Rows per store transaction.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10 to ~40k
		}),
	}
}

// UnitDone counts a finished unit.
func (m *Metrics) UnitDone(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.unitDuration.Observe(d.Seconds())
	}
}

// InFlight adjusts the in-flight gauge by delta.
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}

// BarsWritten counts upserted rows.
func (m *Metrics) BarsWritten(resolution string, rows int64) {
	if m == nil {
		return
	}
	m.barsWritten.WithLabelValues(resolution).Add(float64(rows))
	m.batchSize.Observe(float64(rows))
}

// ProviderRetry counts one retried provider call.
func (m *Metrics) ProviderRetry(op, kind string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(op, kind).Inc()
}

// CheckpointSaved counts a checkpoint save attempt.
func (m *Metrics) CheckpointSaved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
