// Package metrics exposes run progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
)

// Recorder counts attempts and task outcomes. It implements runner.Observer.
type Recorder struct {
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	tasksTotal      *prometheus.CounterVec
	retriesTotal    prometheus.Counter
	activeTasks     prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_attempts_total",
				Help: "Total number of mint attempts",
			},
			[]string{"kind", "ok"},
		),
		attemptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "x402_attempt_duration_seconds",
				Help:    "Mint attempt duration in seconds, including the payment handshake",
				Buckets: prometheus.DefBuckets,
			},
		),
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_tasks_total",
				Help: "Total number of finished account tasks",
			},
			[]string{"status"},
		),
		retriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "x402_retries_total",
				Help: "Total number of scheduled retries",
			},
		),
		activeTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "x402_active_tasks",
				Help: "Number of account tasks currently holding a worker slot",
			},
		),
	}
}

func (r *Recorder) AttemptStarted(domain.Account, int, int) {}

func (r *Recorder) AttemptFinished(_ domain.Account, rec domain.AttemptRecord) {
	kind := string(rec.Kind)
	if kind == "" {
		kind = "none"
	}
	r.attemptsTotal.WithLabelValues(kind, strconv.FormatBool(rec.OK)).Inc()
	r.attemptDuration.Observe(rec.Elapsed.Seconds())
}

func (r *Recorder) RetryScheduled(domain.Account, domain.AttemptRecord, time.Duration) {
	r.retriesTotal.Inc()
}

func (r *Recorder) TaskFinished(result domain.TaskResult) {
	r.tasksTotal.WithLabelValues(string(result.Status)).Inc()
}

// SetActive records the number of running tasks
func (r *Recorder) SetActive(n int) {
	r.activeTasks.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is done
func (r *Recorder) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
