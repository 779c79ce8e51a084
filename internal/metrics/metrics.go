// Package metrics exposes pipeline counters and histograms to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	registerOnce sync.Once

	unitsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arsynth",
			Subsystem: "stage",
			Name:      "units_total",
			Help:      "Units (strands or instruments) processed per stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arsynth",
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Wall time of a pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"stage"},
	)
	neiRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "arsynth",
			Subsystem: "nei",
			Name:      "step_retries_total",
			Help:      "Implicit steps halved and retried.",
		},
	)
	neiSteps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "arsynth",
			Subsystem: "nei",
			Name:      "steps_total",
			Help:      "Implicit steps accepted.",
		},
	)
)

// Outcomes of a unit.
const (
	OutcomeComputed = "computed"
	OutcomeResumed  = "resumed"
	OutcomeFailed   = "failed"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(unitsProcessed, stageDuration, neiRetries, neiSteps)
	})
}

func RecordUnit(stage, outcome string) {
	RegisterMetrics()
	unitsProcessed.WithLabelValues(stage, outcome).Inc()
}

func RecordStage(stage string, d time.Duration) {
	RegisterMetrics()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordNEISteps(accepted, retried int) {
	RegisterMetrics()
	neiSteps.Add(float64(accepted))
	neiRetries.Add(float64(retried))
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
