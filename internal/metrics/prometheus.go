// Package metrics provides Prometheus metrics for proportional hazards fits.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/schwarzpat/survival-analysis/duration"
	"github.com/schwarzpat/survival-analysis/statmodel"
)

// Fit outcomes used as label values.
const (
	OutcomeOK            = "ok"
	OutcomeSingular      = "singular"
	OutcomeNoConvergence = "no_convergence"
	OutcomeError         = "error"
)

// Manager holds the fit metrics.  It implements duration.FitObserver, so
// it can be set as PHRegConfig.Observer.
type Manager struct {
	namespace        string
	iterationBuckets []float64
	durationBuckets  []float64
	registry         *prometheus.Registry

	fits       *prometheus.CounterVec
	iterations prometheus.Histogram
	duration   prometheus.Histogram
}

var _ duration.FitObserver = (*Manager)(nil)

// NewManager creates a new metrics manager.  Without WithPrometheusRegistry
// the metrics are registered on a fresh registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "survfit",
		iterationBuckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20, 30, 50},
		durationBuckets:  prometheus.ExponentialBuckets(0.0001, 4, 10),
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.fits = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "fits_total",
		Help:      "Number of proportional hazards fits by tie method and outcome",
	}, []string{"ties", "outcome"})

	m.iterations = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "fit_iterations",
		Help:      "Newton-Raphson iterations used per fit",
		Buckets:   m.iterationBuckets,
	})

	m.duration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "fit_duration_seconds",
		Help:      "Wall-clock time per fit",
		Buckets:   m.durationBuckets,
	})
}

// Outcome classifies a fit error for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, statmodel.ErrSingular):
		return OutcomeSingular
	case errors.Is(err, statmodel.ErrNoConvergence):
		return OutcomeNoConvergence
	}
	return OutcomeError
}

// ObserveFit records one fit.
func (m *Manager) ObserveFit(r duration.FitReport) {
	m.fits.WithLabelValues(r.Ties.String(), Outcome(r.Err)).Inc()
	m.iterations.Observe(float64(r.Iterations))
	m.duration.Observe(r.Elapsed.Seconds())
}

// Registry returns the registry holding the metrics.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// WriteFile writes the metrics to filename in the Prometheus text format.
func (m *Manager) WriteFile(filename string) error {
	if err := prometheus.WriteToTextfile(filename, m.registry); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteMetrics, err)
	}
	return nil
}
