package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/vitalwatch/internal/engine"

// passMetrics are the OTEL instruments recorded per pass.
type passMetrics struct {
	passes     metric.Int64Counter
	failures   metric.Int64Counter
	candidates metric.Int64Counter
	suppressed metric.Int64Counter
	dispatched metric.Int64Counter
	duration   metric.Float64Histogram
}

func newPassMetrics(meter metric.Meter) (*passMetrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &passMetrics{}
	var err error

	m.passes, err = meter.Int64Counter(
		"engine.pass.total",
		metric.WithDescription("Evaluation passes started"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	m.failures, err = meter.Int64Counter(
		"engine.pass.failed.total",
		metric.WithDescription("Evaluation passes that aborted"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	m.candidates, err = meter.Int64Counter(
		"engine.candidates.total",
		metric.WithDescription("Alert candidates produced by evaluators"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		return nil, err
	}

	m.suppressed, err = meter.Int64Counter(
		"engine.suppressed.total",
		metric.WithDescription("Candidates suppressed by dedupe, cooldown or top-K"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		return nil, err
	}

	m.dispatched, err = meter.Int64Counter(
		"engine.dispatched.total",
		metric.WithDescription("Candidates dispatched to delivery"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"engine.pass.duration.seconds",
		metric.WithDescription("Duration of one user's evaluation pass"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

var (
	schedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler ticks by tier.",
	}, []string{"tier"})

	schedulerPassesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vitalwatch",
		Subsystem: "scheduler",
		Name:      "passes_in_flight",
		Help:      "User passes currently running.",
	})

	schedulerPassErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "scheduler",
		Name:      "pass_errors_total",
		Help:      "User passes that failed, by tier.",
	}, []string{"tier"})
)
