package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "dispatch",
		Name:      "candidates_total",
		Help:      "Candidates offered to the dispatcher.",
	}, []string{"source"})

	suppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "dispatch",
		Name:      "suppressed_total",
		Help:      "Candidates not dispatched, by reason.",
	}, []string{"reason"})

	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "dispatch",
		Name:      "dispatched_total",
		Help:      "Candidates dispatched, by priority.",
	}, []string{"priority"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "dispatch",
		Name:      "deliveries_total",
		Help:      "Delivery attempts by channel and outcome.",
	}, []string{"channel", "outcome"})
)
