package baseline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "baseline",
		Name:      "cache_hits_total",
		Help:      "Baseline lookups served from cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vitalwatch",
		Subsystem: "baseline",
		Name:      "cache_misses_total",
		Help:      "Baseline lookups that computed a fresh estimate.",
	})
)
