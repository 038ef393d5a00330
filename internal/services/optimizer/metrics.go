package optimizer

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests     *prometheus.CounterVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	batchedItems prometheus.Counter
}

// newMetrics registers the optimizer counters on reg. A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "picklepal",
				Subsystem: "optimizer",
				Name:      "requests_total",
				Help:      "Upstream requests issued, by request type",
			},
			[]string{"type"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "picklepal",
			Subsystem: "optimizer",
			Name:      "cache_hits_total",
			Help:      "Requests served without an upstream call",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "picklepal",
			Subsystem: "optimizer",
			Name:      "cache_misses_total",
			Help:      "Cacheable requests that went upstream",
		}),
		batchedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "picklepal",
			Subsystem: "optimizer",
			Name:      "batched_items_total",
			Help:      "Items folded into batched upstream requests",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.cacheHits, m.cacheMisses, m.batchedItems)
	}
	return m
}
