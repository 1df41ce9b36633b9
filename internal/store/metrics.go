package store

import "github.com/prometheus/client_golang/prometheus"

var (
	storeFlushRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_store_flush_retries_total",
			Help: "Number of retried persistence flush attempts, by record kind.",
		},
		[]string{"kind"},
	)

	storeAbandonedWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_store_abandoned_writes_total",
			Help: "Writes abandoned after exhausting flush retries, by record kind.",
		},
		[]string{"kind"},
	)

	storeDroppedWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_store_dropped_writes_total",
			Help: "Writes dropped because the write-ahead buffer was full, by record kind.",
		},
		[]string{"kind"},
	)

	storeQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_store_queue_depth",
			Help: "Current number of writes waiting in the write-ahead buffer.",
		},
	)
)

func init() {
	prometheus.MustRegister(storeFlushRetries)
	prometheus.MustRegister(storeAbandonedWrites)
	prometheus.MustRegister(storeDroppedWrites)
	prometheus.MustRegister(storeQueueDepth)

	// Pre-initialize label combinations so the series exist from startup.
	for _, kind := range []string{"version", "token", "instance", "sample", "event"} {
		storeFlushRetries.WithLabelValues(kind)
		storeAbandonedWrites.WithLabelValues(kind)
		storeDroppedWrites.WithLabelValues(kind)
	}
}
