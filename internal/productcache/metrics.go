package productcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "product_cache_writes_total",
			Help: "Total number of cache write operations by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(cacheWritesTotal)
}

func observeCacheWrite(outcome string) {
	cacheWritesTotal.WithLabelValues(outcome).Inc()
}
