// Package metrics holds the internal prometheus counters of SPEC_FULL.md
// §10, adapted from the teacher repository's api/grpc/middleware metrics
// registration style.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sinkproxy_queries_total", Help: "Total incoming queries"},
		[]string{"transport"},
	)
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sinkproxy_cache_hits_total", Help: "Response cache hits"},
		[]string{"transport"},
	)
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sinkproxy_cache_misses_total", Help: "Response cache misses"},
		[]string{"transport"},
	)
	BlocklistHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sinkproxy_blocklist_hits_total", Help: "Queries answered with a sink record"},
		[]string{"transport"},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sinkproxy_upstream_errors_total", Help: "Upstream query failures"},
		[]string{"reason"},
	)
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "sinkproxy_upstream_duration_seconds", Help: "Upstream query latency", Buckets: prometheus.DefBuckets},
		[]string{"transport"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sinkproxy_rate_limited_total", Help: "Queries rejected by the per-client rate limiter"},
		[]string{"transport"},
	)
)

func init() {
	prometheus.MustRegister(Queries, CacheHits, CacheMisses, BlocklistHits, UpstreamErrors, UpstreamLatency, RateLimited)
}

// ObserveUpstream records the latency of one upstream round trip.
func ObserveUpstream(transport string, start time.Time) {
	UpstreamLatency.WithLabelValues(transport).Observe(time.Since(start).Seconds())
}
