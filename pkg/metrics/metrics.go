// Package metrics exposes the agent's Prometheus metrics. The collectors
// themselves live next to the code they measure and register through
// promauto on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Fetch (pkg/fetch):
//   - offline_fetch_requests_total{outcome} (Counter): calls by outcome (response, timeout, network, cancelled)
//   - offline_fetch_retries_total{error_class} (Counter): retry attempts
//   - offline_fetch_duration_seconds (Histogram): end-to-end call duration including retries
//
// Cache (pkg/cache):
//   - offline_cache_hits_total{namespace} (Counter)
//   - offline_cache_misses_total{namespace} (Counter)
//   - offline_cache_writes_total{namespace} (Counter)
//   - offline_cache_errors_total{operation} (Counter): backend failures
//
// Eviction (pkg/eviction):
//   - offline_evictions_total{reason} (Counter): entries removed by trim or expire
//
// Router (pkg/router):
//   - offline_strategy_responses_total{strategy, source} (Counter)
//
// Lifecycle (pkg/lifecycle):
//   - offline_lifecycle_transitions_total{from, to} (Counter)
//   - offline_precache_failures_total{kind} (Counter)
//
// Control (pkg/control):
//   - offline_control_messages_total{action, success} (Counter)
//
// Example Prometheus Queries:
//
//   # Share of requests answered offline
//   sum(rate(offline_strategy_responses_total{source=~"cache|offline|placeholder"}[5m])) /
//   sum(rate(offline_strategy_responses_total[5m]))
//
//   # Dynamic cache hit rate
//   sum(rate(offline_cache_hits_total{namespace=~"dynamic@.*"}[5m])) /
//   (sum(rate(offline_cache_hits_total{namespace=~"dynamic@.*"}[5m])) +
//    sum(rate(offline_cache_misses_total{namespace=~"dynamic@.*"}[5m])))
//
//   # P95 fetch latency
//   histogram_quantile(0.95, rate(offline_fetch_duration_seconds_bucket[5m]))
