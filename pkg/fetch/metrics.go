package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_requests_total",
		Help: "Total resilient fetches by outcome",
	}, []string{"outcome"}) // "response", "timeout", "network", "cancelled"

	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_fetch_duration_seconds",
		Help:    "Resilient fetch duration in seconds including retries",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
	})
)
