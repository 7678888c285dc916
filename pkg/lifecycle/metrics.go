package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_lifecycle_transitions_total",
		Help: "Lifecycle state transitions",
	}, []string{"from", "to"})

	precacheFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_precache_failures_total",
		Help: "Failed precache fetches by kind (static, offline)",
	}, []string{"kind"})
)
