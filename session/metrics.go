package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "redproxy"
)

var (
	labels = []string{"feature"}

	sessionRegistrationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "registrations_rate_limited_total",
		Help:      "Count of sessions rejected because the active session limiter was at capacity",
	},
		labels,
	)
)
