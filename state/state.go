// Package state holds the process-wide GlobalState threaded into every
// Connector's Verify/Connect call, analogous to the Arc<GlobalState> of the
// original source. It is intentionally tiny and dependency-light so that
// connectors, listeners, rules, and the dispatcher can all depend on it
// without import cycles.
package state

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// GlobalState is shared, read-only configuration and instrumentation handed
// to every connector and the dispatcher. It carries no mutable session
// state — that lives entirely in session.Context.
type GlobalState struct {
	Log      zerolog.Logger
	Registry *prometheus.Registry
}

// New builds a GlobalState with its own metrics registry, modeled on
// origin/metrics.go's use of a dedicated registry rather than the global
// default one.
func New(log zerolog.Logger) *GlobalState {
	return &GlobalState{Log: log, Registry: prometheus.NewRegistry()}
}
