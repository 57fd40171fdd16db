// Package dispatch implements the single consumer of the dispatch queue:
// it evaluates rules in order against each Context and invokes the first
// matching rule's connector. See SPEC_FULL.md §4.H.
package dispatch

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/connectors"
	"github.com/bearice/redproxy-go/rules"
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

// Dispatcher is the single consumer of the bounded Context queue populated
// by listeners.
type Dispatcher struct {
	state   *state.GlobalState
	rules   []*rules.Rule
	limiter session.Limiter

	activeSessions prometheus.Gauge
	outcomes       *prometheus.CounterVec
}

// New builds a Dispatcher and registers its metrics on st's registry,
// modeled on origin/metrics.go's per-outcome counters. maxSessions bounds
// how many sessions may be connected at once; 0 means unlimited, matching
// session.NewLimiter's convention.
func New(st *state.GlobalState, rules []*rules.Rule, maxSessions uint64) *Dispatcher {
	d := &Dispatcher{
		state:   st,
		rules:   rules,
		limiter: session.NewLimiter(maxSessions),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "redproxy",
			Name:      "active_sessions",
			Help:      "Number of sessions currently being dispatched or connected.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redproxy",
			Name:      "dispatch_outcomes_total",
			Help:      "Count of dispatch outcomes by result.",
		}, []string{"outcome"}),
	}
	st.Registry.MustRegister(d.activeSessions, d.outcomes)
	return d
}

// Run is the dispatcher loop: receive one Context and dispatch it to the
// first matching rule's connector in its own goroutine. It returns when ctx
// is canceled or queue is closed.
func (d *Dispatcher) Run(ctx context.Context, queue session.Queue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sctx, ok := <-queue:
			if !ok {
				return nil
			}
			go d.dispatchOne(sctx)
		}
	}
}

func (d *Dispatcher) dispatchOne(sctx *session.Context) {
	d.activeSessions.Inc()
	defer d.activeSessions.Dec()

	g := sctx.Read()
	props := sctx.Props()
	feature := sctx.Feature()
	g.Release()

	log := d.state.Log.With().Uint64("sessionID", props.ID).Str("connectionID", props.ConnectionID.String()).Str("listener", props.ListenerName).Logger()

	rule := rules.Match(d.rules, props, func(r *rules.Rule, err error) {
		log.Warn().Err(err).Str("filter", r.Filter).Msg("rule evaluation failed, treated as no match")
	})
	if rule == nil {
		d.outcomes.WithLabelValues("no_match").Inc()
		d.fail(sctx, errors.Wrap(common.ErrNoMatchingRule, "no rule matched this session"))
		return
	}

	if !connectors.HasFeature(rule.Target, feature) {
		d.outcomes.WithLabelValues("feature_unsupported").Inc()
		d.fail(sctx, errors.Wrapf(common.ErrFeatureUnsupported, "connector %q does not support %s", rule.Target.Name(), feature))
		return
	}

	if err := d.limiter.Acquire(feature.String()); err != nil {
		d.outcomes.WithLabelValues("limited").Inc()
		d.fail(sctx, errors.Wrap(common.ErrTooManySessions, err.Error()))
		return
	}
	defer d.limiter.Release()

	wg := sctx.Write()
	sctx.MarkDispatched()
	wg.Release()

	if err := rule.Target.Connect(d.state, sctx); err != nil {
		d.outcomes.WithLabelValues("connector_error").Inc()
		log.Warn().Err(err).Str("connector", rule.Target.Name()).Msg("connector failed")
		return
	}
	d.outcomes.WithLabelValues("connected").Inc()
}

// fail fires the Context's OnError exactly once with err, matching the
// contract of SPEC_FULL.md §4.H ("Dispatcher errors propagate to on_error
// via the connector's contract").
func (d *Dispatcher) fail(sctx *session.Context, err error) {
	g := sctx.Write()
	sctx.FireOnError(err)
	g.Release()
}
