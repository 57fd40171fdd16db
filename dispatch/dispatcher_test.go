package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/connectors"
	"github.com/bearice/redproxy-go/rules"
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

type fakeConnector struct {
	name      string
	features  []session.Feature
	connectFn func(ctx *session.Context) error
}

func (f *fakeConnector) Init() error                                { return nil }
func (f *fakeConnector) Verify(st *state.GlobalState) error         { return nil }
func (f *fakeConnector) Name() string                               { return f.name }
func (f *fakeConnector) Features() []session.Feature                { return f.features }
func (f *fakeConnector) Connect(st *state.GlobalState, ctx *session.Context) error {
	return f.connectFn(ctx)
}

func buildRule(t *testing.T, filter, target string, connector connectors.Connector) *rules.Rule {
	t.Helper()
	var nodes []yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("- filter: \""+filter+"\"\n  target: "+target+"\n"), &nodes))
	built, err := rules.FromConfig(nodes)
	require.NoError(t, err)
	require.NoError(t, rules.BindTargets(built, map[string]connectors.Connector{target: connector}))
	return built[0]
}

func newTestContext(t *testing.T, feature session.Feature) *session.Context {
	t.Helper()
	ctx := session.New("test-in", &net.TCPAddr{Port: 1})
	g := ctx.Write()
	ctx.SetFeature(feature).SetTarget(common.TargetAddress{Domain: "example.com", Port: 443})
	g.Release()
	return ctx
}

func TestDispatcher_ConnectsOnMatchingRule(t *testing.T) {
	connected := make(chan struct{}, 1)
	connector := &fakeConnector{
		name:     "direct",
		features: []session.Feature{session.TcpForward},
		connectFn: func(ctx *session.Context) error {
			g := ctx.Write()
			ctx.FireOnConnect()
			g.Release()
			connected <- struct{}{}
			return nil
		},
	}
	rule := buildRule(t, "true", "direct", connector)

	d := New(state.New(zerolog.Nop()), []*rules.Rule{rule}, 0)
	queue := session.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, queue)

	sctx := newTestContext(t, session.TcpForward)
	require.NoError(t, sctx.Enqueue(queue))

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connector to be invoked")
	}
}

func TestDispatcher_FiresOnErrorWhenNoRuleMatches(t *testing.T) {
	var gotErr error
	cb := recordingErrorCallback(func(err error) { gotErr = err })

	d := New(state.New(zerolog.Nop()), nil, 0)
	queue := session.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, queue)

	sctx := newTestContext(t, session.TcpForward)
	g := sctx.Write()
	sctx.SetCallback(cb)
	g.Release()
	require.NoError(t, sctx.Enqueue(queue))

	require.Eventually(t, func() bool { return gotErr != nil }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, gotErr, common.ErrNoMatchingRule)
}

func TestDispatcher_FiresOnErrorWhenFeatureUnsupported(t *testing.T) {
	connector := &fakeConnector{name: "tcp-only", features: []session.Feature{session.TcpForward}}
	rule := buildRule(t, "true", "tcp-only", connector)

	var gotErr error
	cb := recordingErrorCallback(func(err error) { gotErr = err })

	d := New(state.New(zerolog.Nop()), []*rules.Rule{rule}, 0)
	queue := session.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, queue)

	sctx := newTestContext(t, session.UdpForward)
	g := sctx.Write()
	sctx.SetCallback(cb)
	g.Release()
	require.NoError(t, sctx.Enqueue(queue))

	require.Eventually(t, func() bool { return gotErr != nil }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, gotErr, common.ErrFeatureUnsupported)
}

// TestDispatcher_LimitsConcurrentSessions exercises dispatchOne directly
// (bypassing the Run loop, so the test controls when the second session is
// dispatched relative to the first) to verify a configured MaxSessions
// actually flows through to the limiter instead of being wired up as a
// permanent no-op.
func TestDispatcher_LimitsConcurrentSessions(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	connector := &fakeConnector{
		name:     "direct",
		features: []session.Feature{session.TcpForward},
		connectFn: func(ctx *session.Context) error {
			entered <- struct{}{}
			<-release
			g := ctx.Write()
			ctx.FireOnConnect()
			g.Release()
			return nil
		},
	}
	rule := buildRule(t, "true", "direct", connector)
	d := New(state.New(zerolog.Nop()), []*rules.Rule{rule}, 1)

	first := newTestContext(t, session.TcpForward)
	go d.dispatchOne(first)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first session to occupy the limiter's only slot")
	}

	var gotErr error
	cb := recordingErrorCallback(func(err error) { gotErr = err })
	second := newTestContext(t, session.TcpForward)
	g := second.Write()
	second.SetCallback(cb)
	g.Release()

	d.dispatchOne(second)

	assert.ErrorIs(t, gotErr, common.ErrTooManySessions)

	close(release)
}

type recordingErrorCallback func(err error)

func (recordingErrorCallback) OnConnect(ctx *session.Context) {}
func (r recordingErrorCallback) OnError(ctx *session.Context, err error) { r(err) }
