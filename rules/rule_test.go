package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/connectors"
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

func decodeRules(t *testing.T, raw string) []*Rule {
	t.Helper()
	var nodes []yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(raw), &nodes))
	rs, err := FromConfig(nodes)
	require.NoError(t, err)
	return rs
}

func TestFromConfig_RejectsEmptyFilter(t *testing.T) {
	var nodes []yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(`
- filter: ""
  target: direct
`), &nodes))
	_, err := FromConfig(nodes)
	assert.ErrorIs(t, err, common.ErrConfig)
}

func TestFromConfig_RejectsBadExpression(t *testing.T) {
	var nodes []yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(`
- filter: "request.target.port >"
  target: direct
`), &nodes))
	_, err := FromConfig(nodes)
	assert.ErrorIs(t, err, common.ErrConfig)
}

func TestMatch_FirstRuleWins(t *testing.T) {
	rs := decodeRules(t, `
- filter: "request.target.port == 443"
  target: tls
- filter: "true"
  target: fallback
`)
	props := session.Props{Target: common.TargetAddress{Domain: "example.com", Port: 443}}

	matched := Match(rs, props, nil)
	require.NotNil(t, matched)
	assert.Equal(t, "tls", matched.TargetName)
}

func TestMatch_FallsThroughToNextRuleOnNoMatch(t *testing.T) {
	rs := decodeRules(t, `
- filter: "request.target.port == 443"
  target: tls
- filter: "true"
  target: fallback
`)
	props := session.Props{Target: common.TargetAddress{Domain: "example.com", Port: 80}}

	matched := Match(rs, props, nil)
	require.NotNil(t, matched)
	assert.Equal(t, "fallback", matched.TargetName)
}

func TestMatch_ReturnsNilWhenNothingMatches(t *testing.T) {
	rs := decodeRules(t, `
- filter: "request.target.port == 443"
  target: tls
`)
	props := session.Props{Target: common.TargetAddress{Domain: "example.com", Port: 80}}

	assert.Nil(t, Match(rs, props, nil))
}

// fakeConnector is a minimal connectors.Connector stand-in for rule-binding
// tests; its Connect/Verify are never exercised here.
type fakeConnector struct{ name string }

func (f fakeConnector) Init() error                                  { return nil }
func (f fakeConnector) Verify(st *state.GlobalState) error           { return nil }
func (f fakeConnector) Name() string                                 { return f.name }
func (f fakeConnector) Features() []session.Feature                  { return []session.Feature{session.TcpForward} }
func (f fakeConnector) Connect(st *state.GlobalState, ctx *session.Context) error {
	return nil
}

func TestBindTargets_ResolvesConnectorByName(t *testing.T) {
	rs := decodeRules(t, `
- filter: "true"
  target: direct
`)
	var direct connectors.Connector = fakeConnector{name: "direct"}
	require.NoError(t, BindTargets(rs, map[string]connectors.Connector{"direct": direct}))
	assert.Equal(t, "direct", rs[0].Target.Name())
}

func TestBindTargets_ErrorsOnUnknownTarget(t *testing.T) {
	rs := decodeRules(t, `
- filter: "true"
  target: missing
`)
	err := BindTargets(rs, map[string]connectors.Connector{})
	assert.ErrorIs(t, err, common.ErrConfig)
}
