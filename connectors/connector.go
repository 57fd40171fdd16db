// Package connectors implements the outbound side of a session: given a
// Context whose target is known, establish an upstream transport and
// complete the session via the Context's callback. See SPEC_FULL.md §4.G.
package connectors

import (
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

// Connector establishes an upstream transport for a Context. On success it
// must invoke ctx's FireOnConnect exactly once; on failure, FireOnError
// exactly once with a chained error. The dispatcher treats Connect's own
// return value as the session outcome.
type Connector interface {
	Init() error
	Verify(st *state.GlobalState) error
	Connect(st *state.GlobalState, ctx *session.Context) error
	Name() string
	Features() []session.Feature
}

// HasFeature reports whether c supports feature f.
func HasFeature(c Connector, f session.Feature) bool {
	for _, supported := range c.Features() {
		if supported == f {
			return true
		}
	}
	return false
}
