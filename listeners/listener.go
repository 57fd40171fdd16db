// Package listeners implements the accept side of a session: binding a
// transport, producing session.Context values, and enqueueing them for the
// dispatcher. See SPEC_FULL.md §4.F.
package listeners

import (
	"context"

	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

// Listener accepts inbound transport connections and turns each into a
// Context pushed onto the dispatch queue.
type Listener interface {
	Init() error
	// Listen spawns the accept loop; it returns once the loop has started,
	// not once it has stopped. Accept-loop lifetime is bound to ctx.
	Listen(ctx context.Context, st *state.GlobalState, queue session.Queue) error
	Name() string
}
