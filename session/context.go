// Package session implements the per-session Context that is threaded from
// a listener's handshake, through the dispatcher, to a connector. It is the
// CORE data structure of the proxy: see SPEC_FULL.md §3–§4.C.
package session

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bearice/redproxy-go/common"
)

// Feature is the kind of session a Context carries, dictating which side
// is stream- vs frame-bearing.
type Feature int

const (
	TcpForward Feature = iota
	TcpBind
	UdpForward
	UdpBind
)

func (f Feature) String() string {
	switch f {
	case TcpForward:
		return "tcp_forward"
	case TcpBind:
		return "tcp_bind"
	case UdpForward:
		return "udp_forward"
	case UdpBind:
		return "udp_bind"
	default:
		return "unknown"
	}
}

// state tracks the lifecycle described in SPEC_FULL.md §3: Created ->
// HandshakeComplete -> Dispatched -> Connected -> Terminal.
type state int

const (
	stateCreated state = iota
	stateHandshakeComplete
	stateDispatched
	stateConnected
	stateTerminal
)

var sessionCounter uint64

// BufStream is the buffered bidirectional byte stream type threaded through
// handshakes and connectors.
type BufStream struct {
	*bufio.ReadWriter
	Closer io.Closer
}

// Close releases the underlying transport, if any.
func (b *BufStream) Close() error {
	if b.Closer != nil {
		return b.Closer.Close()
	}
	return nil
}

// Callback fires exactly one of OnConnect/OnError, never both, with
// exclusive access to the Context.
type Callback interface {
	OnConnect(ctx *Context)
	OnError(ctx *Context, err error)
}

// Props is an immutable snapshot of a Context, exposed to rule evaluation
// (see SPEC_FULL.md §4.I) without requiring the evaluator to take the lock.
type Props struct {
	ID           uint64
	ListenerName string
	Source       net.Addr
	Target       common.TargetAddress
	ConnectionID uuid.UUID
}

// Context is the central per-session entity: created by a listener,
// destroyed once both sides close or an error terminates the session.
// Exported accessors assume the caller holds at least a Read guard; setters
// assume a Write guard.
type Context struct {
	mu sync.RWMutex

	id           uint64
	listenerName string
	source       net.Addr
	localAddr    net.Addr
	serverAddr   net.Addr
	target       common.TargetAddress
	feature      Feature
	connectionID uuid.UUID

	clientStream *BufStream
	serverStream *BufStream
	clientFrames *common.FrameIO
	serverFrames *common.FrameIO

	callback Callback

	state          state
	onConnectFired bool
	onErrorFired   bool
}

// New allocates a new Context with a process-wide unique id.
func New(listenerName string, source net.Addr) *Context {
	return &Context{
		id:           atomic.AddUint64(&sessionCounter, 1),
		listenerName: listenerName,
		source:       common.NormalizeAddr(source),
		feature:      TcpForward,
		connectionID: uuid.New(),
		state:        stateCreated,
	}
}

// Guard is returned by Read/Write and must be released when the caller's
// critical section ends.
type Guard struct {
	ctx   *Context
	write bool
}

// Read acquires a shared lock on the Context for the duration of the
// caller's scope; call Release when done.
func (c *Context) Read() *Guard {
	c.mu.RLock()
	return &Guard{ctx: c, write: false}
}

// Write acquires an exclusive lock on the Context for the duration of the
// caller's scope; call Release when done. Must not be held across awaiting
// external I/O except the short handshake read/write sequences described
// in SPEC_FULL.md §4.D.
func (c *Context) Write() *Guard {
	c.mu.Lock()
	return &Guard{ctx: c, write: true}
}

// Release unlocks the guard. Safe to defer immediately after Read()/Write().
func (g *Guard) Release() {
	if g.write {
		g.ctx.mu.Unlock()
	} else {
		g.ctx.mu.RUnlock()
	}
}

// The setters below are chainable and require the caller to hold a Write
// guard; they do not lock themselves so several can be composed under one
// critical section, matching the original's builder-style API.

func (c *Context) SetTarget(t common.TargetAddress) *Context { c.target = t; return c }
func (c *Context) SetFeature(f Feature) *Context              { c.feature = f; return c }
func (c *Context) SetLocalAddr(a net.Addr) *Context           { c.localAddr = common.NormalizeAddr(a); return c }
func (c *Context) SetServerAddr(a net.Addr) *Context          { c.serverAddr = common.NormalizeAddr(a); return c }
func (c *Context) SetCallback(cb Callback) *Context           { c.callback = cb; return c }

func (c *Context) SetClientStream(s *BufStream) *Context {
	c.clientStream = s
	c.clientFrames = nil
	return c
}

func (c *Context) SetServerStream(s *BufStream) *Context {
	c.serverStream = s
	c.serverFrames = nil
	return c
}

// SetClientFrames installs the out-of-band frame transport without
// disturbing the client stream: the CONNECT handshake and its eventual
// 200/Session-Id reply still travel over the byte stream the request
// arrived on, while frames carry the UDP payloads on a separate transport.
// The inline case instead moves the stream itself via TakeClientStream.
func (c *Context) SetClientFrames(f common.FrameIO) *Context {
	c.clientFrames = &f
	return c
}

func (c *Context) SetServerFrames(f common.FrameIO) *Context {
	c.serverFrames = &f
	c.serverStream = nil
	return c
}

func (c *Context) ID() uint64                   { return c.id }
func (c *Context) ListenerName() string         { return c.listenerName }
func (c *Context) Source() net.Addr             { return c.source }
func (c *Context) LocalAddr() net.Addr          { return c.localAddr }
func (c *Context) ServerAddr() net.Addr         { return c.serverAddr }
func (c *Context) Target() common.TargetAddress { return c.target }
func (c *Context) Feature() Feature             { return c.feature }
func (c *Context) ClientStream() *BufStream     { return c.clientStream }
func (c *Context) ServerStream() *BufStream     { return c.serverStream }
func (c *Context) ClientFrames() *common.FrameIO { return c.clientFrames }
func (c *Context) ServerFrames() *common.FrameIO { return c.serverFrames }
func (c *Context) Callback() Callback           { return c.callback }

// BorrowClientStream returns the client stream for the duration of the
// caller's own Write guard; it does not transfer ownership.
func (c *Context) BorrowClientStream() *BufStream { return c.clientStream }

// TakeClientStream moves the client stream out of the Context, used when
// ownership transfers to the frame layer (SPEC_FULL.md §4.D, FrameChannel).
func (c *Context) TakeClientStream() *BufStream {
	s := c.clientStream
	c.clientStream = nil
	return s
}

// TakeServerStream moves the server stream out of the Context.
func (c *Context) TakeServerStream() *BufStream {
	s := c.serverStream
	c.serverStream = nil
	return s
}

// MarkHandshakeComplete advances Created -> HandshakeComplete.
func (c *Context) MarkHandshakeComplete() { c.state = stateHandshakeComplete }

// MarkDispatched advances -> Dispatched, called by the dispatcher before
// invoking the chosen connector.
func (c *Context) MarkDispatched() { c.state = stateDispatched }

// FireOnConnect invokes the callback's OnConnect exactly once; it panics if
// OnError already fired, enforcing the fail-closed ordering described in
// SPEC_FULL.md §4.D edge cases. The caller must hold the Write guard.
func (c *Context) FireOnConnect() {
	if c.onErrorFired {
		panic("session: OnConnect called after OnError")
	}
	if c.onConnectFired {
		return
	}
	c.onConnectFired = true
	c.state = stateConnected
	if c.callback != nil {
		c.callback.OnConnect(c)
	}
}

// FireOnError invokes the callback's OnError exactly once. The caller must
// hold the Write guard.
func (c *Context) FireOnError(err error) {
	if c.onConnectFired {
		panic("session: OnError called after OnConnect")
	}
	if c.onErrorFired {
		return
	}
	c.onErrorFired = true
	c.state = stateTerminal
	if c.callback != nil {
		c.callback.OnError(c, err)
	}
}

// Props takes an immutable snapshot for the expression bridge. The caller
// must hold at least a Read guard.
func (c *Context) Props() Props {
	return Props{
		ID:           c.id,
		ListenerName: c.listenerName,
		Source:       c.source,
		Target:       c.target,
		ConnectionID: c.connectionID,
	}
}

// Queue is the dispatcher's bounded inbound channel of Contexts.
type Queue chan *Context

// NewQueue builds a Queue with the given capacity (100 per SPEC_FULL.md §5).
func NewQueue(capacity int) Queue {
	return make(Queue, capacity)
}

// errQueueClosed is returned by Enqueue when the queue has been closed by
// the dispatcher shutting down.
var errQueueClosed = errors.New("dispatch queue closed")

// Enqueue sends c onto q, blocking under backpressure as described in
// SPEC_FULL.md §5. It recovers a send-on-closed-channel panic into an
// error, since the dispatcher is the only legitimate closer of q.
func (c *Context) Enqueue(q Queue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errQueueClosed
		}
	}()
	q <- c
	return nil
}
