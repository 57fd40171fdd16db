package listeners

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/handshake"
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

// HTTPListener accepts TCP connections, optionally under TLS, and runs the
// ingress CONNECT handshake on each one in its own goroutine. Modeled on
// the original's listeners/http.rs and the teacher's TCPListener accept
// loop conventions.
type HTTPListener struct {
	ListenerName string      `yaml:"name"`
	Type         string      `yaml:"type"`
	Bind         string      `yaml:"bind"`
	TLSConfig    *tls.Config `yaml:"-"`

	listener net.Listener
}

// NewHTTPListenerFromYAML decodes an HTTPListener from a YAML listener
// entry, defaulting Type to Name.
func NewHTTPListenerFromYAML(node *yaml.Node) (*HTTPListener, error) {
	l := &HTTPListener{}
	if err := node.Decode(l); err != nil {
		return nil, errors.Wrap(common.ErrConfig, err.Error())
	}
	if l.ListenerName == "" {
		return nil, errors.Wrap(common.ErrConfig, "missing listener name")
	}
	if l.Type == "" {
		l.Type = l.ListenerName
	}
	if l.Bind == "" {
		return nil, errors.Wrapf(common.ErrConfig, "listener %q: missing bind address", l.ListenerName)
	}
	return l, nil
}

func (l *HTTPListener) Name() string { return l.ListenerName }

func (l *HTTPListener) Init() error {
	ln, err := net.Listen("tcp", l.Bind)
	if err != nil {
		return errors.Wrapf(common.ErrBind, "%s: %v", l.Bind, err)
	}
	l.listener = ln
	return nil
}

// Listen spawns the accept loop. Each accepted connection is handled in its
// own goroutine; a per-connection failure is logged and does not terminate
// the listener, while a fatal accept error ends the loop, per
// SPEC_FULL.md §4.F.
func (l *HTTPListener) Listen(ctx context.Context, st *state.GlobalState, queue session.Queue) error {
	log := st.Log.With().Str("listener", l.ListenerName).Logger()
	log.Info().Str("bind", l.Bind).Msg("listening")
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()
	go func() {
		defer l.listener.Close()
		for {
			conn, err := l.listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Warn().Err(err).Msg("fatal accept error, listener stopping")
				return
			}
			go l.handle(conn, queue, log)
		}
	}()
	return nil
}

func (l *HTTPListener) handle(conn net.Conn, queue session.Queue, log zerolog.Logger) {
	var rawConn net.Conn = conn
	if l.TLSConfig != nil {
		tlsConn := tls.Server(conn, l.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			log.Warn().Err(err).Msg("tls accept error")
			conn.Close()
			return
		}
		rawConn = tlsConn
	}

	stream := &session.BufStream{
		ReadWriter: bufio.NewReadWriter(bufio.NewReader(rawConn), bufio.NewWriter(rawConn)),
		Closer:     rawConn,
	}
	sctx := session.New(l.ListenerName, conn.RemoteAddr())
	g := sctx.Write()
	sctx.SetClientStream(stream)
	g.Release()

	if err := handshake.Ingress(sctx, queue, nil); err != nil {
		log.Warn().Err(err).Uint64("sessionID", sctx.ID()).Msg("ingress handshake failed")
		rawConn.Close()
	}
}
