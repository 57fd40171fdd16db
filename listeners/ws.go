package listeners

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/handshake"
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

// WSListener accepts one CONNECT handshake per upgraded websocket
// connection, the websocket analogue of QUICListener running one handshake
// per bidirectional stream. A session whose handshake selects
// Proxy-Channel: ws reuses that same connection as its out-of-band
// datagram channel via common.WSDemux, where QUIC sessions use the QUIC
// connection's datagrams instead. Modeled on carrier/websocket.go's
// Conn wrapper and QUICListener's per-connection demux wiring.
type WSListener struct {
	ListenerName string      `yaml:"name"`
	Bind         string      `yaml:"bind"`
	TLSConfig    *tls.Config `yaml:"-"`

	listener net.Listener
	upgrader websocket.Upgrader
}

// NewWSListenerFromYAML decodes a WSListener from a YAML listener entry.
func NewWSListenerFromYAML(node *yaml.Node) (*WSListener, error) {
	l := &WSListener{}
	if err := node.Decode(l); err != nil {
		return nil, errors.Wrap(common.ErrConfig, err.Error())
	}
	if l.ListenerName == "" {
		return nil, errors.Wrap(common.ErrConfig, "missing listener name")
	}
	if l.Bind == "" {
		return nil, errors.Wrapf(common.ErrConfig, "listener %q: missing bind address", l.ListenerName)
	}
	return l, nil
}

func (l *WSListener) Name() string { return l.ListenerName }

func (l *WSListener) Init() error {
	ln, err := net.Listen("tcp", l.Bind)
	if err != nil {
		return errors.Wrapf(common.ErrBind, "%s: %v", l.Bind, err)
	}
	if l.TLSConfig != nil {
		ln = tls.NewListener(ln, l.TLSConfig)
	}
	l.listener = ln
	// This endpoint serves proxy clients, not browsers: there is no
	// cross-site cookie context for CheckOrigin to protect.
	l.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return nil
}

// Listen runs an HTTP server on the already-bound listener whose only
// handler upgrades every request to a websocket connection and hands it to
// the CONNECT handshake, mirroring QUICListener's one-handshake-per-stream
// accept loop.
func (l *WSListener) Listen(ctx context.Context, st *state.GlobalState, queue session.Queue) error {
	log := st.Log.With().Str("listener", l.ListenerName).Logger()
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.handle(w, r, queue, log)
	})}
	log.Info().Str("bind", l.Bind).Msg("listening")

	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		if err := server.Serve(l.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("fatal accept error, listener stopping")
		}
	}()
	return nil
}

func (l *WSListener) handle(w http.ResponseWriter, r *http.Request, queue session.Queue, log zerolog.Logger) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	stream := &session.BufStream{
		ReadWriter: bufio.NewReadWriter(bufio.NewReader(wsByteReader{conn}), bufio.NewWriter(wsByteWriter{conn})),
		Closer:     conn,
	}
	sctx := session.New(l.ListenerName, conn.RemoteAddr())
	g := sctx.Write()
	sctx.SetClientStream(stream)
	g.Release()

	// Ingress reads the CONNECT request as the first websocket message
	// before it calls createFrames; only once that single read has returned
	// do we hand the raw conn to WSDemux, so its own read loop never races
	// the handshake's read.
	createFrames := func(channel string, sessionID uint32) (common.FrameIO, error) {
		if channel != "ws" {
			return common.FrameIO{}, errors.Wrapf(common.ErrInvalidProtocol, "listener %q does not serve channel %q", l.ListenerName, channel)
		}
		return common.NewWSDemux(conn, log).CreateFrames(sessionID), nil
	}

	if err := handshake.Ingress(sctx, queue, createFrames); err != nil {
		log.Warn().Err(err).Uint64("sessionID", sctx.ID()).Msg("ingress handshake failed")
		conn.Close()
	}
}

// wsByteReader/wsByteWriter adapt a *websocket.Conn to io.Reader/io.Writer
// by treating each binary message as one Read/Write, matching the
// teacher's websocket.Conn wrapper in carrier/websocket.go. The CONNECT
// request and its reply must each fit in a single message.
type wsByteReader struct{ conn *websocket.Conn }

func (r wsByteReader) Read(p []byte) (int, error) {
	_, msg, err := r.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	return copy(p, msg), nil
}

type wsByteWriter struct{ conn *websocket.Conn }

func (w wsByteWriter) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
