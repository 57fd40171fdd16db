package listeners

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/handshake"
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

// QUICListener accepts QUIC connections and, for every bidirectional
// stream opened within each connection, runs the ingress CONNECT
// handshake using that stream as the client stream. A per-connection
// datagram demultiplexer (common.QUICDemux) backs the UDP-over-CONNECT
// "quic" out-of-band channel. Modeled on the original's listeners/quic.rs.
type QUICListener struct {
	ListenerName string      `yaml:"name"`
	Bind         string      `yaml:"bind"`
	TLSConfig    *tls.Config `yaml:"-"`

	tlsConfig *tls.Config
}

// NewQUICListenerFromYAML decodes a QUICListener from a YAML listener entry.
func NewQUICListenerFromYAML(node *yaml.Node) (*QUICListener, error) {
	l := &QUICListener{}
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

func (l *QUICListener) Name() string { return l.ListenerName }

func (l *QUICListener) Init() error {
	if l.TLSConfig == nil {
		return errors.Wrapf(common.ErrTLS, "listener %q: quic requires tls configuration", l.ListenerName)
	}
	l.tlsConfig = l.TLSConfig
	return nil
}

// Listen starts the QUIC accept loop, modeled on QuicListener::accept in
// the original source: one goroutine per accepted connection, and within
// that, one per bidirectional stream.
func (l *QUICListener) Listen(ctx context.Context, st *state.GlobalState, queue session.Queue) error {
	log := st.Log.With().Str("listener", l.ListenerName).Logger()
	ln, err := quic.ListenAddr(l.Bind, l.tlsConfig, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return errors.Wrapf(common.ErrBind, "quic listen %s: %v", l.Bind, err)
	}
	log.Info().Str("bind", l.Bind).Msg("listening")

	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Warn().Err(err).Msg("fatal accept error, listener stopping")
				return
			}
			go l.handleConn(ctx, conn, queue, log)
		}
	}()
	return nil
}

func (l *QUICListener) handleConn(ctx context.Context, conn quic.Connection, queue session.Queue, log zerolog.Logger) {
	source := common.NormalizeAddr(conn.RemoteAddr())
	demux := common.NewQUICDemux(ctx, conn, log)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("quic connection closed")
			return
		}
		go l.handleStream(stream, source, demux, queue, log)
	}
}

func (l *QUICListener) handleStream(stream quic.Stream, source net.Addr, demux *common.QUICDemux, queue session.Queue, log zerolog.Logger) {
	bufStream := &session.BufStream{
		ReadWriter: bufio.NewReadWriter(bufio.NewReader(stream), bufio.NewWriter(stream)),
		Closer:     quicStreamCloser{stream},
	}
	sctx := session.New(l.ListenerName, source)
	g := sctx.Write()
	sctx.SetClientStream(bufStream)
	g.Release()

	if err := handshake.Ingress(sctx, queue, demux.CreateFrames); err != nil {
		log.Warn().Err(err).Uint64("sessionID", sctx.ID()).Msg("ingress handshake failed")
		stream.CancelRead(0)
		stream.Close()
	}
}

// quicStreamCloser adapts quic.Stream's half-close semantics to io.Closer.
type quicStreamCloser struct {
	stream quic.Stream
}

func (q quicStreamCloser) Close() error {
	q.stream.CancelRead(0)
	return q.stream.Close()
}

var _ io.Closer = quicStreamCloser{}
