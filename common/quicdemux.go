package common

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// QUICDemux fans incoming QUIC datagrams on one connection out to the
// per-session receive channels registered for it. Out-of-band datagrams on
// this transport are framed as [u32 session_id][payload], per SPEC_FULL.md
// §6, distinct from the inline [u16 length][payload] stream framing.
type QUICDemux struct {
	conn    quic.Connection
	log     zerolog.Logger
	mu      sync.Mutex
	queues  map[uint32]chan []byte
}

// NewQUICDemux starts the background goroutine that reads datagrams off
// conn and dispatches them by session id. Modeled on cloudflared's
// datagramsession.Manager event loop and quic.DatagramMuxer.
func NewQUICDemux(ctx context.Context, conn quic.Connection, log zerolog.Logger) *QUICDemux {
	d := &QUICDemux{conn: conn, log: log, queues: make(map[uint32]chan []byte)}
	go d.run(ctx)
	return d
}

func (d *QUICDemux) run(ctx context.Context) {
	for {
		msg, err := d.conn.ReceiveMessage(ctx)
		if err != nil {
			d.log.Debug().Err(err).Msg("quic demux: connection closed")
			d.closeAll()
			return
		}
		if len(msg) < 4 {
			d.log.Warn().Msg("quic demux: short datagram dropped")
			continue
		}
		sessionID := binary.BigEndian.Uint32(msg[:4])
		payload := msg[4:]
		d.mu.Lock()
		q, ok := d.queues[sessionID]
		d.mu.Unlock()
		if !ok {
			d.log.Debug().Uint32("sessionID", sessionID).Msg("quic demux: unknown session, dropped")
			continue
		}
		select {
		case q <- payload:
		default:
			d.log.Warn().Uint32("sessionID", sessionID).Msg("quic demux: receive queue full, dropped")
		}
	}
}

func (d *QUICDemux) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, q := range d.queues {
		close(q)
		delete(d.queues, id)
	}
}

// Register allocates the receive queue for sessionID and returns a FrameIO
// bound to this demux's SendDatagram.
func (d *QUICDemux) Register(sessionID uint32) FrameIO {
	q := make(chan []byte, 16)
	d.mu.Lock()
	d.queues[sessionID] = q
	d.mu.Unlock()
	return External(sessionID, d, q)
}

// Unregister releases sessionID's queue; further datagrams for it are
// dropped, matching the "unknown ids are dropped" contract of SPEC_FULL.md
// §4.B.
func (d *QUICDemux) Unregister(sessionID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[sessionID]; ok {
		close(q)
		delete(d.queues, sessionID)
	}
}

// SendDatagram implements ExternalTransport by prefixing the session id and
// sending on the underlying QUIC connection.
func (d *QUICDemux) SendDatagram(sessionID uint32, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], sessionID)
	copy(buf[4:], payload)
	return d.conn.SendMessage(buf)
}

// CreateFrames is the create_frames helper injected into the ingress
// handshake by the QUIC listener (SPEC_FULL.md §4.F).
func (d *QUICDemux) CreateFrames(channel string, sessionID uint32) (FrameIO, error) {
	if channel != "quic" {
		return FrameIO{}, io.ErrClosedPipe
	}
	return d.Register(sessionID), nil
}
