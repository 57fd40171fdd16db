package common

import (
	"encoding/binary"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSDemux is the websocket analogue of QUICDemux: a single websocket
// connection can multiplex several UDP-mode sessions, each frame carrying
// [u32 session_id][payload], selected via "Proxy-Channel: ws". Modeled on
// carrier/websocket.go's wrapping of an arbitrary stream in a websocket
// connection.
type WSDemux struct {
	conn   *websocket.Conn
	log    zerolog.Logger
	mu     sync.Mutex
	wmu    sync.Mutex
	queues map[uint32]chan []byte
}

// NewWSDemux starts the background read loop over conn.
func NewWSDemux(conn *websocket.Conn, log zerolog.Logger) *WSDemux {
	d := &WSDemux{conn: conn, log: log, queues: make(map[uint32]chan []byte)}
	go d.run()
	return d
}

func (d *WSDemux) run() {
	for {
		_, msg, err := d.conn.ReadMessage()
		if err != nil {
			d.log.Debug().Err(err).Msg("ws demux: connection closed")
			d.closeAll()
			return
		}
		if len(msg) < 4 {
			d.log.Warn().Msg("ws demux: short frame dropped")
			continue
		}
		sessionID := binary.BigEndian.Uint32(msg[:4])
		payload := msg[4:]
		d.mu.Lock()
		q, ok := d.queues[sessionID]
		d.mu.Unlock()
		if !ok {
			d.log.Debug().Uint32("sessionID", sessionID).Msg("ws demux: unknown session, dropped")
			continue
		}
		select {
		case q <- payload:
		default:
			d.log.Warn().Uint32("sessionID", sessionID).Msg("ws demux: receive queue full, dropped")
		}
	}
}

func (d *WSDemux) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, q := range d.queues {
		close(q)
		delete(d.queues, id)
	}
}

// Register allocates sessionID's receive queue and returns a bound FrameIO.
func (d *WSDemux) Register(sessionID uint32) FrameIO {
	q := make(chan []byte, 16)
	d.mu.Lock()
	d.queues[sessionID] = q
	d.mu.Unlock()
	return External(sessionID, d, q)
}

// SendDatagram implements ExternalTransport over the websocket connection.
func (d *WSDemux) SendDatagram(sessionID uint32, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], sessionID)
	copy(buf[4:], payload)
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return d.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// CreateFrames implements the frame_fn factory signature for the "ws"
// named channel.
func (d *WSDemux) CreateFrames(sessionID uint32) FrameIO {
	return d.Register(sessionID)
}
