package common

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Frame is a single UDP-mode datagram carrying the session it belongs to.
type Frame struct {
	SessionID uint32
	Payload   []byte
}

// FrameSender is the send half of a FrameIO. Send is best-effort: a
// transport failure is reported but does not close the FrameIO.
type FrameSender interface {
	Send(payload []byte) error
}

// FrameReceiver is the receive half of a FrameIO. Recv returns io.EOF once
// the underlying transport is exhausted.
type FrameReceiver interface {
	Recv() ([]byte, error)
}

// FrameIO is a datagram endpoint pair bound to one session id.
type FrameIO struct {
	SessionID uint32
	FrameSender
	FrameReceiver
}

// streamFrameIO frames an inline byte stream as [u16 length][payload],
// matching the wire format described in SPEC_FULL.md §6.
type streamFrameIO struct {
	sessionID uint32
	rw        *bufio.ReadWriter
	mu        sync.Mutex
}

// FramesFromStream wraps a buffered bidirectional stream as a FrameIO,
// taking ownership of it: once framed, the stream is no longer valid as an
// HTTP byte stream.
func FramesFromStream(sessionID uint32, rw *bufio.ReadWriter) FrameIO {
	s := &streamFrameIO{sessionID: sessionID, rw: rw}
	return FrameIO{SessionID: sessionID, FrameSender: s, FrameReceiver: s}
}

func (s *streamFrameIO) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(payload) > 0xFFFF {
		return errors.Errorf("frame payload too large: %d bytes", len(payload))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := s.rw.Write(lenBuf[:]); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	if _, err := s.rw.Write(payload); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return s.rw.Flush()
}

func (s *streamFrameIO) Recv() ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(s.rw, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.rw, payload); err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	return payload, nil
}

// ExternalTransport is implemented by out-of-band datagram carriers (QUIC
// datagrams, a websocket connection) that External() wires a FrameIO to.
type ExternalTransport interface {
	SendDatagram(sessionID uint32, payload []byte) error
}

// externalFrameIO binds a session id to a caller-supplied transport and a
// receive channel fed by that transport's demultiplexer.
type externalFrameIO struct {
	sessionID uint32
	transport ExternalTransport
	recvChan  <-chan []byte
}

// External builds a FrameIO whose transport is provided by the caller, e.g.
// a QUIC datagram multiplexer (see quicdemux.go) or a websocket connection
// (see wsframe.go).
func External(sessionID uint32, transport ExternalTransport, recvChan <-chan []byte) FrameIO {
	e := &externalFrameIO{sessionID: sessionID, transport: transport, recvChan: recvChan}
	return FrameIO{SessionID: sessionID, FrameSender: e, FrameReceiver: e}
}

func (e *externalFrameIO) Send(payload []byte) error {
	return e.transport.SendDatagram(e.sessionID, payload)
}

func (e *externalFrameIO) Recv() ([]byte, error) {
	payload, ok := <-e.recvChan
	if !ok {
		return nil, io.EOF
	}
	return payload, nil
}
