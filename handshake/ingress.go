// Package handshake implements the HTTP/1.1 CONNECT handshake used both as
// an ingress protocol (accepting CONNECT from a client) and as a tunneling
// protocol to an upstream proxy on egress, per SPEC_FULL.md §4.D–§4.E.
package handshake

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/session"
)

var frameSessionCounter uint32

// CreateFramesFunc builds the client-side FrameIO for a named out-of-band
// channel (e.g. "quic", "ws"), injected by the listener that knows how to
// reach that transport.
type CreateFramesFunc func(channel string, sessionID uint32) (common.FrameIO, error)

// Ingress runs the server-side CONNECT acceptance described in
// SPEC_FULL.md §4.D: read the request, validate method and target, branch
// on Proxy-Protocol, install the matching callback, and enqueue the
// Context. The Context's client stream must already be set.
func Ingress(ctx *session.Context, queue session.Queue, createFrames CreateFramesFunc) error {
	request, err := readRequest(ctx)
	if err != nil {
		return err
	}

	target, err := common.ParseTargetAddress(request.Resource)
	if err != nil {
		writeBadRequest(ctx)
		return errors.Wrapf(common.ErrInvalidTarget, "resource %q: %v", request.Resource, err)
	}

	protocol := strings.ToLower(request.Header("Proxy-Protocol", "tcp"))
	g := ctx.Write()
	switch protocol {
	case "tcp":
		ctx.SetTarget(target).SetFeature(session.TcpForward).SetCallback(session.TcpConnectCallback{})
	case "udp":
		sessionID := atomic.AddUint32(&frameSessionCounter, 1)
		channel := strings.ToLower(request.Header("Proxy-Channel", "inline"))
		ctx.SetTarget(target).SetFeature(session.UdpForward).
			SetCallback(session.FrameChannelCallback{SessionID: sessionID, Inline: channel == "inline"})
		if channel != "inline" {
			if createFrames == nil {
				g.Release()
				writeBadRequest(ctx)
				return errors.Wrapf(common.ErrInvalidProtocol, "no frame factory for channel %q", channel)
			}
			frames, ferr := createFrames(channel, sessionID)
			if ferr != nil {
				g.Release()
				writeBadRequest(ctx)
				return errors.Wrapf(common.ErrInvalidProtocol, "create frames for channel %q: %v", channel, ferr)
			}
			ctx.SetClientFrames(frames)
		}
	default:
		g.Release()
		writeBadRequest(ctx)
		return errors.Wrapf(common.ErrInvalidProtocol, "unsupported Proxy-Protocol: %q", protocol)
	}
	ctx.MarkHandshakeComplete()
	g.Release()

	if err := ctx.Enqueue(queue); err != nil {
		return errors.Wrap(err, "enqueue context")
	}
	return nil
}

func readRequest(ctx *session.Context) (*common.HttpRequest, error) {
	g := ctx.Write()
	defer g.Release()
	stream := ctx.BorrowClientStream()
	if stream == nil {
		return nil, errors.New("handshake: context has no client stream")
	}
	request, err := common.ReadHttpRequest(stream.ReadWriter.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "read CONNECT request")
	}
	if !strings.EqualFold(request.Method, "CONNECT") {
		resp := common.NewHttpResponse(400, "Bad Request")
		if werr := resp.WriteTo(stream.ReadWriter.Writer); werr != nil {
			log.Warn().Err(werr).Msg("failed to send 400 response")
		}
		return nil, errors.Wrapf(common.ErrInvalidMethod, "method %q", request.Method)
	}
	return request, nil
}

func writeBadRequest(ctx *session.Context) {
	g := ctx.Write()
	defer g.Release()
	stream := ctx.BorrowClientStream()
	if stream == nil {
		return
	}
	resp := common.NewHttpResponse(400, "Bad Request")
	if err := resp.WriteTo(stream.ReadWriter.Writer); err != nil {
		log.Warn().Err(err).Msg("failed to send 400 response")
	}
}
