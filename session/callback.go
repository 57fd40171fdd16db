package session

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/bearice/redproxy-go/common"
)

// TcpConnectCallback is installed by the ingress handshake for
// Proxy-Protocol: tcp sessions (SPEC_FULL.md §4.D). It and
// FrameChannelCallback are the two Callback implementations the handshake
// installs; the Context calls them through the Callback interface.
type TcpConnectCallback struct{}

func (TcpConnectCallback) OnConnect(ctx *Context) {
	stream := ctx.ClientStream()
	if stream == nil {
		return
	}
	resp := common.NewHttpResponse(200, "Connection established")
	if err := resp.WriteTo(stream.ReadWriter.Writer); err != nil {
		log.Warn().Err(err).Uint64("sessionID", ctx.ID()).Msg("failed to send CONNECT response")
	}
}

func (TcpConnectCallback) OnError(ctx *Context, err error) {
	stream := ctx.ClientStream()
	if stream == nil {
		return
	}
	body := []byte(fmt.Sprintf("Error: %s", err))
	resp := common.NewHttpResponse(503, "Service unavailable").
		SetHeader("Content-Type", "text/plain").
		SetHeader("Content-Length", fmt.Sprintf("%d", len(body)))
	if werr := resp.WriteWithBody(stream.ReadWriter.Writer, body); werr != nil {
		log.Warn().Err(werr).Uint64("sessionID", ctx.ID()).Msg("failed to send error response")
	}
}

// FrameChannelCallback is installed for Proxy-Protocol: udp sessions. It
// knows the allocated session id and whether the channel is inline (the
// client stream itself becomes the frame transport) or out-of-band
// (frames already installed by the handshake on a separate transport,
// while the client stream still carries the handshake reply).
type FrameChannelCallback struct {
	SessionID uint32
	Inline    bool
}

// OnConnect always writes the 200/Session-Id reply over the client stream
// the CONNECT request arrived on. Only the inline case additionally takes
// that stream over as the frame transport itself.
func (f FrameChannelCallback) OnConnect(ctx *Context) {
	stream := ctx.ClientStream()
	if stream == nil {
		log.Warn().Uint32("sessionID", f.SessionID).Msg("no client stream to send CONNECT response over")
		return
	}
	resp := common.NewHttpResponse(200, "Connection established").
		SetHeader("Session-Id", fmt.Sprintf("%d", f.SessionID))
	if err := resp.WriteTo(stream.ReadWriter.Writer); err != nil {
		log.Warn().Err(err).Uint32("sessionID", f.SessionID).Msg("failed to send CONNECT response")
		return
	}
	if f.Inline {
		taken := ctx.TakeClientStream()
		frames := common.FramesFromStream(f.SessionID, taken.ReadWriter)
		ctx.SetClientFrames(frames)
	}
}

func (FrameChannelCallback) OnError(ctx *Context, err error) {
	TcpConnectCallback{}.OnError(ctx, err)
}
