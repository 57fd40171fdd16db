package handshake

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/session"
)

// FrameFactory builds the server-side FrameIO for an out-of-band channel,
// keyed by the session id the upstream proxy returned.
type FrameFactory func(sessionID uint32) common.FrameIO

// Egress issues a CONNECT to an upstream proxy over server and wires the
// resulting stream or frames into ctx, per SPEC_FULL.md §4.E. The caller
// must hold the Write guard on ctx for the duration of this call, matching
// the ingress handshake's lock discipline.
func Egress(ctx *session.Context, server *session.BufStream, local, remote net.Addr, frameChannel string, frameFn FrameFactory) error {
	target := ctx.Target()
	switch ctx.Feature() {
	case session.TcpForward:
		return egressTCP(ctx, server, target, local, remote)
	case session.UdpForward:
		return egressUDP(ctx, server, target, local, remote, frameChannel, frameFn)
	default:
		return errors.Wrapf(common.ErrUnsupportedFeature, "feature %s", ctx.Feature())
	}
}

func egressTCP(ctx *session.Context, server *session.BufStream, target common.TargetAddress, local, remote net.Addr) error {
	req := common.NewHttpRequest("CONNECT", target.String()).
		SetHeader("Host", target.String())
	if err := req.WriteTo(server.ReadWriter.Writer); err != nil {
		return errors.Wrap(common.ErrTransport, err.Error())
	}
	resp, err := common.ReadHttpResponse(server.ReadWriter.Reader)
	if err != nil {
		return errors.Wrap(err, "read CONNECT response")
	}
	if resp.Code != 200 {
		return errors.Wrapf(common.ErrUpstreamRefused, "upstream returned %d %s", resp.Code, resp.Status)
	}
	ctx.SetServerStream(server).SetLocalAddr(local).SetServerAddr(remote)
	return nil
}

func egressUDP(ctx *session.Context, server *session.BufStream, target common.TargetAddress, local, remote net.Addr, frameChannel string, frameFn FrameFactory) error {
	req := common.NewHttpRequest("CONNECT", target.String()).
		SetHeader("Host", target.String()).
		SetHeader("Proxy-Protocol", "udp").
		SetHeader("Proxy-Channel", frameChannel)
	if err := req.WriteTo(server.ReadWriter.Writer); err != nil {
		return errors.Wrap(common.ErrTransport, err.Error())
	}
	resp, err := common.ReadHttpResponse(server.ReadWriter.Reader)
	if err != nil {
		return errors.Wrap(err, "read CONNECT response")
	}
	if resp.Code != 200 {
		return errors.Wrapf(common.ErrUpstreamRefused, "upstream returned %d %s", resp.Code, resp.Status)
	}
	sessionIDStr := resp.Header("Session-Id", "0")
	sessionID64, err := strconv.ParseUint(sessionIDStr, 10, 32)
	if err != nil {
		// Open question (a) in SPEC_FULL.md §9: an unparsable Session-Id is
		// not fatal; fall back to 0 and log a warning.
		log.Warn().Str("sessionID", sessionIDStr).Msg("unparsable Session-Id from upstream, using 0")
		sessionID64 = 0
	}
	sessionID := uint32(sessionID64)

	if strings.EqualFold(frameChannel, "inline") {
		ctx.SetServerFrames(common.FramesFromStream(sessionID, server.ReadWriter))
	} else {
		if frameFn == nil {
			return errors.Wrapf(common.ErrInvalidProtocol, "no frame factory for channel %q", frameChannel)
		}
		ctx.SetServerFrames(frameFn(sessionID))
	}
	ctx.SetLocalAddr(local).SetServerAddr(remote)
	return nil
}
