package common

import "github.com/pkg/errors"

// Sentinel error kinds. Wrap them with errors.Wrap to attach a cause; callers
// recover the kind with errors.Is and the cause with errors.Cause.
var (
	ErrConfig = errors.New("config error")

	ErrBind = errors.New("bind error")
	ErrTLS  = errors.New("tls error")
	ErrAccept = errors.New("accept error")

	ErrInvalidMethod   = errors.New("invalid request method")
	ErrInvalidTarget   = errors.New("invalid target address")
	ErrInvalidProtocol = errors.New("invalid proxy protocol")
	ErrUpstreamRefused = errors.New("upstream refused connection")
	ErrUnsupportedFeature = errors.New("unsupported feature")

	ErrNoMatchingRule     = errors.New("no matching rule")
	ErrFeatureUnsupported = errors.New("connector does not support feature")
	ErrTooManySessions    = errors.New("too many active sessions")

	ErrTransport = errors.New("transport error")
	ErrEval      = errors.New("expression evaluation error")
)
