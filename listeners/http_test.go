package listeners

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bearice/redproxy-go/common"
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

func TestHTTPListener_AcceptsAndEnqueuesConnectSession(t *testing.T) {
	l := &HTTPListener{ListenerName: "http-in", Bind: "127.0.0.1:0"}
	require.NoError(t, l.Init())

	st := &state.GlobalState{Log: zerolog.Nop()}
	queue := session.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Listen(ctx, st, queue))

	conn, err := net.Dial("tcp", l.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	req := common.NewHttpRequest("CONNECT", "example.com:443")
	require.NoError(t, req.WriteTo(w))

	select {
	case sctx := <-queue:
		assert.Equal(t, "http-in", sctx.ListenerName())
		assert.Equal(t, "example.com:443", sctx.Target().String())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to be enqueued")
	}
}
