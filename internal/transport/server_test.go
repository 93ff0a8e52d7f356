package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsubd/internal/broker"
	"pubsubd/internal/protocol"
	"pubsubd/internal/session"
)

func startServer(t *testing.T, cfg Config) (*Server, *broker.Registry) {
	t.Helper()

	reg := broker.NewRegistry(broker.Options{}, zerolog.Nop(), nil)
	cfg.Addr = "127.0.0.1:0"
	if cfg.Session.WriteTimeout == 0 {
		cfg.Session.WriteTimeout = 2 * time.Second
	}
	srv := NewServer(cfg, reg, zerolog.Nop(), nil)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		reg.Close()
	})
	return srv, reg
}

// rwConn reads through the dialer's buffered reader when the handshake
// left bytes behind, and writes straight to the connection.
type rwConn struct {
	r io.Reader
	net.Conn
}

func (c rwConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, fmt.Sprintf("ws://%s/", srv.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	if br != nil {
		return rwConn{r: br, Conn: conn}
	}
	return conn
}

func clientRecv(t *testing.T, conn net.Conn) *protocol.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	var f protocol.ServerFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return &f
}

func clientSend(t *testing.T, conn net.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte(frame)))
}

func TestServerEndToEnd(t *testing.T) {
	srv, reg := startServer(t, Config{})
	_, err := reg.Create("orders", 0)
	require.NoError(t, err)

	conn := dial(t, srv)

	hello := clientRecv(t, conn)
	require.Equal(t, protocol.TypeConnected, hello.Type)
	assert.NotEmpty(t, hello.SessionID)

	clientSend(t, conn, `{"type":"subscribe","topic":"orders","client_id":"c1","request_id":"r1"}`)
	ack := clientRecv(t, conn)
	require.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "r1", ack.RequestID)

	clientSend(t, conn, `{"type":"publish","topic":"orders","message":{"payload":{"n":1}},"request_id":"r2"}`)

	var gotAck, gotEvent bool
	for i := 0; i < 2; i++ {
		f := clientRecv(t, conn)
		switch f.Type {
		case protocol.TypeAck:
			gotAck = true
			assert.Equal(t, uint64(1), f.Seq)
		case protocol.TypeEvent:
			gotEvent = true
			assert.Equal(t, uint64(1), f.Message.Seq)
			assert.JSONEq(t, `{"n":1}`, string(f.Message.Payload))
		default:
			t.Fatalf("unexpected frame type %q", f.Type)
		}
	}
	assert.True(t, gotAck)
	assert.True(t, gotEvent)
}

func TestServerAssignsDistinctSessionIDs(t *testing.T) {
	srv, _ := startServer(t, Config{})

	a := dial(t, srv)
	b := dial(t, srv)

	idA := clientRecv(t, a).SessionID
	idB := clientRecv(t, b).SessionID
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, srv.SessionCount())
}

func TestServerMaxSessionsRejectsHandshake(t *testing.T) {
	srv, _ := startServer(t, Config{MaxSessions: 1})

	conn := dial(t, srv)
	// The hello confirms the session is fully registered before the second
	// dial races the counter.
	require.Equal(t, protocol.TypeConnected, clientRecv(t, conn).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c2, _, _, err := ws.Dial(ctx, fmt.Sprintf("ws://%s/", srv.Addr()))
	if c2 != nil {
		_ = c2.Close()
	}
	require.Error(t, err)
}

func TestServerFailedHandshakeDoesNotLeakSlot(t *testing.T) {
	srv, _ := startServer(t, Config{MaxSessions: 1})

	// A plain HTTP request is rejected during the upgrade; its reserved
	// slot must be returned.
	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = raw.Write([]byte("GET / HTTP/1.1\r\nHost: broker\r\n\r\n"))
	require.NoError(t, err)
	_ = raw.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = io.ReadAll(raw)
	_ = raw.Close()

	assert.Zero(t, srv.SessionCount())

	conn := dial(t, srv)
	require.Equal(t, protocol.TypeConnected, clientRecv(t, conn).Type)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestServerStopForcesSessionsClosed(t *testing.T) {
	srv, _ := startServer(t, Config{})

	conn := dial(t, srv)
	require.Equal(t, protocol.TypeConnected, clientRecv(t, conn).Type)
	require.Equal(t, 1, srv.SessionCount())

	// A short grace forces the idle session closed.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	srv.Stop(ctx)

	assert.Zero(t, srv.SessionCount())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := wsutil.ReadServerData(conn)
	assert.Error(t, err)

	// A new dial fails once the listener is down.
	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	c2, _, _, err := ws.Dial(dctx, fmt.Sprintf("ws://%s/", srv.Addr()))
	if c2 != nil {
		_ = c2.Close()
	}
	assert.Error(t, err)
}

func TestServerStartTwiceFails(t *testing.T) {
	srv, _ := startServer(t, Config{})
	assert.Error(t, srv.Start(context.Background()))
}

func TestServerSessionConfigApplied(t *testing.T) {
	srv, reg := startServer(t, Config{
		Session: session.Config{MaxPayloadBytes: 8},
	})
	_, err := reg.Create("t", 0)
	require.NoError(t, err)

	conn := dial(t, srv)
	require.Equal(t, protocol.TypeConnected, clientRecv(t, conn).Type)

	clientSend(t, conn, `{"type":"publish","topic":"t","message":{"payload":{"way":"too large"}},"request_id":"r1"}`)
	f := clientRecv(t, conn)
	require.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, protocol.CodePayloadTooLarge, f.Error.Code)
}
