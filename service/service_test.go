package service

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPServerServesConnections(t *testing.T) {
	srv := NewTCPServer("test", "127.0.0.1:0", nil, func(conn net.Conn) {
		_, _ = conn.Write([]byte("hello\r\n"))
	})
	require.NoError(t, srv.Listen())
	srv.Serve()
	defer func() { _ = srv.Shutdown() }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello\r\n", string(data))
}

func TestShutdownStopsAccepting(t *testing.T) {
	srv := NewTCPServer("test", "127.0.0.1:0", nil, func(conn net.Conn) {})
	require.NoError(t, srv.Listen())
	srv.Serve()
	addr := srv.Addr().String()
	require.NoError(t, srv.Shutdown())

	_, err := net.Dial("tcp", addr)
	assert.Error(t, err)

	// a second shutdown is a harmless noop
	assert.NoError(t, srv.Shutdown())
}

func TestShutdownClosesLiveConnections(t *testing.T) {
	unblocked := make(chan struct{})
	srv := NewTCPServer("test", "127.0.0.1:0", nil, func(conn net.Conn) {
		// block on a read until shutdown closes the socket under us
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		close(unblocked)
	})
	require.NoError(t, srv.Listen())
	srv.Serve()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// wait for the server to see the connection before shutting down
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Shutdown())
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not observe the closed socket")
	}
}

func TestIsClosedErr(t *testing.T) {
	assert.False(t, IsClosedErr(nil))
	assert.True(t, IsClosedErr(io.EOF))
	assert.True(t, IsClosedErr(net.ErrClosed))
	assert.True(t, IsClosedErr(errors.Wrap(io.EOF, "read")))
	assert.True(t, IsClosedErr(errors.New("read tcp: use of closed network connection")))
	assert.False(t, IsClosedErr(errors.New("boom")))
}
