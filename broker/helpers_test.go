package broker

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coregx/greenhouse-broker/frame"
	"github.com/coregx/greenhouse-broker/protocol"
)

// newTestPair returns a broker-side Conn wired to registry/router, and a
// bufio.Reader over the raw client-side socket for asserting on frames the
// broker sends. A real loopback TCP connection is used rather than
// net.Pipe: net.Pipe is a synchronous, unbuffered rendezvous, so a Send
// call and the test's subsequent read would deadlock for any payload
// larger than zero bytes. Loopback TCP gives each side a kernel socket
// buffer instead.
func newTestPair(t *testing.T, registry *Registry, router *Router) (*Conn, *bufio.Reader, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server := <-accepted

	c := newConn(server, registry, router, 0, zerolog.Nop())
	return c, bufio.NewReader(client), client
}

func readMessage(t *testing.T, r *bufio.Reader) *protocol.Message {
	t.Helper()
	payload, err := frame.ReadFrame(r)
	require.NoError(t, err)
	msg, err := protocol.Parse(payload)
	require.NoError(t, err)
	return msg
}

func writeMessage(t *testing.T, conn net.Conn, msg *protocol.Message) {
	t.Helper()
	w := bufio.NewWriter(conn)
	payload, err := msg.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, frame.WriteFrame(w, payload))
}

func withTimeout(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out")
	}
}
