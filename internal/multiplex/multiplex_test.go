package multiplex

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/lindamesh/internal/wire"
)

func TestRequestReplyRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ma := New(a, 1)
	mb := New(b, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f, ok := mb.RecvFrame()
		require.True(t, ok)
		assert.Equal(t, "ping", string(f.Payload))
		require.NoError(t, mb.Reply(f, []byte("pong")))
	}()

	reply, err := ma.Request(2, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply.Payload))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("responder goroutine never finished")
	}
}

func TestRequestErrorsOnClosedConnection(t *testing.T) {
	a, b := net.Pipe()
	mb := New(b, 2)
	_ = mb

	a.Close()
	ma := New(a, 1)

	_, err := ma.Request(2, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPeerRequestWithCollidingTagIsNotAReply(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ma := New(a, 1)
	mb := New(b, 2)

	replyCh := make(chan wire.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		f, err := ma.Request(2, []byte("ping"))
		replyCh <- f
		errCh <- err
	}()

	req, ok := mb.RecvFrame()
	require.True(t, ok)

	// Before answering, the peer issues a request of its own. Both sides
	// mint dst_port/seq from 1, so its tag collides with ma's outstanding
	// request — it must still arrive as fresh inbound traffic, not be
	// swallowed as the reply ma is waiting for.
	go func() { _, _ = mb.Request(1, []byte("peer-req")) }()

	peerReq, ok := ma.RecvFrame()
	require.True(t, ok)
	assert.Equal(t, "peer-req", string(peerReq.Payload))

	require.NoError(t, mb.Reply(req, []byte("pong")))
	assert.Equal(t, "pong", string((<-replyCh).Payload))
	require.NoError(t, <-errCh)
	_ = ma.Reply(peerReq, []byte("peer-pong"))
}

func TestZeroDstNodeMeansThisNode(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	mb := New(b, 2)

	// A client that has not learned any node id addresses its server with
	// the dst_node 0 wildcard.
	go func() {
		_ = wire.WriteFrame(a, wire.Frame{Payload: []byte("hello")})
	}()

	f, ok := mb.RecvFrame()
	require.True(t, ok)
	assert.Equal(t, "hello", string(f.Payload))
}

func TestForwarderInvokedForForeignDestination(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ma := New(a, 1)
	mb := New(b, 2)

	forwarded := make(chan wire.Frame, 1)
	mb.SetForwarder(func(f wire.Frame) { forwarded <- f })

	go func() {
		_ = ma.SendFrame(wire.Frame{DstNode: 99, SrcNode: 1, DstPort: 1, Seq: 1, Payload: []byte("x")})
	}()

	select {
	case f := <-forwarded:
		assert.Equal(t, int32(99), f.DstNode)
	case <-time.After(time.Second):
		t.Fatal("forwarder never invoked")
	}
}
