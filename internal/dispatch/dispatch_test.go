package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/lindamesh/internal/mesh"
	"github.com/adred-codev/lindamesh/internal/tuple"
	"github.com/adred-codev/lindamesh/internal/wire"
)

// rawClient is a minimal hand-rolled client used only to drive a
// Dispatcher end to end the way a real Linda client would, without
// depending on any client library (none exists in this repo — every
// caller is expected to speak the wire protocol directly or via a
// generated stub, both out of scope here).
type rawClient struct {
	t    *testing.T
	conn net.Conn
}

func dialClient(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c := &rawClient{t: t, conn: conn}
	c.send(wire.OpBeginSession, nil)
	env := c.recv()
	require.Equal(t, wire.OpDone, env.Op)
	return c
}

func (c *rawClient) send(op wire.Opcode, args any) {
	c.t.Helper()
	payload, err := wire.Marshal(op, args)
	require.NoError(c.t, err)
	require.NoError(c.t, wire.WriteFrame(c.conn, wire.Frame{Payload: payload}))
}

func (c *rawClient) recv() wire.Envelope {
	c.t.Helper()
	f, err := wire.ReadFrame(c.conn)
	require.NoError(c.t, err)
	env, err := wire.Unmarshal(f.Payload)
	require.NoError(c.t, err)
	return env
}

func newTestDispatcher(node int32) *Dispatcher {
	return New(node, zerolog.Nop(), mesh.New(node, zerolog.Nop(), nil), nil, nil, nil)
}

func listenAndServe(t *testing.T, d *Dispatcher) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.Serve(conn)
		}
	}()
	return ln.Addr().String()
}

func TestOutAndReadTupleRoundTrip(t *testing.T) {
	d := newTestDispatcher(1)
	addr := listenAndServe(t, d)

	c := dialClient(t, addr)
	c.send(wire.OpRegisterProcess, nil)
	var pid string
	require.NoError(t, c.recv().DecodeArgs(&pid))
	require.NotEmpty(t, pid)

	c.send(wire.OpRegisterThread, pid)
	var tid string
	require.NoError(t, c.recv().DecodeArgs(&tid))

	c.send(wire.OpCreateTuplespace, nil)
	var ts string
	require.NoError(t, c.recv().DecodeArgs(&ts))

	tup := tuple.Tuple{tuple.Int(7), tuple.String("hello")}
	c.send(wire.OpOutTuple, tupleArgs{TS: ts, Tuple: wire.ToWireTuple(tup)})
	assert.Equal(t, wire.OpDone, c.recv().Op)

	template := tuple.Tuple{tuple.Formal(tuple.ClassInt), tuple.Formal(tuple.ClassString)}
	c.send(wire.OpReadTuple, readInArgs{TS: ts, Template: wire.ToWireTuple(template), TID: tid})
	reply := c.recv()
	require.Equal(t, wire.OpReturnTuple, reply.Op)

	var got []wire.WireElement
	require.NoError(t, reply.DecodeArgs(&got))
	gotTuple, err := wire.FromWireTuple(got)
	require.NoError(t, err)
	assert.True(t, tuple.MatchesTuple(template, gotTuple))
}

func TestInTupleBlocksUntilOut(t *testing.T) {
	d := newTestDispatcher(1)
	addr := listenAndServe(t, d)

	c := dialClient(t, addr)
	c.send(wire.OpRegisterProcess, nil)
	var pid string
	require.NoError(t, c.recv().DecodeArgs(&pid))
	c.send(wire.OpRegisterThread, pid)
	var tid string
	require.NoError(t, c.recv().DecodeArgs(&tid))
	c.send(wire.OpCreateTuplespace, nil)
	var ts string
	require.NoError(t, c.recv().DecodeArgs(&ts))

	template := tuple.Tuple{tuple.Formal(tuple.ClassInt)}
	c.send(wire.OpInTuple, readInArgs{TS: ts, Template: wire.ToWireTuple(template), TID: tid})

	done := make(chan wire.Envelope, 1)
	go func() { done <- c.recv() }()

	select {
	case <-done:
		t.Fatal("in_tuple returned before any out_tuple was issued")
	case <-time.After(100 * time.Millisecond):
	}

	writer := dialClient(t, addr)
	writer.send(wire.OpOutTuple, tupleArgs{TS: ts, Tuple: wire.ToWireTuple(tuple.Tuple{tuple.Int(42)})})
	assert.Equal(t, wire.OpDone, writer.recv().Op)

	select {
	case env := <-done:
		require.Equal(t, wire.OpReturnTuple, env.Op)
		var got []wire.WireElement
		require.NoError(t, env.DecodeArgs(&got))
		gotTuple, err := wire.FromWireTuple(got)
		require.NoError(t, err)
		assert.Equal(t, int64(42), gotTuple[0].AsInt())
	case <-time.After(time.Second):
		t.Fatal("blocked in_tuple never woke up")
	}
}

func TestRdpReturnsUnblockWhenNoMatch(t *testing.T) {
	d := newTestDispatcher(1)
	addr := listenAndServe(t, d)

	c := dialClient(t, addr)
	c.send(wire.OpRegisterProcess, nil)
	var pid string
	require.NoError(t, c.recv().DecodeArgs(&pid))
	c.send(wire.OpRegisterThread, pid)
	var tid string
	require.NoError(t, c.recv().DecodeArgs(&tid))
	c.send(wire.OpCreateTuplespace, nil)
	var ts string
	require.NoError(t, c.recv().DecodeArgs(&ts))

	template := tuple.Tuple{tuple.Formal(tuple.ClassInt)}
	c.send(wire.OpReadTuple, readInArgs{TS: ts, Template: wire.ToWireTuple(template), TID: tid, Unblockable: true})
	env := c.recv()
	assert.Equal(t, wire.OpUnblock, env.Op)
}

// TestCrossNodeForward checks that a client connected to node 1 can
// operate on a tuplespace owned by node 2, reachable only via the direct
// peer link between the two dispatchers.
func TestCrossNodeForward(t *testing.T) {
	d1 := newTestDispatcher(1)
	d2 := newTestDispatcher(2)

	// Link the two node meshes directly: d2 listens, d1 dials in.
	peerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { peerLn.Close() })
	go func() {
		conn, err := peerLn.Accept()
		if err != nil {
			return
		}
		d2.Serve(conn)
	}()

	mp1, peerNode, err := meshOf(d1).Connect(peerLn.Addr().String(), 2)
	require.NoError(t, err)
	require.Equal(t, int32(2), peerNode)
	_ = mp1

	addr1 := listenAndServe(t, d1)

	// Create the tuplespace directly on node 2 via its own registry so we
	// know its id is owned by node 2 without routing a create through d1.
	ts := d2.Registry().NewTupleSpace("2:1").ID()

	c := dialClient(t, addr1)
	c.send(wire.OpRegisterProcess, nil)
	var pid string
	require.NoError(t, c.recv().DecodeArgs(&pid))
	c.send(wire.OpRegisterThread, pid)
	var tid string
	require.NoError(t, c.recv().DecodeArgs(&tid))

	c.send(wire.OpOutTuple, tupleArgs{TS: ts, Tuple: wire.ToWireTuple(tuple.Tuple{tuple.Int(9)})})
	assert.Equal(t, wire.OpDone, c.recv().Op)

	template := tuple.Tuple{tuple.Formal(tuple.ClassInt)}
	c.send(wire.OpReadTuple, readInArgs{TS: ts, Template: wire.ToWireTuple(template), TID: tid})
	env := c.recv()
	require.Equal(t, wire.OpReturnTuple, env.Op)
	var got []wire.WireElement
	require.NoError(t, env.DecodeArgs(&got))
	gotTuple, err := wire.FromWireTuple(got)
	require.NoError(t, err)
	assert.Equal(t, int64(9), gotTuple[0].AsInt())
}

// meshOf exposes the private mesh field for the cross-node test above
// without widening the Dispatcher's public surface for production callers.
func meshOf(d *Dispatcher) *mesh.Mesh { return d.msh }
