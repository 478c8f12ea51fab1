// Package multiplex implements the connection multiplexer (component E):
// one instance per physical connection (a peer link or a client session),
// framing outbound messages, demultiplexing inbound frames into replies
// for a blocked requester versus fresh inbound traffic for the dispatcher,
// and handing off anything not addressed to this node to the mesh for
// forwarding.
package multiplex

import (
	"errors"
	"io"
	"net"

	"github.com/sasha-s/go-deadlock"

	"github.com/adred-codev/lindamesh/internal/ids"
	"github.com/adred-codev/lindamesh/internal/wire"
)

// ErrClosed is returned by Request once the underlying connection has
// been closed (RecvFrame reports the same condition with ok=false),
// matching the error taxonomy's transport error case: a closed connection
// wakes every reply-waiter with an empty result, which this package
// surfaces as an error rather than a zero Frame a caller could mistake for
// a real reply.
var ErrClosed = errors.New("multiplex: connection closed")

type replyKey struct {
	dstPort int32
	seq     int32
}

// Multiplexer owns one physical net.Conn. Its reader goroutine decodes
// frames continuously; writes are serialized through sendMu so concurrent
// repliers on the same socket never interleave their bytes.
type Multiplexer struct {
	conn     net.Conn
	selfNode int32

	sendMu deadlock.Mutex

	seq  *ids.Counter
	port *ids.Counter

	storeMu deadlock.Mutex
	pending map[replyKey]chan wire.Frame
	closed  bool
	closeCh chan struct{}

	inbound chan wire.Frame

	// forward is set by the mesh for peer-link multiplexers only; a
	// client-facing multiplexer leaves it nil since a client frame's
	// DstNode is always this node (clients do not address other nodes
	// directly, see DESIGN.md).
	forward func(wire.Frame)
}

// New wraps conn as a multiplexer for a node whose id is selfNode, and
// starts its reader goroutine.
func New(conn net.Conn, selfNode int) *Multiplexer {
	m := &Multiplexer{
		conn:     conn,
		selfNode: int32(selfNode),
		seq:      ids.NewCounter(0),
		port:     ids.NewCounter(0),
		pending:  make(map[replyKey]chan wire.Frame),
		closeCh:  make(chan struct{}),
		inbound:  make(chan wire.Frame, 64),
	}
	go m.readLoop()
	return m
}

// SetForwarder wires the mesh's forwarding hand-off for frames whose
// DstNode names neither this node nor a reply this multiplexer is
// waiting on.
func (m *Multiplexer) SetForwarder(fn func(wire.Frame)) { m.forward = fn }

// Done reports closure of the underlying connection.
func (m *Multiplexer) Done() <-chan struct{} { return m.closeCh }

func (m *Multiplexer) readLoop() {
	defer m.closeAll()
	for {
		f, err := wire.ReadFrame(m.conn)
		if err != nil {
			return
		}
		m.dispatch(f)
	}
}

func (m *Multiplexer) dispatch(f wire.Frame) {
	dst := f.DstNode
	if dst == 0 {
		// Session-bootstrap wildcard: dst_node 0 means "the node at this
		// end of the link", which is how a client addresses its server
		// before it has learned any node id.
		dst = m.selfNode
	}
	if dst != m.selfNode {
		if m.forward != nil {
			m.forward(f)
		}
		return
	}
	if f.SrcNode == m.selfNode {
		// Replies echo the request's (src_node, dst_port, seq) tag
		// verbatim, so a frame carrying our own node id as src can only
		// be the answer to one of our outstanding requests. A fresh
		// request from the peer always carries the peer's id (or 0, for
		// a client) there instead — that is what keeps its independently
		// minted dst_port/seq counters from colliding with ours.
		key := replyKey{dstPort: f.DstPort, seq: f.Seq}
		m.storeMu.Lock()
		ch, ok := m.pending[key]
		if ok {
			delete(m.pending, key)
		}
		m.storeMu.Unlock()
		if ok {
			ch <- f
		}
		// No pending entry: a stale duplicate, dropped.
		return
	}
	select {
	case m.inbound <- f:
	case <-m.closeCh:
	}
}

func (m *Multiplexer) closeAll() {
	m.storeMu.Lock()
	if m.closed {
		m.storeMu.Unlock()
		return
	}
	m.closed = true
	pending := m.pending
	m.pending = nil
	m.storeMu.Unlock()

	close(m.closeCh)
	for _, ch := range pending {
		close(ch)
	}
}

// SendFrame writes f verbatim, serialized against every other writer on
// this connection. Used both for direct replies (fields already set by
// the caller) and by the mesh to forward someone else's frame onward with
// its tag untouched, which is how a reply finds its way back along the
// reverse path.
func (m *Multiplexer) SendFrame(f wire.Frame) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return wire.WriteFrame(m.conn, f)
}

// Request sends payload to dstNode as a freshly tagged message and blocks
// until the matching reply frame arrives or the connection closes. The
// dst_port/seq pair minted here is this multiplexer's own correlation
// token: per the wire format's open question on message-id reuse, only
// the (src_node, dst_port, seq) triple is guaranteed unique, never seq
// alone, so every outstanding request gets its own dst_port from a
// separate counter rather than relying on seq uniqueness by itself.
func (m *Multiplexer) Request(dstNode int32, payload []byte) (wire.Frame, error) {
	port, err := m.port.Next()
	if err != nil {
		return wire.Frame{}, err
	}
	seq, err := m.seq.Next()
	if err != nil {
		return wire.Frame{}, err
	}
	key := replyKey{dstPort: int32(port), seq: int32(seq)}
	ch := make(chan wire.Frame, 1)

	m.storeMu.Lock()
	if m.closed {
		m.storeMu.Unlock()
		return wire.Frame{}, ErrClosed
	}
	m.pending[key] = ch
	m.storeMu.Unlock()

	f := wire.Frame{
		DstNode: dstNode,
		SrcNode: m.selfNode,
		DstPort: int32(port),
		Seq:     int32(seq),
		Payload: payload,
	}
	if err := m.SendFrame(f); err != nil {
		m.storeMu.Lock()
		delete(m.pending, key)
		m.storeMu.Unlock()
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return wire.Frame{}, ErrClosed
		}
		return wire.Frame{}, err
	}

	reply, ok := <-ch
	if !ok {
		return wire.Frame{}, ErrClosed
	}
	return reply, nil
}

// Reply sends payload back to a request described by req. The request's
// (src_node, dst_port, seq) tag is echoed verbatim — that triple is the
// only thing the requester's multiplexer keys its pending store on — and
// dst_node becomes the original source so the frame retraces the forward
// path hop by hop.
func (m *Multiplexer) Reply(req wire.Frame, payload []byte) error {
	return m.SendFrame(wire.Frame{
		DstNode: req.SrcNode,
		SrcNode: req.SrcNode,
		DstPort: req.DstPort,
		Seq:     req.Seq,
		Payload: payload,
	})
}

// RecvFrame blocks for the next frame addressed to this node that is not
// a reply to an outstanding Request — i.e. either a fresh client/peer
// request for the dispatcher, or a server-to-client push such as
// return_tuple/unblock. The ok return is false once the connection has
// closed and no further frames will arrive.
func (m *Multiplexer) RecvFrame() (wire.Frame, bool) {
	select {
	case f, ok := <-m.inbound:
		return f, ok
	case <-m.closeCh:
		select {
		case f, ok := <-m.inbound:
			return f, ok
		default:
			return wire.Frame{}, false
		}
	}
}

// Close closes the underlying connection; the reader goroutine's exit
// path wakes every pending requester with ErrClosed.
func (m *Multiplexer) Close() error {
	return m.conn.Close()
}

var _ io.Closer = (*Multiplexer)(nil)
