// Package mesh implements the node mesh (component F): the direct/
// indirect neighbours table, outbound connect handshake, broadcast
// primitives, and the join protocol that assigns a new node its id.
package mesh

import (
	"fmt"
	"net"

	"github.com/sasha-s/go-deadlock"

	"github.com/rs/zerolog"

	"github.com/adred-codev/lindamesh/internal/multiplex"
	"github.com/adred-codev/lindamesh/internal/wire"
)

// entry is the neighbours table's sum type: exactly one of Direct or
// ViaNode is meaningful, matching the Design Notes' "keep the
// representation sum-typed so every routing decision is a pattern match"
// guidance.
type entry struct {
	direct   *multiplex.Multiplexer
	viaNode  int32
	isDirect bool
}

// Mesh owns one node's view of the federation: which peers it holds a
// direct socket to, and which node to forward through for everyone else.
type Mesh struct {
	selfNode int32
	logger   zerolog.Logger
	guard    *ResourceGuard

	mu          deadlock.Mutex
	neighbours  map[int32]entry
	addrs       map[int32]string
	assignedMax int32 // highest node id handed to a joiner, never reissued
}

// New builds a Mesh for selfNode. guard may be nil; the mesh stores it but
// does not consult it itself — CPU-based admission control runs in the
// dispatcher's accept path (dispatch.Serve).
func New(selfNode int32, logger zerolog.Logger, guard *ResourceGuard) *Mesh {
	return &Mesh{
		selfNode:   selfNode,
		logger:     logger,
		guard:      guard,
		neighbours: make(map[int32]entry),
		addrs:      make(map[int32]string),
	}
}

// AddrOf returns the dial address this node last used to reach node
// directly, if any — populated by Connect, consulted by get_connect_details
// when another node asks how to reach it (see connections.go).
func (m *Mesh) AddrOf(node int32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.addrs[node]
	return addr, ok
}

func (m *Mesh) SelfNode() int32 { return m.selfNode }

// SetSelfNode is used once, by the join protocol, after a node id has
// been assigned by the mesh it is joining.
func (m *Mesh) SetSelfNode(n int32) { m.selfNode = n }

// AddDirect records mp as the direct connection to node, wiring this
// mesh's Forward method as the multiplexer's forwarding hand-off so any
// frame the reader sees addressed elsewhere gets routed on.
func (m *Mesh) AddDirect(node int32, mp *multiplex.Multiplexer) {
	mp.SetForwarder(m.Forward)
	m.mu.Lock()
	m.neighbours[node] = entry{direct: mp, isDirect: true}
	m.mu.Unlock()
}

// AddIndirect records that node is reachable via the next hop via, unless
// a direct connection to node already exists (direct always wins).
func (m *Mesh) AddIndirect(node, via int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.neighbours[node]; ok && e.isDirect {
		return
	}
	m.neighbours[node] = entry{viaNode: via}
}

// RemoveNode drops node from the neighbours table entirely, called when
// its direct connection closes.
func (m *Mesh) RemoveNode(node int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.neighbours, node)
}

// Route resolves node to the multiplexer a frame addressed to it should
// be written on, following indirect next-hop pointers until a direct
// connection is found or the chain terminates unresolved (invariant 8:
// routing stability — a bounded number of hops, never an infinite loop,
// since each step either returns or consumes a visited entry).
func (m *Mesh) Route(node int32) (*multiplex.Multiplexer, bool) {
	visited := map[int32]bool{}
	cur := node
	for {
		m.mu.Lock()
		e, ok := m.neighbours[cur]
		m.mu.Unlock()
		if !ok {
			return nil, false
		}
		if e.isDirect {
			return e.direct, true
		}
		if visited[cur] {
			return nil, false
		}
		visited[cur] = true
		cur = e.viaNode
	}
}

// Forward implements the multiplexer forwarding hand-off: a frame whose
// DstNode is neither this node nor this link's peer lands here, and is
// routed on toward its real destination, preserving its tag unchanged so
// the eventual reply finds its way back along the reverse path.
func (m *Mesh) Forward(f wire.Frame) {
	mp, ok := m.Route(f.DstNode)
	if !ok {
		m.logger.Warn().Int32("dst_node", f.DstNode).Msg("mesh: no route, dropping frame")
		return
	}
	if err := mp.SendFrame(f); err != nil {
		m.logger.Warn().Err(err).Int32("dst_node", f.DstNode).Msg("mesh: forward failed")
	}
}

// MaxKnownNodeID returns the highest node id this node currently knows
// about — itself, every neighbour, and any id it has already promised to
// a joiner that has not finished its handshake yet.
func (m *Mesh) MaxKnownNodeID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxKnownLocked()
}

func (m *Mesh) maxKnownLocked() int32 {
	max := m.selfNode
	for n := range m.neighbours {
		if n > max {
			max = n
		}
	}
	if m.assignedMax > max {
		max = m.assignedMax
	}
	return max
}

// AssignNodeID reserves and returns a fresh node id for a joining
// applicant. The reserve-and-return is one critical section so two
// applicants racing through the join handshake can never be promised the
// same id before either appears in the neighbours table.
func (m *Mesh) AssignNodeID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.maxKnownLocked() + 1
	m.assignedMax = id
	return id
}

// DirectNeighbours returns every node this mesh holds a live socket to.
func (m *Mesh) DirectNeighbours() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, 0, len(m.neighbours))
	for n, e := range m.neighbours {
		if e.isDirect {
			out = append(out, n)
		}
	}
	return out
}

// AllKnown returns every node id in the neighbours table, for get_neighbours.
func (m *Mesh) AllKnown() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, 0, len(m.neighbours))
	for n := range m.neighbours {
		out = append(out, n)
	}
	return out
}

// beginSession runs the dialer side of the session preamble every
// connection opens with, peer or client alike: send begin_session, wait
// for done.
func beginSession(conn net.Conn) error {
	begin, err := wire.Marshal(wire.OpBeginSession, nil)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, wire.Frame{Payload: begin}); err != nil {
		return err
	}
	ackFrame, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	ack, err := wire.Unmarshal(ackFrame.Payload)
	if err != nil || ack.Op != wire.OpDone {
		return fmt.Errorf("mesh: begin_session not acknowledged")
	}
	return nil
}

// announceIdentity runs the mutual my_name_is exchange described in
// §4.F's connect bullet, over a connection that has already completed
// beginSession. wantNode, if nonzero, is the node id the caller expects
// to find there (0 means "accept whoever answers", used during Join
// before the topology is known).
func announceIdentity(conn net.Conn, selfNode, wantNode int32) (peerNode int32, err error) {
	nameArgs, err := wire.Marshal(wire.OpMyNameIs, selfNode)
	if err != nil {
		return 0, err
	}
	if err := wire.WriteFrame(conn, wire.Frame{Payload: nameArgs}); err != nil {
		return 0, err
	}
	replyFrame, err := wire.ReadFrame(conn)
	if err != nil {
		return 0, err
	}
	reply, err := wire.Unmarshal(replyFrame.Payload)
	if err != nil || reply.Op != wire.OpMyNameIs {
		return 0, fmt.Errorf("mesh: expected my_name_is reply")
	}
	if err := reply.DecodeArgs(&peerNode); err != nil {
		return 0, err
	}
	if wantNode != 0 && peerNode != wantNode {
		return 0, fmt.Errorf("mesh: connected to node %d, expected %d", peerNode, wantNode)
	}
	return peerNode, nil
}

// Connect dials addr, completes the identity handshake, and records the
// peer as a direct neighbour. wantNode, if nonzero, is the node id the
// caller expects to find there; a mismatch is an error. If the initial
// dial fails and wantNode is known, Connect falls back to asking the mesh
// itself how to reach it (broadcast_first_reply(get_connect_details))
// before giving up, matching the original multiplexer's retry-against-
// every-neighbour behavior (see DESIGN.md).
func (m *Mesh) Connect(addr string, wantNode int32) (*multiplex.Multiplexer, int32, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		if wantNode == 0 {
			return nil, 0, err
		}
		hint, ok := m.connectDetailsHint(wantNode)
		if !ok {
			return nil, 0, err
		}
		conn, err = net.Dial("tcp", hint)
		if err != nil {
			return nil, 0, err
		}
		addr = hint
	}
	if err := beginSession(conn); err != nil {
		conn.Close()
		return nil, 0, err
	}
	peerNode, err := announceIdentity(conn, m.selfNode, wantNode)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	mp := multiplex.New(conn, int(m.selfNode))
	m.AddDirect(peerNode, mp)
	m.mu.Lock()
	m.addrs[peerNode] = addr
	m.mu.Unlock()
	return mp, peerNode, nil
}

// connectDetailsHint asks every direct neighbour for a dialable address to
// reach node, via get_connect_details, stopping at the first non-dont_know
// answer.
func (m *Mesh) connectDetailsHint(node int32) (string, bool) {
	env, ok := m.BroadcastFirstReply(wire.OpGetConnectDetails, node)
	if !ok {
		return "", false
	}
	var reply struct {
		Addr string `json:"addr"`
		Via  int32  `json:"via"`
	}
	if err := env.DecodeArgs(&reply); err != nil || reply.Addr == "" {
		return "", false
	}
	return reply.Addr, true
}

// AdoptDirect wraps an already-identified connection as a Multiplexer and
// records it as a direct neighbour. Used by the dispatcher's accept loop
// once it has itself decided, by peeking the second handshake frame, that
// the new connection is a peer rather than a plain client (see
// internal/dispatch, which owns that branch because a client session
// diverges from the peer handshake right after begin_session).
func (m *Mesh) AdoptDirect(peerNode int32, conn net.Conn) *multiplex.Multiplexer {
	mp := multiplex.New(conn, int(m.selfNode))
	m.AddDirect(peerNode, mp)
	return mp
}

// AcceptHandshake runs the accepting side of the identity exchange over a
// connection already known to be a peer link (e.g. a dedicated mesh
// listener, or a test harness) and wraps it as a direct neighbour.
func (m *Mesh) AcceptHandshake(conn net.Conn) (*multiplex.Multiplexer, int32, bool) {
	beginFrame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, 0, false
	}
	begin, err := wire.Unmarshal(beginFrame.Payload)
	if err != nil || begin.Op != wire.OpBeginSession {
		return nil, 0, false
	}
	done, _ := wire.Marshal(wire.OpDone, nil)
	if err := wire.WriteFrame(conn, wire.Frame{Payload: done}); err != nil {
		return nil, 0, false
	}

	nameFrame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, 0, false
	}
	name, err := wire.Unmarshal(nameFrame.Payload)
	if err != nil || name.Op != wire.OpMyNameIs {
		return nil, 0, false
	}
	var peerNode int32
	if err := name.DecodeArgs(&peerNode); err != nil {
		return nil, 0, false
	}

	reply, _ := wire.Marshal(wire.OpMyNameIs, m.selfNode)
	if err := wire.WriteFrame(conn, wire.Frame{Payload: reply}); err != nil {
		return nil, 0, false
	}

	return m.AdoptDirect(peerNode, conn), peerNode, true
}

// Join runs the applicant side of the join protocol against a bootstrap
// peer: request a fresh node id (the bootstrap's own view of the max known
// id plus one, per the Design Notes' simplification — see DESIGN.md),
// complete the identity handshake under the newly assigned id, and adopt
// the bootstrap's own neighbours as indirect routes via it.
func (m *Mesh) Join(bootstrapAddr string) (int32, error) {
	conn, err := net.Dial("tcp", bootstrapAddr)
	if err != nil {
		return 0, err
	}

	if err := beginSession(conn); err != nil {
		conn.Close()
		return 0, err
	}

	idReq, _ := wire.Marshal(wire.OpGetNewNodeID, 0)
	if err := wire.WriteFrame(conn, wire.Frame{Payload: idReq}); err != nil {
		conn.Close()
		return 0, err
	}
	idReplyFrame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return 0, err
	}
	idReply, err := wire.Unmarshal(idReplyFrame.Payload)
	if err != nil {
		conn.Close()
		return 0, err
	}
	var newNode int32
	if err := idReply.DecodeArgs(&newNode); err != nil {
		conn.Close()
		return 0, err
	}

	peerNode, err := announceIdentity(conn, newNode, 0)
	if err != nil {
		conn.Close()
		return 0, err
	}

	m.SetSelfNode(newNode)
	mp := multiplex.New(conn, int(newNode))
	m.AddDirect(peerNode, mp)

	if neighboursFrame, err := mp.Request(peerNode, mustMarshal(wire.OpGetNeighbours, nil)); err == nil {
		env, err := wire.Unmarshal(neighboursFrame.Payload)
		if err == nil {
			var known []int32
			if err := env.DecodeArgs(&known); err == nil {
				for _, n := range known {
					if n != newNode && n != peerNode {
						m.AddIndirect(n, peerNode)
					}
				}
			}
		}
	}

	return newNode, nil
}

func mustMarshal(op wire.Opcode, args any) []byte {
	b, err := wire.Marshal(op, args)
	if err != nil {
		panic(err)
	}
	return b
}

// Broadcast floods op/args to every directly connected neighbour,
// fire-and-forget; used for announcements such as my_name_is propagation.
// This is a one-hop simplification of the full BFS flood §4.F describes
// (a true relay would need every receiving node's dispatcher to
// re-broadcast to its own other neighbours) — acceptable here because
// Join already recovers the wider topology via get_neighbours against
// the bootstrap, so a full flood is not load-bearing for correctness,
// only for propagation speed. See DESIGN.md.
func (m *Mesh) Broadcast(op wire.Opcode, args any) {
	payload, err := wire.Marshal(op, args)
	if err != nil {
		return
	}
	for _, node := range m.DirectNeighbours() {
		mp, ok := m.Route(node)
		if !ok {
			continue
		}
		go func(mp *multiplex.Multiplexer, node int32) {
			_, _ = mp.Request(node, payload)
		}(mp, node)
	}
}

// BroadcastFirstReply sends op/args to every direct neighbour and returns
// the first non-dont_know reply, or ok=false if every neighbour answered
// dont_know or was unreachable. Same one-hop scope as Broadcast.
func (m *Mesh) BroadcastFirstReply(op wire.Opcode, args any) (wire.Envelope, bool) {
	payload, err := wire.Marshal(op, args)
	if err != nil {
		return wire.Envelope{}, false
	}
	for _, node := range m.DirectNeighbours() {
		mp, ok := m.Route(node)
		if !ok {
			continue
		}
		replyFrame, err := mp.Request(node, payload)
		if err != nil {
			continue
		}
		env, err := wire.Unmarshal(replyFrame.Payload)
		if err != nil || env.Op == wire.OpDontKnow {
			continue
		}
		return env, true
	}
	return wire.Envelope{}, false
}
