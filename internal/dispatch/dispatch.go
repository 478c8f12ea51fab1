// Package dispatch implements the message dispatcher (component G): the
// per-connection accept/read loop, the opcode table, and the seams that
// let the registry and gc packages reach across the mesh to another
// node's engines.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/adred-codev/lindamesh/internal/config"
	"github.com/adred-codev/lindamesh/internal/engine"
	"github.com/adred-codev/lindamesh/internal/gc"
	"github.com/adred-codev/lindamesh/internal/ids"
	"github.com/adred-codev/lindamesh/internal/logging"
	"github.com/adred-codev/lindamesh/internal/mesh"
	"github.com/adred-codev/lindamesh/internal/metrics"
	"github.com/adred-codev/lindamesh/internal/multiplex"
	"github.com/adred-codev/lindamesh/internal/registry"
	"github.com/adred-codev/lindamesh/internal/tuple"
	"github.com/adred-codev/lindamesh/internal/wire"
)

// processInfo tracks per-process bookkeeping the dispatcher needs that the
// registry/engine packages have no reason to own themselves: which
// threads belong to the process, and which tuplespace ids it has ever
// mentioned in an op (an over-approximation of which tuplespaces it may
// hold a reference in, see touch/cleanupProcess).
type processInfo struct {
	mu        deadlock.Mutex
	pid       string
	tseq      *ids.Counter
	threads   map[string]bool
	touchedTS map[string]bool
}

func newProcessInfo(pid string) *processInfo {
	return &processInfo{
		pid:       pid,
		tseq:      ids.NewCounter(0),
		threads:   make(map[string]bool),
		touchedTS: make(map[string]bool),
	}
}

func (p *processInfo) touch(tsIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range tsIDs {
		if id != "" {
			p.touchedTS[id] = true
		}
	}
}

func (p *processInfo) touchedSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.touchedTS))
	for id := range p.touchedTS {
		out = append(out, id)
	}
	return out
}

// Session is one physical connection's dispatch-layer state: a client
// session (pid set once register_process runs) or a peer link (isPeer
// true, no process ever registered on it).
type Session struct {
	mp       *multiplex.Multiplexer
	isPeer   bool
	peerNode int32

	limiter *rate.Limiter

	mu      deadlock.Mutex
	pid     string
	proc    *processInfo
	waiting map[string]*engine.Engine // tid -> engine this session is blocked on, for disconnect cleanup
}

func (s *Session) registerWait(tid string, e *engine.Engine) {
	s.mu.Lock()
	s.waiting[tid] = e
	s.mu.Unlock()
}

func (s *Session) clearWait(tid string) {
	s.mu.Lock()
	delete(s.waiting, tid)
	s.mu.Unlock()
}

func (s *Session) waitingSnapshot() map[string]*engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*engine.Engine, len(s.waiting))
	for tid, e := range s.waiting {
		out[tid] = e
	}
	return out
}

// Dispatcher owns one node's registry, mesh view and GC/deadlock
// collector, and runs the accept-side handshake and opcode table that
// every connection's read loop drives.
type Dispatcher struct {
	node    int32
	logger  zerolog.Logger
	cfg     *config.Config
	metrics *metrics.Registry
	guard   *mesh.ResourceGuard
	msh     *mesh.Mesh
	reg     *registry.Registry
	gcCol   *gc.Collector

	tsSeq   *ids.Counter
	procSeq *ids.Counter

	mu        deadlock.Mutex
	processes map[string]*processInfo

	onKill func()
}

// New builds a Dispatcher for node, wiring a fresh Registry and Collector
// in behind it (Dispatcher itself is the registry's RemoteRefEditor and
// the collector's NodeQuerier/LocalThreadLister, since only the dispatch
// layer knows how to reach another node over the mesh).
func New(node int32, logger zerolog.Logger, m *mesh.Mesh, cfg *config.Config, mx *metrics.Registry, guard *mesh.ResourceGuard) *Dispatcher {
	d := &Dispatcher{
		node:      node,
		logger:    logger,
		cfg:       cfg,
		metrics:   mx,
		guard:     guard,
		msh:       m,
		tsSeq:     ids.NewCounter(0),
		procSeq:   ids.NewCounter(0),
		processes: make(map[string]*processInfo),
	}
	d.reg = registry.New(int(node), d)
	d.gcCol = gc.New(int(node), d.reg, d, d)
	if mx != nil {
		d.gcCol.SetHooks(mx.GCSweeps.Inc, mx.DeadlockRecoveries.Inc)
	}
	return d
}

// AttachPeers starts a dispatch loop for every direct peer link already
// recorded in the mesh. The accept path starts these itself; this covers
// links opened before the dispatcher existed, i.e. the bootstrap link a
// joining node dialed during mesh.Join.
func (d *Dispatcher) AttachPeers() {
	for _, node := range d.msh.DirectNeighbours() {
		mp, ok := d.msh.Route(node)
		if !ok {
			continue
		}
		go d.runPeerLoop(mp, node)
	}
}

// Registry exposes the dispatcher's registry, e.g. for a test that creates
// a tuplespace directly on one node.
func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// SetOnKill installs the callback kill_server fires after acknowledging;
// cmd/lindad points it at the same graceful-shutdown path SIGTERM takes.
func (d *Dispatcher) SetOnKill(fn func()) { d.onKill = fn }

// --- Accept-side handshake -------------------------------------------------

// Serve runs the accept side of a freshly accepted connection: the shared
// begin_session preamble, then a branch on the second frame's opcode,
// since a peer link (my_name_is), a join applicant (get_new_node_id) and a
// plain client session (register_process, typically) are indistinguishable
// until that second frame arrives — see DESIGN.md.
func (d *Dispatcher) Serve(conn net.Conn) {
	defer logging.RecoverPanic(d.logger, "dispatch.Serve", nil)

	if d.guard != nil && !d.guard.ShouldAccept() {
		conn.Close()
		return
	}

	beginFrame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	begin, err := wire.Unmarshal(beginFrame.Payload)
	if err != nil || begin.Op != wire.OpBeginSession {
		conn.Close()
		return
	}
	done, _ := wire.Marshal(wire.OpDone, nil)
	if err := wire.WriteFrame(conn, wire.Frame{Payload: done}); err != nil {
		conn.Close()
		return
	}

	secondFrame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	second, err := wire.Unmarshal(secondFrame.Payload)
	if err != nil {
		conn.Close()
		return
	}

	switch second.Op {
	case wire.OpMyNameIs:
		d.servePeerLink(conn, second)
	case wire.OpGetNewNodeID:
		d.serveJoinApplicant(conn)
	default:
		d.serveClient(conn, secondFrame, second)
	}
}

func (d *Dispatcher) servePeerLink(conn net.Conn, nameEnv wire.Envelope) {
	var peerNode int32
	if err := nameEnv.DecodeArgs(&peerNode); err != nil {
		conn.Close()
		return
	}
	reply, _ := wire.Marshal(wire.OpMyNameIs, d.node)
	if err := wire.WriteFrame(conn, wire.Frame{Payload: reply}); err != nil {
		conn.Close()
		return
	}
	mp := d.msh.AdoptDirect(peerNode, conn)
	d.runPeerLoop(mp, peerNode)
}

// serveJoinApplicant answers get_new_node_id with this node's view of the
// next free id, then completes the my_name_is exchange with the applicant
// under that newly assigned id before adopting it as a direct peer.
func (d *Dispatcher) serveJoinApplicant(conn net.Conn) {
	newNode := d.msh.AssignNodeID()
	idReply, _ := wire.Marshal(wire.OpDone, newNode)
	if err := wire.WriteFrame(conn, wire.Frame{Payload: idReply}); err != nil {
		conn.Close()
		return
	}

	nameFrame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	name, err := wire.Unmarshal(nameFrame.Payload)
	if err != nil || name.Op != wire.OpMyNameIs {
		conn.Close()
		return
	}
	var announced int32
	if err := name.DecodeArgs(&announced); err != nil || announced != newNode {
		conn.Close()
		return
	}
	reply, _ := wire.Marshal(wire.OpMyNameIs, d.node)
	if err := wire.WriteFrame(conn, wire.Frame{Payload: reply}); err != nil {
		conn.Close()
		return
	}

	mp := d.msh.AdoptDirect(newNode, conn)
	d.runPeerLoop(mp, newNode)
}

func (d *Dispatcher) serveClient(conn net.Conn, firstFrame wire.Frame, firstEnv wire.Envelope) {
	mp := multiplex.New(conn, int(d.node))
	sess := &Session{mp: mp, waiting: make(map[string]*engine.Engine)}
	if d.cfg != nil && d.cfg.MaxRequestRate > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(d.cfg.MaxRequestRate), d.cfg.MaxRequestRate)
	}
	go d.dispatchOne(sess, firstFrame, firstEnv)
	d.runClientLoop(sess)
}

// runPeerLoop feeds every frame this direct peer link produces for us
// (i.e. not a reply to our own outstanding Request) into the opcode
// table, exactly like a client session, except no process is ever
// registered on it and disconnect cleanup drops the neighbours-table
// entry instead of purging process references.
func (d *Dispatcher) runPeerLoop(mp *multiplex.Multiplexer, peerNode int32) {
	sess := &Session{mp: mp, isPeer: true, peerNode: peerNode, waiting: make(map[string]*engine.Engine)}
	d.updatePeerGauge()
	defer func() {
		d.msh.RemoveNode(peerNode)
		d.updatePeerGauge()
	}()
	for {
		f, ok := mp.RecvFrame()
		if !ok {
			return
		}
		env, err := wire.Unmarshal(f.Payload)
		if err != nil {
			d.bumpProtocolError()
			continue
		}
		go d.dispatchOne(sess, f, env)
	}
}

func (d *Dispatcher) runClientLoop(sess *Session) {
	defer d.cleanupSession(sess)
	for {
		if sess.limiter != nil {
			_ = sess.limiter.Wait(context.Background())
		}
		f, ok := sess.mp.RecvFrame()
		if !ok {
			return
		}
		env, err := wire.Unmarshal(f.Payload)
		if err != nil {
			d.bumpProtocolError()
			continue
		}
		go d.dispatchOne(sess, f, env)
		if env.Op == wire.OpCloseConnection {
			return
		}
	}
}

func (d *Dispatcher) cleanupSession(sess *Session) {
	defer logging.RecoverPanic(d.logger, "dispatch.cleanupSession", nil)
	for tid, e := range sess.waitingSnapshot() {
		e.CancelWait(tid)
	}
	sess.mu.Lock()
	proc := sess.proc
	pid := sess.pid
	sess.mu.Unlock()
	if proc == nil {
		return
	}
	for _, tsID := range proc.touchedSnapshot() {
		d.reg.DeleteAllReferences(tsID, pid)
	}
	d.mu.Lock()
	delete(d.processes, pid)
	d.mu.Unlock()
}

func (d *Dispatcher) updatePeerGauge() {
	if d.metrics != nil {
		d.metrics.Peers.Set(float64(len(d.msh.DirectNeighbours())))
	}
}

func (d *Dispatcher) bumpProtocolError() {
	if d.metrics != nil {
		d.metrics.ProtocolErrors.Inc()
	}
}

// --- Opcode table -----------------------------------------------------------

func (d *Dispatcher) dispatchOne(sess *Session, f wire.Frame, env wire.Envelope) {
	defer logging.RecoverPanic(d.logger, "dispatch.dispatchOne", map[string]any{"op": string(env.Op)})

	switch env.Op {
	case wire.OpRegisterProcess:
		d.handleRegisterProcess(sess, f)
	case wire.OpRegisterThread:
		d.handleRegisterThread(sess, f, env)
	case wire.OpUnregisterThread:
		d.handleUnregisterThread(sess, f, env)
	case wire.OpCloseConnection:
		d.replyDone(sess.mp, f, nil)
	case wire.OpCreateTuplespace:
		d.handleCreateTuplespace(sess, f)
	case wire.OpOutTuple:
		d.handleOutTuple(sess, f, env)
	case wire.OpReadTuple:
		d.handleReadIn(sess, f, env, false)
	case wire.OpInTuple:
		d.handleReadIn(sess, f, env, true)
	case wire.OpCollect:
		d.handleCollect(sess, f, env, true)
	case wire.OpCopyCollect:
		d.handleCollect(sess, f, env, false)
	case wire.OpMultipleIn:
		d.handleMultipleIn(sess, f, env)
	case wire.OpIncrementRef:
		d.handleRefEdit(sess, f, env, true)
	case wire.OpDecrementRef:
		d.handleRefEdit(sess, f, env, false)
	case wire.OpGetReferences:
		d.handleGetReferences(sess, f, env)
	case wire.OpGetBlockedList:
		d.handleGetBlockedList(sess, f, env)
	case wire.OpGetThreads:
		d.handleGetThreads(sess, f, env)
	case wire.OpGetNeighbours:
		d.handleGetNeighbours(sess, f)
	case wire.OpGetConnectDetails:
		d.handleGetConnectDetails(sess, f, env)
	case wire.OpGetNewNodeID:
		reply, _ := wire.Marshal(wire.OpDone, d.msh.MaxKnownNodeID())
		_ = sess.mp.Reply(f, reply)
	case wire.OpMyNameIs:
		d.replyDone(sess.mp, f, nil)
	case wire.OpKillServer:
		d.replyDone(sess.mp, f, nil)
		if d.onKill != nil {
			go d.onKill()
		}
	default:
		d.bumpProtocolError()
		resp, _ := wire.Marshal(wire.OpDontKnow, nil)
		_ = sess.mp.Reply(f, resp)
	}
}

func (d *Dispatcher) replyDone(mp *multiplex.Multiplexer, req wire.Frame, value any) {
	resp, _ := wire.Marshal(wire.OpDone, value)
	_ = mp.Reply(req, resp)
}

func (d *Dispatcher) replyDontKnow(mp *multiplex.Multiplexer, req wire.Frame) {
	resp, _ := wire.Marshal(wire.OpDontKnow, nil)
	_ = mp.Reply(req, resp)
}

// --- Process/thread session bookkeeping -------------------------------------

// register_process has no arguments; the correlation id uuid.New() mints
// here is purely for audit logging (it never appears on the wire or in
// any id shape ids.go recognizes) — it lets every log line this process's
// ops produce be grepped together without assuming pid uniqueness across
// node restarts.
func (d *Dispatcher) handleRegisterProcess(sess *Session, f wire.Frame) {
	seq, err := d.procSeq.Next()
	if err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	pid := ids.NewProcessID(int(d.node), seq)
	proc := newProcessInfo(pid)

	d.mu.Lock()
	d.processes[pid] = proc
	d.mu.Unlock()

	sess.mu.Lock()
	sess.pid = pid
	sess.proc = proc
	sess.mu.Unlock()

	d.logger.Debug().Str("pid", pid).Str("audit_id", uuid.NewString()).Msg("dispatch: process registered")
	d.replyDone(sess.mp, f, pid)
}

func (d *Dispatcher) handleRegisterThread(sess *Session, f wire.Frame, env wire.Envelope) {
	var pid string
	if err := env.DecodeArgs(&pid); err != nil || !ids.IsProcessID(pid) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	d.mu.Lock()
	proc, ok := d.processes[pid]
	d.mu.Unlock()
	if !ok {
		d.replyDontKnow(sess.mp, f)
		return
	}
	tseq, err := proc.tseq.Next()
	if err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	tid := ids.NewThreadID(ids.GetNodeFromProcess(pid), processSeq(pid), tseq)

	proc.mu.Lock()
	proc.threads[tid] = true
	proc.mu.Unlock()

	d.replyDone(sess.mp, f, tid)
}

// processSeq extracts the sequence field of a process id, already
// validated as well-formed by the caller (it came from a pid we ourselves
// minted via ids.NewProcessID).
func processSeq(pid string) int {
	parts := strings.SplitN(pid, "!", 2)
	if len(parts) != 2 {
		return 0
	}
	n, _ := strconv.Atoi(parts[1])
	return n
}

func (d *Dispatcher) handleUnregisterThread(sess *Session, f wire.Frame, env wire.Envelope) {
	var tid string
	if err := env.DecodeArgs(&tid); err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if e, ok := sess.waitingSnapshot()[tid]; ok {
		e.CancelWait(tid)
		sess.clearWait(tid)
	}
	sess.mu.Lock()
	proc := sess.proc
	sess.mu.Unlock()
	if proc != nil {
		proc.mu.Lock()
		delete(proc.threads, tid)
		proc.mu.Unlock()
	}
	d.replyDone(sess.mp, f, nil)
}

// --- Tuplespace lifecycle ----------------------------------------------------

func (d *Dispatcher) handleCreateTuplespace(sess *Session, f wire.Frame) {
	seq, err := d.tsSeq.Next()
	if err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	id := ids.NewTupleSpaceID(int(d.node), seq)
	d.reg.NewTupleSpace(id)
	if d.metrics != nil {
		d.metrics.Tuplespaces.Set(float64(len(d.reg.All())))
	}
	d.replyDone(sess.mp, f, id)
}

type tupleArgs struct {
	TS    string             `json:"ts"`
	Tuple []wire.WireElement `json:"tuple"`
}

func (d *Dispatcher) handleOutTuple(sess *Session, f wire.Frame, env wire.Envelope) {
	var args tupleArgs
	if err := env.DecodeArgs(&args); err != nil || !ids.IsTupleSpaceID(args.TS) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if !d.reg.Owns(args.TS) {
		d.forward(sess, f, env, args.TS)
		return
	}
	tup, err := wire.FromWireTuple(args.Tuple)
	if err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	d.reg.NewTupleSpace(args.TS).Out(tup)
	d.touchSession(sess, tuple.References(tup)...)
	d.replyDone(sess.mp, f, nil)
}

type readInArgs struct {
	TS          string             `json:"ts"`
	Template    []wire.WireElement `json:"template"`
	TID         string             `json:"tid"`
	Unblockable bool               `json:"unblockable"`
}

// handleReadIn implements read_tuple/in_tuple: a local match or block runs
// synchronously in this already-detached per-frame goroutine (see
// dispatchOne), so a blocking rd/in never stalls the connection's read
// loop; a non-local target forwards the whole request and relays the
// eventual reply, also from within this same detached goroutine.
func (d *Dispatcher) handleReadIn(sess *Session, f wire.Frame, env wire.Envelope, destructive bool) {
	var args readInArgs
	if err := env.DecodeArgs(&args); err != nil || !ids.IsTupleSpaceID(args.TS) || !ids.IsThreadID(args.TID) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if !d.reg.Owns(args.TS) {
		d.forward(sess, f, env, args.TS)
		return
	}
	template, err := wire.FromWireTuple(args.Template)
	if err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	e := d.reg.NewTupleSpace(args.TS)

	if !sess.isPeer {
		sess.registerWait(args.TID, e)
		defer sess.clearWait(args.TID)
	}

	var (
		t       tuple.Tuple
		outcome engine.Outcome
	)
	if destructive {
		t, outcome = e.In(args.TID, template, args.Unblockable)
	} else {
		t, outcome = e.Rd(args.TID, template, args.Unblockable)
	}

	if outcome == engine.OutcomeUnblocked {
		resp, _ := wire.Marshal(wire.OpUnblock, args.TID)
		_ = sess.mp.Reply(f, resp)
		return
	}
	d.touchSession(sess, tuple.References(t)...)
	resp, _ := wire.Marshal(wire.OpReturnTuple, wire.ToWireTuple(t))
	_ = sess.mp.Reply(f, resp)
}

// --- collect / copy_collect / multiple_in -----------------------------------

type collectArgs struct {
	SrcTS    string             `json:"src_ts"`
	DstTS    string             `json:"dst_ts"`
	Template []wire.WireElement `json:"template"`
}

// handleCollect implements collect/copy_collect: the node owning src-ts
// performs the actual drain and reinserts every matched tuple into dst-ts,
// locally via Out or, if dst-ts lives elsewhere, via one bulk multiple_in
// request rather than one round trip per tuple.
func (d *Dispatcher) handleCollect(sess *Session, f wire.Frame, env wire.Envelope, destructive bool) {
	var args collectArgs
	if err := env.DecodeArgs(&args); err != nil || !ids.IsTupleSpaceID(args.SrcTS) || !ids.IsTupleSpaceID(args.DstTS) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if !d.reg.Owns(args.SrcTS) {
		d.forward(sess, f, env, args.SrcTS)
		return
	}
	template, err := wire.FromWireTuple(args.Template)
	if err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	src := d.reg.NewTupleSpace(args.SrcTS)
	var matched []tuple.Tuple
	if destructive {
		matched = src.Collect(template)
	} else {
		matched = src.CopyCollect(template)
	}

	if d.reg.Owns(args.DstTS) {
		dst := d.reg.NewTupleSpace(args.DstTS)
		for _, t := range matched {
			dst.Out(t)
		}
	} else if len(matched) > 0 {
		wireTuples := make([][]wire.WireElement, len(matched))
		for i, t := range matched {
			wireTuples[i] = wire.ToWireTuple(t)
		}
		payload, _ := wire.Marshal(wire.OpMultipleIn, multipleInArgs{TS: args.DstTS, Tuples: wireTuples})
		mp, ok := d.msh.Route(int32(ids.ResolveNode(ids.GetNodeFromTupleSpace(args.DstTS))))
		if ok {
			_, _ = mp.Request(int32(ids.ResolveNode(ids.GetNodeFromTupleSpace(args.DstTS))), payload)
		}
	}
	d.replyDone(sess.mp, f, len(matched))
}

type multipleInArgs struct {
	TS     string               `json:"ts"`
	Tuples [][]wire.WireElement `json:"tuples"`
}

func (d *Dispatcher) handleMultipleIn(sess *Session, f wire.Frame, env wire.Envelope) {
	var args multipleInArgs
	if err := env.DecodeArgs(&args); err != nil || !ids.IsTupleSpaceID(args.TS) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if !d.reg.Owns(args.TS) {
		d.forward(sess, f, env, args.TS)
		return
	}
	e := d.reg.NewTupleSpace(args.TS)
	for _, wt := range args.Tuples {
		t, err := wire.FromWireTuple(wt)
		if err != nil {
			continue
		}
		e.Out(t)
	}
	d.replyDone(sess.mp, f, nil)
}

// --- reference edits and introspection ---------------------------------------

type refArgs struct {
	TS  string `json:"ts"`
	Ref string `json:"ref"`
}

func (d *Dispatcher) handleRefEdit(sess *Session, f wire.Frame, env wire.Envelope, increment bool) {
	var args refArgs
	if err := env.DecodeArgs(&args); err != nil || !ids.IsTupleSpaceID(args.TS) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	d.touchSession(sess, args.TS)
	if increment {
		d.reg.IncrementRef(args.TS, args.Ref)
	} else {
		d.reg.DecrementRef(args.TS, args.Ref)
	}
	d.replyDone(sess.mp, f, nil)
}

type scopeArgs struct {
	ID string `json:"id"`
}

func (d *Dispatcher) handleGetReferences(sess *Session, f wire.Frame, env wire.Envelope) {
	var args scopeArgs
	if err := env.DecodeArgs(&args); err != nil || !ids.IsTupleSpaceID(args.ID) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if !d.reg.Owns(args.ID) {
		d.forward(sess, f, env, args.ID)
		return
	}
	e, ok := d.reg.Lookup(args.ID)
	if !ok {
		d.replyDone(sess.mp, f, []string{})
		return
	}
	d.replyDone(sess.mp, f, e.RefsSnapshot())
}

type blockedInfoWire struct {
	ThreadID    string             `json:"thread_id"`
	Template    []wire.WireElement `json:"template"`
	Unblockable bool               `json:"unblockable"`
	Destructive bool               `json:"destructive"`
}

func (d *Dispatcher) handleGetBlockedList(sess *Session, f wire.Frame, env wire.Envelope) {
	var args scopeArgs
	if err := env.DecodeArgs(&args); err != nil || !ids.IsTupleSpaceID(args.ID) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if !d.reg.Owns(args.ID) {
		d.forward(sess, f, env, args.ID)
		return
	}
	e, ok := d.reg.Lookup(args.ID)
	if !ok {
		d.replyDone(sess.mp, f, []blockedInfoWire{})
		return
	}
	snap := e.BlockedSnapshot()
	out := make([]blockedInfoWire, len(snap))
	for i, bi := range snap {
		out[i] = blockedInfoWire{
			ThreadID:    bi.ThreadID,
			Template:    wire.ToWireTuple(bi.Template),
			Unblockable: bi.Unblockable,
			Destructive: bi.Destructive,
		}
	}
	if d.metrics != nil {
		d.metrics.BlockedWaiters.Set(float64(len(out)))
	}
	d.replyDone(sess.mp, f, out)
}

func (d *Dispatcher) handleGetThreads(sess *Session, f wire.Frame, env wire.Envelope) {
	var pid string
	if err := env.DecodeArgs(&pid); err != nil || !ids.IsProcessID(pid) {
		d.replyDontKnow(sess.mp, f)
		return
	}
	owner := ids.ResolveNode(ids.GetNodeFromProcess(pid))
	if owner != int(d.node) {
		mp, ok := d.msh.Route(int32(owner))
		if !ok {
			d.replyDontKnow(sess.mp, f)
			return
		}
		payload, _ := wire.Marshal(wire.OpGetThreads, pid)
		reply, err := mp.Request(int32(owner), payload)
		if err != nil {
			d.replyDontKnow(sess.mp, f)
			return
		}
		_ = sess.mp.Reply(f, reply.Payload)
		return
	}
	threadIDs, ok := d.ThreadsOf(pid)
	if !ok {
		d.replyDone(sess.mp, f, []string{})
		return
	}
	d.replyDone(sess.mp, f, threadIDs)
}

func (d *Dispatcher) handleGetNeighbours(sess *Session, f wire.Frame) {
	d.replyDone(sess.mp, f, d.msh.AllKnown())
}

func (d *Dispatcher) handleGetConnectDetails(sess *Session, f wire.Frame, env wire.Envelope) {
	var node int32
	if err := env.DecodeArgs(&node); err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if addr, ok := d.msh.AddrOf(node); ok {
		d.replyDone(sess.mp, f, connectDetailsReply{Addr: addr, Via: d.node})
		return
	}
	if _, ok := d.msh.Route(node); ok {
		d.replyDone(sess.mp, f, connectDetailsReply{Via: d.node})
		return
	}
	d.replyDontKnow(sess.mp, f)
}

type connectDetailsReply struct {
	Addr string `json:"addr"`
	Via  int32  `json:"via"`
}

// --- forwarding ---------------------------------------------------------------

// forward routes the whole original request to the node owning tsID and
// relays its reply back verbatim, running in this frame's own detached
// goroutine so a forwarded blocking read never stalls anything else on
// this connection. The reply's own frame tag is untouched by Request, so
// Reply below naturally wakes the correct original waiter on this hop too.
func (d *Dispatcher) forward(sess *Session, f wire.Frame, env wire.Envelope, tsID string) {
	target := ids.ResolveNode(ids.GetNodeFromTupleSpace(tsID))
	mp, ok := d.msh.Route(int32(target))
	if !ok {
		d.replyDontKnow(sess.mp, f)
		return
	}
	payload, err := wire.Marshal(env.Op, env.Args)
	if err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	if d.metrics != nil {
		d.metrics.ForwardedRequests.Inc()
	}
	reply, err := mp.Request(int32(target), payload)
	if err != nil {
		d.replyDontKnow(sess.mp, f)
		return
	}
	_ = sess.mp.Reply(f, reply.Payload)
}

func (d *Dispatcher) touchSession(sess *Session, tsIDs ...string) {
	sess.mu.Lock()
	proc := sess.proc
	sess.mu.Unlock()
	if proc != nil {
		proc.touch(tsIDs...)
	}
}

// --- registry.RemoteRefEditor -------------------------------------------------

func (d *Dispatcher) IncrementRemoteRef(node int, tsID, holder string) error {
	return d.remoteRefEdit(node, tsID, holder, true)
}

func (d *Dispatcher) DecrementRemoteRef(node int, tsID, holder string) error {
	return d.remoteRefEdit(node, tsID, holder, false)
}

func (d *Dispatcher) remoteRefEdit(node int, tsID, holder string, increment bool) error {
	mp, ok := d.msh.Route(int32(node))
	if !ok {
		return fmt.Errorf("dispatch: no route to node %d", node)
	}
	op := wire.OpDecrementRef
	if increment {
		op = wire.OpIncrementRef
	}
	payload, err := wire.Marshal(op, refArgs{TS: tsID, Ref: holder})
	if err != nil {
		return err
	}
	_, err = mp.Request(int32(node), payload)
	return err
}

// --- gc.NodeQuerier / gc.LocalThreadLister -----------------------------------

func (d *Dispatcher) RemoteRefs(node int, tsID string) ([]string, bool) {
	mp, ok := d.msh.Route(int32(node))
	if !ok {
		return nil, false
	}
	payload, _ := wire.Marshal(wire.OpGetReferences, scopeArgs{ID: tsID})
	reply, err := mp.Request(int32(node), payload)
	if err != nil {
		return nil, false
	}
	env, err := wire.Unmarshal(reply.Payload)
	if err != nil {
		return nil, false
	}
	var out []string
	if err := env.DecodeArgs(&out); err != nil {
		return nil, false
	}
	return out, true
}

func (d *Dispatcher) RemoteBlocked(node int, tsID string) ([]engine.BlockedInfo, bool) {
	mp, ok := d.msh.Route(int32(node))
	if !ok {
		return nil, false
	}
	payload, _ := wire.Marshal(wire.OpGetBlockedList, scopeArgs{ID: tsID})
	reply, err := mp.Request(int32(node), payload)
	if err != nil {
		return nil, false
	}
	env, err := wire.Unmarshal(reply.Payload)
	if err != nil {
		return nil, false
	}
	var wireList []blockedInfoWire
	if err := env.DecodeArgs(&wireList); err != nil {
		return nil, false
	}
	out := make([]engine.BlockedInfo, 0, len(wireList))
	for _, bi := range wireList {
		template, err := wire.FromWireTuple(bi.Template)
		if err != nil {
			continue
		}
		out = append(out, engine.BlockedInfo{
			ThreadID:    bi.ThreadID,
			Template:    template,
			Unblockable: bi.Unblockable,
			Destructive: bi.Destructive,
		})
	}
	return out, true
}

func (d *Dispatcher) RemoteThreads(node int, pid string) ([]string, bool) {
	mp, ok := d.msh.Route(int32(node))
	if !ok {
		return nil, false
	}
	payload, _ := wire.Marshal(wire.OpGetThreads, pid)
	reply, err := mp.Request(int32(node), payload)
	if err != nil {
		return nil, false
	}
	env, err := wire.Unmarshal(reply.Payload)
	if err != nil {
		return nil, false
	}
	var out []string
	if err := env.DecodeArgs(&out); err != nil {
		return nil, false
	}
	return out, true
}

// AuditSweep re-runs the deadlock check for every locally hosted
// tuplespace that currently has at least one blocked waiter. Engine.Rd/In
// already triggers CheckAndRecover synchronously the moment a waiter
// blocks, so this periodic sweep only matters for the race the Design
// Notes call out: a clique that becomes closed off only after the last
// waiter on it registered (e.g. a remote ref dropped later), which no
// local registration event would otherwise re-trigger.
func (d *Dispatcher) AuditSweep() {
	for _, tsID := range d.reg.All() {
		e, ok := d.reg.Lookup(tsID)
		if !ok || len(e.BlockedSnapshot()) == 0 {
			continue
		}
		d.gcCol.CheckAndRecover(e)
	}
}

func (d *Dispatcher) ThreadsOf(pid string) ([]string, bool) {
	d.mu.Lock()
	proc, ok := d.processes[pid]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	out := make([]string, 0, len(proc.threads))
	for tid := range proc.threads {
		out = append(out, tid)
	}
	return out, true
}
