// Package gc implements component H: the distributed reference-graph
// garbage collector and the cross-node deadlock detector, both reachability
// walks over the same graph — tuplespace refs lists as edges — read
// locally via the registry and remotely via a small query seam the
// dispatcher/mesh layer implements.
package gc

import (
	"github.com/adred-codev/lindamesh/internal/engine"
	"github.com/adred-codev/lindamesh/internal/ids"
	"github.com/adred-codev/lindamesh/internal/registry"
)

// NodeQuerier answers the three cross-node introspection queries the
// walks need for a tuplespace or process hosted on another node:
// get_references, get_blocked_list and get_threads. The ok return is false
// when the remote node could not be reached or does not know the id; both
// walks treat "unknown" conservatively (assume live / assume not
// deadlocked) rather than collecting or unblocking on missing information.
type NodeQuerier interface {
	RemoteRefs(node int, tsID string) (refs []string, ok bool)
	RemoteBlocked(node int, tsID string) (blocked []engine.BlockedInfo, ok bool)
	RemoteThreads(node int, pid string) (threadIDs []string, ok bool)
}

// LocalThreadLister answers get_threads for a process hosted on this node.
// Thread bookkeeping belongs to session/connection state, not to gc, so it
// is injected rather than owned here.
type LocalThreadLister interface {
	ThreadsOf(pid string) (threadIDs []string, ok bool)
}

// Collector runs both reachability walks for one node and wires itself
// into the registry (as the GC trigger) and, per engine, as the
// DeadlockChecker.
type Collector struct {
	node    int
	reg     *registry.Registry
	querier NodeQuerier
	threads LocalThreadLister

	onSweep    func()
	onRecovery func()
}

// New creates a Collector for node and registers it as the registry's GC
// trigger. It also installs itself, via the registry's
// DeadlockCheckerFactory, as the DeadlockChecker of every engine the
// registry already hosts and of every engine it creates afterwards.
func New(node int, reg *registry.Registry, querier NodeQuerier, threads LocalThreadLister) *Collector {
	c := &Collector{node: node, reg: reg, querier: querier, threads: threads}
	reg.SetGCTrigger(c.TriggerGC)
	reg.SetDeadlockCheckerFactory(func(*registry.Registry) engine.DeadlockChecker { return c })
	return c
}

// NewForTest builds a Collector with no cross-node querier and no thread
// lister, for tests that only need the single-node reachability walk.
func NewForTest(node int, reg *registry.Registry) *Collector {
	return New(node, reg, nil, nil)
}

// NewWithThreads builds a Collector with a thread lister but no cross-node
// querier, for single-node deadlock-detection tests.
func NewWithThreads(node int, reg *registry.Registry, threads LocalThreadLister) *Collector {
	return New(node, reg, nil, threads)
}

// SetHooks installs observation callbacks fired after a completed GC sweep
// and after a successful deadlock recovery. The dispatch layer wires these
// to its Prometheus counters; either may be nil.
func (c *Collector) SetHooks(onSweep, onRecovery func()) {
	c.onSweep = onSweep
	c.onRecovery = onRecovery
}

// TriggerGC runs doGarbageCollection for tsID: if the walk from tsID over
// its refs graph never reaches a root (a node id, a process id, or the
// universal tuplespace), tsID — and transitively anything reachable only
// through it — is dead, and its container is drained.
func (c *Collector) TriggerGC(tsID string) {
	if tsID == ids.Universal {
		return
	}
	visited := make(map[string]bool)
	if !c.reachesRoot(tsID, visited) {
		c.reg.DrainAndRemove(tsID)
		if c.onSweep != nil {
			c.onSweep()
		}
	}
}

func (c *Collector) reachesRoot(tsID string, visited map[string]bool) bool {
	if visited[tsID] {
		return false
	}
	visited[tsID] = true
	if tsID == ids.Universal {
		return true
	}
	refs, ok := c.refsOf(tsID)
	if !ok {
		// Unknown state (remote node unreachable): assume live rather
		// than risk collecting a tuplespace that is in fact still held.
		return true
	}
	for _, holder := range refs {
		switch {
		case ids.IsProcessID(holder):
			return true
		case ids.IsTupleSpaceID(holder):
			if c.reachesRoot(holder, visited) {
				return true
			}
		case ids.IsNodeID(holder):
			return true
		}
	}
	return false
}

// CheckAndRecover implements engine.DeadlockChecker: it runs isDeadLocked
// starting from e, and if the clique is deadlocked, releases one
// unblockable waiter found anywhere in the (locally-visible part of the)
// clique via unblockRandom.
func (c *Collector) CheckAndRecover(e *engine.Engine) {
	deadlocked, clique := c.isDeadLocked(e.ID())
	if !deadlocked {
		return
	}
	if c.unblockRandom(clique) && c.onRecovery != nil {
		c.onRecovery()
	}
}

// isDeadLocked enumerates the clique reachable from startTS: tuplespaces
// via refs, processes held in those refs, and every thread of each such
// process. A thread not found blocked on any tuplespace in the clique is
// runnable, which disproves deadlock immediately; so does finding a node-id
// holder or the universal tuplespace anywhere in the walk (both are
// unbounded external liveness). If the walk terminates with every thread
// accounted for and blocked, the clique is deadlocked.
func (c *Collector) isDeadLocked(startTS string) (bool, []string) {
	visitedTS := map[string]bool{}
	visitedProc := map[string]bool{}
	var clique []string
	var processes []string

	queue := []string{startTS}
	for len(queue) > 0 {
		ts := queue[0]
		queue = queue[1:]
		if visitedTS[ts] {
			continue
		}
		visitedTS[ts] = true
		clique = append(clique, ts)
		if ts == ids.Universal {
			return false, clique
		}

		refs, ok := c.refsOf(ts)
		if !ok {
			return false, clique
		}
		for _, holder := range refs {
			switch {
			case ids.IsNodeID(holder):
				return false, clique
			case ids.IsProcessID(holder):
				if !visitedProc[holder] {
					visitedProc[holder] = true
					processes = append(processes, holder)
				}
			case ids.IsTupleSpaceID(holder):
				if holder == ids.Universal {
					return false, clique
				}
				if !visitedTS[holder] {
					queue = append(queue, holder)
				}
			}
		}
	}

	for _, pid := range processes {
		threadIDs, ok := c.threadsOf(pid)
		if !ok {
			return false, clique
		}
		for _, tid := range threadIDs {
			if !c.blockedSomewhereIn(tid, visitedTS) {
				return false, clique
			}
		}
	}
	return true, clique
}

func (c *Collector) blockedSomewhereIn(tid string, tsSet map[string]bool) bool {
	for ts := range tsSet {
		blocked, ok := c.blockedOf(ts)
		if !ok {
			continue
		}
		for _, bi := range blocked {
			if bi.ThreadID == tid {
				return true
			}
		}
	}
	return false
}

// unblockRandom releases one unblockable waiter found on any locally
// hosted tuplespace in clique. Releasing a waiter parked on a remote
// node's engine is the dispatcher's concern (it would need an unblock
// opcode forwarded across the mesh); this node can only act directly on
// engines it hosts, which is sufficient for recovery since at least one
// node in any deadlocked clique discovers it independently by running
// this same scan from its own blocked waiters.
func (c *Collector) unblockRandom(clique []string) bool {
	for _, ts := range clique {
		if !c.reg.Owns(ts) {
			continue
		}
		e, ok := c.reg.Lookup(ts)
		if !ok {
			continue
		}
		if e.TryUnblockOne() {
			return true
		}
	}
	return false
}

func (c *Collector) refsOf(tsID string) ([]string, bool) {
	if c.reg.Owns(tsID) {
		e, ok := c.reg.Lookup(tsID)
		if !ok {
			return nil, false
		}
		return e.RefsSnapshot(), true
	}
	if c.querier == nil {
		return nil, false
	}
	return c.querier.RemoteRefs(ids.ResolveNode(ids.GetNodeFromTupleSpace(tsID)), tsID)
}

func (c *Collector) blockedOf(tsID string) ([]engine.BlockedInfo, bool) {
	if c.reg.Owns(tsID) {
		e, ok := c.reg.Lookup(tsID)
		if !ok {
			return nil, false
		}
		return e.BlockedSnapshot(), true
	}
	if c.querier == nil {
		return nil, false
	}
	return c.querier.RemoteBlocked(ids.ResolveNode(ids.GetNodeFromTupleSpace(tsID)), tsID)
}

func (c *Collector) threadsOf(pid string) ([]string, bool) {
	node := ids.ResolveNode(ids.GetNodeFromProcess(pid))
	if node == c.node {
		if c.threads == nil {
			return nil, false
		}
		return c.threads.ThreadsOf(pid)
	}
	if c.querier == nil {
		return nil, false
	}
	return c.querier.RemoteThreads(node, pid)
}
