// Package registry implements the per-node tuplespace registry (component
// C): the id-to-engine map, creation serialized against duplicate creates,
// and ref-aware deletion once a tuplespace's reference multiset empties.
package registry

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"

	"github.com/adred-codev/lindamesh/internal/engine"
	"github.com/adred-codev/lindamesh/internal/ids"
)

// RemoteRefEditor applies a ref edit to a tuplespace hosted on another
// node, used by Registry when asked to edit a reference on an id it does
// not own locally. The dispatcher/mesh layer supplies the real
// implementation (increment_ref/decrement_ref forwarded over the mesh);
// tests can use a stub.
type RemoteRefEditor interface {
	IncrementRemoteRef(node int, tsID, holder string) error
	DecrementRemoteRef(node int, tsID, holder string) error
}

// DeadlockCheckerFactory builds the DeadlockChecker a freshly created
// engine should use. Factored out so the registry does not need to import
// the gc package directly (gc already needs to import registry to walk
// the tuplespace map, so the dependency must run this direction).
type DeadlockCheckerFactory func(r *Registry) engine.DeadlockChecker

// Registry owns the mapping from tuplespace id to Engine for one node.
type Registry struct {
	node int

	mu   deadlock.Mutex
	byID map[string]*engine.Engine

	remote      RemoteRefEditor
	checkerFact DeadlockCheckerFactory

	// gcTrigger is set by the gc package once it is constructed (it needs
	// a live *Registry to walk, so like checkerFact it cannot be supplied
	// at New time). Every ref removal schedules a detached call to
	// it: a plain local refs-empty check (DeleteIfUnreferenced below)
	// catches the common acyclic case, but a cyclic clique of mutually
	// referencing tuplespaces (no single engine's refs ever empties on
	// its own) only collects via the full reachability walk gc runs here.
	gcTrigger func(tsID string)
}

// New creates a registry for the given node id, pre-populated with the
// universal tuplespace "0:0". The deadlock checker factory is wired in
// separately via SetDeadlockCheckerFactory once the gc.Collector exists,
// since building a Collector itself requires a live *Registry to walk.
func New(node int, remote RemoteRefEditor) *Registry {
	r := &Registry{
		node:   node,
		byID:   make(map[string]*engine.Engine),
		remote: remote,
	}
	r.getOrCreateLocked(ids.Universal)
	return r
}

// SetGCTrigger wires the distributed GC walk in. Called once, by whatever
// constructs the gc.Collector for this node.
func (r *Registry) SetGCTrigger(fn func(tsID string)) { r.gcTrigger = fn }

// SetDeadlockCheckerFactory wires the distributed deadlock walk into every
// engine this registry hosts: existing engines (at minimum, the universal
// tuplespace created in New) are updated immediately, and every engine
// created afterwards picks it up in getOrCreateLocked.
func (r *Registry) SetDeadlockCheckerFactory(f DeadlockCheckerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkerFact = f
	for _, e := range r.byID {
		e.SetDeadlockChecker(f(r))
	}
}

// NewTupleSpace creates and registers a new engine for id, or returns the
// existing one if a concurrent caller already created it — the whole
// check-then-create is serialized by the registry mutex so two callers
// racing to create the same tuplespace never produce two Engines.
func (r *Registry) NewTupleSpace(id string) *engine.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(id)
}

func (r *Registry) getOrCreateLocked(id string) *engine.Engine {
	if e, ok := r.byID[id]; ok {
		return e
	}
	e := engine.New(id)
	e.SetRefUpdater(r)
	if r.checkerFact != nil {
		e.SetDeadlockChecker(r.checkerFact(r))
	}
	r.byID[id] = e
	return e
}

// Lookup returns the engine for id if it is hosted on this node.
func (r *Registry) Lookup(id string) (*engine.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}

// Owns reports whether id's owning node is this node.
func (r *Registry) Owns(id string) bool {
	return ids.ResolveNode(ids.GetNodeFromTupleSpace(id)) == r.node
}

// All returns every locally-hosted tuplespace id, for introspection.
func (r *Registry) All() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}

// IncrementRef and DecrementRef implement engine.RefUpdater: they resolve
// tsID to a local engine and edit it directly, or hand off to the remote
// editor if tsID's owning node is not this one.
func (r *Registry) IncrementRef(tsID, holder string) {
	if !r.Owns(tsID) {
		if r.remote != nil {
			_ = r.remote.IncrementRemoteRef(ids.ResolveNode(ids.GetNodeFromTupleSpace(tsID)), tsID, holder)
		}
		return
	}
	e := r.NewTupleSpace(tsID)
	e.AddReference(holder)
}

func (r *Registry) DecrementRef(tsID, holder string) {
	if !r.Owns(tsID) {
		if r.remote != nil {
			_ = r.remote.DecrementRemoteRef(ids.ResolveNode(ids.GetNodeFromTupleSpace(tsID)), tsID, holder)
		}
		return
	}
	e, ok := r.Lookup(tsID)
	if !ok {
		return
	}
	if err := e.RemoveReference(holder); err != nil {
		// Bookkeeping bug elsewhere (attempted double-remove): surfaced,
		// per the error taxonomy, rather than swallowed.
		panic(fmt.Sprintf("registry: %v", err))
	}
	r.triggerGC(tsID)
}

// DeleteAllReferences drops every occurrence of holder from tsID's
// reference multiset in one bulk purge (process death cleanup) and then
// triggers the same GC check, symmetric with DecrementRef.
func (r *Registry) DeleteAllReferences(tsID, holder string) {
	e, ok := r.Lookup(tsID)
	if !ok {
		return
	}
	e.RemoveAnyReferences(holder)
	r.triggerGC(tsID)
}

func (r *Registry) triggerGC(tsID string) {
	if r.gcTrigger != nil {
		go r.gcTrigger(tsID)
		return
	}
	// No distributed collector wired (e.g. a single-engine unit test):
	// fall back to the simple acyclic-case check component C describes
	// on its own.
	r.DeleteIfUnreferenced(tsID)
}

// DeleteIfUnreferenced removes tsID from the registry if its engine's
// reference multiset is now empty, re-checking presence and emptiness
// under the registry lock since another goroutine may have already
// removed (or repopulated) it between the caller's check and this one.
func (r *Registry) DeleteIfUnreferenced(tsID string) {
	if tsID == ids.Universal {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[tsID]
	if !ok {
		return
	}
	if !e.RefsEmpty() {
		return
	}
	delete(r.byID, tsID)
}

// DrainAndRemove unregisters tsID and empties its container. The gc
// package calls this once its reachability walk has determined the whole
// clique containing tsID is unreachable from any root; draining the
// container (rather than just dropping the map entry) is what cascades
// DecrementRef calls into whatever other tuplespaces tsID's tuples
// referenced, which is how a dead clique collects as a unit instead of
// leaving its members' mutual refs dangling.
func (r *Registry) DrainAndRemove(tsID string) {
	if tsID == ids.Universal {
		return
	}
	r.mu.Lock()
	e, ok := r.byID[tsID]
	if ok {
		delete(r.byID, tsID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.DrainAll()
}
