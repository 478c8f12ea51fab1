// Package engine implements the per-tuplespace engine (component B): the
// trie-indexed container, the blocked-waiter list, the reference multiset,
// and the Linda primitives that operate on them under a small set of
// independent locks.
package engine

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"

	"github.com/adred-codev/lindamesh/internal/ids"
	"github.com/adred-codev/lindamesh/internal/trie"
	"github.com/adred-codev/lindamesh/internal/tuple"
)

// Outcome distinguishes a genuine tuple match from a predicate waiter
// released by deadlock recovery.
type Outcome int

const (
	OutcomeMatched Outcome = iota
	OutcomeUnblocked
)

type waiter struct {
	tid         string
	template    tuple.Tuple
	unblockable bool
	destructive bool
	result      chan waiterResult
}

type waiterResult struct {
	tuple     tuple.Tuple
	unblocked bool
}

// BlockedInfo is a read-only snapshot of one blocked waiter, used by the
// distributed deadlock and introspection scans.
type BlockedInfo struct {
	ThreadID    string
	Template    tuple.Tuple
	Unblockable bool
	Destructive bool
}

// DeadlockChecker runs the distributed reachability scan described in
// component H and, if it finds the engine's blocked clique closed off from
// any live root, recovers by unblocking one predicate waiter somewhere in
// the clique. It is invoked after a new blocked waiter is registered, with
// the engine lock already released — the scan issues cross-node queries
// and must not hold a local engine lock while doing so.
type DeadlockChecker interface {
	CheckAndRecover(e *Engine)
}

// RefUpdater applies a reference-count edit to the engine hosting tsID,
// local or remote. The engine never resolves other tuplespaces itself —
// that is the registry's (and, across nodes, the dispatcher's) job — so
// every ref edit an operation below needs to make on a *different*
// tuplespace goes through this injected seam instead.
type RefUpdater interface {
	IncrementRef(tsID, holder string)
	DecrementRef(tsID, holder string)
}

// Engine hosts exactly one tuplespace: its container, its blocked-waiter
// list and its reference multiset, each behind its own lock so that a
// cross-node scan reading refs or blocked never waits behind a long-running
// match held under the main engine lock.
type Engine struct {
	id string

	lock      deadlock.Mutex
	container *trie.Container

	refMu deadlock.Mutex
	refs  map[string]int

	blockedMu deadlock.Mutex
	blocked   map[string]*waiter

	killLock deadlock.Mutex

	checker    DeadlockChecker
	refUpdater RefUpdater
}

// New creates an empty engine hosting the tuplespace identified by id.
func New(id string) *Engine {
	return &Engine{
		id:        id,
		container: trie.New(),
		refs:      make(map[string]int),
		blocked:   make(map[string]*waiter),
	}
}

func (e *Engine) ID() string { return e.id }

// SetDeadlockChecker and SetRefUpdater wire the two cross-engine seams.
// Both are set once, by the registry, immediately after New.
func (e *Engine) SetDeadlockChecker(c DeadlockChecker) { e.checker = c }
func (e *Engine) SetRefUpdater(r RefUpdater)           { e.refUpdater = r }

type notifyTarget struct {
	tid string
	w   *waiter
}

// Out implements the out primitive: it first offers tup to every blocked
// waiter whose template matches, letting at most one destructive (in)
// waiter consume it (invariant 3: at most one destructive match per out;
// further destructive waiters stay parked, non-destructive ones all see
// tup), and only then stores tup in the container if no destructive waiter
// took it. Every waiter offered a copy — destructive or not — has its owning
// process recorded as a new holder of any tuplespace references tup
// carries; if the tuple is stored, this engine itself is recorded as a
// holder too. Delivery to woken waiters runs in detached goroutines so Out
// never blocks on a slow or dead client.
func (e *Engine) Out(tup tuple.Tuple) {
	e.lock.Lock()

	e.blockedMu.Lock()
	tids := make([]string, 0, len(e.blocked))
	for tid := range e.blocked {
		tids = append(tids, tid)
	}
	e.blockedMu.Unlock()

	var toNotify []notifyTarget
	consumed := false
	for _, tid := range tids {
		e.blockedMu.Lock()
		w, ok := e.blocked[tid]
		if !ok || !tuple.MatchesTuple(w.template, tup) {
			e.blockedMu.Unlock()
			continue
		}
		if w.destructive && consumed {
			// Already claimed by an earlier destructive waiter this out:
			// leave this one parked rather than also consuming it
			// (invariant 3 — at most one destructive match per out).
			e.blockedMu.Unlock()
			continue
		}
		delete(e.blocked, tid)
		e.blockedMu.Unlock()

		toNotify = append(toNotify, notifyTarget{tid: tid, w: w})
		if w.destructive {
			consumed = true
		}
	}

	if !consumed {
		e.container.Add(tup)
	}
	e.lock.Unlock()

	for _, nt := range toNotify {
		go func(w *waiter) { w.result <- waiterResult{tuple: tup} }(nt.w)
	}

	refs := tuple.References(tup)
	if len(refs) > 0 && e.refUpdater != nil {
		holders := make([]string, 0, len(toNotify)+1)
		for _, nt := range toNotify {
			holders = append(holders, ids.ProcessOf(nt.tid))
		}
		if !consumed {
			holders = append(holders, e.id)
		}
		for _, ref := range refs {
			for _, h := range holders {
				e.refUpdater.IncrementRef(ref, h)
			}
		}
	}
}

// Rd implements the rd (and, with unblockable=true, rdp) primitive.
func (e *Engine) Rd(tid string, template tuple.Tuple, unblockable bool) (tuple.Tuple, Outcome) {
	return e.retrieve(tid, template, unblockable, false)
}

// In implements the in (and, with unblockable=true, inp) primitive.
func (e *Engine) In(tid string, template tuple.Tuple, unblockable bool) (tuple.Tuple, Outcome) {
	return e.retrieve(tid, template, unblockable, true)
}

// Rdp and Inp are the principled predicate forms: identical to Rd/In but
// the parked waiter is marked unblockable so deadlock recovery may release
// it with the unblock sentinel in place of a tuple.
func (e *Engine) Rdp(tid string, template tuple.Tuple) (tuple.Tuple, Outcome) {
	return e.Rd(tid, template, true)
}

func (e *Engine) Inp(tid string, template tuple.Tuple) (tuple.Tuple, Outcome) {
	return e.In(tid, template, true)
}

func (e *Engine) retrieve(tid string, template tuple.Tuple, unblockable, destructive bool) (tuple.Tuple, Outcome) {
	e.lock.Lock()
	t, ok := e.container.MatchOne(template)
	if ok && destructive {
		e.container.Delete(t)
	}
	var w *waiter
	if !ok {
		// Registering the waiter before the engine lock is released
		// closes the window against a concurrent Out: either the Out
		// serialized before us and the match above saw its tuple, or it
		// serializes after us and its blocked-list snapshot sees this
		// waiter. The lock itself is not held while the waiter is parked.
		w = &waiter{
			tid:         tid,
			template:    template,
			unblockable: unblockable,
			destructive: destructive,
			result:      make(chan waiterResult, 1),
		}
		e.blockedMu.Lock()
		e.blocked[tid] = w
		e.blockedMu.Unlock()
	}
	e.lock.Unlock()

	if ok {
		e.recordReaderRefs(tid, t, destructive)
		return t, OutcomeMatched
	}

	if e.checker != nil {
		e.checker.CheckAndRecover(e)
	}

	res := <-w.result
	if res.unblocked {
		return nil, OutcomeUnblocked
	}
	return res.tuple, OutcomeMatched
}

// recordReaderRefs applies the reference-edge side effects of a successful
// rd or in: the reading process always becomes a new holder of any
// tuplespace reference the returned tuple carries; a destructive read
// additionally dismantles this engine's own holder edge, since the tuple
// (and the link it represented) has left the container.
func (e *Engine) recordReaderRefs(tid string, t tuple.Tuple, destructive bool) {
	if e.refUpdater == nil {
		return
	}
	refs := tuple.References(t)
	if len(refs) == 0 {
		return
	}
	proc := ids.ProcessOf(tid)
	for _, ref := range refs {
		if destructive {
			e.refUpdater.DecrementRef(ref, e.id)
		}
		e.refUpdater.IncrementRef(ref, proc)
	}
}

// Collect destructively drains every tuple matching template: the caller
// (the dispatcher, handling a cross-tuplespace collect) is responsible for
// re-inserting the returned tuples into the destination tuplespace via Out,
// which is what re-establishes their reference edges there.
func (e *Engine) Collect(template tuple.Tuple) []tuple.Tuple {
	e.lock.Lock()
	defer e.lock.Unlock()

	var matched []tuple.Tuple
	e.container.MatchAll(template, func(t tuple.Tuple) bool {
		matched = append(matched, t)
		return true
	})
	for _, t := range matched {
		e.container.Delete(t)
		if e.refUpdater != nil {
			for _, ref := range tuple.References(t) {
				e.refUpdater.DecrementRef(ref, e.id)
			}
		}
	}
	return matched
}

// CopyCollect enumerates every tuple matching template without removing
// them, for the non-destructive copy_collect primitive.
func (e *Engine) CopyCollect(template tuple.Tuple) []tuple.Tuple {
	e.lock.Lock()
	defer e.lock.Unlock()

	var matched []tuple.Tuple
	e.container.MatchAll(template, func(t tuple.Tuple) bool {
		matched = append(matched, t)
		return true
	})
	return matched
}

// DrainAll empties the container entirely, across every arity, dismantling
// the reference edge this engine held for every tuplespace reference any
// drained tuple carried. This is the GC sweep component H runs against a
// tuplespace once its reachability walk finds it unreachable from any
// root; it is deliberately separate from Collect, which is template-scoped
// and driven by the collect/copy_collect primitives instead.
func (e *Engine) DrainAll() []tuple.Tuple {
	e.lock.Lock()
	defer e.lock.Unlock()

	var all []tuple.Tuple
	e.container.EnumerateAll(func(t tuple.Tuple) bool {
		all = append(all, t)
		return true
	})
	for _, t := range all {
		e.container.Delete(t)
		if e.refUpdater != nil {
			for _, ref := range tuple.References(t) {
				e.refUpdater.DecrementRef(ref, e.id)
			}
		}
	}
	return all
}

// AddReference records holder as one more occurrence in this tuplespace's
// reference multiset. The universal tuplespace ignores every ref edit: it
// is always live.
func (e *Engine) AddReference(holder string) {
	if e.id == ids.Universal {
		return
	}
	e.refMu.Lock()
	defer e.refMu.Unlock()
	e.refs[holder]++
}

// RemoveReference removes one occurrence of holder. Removing a reference
// that is not present is a bookkeeping bug elsewhere in the system and is
// reported as an error rather than silently ignored, per the error
// taxonomy's "reference inconsistency" case.
func (e *Engine) RemoveReference(holder string) error {
	e.killLock.Lock()
	defer e.killLock.Unlock()

	if e.id == ids.Universal {
		return nil
	}
	e.refMu.Lock()
	defer e.refMu.Unlock()
	if e.refs[holder] <= 0 {
		return fmt.Errorf("engine %s: removeReference: holder %q not present", e.id, holder)
	}
	e.refs[holder]--
	if e.refs[holder] == 0 {
		delete(e.refs, holder)
	}
	return nil
}

// RemoveAnyReferences removes every occurrence of holder at once, used
// when a process dies and every tuple it was holding open must release
// its edges in a single bulk purge. The kill lock held here is the same
// one RemoveReference briefly takes, so a graceful single decrement can
// never interleave with (and be lost behind) this bulk purge.
func (e *Engine) RemoveAnyReferences(holder string) {
	e.killLock.Lock()
	defer e.killLock.Unlock()

	if e.id == ids.Universal {
		return
	}
	e.refMu.Lock()
	defer e.refMu.Unlock()
	delete(e.refs, holder)
}

// RefsEmpty reports whether this tuplespace's reference multiset is empty,
// the condition the registry checks after any ref removal to decide
// whether the tuplespace is now a garbage collection candidate.
func (e *Engine) RefsEmpty() bool {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	return len(e.refs) == 0
}

// RefsSnapshot returns the distinct holder ids currently recorded, for the
// GC and deadlock reachability walks — only presence matters to a
// reachability scan, not how many times a holder occurs.
func (e *Engine) RefsSnapshot() []string {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	out := make([]string, 0, len(e.refs))
	for h := range e.refs {
		out = append(out, h)
	}
	return out
}

// BlockedSnapshot returns a point-in-time copy of every waiter currently
// parked on this engine.
func (e *Engine) BlockedSnapshot() []BlockedInfo {
	e.blockedMu.Lock()
	defer e.blockedMu.Unlock()
	out := make([]BlockedInfo, 0, len(e.blocked))
	for tid, w := range e.blocked {
		out = append(out, BlockedInfo{
			ThreadID:    tid,
			Template:    w.template,
			Unblockable: w.unblockable,
			Destructive: w.destructive,
		})
	}
	return out
}

// TryUnblockOne releases one unblockable (predicate-form) waiter, if any
// is parked here, delivering the unblock sentinel instead of a tuple. Map
// iteration order in Go is unspecified per run, which is exactly the
// "any" selection unblockRandom needs — no separate random source is
// wired in for this.
func (e *Engine) TryUnblockOne() bool {
	e.blockedMu.Lock()
	var picked *waiter
	var pickedTID string
	for tid, w := range e.blocked {
		if w.unblockable {
			picked = w
			pickedTID = tid
			break
		}
	}
	if picked != nil {
		delete(e.blocked, pickedTID)
	}
	e.blockedMu.Unlock()

	if picked == nil {
		return false
	}
	go func(w *waiter) { w.result <- waiterResult{unblocked: true} }(picked)
	return true
}

// CancelWait releases a specific waiter immediately, with the unblocked
// sentinel, used to unwedge a blocked rd/in when its owning connection
// drops (the session-cleanup path is equivalent to an explicit unregister).
func (e *Engine) CancelWait(tid string) bool {
	e.blockedMu.Lock()
	w, ok := e.blocked[tid]
	if ok {
		delete(e.blocked, tid)
	}
	e.blockedMu.Unlock()
	if !ok {
		return false
	}
	go func(w *waiter) { w.result <- waiterResult{unblocked: true} }(w)
	return true
}
