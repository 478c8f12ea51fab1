// Package trie implements the tuple container described in component A:
// a recursive trie keyed on element value that collapses the common case
// (fully concrete tuples) to an O(arity) lookup while preserving general
// associative matching when type markers or nested templates are present.
//
// Container itself holds no lock. Every exported method is called from
// exactly one place in this repository — engine.Engine, under its own
// lock — so the trie does not need to defend itself against concurrent
// mutation; that mirrors the source, where the container is a plain
// recursive structure and the enclosing tuplespace owns the lock.
package trie

import "github.com/adred-codev/lindamesh/internal/tuple"

type edge struct {
	elem  tuple.Element
	count int
	next  *node
}

type node struct {
	edges map[string]*edge
}

func newNode() *node {
	return &node{edges: make(map[string]*edge)}
}

// Container is a multiset of tuples, indexed by a trie over element keys.
type Container struct {
	root *node
	size int
}

// New returns an empty container.
func New() *Container {
	return &Container{root: newNode()}
}

// Len returns the number of tuples currently stored, counting duplicates.
func (c *Container) Len() int { return c.size }

// Add inserts t into the container, creating trie nodes on demand.
func (c *Container) Add(t tuple.Tuple) {
	n := c.root
	for i, elem := range t {
		key := elem.Key()
		e, ok := n.edges[key]
		if !ok {
			e = &edge{elem: elem}
			n.edges[key] = e
		}
		if i == len(t)-1 {
			e.count++
			c.size++
			return
		}
		if e.next == nil {
			e.next = newNode()
		}
		n = e.next
	}
}

// Delete removes one occurrence of t, if present, pruning any trie edge
// left with a zero count and an empty (or absent) continuation.
func (c *Container) Delete(t tuple.Tuple) bool {
	removed := deleteAt(c.root, t, 0)
	if removed {
		c.size--
	}
	return removed
}

func deleteAt(n *node, t tuple.Tuple, i int) bool {
	key := t[i].Key()
	e, ok := n.edges[key]
	if !ok {
		return false
	}

	removed := false
	if i == len(t)-1 {
		if e.count > 0 {
			e.count--
			removed = true
		}
	} else if e.next != nil {
		removed = deleteAt(e.next, t, i+1)
	}

	if e.count == 0 && (e.next == nil || len(e.next.edges) == 0) {
		delete(n.edges, key)
	}
	return removed
}

// MatchOne returns the first tuple matching template, or ok=false if none
// is present. It is implemented as the first yield of MatchAll.
func (c *Container) MatchOne(template tuple.Tuple) (tuple.Tuple, bool) {
	var found tuple.Tuple
	ok := false
	c.MatchAll(template, func(t tuple.Tuple) bool {
		found = t
		ok = true
		return false // stop after first
	})
	return found, ok
}

// MatchAll calls yield once per tuple matching template, in trie order
// (which is not guaranteed to be insertion order — fair selection across
// matches is not a requirement of this container). It stops early if
// yield returns false, so callers like MatchOne never materialize more
// than one result and collect-style callers can still see every match.
func (c *Container) MatchAll(template tuple.Tuple, yield func(tuple.Tuple) bool) {
	if len(template) == 0 {
		return
	}
	matchAt(c.root, template, 0, nil, yield)
}

func matchAt(n *node, template tuple.Tuple, i int, acc tuple.Tuple, yield func(tuple.Tuple) bool) bool {
	if n == nil {
		return true
	}
	tElem := template[i]
	last := i == len(template)-1

	if !tElem.IsFormal() && tElem.Class() != tuple.ClassTuple {
		// Fast path: the template position is a concrete, non-nested value,
		// so only one trie edge can ever match it.
		e, ok := n.edges[tElem.Key()]
		if !ok {
			return true
		}
		return visitEdge(e, template, i, last, acc, yield)
	}

	for _, e := range n.edges {
		if !tuple.Matches(tElem, e.elem) {
			continue
		}
		if !visitEdge(e, template, i, last, acc, yield) {
			return false
		}
	}
	return true
}

func visitEdge(e *edge, template tuple.Tuple, i int, last bool, acc tuple.Tuple, yield func(tuple.Tuple) bool) bool {
	extended := append(append(tuple.Tuple{}, acc...), e.elem)
	if last {
		for k := 0; k < e.count; k++ {
			if !yield(append(tuple.Tuple{}, extended...)) {
				return false
			}
		}
		return true
	}
	return matchAt(e.next, template, i+1, extended, yield)
}

// EnumerateAll yields every tuple in the container regardless of arity,
// used by the engine's GC drain (DrainAll) and by the trie-fidelity test
// (invariant 2).
func (c *Container) EnumerateAll(yield func(tuple.Tuple) bool) {
	walkAll(c.root, nil, yield)
}

func walkAll(n *node, acc tuple.Tuple, yield func(tuple.Tuple) bool) bool {
	if n == nil {
		return true
	}
	for _, e := range n.edges {
		extended := append(append(tuple.Tuple{}, acc...), e.elem)
		for k := 0; k < e.count; k++ {
			if !yield(append(tuple.Tuple{}, extended...)) {
				return false
			}
		}
		if e.next != nil {
			if !walkAll(e.next, extended, yield) {
				return false
			}
		}
	}
	return true
}
