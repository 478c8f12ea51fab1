// Package tuple implements the Linda data model: tuples, templates and
// structural matching. Elements are atomic values, nested tuples,
// tuplespace references, or type markers ("formals"); a template position
// matches a tuple position if they are equal, or if the template position
// is a type marker equal to the runtime class of the tuple value, applied
// recursively for nested tuples.
package tuple

import "fmt"

// Class identifies the runtime class of an element, used to match type
// markers ("formals") against concrete values.
type Class string

const (
	ClassInt      Class = "int"
	ClassFloat    Class = "float"
	ClassString   Class = "string"
	ClassBool     Class = "bool"
	ClassTuple    Class = "tuple"
	ClassTSRef    Class = "tuplespace"
	ClassSequence Class = "sequence"
)

// Element is one position of a tuple or template. Concrete values are
// Int, Float, String, Bool, Tuple, TSRef or Sequence; a Formal is a type
// marker that only ever appears in a template, never in a stored tuple.
type Element struct {
	kind     Class
	i        int64
	f        float64
	s        string
	b        bool
	tup      Tuple
	seq      *Sequence
	isFormal bool
	formal   Class
}

// Tuple is an ordered, finite sequence of elements.
type Tuple []Element

// Sequence is an immutable, value-keyed wrapper around a list-valued
// element. The source wraps mutable sequences in an immutable shell with a
// precomputed hash before trie insertion; Key reproduces that precomputed,
// stable hash so sequences can be used as trie/map keys by value rather
// than by identity.
type Sequence struct {
	items []Element
	key   string
}

// NewSequence builds an immutable sequence and precomputes its key.
func NewSequence(items []Element) *Sequence {
	cp := make([]Element, len(items))
	copy(cp, items)
	s := &Sequence{items: cp}
	s.key = computeSeqKey(cp)
	return s
}

func (s *Sequence) Items() []Element { return append([]Element(nil), s.items...) }
func (s *Sequence) Key() string      { return s.key }
func (s *Sequence) Len() int         { return len(s.items) }

func computeSeqKey(items []Element) string {
	k := "["
	for i, e := range items {
		if i > 0 {
			k += ","
		}
		k += e.Key()
	}
	return k + "]"
}

// Constructors for concrete elements.

func Int(v int64) Element     { return Element{kind: ClassInt, i: v} }
func Float(v float64) Element { return Element{kind: ClassFloat, f: v} }
func String(v string) Element { return Element{kind: ClassString, s: v} }
func Bool(v bool) Element     { return Element{kind: ClassBool, b: v} }
func TupleElem(t Tuple) Element {
	return Element{kind: ClassTuple, tup: t}
}
func TSRef(id string) Element { return Element{kind: ClassTSRef, s: id} }
func SeqElem(s *Sequence) Element {
	return Element{kind: ClassSequence, seq: s}
}

// Formal constructs a type-marker template position matching any element
// of the given class.
func Formal(c Class) Element {
	return Element{isFormal: true, formal: c}
}

// Class returns the runtime class of a concrete element. It panics if
// called on a formal, which has no runtime class of its own.
func (e Element) Class() Class {
	if e.isFormal {
		panic("tuple: Class() called on a formal")
	}
	return e.kind
}

func (e Element) IsFormal() bool { return e.isFormal }

// FormalClass returns the marker class of a formal element. It panics if
// called on a concrete element.
func (e Element) FormalClass() Class {
	if !e.isFormal {
		panic("tuple: FormalClass() called on a concrete element")
	}
	return e.formal
}
func (e Element) AsInt() int64     { return e.i }
func (e Element) AsFloat() float64 { return e.f }
func (e Element) AsString() string { return e.s }
func (e Element) AsBool() bool     { return e.b }
func (e Element) AsTuple() Tuple   { return e.tup }
func (e Element) AsTSRef() string  { return e.s }
func (e Element) AsSequence() *Sequence { return e.seq }

// Key returns a stable, value-based string key for the element, used both
// as a trie edge key and for tuple/template equality comparisons. Formals
// key on their marker class so two identical formals collapse, which is
// irrelevant for stored tuples (formals never appear there) but keeps the
// trie's per-position key space a single flat namespace.
func (e Element) Key() string {
	if e.isFormal {
		return "formal:" + string(e.formal)
	}
	switch e.kind {
	case ClassInt:
		return fmt.Sprintf("int:%d", e.i)
	case ClassFloat:
		return fmt.Sprintf("float:%v", e.f)
	case ClassString:
		return "string:" + e.s
	case ClassBool:
		return fmt.Sprintf("bool:%v", e.b)
	case ClassTuple:
		k := "tuple:["
		for i, el := range e.tup {
			if i > 0 {
				k += ","
			}
			k += el.Key()
		}
		return k + "]"
	case ClassTSRef:
		return "tsref:" + e.s
	case ClassSequence:
		return "sequence:" + e.seq.Key()
	default:
		return "?"
	}
}

// Matches implements the structural, positional matching rule: a template
// element matches a candidate element if they are equal as concrete
// values, or if the template element is a formal whose marker class equals
// the candidate's runtime class; nested tuples recurse through the same
// rule, position by position.
func Matches(templateElem, candidate Element) bool {
	if templateElem.isFormal {
		return templateElem.formal == candidate.kind
	}
	if templateElem.kind != candidate.kind {
		return false
	}
	if templateElem.kind == ClassTuple {
		return matchTuples(templateElem.tup, candidate.tup)
	}
	return templateElem.Key() == candidate.Key()
}

// MatchesTuple implements invariant 1 (match correctness): a template
// matches a tuple iff they have equal arity and every position matches.
func MatchesTuple(template, candidate Tuple) bool {
	return matchTuples(template, candidate)
}

func matchTuples(template, candidate Tuple) bool {
	if len(template) != len(candidate) {
		return false
	}
	for i := range template {
		if !Matches(template[i], candidate[i]) {
			return false
		}
	}
	return true
}

// Key returns a stable key for an entire tuple (used for multiset
// bookkeeping in tests and for the container's fully-concrete fast path).
func (t Tuple) Key() string {
	k := "("
	for i, e := range t {
		if i > 0 {
			k += ","
		}
		k += e.Key()
	}
	return k + ")"
}

// References walks t and returns every tuplespace-reference element found,
// at any depth, inside nested tuples and sequences alike. Used by the
// engine to update the distributed reference graph when a tuple is
// inserted or removed, and by the dispatcher to record which tuplespaces
// a session's process has touched.
func References(t Tuple) []string {
	var out []string
	var walk func(Tuple)
	walk = func(tt Tuple) {
		for _, e := range tt {
			switch {
			case e.isFormal:
				// formals never appear in stored tuples
			case e.kind == ClassTSRef:
				out = append(out, e.s)
			case e.kind == ClassTuple:
				walk(e.tup)
			case e.kind == ClassSequence:
				walk(e.seq.items)
			}
		}
	}
	walk(t)
	return out
}
