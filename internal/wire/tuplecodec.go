package wire

import (
	"fmt"

	"github.com/adred-codev/lindamesh/internal/tuple"
)

// WireElement is the JSON-serializable shape of a tuple.Element. Payload
// encoding for atomic values is explicitly out of this system's scope, but
// the envelope that carries `out_tuple`/`in_tuple` arguments across the
// wire is this repo's own decision (see DESIGN.md), and every opcode that
// moves a tuple or template needs some concrete shape for it — this one.
type WireElement struct {
	Kind string `json:"kind"`

	Int    int64         `json:"int,omitempty"`
	Float  float64       `json:"float,omitempty"`
	Str    string        `json:"str,omitempty"`
	Bool   bool          `json:"bool,omitempty"`
	Tuple  []WireElement `json:"tuple,omitempty"`
	Seq    []WireElement `json:"seq,omitempty"`
	Formal string        `json:"formal,omitempty"`
}

// ToWireElement converts a concrete or formal element to its wire shape.
func ToWireElement(e tuple.Element) WireElement {
	if e.IsFormal() {
		return WireElement{Kind: "formal", Formal: string(e.FormalClass())}
	}
	switch e.Class() {
	case tuple.ClassInt:
		return WireElement{Kind: "int", Int: e.AsInt()}
	case tuple.ClassFloat:
		return WireElement{Kind: "float", Float: e.AsFloat()}
	case tuple.ClassString:
		return WireElement{Kind: "string", Str: e.AsString()}
	case tuple.ClassBool:
		return WireElement{Kind: "bool", Bool: e.AsBool()}
	case tuple.ClassTuple:
		return WireElement{Kind: "tuple", Tuple: ToWireTuple(e.AsTuple())}
	case tuple.ClassTSRef:
		return WireElement{Kind: "tsref", Str: e.AsTSRef()}
	case tuple.ClassSequence:
		items := e.AsSequence().Items()
		wi := make([]WireElement, len(items))
		for i, it := range items {
			wi[i] = ToWireElement(it)
		}
		return WireElement{Kind: "sequence", Seq: wi}
	default:
		panic(fmt.Sprintf("wire: unknown element class %v", e.Class()))
	}
}

// ToWireTuple converts an entire tuple (or template) to its wire shape.
func ToWireTuple(t tuple.Tuple) []WireElement {
	out := make([]WireElement, len(t))
	for i, e := range t {
		out[i] = ToWireElement(e)
	}
	return out
}

// FromWireElement reconstructs a tuple.Element from its wire shape.
func FromWireElement(w WireElement) (tuple.Element, error) {
	switch w.Kind {
	case "formal":
		return tuple.Formal(tuple.Class(w.Formal)), nil
	case "int":
		return tuple.Int(w.Int), nil
	case "float":
		return tuple.Float(w.Float), nil
	case "string":
		return tuple.String(w.Str), nil
	case "bool":
		return tuple.Bool(w.Bool), nil
	case "tuple":
		inner, err := FromWireTuple(w.Tuple)
		if err != nil {
			return tuple.Element{}, err
		}
		return tuple.TupleElem(inner), nil
	case "tsref":
		return tuple.TSRef(w.Str), nil
	case "sequence":
		items := make([]tuple.Element, len(w.Seq))
		for i, wi := range w.Seq {
			el, err := FromWireElement(wi)
			if err != nil {
				return tuple.Element{}, err
			}
			items[i] = el
		}
		return tuple.SeqElem(tuple.NewSequence(items)), nil
	default:
		return tuple.Element{}, fmt.Errorf("wire: unknown element kind %q", w.Kind)
	}
}

// FromWireTuple reconstructs a tuple (or template) from its wire shape.
func FromWireTuple(w []WireElement) (tuple.Tuple, error) {
	out := make(tuple.Tuple, len(w))
	for i, we := range w {
		el, err := FromWireElement(we)
		if err != nil {
			return nil, err
		}
		out[i] = el
	}
	return out, nil
}
