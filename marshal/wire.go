package marshal

import (
	"math"
	"strconv"
)

// WireKind tags a Wire value. The set is closed; decoding matches on it
// explicitly.
type WireKind uint8

const (
	WireUndefined WireKind = iota
	WireNull
	WireBool
	WireNumber
	WireString
	WireObject
	WireArray
	WireFunction
	WireBackRef
	WireRemote
)

var wireKindNames = [...]string{
	WireUndefined: "undefined",
	WireNull:      "null",
	WireBool:      "bool",
	WireNumber:    "number",
	WireString:    "string",
	WireObject:    "object",
	WireArray:     "array",
	WireFunction:  "function",
	WireBackRef:   "backref",
	WireRemote:    "remote",
}

func (k WireKind) String() string {
	if int(k) < len(wireKindNames) {
		return wireKindNames[k]
	}
	return "wire(" + strconv.Itoa(int(k)) + ")"
}

// Wire is the boundary representation of one value.
//
// Object, Array and Function carry Ref, an id local to one crossing, and
// Handle, the sender's handle for the value. BackRef points at an earlier
// Ref of the same crossing. Remote carries a handle owned by the receiver:
// the value is the receiver's own, coming home.
type Wire struct {
	Proto  *Wire    `json:"proto,omitempty"`
	Str    string   `json:"s,omitempty"`
	Name   string   `json:"name,omitempty"`
	Props  []Prop   `json:"p,omitempty"`
	Elems  []Wire   `json:"e,omitempty"`
	Num    float64  `json:"n,omitempty"`
	Handle uint64   `json:"h,omitempty"`
	Arity  int      `json:"arity,omitempty"`
	Ref    uint32   `json:"r,omitempty"`
	Kind   WireKind `json:"k"`
	Bool   bool     `json:"b,omitempty"`
	Ctor   bool     `json:"ctor,omitempty"`
}

// Prop is one own property of an object on the wire.
type Prop struct {
	Key   string `json:"k"`
	Value Wire   `json:"v"`
}

// Non-finite numbers travel in Str so the wire stays JSON-safe.
const (
	nanMarker    = "NaN"
	posInfMarker = "+Inf"
	negInfMarker = "-Inf"
)

func numberWire(f float64) Wire {
	switch {
	case math.IsNaN(f):
		return Wire{Kind: WireNumber, Str: nanMarker}
	case math.IsInf(f, 1):
		return Wire{Kind: WireNumber, Str: posInfMarker}
	case math.IsInf(f, -1):
		return Wire{Kind: WireNumber, Str: negInfMarker}
	}
	return Wire{Kind: WireNumber, Num: f}
}

func (w Wire) number() float64 {
	switch w.Str {
	case nanMarker:
		return math.NaN()
	case posInfMarker:
		return math.Inf(1)
	case negInfMarker:
		return math.Inf(-1)
	}
	return w.Num
}
