package value

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/borrowmon/borrowmon/internal/borrows/mem"
)

// Value is a typed value as the monitored program sees it. A Value is
// what a typed read produces and a typed write consumes; the
// representation relation in this package maps it to and from memory
// cells.
type Value interface {
	fmt.Stringer
	isValue()
}

// IntVal is an integer of any width; the representation relation
// checks it against the concrete type's range.
type IntVal struct {
	V *big.Int
}

// NewInt builds an IntVal from a machine integer, the common case in
// hosts and tests.
func NewInt(v int64) IntVal {
	return IntVal{V: big.NewInt(v)}
}

// BoolVal is a truth value.
type BoolVal struct {
	V bool
}

// PtrVal is a pointer value, provenance and tag included.
type PtrVal struct {
	P mem.Pointer
}

// UninitVal is the absent value. It only has representations where
// every byte may be padding.
type UninitVal struct{}

// TupleVal is the value of a Tuple or Array type, in field order.
type TupleVal struct {
	Elems []Value
}

// VariantVal is an Enum value: the active variant's index into the
// type's variant list and its payload (nil for fieldless variants).
type VariantVal struct {
	Idx  int
	Data Value
}

// RawBagVal is a Union value: the underlying cells, unconstrained.
type RawBagVal struct {
	Bytes []mem.Byte
}

func (IntVal) isValue()     {}
func (BoolVal) isValue()    {}
func (PtrVal) isValue()     {}
func (UninitVal) isValue()  {}
func (TupleVal) isValue()   {}
func (VariantVal) isValue() {}
func (RawBagVal) isValue()  {}

func (v IntVal) String() string {
	if v.V == nil {
		return "int(?)"
	}
	return v.V.String()
}

func (v BoolVal) String() string {
	if v.V {
		return "true"
	}
	return "false"
}

func (v PtrVal) String() string { return v.P.String() }

func (UninitVal) String() string { return "uninit" }

func (v TupleVal) String() string {
	parts := make([]string, len(v.Elems))
	for i, e := range v.Elems {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (v VariantVal) String() string {
	if v.Data == nil {
		return fmt.Sprintf("#%d", v.Idx)
	}
	return fmt.Sprintf("#%d(%s)", v.Idx, v.Data)
}

func (v RawBagVal) String() string {
	parts := make([]string, len(v.Bytes))
	for i, b := range v.Bytes {
		parts[i] = b.String()
	}
	return "bag[" + strings.Join(parts, " ") + "]"
}
