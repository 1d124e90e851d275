// Package value implements the typed half of the byte/value model:
// the type description tree, the Value variants, and the two-way
// representation relation between values and memory cells.
//
// Type descriptions come from the host (the interpreter knows its
// types); this package only needs sizes, field offsets and where
// UnsafeCell regions lie. Layout is explicit on purpose: interior
// padding is platform dependent, so the host computes offsets against
// a target description instead of this package guessing them.
package value

import "github.com/borrowmon/borrowmon/internal/borrows/target"

// Type is one node of a type description tree. The retag visitor
// walks it top-down; the representation relation interprets memory
// through it.
type Type interface {
	// Size returns the number of bytes a value of this type occupies
	// on the given target.
	Size(d target.Desc) uint64

	// markCells sets the bytes of cellmask covered by UnsafeCell
	// regions of this type placed at base.
	markCells(d target.Desc, base uint64, cellmask []bool)
}

// Field places a member type inside a Tuple.
type Field struct {
	Offset uint64
	Type   Type
}

// Int is a fixed-width integer type.
type Int struct {
	Bytes  uint64
	Signed bool
}

// Bool is the one-byte truth type; only 0 and 1 are valid.
type Bool struct{}

// Ref is a reference type. Mutable references reborrow uniquely,
// shared ones as timed aliases.
type Ref struct {
	Mut     bool
	Pointee Type
}

// RawPtr is a raw pointer type; it reborrows as an untimed alias and
// only under a raw retag.
type RawPtr struct {
	Pointee Type
}

// Box is an owning pointer; it reborrows uniquely but never receives
// a call barrier.
type Box struct {
	Pointee Type
}

// Tuple is a product type with explicit layout. Bytes not covered by
// any field are padding.
type Tuple struct {
	Bytes  uint64
	Fields []Field
}

// Array is Count consecutive elements with no interior padding beyond
// the element's own.
type Array struct {
	Elem  Type
	Count uint64
}

// Union places no representation constraint beyond its length; every
// byte is "sometimes padding".
type Union struct {
	Bytes uint64
}

// EnumVariant is one case of an Enum. Payload may be nil for
// fieldless variants.
type EnumVariant struct {
	Discr         uint64
	PayloadOffset uint64
	Payload       Type
}

// Enum is a tagged sum with an explicit discriminant location.
type Enum struct {
	Bytes       uint64
	DiscrOffset uint64
	DiscrBytes  uint64
	Variants    []EnumVariant
}

// Cell marks its contents as an UnsafeCell region: shared reborrows
// landing inside freeze the covered locations instead of pushing a
// shared grant.
type Cell struct {
	Inner Type
}

func (t Int) Size(target.Desc) uint64      { return t.Bytes }
func (Bool) Size(target.Desc) uint64       { return 1 }
func (Ref) Size(d target.Desc) uint64      { return d.PtrSize }
func (RawPtr) Size(d target.Desc) uint64   { return d.PtrSize }
func (Box) Size(d target.Desc) uint64      { return d.PtrSize }
func (t Tuple) Size(target.Desc) uint64    { return t.Bytes }
func (t Array) Size(d target.Desc) uint64  { return t.Elem.Size(d) * t.Count }
func (t Union) Size(target.Desc) uint64    { return t.Bytes }
func (t Enum) Size(target.Desc) uint64     { return t.Bytes }
func (t Cell) Size(d target.Desc) uint64   { return t.Inner.Size(d) }

func (Int) markCells(target.Desc, uint64, []bool)    {}
func (Bool) markCells(target.Desc, uint64, []bool)   {}
func (Ref) markCells(target.Desc, uint64, []bool)    {}
func (RawPtr) markCells(target.Desc, uint64, []bool) {}
func (Box) markCells(target.Desc, uint64, []bool)    {}
func (Union) markCells(target.Desc, uint64, []bool)  {}

func (t Tuple) markCells(d target.Desc, base uint64, cellmask []bool) {
	for _, f := range t.Fields {
		f.Type.markCells(d, base+f.Offset, cellmask)
	}
}

func (t Array) markCells(d target.Desc, base uint64, cellmask []bool) {
	stride := t.Elem.Size(d)
	for i := uint64(0); i < t.Count; i++ {
		t.Elem.markCells(d, base+i*stride, cellmask)
	}
}

func (t Enum) markCells(d target.Desc, base uint64, cellmask []bool) {
	// Statically any variant could be active, so a byte counts as
	// cell-covered if any variant's payload covers it.
	for _, v := range t.Variants {
		if v.Payload != nil {
			v.Payload.markCells(d, base+v.PayloadOffset, cellmask)
		}
	}
}

func (t Cell) markCells(d target.Desc, base uint64, cellmask []bool) {
	for i := uint64(0); i < t.Inner.Size(d); i++ {
		if int(base+i) < len(cellmask) {
			cellmask[base+i] = true
		}
	}
}

// CellMask returns, per byte of a value of type t, whether that byte
// lies inside an UnsafeCell region. The reborrow rule consults this
// per location.
func CellMask(t Type, d target.Desc) []bool {
	mask := make([]bool, t.Size(d))
	t.markCells(d, 0, mask)
	return mask
}

// ContainsCell reports whether any byte of t lies inside an
// UnsafeCell. Call-entry retagging withholds the barrier from shared
// references whose pointee has interior mutability.
func ContainsCell(t Type, d target.Desc) bool {
	for _, in := range CellMask(t, d) {
		if in {
			return true
		}
	}
	return false
}
