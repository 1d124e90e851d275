// Package mem implements the abstract memory substrate the monitor
// instruments: allocations addressed by opaque pointers, holding cells
// that are either concrete bytes, uninitialized, or fragments of a
// pointer value that was stored to memory.
package mem

import (
	"fmt"
	"strconv"

	"github.com/borrowmon/borrowmon/internal/borrows/tag"
	"github.com/borrowmon/borrowmon/internal/borrows/target"
)

// AllocID names one allocation. Zero means "no provenance": an address
// that was never observed to belong to a live allocation.
type AllocID uint64

// Pointer is an address-plus-provenance identity with the tag its
// value carries. Two pointers can share an address and differ in
// provenance or tag; address equality never implies either.
type Pointer struct {
	// Alloc is the owning allocation, or 0 for provenance-less
	// pointers (casts from integers with no matching live allocation).
	Alloc AllocID

	// Addr is the absolute address. Offsets move it; the owning
	// allocation's base is fixed at allocation time.
	Addr uint64

	// Tag is the borrow claim this pointer value makes.
	Tag tag.Tag
}

// WithTag returns the same address and provenance under a new tag.
// Tags are immutable on a pointer; reborrowing mints a new value.
func (p Pointer) WithTag(t tag.Tag) Pointer {
	p.Tag = t
	return p
}

// HasProvenance reports whether the pointer may ever be dereferenced.
// Provenance-less pointers are still fine for comparison, arithmetic
// and casts back to integers.
func (p Pointer) HasProvenance() bool {
	return p.Alloc != 0
}

// AddrByte returns byte idx of the address as it would appear in
// memory on a target with the given pointer size and byte order.
func (p Pointer) AddrByte(idx int, ptrSize uint64, order target.ByteOrder) uint8 {
	shift := uint(idx)
	if order == target.BigEndian {
		shift = uint(ptrSize) - 1 - uint(idx)
	}
	return uint8(p.Addr >> (8 * shift))
}

// String renders the pointer for reports: "alloc3@0x1008<Unique(5)>",
// or "0x2a<Alias(_)>" without provenance.
func (p Pointer) String() string {
	if !p.HasProvenance() {
		return "0x" + strconv.FormatUint(p.Addr, 16) + "<" + p.Tag.String() + ">"
	}
	return fmt.Sprintf("alloc%d@0x%x<%s>", p.Alloc, p.Addr, p.Tag)
}

// ByteKind discriminates the memory cell variants.
type ByteKind uint8

const (
	// ByteRaw is a concrete 8-bit value.
	ByteRaw ByteKind = iota
	// ByteUninit is the uninitialized marker. Reading it at a scalar
	// type is undefined behavior.
	ByteUninit
	// BytePtrFragment is byte idx of a pointer value stored to memory.
	// A stored pointer occupies exactly PtrSize consecutive fragments
	// of the same pointer, indexed 0..PtrSize-1 in order.
	BytePtrFragment
)

// Byte is one memory cell.
type Byte struct {
	kind ByteKind
	val  uint8
	frag Pointer
	idx  uint8
}

// RawByte returns a concrete cell.
func RawByte(v uint8) Byte {
	return Byte{kind: ByteRaw, val: v}
}

// UninitByte returns the uninitialized cell.
func UninitByte() Byte {
	return Byte{kind: ByteUninit}
}

// FragmentByte returns fragment idx of ptr.
func FragmentByte(ptr Pointer, idx uint8) Byte {
	return Byte{kind: BytePtrFragment, frag: ptr, idx: idx}
}

// Kind returns the cell variant.
func (b Byte) Kind() ByteKind { return b.kind }

// Fragment returns the source pointer and fragment index of a
// BytePtrFragment cell.
func (b Byte) Fragment() (Pointer, uint8) { return b.frag, b.idx }

// AsInt lowers the cell to a concrete byte value, when it has one:
// raw cells yield their value, fragments yield the corresponding
// address byte (losing provenance), uninitialized cells yield nothing.
func (b Byte) AsInt(ptrSize uint64, order target.ByteOrder) (uint8, bool) {
	switch b.kind {
	case ByteRaw:
		return b.val, true
	case BytePtrFragment:
		return b.frag.AddrByte(int(b.idx), ptrSize, order), true
	default:
		return 0, false
	}
}

// String renders the cell for debug output.
func (b Byte) String() string {
	switch b.kind {
	case ByteRaw:
		return fmt.Sprintf("%02x", b.val)
	case ByteUninit:
		return "__"
	default:
		return fmt.Sprintf("p%d[%d]", b.frag.Alloc, b.idx)
	}
}
