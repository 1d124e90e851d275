package mem

import (
	"math"

	"github.com/borrowmon/borrowmon/internal/borrows/diag"
	"github.com/borrowmon/borrowmon/internal/borrows/tag"
	"github.com/borrowmon/borrowmon/internal/borrows/target"
)

// Kind classifies allocations; it decides the initial permission stack
// the monitor installs (stack-local storage starts exclusively owned,
// everything else starts raw).
type Kind uint8

const (
	// Stack is local-variable storage.
	Stack Kind = iota
	// Heap is dynamically requested storage.
	Heap
	// Static is global storage.
	Static
)

// String returns the kind name used by debug output and the CLI.
func (k Kind) String() string {
	switch k {
	case Stack:
		return "stack"
	case Heap:
		return "heap"
	default:
		return "static"
	}
}

// Allocation is one block of monitored memory.
type Allocation struct {
	ID    AllocID
	Base  uint64
	Size  uint64
	Align uint64
	Kind  Kind

	live  bool
	bytes []Byte
}

// Live reports whether the allocation has not been freed.
func (a *Allocation) Live() bool { return a.live }

// contains reports whether addr falls inside the allocation.
func (a *Allocation) contains(addr uint64) bool {
	return addr >= a.Base && addr < a.Base+a.Size
}

// OffsetMode selects the failure behavior of pointer arithmetic.
type OffsetMode uint8

const (
	// Wrapping arithmetic never fails; the address wraps modulo 2^64.
	Wrapping OffsetMode = iota
	// NonWrapping arithmetic is undefined behavior on address overflow.
	NonWrapping
	// Inbounds arithmetic additionally requires both endpoints to stay
	// within the same live allocation (one past the end included).
	Inbounds
)

// String returns the mode name used in diagnostics.
func (m OffsetMode) String() string {
	switch m {
	case Wrapping:
		return "wrapping"
	case NonWrapping:
		return "non-wrapping"
	default:
		return "inbounds"
	}
}

// allocBase is where synthetic addresses start; low addresses stay
// unmapped so null and small integers never alias an allocation.
const allocBase = 0x10000

// allocGap keeps one unmapped byte between allocations, so one-past-
// the-end addresses never fall into a neighbor.
const allocGap = 16

// Memory owns the allocations of one monitored run and implements the
// untyped substrate operations. Permission stacks are deliberately not
// stored here; the monitor keeps them in a parallel collection so the
// two kinds of state cannot couple accidentally.
type Memory struct {
	target target.Desc
	allocs map[AllocID]*Allocation
	nextID AllocID
	next   uint64 // next free synthetic address
}

// New returns an empty memory for the given target.
func New(t target.Desc) *Memory {
	return &Memory{
		target: t,
		allocs: make(map[AllocID]*Allocation),
		next:   allocBase,
	}
}

// Target returns the target description the memory was built with.
func (m *Memory) Target() target.Desc { return m.target }

// Allocate creates a fresh allocation of the given size and alignment.
// Every cell starts uninitialized. The returned pointer addresses the
// base and carries the untimed aliasing tag; the monitor replaces the
// tag for stack-kind allocations.
func (m *Memory) Allocate(size, align uint64, kind Kind) (Pointer, error) {
	if align == 0 || align&(align-1) != 0 {
		return Pointer{}, diag.Newf("allocate", "alignment %d is not a power of two", align)
	}
	base := (m.next + align - 1) &^ (align - 1)
	if base+size < base {
		return Pointer{}, diag.New("allocate", "address space exhausted")
	}
	m.nextID++
	a := &Allocation{
		ID:    m.nextID,
		Base:  base,
		Size:  size,
		Align: align,
		Kind:  kind,
		live:  true,
		bytes: make([]Byte, size),
	}
	for i := range a.bytes {
		a.bytes[i] = UninitByte()
	}
	m.allocs[a.ID] = a
	m.next = base + size + allocGap

	return Pointer{Alloc: a.ID, Addr: base, Tag: tag.NewRaw()}, nil
}

// CheckDealloc validates a deallocation request without performing
// it: the pointer must address the base of a live allocation and the
// stated size and alignment must match the allocation's; anything
// else is undefined behavior. The monitor runs this before the borrow
// checks so a rejected free leaves every permission stack untouched.
func (m *Memory) CheckDealloc(p Pointer, size, align uint64) error {
	_, err := m.checkDealloc(p, size, align)
	return err
}

func (m *Memory) checkDealloc(p Pointer, size, align uint64) (*Allocation, error) {
	a, _, err := m.Resolve(p, 0)
	if err != nil {
		return nil, err
	}
	if p.Addr != a.Base {
		return nil, diag.New("dealloc", "pointer does not address the allocation base").
			At(uint64(a.ID), p.Addr-a.Base).Tagged(p.Tag)
	}
	if size != a.Size || align != a.Align {
		return nil, diag.Newf("dealloc", "layout mismatch: freeing %d/%d, allocated %d/%d",
			size, align, a.Size, a.Align).At(uint64(a.ID), 0).Tagged(p.Tag)
	}
	return a, nil
}

// Deallocate removes an allocation, applying the CheckDealloc rules.
func (m *Memory) Deallocate(p Pointer, size, align uint64) error {
	a, err := m.checkDealloc(p, size, align)
	if err != nil {
		return err
	}
	a.live = false
	a.bytes = nil
	return nil
}

// Resolve maps a pointer to its live allocation and offset, checking
// that n bytes starting there stay in bounds.
func (m *Memory) Resolve(p Pointer, n uint64) (*Allocation, uint64, error) {
	if !p.HasProvenance() {
		return nil, 0, diag.New("deref", "pointer has no provenance").Tagged(p.Tag)
	}
	a, ok := m.allocs[p.Alloc]
	if !ok || !a.live {
		return nil, 0, diag.New("deref", "use of dangling pointer").Tagged(p.Tag)
	}
	if p.Addr < a.Base || p.Addr+n > a.Base+a.Size || p.Addr+n < p.Addr {
		return nil, 0, diag.New("deref", "pointer out of bounds").
			At(uint64(a.ID), p.Addr-a.Base).Tagged(p.Tag)
	}
	return a, p.Addr - a.Base, nil
}

// ReadRaw copies n cells starting at p. No borrow checking happens
// here; the monitor validates every covered location first.
func (m *Memory) ReadRaw(p Pointer, n uint64) ([]Byte, error) {
	a, off, err := m.Resolve(p, n)
	if err != nil {
		return nil, err
	}
	out := make([]Byte, n)
	copy(out, a.bytes[off:off+n])
	return out, nil
}

// WriteRaw stores the given cells starting at p. Like ReadRaw, borrow
// checking is the monitor's job.
func (m *Memory) WriteRaw(p Pointer, bytes []Byte) error {
	a, off, err := m.Resolve(p, uint64(len(bytes)))
	if err != nil {
		return err
	}
	copy(a.bytes[off:], bytes)
	return nil
}

// Offset moves a pointer by delta bytes under the given mode. The
// result keeps the provenance and tag of the input: arithmetic derives
// a pointer, it does not reborrow.
func (m *Memory) Offset(p Pointer, delta int64, mode OffsetMode) (Pointer, error) {
	newAddr := p.Addr + uint64(delta)
	if mode == Wrapping {
		p.Addr = newAddr
		return p, nil
	}

	overflow := (delta > 0 && newAddr < p.Addr) || (delta < 0 && newAddr > p.Addr)
	if overflow {
		return Pointer{}, diag.Newf("offset", "%s pointer arithmetic overflows", mode).
			Tagged(p.Tag)
	}
	if mode == Inbounds {
		if !p.HasProvenance() {
			return Pointer{}, diag.New("offset", "inbounds arithmetic on pointer without provenance").
				Tagged(p.Tag)
		}
		a, ok := m.allocs[p.Alloc]
		if !ok || !a.live {
			return Pointer{}, diag.New("offset", "inbounds arithmetic on dangling pointer").
				Tagged(p.Tag)
		}
		// Both endpoints must stay within the allocation; one past the
		// end is allowed.
		for _, addr := range [2]uint64{p.Addr, newAddr} {
			if addr < a.Base || addr > a.Base+a.Size {
				return Pointer{}, diag.New("offset", "inbounds pointer arithmetic leaves the allocation").
					At(uint64(a.ID), addrOffset(addr, a.Base)).Tagged(p.Tag)
			}
		}
	}
	p.Addr = newAddr
	return p, nil
}

func addrOffset(addr, base uint64) uint64 {
	if addr < base {
		return math.MaxUint64 // renders the underflow visibly
	}
	return addr - base
}

// PtrToInt exposes the address. The cast is lossy: provenance and tag
// do not survive it.
func (m *Memory) PtrToInt(p Pointer) uint64 {
	return p.Addr
}

// IntToPtr builds a pointer from an address. If some live allocation
// contains the address the pointer adopts that provenance with the
// untimed aliasing tag; otherwise the result is provenance-less and
// usable only for comparison and arithmetic.
func (m *Memory) IntToPtr(addr uint64) Pointer {
	for _, a := range m.allocs {
		if a.live && a.contains(addr) {
			return Pointer{Alloc: a.ID, Addr: addr, Tag: tag.NewRaw()}
		}
	}
	return Pointer{Addr: addr, Tag: tag.NewRaw()}
}

// Allocation returns the allocation record for id, live or not.
func (m *Memory) Allocation(id AllocID) (*Allocation, bool) {
	a, ok := m.allocs[id]
	return a, ok
}
