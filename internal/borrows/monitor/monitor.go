// Package monitor implements the Machine, the host-facing surface of
// the borrow monitor.
//
// A Machine consumes the trace events of one monitored execution
// (allocations, raw and typed accesses, pointer arithmetic, retags and
// call boundaries) and validates each against the per-location
// permission stacks. The first violation is returned as a fatal
// *diag.Error; the host must halt replay on it.
//
// Internally the Machine owns four pieces of state: the byte store
// (mem.Memory), the permission stacks (one locstack.Stack per byte of
// every live allocation, kept in a parallel map so byte state and
// permission state cannot couple), the timestamp clock and the call
// tracker. A Machine is single-threaded; independent monitored runs
// use independent Machines.
package monitor

import (
	"github.com/borrowmon/borrowmon/internal/borrows/clock"
	"github.com/borrowmon/borrowmon/internal/borrows/diag"
	"github.com/borrowmon/borrowmon/internal/borrows/locstack"
	"github.com/borrowmon/borrowmon/internal/borrows/mem"
	"github.com/borrowmon/borrowmon/internal/borrows/tag"
	"github.com/borrowmon/borrowmon/internal/borrows/target"
	"github.com/borrowmon/borrowmon/internal/borrows/value"
)

// Config carries the per-run knobs of a Machine.
type Config struct {
	// Target describes the platform being replayed. The zero value
	// selects the default target.
	Target target.Desc

	// Oracle resolves representation choice points (padding bytes).
	// Nil selects ZeroPadding.
	Oracle value.Oracle

	// UninitUnionsValid permits typed reads of fully uninitialized
	// unions. On by default via NewMachine; the strict setting follows
	// the stricter reading of union validity.
	UninitUnionsValid bool
}

// DefaultConfig returns the configuration most hosts want: default
// target, zero padding, permissive unions.
func DefaultConfig() Config {
	return Config{
		Target:            target.Default(),
		Oracle:            value.ZeroPadding{},
		UninitUnionsValid: true,
	}
}

// Machine is one monitored run.
type Machine struct {
	cfg   Config
	mem   *mem.Memory
	codec value.Codec

	clock clock.Clock
	calls clock.CallTracker

	// stacks holds one permission stack per byte of each live
	// allocation, indexed by offset from the base.
	stacks map[mem.AllocID][]*locstack.Stack
}

// NewMachine returns a Machine for the given configuration. Zero
// fields fall back to the defaults of DefaultConfig.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Target == (target.Desc{}) {
		cfg.Target = target.Default()
	}
	if err := cfg.Target.Validate(); err != nil {
		return nil, err
	}
	if cfg.Oracle == nil {
		cfg.Oracle = value.ZeroPadding{}
	}
	m := &Machine{cfg: cfg}
	m.reset()
	return m, nil
}

func (m *Machine) reset() {
	m.mem = mem.New(m.cfg.Target)
	m.codec = value.Codec{
		Target:            m.cfg.Target,
		Oracle:            m.cfg.Oracle,
		UninitUnionsValid: m.cfg.UninitUnionsValid,
	}
	m.clock = clock.Clock{}
	m.calls = clock.CallTracker{}
	m.stacks = make(map[mem.AllocID][]*locstack.Stack)
}

// Reset discards all state and begins a fresh run with the same
// configuration. Tests replaying several traces share one Machine
// this way.
func (m *Machine) Reset() { m.reset() }

// Target returns the target description the Machine replays against.
func (m *Machine) Target() target.Desc { return m.cfg.Target }

// Allocate creates a monitored allocation and installs its permission
// stacks. Stack-kind storage starts exclusively owned by the returned
// pointer's fresh Unique tag; heap and static storage start with a
// single shared grant and an untimed aliasing tag.
func (m *Machine) Allocate(size, align uint64, kind mem.Kind) (mem.Pointer, error) {
	p, err := m.mem.Allocate(size, align, kind)
	if err != nil {
		return mem.Pointer{}, err
	}

	ss := make([]*locstack.Stack, size)
	if kind == mem.Stack {
		t := m.clock.NewTimestamp()
		for i := range ss {
			ss[i] = locstack.NewUnique(t)
		}
		p = p.WithTag(tag.NewUnique(t))
	} else {
		for i := range ss {
			ss[i] = locstack.NewRaw()
		}
	}
	m.stacks[p.Alloc] = ss
	return p, nil
}

// Deallocate frees the allocation p addresses. A non-base pointer or
// a layout mismatch is rejected before any stack is touched; then
// every covered location takes a deallocation access through p's tag,
// and an active barrier anywhere on a surviving stack is undefined
// behavior.
func (m *Machine) Deallocate(p mem.Pointer, size, align uint64) error {
	a, _, err := m.mem.Resolve(p, 0)
	if err != nil {
		return err
	}
	if err := m.mem.CheckDealloc(p, size, align); err != nil {
		return err
	}
	if err := m.accessRange(p, a.Size, locstack.AccessDealloc); err != nil {
		return err
	}
	if err := m.mem.Deallocate(p, size, align); err != nil {
		return err
	}
	delete(m.stacks, a.ID)
	return nil
}

// Read validates and performs an untyped read of n bytes at p.
func (m *Machine) Read(p mem.Pointer, n uint64) ([]mem.Byte, error) {
	if err := m.accessRange(p, n, locstack.AccessRead); err != nil {
		return nil, err
	}
	return m.mem.ReadRaw(p, n)
}

// Write validates and performs an untyped write at p. The byte store
// is untouched unless every covered location admits the write.
func (m *Machine) Write(p mem.Pointer, bytes []mem.Byte) error {
	if err := m.accessRange(p, uint64(len(bytes)), locstack.AccessWrite); err != nil {
		return err
	}
	return m.mem.WriteRaw(p, bytes)
}

// Offset derives a pointer by arithmetic. Provenance and tag carry
// over unchanged; no permission is consumed or granted.
func (m *Machine) Offset(p mem.Pointer, delta int64, mode mem.OffsetMode) (mem.Pointer, error) {
	return m.mem.Offset(p, delta, mode)
}

// PtrToInt exposes the address of p; provenance and tag are lost.
func (m *Machine) PtrToInt(p mem.Pointer) uint64 {
	return m.mem.PtrToInt(p)
}

// IntToPtr builds a pointer from a bare address, adopting the
// provenance of the live allocation containing it, if any.
func (m *Machine) IntToPtr(addr uint64) mem.Pointer {
	return m.mem.IntToPtr(addr)
}

// BeginCall opens a call frame and returns its id for the matching
// EndCall.
func (m *Machine) BeginCall() clock.CallID {
	return m.calls.BeginCall()
}

// EndCall closes the innermost call frame, deactivating every barrier
// pushed under it. Closing any other frame is host misuse, not UB.
func (m *Machine) EndCall(id clock.CallID) error {
	return m.calls.EndCall(id)
}

// CallDepth returns the number of open call frames.
func (m *Machine) CallDepth() int { return m.calls.Depth() }

// LocationStacks returns the permission stacks covering n bytes at p,
// for inspection and debug output. Callers must not mutate them.
func (m *Machine) LocationStacks(p mem.Pointer, n uint64) ([]*locstack.Stack, error) {
	a, off, err := m.mem.Resolve(p, n)
	if err != nil {
		return nil, err
	}
	return m.stacks[a.ID][off : off+n], nil
}

// Allocation exposes the allocation record for id, live or not.
func (m *Machine) Allocation(id mem.AllocID) (*mem.Allocation, bool) {
	return m.mem.Allocation(id)
}

// accessRange runs the access check over every location n bytes at p
// cover, decorating failures with the allocation and offset.
func (m *Machine) accessRange(p mem.Pointer, n uint64, kind locstack.AccessKind) error {
	a, off, err := m.mem.Resolve(p, n)
	if err != nil {
		return err
	}
	ss := m.stacks[a.ID]
	for i := uint64(0); i < n; i++ {
		if err := ss[off+i].Access(p.Tag, kind, &m.calls); err != nil {
			return locate(err, a.ID, off+i)
		}
	}
	return nil
}

// locate attaches the failing location to a checker error.
func locate(err error, id mem.AllocID, off uint64) error {
	if de, ok := diag.AsError(err); ok {
		return de.At(uint64(id), off)
	}
	return err
}
