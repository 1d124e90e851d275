package monitor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/borrowmon/borrowmon/internal/borrows/diag"
	"github.com/borrowmon/borrowmon/internal/borrows/mem"
	"github.com/borrowmon/borrowmon/internal/borrows/value"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(DefaultConfig())
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	return m
}

func wantUB(t *testing.T, err error, op string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s succeeded, want undefined behavior", op)
	}
	if !errors.Is(err, diag.ErrUndefinedBehavior) {
		t.Fatalf("%s error %v is not undefined behavior", op, err)
	}
}

// TestAllocateInitialPermissions checks the starting stacks: local
// storage is exclusively owned by the returned pointer, heap storage
// accepts any aliasing tag.
func TestAllocateInitialPermissions(t *testing.T) {
	m := newMachine(t)

	local, err := m.Allocate(1, 1, mem.Stack)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if !local.Tag.IsUnique() {
		t.Errorf("local allocation tag = %v, want unique", local.Tag)
	}
	if err := m.Write(local, []mem.Byte{mem.RawByte(1)}); err != nil {
		t.Errorf("write through owning pointer failed: %v", err)
	}

	// A wild pointer at the same address carries an aliasing tag and
	// finds no grant on the exclusively owned stack.
	wild := m.IntToPtr(m.PtrToInt(local))
	_, err = m.Read(wild, 1)
	wantUB(t, err, "wild read of local storage")

	heap, err := m.Allocate(2, 1, mem.Heap)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if heap.Tag.IsUnique() {
		t.Errorf("heap allocation tag = %v, want aliasing", heap.Tag)
	}
	if err := m.Write(heap, []mem.Byte{mem.RawByte(1), mem.RawByte(2)}); err != nil {
		t.Errorf("heap write failed: %v", err)
	}
	other := m.IntToPtr(m.PtrToInt(heap))
	if _, err := m.Read(other, 2); err != nil {
		t.Errorf("aliasing heap read failed: %v", err)
	}
}

// TestUniqueWriteInvalidatesAlias replays the canonical invalidation
// scenario: a shared reborrow of local storage survives reads but not
// a write through the original owner.
func TestUniqueWriteInvalidatesAlias(t *testing.T) {
	m := newMachine(t)
	refTy := value.Ref{Mut: false, Pointee: value.Int{Bytes: 1}}

	a, err := m.Allocate(1, 1, mem.Stack)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Write(a, []mem.Byte{mem.RawByte(42)}); err != nil {
		t.Fatal(err)
	}

	slot, err := m.Allocate(m.Target().PtrSize, m.Target().PtrSize, mem.Heap)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.TypedWrite(slot, value.PtrVal{P: a}, refTy); err != nil {
		t.Fatalf("storing the reference failed: %v", err)
	}
	if err := m.Retag(RetagDefault, Place{Ptr: slot, Type: refTy}); err != nil {
		t.Fatalf("Retag failed: %v", err)
	}

	sv, err := m.TypedRead(slot, refTy)
	if err != nil {
		t.Fatal(err)
	}
	shared := sv.(value.PtrVal).P
	if !shared.Tag.IsAliasing() {
		t.Fatalf("retagged shared reference carries tag %v", shared.Tag)
	}

	if _, err := m.Read(shared, 1); err != nil {
		t.Fatalf("read through fresh shared reference failed: %v", err)
	}
	// Writing through the owner invalidates the outstanding alias.
	if err := m.Write(a, []mem.Byte{mem.RawByte(7)}); err != nil {
		t.Fatalf("write through owner failed: %v", err)
	}
	_, err = m.Read(shared, 1)
	wantUB(t, err, "read through invalidated alias")
}

// TestDeallocateBarrierOrdering frees an allocation whose permission
// stacks hold a call barrier: undefined behavior while the call is
// live, fine after it returns.
func TestDeallocateBarrierOrdering(t *testing.T) {
	m := newMachine(t)
	refMut := value.Ref{Mut: true, Pointee: value.Int{Bytes: 4}}

	p, err := m.Allocate(4, 4, mem.Heap)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := m.Allocate(m.Target().PtrSize, m.Target().PtrSize, mem.Heap)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.TypedWrite(slot, value.PtrVal{P: p}, refMut); err != nil {
		t.Fatal(err)
	}

	c := m.BeginCall()
	if err := m.Retag(RetagFnEntry, Place{Ptr: slot, Type: refMut}); err != nil {
		t.Fatalf("fn-entry retag failed: %v", err)
	}

	wantUB(t, m.Deallocate(p, 4, 4), "free under an active barrier")

	if err := m.EndCall(c); err != nil {
		t.Fatal(err)
	}
	if err := m.Deallocate(p, 4, 4); err != nil {
		t.Errorf("free after the call returned failed: %v", err)
	}
}

// TestDeallocateLayoutMismatch rejects a free with the wrong stated
// layout before the dealloc access runs, so the permission stacks
// survive the failed attempt.
func TestDeallocateLayoutMismatch(t *testing.T) {
	m := newMachine(t)
	refMut := value.Ref{Mut: true, Pointee: value.Int{Bytes: 2}}

	p, err := m.Allocate(2, 2, mem.Heap)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := m.Allocate(m.Target().PtrSize, m.Target().PtrSize, mem.Heap)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.TypedWrite(slot, value.PtrVal{P: p}, refMut); err != nil {
		t.Fatal(err)
	}
	if err := m.Retag(RetagDefault, Place{Ptr: slot, Type: refMut}); err != nil {
		t.Fatal(err)
	}
	sv, err := m.TypedRead(slot, refMut)
	if err != nil {
		t.Fatal(err)
	}
	q := sv.(value.PtrVal).P

	wantUB(t, m.Deallocate(p, 1, 2), "free with mismatched layout")

	// The rejected free must not have popped the unique grant.
	if err := m.Write(q, []mem.Byte{mem.RawByte(1), mem.RawByte(2)}); err != nil {
		t.Errorf("write through unique reference after rejected free failed: %v", err)
	}
}

// TestFrozenLocations covers the freezing rule: a shared reborrow
// into an UnsafeCell region freezes, frozen locations accept every
// read, and a write thaws them.
func TestFrozenLocations(t *testing.T) {
	m := newMachine(t)
	cellTy := value.Cell{Inner: value.Int{Bytes: 1}}
	refShared := value.Ref{Mut: false, Pointee: cellTy}

	a, err := m.Allocate(1, 1, mem.Stack)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Write(a, []mem.Byte{mem.RawByte(5)}); err != nil {
		t.Fatal(err)
	}

	slot, err := m.Allocate(m.Target().PtrSize, m.Target().PtrSize, mem.Heap)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.TypedWrite(slot, value.PtrVal{P: a}, refShared); err != nil {
		t.Fatal(err)
	}
	if err := m.Retag(RetagDefault, Place{Ptr: slot, Type: refShared}); err != nil {
		t.Fatalf("Retag failed: %v", err)
	}

	ss, err := m.LocationStacks(a, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, frozen := ss[0].FrozenSince(); !frozen {
		t.Fatalf("shared reborrow into a cell left the location unfrozen: %s", ss[0])
	}

	sv, err := m.TypedRead(slot, refShared)
	if err != nil {
		t.Fatal(err)
	}
	shared := sv.(value.PtrVal).P

	// Property: frozen locations accept reads through any tag.
	for _, p := range []mem.Pointer{shared, a, m.IntToPtr(m.PtrToInt(a))} {
		if _, err := m.Read(p, 1); err != nil {
			t.Errorf("frozen read through %v failed: %v", p.Tag, err)
		}
	}
	if err := m.DerefCheck(shared, cellTy); err != nil {
		t.Errorf("dereference of frozen location failed: %v", err)
	}

	// A write through the owner thaws the location; the shared tag's
	// frozen claim dies with the mark.
	if err := m.Write(a, []mem.Byte{mem.RawByte(6)}); err != nil {
		t.Fatalf("thawing write failed: %v", err)
	}
	if _, frozen := ss[0].FrozenSince(); frozen {
		t.Error("write left the location frozen")
	}
	wantUB(t, m.DerefCheck(shared, cellTy), "dereference after thaw")
}

// TestNotFrozenLongEnough mints a shared tag, thaws, refreezes via a
// younger tag and checks that the older tag's claim does not revive.
func TestNotFrozenLongEnough(t *testing.T) {
	m := newMachine(t)
	cellTy := value.Cell{Inner: value.Int{Bytes: 1}}
	refShared := value.Ref{Mut: false, Pointee: cellTy}

	a, _ := m.Allocate(1, 1, mem.Stack)
	slot, _ := m.Allocate(m.Target().PtrSize, m.Target().PtrSize, mem.Heap)

	reborrow := func() mem.Pointer {
		t.Helper()
		if err := m.TypedWrite(slot, value.PtrVal{P: a}, refShared); err != nil {
			t.Fatal(err)
		}
		if err := m.Retag(RetagDefault, Place{Ptr: slot, Type: refShared}); err != nil {
			t.Fatal(err)
		}
		sv, err := m.TypedRead(slot, refShared)
		if err != nil {
			t.Fatal(err)
		}
		return sv.(value.PtrVal).P
	}

	first := reborrow()
	if err := m.Write(a, []mem.Byte{mem.RawByte(1)}); err != nil {
		t.Fatal(err)
	}
	second := reborrow()

	if err := m.DerefCheck(second, cellTy); err != nil {
		t.Errorf("young tag rejected on refrozen location: %v", err)
	}
	wantUB(t, m.DerefCheck(first, cellTy), "old tag on a location refrozen later")
}

// TestTypedRoundTrip drives a composite value through the machine and
// back (padding positions excluded by construction of the type).
func TestTypedRoundTrip(t *testing.T) {
	m := newMachine(t)
	ty := value.Tuple{Bytes: 8, Fields: []value.Field{
		{Offset: 0, Type: value.Int{Bytes: 2, Signed: true}},
		{Offset: 4, Type: value.Int{Bytes: 4}},
	}}
	v := value.TupleVal{Elems: []value.Value{value.NewInt(-5), value.NewInt(70000)}}

	p, err := m.Allocate(8, 8, mem.Heap)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.TypedWrite(p, v, ty); err != nil {
		t.Fatalf("TypedWrite failed: %v", err)
	}
	got, err := m.TypedRead(p, ty)
	if err != nil {
		t.Fatalf("TypedRead failed: %v", err)
	}
	if diff := cmp.Diff(v.String(), got.String()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// TestFailedWriteLeavesMemoryIntact checks the short-circuit
// contract: a write rejected on any covered location must not reach
// the byte store, even when earlier locations admitted it.
func TestFailedWriteLeavesMemoryIntact(t *testing.T) {
	m := newMachine(t)
	refMut := value.Ref{Mut: true, Pointee: value.Int{Bytes: 1}}

	p, _ := m.Allocate(2, 1, mem.Heap)
	want := []mem.Byte{mem.RawByte(0xaa), mem.RawByte(0xbb)}
	if err := m.Write(p, want); err != nil {
		t.Fatal(err)
	}

	// Barrier the second byte only, so the write passes location 0 and
	// fails on location 1.
	p1, err := m.Offset(p, 1, mem.Inbounds)
	if err != nil {
		t.Fatal(err)
	}
	slot, _ := m.Allocate(m.Target().PtrSize, m.Target().PtrSize, mem.Heap)
	if err := m.TypedWrite(slot, value.PtrVal{P: p1}, refMut); err != nil {
		t.Fatal(err)
	}
	c := m.BeginCall()
	if err := m.Retag(RetagFnEntry, Place{Ptr: slot, Type: refMut}); err != nil {
		t.Fatal(err)
	}

	err = m.Write(p, []mem.Byte{mem.RawByte(0x11), mem.RawByte(0x22)})
	wantUB(t, err, "write into a barriered region")

	if err := m.EndCall(c); err != nil {
		t.Fatal(err)
	}
	got, err := m.Read(p, 2)
	if err != nil {
		t.Fatalf("read after failed write failed: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %v, want %v: rejected write reached memory", i, got[i], want[i])
		}
	}
}

// TestCallFrameMisuse checks that frame bookkeeping errors are host
// errors, not UB diagnostics.
func TestCallFrameMisuse(t *testing.T) {
	m := newMachine(t)

	outer := m.BeginCall()
	inner := m.BeginCall()
	if err := m.EndCall(outer); err == nil {
		t.Error("ending the outer frame before the inner succeeded")
	} else if errors.Is(err, diag.ErrUndefinedBehavior) {
		t.Errorf("frame misuse reported as UB: %v", err)
	}
	if err := m.EndCall(inner); err != nil {
		t.Errorf("ending the innermost frame failed: %v", err)
	}
	if err := m.EndCall(outer); err != nil {
		t.Errorf("ending the outer frame failed: %v", err)
	}
	if m.CallDepth() != 0 {
		t.Errorf("CallDepth = %d after all frames closed", m.CallDepth())
	}
}

// TestReset replays two runs on one machine.
func TestReset(t *testing.T) {
	m := newMachine(t)
	p, err := m.Allocate(1, 1, mem.Heap)
	if err != nil {
		t.Fatal(err)
	}
	m.Reset()
	if _, err := m.Read(p, 1); err == nil {
		t.Error("pointer survived Reset")
	}
	if _, err := m.Allocate(1, 1, mem.Heap); err != nil {
		t.Errorf("allocation after Reset failed: %v", err)
	}
}

// BenchmarkReadHit measures the per-byte monitored read path.
func BenchmarkReadHit(b *testing.B) {
	m, err := NewMachine(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	p, err := m.Allocate(8, 8, mem.Heap)
	if err != nil {
		b.Fatal(err)
	}
	if err := m.Write(p, make([]mem.Byte, 8)); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Read(p, 8); err != nil {
			b.Fatal(err)
		}
	}
}
