package mem

import (
	"errors"
	"testing"

	"github.com/borrowmon/borrowmon/internal/borrows/diag"
	"github.com/borrowmon/borrowmon/internal/borrows/tag"
	"github.com/borrowmon/borrowmon/internal/borrows/target"
)

func newMem(t *testing.T) *Memory {
	t.Helper()
	return New(target.Default())
}

// TestAllocateBasics checks alignment, disjointness and the
// uninitialized start state.
func TestAllocateBasics(t *testing.T) {
	m := newMem(t)

	p1, err := m.Allocate(16, 8, Heap)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if p1.Addr%8 != 0 {
		t.Errorf("allocation base 0x%x not 8-aligned", p1.Addr)
	}
	if !p1.HasProvenance() {
		t.Error("fresh allocation pointer has no provenance")
	}

	p2, err := m.Allocate(16, 8, Heap)
	if err != nil {
		t.Fatalf("second Allocate failed: %v", err)
	}
	if p2.Addr < p1.Addr+16 {
		t.Errorf("allocations overlap: 0x%x and 0x%x", p1.Addr, p2.Addr)
	}

	bytes, err := m.ReadRaw(p1, 16)
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	for i, b := range bytes {
		if b.Kind() != ByteUninit {
			t.Errorf("fresh byte %d is %v, want uninitialized", i, b)
		}
	}

	if _, err := m.Allocate(8, 3, Heap); err == nil {
		t.Error("Allocate with non-power-of-two alignment succeeded")
	}
}

// TestReadWriteRoundTrip checks the untyped copy path and bounds.
func TestReadWriteRoundTrip(t *testing.T) {
	m := newMem(t)
	p, _ := m.Allocate(4, 4, Heap)

	in := []Byte{RawByte(0xde), RawByte(0xad), UninitByte(), RawByte(0xef)}
	if err := m.WriteRaw(p, in); err != nil {
		t.Fatalf("WriteRaw failed: %v", err)
	}
	out, err := m.ReadRaw(p, 4)
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("byte %d = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := m.ReadRaw(p, 5); err == nil {
		t.Error("out-of-bounds read succeeded")
	}
	end, _ := m.Offset(p, 2, Wrapping)
	if err := m.WriteRaw(end, in); err == nil {
		t.Error("out-of-bounds write succeeded")
	}
}

// TestDeallocate checks the layout and base requirements and that
// freed memory rejects every use.
func TestDeallocate(t *testing.T) {
	m := newMem(t)
	p, _ := m.Allocate(8, 4, Heap)

	inner, _ := m.Offset(p, 4, Inbounds)
	if err := m.Deallocate(inner, 8, 4); err == nil {
		t.Error("Deallocate through interior pointer succeeded")
	}
	if err := m.Deallocate(p, 4, 4); err == nil {
		t.Error("Deallocate with wrong size succeeded")
	}
	if err := m.Deallocate(p, 8, 8); err == nil {
		t.Error("Deallocate with wrong alignment succeeded")
	}
	if err := m.Deallocate(p, 8, 4); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}

	if _, err := m.ReadRaw(p, 1); err == nil {
		t.Error("read of freed allocation succeeded")
	} else if !errors.Is(err, diag.ErrUndefinedBehavior) {
		t.Errorf("dangling read error %v is not undefined behavior", err)
	}
	if err := m.Deallocate(p, 8, 4); err == nil {
		t.Error("double free succeeded")
	}
}

// TestOffsetModes walks the three arithmetic modes.
func TestOffsetModes(t *testing.T) {
	m := newMem(t)
	p, _ := m.Allocate(8, 1, Heap)

	t.Run("wrapping never fails", func(t *testing.T) {
		far, err := m.Offset(p, -1<<40, Wrapping)
		if err != nil {
			t.Fatalf("wrapping offset failed: %v", err)
		}
		back, err := m.Offset(far, 1<<40, Wrapping)
		if err != nil {
			t.Fatalf("wrapping offset back failed: %v", err)
		}
		if back.Addr != p.Addr {
			t.Errorf("wrap round trip = 0x%x, want 0x%x", back.Addr, p.Addr)
		}
		if back.Alloc != p.Alloc {
			t.Error("offset lost provenance")
		}
	})

	t.Run("non-wrapping overflow", func(t *testing.T) {
		high := Pointer{Alloc: p.Alloc, Addr: ^uint64(0) - 1, Tag: tag.NewRaw()}
		if _, err := m.Offset(high, 16, NonWrapping); err == nil {
			t.Error("overflowing non-wrapping offset succeeded")
		}
		low := Pointer{Alloc: p.Alloc, Addr: 2, Tag: tag.NewRaw()}
		if _, err := m.Offset(low, -16, NonWrapping); err == nil {
			t.Error("underflowing non-wrapping offset succeeded")
		}
	})

	t.Run("inbounds", func(t *testing.T) {
		if _, err := m.Offset(p, 8, Inbounds); err != nil {
			t.Errorf("one-past-the-end inbounds offset failed: %v", err)
		}
		if _, err := m.Offset(p, 9, Inbounds); err == nil {
			t.Error("inbounds offset past the allocation succeeded")
		}
		if _, err := m.Offset(p, -1, Inbounds); err == nil {
			t.Error("inbounds offset before the allocation succeeded")
		}
		noProv := Pointer{Addr: 0x40, Tag: tag.NewRaw()}
		if _, err := m.Offset(noProv, 1, Inbounds); err == nil {
			t.Error("inbounds offset of provenance-less pointer succeeded")
		}
	})
}

// TestIntPtrCasts checks the lossy cast pair and provenance recovery.
func TestIntPtrCasts(t *testing.T) {
	m := newMem(t)
	p, _ := m.Allocate(8, 1, Heap)

	addr := m.PtrToInt(p)
	if addr != p.Addr {
		t.Fatalf("PtrToInt = 0x%x, want 0x%x", addr, p.Addr)
	}

	q := m.IntToPtr(addr + 3)
	if q.Alloc != p.Alloc {
		t.Errorf("IntToPtr inside live allocation lost provenance: %v", q)
	}
	if q.Addr != addr+3 {
		t.Errorf("IntToPtr address = 0x%x, want 0x%x", q.Addr, addr+3)
	}

	wild := m.IntToPtr(0x12)
	if wild.HasProvenance() {
		t.Errorf("IntToPtr of unmapped address has provenance: %v", wild)
	}
	if _, err := m.ReadRaw(wild, 1); err == nil {
		t.Error("read through provenance-less pointer succeeded")
	}

	// After the allocation dies its addresses stop resolving.
	if err := m.Deallocate(p, 8, 1); err != nil {
		t.Fatal(err)
	}
	if m.IntToPtr(addr).HasProvenance() {
		t.Error("IntToPtr resolved into a freed allocation")
	}
}

// TestByteAsInt checks the cell lowering, fragments included.
func TestByteAsInt(t *testing.T) {
	ptr := Pointer{Alloc: 1, Addr: 0x0102030405060708, Tag: tag.NewRaw()}

	tests := []struct {
		name   string
		b      Byte
		order  target.ByteOrder
		want   uint8
		wantOK bool
	}{
		{"raw", RawByte(0x7f), target.LittleEndian, 0x7f, true},
		{"uninit", UninitByte(), target.LittleEndian, 0, false},
		{"fragment 0 little", FragmentByte(ptr, 0), target.LittleEndian, 0x08, true},
		{"fragment 7 little", FragmentByte(ptr, 7), target.LittleEndian, 0x01, true},
		{"fragment 0 big", FragmentByte(ptr, 0), target.BigEndian, 0x01, true},
		{"fragment 7 big", FragmentByte(ptr, 7), target.BigEndian, 0x08, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.b.AsInt(8, tt.order)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("AsInt() = 0x%x,%v, want 0x%x,%v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// TestPointerIdentity checks that address equality does not collapse
// provenance or tag.
func TestPointerIdentity(t *testing.T) {
	m := newMem(t)
	p, _ := m.Allocate(8, 1, Heap)

	r := p.WithTag(tag.NewUnique(9))
	if r.Addr != p.Addr {
		t.Fatal("addresses differ")
	}
	if r == p {
		t.Error("pointers with distinct tags compare equal as values")
	}
	if r.Alloc != p.Alloc {
		t.Error("WithTag changed provenance")
	}
	if !r.Tag.IsUnique() {
		t.Error("WithTag dropped the new tag")
	}
}
