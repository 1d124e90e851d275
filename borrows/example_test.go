package borrows_test

import (
	"fmt"
	"os"

	"github.com/borrowmon/borrowmon/borrows"
)

// Example demonstrates a typed write/read round trip through the
// monitor.
func Example() {
	m, _ := borrows.New(borrows.DefaultConfig())

	p, _ := m.Allocate(8, 8, borrows.HeapAlloc)
	ty := borrows.Int{Bytes: 8}

	if err := m.TypedWrite(p, borrows.NewInt(42), ty); err != nil {
		panic(err)
	}
	v, err := m.TypedRead(p, ty)
	if err != nil {
		panic(err)
	}
	fmt.Println(v)

	// Output:
	// 42
}

// Example_invalidation shows the core aliasing rule: writing through
// the original owner invalidates a shared reference derived from it.
func Example_invalidation() {
	m, _ := borrows.New(borrows.DefaultConfig())

	// A local variable, exclusively owned by its fresh pointer.
	owner, _ := m.Allocate(1, 1, borrows.StackAlloc)

	// Store &owner into a place and retag it, minting a shared
	// reference, the way the monitored program would create one.
	refTy := borrows.Ref{Mut: false, Pointee: borrows.Int{Bytes: 1}}
	slot, _ := m.Allocate(8, 8, borrows.HeapAlloc)
	m.TypedWrite(slot, borrows.PtrVal{P: owner}, refTy)
	m.Retag(borrows.RetagDefault, borrows.Place{Ptr: slot, Type: refTy})
	sv, _ := m.TypedRead(slot, refTy)
	shared := sv.(borrows.PtrVal).P

	// The shared reference reads fine until the owner writes.
	if _, err := m.Read(shared, 1); err == nil {
		fmt.Println("alias reads: ok")
	}
	m.Write(owner, []borrows.Byte{borrows.RawByte(7)})
	if _, err := m.Read(shared, 1); err != nil {
		fmt.Println(err)
	}

	// Output:
	// alias reads: ok
	// undefined behavior: tag not found on stack (during read) at alloc1+0 via Alias(2)
}

// Example_report renders the banner report for a violation.
func Example_report() {
	m, _ := borrows.New(borrows.DefaultConfig())

	local, _ := m.Allocate(1, 1, borrows.StackAlloc)

	// A wild pointer at the same address has no grant on the local's
	// exclusively owned stack.
	wild := m.IntToPtr(m.PtrToInt(local))
	if _, err := m.Read(wild, 1); err != nil {
		borrows.Report(os.Stdout, err)
	}

	// Output:
	// ==================
	// WARNING: UNDEFINED BEHAVIOR
	// Operation: read
	// Reason:    tag not found on stack
	// Location:  alloc1+0
	// Tag:       Alias(_)
	// Stack:     []
	// ==================
}
