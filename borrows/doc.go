// Package borrows provides the public API for the Pure-Go Stacked
// Borrows monitor.
//
// The monitor validates the aliasing discipline of a monitored
// program's execution trace: every pointer value carries a tag, every
// memory location carries an ordered stack of granted permissions,
// and every access, dereference and reborrow is checked against that
// state. The first violation is reported as undefined behavior and is
// fatal to the monitored run.
//
// # Quick Start
//
// A host (an interpreter, an instrumentation pass, or a test harness)
// creates one Machine per monitored run and forwards trace events to
// it:
//
//	package main
//
//	import (
//		"errors"
//		"fmt"
//
//		"github.com/borrowmon/borrowmon/borrows"
//	)
//
//	func main() {
//		m, _ := borrows.New(borrows.DefaultConfig())
//
//		p, _ := m.Allocate(8, 8, borrows.HeapAlloc)
//		if err := m.TypedWrite(p, borrows.NewInt(42), borrows.Int{Bytes: 8}); err != nil {
//			// ...
//		}
//		v, err := m.TypedRead(p, borrows.Int{Bytes: 8})
//		if errors.Is(err, borrows.ErrUndefinedBehavior) {
//			// fatal: halt the monitored run
//		}
//		fmt.Println(v)
//	}
//
// # API Overview
//
// The package provides:
//   - Machine construction: [New], [DefaultConfig]
//   - Allocation events: Machine.Allocate, Machine.Deallocate
//   - Access events: Machine.Read, Machine.Write, Machine.TypedRead,
//     Machine.TypedWrite, Machine.DerefCheck
//   - Pointer events: Machine.Offset, Machine.PtrToInt, Machine.IntToPtr
//   - Borrow events: Machine.Retag, Machine.BeginCall, Machine.EndCall
//   - Diagnostics: [ErrUndefinedBehavior], [Report], [AsViolation]
//
// # How It Works
//
// Each memory location owns a permission stack of items: Uniq(t)
// grants exclusive access to the pointer tagged Unique(t), Raw grants
// access to any aliasing pointer, and FnBarrier(c) pins the grants
// below it for the duration of call c. An access scans the stack from
// the top, popping grants that do not match, so writing through an
// old pointer invalidates every pointer derived from it later. A
// location may additionally be frozen, accepting all reads, which is
// how shared references to interior-mutable data are modeled.
//
// Retag events mint fresh tags whenever the monitored program
// (re)creates a reference: at assignments, at function entry, at
// reference-to-raw casts and for two-phase borrows. Each retag
// reborrows the pointee, validating the old tag and installing the
// new grant on every covered location.
//
// When a violation is detected the returned error describes the
// offending operation, the pointer's tag, the location and the
// location's permission stack:
//
//	undefined behavior: tag not found on stack (during read) at alloc2+0 via Alias(5)
//
// # Determinism
//
// A Machine replays one single-threaded trace deterministically. The
// only freedom the model leaves (which bytes a typed write
// materializes into padding) is resolved by a pluggable Oracle, so
// two replays of one trace under one oracle are bit-identical.
//
// # Examples
//
// See package-level examples in the documentation:
//   - [Example] - A typed write/read round trip
//   - [Example_invalidation] - Writing through an owner invalidates an alias
//   - [Example_report] - Rendering a violation report
package borrows
