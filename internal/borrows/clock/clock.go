// Package clock implements the monotonic counters behind borrow tracking.
//
// Two independent counters drive the Stacked Borrows discipline:
//
//   - Timestamps order Unique and Alias tags against each other and
//     against a location's frozen-since mark. They are global to one
//     monitored run and strictly increasing; a value is never handed
//     out twice.
//   - Call ids identify activation records. A FnBarrier item on a
//     location's stack is scoped to a call id and only blocks accesses
//     while that call is still live on the (strictly nested) call chain.
//
// Both counters belong to a single monitored run. Independent runs use
// independent Clock and CallTracker values; there is no process-global
// state in this package.
package clock

import "fmt"

// Timestamp is a strictly increasing logical time value, global to one
// monitored run. Timestamps order tag creation events and the
// frozen-since mark of a location.
type Timestamp uint64

// CallID identifies one activation record of the monitored program.
// Ids are assigned monotonically and never reused within a run.
type CallID uint64

// Clock hands out timestamps for one monitored run.
//
// The zero value is ready to use; the first timestamp issued is 1, so
// the zero Timestamp can serve as an "unset" marker in callers.
type Clock struct {
	now Timestamp
}

// NewTimestamp returns the next timestamp and advances the clock.
// Within one run it never returns the same value twice.
func (c *Clock) NewTimestamp() Timestamp {
	c.now++
	return c.now
}

// Now returns the most recently issued timestamp without advancing.
// Returns 0 if no timestamp has been issued yet.
func (c *Clock) Now() Timestamp {
	return c.now
}

// CallTracker assigns call ids and answers liveness queries for them.
//
// Calls are strictly nested under the single-threaded execution
// model: BeginCall pushes, EndCall pops, and EndCall must
// name the innermost live call. A call id is "active" from BeginCall
// until its matching EndCall; ids are never reassigned.
type CallTracker struct {
	next  CallID
	chain []CallID // live call ids, outermost first
}

// BeginCall allocates a fresh call id and pushes it on the call chain.
func (t *CallTracker) BeginCall() CallID {
	t.next++
	t.chain = append(t.chain, t.next)
	return t.next
}

// EndCall pops the innermost live call. It is an error to end a call
// that is not the innermost one, or to end when no call is live; that
// indicates host misuse, not monitored-program UB.
func (t *CallTracker) EndCall(id CallID) error {
	if len(t.chain) == 0 {
		return fmt.Errorf("end of call %d with no live call", id)
	}
	top := t.chain[len(t.chain)-1]
	if top != id {
		return fmt.Errorf("end of call %d but innermost live call is %d", id, top)
	}
	t.chain = t.chain[:len(t.chain)-1]
	return nil
}

// IsActive reports whether id is still on the live call chain.
//
// This is the query the access checker issues for every FnBarrier item
// it scans past, so it stays O(depth) over a slice rather than
// allocating a set; call chains are shallow in practice.
func (t *CallTracker) IsActive(id CallID) bool {
	for i := len(t.chain) - 1; i >= 0; i-- {
		if t.chain[i] == id {
			return true
		}
	}
	return false
}

// Depth returns the number of live calls.
func (t *CallTracker) Depth() int {
	return len(t.chain)
}

// CurrentCall returns the innermost live call id and whether one exists.
// Barrier-pushing reborrows are scoped to this call.
func (t *CallTracker) CurrentCall() (CallID, bool) {
	if len(t.chain) == 0 {
		return 0, false
	}
	return t.chain[len(t.chain)-1], true
}
