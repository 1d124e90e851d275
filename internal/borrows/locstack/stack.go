// Package locstack implements the per-location permission stack and
// the checks at the heart of the borrow monitor.
//
// Every byte of monitored memory owns one Stack recording, in grant
// order, which tags may currently use it. The topmost item is the most
// recently granted permission. A location can additionally be frozen
// since some timestamp, which lets any read through regardless of the
// stack's contents.
//
// Three operations drive all state changes:
//
//   - Access validates a read, write or deallocation and pops every
//     grant above the matching one (invalidating deeper claims).
//   - Deref validates a dereference without mutating anything.
//   - Reborrow installs the grant for a freshly minted tag, after
//     validating the tag it derives from.
//
// This is the analog of the hot path a dynamic race detector runs on
// every instrumented access, and it is kept allocation-free on the
// success path for the same reason.
package locstack

import (
	"math"
	"strings"

	"github.com/borrowmon/borrowmon/internal/borrows/clock"
	"github.com/borrowmon/borrowmon/internal/borrows/diag"
	"github.com/borrowmon/borrowmon/internal/borrows/tag"
)

// CallSet answers liveness queries for call ids. Satisfied by
// *clock.CallTracker; a test fake satisfies it trivially.
type CallSet interface {
	IsActive(clock.CallID) bool
}

// AccessKind classifies a memory access for the checker.
type AccessKind uint8

const (
	// AccessRead is an untyped or typed read of the location.
	AccessRead AccessKind = iota
	// AccessWrite is an untyped or typed write of the location.
	AccessWrite
	// AccessDealloc is the write-like access deallocation performs on
	// every covered location before teardown. It additionally sweeps
	// the surviving stack for active barriers.
	AccessDealloc
)

// String returns the name used in diagnostics.
func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "dealloc"
	}
}

// Stack is the ordered permission record of one memory location.
//
// items grows towards the top: items[len-1] is the most recent grant.
// The stack is never empty after initialization; the checker maintains
// that invariant because a successful access always stops on a
// retained item.
type Stack struct {
	items       []tag.Item
	frozen      bool
	frozenSince clock.Timestamp
}

// NewUnique returns the initial stack of a stack-allocated location:
// a single exclusive grant for the allocation's fresh tag.
func NewUnique(t clock.Timestamp) *Stack {
	return &Stack{items: []tag.Item{tag.UniqItem(t)}}
}

// NewRaw returns the initial stack of heap and static locations: a
// single shared grant.
func NewRaw() *Stack {
	return &Stack{items: []tag.Item{tag.RawItem()}}
}

// Len returns the number of items on the stack.
func (s *Stack) Len() int { return len(s.items) }

// Items returns a copy of the stack, bottom first. For inspection and
// tests; mutations never go through this.
func (s *Stack) Items() []tag.Item {
	out := make([]tag.Item, len(s.items))
	copy(out, s.items)
	return out
}

// FrozenSince returns the freeze mark, if the location is frozen.
func (s *Stack) FrozenSince() (clock.Timestamp, bool) {
	return s.frozenSince, s.frozen
}

// String renders a snapshot for violation reports, bottom first.
//
// Format: "[Uniq(1) Raw FnBarrier(2)]" with an optional " frozen@t".
func (s *Stack) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, it := range s.items {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(it.String())
	}
	b.WriteByte(']')
	if s.frozen {
		b.WriteString(" frozen@")
		b.WriteString(clockString(s.frozenSince))
	}
	return b.String()
}

func clockString(t clock.Timestamp) string {
	// Small hand-rolled itoa keeps String dependency-light; snapshots
	// only render on the failure path.
	if t == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for t > 0 {
		i--
		buf[i] = byte('0' + t%10)
		t /= 10
	}
	return string(buf[i:])
}

// Access validates an access through tg and updates the stack.
//
// Frozen locations accept any read as-is. Otherwise the freeze mark is
// cleared and the stack is scanned from the top, popping every grant
// that does not match:
//
//   - an active FnBarrier fails the access outright;
//   - an inactive FnBarrier is popped like any mismatch;
//   - Uniq(t) matches exactly the Unique tag with the same timestamp;
//   - Raw matches every aliasing tag, and a Unique tag too when the
//     access is a read (shared reads may ride a raw grant).
//
// Running out of items is a violation. For AccessDealloc the surviving
// stack, matched item included, must hold no active barrier.
func (s *Stack) Access(tg tag.Tag, kind AccessKind, calls CallSet) error {
	if s.frozen && kind == AccessRead {
		return nil
	}
	s.frozen = false
	s.frozenSince = 0

	for len(s.items) > 0 {
		top := s.items[len(s.items)-1]
		switch top.Kind() {
		case tag.ItemFnBarrier:
			if calls.IsActive(top.Call()) {
				return diag.New(kind.String(), "barrier blocks this access").
					Tagged(tg).Observing(s)
			}
		case tag.ItemUniq:
			if tg.Kind() == tag.Unique && tg.Time() == top.Time() {
				return s.deallocSweep(tg, kind, calls)
			}
		case tag.ItemRaw:
			if tg.IsAliasing() || kind == AccessRead {
				return s.deallocSweep(tg, kind, calls)
			}
		}
		s.items = s.items[:len(s.items)-1]
	}

	return diag.New(kind.String(), "tag not found on stack").
		Tagged(tg).Observing(s)
}

// deallocSweep finishes a successful access. Deallocation additionally
// rejects any active barrier left anywhere on the surviving stack: a
// caller-held grant must outlive the callee that barriered it.
func (s *Stack) deallocSweep(tg tag.Tag, kind AccessKind, calls CallSet) error {
	if kind != AccessDealloc {
		return nil
	}
	for _, it := range s.items {
		if it.Kind() == tag.ItemFnBarrier && calls.IsActive(it.Call()) {
			return diag.New(kind.String(), "active barrier on freed location").
				Tagged(tg).Observing(s)
		}
	}
	return nil
}

// posFrozen orders a freeze match above every stack index.
const posFrozen = math.MaxInt

// DerefMatch reports how a dereference was satisfied: by the item at
// Index, or by the freeze mark (ViaFreeze, Index meaningless).
type DerefMatch struct {
	Index     int
	ViaFreeze bool
}

// pos collapses a match into a single "height" for redundancy
// comparisons; the freeze mark counts as above everything.
func (m DerefMatch) pos() int {
	if m.ViaFreeze {
		return posFrozen
	}
	return m.Index
}

// Deref validates a dereference of kind through tg without mutating
// the stack.
//
// Rules, in order:
//
//  1. a unique dereference through a shared tag is rejected outright;
//  2. a frozen dereference through Alias(t) requires the location to
//     have been frozen at t or earlier;
//  3. any aliasing tag dereferences a frozen location freely;
//  4. otherwise the stack is scanned top-down for the grant: Uniq
//     matches its Unique tag, Raw matches any aliasing tag. FnBarrier
//     items are skipped, never popped: barriers block accesses, not
//     dereferences.
func (s *Stack) Deref(tg tag.Tag, kind tag.RefKind) (DerefMatch, error) {
	if kind == tag.RefUnique && tg.Kind() == tag.AliasTimed {
		return DerefMatch{}, diag.New("deref", "unique reference carries an aliasing tag").
			Tagged(tg).Observing(s)
	}
	if tg.Kind() == tag.AliasTimed && kind == tag.RefFrozen {
		if s.frozen && s.frozenSince <= tg.Time() {
			return DerefMatch{ViaFreeze: true}, nil
		}
		return DerefMatch{}, diag.New("deref", "not frozen long enough").
			Tagged(tg).Observing(s)
	}
	if tg.IsAliasing() && s.frozen {
		return DerefMatch{ViaFreeze: true}, nil
	}

	for i := len(s.items) - 1; i >= 0; i-- {
		switch it := s.items[i]; it.Kind() {
		case tag.ItemFnBarrier:
			// skipped
		case tag.ItemUniq:
			if tg.Kind() == tag.Unique && tg.Time() == it.Time() {
				return DerefMatch{Index: i}, nil
			}
		case tag.ItemRaw:
			if tg.IsAliasing() {
				return DerefMatch{Index: i}, nil
			}
		}
	}

	return DerefMatch{}, diag.New("deref", "tag not found for dereference").
		Tagged(tg).Observing(s)
}

// Reborrow derives newTag from oldTag on this location and installs
// the corresponding grant.
//
// inCell states whether this location lies inside an UnsafeCell region
// of the pointee type; it selects the dereference kind for shared tags
// and decides between freezing and pushing a Raw grant. barrierCall is
// consulted only when wantBarrier is set.
//
// Sequence per the discipline:
//
//  1. validate oldTag with the dereference kind the new tag will use;
//  2. if no barrier is requested and newTag is aliasing, skip
//     everything when newTag's own grant sits strictly above oldTag's
//     or is the freeze mark itself (the freeze counts as above every
//     item); the new claim is already covered;
//  3. apply the access the new tag implies (read for aliasing tags,
//     write for unique ones) through oldTag, thawing the location and
//     invalidating grants the new one must supersede;
//  4. push the barrier, when requested;
//  5. freeze at the new tag's timestamp for a shared reborrow inside
//     an UnsafeCell; otherwise push Raw (aliasing) or Uniq (unique).
func (s *Stack) Reborrow(oldTag, newTag tag.Tag, inCell bool, wantBarrier bool, barrierCall clock.CallID, calls CallSet) error {
	kind := tag.RefKindAt(newTag, inCell)

	oldMatch, err := s.Deref(oldTag, kind)
	if err != nil {
		return err
	}

	if !wantBarrier && newTag.IsAliasing() {
		if newMatch, derr := s.Deref(newTag, kind); derr == nil {
			if newMatch.ViaFreeze || newMatch.pos() > oldMatch.pos() {
				// Already granted above the source of the reborrow;
				// nothing to install.
				return nil
			}
		}
	}

	// The access-like effect thaws the location first. A frozen read
	// must not bypass the pops and any barrier about to go in.
	s.frozen = false
	s.frozenSince = 0

	accessKind := AccessWrite
	if newTag.IsAliasing() {
		accessKind = AccessRead
	}
	if err := s.Access(oldTag, accessKind, calls); err != nil {
		return err
	}

	if wantBarrier {
		s.items = append(s.items, tag.BarrierItem(barrierCall))
	}

	switch {
	case newTag.Kind() == tag.AliasTimed && inCell:
		s.freezeAt(newTag.Time())
	case newTag.IsAliasing():
		s.items = append(s.items, tag.RawItem())
	default:
		s.items = append(s.items, tag.UniqItem(newTag.Time()))
	}
	return nil
}

// freezeAt marks the location frozen since t. Freezing is idempotent
// towards earlier marks: an already-frozen location keeps the older
// timestamp.
func (s *Stack) freezeAt(t clock.Timestamp) {
	if !s.frozen || s.frozenSince > t {
		s.frozen = true
		s.frozenSince = t
	}
}
