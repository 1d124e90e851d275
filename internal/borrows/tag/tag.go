// Package tag defines the metadata attached to pointer values and to
// memory locations by the borrow tracker.
//
// A Tag rides on every pointer *value* and states the kind of claim
// that pointer makes on the memory it designates: Unique for exclusive
// access, Alias for shared access. Tags are immutable; a reborrow
// supersedes a tag by minting a new pointer value with a new tag.
//
// An Item sits on a memory *location's* permission stack and records a
// granted claim: Uniq for an exclusive grant, Raw for a shared grant,
// FnBarrier to pin grants below it for the duration of one call.
package tag

import (
	"strconv"

	"github.com/borrowmon/borrowmon/internal/borrows/clock"
)

// Kind discriminates the tag variants.
type Kind uint8

const (
	// Unique is the tag of a pointer holding an exclusive claim. It
	// carries the timestamp of the reborrow that created it.
	Unique Kind = iota

	// AliasTimed is the tag of a shared reference: an aliasing claim
	// ordered by the timestamp of its creation.
	AliasTimed

	// AliasUntimed is the tag of a raw pointer: an aliasing claim with
	// no ordering timestamp.
	AliasUntimed
)

// Tag is the provenance claim attached to one pointer value.
//
// The zero Tag is AliasUntimed with time 0, the tag raw pointers and
// provenance-less addresses carry.
type Tag struct {
	kind Kind
	time clock.Timestamp // meaningful for Unique and AliasTimed only
}

// NewUnique returns a Unique tag created at time t.
func NewUnique(t clock.Timestamp) Tag {
	return Tag{kind: Unique, time: t}
}

// NewAlias returns a shared-reference tag created at time t.
func NewAlias(t clock.Timestamp) Tag {
	return Tag{kind: AliasTimed, time: t}
}

// NewRaw returns the untimed aliasing tag raw pointers carry.
func NewRaw() Tag {
	return Tag{kind: AliasUntimed}
}

// Kind returns the tag variant.
func (t Tag) Kind() Kind { return t.kind }

// Time returns the creation timestamp. It is 0 for AliasUntimed tags.
func (t Tag) Time() clock.Timestamp { return t.time }

// IsUnique reports whether the tag claims exclusive access.
func (t Tag) IsUnique() bool { return t.kind == Unique }

// IsAliasing reports whether the tag is one of the two aliasing kinds.
func (t Tag) IsAliasing() bool { return t.kind != Unique }

// String renders the tag the way violation reports print it.
//
// Format: "Unique(5)", "Alias(5)", "Alias(_)".
func (t Tag) String() string {
	switch t.kind {
	case Unique:
		return "Unique(" + strconv.FormatUint(uint64(t.time), 10) + ")"
	case AliasTimed:
		return "Alias(" + strconv.FormatUint(uint64(t.time), 10) + ")"
	default:
		return "Alias(_)"
	}
}

// RefKind classifies a dereference for the checker.
//
// The kind is derived from the tag of the pointer being created or
// used, refined per location by whether that location lies inside an
// UnsafeCell region of the pointee type (see RefKindAt).
type RefKind uint8

const (
	// RefUnique is the dereference kind of a mutable reference.
	RefUnique RefKind = iota

	// RefFrozen is the dereference kind of a shared reference into
	// UnsafeCell memory, which the reborrow rule freezes.
	RefFrozen

	// RefRaw is the dereference kind of raw pointers and of shared
	// references outside UnsafeCell memory.
	RefRaw
)

// String returns the RefKind name used in diagnostics.
func (k RefKind) String() string {
	switch k {
	case RefUnique:
		return "unique"
	case RefFrozen:
		return "frozen"
	default:
		return "raw"
	}
}

// RefKindAt derives the dereference kind of a pointer carrying tag t
// for a location whose UnsafeCell status is inCell.
//
// Freezing only happens inside UnsafeCell regions, so a shared
// reference dereferences as Frozen there and as Raw elsewhere.
func RefKindAt(t Tag, inCell bool) RefKind {
	switch t.kind {
	case Unique:
		return RefUnique
	case AliasTimed:
		if inCell {
			return RefFrozen
		}
		return RefRaw
	default:
		return RefRaw
	}
}

// ItemKind discriminates the permission-stack item variants.
type ItemKind uint8

const (
	// ItemUniq grants exclusive access to the Unique tag bearing the
	// same timestamp.
	ItemUniq ItemKind = iota

	// ItemRaw grants access to any aliasing tag, and read access to
	// Unique tags.
	ItemRaw

	// ItemFnBarrier blocks accesses from reaching grants below it
	// while its call is live. Barriers never block dereferences.
	ItemFnBarrier
)

// Item is one entry of a location's permission stack.
type Item struct {
	kind ItemKind
	time clock.Timestamp // ItemUniq only
	call clock.CallID    // ItemFnBarrier only
}

// UniqItem returns an exclusive grant for timestamp t.
func UniqItem(t clock.Timestamp) Item {
	return Item{kind: ItemUniq, time: t}
}

// RawItem returns a shared grant.
func RawItem() Item {
	return Item{kind: ItemRaw}
}

// BarrierItem returns a barrier scoped to call c.
func BarrierItem(c clock.CallID) Item {
	return Item{kind: ItemFnBarrier, call: c}
}

// Kind returns the item variant.
func (it Item) Kind() ItemKind { return it.kind }

// Time returns the grant timestamp of a Uniq item, 0 otherwise.
func (it Item) Time() clock.Timestamp { return it.time }

// Call returns the owning call of a FnBarrier item, 0 otherwise.
func (it Item) Call() clock.CallID { return it.call }

// String renders the item the way stack snapshots print it.
func (it Item) String() string {
	switch it.kind {
	case ItemUniq:
		return "Uniq(" + strconv.FormatUint(uint64(it.time), 10) + ")"
	case ItemRaw:
		return "Raw"
	default:
		return "FnBarrier(" + strconv.FormatUint(uint64(it.call), 10) + ")"
	}
}
