package monitor

import (
	"errors"

	"github.com/borrowmon/borrowmon/internal/borrows/clock"
	"github.com/borrowmon/borrowmon/internal/borrows/diag"
	"github.com/borrowmon/borrowmon/internal/borrows/mem"
	"github.com/borrowmon/borrowmon/internal/borrows/tag"
	"github.com/borrowmon/borrowmon/internal/borrows/target"
	"github.com/borrowmon/borrowmon/internal/borrows/value"
)

// RetagKind selects which pointer fields of a place a retag touches
// and whether reborrows are scoped to the current call.
type RetagKind uint8

const (
	// RetagDefault runs after assignments and return-value bindings:
	// references and boxes get fresh tags, raw pointers are left alone.
	RetagDefault RetagKind = iota
	// RetagRaw additionally retags raw pointer fields; emitted at
	// reference-to-raw casts and in generated drop code.
	RetagRaw
	// RetagFnEntry runs on each parameter at function entry and pushes
	// a call barrier under the fresh grant of every reference whose
	// pointee has no interior mutability.
	RetagFnEntry
	// RetagTwoPhase reborrows a mutable reference and immediately
	// reborrows the result shared, modeling a reserved but not yet
	// activated mutable borrow.
	RetagTwoPhase
)

// String returns the kind name used by the CLI and diagnostics.
func (k RetagKind) String() string {
	switch k {
	case RetagDefault:
		return "default"
	case RetagRaw:
		return "raw"
	case RetagFnEntry:
		return "fn-entry"
	default:
		return "two-phase"
	}
}

// Place is a typed memory region a retag walks: the pointer
// addressing its storage plus its type description.
type Place struct {
	Ptr  mem.Pointer
	Type value.Type
}

// Retag assigns fresh tags to the pointer-typed leaves of place,
// reborrowing each pointee and storing the re-tagged pointers back.
//
// The walk descends through tuples, arrays, cells and an enum's
// active variant, but never through a pointer and never into a union
// (the active field is unknowable). Pointer fields without provenance
// are left untouched; retagging an uninitialized or torn pointer
// field is undefined behavior.
func (m *Machine) Retag(kind RetagKind, place Place) error {
	return m.retagVisit(kind, place.Ptr, place.Type)
}

func (m *Machine) retagVisit(kind RetagKind, p mem.Pointer, t value.Type) error {
	switch ty := t.(type) {
	case value.Ref:
		return m.retagPointer(kind, p, ptrLeaf{
			pointee: ty.Pointee,
			unique:  ty.Mut,
			isRef:   true,
			mut:     ty.Mut,
		})
	case value.Box:
		return m.retagPointer(kind, p, ptrLeaf{pointee: ty.Pointee, unique: true})
	case value.RawPtr:
		if kind != RetagRaw {
			return nil
		}
		return m.retagPointer(kind, p, ptrLeaf{pointee: ty.Pointee, raw: true})

	case value.Tuple:
		for _, f := range ty.Fields {
			fp := p
			fp.Addr += f.Offset
			if err := m.retagVisit(kind, fp, f.Type); err != nil {
				return err
			}
		}
		return nil

	case value.Array:
		stride := ty.Elem.Size(m.cfg.Target)
		for i := uint64(0); i < ty.Count; i++ {
			ep := p
			ep.Addr += i * stride
			if err := m.retagVisit(kind, ep, ty.Elem); err != nil {
				return err
			}
		}
		return nil

	case value.Cell:
		return m.retagVisit(kind, p, ty.Inner)

	case value.Enum:
		return m.retagEnum(kind, p, ty)

	default:
		// Int, Bool, Union: no pointer leaves to touch.
		return nil
	}
}

// retagEnum reads the discriminant and descends into the active
// variant's payload only.
func (m *Machine) retagEnum(kind RetagKind, p mem.Pointer, ty value.Enum) error {
	dp := p
	dp.Addr += ty.DiscrOffset
	bs, err := m.mem.ReadRaw(dp, ty.DiscrBytes)
	if err != nil {
		return err
	}
	var discr uint64
	for i, b := range bs {
		v, ok := b.AsInt(m.cfg.Target.PtrSize, m.cfg.Target.Order)
		if !ok {
			return diag.New("retag", "uninitialized enum discriminant").Tagged(p.Tag)
		}
		shift := uint(i)
		if m.cfg.Target.Order == target.BigEndian {
			shift = uint(len(bs) - 1 - i)
		}
		discr |= uint64(v) << (8 * shift)
	}
	for _, variant := range ty.Variants {
		if variant.Discr != discr {
			continue
		}
		if variant.Payload == nil {
			return nil
		}
		vp := p
		vp.Addr += variant.PayloadOffset
		return m.retagVisit(kind, vp, variant.Payload)
	}
	return diag.Newf("retag", "discriminant %d matches no variant", discr).Tagged(p.Tag)
}

// ptrLeaf describes one pointer-typed leaf of the walk.
type ptrLeaf struct {
	pointee value.Type
	unique  bool // mint a Unique tag
	raw     bool // mint an untimed aliasing tag
	isRef   bool // eligible for a call barrier
	mut     bool
}

// pointer field states recovered from raw bytes.
const (
	ptrWhole = iota // one pointer's fragments in order
	ptrPlain        // concrete bytes: a bare address
	ptrUninit
	ptrTorn
)

func (m *Machine) retagPointer(kind RetagKind, field mem.Pointer, leaf ptrLeaf) error {
	bs, err := m.mem.ReadRaw(field, m.cfg.Target.PtrSize)
	if err != nil {
		return err
	}
	old, state := assemblePointer(bs)
	switch state {
	case ptrUninit:
		return diag.New("retag", "uninitialized pointer field").Tagged(field.Tag)
	case ptrTorn:
		return diag.New("retag", "pointer field holds a torn pointer").Tagged(field.Tag)
	case ptrPlain:
		return nil // bare address, nothing to reborrow
	}
	if !old.HasProvenance() {
		return nil
	}

	var newTag tag.Tag
	switch {
	case leaf.unique:
		newTag = tag.NewUnique(m.clock.NewTimestamp())
	case leaf.raw:
		newTag = tag.NewRaw()
	default:
		newTag = tag.NewAlias(m.clock.NewTimestamp())
	}

	wantBarrier := kind == RetagFnEntry && leaf.isRef &&
		(leaf.mut || !value.ContainsCell(leaf.pointee, m.cfg.Target))
	var barrierCall clock.CallID
	if wantBarrier {
		id, ok := m.calls.CurrentCall()
		if !ok {
			return errors.New("monitor: fn-entry retag outside any call frame")
		}
		barrierCall = id
	}

	if err := m.reborrowRange(old, newTag, leaf.pointee, wantBarrier, barrierCall); err != nil {
		return err
	}

	newPtr := old.WithTag(newTag)
	frags := make([]mem.Byte, len(bs))
	for i := range frags {
		frags[i] = mem.FragmentByte(newPtr, uint8(i))
	}
	if err := m.mem.WriteRaw(field, frags); err != nil {
		return err
	}

	// The reserved phase: the fresh unique grant is immediately
	// reborrowed shared, so reads through older tags stay legal until
	// the first write activates the borrow.
	if kind == RetagTwoPhase && leaf.unique && leaf.isRef {
		phase := tag.NewAlias(m.clock.NewTimestamp())
		return m.reborrowRange(newPtr, phase, leaf.pointee, false, 0)
	}
	return nil
}

// reborrowRange applies one reborrow to every location the pointee
// covers.
func (m *Machine) reborrowRange(p mem.Pointer, newTag tag.Tag, pointee value.Type, wantBarrier bool, barrierCall clock.CallID) error {
	n := pointee.Size(m.cfg.Target)
	a, off, err := m.mem.Resolve(p, n)
	if err != nil {
		return err
	}
	cells := value.CellMask(pointee, m.cfg.Target)
	ss := m.stacks[a.ID]
	for i := uint64(0); i < n; i++ {
		if err := ss[off+i].Reborrow(p.Tag, newTag, cells[i], wantBarrier, barrierCall, &m.calls); err != nil {
			return locate(err, a.ID, off+i)
		}
	}
	return nil
}

// assemblePointer classifies the raw bytes of a pointer-sized field.
func assemblePointer(bs []mem.Byte) (mem.Pointer, int) {
	whole := true
	var first mem.Pointer
	anyFrag, anyUninit := false, false
	for i, b := range bs {
		switch b.Kind() {
		case mem.BytePtrFragment:
			anyFrag = true
			p, idx := b.Fragment()
			if i == 0 {
				first = p
			}
			if int(idx) != i || p != first {
				whole = false
			}
		case mem.ByteUninit:
			anyUninit = true
			whole = false
		default:
			whole = false
		}
	}
	switch {
	case whole && anyFrag:
		return first, ptrWhole
	case anyUninit:
		return mem.Pointer{}, ptrUninit
	case anyFrag:
		return mem.Pointer{}, ptrTorn
	default:
		return mem.Pointer{}, ptrPlain
	}
}
