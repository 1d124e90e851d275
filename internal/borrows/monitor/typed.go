package monitor

import (
	"github.com/borrowmon/borrowmon/internal/borrows/locstack"
	"github.com/borrowmon/borrowmon/internal/borrows/mem"
	"github.com/borrowmon/borrowmon/internal/borrows/tag"
	"github.com/borrowmon/borrowmon/internal/borrows/value"
)

// DerefCheck validates that p may be dereferenced at the given
// pointee type, without mutating any stack. The dereference kind
// follows from p's tag per location: a timed aliasing tag demands the
// frozen check inside UnsafeCell regions and rides a shared grant
// elsewhere.
func (m *Machine) DerefCheck(p mem.Pointer, pointee value.Type) error {
	n := pointee.Size(m.cfg.Target)
	a, off, err := m.mem.Resolve(p, n)
	if err != nil {
		return err
	}
	cells := value.CellMask(pointee, m.cfg.Target)
	ss := m.stacks[a.ID]
	for i := uint64(0); i < n; i++ {
		kind := tag.RefKindAt(p.Tag, cells[i])
		if _, err := ss[off+i].Deref(p.Tag, kind); err != nil {
			return locate(err, a.ID, off+i)
		}
	}
	return nil
}

// TypedRead validates a read of one value of type t at p and decodes
// it through the representation relation.
func (m *Machine) TypedRead(p mem.Pointer, t value.Type) (value.Value, error) {
	n := t.Size(m.cfg.Target)
	if err := m.accessRange(p, n, locstack.AccessRead); err != nil {
		return nil, err
	}
	bs, err := m.mem.ReadRaw(p, n)
	if err != nil {
		return nil, err
	}
	v, err := m.codec.Decode(bs, t)
	if err != nil {
		a, off, rerr := m.mem.Resolve(p, n)
		if rerr == nil {
			return nil, locate(err, a.ID, off)
		}
		return nil, err
	}
	return v, nil
}

// TypedWrite encodes v at type t and stores it at p. Encoding runs
// first: a value with no representation at t fails before any
// location is touched.
func (m *Machine) TypedWrite(p mem.Pointer, v value.Value, t value.Type) error {
	bs, err := m.codec.Encode(v, t)
	if err != nil {
		return err
	}
	if err := m.accessRange(p, uint64(len(bs)), locstack.AccessWrite); err != nil {
		return err
	}
	return m.mem.WriteRaw(p, bs)
}
