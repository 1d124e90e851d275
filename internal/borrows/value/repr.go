package value

import (
	"math/big"

	"github.com/borrowmon/borrowmon/internal/borrows/diag"
	"github.com/borrowmon/borrowmon/internal/borrows/mem"
	"github.com/borrowmon/borrowmon/internal/borrows/tag"
	"github.com/borrowmon/borrowmon/internal/borrows/target"
)

// Codec applies the representation relation for one target and one
// oracle.
//
// Encode picks a byte representation for a value (a typed write);
// Decode recovers a value from bytes (a typed read). Both signal
// undefined behavior when no representation relates the two sides.
type Codec struct {
	Target target.Desc
	Oracle Oracle

	// UninitUnionsValid controls the open question of whether a union
	// read may observe fully uninitialized storage. Permissive by
	// default; strict mode treats an all-uninitialized union as UB.
	UninitUnionsValid bool
}

// NewCodec returns the permissive codec most hosts want.
func NewCodec(d target.Desc, o Oracle) Codec {
	return Codec{Target: d, Oracle: o, UninitUnionsValid: true}
}

// Encode picks a byte representation of v at type t. The result has
// exactly t.Size bytes; padding positions come from the oracle.
func (c Codec) Encode(v Value, t Type) ([]mem.Byte, error) {
	out := make([]mem.Byte, t.Size(c.Target))
	if err := c.encodeAt(v, t, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c Codec) encodeAt(v Value, t Type, out []mem.Byte) error {
	switch ty := t.(type) {
	case Int:
		iv, ok := v.(IntVal)
		if !ok || iv.V == nil {
			return c.unrepresentable(v, "integer")
		}
		return c.encodeInt(iv.V, ty, out)

	case Bool:
		bv, ok := v.(BoolVal)
		if !ok {
			return c.unrepresentable(v, "bool")
		}
		if bv.V {
			out[0] = mem.RawByte(1)
		} else {
			out[0] = mem.RawByte(0)
		}
		return nil

	case Ref:
		return c.encodePtr(v, out, true)
	case Box:
		return c.encodePtr(v, out, true)
	case RawPtr:
		return c.encodePtr(v, out, false)

	case Tuple:
		tv, ok := v.(TupleVal)
		if !ok || len(tv.Elems) != len(ty.Fields) {
			return c.unrepresentable(v, "tuple")
		}
		c.fillPadding(out)
		for i, f := range ty.Fields {
			sz := f.Type.Size(c.Target)
			if err := c.encodeAt(tv.Elems[i], f.Type, out[f.Offset:f.Offset+sz]); err != nil {
				return err
			}
		}
		return nil

	case Array:
		tv, ok := v.(TupleVal)
		if !ok || uint64(len(tv.Elems)) != ty.Count {
			return c.unrepresentable(v, "array")
		}
		stride := ty.Elem.Size(c.Target)
		for i, e := range tv.Elems {
			off := uint64(i) * stride
			if err := c.encodeAt(e, ty.Elem, out[off:off+stride]); err != nil {
				return err
			}
		}
		return nil

	case Union:
		switch uv := v.(type) {
		case RawBagVal:
			if uint64(len(uv.Bytes)) != ty.Bytes {
				return c.unrepresentable(v, "union")
			}
			copy(out, uv.Bytes)
			return nil
		case UninitVal:
			// Every union byte is "sometimes padding", so the absent
			// value is representable exactly when uninitialized unions
			// are considered valid at all.
			if !c.UninitUnionsValid {
				return c.unrepresentable(v, "union")
			}
			for i := range out {
				out[i] = mem.UninitByte()
			}
			return nil
		default:
			return c.unrepresentable(v, "union")
		}

	case Enum:
		vv, ok := v.(VariantVal)
		if !ok || vv.Idx < 0 || vv.Idx >= len(ty.Variants) {
			return c.unrepresentable(v, "enum")
		}
		variant := ty.Variants[vv.Idx]
		c.fillPadding(out)
		discr := new(big.Int).SetUint64(variant.Discr)
		discrTy := Int{Bytes: ty.DiscrBytes}
		if err := c.encodeInt(discr, discrTy, out[ty.DiscrOffset:ty.DiscrOffset+ty.DiscrBytes]); err != nil {
			return err
		}
		if variant.Payload != nil {
			if vv.Data == nil {
				return c.unrepresentable(v, "enum")
			}
			sz := variant.Payload.Size(c.Target)
			return c.encodeAt(vv.Data, variant.Payload, out[variant.PayloadOffset:variant.PayloadOffset+sz])
		}
		return nil

	case Cell:
		return c.encodeAt(v, ty.Inner, out)

	default:
		return diag.New("typed write", "unknown type description")
	}
}

// fillPadding seeds every byte of out from the oracle; fields encoded
// afterwards overwrite their positions, leaving only true padding.
func (c Codec) fillPadding(out []mem.Byte) {
	for i := range out {
		out[i] = c.Oracle.PaddingByte()
	}
}

func (c Codec) encodeInt(v *big.Int, t Int, out []mem.Byte) error {
	bits := uint(t.Bytes * 8)
	lo, hi := intRange(t)
	if v.Cmp(lo) < 0 || v.Cmp(hi) > 0 {
		return diag.Newf("typed write", "integer %s out of range for %d-byte type", v, t.Bytes)
	}
	// Two's complement: negative values wrap modulo 2^bits.
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, new(big.Int).Lsh(big.NewInt(1), bits))
	}
	raw := u.Bytes() // big-endian, minimal
	for i := uint64(0); i < t.Bytes; i++ {
		var b uint8
		if idx := len(raw) - 1 - int(i); idx >= 0 {
			b = raw[idx] // i-th least significant byte
		}
		pos := i
		if c.Target.Order == target.BigEndian {
			pos = t.Bytes - 1 - i
		}
		out[pos] = mem.RawByte(b)
	}
	return nil
}

func intRange(t Int) (lo, hi *big.Int) {
	bits := uint(t.Bytes * 8)
	if t.Signed {
		hi = new(big.Int).Lsh(big.NewInt(1), bits-1)
		lo = new(big.Int).Neg(hi)
		hi = new(big.Int).Sub(hi, big.NewInt(1))
		return lo, hi
	}
	hi = new(big.Int).Lsh(big.NewInt(1), bits)
	hi.Sub(hi, big.NewInt(1))
	return big.NewInt(0), hi
}

func (c Codec) encodePtr(v Value, out []mem.Byte, rejectNull bool) error {
	pv, ok := v.(PtrVal)
	if !ok {
		return c.unrepresentable(v, "pointer")
	}
	if rejectNull && pv.P.Addr == 0 {
		return diag.New("typed write", "null value violates the reference validity invariant")
	}
	for i := range out {
		out[i] = mem.FragmentByte(pv.P, uint8(i))
	}
	return nil
}

func (c Codec) unrepresentable(v Value, what string) error {
	return diag.Newf("typed write", "value %s has no representation at %s type", v, what)
}

// Decode recovers the value the byte sequence represents at type t,
// or signals undefined behavior if it represents none. len(bs) must
// equal t.Size.
func (c Codec) Decode(bs []mem.Byte, t Type) (Value, error) {
	if uint64(len(bs)) != t.Size(c.Target) {
		return nil, diag.Newf("typed read", "reading %d bytes at a %d-byte type", len(bs), t.Size(c.Target))
	}

	switch ty := t.(type) {
	case Int:
		u, err := c.decodeUint(bs)
		if err != nil {
			return nil, err
		}
		if ty.Signed {
			bits := uint(ty.Bytes * 8)
			half := new(big.Int).Lsh(big.NewInt(1), bits-1)
			if u.Cmp(half) >= 0 {
				u.Sub(u, new(big.Int).Lsh(big.NewInt(1), bits))
			}
		}
		return IntVal{V: u}, nil

	case Bool:
		b, ok := bs[0].AsInt(c.Target.PtrSize, c.Target.Order)
		if !ok {
			return nil, diag.New("typed read", "uninitialized read at bool type")
		}
		switch b {
		case 0:
			return BoolVal{V: false}, nil
		case 1:
			return BoolVal{V: true}, nil
		default:
			return nil, diag.Newf("typed read", "byte 0x%02x violates the bool validity invariant", b)
		}

	case Ref:
		return c.decodePtr(bs, true)
	case Box:
		return c.decodePtr(bs, true)
	case RawPtr:
		return c.decodePtr(bs, false)

	case Tuple:
		elems := make([]Value, len(ty.Fields))
		for i, f := range ty.Fields {
			sz := f.Type.Size(c.Target)
			v, err := c.Decode(bs[f.Offset:f.Offset+sz], f.Type)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return TupleVal{Elems: elems}, nil

	case Array:
		stride := ty.Elem.Size(c.Target)
		elems := make([]Value, ty.Count)
		for i := uint64(0); i < ty.Count; i++ {
			v, err := c.Decode(bs[i*stride:(i+1)*stride], ty.Elem)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return TupleVal{Elems: elems}, nil

	case Union:
		if !c.UninitUnionsValid && allUninit(bs) {
			return nil, diag.New("typed read", "fully uninitialized union read")
		}
		bag := make([]mem.Byte, len(bs))
		copy(bag, bs)
		return RawBagVal{Bytes: bag}, nil

	case Enum:
		du, err := c.decodeUint(bs[ty.DiscrOffset : ty.DiscrOffset+ty.DiscrBytes])
		if err != nil {
			return nil, err
		}
		if !du.IsUint64() {
			return nil, diag.Newf("typed read", "discriminant %s matches no variant", du)
		}
		discr := du.Uint64()
		for i, variant := range ty.Variants {
			if variant.Discr != discr {
				continue
			}
			if variant.Payload == nil {
				return VariantVal{Idx: i}, nil
			}
			sz := variant.Payload.Size(c.Target)
			data, err := c.Decode(bs[variant.PayloadOffset:variant.PayloadOffset+sz], variant.Payload)
			if err != nil {
				return nil, err
			}
			return VariantVal{Idx: i, Data: data}, nil
		}
		return nil, diag.Newf("typed read", "discriminant %d matches no variant", discr)

	case Cell:
		return c.Decode(bs, ty.Inner)

	default:
		return nil, diag.New("typed read", "unknown type description")
	}
}

// decodeUint assembles concrete bytes into an unsigned integer per
// the target byte order. Any uninitialized byte is UB.
func (c Codec) decodeUint(bs []mem.Byte) (*big.Int, error) {
	u := new(big.Int)
	for i, b := range bs {
		v, ok := b.AsInt(c.Target.PtrSize, c.Target.Order)
		if !ok {
			return nil, diag.New("typed read", "uninitialized read at integer type")
		}
		shift := uint(i)
		if c.Target.Order == target.BigEndian {
			shift = uint(len(bs) - 1 - i)
		}
		u.Or(u, new(big.Int).Lsh(big.NewInt(int64(v)), 8*shift))
	}
	return u, nil
}

func (c Codec) decodePtr(bs []mem.Byte, rejectNull bool) (Value, error) {
	// A stored pointer reads back as a pointer only if all fragments
	// belong to one pointer value and sit in order.
	if p, ok := wholePointer(bs); ok {
		if rejectNull && p.Addr == 0 {
			return nil, diag.New("typed read", "null value violates the reference validity invariant")
		}
		return PtrVal{P: p}, nil
	}
	// All-concrete bytes transmute an integer into a provenance-less
	// pointer; it compares and offsets but never dereferences.
	u, err := c.decodeUint(bs)
	if err != nil {
		return nil, diag.New("typed read", "bytes do not represent a pointer")
	}
	if !u.IsUint64() {
		return nil, diag.New("typed read", "bytes do not represent a pointer")
	}
	addr := u.Uint64()
	if rejectNull && addr == 0 {
		return nil, diag.New("typed read", "null value violates the reference validity invariant")
	}
	return PtrVal{P: mem.Pointer{Addr: addr, Tag: tag.NewRaw()}}, nil
}

func wholePointer(bs []mem.Byte) (mem.Pointer, bool) {
	if len(bs) == 0 {
		return mem.Pointer{}, false
	}
	first, idx0 := bs[0].Fragment()
	if bs[0].Kind() != mem.BytePtrFragment || idx0 != 0 {
		return mem.Pointer{}, false
	}
	for i, b := range bs {
		if b.Kind() != mem.BytePtrFragment {
			return mem.Pointer{}, false
		}
		p, idx := b.Fragment()
		if p != first || int(idx) != i {
			return mem.Pointer{}, false
		}
	}
	return first, true
}

func allUninit(bs []mem.Byte) bool {
	for _, b := range bs {
		if b.Kind() != mem.ByteUninit {
			return false
		}
	}
	return true
}
