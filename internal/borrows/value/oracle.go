package value

import (
	"math/rand"

	"github.com/borrowmon/borrowmon/internal/borrows/mem"
)

// Oracle resolves the choice points of the representation relation.
// Where the discipline permits several legal outcomes (which byte a
// typed write materializes into padding) the oracle picks one, so
// the monitor itself stays deterministic and the choice is a test
// axis.
type Oracle interface {
	// PaddingByte returns the cell written into a padding position.
	PaddingByte() mem.Byte
}

// ZeroPadding writes concrete zero bytes into padding. The default:
// fully deterministic and friendly to byte-level assertions.
type ZeroPadding struct{}

// PaddingByte returns a concrete zero cell.
func (ZeroPadding) PaddingByte() mem.Byte { return mem.RawByte(0) }

// UninitPadding leaves padding uninitialized, the loosest legal
// choice; useful for checking that nothing reads padding.
type UninitPadding struct{}

// PaddingByte returns the uninitialized cell.
func (UninitPadding) PaddingByte() mem.Byte { return mem.UninitByte() }

// RandomPadding draws concrete padding bytes from a seeded stream,
// for fuzz-style runs that shake out accidental padding dependence.
type RandomPadding struct {
	rng *rand.Rand
}

// NewRandomPadding returns a RandomPadding with its own deterministic
// stream.
func NewRandomPadding(seed int64) *RandomPadding {
	return &RandomPadding{rng: rand.New(rand.NewSource(seed))}
}

// PaddingByte returns the next byte of the stream.
func (r *RandomPadding) PaddingByte() mem.Byte {
	return mem.RawByte(uint8(r.rng.Intn(256)))
}
