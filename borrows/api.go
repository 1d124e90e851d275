package borrows

import (
	"io"

	"github.com/borrowmon/borrowmon/internal/borrows/clock"
	"github.com/borrowmon/borrowmon/internal/borrows/diag"
	"github.com/borrowmon/borrowmon/internal/borrows/mem"
	"github.com/borrowmon/borrowmon/internal/borrows/monitor"
	"github.com/borrowmon/borrowmon/internal/borrows/target"
	"github.com/borrowmon/borrowmon/internal/borrows/value"
)

// CallID identifies one open call frame.
type CallID = clock.CallID

// Machine is one monitored run: the byte store, the per-location
// permission stacks, the timestamp clock and the call tracker. See
// the package documentation for the event surface.
type Machine = monitor.Machine

// Config carries the per-run knobs of a Machine.
type Config = monitor.Config

// Place is a typed memory region a retag walks.
type Place = monitor.Place

// RetagKind selects which pointer fields of a place a retag touches.
type RetagKind = monitor.RetagKind

// Retag kinds, matching the events a host emits.
const (
	RetagDefault  = monitor.RetagDefault
	RetagRaw      = monitor.RetagRaw
	RetagFnEntry  = monitor.RetagFnEntry
	RetagTwoPhase = monitor.RetagTwoPhase
)

// Pointer is a monitored pointer value: provenance, address and tag.
type Pointer = mem.Pointer

// Byte is one cell of monitored memory.
type Byte = mem.Byte

// RawByte returns a concrete byte cell.
func RawByte(v uint8) Byte { return mem.RawByte(v) }

// UninitByte returns the uninitialized cell.
func UninitByte() Byte { return mem.UninitByte() }

// AllocKind classifies allocations and decides their initial
// permission stacks.
type AllocKind = mem.Kind

// Allocation kinds.
const (
	StackAlloc  = mem.Stack
	HeapAlloc   = mem.Heap
	StaticAlloc = mem.Static
)

// OffsetMode selects the failure behavior of pointer arithmetic.
type OffsetMode = mem.OffsetMode

// Offset modes.
const (
	Wrapping    = mem.Wrapping
	NonWrapping = mem.NonWrapping
	Inbounds    = mem.Inbounds
)

// Value is a typed value as the monitored program sees it.
type Value = value.Value

// Type is one node of a type description tree.
type Type = value.Type

// Type descriptions, re-exported for hosts.
type (
	Int    = value.Int
	Bool   = value.Bool
	Ref    = value.Ref
	RawPtr = value.RawPtr
	Box    = value.Box
	Tuple  = value.Tuple
	Field  = value.Field
	Array  = value.Array
	Union  = value.Union
	Enum   = value.Enum
	Cell   = value.Cell
)

// Value constructors and variants, re-exported for hosts.
type (
	IntVal     = value.IntVal
	BoolVal    = value.BoolVal
	PtrVal     = value.PtrVal
	TupleVal   = value.TupleVal
	VariantVal = value.VariantVal
)

// NewInt builds an integer value from a machine integer.
func NewInt(v int64) IntVal { return value.NewInt(v) }

// Oracle resolves representation choice points (padding bytes).
type Oracle = value.Oracle

// Padding oracles.
type (
	ZeroPadding   = value.ZeroPadding
	UninitPadding = value.UninitPadding
)

// Target describes the replayed platform: pointer width and byte
// order. Decodable from YAML via [LoadTarget].
type Target = target.Desc

// DefaultTarget returns the little-endian 8-byte-pointer target.
func DefaultTarget() Target { return target.Default() }

// LoadTarget reads a YAML target description from a file.
func LoadTarget(path string) (Target, error) { return target.LoadFile(path) }

// ErrUndefinedBehavior is the sentinel every violation wraps; use
// errors.Is against it to distinguish violations from host errors.
var ErrUndefinedBehavior = diag.ErrUndefinedBehavior

// Violation is the structured form of a detected violation.
type Violation = diag.Error

// AsViolation extracts the structured violation from an error chain,
// if one is present.
func AsViolation(err error) (*Violation, bool) { return diag.AsError(err) }

// Report renders a violation banner for err to w. Errors that are not
// violations render as a single line.
func Report(w io.Writer, err error) {
	if v, ok := diag.AsError(err); ok {
		v.Format(w)
		return
	}
	io.WriteString(w, err.Error()+"\n")
}

// New returns a Machine for the given configuration.
func New(cfg Config) (*Machine, error) {
	return monitor.NewMachine(cfg)
}

// DefaultConfig returns the configuration most hosts want: default
// target, zero padding, permissive unions.
func DefaultConfig() Config {
	return monitor.DefaultConfig()
}
