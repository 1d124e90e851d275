package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/borrowmon/borrowmon/borrows"
)

// interp executes trace scripts against one Machine.
//
// A script is line-oriented; '#' starts a comment. Pointers live in a
// named environment. Example:
//
//	alloc a 1 1 stack
//	alloc slot 8 8 heap
//	store slot a ref u8
//	retag default slot ref u8
//	load s slot ref u8
//	write a 07
//	read s 1          # UB: alias invalidated by the owner's write
type interp struct {
	m    *borrows.Machine
	out  io.Writer
	ptrs map[string]borrows.Pointer

	// open call frames, innermost last
	frames []borrows.CallID
}

func newInterp(m *borrows.Machine, out io.Writer) *interp {
	return &interp{m: m, out: out, ptrs: make(map[string]borrows.Pointer)}
}

// Run executes a whole script, stopping at the first violation or
// script error.
func (in *interp) Run(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		if err := in.Exec(sc.Text()); err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	return sc.Err()
}

// Exec executes one script line.
func (in *interp) Exec(line string) error {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "alloc":
		return in.cmdAlloc(args)
	case "free":
		return in.cmdFree(args)
	case "write":
		return in.cmdWrite(args)
	case "read":
		return in.cmdRead(args)
	case "store":
		return in.cmdStore(args)
	case "load":
		return in.cmdLoad(args)
	case "offset":
		return in.cmdOffset(args)
	case "retag":
		return in.cmdRetag(args)
	case "deref":
		return in.cmdDeref(args)
	case "call":
		in.frames = append(in.frames, in.m.BeginCall())
		return nil
	case "ret":
		if len(in.frames) == 0 {
			return fmt.Errorf("ret with no open call")
		}
		id := in.frames[len(in.frames)-1]
		in.frames = in.frames[:len(in.frames)-1]
		return in.m.EndCall(id)
	case "stacks":
		return in.cmdStacks(args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (in *interp) cmdAlloc(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: alloc <name> <size> <align> <stack|heap|static>")
	}
	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad size %q", args[1])
	}
	align, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad align %q", args[2])
	}
	var kind borrows.AllocKind
	switch args[3] {
	case "stack":
		kind = borrows.StackAlloc
	case "heap":
		kind = borrows.HeapAlloc
	case "static":
		kind = borrows.StaticAlloc
	default:
		return fmt.Errorf("bad allocation kind %q", args[3])
	}
	p, err := in.m.Allocate(size, align, kind)
	if err != nil {
		return err
	}
	in.ptrs[args[0]] = p
	fmt.Fprintf(in.out, "%s = %s\n", args[0], p)
	return nil
}

func (in *interp) cmdFree(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: free <ptr> <size> <align>")
	}
	p, err := in.pointer(args[0])
	if err != nil {
		return err
	}
	size, _ := strconv.ParseUint(args[1], 10, 64)
	align, _ := strconv.ParseUint(args[2], 10, 64)
	return in.m.Deallocate(p, size, align)
}

func (in *interp) cmdWrite(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: write <ptr> <hex byte>...")
	}
	p, err := in.pointer(args[0])
	if err != nil {
		return err
	}
	bytes := make([]borrows.Byte, len(args)-1)
	for i, a := range args[1:] {
		if a == "__" {
			bytes[i] = borrows.UninitByte()
			continue
		}
		v, err := strconv.ParseUint(a, 16, 8)
		if err != nil {
			return fmt.Errorf("bad byte %q", a)
		}
		bytes[i] = borrows.RawByte(uint8(v))
	}
	return in.m.Write(p, bytes)
}

func (in *interp) cmdRead(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: read <ptr> <len>")
	}
	p, err := in.pointer(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad length %q", args[1])
	}
	bytes, err := in.m.Read(p, n)
	if err != nil {
		return err
	}
	parts := make([]string, len(bytes))
	for i, b := range bytes {
		parts[i] = b.String()
	}
	fmt.Fprintf(in.out, "%s\n", strings.Join(parts, " "))
	return nil
}

// store <slot> <ptr> <type>: typed write of a named pointer.
func (in *interp) cmdStore(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: store <slot> <ptr> <type>")
	}
	slot, err := in.pointer(args[0])
	if err != nil {
		return err
	}
	p, err := in.pointer(args[1])
	if err != nil {
		return err
	}
	ty, err := parseType(args[2:])
	if err != nil {
		return err
	}
	return in.m.TypedWrite(slot, borrows.PtrVal{P: p}, ty)
}

// load <name> <slot> <type>: typed read of a pointer into the
// environment.
func (in *interp) cmdLoad(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: load <name> <slot> <type>")
	}
	slot, err := in.pointer(args[1])
	if err != nil {
		return err
	}
	ty, err := parseType(args[2:])
	if err != nil {
		return err
	}
	v, err := in.m.TypedRead(slot, ty)
	if err != nil {
		return err
	}
	pv, ok := v.(borrows.PtrVal)
	if !ok {
		return fmt.Errorf("%s does not hold a pointer at that type", args[1])
	}
	in.ptrs[args[0]] = pv.P
	fmt.Fprintf(in.out, "%s = %s\n", args[0], pv.P)
	return nil
}

// offset <name> <ptr> <delta> [wrap|nowrap|inbounds]
func (in *interp) cmdOffset(args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return fmt.Errorf("usage: offset <name> <ptr> <delta> [wrap|nowrap|inbounds]")
	}
	p, err := in.pointer(args[1])
	if err != nil {
		return err
	}
	delta, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad delta %q", args[2])
	}
	mode := borrows.Inbounds
	if len(args) == 4 {
		switch args[3] {
		case "wrap":
			mode = borrows.Wrapping
		case "nowrap":
			mode = borrows.NonWrapping
		case "inbounds":
			mode = borrows.Inbounds
		default:
			return fmt.Errorf("bad offset mode %q", args[3])
		}
	}
	q, err := in.m.Offset(p, delta, mode)
	if err != nil {
		return err
	}
	in.ptrs[args[0]] = q
	return nil
}

// retag <default|raw|fn-entry|two-phase> <place> <type>
func (in *interp) cmdRetag(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: retag <kind> <place> <type>")
	}
	var kind borrows.RetagKind
	switch args[0] {
	case "default":
		kind = borrows.RetagDefault
	case "raw":
		kind = borrows.RetagRaw
	case "fn-entry":
		kind = borrows.RetagFnEntry
	case "two-phase":
		kind = borrows.RetagTwoPhase
	default:
		return fmt.Errorf("bad retag kind %q", args[0])
	}
	p, err := in.pointer(args[1])
	if err != nil {
		return err
	}
	ty, err := parseType(args[2:])
	if err != nil {
		return err
	}
	return in.m.Retag(kind, borrows.Place{Ptr: p, Type: ty})
}

// deref <ptr> <pointee type>
func (in *interp) cmdDeref(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: deref <ptr> <pointee type>")
	}
	p, err := in.pointer(args[0])
	if err != nil {
		return err
	}
	ty, err := parseType(args[1:])
	if err != nil {
		return err
	}
	if err := in.m.DerefCheck(p, ty); err != nil {
		return err
	}
	fmt.Fprintf(in.out, "deref ok\n")
	return nil
}

// stacks <ptr> <len>: dump the permission stacks a range covers.
func (in *interp) cmdStacks(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: stacks <ptr> <len>")
	}
	p, err := in.pointer(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad length %q", args[1])
	}
	ss, err := in.m.LocationStacks(p, n)
	if err != nil {
		return err
	}
	for i, s := range ss {
		fmt.Fprintf(in.out, "+%d: %s\n", i, s)
	}
	return nil
}

// pointer resolves a name, with an optional +offset suffix applying
// wrapping arithmetic (e.g. "a+4").
func (in *interp) pointer(name string) (borrows.Pointer, error) {
	off := int64(0)
	if i := strings.IndexByte(name, '+'); i >= 0 {
		v, err := strconv.ParseInt(name[i+1:], 10, 64)
		if err != nil {
			return borrows.Pointer{}, fmt.Errorf("bad offset in %q", name)
		}
		name, off = name[:i], v
	}
	p, ok := in.ptrs[name]
	if !ok {
		return borrows.Pointer{}, fmt.Errorf("unknown pointer %q", name)
	}
	if off != 0 {
		return in.m.Offset(p, off, borrows.Wrapping)
	}
	return p, nil
}

// parseType parses a whitespace-tokenized prefix type expression:
//
//	u8 u16 u32 u64 i8 i16 i32 i64 bool
//	ref T      shared reference
//	refmut T   mutable reference
//	raw T      raw pointer
//	box T      owning pointer
//	cell T     UnsafeCell marker
func parseType(tokens []string) (borrows.Type, error) {
	ty, rest, err := parseTypeTokens(tokens)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing tokens after type: %v", rest)
	}
	return ty, nil
}

func parseTypeTokens(tokens []string) (borrows.Type, []string, error) {
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("missing type")
	}
	head, rest := tokens[0], tokens[1:]
	switch head {
	case "bool":
		return borrows.Bool{}, rest, nil
	case "u8", "u16", "u32", "u64", "i8", "i16", "i32", "i64":
		bits, _ := strconv.Atoi(head[1:])
		return borrows.Int{Bytes: uint64(bits / 8), Signed: head[0] == 'i'}, rest, nil
	case "ref", "refmut", "raw", "box", "cell":
		inner, rest, err := parseTypeTokens(rest)
		if err != nil {
			return nil, nil, err
		}
		switch head {
		case "ref":
			return borrows.Ref{Mut: false, Pointee: inner}, rest, nil
		case "refmut":
			return borrows.Ref{Mut: true, Pointee: inner}, rest, nil
		case "raw":
			return borrows.RawPtr{Pointee: inner}, rest, nil
		case "box":
			return borrows.Box{Pointee: inner}, rest, nil
		default:
			return borrows.Cell{Inner: inner}, rest, nil
		}
	default:
		return nil, nil, fmt.Errorf("unknown type %q", head)
	}
}
