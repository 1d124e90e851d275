// Package diag defines the single error taxonomy of the borrow
// monitor: undefined behavior.
//
// Every violation the checker can detect is definitionally a violation
// of the monitored language's soundness contract, so there is exactly
// one error kind and it is always fatal to the monitored run. The
// error carries everything a report needs for diagnosis: the reason,
// the operation that tripped it, the offending location, the tag the
// pointer carried and a snapshot of the location's permission stack as
// the checker observed it.
package diag

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
)

// ErrUndefinedBehavior is the sentinel all monitor errors wrap, so
// hosts can classify with errors.Is without depending on the concrete
// type.
var ErrUndefinedBehavior = errors.New("undefined behavior")

// Location names a byte of monitored memory: an allocation id and an
// offset into it. Offset is meaningful only when HasLocation is set on
// the error; not every violation has one (e.g. a call-scoping error).
type Location struct {
	Alloc  uint64
	Offset uint64
}

// String renders the location the way reports print it.
func (l Location) String() string {
	return fmt.Sprintf("alloc%d+%d", l.Alloc, l.Offset)
}

// Error is the undefined-behavior diagnostic.
//
// Construct with New, then attach context with At, Tagged and
// Observing as it propagates outward; each returns the receiver so
// calls chain. Fields are exported for report consumers.
type Error struct {
	// Reason is the human-readable violation description, e.g.
	// "tag not found on stack".
	Reason string

	// Op names the monitored operation in flight ("write", "retag", ...).
	Op string

	// Loc is the offending byte, valid when HasLocation is set.
	Loc         Location
	HasLocation bool

	// Tag renders the tag the offending pointer carried, when known.
	Tag string

	// Stack renders the location's permission stack as observed at
	// failure time, e.g. "[Uniq(1) Raw] frozen@3".
	Stack string

	// callers holds the host Go call stack captured at construction,
	// for the verbose report form.
	callers []uintptr
}

// New builds an undefined-behavior error for the given operation.
//
// The host Go call stack is captured here, off the checker's hot path
// (errors only exist once a violation is already certain).
func New(op, reason string) *Error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	return &Error{Reason: reason, Op: op, callers: pcs[:n]}
}

// Newf is New with a formatted reason.
func Newf(op, format string, args ...interface{}) *Error {
	e := New(op, fmt.Sprintf(format, args...))
	// Drop the extra Newf frame from the captured stack.
	if len(e.callers) > 0 {
		e.callers = e.callers[1:]
	}
	return e
}

// At attaches the offending location.
func (e *Error) At(alloc, offset uint64) *Error {
	e.Loc = Location{Alloc: alloc, Offset: offset}
	e.HasLocation = true
	return e
}

// Tagged attaches the rendering of the offending pointer's tag.
func (e *Error) Tagged(tag fmt.Stringer) *Error {
	e.Tag = tag.String()
	return e
}

// Observing attaches the rendering of the permission stack the checker
// saw when it failed.
func (e *Error) Observing(stack fmt.Stringer) *Error {
	e.Stack = stack.String()
	return e
}

// Error implements the error interface with a one-line summary.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("undefined behavior: ")
	b.WriteString(e.Reason)
	if e.Op != "" {
		b.WriteString(" (during ")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.HasLocation {
		b.WriteString(" at ")
		b.WriteString(e.Loc.String())
	}
	if e.Tag != "" {
		b.WriteString(" via ")
		b.WriteString(e.Tag)
	}
	return b.String()
}

// Unwrap makes errors.Is(err, ErrUndefinedBehavior) hold.
func (e *Error) Unwrap() error {
	return ErrUndefinedBehavior
}

// Format writes the banner-style report for this violation.
//
// Output:
//
//	==================
//	WARNING: UNDEFINED BEHAVIOR
//	Operation: write
//	Reason:    tag not found on stack
//	Location:  alloc1+0
//	Tag:       Alias(2)
//	Stack:     [Uniq(1)]
//	==================
func (e *Error) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "WARNING: UNDEFINED BEHAVIOR\n")
	fmt.Fprintf(w, "Operation: %s\n", e.Op)
	fmt.Fprintf(w, "Reason:    %s\n", e.Reason)
	if e.HasLocation {
		fmt.Fprintf(w, "Location:  %s\n", e.Loc)
	}
	if e.Tag != "" {
		fmt.Fprintf(w, "Tag:       %s\n", e.Tag)
	}
	if e.Stack != "" {
		fmt.Fprintf(w, "Stack:     %s\n", e.Stack)
	}
	fmt.Fprintf(w, "==================\n")
}

// FormatVerbose is Format plus the host Go frames active when the
// violation was constructed, for debugging the embedding interpreter.
func (e *Error) FormatVerbose(w io.Writer) {
	e.Format(w)
	if len(e.callers) == 0 {
		return
	}
	fmt.Fprintf(w, "Host frames:\n")
	frames := runtime.CallersFrames(e.callers)
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(w, "  %s()\n      %s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
}

// AsError extracts the *Error from an error chain, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
