package vm

import (
	"errors"
	"fmt"
	"strings"
)

// FaultKind classifies an execution fault.
type FaultKind int

// Fault kinds.
const (
	FaultInvalidOpcode FaultKind = iota + 1
	FaultStackOverflow
	FaultStackUnderflow
	FaultOutOfBounds
	FaultInvalidJumpTarget
	FaultDivideByZero
	FaultUnhandledNativeCall
	FaultNativeCallFailed
)

// Fault sentinels. A *Fault unwraps to the sentinel of its kind.
var (
	ErrInvalidOpcode       = errors.New("invalid opcode")
	ErrStackOverflow       = errors.New("stack overflow")
	ErrStackUnderflow      = errors.New("stack underflow")
	ErrOutOfBoundsAccess   = errors.New("out of bounds access")
	ErrInvalidJumpTarget   = errors.New("invalid jump target")
	ErrDivideByZero        = errors.New("divide by zero")
	ErrUnhandledNativeCall = errors.New("unhandled native call")
	ErrNativeCallFailed    = errors.New("native call failed")
)

// String returns the fault kind name.
func (k FaultKind) String() string {
	switch k {
	case FaultInvalidOpcode:
		return "InvalidOpcode"
	case FaultStackOverflow:
		return "StackOverflow"
	case FaultStackUnderflow:
		return "StackUnderflow"
	case FaultOutOfBounds:
		return "OutOfBoundsAccess"
	case FaultInvalidJumpTarget:
		return "InvalidJumpTarget"
	case FaultDivideByZero:
		return "DivideByZero"
	case FaultUnhandledNativeCall:
		return "UnhandledNativeCall"
	case FaultNativeCallFailed:
		return "NativeCallFailed"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Sentinel returns the sentinel error for the kind.
func (k FaultKind) Sentinel() error {
	switch k {
	case FaultInvalidOpcode:
		return ErrInvalidOpcode
	case FaultStackOverflow:
		return ErrStackOverflow
	case FaultStackUnderflow:
		return ErrStackUnderflow
	case FaultOutOfBounds:
		return ErrOutOfBoundsAccess
	case FaultInvalidJumpTarget:
		return ErrInvalidJumpTarget
	case FaultDivideByZero:
		return ErrDivideByZero
	case FaultUnhandledNativeCall:
		return ErrUnhandledNativeCall
	case FaultNativeCallFailed:
		return ErrNativeCallFailed
	default:
		return nil
	}
}

// Fault is a terminal execution error. PC is the index of the faulting
// instruction; Location is its symbol-resolved form when a symbol covers it.
type Fault struct {
	Kind     FaultKind
	PC       Address
	Op       Opcode
	Location string
	Err      error
}

// Error formats the fault as "<kind> at 0x<pc> (<location>): <detail>".
func (f *Fault) Error() string {
	var b strings.Builder
	if s := f.Kind.Sentinel(); s != nil {
		b.WriteString(s.Error())
	} else {
		b.WriteString(f.Kind.String())
	}
	fmt.Fprintf(&b, " at 0x%08x", f.PC)
	if f.Location != "" {
		fmt.Fprintf(&b, " (%s)", f.Location)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

// Unwrap returns the kind's sentinel and the underlying cause.
func (f *Fault) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := f.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// AsFault extracts a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// faultf builds an unresolved fault; the interpreter fills PC and Location.
func faultf(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}
