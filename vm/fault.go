package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

// FaultCode identifies why a machine stopped abnormally.
type FaultCode uint8

const (
	FaultUnreachable FaultCode = iota + 1
	FaultStackOverflow
	FaultStackUnderflow
	FaultDivisionByZero
	FaultTypeMismatch
	FaultOutOfBounds
	FaultUnexpectedEndOfCode
	FaultInvalidOpcode
	FaultOutOfMemory
	FaultInvalidSizeClass
	FaultStaleReference
	FaultStepLimitExceeded
	FaultCancelled
)

// String implements the Stringer interface.
func (c FaultCode) String() string {
	switch c {
	case FaultUnreachable:
		return "Unreachable"
	case FaultStackOverflow:
		return "StackOverflow"
	case FaultStackUnderflow:
		return "StackUnderflow"
	case FaultDivisionByZero:
		return "DivisionByZero"
	case FaultTypeMismatch:
		return "TypeMismatch"
	case FaultOutOfBounds:
		return "OutOfBounds"
	case FaultUnexpectedEndOfCode:
		return "UnexpectedEndOfCode"
	case FaultInvalidOpcode:
		return "InvalidOpcode"
	case FaultOutOfMemory:
		return "OutOfMemory"
	case FaultInvalidSizeClass:
		return "InvalidSizeClass"
	case FaultStaleReference:
		return "StaleReference"
	case FaultStepLimitExceeded:
		return "StepLimitExceeded"
	case FaultCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("FAULT_%d", uint8(c))
	}
}

// Fault is the terminal outcome of a machine that stopped abnormally. It is
// returned as the error from Execute and retained on the machine; faults are
// values, never panics.
type Fault struct {
	Code   FaultCode
	Offset int    // code offset of the faulting instruction
	Detail string // optional context (operand indices, limits)

	err error // wrapped cause, if any
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("fault at %04d: %s: %s", f.Offset, f.Code, f.Detail)
	}
	return fmt.Sprintf("fault at %04d: %s", f.Offset, f.Code)
}

// Unwrap returns the underlying cause: a heap error for allocation and
// reference faults, the context error for Cancelled, nil otherwise.
func (f *Fault) Unwrap() error {
	return f.err
}

// IsFault reports whether err is (or wraps) a Fault with the given code.
func IsFault(err error, code FaultCode) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == code
}
