// errors.go - Error taxonomy for the Chimera Engine execution pipeline

package main

import (
	"errors"
	"fmt"
)

// FaultKind identifies a guest-observable fault. Faults of these kinds are
// delivered to the guest as exceptions through its vector table; they are
// never host errors.
type FaultKind uint8

const (
	FAULT_NONE FaultKind = iota
	FAULT_PAGE
	FAULT_ALIGNMENT
	FAULT_UNKNOWN_OPCODE
	FAULT_PRIVILEGE
	FAULT_DIVIDE_BY_ZERO
	FAULT_BREAKPOINT
	FAULT_MISALIGNED_ATOMIC
)

func (k FaultKind) String() string {
	switch k {
	case FAULT_NONE:
		return "none"
	case FAULT_PAGE:
		return "page fault"
	case FAULT_ALIGNMENT:
		return "alignment fault"
	case FAULT_UNKNOWN_OPCODE:
		return "unknown opcode"
	case FAULT_PRIVILEGE:
		return "privilege violation"
	case FAULT_DIVIDE_BY_ZERO:
		return "divide by zero"
	case FAULT_BREAKPOINT:
		return "breakpoint"
	case FAULT_MISALIGNED_ATOMIC:
		return "misaligned atomic"
	default:
		return fmt.Sprintf("fault(%d)", uint8(k))
	}
}

// GuestFault is a guest-observable fault. It carries enough context for the
// dispatcher to deliver the exception exactly once and for diagnostics to
// name the faulting access.
type GuestFault struct {
	Kind   FaultKind
	Addr   GuestAddr // faulting guest address (0 when not address-related)
	PC     GuestAddr // guest PC at the fault
	Access AccessType
}

func (f *GuestFault) Error() string {
	if f.Addr != 0 {
		return fmt.Sprintf("%s at 0x%016X (pc=0x%016X, %s)", f.Kind, uint64(f.Addr), uint64(f.PC), f.Access)
	}
	return fmt.Sprintf("%s (pc=0x%016X)", f.Kind, uint64(f.PC))
}

// newFault builds a GuestFault for an address-related fault.
func newFault(kind FaultKind, addr, pc GuestAddr, access AccessType) *GuestFault {
	return &GuestFault{Kind: kind, Addr: addr, PC: pc, Access: access}
}

// AsGuestFault unwraps err to a *GuestFault if it is one.
func AsGuestFault(err error) (*GuestFault, bool) {
	var gf *GuestFault
	if errors.As(err, &gf) {
		return gf, true
	}
	return nil, false
}

// Recoverable host errors. The requester falls back to interpretation; the
// guest block remains executable.
var (
	ErrCompileFailed     = errors.New("compile failed")
	ErrCompileTimeout    = errors.New("compile timed out")
	ErrCompileCancelled  = errors.New("compile cancelled")
	ErrEvictionUnderLoad = errors.New("cache eviction under load")
)

// Resource errors. OutOfMemory surfaces to the caller; HeapCorruption is
// fatal to the whole machine.
var (
	ErrOutOfMemory    = errors.New("guest heap out of memory")
	ErrHeapCorruption = errors.New("guest heap corruption")
)

// Fatal errors. The affected vCPU aborts and a fatal status surfaces to the
// host embedder.
var (
	ErrInvariantViolated = errors.New("internal invariant violated")
	ErrBackendBug        = errors.New("backend emitted invalid code")
)

// Decoder errors that are not guest faults (construction-time misuse).
var (
	ErrBlockTerminated = errors.New("block already terminated")
	ErrImmediateRange  = errors.New("immediate out of range for format")
	ErrNoTerminator    = errors.New("block has no terminator")
)

// IsRecoverable reports whether err is a host-side error the dispatcher may
// absorb by degrading to the interpreter.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrCompileFailed) ||
		errors.Is(err, ErrCompileTimeout) ||
		errors.Is(err, ErrCompileCancelled) ||
		errors.Is(err, ErrEvictionUnderLoad)
}

// IsFatal reports whether err must terminate the machine.
func IsFatal(err error) bool {
	return errors.Is(err, ErrHeapCorruption) ||
		errors.Is(err, ErrInvariantViolated) ||
		errors.Is(err, ErrBackendBug)
}
