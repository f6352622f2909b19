// vcpu_state.go - Architectural vCPU state shared by interpreter and JIT tiers

package main

import "sync/atomic"

// Privilege levels for the guest. Ring-0 emulation is best-effort; the
// pipeline only distinguishes user from supervisor for permission checks.
type PrivMode uint8

const (
	MODE_USER PrivMode = iota
	MODE_SUPERVISOR
)

// VCPUState is the architectural state of one virtual CPU. Compiled code
// reads and writes guest state only through this layout; the spill area is
// the register allocator's save slot region.
//
// A VCPUState is owned by exactly one scheduler worker at a time; ownership
// transfers through the run-queue protocol. The pending-interrupt mask is the
// only field touched cross-thread, hence atomic.
type VCPUState struct {
	Regs [32]uint64 // architectural GPRs (count per guest arch; rest unused)
	PC   GuestAddr
	SP   uint64

	Mode  PrivMode
	ASID  uint16
	Flags uint64 // guest condition flags, layout per guest ISA

	RootPT GuestPhysAddr // root page-table address used by the walker

	PendingIRQ atomic.Uint64 // bit n set = interrupt vector n deliverable
	IRQMask    uint64        // bit n set = vector n masked

	Halted bool

	// Spill is the save area linear-scan register allocation spills into.
	Spill [16]uint64

	// Accounting, maintained by the dispatcher.
	BlocksExecuted uint64
	InsnsRetired   uint64
}

// NewVCPUState returns a reset vCPU for the given guest architecture.
func NewVCPUState(arch Arch) *VCPUState {
	_ = arch.RegisterCount()
	return &VCPUState{Mode: MODE_USER}
}

// RaiseIRQ marks vector vec deliverable. Safe from any thread (devices raise
// interrupts from their own goroutines).
func (s *VCPUState) RaiseIRQ(vec uint) {
	if vec >= 64 {
		return
	}
	for {
		old := s.PendingIRQ.Load()
		if s.PendingIRQ.CompareAndSwap(old, old|(1<<vec)) {
			return
		}
	}
}

// TakeIRQ returns the lowest deliverable unmasked vector and clears it, or
// (0, false) when nothing is deliverable.
func (s *VCPUState) TakeIRQ() (uint, bool) {
	for {
		old := s.PendingIRQ.Load()
		avail := old &^ s.IRQMask
		if avail == 0 {
			return 0, false
		}
		vec := uint(0)
		for avail&1 == 0 {
			avail >>= 1
			vec++
		}
		if s.PendingIRQ.CompareAndSwap(old, old&^(1<<vec)) {
			return vec, true
		}
	}
}

// Snapshot copies the architectural state (not the pending-interrupt mask,
// which is transient) for snapshotting and debugger reads.
func (s *VCPUState) Snapshot() VCPUState {
	out := VCPUState{
		Regs:           s.Regs,
		PC:             s.PC,
		SP:             s.SP,
		Mode:           s.Mode,
		ASID:           s.ASID,
		Flags:          s.Flags,
		RootPT:         s.RootPT,
		IRQMask:        s.IRQMask,
		Halted:         s.Halted,
		Spill:          s.Spill,
		BlocksExecuted: s.BlocksExecuted,
		InsnsRetired:   s.InsnsRetired,
	}
	return out
}

// Restore loads the architectural state from a snapshot.
func (s *VCPUState) Restore(snap *VCPUState) {
	s.Regs = snap.Regs
	s.PC = snap.PC
	s.SP = snap.SP
	s.Mode = snap.Mode
	s.ASID = snap.ASID
	s.Flags = snap.Flags
	s.RootPT = snap.RootPT
	s.IRQMask = snap.IRQMask
	s.Halted = snap.Halted
	s.Spill = snap.Spill
}
