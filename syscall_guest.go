// syscall_guest.go - Minimal guest syscall surface reached from Interrupt exits

package main

import (
	"fmt"
	"io"
)

// Interrupt vectors with fixed meaning to the execution pipeline. Everything
// else routes through the interrupt controller to guest handlers.
const (
	IRQ_VECTOR_SYSCALL uint32 = 0x80
	IRQ_VECTOR_HALT    uint32 = 0x81
)

// Guest syscall numbers, shared across guest ISAs (the loader's runtime
// stubs use these regardless of architecture).
const (
	SYS_EXIT  = 93
	SYS_WRITE = 64
	SYS_BRK   = 214
)

// syscallABI describes where a guest ISA passes the syscall number and
// arguments.
type syscallABI struct {
	nrReg   int
	argRegs [3]int
	retReg  int
}

func abiFor(arch Arch) syscallABI {
	switch arch {
	case ARCH_RISCV64:
		return syscallABI{nrReg: 17, argRegs: [3]int{10, 11, 12}, retReg: 10} // a7; a0-a2
	case ARCH_ARM64:
		return syscallABI{nrReg: 8, argRegs: [3]int{0, 1, 2}, retReg: 0} // x8; x0-x2
	default:
		return syscallABI{nrReg: 0, argRegs: [3]int{7, 6, 2}, retReg: 0} // rax; rdi,rsi,rdx
	}
}

// SyscallHandler services guest syscalls against the MMU and an output
// stream. It is deliberately small: enough to run user-level test programs
// (exit, console write, heap grow).
type SyscallHandler struct {
	abi  syscallABI
	out  io.Writer
	brk  GuestAddr
	brk0 GuestAddr
	log  *VMLogger
}

func NewSyscallHandler(arch Arch, out io.Writer, heapBase GuestAddr, log *VMLogger) *SyscallHandler {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = nopLogger
	}
	return &SyscallHandler{abi: abiFor(arch), out: out, brk: heapBase, brk0: heapBase, log: log}
}

// Handle services one syscall. Returns (halt, error): halt set for SYS_EXIT.
func (h *SyscallHandler) Handle(state *VCPUState, mmu *MMU) (bool, error) {
	nr := state.Regs[h.abi.nrReg]
	a0 := state.Regs[h.abi.argRegs[0]]
	a1 := state.Regs[h.abi.argRegs[1]]
	a2 := state.Regs[h.abi.argRegs[2]]

	switch nr {
	case SYS_EXIT:
		state.Halted = true
		state.Regs[h.abi.retReg] = a0
		h.log.Debugf("syscall", "exit(%d)", a0)
		return true, nil

	case SYS_WRITE:
		n := int(a2)
		if n > 1<<20 {
			n = 1 << 20
		}
		buf := make([]byte, 0, n)
		for i := 0; i < n; i++ {
			v, fault := mmu.Load(state, GuestAddr(a1)+GuestAddr(i), 1, 0)
			if fault != nil {
				state.Regs[h.abi.retReg] = ^uint64(0)
				return false, fault
			}
			buf = append(buf, byte(v))
		}
		written, err := h.out.Write(buf)
		if err != nil {
			state.Regs[h.abi.retReg] = ^uint64(0)
			return false, nil
		}
		state.Regs[h.abi.retReg] = uint64(written)
		return false, nil

	case SYS_BRK:
		if a0 == 0 {
			state.Regs[h.abi.retReg] = uint64(h.brk)
			return false, nil
		}
		if GuestAddr(a0) >= h.brk0 {
			h.brk = GuestAddr(a0)
		}
		state.Regs[h.abi.retReg] = uint64(h.brk)
		return false, nil

	default:
		h.log.Warnf("syscall", "unimplemented syscall %d", nr)
		state.Regs[h.abi.retReg] = ^uint64(0) // -ENOSYS shape
		return false, fmt.Errorf("unimplemented syscall %d", nr)
	}
}
