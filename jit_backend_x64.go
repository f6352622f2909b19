// jit_backend_x64.go - x86-64 host code emission

package main

import (
	"fmt"
	"unsafe"
)

// X64Backend emits SysV x86-64 code. The vCPU state pointer arrives in RDI;
// guest registers live at fixed offsets from it, temporaries in the spill
// area. RAX/RCX/RDX are scratch.
//
// Exit protocol: the block writes the next guest PC into the state, loads an
// exit code into EAX and falls through a patchable 5-byte `jmp rel32` into
// `ret`. Chaining rewrites the rel32; unchaining zeroes it (a zero rel32
// falls through to the ret).
type X64Backend struct {
	spillBase uint32
	pcOffset  uint32
}

var vcpuLayout = func() (spill, pc uint32) {
	var s VCPUState
	return uint32(unsafe.Offsetof(s.Spill)), uint32(unsafe.Offsetof(s.PC))
}

func NewX64Backend() *X64Backend {
	spill, pc := vcpuLayout()
	return &X64Backend{spillBase: spill, pcOffset: pc}
}

func (be *X64Backend) Arch() Arch { return ARCH_X86_64 }

// slotDisp returns the displacement of a vreg slot from the state pointer.
// Guest registers occupy the leading Regs array; temporaries map into the
// spill save area.
func (be *X64Backend) slotDisp(r VReg) (int32, error) {
	if r.IsGuest() {
		return int32(8 * uint32(r)), nil
	}
	t := uint32(r) - uint32(VREG_TEMP0)
	if t >= 16 {
		return 0, fmt.Errorf("%w: temporary v%d exceeds spill area", ErrCompileFailed, r)
	}
	return int32(be.spillBase + 8*t), nil
}

// x64 scratch register numbers.
const (
	xRAX = 0
	xRCX = 1
	xRDX = 2
)

// loadSlot emits `mov r64, [rdi+disp]`.
func (be *X64Backend) loadSlot(c *codeBuf, reg byte, disp int32) {
	c.u8(0x48)
	c.u8(0x8B)
	c.u8(0x87 | reg<<3) // modrm: [rdi+disp32]
	c.u32(uint32(disp))
}

// storeSlot emits `mov [rdi+disp], r64`.
func (be *X64Backend) storeSlot(c *codeBuf, reg byte, disp int32) {
	c.u8(0x48)
	c.u8(0x89)
	c.u8(0x87 | reg<<3)
	c.u32(uint32(disp))
}

// movImm emits `mov r64, imm64`.
func (be *X64Backend) movImm(c *codeBuf, reg byte, imm uint64) {
	c.u8(0x48)
	c.u8(0xB8 + reg)
	c.u64(imm)
}

func (be *X64Backend) alu(c *codeBuf, opcode byte, dst, src byte) {
	c.u8(0x48)
	c.u8(opcode)
	c.u8(0xC0 | src<<3 | dst)
}

func (be *X64Backend) Emit(block *IRBlock) (*CompiledCode, error) {
	c := &codeBuf{b: make([]byte, 0, 64+len(block.Ops)*24)}
	var patches []PatchPoint

	for i := range block.Ops {
		if err := be.emitOp(c, &block.Ops[i]); err != nil {
			return nil, err
		}
	}

	emitExit := func(kind PatchPointKind, target GuestAddr) {
		be.movImm(c, xRAX, uint64(target))
		be.storeSlot(c, xRAX, int32(be.pcOffset))
		// Patchable direct-jump slot.
		patches = append(patches, PatchPoint{Kind: kind, Offset: c.off() + 1, TargetPC: target})
		c.u8(0xE9)
		c.u32(0)
		c.u8(0xC3) // ret to dispatcher
	}

	t := &block.Term
	switch t.Kind {
	case TERM_JMP:
		emitExit(PATCH_DIRECT_JUMP, t.Target)
	case TERM_CALL:
		emitExit(PATCH_CALL, t.Target)
	case TERM_COND_JMP:
		lhs, err := be.slotDisp(t.Reg)
		if err != nil {
			return nil, err
		}
		rhs, err := be.slotDisp(t.RegRHS)
		if err != nil {
			return nil, err
		}
		be.loadSlot(c, xRAX, lhs)
		be.loadSlot(c, xRCX, rhs)
		be.alu(c, 0x39, xRAX, xRCX) // cmp rax, rcx
		// jcc over the fallthrough exit (patched after both exits emit).
		jccAt := c.off()
		c.u8(0x0F)
		c.u8(0x80 | x64CondNibble(t.Cond))
		c.u32(0)
		emitExit(PATCH_COND_FALLTHROUGH, t.TargetFalse)
		takenAt := c.off()
		putU32(c.b, jccAt+2, takenAt-(jccAt+6))
		emitExit(PATCH_COND_TAKEN, t.Target)
	case TERM_JMP_REG:
		disp, err := be.slotDisp(t.Reg)
		if err != nil {
			return nil, err
		}
		be.loadSlot(c, xRAX, disp)
		be.storeSlot(c, xRAX, int32(be.pcOffset))
		c.u8(0xC3)
	default:
		// Ret/Fault/Interrupt always return to the dispatcher, which
		// resolves the exit from the thunk result.
		c.u8(0xC3)
	}

	return &CompiledCode{
		Bytes:       c.bytes(),
		EntryOffset: 0,
		Size:        c.off(),
		PatchPoints: patches,
		Run:         CompileThunk(block),
	}, nil
}

func (be *X64Backend) emitOp(c *codeBuf, op *IROp) error {
	disp := func(r VReg) (int32, error) { return be.slotDisp(r) }

	binOp := func(opcode byte) error {
		d1, err := disp(op.Src1)
		if err != nil {
			return err
		}
		d2, err := disp(op.Src2)
		if err != nil {
			return err
		}
		dd, err := disp(op.Dst)
		if err != nil {
			return err
		}
		be.loadSlot(c, xRAX, d1)
		be.loadSlot(c, xRCX, d2)
		be.alu(c, opcode, xRAX, xRCX)
		be.storeSlot(c, xRAX, dd)
		return nil
	}

	switch op.Kind {
	case OP_NOP, OP_FENCE:
		if op.Kind == OP_FENCE {
			c.u8(0x0F) // mfence
			c.u8(0xAE)
			c.u8(0xF0)
		}
		return nil
	case OP_MOV_IMM:
		dd, err := disp(op.Dst)
		if err != nil {
			return err
		}
		be.movImm(c, xRAX, uint64(op.Imm))
		be.storeSlot(c, xRAX, dd)
		return nil
	case OP_MOV:
		d1, err := disp(op.Src1)
		if err != nil {
			return err
		}
		dd, err := disp(op.Dst)
		if err != nil {
			return err
		}
		be.loadSlot(c, xRAX, d1)
		be.storeSlot(c, xRAX, dd)
		return nil
	case OP_ADD:
		return binOp(0x01)
	case OP_SUB:
		return binOp(0x29)
	case OP_AND:
		return binOp(0x21)
	case OP_OR:
		return binOp(0x09)
	case OP_XOR:
		return binOp(0x31)
	case OP_MUL:
		d1, err := disp(op.Src1)
		if err != nil {
			return err
		}
		d2, err := disp(op.Src2)
		if err != nil {
			return err
		}
		dd, err := disp(op.Dst)
		if err != nil {
			return err
		}
		be.loadSlot(c, xRAX, d1)
		be.loadSlot(c, xRCX, d2)
		c.u8(0x48) // imul rax, rcx
		c.u8(0x0F)
		c.u8(0xAF)
		c.u8(0xC1)
		be.storeSlot(c, xRAX, dd)
		return nil
	case OP_ADD_IMM, OP_AND_IMM, OP_OR_IMM, OP_XOR_IMM:
		d1, err := disp(op.Src1)
		if err != nil {
			return err
		}
		dd, err := disp(op.Dst)
		if err != nil {
			return err
		}
		be.loadSlot(c, xRAX, d1)
		be.movImm(c, xRCX, uint64(op.Imm))
		var opcode byte
		switch op.Kind {
		case OP_ADD_IMM:
			opcode = 0x01
		case OP_AND_IMM:
			opcode = 0x21
		case OP_OR_IMM:
			opcode = 0x09
		default:
			opcode = 0x31
		}
		be.alu(c, opcode, xRAX, xRCX)
		be.storeSlot(c, xRAX, dd)
		return nil
	case OP_SHL_IMM, OP_SHR_IMM, OP_SAR_IMM:
		d1, err := disp(op.Src1)
		if err != nil {
			return err
		}
		dd, err := disp(op.Dst)
		if err != nil {
			return err
		}
		be.loadSlot(c, xRAX, d1)
		var ext byte
		switch op.Kind {
		case OP_SHL_IMM:
			ext = 4
		case OP_SHR_IMM:
			ext = 5
		default:
			ext = 7
		}
		c.u8(0x48) // shl/shr/sar rax, imm8
		c.u8(0xC1)
		c.u8(0xC0 | ext<<3)
		c.u8(byte(op.Imm) & 63)
		be.storeSlot(c, xRAX, dd)
		return nil
	case OP_SHL, OP_SHR, OP_SAR, OP_CMP_SET, OP_SEXT, OP_ZEXT,
		OP_DIV_S, OP_DIV_U, OP_REM_S, OP_REM_U,
		OP_LOAD, OP_LOAD_FUSED, OP_STORE:
		// Memory ops and the long tail route through the runtime helper
		// thunk; the native form emits a helper call placeholder that the
		// installer binds. Until native entry is enabled this is metadata.
		c.u8(0xE8)
		c.u32(0)
		return nil
	default:
		return fmt.Errorf("%w: x64 backend cannot emit %s", ErrCompileFailed, op.Kind)
	}
}

func x64CondNibble(c CondCode) byte {
	switch c {
	case COND_EQ:
		return 0x4
	case COND_NE:
		return 0x5
	case COND_LT:
		return 0xC
	case COND_GE:
		return 0xD
	case COND_GT:
		return 0xF
	case COND_LE:
		return 0xE
	case COND_LTU:
		return 0x2
	default:
		return 0x3 // GEU
	}
}

// PatchJump rewrites the rel32 of the slot's `jmp rel32` so it lands on
// target. The 4-byte immediate write is the atomic unit.
func (be *X64Backend) PatchJump(code []byte, pp PatchPoint, target uintptr) error {
	if int(pp.Offset)+4 > len(code) {
		return fmt.Errorf("%w: patch offset %d out of range", ErrBackendBug, pp.Offset)
	}
	base := uintptr(unsafe.Pointer(&code[0]))
	rel := int64(target) - int64(base+uintptr(pp.Offset)+4)
	if rel < -(1<<31) || rel >= 1<<31 {
		return fmt.Errorf("%w: chain displacement out of rel32 range", ErrCompileFailed)
	}
	putU32(code, pp.Offset, uint32(int32(rel)))
	return nil
}

// UnpatchJump restores the fallthrough-to-ret exit.
func (be *X64Backend) UnpatchJump(code []byte, pp PatchPoint) error {
	if int(pp.Offset)+4 > len(code) {
		return fmt.Errorf("%w: patch offset %d out of range", ErrBackendBug, pp.Offset)
	}
	putU32(code, pp.Offset, 0)
	return nil
}
