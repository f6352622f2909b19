// jit_backend_riscv64.go - RISC-V 64 host code emission

package main

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// RV64Backend emits RV64I code. The vCPU state pointer arrives in a0; t0-t2
// are scratch. Exit slots are single JAL words patched atomically.
type RV64Backend struct {
	spillBase uint32
	pcOffset  uint32
}

func NewRV64Backend() *RV64Backend {
	spill, pc := vcpuLayout()
	return &RV64Backend{spillBase: spill, pcOffset: pc}
}

func (be *RV64Backend) Arch() Arch { return ARCH_RISCV64 }

func (be *RV64Backend) slotDisp(r VReg) (int32, error) {
	if r.IsGuest() {
		return int32(8 * uint32(r)), nil
	}
	t := uint32(r) - uint32(VREG_TEMP0)
	if t >= 16 {
		return 0, fmt.Errorf("%w: temporary v%d exceeds spill area", ErrCompileFailed, r)
	}
	return int32(be.spillBase + 8*t), nil
}

// Host register numbers.
const (
	rvA0 = 10
	rvT0 = 5
	rvT1 = 6
	rvT2 = 7
)

// ldSlot emits `ld t, disp(a0)`.
func (be *RV64Backend) ldSlot(c *codeBuf, rt uint32, disp int32) {
	c.u32(EncodeLD(rt, rvA0, disp))
}

// sdSlot emits `sd t, disp(a0)`.
func (be *RV64Backend) sdSlot(c *codeBuf, rt uint32, disp int32) {
	c.u32(EncodeSD(rvA0, rt, disp))
}

// movImm64 materialises an immediate with LUI/ADDI pairs; large values fall
// back to shift-and-or composition.
func (be *RV64Backend) movImm64(c *codeBuf, rd uint32, imm uint64) {
	if int64(imm) >= -(1<<31) && int64(imm) < 1<<31 {
		v := uint32(imm)
		upper := (v + 0x800) >> 12
		lower := int32(v) - int32(upper<<12)
		c.u32(EncodeLUI(rd, upper&0xFFFFF))
		c.u32(EncodeADDI(rd, rd, lower))
		return
	}
	// Compose: high word, shift 32, or in low word via temporary.
	be.movImm64(c, rd, imm>>32)
	c.u32(EncodeRV64IType(0x13, rd, 0x1, rd, 32)) // slli rd, rd, 32
	be.movImm64(c, rvT2, imm&0xFFFFFFFF)
	c.u32(EncodeRV64RType(0x33, rd, 0x6, rd, rvT2, 0x00)) // or
}

func (be *RV64Backend) Emit(block *IRBlock) (*CompiledCode, error) {
	c := &codeBuf{b: make([]byte, 0, 64+len(block.Ops)*16)}
	var patches []PatchPoint

	for i := range block.Ops {
		if err := be.emitOp(c, &block.Ops[i]); err != nil {
			return nil, err
		}
	}

	emitExit := func(kind PatchPointKind, target GuestAddr) {
		be.movImm64(c, rvT0, uint64(target))
		be.sdSlot(c, rvT0, int32(be.pcOffset))
		patches = append(patches, PatchPoint{Kind: kind, Offset: c.off(), TargetPC: target})
		c.u32(EncodeJAL(0, 4))     // jal x0, +4: fallthrough until chained
		c.u32(EncodeJALR(0, 1, 0)) // ret (jalr x0, ra, 0)
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
		be.ldSlot(c, rvT0, lhs)
		be.ldSlot(c, rvT1, rhs)
		// Branch over the fallthrough exit when the condition holds;
		// displacement fixed once the fallthrough length is known.
		brAt := c.off()
		c.u32(0)
		emitExit(PATCH_COND_FALLTHROUGH, t.TargetFalse)
		delta := int32(c.off() - brAt)
		funct3, swap := rvCondFunct3(t.Cond)
		rs1, rs2 := uint32(rvT0), uint32(rvT1)
		if swap {
			rs1, rs2 = rs2, rs1
		}
		putU32(c.b, brAt, EncodeBranch(funct3, rs1, rs2, delta))
		emitExit(PATCH_COND_TAKEN, t.Target)
	case TERM_JMP_REG:
		disp, err := be.slotDisp(t.Reg)
		if err != nil {
			return nil, err
		}
		be.ldSlot(c, rvT0, disp)
		be.sdSlot(c, rvT0, int32(be.pcOffset))
		c.u32(EncodeJALR(0, 1, 0))
	default:
		c.u32(EncodeJALR(0, 1, 0))
	}

	return &CompiledCode{
		Bytes:       c.bytes(),
		EntryOffset: 0,
		Size:        c.off(),
		PatchPoints: patches,
		Run:         CompileThunk(block),
	}, nil
}

// rvCondFunct3 maps a CondCode to a branch funct3, swapping operands where
// RV64 only encodes one direction.
func rvCondFunct3(cond CondCode) (funct3 uint32, swap bool) {
	switch cond {
	case COND_EQ:
		return 0x0, false
	case COND_NE:
		return 0x1, false
	case COND_LT:
		return 0x4, false
	case COND_GE:
		return 0x5, false
	case COND_GT:
		return 0x4, true // a > b == b < a
	case COND_LE:
		return 0x5, true // a <= b == b >= a
	case COND_LTU:
		return 0x6, false
	default:
		return 0x7, false // GEU
	}
}

func (be *RV64Backend) emitOp(c *codeBuf, op *IROp) error {
	bin := func(funct3, funct7 uint32) error {
		d1, err := be.slotDisp(op.Src1)
		if err != nil {
			return err
		}
		d2, err := be.slotDisp(op.Src2)
		if err != nil {
			return err
		}
		dd, err := be.slotDisp(op.Dst)
		if err != nil {
			return err
		}
		be.ldSlot(c, rvT0, d1)
		be.ldSlot(c, rvT1, d2)
		c.u32(EncodeRV64RType(0x33, rvT0, funct3, rvT0, rvT1, funct7))
		be.sdSlot(c, rvT0, dd)
		return nil
	}

	switch op.Kind {
	case OP_NOP:
		c.u32(EncodeADDI(0, 0, 0))
		return nil
	case OP_FENCE:
		c.u32(0x0FF0000F) // fence iorw, iorw
		return nil
	case OP_MOV_IMM:
		dd, err := be.slotDisp(op.Dst)
		if err != nil {
			return err
		}
		be.movImm64(c, rvT0, uint64(op.Imm))
		be.sdSlot(c, rvT0, dd)
		return nil
	case OP_MOV:
		d1, err := be.slotDisp(op.Src1)
		if err != nil {
			return err
		}
		dd, err := be.slotDisp(op.Dst)
		if err != nil {
			return err
		}
		be.ldSlot(c, rvT0, d1)
		be.sdSlot(c, rvT0, dd)
		return nil
	case OP_ADD:
		return bin(0x0, 0x00)
	case OP_SUB:
		return bin(0x0, 0x20)
	case OP_MUL:
		return bin(0x0, 0x01)
	case OP_DIV_S:
		return bin(0x4, 0x01)
	case OP_DIV_U:
		return bin(0x5, 0x01)
	case OP_REM_S:
		return bin(0x6, 0x01)
	case OP_REM_U:
		return bin(0x7, 0x01)
	case OP_AND:
		return bin(0x7, 0x00)
	case OP_OR:
		return bin(0x6, 0x00)
	case OP_XOR:
		return bin(0x4, 0x00)
	case OP_SHL:
		return bin(0x1, 0x00)
	case OP_SHR:
		return bin(0x5, 0x00)
	case OP_SAR:
		return bin(0x5, 0x20)
	case OP_ADD_IMM, OP_AND_IMM, OP_OR_IMM, OP_XOR_IMM,
		OP_SHL_IMM, OP_SHR_IMM, OP_SAR_IMM:
		d1, err := be.slotDisp(op.Src1)
		if err != nil {
			return err
		}
		dd, err := be.slotDisp(op.Dst)
		if err != nil {
			return err
		}
		be.ldSlot(c, rvT0, d1)
		be.movImm64(c, rvT1, uint64(op.Imm))
		var funct3, funct7 uint32
		switch op.Kind {
		case OP_ADD_IMM:
			funct3 = 0x0
		case OP_AND_IMM:
			funct3 = 0x7
		case OP_OR_IMM:
			funct3 = 0x6
		case OP_XOR_IMM:
			funct3 = 0x4
		case OP_SHL_IMM:
			funct3 = 0x1
		case OP_SHR_IMM:
			funct3 = 0x5
		default:
			funct3, funct7 = 0x5, 0x20
		}
		c.u32(EncodeRV64RType(0x33, rvT0, funct3, rvT0, rvT1, funct7))
		be.sdSlot(c, rvT0, dd)
		return nil
	case OP_CMP_SET, OP_SEXT, OP_ZEXT, OP_LOAD, OP_LOAD_FUSED, OP_STORE:
		// Helper-call placeholder; bound at install when native entry is
		// enabled.
		c.u32(EncodeJAL(1, 0))
		return nil
	default:
		return fmt.Errorf("%w: riscv64 backend cannot emit %s", ErrCompileFailed, op.Kind)
	}
}

// PatchJump replaces the slot's `jal x0, +4` with a direct jump to target.
func (be *RV64Backend) PatchJump(code []byte, pp PatchPoint, target uintptr) error {
	if int(pp.Offset)+4 > len(code) || pp.Offset%4 != 0 {
		return fmt.Errorf("%w: bad patch offset %d", ErrBackendBug, pp.Offset)
	}
	base := uintptr(unsafe.Pointer(&code[0]))
	delta := int64(target) - int64(base+uintptr(pp.Offset))
	if delta%2 != 0 || delta < -(1<<20) || delta >= 1<<20 {
		return fmt.Errorf("%w: chain displacement out of JAL range", ErrCompileFailed)
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&code[pp.Offset])), EncodeJAL(0, int32(delta)))
	return nil
}

// UnpatchJump restores the fallthrough `jal x0, +4`.
func (be *RV64Backend) UnpatchJump(code []byte, pp PatchPoint) error {
	if int(pp.Offset)+4 > len(code) || pp.Offset%4 != 0 {
		return fmt.Errorf("%w: bad patch offset %d", ErrBackendBug, pp.Offset)
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&code[pp.Offset])), EncodeJAL(0, 4))
	return nil
}
