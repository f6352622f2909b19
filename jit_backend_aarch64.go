// jit_backend_arm64.go - AArch64 host code emission

package main

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ARM64Backend emits A64 code. The vCPU state pointer arrives in X0; X9-X11
// are scratch. Exit slots are single B instructions patched as whole
// instruction words (the architectural atomic patch unit, followed by an
// i-cache flush on real installs).
type ARM64Backend struct {
	spillBase uint32
	pcOffset  uint32
}

func NewARM64Backend() *ARM64Backend {
	spill, pc := vcpuLayout()
	return &ARM64Backend{spillBase: spill, pcOffset: pc}
}

func (be *ARM64Backend) Arch() Arch { return ARCH_ARM64 }

func (be *ARM64Backend) slotDisp(r VReg) (uint32, error) {
	if r.IsGuest() {
		return 8 * uint32(r), nil
	}
	t := uint32(r) - uint32(VREG_TEMP0)
	if t >= 16 {
		return 0, fmt.Errorf("%w: temporary v%d exceeds spill area", ErrCompileFailed, r)
	}
	return be.spillBase + 8*t, nil
}

const (
	aX9  = 9
	aX10 = 10
)

// ldrSlot emits `ldr x<rt>, [x0, #disp]` (unsigned offset, 64-bit).
func (be *ARM64Backend) ldrSlot(c *codeBuf, rt byte, disp uint32) {
	c.u32(0xF9400000 | (disp/8)<<10 | 0<<5 | uint32(rt))
}

// strSlot emits `str x<rt>, [x0, #disp]`.
func (be *ARM64Backend) strSlot(c *codeBuf, rt byte, disp uint32) {
	c.u32(0xF9000000 | (disp/8)<<10 | 0<<5 | uint32(rt))
}

// movImm64 materialises a 64-bit immediate with MOVZ + up to three MOVK.
func (be *ARM64Backend) movImm64(c *codeBuf, rd byte, imm uint64) {
	c.u32(0xD2800000 | uint32(imm&0xFFFF)<<5 | uint32(rd)) // movz
	for hw := uint32(1); hw < 4; hw++ {
		part := uint32((imm >> (16 * hw)) & 0xFFFF)
		if part != 0 {
			c.u32(0xF2800000 | hw<<21 | part<<5 | uint32(rd)) // movk
		}
	}
}

func (be *ARM64Backend) Emit(block *IRBlock) (*CompiledCode, error) {
	c := &codeBuf{b: make([]byte, 0, 64+len(block.Ops)*16)}
	var patches []PatchPoint

	for i := range block.Ops {
		if err := be.emitOp(c, &block.Ops[i]); err != nil {
			return nil, err
		}
	}

	emitExit := func(kind PatchPointKind, target GuestAddr) {
		be.movImm64(c, aX9, uint64(target))
		be.strSlot(c, aX9, be.pcOffset)
		patches = append(patches, PatchPoint{Kind: kind, Offset: c.off(), TargetPC: target})
		c.u32(0x14000001) // b +4 (fallthrough until chained)
		c.u32(0xD65F03C0) // ret
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
		be.ldrSlot(c, aX9, lhs)
		be.ldrSlot(c, aX10, rhs)
		c.u32(0xEB0A013F) // subs xzr, x9, x10 (cmp)
		// b.cond over the fallthrough exit; displacement fixed below.
		bcAt := c.off()
		c.u32(0x54000000 | uint32(a64CondNibbleFor(t.Cond)))
		emitExit(PATCH_COND_FALLTHROUGH, t.TargetFalse)
		delta := (c.off() - bcAt) / 4
		word := 0x54000000 | delta<<5 | uint32(a64CondNibbleFor(t.Cond))
		putU32(c.b, bcAt, word)
		emitExit(PATCH_COND_TAKEN, t.Target)
	case TERM_JMP_REG:
		disp, err := be.slotDisp(t.Reg)
		if err != nil {
			return nil, err
		}
		be.ldrSlot(c, aX9, disp)
		be.strSlot(c, aX9, be.pcOffset)
		c.u32(0xD65F03C0)
	default:
		c.u32(0xD65F03C0)
	}

	return &CompiledCode{
		Bytes:       c.bytes(),
		EntryOffset: 0,
		Size:        c.off(),
		PatchPoints: patches,
		Run:         CompileThunk(block),
	}, nil
}

func (be *ARM64Backend) emitOp(c *codeBuf, op *IROp) error {
	bin := func(word uint32) error {
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
		be.ldrSlot(c, aX9, d1)
		be.ldrSlot(c, aX10, d2)
		c.u32(word) // op x9, x9, x10
		be.strSlot(c, aX9, dd)
		return nil
	}

	switch op.Kind {
	case OP_NOP:
		c.u32(0xD503201F)
		return nil
	case OP_FENCE:
		c.u32(0xD5033BBF) // dmb ish
		return nil
	case OP_MOV_IMM:
		dd, err := be.slotDisp(op.Dst)
		if err != nil {
			return err
		}
		be.movImm64(c, aX9, uint64(op.Imm))
		be.strSlot(c, aX9, dd)
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
		be.ldrSlot(c, aX9, d1)
		be.strSlot(c, aX9, dd)
		return nil
	case OP_ADD:
		return bin(0x8B0A0129) // add x9, x9, x10
	case OP_SUB:
		return bin(0xCB0A0129) // sub x9, x9, x10
	case OP_MUL:
		return bin(0x9B0A7D29) // mul x9, x9, x10
	case OP_AND:
		return bin(0x8A0A0129)
	case OP_OR:
		return bin(0xAA0A0129)
	case OP_XOR:
		return bin(0xCA0A0129)
	case OP_SHL:
		return bin(0x9ACA2129) // lslv
	case OP_SHR:
		return bin(0x9ACA2529) // lsrv
	case OP_SAR:
		return bin(0x9ACA2929) // asrv
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
		be.ldrSlot(c, aX9, d1)
		be.movImm64(c, aX10, uint64(op.Imm))
		var word uint32
		switch op.Kind {
		case OP_ADD_IMM:
			word = 0x8B0A0129
		case OP_AND_IMM:
			word = 0x8A0A0129
		case OP_OR_IMM:
			word = 0xAA0A0129
		case OP_XOR_IMM:
			word = 0xCA0A0129
		case OP_SHL_IMM:
			word = 0x9ACA2129
		case OP_SHR_IMM:
			word = 0x9ACA2529
		default:
			word = 0x9ACA2929
		}
		c.u32(word)
		be.strSlot(c, aX9, dd)
		return nil
	case OP_CMP_SET, OP_SEXT, OP_ZEXT,
		OP_DIV_S, OP_DIV_U, OP_REM_S, OP_REM_U,
		OP_LOAD, OP_LOAD_FUSED, OP_STORE:
		// Helper-call placeholder; bound at install when native entry is
		// enabled.
		c.u32(0x94000000) // bl +0
		return nil
	default:
		return fmt.Errorf("%w: arm64 backend cannot emit %s", ErrCompileFailed, op.Kind)
	}
}

func a64CondNibbleFor(c CondCode) byte {
	switch c {
	case COND_EQ:
		return 0x0
	case COND_NE:
		return 0x1
	case COND_GEU:
		return 0x2
	case COND_LTU:
		return 0x3
	case COND_GE:
		return 0xA
	case COND_LT:
		return 0xB
	case COND_GT:
		return 0xC
	default:
		return 0xD // LE
	}
}

// PatchJump replaces the slot's `b +4` with a direct branch to target. The
// whole 32-bit instruction word is stored atomically.
func (be *ARM64Backend) PatchJump(code []byte, pp PatchPoint, target uintptr) error {
	if int(pp.Offset)+4 > len(code) || pp.Offset%4 != 0 {
		return fmt.Errorf("%w: bad patch offset %d", ErrBackendBug, pp.Offset)
	}
	base := uintptr(unsafe.Pointer(&code[0]))
	delta := int64(target) - int64(base+uintptr(pp.Offset))
	if delta%4 != 0 || delta < -(1<<27) || delta >= 1<<27 {
		return fmt.Errorf("%w: chain displacement out of B range", ErrCompileFailed)
	}
	word := uint32(0x14000000) | uint32(delta/4)&0x03FFFFFF
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&code[pp.Offset])), word)
	return nil
}

// UnpatchJump restores the fallthrough `b +4`.
func (be *ARM64Backend) UnpatchJump(code []byte, pp PatchPoint) error {
	if int(pp.Offset)+4 > len(code) || pp.Offset%4 != 0 {
		return fmt.Errorf("%w: bad patch offset %d", ErrBackendBug, pp.Offset)
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&code[pp.Offset])), 0x14000001)
	return nil
}
