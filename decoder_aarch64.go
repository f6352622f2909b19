// decoder_arm64.go - AArch64 decoder: A64 base subset

package main

import "encoding/binary"

// ARM64Decoder lifts the A64 base subset: move-wide, add/sub (immediate and
// register), logical register forms, unsigned-offset loads/stores, B/BL/BR/
// RET, CBZ/CBNZ, and CMP+B.cond pairs resolved within a block. X31 reads as
// the zero register in operand position.
type ARM64Decoder struct {
	cache *decodeCache
}

func NewARM64Decoder() *ARM64Decoder {
	return &ARM64Decoder{cache: newDecodeCache(DECODE_CACHE_LIMIT)}
}

func (d *ARM64Decoder) Arch() Arch { return ARCH_ARM64 }

// ClearCache drops the template cache.
func (d *ARM64Decoder) ClearCache() { d.cache.clear() }

func (d *ARM64Decoder) Decode(mmu *MMU, pc GuestAddr, asid uint16, mode PrivMode) (*IRBlock, *GuestFault) {
	b := NewIRBuilder(pc, ARCH_ARM64)
	cur := pc
	// Condition flags live only within a block: a SUBS/CMP records its
	// operands and a following B.cond compares them directly.
	var cmpLHS, cmpRHS VReg = VREG_NONE, VREG_NONE

	for n := 0; n < MAX_BLOCK_INSNS; n++ {
		raw, fault := mmu.FetchBytes(cur, asid, mode, 4)
		if fault != nil {
			if n == 0 {
				return nil, fault
			}
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_PAGE})
			break
		}
		if len(raw) < 4 {
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_PAGE})
			break
		}
		insn := binary.LittleEndian.Uint32(raw)
		done, fk := d.lift(b, insn, cur, &cmpLHS, &cmpRHS)
		if fk != FAULT_NONE {
			if n == 0 {
				return nil, newFault(fk, cur, pc, ACCESS_EXEC)
			}
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: fk})
			break
		}
		cur += 4
		if done {
			break
		}
	}
	if !b.Terminated() {
		b.SetTerm(Terminator{Kind: TERM_JMP, Target: cur})
	}
	b.SetGuestLen(uint32(cur - pc))
	blk, err := b.Build()
	if err != nil {
		return nil, newFault(FAULT_UNKNOWN_OPCODE, pc, pc, ACCESS_EXEC)
	}
	return blk, nil
}

// a64Reg maps a source-position register: 31 is XZR, materialised as an
// immediate-zero temporary.
func a64Reg(b *IRBuilder, r uint32) VReg {
	if r == 31 {
		t := b.NewTemp()
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: t, Src1: VREG_NONE, Src2: VREG_NONE, Imm: 0})
		return t
	}
	return VReg(r)
}

// a64Dst maps a destination register: writes to 31 are discarded.
func a64Dst(b *IRBuilder, r uint32) VReg {
	if r == 31 {
		return b.NewTemp()
	}
	return VReg(r)
}

func (d *ARM64Decoder) lift(b *IRBuilder, insn uint32, pc GuestAddr, cmpLHS, cmpRHS *VReg) (bool, FaultKind) {
	// PC-independent instructions replay from the template cache. Branches,
	// system ops and the CMP pairing state are never cached.
	if t, ok := d.cache.get(uint64(insn)); ok {
		for _, op := range t.ops {
			_ = b.Push(op)
		}
		return false, FAULT_NONE
	}
	mark := b.Len()
	cacheable := false
	defer func() {
		if cacheable {
			ops := make([]IROp, b.Len()-mark)
			copy(ops, b.blockOps()[mark:])
			d.cache.put(uint64(insn), &insnTemplate{ops: ops, length: 4})
		}
	}()

	switch {
	case insn == 0xD503201F: // NOP
		_ = b.Push(IROp{Kind: OP_NOP})
		cacheable = true
		return false, FAULT_NONE

	case insn&0xFFE0001F == 0xD4000001: // SVC #imm16
		b.SetTerm(Terminator{Kind: TERM_INTERRUPT, Vector: IRQ_VECTOR_SYSCALL})
		return true, FAULT_NONE

	case insn&0xFFE0001F == 0xD4200000: // BRK #imm16
		b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_BREAKPOINT})
		return true, FAULT_NONE

	case insn&0x7F800000 == 0x52800000 || insn&0x7F800000 == 0x12800000 ||
		insn&0x7F800000 == 0x72800000: // MOVZ / MOVN / MOVK (64-bit when sf set)
		if insn>>31 == 0 {
			return false, FAULT_UNKNOWN_OPCODE // 32-bit move-wide unsupported
		}
		rd := insn & 0x1F
		imm16 := uint64((insn >> 5) & 0xFFFF)
		hw := (insn >> 21) & 0x3
		shift := hw * 16
		opc := (insn >> 29) & 0x3
		switch opc {
		case 0x2: // MOVZ
			_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: a64Dst(b, rd), Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(imm16 << shift)})
		case 0x0: // MOVN
			_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: a64Dst(b, rd), Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(^(imm16 << shift))})
		case 0x3: // MOVK: keep other bits
			if rd == 31 {
				return false, FAULT_NONE
			}
			dst := VReg(rd)
			_ = b.Push(IROp{Kind: OP_AND_IMM, Dst: dst, Src1: dst, Src2: VREG_NONE, Imm: int64(^(uint64(0xFFFF) << shift))})
			_ = b.Push(IROp{Kind: OP_OR_IMM, Dst: dst, Src1: dst, Src2: VREG_NONE, Imm: int64(imm16 << shift)})
		default:
			return false, FAULT_UNKNOWN_OPCODE
		}
		cacheable = true
		return false, FAULT_NONE

	case insn&0x7F000000 == 0x11000000 || insn&0x7F000000 == 0x51000000: // ADD/SUB immediate
		if insn>>31 == 0 {
			return false, FAULT_UNKNOWN_OPCODE
		}
		rd := insn & 0x1F
		rn := (insn >> 5) & 0x1F
		imm12 := int64((insn >> 10) & 0xFFF)
		if (insn>>22)&0x3 == 0x1 {
			imm12 <<= 12
		}
		kind := OP_ADD_IMM
		if insn&0x40000000 != 0 {
			imm12 = -imm12
		}
		_ = b.Push(IROp{Kind: kind, Dst: a64Dst(b, rd), Src1: a64Reg(b, rn), Src2: VREG_NONE, Imm: imm12})
		cacheable = true
		return false, FAULT_NONE

	case insn&0x7F200000 == 0x6B000000 && insn&0x1F == 0x1F && insn>>31 == 1: // SUBS xzr = CMP reg
		rn := (insn >> 5) & 0x1F
		rm := (insn >> 16) & 0x1F
		*cmpLHS = a64Reg(b, rn)
		*cmpRHS = a64Reg(b, rm)
		return false, FAULT_NONE

	case insn&0x7F200000 == 0x0B000000 || insn&0x7F200000 == 0x4B000000: // ADD/SUB shifted register, shift 0
		if insn>>31 == 0 || (insn>>10)&0x3F != 0 {
			return false, FAULT_UNKNOWN_OPCODE
		}
		rd := insn & 0x1F
		rn := (insn >> 5) & 0x1F
		rm := (insn >> 16) & 0x1F
		kind := OP_ADD
		if insn&0x40000000 != 0 {
			kind = OP_SUB
		}
		_ = b.Push(IROp{Kind: kind, Dst: a64Dst(b, rd), Src1: a64Reg(b, rn), Src2: a64Reg(b, rm)})
		cacheable = true
		return false, FAULT_NONE

	case insn&0x7F200000 == 0x0A000000 || insn&0x7F200000 == 0x2A000000 ||
		insn&0x7F200000 == 0x4A000000: // AND / ORR / EOR shifted register, shift 0
		if insn>>31 == 0 || (insn>>10)&0x3F != 0 {
			return false, FAULT_UNKNOWN_OPCODE
		}
		rd := insn & 0x1F
		rn := (insn >> 5) & 0x1F
		rm := (insn >> 16) & 0x1F
		var kind IROpKind
		switch (insn >> 29) & 0x3 {
		case 0x0:
			kind = OP_AND
		case 0x1:
			kind = OP_OR
		case 0x2:
			kind = OP_XOR
		default:
			return false, FAULT_UNKNOWN_OPCODE
		}
		// ORR xd, xzr, xm is the canonical MOV.
		if kind == OP_OR && rn == 31 {
			_ = b.Push(IROp{Kind: OP_MOV, Dst: a64Dst(b, rd), Src1: a64Reg(b, rm), Src2: VREG_NONE})
		} else {
			_ = b.Push(IROp{Kind: kind, Dst: a64Dst(b, rd), Src1: a64Reg(b, rn), Src2: a64Reg(b, rm)})
		}
		cacheable = true
		return false, FAULT_NONE

	case insn&0xFFC00000 == 0xF9400000 || insn&0xFFC00000 == 0xB9400000: // LDR unsigned offset (64/32)
		size := uint8(8)
		scale := uint64(3)
		if insn&0x40000000 == 0 {
			size, scale = 4, 2
		}
		rt := insn & 0x1F
		rn := (insn >> 5) & 0x1F
		imm12 := int64((insn>>10)&0xFFF) << scale
		dst := a64Dst(b, rt)
		_ = b.Push(IROp{Kind: OP_LOAD, Dst: dst, Src1: a64Reg(b, rn), Src2: VREG_NONE, Imm: imm12, Size: size})
		if size < 8 {
			_ = b.Push(IROp{Kind: OP_ZEXT, Dst: dst, Src1: dst, Src2: VREG_NONE, Size: size})
		}
		cacheable = true
		return false, FAULT_NONE

	case insn&0xFFC00000 == 0xF9000000 || insn&0xFFC00000 == 0xB9000000: // STR unsigned offset (64/32)
		size := uint8(8)
		scale := uint64(3)
		if insn&0x40000000 == 0 {
			size, scale = 4, 2
		}
		rt := insn & 0x1F
		rn := (insn >> 5) & 0x1F
		imm12 := int64((insn>>10)&0xFFF) << scale
		_ = b.Push(IROp{Kind: OP_STORE, Dst: VREG_NONE, Src1: a64Reg(b, rn), Src2: a64Reg(b, rt), Imm: imm12, Size: size})
		cacheable = true
		return false, FAULT_NONE

	case insn&0xFC000000 == 0x14000000: // B
		off := int64(int32(insn<<6)>>6) * 4
		b.SetTerm(Terminator{Kind: TERM_JMP, Target: GuestAddr(int64(pc) + off)})
		return true, FAULT_NONE

	case insn&0xFC000000 == 0x94000000: // BL
		off := int64(int32(insn<<6)>>6) * 4
		ret := pc + 4
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: VReg(30), Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(ret)})
		b.SetTerm(Terminator{Kind: TERM_CALL, Target: GuestAddr(int64(pc) + off), RetPC: ret})
		return true, FAULT_NONE

	case insn&0xFFFFFC1F == 0xD65F0000: // RET
		rn := (insn >> 5) & 0x1F
		b.SetTerm(Terminator{Kind: TERM_JMP_REG, Reg: VReg(rn)})
		return true, FAULT_NONE

	case insn&0xFFFFFC1F == 0xD61F0000: // BR
		rn := (insn >> 5) & 0x1F
		b.SetTerm(Terminator{Kind: TERM_JMP_REG, Reg: VReg(rn)})
		return true, FAULT_NONE

	case insn&0x7F000000 == 0x34000000 || insn&0x7F000000 == 0x35000000: // CBZ/CBNZ
		if insn>>31 == 0 {
			return false, FAULT_UNKNOWN_OPCODE
		}
		rt := insn & 0x1F
		off := int64(int32(insn<<8)>>13) * 4
		cond := COND_EQ
		if insn&0x01000000 != 0 {
			cond = COND_NE
		}
		zero := b.NewTemp()
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: zero, Src1: VREG_NONE, Src2: VREG_NONE, Imm: 0})
		b.SetTerm(Terminator{
			Kind:        TERM_COND_JMP,
			Cond:        cond,
			Reg:         a64Reg(b, rt),
			RegRHS:      zero,
			Target:      GuestAddr(int64(pc) + off),
			TargetFalse: pc + 4,
		})
		return true, FAULT_NONE

	case insn&0xFF000010 == 0x54000000: // B.cond
		if *cmpLHS == VREG_NONE {
			// No comparison recorded in this block; cannot resolve flags.
			return false, FAULT_UNKNOWN_OPCODE
		}
		cond, ok := a64Cond(insn & 0xF)
		if !ok {
			return false, FAULT_UNKNOWN_OPCODE
		}
		off := int64(int32(insn<<8)>>13) * 4
		b.SetTerm(Terminator{
			Kind:        TERM_COND_JMP,
			Cond:        cond,
			Reg:         *cmpLHS,
			RegRHS:      *cmpRHS,
			Target:      GuestAddr(int64(pc) + off),
			TargetFalse: pc + 4,
		})
		return true, FAULT_NONE

	default:
		return false, FAULT_UNKNOWN_OPCODE
	}
}

func a64Cond(bits uint32) (CondCode, bool) {
	switch bits {
	case 0x0:
		return COND_EQ, true
	case 0x1:
		return COND_NE, true
	case 0x2:
		return COND_GEU, true // CS/HS
	case 0x3:
		return COND_LTU, true // CC/LO
	case 0xA:
		return COND_GE, true
	case 0xB:
		return COND_LT, true
	case 0xC:
		return COND_GT, true
	case 0xD:
		return COND_LE, true
	default:
		return 0, false
	}
}
