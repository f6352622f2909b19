// decoder_x86.go - x86-64 decoder: long-mode integer subset

package main

// X86Decoder lifts a long-mode integer subset: REX.W ALU forms, MOV, PUSH/
// POP, CALL/RET, JMP, Jcc (resolved against the in-block CMP), INT, HLT.
// Variable-length decode advances the PC by the exact instruction length.
//
// No template cache here: x86 instruction bits have no fixed width to key
// templates by, and the prefix/ModRM scan is already the cheap part of the
// lift. The fixed-width decoders carry the caches.
type X86Decoder struct{}

func NewX86Decoder() *X86Decoder { return &X86Decoder{} }

func (d *X86Decoder) Arch() Arch { return ARCH_X86_64 }

const X86_RSP = VReg(4)

func (d *X86Decoder) Decode(mmu *MMU, pc GuestAddr, asid uint16, mode PrivMode) (*IRBlock, *GuestFault) {
	b := NewIRBuilder(pc, ARCH_X86_64)
	cur := pc
	var cmpLHS, cmpRHS VReg = VREG_NONE, VREG_NONE

	for n := 0; n < MAX_BLOCK_INSNS; n++ {
		raw, fault := mmu.FetchBytes(cur, asid, mode, 15)
		if fault != nil {
			if n == 0 {
				return nil, fault
			}
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_PAGE})
			break
		}
		length, done, fk := d.lift(b, raw, cur, mode, &cmpLHS, &cmpRHS)
		if fk != FAULT_NONE {
			if n == 0 {
				return nil, newFault(fk, cur, pc, ACCESS_EXEC)
			}
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: fk})
			break
		}
		cur += GuestAddr(length)
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

// modRMOperand resolves the r/m side of a ModRM byte. For memory forms it
// returns (base vreg, displacement, true); SIB and RIP-relative forms are
// outside the supported subset.
func modRMOperand(raw []byte, at int, rex byte) (mod, reg, rm byte, base int, disp int64, size int, ok bool) {
	if at >= len(raw) {
		return 0, 0, 0, 0, 0, 0, false
	}
	m := raw[at]
	mod = m >> 6
	reg = (m >> 3) & 0x7
	rm = m & 0x7
	if rex&0x4 != 0 {
		reg |= 0x8
	}
	size = 1
	if mod != 3 {
		if rm == 4 {
			return 0, 0, 0, 0, 0, 0, false // SIB unsupported
		}
		if mod == 0 && rm == 5 {
			return 0, 0, 0, 0, 0, 0, false // RIP-relative unsupported
		}
		switch mod {
		case 1:
			if at+1 >= len(raw) {
				return 0, 0, 0, 0, 0, 0, false
			}
			disp = int64(int8(raw[at+1]))
			size = 2
		case 2:
			if at+4 >= len(raw) {
				return 0, 0, 0, 0, 0, 0, false
			}
			disp = int64(int32(le32(raw[at+1:])))
			size = 5
		}
	}
	b := rm
	if rex&0x1 != 0 {
		b |= 0x8
	}
	base = int(b)
	return mod, reg, rm, base, disp, size, true
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}

// pushReg emits the stack push sequence for a 64-bit register value.
func pushReg(b *IRBuilder, src VReg) {
	_ = b.Push(IROp{Kind: OP_ADD_IMM, Dst: X86_RSP, Src1: X86_RSP, Src2: VREG_NONE, Imm: -8})
	_ = b.Push(IROp{Kind: OP_STORE, Dst: VREG_NONE, Src1: X86_RSP, Src2: src, Imm: 0, Size: 8})
}

func (d *X86Decoder) lift(b *IRBuilder, raw []byte, pc GuestAddr, mode PrivMode, cmpLHS, cmpRHS *VReg) (int, bool, FaultKind) {
	if len(raw) == 0 {
		return 0, false, FAULT_PAGE
	}
	i := 0
	var rex byte
	if raw[i]&0xF0 == 0x40 {
		rex = raw[i]
		i++
		if i >= len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
	}
	op := raw[i]
	i++
	wide := rex&0x8 != 0

	regField := func(reg byte) VReg { return VReg(reg) }

	switch {
	case op == 0x90: // NOP
		_ = b.Push(IROp{Kind: OP_NOP})
		return i, false, FAULT_NONE

	case op == 0xF4: // HLT
		if mode == MODE_USER {
			return 0, false, FAULT_PRIVILEGE
		}
		b.SetTerm(Terminator{Kind: TERM_INTERRUPT, Vector: IRQ_VECTOR_HALT})
		return i, true, FAULT_NONE

	case op == 0xCC: // INT3
		b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_BREAKPOINT})
		return i, true, FAULT_NONE

	case op == 0xCD: // INT imm8
		if i >= len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		b.SetTerm(Terminator{Kind: TERM_INTERRUPT, Vector: uint32(raw[i])})
		return i + 1, true, FAULT_NONE

	case op >= 0x50 && op <= 0x57: // PUSH r64
		r := op - 0x50
		if rex&0x1 != 0 {
			r |= 0x8
		}
		pushReg(b, VReg(r))
		return i, false, FAULT_NONE

	case op >= 0x58 && op <= 0x5F: // POP r64
		r := op - 0x58
		if rex&0x1 != 0 {
			r |= 0x8
		}
		_ = b.Push(IROp{Kind: OP_LOAD, Dst: VReg(r), Src1: X86_RSP, Src2: VREG_NONE, Imm: 0, Size: 8})
		_ = b.Push(IROp{Kind: OP_ADD_IMM, Dst: X86_RSP, Src1: X86_RSP, Src2: VREG_NONE, Imm: 8})
		return i, false, FAULT_NONE

	case op >= 0xB8 && op <= 0xBF && wide: // MOV r64, imm64
		r := op - 0xB8
		if rex&0x1 != 0 {
			r |= 0x8
		}
		if i+8 > len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: VReg(r), Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(le64(raw[i:]))})
		return i + 8, false, FAULT_NONE

	case op == 0xC7 && wide: // MOV r/m64, imm32 (sign-extended)
		mod, reg, _, base, disp, msize, ok := modRMOperand(raw, i, rex)
		if !ok || reg&0x7 != 0 {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		i += msize
		if i+4 > len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		imm := int64(int32(le32(raw[i:])))
		i += 4
		if mod == 3 {
			_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: VReg(base), Src1: VREG_NONE, Src2: VREG_NONE, Imm: imm})
		} else {
			t := b.NewTemp()
			_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: t, Src1: VREG_NONE, Src2: VREG_NONE, Imm: imm})
			_ = b.Push(IROp{Kind: OP_STORE, Dst: VREG_NONE, Src1: VReg(base), Src2: t, Imm: disp, Size: 8})
		}
		return i, false, FAULT_NONE

	case (op == 0x89 || op == 0x8B) && wide: // MOV r/m64,r64 / r64,r/m64
		mod, reg, _, base, disp, msize, ok := modRMOperand(raw, i, rex)
		if !ok {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		i += msize
		r := regField(reg)
		switch {
		case mod == 3 && op == 0x89:
			_ = b.Push(IROp{Kind: OP_MOV, Dst: VReg(base), Src1: r, Src2: VREG_NONE})
		case mod == 3 && op == 0x8B:
			_ = b.Push(IROp{Kind: OP_MOV, Dst: r, Src1: VReg(base), Src2: VREG_NONE})
		case op == 0x89:
			_ = b.Push(IROp{Kind: OP_STORE, Dst: VREG_NONE, Src1: VReg(base), Src2: r, Imm: disp, Size: 8})
		default:
			_ = b.Push(IROp{Kind: OP_LOAD, Dst: r, Src1: VReg(base), Src2: VREG_NONE, Imm: disp, Size: 8})
		}
		return i, false, FAULT_NONE

	case (op == 0x01 || op == 0x03 || op == 0x29 || op == 0x2B ||
		op == 0x31 || op == 0x33 || op == 0x21 || op == 0x23 ||
		op == 0x09 || op == 0x0B) && wide: // ALU r/m64,r64 and r64,r/m64
		mod, reg, _, base, _, msize, ok := modRMOperand(raw, i, rex)
		if !ok || mod != 3 {
			return 0, false, FAULT_UNKNOWN_OPCODE // memory ALU forms unsupported
		}
		i += msize
		var kind IROpKind
		switch op &^ 0x02 {
		case 0x01:
			kind = OP_ADD
		case 0x29:
			kind = OP_SUB
		case 0x31:
			kind = OP_XOR
		case 0x21:
			kind = OP_AND
		case 0x09:
			kind = OP_OR
		}
		dst, src := VReg(base), regField(reg)
		if op&0x02 != 0 {
			dst, src = src, dst
		}
		_ = b.Push(IROp{Kind: kind, Dst: dst, Src1: dst, Src2: src})
		return i, false, FAULT_NONE

	case op == 0x39 && wide: // CMP r/m64, r64
		mod, reg, _, base, _, msize, ok := modRMOperand(raw, i, rex)
		if !ok || mod != 3 {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		i += msize
		*cmpLHS = VReg(base)
		*cmpRHS = regField(reg)
		return i, false, FAULT_NONE

	case op == 0x83 && wide: // group-1 imm8
		mod, reg, _, base, _, msize, ok := modRMOperand(raw, i, rex)
		if !ok || mod != 3 {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		i += msize
		if i >= len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		imm := int64(int8(raw[i]))
		i++
		dst := VReg(base)
		switch reg & 0x7 {
		case 0:
			_ = b.Push(IROp{Kind: OP_ADD_IMM, Dst: dst, Src1: dst, Src2: VREG_NONE, Imm: imm})
		case 1:
			_ = b.Push(IROp{Kind: OP_OR_IMM, Dst: dst, Src1: dst, Src2: VREG_NONE, Imm: imm})
		case 4:
			_ = b.Push(IROp{Kind: OP_AND_IMM, Dst: dst, Src1: dst, Src2: VREG_NONE, Imm: imm})
		case 5:
			_ = b.Push(IROp{Kind: OP_ADD_IMM, Dst: dst, Src1: dst, Src2: VREG_NONE, Imm: -imm})
		case 6:
			_ = b.Push(IROp{Kind: OP_XOR_IMM, Dst: dst, Src1: dst, Src2: VREG_NONE, Imm: imm})
		case 7:
			t := b.NewTemp()
			_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: t, Src1: VREG_NONE, Src2: VREG_NONE, Imm: imm})
			*cmpLHS = dst
			*cmpRHS = t
		default:
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		return i, false, FAULT_NONE

	case op == 0xE9: // JMP rel32
		if i+4 > len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		off := int64(int32(le32(raw[i:])))
		i += 4
		b.SetTerm(Terminator{Kind: TERM_JMP, Target: GuestAddr(int64(pc) + int64(i) + off)})
		return i, true, FAULT_NONE

	case op == 0xEB: // JMP rel8
		if i >= len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		off := int64(int8(raw[i]))
		i++
		b.SetTerm(Terminator{Kind: TERM_JMP, Target: GuestAddr(int64(pc) + int64(i) + off)})
		return i, true, FAULT_NONE

	case op == 0xE8: // CALL rel32
		if i+4 > len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		off := int64(int32(le32(raw[i:])))
		i += 4
		ret := pc + GuestAddr(i)
		t := b.NewTemp()
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: t, Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(ret)})
		pushReg(b, t)
		b.SetTerm(Terminator{Kind: TERM_CALL, Target: GuestAddr(int64(pc) + int64(i) + off), RetPC: ret})
		return i, true, FAULT_NONE

	case op == 0xC3: // RET
		t := b.NewTemp()
		_ = b.Push(IROp{Kind: OP_LOAD, Dst: t, Src1: X86_RSP, Src2: VREG_NONE, Imm: 0, Size: 8})
		_ = b.Push(IROp{Kind: OP_ADD_IMM, Dst: X86_RSP, Src1: X86_RSP, Src2: VREG_NONE, Imm: 8})
		b.SetTerm(Terminator{Kind: TERM_JMP_REG, Reg: t})
		return i, true, FAULT_NONE

	case op == 0xFF: // group-5
		mod, reg, _, base, _, msize, ok := modRMOperand(raw, i, rex)
		if !ok || mod != 3 || reg&0x7 != 4 {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		i += msize
		b.SetTerm(Terminator{Kind: TERM_JMP_REG, Reg: VReg(base)})
		return i, true, FAULT_NONE

	case op >= 0x70 && op <= 0x7F: // Jcc rel8
		if *cmpLHS == VREG_NONE {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		cond, ok := x86Cond(op & 0xF)
		if !ok {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		if i >= len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		off := int64(int8(raw[i]))
		i++
		b.SetTerm(Terminator{
			Kind:        TERM_COND_JMP,
			Cond:        cond,
			Reg:         *cmpLHS,
			RegRHS:      *cmpRHS,
			Target:      GuestAddr(int64(pc) + int64(i) + off),
			TargetFalse: pc + GuestAddr(i),
		})
		return i, true, FAULT_NONE

	case op == 0x0F: // two-byte opcodes: Jcc rel32
		if i >= len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		op2 := raw[i]
		i++
		if op2 < 0x80 || op2 > 0x8F {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		if *cmpLHS == VREG_NONE {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		cond, ok := x86Cond(op2 & 0xF)
		if !ok {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		if i+4 > len(raw) {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		off := int64(int32(le32(raw[i:])))
		i += 4
		b.SetTerm(Terminator{
			Kind:        TERM_COND_JMP,
			Cond:        cond,
			Reg:         *cmpLHS,
			RegRHS:      *cmpRHS,
			Target:      GuestAddr(int64(pc) + int64(i) + off),
			TargetFalse: pc + GuestAddr(i),
		})
		return i, true, FAULT_NONE

	default:
		return 0, false, FAULT_UNKNOWN_OPCODE
	}
}

func x86Cond(nibble byte) (CondCode, bool) {
	switch nibble {
	case 0x4:
		return COND_EQ, true // JE
	case 0x5:
		return COND_NE, true // JNE
	case 0x2:
		return COND_LTU, true // JB
	case 0x3:
		return COND_GEU, true // JAE
	case 0xC:
		return COND_LT, true // JL
	case 0xD:
		return COND_GE, true // JGE
	case 0xE:
		return COND_LE, true // JLE
	case 0xF:
		return COND_GT, true // JG
	default:
		return 0, false
	}
}
