// decoder_riscv64.go - RISC-V 64 decoder: RV64IM subset plus common RVC forms

package main

import "encoding/binary"

// RV64Decoder lifts RV64IM and a subset of the compressed (RVC) extension.
// Compressed forms consume two bytes and advance the PC by the actual
// instruction length.
type RV64Decoder struct {
	cache *decodeCache
}

func NewRV64Decoder() *RV64Decoder {
	return &RV64Decoder{cache: newDecodeCache(DECODE_CACHE_LIMIT)}
}

func (d *RV64Decoder) Arch() Arch { return ARCH_RISCV64 }

// ClearCache drops the template cache.
func (d *RV64Decoder) ClearCache() { d.cache.clear() }

func (d *RV64Decoder) Decode(mmu *MMU, pc GuestAddr, asid uint16, mode PrivMode) (*IRBlock, *GuestFault) {
	b := NewIRBuilder(pc, ARCH_RISCV64)
	cur := pc
	for n := 0; n < MAX_BLOCK_INSNS; n++ {
		raw, fault := mmu.FetchBytes(cur, asid, mode, 4)
		if fault != nil {
			if n == 0 {
				return nil, fault
			}
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_PAGE})
			break
		}
		if len(raw) < 2 {
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_PAGE})
			break
		}

		var length uint32
		var done bool
		var fk FaultKind
		if raw[0]&0x3 != 0x3 {
			// 16-bit compressed encoding.
			bits := binary.LittleEndian.Uint16(raw)
			length, done, fk = d.liftCompressed(b, uint32(bits), cur)
		} else {
			if len(raw) < 4 {
				b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_PAGE})
				break
			}
			insn := binary.LittleEndian.Uint32(raw)
			length, done, fk = d.lift(b, insn, cur, mode)
		}
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
		// Block split at the instruction cap: continue at the next PC.
		b.SetTerm(Terminator{Kind: TERM_JMP, Target: cur})
	}
	b.SetGuestLen(uint32(cur - pc))
	blk, err := b.Build()
	if err != nil {
		return nil, newFault(FAULT_UNKNOWN_OPCODE, pc, pc, ACCESS_EXEC)
	}
	return blk, nil
}

// rdTarget maps an architectural destination: writes to x0 are discarded
// into a fresh temporary so the zero register stays zero.
func rdTarget(b *IRBuilder, rd uint32) VReg {
	if rd == 0 {
		return b.NewTemp()
	}
	return VReg(rd)
}

// lift translates one 32-bit instruction. Returns (length, endsBlock, fault).
func (d *RV64Decoder) lift(b *IRBuilder, insn uint32, pc GuestAddr, mode PrivMode) (uint32, bool, FaultKind) {
	// PC-independent instructions go through the template cache.
	if t, ok := d.cache.get(uint64(insn)); ok {
		for _, op := range t.ops {
			_ = b.Push(op)
		}
		return t.length, false, FAULT_NONE
	}

	opcode := insn & 0x7F
	rd := (insn >> 7) & 0x1F
	funct3 := (insn >> 12) & 0x7
	rs1 := (insn >> 15) & 0x1F
	rs2 := (insn >> 20) & 0x1F
	funct7 := insn >> 25

	immI := int64(int32(insn)) >> 20
	immS := (int64(int32(insn))>>25)<<5 | int64((insn>>7)&0x1F)
	immB := (int64(int32(insn))>>31)<<12 | int64((insn>>7)&0x1)<<11 |
		int64((insn>>25)&0x3F)<<5 | int64((insn>>8)&0xF)<<1
	immU := int64(int32(insn & 0xFFFFF000))
	immJ := (int64(int32(insn))>>31)<<20 | int64((insn>>12)&0xFF)<<12 |
		int64((insn>>20)&0x1)<<11 | int64((insn>>21)&0x3FF)<<1

	mark := b.Len()
	cacheable := false

	switch opcode {
	case 0x37: // LUI
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: rdTarget(b, rd), Src1: VREG_NONE, Src2: VREG_NONE, Imm: immU})
		cacheable = true
	case 0x17: // AUIPC
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: rdTarget(b, rd), Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(pc) + immU})
	case 0x6F: // JAL
		target := GuestAddr(int64(pc) + immJ)
		ret := pc + 4
		if rd != 0 {
			_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: VReg(rd), Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(ret)})
			b.SetTerm(Terminator{Kind: TERM_CALL, Target: target, RetPC: ret})
		} else {
			b.SetTerm(Terminator{Kind: TERM_JMP, Target: target})
		}
		return 4, true, FAULT_NONE
	case 0x67: // JALR
		if funct3 != 0 {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		t := b.NewTemp()
		_ = b.Push(IROp{Kind: OP_ADD_IMM, Dst: t, Src1: VReg(rs1), Src2: VREG_NONE, Imm: immI})
		_ = b.Push(IROp{Kind: OP_AND_IMM, Dst: t, Src1: t, Src2: VREG_NONE, Imm: ^int64(1)})
		if rd != 0 {
			_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: VReg(rd), Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(pc + 4)})
		}
		b.SetTerm(Terminator{Kind: TERM_JMP_REG, Reg: t})
		return 4, true, FAULT_NONE
	case 0x63: // branches
		cond, ok := rvBranchCond(funct3)
		if !ok {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		b.SetTerm(Terminator{
			Kind:        TERM_COND_JMP,
			Cond:        cond,
			Reg:         VReg(rs1),
			RegRHS:      VReg(rs2),
			Target:      GuestAddr(int64(pc) + immB),
			TargetFalse: pc + 4,
		})
		return 4, true, FAULT_NONE
	case 0x03: // loads
		size, signed, ok := rvLoadSize(funct3)
		if !ok {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		dst := rdTarget(b, rd)
		_ = b.Push(IROp{Kind: OP_LOAD, Dst: dst, Src1: VReg(rs1), Src2: VREG_NONE, Imm: immI, Size: size})
		if size < 8 {
			ext := OP_ZEXT
			if signed {
				ext = OP_SEXT
			}
			_ = b.Push(IROp{Kind: ext, Dst: dst, Src1: dst, Src2: VREG_NONE, Size: size})
		}
		cacheable = true
	case 0x23: // stores
		size, ok := rvStoreSize(funct3)
		if !ok {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		_ = b.Push(IROp{Kind: OP_STORE, Dst: VREG_NONE, Src1: VReg(rs1), Src2: VReg(rs2), Imm: immS, Size: size})
		cacheable = true
	case 0x13: // OP-IMM
		kind, shift, ok := rvOpImm(funct3, funct7)
		if !ok {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		imm := immI
		if shift {
			imm = int64((insn >> 20) & 0x3F)
		}
		if kind == OP_CMP_SET {
			cond := COND_LT
			if funct3 == 0x3 {
				cond = COND_LTU
			}
			t := b.NewTemp()
			_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: t, Src1: VREG_NONE, Src2: VREG_NONE, Imm: imm})
			_ = b.Push(IROp{Kind: OP_CMP_SET, Dst: rdTarget(b, rd), Src1: VReg(rs1), Src2: t, Cond: cond})
		} else {
			_ = b.Push(IROp{Kind: kind, Dst: rdTarget(b, rd), Src1: VReg(rs1), Src2: VREG_NONE, Imm: imm})
		}
		cacheable = true
	case 0x33: // OP
		kind, cond, isCmp, ok := rvOpReg(funct3, funct7)
		if !ok {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		if isCmp {
			_ = b.Push(IROp{Kind: OP_CMP_SET, Dst: rdTarget(b, rd), Src1: VReg(rs1), Src2: VReg(rs2), Cond: cond})
		} else {
			_ = b.Push(IROp{Kind: kind, Dst: rdTarget(b, rd), Src1: VReg(rs1), Src2: VReg(rs2)})
		}
		cacheable = true
	case 0x0F: // FENCE
		_ = b.Push(IROp{Kind: OP_FENCE})
		cacheable = true
	case 0x73: // SYSTEM
		switch insn {
		case 0x00000073: // ECALL
			b.SetTerm(Terminator{Kind: TERM_INTERRUPT, Vector: IRQ_VECTOR_SYSCALL})
			return 4, true, FAULT_NONE
		case 0x00100073: // EBREAK
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_BREAKPOINT})
			return 4, true, FAULT_NONE
		case 0x10500073: // WFI
			if mode == MODE_USER {
				return 0, false, FAULT_PRIVILEGE
			}
			b.SetTerm(Terminator{Kind: TERM_RET})
			return 4, true, FAULT_NONE
		default:
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
	default:
		return 0, false, FAULT_UNKNOWN_OPCODE
	}

	if cacheable {
		ops := make([]IROp, b.Len()-mark)
		copy(ops, b.blockOps()[mark:])
		d.cache.put(uint64(insn), &insnTemplate{ops: ops, length: 4})
	}
	return 4, false, FAULT_NONE
}

// liftCompressed translates the RVC subset: C.NOP, C.ADDI, C.LI, C.LUI,
// C.MV, C.ADD, C.J, C.JR. Anything else raises UnknownOpcode.
func (d *RV64Decoder) liftCompressed(b *IRBuilder, bits uint32, pc GuestAddr) (uint32, bool, FaultKind) {
	op := bits & 0x3
	funct3 := (bits >> 13) & 0x7
	switch {
	case op == 0x1 && funct3 == 0x0: // C.ADDI / C.NOP
		rd := (bits >> 7) & 0x1F
		imm := rvcImm6(bits)
		if rd == 0 {
			_ = b.Push(IROp{Kind: OP_NOP})
		} else {
			_ = b.Push(IROp{Kind: OP_ADD_IMM, Dst: VReg(rd), Src1: VReg(rd), Src2: VREG_NONE, Imm: imm})
		}
		return 2, false, FAULT_NONE
	case op == 0x1 && funct3 == 0x2: // C.LI
		rd := (bits >> 7) & 0x1F
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: rdTarget(b, rd), Src1: VREG_NONE, Src2: VREG_NONE, Imm: rvcImm6(bits)})
		return 2, false, FAULT_NONE
	case op == 0x1 && funct3 == 0x3: // C.LUI (rd != 0,2)
		rd := (bits >> 7) & 0x1F
		if rd == 0 || rd == 2 {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		imm := rvcImm6(bits) << 12
		if imm == 0 {
			return 0, false, FAULT_UNKNOWN_OPCODE
		}
		_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: VReg(rd), Src1: VREG_NONE, Src2: VREG_NONE, Imm: imm})
		return 2, false, FAULT_NONE
	case op == 0x1 && funct3 == 0x5: // C.J
		imm := rvcJImm(bits)
		b.SetTerm(Terminator{Kind: TERM_JMP, Target: GuestAddr(int64(pc) + imm)})
		return 2, true, FAULT_NONE
	case op == 0x2 && funct3 == 0x4:
		rd := (bits >> 7) & 0x1F
		rs2 := (bits >> 2) & 0x1F
		bit12 := (bits >> 12) & 1
		switch {
		case bit12 == 0 && rs2 == 0: // C.JR
			if rd == 0 {
				return 0, false, FAULT_UNKNOWN_OPCODE
			}
			b.SetTerm(Terminator{Kind: TERM_JMP_REG, Reg: VReg(rd)})
			return 2, true, FAULT_NONE
		case bit12 == 0 && rs2 != 0: // C.MV
			_ = b.Push(IROp{Kind: OP_MOV, Dst: rdTarget(b, rd), Src1: VReg(rs2), Src2: VREG_NONE})
			return 2, false, FAULT_NONE
		case bit12 == 1 && rs2 != 0 && rd != 0: // C.ADD
			_ = b.Push(IROp{Kind: OP_ADD, Dst: VReg(rd), Src1: VReg(rd), Src2: VReg(rs2)})
			return 2, false, FAULT_NONE
		case bit12 == 1 && rs2 == 0 && rd == 0: // C.EBREAK
			b.SetTerm(Terminator{Kind: TERM_FAULT, Cause: FAULT_BREAKPOINT})
			return 2, true, FAULT_NONE
		}
		return 0, false, FAULT_UNKNOWN_OPCODE
	default:
		return 0, false, FAULT_UNKNOWN_OPCODE
	}
}

func rvcImm6(bits uint32) int64 {
	imm := int64((bits>>2)&0x1F) | int64((bits>>12)&0x1)<<5
	if imm&0x20 != 0 {
		imm |= ^int64(0x3F)
	}
	return imm
}

func rvcJImm(bits uint32) int64 {
	// CJ-format immediate scramble.
	imm := int64((bits>>3)&0x7)<<1 |
		int64((bits>>11)&0x1)<<4 |
		int64((bits>>2)&0x1)<<5 |
		int64((bits>>7)&0x1)<<6 |
		int64((bits>>6)&0x1)<<7 |
		int64((bits>>9)&0x3)<<8 |
		int64((bits>>8)&0x1)<<10 |
		int64((bits>>12)&0x1)<<11
	if imm&0x800 != 0 {
		imm |= ^int64(0xFFF)
	}
	return imm
}

func rvBranchCond(funct3 uint32) (CondCode, bool) {
	switch funct3 {
	case 0x0:
		return COND_EQ, true
	case 0x1:
		return COND_NE, true
	case 0x4:
		return COND_LT, true
	case 0x5:
		return COND_GE, true
	case 0x6:
		return COND_LTU, true
	case 0x7:
		return COND_GEU, true
	default:
		return 0, false
	}
}

func rvLoadSize(funct3 uint32) (size uint8, signed, ok bool) {
	switch funct3 {
	case 0x0:
		return 1, true, true // LB
	case 0x1:
		return 2, true, true // LH
	case 0x2:
		return 4, true, true // LW
	case 0x3:
		return 8, false, true // LD
	case 0x4:
		return 1, false, true // LBU
	case 0x5:
		return 2, false, true // LHU
	case 0x6:
		return 4, false, true // LWU
	default:
		return 0, false, false
	}
}

func rvStoreSize(funct3 uint32) (uint8, bool) {
	switch funct3 {
	case 0x0:
		return 1, true
	case 0x1:
		return 2, true
	case 0x2:
		return 4, true
	case 0x3:
		return 8, true
	default:
		return 0, false
	}
}

func rvOpImm(funct3, funct7 uint32) (kind IROpKind, shift bool, ok bool) {
	switch funct3 {
	case 0x0:
		return OP_ADD_IMM, false, true
	case 0x2, 0x3:
		return OP_CMP_SET, false, true // SLTI / SLTIU
	case 0x4:
		return OP_XOR_IMM, false, true
	case 0x6:
		return OP_OR_IMM, false, true
	case 0x7:
		return OP_AND_IMM, false, true
	case 0x1:
		return OP_SHL_IMM, true, true
	case 0x5:
		if funct7>>1 == 0x10 {
			return OP_SAR_IMM, true, true
		}
		return OP_SHR_IMM, true, true
	default:
		return 0, false, false
	}
}

func rvOpReg(funct3, funct7 uint32) (kind IROpKind, cond CondCode, isCmp, ok bool) {
	if funct7 == 0x01 { // M extension
		switch funct3 {
		case 0x0:
			return OP_MUL, 0, false, true
		case 0x4:
			return OP_DIV_S, 0, false, true
		case 0x5:
			return OP_DIV_U, 0, false, true
		case 0x6:
			return OP_REM_S, 0, false, true
		case 0x7:
			return OP_REM_U, 0, false, true
		default:
			return 0, 0, false, false
		}
	}
	switch funct3 {
	case 0x0:
		if funct7 == 0x20 {
			return OP_SUB, 0, false, true
		}
		return OP_ADD, 0, false, true
	case 0x1:
		return OP_SHL, 0, false, true
	case 0x2:
		return 0, COND_LT, true, true // SLT
	case 0x3:
		return 0, COND_LTU, true, true // SLTU
	case 0x4:
		return OP_XOR, 0, false, true
	case 0x5:
		if funct7 == 0x20 {
			return OP_SAR, 0, false, true
		}
		return OP_SHR, 0, false, true
	case 0x6:
		return OP_OR, 0, false, true
	case 0x7:
		return OP_AND, 0, false, true
	default:
		return 0, 0, false, false
	}
}

// ---------------------------------------------------------------------------
// RV64 encoder - the supported-subset inverse of the decoder, used by tests
// and the loader's built-in programs.
// ---------------------------------------------------------------------------

func EncodeRV64RType(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func EncodeRV64IType(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func EncodeADDI(rd, rs1 uint32, imm int32) uint32 { return EncodeRV64IType(0x13, rd, 0x0, rs1, imm) }
func EncodeADD(rd, rs1, rs2 uint32) uint32        { return EncodeRV64RType(0x33, rd, 0x0, rs1, rs2, 0x00) }
func EncodeSUB(rd, rs1, rs2 uint32) uint32        { return EncodeRV64RType(0x33, rd, 0x0, rs1, rs2, 0x20) }
func EncodeMUL(rd, rs1, rs2 uint32) uint32        { return EncodeRV64RType(0x33, rd, 0x0, rs1, rs2, 0x01) }
func EncodeLUI(rd uint32, imm20 uint32) uint32    { return imm20<<12 | rd<<7 | 0x37 }
func EncodeECALL() uint32                         { return 0x00000073 }
func EncodeEBREAK() uint32                        { return 0x00100073 }

func EncodeLD(rd, rs1 uint32, imm int32) uint32 { return EncodeRV64IType(0x03, rd, 0x3, rs1, imm) }

func EncodeSD(rs1, rs2 uint32, imm int32) uint32 {
	immU := uint32(imm)
	return (immU>>5)<<25 | rs2<<20 | rs1<<15 | 0x3<<12 | (immU&0x1F)<<7 | 0x23
}

func EncodeJAL(rd uint32, offset int32) uint32 {
	o := uint32(offset)
	return (o>>20&0x1)<<31 | (o>>1&0x3FF)<<21 | (o>>11&0x1)<<20 | (o>>12&0xFF)<<12 | rd<<7 | 0x6F
}

func EncodeJALR(rd, rs1 uint32, imm int32) uint32 { return EncodeRV64IType(0x67, rd, 0x0, rs1, imm) }

func EncodeBranch(funct3, rs1, rs2 uint32, offset int32) uint32 {
	o := uint32(offset)
	return (o>>12&0x1)<<31 | (o>>5&0x3F)<<25 | rs2<<20 | rs1<<15 | funct3<<12 |
		(o>>1&0xF)<<8 | (o>>11&0x1)<<7 | 0x63
}

func EncodeBEQ(rs1, rs2 uint32, offset int32) uint32 { return EncodeBranch(0x0, rs1, rs2, offset) }
func EncodeBNE(rs1, rs2 uint32, offset int32) uint32 { return EncodeBranch(0x1, rs1, rs2, offset) }
