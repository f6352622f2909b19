// interp.go - Reference IR interpreter; the lowest execution tier

package main

// ExitKind classifies how a block left.
type ExitKind uint8

const (
	EXIT_JUMP  ExitKind = iota // continue at NextPC
	EXIT_YIELD                 // return to dispatcher, resume at NextPC
	EXIT_FAULT
	EXIT_INTERRUPT // deliver Vector, then resume at NextPC
)

// BlockExit is the result of executing one block under any tier. The
// compiled tiers produce exactly the same exits as the interpreter.
type BlockExit struct {
	Kind   ExitKind
	NextPC GuestAddr
	Vector uint32
	Fault  *GuestFault
}

// Interp executes IR blocks directly. It is the cold tier and the semantic
// reference: every JIT tier must produce the same visible guest-state
// transition for the same entry state.
type Interp struct {
	mmu *MMU

	vregs []uint64 // scratch register file, reused across blocks
}

func NewInterp(mmu *MMU) *Interp {
	return &Interp{mmu: mmu, vregs: make([]uint64, 64)}
}

// Execute runs block against state. Architectural registers are committed
// before any exit, including faults, so guest state stays precise.
func (in *Interp) Execute(block *IRBlock, state *VCPUState) BlockExit {
	if int(block.NumVRegs) > len(in.vregs) {
		in.vregs = make([]uint64, block.NumVRegs)
	}
	v := in.vregs[:block.NumVRegs]
	copy(v[:32], state.Regs[:])

	commit := func() {
		copy(state.Regs[:], v[:32])
		state.InsnsRetired += uint64(len(block.Ops))
	}

	for i := range block.Ops {
		op := &block.Ops[i]
		switch op.Kind {
		case OP_NOP:
		case OP_MOV_IMM:
			v[op.Dst] = uint64(op.Imm)
		case OP_MOV:
			v[op.Dst] = v[op.Src1]
		case OP_ADD:
			v[op.Dst] = v[op.Src1] + v[op.Src2]
		case OP_SUB:
			v[op.Dst] = v[op.Src1] - v[op.Src2]
		case OP_MUL:
			v[op.Dst] = v[op.Src1] * v[op.Src2]
		case OP_DIV_S, OP_DIV_U, OP_REM_S, OP_REM_U:
			if v[op.Src2] == 0 {
				commit()
				return BlockExit{Kind: EXIT_FAULT, Fault: newFault(FAULT_DIVIDE_BY_ZERO, 0, state.PC, ACCESS_READ)}
			}
			switch op.Kind {
			case OP_DIV_S:
				v[op.Dst] = uint64(int64(v[op.Src1]) / int64(v[op.Src2]))
			case OP_DIV_U:
				v[op.Dst] = v[op.Src1] / v[op.Src2]
			case OP_REM_S:
				v[op.Dst] = uint64(int64(v[op.Src1]) % int64(v[op.Src2]))
			default:
				v[op.Dst] = v[op.Src1] % v[op.Src2]
			}
		case OP_ADD_IMM:
			v[op.Dst] = v[op.Src1] + uint64(op.Imm)
		case OP_AND:
			v[op.Dst] = v[op.Src1] & v[op.Src2]
		case OP_OR:
			v[op.Dst] = v[op.Src1] | v[op.Src2]
		case OP_XOR:
			v[op.Dst] = v[op.Src1] ^ v[op.Src2]
		case OP_AND_IMM:
			v[op.Dst] = v[op.Src1] & uint64(op.Imm)
		case OP_OR_IMM:
			v[op.Dst] = v[op.Src1] | uint64(op.Imm)
		case OP_XOR_IMM:
			v[op.Dst] = v[op.Src1] ^ uint64(op.Imm)
		case OP_SHL:
			v[op.Dst] = v[op.Src1] << (v[op.Src2] & 63)
		case OP_SHR:
			v[op.Dst] = v[op.Src1] >> (v[op.Src2] & 63)
		case OP_SAR:
			v[op.Dst] = uint64(int64(v[op.Src1]) >> (v[op.Src2] & 63))
		case OP_SHL_IMM:
			v[op.Dst] = v[op.Src1] << (uint64(op.Imm) & 63)
		case OP_SHR_IMM:
			v[op.Dst] = v[op.Src1] >> (uint64(op.Imm) & 63)
		case OP_SAR_IMM:
			v[op.Dst] = uint64(int64(v[op.Src1]) >> (uint64(op.Imm) & 63))
		case OP_CMP_SET:
			if evalCond(op.Cond, v[op.Src1], v[op.Src2]) {
				v[op.Dst] = 1
			} else {
				v[op.Dst] = 0
			}
		case OP_SEXT:
			v[op.Dst] = signExtend(v[op.Src1], op.Size)
		case OP_ZEXT:
			v[op.Dst] = zeroExtend(v[op.Src1], op.Size)
		case OP_FENCE:
			// Host memory model is at least as strong as required here.
		case OP_LOAD, OP_LOAD_FUSED:
			addr := GuestAddr(v[op.Src1] + uint64(op.Imm))
			val, fault := in.mmu.Load(state, addr, int(op.Size), op.Mem)
			if fault != nil {
				commit()
				return BlockExit{Kind: EXIT_FAULT, Fault: fault}
			}
			v[op.Dst] = val
		case OP_STORE:
			addr := GuestAddr(v[op.Src1] + uint64(op.Imm))
			if fault := in.mmu.Store(state, addr, int(op.Size), v[op.Src2], op.Mem); fault != nil {
				commit()
				return BlockExit{Kind: EXIT_FAULT, Fault: fault}
			}
		default:
			commit()
			return BlockExit{Kind: EXIT_FAULT, Fault: newFault(FAULT_UNKNOWN_OPCODE, 0, state.PC, ACCESS_EXEC)}
		}
	}

	commit()
	state.BlocksExecuted++
	return evalTerminator(&block.Term, block, v)
}

// evalTerminator resolves the block's exit against the final register file.
func evalTerminator(t *Terminator, block *IRBlock, v []uint64) BlockExit {
	switch t.Kind {
	case TERM_JMP:
		return BlockExit{Kind: EXIT_JUMP, NextPC: t.Target}
	case TERM_COND_JMP:
		if evalCond(t.Cond, v[t.Reg], v[t.RegRHS]) {
			return BlockExit{Kind: EXIT_JUMP, NextPC: t.Target}
		}
		return BlockExit{Kind: EXIT_JUMP, NextPC: t.TargetFalse}
	case TERM_CALL:
		return BlockExit{Kind: EXIT_JUMP, NextPC: t.Target}
	case TERM_JMP_REG:
		return BlockExit{Kind: EXIT_JUMP, NextPC: GuestAddr(v[t.Reg])}
	case TERM_RET:
		return BlockExit{Kind: EXIT_YIELD, NextPC: block.EndPC()}
	case TERM_FAULT:
		return BlockExit{Kind: EXIT_FAULT, Fault: &GuestFault{Kind: t.Cause, PC: block.StartPC}}
	case TERM_INTERRUPT:
		return BlockExit{Kind: EXIT_INTERRUPT, Vector: t.Vector, NextPC: block.EndPC()}
	default:
		return BlockExit{Kind: EXIT_FAULT, Fault: &GuestFault{Kind: FAULT_UNKNOWN_OPCODE, PC: block.StartPC}}
	}
}

func evalCond(c CondCode, a, b uint64) bool {
	switch c {
	case COND_EQ:
		return a == b
	case COND_NE:
		return a != b
	case COND_LT:
		return int64(a) < int64(b)
	case COND_GE:
		return int64(a) >= int64(b)
	case COND_GT:
		return int64(a) > int64(b)
	case COND_LE:
		return int64(a) <= int64(b)
	case COND_LTU:
		return a < b
	case COND_GEU:
		return a >= b
	default:
		return false
	}
}

func signExtend(v uint64, size uint8) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	default:
		return v
	}
}

func zeroExtend(v uint64, size uint8) uint64 {
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}
