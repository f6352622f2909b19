// jit_thunk.go - Threaded-code lowering: the host-callable form of a compiled block

package main

// BlockFunc is the host-callable form of a compiled block. Invoking it
// produces exactly the guest-state transition interpreting the block would.
type BlockFunc func(state *VCPUState, mmu *MMU) BlockExit

// thunkCtx is the per-invocation execution context of a threaded block.
type thunkCtx struct {
	v     []uint64
	state *VCPUState
	mmu   *MMU
	fault *GuestFault
}

// thunkOp executes one lowered op. Returning false aborts the block with
// ctx.fault set.
type thunkOp func(c *thunkCtx) bool

// CompileThunk lowers a block to threaded code: a flat closure sequence with
// all operand indices and immediates resolved at compile time. This is the
// baseline tier's output; the optimizing tier feeds the same lowering with
// pipeline-transformed IR.
func CompileThunk(block *IRBlock) BlockFunc {
	ops := make([]thunkOp, 0, len(block.Ops))
	for i := range block.Ops {
		ops = append(ops, lowerOp(&block.Ops[i]))
	}
	term := lowerTerm(&block.Term, block)
	numVRegs := int(block.NumVRegs)
	numOps := uint64(len(block.Ops))

	return func(state *VCPUState, mmu *MMU) BlockExit {
		c := thunkCtx{
			v:     make([]uint64, numVRegs),
			state: state,
			mmu:   mmu,
		}
		copy(c.v[:32], state.Regs[:])
		for _, op := range ops {
			if !op(&c) {
				copy(state.Regs[:], c.v[:32])
				state.InsnsRetired += numOps
				return BlockExit{Kind: EXIT_FAULT, Fault: c.fault}
			}
		}
		copy(state.Regs[:], c.v[:32])
		state.InsnsRetired += numOps
		state.BlocksExecuted++
		return term(&c)
	}
}

func lowerOp(op *IROp) thunkOp {
	dst, s1, s2 := op.Dst, op.Src1, op.Src2
	imm := uint64(op.Imm)
	switch op.Kind {
	case OP_NOP:
		return func(c *thunkCtx) bool { return true }
	case OP_MOV_IMM:
		return func(c *thunkCtx) bool { c.v[dst] = imm; return true }
	case OP_MOV:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1]; return true }
	case OP_ADD:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] + c.v[s2]; return true }
	case OP_SUB:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] - c.v[s2]; return true }
	case OP_MUL:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] * c.v[s2]; return true }
	case OP_DIV_S:
		return func(c *thunkCtx) bool {
			if c.v[s2] == 0 {
				c.fault = newFault(FAULT_DIVIDE_BY_ZERO, 0, c.state.PC, ACCESS_READ)
				return false
			}
			c.v[dst] = uint64(int64(c.v[s1]) / int64(c.v[s2]))
			return true
		}
	case OP_DIV_U:
		return func(c *thunkCtx) bool {
			if c.v[s2] == 0 {
				c.fault = newFault(FAULT_DIVIDE_BY_ZERO, 0, c.state.PC, ACCESS_READ)
				return false
			}
			c.v[dst] = c.v[s1] / c.v[s2]
			return true
		}
	case OP_REM_S:
		return func(c *thunkCtx) bool {
			if c.v[s2] == 0 {
				c.fault = newFault(FAULT_DIVIDE_BY_ZERO, 0, c.state.PC, ACCESS_READ)
				return false
			}
			c.v[dst] = uint64(int64(c.v[s1]) % int64(c.v[s2]))
			return true
		}
	case OP_REM_U:
		return func(c *thunkCtx) bool {
			if c.v[s2] == 0 {
				c.fault = newFault(FAULT_DIVIDE_BY_ZERO, 0, c.state.PC, ACCESS_READ)
				return false
			}
			c.v[dst] = c.v[s1] % c.v[s2]
			return true
		}
	case OP_ADD_IMM:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] + imm; return true }
	case OP_AND:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] & c.v[s2]; return true }
	case OP_OR:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] | c.v[s2]; return true }
	case OP_XOR:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] ^ c.v[s2]; return true }
	case OP_AND_IMM:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] & imm; return true }
	case OP_OR_IMM:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] | imm; return true }
	case OP_XOR_IMM:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] ^ imm; return true }
	case OP_SHL:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] << (c.v[s2] & 63); return true }
	case OP_SHR:
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] >> (c.v[s2] & 63); return true }
	case OP_SAR:
		return func(c *thunkCtx) bool { c.v[dst] = uint64(int64(c.v[s1]) >> (c.v[s2] & 63)); return true }
	case OP_SHL_IMM:
		sh := imm & 63
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] << sh; return true }
	case OP_SHR_IMM:
		sh := imm & 63
		return func(c *thunkCtx) bool { c.v[dst] = c.v[s1] >> sh; return true }
	case OP_SAR_IMM:
		sh := imm & 63
		return func(c *thunkCtx) bool { c.v[dst] = uint64(int64(c.v[s1]) >> sh); return true }
	case OP_CMP_SET:
		cond := op.Cond
		return func(c *thunkCtx) bool {
			if evalCond(cond, c.v[s1], c.v[s2]) {
				c.v[dst] = 1
			} else {
				c.v[dst] = 0
			}
			return true
		}
	case OP_SEXT:
		size := op.Size
		return func(c *thunkCtx) bool { c.v[dst] = signExtend(c.v[s1], size); return true }
	case OP_ZEXT:
		size := op.Size
		return func(c *thunkCtx) bool { c.v[dst] = zeroExtend(c.v[s1], size); return true }
	case OP_FENCE:
		return func(c *thunkCtx) bool { return true }
	case OP_LOAD, OP_LOAD_FUSED:
		size, mf := int(op.Size), op.Mem
		return func(c *thunkCtx) bool {
			val, fault := c.mmu.Load(c.state, GuestAddr(c.v[s1]+imm), size, mf)
			if fault != nil {
				c.fault = fault
				return false
			}
			c.v[dst] = val
			return true
		}
	case OP_STORE:
		size, mf := int(op.Size), op.Mem
		return func(c *thunkCtx) bool {
			if fault := c.mmu.Store(c.state, GuestAddr(c.v[s1]+imm), size, c.v[s2], mf); fault != nil {
				c.fault = fault
				return false
			}
			return true
		}
	default:
		kind := op.Kind
		return func(c *thunkCtx) bool {
			c.fault = newFault(FAULT_UNKNOWN_OPCODE, 0, c.state.PC, ACCESS_EXEC)
			_ = kind
			return false
		}
	}
}

func lowerTerm(t *Terminator, block *IRBlock) func(c *thunkCtx) BlockExit {
	term := *t
	endPC := block.EndPC()
	startPC := block.StartPC
	switch term.Kind {
	case TERM_JMP:
		return func(c *thunkCtx) BlockExit { return BlockExit{Kind: EXIT_JUMP, NextPC: term.Target} }
	case TERM_COND_JMP:
		return func(c *thunkCtx) BlockExit {
			if evalCond(term.Cond, c.v[term.Reg], c.v[term.RegRHS]) {
				return BlockExit{Kind: EXIT_JUMP, NextPC: term.Target}
			}
			return BlockExit{Kind: EXIT_JUMP, NextPC: term.TargetFalse}
		}
	case TERM_CALL:
		return func(c *thunkCtx) BlockExit { return BlockExit{Kind: EXIT_JUMP, NextPC: term.Target} }
	case TERM_JMP_REG:
		return func(c *thunkCtx) BlockExit {
			return BlockExit{Kind: EXIT_JUMP, NextPC: GuestAddr(c.v[term.Reg])}
		}
	case TERM_RET:
		return func(c *thunkCtx) BlockExit { return BlockExit{Kind: EXIT_YIELD, NextPC: endPC} }
	case TERM_FAULT:
		return func(c *thunkCtx) BlockExit {
			return BlockExit{Kind: EXIT_FAULT, Fault: &GuestFault{Kind: term.Cause, PC: startPC}}
		}
	case TERM_INTERRUPT:
		return func(c *thunkCtx) BlockExit {
			return BlockExit{Kind: EXIT_INTERRUPT, Vector: term.Vector, NextPC: endPC}
		}
	default:
		return func(c *thunkCtx) BlockExit {
			return BlockExit{Kind: EXIT_FAULT, Fault: &GuestFault{Kind: FAULT_UNKNOWN_OPCODE, PC: startPC}}
		}
	}
}
