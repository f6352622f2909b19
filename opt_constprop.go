// opt_constprop.go - Intra-block constant propagation and folding

package main

// propagateConstants tracks known-constant virtual registers through the
// block and folds computations on them into MovImm. Division folding keeps
// the runtime fault model: a known-zero divisor is left to fault at run
// time, never folded away.
func (o *Optimizer) propagateConstants(b *IRBlock) (*IRBlock, error) {
	ops := make([]IROp, len(b.Ops))
	copy(ops, b.Ops)

	known := make(map[VReg]uint64)
	setK := func(r VReg, v uint64) { known[r] = v }
	kill := func(r VReg) { delete(known, r) }

	for i := range ops {
		op := &ops[i]
		c1, ok1 := known[op.Src1]
		c2, ok2 := known[op.Src2]

		fold := func(v uint64) {
			*op = IROp{Kind: OP_MOV_IMM, Dst: op.Dst, Src1: VREG_NONE, Src2: VREG_NONE, Imm: int64(v)}
			setK(op.Dst, v)
			o.stats.ConstsFolded++
		}

		switch op.Kind {
		case OP_MOV_IMM:
			setK(op.Dst, uint64(op.Imm))
		case OP_MOV:
			if ok1 {
				fold(c1)
			} else {
				kill(op.Dst)
			}
		case OP_ADD:
			if ok1 && ok2 {
				fold(c1 + c2)
			} else {
				kill(op.Dst)
			}
		case OP_SUB:
			if ok1 && ok2 {
				fold(c1 - c2)
			} else {
				kill(op.Dst)
			}
		case OP_MUL:
			if ok1 && ok2 {
				fold(c1 * c2)
			} else {
				kill(op.Dst)
			}
		case OP_ADD_IMM:
			if ok1 {
				fold(c1 + uint64(op.Imm))
			} else {
				kill(op.Dst)
			}
		case OP_AND:
			if ok1 && ok2 {
				fold(c1 & c2)
			} else {
				kill(op.Dst)
			}
		case OP_OR:
			if ok1 && ok2 {
				fold(c1 | c2)
			} else {
				kill(op.Dst)
			}
		case OP_XOR:
			if ok1 && ok2 {
				fold(c1 ^ c2)
			} else {
				kill(op.Dst)
			}
		case OP_AND_IMM:
			if ok1 {
				fold(c1 & uint64(op.Imm))
			} else {
				kill(op.Dst)
			}
		case OP_OR_IMM:
			if ok1 {
				fold(c1 | uint64(op.Imm))
			} else {
				kill(op.Dst)
			}
		case OP_XOR_IMM:
			if ok1 {
				fold(c1 ^ uint64(op.Imm))
			} else {
				kill(op.Dst)
			}
		case OP_SHL_IMM:
			if ok1 {
				fold(c1 << (uint64(op.Imm) & 63))
			} else {
				kill(op.Dst)
			}
		case OP_SHR_IMM:
			if ok1 {
				fold(c1 >> (uint64(op.Imm) & 63))
			} else {
				kill(op.Dst)
			}
		case OP_SAR_IMM:
			if ok1 {
				fold(uint64(int64(c1) >> (uint64(op.Imm) & 63)))
			} else {
				kill(op.Dst)
			}
		case OP_SHL:
			if ok1 && ok2 {
				fold(c1 << (c2 & 63))
			} else {
				kill(op.Dst)
			}
		case OP_SHR:
			if ok1 && ok2 {
				fold(c1 >> (c2 & 63))
			} else {
				kill(op.Dst)
			}
		case OP_SAR:
			if ok1 && ok2 {
				fold(uint64(int64(c1) >> (c2 & 63)))
			} else {
				kill(op.Dst)
			}
		case OP_CMP_SET:
			if ok1 && ok2 {
				if evalCond(op.Cond, c1, c2) {
					fold(1)
				} else {
					fold(0)
				}
			} else {
				kill(op.Dst)
			}
		case OP_SEXT:
			if ok1 {
				fold(signExtend(c1, op.Size))
			} else {
				kill(op.Dst)
			}
		case OP_ZEXT:
			if ok1 {
				fold(zeroExtend(c1, op.Size))
			} else {
				kill(op.Dst)
			}
		case OP_DIV_S, OP_DIV_U, OP_REM_S, OP_REM_U:
			// Fold only when the divisor is a known non-zero constant.
			if ok1 && ok2 && c2 != 0 {
				switch op.Kind {
				case OP_DIV_S:
					fold(uint64(int64(c1) / int64(c2)))
				case OP_DIV_U:
					fold(c1 / c2)
				case OP_REM_S:
					fold(uint64(int64(c1) % int64(c2)))
				default:
					fold(c1 % c2)
				}
			} else {
				kill(op.Dst)
			}
		case OP_LOAD, OP_LOAD_FUSED:
			kill(op.Dst)
		case OP_STORE, OP_FENCE, OP_NOP:
			// No defs to track.
		default:
			if op.Dst != VREG_NONE {
				kill(op.Dst)
			}
		}
	}

	return cloneForRewrite(b, ops), nil
}
