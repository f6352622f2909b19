// opt_fusion.go - Instruction fusion rewrites

package main

// fuse applies the fixed rewrite patterns. The canonical one folds an
// address add into the following load's addressing mode:
//
//	AddImm t, base, k ; Load d, [t+0]  ->  AddImm t, base, k ; Load.fused d, [base+k]
//
// The AddImm stays (DCE removes it when the temporary is otherwise dead), so
// observable side effects and the fault model are untouched: the fused load
// faults on exactly the address the original computed.
func (o *Optimizer) fuse(b *IRBlock) (*IRBlock, error) {
	ops := make([]IROp, len(b.Ops))
	copy(ops, b.Ops)

	for i := 1; i < len(ops); i++ {
		ld := &ops[i]
		if ld.Kind != OP_LOAD || ld.Imm != 0 {
			continue
		}
		prev := &ops[i-1]
		if prev.Kind != OP_ADD_IMM || prev.Dst != ld.Src1 {
			continue
		}
		if prev.Dst == prev.Src1 {
			// The add clobbers its own base; the original base value is
			// gone by the time the load runs, so the rewrite is unsound.
			continue
		}
		ld.Kind = OP_LOAD_FUSED
		ld.Src1 = prev.Src1
		ld.Imm = prev.Imm
		o.stats.OpsFused++
	}

	// Mov-immediate feeding a register-register add collapses to AddImm.
	for i := 1; i < len(ops); i++ {
		add := &ops[i]
		if add.Kind != OP_ADD {
			continue
		}
		prev := &ops[i-1]
		if prev.Kind != OP_MOV_IMM || prev.Dst != add.Src2 || prev.Dst == add.Src1 {
			continue
		}
		add.Kind = OP_ADD_IMM
		add.Imm = prev.Imm
		add.Src2 = VREG_NONE
		o.stats.OpsFused++
	}

	return cloneForRewrite(b, ops), nil
}
