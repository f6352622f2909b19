// opt_pipeline.go - Optimization pipeline driver and IR validation

package main

import "fmt"

// OptStage identifies one pipeline stage. Stages run in fixed order; the
// optimization level selects which are enabled.
type OptStage uint8

const (
	STAGE_FUSION OptStage = iota
	STAGE_CONSTPROP
	STAGE_DCE
	STAGE_REGALLOC
	STAGE_SCHED
)

func (s OptStage) String() string {
	switch s {
	case STAGE_FUSION:
		return "fusion"
	case STAGE_CONSTPROP:
		return "constprop"
	case STAGE_DCE:
		return "dce"
	case STAGE_REGALLOC:
		return "regalloc"
	case STAGE_SCHED:
		return "sched"
	default:
		return "stage?"
	}
}

// stagesForLevel maps optimization level 0-3 to the enabled stage set.
// Level 0 disables everything; level 3 enables all.
func stagesForLevel(level int) []OptStage {
	switch {
	case level <= 0:
		return nil
	case level == 1:
		return []OptStage{STAGE_FUSION, STAGE_CONSTPROP, STAGE_DCE}
	case level == 2:
		return []OptStage{STAGE_FUSION, STAGE_CONSTPROP, STAGE_DCE, STAGE_REGALLOC}
	default:
		return []OptStage{STAGE_FUSION, STAGE_CONSTPROP, STAGE_DCE, STAGE_REGALLOC, STAGE_SCHED}
	}
}

// OptStats counts pipeline activity.
type OptStats struct {
	BlocksOptimized uint64
	BlocksAborted   uint64
	OpsFused        uint64
	ConstsFolded    uint64
	OpsEliminated   uint64
	TempsAllocated  uint64
	OpsReordered    uint64
}

// Optimizer runs the enabled stages over a block. A stage whose output
// violates the IR invariants aborts the whole pipeline: the block is marked
// unoptimized and the unmodified input is returned.
type Optimizer struct {
	level  int
	stages []OptStage
	stats  OptStats
	log    *VMLogger
}

func NewOptimizer(level int, log *VMLogger) *Optimizer {
	if log == nil {
		log = nopLogger
	}
	if level < 0 {
		level = 0
	}
	if level > 3 {
		level = 3
	}
	return &Optimizer{level: level, stages: stagesForLevel(level), log: log}
}

// Level returns the configured optimization level.
func (o *Optimizer) Level() int { return o.level }

// Stats returns a copy of the counters.
func (o *Optimizer) Stats() OptStats { return o.stats }

// Optimize transforms block through the enabled stages. The input block is
// never mutated; the returned block is freshly built (or the input itself
// when no stage ran or the pipeline aborted).
func (o *Optimizer) Optimize(block *IRBlock) (*IRBlock, bool) {
	if len(o.stages) == 0 {
		return block, false
	}
	cur := block
	for _, stage := range o.stages {
		var next *IRBlock
		var err error
		switch stage {
		case STAGE_FUSION:
			next, err = o.fuse(cur)
		case STAGE_CONSTPROP:
			next, err = o.propagateConstants(cur)
		case STAGE_DCE:
			next, err = o.eliminateDeadCode(cur)
		case STAGE_REGALLOC:
			next, err = o.allocateRegisters(cur)
		case STAGE_SCHED:
			next, err = o.schedule(cur)
		}
		if err != nil {
			o.stats.BlocksAborted++
			o.log.Warnf("opt", "stage %s aborted on block 0x%X: %v", stage, uint64(block.StartPC), err)
			return block, false
		}
		if err := validateIR(next); err != nil {
			o.stats.BlocksAborted++
			o.log.Warnf("opt", "stage %s broke IR invariants on block 0x%X: %v", stage, uint64(block.StartPC), err)
			return block, false
		}
		cur = next
	}
	o.stats.BlocksOptimized++
	return cur, true
}

// validateIR checks the block invariants every stage must preserve: each
// temporary use is dominated by a definition, register indices stay inside
// NumVRegs, and the terminator's operands are defined.
func validateIR(b *IRBlock) error {
	defined := make([]bool, b.NumVRegs)
	for i := 0; i < 32 && i < int(b.NumVRegs); i++ {
		defined[i] = true // architectural registers are defined at entry
	}
	checkUse := func(r VReg, at int) error {
		if r == VREG_NONE {
			return nil
		}
		if uint16(r) >= b.NumVRegs {
			return fmt.Errorf("%w: v%d out of range at op %d", ErrInvariantViolated, r, at)
		}
		if !defined[r] {
			return fmt.Errorf("%w: use of undefined v%d at op %d", ErrInvariantViolated, r, at)
		}
		return nil
	}
	for i := range b.Ops {
		op := &b.Ops[i]
		if err := checkUse(op.Src1, i); err != nil {
			return err
		}
		if err := checkUse(op.Src2, i); err != nil {
			return err
		}
		if op.Dst != VREG_NONE {
			if uint16(op.Dst) >= b.NumVRegs {
				return fmt.Errorf("%w: def v%d out of range at op %d", ErrInvariantViolated, op.Dst, i)
			}
			defined[op.Dst] = true
		}
	}
	if b.Term.Kind == TERM_NONE {
		return ErrNoTerminator
	}
	if b.Term.Kind == TERM_COND_JMP {
		if err := checkUse(b.Term.Reg, len(b.Ops)); err != nil {
			return err
		}
		if err := checkUse(b.Term.RegRHS, len(b.Ops)); err != nil {
			return err
		}
	}
	if b.Term.Kind == TERM_JMP_REG {
		if err := checkUse(b.Term.Reg, len(b.Ops)); err != nil {
			return err
		}
	}
	return nil
}

// cloneForRewrite copies the block shell with a fresh op slice.
func cloneForRewrite(b *IRBlock, ops []IROp) *IRBlock {
	out := *b
	out.Ops = ops
	return &out
}
