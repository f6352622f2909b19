// ir_test.go - IR builder contract tests

package main

import (
	"errors"
	"testing"
)

// TestBuilderBasicBlock pushes ops, terminates and builds.
func TestBuilderBasicBlock(t *testing.T) {
	b := NewIRBuilder(0x1000, ARCH_RISCV64)
	if err := b.Push(IROp{Kind: OP_MOV_IMM, Dst: 1, Src1: VREG_NONE, Src2: VREG_NONE, Imm: 7}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := b.Push(IROp{Kind: OP_ADD, Dst: 0, Src1: 0, Src2: 1}); err != nil {
		t.Fatalf("push: %v", err)
	}
	b.SetTerm(Terminator{Kind: TERM_RET})
	blk, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if blk.StartPC != 0x1000 || len(blk.Ops) != 2 || blk.Term.Kind != TERM_RET {
		t.Fatalf("block = %v", blk)
	}
}

// TestBuilderPushAfterTerminatorFails: the append-only contract.
func TestBuilderPushAfterTerminatorFails(t *testing.T) {
	b := NewIRBuilder(0, ARCH_X86_64)
	b.SetTerm(Terminator{Kind: TERM_RET})
	err := b.Push(IROp{Kind: OP_NOP})
	if !errors.Is(err, ErrBlockTerminated) {
		t.Fatalf("push after terminator = %v, want ErrBlockTerminated", err)
	}
}

// TestBuilderTermReplaces: SetTerm is idempotent-replaces.
func TestBuilderTermReplaces(t *testing.T) {
	b := NewIRBuilder(0, ARCH_ARM64)
	b.SetTerm(Terminator{Kind: TERM_RET})
	b.SetTerm(Terminator{Kind: TERM_JMP, Target: 0x2000})
	blk, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if blk.Term.Kind != TERM_JMP || blk.Term.Target != 0x2000 {
		t.Fatalf("terminator = %+v, want replaced Jmp", blk.Term)
	}
}

// TestBuilderNoTerminator: building an open block is an error.
func TestBuilderNoTerminator(t *testing.T) {
	b := NewIRBuilder(0, ARCH_RISCV64)
	_ = b.Push(IROp{Kind: OP_NOP})
	if _, err := b.Build(); !errors.Is(err, ErrNoTerminator) {
		t.Fatalf("build = %v, want ErrNoTerminator", err)
	}
}

// TestBuilderImmediateFormats: out-of-format immediates are construction
// faults caught at push time.
func TestBuilderImmediateFormats(t *testing.T) {
	cases := []struct {
		v   int64
		f   ImmFormat
		fit bool
	}{
		{31, IMM_U5, true},
		{32, IMM_U5, false},
		{-1, IMM_U5, false},
		{2047, IMM_S12, true},
		{2048, IMM_S12, false},
		{-2048, IMM_S12, true},
		{-2049, IMM_S12, false},
		{65535, IMM_U16, true},
		{1 << 31, IMM_S32, false},
		{1<<31 - 1, IMM_S32, true},
		{-(1 << 62), IMM_S64, true},
	}
	for _, tc := range cases {
		if got := FitsImm(tc.v, tc.f); got != tc.fit {
			t.Errorf("FitsImm(%d, %d) = %v, want %v", tc.v, tc.f, got, tc.fit)
		}
	}

	b := NewIRBuilder(0, ARCH_RISCV64)
	err := b.PushImm(IROp{Kind: OP_ADD_IMM, Dst: 1, Src1: 1, Src2: VREG_NONE, Imm: 4096}, IMM_S12)
	if !errors.Is(err, ErrImmediateRange) {
		t.Fatalf("oversized immediate = %v, want ErrImmediateRange", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("build after construction fault must fail")
	}
}

// TestBuilderTempAllocation: temporaries number from VREG_TEMP0 and grow
// NumVRegs.
func TestBuilderTempAllocation(t *testing.T) {
	b := NewIRBuilder(0, ARCH_RISCV64)
	t0 := b.NewTemp()
	t1 := b.NewTemp()
	if t0 != VREG_TEMP0 || t1 != VREG_TEMP0+1 {
		t.Fatalf("temps = %d, %d", t0, t1)
	}
	_ = b.Push(IROp{Kind: OP_MOV_IMM, Dst: t1, Src1: VREG_NONE, Src2: VREG_NONE, Imm: 1})
	b.SetTerm(Terminator{Kind: TERM_RET})
	blk, _ := b.Build()
	if blk.NumVRegs != uint16(t1)+1 {
		t.Fatalf("NumVRegs = %d, want %d", blk.NumVRegs, uint16(t1)+1)
	}
}
