// decoder_arm64_test.go - AArch64 decoder tests

package main

import "testing"

func loadWordsA64(t *testing.T, mmu *MMU, pc GuestAddr, words []uint32) {
	t.Helper()
	loadProgram(t, mmu, pc, words)
}

// TestARM64DecodeMovAdd: MOVZ + register ADD execute correctly.
func TestARM64DecodeMovAdd(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadWordsA64(t, mmu, 0x1000, []uint32{
		0xD2800000 | 5<<5 | 0,         // movz x0, #5
		0xD2800000 | 7<<5 | 1,         // movz x1, #7
		0x8B000000 | 1<<16 | 0<<5 | 2, // add x2, x0, x1
		0xD4200000,                    // brk #0
	})

	d := NewARM64Decoder()
	blk, fault := d.Decode(mmu, 0x1000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Kind != TERM_FAULT || blk.Term.Cause != FAULT_BREAKPOINT {
		t.Fatalf("terminator = %+v", blk.Term)
	}

	state := NewVCPUState(ARCH_ARM64)
	state.PC = 0x1000
	NewInterp(mmu).Execute(blk, state)
	if state.Regs[2] != 12 {
		t.Errorf("x2 = %d, want 12", state.Regs[2])
	}
}

// TestARM64DecodeMovkComposition: MOVZ/MOVK build a wide constant.
func TestARM64DecodeMovkComposition(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadWordsA64(t, mmu, 0x2000, []uint32{
		0xD2800000 | 0xBEEF<<5 | 3,         // movz x3, #0xBEEF
		0xF2800000 | 1<<21 | 0xDEAD<<5 | 3, // movk x3, #0xDEAD, lsl #16
		0xD4200000,                         // brk
	})
	d := NewARM64Decoder()
	blk, fault := d.Decode(mmu, 0x2000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	state := NewVCPUState(ARCH_ARM64)
	NewInterp(mmu).Execute(blk, state)
	if state.Regs[3] != 0xDEADBEEF {
		t.Errorf("x3 = 0x%X, want 0xDEADBEEF", state.Regs[3])
	}
}

// TestARM64DecodeCBZ: compare-and-branch lifts without flag state.
func TestARM64DecodeCBZ(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadWordsA64(t, mmu, 0x3000, []uint32{
		0xB4000000 | 2<<5 | 4, // cbz x4, +8
	})
	d := NewARM64Decoder()
	blk, fault := d.Decode(mmu, 0x3000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	tm := blk.Term
	if tm.Kind != TERM_COND_JMP || tm.Cond != COND_EQ {
		t.Fatalf("terminator = %+v", tm)
	}
	if tm.Target != 0x3008 || tm.TargetFalse != 0x3004 {
		t.Fatalf("targets 0x%X / 0x%X", uint64(tm.Target), uint64(tm.TargetFalse))
	}
}

// TestARM64DecodeCmpBcond: SUBS-as-CMP resolves a following B.cond inside
// the block.
func TestARM64DecodeCmpBcond(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadWordsA64(t, mmu, 0x4000, []uint32{
		0xEB000000 | 1<<16 | 0<<5 | 31, // subs xzr, x0, x1 (cmp x0, x1)
		0x54000000 | 2<<5 | 0xB,        // b.lt +8
	})
	d := NewARM64Decoder()
	blk, fault := d.Decode(mmu, 0x4000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	tm := blk.Term
	if tm.Kind != TERM_COND_JMP || tm.Cond != COND_LT {
		t.Fatalf("terminator = %+v", tm)
	}
	if tm.Target != 0x400C {
		t.Fatalf("taken target 0x%X, want 0x400C", uint64(tm.Target))
	}
}

// TestARM64DecodeBL: branch-and-link writes X30 and records the call.
func TestARM64DecodeBL(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadWordsA64(t, mmu, 0x5000, []uint32{
		0x94000000 | 4, // bl +16
	})
	d := NewARM64Decoder()
	blk, fault := d.Decode(mmu, 0x5000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Kind != TERM_CALL || blk.Term.Target != 0x5010 || blk.Term.RetPC != 0x5004 {
		t.Fatalf("terminator = %+v", blk.Term)
	}
	state := NewVCPUState(ARCH_ARM64)
	state.PC = 0x5000
	exit := NewInterp(mmu).Execute(blk, state)
	if state.Regs[30] != 0x5004 {
		t.Errorf("x30 = 0x%X, want 0x5004", state.Regs[30])
	}
	if exit.NextPC != 0x5010 {
		t.Errorf("next PC = 0x%X, want 0x5010", uint64(exit.NextPC))
	}
}

// TestARM64DecodeRET: ret is a register-indirect exit through X30.
func TestARM64DecodeRET(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadWordsA64(t, mmu, 0x6000, []uint32{0xD65F0000 | 30<<5})
	d := NewARM64Decoder()
	blk, fault := d.Decode(mmu, 0x6000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Kind != TERM_JMP_REG || blk.Term.Reg != 30 {
		t.Fatalf("terminator = %+v", blk.Term)
	}
}

// TestARM64DecodeLoadStore: unsigned-offset LDR/STR round-trip through
// memory.
func TestARM64DecodeLoadStore(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadWordsA64(t, mmu, 0x7000, []uint32{
		0xF9000000 | 1<<10 | 0<<5 | 2, // str x2, [x0, #8]
		0xF9400000 | 1<<10 | 0<<5 | 3, // ldr x3, [x0, #8]
		0xD4200000,                    // brk
	})
	d := NewARM64Decoder()
	blk, fault := d.Decode(mmu, 0x7000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	state := NewVCPUState(ARCH_ARM64)
	state.Regs[0] = 0x9000
	state.Regs[2] = 0x777
	NewInterp(mmu).Execute(blk, state)
	if state.Regs[3] != 0x777 {
		t.Errorf("x3 = 0x%X, want 0x777", state.Regs[3])
	}
	v, _ := mmu.Bus().Read(0x9008, 8)
	if v != 0x777 {
		t.Errorf("memory = 0x%X, want 0x777", v)
	}
}

// TestARM64BcondWithoutCmp: a conditional branch with no in-block
// comparison cannot resolve flags and faults as unknown.
func TestARM64BcondWithoutCmp(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadWordsA64(t, mmu, 0x8000, []uint32{0x54000000 | 2<<5 | 0x0})
	d := NewARM64Decoder()
	_, fault := d.Decode(mmu, 0x8000, 0, MODE_USER)
	if fault == nil || fault.Kind != FAULT_UNKNOWN_OPCODE {
		t.Fatalf("fault = %v, want unknown opcode", fault)
	}
}
