// decoder_riscv64_test.go - RV64 decoder tests, including encode/decode round trips

package main

import (
	"encoding/binary"
	"testing"
)

// loadProgram writes 32-bit instruction words at pc in guest RAM.
func loadProgram(t *testing.T, mmu *MMU, pc GuestAddr, words []uint32) {
	t.Helper()
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	if err := mmu.Bus().WriteBytes(GuestPhysAddr(pc), buf); err != nil {
		t.Fatalf("loadProgram: %v", err)
	}
}

// TestRV64DecodeStraightLine lifts an ALU run ending at ECALL.
func TestRV64DecodeStraightLine(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadProgram(t, mmu, 0x1000, []uint32{
		EncodeADDI(1, 0, 5), // addi x1, x0, 5
		EncodeADDI(2, 0, 7), // addi x2, x0, 7
		EncodeADD(3, 1, 2),  // add x3, x1, x2
		EncodeECALL(),
	})

	d := NewRV64Decoder()
	blk, fault := d.Decode(mmu, 0x1000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Kind != TERM_INTERRUPT || blk.Term.Vector != IRQ_VECTOR_SYSCALL {
		t.Fatalf("terminator = %+v, want syscall interrupt", blk.Term)
	}
	if blk.GuestLen != 16 {
		t.Errorf("guest len = %d, want 16", blk.GuestLen)
	}
	if len(blk.Ops) != 3 {
		t.Errorf("ops = %d, want 3", len(blk.Ops))
	}
}

// TestRV64RoundTripExecution is the decode∘encode identity check on the
// supported subset, validated through execution semantics.
func TestRV64RoundTripExecution(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadProgram(t, mmu, 0x1000, []uint32{
		EncodeADDI(1, 0, 100), // x1 = 100
		EncodeADDI(2, 1, -30), // x2 = 70
		EncodeSUB(3, 1, 2),    // x3 = 30
		EncodeMUL(4, 2, 3),    // x4 = 2100
		EncodeSD(0, 4, 64),    // mem[64] = x4
		EncodeLD(5, 0, 64),    // x5 = mem[64]
		EncodeEBREAK(),
	})

	d := NewRV64Decoder()
	blk, fault := d.Decode(mmu, 0x1000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}

	state := NewVCPUState(ARCH_RISCV64)
	state.PC = 0x1000
	exit := NewInterp(mmu).Execute(blk, state)
	if exit.Kind != EXIT_FAULT || exit.Fault.Kind != FAULT_BREAKPOINT {
		t.Fatalf("exit = %+v, want breakpoint", exit)
	}
	if state.Regs[1] != 100 || state.Regs[2] != 70 || state.Regs[3] != 30 {
		t.Fatalf("regs = %d %d %d", state.Regs[1], state.Regs[2], state.Regs[3])
	}
	if state.Regs[4] != 2100 || state.Regs[5] != 2100 {
		t.Fatalf("x4=%d x5=%d, want 2100", state.Regs[4], state.Regs[5])
	}
}

// TestRV64DecodeBranch: a branch ends the block with both targets.
func TestRV64DecodeBranch(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadProgram(t, mmu, 0x2000, []uint32{
		EncodeBEQ(1, 2, 16),
	})
	d := NewRV64Decoder()
	blk, fault := d.Decode(mmu, 0x2000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	tm := blk.Term
	if tm.Kind != TERM_COND_JMP || tm.Cond != COND_EQ {
		t.Fatalf("terminator = %+v", tm)
	}
	if tm.Target != 0x2010 || tm.TargetFalse != 0x2004 {
		t.Fatalf("targets = 0x%X / 0x%X, want 0x2010 / 0x2004", uint64(tm.Target), uint64(tm.TargetFalse))
	}
}

// TestRV64DecodeJAL: jal records the call edge and the link register.
func TestRV64DecodeJAL(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadProgram(t, mmu, 0x3000, []uint32{EncodeJAL(1, 0x40)})
	d := NewRV64Decoder()
	blk, fault := d.Decode(mmu, 0x3000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Kind != TERM_CALL || blk.Term.Target != 0x3040 || blk.Term.RetPC != 0x3004 {
		t.Fatalf("terminator = %+v", blk.Term)
	}
	// jal x0 is a plain jump.
	loadProgram(t, mmu, 0x4000, []uint32{EncodeJAL(0, 8)})
	blk, _ = d.Decode(mmu, 0x4000, 0, MODE_USER)
	if blk.Term.Kind != TERM_JMP || blk.Term.Target != 0x4008 {
		t.Fatalf("jal x0 terminator = %+v", blk.Term)
	}
}

// TestRV64DecodeCompressed: RVC forms consume two bytes and advance by the
// actual length.
func TestRV64DecodeCompressed(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	// c.li x5, 3 ; then a full-width ecall
	cli := uint16(0x2<<13 | 5<<7 | 3<<2 | 0x1)
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf, cli)
	binary.LittleEndian.PutUint32(buf[2:], EncodeECALL())
	_ = mmu.Bus().WriteBytes(0x5000, buf)

	d := NewRV64Decoder()
	blk, fault := d.Decode(mmu, 0x5000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.GuestLen != 6 {
		t.Fatalf("guest len = %d, want 6 (2-byte RVC + 4-byte ecall)", blk.GuestLen)
	}
	if blk.Ops[0].Kind != OP_MOV_IMM || blk.Ops[0].Dst != 5 || blk.Ops[0].Imm != 3 {
		t.Fatalf("c.li lifted to %+v", blk.Ops[0])
	}
}

// TestRV64DecodeUnknownOpcode: undecodable bytes fault as UnknownOpcode.
func TestRV64DecodeUnknownOpcode(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	_ = mmu.Bus().WriteBytes(0x6000, []byte{0x00, 0x00, 0x00, 0x00})
	d := NewRV64Decoder()
	_, fault := d.Decode(mmu, 0x6000, 0, MODE_USER)
	if fault == nil || fault.Kind != FAULT_UNKNOWN_OPCODE {
		t.Fatalf("fault = %v, want unknown opcode", fault)
	}
}

// TestRV64DecodeCacheReuse: the template cache fills on PC-independent
// instructions and survives a clear.
func TestRV64DecodeCacheReuse(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadProgram(t, mmu, 0x1000, []uint32{
		EncodeADDI(1, 0, 5),
		EncodeADDI(1, 0, 5),
		EncodeEBREAK(),
	})
	d := NewRV64Decoder()
	if _, fault := d.Decode(mmu, 0x1000, 0, MODE_USER); fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if d.cache.len() == 0 {
		t.Fatal("decode cache empty after straight-line decode")
	}
	if d.cache.hits == 0 {
		t.Fatal("repeated instruction bits did not hit the template cache")
	}
	d.ClearCache()
	if d.cache.len() != 0 {
		t.Fatal("ClearCache left templates behind")
	}
}
