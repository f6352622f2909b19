// decoder_x86_test.go - x86-64 decoder tests

package main

import "testing"

func loadBytes(t *testing.T, mmu *MMU, pc GuestAddr, code []byte) {
	t.Helper()
	if err := mmu.Bus().WriteBytes(GuestPhysAddr(pc), code); err != nil {
		t.Fatalf("loadBytes: %v", err)
	}
}

// TestX86DecodeMovAdd lifts REX.W MOV/ADD forms and executes them.
func TestX86DecodeMovAdd(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadBytes(t, mmu, 0x1000, []byte{
		0x48, 0xC7, 0xC0, 0x05, 0x00, 0x00, 0x00, // mov rax, 5
		0x48, 0xC7, 0xC3, 0x07, 0x00, 0x00, 0x00, // mov rbx, 7
		0x48, 0x01, 0xD8, // add rax, rbx
		0xCC, // int3
	})

	d := NewX86Decoder()
	blk, fault := d.Decode(mmu, 0x1000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Kind != TERM_FAULT || blk.Term.Cause != FAULT_BREAKPOINT {
		t.Fatalf("terminator = %+v", blk.Term)
	}
	if blk.GuestLen != 18 {
		t.Errorf("guest len = %d, want 18", blk.GuestLen)
	}

	state := NewVCPUState(ARCH_X86_64)
	state.PC = 0x1000
	NewInterp(mmu).Execute(blk, state)
	if state.Regs[0] != 12 {
		t.Errorf("rax = %d, want 12", state.Regs[0])
	}
}

// TestX86DecodeImm64: REX.W B8+r takes a full 64-bit immediate.
func TestX86DecodeImm64(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadBytes(t, mmu, 0x1000, []byte{
		0x48, 0xB9, 0xEF, 0xBE, 0xAD, 0xDE, 0xBE, 0xBA, 0xFE, 0xCA, // mov rcx, 0xCAFEBABEDEADBEEF
		0xCC,
	})
	d := NewX86Decoder()
	blk, fault := d.Decode(mmu, 0x1000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Ops[0].Kind != OP_MOV_IMM || blk.Ops[0].Dst != 1 {
		t.Fatalf("op = %+v", blk.Ops[0])
	}
	if uint64(blk.Ops[0].Imm) != 0xCAFEBABEDEADBEEF {
		t.Fatalf("imm = 0x%X", uint64(blk.Ops[0].Imm))
	}
}

// TestX86DecodeCmpJcc: CMP + JE resolve within the block.
func TestX86DecodeCmpJcc(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadBytes(t, mmu, 0x2000, []byte{
		0x48, 0x39, 0xD8, // cmp rax, rbx
		0x74, 0x02, // je +2
	})
	d := NewX86Decoder()
	blk, fault := d.Decode(mmu, 0x2000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	tm := blk.Term
	if tm.Kind != TERM_COND_JMP || tm.Cond != COND_EQ {
		t.Fatalf("terminator = %+v", tm)
	}
	if tm.Target != 0x2007 || tm.TargetFalse != 0x2005 {
		t.Fatalf("targets 0x%X / 0x%X, want 0x2007 / 0x2005", uint64(tm.Target), uint64(tm.TargetFalse))
	}
}

// TestX86DecodePushPopRet: the stack forms expand to explicit RSP
// arithmetic and the RET becomes a register-indirect exit.
func TestX86DecodePushPopRet(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadBytes(t, mmu, 0x3000, []byte{
		0x50, // push rax
		0x5B, // pop rbx
		0xC3, // ret
	})
	d := NewX86Decoder()
	blk, fault := d.Decode(mmu, 0x3000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Kind != TERM_JMP_REG {
		t.Fatalf("ret lifted to %+v", blk.Term)
	}

	state := NewVCPUState(ARCH_X86_64)
	state.PC = 0x3000
	state.Regs[0] = 0x1234 // rax
	state.Regs[X86_RSP] = 0x8000
	// Plant the return target where RET will pop it.
	_ = mmu.Bus().Write(0x8000-8, 8, 0)
	_ = mmu.Bus().Write(0x8000, 8, 0x4000)

	exit := NewInterp(mmu).Execute(blk, state)
	if state.Regs[3] != 0x1234 {
		t.Errorf("pop rbx = 0x%X, want 0x1234 (pushed rax)", state.Regs[3])
	}
	if exit.NextPC != 0x4000 {
		t.Errorf("ret target = 0x%X, want 0x4000", uint64(exit.NextPC))
	}
	if state.Regs[X86_RSP] != 0x8008 {
		t.Errorf("rsp = 0x%X, want 0x8008", state.Regs[X86_RSP])
	}
}

// TestX86DecodeJmpRel: JMP rel8/rel32 produce direct exits with the
// variable instruction length accounted for.
func TestX86DecodeJmpRel(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadBytes(t, mmu, 0x4000, []byte{0xEB, 0x10}) // jmp +0x10
	d := NewX86Decoder()
	blk, fault := d.Decode(mmu, 0x4000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Kind != TERM_JMP || blk.Term.Target != 0x4012 {
		t.Fatalf("terminator = %+v, want jmp 0x4012", blk.Term)
	}

	loadBytes(t, mmu, 0x5000, []byte{0xE9, 0x00, 0x01, 0x00, 0x00}) // jmp +0x100
	blk, fault = d.Decode(mmu, 0x5000, 0, MODE_USER)
	if fault != nil {
		t.Fatalf("decode: %v", fault)
	}
	if blk.Term.Target != 0x5105 {
		t.Fatalf("rel32 target = 0x%X, want 0x5105", uint64(blk.Term.Target))
	}
}

// TestX86HLTPrivileged: HLT in user mode is a privilege violation.
func TestX86HLTPrivileged(t *testing.T) {
	mmu := testMMU(t, 1<<20)
	loadBytes(t, mmu, 0x6000, []byte{0xF4})
	d := NewX86Decoder()
	_, fault := d.Decode(mmu, 0x6000, 0, MODE_USER)
	if fault == nil || fault.Kind != FAULT_PRIVILEGE {
		t.Fatalf("fault = %v, want privilege violation", fault)
	}
	blk, fault := d.Decode(mmu, 0x6000, 0, MODE_SUPERVISOR)
	if fault != nil {
		t.Fatalf("supervisor decode: %v", fault)
	}
	if blk.Term.Kind != TERM_INTERRUPT || blk.Term.Vector != IRQ_VECTOR_HALT {
		t.Fatalf("terminator = %+v", blk.Term)
	}
}
