// jit_block_chaining_test.go - Chain analysis, bounds, and exit patching

package main

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func jmpBlock(from, to GuestAddr) *IRBlock {
	b := NewIRBuilder(from, ARCH_RISCV64)
	b.SetTerm(Terminator{Kind: TERM_JMP, Target: to})
	b.SetGuestLen(4)
	blk, _ := b.Build()
	return blk
}

// TestChainerAnalyzeTerminators records the right link types.
func TestChainerAnalyzeTerminators(t *testing.T) {
	ch := NewBlockChainer(16, true)

	ch.AnalyzeBlock(jmpBlock(0x1000, 0x2000))

	b := NewIRBuilder(0x2000, ARCH_RISCV64)
	b.SetTerm(Terminator{Kind: TERM_COND_JMP, Cond: COND_EQ, Reg: 1, RegRHS: 2, Target: 0x3000, TargetFalse: 0x2004})
	cond, _ := b.Build()
	ch.AnalyzeBlock(cond)

	b2 := NewIRBuilder(0x4000, ARCH_RISCV64)
	b2.SetTerm(Terminator{Kind: TERM_JMP_REG, Reg: 1})
	indirect, _ := b2.Build()
	ch.AnalyzeBlock(indirect)

	if l, ok := ch.GetLink(0x1000, 0x2000); !ok || l.Type != CHAIN_DIRECT {
		t.Error("direct link missing")
	}
	if l, ok := ch.GetLink(0x2000, 0x3000); !ok || l.Type != CHAIN_CONDITIONAL {
		t.Error("conditional taken link missing")
	}
	if _, ok := ch.GetLink(0x2000, 0x2004); !ok {
		t.Error("conditional fallthrough link missing")
	}
	st := ch.Stats()
	if st.TotalLinks != 3 {
		t.Errorf("links = %d, want 3 (indirect exits record none)", st.TotalLinks)
	}
}

// TestChainerBuildsChain: A -> B -> C produces one chain from A.
func TestChainerBuildsChain(t *testing.T) {
	ch := NewBlockChainer(16, true)
	ch.AnalyzeBlock(jmpBlock(0x1000, 0x2000))
	ch.AnalyzeBlock(jmpBlock(0x2000, 0x3000))
	rb := NewIRBuilder(0x3000, ARCH_RISCV64)
	rb.SetTerm(Terminator{Kind: TERM_RET})
	last, _ := rb.Build()
	ch.AnalyzeBlock(last)

	ch.BuildChains()
	chain, ok := ch.GetChain(0x1000)
	if !ok {
		t.Fatal("no chain from 0x1000")
	}
	if len(chain.Blocks) < 2 || chain.Blocks[0] != 0x1000 || chain.Blocks[1] != 0x2000 {
		t.Fatalf("chain = %v", chain.Blocks)
	}
}

// TestChainerAcyclicAndBounded: a jump cycle terminates within the
// configured maximum length.
func TestChainerAcyclicAndBounded(t *testing.T) {
	ch := NewBlockChainer(4, true)
	// 0x1000 -> 0x2000 -> 0x1000 loop, plus a long straight run.
	ch.AnalyzeBlock(jmpBlock(0x1000, 0x2000))
	ch.AnalyzeBlock(jmpBlock(0x2000, 0x1000))
	for i := 0; i < 10; i++ {
		from := GuestAddr(0x8000 + 0x100*i)
		ch.AnalyzeBlock(jmpBlock(from, from+0x100))
	}
	ch.BuildChains()

	if chain, ok := ch.GetChain(0x1000); ok {
		if len(chain.Blocks) > 4 {
			t.Fatalf("cyclic chain length %d exceeds bound", len(chain.Blocks))
		}
	}
	if chain, ok := ch.GetChain(0x8000); ok {
		if len(chain.Blocks) > 4 {
			t.Fatalf("straight chain length %d exceeds max_chain_length", len(chain.Blocks))
		}
	}
}

// TestChainerHotPathFirst: higher-frequency blocks start chains first (the
// hot start owns the shared suffix).
func TestChainerHotPathFirst(t *testing.T) {
	ch := NewBlockChainer(16, true)
	for i := 0; i < 5; i++ {
		ch.AnalyzeBlock(jmpBlock(0x2000, 0x3000))
	}
	ch.AnalyzeBlock(jmpBlock(0x1000, 0x2000))
	ch.BuildChains()

	hot, ok := ch.GetChain(0x2000)
	if !ok {
		t.Fatal("hot block did not get a chain")
	}
	if hot.Blocks[0] != 0x2000 {
		t.Fatalf("hot chain starts at 0x%X", uint64(hot.Blocks[0]))
	}
}

// TestChainPatchScenario compiles A -> B, records the link twice, builds
// and patches: A's exit slot must now branch to B's entry directly.
func TestChainPatchScenario(t *testing.T) {
	backend := NewX64Backend()
	alloc := NewExecAllocator()
	cache := NewTranslationCache(16, POLICY_ADAPTIVE_LRU, alloc)
	ch := NewBlockChainer(16, true)

	blockA := jmpBlock(0x1000, 0x2000)
	rb := NewIRBuilder(0x2000, ARCH_RISCV64)
	rb.SetTerm(Terminator{Kind: TERM_RET})
	blockB, _ := rb.Build()

	install := func(blk *IRBlock) Fingerprint {
		code, err := backend.Emit(blk)
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
		region, err := alloc.Alloc(len(code.Bytes))
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		copy(region.Bytes(), code.Bytes)
		code.Bytes = region.Bytes()[:len(code.Bytes)]
		if err := region.Seal(); err != nil {
			t.Fatalf("seal: %v", err)
		}
		fp := Fingerprint{SrcArch: blk.Arch, DstArch: ARCH_X86_64, StartPC: blk.StartPC, Hash: uint64(blk.StartPC)}
		cache.Insert(fp, &CacheEntry{Code: code, Region: region})
		return fp
	}

	fpA := install(blockA)
	fpB := install(blockB)
	index := map[GuestAddr]Fingerprint{0x1000: fpA, 0x2000: fpB}
	resolve := func(pc GuestAddr) (Fingerprint, bool) {
		fp, ok := index[pc]
		return fp, ok
	}

	ch.AnalyzeBlock(blockA)
	ch.AnalyzeBlock(blockA) // observed twice
	ch.AnalyzeBlock(blockB)
	ch.BuildChains()
	ch.PatchCompiled(cache, backend, resolve)

	link, ok := ch.GetLink(0x1000, 0x2000)
	if !ok || link.Frequency != 2 {
		t.Fatalf("link frequency = %v", link)
	}
	if !link.Patched {
		t.Fatal("link not patched")
	}
	if got := ch.Stats().PatchesApplied; got != 1 {
		t.Fatalf("patches applied = %d, want 1", got)
	}

	// The rel32 at A's patch point must land on B's entry.
	entA, _ := cache.Lookup(fpA)
	entB, _ := cache.Lookup(fpB)
	pp := entA.Code.PatchPoints[0]
	rel := int32(binary.LittleEndian.Uint32(entA.Region.Bytes()[pp.Offset:]))
	src := uintptr(unsafe.Pointer(&entA.Region.Bytes()[0])) + uintptr(pp.Offset) + 4
	dst := uintptr(unsafe.Pointer(&entB.Region.Bytes()[0]))
	if uintptr(int64(src)+int64(rel)) != dst {
		t.Fatalf("patched rel32 0x%X does not reach B's entry", rel)
	}

	// A failed patch (evicted target) leaves the previous exit intact.
	cache.Remove(fpB)
	ch.Unpatch(cache, backend, resolve, 0x1000)
	ch.BuildChains()
	ch.PatchCompiled(cache, backend, resolve)
	if l, _ := ch.GetLink(0x1000, 0x2000); l.Patched {
		t.Fatal("patched against an evicted target")
	}
	rel = int32(binary.LittleEndian.Uint32(entA.Region.Bytes()[pp.Offset:]))
	if rel != 0 {
		t.Fatalf("unpatched slot rel32 = 0x%X, want 0", rel)
	}
}
