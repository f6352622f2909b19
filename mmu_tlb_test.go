// mmu_tlb_test.go - Multi-level TLB tests

package main

import "testing"

func testTLB() *MultiLevelTLB {
	return NewMultiLevelTLB(DefaultTLBConfig())
}

// TestTLBInsertLookupInvalidate is the basic translate-cache scenario:
// insert, hit, invalidate, miss.
func TestTLBInsertLookupInvalidate(t *testing.T) {
	tlb := testTLB()
	tlb.Insert(0x1000, 0x2000, PAGE_R|PAGE_W, 0)

	e, ok := tlb.Lookup(0x1000, 0, ACCESS_READ)
	if !ok {
		t.Fatal("lookup after insert missed")
	}
	if e.PPN != 0x2000 || e.Flags&(PAGE_R|PAGE_W) != (PAGE_R|PAGE_W) {
		t.Fatalf("lookup = ppn 0x%X flags %s, want ppn 0x2000 rw", e.PPN, e.Flags)
	}

	tlb.Invalidate(0x1000, 0)
	if _, ok := tlb.Lookup(0x1000, 0, ACCESS_READ); ok {
		t.Fatal("lookup after invalidate still hits")
	}
}

// TestTLBASIDIsolation inserts the same VPN under two ASIDs and flushes
// one; the other must survive.
func TestTLBASIDIsolation(t *testing.T) {
	tlb := testTLB()
	tlb.Insert(0x5000, 0xAAAA, PAGE_R, 0)
	tlb.Insert(0x5000, 0xBBBB, PAGE_R, 1)

	tlb.FlushASID(0)

	if _, ok := tlb.Lookup(0x5000, 0, ACCESS_READ); ok {
		t.Error("ASID 0 entry survived FlushASID(0)")
	}
	e, ok := tlb.Lookup(0x5000, 1, ACCESS_READ)
	if !ok || e.PPN != 0xBBBB {
		t.Errorf("ASID 1 entry lost or wrong: ok=%v", ok)
	}
}

// TestTLBPermissionMiss verifies a hit whose flags forbid the access
// behaves as a miss (the walk will fault properly).
func TestTLBPermissionMiss(t *testing.T) {
	tlb := testTLB()
	tlb.Insert(0x7000, 0x8000, PAGE_R, 0)

	if _, ok := tlb.Lookup(0x7000, 0, ACCESS_WRITE); ok {
		t.Fatal("write lookup hit a read-only entry")
	}
	if got := tlb.Stats().PermDenied.Load(); got != 1 {
		t.Errorf("PermDenied = %d, want 1", got)
	}
	if _, ok := tlb.Lookup(0x7000, 0, ACCESS_READ); !ok {
		t.Fatal("read lookup should still hit")
	}
}

// TestTLBIdempotentInvalidation: repeating an invalidate has the same
// effect as doing it once.
func TestTLBIdempotentInvalidation(t *testing.T) {
	tlb := testTLB()
	tlb.Insert(0x9000, 0xA000, PAGE_R, 3)
	tlb.Invalidate(0x9000, 3)
	tlb.Invalidate(0x9000, 3)
	tlb.Invalidate(0x9000, 3)
	if _, ok := tlb.Lookup(0x9000, 3, ACCESS_READ); ok {
		t.Fatal("entry resurrected by repeated invalidation")
	}
	if got := tlb.Stats().Invalidations.Load(); got != 1 {
		t.Errorf("Invalidations = %d, want 1 (later calls were no-ops)", got)
	}
}

// TestTLBFlushAll drops everything at every level.
func TestTLBFlushAll(t *testing.T) {
	tlb := testTLB()
	for i := uint64(0); i < 32; i++ {
		tlb.Insert(0x1000+i, 0x2000+i, PAGE_R, 0)
	}
	tlb.FlushAll()
	l1, l2, l3 := tlb.Usage()
	if l1+l2+l3 != 0 {
		t.Fatalf("usage after FlushAll = %d/%d/%d, want 0", l1, l2, l3)
	}
}

// TestTLBConflictReplaces verifies a re-insert of (vpn, asid) replaces the
// older translation rather than duplicating it.
func TestTLBConflictReplaces(t *testing.T) {
	tlb := testTLB()
	tlb.Insert(0x4000, 0x1111, PAGE_R, 0)
	tlb.Insert(0x4000, 0x2222, PAGE_R, 0)
	e, ok := tlb.Lookup(0x4000, 0, ACCESS_READ)
	if !ok || e.PPN != 0x2222 {
		t.Fatalf("conflict insert did not replace: ppn=0x%X", e.PPN)
	}
}

// TestTLBCapacityBound: the L1 level never exceeds its configured capacity.
func TestTLBCapacityBound(t *testing.T) {
	cfg := DefaultTLBConfig()
	cfg.L1Capacity = 16
	tlb := NewMultiLevelTLB(cfg)
	for i := uint64(0); i < 500; i++ {
		tlb.Insert(i, i, PAGE_R, 0)
		l1, _, _ := tlb.Usage()
		if l1 > cfg.L1Capacity {
			t.Fatalf("L1 usage %d exceeds capacity %d", l1, cfg.L1Capacity)
		}
	}
}

// TestTLBBatchLookup resolves a request batch index-aligned.
func TestTLBBatchLookup(t *testing.T) {
	tlb := testTLB()
	tlb.Insert(0x10, 0x100, PAGE_R, 0)
	tlb.Insert(0x30, 0x300, PAGE_R, 0)
	reqs := []tlbKey{{vpn: 0x10, asid: 0}, {vpn: 0x20, asid: 0}, {vpn: 0x30, asid: 0}}
	out := tlb.LookupBatch(reqs, ACCESS_READ)
	if len(out) != 3 {
		t.Fatalf("batch result length %d, want 3", len(out))
	}
	if out[0] == nil || out[0].PPN != 0x100 {
		t.Error("batch[0] wrong")
	}
	if out[1] != nil {
		t.Error("batch[1] should miss")
	}
	if out[2] == nil || out[2].PPN != 0x300 {
		t.Error("batch[2] wrong")
	}
}

// TestTLBPrefetch queues candidates and drains up to the window through the
// resolver, skipping present entries.
func TestTLBPrefetch(t *testing.T) {
	cfg := DefaultTLBConfig()
	cfg.PrefetchWindow = 4
	tlb := NewMultiLevelTLB(cfg)
	resolved := 0
	tlb.SetPrefetchResolver(func(vpn uint64, asid uint16) (*TLBEntry, bool) {
		resolved++
		return &TLBEntry{VPN: vpn, PPN: vpn + 0x1000, Flags: PAGE_R, ASID: asid}, true
	})

	tlb.Insert(0x1, 0x9999, PAGE_R, 0) // already present: skipped by drain

	addrs := []GuestAddr{
		GuestAddr(0x1 << GUEST_PAGE_SHIFT),
		GuestAddr(0x2 << GUEST_PAGE_SHIFT),
		GuestAddr(0x3 << GUEST_PAGE_SHIFT),
		GuestAddr(0x4 << GUEST_PAGE_SHIFT),
		GuestAddr(0x5 << GUEST_PAGE_SHIFT),
		GuestAddr(0x6 << GUEST_PAGE_SHIFT),
	}
	tlb.PrefetchAddresses(addrs, 0)

	installed := tlb.Prefetch()
	if installed != 3 {
		// Window is 4; the first queued vpn was present, so 3 fresh installs.
		t.Errorf("installed = %d, want 3", installed)
	}
	if resolved != 3 {
		t.Errorf("resolver calls = %d, want 3", resolved)
	}
	if e, ok := tlb.Lookup(0x2, 0, ACCESS_READ); !ok || e.PPN != 0x2+0x1000 {
		t.Error("prefetched entry not installed")
	}
	// Prefetched-then-used entries count toward the prefetch hit stat.
	if got := tlb.Stats().PrefetchHits.Load(); got == 0 {
		t.Error("prefetch hits not counted")
	}
}
