// gc_engine_test.go - Collector tests: phases, minor/major cycles, barriers

package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGC(t *testing.T) (*GCEngine, *MemBus) {
	t.Helper()
	bus, err := NewMemBus(1 << 20)
	require.NoError(t, err)
	cfg := DefaultGCConfig()
	cfg.Heap.Base = 0x10000
	cfg.Heap.Limit = 256 * 1024
	cfg.Heap.YoungRatio = 0.3
	cfg.Heap.PromoteAfter = 3
	cfg.Heap.EnableCards = true
	return NewGCEngine(cfg, bus, nil), bus
}

// TestGCPhaseTransitions walks Idle -> MarkPrepare/Marking -> Sweeping ->
// Idle.
func TestGCPhaseTransitions(t *testing.T) {
	gc, _ := testGC(t)
	require.Equal(t, GC_IDLE, gc.Phase())

	addr, err := gc.Heap().Alloc(32)
	require.NoError(t, err)

	cycle := gc.StartGC([]GuestAddr{addr})
	require.Equal(t, GC_MARKING, gc.Phase())

	for {
		done, _ := gc.IncrementalMark()
		if done {
			break
		}
	}
	gc.TerminateMarking()
	require.Equal(t, GC_SWEEPING, gc.Phase())

	for {
		done, _ := gc.IncrementalSweep()
		if done {
			break
		}
	}
	gc.FinishGC(cycle)
	require.Equal(t, GC_IDLE, gc.Phase())
}

// TestGCMinorReclaims999Of1000 is the canonical incremental-GC scenario:
// 1000 young objects, one root, one survivor.
func TestGCMinorReclaims999Of1000(t *testing.T) {
	gc, _ := testGC(t)
	var first GuestAddr
	for i := 0; i < 1000; i++ {
		addr, err := gc.Heap().Alloc(8)
		require.NoError(t, err)
		if i == 0 {
			first = addr
		}
	}
	require.Equal(t, 1000, gc.Heap().ObjectCount())

	swept := gc.MinorGC([]GuestAddr{first})
	assert.Equal(t, 999, swept)
	assert.Equal(t, 1, gc.Heap().ObjectCount())
	assert.True(t, gc.Heap().IsObject(first), "the rooted object must survive")
	assert.Greater(t, gc.Stats().Pauses.Count, int64(0))
}

// TestGCReachableSurvive: objects reachable through pointer fields are not
// collected (transitive closure of the roots).
func TestGCReachableSurvive(t *testing.T) {
	gc, bus := testGC(t)
	a, _ := gc.Heap().Alloc(16)
	bObj, _ := gc.Heap().Alloc(16)
	c, _ := gc.Heap().Alloc(16)
	orphan, _ := gc.Heap().Alloc(16)

	// a.field0 = b; b.field1 = c
	require.NoError(t, bus.Write(GuestPhysAddr(a), 8, uint64(bObj)))
	require.NoError(t, bus.Write(GuestPhysAddr(bObj)+8, 8, uint64(c)))

	swept := gc.MajorGC([]GuestAddr{a})
	assert.Equal(t, 1, swept, "only the orphan is unreachable")
	assert.True(t, gc.Heap().IsObject(a))
	assert.True(t, gc.Heap().IsObject(bObj))
	assert.True(t, gc.Heap().IsObject(c))
	assert.False(t, gc.Heap().IsObject(orphan))
}

// TestGCPromotion: surviving enough minor cycles moves an object to
// old-gen.
func TestGCPromotion(t *testing.T) {
	gc, _ := testGC(t)
	addr, _ := gc.Heap().Alloc(8)

	for i := 0; i < 3; i++ {
		gc.MinorGC([]GuestAddr{addr})
	}
	hdr, ok := gc.Heap().Header(addr)
	require.True(t, ok)
	assert.Equal(t, GEN_OLD, hdr.Generation)
	assert.GreaterOrEqual(t, gc.Stats().Promotions, uint64(1))
}

// TestGCWriteBarrierCardMarking: an old->young store dirties the source's
// card, and the dirty card keeps the young target alive through a minor
// collection with no other roots.
func TestGCWriteBarrierCardMarking(t *testing.T) {
	gc, bus := testGC(t)

	oldObj, _ := gc.Heap().Alloc(16)
	for i := 0; i < 3; i++ {
		gc.MinorGC([]GuestAddr{oldObj})
	}
	hdr, _ := gc.Heap().Header(oldObj)
	require.Equal(t, GEN_OLD, hdr.Generation, "precondition: src promoted")

	young, _ := gc.Heap().Alloc(16)
	doomed, _ := gc.Heap().Alloc(16)

	// Install the old->young pointer and record it through the barrier.
	require.NoError(t, bus.Write(GuestPhysAddr(oldObj), 8, uint64(young)))
	gc.WriteBarrier(oldObj, young)

	assert.True(t, gc.Heap().IsCardDirty(oldObj), "old->young store must dirty the card")
	assert.Greater(t, gc.Barrier().Recorded(), uint64(0))

	swept := gc.MinorGC(nil)
	assert.True(t, gc.Heap().IsObject(young), "card-rooted young object must survive")
	assert.False(t, gc.Heap().IsObject(doomed))
	assert.GreaterOrEqual(t, swept, 1)
}

// TestGCBarrierShardDrain: records land in shards and drain completely
// before marking termination.
func TestGCBarrierShardDrain(t *testing.T) {
	wb := NewShardedWriteBarrier()
	for i := 0; i < 100; i++ {
		wb.Record(GuestAddr(i*0x1000), GuestAddr(i*0x2000))
	}
	assert.False(t, wb.Empty())
	recs := wb.DrainAll()
	assert.Len(t, recs, 100)
	assert.True(t, wb.Empty())
	assert.Equal(t, uint64(100), wb.Recorded())
}

// TestGCAllocationTriggersFullGC: exhausting the young budget forces a
// major collection before failing.
func TestGCAllocationTriggersFullGC(t *testing.T) {
	gc, _ := testGC(t)
	// Young budget is 0.3 * 256KiB ~ 76KiB; fill it with garbage.
	for {
		if _, err := gc.Heap().Alloc(4096); err != nil {
			break
		}
	}
	// Everything is garbage (no roots): Allocate must collect and succeed.
	addr, err := gc.Allocate(4096, nil)
	require.NoError(t, err)
	assert.True(t, gc.Heap().IsObject(addr))
	assert.Greater(t, gc.Stats().ForcedFull, uint64(0))
}

// TestGCOutOfMemory: when collection cannot free enough, the caller sees
// OutOfMemory.
func TestGCOutOfMemory(t *testing.T) {
	gc, _ := testGC(t)
	var roots []GuestAddr
	for {
		addr, err := gc.Heap().Alloc(4096)
		if err != nil {
			break
		}
		roots = append(roots, addr)
	}
	// Everything is rooted: the forced collection frees nothing.
	_, err := gc.Allocate(64*1024, roots)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
}

// TestGCHeapCorruptionFatal: a clobbered header magic surfaces as a fatal
// collector error, not a silent skip.
func TestGCHeapCorruptionFatal(t *testing.T) {
	gc, _ := testGC(t)
	addr, _ := gc.Heap().Alloc(8)
	hdr, _ := gc.Heap().Header(addr)
	hdr.Magic = 0x1234

	gc.StartGC([]GuestAddr{addr})
	for {
		done, _ := gc.IncrementalMark()
		if done {
			break
		}
	}
	err := gc.FatalError()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHeapCorruption))
}

// TestGCAdaptiveQuotas: pause observations steer the quotas toward the
// target without collapsing them.
func TestGCAdaptiveQuotas(t *testing.T) {
	gc, _ := testGC(t)
	for i := 0; i < 50; i++ {
		_, _ = gc.Heap().Alloc(64)
	}
	gc.MajorGC(nil)
	gc.mu.Lock()
	mark, sweep := gc.markQuotaUs, gc.sweepQuotaUs
	gc.mu.Unlock()
	assert.GreaterOrEqual(t, mark, int64(100))
	assert.GreaterOrEqual(t, sweep, int64(100))
}
