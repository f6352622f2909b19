// gc_engine.go - Generational tri-color incremental collector

/*
Chimera Engine - full-system cross-architecture virtual machine

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/ChimeraEngine
License: GPLv3 or later
*/

package main

import (
	"sync"
	"time"
)

// GCPhase is the collector's state machine position.
type GCPhase uint8

const (
	GC_IDLE GCPhase = iota
	GC_MARK_PREPARE
	GC_MARKING
	GC_SWEEPING
)

func (p GCPhase) String() string {
	switch p {
	case GC_IDLE:
		return "idle"
	case GC_MARK_PREPARE:
		return "mark-prepare"
	case GC_MARKING:
		return "marking"
	case GC_SWEEPING:
		return "sweeping"
	default:
		return "phase?"
	}
}

// GCConfig tunes the collector.
type GCConfig struct {
	MarkQuotaUs   int64 // per-slice marking budget
	SweepQuotaUs  int64 // per-slice sweeping budget
	PauseTargetUs int64 // adaptive quota steering target
	Heap          GCHeapConfig
}

func DefaultGCConfig() GCConfig {
	return GCConfig{
		MarkQuotaUs:   1000,
		SweepQuotaUs:  500,
		PauseTargetUs: 1000,
		Heap:          DefaultGCHeapConfig(),
	}
}

// GCPauseStats tracks observed slice pauses in microseconds.
type GCPauseStats struct {
	Last  int64
	Max   int64
	Total int64
	Count int64
}

func (s *GCPauseStats) Avg() int64 {
	if s.Count == 0 {
		return 0
	}
	return s.Total / s.Count
}

func (s *GCPauseStats) observe(us int64) {
	s.Last = us
	s.Total += us
	s.Count++
	if us > s.Max {
		s.Max = us
	}
}

// GCCycle is the handle returned by StartGC; FinishGC closes it.
type GCCycle struct {
	id      uint64
	started time.Time
}

// GCStats is the collector's public counter block.
type GCStats struct {
	Cycles        uint64
	MinorCycles   uint64
	MajorCycles   uint64
	ObjectsMarked uint64
	ObjectsSwept  uint64
	Promotions    uint64
	ForcedFull    uint64
	Pauses        GCPauseStats
}

// GCEngine drives tri-color incremental mark-sweep over the managed heap:
// white objects are unvisited, gray sit on the mark stack, black are
// marked. The write barrier keeps the invariant that every pointer stored
// before marking terminates is observed.
type GCEngine struct {
	mu      sync.Mutex
	cfg     GCConfig
	heap    *GCHeap
	barrier *ShardedWriteBarrier
	log     *VMLogger

	phase     GCPhase
	cycleSeq  uint64
	markStack []GuestAddr
	sweepList []GuestAddr // snapshot of candidates for the sweep phase
	sweepPos  int

	markQuotaUs  int64
	sweepQuotaUs int64

	stats GCStats
	fatal error
}

func NewGCEngine(cfg GCConfig, bus *MemBus, log *VMLogger) *GCEngine {
	if log == nil {
		log = nopLogger
	}
	return &GCEngine{
		cfg:          cfg,
		heap:         NewGCHeap(cfg.Heap, bus),
		barrier:      NewShardedWriteBarrier(),
		log:          log,
		markQuotaUs:  cfg.MarkQuotaUs,
		sweepQuotaUs: cfg.SweepQuotaUs,
	}
}

// Heap exposes the managed heap (allocation, object queries).
func (gc *GCEngine) Heap() *GCHeap { return gc.heap }

// Barrier exposes the sharded write-barrier the execution tiers record
// pointer stores through.
func (gc *GCEngine) Barrier() *ShardedWriteBarrier { return gc.barrier }

// Phase returns the current phase.
func (gc *GCEngine) Phase() GCPhase {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.phase
}

// Stats returns a copy of the counters.
func (gc *GCEngine) Stats() GCStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.stats
}

// FatalError reports a fatal collector condition (heap corruption), if one
// has been detected. The machine aborts on a non-nil result.
func (gc *GCEngine) FatalError() error {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.fatal
}

// Allocate returns a new managed object of size bytes. A full heap forces a
// complete collection; if space is still short the caller gets OutOfMemory.
func (gc *GCEngine) Allocate(size uint32, roots []GuestAddr) (GuestAddr, error) {
	addr, err := gc.heap.Alloc(size)
	if err == nil {
		return addr, nil
	}
	gc.mu.Lock()
	gc.stats.ForcedFull++
	gc.mu.Unlock()
	gc.MajorGC(roots)
	return gc.heap.Alloc(size)
}

// WriteBarrier records the pointer store *src = dst. With cards enabled an
// old-to-young store additionally dirties src's card; the shard log is kept
// in all cases.
func (gc *GCEngine) WriteBarrier(src, dst GuestAddr) {
	gc.barrier.Record(src, dst)
	if !gc.cfg.Heap.EnableCards {
		return
	}
	srcHdr, ok1 := gc.heap.Header(src)
	dstHdr, ok2 := gc.heap.Header(dst)
	if ok1 && ok2 && srcHdr.Generation == GEN_OLD && dstHdr.Generation == GEN_YOUNG {
		gc.heap.MarkCard(src)
	}
}

// StartGC opens a cycle: snapshot the roots and the barrier logs, push them
// gray, and enter Marking.
func (gc *GCEngine) StartGC(roots []GuestAddr) *GCCycle {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.phase = GC_MARK_PREPARE
	gc.cycleSeq++
	cycle := &GCCycle{id: gc.cycleSeq, started: time.Now()}

	gc.markStack = gc.markStack[:0]
	for _, r := range roots {
		if _, ok := gc.heap.Header(r); ok {
			gc.markStack = append(gc.markStack, r)
		}
	}
	for _, rec := range gc.barrier.DrainAll() {
		if _, ok := gc.heap.Header(rec.Dst); ok {
			gc.markStack = append(gc.markStack, rec.Dst)
		}
	}
	gc.stats.Cycles++
	gc.phase = GC_MARKING
	return cycle
}

// IncrementalMark processes up to the mark quota and reports
// (complete, markedThisSlice). Marking is complete when the stack is empty
// and every barrier shard has been drained.
func (gc *GCEngine) IncrementalMark() (bool, int) {
	start := time.Now()
	marked := 0
	for {
		gc.mu.Lock()
		if gc.phase != GC_MARKING {
			gc.mu.Unlock()
			return true, marked
		}
		if len(gc.markStack) == 0 {
			// Refill from barrier logs written during this slice window.
			for _, rec := range gc.barrier.DrainAll() {
				if _, ok := gc.heap.Header(rec.Dst); ok {
					gc.markStack = append(gc.markStack, rec.Dst)
				}
			}
			if len(gc.markStack) == 0 {
				gc.mu.Unlock()
				gc.observePause(start)
				return true, marked
			}
		}
		addr := gc.markStack[len(gc.markStack)-1]
		gc.markStack = gc.markStack[:len(gc.markStack)-1]
		gc.mu.Unlock()

		hdr, ok := gc.heap.Header(addr)
		if !ok {
			continue
		}
		if err := checkHeader(hdr, addr); err != nil {
			gc.log.Errorf("gc", "%v", err)
			gc.mu.Lock()
			gc.fatal = err
			gc.phase = GC_IDLE
			gc.mu.Unlock()
			return true, marked
		}
		if hdr.Marked {
			continue
		}
		hdr.Marked = true
		marked++
		gc.mu.Lock()
		gc.stats.ObjectsMarked++
		gc.mu.Unlock()
		for _, child := range gc.heap.PointerFields(addr) {
			gc.mu.Lock()
			gc.markStack = append(gc.markStack, child)
			gc.mu.Unlock()
		}

		if time.Since(start).Microseconds() >= gc.markQuotaUs {
			gc.observePause(start)
			return false, marked
		}
	}
}

// TerminateMarking seals the mark phase (the stack must be drained) and
// enters Sweeping with a snapshot of sweep candidates.
func (gc *GCEngine) TerminateMarking() {
	// Final drain: stores before this point must be observed.
	for _, rec := range gc.barrier.DrainAll() {
		if hdr, ok := gc.heap.Header(rec.Dst); ok && !hdr.Marked {
			hdr.Marked = true
			gc.mu.Lock()
			gc.stats.ObjectsMarked++
			gc.mu.Unlock()
			for _, child := range gc.heap.PointerFields(rec.Dst) {
				if chdr, ok := gc.heap.Header(child); ok && !chdr.Marked {
					chdr.Marked = true
				}
			}
		}
	}
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.phase = GC_SWEEPING
	gc.sweepList = gc.sweepList[:0]
	gc.heap.mu.Lock()
	for addr := range gc.heap.objects {
		gc.sweepList = append(gc.sweepList, addr)
	}
	gc.heap.mu.Unlock()
	gc.sweepPos = 0
}

// IncrementalSweep releases unmarked objects up to the sweep quota and
// reports (complete, sweptThisSlice). Survivors age; old-enough young
// objects promote.
func (gc *GCEngine) IncrementalSweep() (bool, int) {
	start := time.Now()
	swept := 0
	for {
		gc.mu.Lock()
		if gc.phase != GC_SWEEPING || gc.sweepPos >= len(gc.sweepList) {
			gc.mu.Unlock()
			gc.observePause(start)
			return true, swept
		}
		addr := gc.sweepList[gc.sweepPos]
		gc.sweepPos++
		gc.mu.Unlock()

		var promoted, released bool
		gc.heap.mu.Lock()
		hdr, ok := gc.heap.objects[addr]
		if ok {
			if hdr.Marked {
				hdr.Marked = false
				if hdr.Generation == GEN_YOUNG {
					hdr.Age++
					if hdr.Age >= gc.cfg.Heap.PromoteAfter {
						gc.heap.promoteLocked(addr, hdr)
						promoted = true
					}
				}
			} else {
				gc.heap.releaseLocked(addr, hdr)
				released = true
			}
		}
		gc.heap.mu.Unlock()
		if promoted || released {
			gc.mu.Lock()
			if promoted {
				gc.stats.Promotions++
			}
			if released {
				swept++
				gc.stats.ObjectsSwept++
			}
			gc.mu.Unlock()
		}

		if time.Since(start).Microseconds() >= gc.sweepQuotaUs {
			gc.observePause(start)
			return false, swept
		}
	}
}

// FinishGC closes the cycle, returns to Idle and adapts the quotas toward
// the pause target using the observed slice pauses.
func (gc *GCEngine) FinishGC(cycle *GCCycle) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.phase = GC_IDLE
	gc.adaptQuotasLocked()
	_ = cycle
}

// adaptQuotasLocked steers slice quotas toward the pause target: observed
// pauses above target shrink the quotas, comfortable headroom grows them.
func (gc *GCEngine) adaptQuotasLocked() {
	target := gc.cfg.PauseTargetUs
	if target <= 0 || gc.stats.Pauses.Count == 0 {
		return
	}
	last := gc.stats.Pauses.Last
	switch {
	case last > target:
		gc.markQuotaUs = max64(gc.markQuotaUs*3/4, 100)
		gc.sweepQuotaUs = max64(gc.sweepQuotaUs*3/4, 100)
	case last < target/2:
		gc.markQuotaUs = min64(gc.markQuotaUs*5/4, gc.cfg.MarkQuotaUs*4)
		gc.sweepQuotaUs = min64(gc.sweepQuotaUs*5/4, gc.cfg.SweepQuotaUs*4)
	}
}

// MinorGC collects young-gen only: roots plus dirty-card old objects. It
// runs the full incremental machinery to completion in one call.
func (gc *GCEngine) MinorGC(roots []GuestAddr) int {
	gc.mu.Lock()
	gc.stats.MinorCycles++
	gc.mu.Unlock()

	allRoots := append([]GuestAddr{}, roots...)
	allRoots = append(allRoots, gc.heap.DirtyCardObjects()...)

	cycle := gc.StartGC(allRoots)
	for {
		done, _ := gc.IncrementalMark()
		if done {
			break
		}
	}
	gc.TerminateMarking()

	// Young-only sweep: old-gen objects are spared regardless of mark.
	swept := 0
	gc.mu.Lock()
	list := append([]GuestAddr{}, gc.sweepList...)
	gc.mu.Unlock()
	promotions := uint64(0)
	gc.heap.mu.Lock()
	for _, addr := range list {
		hdr, ok := gc.heap.objects[addr]
		if !ok {
			continue
		}
		if hdr.Generation == GEN_OLD {
			hdr.Marked = false
			continue
		}
		if hdr.Marked {
			hdr.Marked = false
			hdr.Age++
			if hdr.Age >= gc.cfg.Heap.PromoteAfter {
				gc.heap.promoteLocked(addr, hdr)
				promotions++
			}
		} else {
			gc.heap.releaseLocked(addr, hdr)
			swept++
		}
	}
	gc.heap.mu.Unlock()
	gc.mu.Lock()
	gc.stats.Promotions += promotions
	gc.stats.ObjectsSwept += uint64(swept)
	gc.mu.Unlock()

	gc.mu.Lock()
	gc.phase = GC_IDLE
	gc.adaptQuotasLocked()
	gc.mu.Unlock()
	_ = cycle
	return swept
}

// MajorGC collects both generations with the full root set.
func (gc *GCEngine) MajorGC(roots []GuestAddr) int {
	gc.mu.Lock()
	gc.stats.MajorCycles++
	gc.mu.Unlock()

	cycle := gc.StartGC(roots)
	for {
		done, _ := gc.IncrementalMark()
		if done {
			break
		}
	}
	gc.TerminateMarking()
	swept := 0
	for {
		done, n := gc.IncrementalSweep()
		swept += n
		if done {
			break
		}
	}
	gc.FinishGC(cycle)
	return swept
}

func (gc *GCEngine) observePause(start time.Time) {
	us := time.Since(start).Microseconds()
	gc.mu.Lock()
	gc.stats.Pauses.observe(us)
	gc.mu.Unlock()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
