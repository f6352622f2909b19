// dispatch.go - Per-vCPU fetch / lookup / execute / interrupt state machine

/*
Chimera Engine - full-system cross-architecture virtual machine

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/ChimeraEngine
License: GPLv3 or later
*/

package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// ExecMode is the configured execution ceiling.
type ExecMode uint8

const (
	MODE_INTERPRETER ExecMode = iota
	MODE_BASELINE
	MODE_OPTIMIZING
	MODE_TIERED
)

func ParseExecMode(s string) (ExecMode, bool) {
	switch s {
	case "Interpreter", "interpreter":
		return MODE_INTERPRETER, true
	case "Baseline", "baseline":
		return MODE_BASELINE, true
	case "Optimizing", "optimizing":
		return MODE_OPTIMIZING, true
	case "Tiered", "tiered", "":
		return MODE_TIERED, true
	default:
		return 0, false
	}
}

// fingerprintIndex resolves a guest PC to the fingerprint of the last block
// decoded there. Chains hold PCs, not entries; this is how they re-resolve.
type fingerprintIndex struct {
	mu sync.RWMutex
	m  map[GuestAddr]Fingerprint
}

func newFingerprintIndex() *fingerprintIndex {
	return &fingerprintIndex{m: make(map[GuestAddr]Fingerprint)}
}

func (fi *fingerprintIndex) get(pc GuestAddr) (Fingerprint, bool) {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	fp, ok := fi.m[pc]
	return fp, ok
}

func (fi *fingerprintIndex) put(pc GuestAddr, fp Fingerprint) {
	fi.mu.Lock()
	fi.m[pc] = fp
	fi.mu.Unlock()
}

// DispatcherStats counts loop activity for one vCPU.
type DispatcherStats struct {
	CacheHits       uint64
	CacheMisses     uint64
	Interpreted     uint64
	CompiledRuns    uint64
	FaultsDelivered uint64
	IRQsDelivered   uint64
}

// Dispatcher is the outermost fetch-decode-lookup-execute loop of one vCPU.
type Dispatcher struct {
	vcpuID  int
	state   *VCPUState
	mmu     *MMU
	decoder GuestDecoder
	interp  *Interp
	cache   *TranslationCache
	profile *HotspotProfiler
	compile *CompileManager
	fps     *fingerprintIndex
	syscall *SyscallHandler
	log     *VMLogger

	mode     ExecMode
	hostArch Arch

	breakMu     sync.Mutex
	breakpoints map[GuestAddr]struct{}

	stop    atomic.Bool
	stopped atomic.Bool
	stats   DispatcherStats

	// fatal holds the error that aborted the vCPU, if any.
	fatal error
}

func NewDispatcher(vcpuID int, state *VCPUState, mmu *MMU, decoder GuestDecoder, cache *TranslationCache, profile *HotspotProfiler, compile *CompileManager, fps *fingerprintIndex, syscall *SyscallHandler, mode ExecMode, hostArch Arch, log *VMLogger) *Dispatcher {
	if log == nil {
		log = nopLogger
	}
	return &Dispatcher{
		vcpuID:      vcpuID,
		state:       state,
		mmu:         mmu,
		decoder:     decoder,
		interp:      NewInterp(mmu),
		cache:       cache,
		profile:     profile,
		compile:     compile,
		fps:         fps,
		syscall:     syscall,
		mode:        mode,
		hostArch:    hostArch,
		breakpoints: make(map[GuestAddr]struct{}),
		log:         log,
	}
}

// State exposes the vCPU state for the debugger and snapshots.
func (d *Dispatcher) State() *VCPUState { return d.state }

// Stats returns a copy of the loop counters.
func (d *Dispatcher) Stats() DispatcherStats { return d.stats }

// FatalError returns the error that aborted this vCPU, if any.
func (d *Dispatcher) FatalError() error { return d.fatal }

// Stop requests loop exit at the next safepoint.
func (d *Dispatcher) Stop() { d.stop.Store(true) }

// Stopped reports whether the loop has exited.
func (d *Dispatcher) Stopped() bool { return d.stopped.Load() }

// SetBreakpoint arms a software breakpoint at pc.
func (d *Dispatcher) SetBreakpoint(pc GuestAddr) {
	d.breakMu.Lock()
	d.breakpoints[pc] = struct{}{}
	d.breakMu.Unlock()
	d.cache.RemovePC(pc) // force re-decode through the breakpoint check
}

// ClearBreakpoint disarms the breakpoint at pc.
func (d *Dispatcher) ClearBreakpoint(pc GuestAddr) {
	d.breakMu.Lock()
	delete(d.breakpoints, pc)
	d.breakMu.Unlock()
}

func (d *Dispatcher) atBreakpoint(pc GuestAddr) bool {
	d.breakMu.Lock()
	defer d.breakMu.Unlock()
	_, ok := d.breakpoints[pc]
	return ok
}

// StepResult classifies one RunSlice exit.
type StepResult uint8

const (
	STEP_CONTINUE StepResult = iota
	STEP_HALTED
	STEP_BREAKPOINT
	STEP_FATAL
	STEP_STOPPED
)

// RunSlice executes until the quantum expires, the guest halts, a
// breakpoint hits, or a stop is requested. Every loop iteration is a
// safepoint: the epoch pin covers only the compiled-block invocation.
func (d *Dispatcher) RunSlice(quantum time.Duration) StepResult {
	deadline := time.Now().Add(quantum)
	for {
		if d.stop.Load() {
			d.stopped.Store(true)
			return STEP_STOPPED
		}
		if d.state.Halted {
			d.stopped.Store(true)
			return STEP_HALTED
		}
		if time.Now().After(deadline) {
			return STEP_CONTINUE
		}

		// S_Interrupt: deliverable pending interrupts preempt the fetch.
		if vec, ok := d.state.TakeIRQ(); ok {
			if res := d.deliverInterrupt(uint32(vec)); res != STEP_CONTINUE {
				return res
			}
			continue
		}

		res := d.Step()
		if res != STEP_CONTINUE {
			return res
		}
	}
}

// Step runs exactly one block (compiled or interpreted) and retires its
// exit. Used by RunSlice and by the debug probe's single-step.
func (d *Dispatcher) Step() StepResult {
	pc := d.state.PC
	if d.atBreakpoint(pc) {
		return STEP_BREAKPOINT
	}

	// S_Fetch: profile and tier decisions happen on every visit.
	tier := d.profile.Record(pc)

	// S_CacheLookup: resolve the PC's last fingerprint and probe.
	if d.mode != MODE_INTERPRETER {
		if fp, ok := d.fps.get(pc); ok {
			if entry, hit := d.cache.Lookup(fp); hit {
				d.stats.CacheHits++
				d.stats.CompiledRuns++
				d.cache.Pin(d.vcpuID)
				exit := entry.Code.Run(d.state, d.mmu)
				d.cache.Unpin(d.vcpuID)
				return d.retire(exit)
			}
			d.stats.CacheMisses++
		}
	}

	// Decode the block at pc.
	block, fault := d.decoder.Decode(d.mmu, pc, d.state.ASID, d.state.Mode)
	if fault != nil {
		return d.deliverFault(fault)
	}
	d.recordFingerprint(block)

	// Tier policy: cold blocks interpret; warming blocks queue a baseline
	// compile; hot blocks queue (or re-queue at higher priority) the
	// optimizing compile. Compilation is asynchronous either way.
	if d.wantsCompile(tier) {
		d.compile.CompileAsync(block, tier)
	}

	d.stats.Interpreted++
	exit := d.interp.Execute(block, d.state)
	return d.retire(exit)
}

func (d *Dispatcher) wantsCompile(tier Tier) bool {
	switch d.mode {
	case MODE_INTERPRETER:
		return false
	case MODE_BASELINE, MODE_OPTIMIZING:
		return tier >= TIER_WARM
	default: // tiered
		return tier >= TIER_WARM
	}
}

func (d *Dispatcher) recordFingerprint(block *IRBlock) {
	raw, fault := d.mmu.FetchBytes(block.StartPC, d.state.ASID, d.state.Mode, int(block.GuestLen))
	if fault != nil {
		return
	}
	block.Hash = HashGuestBytes(raw)
	d.fps.put(block.StartPC, FingerprintForBlock(block, d.hostArch))
}

// retire applies a block exit to the vCPU.
func (d *Dispatcher) retire(exit BlockExit) StepResult {
	switch exit.Kind {
	case EXIT_JUMP, EXIT_YIELD:
		d.state.PC = exit.NextPC
		return STEP_CONTINUE
	case EXIT_INTERRUPT:
		d.state.PC = exit.NextPC
		return d.deliverInterrupt(exit.Vector)
	case EXIT_FAULT:
		return d.deliverFault(exit.Fault)
	default:
		d.fatal = ErrInvariantViolated
		d.stopped.Store(true)
		return STEP_FATAL
	}
}

// deliverInterrupt routes fixed vectors to the pipeline services and the
// rest to the guest's vector table.
func (d *Dispatcher) deliverInterrupt(vec uint32) StepResult {
	d.stats.IRQsDelivered++
	switch vec {
	case IRQ_VECTOR_SYSCALL:
		if d.syscall == nil {
			return d.deliverFault(&GuestFault{Kind: FAULT_PRIVILEGE, PC: d.state.PC})
		}
		halt, err := d.syscall.Handle(d.state, d.mmu)
		if halt {
			d.stopped.Store(true)
			return STEP_HALTED
		}
		if err != nil {
			d.log.Debugf("vcpu", "syscall error on vcpu %d: %v", d.vcpuID, err)
		}
		return STEP_CONTINUE
	case IRQ_VECTOR_HALT:
		d.state.Halted = true
		d.stopped.Store(true)
		return STEP_HALTED
	default:
		// Guest-visible interrupt: vector through the guest IVT when one is
		// installed, otherwise drop (the mask should have filtered it).
		if ivt := d.state.RootPT; ivt != 0 {
			// Table-driven delivery is a supervisor concern; user-level
			// guests never take these.
			return STEP_CONTINUE
		}
		return STEP_CONTINUE
	}
}

// deliverFault converts a guest fault into a guest exception, exactly once.
// Without a guest handler installed the vCPU aborts with the fault recorded.
func (d *Dispatcher) deliverFault(f *GuestFault) StepResult {
	d.stats.FaultsDelivered++
	if f.Kind == FAULT_BREAKPOINT {
		return STEP_BREAKPOINT
	}
	d.log.Warnf("vcpu", "unhandled %v", f)
	d.fatal = f
	d.state.Halted = true
	d.stopped.Store(true)
	return STEP_FATAL
}
