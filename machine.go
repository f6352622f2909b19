// machine.go - Machine assembly: every subsystem wired through VMConfig

/*
Chimera Engine - full-system cross-architecture virtual machine

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/ChimeraEngine
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// HostArch maps the build target to an Arch tag. Unknown hosts emit x86-64
// metadata (native entry stays off there regardless).
func HostArch() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ARCH_ARM64
	case "riscv64":
		return ARCH_RISCV64
	default:
		return ARCH_X86_64
	}
}

// Machine owns one guest: memory, MMU, the compilation pipeline, the
// collector, the scheduler, and one dispatcher per vCPU.
type Machine struct {
	cfg VMConfig
	log *VMLogger

	bus     *MemBus
	tlb     *MultiLevelTLB
	mmu     *MMU
	alloc   *ExecAllocator
	cache   *TranslationCache
	chainer *BlockChainer
	profile *HotspotProfiler
	opt     *Optimizer
	backend HostBackend
	compile *CompileManager
	gc      *GCEngine
	sched   *Scheduler
	ic      *InterruptController
	fps     *fingerprintIndex

	vcpus       []*VCPUState
	dispatchers []*Dispatcher
	syscalls    *SyscallHandler

	console *ConsoleDevice
	out     io.Writer

	decayStop chan struct{}
	chainStop chan struct{}
	running   atomic.Bool
}

// NewMachine builds a machine from cfg. All cross-subsystem wiring happens
// here, once; nothing consults global state afterwards.
func NewMachine(cfg VMConfig, out io.Writer) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stdout
	}
	log := NewVMLogger(os.Stderr, cfg.logLevel())

	bus, err := NewMemBus(cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	tlb := NewMultiLevelTLB(TLBConfig{
		L1Capacity:     cfg.TLBL1Capacity,
		L2Capacity:     cfg.TLBL2Capacity,
		L3Capacity:     cfg.TLBL3Capacity,
		PrefetchWindow: 8,
		EnablePrefetch: true,
	})
	mmu := NewMMU(bus, tlb, log)

	alloc := NewExecAllocator()
	cache := NewTranslationCache(cfg.TranslationCacheMaxEntries, cfg.cachePolicy(), alloc)
	chainer := NewBlockChainer(cfg.MaxChainLength, true)
	profile := NewHotspotProfiler(DefaultHotspotConfig())

	optLevel := cfg.OptimizationLevel
	if cfg.execMode() == MODE_BASELINE {
		optLevel = 0
	}
	opt := NewOptimizer(optLevel, log)

	backend, err := NewHostBackend(HostArch())
	if err != nil {
		return nil, err
	}
	compile := NewCompileManager(cache, chainer, backend, opt, alloc, cfg.CompileWorkers, cfg.compileTimeout(), log)

	gcCfg := DefaultGCConfig()
	gcCfg.MarkQuotaUs = cfg.GCMarkQuotaUs
	gcCfg.SweepQuotaUs = cfg.GCSweepQuotaUs
	gcCfg.Heap.YoungRatio = cfg.GCYoungRatio
	gcCfg.Heap.PromoteAfter = uint8(cfg.GCPromotionThreshold)
	gcCfg.Heap.EnableCards = cfg.GCEnableCards
	gcEngine := NewGCEngine(gcCfg, bus, log)

	sched := NewScheduler(SchedulerConfig{Processors: cfg.VCPUCount, TimeSlice: 2 * time.Millisecond}, log)
	ic := NewInterruptController()
	fps := newFingerprintIndex()

	m := &Machine{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		tlb:       tlb,
		mmu:       mmu,
		alloc:     alloc,
		cache:     cache,
		chainer:   chainer,
		profile:   profile,
		opt:       opt,
		backend:   backend,
		compile:   compile,
		gc:        gcEngine,
		sched:     sched,
		ic:        ic,
		fps:       fps,
		out:       out,
		decayStop: make(chan struct{}),
		chainStop: make(chan struct{}),
	}

	// Compiled blocks become chain candidates as soon as they install.
	profile.SetTierUpSink(func(req TierUpRequest) {
		log.Debugf("profiler", "tier-up 0x%X -> %s", uint64(req.PC), req.Tier)
	})

	guestArch := cfg.guestArch()
	for i := 0; i < cfg.VCPUCount; i++ {
		state := NewVCPUState(guestArch)
		ic.Attach(state)
		m.vcpus = append(m.vcpus, state)
	}
	m.syscalls = NewSyscallHandler(guestArch, out, 0, log)
	for i, state := range m.vcpus {
		d := NewDispatcher(i, state, mmu, NewGuestDecoder(guestArch), cache, profile, compile, fps, m.syscalls, cfg.execMode(), HostArch(), log)
		m.dispatchers = append(m.dispatchers, d)
	}

	// Safepoints: epoch advance reclaims retired code once every vCPU has
	// passed one.
	sched.SetSafepoint(func() {
		cache.AdvanceEpoch()
	})

	m.console = NewConsoleDevice(out, ic, 0)
	bus.MapMMIO(CONSOLE_MMIO_BASE, CONSOLE_MMIO_BASE+0xFFF, m.console)

	return m, nil
}

// CONSOLE_MMIO_BASE is the fixed physical window of the built-in console.
const CONSOLE_MMIO_BASE GuestPhysAddr = 0xF000_0000

// Accessors used by the monitor, the debug probe and the tests.
func (m *Machine) Bus() *MemBus                     { return m.bus }
func (m *Machine) MMU() *MMU                        { return m.mmu }
func (m *Machine) Cache() *TranslationCache         { return m.cache }
func (m *Machine) Chainer() *BlockChainer           { return m.chainer }
func (m *Machine) Profiler() *HotspotProfiler       { return m.profile }
func (m *Machine) GC() *GCEngine                    { return m.gc }
func (m *Machine) Scheduler() *Scheduler            { return m.sched }
func (m *Machine) Compiler() *CompileManager        { return m.compile }
func (m *Machine) Interrupts() *InterruptController { return m.ic }
func (m *Machine) Dispatcher(i int) *Dispatcher {
	if i < 0 || i >= len(m.dispatchers) {
		return nil
	}
	return m.dispatchers[i]
}
func (m *Machine) VCPUCount() int   { return len(m.vcpus) }
func (m *Machine) Config() VMConfig { return m.cfg }

// Load maps a flat image and points every vCPU at its entry.
func (m *Machine) Load(image []byte, base GuestAddr) error {
	stackTop := GuestAddr(m.cfg.MemorySize - GUEST_PAGE_SIZE)
	img, err := LoadFlatImage(m.bus, image, base, stackTop)
	if err != nil {
		return err
	}
	for i, state := range m.vcpus {
		state.PC = img.EntryPC
		state.SP = uint64(img.StackTop) - uint64(i)*0x10000
		switch m.cfg.guestArch() {
		case ARCH_RISCV64:
			state.Regs[2] = state.SP // x2/sp
		case ARCH_X86_64:
			state.Regs[4] = state.SP // rsp
		}
	}
	m.syscalls.brk = img.HeapBase
	m.syscalls.brk0 = img.HeapBase
	return nil
}

// Run executes until every vCPU halts or Stop is called. Each vCPU is a
// coroutine; the scheduler time-slices them over its processors.
func (m *Machine) Run() error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("machine already running")
	}
	go m.profile.RunDecayLoop(m.decayStop)
	go m.chainLoop()

	done := make(chan struct{})
	remaining := int64(len(m.dispatchers))

	for i, d := range m.dispatchers {
		d := d
		m.sched.SpawnOn(i%m.cfg.VCPUCount, func(p *Processor, quantum time.Duration) CoroutineState {
			switch d.RunSlice(quantum) {
			case STEP_CONTINUE:
				return CORO_READY
			case STEP_BREAKPOINT:
				return CORO_SUSPENDED
			default:
				if atomic.AddInt64(&remaining, -1) == 0 {
					close(done)
				}
				return CORO_DEAD
			}
		})
	}
	m.sched.Start()
	<-done
	m.shutdown()

	for _, d := range m.dispatchers {
		if err := d.FatalError(); err != nil && !IsRecoverable(err) {
			if _, isGuest := AsGuestFault(err); !isGuest {
				return err
			}
		}
	}
	if err := m.gc.FatalError(); err != nil {
		return err
	}
	return nil
}

// Stop requests an orderly halt from outside (signal handler, monitor).
func (m *Machine) Stop() {
	for _, d := range m.dispatchers {
		d.Stop()
	}
}

func (m *Machine) shutdown() {
	close(m.decayStop)
	close(m.chainStop)
	m.sched.Stop()
	m.compile.Shutdown()
	m.running.Store(false)
}

// chainLoop is the background chaining pass: rebuild chains and patch
// compiled exits, hot paths first.
func (m *Machine) chainLoop() {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.chainer.BuildChains()
			m.chainer.PatchCompiled(m.cache, m.backend, m.fps.get)
		case <-m.chainStop:
			return
		}
	}
}
