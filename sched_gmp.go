// sched_gmp.go - GMP-style M:N scheduler with work stealing

/*
Chimera Engine - full-system cross-architecture virtual machine

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/ChimeraEngine
License: GPLv3 or later
*/

package main

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProcessorState mirrors the vCPU slot's scheduling condition.
type ProcessorState uint8

const (
	P_IDLE ProcessorState = iota
	P_RUNNING
	P_WAITING_FOR_WORK
	P_HALTED
)

// ProcessorStats is the per-P accounting block.
type ProcessorStats struct {
	Executions      uint64
	ContextSwitches uint64
	BusyUs          uint64
	IdleUs          uint64
	Steals          uint64
}

// Utilization returns busy/(busy+idle) in 0..1.
func (s *ProcessorStats) Utilization() float64 {
	total := s.BusyUs + s.IdleUs
	if total == 0 {
		return 0
	}
	return float64(s.BusyUs) / float64(total)
}

// Processor is one logical scheduling slot (a P): a local deque, a current
// coroutine slot, and its counters. The owner pushes and pops the back of
// the deque; stealers take from the front.
type Processor struct {
	ID    int
	sched *Scheduler

	mu      sync.Mutex
	deque   []*Coroutine
	current *Coroutine
	state   ProcessorState
	stats   ProcessorStats
}

// pushLocal appends to the owner end.
func (p *Processor) pushLocal(c *Coroutine) {
	p.mu.Lock()
	p.deque = append(p.deque, c)
	p.mu.Unlock()
}

// popLocal takes from the owner end.
func (p *Processor) popLocal() *Coroutine {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.deque)
	if n == 0 {
		return nil
	}
	c := p.deque[n-1]
	p.deque = p.deque[:n-1]
	return c
}

// stealFrom takes from the victim's cold end.
func (p *Processor) stealFrom() *Coroutine {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.deque) == 0 {
		return nil
	}
	c := p.deque[0]
	p.deque = p.deque[1:]
	return c
}

// QueueLen reports the local deque length.
func (p *Processor) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deque)
}

// Stats returns a copy of the processor counters.
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// State returns the current scheduling state.
func (p *Processor) State() ProcessorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) setState(s ProcessorState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// SchedulerConfig sizes the scheduler.
type SchedulerConfig struct {
	Processors int
	TimeSlice  time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Processors: 2, TimeSlice: 2 * time.Millisecond}
}

// Scheduler runs coroutines over a fixed set of processors, each backed by
// one OS thread (goroutine M). Overflow and fresh spawns land on the global
// queue; idle processors steal before sleeping on the condvar.
type Scheduler struct {
	cfg SchedulerConfig
	ps  []*Processor
	log *VMLogger

	globalMu sync.Mutex
	global   []*Coroutine

	cond    *sync.Cond
	stopped atomic.Bool
	nextID  atomic.Uint64

	safepoint func() // invoked between slices on every P

	group *errgroup.Group
}

func NewScheduler(cfg SchedulerConfig, log *VMLogger) *Scheduler {
	if cfg.Processors <= 0 {
		cfg.Processors = 1
	}
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = 2 * time.Millisecond
	}
	if log == nil {
		log = nopLogger
	}
	s := &Scheduler{cfg: cfg, log: log}
	s.cond = sync.NewCond(&s.globalMu)
	for i := 0; i < cfg.Processors; i++ {
		s.ps = append(s.ps, &Processor{ID: i, sched: s})
	}
	return s
}

// SetSafepoint installs the hook run at every scheduling boundary; the
// translation cache's epoch advance and GC handshakes ride on it.
func (s *Scheduler) SetSafepoint(fn func()) { s.safepoint = fn }

// Processors exposes the P set for statistics.
func (s *Scheduler) Processors() []*Processor { return s.ps }

// Spawn creates a coroutine and enqueues it globally.
func (s *Scheduler) Spawn(fn CoroFunc) *Coroutine {
	c := NewCoroutine(s.nextID.Add(1), fn)
	c.setState(CORO_READY)
	s.globalMu.Lock()
	s.global = append(s.global, c)
	s.globalMu.Unlock()
	s.cond.Broadcast()
	return c
}

// SpawnOn creates a coroutine on a specific processor's deque.
func (s *Scheduler) SpawnOn(pID int, fn CoroFunc) *Coroutine {
	if pID < 0 || pID >= len(s.ps) {
		return s.Spawn(fn)
	}
	c := NewCoroutine(s.nextID.Add(1), fn)
	c.setState(CORO_READY)
	s.ps[pID].pushLocal(c)
	s.cond.Broadcast()
	return c
}

// Start launches one worker per processor.
func (s *Scheduler) Start() {
	g := &errgroup.Group{}
	s.group = g
	for _, p := range s.ps {
		p := p
		g.Go(func() error {
			s.runP(p)
			return nil
		})
	}
}

// Stop asks all workers to wind down and waits for them.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.cond.Broadcast()
	if s.group != nil {
		_ = s.group.Wait()
	}
	for _, p := range s.ps {
		p.setState(P_HALTED)
	}
}

// runP is the per-processor run loop: run current, else local pop, else
// global, else steal, else wait.
func (s *Scheduler) runP(p *Processor) {
	for !s.stopped.Load() {
		c := p.popLocal()
		if c == nil {
			c = s.takeGlobal()
		}
		if c == nil {
			c = s.stealOther(p)
			if c != nil {
				p.mu.Lock()
				p.stats.Steals++
				p.mu.Unlock()
			}
		}
		if c == nil {
			p.setState(P_WAITING_FOR_WORK)
			idleStart := time.Now()
			s.globalMu.Lock()
			for len(s.global) == 0 && !s.stopped.Load() && !s.anyLocalWork() {
				s.cond.Wait()
			}
			s.globalMu.Unlock()
			p.mu.Lock()
			p.stats.IdleUs += uint64(time.Since(idleStart).Microseconds())
			p.mu.Unlock()
			continue
		}

		if c.State() == CORO_DEAD {
			continue
		}
		p.mu.Lock()
		p.current = c
		p.state = P_RUNNING
		p.stats.ContextSwitches++
		p.mu.Unlock()
		c.setState(CORO_RUNNING)

		start := time.Now()
		next := c.fn(p, s.cfg.TimeSlice)
		elapsed := time.Since(start)
		c.recordExecution(elapsed)

		p.mu.Lock()
		p.current = nil
		p.stats.Executions++
		p.stats.BusyUs += uint64(elapsed.Microseconds())
		p.mu.Unlock()

		c.setState(next)
		if next == CORO_READY {
			p.pushLocal(c)
		}

		if s.safepoint != nil {
			s.safepoint()
		}
	}
	p.setState(P_HALTED)
}

func (s *Scheduler) takeGlobal() *Coroutine {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if len(s.global) == 0 {
		return nil
	}
	c := s.global[0]
	s.global = s.global[1:]
	return c
}

func (s *Scheduler) stealOther(self *Processor) *Coroutine {
	for _, victim := range s.ps {
		if victim == self {
			continue
		}
		if c := victim.stealFrom(); c != nil {
			return c
		}
	}
	return nil
}

func (s *Scheduler) anyLocalWork() bool {
	for _, p := range s.ps {
		if p.QueueLen() > 0 {
			return true
		}
	}
	return false
}

// GlobalQueueLen reports the global queue length.
func (s *Scheduler) GlobalQueueLen() int {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	return len(s.global)
}

// LoadImbalance is the standard deviation of deque lengths across Ps.
func (s *Scheduler) LoadImbalance() float64 {
	if len(s.ps) == 0 {
		return 0
	}
	lengths := make([]float64, len(s.ps))
	sum := 0.0
	for i, p := range s.ps {
		lengths[i] = float64(p.QueueLen())
		sum += lengths[i]
	}
	mean := sum / float64(len(lengths))
	varsum := 0.0
	for _, l := range lengths {
		d := l - mean
		varsum += d * d
	}
	return math.Sqrt(varsum / float64(len(lengths)))
}

// Wake nudges sleeping processors; devices call it after queueing work.
func (s *Scheduler) Wake() { s.cond.Broadcast() }
