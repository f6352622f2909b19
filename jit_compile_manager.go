// jit_compile_manager.go - Asynchronous tiered compilation: queue, dedup, install

package main

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CompileOutcome is the terminal state of one compile request.
type CompileOutcome uint8

const (
	COMPILE_PENDING CompileOutcome = iota
	COMPILE_COMPLETED
	COMPILE_FAILED
	COMPILE_TIMEOUT
	COMPILE_CANCELLED
)

// CompileResult resolves a handle. On COMPILE_COMPLETED the cache entry is
// already installed: readers of the handle are guaranteed to find it.
type CompileResult struct {
	Outcome CompileOutcome
	FP      Fingerprint
	Err     error
}

// CompileHandle is the caller's view of an in-flight compile. Duplicate
// requests for the same PC coalesce onto one handle.
type CompileHandle struct {
	done   chan struct{}
	result CompileResult
}

// Done returns a channel closed when the request resolves.
func (h *CompileHandle) Done() <-chan struct{} { return h.done }

// Result blocks until resolution and returns the outcome.
func (h *CompileHandle) Result() CompileResult {
	<-h.done
	return h.result
}

// TryResult returns the outcome if resolved.
func (h *CompileHandle) TryResult() (CompileResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return CompileResult{}, false
	}
}

type compileTask struct {
	pc       GuestAddr
	block    *IRBlock
	priority Tier
	seq      uint64 // FIFO within a priority class
	handle   *CompileHandle
	deadline time.Time
	cancel   bool
	index    int // heap bookkeeping
}

// taskHeap is a max-heap on (priority, FIFO order).
type taskHeap []*compileTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*compileTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// CompileManagerStats mirrors the PGO-flavoured counters: per-strategy
// compile counts and a running average compile time.
type CompileManagerStats struct {
	Submitted        uint64
	Coalesced        uint64
	Completed        uint64
	Failed           uint64
	TimedOut         uint64
	Cancelled        uint64
	HotCompilations  uint64
	ColdCompilations uint64
	AvgCompileTimeUs float64
}

// CompileManager owns the compile worker pool. Tasks are owned structs
// passed through the queue; nothing captures references across the
// submission boundary. Priorities are monotone per block: a raise sticks, a
// lower-priority resubmit coalesces without lowering.
type CompileManager struct {
	cache     *TranslationCache
	chainer   *BlockChainer
	backend   HostBackend
	optimizer *Optimizer
	alloc     *ExecAllocator
	log       *VMLogger

	mu      sync.Mutex
	queue   taskHeap
	pending map[GuestAddr]*compileTask
	seq     uint64
	stats   CompileManagerStats
	wake    chan struct{}

	timeout time.Duration
	workers int

	admit *semaphore.Weighted
	group *errgroup.Group
	ctx   context.Context
	stop  context.CancelFunc
}

func NewCompileManager(cache *TranslationCache, chainer *BlockChainer, backend HostBackend, optimizer *Optimizer, alloc *ExecAllocator, workers int, timeout time.Duration, log *VMLogger) *CompileManager {
	if workers <= 0 {
		workers = 2
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if log == nil {
		log = nopLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	m := &CompileManager{
		cache:     cache,
		chainer:   chainer,
		backend:   backend,
		optimizer: optimizer,
		alloc:     alloc,
		log:       log,
		pending:   make(map[GuestAddr]*compileTask),
		wake:      make(chan struct{}, 1),
		timeout:   timeout,
		workers:   workers,
		admit:     semaphore.NewWeighted(int64(workers * 8)),
		group:     g,
		ctx:       gctx,
		stop:      cancel,
	}
	for i := 0; i < workers; i++ {
		g.Go(m.workerLoop)
	}
	return m
}

// CompileAsync submits block for background compilation at the given
// priority. Duplicate submissions for the same PC return the existing
// handle, raising (never lowering) its priority.
func (m *CompileManager) CompileAsync(block *IRBlock, priority Tier) *CompileHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Submitted++

	if t, ok := m.pending[block.StartPC]; ok {
		m.stats.Coalesced++
		if priority > t.priority {
			t.priority = priority
			if t.index >= 0 {
				heap.Fix(&m.queue, t.index)
			}
		}
		return t.handle
	}

	m.seq++
	t := &compileTask{
		pc:       block.StartPC,
		block:    block,
		priority: priority,
		seq:      m.seq,
		handle:   &CompileHandle{done: make(chan struct{})},
		deadline: time.Now().Add(m.timeout),
		index:    -1,
	}
	m.pending[block.StartPC] = t
	heap.Push(&m.queue, t)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return t.handle
}

// CancelPC flags the pending compile for pc, if any. Cancelled compiles
// discard their output and never install into the cache.
func (m *CompileManager) CancelPC(pc GuestAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.pending[pc]; ok {
		t.cancel = true
	}
}

// Stats returns a copy of the counters.
func (m *CompileManager) Stats() CompileManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// QueueLen reports the queued (not yet running) task count.
func (m *CompileManager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Shutdown stops the workers and waits for them to drain.
func (m *CompileManager) Shutdown() {
	m.stop()
	_ = m.group.Wait()
}

func (m *CompileManager) workerLoop() error {
	for {
		t := m.takeTask()
		if t == nil {
			select {
			case <-m.wake:
				continue
			case <-m.ctx.Done():
				return nil
			}
		}
		if err := m.admit.Acquire(m.ctx, 1); err != nil {
			m.resolve(t, CompileResult{Outcome: COMPILE_CANCELLED, Err: ErrCompileCancelled})
			return nil
		}
		m.runTask(t)
		m.admit.Release(1)
	}
}

func (m *CompileManager) takeTask() *compileTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Len() == 0 {
		return nil
	}
	t := heap.Pop(&m.queue).(*compileTask)
	t.index = -1
	return t
}

func (m *CompileManager) runTask(t *compileTask) {
	start := time.Now()

	if t.cancel {
		m.finish(t, CompileResult{Outcome: COMPILE_CANCELLED, FP: m.fingerprintOf(t), Err: ErrCompileCancelled}, start)
		return
	}
	if time.Now().After(t.deadline) {
		m.finish(t, CompileResult{Outcome: COMPILE_TIMEOUT, FP: m.fingerprintOf(t), Err: ErrCompileTimeout}, start)
		return
	}

	block := t.block
	optimized := false
	if t.priority >= TIER_HOT {
		block, optimized = m.optimizer.Optimize(block)
	}

	code, err := m.backend.Emit(block)
	if err != nil {
		if !errors.Is(err, ErrCompileFailed) {
			m.finish(t, CompileResult{Outcome: COMPILE_FAILED, FP: m.fingerprintOf(t), Err: err}, start)
			return
		}
		// The block exceeds the native backend's limits (deep temporary
		// pressure, displacement range). The threaded form has no such
		// limits: install it without native bytes so the tier-up still
		// lands; chaining simply skips blocks without patchable code.
		m.log.Debugf("compile", "native emission skipped for 0x%X: %v", uint64(t.pc), err)
		code = &CompiledCode{Run: CompileThunk(block)}
	}

	var region *ExecRegion
	if len(code.Bytes) > 0 && m.alloc != nil {
		region, err = m.alloc.Alloc(len(code.Bytes))
		if err == nil {
			copy(region.Bytes(), code.Bytes)
			code.Bytes = region.Bytes()[:len(code.Bytes)]
			err = region.Seal()
		}
		if err != nil {
			m.finish(t, CompileResult{Outcome: COMPILE_FAILED, FP: m.fingerprintOf(t), Err: err}, start)
			return
		}
	}

	// Cancellation checked once more before publication; a cancelled task
	// must never become visible.
	m.mu.Lock()
	cancelled := t.cancel
	m.mu.Unlock()
	if cancelled {
		if region != nil {
			m.alloc.Free(region)
		}
		m.finish(t, CompileResult{Outcome: COMPILE_CANCELLED, FP: m.fingerprintOf(t), Err: ErrCompileCancelled}, start)
		return
	}

	fp := m.fingerprintOf(t)
	entry := &CacheEntry{
		Code:   code,
		Region: region,
		IR:     t.block,
		Tier:   t.priority,
	}
	m.cache.Insert(fp, entry)
	m.chainer.AnalyzeBlock(t.block)

	m.mu.Lock()
	if optimized || t.priority >= TIER_HOT {
		m.stats.HotCompilations++
	} else {
		m.stats.ColdCompilations++
	}
	m.mu.Unlock()

	m.finish(t, CompileResult{Outcome: COMPILE_COMPLETED, FP: fp}, start)
}

func (m *CompileManager) fingerprintOf(t *compileTask) Fingerprint {
	return FingerprintForBlock(t.block, m.backend.Arch())
}

func (m *CompileManager) finish(t *compileTask, res CompileResult, start time.Time) {
	elapsed := float64(time.Since(start).Microseconds())
	m.mu.Lock()
	delete(m.pending, t.pc)
	switch res.Outcome {
	case COMPILE_COMPLETED:
		m.stats.Completed++
	case COMPILE_FAILED:
		m.stats.Failed++
	case COMPILE_TIMEOUT:
		m.stats.TimedOut++
	case COMPILE_CANCELLED:
		m.stats.Cancelled++
	}
	n := float64(m.stats.Completed + m.stats.Failed + m.stats.TimedOut + m.stats.Cancelled)
	if n > 0 {
		m.stats.AvgCompileTimeUs = (m.stats.AvgCompileTimeUs*(n-1) + elapsed) / n
	}
	m.mu.Unlock()
	m.resolve(t, res)
}

func (m *CompileManager) resolve(t *compileTask, res CompileResult) {
	t.handle.result = res
	close(t.handle.done)
}
