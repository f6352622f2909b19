//go:build linux || darwin || freebsd

// jit_execmem_unix.go - W^X executable memory via mmap/mprotect

package main

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ExecRegion is one mmap'd code region. While any cache entry or chain
// references it, the mapping is live and W^X: writable during emission,
// executable (and read-only) once sealed.
type ExecRegion struct {
	buf    []byte
	sealed bool
}

// Bytes returns the backing slice. Writes are only valid before Seal.
func (r *ExecRegion) Bytes() []byte { return r.buf }

// ExecAllocator hands out executable regions for compiled blocks. Freed
// regions are unmapped only after the cache's quiescent point, so in-flight
// executions never lose their mapping.
type ExecAllocator struct {
	mu       sync.Mutex
	liveSize uint64
	regions  map[*ExecRegion]struct{}
}

func NewExecAllocator() *ExecAllocator {
	return &ExecAllocator{regions: make(map[*ExecRegion]struct{})}
}

// Alloc maps a writable region of at least size bytes, rounded up to the
// host page size.
func (a *ExecAllocator) Alloc(size int) (*ExecRegion, error) {
	pg := unix.Getpagesize()
	n := (size + pg - 1) &^ (pg - 1)
	buf, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("exec mmap failed: %w", err)
	}
	r := &ExecRegion{buf: buf}
	a.mu.Lock()
	a.regions[r] = struct{}{}
	a.liveSize += uint64(n)
	a.mu.Unlock()
	return r, nil
}

// Seal flips the region from writable to executable. After Seal the bytes
// are immutable until Unseal.
func (r *ExecRegion) Seal() error {
	if r.sealed {
		return nil
	}
	if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("exec mprotect failed: %w", err)
	}
	r.sealed = true
	return nil
}

// Unseal makes the region writable again for chain patching on hosts whose
// W^X policy forbids writable+executable pages. Callers re-Seal afterwards.
func (r *ExecRegion) Unseal() error {
	if !r.sealed {
		return nil
	}
	if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("exec mprotect failed: %w", err)
	}
	r.sealed = false
	return nil
}

// Free unmaps the region. Only the translation cache calls this, and only
// past a quiescent point.
func (a *ExecAllocator) Free(r *ExecRegion) {
	a.mu.Lock()
	if _, ok := a.regions[r]; ok {
		delete(a.regions, r)
		a.liveSize -= uint64(len(r.buf))
	}
	a.mu.Unlock()
	_ = unix.Munmap(r.buf)
	r.buf = nil
}

// LiveBytes reports the mapped executable footprint.
func (a *ExecAllocator) LiveBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveSize
}
