// jit_translation_cache.go - Fingerprint-keyed translation cache for the Chimera Engine

/*
Chimera Engine - full-system cross-architecture virtual machine

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/ChimeraEngine
License: GPLv3 or later
*/

package main

import (
	"sort"
	"sync"
	"time"
)

// Fingerprint identifies a block by its raw guest bytes and translation
// context. Two blocks with identical fingerprints are interchangeable.
type Fingerprint struct {
	SrcArch Arch
	DstArch Arch
	StartPC GuestAddr
	Hash    uint64
}

// FingerprintBytes hashes raw guest instruction bytes (FNV-1a, 64-bit).
func FingerprintBytes(src, dst Arch, pc GuestAddr, code []byte) Fingerprint {
	return Fingerprint{SrcArch: src, DstArch: dst, StartPC: pc, Hash: HashGuestBytes(code)}
}

// FingerprintForBlock builds the cache key for a decoded block whose raw
// byte digest has been recorded.
func FingerprintForBlock(b *IRBlock, dst Arch) Fingerprint {
	return Fingerprint{SrcArch: b.Arch, DstArch: dst, StartPC: b.StartPC, Hash: b.Hash}
}

// HashGuestBytes digests raw guest instruction bytes for fingerprinting.
func HashGuestBytes(code []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range code {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}

// CachePolicy selects the eviction strategy. The policy is a construction
// choice and immutable for the cache's lifetime.
type CachePolicy uint8

const (
	POLICY_ADAPTIVE_LRU CachePolicy = iota
	POLICY_TWO_QUEUE
	POLICY_ARC
	POLICY_FREQ_LRU
)

func ParseCachePolicy(s string) (CachePolicy, bool) {
	switch s {
	case "AdaptiveLRU", "adaptive_lru", "":
		return POLICY_ADAPTIVE_LRU, true
	case "TwoQueue", "2q":
		return POLICY_TWO_QUEUE, true
	case "ARC", "arc":
		return POLICY_ARC, true
	case "FreqLRU", "freq_lru":
		return POLICY_FREQ_LRU, true
	default:
		return 0, false
	}
}

// CacheEntry owns one compiled block: the emitted code, its executable
// region, and access bookkeeping. The cache exclusively owns entries; other
// components hold the fingerprint and resolve it per use.
type CacheEntry struct {
	FP          Fingerprint
	Code        *CompiledCode
	Region      *ExecRegion
	IR          *IRBlock // optional debug copy
	Tier        Tier
	FirstInsert time.Time
	LastAccess  uint64 // logical access clock
	AccessCount uint64

	retireEpoch uint64 // set when removed; reclaimed past quiescence
}

// CacheStats is the counter block the monitor reports.
type CacheStats struct {
	Lookups   uint64
	Hits      uint64
	Misses    uint64
	Inserts   uint64
	Evictions uint64
	Clears    uint64
}

// HitRate returns hits/lookups.
func (s *CacheStats) HitRate() float64 {
	if s.Lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Lookups)
}

// TranslationCache maps fingerprints to compiled blocks with a bounded
// entry count. Inserts and evictions are serialized; executable memory of
// removed entries is reclaimed only after every vCPU has passed a safepoint
// beyond the removal (epoch scheme).
type TranslationCache struct {
	mu         sync.Mutex
	entries    map[Fingerprint]*CacheEntry
	maxEntries int
	policy     CachePolicy
	stats      CacheStats
	clock      uint64 // logical access clock

	// AdaptiveLRU / FreqLRU recency order, front = coldest.
	order []Fingerprint

	// 2Q queues.
	a1in []Fingerprint // first-timers, FIFO
	am   []Fingerprint // re-referenced, LRU

	// ARC queues and ghosts.
	arcT1, arcT2 []Fingerprint
	arcB1, arcB2 map[Fingerprint]struct{}
	arcP         int

	// Deferred reclamation.
	alloc   *ExecAllocator
	epoch   uint64
	pins    map[int]uint64 // vCPU id -> pinned epoch
	retired []*CacheEntry
}

func NewTranslationCache(maxEntries int, policy CachePolicy, alloc *ExecAllocator) *TranslationCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &TranslationCache{
		entries:    make(map[Fingerprint]*CacheEntry, maxEntries),
		maxEntries: maxEntries,
		policy:     policy,
		arcB1:      make(map[Fingerprint]struct{}),
		arcB2:      make(map[Fingerprint]struct{}),
		alloc:      alloc,
		pins:       make(map[int]uint64),
	}
}

// Policy returns the construction-time eviction policy.
func (tc *TranslationCache) Policy() CachePolicy { return tc.policy }

// Lookup resolves fp, bumping the access count and recency atomically with
// the probe.
func (tc *TranslationCache) Lookup(fp Fingerprint) (*CacheEntry, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.stats.Lookups++
	e, ok := tc.entries[fp]
	if !ok {
		tc.stats.Misses++
		return nil, false
	}
	tc.stats.Hits++
	tc.clock++
	e.AccessCount++
	e.LastAccess = tc.clock
	tc.touch(fp)
	return e, true
}

// Insert installs entry under fp, evicting one victim per policy when at
// capacity. Re-inserting an existing fingerprint replaces the entry (the old
// one retires).
func (tc *TranslationCache) Insert(fp Fingerprint, e *CacheEntry) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if old, ok := tc.entries[fp]; ok {
		tc.retire(old)
		delete(tc.entries, fp)
		tc.dropKey(fp)
	}
	for len(tc.entries) >= tc.maxEntries {
		tc.evictOne()
	}
	tc.clock++
	e.FP = fp
	e.FirstInsert = time.Now()
	e.LastAccess = tc.clock
	if e.AccessCount == 0 {
		e.AccessCount = 1
	}
	tc.entries[fp] = e
	tc.stats.Inserts++
	tc.admit(fp)
}

// Remove drops fp if present. Used by code sweeps and explicit invalidation
// (self-modifying guest code ranges).
func (tc *TranslationCache) Remove(fp Fingerprint) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e, ok := tc.entries[fp]
	if !ok {
		return false
	}
	tc.retire(e)
	delete(tc.entries, fp)
	tc.dropKey(fp)
	tc.stats.Evictions++
	return true
}

// RemovePC drops every entry whose block starts at pc, regardless of arch
// pair or hash.
func (tc *TranslationCache) RemovePC(pc GuestAddr) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	n := 0
	for fp, e := range tc.entries {
		if fp.StartPC == pc {
			tc.retire(e)
			delete(tc.entries, fp)
			tc.dropKey(fp)
			tc.stats.Evictions++
			n++
		}
	}
	return n
}

// Clear drops all entries. Currently executing blocks stay valid until they
// return: their regions sit on the retired list until quiescence.
func (tc *TranslationCache) Clear() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, e := range tc.entries {
		tc.retire(e)
	}
	tc.entries = make(map[Fingerprint]*CacheEntry, tc.maxEntries)
	tc.order = tc.order[:0]
	tc.a1in, tc.am = nil, nil
	tc.arcT1, tc.arcT2 = nil, nil
	tc.arcB1 = make(map[Fingerprint]struct{})
	tc.arcB2 = make(map[Fingerprint]struct{})
	tc.arcP = 0
	tc.stats.Clears++
}

// Contains reports presence without touching recency.
func (tc *TranslationCache) Contains(fp Fingerprint) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	_, ok := tc.entries[fp]
	return ok
}

// Len returns the current entry count.
func (tc *TranslationCache) Len() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.entries)
}

// Stats returns a copy of the counters.
func (tc *TranslationCache) Stats() CacheStats {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.stats
}

// Warmup bulk-inserts entries while below capacity.
func (tc *TranslationCache) Warmup(entries map[Fingerprint]*CacheEntry) {
	for fp, e := range entries {
		tc.mu.Lock()
		full := len(tc.entries) >= tc.maxEntries
		tc.mu.Unlock()
		if full {
			return
		}
		tc.Insert(fp, e)
	}
}

// HotEntries returns up to limit entries ordered by access count.
func (tc *TranslationCache) HotEntries(limit int) []*CacheEntry {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]*CacheEntry, 0, len(tc.entries))
	for _, e := range tc.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessCount > out[j].AccessCount })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ---------------------------------------------------------------------------
// Policy plumbing. All run under tc.mu.
// ---------------------------------------------------------------------------

func (tc *TranslationCache) admit(fp Fingerprint) {
	switch tc.policy {
	case POLICY_TWO_QUEUE:
		tc.a1in = append(tc.a1in, fp)
	case POLICY_ARC:
		if _, ok := tc.arcB1[fp]; ok {
			delete(tc.arcB1, fp)
			tc.arcP = min(tc.arcP+1, tc.maxEntries)
			tc.arcT2 = append(tc.arcT2, fp)
		} else if _, ok := tc.arcB2[fp]; ok {
			delete(tc.arcB2, fp)
			tc.arcP = max(tc.arcP-1, 0)
			tc.arcT2 = append(tc.arcT2, fp)
		} else {
			tc.arcT1 = append(tc.arcT1, fp)
		}
	default:
		tc.order = append(tc.order, fp)
	}
}

func (tc *TranslationCache) touch(fp Fingerprint) {
	switch tc.policy {
	case POLICY_TWO_QUEUE:
		if removeKey(&tc.a1in, fp) {
			tc.am = append(tc.am, fp) // re-reference promotes to Am
		} else if removeKey(&tc.am, fp) {
			tc.am = append(tc.am, fp)
		}
	case POLICY_ARC:
		if removeKey(&tc.arcT1, fp) {
			tc.arcT2 = append(tc.arcT2, fp)
		} else if removeKey(&tc.arcT2, fp) {
			tc.arcT2 = append(tc.arcT2, fp)
		}
	default:
		if removeKey(&tc.order, fp) {
			tc.order = append(tc.order, fp)
		}
	}
}

func (tc *TranslationCache) dropKey(fp Fingerprint) {
	removeKey(&tc.order, fp)
	removeKey(&tc.a1in, fp)
	removeKey(&tc.am, fp)
	removeKey(&tc.arcT1, fp)
	removeKey(&tc.arcT2, fp)
}

func (tc *TranslationCache) evictOne() {
	var victim Fingerprint
	var found bool
	switch tc.policy {
	case POLICY_TWO_QUEUE:
		// Drain first-timers before touching the hot queue.
		if len(tc.a1in) > 0 {
			victim, tc.a1in = tc.a1in[0], tc.a1in[1:]
			found = true
		} else if len(tc.am) > 0 {
			victim, tc.am = tc.am[0], tc.am[1:]
			found = true
		}
	case POLICY_ARC:
		if len(tc.arcT1) > 0 && (len(tc.arcT1) > tc.arcP || len(tc.arcT2) == 0) {
			victim, tc.arcT1 = tc.arcT1[0], tc.arcT1[1:]
			tc.arcB1[victim] = struct{}{}
			tc.trimGhost(tc.arcB1)
			found = true
		} else if len(tc.arcT2) > 0 {
			victim, tc.arcT2 = tc.arcT2[0], tc.arcT2[1:]
			tc.arcB2[victim] = struct{}{}
			tc.trimGhost(tc.arcB2)
			found = true
		}
	case POLICY_FREQ_LRU:
		// Lowest frequency-weighted score loses; recency breaks ties.
		best := ^uint64(0)
		idx := -1
		for i, fp := range tc.order {
			if e, ok := tc.entries[fp]; ok {
				score := e.AccessCount
				if score < best {
					best = score
					idx = i
				}
			}
		}
		if idx >= 0 {
			victim = tc.order[idx]
			tc.order = append(tc.order[:idx], tc.order[idx+1:]...)
			found = true
		}
	default: // AdaptiveLRU: LRU with one second chance for hot entries
		for len(tc.order) > 0 {
			cand := tc.order[0]
			tc.order = tc.order[1:]
			e, ok := tc.entries[cand]
			if !ok {
				continue
			}
			if e.Tier >= TIER_HOT && e.AccessCount > 4 {
				// Second chance: demote and requeue once.
				e.AccessCount /= 2
				e.Tier = TIER_WARM
				tc.order = append(tc.order, cand)
				continue
			}
			victim, found = cand, true
			break
		}
	}
	if !found {
		// Fall back to any key so capacity is always honoured.
		for fp := range tc.entries {
			victim, found = fp, true
			break
		}
	}
	if !found {
		return
	}
	if e, ok := tc.entries[victim]; ok {
		tc.retire(e)
		delete(tc.entries, victim)
		tc.stats.Evictions++
	}
}

func (tc *TranslationCache) trimGhost(ghost map[Fingerprint]struct{}) {
	for len(ghost) > tc.maxEntries {
		for fp := range ghost {
			delete(ghost, fp)
			break
		}
	}
}

func removeKey(list *[]Fingerprint, fp Fingerprint) bool {
	for i, k := range *list {
		if k == fp {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ---------------------------------------------------------------------------
// Quiescent reclamation. vCPUs pin the current epoch while executing cached
// code; retired executable memory frees only once every pin has advanced
// past the retire epoch.
// ---------------------------------------------------------------------------

// Pin marks vcpuID as executing inside the current epoch.
func (tc *TranslationCache) Pin(vcpuID int) {
	tc.mu.Lock()
	tc.pins[vcpuID] = tc.epoch
	tc.mu.Unlock()
}

// Unpin marks vcpuID as outside any compiled block (at a safepoint).
func (tc *TranslationCache) Unpin(vcpuID int) {
	tc.mu.Lock()
	delete(tc.pins, vcpuID)
	tc.mu.Unlock()
}

// AdvanceEpoch bumps the global epoch and reclaims every retired entry no
// pinned vCPU can still reference. Called from safepoints.
func (tc *TranslationCache) AdvanceEpoch() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.epoch++
	minPinned := tc.epoch
	for _, e := range tc.pins {
		if e < minPinned {
			minPinned = e
		}
	}
	kept := tc.retired[:0]
	freed := 0
	for _, e := range tc.retired {
		if e.retireEpoch < minPinned {
			if e.Region != nil && tc.alloc != nil {
				tc.alloc.Free(e.Region)
			}
			freed++
		} else {
			kept = append(kept, e)
		}
	}
	tc.retired = kept
	return freed
}

// RetiredCount reports how many entries await reclamation.
func (tc *TranslationCache) RetiredCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.retired)
}

func (tc *TranslationCache) retire(e *CacheEntry) {
	e.retireEpoch = tc.epoch
	tc.retired = append(tc.retired, e)
}
