// gc_barrier.go - Sharded write barrier feeding the collector

package main

import "sync"

// BarrierRecord is one logged pointer store: *src = dst.
type BarrierRecord struct {
	Src GuestAddr
	Dst GuestAddr
}

// WRITE_BARRIER_SHARDS partitions the log so concurrent vCPUs rarely share
// a shard lock. Power of two.
const WRITE_BARRIER_SHARDS = 16

type barrierShard struct {
	mu  sync.Mutex
	log []BarrierRecord
}

// ShardedWriteBarrier records pointer stores into shards hashed from the
// source address. Each shard has a cheap insert path and a bulk drain under
// the shard lock; marking termination requires all shards drained.
type ShardedWriteBarrier struct {
	shards  [WRITE_BARRIER_SHARDS]barrierShard
	records uint64
	drains  uint64
	mu      sync.Mutex // counters only
}

func NewShardedWriteBarrier() *ShardedWriteBarrier {
	return &ShardedWriteBarrier{}
}

func (wb *ShardedWriteBarrier) shardFor(src GuestAddr) *barrierShard {
	h := uint64(src) * 0x9E3779B97F4A7C15
	return &wb.shards[h>>59&(WRITE_BARRIER_SHARDS-1)]
}

// Record logs the store src -> dst.
func (wb *ShardedWriteBarrier) Record(src, dst GuestAddr) {
	s := wb.shardFor(src)
	s.mu.Lock()
	s.log = append(s.log, BarrierRecord{Src: src, Dst: dst})
	s.mu.Unlock()
	wb.mu.Lock()
	wb.records++
	wb.mu.Unlock()
}

// DrainAll empties every shard and returns the combined log. Records
// appended after the drain began land in the next drain.
func (wb *ShardedWriteBarrier) DrainAll() []BarrierRecord {
	var out []BarrierRecord
	for i := range wb.shards {
		s := &wb.shards[i]
		s.mu.Lock()
		out = append(out, s.log...)
		s.log = s.log[:0]
		s.mu.Unlock()
	}
	wb.mu.Lock()
	wb.drains++
	wb.mu.Unlock()
	return out
}

// Empty reports whether every shard is drained.
func (wb *ShardedWriteBarrier) Empty() bool {
	for i := range wb.shards {
		s := &wb.shards[i]
		s.mu.Lock()
		n := len(s.log)
		s.mu.Unlock()
		if n > 0 {
			return false
		}
	}
	return true
}

// Recorded returns the total record count.
func (wb *ShardedWriteBarrier) Recorded() uint64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.records
}
