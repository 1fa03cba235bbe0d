// Package tlb implements the sharded soft-TLB: a hashmap from (asid, vpn)
// to (pfn, perms), partitioned into shards by the low bits of the virtual
// page number to bound lock contention.
package tlb

import (
	"sync"
	"sync/atomic"

	"github.com/crosshost/vmm/internal/gaddr"
)

// ASID is a guest address-space identifier.
type ASID uint16

// entry is a single cached translation.
type entry struct {
	vpn  uint64
	pfn  uint64
	perm gaddr.Perm
	asid ASID
	// pageBits is log2(page size), needed to reconstruct the physical
	// address for pages larger than 4 KiB.
	pageBits uint8
}

// Stats are the atomically maintained counters exposed for monitoring.
type Stats struct {
	Hits, Misses, Inserts, Invalidations uint64
}

// TLB is a sharded, per-shard-locked translation cache in front of a
// Walker. shardCount is fixed at construction (the `tlb_shards`
// configuration option).
type TLB struct {
	shards []shard
	mask   uint64

	strategy FlushStrategy

	hits, misses, inserts, invalidations atomic.Uint64
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint64]entry // keyed by packed (asid, vpn)
}

// New returns a TLB with shardCount shards (rounded up to the next power of
// two) using the given flush strategy.
func New(shardCount int, strategy FlushStrategy) *TLB {
	if shardCount < 1 {
		shardCount = 1
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	t := &TLB{shards: make([]shard, n), mask: uint64(n - 1), strategy: strategy}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint64]entry)
	}
	if t.strategy == nil {
		t.strategy = Immediate{}
	}
	return t
}

func key(asid ASID, vpn uint64) uint64 { return uint64(asid)<<48 | (vpn & 0xffffffffffff) }

func (t *TLB) shardFor(vpn uint64) *shard {
	return &t.shards[vpn&t.mask]
}

// LookupFast is the hot path: a single shard's read lock, no walk. It
// returns the physical frame number and perms on hit.
func (t *TLB) LookupFast(asid ASID, va gaddr.GuestAddr) (pfn uint64, perm gaddr.Perm, pageBits uint8, ok bool) {
	vpn := uint64(va) >> 12
	s := t.shardFor(vpn)
	s.mu.RLock()
	e, found := s.entries[key(asid, vpn)]
	s.mu.RUnlock()
	if !found {
		t.misses.Add(1)
		return 0, 0, 0, false
	}
	t.hits.Add(1)
	return e.pfn, e.perm, e.pageBits, true
}

// Insert installs or replaces the mapping for (asid, va). pageBits is
// log2(pageSize); it is stored with the entry and returned by LookupFast.
// Entries are keyed by va's 4 KiB virtual page whatever pageBits is, so a
// page larger than 4 KiB takes one entry per 4 KiB page inserted.
func (t *TLB) Insert(asid ASID, va gaddr.GuestAddr, pfn uint64, perm gaddr.Perm, pageBits uint8) {
	vpn := uint64(va) >> 12
	s := t.shardFor(vpn)
	s.mu.Lock()
	s.entries[key(asid, vpn)] = entry{vpn: vpn, pfn: pfn, perm: perm, asid: asid, pageBits: pageBits}
	s.mu.Unlock()
	t.inserts.Add(1)
}

// Invalidate removes the single-page mapping at va for asid, if present.
func (t *TLB) Invalidate(asid ASID, va gaddr.GuestAddr) {
	vpn := uint64(va) >> 12
	s := t.shardFor(vpn)
	s.mu.Lock()
	delete(s.entries, key(asid, vpn))
	s.mu.Unlock()
	t.invalidations.Add(1)
}

// InvalidateRange removes every mapping whose virtual page falls in
// [lo, hi) for asid.
func (t *TLB) InvalidateRange(asid ASID, lo, hi gaddr.GuestAddr) {
	loVPN, hiVPN := uint64(lo)>>12, uint64(hi)>>12
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if e.asid == asid && e.vpn >= loVPN && e.vpn < hiVPN {
				delete(s.entries, k)
				t.invalidations.Add(1)
			}
		}
		s.mu.Unlock()
	}
}

// InvalidateASID removes every mapping belonging to asid (used on an
// address-space switch/destroy).
func (t *TLB) InvalidateASID(asid ASID) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if e.asid == asid {
				delete(s.entries, k)
				t.invalidations.Add(1)
			}
		}
		s.mu.Unlock()
	}
}

// FlushAll empties every shard. Cross-shard operations
// like this acquire a global barrier: shards are locked in index order so
// concurrent FlushAll calls cannot deadlock against each other.
func (t *TLB) FlushAll() {
	for i := range t.shards {
		t.shards[i].mu.Lock()
	}
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		n += len(s.entries)
		s.entries = make(map[uint64]entry)
	}
	for i := range t.shards {
		t.shards[i].mu.Unlock()
	}
	t.invalidations.Add(uint64(n))
}

// Stats returns a snapshot of the atomic counters.
func (t *TLB) Stats() Stats {
	return Stats{
		Hits:          t.hits.Load(),
		Misses:        t.misses.Load(),
		Inserts:       t.inserts.Load(),
		Invalidations: t.invalidations.Load(),
	}
}

// SetStrategy hot-swaps the flush strategy at runtime, e.g. when an
// adaptive manager decides the observed hit rate warrants a different
// policy.
func (t *TLB) SetStrategy(s FlushStrategy) { t.strategy = s }

// NotifyAccess lets the configured FlushStrategy observe an access, needed
// by the "intelligent"/"predictive"/"adaptive" strategies to build up their
// hot-page or access-trail state. Called by the softmmu fast path on every
// LookupFast hit.
func (t *TLB) NotifyAccess(va gaddr.GuestAddr) {
	t.strategy.OnAccess(t, va)
}

// RequestFlush asks the configured strategy to flush va for asid; the
// strategy decides whether to act immediately, defer, or batch.
func (t *TLB) RequestFlush(asid ASID, va gaddr.GuestAddr) {
	t.strategy.OnInvalidate(t, asid, va)
}

// Barrier is called at a synchronization point (e.g. a vCPU loop head,
// matching the batched strategy's "evict on next barrier" contract).
func (t *TLB) Barrier() {
	t.strategy.OnBarrier(t)
}
