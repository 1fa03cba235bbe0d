// Package cache implements the translation cache: entries keyed by a
// fingerprint of (guest PC, IR hash, optimization level, target ISA),
// evicted by a pluggable policy on entry-count or byte-size pressure. The
// cache is multiple-reader/single-writer with short writer critical
// sections — readers (vCPU execution threads) never block compile workers
// for longer than a map lookup.
package cache

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/crosshost/vmm/internal/vmerr"
)

// Fingerprint stably identifies a specific compiled artifact: the same
// guest PC recompiled at a different optimization level or for a different
// target ISA gets a different Fingerprint.
type Fingerprint uint64

// ComputeFingerprint hashes the tuple identifying a compiled block.
func ComputeFingerprint(guestPC uint64, irHash uint64, optLevel uint8, targetISA uint8) Fingerprint {
	h := fnv.New64a()
	var buf [18]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(guestPC >> (8 * i))
		buf[8+i] = byte(irHash >> (8 * i))
	}
	buf[16] = optLevel
	buf[17] = targetISA
	_, _ = h.Write(buf[:])
	return Fingerprint(h.Sum64())
}

// Policy selects the eviction strategy named by the `cache_policy`
// option.
type Policy byte

const (
	LRU Policy = iota
	LFU
	FIFO
	Random
)

// Entry is a single cached compiled artifact. GuestPC records where the
// source block was decoded from; since decoders never let a block cross a
// page boundary, the whole decoded byte range lives in GuestPC's page, which
// is what makes page-granular invalidation exact.
type Entry struct {
	Fingerprint Fingerprint
	GuestPC     uint64
	Code        []byte
	SizeBytes   int64
}

// Stats are the atomically maintained monitoring counters.
type Stats struct {
	Hits, Misses, Inserts, Evictions uint64
}

type node struct {
	entry Entry
	freq  uint64
	elem  *list.Element // position in the LRU/FIFO order list, nil under LFU/Random
}

// Cache is the translation cache. maxEntries and maxBytes are both
// enforced: an insert evicts by the configured Policy until BOTH limits
// are satisfied, one entry at a time, before the new entry lands.
type Cache struct {
	mu         sync.RWMutex
	policy     Policy
	maxEntries int
	maxBytes   int64

	entries  map[Fingerprint]*node
	order    *list.List // front = most-recently-used (LRU) or newest (FIFO); the back is evicted first
	curBytes int64

	hits, misses, inserts, evictions atomic.Uint64
}

// New returns an empty Cache under the given policy and limits. A
// non-positive limit disables that dimension's enforcement.
func New(policy Policy, maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		policy:     policy,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make(map[Fingerprint]*node),
		order:      list.New(),
	}
}

// Lookup returns the cached entry for fp, if present. Readers take only a
// read lock.
func (c *Cache) Lookup(fp Fingerprint) (Entry, bool) {
	c.mu.RLock()
	n, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	c.touch(n)
	return n.entry, true
}

// touch records an access for LRU ordering / LFU frequency; it takes its
// own short write lock so Lookup's hot path only briefly contends with
// Insert/Invalidate, never holding the read lock while doing so.
func (c *Cache) touch(n *node) {
	switch c.policy {
	case LRU:
		c.mu.Lock()
		if n.elem != nil {
			c.order.MoveToFront(n.elem)
		}
		c.mu.Unlock()
	case LFU:
		atomic.AddUint64(&n.freq, 1)
	}
}

// Insert adds or replaces the entry for fp, compiled from the block decoded
// at guestPC. Insert is idempotent: calling it twice for the same fp
// leaves exactly one entry.
func (c *Cache) Insert(fp Fingerprint, guestPC uint64, code []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[fp]; ok {
		c.curBytes -= existing.entry.SizeBytes
		if existing.elem != nil {
			c.order.Remove(existing.elem)
		}
		delete(c.entries, fp)
	}

	size := int64(len(code))
	for c.overCapacityLocked(size) {
		if !c.evictOneLocked() {
			return fmt.Errorf("%w: cache full with nothing evictable", vmerr.ErrResource)
		}
	}

	n := &node{entry: Entry{Fingerprint: fp, GuestPC: guestPC, Code: code, SizeBytes: size}}
	if c.policy == LRU || c.policy == FIFO {
		n.elem = c.order.PushFront(fp)
	}
	c.entries[fp] = n
	c.curBytes += size
	c.inserts.Add(1)
	return nil
}

func (c *Cache) overCapacityLocked(incoming int64) bool {
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		return true
	}
	if c.maxBytes > 0 && c.curBytes+incoming > c.maxBytes {
		return true
	}
	return false
}

// evictOneLocked removes one entry per the configured policy. Caller holds
// the write lock. Returns false if the cache is empty.
func (c *Cache) evictOneLocked() bool {
	if len(c.entries) == 0 {
		return false
	}
	var victim Fingerprint
	switch c.policy {
	case LRU, FIFO:
		back := c.order.Back()
		if back == nil {
			return false
		}
		victim = back.Value.(Fingerprint)
	case LFU:
		var worst uint64 = ^uint64(0)
		for fp, n := range c.entries {
			f := atomic.LoadUint64(&n.freq)
			if f < worst {
				worst, victim = f, fp
			}
		}
	case Random:
		i := rand.Intn(len(c.entries))
		for fp := range c.entries {
			if i == 0 {
				victim = fp
				break
			}
			i--
		}
	}
	c.removeLocked(victim)
	c.evictions.Add(1)
	return true
}

func (c *Cache) removeLocked(fp Fingerprint) {
	n, ok := c.entries[fp]
	if !ok {
		return
	}
	if n.elem != nil {
		c.order.Remove(n.elem)
	}
	c.curBytes -= n.entry.SizeBytes
	delete(c.entries, fp)
}

// Invalidate removes fp's entry, if present.
func (c *Cache) Invalidate(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(fp)
}

// pageSize matches the decoders' block page-crossing bound; a block's
// decoded bytes never span two pages.
const pageSize = 4096

// InvalidatePageRange removes every entry whose decoded bytes intersect
// [lo, hi), used on guest writes to code pages. Ranges are rounded out to
// page granularity; since a block's bytes never leave its start page,
// matching on GuestPC's page is exact, not an approximation.
func (c *Cache) InvalidatePageRange(lo, hi uint64) {
	loPage := lo &^ (pageSize - 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	var victims []Fingerprint
	for fp, n := range c.entries {
		page := n.entry.GuestPC &^ (pageSize - 1)
		if page >= loPage && page < hi {
			victims = append(victims, fp)
		}
	}
	for _, fp := range victims {
		c.removeLocked(fp)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Fingerprint]*node)
	c.order.Init()
	c.curBytes = 0
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the atomic counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Inserts:   c.inserts.Load(),
		Evictions: c.evictions.Load(),
	}
}
