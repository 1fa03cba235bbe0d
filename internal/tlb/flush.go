package tlb

import (
	"sync"

	"github.com/crosshost/vmm/internal/gaddr"
)

// FlushStrategy is the pluggable TLB invalidation policy selected by the
// `tlb_flush_policy` configuration option. All six named strategies are
// implemented.
type FlushStrategy interface {
	// OnInvalidate is called when the softmmu or an embedder requests
	// invalidation of a single page.
	OnInvalidate(t *TLB, asid ASID, va gaddr.GuestAddr)
	// OnAccess is called on every TLB hit, letting hot-page/predictive
	// strategies observe the access pattern.
	OnAccess(t *TLB, va gaddr.GuestAddr)
	// OnBarrier is called at a vCPU loop-head synchronization point.
	OnBarrier(t *TLB)
}

// Immediate evicts the page the moment invalidation is requested.
type Immediate struct{}

func (Immediate) OnInvalidate(t *TLB, asid ASID, va gaddr.GuestAddr) { t.Invalidate(asid, va) }
func (Immediate) OnAccess(*TLB, gaddr.GuestAddr)                     {}
func (Immediate) OnBarrier(*TLB)                                     {}

// Delayed marks the page for eviction but defers the actual map delete
// until the next barrier, trading a slightly stale entry for fewer writer
// critical sections under invalidation storms.
type Delayed struct {
	mu      sync.Mutex
	pending []pendingInvalidation
}

type pendingInvalidation struct {
	asid ASID
	va   gaddr.GuestAddr
}

func (d *Delayed) OnInvalidate(t *TLB, asid ASID, va gaddr.GuestAddr) {
	d.mu.Lock()
	d.pending = append(d.pending, pendingInvalidation{asid, va})
	d.mu.Unlock()
}

func (d *Delayed) OnAccess(*TLB, gaddr.GuestAddr) {}

func (d *Delayed) OnBarrier(t *TLB) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, p := range pending {
		t.Invalidate(p.asid, p.va)
	}
}

// Batched accumulates a pending invalidation set and evicts the whole set
// only on an explicit Barrier, never eagerly. It differs from Delayed only
// in bookkeeping: Delayed still evicts promptly on its own next barrier
// call, Batched is meant to be driven by an explicit caller-controlled
// flush point (e.g. the end of a TLB-shootdown round).
type Batched struct {
	mu      sync.Mutex
	pending map[pendingInvalidation]struct{}
}

func (b *Batched) OnInvalidate(_ *TLB, asid ASID, va gaddr.GuestAddr) {
	b.mu.Lock()
	if b.pending == nil {
		b.pending = make(map[pendingInvalidation]struct{})
	}
	b.pending[pendingInvalidation{asid, va}] = struct{}{}
	b.mu.Unlock()
}

func (b *Batched) OnAccess(*TLB, gaddr.GuestAddr) {}

func (b *Batched) OnBarrier(t *TLB) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for p := range pending {
		t.Invalidate(p.asid, p.va)
	}
}

// Intelligent tracks a per-page access count and only evicts hot pages
// (at or above hotThreshold) when explicitly asked under memory pressure;
// cold-page invalidation requests are applied immediately since there is no
// benefit to delaying them.
type Intelligent struct {
	hotThreshold uint32
	counts       struct {
		sync.Mutex
		m map[uint64]uint32
	}
}

// NewIntelligent returns an Intelligent strategy that treats any page
// accessed at least hotThreshold times as hot.
func NewIntelligent(hotThreshold uint32) *Intelligent {
	return &Intelligent{hotThreshold: hotThreshold}
}

func (s *Intelligent) OnAccess(_ *TLB, va gaddr.GuestAddr) {
	s.counts.Lock()
	if s.counts.m == nil {
		s.counts.m = make(map[uint64]uint32)
	}
	s.counts.m[uint64(va)>>12]++
	s.counts.Unlock()
}

func (s *Intelligent) OnInvalidate(t *TLB, asid ASID, va gaddr.GuestAddr) {
	s.counts.Lock()
	count := s.counts.m[uint64(va)>>12]
	s.counts.Unlock()
	if count < s.hotThreshold {
		t.Invalidate(asid, va)
	}
	// Hot pages are left cached; a caller under genuine memory pressure
	// should call EvictHot to force the issue.
}

func (s *Intelligent) OnBarrier(*TLB) {}

// EvictHot force-evicts every page at or above the hot threshold, for use
// when the embedder signals memory pressure.
func (s *Intelligent) EvictHot(t *TLB, asid ASID) {
	s.counts.Lock()
	defer s.counts.Unlock()
	for vpn, count := range s.counts.m {
		if count >= s.hotThreshold {
			t.Invalidate(asid, gaddr.GuestAddr(vpn<<12))
			delete(s.counts.m, vpn)
		}
	}
}

// Predictive records the sequence of recently accessed pages (an access
// trail) and, on invalidation, pre-evicts pages that historically followed
// the invalidated one — approximating "pre-evict along an observed access
// trail" of recently touched pages.
type Predictive struct {
	trailLen int
	mu       sync.Mutex
	trail    []uint64
	follows  map[uint64]map[uint64]struct{}
}

// NewPredictive returns a Predictive strategy remembering trailLen recent
// accesses per lookahead step.
func NewPredictive(trailLen int) *Predictive {
	if trailLen < 1 {
		trailLen = 8
	}
	return &Predictive{trailLen: trailLen, follows: make(map[uint64]map[uint64]struct{})}
}

func (p *Predictive) OnAccess(_ *TLB, va gaddr.GuestAddr) {
	vpn := uint64(va) >> 12
	p.mu.Lock()
	if len(p.trail) > 0 {
		prev := p.trail[len(p.trail)-1]
		if p.follows[prev] == nil {
			p.follows[prev] = make(map[uint64]struct{})
		}
		p.follows[prev][vpn] = struct{}{}
	}
	p.trail = append(p.trail, vpn)
	if len(p.trail) > p.trailLen {
		p.trail = p.trail[1:]
	}
	p.mu.Unlock()
}

func (p *Predictive) OnInvalidate(t *TLB, asid ASID, va gaddr.GuestAddr) {
	vpn := uint64(va) >> 12
	t.Invalidate(asid, va)
	p.mu.Lock()
	nexts := p.follows[vpn]
	p.mu.Unlock()
	for next := range nexts {
		t.Invalidate(asid, gaddr.GuestAddr(next<<12))
	}
}

func (p *Predictive) OnBarrier(*TLB) {}

// Adaptive switches among Immediate, Delayed, and Intelligent based on the
// observed hit rate: a low hit rate (thrashing) favors Immediate so stale
// mappings don't linger; a high hit rate favors Delayed/Intelligent so
// eviction work is batched instead of done on every miss.
type Adaptive struct {
	immediate   Immediate
	delayed     Delayed
	intelligent *Intelligent
	// lowWater/highWater are hit-rate percentages (0-100) bounding the
	// "thrashing" and "stable" regimes.
	lowWater, highWater int
}

// NewAdaptive returns an Adaptive strategy with the given hit-rate
// thresholds.
func NewAdaptive(lowWater, highWater int) *Adaptive {
	return &Adaptive{intelligent: NewIntelligent(8), lowWater: lowWater, highWater: highWater}
}

func (a *Adaptive) hitRate(t *TLB) int {
	st := t.Stats()
	total := st.Hits + st.Misses
	if total == 0 {
		return 100
	}
	return int(st.Hits * 100 / total)
}

func (a *Adaptive) pick(t *TLB) FlushStrategy {
	rate := a.hitRate(t)
	switch {
	case rate < a.lowWater:
		return a.immediate
	case rate > a.highWater:
		return a.intelligent
	default:
		return &a.delayed
	}
}

func (a *Adaptive) OnAccess(t *TLB, va gaddr.GuestAddr) { a.pick(t).OnAccess(t, va) }
func (a *Adaptive) OnInvalidate(t *TLB, asid ASID, va gaddr.GuestAddr) {
	a.pick(t).OnInvalidate(t, asid, va)
}
func (a *Adaptive) OnBarrier(t *TLB) { a.pick(t).OnBarrier(t) }
