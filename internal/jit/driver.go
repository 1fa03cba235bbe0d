// Package jit implements the JIT compilation pipeline: encode blocks with
// a backend.Encoder, land the machine code in a
// W^X Arena, index the result in the shared translation cache, and bound
// concurrent compilation with a worker pool. Compile failures mark their
// fingerprint for a cool-down window rather than being retried on every
// subsequent execution of the same hot block.
package jit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crosshost/vmm/internal/backend"
	"github.com/crosshost/vmm/internal/cache"
	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/vmerr"
)

// Chunking thresholds for batch compiles: blocks whose operation count
// exceeds largeOpThreshold compile alone; blocks in
// [mediumOpThreshold, largeOpThreshold] are grouped mediumGroupSize at a
// time; everything smaller is grouped smallGroupSize at a time.
const (
	largeOpThreshold  = 100
	mediumOpThreshold = 10
	mediumGroupSize   = 4
	smallGroupSize    = 16
)

// coolDownDuration is how long a fingerprint that failed to compile is
// skipped before another attempt is allowed.
const coolDownDuration = 2 * time.Second

// Request pairs a decoded block with the cache key it should compile
// under.
type Request struct {
	Block       *ir.Block
	Fingerprint cache.Fingerprint
}

// Result is the outcome of compiling one Request.
type Result struct {
	Fingerprint cache.Fingerprint
	Offset      int
	Err         error
}

// Driver is the JIT compilation pipeline. One Driver is shared across
// vCPUs; Compile/CompileAsync/CompileBatch are all safe for concurrent use.
type Driver struct {
	encoder backend.Encoder
	arena   *Arena
	cache   *cache.Cache
	workers int

	mu       sync.Mutex
	coolDown map[cache.Fingerprint]time.Time
}

// NewDriver returns a Driver that lowers with encoder, compiles at most
// workers blocks concurrently, and lands code in arena.
func NewDriver(encoder backend.Encoder, arena *Arena, c *cache.Cache, workers int) *Driver {
	if workers <= 0 {
		workers = 1
	}
	return &Driver{encoder: encoder, arena: arena, cache: c, workers: workers, coolDown: make(map[cache.Fingerprint]time.Time)}
}

// Cooling reports whether fp is within its post-failure cool-down window.
func (d *Driver) Cooling(fp cache.Fingerprint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.coolDown[fp]
	return ok && time.Now().Before(until)
}

func (d *Driver) markCoolDown(fp cache.Fingerprint) {
	d.mu.Lock()
	d.coolDown[fp] = time.Now().Add(coolDownDuration)
	d.mu.Unlock()
}

// Compile synchronously encodes block, lands it in the arena, and inserts
// it into the cache under fp. Any failure marks fp for cool-down so the
// hybrid executor's next tier doesn't retry immediately.
func (d *Driver) Compile(block *ir.Block, fp cache.Fingerprint) (Result, error) {
	if d.Cooling(fp) {
		err := fmt.Errorf("%w: fingerprint %x is cooling down after a recent failure", vmerr.ErrResource, fp)
		return Result{Fingerprint: fp, Err: err}, err
	}
	code, err := d.encoder.Encode(block)
	if err != nil {
		d.markCoolDown(fp)
		return Result{Fingerprint: fp, Err: err}, err
	}
	offset, err := d.arena.Alloc(code)
	if err != nil {
		d.markCoolDown(fp)
		return Result{Fingerprint: fp, Err: err}, err
	}
	if err := d.cache.Insert(fp, block.StartPC(), code); err != nil {
		d.markCoolDown(fp)
		return Result{Fingerprint: fp, Err: err}, err
	}
	return Result{Fingerprint: fp, Offset: offset}, nil
}

// CompileAsync runs Compile on its own goroutine and reports the outcome on
// the returned channel, letting the caller keep executing a lower tier
// while compilation proceeds in the background.
func (d *Driver) CompileAsync(block *ir.Block, fp cache.Fingerprint) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		res, _ := d.Compile(block, fp)
		out <- res
	}()
	return out
}

// CompileBatch compiles reqs concurrently, grouping them per the size-based
// chunking strategy above so one outsized block never shares a worker slot
// with many small ones. Concurrency across groups is bounded to d.workers
// via an errgroup; a single request's compile failure never aborts the
// batch, it is simply reported in that request's Result.
func (d *Driver) CompileBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	groups := chunkRequests(reqs)
	results := make([]Result, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	idx := 0
	for _, group := range groups {
		group, start := group, idx
		idx += len(group)
		g.Go(func() error {
			for i, req := range group {
				if ctx.Err() != nil {
					results[start+i] = Result{Fingerprint: req.Fingerprint, Err: ctx.Err()}
					continue
				}
				res, _ := d.Compile(req.Block, req.Fingerprint)
				results[start+i] = res
			}
			return nil
		})
	}
	_ = g.Wait() // per-request errors live in results; the group itself never fails
	return results, nil
}

// CompileBatchBudget runs CompileBatch under the configured
// compile_time_budget: requests whose group has not started when the budget
// expires are reported with a deadline error rather than compiled.
func (d *Driver) CompileBatchBudget(reqs []Request, budget time.Duration) ([]Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	return d.CompileBatch(ctx, reqs)
}

// chunkRequests splits reqs into compile groups by operation-count tier.
func chunkRequests(reqs []Request) [][]Request {
	var large, medium, small []Request
	for _, r := range reqs {
		switch n := r.Block.Len(); {
		case n > largeOpThreshold:
			large = append(large, r)
		case n >= mediumOpThreshold:
			medium = append(medium, r)
		default:
			small = append(small, r)
		}
	}
	var groups [][]Request
	for _, r := range large {
		groups = append(groups, []Request{r})
	}
	groups = append(groups, chunk(medium, mediumGroupSize)...)
	groups = append(groups, chunk(small, smallGroupSize)...)
	return groups
}

func chunk(reqs []Request, size int) [][]Request {
	var out [][]Request
	for len(reqs) > 0 {
		n := size
		if n > len(reqs) {
			n = len(reqs)
		}
		out = append(out, reqs[:n])
		reqs = reqs[n:]
	}
	return out
}

// Warmup precompiles reqs ahead of execution, populating the cache without
// returning code to a caller. Per-request failures are collected rather
// than aborting the batch, since one bad block at startup should not
// prevent the rest of an image from warming.
func (d *Driver) Warmup(ctx context.Context, reqs []Request) []error {
	results, _ := d.CompileBatch(ctx, reqs)
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}
