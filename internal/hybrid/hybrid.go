// Package hybrid implements the tier-selecting executor. For every guest
// PC it tries AOT code first, then JIT-compiled code, then falls back to
// the IR interpreter, with per-PC failure counters that retire a
// misbehaving tier for that PC until explicitly reset.
package hybrid

import (
	"sync"
	"time"

	"github.com/crosshost/vmm/internal/aot"
	"github.com/crosshost/vmm/internal/cache"
	"github.com/crosshost/vmm/internal/config"
	"github.com/crosshost/vmm/internal/decode"
	"github.com/crosshost/vmm/internal/eventbus"
	"github.com/crosshost/vmm/internal/hotspot"
	"github.com/crosshost/vmm/internal/interp"
	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/jit"
)

// Tier names an execution tier in descending expected performance.
type Tier byte

const (
	TierAOT Tier = iota
	TierJIT
	TierInterp
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierAOT:
		return "aot"
	case TierJIT:
		return "jit"
	default:
		return "interpreter"
	}
}

// DefaultFailThreshold is how many consecutive failures retire a tier for
// a PC.
const DefaultFailThreshold = 3

// DefaultPollTimeout bounds the wait on an outstanding async compile before
// the executor falls through to the interpreter.
const DefaultPollTimeout = 100 * time.Millisecond

// Invoker transfers control into a compiled code blob. The production
// implementation for a native build is a small per-host-ISA assembly
// trampoline honoring the compiled-code calling convention; the portable
// build ships PortableInvoker, which executes the IR the code was compiled
// from — semantically identical, since compiled code is held to the
// interpreter's semantics.
type Invoker interface {
	Invoke(code []byte, block *ir.Block, env *interp.Env) (uint64, error)
}

// PortableInvoker executes the source block's IR in place of jumping into
// the compiled bytes.
type PortableInvoker struct{}

// Invoke implements Invoker.
func (PortableInvoker) Invoke(_ []byte, block *ir.Block, env *interp.Env) (uint64, error) {
	return interp.Execute(block, env)
}

// Stats is a snapshot of the executor's tier accounting.
type Stats struct {
	AOTHits    uint64
	JITHits    uint64
	InterpRuns uint64
	TraceRuns  uint64
}

// PCStats is the per-PC accounting: cumulative access count, per-tier
// failure counters, and the most recent failure reason.
type PCStats struct {
	Execs       uint64
	AOTFails    int
	JITFails    int
	LastFailure string
}

type pcState struct {
	execs       uint64
	aotFails    int
	jitFails    int
	lastFailure string
}

// Options configures an Executor. Zero values select the documented
// defaults.
type Options struct {
	Mode          config.ExecMode
	OptLevel      uint8
	TargetISA     uint8
	FailThreshold int
	PollTimeout   time.Duration
	// AOTSymbols resolves relocation symbols when linking AOT entries.
	AOTSymbols map[string]uint64
	// Invoker overrides PortableInvoker, e.g. with a native trampoline.
	Invoker Invoker
}

// Executor is the per-vCPU tier selector. It shares the translation cache,
// JIT driver, AOT loader, and hotspot selector with its siblings; only the
// per-PC statistics and trace-recording cursor are its own.
type Executor struct {
	mode      config.ExecMode
	dec       decode.Decoder
	fetch     decode.Fetcher
	aotLoader *aot.Loader
	symbols   map[string]uint64
	driver    *jit.Driver
	tcache    *cache.Cache
	sel       *hotspot.Selector
	pred      *hotspot.Predictor
	bus       *eventbus.Bus
	invoker   Invoker

	optLevel      uint8
	targetISA     uint8
	failThreshold int
	pollTimeout   time.Duration

	mu       sync.Mutex
	pcs      map[uint64]*pcState
	inflight map[cache.Fingerprint]<-chan jit.Result

	// trace recording cursor; one recording at a time per executor, since a
	// vCPU executes one block at a time.
	rec     *hotspot.Trace
	recRoot uint64

	stats struct {
		mu                                      sync.Mutex
		aotHits, jitHits, interpRuns, traceRuns uint64
	}
}

// New returns an Executor. dec/fetch are required; aotLoader, driver, sel,
// pred, and bus may each be nil to disable the corresponding behavior.
func New(dec decode.Decoder, fetch decode.Fetcher, aotLoader *aot.Loader, driver *jit.Driver, tcache *cache.Cache, sel *hotspot.Selector, pred *hotspot.Predictor, bus *eventbus.Bus, opts Options) *Executor {
	e := &Executor{
		mode:          opts.Mode,
		dec:           dec,
		fetch:         fetch,
		aotLoader:     aotLoader,
		symbols:       opts.AOTSymbols,
		driver:        driver,
		tcache:        tcache,
		sel:           sel,
		pred:          pred,
		bus:           bus,
		invoker:       opts.Invoker,
		optLevel:      opts.OptLevel,
		targetISA:     opts.TargetISA,
		failThreshold: opts.FailThreshold,
		pollTimeout:   opts.PollTimeout,
		pcs:           make(map[uint64]*pcState),
		inflight:      make(map[cache.Fingerprint]<-chan jit.Result),
	}
	if e.mode == "" {
		e.mode = config.ExecHybrid
	}
	if e.invoker == nil {
		e.invoker = PortableInvoker{}
	}
	if e.failThreshold <= 0 {
		e.failThreshold = DefaultFailThreshold
	}
	if e.pollTimeout <= 0 {
		e.pollTimeout = DefaultPollTimeout
	}
	return e
}

func (e *Executor) pcState(pc uint64) *pcState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.pcs[pc]
	if !ok {
		st = &pcState{}
		e.pcs[pc] = st
	}
	return st
}

// Step executes exactly one unit of guest code (a block, or a whole ready
// trace rooted at pc) and returns the next guest PC.
func (e *Executor) Step(env *interp.Env, pc uint64) (uint64, error) {
	if tr := e.readyTrace(pc); tr != nil {
		return e.runTrace(env, tr)
	}
	return e.stepBlock(env, pc)
}

// stepBlock runs a single block through the tier ladder.
func (e *Executor) stepBlock(env *interp.Env, pc uint64) (uint64, error) {
	st := e.pcState(pc)
	e.mu.Lock()
	st.execs++
	e.mu.Unlock()

	crossed := false
	if e.sel != nil {
		crossed = e.sel.OnExecute(pc)
	}

	block, err := e.dec.DecodeBlock(e.fetch, pc)
	if err != nil {
		return 0, err
	}
	fp := cache.ComputeFingerprint(pc, block.Hash(), e.optLevel, e.targetISA)

	next, err := e.runTiers(env, pc, st, block, fp)
	if err != nil {
		return 0, err
	}

	if e.pred != nil {
		e.pred.Observe(pc, next)
	}
	e.observeTrace(pc, next, crossed)
	return next, nil
}

func (e *Executor) runTiers(env *interp.Env, pc uint64, st *pcState, block *ir.Block, fp cache.Fingerprint) (uint64, error) {
	// Tier 1: AOT.
	if e.tierEnabled(TierAOT) && e.aotLoader != nil && e.fails(st, TierAOT) < e.failThreshold {
		next, ok, err := e.tryAOT(env, pc, st, block, fp)
		if err != nil {
			return 0, err
		}
		if ok {
			return next, nil
		}
	}

	// Tier 2: JIT.
	if e.tierEnabled(TierJIT) && e.driver != nil && e.fails(st, TierJIT) < e.failThreshold {
		next, ok, err := e.tryJIT(env, pc, st, block, fp)
		if err != nil {
			return 0, err
		}
		if ok {
			return next, nil
		}
	}

	// Tier 3: interpreter, the always-available floor.
	next, err := interp.Execute(block, env)
	if err != nil {
		return 0, err
	}
	e.stats.mu.Lock()
	e.stats.interpRuns++
	e.stats.mu.Unlock()
	return next, nil
}

func (e *Executor) tierEnabled(t Tier) bool {
	switch e.mode {
	case config.ExecInterpreter:
		return false
	case config.ExecJIT:
		return t == TierJIT
	case config.ExecAOT:
		return t == TierAOT
	default: // hybrid
		return true
	}
}

func (e *Executor) fails(st *pcState, t Tier) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t == TierAOT {
		return st.aotFails
	}
	return st.jitFails
}

func (e *Executor) recordFailure(pc uint64, st *pcState, t Tier, err error) {
	e.mu.Lock()
	if t == TierAOT {
		st.aotFails++
	} else {
		st.jitFails++
	}
	st.lastFailure = err.Error()
	e.mu.Unlock()
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Kind: eventbus.BlockCompileFailed, PC: pc, Detail: err})
	}
}

// tryAOT validates, links, and invokes the AOT entry for pc, if one exists.
// The second return is false when the tier did not produce a next PC and
// the ladder should continue downward.
func (e *Executor) tryAOT(env *interp.Env, pc uint64, st *pcState, block *ir.Block, fp cache.Fingerprint) (uint64, bool, error) {
	entry, ok := e.aotLoader.LookupBlock(pc)
	if !ok {
		return 0, false, nil
	}
	if err := aot.ValidateBlockIntegrity(entry); err != nil {
		e.recordFailure(pc, st, TierAOT, err)
		return 0, false, nil
	}
	if err := aot.MatchFingerprint(entry, uint64(fp)); err != nil {
		e.recordFailure(pc, st, TierAOT, err)
		return 0, false, nil
	}
	code, err := aot.LinkCodeBlock(entry, e.symbols)
	if err != nil {
		e.recordFailure(pc, st, TierAOT, err)
		return 0, false, nil
	}
	next, err := e.invoker.Invoke(code, block, env)
	if err != nil {
		// A guest fault is a real execution outcome whose side effects have
		// already landed; it propagates rather than retrying a lower tier.
		return 0, false, err
	}
	e.stats.mu.Lock()
	e.stats.aotHits++
	e.stats.mu.Unlock()
	return next, true, nil
}

// tryJIT serves pc from the translation cache, compiling on hotness: a
// synchronous compile in pure-JIT mode, an async compile polled with a
// bounded timeout in hybrid mode.
func (e *Executor) tryJIT(env *interp.Env, pc uint64, st *pcState, block *ir.Block, fp cache.Fingerprint) (uint64, bool, error) {
	ent, ok := e.tcache.Lookup(fp)
	if !ok {
		hot := e.sel == nil || e.sel.Hot(pc)
		if !hot || e.driver.Cooling(fp) {
			return 0, false, nil
		}
		// The encoder sees the optimized form; the fingerprint stays that of
		// the raw decode, which a cache lookup can always reproduce.
		compileBlock := block
		if opt, err := ir.OptimizeBlock(block, ir.OptimizationLevel(e.optLevel)); err == nil {
			compileBlock = opt
		}
		if e.mode == config.ExecJIT {
			if _, err := e.driver.Compile(compileBlock, fp); err != nil {
				e.recordFailure(pc, st, TierJIT, err)
				return 0, false, nil
			}
		} else if !e.pollAsync(pc, st, compileBlock, fp) {
			return 0, false, nil
		}
		if ent, ok = e.tcache.Lookup(fp); !ok {
			return 0, false, nil
		}
	}
	next, err := e.invoker.Invoke(ent.Code, block, env)
	if err != nil {
		return 0, false, err
	}
	e.stats.mu.Lock()
	e.stats.jitHits++
	e.stats.mu.Unlock()
	return next, true, nil
}

// pollAsync launches (or re-polls) the at-most-one in-flight compile for fp
// and reports whether it completed successfully within the bounded wait.
func (e *Executor) pollAsync(pc uint64, st *pcState, block *ir.Block, fp cache.Fingerprint) bool {
	e.mu.Lock()
	ch, ok := e.inflight[fp]
	if !ok {
		ch = e.driver.CompileAsync(block, fp)
		e.inflight[fp] = ch
	}
	e.mu.Unlock()

	select {
	case res := <-ch:
		e.mu.Lock()
		delete(e.inflight, fp)
		e.mu.Unlock()
		if res.Err != nil {
			e.recordFailure(pc, st, TierJIT, res.Err)
			return false
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Kind: eventbus.BlockCompiled, PC: pc})
		}
		return true
	case <-time.After(e.pollTimeout):
		return false
	}
}

// observeTrace advances the trace-recording cursor: a hotness crossing
// starts a recording, each executed edge extends it, and a loop back to the
// root (or the length cap) completes it.
func (e *Executor) observeTrace(pc, next uint64, crossed bool) {
	if e.sel == nil {
		return
	}
	if crossed && e.rec == nil {
		if tr, ok := e.sel.Trace(pc); ok && tr.State() == hotspot.StateRecording {
			e.rec, e.recRoot = tr, pc
		}
	}
	if e.rec == nil {
		return
	}
	if next == e.recRoot {
		e.completeRecording()
		return
	}
	if !e.rec.Append(next) {
		// Append already moved the trace to pending at the length cap.
		e.completeRecording()
	}
}

func (e *Executor) completeRecording() {
	tr, root := e.rec, e.recRoot
	e.rec = nil
	if tr.State() == hotspot.StateRecording {
		if err := tr.MarkPending(); err != nil {
			return
		}
	}
	// A trace's compiled form is its member blocks' compiled forms chained
	// in order, all of which the block tiers produce on demand, so the
	// compile phase completes immediately.
	if err := tr.MarkCompiling(); err != nil {
		return
	}
	if err := tr.MarkReady(); err != nil {
		return
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Kind: eventbus.TraceCompleted, PC: root})
	}
}

// readyTrace returns the ready trace rooted at pc, if one exists.
func (e *Executor) readyTrace(pc uint64) *hotspot.Trace {
	if e.sel == nil {
		return nil
	}
	tr, ok := e.sel.Trace(pc)
	if !ok || tr.State() != hotspot.StateReady || len(tr.PCs) == 0 || tr.PCs[0] != pc {
		return nil
	}
	return tr
}

// runTrace executes the trace's blocks in recorded order, validating each
// actual successor against the recorded one. A mismatch invalidates the
// trace and execution continues from wherever the guest actually went —
// the blocks really executed, so no state is rolled back.
func (e *Executor) runTrace(env *interp.Env, tr *hotspot.Trace) (uint64, error) {
	root := tr.PCs[0]
	var next uint64
	for i, pc := range tr.PCs {
		var err error
		next, err = e.stepBlock(env, pc)
		if err != nil {
			e.invalidateTrace(root)
			return next, err
		}
		expected := root
		if i+1 < len(tr.PCs) {
			expected = tr.PCs[i+1]
		}
		if next != expected {
			e.invalidateTrace(root)
			return next, nil
		}
	}
	e.stats.mu.Lock()
	e.stats.traceRuns++
	e.stats.mu.Unlock()
	return next, nil
}

func (e *Executor) invalidateTrace(root uint64) {
	e.sel.InvalidateTrace(root)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Kind: eventbus.TraceInvalidated, PC: root})
	}
}

// ResetFailures clears pc's per-tier failure counters, re-enabling retired
// tiers for it.
func (e *Executor) ResetFailures(pc uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.pcs[pc]; ok {
		st.aotFails, st.jitFails, st.lastFailure = 0, 0, ""
	}
}

// Stats returns a snapshot of the tier counters.
func (e *Executor) Stats() Stats {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	return Stats{
		AOTHits:    e.stats.aotHits,
		JITHits:    e.stats.jitHits,
		InterpRuns: e.stats.interpRuns,
		TraceRuns:  e.stats.traceRuns,
	}
}

// PCStats returns the per-PC accounting for pc.
func (e *Executor) PCStats(pc uint64) PCStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.pcs[pc]
	if !ok {
		return PCStats{}
	}
	return PCStats{Execs: st.execs, AOTFails: st.aotFails, JITFails: st.jitFails, LastFailure: st.lastFailure}
}
