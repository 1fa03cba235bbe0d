// Package hotspot implements the hotspot/trace selector: per-block
// execution counters that trigger trace recording once a
// threshold is crossed, and the recording -> pending -> compiling -> ready
// -> invalidated state machine a recorded trace moves through.
package hotspot

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/crosshost/vmm/internal/vmerr"
)

// TraceState is one state in the trace lifecycle.
type TraceState byte

const (
	StateRecording TraceState = iota
	StatePending
	StateCompiling
	StateReady
	StateInvalidated
)

// String implements fmt.Stringer.
func (s TraceState) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StatePending:
		return "pending"
	case StateCompiling:
		return "compiling"
	case StateReady:
		return "ready"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

var validTransitions = map[TraceState][]TraceState{
	StateRecording: {StatePending, StateInvalidated},
	StatePending:   {StateCompiling, StateInvalidated},
	StateCompiling: {StateReady, StateInvalidated},
	StateReady:     {StateInvalidated},
	// StateInvalidated is terminal; a new trace.Begin starts a fresh entry.
}

// Trace is one recorded sequence of block executions, compiled and
// validated as a unit.
type Trace struct {
	mu     sync.Mutex
	state  TraceState
	PCs    []uint64
	maxLen int
}

func newTrace(startPC uint64, maxLen int) *Trace {
	return &Trace{state: StateRecording, PCs: []uint64{startPC}, maxLen: maxLen}
}

// State returns the trace's current lifecycle state.
func (t *Trace) State() TraceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Append records the next block's PC while still recording. Returns false
// (and transitions to pending) once maxLen is reached.
func (t *Trace) Append(pc uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRecording {
		return false
	}
	t.PCs = append(t.PCs, pc)
	if len(t.PCs) >= t.maxLen {
		t.state = StatePending
		return false
	}
	return true
}

// transition validates and applies a state change.
func (t *Trace) transition(to TraceState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, allowed := range validTransitions[t.state] {
		if allowed == to {
			t.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: invalid trace transition %s -> %s", vmerr.ErrLifecycle, t.state, to)
}

// MarkPending forces a still-recording trace to the pending state (e.g. the
// recording hit a backward branch closing the loop early).
func (t *Trace) MarkPending() error { return t.transition(StatePending) }

// MarkCompiling moves a pending trace into compilation.
func (t *Trace) MarkCompiling() error { return t.transition(StateCompiling) }

// MarkReady moves a compiling trace to ready, available for execution.
func (t *Trace) MarkReady() error { return t.transition(StateReady) }

// Invalidate moves the trace to the terminal invalidated state from any
// non-terminal state.
func (t *Trace) Invalidate() error { return t.transition(StateInvalidated) }

// Counters tracks per-PC execution counts with lock-free atomic
// increments.
type Counters struct {
	threshold uint64
	counts    sync.Map // uint64 PC -> *atomic.Uint64
}

// NewCounters returns a Counters with the given hotspot_threshold.
func NewCounters(threshold uint64) *Counters {
	return &Counters{threshold: threshold}
}

// Increment records one execution of pc and reports whether this call is
// the one that crossed the threshold; exactly one caller wins the
// crossing for a given PC.
func (c *Counters) Increment(pc uint64) (count uint64, crossed bool) {
	v, _ := c.counts.LoadOrStore(pc, &atomic.Uint64{})
	counter := v.(*atomic.Uint64)
	n := counter.Add(1)
	return n, n == c.threshold
}

// Count returns pc's current execution count.
func (c *Counters) Count(pc uint64) uint64 {
	v, ok := c.counts.Load(pc)
	if !ok {
		return 0
	}
	return v.(*atomic.Uint64).Load()
}

// Reset clears pc's counter, used after a trace is invalidated so the PC
// can become hot again independently.
func (c *Counters) Reset(pc uint64) {
	c.counts.Delete(pc)
}

// Selector ties Counters to a registry of in-flight/ready Traces keyed by
// starting PC.
type Selector struct {
	counters *Counters
	maxLen   int

	mu     sync.Mutex
	traces map[uint64]*Trace
}

// NewSelector returns a Selector using the `hotspot_threshold` and
// `trace_max_length` options.
func NewSelector(threshold uint64, traceMaxLength int) *Selector {
	return &Selector{counters: NewCounters(threshold), maxLen: traceMaxLength, traces: make(map[uint64]*Trace)}
}

// OnExecute records one execution of pc and begins recording a new trace
// the moment the threshold is crossed.
func (s *Selector) OnExecute(pc uint64) (crossed bool) {
	_, crossed = s.counters.Increment(pc)
	if crossed {
		s.mu.Lock()
		if _, exists := s.traces[pc]; !exists {
			s.traces[pc] = newTrace(pc, s.maxLen)
		}
		s.mu.Unlock()
	}
	return crossed
}

// Trace returns the trace recorded for startPC, if any.
func (s *Selector) Trace(startPC uint64) (*Trace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.traces[startPC]
	return tr, ok
}

// InvalidateTrace invalidates and forgets the trace for startPC so a future
// OnExecute can begin recording a fresh one.
func (s *Selector) InvalidateTrace(startPC uint64) {
	s.mu.Lock()
	tr, ok := s.traces[startPC]
	delete(s.traces, startPC)
	s.mu.Unlock()
	if ok {
		_ = tr.Invalidate()
	}
	s.counters.Reset(startPC)
}

// Threshold returns the configured hotness threshold.
func (c *Counters) Threshold() uint64 { return c.threshold }

// Counters exposes the selector's per-PC execution counters.
func (s *Selector) Counters() *Counters { return s.counters }

// Hot reports whether pc has crossed the hotness threshold.
func (s *Selector) Hot(pc uint64) bool {
	return s.counters.Count(pc) >= s.counters.threshold
}
