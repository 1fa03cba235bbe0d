package hybrid

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/aot"
	"github.com/crosshost/vmm/internal/backend"
	"github.com/crosshost/vmm/internal/cache"
	"github.com/crosshost/vmm/internal/config"
	"github.com/crosshost/vmm/internal/decode"
	"github.com/crosshost/vmm/internal/hotspot"
	"github.com/crosshost/vmm/internal/interp"
	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/jit"
	"github.com/crosshost/vmm/internal/vmerr"
)

type byteFetcher struct {
	base uint64
	code []byte
}

func (f *byteFetcher) FetchInstructionBytes(pc uint64, dst []byte) error {
	if pc < f.base || pc+uint64(len(dst)) > f.base+uint64(len(f.code)) {
		return vmerr.ErrFetchFault
	}
	off := pc - f.base
	copy(dst, f.code[off:off+uint64(len(dst))])
	return nil
}

func riscvWord(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return opcode | rd<<7 | funct3<<12 | rs1<<15 | rs2<<20 | funct7<<25
}

func words(ws ...uint32) []byte {
	var out []byte
	for _, w := range ws {
		out = append(out, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return out
}

// addiThenRet is "ADDI x5, x0, 7 ; RET" — one block ending in a return
// through x1.
func addiThenRet() []byte {
	addi := riscvWord(0x13, 5, 0, 0, 0, 0) | (7 << 20)
	ret := riscvWord(0x67, 0, 0, 1, 0, 0)
	return words(addi, ret)
}

// selfLoop is "JAL x0, 0" — a block that jumps to itself forever.
func selfLoop() []byte {
	return words(0x6f)
}

// stubEncoder is a backend.Encoder whose output is irrelevant (the portable
// invoker executes IR, not bytes); it counts calls, optionally sleeps, and
// optionally fails.
type stubEncoder struct {
	fail  bool
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (s *stubEncoder) Encode(*ir.Block) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail {
		return nil, backend.ErrUnsupportedOp("stub", ir.OpVendorOpaque)
	}
	return []byte{0x90}, nil
}

func (s *stubEncoder) Name() string { return "stub" }

func (s *stubEncoder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newEnv() *interp.Env {
	return &interp.Env{GPR: new([interp.NumContextSlots]uint64), FPR: new([interp.NumContextSlots]uint64)}
}

func newDriver(t *testing.T, enc backend.Encoder, c *cache.Cache) *jit.Driver {
	t.Helper()
	arena, err := jit.NewArena(1 << 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	return jit.NewDriver(enc, arena, c, 2)
}

func TestStep_InterpreterMode(t *testing.T) {
	fetch := &byteFetcher{base: 0x1000, code: addiThenRet()}
	e := New(decode.RISCV64{}, fetch, nil, nil, nil, nil, nil, nil, Options{Mode: config.ExecInterpreter})

	env := newEnv()
	env.GPR[1] = 0x9000 // return address in x1
	next, err := e.Step(env, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x9000), next)
	require.Equal(t, uint64(7), env.GPR[5])
	require.Equal(t, uint64(1), e.Stats().InterpRuns)
	require.Equal(t, uint64(1), e.PCStats(0x1000).Execs)
}

func TestStep_JITCompilesHotBlock(t *testing.T) {
	fetch := &byteFetcher{base: 0x1000, code: addiThenRet()}
	c := cache.New(cache.LRU, 0, 0)
	enc := &stubEncoder{}
	drv := newDriver(t, enc, c)
	sel := hotspot.NewSelector(1, 8)
	e := New(decode.RISCV64{}, fetch, nil, drv, c, sel, nil, nil, Options{Mode: config.ExecJIT})

	env := newEnv()
	env.GPR[1] = 0x9000
	next, err := e.Step(env, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x9000), next)
	require.Equal(t, uint64(7), env.GPR[5])
	require.Equal(t, uint64(1), e.Stats().JITHits)
	require.Equal(t, 1, enc.callCount())

	// Second execution is served from the cache: no recompilation.
	env2 := newEnv()
	env2.GPR[1] = 0x9000
	_, err = e.Step(env2, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.Stats().JITHits)
	require.Equal(t, 1, enc.callCount())
}

func TestStep_JITFailureFallsToInterpreter(t *testing.T) {
	fetch := &byteFetcher{base: 0x1000, code: addiThenRet()}
	c := cache.New(cache.LRU, 0, 0)
	drv := newDriver(t, &stubEncoder{fail: true}, c)
	sel := hotspot.NewSelector(1, 8)
	e := New(decode.RISCV64{}, fetch, nil, drv, c, sel, nil, nil, Options{Mode: config.ExecJIT})

	env := newEnv()
	env.GPR[1] = 0x9000
	next, err := e.Step(env, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x9000), next, "execution still succeeds on the interpreter floor")
	require.Equal(t, uint64(1), e.Stats().InterpRuns)

	st := e.PCStats(0x1000)
	require.Equal(t, 1, st.JITFails)
	require.NotEmpty(t, st.LastFailure)
}

func TestStep_AtMostOneInflightCompile(t *testing.T) {
	fetch := &byteFetcher{base: 0x1000, code: addiThenRet()}
	c := cache.New(cache.LRU, 0, 0)
	enc := &stubEncoder{delay: 50 * time.Millisecond}
	drv := newDriver(t, enc, c)
	sel := hotspot.NewSelector(1, 8)
	e := New(decode.RISCV64{}, fetch, nil, drv, c, sel, nil, nil,
		Options{Mode: config.ExecHybrid, PollTimeout: 5 * time.Millisecond})

	// Two quick steps while the compile sleeps: both time out to the
	// interpreter, and only one compile is ever launched for the fingerprint.
	for i := 0; i < 2; i++ {
		env := newEnv()
		env.GPR[1] = 0x9000
		_, err := e.Step(env, 0x1000)
		require.NoError(t, err)
	}
	require.Equal(t, 1, enc.callCount())

	// Once the compile lands, the next step takes the JIT tier.
	time.Sleep(80 * time.Millisecond)
	env := newEnv()
	env.GPR[1] = 0x9000
	_, err := e.Step(env, 0x1000)
	require.NoError(t, err)
	require.Equal(t, 1, enc.callCount())
	require.Equal(t, uint64(1), e.Stats().JITHits)
}

func TestStep_AOTFingerprintMismatchRetiresTier(t *testing.T) {
	fetch := &byteFetcher{base: 0x1000, code: addiThenRet()}

	// An image whose entry for 0x1000 carries a fingerprint that cannot
	// match the live IR.
	path := filepath.Join(t.TempDir(), "image.aot")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, aot.WriteImage(f, []aot.BlockEntry{{GuestPC: 0x1000, Code: []byte{0x90}, Fingerprint: 0xdeadbeef}}))
	require.NoError(t, f.Close())
	loader, err := aot.Open(path)
	require.NoError(t, err)
	defer loader.Close()

	c := cache.New(cache.LRU, 0, 0)
	enc := &stubEncoder{}
	drv := newDriver(t, enc, c)
	sel := hotspot.NewSelector(1, 8)
	e := New(decode.RISCV64{}, fetch, loader, drv, c, sel, nil, nil,
		Options{Mode: config.ExecHybrid, PollTimeout: 200 * time.Millisecond})

	for i := 0; i < 4; i++ {
		env := newEnv()
		env.GPR[1] = 0x9000
		next, err := e.Step(env, 0x1000)
		require.NoError(t, err)
		require.Equal(t, uint64(0x9000), next)
	}

	st := e.PCStats(0x1000)
	require.Equal(t, DefaultFailThreshold, st.AOTFails, "AOT is retired after the threshold, not retried forever")
	require.Contains(t, st.LastFailure, "fingerprint")
	require.Zero(t, e.Stats().AOTHits)
	require.NotZero(t, e.Stats().JITHits, "execution moved on to the JIT tier")

	// An explicit reset re-arms the tier.
	e.ResetFailures(0x1000)
	require.Zero(t, e.PCStats(0x1000).AOTFails)
}

func TestStep_TraceRecordsAndRuns(t *testing.T) {
	fetch := &byteFetcher{base: 0x1000, code: selfLoop()}
	sel := hotspot.NewSelector(5, 16)
	e := New(decode.RISCV64{}, fetch, nil, nil, nil, sel, hotspot.NewPredictor(), nil,
		Options{Mode: config.ExecInterpreter})

	env := newEnv()
	pc := uint64(0x1000)
	for i := 0; i < 10; i++ {
		next, err := e.Step(env, pc)
		require.NoError(t, err)
		require.Equal(t, uint64(0x1000), next)
		pc = next
	}

	tr, ok := sel.Trace(0x1000)
	require.True(t, ok)
	require.Equal(t, hotspot.StateReady, tr.State())
	require.NotZero(t, e.Stats().TraceRuns, "executions after readiness take the trace path")
}

func TestStep_TraceMismatchInvalidates(t *testing.T) {
	// BEQ x1, x2, +8 ; (fallthrough) JAL x0, -4 — the branch flips once x1
	// changes, breaking the recorded path.
	beq := riscvWord(0x63, 0, 0, 1, 2, 0) | (4 << 8) // imm=+8: imm[4:1]=0b0100 in bits 11:8
	jalBack := uint32(0x6f) | jalEncode(-4)
	fetch := &byteFetcher{base: 0x1000, code: words(beq, jalBack, 0x6f)}

	sel := hotspot.NewSelector(2, 16)
	e := New(decode.RISCV64{}, fetch, nil, nil, nil, sel, nil, nil, Options{Mode: config.ExecInterpreter})

	env := newEnv()
	env.GPR[1], env.GPR[2] = 1, 2 // not equal: fall through, loop back
	pc := uint64(0x1000)
	for i := 0; i < 8; i++ {
		next, err := e.Step(env, pc)
		require.NoError(t, err)
		pc = next
	}
	tr, ok := sel.Trace(0x1000)
	require.True(t, ok)
	require.Equal(t, hotspot.StateReady, tr.State())

	// Flip the branch: the next entry from the trace root diverges from the
	// recorded path and the trace dies.
	env.GPR[2] = 1
	for pc != 0x1008 {
		var err error
		pc, err = e.Step(env, pc)
		require.NoError(t, err)
	}
	_, ok = sel.Trace(0x1000)
	require.False(t, ok, "mismatch invalidates and forgets the trace")
}

// jalEncode packs a JAL immediate (a multiple of 2 in [-1MiB, 1MiB)) into
// instruction bit positions 31:12.
func jalEncode(imm int32) uint32 {
	u := uint32(imm)
	return ((u>>20)&1)<<31 | ((u>>1)&0x3ff)<<21 | ((u>>11)&1)<<20 | ((u>>12)&0xff)<<12
}
