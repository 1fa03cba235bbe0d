package jit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshost/vmm/internal/cache"
	"github.com/crosshost/vmm/internal/ir"
)

type fakeEncoder struct {
	failFor map[uint64]bool
}

func (f *fakeEncoder) Name() string { return "fake" }

func (f *fakeEncoder) Encode(block *ir.Block) ([]byte, error) {
	if f.failFor[block.StartPC()] {
		return nil, errUnsupported
	}
	return []byte{0xC3}, nil
}

var errUnsupported = &testEncodeErr{}

type testEncodeErr struct{}

func (*testEncodeErr) Error() string { return "fake encode failure" }

func newTestDriver(t *testing.T, failFor map[uint64]bool) *Driver {
	t.Helper()
	arena, err := NewArena(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	c := cache.New(cache.LRU, 1024, 0)
	return NewDriver(&fakeEncoder{failFor: failFor}, arena, c, 4)
}

func blockAt(pc uint64) *ir.Block {
	b := ir.NewBuilder(pc)
	b.SetTerminator(ir.Terminator{Kind: ir.TermJump, TargetPC: pc + 4})
	blk, err := b.Finalize()
	if err != nil {
		panic(err)
	}
	return blk
}

func TestDriver_CompileInsertsIntoCache(t *testing.T) {
	d := newTestDriver(t, nil)
	blk := blockAt(0x1000)
	fp := cache.ComputeFingerprint(blk.StartPC(), 0, 0, 0)

	res, err := d.Compile(blk, fp)
	require.NoError(t, err)
	require.Equal(t, 0, res.Offset)

	_, ok := d.cache.Lookup(fp)
	require.True(t, ok)
}

func TestDriver_CompileFailureEntersCoolDown(t *testing.T) {
	blk := blockAt(0x2000)
	d := newTestDriver(t, map[uint64]bool{blk.StartPC(): true})
	fp := cache.ComputeFingerprint(blk.StartPC(), 0, 0, 0)

	_, err := d.Compile(blk, fp)
	require.Error(t, err)
	require.True(t, d.Cooling(fp))

	_, err = d.Compile(blk, fp)
	require.Error(t, err, "a cooling fingerprint is rejected without retrying the encoder")
}

func TestDriver_CompileBatchGroupsBySize(t *testing.T) {
	d := newTestDriver(t, nil)
	var reqs []Request
	for i := 0; i < 20; i++ {
		blk := blockAt(uint64(0x1000 + i*4))
		reqs = append(reqs, Request{Block: blk, Fingerprint: cache.ComputeFingerprint(blk.StartPC(), 0, 0, 0)})
	}

	results, err := d.CompileBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 20)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
}

func TestDriver_Warmup(t *testing.T) {
	d := newTestDriver(t, nil)
	blk := blockAt(0x5000)
	fp := cache.ComputeFingerprint(blk.StartPC(), 0, 0, 0)

	errs := d.Warmup(context.Background(), []Request{{Block: blk, Fingerprint: fp}})
	require.Empty(t, errs)
	_, ok := d.cache.Lookup(fp)
	require.True(t, ok)
}
