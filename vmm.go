// Package vmm assembles the translation pipeline, the execution tiers, the
// guest memory subsystem, and the vCPU runtime into a virtual machine an
// embedder drives: construct from a config.Config, load guest memory,
// register devices, start, and query status. Everything behind this surface
// lives in internal/ packages; this file is only wiring.
package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/crosshost/vmm/internal/aot"
	"github.com/crosshost/vmm/internal/backend"
	amd64enc "github.com/crosshost/vmm/internal/backend/isa/amd64"
	arm64enc "github.com/crosshost/vmm/internal/backend/isa/arm64"
	riscv64enc "github.com/crosshost/vmm/internal/backend/isa/riscv64"
	"github.com/crosshost/vmm/internal/boot"
	"github.com/crosshost/vmm/internal/cache"
	"github.com/crosshost/vmm/internal/config"
	"github.com/crosshost/vmm/internal/decode"
	"github.com/crosshost/vmm/internal/device"
	"github.com/crosshost/vmm/internal/eventbus"
	"github.com/crosshost/vmm/internal/gaddr"
	"github.com/crosshost/vmm/internal/hotspot"
	"github.com/crosshost/vmm/internal/hybrid"
	"github.com/crosshost/vmm/internal/interp"
	"github.com/crosshost/vmm/internal/ir"
	"github.com/crosshost/vmm/internal/irq"
	"github.com/crosshost/vmm/internal/jit"
	"github.com/crosshost/vmm/internal/mmu"
	"github.com/crosshost/vmm/internal/tlb"
	"github.com/crosshost/vmm/internal/vcpu"
	"github.com/crosshost/vmm/internal/vmerr"
)

// codeArenaSize is the executable buffer backing JIT output. Generous for
// the block sizes the decoders produce; exhaustion surfaces as a resource
// error and execution falls to the interpreter.
const codeArenaSize = 16 << 20

// Option customizes VM construction.
type Option func(*VM)

// WithLogger installs a logger; slog.Default is used otherwise.
func WithLogger(log *slog.Logger) Option { return func(vm *VM) { vm.log = log } }

// WithFirmware installs a firmware layer whose tables are written into
// guest memory during Start, before any vCPU runs.
func WithFirmware(fw boot.TableInstaller) Option { return func(vm *VM) { vm.firmware = fw } }

// WithAOTSymbols supplies the symbol addresses AOT relocations resolve
// against.
func WithAOTSymbols(symbols map[string]uint64) Option {
	return func(vm *VM) { vm.aotSymbols = symbols }
}

// WithEntry sets the guest PC every vCPU starts at, instead of the default
// reset vector.
func WithEntry(pc uint64) Option { return func(vm *VM) { vm.entry = pc } }

// WithServices routes the guests' architecture-special operations (CPUID,
// CSR access, vendor-opaque ops) to the given implementation.
func WithServices(s interp.Services) Option { return func(vm *VM) { vm.services = s } }

// VM is one assembled virtual machine.
type VM struct {
	cfg config.Config
	log *slog.Logger

	events  *eventbus.Bus
	mem     *mmu.PhysMemory
	walker  *mmu.Walker
	tlb     *tlb.TLB
	softmmu *mmu.SoftMMU
	devices *device.Bus
	intc    *irq.Controller

	tcache    *cache.Cache
	arena     *jit.Arena
	driver    *jit.Driver
	aotLoader *aot.Loader
	sel       *hotspot.Selector
	pred      *hotspot.Predictor

	firmware   boot.TableInstaller
	aotSymbols map[string]uint64
	services   interp.Services
	entry      uint64

	mu      sync.Mutex
	started bool
	vcpus   []*vcpu.VCPU
	views   []*guestView
	wg      sync.WaitGroup
}

// New builds a VM from cfg. The returned VM owns every subsystem it wires;
// Close releases the mapped resources.
func New(cfg config.Config, opts ...Option) (*VM, error) {
	vm := &VM{cfg: cfg, entry: boot.DefaultResetVector}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.log == nil {
		vm.log = slog.Default()
	}
	if cfg.VCPUCount <= 0 {
		return nil, fmt.Errorf("%w: vcpu_count must be positive", vmerr.ErrResource)
	}

	dec, err := decoderFor(cfg.GuestArch)
	if err != nil {
		return nil, err
	}
	enc, err := encoderFor(cfg.HostArch)
	if err != nil {
		return nil, err
	}

	vm.events = eventbus.New(64)
	vm.mem = mmu.NewPhysMemory(cfg.MemorySize)
	vm.walker = mmu.NewWalker(vm.mem)
	vm.tlb = tlb.New(cfg.TLBShards, flushStrategyFor(cfg.TLBFlushPolicy))
	vm.devices = device.New()
	vm.softmmu = mmu.New(vm.mem, vm.walker, vm.tlb, vm.devices)
	vm.intc = irq.New()
	vm.tcache = cache.New(cachePolicyFor(cfg.CachePolicy), cfg.CacheCapacityEntries, cfg.CacheCapacityBytes)

	if cfg.ExecMode == config.ExecJIT || cfg.ExecMode == config.ExecHybrid {
		vm.arena, err = jit.NewArena(codeArenaSize)
		if err != nil {
			return nil, err
		}
		workers := 1
		if cfg.EnableParallelCompile {
			workers = runtime.NumCPU()
		}
		vm.driver = jit.NewDriver(enc, vm.arena, vm.tcache, workers)
	}

	if cfg.AOTImagePath != "" {
		vm.aotLoader, err = aot.Open(cfg.AOTImagePath)
		if err != nil {
			vm.closePartial()
			return nil, err
		}
	}

	if cfg.EnableHotspotDetection {
		vm.sel = hotspot.NewSelector(uint64(cfg.HotspotThreshold), cfg.TraceMaxLength)
		vm.pred = hotspot.NewPredictor()
	}

	for i := 0; i < cfg.VCPUCount; i++ {
		view := &guestView{vm: vm, asid: tlb.ASID(i)}
		exec := hybrid.New(dec, view, vm.aotLoader, vm.driver, vm.tcache, vm.sel, vm.pred, vm.events, hybrid.Options{
			Mode:        cfg.ExecMode,
			OptLevel:    uint8(cfg.OptimizationLevel),
			TargetISA:   isaID(cfg.HostArch),
			AOTSymbols:  vm.aotSymbols,
			PollTimeout: 0, // default bounded wait
		})
		v := vcpu.New(i, exec, view, vm.entry, vcpu.Options{
			IRQ:        vm.intc,
			IRQContext: irq.Context(i),
			Bus:        vm.events,
			Log:        vm.log,
			Services:   vm.services,
		})
		vm.vcpus = append(vm.vcpus, v)
		vm.views = append(vm.views, view)
	}
	return vm, nil
}

func (vm *VM) closePartial() {
	if vm.arena != nil {
		_ = vm.arena.Close()
	}
}

// RegisterDevice places a device handler on the MMIO bus. The bus is fixed
// once the VM starts.
func (vm *VM) RegisterDevice(base gaddr.GuestPhysAddr, size uint64, h device.Handler) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.started {
		return fmt.Errorf("%w: the MMIO bus is fixed after VM start", vmerr.ErrDevice)
	}
	return vm.devices.Register(base, size, h)
}

// WritePhys loads bytes into guest physical memory, e.g. a kernel image or
// test program, before or between runs.
func (vm *VM) WritePhys(addr gaddr.GuestPhysAddr, src []byte) error { return vm.mem.Write(addr, src) }

// ReadPhys copies guest physical memory into dst.
func (vm *VM) ReadPhys(addr gaddr.GuestPhysAddr, dst []byte) error { return vm.mem.Read(addr, dst) }

// SetPageTable points vCPU i's address space at a root page table;
// rootTable zero selects bare physical addressing.
func (vm *VM) SetPageTable(i int, rootTable gaddr.GuestPhysAddr) {
	vm.views[i].setRoot(rootTable)
}

// VCPU returns vCPU i for register seeding and lifecycle control.
func (vm *VM) VCPU(i int) *vcpu.VCPU { return vm.vcpus[i] }

// Interrupts returns the interrupt controller devices raise lines on.
func (vm *VM) Interrupts() *irq.Controller { return vm.intc }

// Events returns the VM-wide event bus.
func (vm *VM) Events() *eventbus.Bus { return vm.events }

// CacheStats returns the translation cache counters.
func (vm *VM) CacheStats() cache.Stats { return vm.tcache.Stats() }

// physWriter adapts PhysMemory to the firmware-facing writer interface.
type physWriter struct{ mem *mmu.PhysMemory }

func (w physWriter) Write(addr gaddr.GuestPhysAddr, src []byte) error {
	return w.mem.Write(addr, src)
}

// Start installs firmware tables, warms the JIT, and releases every vCPU on
// its own goroutine.
func (vm *VM) Start() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.started {
		return fmt.Errorf("%w: VM already started", vmerr.ErrLifecycle)
	}
	if vm.firmware != nil {
		if err := vm.firmware.InstallTables(physWriter{vm.mem}); err != nil {
			return err
		}
	}
	if vm.driver != nil {
		vm.warmup()
	}
	vm.started = true
	for _, v := range vm.vcpus {
		v := v
		vm.wg.Add(1)
		go func() {
			defer vm.wg.Done()
			if err := v.Run(); err != nil {
				vm.log.Error("vCPU exited with error", "vcpu", v.ID, "err", err)
			}
		}()
	}
	return nil
}

// warmup primes the backend with a canned pattern so the first hot guest
// block does not pay any lazy-initialization cost.
func (vm *VM) warmup() {
	b := ir.NewBuilder(0)
	_ = b.Push(ir.Instruction{Opcode: ir.OpMovImm, Dst: ir.FirstVirtualReg, Type: ir.TypeI64, Imm: 1})
	b.SetTerminator(ir.SynthesizedJump(4))
	blk, err := b.Finalize()
	if err != nil {
		return
	}
	fp := cache.ComputeFingerprint(0, blk.Hash(), uint8(vm.cfg.OptimizationLevel), isaID(vm.cfg.HostArch))
	for _, e := range vm.driver.Warmup(context.Background(), []jit.Request{{Block: blk, Fingerprint: fp}}) {
		vm.log.Warn("JIT warmup compile failed", "err", e)
	}
	vm.tcache.Invalidate(fp)
}

// PauseAll requests suspension of every vCPU.
func (vm *VM) PauseAll() error {
	for _, v := range vm.vcpus {
		if err := v.Pause(); err != nil {
			return err
		}
	}
	return nil
}

// ResumeAll wakes every paused vCPU.
func (vm *VM) ResumeAll() error {
	for _, v := range vm.vcpus {
		if err := v.Resume(); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests exit of every vCPU and waits for their goroutines. vCPUs
// that already stopped or faulted are left as they are.
func (vm *VM) Stop() {
	for _, v := range vm.vcpus {
		_ = v.Stop()
	}
	vm.wg.Wait()
}

// Wait blocks until every vCPU goroutine has exited on its own (stop or
// fault).
func (vm *VM) Wait() { vm.wg.Wait() }

// Status reports vCPU i's lifecycle state and, when faulted, the cause.
func (vm *VM) Status(i int) (vcpu.State, error) {
	if i < 0 || i >= len(vm.vcpus) {
		return 0, fmt.Errorf("%w: no vCPU %d", vmerr.ErrLifecycle, i)
	}
	v := vm.vcpus[i]
	return v.State(), v.FaultCause()
}

// Shootdown invalidates a guest address range for asid across the shared
// TLB and quiesces every running vCPU before returning.
func (vm *VM) Shootdown(asid tlb.ASID, lo, hi gaddr.GuestAddr) {
	vcpu.BroadcastShootdown(vm.tlb, vm.vcpus, asid, lo, hi)
	vm.events.Publish(eventbus.Event{Kind: eventbus.TLBFlushed, PC: uint64(lo)})
}

// ClearCodeCache drops every translated block, e.g. around a guest reset.
func (vm *VM) ClearCodeCache() {
	vm.tcache.Clear()
	vm.events.Publish(eventbus.Event{Kind: eventbus.CacheFlushed})
}

// InvalidateCode drops translated code whose guest bytes lie in [lo, hi),
// used when the guest writes to a code page.
func (vm *VM) InvalidateCode(lo, hi uint64) {
	vm.tcache.InvalidatePageRange(lo, hi)
	vm.events.Publish(eventbus.Event{Kind: eventbus.CacheInvalidated, PC: lo})
}

// Close releases mapped resources. The VM must be stopped first.
func (vm *VM) Close() error {
	var first error
	if vm.aotLoader != nil {
		if err := vm.aotLoader.Close(); err != nil && first == nil {
			first = err
		}
	}
	if vm.arena != nil {
		if err := vm.arena.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// guestView is one vCPU's window onto guest memory: paged through the
// soft-MMU when a root table is installed, bare physical addressing
// (with MMIO routing) otherwise. It implements both the interpreter's
// Memory and the decoders' Fetcher.
type guestView struct {
	vm   *VM
	asid tlb.ASID

	mu   sync.Mutex
	root gaddr.GuestPhysAddr
	user bool
}

func (g *guestView) setRoot(root gaddr.GuestPhysAddr) {
	g.mu.Lock()
	g.root = root
	g.mu.Unlock()
}

func (g *guestView) rootTable() gaddr.GuestPhysAddr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.root
}

// Read implements interp.Memory.
func (g *guestView) Read(va uint64, size uint8) (uint64, error) {
	root := g.rootTable()
	if root == 0 {
		pa := gaddr.GuestPhysAddr(va)
		if h, off, ok := g.vm.devices.Lookup(pa); ok {
			return h.ReadMMIO(off, size)
		}
		return g.vm.mem.ReadUint(pa, size)
	}
	return g.vm.softmmu.ReadSized(g.asid, root, gaddr.GuestAddr(va), size, g.user)
}

// Write implements interp.Memory.
func (g *guestView) Write(va uint64, size uint8, val uint64) error {
	root := g.rootTable()
	if root == 0 {
		pa := gaddr.GuestPhysAddr(va)
		if h, off, ok := g.vm.devices.Lookup(pa); ok {
			return h.WriteMMIO(off, size, val)
		}
		return g.vm.mem.WriteUint(pa, size, val)
	}
	return g.vm.softmmu.WriteSized(g.asid, root, gaddr.GuestAddr(va), size, val, g.user)
}

// FetchInstructionBytes implements decode.Fetcher.
func (g *guestView) FetchInstructionBytes(pc uint64, dst []byte) error {
	root := g.rootTable()
	if root == 0 {
		return g.vm.mem.Read(gaddr.GuestPhysAddr(pc), dst)
	}
	return g.vm.softmmu.FetchBytes(g.asid, root, gaddr.GuestAddr(pc), dst)
}

func decoderFor(a config.Arch) (decode.Decoder, error) {
	switch a {
	case config.ArchX86_64:
		return decode.X86_64{}, nil
	case config.ArchARM64:
		return decode.ARM64{}, nil
	case config.ArchRISCV64:
		return decode.RISCV64{}, nil
	default:
		return nil, fmt.Errorf("%w: no decoder for guest architecture %q", vmerr.ErrResource, a)
	}
}

func encoderFor(a config.Arch) (backend.Encoder, error) {
	switch a {
	case config.ArchX86_64:
		return amd64enc.Encoder{}, nil
	case config.ArchARM64:
		return arm64enc.Encoder{}, nil
	case config.ArchRISCV64:
		return riscv64enc.Encoder{}, nil
	default:
		return nil, fmt.Errorf("%w: no encoder for host architecture %q", vmerr.ErrResource, a)
	}
}

// isaID maps a host architecture to the fingerprint's target-ISA byte.
func isaID(a config.Arch) uint8 {
	switch a {
	case config.ArchX86_64:
		return 0
	case config.ArchARM64:
		return 1
	default:
		return 2
	}
}

func cachePolicyFor(p config.CachePolicy) cache.Policy {
	switch p {
	case config.CacheLFU:
		return cache.LFU
	case config.CacheFIFO:
		return cache.FIFO
	case config.CacheRandom:
		return cache.Random
	default:
		return cache.LRU
	}
}

func flushStrategyFor(p config.TLBFlushPolicy) tlb.FlushStrategy {
	switch p {
	case config.TLBDelayed:
		return &tlb.Delayed{}
	case config.TLBBatched:
		return &tlb.Batched{}
	case config.TLBIntelligent:
		return tlb.NewIntelligent(64)
	case config.TLBPredictive:
		return tlb.NewPredictive(16)
	case config.TLBAdaptive:
		return tlb.NewAdaptive(50, 90)
	default:
		return tlb.Immediate{}
	}
}
