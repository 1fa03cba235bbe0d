// Package config parses the VM's key=value configuration surface into a
// fixed, enumerated Config struct. The parser is a small line scanner: '#'
// starts a comment, each non-blank line is one `key = value` pair, and a
// pre-split option list (the shape a CLI layer or embedder would build)
// can be loaded directly via ParseOptions without going through a file.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/crosshost/vmm/internal/vmerr"
)

// Arch names one of the supported architectures; guest_arch and host_arch
// select the decoder/encoder pair from the closed
// `{x86_64, arm64, riscv64}` enum.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchARM64   Arch = "arm64"
	ArchRISCV64 Arch = "riscv64"
)

// ExecMode selects the execution tier strategy.
type ExecMode string

const (
	ExecInterpreter ExecMode = "interpreter"
	ExecJIT         ExecMode = "jit"
	ExecHybrid      ExecMode = "hybrid"
	ExecAOT         ExecMode = "aot"
)

// CachePolicy selects the translation cache's eviction policy.
type CachePolicy string

const (
	CacheLRU    CachePolicy = "lru"
	CacheLFU    CachePolicy = "lfu"
	CacheFIFO   CachePolicy = "fifo"
	CacheRandom CachePolicy = "random"
)

// TLBFlushPolicy names one of the six pluggable TLB flush strategies.
type TLBFlushPolicy string

const (
	TLBImmediate   TLBFlushPolicy = "immediate"
	TLBDelayed     TLBFlushPolicy = "delayed"
	TLBBatched     TLBFlushPolicy = "batched"
	TLBIntelligent TLBFlushPolicy = "intelligent"
	TLBPredictive  TLBFlushPolicy = "predictive"
	TLBAdaptive    TLBFlushPolicy = "adaptive"
)

// Config is the fully-resolved, enumerated options struct every subsystem
// is constructed from.
type Config struct {
	GuestArch Arch
	HostArch  Arch

	VCPUCount  int
	MemorySize uint64

	ExecMode ExecMode

	HotspotThreshold int
	TraceMaxLength   int

	CacheCapacityEntries int
	CacheCapacityBytes   int64
	CachePolicy          CachePolicy

	TLBShards      int
	TLBFlushPolicy TLBFlushPolicy

	AOTImagePath string

	OptimizationLevel int

	EnableSIMD               bool
	EnableHotspotDetection   bool
	EnableParallelCompile    bool
	EnableMemoryOptimization bool
	EnableIROptimization     bool

	CompileTimeBudgetNS int64
}

// Default returns a Config populated with sensible defaults, overridden by
// whatever keys a caller subsequently applies.
func Default() Config {
	return Config{
		GuestArch:                ArchX86_64,
		HostArch:                 ArchX86_64,
		VCPUCount:                1,
		MemorySize:               256 << 20,
		ExecMode:                 ExecHybrid,
		HotspotThreshold:         100,
		TraceMaxLength:           16,
		CacheCapacityEntries:     4096,
		CacheCapacityBytes:       64 << 20,
		CachePolicy:              CacheLRU,
		TLBShards:                16,
		TLBFlushPolicy:           TLBImmediate,
		OptimizationLevel:        1,
		EnableSIMD:               true,
		EnableHotspotDetection:   true,
		EnableParallelCompile:    true,
		EnableMemoryOptimization: true,
		EnableIROptimization:     true,
		CompileTimeBudgetNS:      5_000_000,
	}
}

// Load reads a configuration file of '#'-commented `key = value` lines into
// Config, starting from Default().
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNumber := 0
	var opts []Option
	for scanner.Scan() {
		lineNumber++
		raw := scanner.Text()
		if idx := strings.IndexByte(raw, '#'); idx >= 0 {
			raw = raw[:idx]
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return Config{}, fmt.Errorf("%w: malformed config line %d: %q", vmerr.ErrResource, lineNumber, raw)
		}
		opts = append(opts, Option{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return Config{}, err
	}
	return ParseOptions(cfg, opts)
}

// Option is a single pre-split key/value pair, the shape an embedder
// builds directly without going through Load's line scanner.
type Option struct {
	Key   string
	Value string
}

// ParseOptions applies opts on top of base, returning the updated Config.
// Unknown keys are rejected rather than silently ignored, so a
// configuration typo surfaces at load time instead of as a mysteriously
// defaulted knob.
func ParseOptions(base Config, opts []Option) (Config, error) {
	cfg := base
	for _, opt := range opts {
		if err := cfg.apply(opt.Key, opt.Value); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "guest_arch":
		arch, err := parseArch(value)
		if err != nil {
			return err
		}
		c.GuestArch = arch
	case "host_arch":
		arch, err := parseArch(value)
		if err != nil {
			return err
		}
		c.HostArch = arch
	case "vcpu_count":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: vcpu_count must be a positive integer, got %q", vmerr.ErrResource, value)
		}
		c.VCPUCount = n
	case "memory_size":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: memory_size must be a byte count, got %q", vmerr.ErrResource, value)
		}
		c.MemorySize = n
	case "exec_mode":
		switch ExecMode(value) {
		case ExecInterpreter, ExecJIT, ExecHybrid, ExecAOT:
			c.ExecMode = ExecMode(value)
		default:
			return fmt.Errorf("%w: unknown exec_mode %q", vmerr.ErrResource, value)
		}
	case "hotspot_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: hotspot_threshold must be an integer, got %q", vmerr.ErrResource, value)
		}
		c.HotspotThreshold = n
	case "trace_max_length":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: trace_max_length must be an integer, got %q", vmerr.ErrResource, value)
		}
		c.TraceMaxLength = n
	case "cache_capacity_entries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: cache_capacity_entries must be an integer, got %q", vmerr.ErrResource, value)
		}
		c.CacheCapacityEntries = n
	case "cache_capacity_bytes":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: cache_capacity_bytes must be an integer, got %q", vmerr.ErrResource, value)
		}
		c.CacheCapacityBytes = n
	case "cache_policy":
		switch CachePolicy(value) {
		case CacheLRU, CacheLFU, CacheFIFO, CacheRandom:
			c.CachePolicy = CachePolicy(value)
		default:
			return fmt.Errorf("%w: unknown cache_policy %q", vmerr.ErrResource, value)
		}
	case "tlb_shards":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: tlb_shards must be an integer, got %q", vmerr.ErrResource, value)
		}
		c.TLBShards = n
	case "tlb_flush_policy":
		switch TLBFlushPolicy(value) {
		case TLBImmediate, TLBDelayed, TLBBatched, TLBIntelligent, TLBPredictive, TLBAdaptive:
			c.TLBFlushPolicy = TLBFlushPolicy(value)
		default:
			return fmt.Errorf("%w: unknown tlb_flush_policy %q", vmerr.ErrResource, value)
		}
	case "aot_image_path":
		c.AOTImagePath = value
	case "optimization_level":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 3 {
			return fmt.Errorf("%w: optimization_level must be 0-3, got %q", vmerr.ErrResource, value)
		}
		c.OptimizationLevel = n
	case "enable_simd":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		c.EnableSIMD = b
	case "enable_hotspot_detection":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		c.EnableHotspotDetection = b
	case "enable_parallel_compile":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		c.EnableParallelCompile = b
	case "enable_memory_optimization":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		c.EnableMemoryOptimization = b
	case "enable_ir_optimization":
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		c.EnableIROptimization = b
	case "compile_time_budget_ns":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: compile_time_budget_ns must be an integer, got %q", vmerr.ErrResource, value)
		}
		c.CompileTimeBudgetNS = n
	default:
		return fmt.Errorf("%w: unknown configuration key %q", vmerr.ErrResource, key)
	}
	return nil
}

func parseArch(value string) (Arch, error) {
	switch Arch(value) {
	case ArchX86_64, ArchARM64, ArchRISCV64:
		return Arch(value), nil
	default:
		return "", fmt.Errorf("%w: unknown architecture %q", vmerr.ErrResource, value)
	}
}

func parseBool(value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: expected a boolean, got %q", vmerr.ErrResource, value)
	}
	return b, nil
}
