// Package vmerr enumerates the VM's error taxonomy as a closed set of
// sentinel errors. Callers use errors.Is against the sentinels below;
// component-specific detail is attached with fmt.Errorf's %w wrapping.
package vmerr

import "errors"

// Decode errors: unknown opcode, malformed encoding, instruction crossing a
// protected boundary. Recovered by the decoder emitting a fault terminator.
var ErrDecode = errors.New("vmerr: decode error")

// ErrFetchFault is an MMU failure encountered while fetching instruction
// bytes.
var ErrFetchFault = errors.New("vmerr: fetch fault")

// ErrMemoryFault covers page-not-present, permission violation, and
// disallowed unaligned access.
var ErrMemoryFault = errors.New("vmerr: memory fault")

// ErrCompile is an encoder failure: unsupported operation, infeasible
// register allocation, or an exhausted code buffer.
var ErrCompile = errors.New("vmerr: compile error")

// ErrAOTLink covers a missing relocation target or a fingerprint mismatch
// in an AOT image entry.
var ErrAOTLink = errors.New("vmerr: AOT link error")

// ErrDevice covers a bad MMIO access size or an out-of-range MMIO offset.
var ErrDevice = errors.New("vmerr: device error")

// ErrLifecycle is returned when a vCPU lifecycle operation is attempted in
// the wrong state (e.g. pause on a stopped vCPU). It never reaches the
// guest.
var ErrLifecycle = errors.New("vmerr: lifecycle error")

// ErrResource covers a code cache that is full with nothing evictable, or a
// saturated compile worker pool. Callers fall back to a lower tier and
// count the occurrence in statistics.
var ErrResource = errors.New("vmerr: resource error")
