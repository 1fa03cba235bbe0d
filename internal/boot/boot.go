// Package boot defines the seam between this core and a firmware layer.
// Synthesizing ACPI tables (RSDP/RSDT/FADT/MADT/DSDT) is an external
// collaborator's job; the core only specifies where such a layer writes
// guest physical memory before the vCPUs are released, and where execution
// begins once it has.
package boot

import "github.com/crosshost/vmm/internal/gaddr"

// GuestPhysicalWriter is the narrow memory surface handed to a firmware
// layer: raw physical writes, no translation, valid only before VM start.
type GuestPhysicalWriter interface {
	Write(addr gaddr.GuestPhysAddr, src []byte) error
}

// TableInstaller is implemented by a firmware layer that places boot tables
// into guest memory. InstallTables is called exactly once, after physical
// memory exists and before any vCPU runs.
type TableInstaller interface {
	InstallTables(mem GuestPhysicalWriter) error
}

// DefaultResetVector is where a vCPU begins executing when the embedder
// does not choose an entry point.
const DefaultResetVector = 0x1000
