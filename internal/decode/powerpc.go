package decode

// This file marks the extension points for guest ISAs the IR can host but
// no configuration currently selects.
//
// PowerPC: a decoder here would follow the RISCV64 shape — fixed 4-byte
// words, primary opcode in the top 6 bits, extended opcode in bits 10:1 for
// the X-forms — and reuse the same regFile/commit discipline. Nothing else
// in the pipeline needs to change: the IR's integer, memory, and branch
// vocabulary already covers the base integer subset, and CR-field compares
// lower to OpICmp results the way the x86 decoder lowers RFLAGS consumers.
//
// Vendor tensor/NPU extensions: matrix and vector instructions with
// semantics the IR does not model lower to OpVendorOpaque, dispatched by
// name to a runtime service (interp.Services.Vendor). A vendor decoder is
// therefore mostly a table from opcode to service name plus operand
// marshalling; it never extends the IR itself.
//
// Neither decoder is registered: the guest architecture enum is closed
// over {x86_64, arm64, riscv64}, and an unregistered ISA cannot be chosen
// at construction time.
