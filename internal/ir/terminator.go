package ir

// TermKind identifies how a block transfers control at its end. Every Block
// has exactly one terminator, per the data model's single-terminator
// invariant: no internal control flow exists except by the terminator.
type TermKind byte

const (
	termInvalid TermKind = iota
	// TermReturn ends the block; PCReg names the register holding the next
	// guest PC.
	TermReturn
	// TermJump is an unconditional jump to an immediate guest PC (TargetPC).
	TermJump
	// TermCondJump branches on a one-bit register (Cond) to TargetPC (true)
	// or ElsePC (false).
	TermCondJump
	// TermCall transfers to an immediate guest PC (TargetPC), storing the
	// return address in LinkReg.
	TermCall
	// TermFault delivers a guest exception of kind FaultKind with an
	// opaque-to-the-IR FaultPayload (e.g. the faulting address).
	TermFault
)

// String implements fmt.Stringer.
func (k TermKind) String() string {
	switch k {
	case TermReturn:
		return "return"
	case TermJump:
		return "jump"
	case TermCondJump:
		return "cond_jump"
	case TermCall:
		return "call"
	case TermFault:
		return "fault"
	default:
		return "invalid"
	}
}

// FaultKind enumerates the guest-visible exceptions a decoder or interpreter
// can raise via a TermFault terminator.
type FaultKind byte

const (
	FaultInvalid FaultKind = iota
	// FaultIllegalInstruction is raised by a decoder on an undefined opcode.
	FaultIllegalInstruction
	// FaultFetchFault is raised when the MMU cannot service an instruction
	// fetch (page not present, no-execute, etc.).
	FaultFetchFault
	// FaultMemoryFault is raised by a load/store that hits a page fault,
	// permission violation, or disallowed unaligned access.
	FaultMemoryFault
	// FaultDeviceError is raised on a malformed MMIO access (bad size,
	// out-of-range offset).
	FaultDeviceError
)

// String implements fmt.Stringer.
func (k FaultKind) String() string {
	switch k {
	case FaultIllegalInstruction:
		return "illegal_instruction"
	case FaultFetchFault:
		return "fetch_fault"
	case FaultMemoryFault:
		return "memory_fault"
	case FaultDeviceError:
		return "device_error"
	default:
		return "invalid"
	}
}

// Terminator is the single control-flow-transferring operation that ends
// every Block.
type Terminator struct {
	Kind TermKind

	// PCReg is read by TermReturn.
	PCReg Reg

	// TargetPC is read by TermJump, TermCondJump (true branch), and
	// TermCall.
	TargetPC uint64
	// ElsePC is read by TermCondJump (false branch).
	ElsePC uint64
	// Cond is read by TermCondJump; must name a TypeBool1 register.
	Cond Reg
	// LinkReg is read by TermCall.
	LinkReg Reg

	// FaultKind and FaultPayload are read by TermFault.
	FaultKind    FaultKind
	FaultPayload uint64
}
