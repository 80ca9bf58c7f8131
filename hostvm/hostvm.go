// Package hostvm defines the abstract contract the VMM depends on to create
// and run an AArch64 virtual machine. It deliberately says nothing about how
// a VM is actually created or run: callers depend only on this package, and
// a concrete implementation (the kvm package, or a fake for tests) supplies
// the rest, so device emulation code never imports ioctl details directly.
package hostvm

import "fmt"

// Perm is a bitmask of the access permissions installed for a guest-physical
// memory mapping.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// RegID identifies a VCPU register accessible through VCPU.GetReg/SetReg.
// X0 through X30 are the general-purpose registers; PC and CPSR round out
// the subset this VMM ever needs to read or write.
type RegID uint32

const (
	RegPC RegID = 31 + iota
	RegCPSR
)

// RegX returns the RegID for general-purpose register Xn, 0 <= n <= 30.
// X31 (the zero register) has no RegID: it is never read or written through
// this interface, since its "value is always zero" / "writes are discarded"
// semantics are handled in the instruction decoder, not the register file.
func RegX(n int) RegID {
	if n < 0 || n > 30 {
		panic(fmt.Sprintf("hostvm: register index %d out of range", n))
	}

	return RegID(n)
}

// ExitReason classifies why VCPU.Run returned.
type ExitReason int

const (
	// ExitException means the VCPU trapped into the host; inspect Syndrome
	// and FaultAddr to find out why.
	ExitException ExitReason = iota

	// ExitCanceled means a host-initiated cancellation interrupted Run.
	ExitCanceled

	// ExitTimerActivated means a virtual timer fired. It carries no guest
	// side effect in this system and should be treated as a no-op resume.
	ExitTimerActivated

	// ExitOther is any exit reason this interface doesn't otherwise name.
	ExitOther
)

func (r ExitReason) String() string {
	switch r {
	case ExitException:
		return "exception"
	case ExitCanceled:
		return "canceled"
	case ExitTimerActivated:
		return "timer-activated"
	case ExitOther:
		return "other"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// Syndrome is the raw ESR_EL2-shaped value the host reports for an
// ExitException, along with the SRT/ISV bits parceled out. It mirrors the
// real AArch64 exception syndrome register, restricted to the fields the
// decoder in vmm/exit.go needs.
type Syndrome uint64

// Exception classes (ESR_EL2.EC) relevant to this VMM. Every other EC value
// falls into the "Other" / unexpected bucket in the exit dispatcher.
const (
	ECWFx             = 0x01 // WFI or WFE trapped
	ECHVC64           = 0x16 // HVC instruction execution in AArch64 state
	ECDataAbortLowerEL = 0x24 // data abort, target EL lower than EL2 host reports on behalf of
	ECDataAbortSameEL  = 0x25 // data abort, same EL as the one reporting it
)

// EC returns the exception class field (bits [31:26]).
func (s Syndrome) EC() uint8 {
	return uint8((s >> 26) & 0x3f)
}

// ISV reports whether the instruction-specific syndrome (including SRT) is
// valid. It is set only for data/instruction abort exception classes.
func (s Syndrome) ISV() bool {
	return s&(1<<24) != 0
}

// WnR reports whether the faulting access was a write (true) or a read
// (false). Only meaningful when EC is a data abort.
func (s Syndrome) WnR() bool {
	return s&(1<<6) != 0
}

// SRT returns the general-purpose register index associated with the
// faulting instruction, valid only when ISV is true.
func (s Syndrome) SRT() uint8 {
	return uint8((s >> 16) & 0x1f)
}

// SAS returns the access size field: 0=byte, 1=halfword, 2=word, 3=doubleword.
func (s Syndrome) SAS() uint8 {
	return uint8((s >> 22) & 0x3)
}

// ExitInfo describes why VCPU.Run returned.
type ExitInfo struct {
	Reason Syndrome
	Exit   ExitReason

	// FaultAddr is the faulting virtual/guest-physical address reported for
	// an ExitException whose EC is a data abort. It is meaningless for any
	// other exit reason or exception class.
	FaultAddr uint64
}

// VCPU is a single virtual CPU.
type VCPU interface {
	// SetReg writes a general-purpose, PC, or CPSR register.
	SetReg(id RegID, v uint64) error

	// GetReg reads a general-purpose, PC, or CPSR register.
	GetReg(id RegID) (uint64, error)

	// Run resumes the VCPU until it exits for any reason.
	Run() (ExitInfo, error)

	// Close releases the VCPU.
	Close() error
}

// VM is a virtual machine: a guest-physical address space and one VCPU.
type VM interface {
	// Map installs a host-backed guest-physical range with the given
	// permissions. It is called once per region during setup, before any
	// VCPU runs.
	Map(hostMem []byte, gpa uint64, perm Perm) error

	// CreateVCPU creates the machine's single VCPU.
	CreateVCPU() (VCPU, error)

	// Close releases the VM.
	Close() error
}

// Hypervisor creates VMs. It is the single entry point a concrete backend
// (e.g. the kvm package) must supply.
type Hypervisor interface {
	CreateVM() (VM, error)
}
