package vmm

import (
	"errors"
	"fmt"

	"github.com/ninefold-systems/aavmm/hostvm"
)

// cpsrEL1hMaskedDAIF is PSTATE for EL1h (M[3:0]=0b0101) with all four DAIF
// interrupt masks set: kernel mode, every asynchronous interrupt masked.
const cpsrEL1hMaskedDAIF = 0x3c5

var ErrKernelTooLarge = errors.New("vmm: kernel image larger than RAM")

// LoadKernel copies a flat kernel image to the start of RAM and sets up the
// boot ABI: PC = RAM base, CPSR = EL1h with DAIF masked, X0 = 0 (no device
// tree).
func LoadKernel(ram *RAM, vcpu hostvm.VCPU, kernel []byte) error {
	if len(kernel) > len(ram.Bytes()) {
		return fmt.Errorf("%w: %d > %d", ErrKernelTooLarge, len(kernel), len(ram.Bytes()))
	}

	copy(ram.Bytes(), kernel)

	if err := vcpu.SetReg(hostvm.RegPC, RAMBase); err != nil {
		return fmt.Errorf("vmm: set PC: %w", err)
	}

	if err := vcpu.SetReg(hostvm.RegCPSR, cpsrEL1hMaskedDAIF); err != nil {
		return fmt.Errorf("vmm: set CPSR: %w", err)
	}

	if err := vcpu.SetReg(hostvm.RegX(0), 0); err != nil {
		return fmt.Errorf("vmm: set X0: %w", err)
	}

	return nil
}
