package vmm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ninefold-systems/aavmm/hostvm"
)

var (
	// ErrUnhandledException means the syndrome's exception class is outside
	// the set this decoder understands.
	ErrUnhandledException = errors.New("vmm: unhandled exception class")

	// ErrUnhandledExit means VCPU.Run returned an exit reason this loop
	// doesn't otherwise name.
	ErrUnhandledExit = errors.New("vmm: unhandled exit reason")

	// ErrRun wraps a hypervisor-level failure from VCPU.Run.
	ErrRun = errors.New("vmm: vcpu run failed")
)

// iodevice is the shape both uart.Device and mmio.Device present: a 4 KiB
// register file addressed by a 32-bit-aligned offset.
type iodevice interface {
	ReadMMIO(off int, p []byte) error
	WriteMMIO(off int, p []byte) error
}

var le = binary.LittleEndian

// Run drives the vCPU: it alternates between VCPU.Run (the only suspension
// point) and synchronous exit handling until a WFI/halt exception, a
// cancellation, an unhandled exit reason, or maxIterations is reached.
// Reaching maxIterations or a WFI halt are both clean terminations; an
// unhandled exit reason or exception class is not.
func (vm *VM) Run(ctx context.Context) error {
	for i := 0; vm.maxIterations == 0 || i < vm.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil
		}

		info, err := vm.vcpu.Run()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRun, err)
		}

		switch info.Exit {
		case hostvm.ExitCanceled:
			return nil

		case hostvm.ExitTimerActivated:
			continue

		case hostvm.ExitException:
			halted, err := vm.handleException(info)
			if err != nil {
				return err
			}

			if halted {
				return nil
			}

		default:
			return fmt.Errorf("%w: %s", ErrUnhandledExit, info.Exit)
		}
	}

	slog.Warn("vmm: iteration ceiling reached")
	return nil
}

// handleException classifies one ExitException by its exception class and
// dispatches it. It reports halted=true only for a WFI/WFE trap.
func (vm *VM) handleException(info hostvm.ExitInfo) (halted bool, err error) {
	pc, err := vm.vcpu.GetReg(hostvm.RegPC)
	if err != nil {
		return false, fmt.Errorf("vmm: get PC: %w", err)
	}

	switch ec := info.Reason.EC(); ec {
	case hostvm.ECDataAbortLowerEL, hostvm.ECDataAbortSameEL:
		if err := vm.dispatchDataAbort(info); err != nil {
			return false, err
		}

		return false, vm.advancePC(pc)

	case hostvm.ECHVC64:
		slog.Info("vmm: HVC trap", "pc", fmt.Sprintf("%#x", pc))
		return false, vm.advancePC(pc)

	case hostvm.ECWFx:
		slog.Info("vmm: WFI/WFE halt", "pc", fmt.Sprintf("%#x", pc))
		return true, nil

	default:
		return false, fmt.Errorf("%w: ec=%#x syndrome=%#x pc=%#x", ErrUnhandledException, ec, uint64(info.Reason), pc)
	}
}

func (vm *VM) advancePC(pc uint64) error {
	if err := vm.vcpu.SetReg(hostvm.RegPC, pc+4); err != nil {
		return fmt.Errorf("vmm: advance PC: %w", err)
	}

	return nil
}

// dispatchDataAbort decodes the faulting register and direction, routes the
// access to UART, GPU, or nowhere (unknown MMIO address), and propagates the
// 32-bit value between that register and the device.
func (vm *VM) dispatchDataAbort(info hostvm.ExitInfo) error {
	pc, err := vm.vcpu.GetReg(hostvm.RegPC)
	if err != nil {
		return fmt.Errorf("vmm: get PC: %w", err)
	}

	store := info.Reason.WnR()

	var rt uint8
	if store || !info.Reason.ISV() {
		// ISV is unreliable for MMIO stores on this host; always decode the
		// faulting instruction in that case. For loads, fall back to the
		// same decode only if ISV didn't already give us SRT.
		rt, err = decodeRt(vm.ram, pc)
		if err != nil {
			return fmt.Errorf("vmm: decode faulting instruction: %w", err)
		}
	} else {
		rt = info.Reason.SRT()
	}

	dev, off := vm.routeMMIO(info.FaultAddr)

	var buf [4]byte

	if store {
		var v uint64
		if rt != 31 { // X31 read as zero, never fetched from a register
			v, err = vm.vcpu.GetReg(hostvm.RegX(int(rt)))
			if err != nil {
				return fmt.Errorf("vmm: get X%d: %w", rt, err)
			}
		}

		le.PutUint32(buf[:], uint32(v))

		if dev == nil {
			return nil // unknown MMIO address: store silently dropped
		}

		if err := dev.WriteMMIO(off, buf[:]); err != nil {
			slog.Warn("vmm: device write failed", "addr", fmt.Sprintf("%#x", info.FaultAddr), "err", err)
		}

		return nil
	}

	if dev != nil {
		if err := dev.ReadMMIO(off, buf[:]); err != nil {
			slog.Warn("vmm: device read failed", "addr", fmt.Sprintf("%#x", info.FaultAddr), "err", err)
		}
	}
	// unknown MMIO address: buf stays zero

	if rt == 31 { // writes to X31 on load are a no-op
		return nil
	}

	if err := vm.vcpu.SetReg(hostvm.RegX(int(rt)), uint64(le.Uint32(buf[:]))); err != nil {
		return fmt.Errorf("vmm: set X%d: %w", rt, err)
	}

	return nil
}

// decodeRt fetches the 32-bit instruction at pc from guest RAM and extracts
// bits [4:0], the register index encoded by every load/store instruction
// this VMM needs to decode.
func decodeRt(ram *RAM, pc uint64) (uint8, error) {
	b, err := ram.At(pc, 4)
	if err != nil {
		return 0, err
	}

	return uint8(le.Uint32(b) & 0x1f), nil
}

// routeMMIO maps a faulting guest-physical address to its device and the
// offset within that device's register file, or (nil, 0) if the address
// isn't in either device's range.
func (vm *VM) routeMMIO(addr uint64) (iodevice, int) {
	if off, ok := mmioRange(UARTBase, addr); ok {
		return vm.uart, off
	}

	if off, ok := mmioRange(GPUBase, addr); ok {
		return vm.gpu, off
	}

	return nil, 0
}
