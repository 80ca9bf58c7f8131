//go:build linux && arm64

package kvm

import (
	"fmt"

	"github.com/ninefold-systems/aavmm/hostvm"
	"golang.org/x/sys/unix"
)

// Hypervisor adapts the ioctl primitives in this package to the
// hostvm.Hypervisor contract. It owns the open /dev/kvm handle.
type Hypervisor struct {
	sys *System
}

// New opens /dev/kvm and validates the extensions this VMM requires.
func New() (*Hypervisor, error) {
	sys, err := Open()
	if err != nil {
		return nil, err
	}

	for _, cap := range []Cap{CapUserMemory, CapCheckExtensionVM} {
		v, err := CheckExtension(sys, cap)
		if err != nil {
			sys.Close()
			return nil, fmt.Errorf("%w: %w", ErrCompat, err)
		}

		if v < 1 {
			sys.Close()
			return nil, fmt.Errorf("%w: missing cap %d", ErrCompat, cap)
		}
	}

	return &Hypervisor{sys: sys}, nil
}

func (h *Hypervisor) Close() error {
	return h.sys.Close()
}

func (h *Hypervisor) CreateVM() (hostvm.VM, error) {
	vm, err := CreateVM(h.sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	mmsz, err := GetVCPUMmapSize(h.sys)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("%w: %w", ErrGetVCPUMmapSize, err)
	}

	return &vmAdapter{vm: vm, mmsz: mmsz}, nil
}

type vmAdapter struct {
	vm   *VM
	mmsz int
}

func (a *vmAdapter) Map(hostMem []byte, gpa uint64, perm hostvm.Perm) error {
	if len(hostMem) == 0 {
		return nil
	}

	r := UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(hostMem)),
		UserspaceAddr: uint64(uintptrOf(hostMem)),
	}

	if err := SetUserMemoryRegion(a.vm, &r); err != nil {
		return fmt.Errorf("%w: %w", ErrSetUserMemoryRegion, err)
	}

	return nil
}

func (a *vmAdapter) CreateVCPU() (hostvm.VCPU, error) {
	c, err := CreateVCPU(a.vm, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateVCPU, err)
	}

	mm, err := unix.Mmap(int(c.Fd()), 0, a.mmsz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %w", ErrMmapVCPU, err)
	}

	target, err := PreferredTarget(a.vm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVCPUInit, err)
	}

	if err := InitVCPU(c, target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVCPUInit, err)
	}

	return &vcpuAdapter{vcpu: c, mm: mm}, nil
}

func (a *vmAdapter) Close() error {
	return a.vm.Close()
}

type vcpuAdapter struct {
	vcpu *VCPU
	mm   []byte
}

func (a *vcpuAdapter) SetReg(id hostvm.RegID, v uint64) error {
	rid, err := a.regID(id)
	if err != nil {
		return err
	}

	if err := SetOneReg(a.vcpu, rid, v); err != nil {
		return fmt.Errorf("%w: %w", ErrSetOneReg, err)
	}

	return nil
}

func (a *vcpuAdapter) GetReg(id hostvm.RegID) (uint64, error) {
	rid, err := a.regID(id)
	if err != nil {
		return 0, err
	}

	v, err := GetOneReg(a.vcpu, rid)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrGetOneReg, err)
	}

	return v, nil
}

func (a *vcpuAdapter) regID(id hostvm.RegID) (uint64, error) {
	switch id {
	case hostvm.RegPC:
		return regPC, nil
	case hostvm.RegCPSR:
		return regCPSR, nil
	default:
		n := int(id)
		if n < 0 || n > 30 {
			return 0, fmt.Errorf("kvm: register id %d out of range", id)
		}

		return regX(n), nil
	}
}

func (a *vcpuAdapter) Run() (hostvm.ExitInfo, error) {
	return Run(a.vcpu, a.mm)
}

func (a *vcpuAdapter) Close() error {
	unix.Munmap(a.mm)
	return a.vcpu.Close()
}
