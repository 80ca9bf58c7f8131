//go:build linux && arm64

// Package kvm implements the abstract host hypervisor primitives on top of
// Linux's KVM ioctl interface for AArch64 guests. It is the concrete
// realization of the hostvm.Hypervisor / hostvm.VM / hostvm.VCPU contracts;
// nothing outside this package and cmd/vmm ever issues a KVM ioctl directly.
package kvm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/ninefold-systems/aavmm/hostvm"
	"golang.org/x/sys/unix"
)

// ioctl request numbers.
const (
	kGetAPIVersion          = 0xae00
	kCreateVM               = 0xae01
	kGetVCPUMmapSize        = 0xae04
	kCreateVCPU             = 0xae41
	kRun                    = 0xae80
	kSetUserMemoryRegion    = 0x4020ae46
	kARMVCPUInit            = 0x4020aeae
	kARMPreferredTarget     = 0x8020aeaf
	kGetOneReg              = 0x4010aeab
	kSetOneReg              = 0x4010aeac
	kCheckExtension         = 0xae03
)

// Cap identifies a KVM extension queried via CheckExtension.
type Cap int

const (
	CapUserMemory       Cap = 3
	CapARMPSCI          Cap = 87
	CapARMVMIPASize     Cap = 165
	CapCheckExtensionVM Cap = 105
	CapImmediateExit    Cap = 136
)

var (
	ErrOpenKVM             = errors.New("kvm: KVM is not available")
	ErrCompat              = errors.New("kvm: incompatible KVM")
	ErrCreate              = errors.New("kvm: create VM failed")
	ErrGetVCPUMmapSize     = errors.New("kvm: get VCPU mmap size failed")
	ErrSetUserMemoryRegion = errors.New("kvm: set user memory region failed")
	ErrCreateVCPU          = errors.New("kvm: create VCPU failed")
	ErrMmapVCPU            = errors.New("kvm: VCPU mmap failed")
	ErrVCPUInit            = errors.New("kvm: VCPU init failed")
	ErrGetOneReg           = errors.New("kvm: get one reg failed")
	ErrSetOneReg           = errors.New("kvm: set one reg failed")
	ErrRun                 = errors.New("kvm: run failed")
)

// System is an open handle to /dev/kvm.
type System struct{ f *os.File }

// Open opens /dev/kvm.
func Open() (*System, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	return &System{f: f}, nil
}

func (s *System) Fd() uintptr { return s.f.Fd() }
func (s *System) Close() error { return s.f.Close() }

// CheckExtension queries a KVM capability against the /dev/kvm handle.
func CheckExtension(sys *System, cap Cap) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCheckExtension, uintptr(cap))
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// UserspaceMemoryRegion has the same layout as struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// VM is a handle to a KVM virtual machine.
type VM struct{ f *os.File }

func (vm *VM) Fd() uintptr  { return vm.f.Fd() }
func (vm *VM) Close() error { return vm.f.Close() }

// CreateVM creates a new KVM VM.
func CreateVM(sys *System) (*VM, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCreateVM, 0)
	if errno != 0 {
		return nil, errno
	}

	return &VM{f: os.NewFile(r, "kvm-vm")}, nil
}

// SetUserMemoryRegion installs a guest-physical memory region backed by host
// userspace memory.
func SetUserMemoryRegion(vm *VM, r *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(r)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetVCPUMmapSize returns the size in bytes of a VCPU's mmaped run struct.
func GetVCPUMmapSize(sys *System) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// VCPU is a handle to a single KVM virtual CPU.
type VCPU struct{ f *os.File }

func (c *VCPU) Fd() uintptr  { return c.f.Fd() }
func (c *VCPU) Close() error { return c.f.Close() }

// CreateVCPU creates VCPU number slot on vm.
func CreateVCPU(vm *VM, slot int) (*VCPU, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateVCPU, uintptr(slot))
	if errno != 0 {
		return nil, errno
	}

	return &VCPU{f: os.NewFile(r, "kvm-vcpu")}, nil
}

// vcpuInit has the same layout as struct kvm_vcpu_init.
type vcpuInit struct {
	Target  uint32
	Feature [7]uint32
}

// PreferredTarget asks KVM for the VCPU init target appropriate for the host.
func PreferredTarget(vm *VM) (uint32, error) {
	var init vcpuInit
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kARMPreferredTarget, uintptr(unsafe.Pointer(&init)))
	if errno != 0 {
		return 0, errno
	}

	return init.Target, nil
}

// InitVCPU runs KVM_ARM_VCPU_INIT with the given target, which must come
// from PreferredTarget.
func InitVCPU(vcpu *VCPU, target uint32) error {
	init := vcpuInit{Target: target}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kARMVCPUInit, uintptr(unsafe.Pointer(&init)))
	if errno != 0 {
		return errno
	}

	return nil
}

// oneReg has the same layout as struct kvm_one_reg.
type oneReg struct {
	ID   uint64
	Addr uint64
}

// ARM64 core register encodings, per the KVM_REG_ARM64 / KVM_REG_ARM_CORE
// scheme: a core register's ID is coreRegBase | (offset into struct kvm_regs / 4).
const (
	regArm64 = 0x6000000000000000
	regSizeU64 = 0x0030000000000000
	coreRegBase = regArm64 | regSizeU64 | 0x0010<<16

	coreRegRegsOff = 0x00 // offsetof(struct kvm_regs, regs.regs[0])
	coreRegPCOff   = 0x100
	coreRegPStateOff = 0x108
)

func coreRegID(byteOff uint64) uint64 {
	return coreRegBase | (byteOff / 4)
}

// regPC and regCPSR are the one_reg IDs for the PC and CPSR (PSTATE).
var (
	regPC   = coreRegID(coreRegPCOff)
	regCPSR = coreRegID(coreRegPStateOff)
)

func regX(n int) uint64 {
	return coreRegID(coreRegRegsOff + uint64(n)*8)
}

// GetOneReg reads a single register by its KVM_REG_ARM64 ID.
func GetOneReg(vcpu *VCPU, id uint64) (uint64, error) {
	var v uint64
	r := oneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&v)))}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetOneReg, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return 0, errno
	}

	return v, nil
}

// SetOneReg writes a single register by its KVM_REG_ARM64 ID.
func SetOneReg(vcpu *VCPU, id uint64, v uint64) error {
	r := oneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&v)))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetOneReg, uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return errno
	}

	return nil
}

// mmioExitData has the same layout as the "mmio" member of the kvm_run exit union.
type mmioExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

// armNISVExitData has the same layout as the "arm_nisv" member of the
// kvm_run exit union: the data-abort case where the syndrome's ISV bit is
// clear and KVM can't pre-decode the access for userspace.
type armNISVExitData struct {
	ESRISS   uint64
	FaultIPA uint64
}

// runState has roughly the same layout as struct kvm_run for AArch64.
type runState struct {
	_              uint8 // requestInterruptWindow (unused, no interrupt injection)
	ImmediateExit  uint8
	_              [6]uint8
	ExitReason     uint32
	_              uint8
	_              uint8
	_              uint16
	_              uint64
	_              uint64
	exitData       [256]uint8
	_              uint64
	_              uint64
	_              [2048]uint8
}

const (
	exitMMIO       = 6
	exitIntr       = 10
	exitShutdown   = 8
	exitException  = 17
	exitArmNISV    = 28
	exitSystemEvent = 24
)

// Run resumes vcpu via KVM_RUN and translates the resulting kvm_run state
// into a hostvm.ExitInfo. Exactly one of the union members in exitData is
// valid, selected by ExitReason.
func Run(vcpu *VCPU, mm []byte) (hostvm.ExitInfo, error) {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kRun, 0)
	if errno != 0 {
		if errno == unix.EINTR {
			return hostvm.ExitInfo{Exit: hostvm.ExitCanceled}, nil
		}

		return hostvm.ExitInfo{}, errno
	}

	state := (*runState)(unsafe.Pointer(&mm[0]))

	switch state.ExitReason {
	case exitArmNISV:
		data := (*armNISVExitData)(unsafe.Pointer(&state.exitData[0]))
		return hostvm.ExitInfo{
			Exit:      hostvm.ExitException,
			Reason:    hostvm.Syndrome(data.ESRISS),
			FaultAddr: data.FaultIPA,
		}, nil

	case exitMMIO:
		data := (*mmioExitData)(unsafe.Pointer(&state.exitData[0]))
		reason := hostvm.Syndrome(hostvm.ECDataAbortLowerEL) << 26
		if data.IsWrite != 0 {
			reason |= 1 << 6 // WnR
		}

		// ISV stays clear: this union member carries no SRT field, so the
		// decoder always falls back to decoding the faulting instruction
		// out of guest RAM, same as it does for the ISV-clear ARM_NISV path.
		return hostvm.ExitInfo{
			Exit:      hostvm.ExitException,
			Reason:    reason,
			FaultAddr: data.PhysAddr,
		}, nil

	case exitSystemEvent:
		return hostvm.ExitInfo{Exit: hostvm.ExitOther}, nil

	case exitShutdown:
		return hostvm.ExitInfo{Exit: hostvm.ExitOther}, nil

	case exitIntr:
		return hostvm.ExitInfo{Exit: hostvm.ExitTimerActivated}, nil

	default:
		return hostvm.ExitInfo{Exit: hostvm.ExitOther}, nil
	}
}
