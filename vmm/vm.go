// Package vmm assembles the exit loop, the emulated UART and GPU devices,
// and guest RAM into one running virtual machine. It depends only on the
// hostvm contract, never on a concrete hypervisor backend, so a test can
// build a VM against hostvm.Fake without touching real hardware.
package vmm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ninefold-systems/aavmm/hostvm"
	"github.com/ninefold-systems/aavmm/uart"
	"github.com/ninefold-systems/aavmm/virtio"
	"github.com/ninefold-systems/aavmm/virtio/gpu"
	"github.com/ninefold-systems/aavmm/virtio/mmio"
)

// MaxIterationsDefault bounds the exit loop when Config.MaxIterations is 0.
const MaxIterationsDefault = 50_000_000

var (
	ErrConfig     = errors.New("vmm: invalid config")
	ErrCreateVM   = errors.New("vmm: create VM failed")
	ErrMapMemory  = errors.New("vmm: map memory failed")
	ErrCreateVCPU = errors.New("vmm: create VCPU failed")
	ErrLoadKernel = errors.New("vmm: load kernel failed")
)

// Config describes a VM to create. Hypervisor is the only way this package
// reaches a real backend; tests supply a hostvm.Fake instead.
type Config struct {
	Hypervisor hostvm.Hypervisor

	// Kernel is the flat kernel image, copied byte-for-byte to RAM base.
	Kernel []byte

	// PPMPrefix is the path prefix RESOURCE_FLUSH snapshots are written
	// under. Defaults to "screen".
	PPMPrefix string

	// MaxIterations bounds the exit loop. 0 selects MaxIterationsDefault.
	MaxIterations int

	// UARTOut receives the guest's UART character output. Defaults to
	// os.Stdout.
	UARTOut io.Writer
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = MaxIterationsDefault
	}

	if cfg.PPMPrefix == "" {
		cfg.PPMPrefix = "screen"
	}

	if cfg.UARTOut == nil {
		cfg.UARTOut = os.Stdout
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Hypervisor == nil {
		return fmt.Errorf("%w: hypervisor is not set", ErrConfig)
	}

	if len(cfg.Kernel) == 0 {
		return fmt.Errorf("%w: kernel is empty", ErrConfig)
	}

	return nil
}

// VM is a running (or ready-to-run) virtual machine: one hypervisor-backed
// VM and VCPU, guest RAM, and the two emulated devices.
type VM struct {
	hvVM hostvm.VM
	vcpu hostvm.VCPU

	ram  *RAM
	uart *uart.Device

	gpuHandler *gpu.Handler
	gpu        *mmio.Device

	maxIterations int
}

// New creates a VM, maps its RAM, creates its single VCPU, and loads the
// kernel image per the boot ABI. The VM is ready to Run.
func New(cfg Config) (*VM, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	hvVM, err := cfg.Hypervisor.CreateVM()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateVM, err)
	}

	mem := make([]byte, RAMSize)
	if err := hvVM.Map(mem, RAMBase, hostvm.PermRead|hostvm.PermWrite|hostvm.PermExec); err != nil {
		hvVM.Close()
		return nil, fmt.Errorf("%w: %w", ErrMapMemory, err)
	}

	vcpu, err := hvVM.CreateVCPU()
	if err != nil {
		hvVM.Close()
		return nil, fmt.Errorf("%w: %w", ErrCreateVCPU, err)
	}

	ram := NewRAM(mem)
	uartDev := uart.New(cfg.UARTOut)
	gpuHandler := gpu.New(ram.At, gpu.FileSnapshotter{Prefix: cfg.PPMPrefix})
	gpuTransport := mmio.New(virtio.GPUDeviceID, gpuHandler, ram.At)

	v := &VM{
		hvVM:          hvVM,
		vcpu:          vcpu,
		ram:           ram,
		uart:          uartDev,
		gpuHandler:    gpuHandler,
		gpu:           gpuTransport,
		maxIterations: cfg.MaxIterations,
	}

	if err := LoadKernel(ram, vcpu, cfg.Kernel); err != nil {
		v.Close()
		return nil, fmt.Errorf("%w: %w", ErrLoadKernel, err)
	}

	return v, nil
}

// FlushCount reports how many RESOURCE_FLUSH commands the GPU has answered.
func (vm *VM) FlushCount() uint64 {
	return vm.gpuHandler.FlushCount()
}

// Close releases the VCPU, then the VM, in that order: the reverse of
// acquisition. RAM is an ordinary Go slice and needs no explicit release.
func (vm *VM) Close() error {
	var err error

	if vm.vcpu != nil {
		err = errors.Join(err, vm.vcpu.Close())
	}

	if vm.hvVM != nil {
		err = errors.Join(err, vm.hvVM.Close())
	}

	return err
}
