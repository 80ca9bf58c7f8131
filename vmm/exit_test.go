package vmm_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/ninefold-systems/aavmm/hostvm"
	"github.com/ninefold-systems/aavmm/vmm"
)

func syndrome(ec uint8, bits ...uint64) hostvm.Syndrome {
	v := uint64(ec) << 26
	for _, b := range bits {
		v |= b
	}

	return hostvm.Syndrome(v)
}

const wnrBit = 1 << 6

func TestRunUARTStoreAdvancesPCAndEchoes(t *testing.T) {
	fake := &hostvm.Fake{
		Exits: []hostvm.ExitInfo{
			{Exit: hostvm.ExitException, Reason: syndrome(hostvm.ECDataAbortLowerEL, wnrBit), FaultAddr: vmm.UARTBase},
			{Exit: hostvm.ExitException, Reason: syndrome(hostvm.ECWFx)},
		},
	}

	fake.SetReg(hostvm.RegX(2), 0x48) // 'H'

	kernel := make([]byte, 16)
	binary.LittleEndian.PutUint32(kernel[0:4], 2) // decoded Rt = 2

	var out bytes.Buffer
	m, err := vmm.New(vmm.Config{Hypervisor: fake, Kernel: kernel, UARTOut: &out})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if out.String() != "H" {
		t.Fatalf("uart output = %q, want %q", out.String(), "H")
	}

	pc, _ := fake.GetReg(hostvm.RegPC)
	if pc != vmm.RAMBase+4 {
		t.Fatalf("PC = %#x, want %#x", pc, vmm.RAMBase+4)
	}
}

func TestRunUnknownMMIOAddressStoreDropped(t *testing.T) {
	fake := &hostvm.Fake{
		Exits: []hostvm.ExitInfo{
			{Exit: hostvm.ExitException, Reason: syndrome(hostvm.ECDataAbortLowerEL, wnrBit), FaultAddr: 0x0000_1234},
			{Exit: hostvm.ExitException, Reason: syndrome(hostvm.ECWFx)},
		},
	}

	fake.SetReg(hostvm.RegX(2), 0xff)

	kernel := make([]byte, 16)
	binary.LittleEndian.PutUint32(kernel[0:4], 2)

	var out bytes.Buffer
	m, err := vmm.New(vmm.Config{Hypervisor: fake, Kernel: kernel, UARTOut: &out})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if out.Len() != 0 {
		t.Fatalf("expected no UART output, got %q", out.String())
	}

	pc, _ := fake.GetReg(hostvm.RegPC)
	if pc != vmm.RAMBase+4 {
		t.Fatalf("PC = %#x, want %#x (still advances on unknown address)", pc, vmm.RAMBase+4)
	}
}

func TestRunZeroRegisterStoreWritesZero(t *testing.T) {
	fake := &hostvm.Fake{
		Exits: []hostvm.ExitInfo{
			{Exit: hostvm.ExitException, Reason: syndrome(hostvm.ECDataAbortLowerEL, wnrBit), FaultAddr: vmm.UARTBase},
			{Exit: hostvm.ExitException, Reason: syndrome(hostvm.ECWFx)},
		},
	}

	kernel := make([]byte, 16)
	binary.LittleEndian.PutUint32(kernel[0:4], 31) // Rt = 31, the zero register

	var out bytes.Buffer
	m, err := vmm.New(vmm.Config{Hypervisor: fake, Kernel: kernel, UARTOut: &out})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if out.Len() != 1 || out.Bytes()[0] != 0 {
		t.Fatalf("uart output = %v, want a single 0 byte", out.Bytes())
	}
}

func TestRunHVCAdvancesAndResumes(t *testing.T) {
	fake := &hostvm.Fake{
		Exits: []hostvm.ExitInfo{
			{Exit: hostvm.ExitException, Reason: syndrome(hostvm.ECHVC64)},
			{Exit: hostvm.ExitException, Reason: syndrome(hostvm.ECWFx)},
		},
	}

	kernel := make([]byte, 16)

	m, err := vmm.New(vmm.Config{Hypervisor: fake, Kernel: kernel})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	pc, _ := fake.GetReg(hostvm.RegPC)
	if pc != vmm.RAMBase+4 {
		t.Fatalf("PC = %#x, want %#x", pc, vmm.RAMBase+4)
	}
}

func TestRunUnhandledExceptionClassErrors(t *testing.T) {
	fake := &hostvm.Fake{
		Exits: []hostvm.ExitInfo{
			{Exit: hostvm.ExitException, Reason: syndrome(0x3f)},
		},
	}

	kernel := make([]byte, 16)

	m, err := vmm.New(vmm.Config{Hypervisor: fake, Kernel: kernel})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected error for unhandled exception class")
	}
}

func TestRunCanceledExitIsClean(t *testing.T) {
	fake := &hostvm.Fake{
		Exits: []hostvm.ExitInfo{
			{Exit: hostvm.ExitCanceled},
		},
	}

	kernel := make([]byte, 16)

	m, err := vmm.New(vmm.Config{Hypervisor: fake, Kernel: kernel})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("canceled exit should be a clean return, got %v", err)
	}
}
