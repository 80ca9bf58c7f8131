//go:build linux && arm64

package kvm_test

import (
	"testing"

	"github.com/ninefold-systems/aavmm/kvm"
)

func TestOpenAndCreateVM(t *testing.T) {
	sys, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}

	defer sys.Close()

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()
}

func TestCheckExtension(t *testing.T) {
	sys, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}

	defer sys.Close()

	if _, err := kvm.CheckExtension(sys, kvm.CapUserMemory); err != nil {
		t.Fatal(err)
	}
}
