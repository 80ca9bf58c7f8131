//go:build linux && arm64

package kvm

import "unsafe"

// uintptrOf returns the address of a byte slice's backing array.
func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
