package vmm

import "fmt"

const (
	// RAMBase is the guest-physical address where RAM starts.
	RAMBase = 0x7000_0000

	// RAMSize is the fixed size of the guest's RAM region.
	RAMSize = 512 << 20

	// UARTBase and GPUBase are the fixed guest-physical addresses of the two
	// emulated devices. Neither range is backed by RAM; accesses to it fault
	// into the exit loop instead.
	UARTBase = 0x0900_0000
	GPUBase  = 0x0A00_0000

	mmioRangeSize = 0x1000
)

// RAM is the guest-physical memory accessor: it resolves an address to a
// byte slice backed by host memory, or reports that the address isn't
// within the RAM region. No bounds beyond [RAMBase, RAMBase+len) are
// enforced, where len is the length of the backing slice.
type RAM struct {
	bytes []byte
}

// NewRAM wraps a host byte slice as guest RAM starting at RAMBase. The
// slice's length is the RAM size; New passes a slice of RAMSize bytes.
func NewRAM(bytes []byte) *RAM {
	return &RAM{bytes: bytes}
}

// At resolves a guest-physical address to a byte slice of the given size.
func (r *RAM) At(gpa uint64, size int) ([]byte, error) {
	if size < 0 || gpa < RAMBase {
		return nil, fmt.Errorf("vmm: address %#x not in RAM", gpa)
	}

	off := gpa - RAMBase
	end := off + uint64(size)

	if end > uint64(len(r.bytes)) {
		return nil, fmt.Errorf("vmm: address %#x+%d not in RAM", gpa, size)
	}

	return r.bytes[off:end], nil
}

// Bytes returns the whole backing slice, for use by the loader.
func (r *RAM) Bytes() []byte {
	return r.bytes
}

// mmioRange reports whether addr falls in the fixed 4 KiB window
// [base, base+0x1000) and, if so, its offset within that window.
func mmioRange(base, addr uint64) (int, bool) {
	if addr < base || addr >= base+mmioRangeSize {
		return 0, false
	}

	return int(addr - base), true
}
