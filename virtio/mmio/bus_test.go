package mmio_test

import (
	"encoding/binary"
	"testing"

	"github.com/ninefold-systems/aavmm/virtio"
	"github.com/ninefold-systems/aavmm/virtio/mmio"
)

type fakeRAM []byte

func (r fakeRAM) at(addr uint64, size int) ([]byte, error) {
	return r[addr : addr+uint64(size)], nil
}

type fakeHandler struct {
	commands int
	resets   int
	written  int
}

func (h *fakeHandler) HandleCommand(queue int, cmd, resp []byte) int {
	h.commands++
	return h.written
}

func (h *fakeHandler) ReadConfig(p []byte, off int) {}

func (h *fakeHandler) Reset() {
	h.resets++
}

var le = binary.LittleEndian

func reg(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func TestIdentityRegisters(t *testing.T) {
	h := &fakeHandler{}
	d := mmio.New(virtio.GPUDeviceID, h, fakeRAM(nil).at)

	cases := []struct {
		off  int
		want uint32
	}{
		{0x000, virtio.MagicValue},
		{0x004, virtio.Version},
		{0x008, uint32(virtio.GPUDeviceID)},
		{0x00c, virtio.VendorID},
		{0x010, virtio.DeviceFeatures},
	}

	for _, c := range cases {
		buf := make([]byte, 4)
		if err := d.ReadMMIO(c.off, buf); err != nil {
			t.Fatal(err)
		}

		if got := le.Uint32(buf); got != c.want {
			t.Errorf("offset %#x = %#x, want %#x", c.off, got, c.want)
		}
	}
}

func TestStatusZeroResetsDevice(t *testing.T) {
	h := &fakeHandler{}
	d := mmio.New(virtio.GPUDeviceID, h, fakeRAM(nil).at)

	if err := d.WriteMMIO(0x030, reg(0)); err != nil { // QueueSel = 0
		t.Fatal(err)
	}

	if err := d.WriteMMIO(0x038, reg(4)); err != nil { // QueueNum = 4
		t.Fatal(err)
	}

	if err := d.WriteMMIO(0x044, reg(1)); err != nil { // QueueReady = 1
		t.Fatal(err)
	}

	if err := d.WriteMMIO(0x070, reg(0)); err != nil { // Status = 0 -> reset
		t.Fatal(err)
	}

	if h.resets != 1 {
		t.Fatalf("handler.Reset called %d times, want 1", h.resets)
	}

	buf := make([]byte, 4)
	if err := d.ReadMMIO(0x044, buf); err != nil {
		t.Fatal(err)
	}

	if le.Uint32(buf) != 0 {
		t.Fatalf("QueueReady after reset = %d, want 0", le.Uint32(buf))
	}
}

func TestOutOfRangeQueueSelDropped(t *testing.T) {
	h := &fakeHandler{}
	d := mmio.New(virtio.GPUDeviceID, h, fakeRAM(nil).at)

	if err := d.WriteMMIO(0x030, reg(7)); err != nil { // QueueSel = 7, out of range
		t.Fatal(err)
	}

	if err := d.WriteMMIO(0x038, reg(256)); err != nil { // QueueNum, should be dropped
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	if err := d.ReadMMIO(0x044, buf); err != nil {
		t.Fatal(err)
	}

	if le.Uint32(buf) != 0 {
		t.Fatalf("QueueReady for an out-of-range selector = %d, want 0", le.Uint32(buf))
	}
}

func TestQueueNotifyDrainsReadyQueue(t *testing.T) {
	const (
		descBase  = 0x1000
		availBase = 0x2000
		usedBase  = 0x3000
		bufBase   = 0x4000
	)

	ram := make(fakeRAM, 0x10000)

	// one descriptor: write-only response buffer, no NEXT
	le.PutUint64(ram[descBase+0:descBase+8], bufBase)
	le.PutUint32(ram[descBase+8:descBase+12], 8)
	le.PutUint16(ram[descBase+12:descBase+14], 2) // WRITE

	le.PutUint16(ram[availBase+2:availBase+4], 1) // avail.idx = 1
	le.PutUint16(ram[availBase+4:availBase+6], 0) // avail.ring[0] = 0

	h := &fakeHandler{written: 8}
	d := mmio.New(virtio.GPUDeviceID, h, ram.at)

	write64 := func(off int, v uint64) {
		d.WriteMMIO(off, reg(uint32(v)))
		d.WriteMMIO(off+4, reg(uint32(v>>32)))
	}

	d.WriteMMIO(0x030, reg(0)) // QueueSel = 0
	write64(0x080, descBase)   // QueueDescLow/High
	write64(0x090, availBase)  // QueueAvailLow/High
	write64(0x0a0, usedBase)   // QueueUsedLow/High
	d.WriteMMIO(0x038, reg(4)) // QueueNum = 4
	d.WriteMMIO(0x044, reg(1)) // QueueReady = 1

	if err := d.WriteMMIO(0x050, reg(0)); err != nil { // QueueNotify = 0
		t.Fatal(err)
	}

	if h.commands != 1 {
		t.Fatalf("handler invoked %d times, want 1", h.commands)
	}

	if idx := le.Uint16(ram[usedBase+2 : usedBase+4]); idx != 1 {
		t.Fatalf("used.idx = %d, want 1", idx)
	}
}
