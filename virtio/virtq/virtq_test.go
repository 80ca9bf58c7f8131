package virtq_test

import (
	"encoding/binary"
	"testing"

	"github.com/ninefold-systems/aavmm/virtio/virtq"
)

// fakeRAM backs a MemAt over a flat byte slice addressed from 0.
type fakeRAM []byte

func (r fakeRAM) at(addr uint64, size int) ([]byte, error) {
	return r[addr : addr+uint64(size)], nil
}

const (
	descBase  = 0x1000
	availBase = 0x2000
	usedBase  = 0x3000
	bufBase   = 0x4000
)

func layout() fakeRAM {
	return make(fakeRAM, 0x10000)
}

func putDesc(ram fakeRAM, idx int, d virtq.Desc) {
	b := ram[descBase+idx*16 : descBase+idx*16+16]
	le := binary.LittleEndian
	le.PutUint64(b[0:8], d.Addr)
	le.PutUint32(b[8:12], d.Len)
	le.PutUint16(b[12:14], d.Flags)
	le.PutUint16(b[14:16], d.Next)
}

func setAvail(ram fakeRAM, idx uint16, ring []uint16) {
	le := binary.LittleEndian
	le.PutUint16(ram[availBase+2:availBase+4], idx)
	for i, h := range ring {
		le.PutUint16(ram[availBase+4+i*2:availBase+4+i*2+2], h)
	}
}

func usedIdx(ram fakeRAM) uint16 {
	return binary.LittleEndian.Uint16(ram[usedBase+2 : usedBase+4])
}

func usedElem(ram fakeRAM, slot int) (id, length uint32) {
	le := binary.LittleEndian
	off := usedBase + 4 + slot*8
	return le.Uint32(ram[off : off+4]), le.Uint32(ram[off+4 : off+8])
}

func TestDrainNotReady(t *testing.T) {
	ram := layout()
	q := &virtq.State{Num: 4}

	n, err := virtq.Drain(ram.at, q, func(cmd, resp []byte) int { return 0 })
	if err != nil {
		t.Fatal(err)
	}

	if n != 0 {
		t.Fatalf("processed %d chains while not ready", n)
	}
}

func TestDrainOneChain(t *testing.T) {
	ram := layout()

	// descriptor 0: command buffer (RO), chains to descriptor 1
	putDesc(ram, 0, virtq.Desc{Addr: bufBase, Len: 8, Flags: virtq.DescFNext, Next: 1})
	// descriptor 1: response buffer (WO)
	putDesc(ram, 1, virtq.Desc{Addr: bufBase + 0x100, Len: 16, Flags: virtq.DescFWrite})

	setAvail(ram, 1, []uint16{0})

	q := &virtq.State{
		Num:      4,
		DescGPA:  descBase,
		AvailGPA: availBase,
		UsedGPA:  usedBase,
		Ready:    true,
	}

	var gotCmdLen, gotRespLen int
	n, err := virtq.Drain(ram.at, q, func(cmd, resp []byte) int {
		gotCmdLen = len(cmd)
		gotRespLen = len(resp)
		return 5
	})

	if err != nil {
		t.Fatal(err)
	}

	if n != 1 {
		t.Fatalf("processed %d != 1", n)
	}

	if gotCmdLen != 8 || gotRespLen != 16 {
		t.Fatalf("cmd/resp lens %d/%d != 8/16", gotCmdLen, gotRespLen)
	}

	if q.LastAvailIdx != 1 {
		t.Fatalf("LastAvailIdx %d != 1", q.LastAvailIdx)
	}

	if q.UsedIdx != 1 || usedIdx(ram) != 1 {
		t.Fatalf("used.idx not published: state=%d ring=%d", q.UsedIdx, usedIdx(ram))
	}

	id, length := usedElem(ram, 0)
	if id != 0 || length != 5 {
		t.Fatalf("used elem {%d,%d} != {0,5}", id, length)
	}
}

func TestDrainProcessesInOrder(t *testing.T) {
	ram := layout()

	for i := 0; i < 3; i++ {
		putDesc(ram, i, virtq.Desc{Addr: bufBase, Len: 4, Flags: virtq.DescFWrite})
	}

	setAvail(ram, 3, []uint16{2, 0, 1})

	q := &virtq.State{
		Num:      4,
		DescGPA:  descBase,
		AvailGPA: availBase,
		UsedGPA:  usedBase,
		Ready:    true,
	}

	var order []int
	n, err := virtq.Drain(ram.at, q, func(cmd, resp []byte) int {
		order = append(order, len(order))
		return 1
	})

	if err != nil {
		t.Fatal(err)
	}

	if n != 3 {
		t.Fatalf("processed %d != 3", n)
	}

	for slot := 0; slot < 3; slot++ {
		id, _ := usedElem(ram, slot)
		want := []uint32{2, 0, 1}[slot]
		if id != want {
			t.Errorf("used.ring[%d].id = %d, want %d", slot, id, want)
		}
	}

	if q.UsedIdx != 3 {
		t.Fatalf("UsedIdx %d != 3", q.UsedIdx)
	}
}

func TestDrainChainBoundedByNum(t *testing.T) {
	ram := layout()

	// a malicious/corrupt cycle: 0 -> 1 -> 0 -> ...
	putDesc(ram, 0, virtq.Desc{Addr: bufBase, Len: 1, Flags: virtq.DescFNext, Next: 1})
	putDesc(ram, 1, virtq.Desc{Addr: bufBase, Len: 1, Flags: virtq.DescFNext, Next: 0})

	setAvail(ram, 1, []uint16{0})

	q := &virtq.State{
		Num:      2,
		DescGPA:  descBase,
		AvailGPA: availBase,
		UsedGPA:  usedBase,
		Ready:    true,
	}

	if _, err := virtq.Drain(ram.at, q, func(cmd, resp []byte) int { return 0 }); err != nil {
		t.Fatal(err)
	}
}
