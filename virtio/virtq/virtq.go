// Package virtq implements the split-virtqueue layout of the VIRTIO 1.x
// wire format: a descriptor table, an avail ring, and a used ring, all read
// directly out of guest memory. The API separates "how a queue is read" (the
// MemAt accessor and the chain-walking in this file) from "who owns the
// queue" (State, owned by the virtio-mmio transport, and Drain, the single
// entry point the transport calls on queue-notify).
package virtq

import (
	"encoding/binary"
	"fmt"
)

// Desc is a split-ring descriptor: 16 bytes, naturally aligned.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	DescFNext  = 1 // buffer continues in the descriptor named by Next
	DescFWrite = 2 // buffer is device write-only (otherwise device read-only)
)

const descSize = 16

// MemAt resolves a guest-physical address to a byte slice of the given
// length, or reports that the range isn't backed by guest RAM. It is the
// same accessor vmm.RAM.At exposes, passed down so this package never
// depends on the vmm package.
type MemAt func(addr uint64, size int) ([]byte, error)

// State is the per-queue state the virtio-mmio transport owns. Num is what
// the guest configured via QueueNum.
type State struct {
	Num      uint32
	DescGPA  uint64
	AvailGPA uint64
	UsedGPA  uint64
	Ready    bool

	// LastAvailIdx is the last avail-ring entry this queue has consumed. It
	// tracks avail.idx modulo Num and never leads it.
	LastAvailIdx uint16

	// UsedIdx is the next used-ring slot this queue will publish into. It's
	// device-owned shadow state: the guest only ever reads used.idx, never
	// writes it.
	UsedIdx uint16
}

// Reset clears q back to its power-on defaults.
func (q *State) Reset() {
	*q = State{}
}

var le = binary.LittleEndian

// readDesc reads descriptor index idx (0 <= idx < num) from the table at descGPA.
func readDesc(mem MemAt, descGPA uint64, idx uint16) (Desc, error) {
	b, err := mem(descGPA+uint64(idx)*descSize, descSize)
	if err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  le.Uint64(b[0:8]),
		Len:   le.Uint32(b[8:12]),
		Flags: le.Uint16(b[12:14]),
		Next:  le.Uint16(b[14:16]),
	}, nil
}

// availIdx reads the avail ring's idx field.
func availIdx(mem MemAt, availGPA uint64) (uint16, error) {
	b, err := mem(availGPA+2, 2)
	if err != nil {
		return 0, err
	}

	return le.Uint16(b), nil
}

// availRingEntry reads avail.ring[ringIdx], the head descriptor index of a
// submitted chain.
func availRingEntry(mem MemAt, availGPA uint64, ringIdx uint16) (uint16, error) {
	b, err := mem(availGPA+4+uint64(ringIdx)*2, 2)
	if err != nil {
		return 0, err
	}

	return le.Uint16(b), nil
}

// writeUsedElem stores {id, len} into used.ring[slot].
func writeUsedElem(mem MemAt, usedGPA uint64, slot uint16, id, length uint32) error {
	b, err := mem(usedGPA+4+uint64(slot)*8, 8)
	if err != nil {
		return err
	}

	le.PutUint32(b[0:4], id)
	le.PutUint32(b[4:8], length)
	return nil
}

// publishUsedIdx stores used.idx. It must be called only after the
// corresponding writeUsedElem, so a polling guest never observes an
// incremented idx pointing at a stale slot.
func publishUsedIdx(mem MemAt, usedGPA uint64, idx uint16) error {
	b, err := mem(usedGPA+2, 2)
	if err != nil {
		return err
	}

	le.PutUint16(b, idx)
	return nil
}

// Chain is one descriptor chain resolved to its command and response
// buffers. Either buffer may be nil if the chain didn't contain a
// descriptor of that direction.
type Chain struct {
	Head uint16
	Cmd  []byte
	Resp []byte
}

// walkChain follows the NEXT-linked chain rooted at head, bounded by num
// descriptors (ring-cycle safety: a corrupt or malicious chain can't loop
// forever). The first device-read-only descriptor becomes Cmd; the first
// device-write-only descriptor becomes Resp. Later descriptors of either
// direction in the same chain are ignored, matching the GPU control
// protocol's exactly-one-in/exactly-one-out shape.
func walkChain(mem MemAt, descGPA uint64, num uint32, head uint16) (Chain, error) {
	c := Chain{Head: head}

	idx := head
	for i := uint32(0); i < num; i++ {
		d, err := readDesc(mem, descGPA, idx)
		if err != nil {
			return Chain{}, err
		}

		buf, err := mem(d.Addr, int(d.Len))
		if err != nil {
			return Chain{}, fmt.Errorf("virtq: descriptor %d: %w", idx, err)
		}

		if d.Flags&DescFWrite != 0 {
			if c.Resp == nil {
				c.Resp = buf
			}
		} else {
			if c.Cmd == nil {
				c.Cmd = buf
			}
		}

		if d.Flags&DescFNext == 0 {
			break
		}

		idx = d.Next
	}

	return c, nil
}

// Handler processes one descriptor chain's command buffer and writes its
// response into resp, returning the number of bytes written. It must not
// retain cmd or resp past the call.
type Handler func(cmd, resp []byte) int

// Drain iterates every new avail-ring entry on q, invokes handle for each,
// and publishes a used-ring entry per invocation in the same order. It
// returns the number of chains processed.
func Drain(mem MemAt, q *State, handle Handler) (int, error) {
	if !q.Ready || q.Num == 0 {
		return 0, nil
	}

	idx, err := availIdx(mem, q.AvailGPA)
	if err != nil {
		return 0, err
	}

	var processed int

	for q.LastAvailIdx != idx {
		ringIdx := q.LastAvailIdx % uint16(q.Num)

		head, err := availRingEntry(mem, q.AvailGPA, ringIdx)
		if err != nil {
			return processed, err
		}

		chain, err := walkChain(mem, q.DescGPA, q.Num, head)
		if err != nil {
			return processed, err
		}

		written := handle(chain.Cmd, chain.Resp)

		slot := q.UsedIdx % uint16(q.Num)
		if err := writeUsedElem(mem, q.UsedGPA, slot, uint32(head), uint32(written)); err != nil {
			return processed, err
		}

		q.UsedIdx++
		if err := publishUsedIdx(mem, q.UsedGPA, q.UsedIdx); err != nil {
			return processed, err
		}

		q.LastAvailIdx++
		processed++
	}

	return processed, nil
}
