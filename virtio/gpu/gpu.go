// Package gpu implements the virtio-GPU 2D command handler: the resource
// table, the single scanout's binding, the host framebuffer, and the six
// control commands this VMM answers. It is a pure function of its own
// state plus the command/response buffers handed to it; it never reaches
// back into the virtio-mmio transport that calls it.
package gpu

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/ninefold-systems/aavmm/virtio/virtq"
)

const (
	cmdGetDisplayInfo       = 0x0100
	cmdResourceCreate2D     = 0x0101
	cmdSetScanout           = 0x0103
	cmdResourceFlush        = 0x0104
	cmdTransferToHost2D     = 0x0105
	cmdResourceAttachBacking = 0x0106
)

const (
	okNoData     = 0x1100
	okDisplayInfo = 0x1101
	errUnspec    = 0x1200
)

const headerSize = 24

var le = binary.LittleEndian

// format is the guest-declared pixel format of a 2D resource. The host
// never needs to interpret it to do the BGRA->RGB PPM swizzle (the byte
// layout of the framebuffer is fixed regardless of what the guest declares),
// but naming it lets debug logs say what the guest asked for.
type format uint32

const (
	formatUnknown      format = 0
	formatR8G8B8A8Unorm format = 1
	formatB8G8R8X8Unorm format = 2
	formatB8G8R8A8Unorm format = 3
)

func (f format) String() string {
	switch f {
	case formatR8G8B8A8Unorm:
		return "R8G8B8A8_UNORM"
	case formatB8G8R8X8Unorm:
		return "B8G8R8X8_UNORM"
	case formatB8G8R8A8Unorm:
		return "B8G8R8A8_UNORM"
	default:
		return fmt.Sprintf("format(%d)", uint32(f))
	}
}

// Resource is one entry of the resource table: a 2D surface the guest has
// created and may attach backing memory to.
type Resource struct {
	ID         uint32
	Format     format
	Width      uint32
	Height     uint32
	BackingGPA uint64
	BackingLen uint32
}

// Snapshotter persists a flushed framebuffer. FileSnapshotter is the
// production implementation; tests substitute their own.
type Snapshotter interface {
	WritePPM(flushCount uint64, fb []byte, width, height uint32) error
}

// Handler owns the GPU device's entire state: the resource table, the
// scanout binding, and the host framebuffer. It is the value the virtio-mmio
// transport's owner passes by exclusive mutable reference into
// HandleCommand; Handler holds no reference back to the transport.
type Handler struct {
	mem  virtq.MemAt
	snap Snapshotter

	resources map[uint32]Resource

	scanoutResourceID uint32
	scanoutWidth      uint32
	scanoutHeight     uint32

	fb  []byte
	fbW uint32
	fbH uint32

	flushCount uint64
}

// New creates a GPU handler with the default 800x600 scanout. mem resolves
// guest-physical addresses for resource backing stores; snap receives each
// flushed framebuffer.
func New(mem virtq.MemAt, snap Snapshotter) *Handler {
	h := &Handler{mem: mem, snap: snap}
	h.Reset()
	return h
}

// FlushCount reports how many RESOURCE_FLUSH commands have been processed
// since the handler was created, across any number of device resets.
func (h *Handler) FlushCount() uint64 {
	return h.flushCount
}

// Reset discards the resource table and the scanout binding. The host
// framebuffer is kept; it is re-initialized on the next RESOURCE_CREATE_2D.
// The flush counter is not reset; it counts flushes for the lifetime of the
// process, not of any one device session.
func (h *Handler) Reset() {
	h.resources = make(map[uint32]Resource)
	h.scanoutResourceID = 0
	h.scanoutWidth = 800
	h.scanoutHeight = 600
}

// ReadConfig answers the device-specific config space at offset 0x100: 0
// for events_read and events_clear, 1 for num_scanouts, 0 elsewhere.
func (h *Handler) ReadConfig(p []byte, off int) {
	if off == 8 {
		le.PutUint32(p, 1)
	}
}

// HandleCommand parses the 24-byte control header out of cmd and dispatches
// to the matching command implementation, each of which writes its
// response into resp and reports the number of bytes written.
func (h *Handler) HandleCommand(queue int, cmd, resp []byte) int {
	if len(cmd) < headerSize {
		return h.writeErr(resp)
	}

	switch le.Uint32(cmd[0:4]) {
	case cmdGetDisplayInfo:
		return h.getDisplayInfo(resp)
	case cmdResourceCreate2D:
		return h.resourceCreate2D(cmd, resp)
	case cmdResourceAttachBacking:
		return h.resourceAttachBacking(cmd, resp)
	case cmdSetScanout:
		return h.setScanout(cmd, resp)
	case cmdTransferToHost2D:
		return h.transferToHost2D(cmd, resp)
	case cmdResourceFlush:
		return h.resourceFlush(cmd, resp)
	default:
		return h.writeErr(resp)
	}
}

func (h *Handler) writeOK(resp []byte) int {
	buf := make([]byte, headerSize)
	le.PutUint32(buf[0:4], okNoData)
	return copy(resp, buf)
}

func (h *Handler) writeErr(resp []byte) int {
	buf := make([]byte, headerSize)
	le.PutUint32(buf[0:4], errUnspec)
	return copy(resp, buf)
}

const displayInfoSize = headerSize + 16*24

func (h *Handler) getDisplayInfo(resp []byte) int {
	buf := make([]byte, displayInfoSize)
	le.PutUint32(buf[0:4], okDisplayInfo)

	e := buf[headerSize:]
	le.PutUint32(e[0:4], 0)                  // x
	le.PutUint32(e[4:8], 0)                  // y
	le.PutUint32(e[8:12], h.scanoutWidth)    // width
	le.PutUint32(e[12:16], h.scanoutHeight)  // height
	le.PutUint32(e[16:20], 1)                // enabled
	le.PutUint32(e[20:24], 0)                // flags

	return copy(resp, buf)
}

func (h *Handler) resourceCreate2D(cmd, resp []byte) int {
	if len(cmd) < headerSize+16 {
		return h.writeErr(resp)
	}

	p := cmd[headerSize:]
	id := le.Uint32(p[0:4])
	fmtID := format(le.Uint32(p[4:8]))
	width := le.Uint32(p[8:12])
	height := le.Uint32(p[12:16])

	slog.Debug("gpu: resource create 2d", "resource", id, "format", fmtID, "width", width, "height", height)

	h.resources[id] = Resource{ID: id, Format: fmtID, Width: width, Height: height}

	if width > 0 && width <= 4096 && height > 0 && height <= 4096 {
		h.fb = make([]byte, int(width)*int(height)*4)
		h.fbW, h.fbH = width, height
	}

	return h.writeOK(resp)
}

func (h *Handler) resourceAttachBacking(cmd, resp []byte) int {
	if len(cmd) < headerSize+8 {
		return h.writeErr(resp)
	}

	p := cmd[headerSize:]
	id := le.Uint32(p[0:4])
	nrEntries := le.Uint32(p[4:8])

	if r, ok := h.resources[id]; ok && nrEntries > 0 && len(p) >= 8+16 {
		r.BackingGPA = le.Uint64(p[8:16])
		r.BackingLen = le.Uint32(p[16:20])
		h.resources[id] = r
	}

	return h.writeOK(resp)
}

func (h *Handler) setScanout(cmd, resp []byte) int {
	if len(cmd) < headerSize+24 {
		return h.writeOK(resp)
	}

	p := cmd[headerSize:]
	h.scanoutResourceID = le.Uint32(p[20:24])

	return h.writeOK(resp)
}

func (h *Handler) transferToHost2D(cmd, resp []byte) int {
	if len(cmd) < headerSize+32 {
		return h.writeOK(resp)
	}

	p := cmd[headerSize:]
	x := le.Uint32(p[0:4])
	y := le.Uint32(p[4:8])
	w := le.Uint32(p[8:12])
	hgt := le.Uint32(p[12:16])
	resourceID := le.Uint32(p[24:28])

	res, ok := h.resources[resourceID]
	if !ok || res.BackingLen == 0 {
		return h.writeOK(resp)
	}

	backing, err := h.mem(res.BackingGPA, int(res.BackingLen))
	if err != nil {
		slog.Warn("gpu: transfer backing unreachable", "resource", resourceID, "err", err)
		return h.writeOK(resp)
	}

	h.copyRect(backing, res, x, y, w, hgt)
	return h.writeOK(resp)
}

func (h *Handler) copyRect(backing []byte, res Resource, x, y, w, hgt uint32) {
	srcPitch := res.Width * 4
	dstPitch := h.fbW * 4

	for row := uint32(0); row < hgt; row++ {
		for col := uint32(0); col < w; col++ {
			sx, sy := x+col, y+row
			if sx >= res.Width || sy >= res.Height {
				continue
			}

			srcOff := sy*srcPitch + sx*4
			if uint64(srcOff)+4 > uint64(len(backing)) {
				continue
			}

			dstOff := sy*dstPitch + sx*4
			if uint64(dstOff)+4 > uint64(len(h.fb)) {
				continue
			}

			copy(h.fb[dstOff:dstOff+4], backing[srcOff:srcOff+4])
		}
	}
}

func (h *Handler) resourceFlush(cmd, resp []byte) int {
	h.flushCount++

	if h.fb == nil || h.fbW == 0 || h.fbH == 0 {
		slog.Warn("gpu: flush with no framebuffer", "flush", h.flushCount)
		return h.writeOK(resp)
	}

	if err := h.snap.WritePPM(h.flushCount, h.fb, h.fbW, h.fbH); err != nil {
		slog.Warn("gpu: ppm write failed", "flush", h.flushCount, "err", err)
	}

	return h.writeOK(resp)
}
