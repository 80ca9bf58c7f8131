package mmio

import (
	"encoding/binary"
	"log/slog"

	"github.com/ninefold-systems/aavmm/virtio"
	"github.com/ninefold-systems/aavmm/virtio/virtq"
)

// numQueues is fixed at two: controlq=0, cursorq=1.
const numQueues = 2

// DeviceHandler processes command buffers drained from a virtqueue and
// answers device-specific config-space reads. It is a pure function:
// given a command and a response buffer, it never reaches back into the
// transport. virtio/gpu.Handler implements this interface.
type DeviceHandler interface {
	// HandleCommand processes the command buffer of one descriptor chain on
	// the given queue and writes a response into resp, returning the
	// number of bytes written.
	HandleCommand(queue int, cmd, resp []byte) int

	// ReadConfig reads the device-specific config space (offset 0x100 and
	// up) at off into p.
	ReadConfig(p []byte, off int)

	// Reset discards all device-owned state. Called on a Status write of 0.
	Reset()
}

var le = binary.LittleEndian

// Device is a virtio-mmio transport instance bound to one device handler.
// It owns the register file, the feature/status state machine, and the two
// queues' transport-level state (addresses, size, readiness, ring
// indices); it knows nothing about what the commands it drains mean.
type Device struct {
	id      virtio.DeviceID
	handler DeviceHandler
	mem     virtq.MemAt

	status            uint32
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	queues            [numQueues]virtq.State
	intStatus         uint32
}

// New creates a transport for the given device identity and handler. mem
// resolves guest-physical addresses for virtqueue access; it is the same
// accessor vmm.RAM.At exposes.
func New(id virtio.DeviceID, handler DeviceHandler, mem virtq.MemAt) *Device {
	return &Device{id: id, handler: handler, mem: mem}
}

// ReadMMIO implements the transport's 32-bit register reads.
func (d *Device) ReadMMIO(off int, p []byte) error {
	switch off {
	case regMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case regVersion:
		le.PutUint32(p, virtio.Version)

	case regDeviceID:
		le.PutUint32(p, uint32(d.id))

	case regVendorID:
		le.PutUint32(p, virtio.VendorID)

	case regDeviceFeatures:
		le.PutUint32(p, virtio.DeviceFeatures)

	case regQueueNumMax:
		le.PutUint32(p, NumQueueMax)

	case regQueueReady:
		var ready uint32
		if q, ok := d.selectedQueue(); ok && q.Ready {
			ready = 1
		}

		le.PutUint32(p, ready)

	case regInterruptStatus:
		le.PutUint32(p, d.intStatus)

	case regStatus:
		le.PutUint32(p, d.status)

	default:
		switch {
		case off >= regDeviceConfigStart:
			le.PutUint32(p, 0)
			d.handler.ReadConfig(p, off-regDeviceConfigStart)

		default:
			slog.Debug("virtio-mmio: read from unknown offset", "off", off)
			le.PutUint32(p, 0)
		}
	}

	return nil
}

// WriteMMIO implements the transport's 32-bit register writes.
func (d *Device) WriteMMIO(off int, p []byte) error {
	v := le.Uint32(p)

	switch off {
	case regDeviceFeaturesSel:
		d.deviceFeaturesSel = v

	case regDriverFeatures:
		// accepted, but since DeviceFeatures always reads 0 there's nothing
		// for the driver to meaningfully enable; ignored beyond storage.
		if d.driverFeaturesSel == 0 {
			d.driverFeatures = d.driverFeatures&^0xffffffff | uint64(v)
		} else {
			d.driverFeatures = d.driverFeatures&0xffffffff | uint64(v)<<32
		}

	case regDriverFeaturesSel:
		d.driverFeaturesSel = v

	case regQueueSel:
		d.queueSel = v

	case regQueueNumMax:
		// read-only register; ignored

	case regQueueNum:
		if q, ok := d.selectedQueue(); ok {
			q.Num = v
		}

	case regQueueReady:
		if q, ok := d.selectedQueue(); ok {
			q.Ready = v != 0
		}

	case regQueueNotify:
		d.notify(v)

	case regInterruptStatus:
		// read-only register; ignored

	case regInterruptAck:
		d.intStatus &^= v

	case regStatus:
		d.writeStatus(v)

	case regQueueDescLow:
		d.withSelectedQueue(func(q *virtq.State) { q.DescGPA = q.DescGPA&^0xffffffff | uint64(v) })

	case regQueueDescHigh:
		d.withSelectedQueue(func(q *virtq.State) { q.DescGPA = q.DescGPA&0xffffffff | uint64(v)<<32 })

	case regQueueAvailLow:
		d.withSelectedQueue(func(q *virtq.State) { q.AvailGPA = q.AvailGPA&^0xffffffff | uint64(v) })

	case regQueueAvailHigh:
		d.withSelectedQueue(func(q *virtq.State) { q.AvailGPA = q.AvailGPA&0xffffffff | uint64(v)<<32 })

	case regQueueUsedLow:
		d.withSelectedQueue(func(q *virtq.State) { q.UsedGPA = q.UsedGPA&^0xffffffff | uint64(v) })

	case regQueueUsedHigh:
		d.withSelectedQueue(func(q *virtq.State) { q.UsedGPA = q.UsedGPA&0xffffffff | uint64(v)<<32 })

	default:
		// unknown offset, or writing a nominally read-only register; both
		// are accepted silently.
		slog.Debug("virtio-mmio: write to unknown offset", "off", off, "value", v)
	}

	return nil
}

// selectedQueue returns queues[queueSel], or ok=false if queueSel is out of
// range. Out-of-range selectors are silently dropped.
func (d *Device) selectedQueue() (*virtq.State, bool) {
	if d.queueSel >= numQueues {
		return nil, false
	}

	return &d.queues[d.queueSel], true
}

func (d *Device) withSelectedQueue(f func(*virtq.State)) {
	if q, ok := d.selectedQueue(); ok {
		f(q)
	}
}

// writeStatus implements the status register's reset-on-zero semantics.
func (d *Device) writeStatus(v uint32) {
	if v == 0 {
		d.reset()
		return
	}

	d.status = v
}

// reset discards all device state: both queues go back to their power-on
// defaults and the handler drops its resources. It does not release the
// GPU's host framebuffer, which is re-initialized lazily on the next
// resource create.
func (d *Device) reset() {
	d.status = 0
	d.deviceFeaturesSel = 0
	d.driverFeaturesSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	d.intStatus = 0

	for i := range d.queues {
		d.queues[i].Reset()
	}

	d.handler.Reset()
}

// notify drains queue q's descriptor chains synchronously, issuing one
// HandleCommand call per chain and publishing a used-ring entry for each
// before returning. There is no second mutator in this VMM, so no locking
// is needed around this call.
func (d *Device) notify(q uint32) {
	if q >= numQueues || !d.queues[q].Ready {
		return
	}

	queue := int(q)
	_, err := virtq.Drain(d.mem, &d.queues[q], func(cmd, resp []byte) int {
		return d.handler.HandleCommand(queue, cmd, resp)
	})

	if err != nil {
		slog.Error("virtio-mmio: queue drain failed", "queue", queue, "err", err)
	}
}
