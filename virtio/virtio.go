// Package virtio holds identity and feature constants shared by the
// virtio-mmio transport and its device handlers, kept separate from the
// virtio/mmio package that implements the transport itself.
package virtio

// DeviceID identifies the type of a virtio device, per the virtio 1.x
// device ID registry.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	GPUDeviceID     = DeviceID(16)
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"
	case GPUDeviceID:
		return "gpu"
	default:
		return "unknown"
	}
}

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2        // modern transport

	// VendorID is an arbitrary fixed vendor id exposed at register 0x00c.
	VendorID = 0x554d4551
)

// DeviceFeatures advertises no optional feature bits at all: the baseline
// modern-transport behavior (version 2 register layout, 64-bit feature
// selectors) is assumed unconditionally rather than gated behind
// VIRTIO_F_VERSION_1, and nothing beyond that baseline is implemented
// (no indirect descriptors, no event-index suppression, no packed rings).
const DeviceFeatures = 0
