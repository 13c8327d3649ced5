// Package pciregs names the standard PCI configuration-space byte offsets
// and the MSI capability layout used by every Endpoint, mirroring the
// constants pci/header.h gives the original C device and the offsets
// internal/devices/virtio/pci.go uses for its own config space.
package pciregs

const (
	// ConfigSpaceSize is the size, in bytes, of one endpoint's
	// configuration space.
	ConfigSpaceSize = 0x1000

	VendorID        = 0x00 // u16
	DeviceID        = 0x02 // u16
	Command         = 0x04 // u16
	Status          = 0x06 // u16
	ClassRevision   = 0x08 // u32: revision(8) | prog-if(8) | subclass(8) | class(8)
	HeaderType      = 0x0e // u8
	CapabilityList  = 0x34 // u8: offset of first capability
	BaseAddress0    = 0x10 // u32, BAR0
	BaseAddress5    = 0x24 // u32, BAR5
	ROMAddress      = 0x30 // u32

	barStride = 4
	BARCount  = 6
)

// ClassSignalOther is the device class used by the reference DMA device,
// matching PCI_CLASS_SIGNAL_OTHER in the original source.
const ClassSignalOther = 0x1180

// StatusCapList is the PCI_STATUS_CAP_LIST bit: the device exposes an
// extended capability list.
const StatusCapList = 1 << 4

// MSICapOffset is the fixed, dword-aligned offset of the 32-bit MSI
// capability record, matching MSI_CAP_OFF (16 * 4) in pcie.c.
const MSICapOffset = 16 * 4

const (
	MSICapID             = 0x05
	MSICapNext           = 0x00
	MSIMessageControl32  = 0x0001 // 32-bit address, single message, no masking
)

// BARIndex returns the BAR index addressed by a 4-byte-aligned config
// offset in [BaseAddress0, BaseAddress5], and ok=false otherwise.
func BARIndex(offset uint64) (index int, ok bool) {
	if offset < BaseAddress0 || offset > BaseAddress5 {
		return 0, false
	}
	if (offset-BaseAddress0)%barStride != 0 {
		return 0, false
	}
	return int((offset - BaseAddress0) / barStride), true
}
