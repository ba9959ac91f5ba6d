package virtio

import "fmt"

// DeviceType is the virtio device id; the PCI device id is derived from it.
type DeviceType uint32

const (
	DeviceTypeNet     DeviceType = 1
	DeviceTypeBlock   DeviceType = 2
	DeviceTypeConsole DeviceType = 3
	DeviceTypeRng     DeviceType = 4
	DeviceType9P      DeviceType = 9
	DeviceTypeWl      DeviceType = 63
)

const (
	VIRTIO_PCI_VENDOR_ID      = 0x1AF4
	VIRTIO_PCI_DEVICE_ID_BASE = 0x1040

	pciClassNetworkEthernet    = 0x0200
	pciClassStorageSCSI        = 0x0100
	pciClassCommunicationOther = 0x0780
	pciClassOthers             = 0x00ff
	pciClassStorageOther       = 0x0180
)

// PciDeviceID returns the modern (non-transitional) PCI device id.
func (t DeviceType) PciDeviceID() uint16 {
	return VIRTIO_PCI_DEVICE_ID_BASE + uint16(t)
}

func (t DeviceType) PciClass() uint16 {
	switch t {
	case DeviceTypeNet:
		return pciClassNetworkEthernet
	case DeviceTypeBlock:
		return pciClassStorageSCSI
	case DeviceTypeConsole:
		return pciClassCommunicationOther
	case DeviceType9P:
		return pciClassStorageOther
	default:
		return pciClassOthers
	}
}

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeNet:
		return "net"
	case DeviceTypeBlock:
		return "block"
	case DeviceTypeConsole:
		return "console"
	case DeviceTypeRng:
		return "rng"
	case DeviceType9P:
		return "9p"
	case DeviceTypeWl:
		return "wl"
	default:
		return fmt.Sprintf("virtio-%d", uint32(t))
	}
}

// ParseDeviceType maps the names returned by String back to a DeviceType.
func ParseDeviceType(name string) (DeviceType, error) {
	for _, t := range []DeviceType{DeviceTypeNet, DeviceTypeBlock, DeviceTypeConsole, DeviceTypeRng, DeviceType9P, DeviceTypeWl} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("virtio: unknown device type %q", name)
}

// Layout of the BAR0 MMIO area.
const (
	MmioAreaSize = 4096

	MmioOffsetCommonCfg = 0
	MmioOffsetISR       = 56
	MmioOffsetNotify    = 0x400
	MmioOffsetDeviceCfg = 0x800

	MmioCommonCfgSize = 56
	MmioISRSize       = 4
	MmioNotifySize    = 0x400

	// Each queue notifies at MmioOffsetNotify + NotifyOffMultiplier*index.
	NotifyOffMultiplier = 4
)

// Device status bits.
const (
	VIRTIO_CONFIG_S_ACKNOWLEDGE = 1
	VIRTIO_CONFIG_S_DRIVER      = 2
	VIRTIO_CONFIG_S_DRIVER_OK   = 4
	VIRTIO_CONFIG_S_FEATURES_OK = 8
	VIRTIO_CONFIG_S_FAILED      = 0x80
)

const (
	MaxQueueSize     = 1024
	DefaultQueueSize = 128

	VIRTIO_MSI_NO_VECTOR = 0xFFFF
)

// VirtIO PCI capability types.
const (
	VIRTIO_PCI_CAP_COMMON_CFG = 1
	VIRTIO_PCI_CAP_NOTIFY_CFG = 2
	VIRTIO_PCI_CAP_ISR_CFG    = 3
	VIRTIO_PCI_CAP_DEVICE_CFG = 4

	virtioPCICapLen       = 16
	virtioPCINotifyCapLen = 20
)

// Common configuration structure offsets.
const (
	VIRTIO_PCI_COMMON_DFSELECT      = 0x00
	VIRTIO_PCI_COMMON_DF            = 0x04
	VIRTIO_PCI_COMMON_GFSELECT      = 0x08
	VIRTIO_PCI_COMMON_GF            = 0x0C
	VIRTIO_PCI_COMMON_MSIX          = 0x10
	VIRTIO_PCI_COMMON_NUMQ          = 0x12
	VIRTIO_PCI_COMMON_STATUS        = 0x14
	VIRTIO_PCI_COMMON_CFGGENERATION = 0x15
	VIRTIO_PCI_COMMON_Q_SELECT      = 0x16
	VIRTIO_PCI_COMMON_Q_SIZE        = 0x18
	VIRTIO_PCI_COMMON_Q_MSIX        = 0x1A
	VIRTIO_PCI_COMMON_Q_ENABLE      = 0x1C
	VIRTIO_PCI_COMMON_Q_NOFF        = 0x1E
	VIRTIO_PCI_COMMON_Q_DESCLO      = 0x20
	VIRTIO_PCI_COMMON_Q_DESCHI      = 0x24
	VIRTIO_PCI_COMMON_Q_AVAILLO     = 0x28
	VIRTIO_PCI_COMMON_Q_AVAILHI     = 0x2C
	VIRTIO_PCI_COMMON_Q_USEDLO      = 0x30
	VIRTIO_PCI_COMMON_Q_USEDHI      = 0x34
)
