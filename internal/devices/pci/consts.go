package pci

// Type-0 configuration header layout.
const (
	ConfigSpaceSize = 256

	RegVendorID        = 0x00
	RegDeviceID        = 0x02
	RegCommand         = 0x04
	RegStatus          = 0x06
	RegClassRevision   = 0x08
	RegClassDevice     = 0x0a
	RegCacheLineSize   = 0x0c
	RegHeaderType      = 0x0e
	RegBAR0            = 0x10
	RegBAR5            = 0x24
	RegSubsystemVendor = 0x2c
	RegSubsystemID     = 0x2e
	RegCapabilityList  = 0x34
	RegInterruptLine   = 0x3c
	RegInterruptPin    = 0x3d
	barRegionEnd       = 0x27
	type0BARCount      = 6
	type0BARStride     = 4
	capabilityBase     = 0x40
	maxCapabilityCount = 16
	defaultSubsystemID = 0x40
	interruptPinINTA   = 1
	defaultRevision    = 1
)

const (
	CommandIO     uint16 = 0x01
	CommandMemory uint16 = 0x02

	StatusCapList uint8 = 0x10

	CapIDVendor uint8 = 0x09
)

const (
	VendorIntel     uint16 = 0x8086
	ClassBridgeHost uint16 = 0x0600
)

// MaxDevices is the number of device slots on the single emulated bus.
const MaxDevices = 32

// ConfigAddressPort is the legacy configuration address port. The data port
// follows at ConfigAddressPort+4.
const ConfigAddressPort = 0xcf8
