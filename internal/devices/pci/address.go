package pci

import "fmt"

// Address packs bus, device and function into the 16-bit routing key used by
// configuration mechanism #1.
type Address uint16

const (
	deviceMask   = 0x1f
	functionMask = 0x07
)

// NewAddress returns the key for bus/device/function.
func NewAddress(bus, device, function uint8) Address {
	return Address(uint16(bus)<<8 | uint16(device&deviceMask)<<3 | uint16(function&functionMask))
}

func (a Address) Bus() uint8      { return uint8(a >> 8) }
func (a Address) Device() uint8   { return uint8(a>>3) & deviceMask }
func (a Address) Function() uint8 { return uint8(a) & functionMask }

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus(), a.Device(), a.Function())
}
