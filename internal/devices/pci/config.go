package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrBarNotAligned      = errors.New("pci: mmio range is not naturally aligned")
	ErrCapabilityOverflow = errors.New("pci: capability does not fit in configuration space")
)

// Bar names one of the six type-0 base address registers.
type Bar uint8

const (
	Bar0 Bar = iota
	Bar1
	Bar2
	Bar3
	Bar4
	Bar5
)

func (b Bar) Index() int { return int(b) }

func (b Bar) offset() int { return RegBAR0 + int(b)*type0BARStride }

// Configuration is the 256-byte type-0 configuration space of one function.
// Callers serialize access through the owning Device's lock.
type Configuration struct {
	address Address
	irq     uint8
	bytes   [ConfigSpaceSize]byte

	barWriteMasks        [type0BARCount]uint32
	nextCapabilityOffset int
}

// NewConfiguration returns a header for a device with the given identity,
// wired to interrupt pin A on line irq.
func NewConfiguration(irq uint8, vendor, device, class uint16) *Configuration {
	c := &Configuration{
		irq:                  irq,
		nextCapabilityOffset: capabilityBase,
	}
	c.putU16(RegVendorID, vendor)
	c.putU16(RegDeviceID, device)
	c.putU16(RegCommand, CommandIO|CommandMemory)
	c.bytes[RegClassRevision] = defaultRevision
	c.putU16(RegClassDevice, class)
	c.bytes[RegInterruptPin] = interruptPinINTA
	c.bytes[RegInterruptLine] = irq
	c.putU16(RegSubsystemID, defaultSubsystemID)
	return c
}

func (c *Configuration) Address() Address        { return c.address }
func (c *Configuration) SetAddress(addr Address) { c.address = addr }
func (c *Configuration) Irq() uint8              { return c.irq }

func (c *Configuration) putU16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(c.bytes[offset:], v)
}

// U16 returns the little-endian word at offset.
func (c *Configuration) U16(offset int) uint16 {
	return binary.LittleEndian.Uint16(c.bytes[offset:])
}

// U32 returns the little-endian dword at offset.
func (c *Configuration) U32(offset int) uint32 {
	return binary.LittleEndian.Uint32(c.bytes[offset:])
}

func validAccess(offset uint64, size int) bool {
	switch size {
	case 1, 2, 4:
		return offset+uint64(size) <= ConfigSpaceSize && offset%uint64(size) == 0
	default:
		return false
	}
}

// Read copies configuration bytes at offset into data. Misaligned, oversized
// or out of range reads return all-ones.
func (c *Configuration) Read(offset uint64, data []byte) {
	if !validAccess(offset, len(data)) {
		for i := range data {
			data[i] = 0xff
		}
		return
	}
	copy(data, c.bytes[offset:])
}

// Write applies a guest write. Only the command and status words, the cache
// line size and the BAR registers are writable; everything else is dropped.
func (c *Configuration) Write(offset uint64, data []byte) {
	if !validAccess(offset, len(data)) {
		return
	}
	off := int(offset)
	switch {
	case (off == RegCommand || off == RegStatus) && len(data) == 2:
		copy(c.bytes[off:], data)
	case off == RegCacheLineSize && len(data) == 1:
		c.bytes[off] = data[0]
	case off >= RegBAR0 && off <= barRegionEnd:
		c.writeBar(off, data)
	}
}

func (c *Configuration) writeBar(offset int, data []byte) {
	mask := c.barWriteMasks[(offset-RegBAR0)/type0BARStride]
	if mask == 0 {
		return
	}
	var maskBytes [4]byte
	binary.LittleEndian.PutUint32(maskBytes[:], mask)
	m := maskBytes[offset%4:]
	for i, b := range data {
		if i >= len(m) {
			break
		}
		orig := c.bytes[offset+i]
		c.bytes[offset+i] = (orig &^ m[i]) | (b & m[i])
	}
}

// SetMmioBar programs bar as a 32-bit memory BAR covering [base, base+size).
// The guest can then size it by writing all-ones and reading back ^(size-1).
func (c *Configuration) SetMmioBar(bar Bar, base, size uint64) error {
	if bar > Bar5 {
		return fmt.Errorf("pci: invalid bar %d", bar)
	}
	if size == 0 || size&(size-1) != 0 || base%size != 0 || size > 1<<31 || base+size > 1<<32 {
		return fmt.Errorf("%w: base=%#x size=%#x", ErrBarNotAligned, base, size)
	}
	c.barWriteMasks[bar] = ^(uint32(size) - 1)
	binary.LittleEndian.PutUint32(c.bytes[bar.offset():], uint32(base))
	return nil
}

// BarWriteMask returns the sizing mask programmed for bar.
func (c *Configuration) BarWriteMask(bar Bar) uint32 {
	return c.barWriteMasks[bar]
}

func (c *Configuration) nextCapability(offset int) (int, bool) {
	if offset < capabilityBase || offset >= ConfigSpaceSize-2 {
		return 0, false
	}
	return int(c.bytes[offset+1]), true
}

func (c *Configuration) updateCapabilityChain(capLen int) (int, error) {
	offset := c.nextCapabilityOffset
	next := offset + (capLen+3)&^3
	if next > ConfigSpaceSize {
		return 0, fmt.Errorf("%w: %d bytes at %#x", ErrCapabilityOverflow, capLen, offset)
	}
	c.nextCapabilityOffset = next

	ptr := int(c.bytes[RegCapabilityList])
	if ptr == 0 {
		c.bytes[RegCapabilityList] = uint8(offset)
		c.bytes[RegStatus] |= StatusCapList
		return offset, nil
	}
	for i := 0; i < maxCapabilityCount; i++ {
		n, ok := c.nextCapability(ptr)
		if !ok {
			break
		}
		if n == 0 {
			c.bytes[ptr+1] = uint8(offset)
			return offset, nil
		}
		ptr = n
	}
	return offset, fmt.Errorf("pci: capability chain is corrupt or longer than %d entries", maxCapabilityCount)
}

// Capabilities walks the capability list and returns each record's offset.
func (c *Configuration) Capabilities() []int {
	var offsets []int
	ptr := int(c.bytes[RegCapabilityList])
	for i := 0; i < maxCapabilityCount && ptr != 0; i++ {
		n, ok := c.nextCapability(ptr)
		if !ok {
			break
		}
		offsets = append(offsets, ptr)
		ptr = n
	}
	return offsets
}

// NewCapability starts a vendor-specific capability record. The id and next
// pointer bytes are emitted up front; the next pointer is patched when a
// later capability is stored.
func (c *Configuration) NewCapability() *Capability {
	return &Capability{config: c, buf: []byte{CapIDVendor, 0}}
}

// Capability accumulates the body of a capability record before it is linked
// into the configuration space.
type Capability struct {
	config *Configuration
	buf    []byte
}

func (c *Capability) WriteU8(v uint8) *Capability {
	c.buf = append(c.buf, v)
	return c
}

func (c *Capability) WriteU16(v uint16) *Capability {
	c.buf = binary.LittleEndian.AppendUint16(c.buf, v)
	return c
}

func (c *Capability) WriteU32(v uint32) *Capability {
	c.buf = binary.LittleEndian.AppendUint32(c.buf, v)
	return c
}

// Len returns the record length so far, including the id and next bytes.
func (c *Capability) Len() int { return len(c.buf) }

// Store appends the record to the capability list and returns its offset.
func (c *Capability) Store() (int, error) {
	offset, err := c.config.updateCapabilityChain(len(c.buf))
	if err != nil {
		return 0, err
	}
	copy(c.config.bytes[offset:], c.buf)
	return offset, nil
}
