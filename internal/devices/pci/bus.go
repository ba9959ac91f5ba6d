package pci

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/vio/internal/bus"
	"github.com/tinyrange/vio/internal/idalloc"
)

// ErrNoFreeSlot is returned when all device numbers on the bus are taken.
var ErrNoFreeSlot = errors.New("pci: no free device slot")

// configAddress is the latched contents of the 0xcf8 address register.
type configAddress [4]byte

func (a *configAddress) offset() uint64  { return uint64(a[0] &^ 0x3) }
func (a *configAddress) function() uint8 { return a[1] & 0x7 }
func (a *configAddress) device() uint8   { return a[1] >> 3 }
func (a *configAddress) bus() uint8      { return a[2] }
func (a *configAddress) enabled() bool   { return a[3]&0x80 != 0 }

func (a *configAddress) address() Address {
	return NewAddress(a.bus(), a.device(), a.function())
}

// Bus is a single PCI bus reached through configuration mechanism #1. It is
// mapped on the port bus at ConfigAddressPort with length 8: offsets [0,4)
// hold the address register and [4,8) are the data window.
type Bus struct {
	mu      sync.Mutex
	devices map[Address]Device
	address configAddress
	ids     *idalloc.Allocator
}

// NewBus returns a bus with the host bridge installed at device 0.
func NewBus() *Bus {
	b := &Bus{
		devices: make(map[Address]Device),
		ids:     idalloc.New(0, MaxDevices-1),
	}
	if _, err := b.AddDevice(newRootDevice()); err != nil {
		panic(fmt.Sprintf("pci: install host bridge: %v", err))
	}
	return b
}

// AddDevice assigns dev the lowest free device number on bus 0, function 0.
func (b *Bus) AddDevice(dev Device) (Address, error) {
	id, err := b.ids.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoFreeSlot, err)
	}
	addr := NewAddress(0, uint8(id), 0)

	dev.Lock()
	dev.Config().SetAddress(addr)
	dev.Unlock()

	b.mu.Lock()
	b.devices[addr] = dev
	b.mu.Unlock()

	slog.Debug("pci: added device", "address", addr.String())
	return addr, nil
}

// Irqs returns the interrupt routing of every device that has a line, in
// device number order.
func (b *Bus) Irqs() []Irq {
	type slot struct {
		addr Address
		dev  Device
	}
	b.mu.Lock()
	slots := make([]slot, 0, len(b.devices))
	for addr, dev := range b.devices {
		slots = append(slots, slot{addr, dev})
	}
	b.mu.Unlock()

	sort.Slice(slots, func(i, j int) bool { return slots[i].addr < slots[j].addr })

	var irqs []Irq
	for _, s := range slots {
		s.dev.Lock()
		line, ok := s.dev.Irq()
		s.dev.Unlock()
		if ok {
			irqs = append(irqs, NewIrq(s.addr.Device(), line))
		}
	}
	return irqs
}

func inWindow(base, offset uint64, length int) bool {
	end := offset + uint64(length)
	return offset >= base && end <= base+4
}

func (b *Bus) currentDevice() Device {
	if !b.address.enabled() {
		return nil
	}
	return b.devices[b.address.address()]
}

// Read implements bus.Device.
func (b *Bus) Read(offset uint64, data []byte) {
	b.mu.Lock()
	switch {
	case inWindow(0, offset, len(data)):
		copy(data, b.address[offset:])
		b.mu.Unlock()
	case inWindow(4, offset, len(data)):
		dev := b.currentDevice()
		reg := (offset - 4) + b.address.offset()
		b.mu.Unlock()
		if dev == nil {
			for i := range data {
				data[i] = 0xff
			}
			return
		}
		dev.Lock()
		dev.Config().Read(reg, data)
		dev.Unlock()
	default:
		b.mu.Unlock()
	}
}

// Write implements bus.Device.
func (b *Bus) Write(offset uint64, data []byte) {
	b.mu.Lock()
	switch {
	case inWindow(0, offset, len(data)):
		copy(b.address[offset:], data)
		b.mu.Unlock()
	case inWindow(4, offset, len(data)):
		dev := b.currentDevice()
		reg := (offset - 4) + b.address.offset()
		b.mu.Unlock()
		if dev == nil {
			return
		}
		dev.Lock()
		dev.Config().Write(reg, data)
		dev.Unlock()
	default:
		b.mu.Unlock()
	}
}

var _ bus.Device = (*Bus)(nil)
