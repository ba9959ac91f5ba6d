package pci

import (
	"sync"

	"github.com/tinyrange/vio/internal/bus"
)

// BarAllocation requests an MMIO window of Size bytes for Bar.
type BarAllocation struct {
	Bar  Bar
	Size uint64
}

// BarAssignment reports where a requested BAR was placed.
type BarAssignment struct {
	Bar  Bar
	Base uint64
}

// Device is a PCI function attached to the bus. All methods other than
// Lock/Unlock are called with the device lock held, so the configuration
// port path and the BAR path never race.
type Device interface {
	sync.Locker

	Config() *Configuration
	ReadBar(bar Bar, offset uint64, data []byte)
	WriteBar(bar Bar, offset uint64, data []byte)
	Irq() (uint8, bool)
	BarAllocations() []BarAllocation
	ConfigureBars(assigned []BarAssignment)
}

// MmioHandler exposes one BAR of a device on the MMIO bus.
type MmioHandler struct {
	bar Bar
	dev Device
}

func NewMmioHandler(bar Bar, dev Device) *MmioHandler {
	return &MmioHandler{bar: bar, dev: dev}
}

// Read implements bus.Device.
func (h *MmioHandler) Read(offset uint64, data []byte) {
	h.dev.Lock()
	defer h.dev.Unlock()
	h.dev.ReadBar(h.bar, offset, data)
}

// Write implements bus.Device.
func (h *MmioHandler) Write(offset uint64, data []byte) {
	h.dev.Lock()
	defer h.dev.Unlock()
	h.dev.WriteBar(h.bar, offset, data)
}

var _ bus.Device = (*MmioHandler)(nil)
