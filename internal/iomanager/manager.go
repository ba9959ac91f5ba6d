// Package iomanager assembles the guest I/O topology: the port and MMIO
// buses, the PCI bus behind the legacy configuration ports, the legacy PC
// devices, and the allocators that place new PCI devices.
package iomanager

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vio/internal/bus"
	"github.com/tinyrange/vio/internal/devices/amd64/chipset"
	"github.com/tinyrange/vio/internal/devices/amd64/input"
	"github.com/tinyrange/vio/internal/devices/pci"
	"github.com/tinyrange/vio/internal/devices/virtio"
	"github.com/tinyrange/vio/internal/hv"
	"github.com/tinyrange/vio/internal/memory"
)

// Fixed port ranges of the legacy devices.
const (
	RtcPort   = 0x70
	RtcLen    = 2
	I8042Port = 0x60
	I8042Len  = 8
	pciPioLen = 8
)

// Option customises an IoManager.
type Option func(*options)

type options struct {
	allocator *IoAllocator
	slotCount uint32
}

// WithAllocator replaces the default MMIO window and IRQ range.
func WithAllocator(a *IoAllocator) Option {
	return func(o *options) {
		if a != nil {
			o.allocator = a
		}
	}
}

// WithSlotCount overrides the number of memory slots reported by the VM.
func WithSlotCount(n uint32) Option {
	return func(o *options) { o.slotCount = n }
}

// IoManager routes vCPU port and MMIO exits to devices and owns every
// device it created.
type IoManager struct {
	vm  hv.VM
	ram *memory.GuestRAM

	pioBus  *bus.Bus
	mmioBus *bus.Bus
	pciBus  *pci.Bus

	allocator *IoAllocator
	memory    *memory.MemoryManager
	devShm    *memory.DeviceSharedMemoryManager

	mu      sync.Mutex
	devices []*virtio.DeviceState
	closed  bool
}

// New builds the I/O topology for vm with guest RAM ram. The PCI bus is
// reachable at ports 0xcf8-0xcff as soon as New returns.
func New(vm hv.VM, ram *memory.GuestRAM, opts ...Option) (*IoManager, error) {
	o := options{slotCount: vm.MemorySlotCount()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.allocator == nil {
		o.allocator = DefaultIoAllocator()
	}

	mm := memory.NewMemoryManager(vm, ram, o.slotCount)
	im := &IoManager{
		vm:        vm,
		ram:       ram,
		pioBus:    bus.New(),
		mmioBus:   bus.New(),
		pciBus:    pci.NewBus(),
		allocator: o.allocator,
		memory:    mm,
		devShm:    memory.NewDeviceSharedMemoryManager(mm),
	}
	if err := im.pioBus.Insert(im.pciBus, pci.ConfigAddressPort, pciPioLen); err != nil {
		return nil, fmt.Errorf("iomanager: add pci configuration ports: %w", err)
	}
	return im, nil
}

// RegisterLegacyDevices installs the RTC and the i8042 controller. A guest
// reset request is signalled on reset.
func (m *IoManager) RegisterLegacyDevices(reset eventfd.Eventfd) error {
	if err := m.pioBus.Insert(chipset.NewCMOS(), RtcPort, RtcLen); err != nil {
		return fmt.Errorf("iomanager: add rtc: %w", err)
	}
	if err := m.pioBus.Insert(input.NewI8042(reset), I8042Port, I8042Len); err != nil {
		return fmt.Errorf("iomanager: add i8042: %w", err)
	}
	return nil
}

// PioRead dispatches a port read. It reports false if no device owns port.
func (m *IoManager) PioRead(port uint16, data []byte) bool {
	return m.pioBus.Read(uint64(port), data)
}

func (m *IoManager) PioWrite(port uint16, data []byte) bool {
	return m.pioBus.Write(uint64(port), data)
}

// MmioRead dispatches an MMIO read. It reports false if no device owns addr.
func (m *IoManager) MmioRead(addr uint64, data []byte) bool {
	return m.mmioBus.Read(addr, data)
}

func (m *IoManager) MmioWrite(addr uint64, data []byte) bool {
	return m.mmioBus.Write(addr, data)
}

// AddPciDevice places each BAR dev asks for in the MMIO window, maps it on
// the MMIO bus and attaches dev to the PCI bus.
func (m *IoManager) AddPciDevice(dev pci.Device) (pci.Address, error) {
	assigned, err := m.allocatePciBars(dev)
	if err != nil {
		return 0, err
	}

	addr, err := m.pciBus.AddDevice(dev)
	if err != nil {
		m.releasePciBars(assigned)
		return 0, fmt.Errorf("iomanager: %w", err)
	}
	return addr, nil
}

func (m *IoManager) allocatePciBars(dev pci.Device) ([]pci.BarAssignment, error) {
	dev.Lock()
	allocations := dev.BarAllocations()
	dev.Unlock()

	var assigned []pci.BarAssignment
	for _, a := range allocations {
		base, err := m.allocator.AllocateMmio(fmt.Sprintf("pci-bar%d", a.Bar.Index()), a.Size)
		if err != nil {
			m.releasePciBars(assigned)
			return nil, fmt.Errorf("iomanager: allocate bar %d: %w", a.Bar.Index(), err)
		}

		dev.Lock()
		err = dev.Config().SetMmioBar(a.Bar, base, a.Size)
		dev.Unlock()
		if err == nil {
			err = m.mmioBus.Insert(pci.NewMmioHandler(a.Bar, dev), base, a.Size)
		}
		if err != nil {
			m.allocator.FreeMmio(base)
			m.releasePciBars(assigned)
			return nil, fmt.Errorf("iomanager: map bar %d: %w", a.Bar.Index(), err)
		}

		slog.Debug("iomanager: mapped bar", "bar", a.Bar.Index(), "base", fmt.Sprintf("%#x", base), "size", a.Size)
		assigned = append(assigned, pci.BarAssignment{Bar: a.Bar, Base: base})
	}

	if len(assigned) > 0 {
		dev.Lock()
		dev.ConfigureBars(assigned)
		dev.Unlock()
	}
	return assigned, nil
}

func (m *IoManager) releasePciBars(assigned []pci.BarAssignment) {
	for _, a := range assigned {
		m.mmioBus.Remove(a.Base)
		m.allocator.FreeMmio(a.Base)
	}
}

// AddVirtioDevice wraps dev in the virtio PCI transport on a fresh
// interrupt line and attaches it to the PCI bus.
func (m *IoManager) AddVirtioDevice(dev virtio.Device) (*virtio.DeviceState, error) {
	irq, err := m.allocator.AllocateIrq()
	if err != nil {
		return nil, err
	}

	state, err := virtio.NewDeviceState(dev, m.ram, m.vm, irq)
	if err != nil {
		m.allocator.FreeIrq(irq)
		return nil, fmt.Errorf("iomanager: %s: %w", dev.DeviceType(), err)
	}

	assigned, err := m.allocatePciBars(state)
	if err == nil {
		err = state.SetupErr()
	}
	if err == nil {
		_, err = m.pciBus.AddDevice(state)
	}
	if err != nil {
		m.releasePciBars(assigned)
		state.Close()
		m.allocator.FreeIrq(irq)
		return nil, fmt.Errorf("iomanager: %s: %w", dev.DeviceType(), err)
	}

	m.mu.Lock()
	m.devices = append(m.devices, state)
	m.mu.Unlock()

	slog.Info("iomanager: added virtio device", "type", dev.DeviceType().String(), "irq", irq)
	return state, nil
}

// PciIrqs returns the interrupt routing of every PCI device.
func (m *IoManager) PciIrqs() []pci.Irq { return m.pciBus.Irqs() }

func (m *IoManager) DevShmManager() *memory.DeviceSharedMemoryManager { return m.devShm }

func (m *IoManager) MemoryManager() *memory.MemoryManager { return m.memory }

func (m *IoManager) Allocator() *IoAllocator { return m.allocator }

// PciBus exposes the configuration port device, mainly for inspection.
func (m *IoManager) PciBus() *pci.Bus { return m.pciBus }

// Close releases every device's eventfds and all shared memory. The VM and
// guest RAM stay owned by the caller.
func (m *IoManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	devices := m.devices
	m.devices = nil
	m.mu.Unlock()

	var result error
	for _, d := range devices {
		if err := d.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := m.devShm.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.memory.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
