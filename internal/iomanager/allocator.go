package iomanager

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vio/internal/hv"
	"github.com/tinyrange/vio/internal/idalloc"
	"github.com/tinyrange/vio/internal/memory"
)

// Legacy interrupt lines handed to PCI devices. Lines below IrqBase belong
// to the PIT, keyboard, cascade and serial ports.
const (
	IrqBase uint8 = 5
	IrqMax  uint8 = 23
)

const mmioAlignment = 0x1000

// ErrNoFreeIrq is returned when every line in the IRQ range is taken.
var ErrNoFreeIrq = errors.New("iomanager: no free irq")

// IoAllocator hands out BAR windows from the PCI MMIO hole and interrupt
// lines for new devices.
type IoAllocator struct {
	mmio *hv.AddressSpace
	irqs *idalloc.Allocator
}

// NewIoAllocator manages MMIO in [mmioBase, mmioBase+mmioSize) and the
// interrupt lines irqBase through irqMax inclusive.
func NewIoAllocator(mmioBase, mmioSize uint64, irqBase, irqMax uint8) *IoAllocator {
	return &IoAllocator{
		mmio: hv.NewAddressSpace(mmioBase, mmioSize),
		irqs: idalloc.New(uint32(irqBase), uint32(irqMax)),
	}
}

// DefaultIoAllocator covers the x86 PCI MMIO hole below 4GiB and IRQs 5..23.
func DefaultIoAllocator() *IoAllocator {
	return NewIoAllocator(memory.PciMmioReservedBase, memory.PciMmioReservedSize, IrqBase, IrqMax)
}

// AllocateMmio returns the base of a new window of at least size bytes.
// Power-of-two windows are naturally aligned so they can back a BAR.
func (a *IoAllocator) AllocateMmio(name string, size uint64) (uint64, error) {
	align := uint64(mmioAlignment)
	if size > align && size&(size-1) == 0 {
		align = size
	}
	alloc, err := a.mmio.Allocate(hv.MMIOAllocationRequest{
		Name:      name,
		Size:      size,
		Alignment: align,
	})
	if err != nil {
		return 0, err
	}
	return alloc.Base, nil
}

// FreeMmio releases the window starting at base.
func (a *IoAllocator) FreeMmio(base uint64) bool {
	return a.mmio.Free(base)
}

// AllocateIrq returns the lowest free interrupt line.
func (a *IoAllocator) AllocateIrq() (uint8, error) {
	id, err := a.irqs.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoFreeIrq, err)
	}
	return uint8(id), nil
}

func (a *IoAllocator) FreeIrq(irq uint8) {
	a.irqs.Free(uint32(irq))
}

// MmioAllocations lists the live BAR windows in address order.
func (a *IoAllocator) MmioAllocations() []hv.MMIOAllocation {
	return a.mmio.Allocations()
}
