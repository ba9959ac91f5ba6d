package hv

import (
	"errors"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

// RegionRegistrar installs guest-physical memory regions. A size of zero
// removes the region previously installed in slot.
type RegionRegistrar interface {
	SetUserMemoryRegion(slot uint32, guestPhys, size uint64, hostAddr uintptr) error
}

// EventRegistrar wires eventfds into the hypervisor's interrupt and MMIO
// notification paths.
type EventRegistrar interface {
	// RegisterIrqfd makes a write to fd assert interrupt line gsi.
	RegisterIrqfd(fd int, gsi uint32) error
	UnregisterIrqfd(fd int, gsi uint32) error

	// RegisterIoeventfd makes a guest write of any value to the MMIO address
	// addr signal fd instead of exiting to userspace. A length of zero
	// matches writes of any width.
	RegisterIoeventfd(fd int, addr uint64, length uint32) error
	UnregisterIoeventfd(fd int, addr uint64, length uint32) error
}

// VM is the subset of a hypervisor virtual machine the device layer needs.
type VM interface {
	io.Closer

	RegionRegistrar
	EventRegistrar

	// MemorySlotCount is the number of memory slots the hypervisor accepts.
	MemorySlotCount() uint32
}
