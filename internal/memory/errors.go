package memory

import "errors"

var (
	// ErrDeviceMemoryAllocFailed is returned when the device memory window
	// has no free range large enough for a request.
	ErrDeviceMemoryAllocFailed = errors.New("memory: failed to allocate memory for device")

	// ErrNoFreeSlot is returned when every hypervisor memory slot is in use.
	ErrNoFreeSlot = errors.New("memory: no free memory slot")

	// ErrOutOfRange is returned by guest RAM accessors for addresses that are
	// not backed by RAM.
	ErrOutOfRange = errors.New("memory: guest address range is not mapped")

	ErrRegionOverlap = errors.New("memory: ram region overlaps an existing region")
)
