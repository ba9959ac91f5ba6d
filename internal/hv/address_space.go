package hv

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrAddressSpaceExhausted = errors.New("address_space: no free range large enough")

// MMIOAllocationRequest asks for Size bytes aligned to Alignment (4KB when
// zero).
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (a MMIOAllocation) End() uint64 { return a.Base + a.Size }

// AddressSpace hands out guest-physical MMIO ranges from a fixed window,
// first-fit, and takes them back on Free.
type AddressSpace struct {
	mu sync.Mutex

	base uint64
	size uint64

	// sorted by Base
	allocations []MMIOAllocation
}

// NewAddressSpace manages the window [base, base+size).
func NewAddressSpace(base, size uint64) *AddressSpace {
	return &AddressSpace{base: base, size: size}
}

// Allocate places the request in the lowest gap that fits.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}
	size := AlignUp(req.Size, alignment)

	end := a.base + a.size
	cursor := a.base
	insertAt := len(a.allocations)
	for i, alloc := range a.allocations {
		if candidate := AlignUp(cursor, alignment); candidate+size <= alloc.Base {
			insertAt = i
			break
		}
		cursor = alloc.End()
	}
	cursor = AlignUp(cursor, alignment)
	if cursor+size > end || cursor+size < cursor {
		return MMIOAllocation{}, fmt.Errorf("%w: %s wants 0x%x bytes", ErrAddressSpaceExhausted, req.Name, size)
	}

	alloc := MMIOAllocation{Name: req.Name, Base: cursor, Size: size}
	a.allocations = append(a.allocations, MMIOAllocation{})
	copy(a.allocations[insertAt+1:], a.allocations[insertAt:])
	a.allocations[insertAt] = alloc
	return alloc, nil
}

// RegisterFixed reserves a pre-determined region inside the window.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	if base < a.base || base+size > a.base+a.size {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) outside window [0x%x-0x%x)",
			name, base, base+size, a.base, a.base+a.size)
	}
	for _, alloc := range a.allocations {
		if base < alloc.End() && base+size > alloc.Base {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, base+size, alloc.Name, alloc.Base, alloc.End())
		}
	}

	a.allocations = append(a.allocations, MMIOAllocation{Name: name, Base: base, Size: size})
	sort.Slice(a.allocations, func(i, j int) bool { return a.allocations[i].Base < a.allocations[j].Base })
	return nil
}

// Free releases the allocation starting at base. It reports whether one was
// found.
func (a *AddressSpace) Free(base uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, alloc := range a.allocations {
		if alloc.Base == base {
			a.allocations = append(a.allocations[:i], a.allocations[i+1:]...)
			return true
		}
	}
	return false
}

// Allocations returns a copy of all live allocations in address order.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

func (a *AddressSpace) Base() uint64 { return a.base }
func (a *AddressSpace) Size() uint64 { return a.size }

// AlignUp aligns value up to the specified power-of-two alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
