// Package idalloc hands out small integer identifiers (memory slots, PCI
// device numbers, interrupt lines) lowest-first from a fixed range.
package idalloc

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// ErrExhausted is returned when every id in the range is in use.
var ErrExhausted = errors.New("idalloc: no free id")

// Allocator tracks ids in the inclusive range [first, last].
type Allocator struct {
	mu    sync.Mutex
	first uint32
	last  uint32
	inUse bitmap.Bitmap
}

// New returns an allocator for [first, last].
func New(first, last uint32) *Allocator {
	if last < first {
		panic(fmt.Sprintf("idalloc: invalid range [%d, %d]", first, last))
	}
	return &Allocator{
		first: first,
		last:  last,
		inUse: bitmap.New(last - first + 1),
	}
}

// Allocate reserves and returns the lowest free id.
func (a *Allocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.inUse.FirstZero(0)
	if err != nil || idx > a.last-a.first {
		return 0, fmt.Errorf("%w in [%d, %d]", ErrExhausted, a.first, a.last)
	}
	a.inUse.Add(idx)
	return a.first + idx, nil
}

// Reserve marks id as used. It reports false if id is outside the range or
// already taken.
func (a *Allocator) Reserve(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < a.first || id > a.last {
		return false
	}
	idx := id - a.first
	if a.isSet(idx) {
		return false
	}
	a.inUse.Add(idx)
	return true
}

// Free releases id. Freeing an id that is not in use is a no-op.
func (a *Allocator) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < a.first || id > a.last {
		return
	}
	a.inUse.Remove(id - a.first)
}

// InUse reports whether id is currently allocated.
func (a *Allocator) InUse(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < a.first || id > a.last {
		return false
	}
	return a.isSet(id - a.first)
}

// isSet reports whether bit idx of the in-use set is set. The caller holds
// a.mu.
func (a *Allocator) isSet(idx uint32) bool {
	bit, err := a.inUse.FirstOne(idx)
	return err == nil && bit == idx
}

// Count returns the number of allocated ids.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.inUse.GetNumOnes())
}
