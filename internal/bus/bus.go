// Package bus routes guest port and memory-mapped accesses to the device that
// owns the addressed range.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// ErrOverlap is returned when a new range is empty or intersects a range that
// is already registered.
var ErrOverlap = errors.New("bus: new device overlaps with an old device")

// Device handles accesses relative to the base of its registered range.
type Device interface {
	Read(offset uint64, data []byte)
	Write(offset uint64, data []byte)
}

// Range is the half-open interval [Base, Base+Len).
type Range struct {
	Base uint64
	Len  uint64
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Base, r.Base+r.Len)
}

// Contains reports whether addr falls inside the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Len
}

type entry struct {
	r   Range
	dev Device
}

func lessEntry(a, b entry) bool {
	return a.r.Base < b.r.Base
}

// Bus maps a flat address space onto registered devices. It is used for both
// the PIO and the MMIO address spaces. The bus itself does not serialize
// device accesses; devices that keep mutable state lock internally.
type Bus struct {
	mu      sync.RWMutex
	devices *btree.BTreeG[entry]
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{devices: btree.NewG(8, lessEntry)}
}

// firstBefore returns the entry with the greatest base that is <= addr.
func (b *Bus) firstBefore(addr uint64) (entry, bool) {
	var found entry
	var ok bool
	b.devices.DescendLessOrEqual(entry{r: Range{Base: addr}}, func(e entry) bool {
		found = e
		ok = true
		return false
	})
	return found, ok
}

func (b *Bus) lookup(addr uint64) (uint64, Device, bool) {
	e, ok := b.firstBefore(addr)
	if !ok {
		return 0, nil, false
	}
	offset := addr - e.r.Base
	if offset >= e.r.Len {
		return 0, nil, false
	}
	return offset, e.dev, true
}

// Insert registers dev to handle [base, base+length).
func (b *Bus) Insert(dev Device, base, length uint64) error {
	if length == 0 {
		return fmt.Errorf("%w: zero length range at %#x", ErrOverlap, base)
	}
	if base+length-1 < base {
		return fmt.Errorf("%w: range at %#x wraps the address space", ErrOverlap, base)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// base inside an existing range
	if _, _, ok := b.lookup(base); ok {
		return fmt.Errorf("%w: %s", ErrOverlap, Range{base, length})
	}

	// an existing range starting inside the new one
	if e, ok := b.firstBefore(base + length - 1); ok && e.r.Base >= base {
		return fmt.Errorf("%w: %s conflicts with %s", ErrOverlap, Range{base, length}, e.r)
	}

	if _, replaced := b.devices.ReplaceOrInsert(entry{r: Range{base, length}, dev: dev}); replaced {
		return fmt.Errorf("%w: %s", ErrOverlap, Range{base, length})
	}
	return nil
}

// Device returns the device owning addr and the offset of addr within its
// range.
func (b *Bus) Device(addr uint64) (Device, uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	offset, dev, ok := b.lookup(addr)
	return dev, offset, ok
}

// Read forwards a read at addr. It reports false, leaving data untouched, when
// no device owns addr.
func (b *Bus) Read(addr uint64, data []byte) bool {
	dev, offset, ok := b.Device(addr)
	if !ok {
		return false
	}
	dev.Read(offset, data)
	return true
}

// Write forwards a write at addr. It reports false when no device owns addr.
func (b *Bus) Write(addr uint64, data []byte) bool {
	dev, offset, ok := b.Device(addr)
	if !ok {
		return false
	}
	dev.Write(offset, data)
	return true
}

// Ranges returns the registered ranges in address order.
func (b *Bus) Ranges() []Range {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ranges := make([]Range, 0, b.devices.Len())
	b.devices.Ascend(func(e entry) bool {
		ranges = append(ranges, e.r)
		return true
	})
	return ranges
}

// Remove unregisters the device whose range starts at base. It reports
// whether one was registered there.
func (b *Bus) Remove(base uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.devices.Delete(entry{r: Range{Base: base}})
	return ok
}
