package memory

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

type block struct {
	start uint64
	size  uint64
}

func (b block) end() uint64 { return b.start + b.size }

func lessBlock(a, b block) bool { return a.start < b.start }

// AddressAllocator hands out page-aligned ranges of guest physical address
// space from [base, base+size). Requests take the smallest free block that
// fits, the lowest such block on a tie. Freed ranges merge with adjacent
// free space.
type AddressAllocator struct {
	mu   sync.Mutex
	base uint64
	size uint64
	free *btree.BTreeG[block]
	used map[uint64]uint64
}

// NewAddressAllocator panics if base or size are not page aligned.
func NewAddressAllocator(base, size uint64) *AddressAllocator {
	if base%PageSize != 0 || size%PageSize != 0 || size == 0 {
		panic(fmt.Sprintf("memory: allocator window %#x+%#x is not page aligned", base, size))
	}
	a := &AddressAllocator{
		base: base,
		size: size,
		free: btree.NewG(8, lessBlock),
		used: make(map[uint64]uint64),
	}
	a.free.ReplaceOrInsert(block{start: base, size: size})
	return a
}

func (a *AddressAllocator) Base() uint64 { return a.base }
func (a *AddressAllocator) Size() uint64 { return a.size }

func roundToPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Allocate reserves size bytes, rounded up to a whole page, and returns the
// base address.
func (a *AddressAllocator) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero sized request", ErrDeviceMemoryAllocFailed)
	}
	size = roundToPage(size)
	if size == 0 {
		return 0, fmt.Errorf("%w: size overflows", ErrDeviceMemoryAllocFailed)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var best block
	found := false
	a.free.Ascend(func(b block) bool {
		if b.size >= size && (!found || b.size < best.size) {
			best = b
			found = true
		}
		return true
	})
	if !found {
		return 0, fmt.Errorf("%w: no free range of %#x bytes", ErrDeviceMemoryAllocFailed, size)
	}

	a.free.Delete(best)
	if best.size > size {
		a.free.ReplaceOrInsert(block{start: best.start + size, size: best.size - size})
	}
	a.used[best.start] = size
	return best.start, nil
}

// Free releases the range that starts at addr. It reports false if addr is
// not the base of an allocated range.
func (a *AddressAllocator) Free(addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.used[addr]
	if !ok {
		return false
	}
	delete(a.used, addr)

	freed := block{start: addr, size: size}
	if prev, ok := a.neighbour(addr, true); ok && prev.end() == freed.start {
		a.free.Delete(prev)
		freed = block{start: prev.start, size: prev.size + freed.size}
	}
	if next, ok := a.neighbour(freed.end(), false); ok && next.start == freed.end() {
		a.free.Delete(next)
		freed.size += next.size
	}
	a.free.ReplaceOrInsert(freed)
	return true
}

// neighbour returns the free block with the greatest start <= addr, or
// with below false the free block with the smallest start >= addr.
func (a *AddressAllocator) neighbour(addr uint64, below bool) (block, bool) {
	var found block
	var ok bool
	visit := func(b block) bool {
		found, ok = b, true
		return false
	}
	if below {
		a.free.DescendLessOrEqual(block{start: addr}, visit)
	} else {
		a.free.AscendGreaterOrEqual(block{start: addr}, visit)
	}
	return found, ok
}

// Available returns the number of unallocated bytes.
func (a *AddressAllocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	a.free.Ascend(func(b block) bool {
		total += b.size
		return true
	})
	return total
}
