// Package memory owns the guest physical address space: guest RAM, the
// device memory window above it, and the hypervisor memory slots that back
// both.
package memory

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vio/internal/hv"
)

const PageSize = 4096

// x86 PC layout.
const (
	HighMemoryBase      uint64 = 1 << 32
	PciMmioReservedSize uint64 = 512 << 20
	PciMmioReservedBase        = HighMemoryBase - PciMmioReservedSize
)

// Region is one contiguous span of guest RAM.
type Region struct {
	Base uint64
	mem  []byte
}

func (r Region) Size() uint64 { return uint64(len(r.mem)) }
func (r Region) End() uint64  { return r.Base + uint64(len(r.mem)) }

// HostAddr is the address of the region's backing memory in this process.
func (r Region) HostAddr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// RegionLayout describes a RAM region to allocate.
type RegionLayout struct {
	Base uint64
	Size uint64
}

// X86Layout places size bytes of RAM below the PCI MMIO hole and the rest
// above 4GiB.
func X86Layout(size uint64) []RegionLayout {
	if size <= PciMmioReservedBase {
		return []RegionLayout{{Base: 0, Size: size}}
	}
	return []RegionLayout{
		{Base: 0, Size: PciMmioReservedBase},
		{Base: HighMemoryBase, Size: size - PciMmioReservedBase},
	}
}

// GuestRAM is the set of RAM regions of a guest, ordered by address.
type GuestRAM struct {
	regions []Region
	mapped  bool
}

// NewGuestRAM returns RAM with no regions. Regions are added with
// AddRegion.
func NewGuestRAM() *GuestRAM {
	return &GuestRAM{}
}

// AllocateGuestRAM maps anonymous memory for every region in layout.
func AllocateGuestRAM(layout []RegionLayout) (*GuestRAM, error) {
	ram := &GuestRAM{mapped: true}
	for _, l := range layout {
		if l.Size == 0 || l.Size%PageSize != 0 {
			ram.Close()
			return nil, fmt.Errorf("memory: ram region size %#x is not a non-zero multiple of the page size", l.Size)
		}
		mem, err := unix.Mmap(-1, 0, int(l.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
		if err != nil {
			ram.Close()
			return nil, fmt.Errorf("memory: map ram at %#x: %w", l.Base, err)
		}
		if err := ram.AddRegion(l.Base, mem); err != nil {
			unix.Munmap(mem)
			ram.Close()
			return nil, err
		}
	}
	return ram, nil
}

// AddRegion adds mem as RAM at base.
func (g *GuestRAM) AddRegion(base uint64, mem []byte) error {
	r := Region{Base: base, mem: mem}
	if len(mem) == 0 || r.End() < base {
		return fmt.Errorf("memory: invalid ram region at %#x", base)
	}
	idx := sort.Search(len(g.regions), func(i int) bool { return g.regions[i].Base >= base })
	if idx > 0 && g.regions[idx-1].End() > base {
		return fmt.Errorf("%w: %#x", ErrRegionOverlap, base)
	}
	if idx < len(g.regions) && g.regions[idx].Base < r.End() {
		return fmt.Errorf("%w: %#x", ErrRegionOverlap, base)
	}
	g.regions = append(g.regions, Region{})
	copy(g.regions[idx+1:], g.regions[idx:])
	g.regions[idx] = r
	return nil
}

// Close unmaps RAM allocated by AllocateGuestRAM.
func (g *GuestRAM) Close() error {
	if !g.mapped {
		return nil
	}
	var firstErr error
	for _, r := range g.regions {
		if err := unix.Munmap(r.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.regions = nil
	return firstErr
}

func (g *GuestRAM) RegionCount() int { return len(g.regions) }

func (g *GuestRAM) Regions() []Region {
	out := make([]Region, len(g.regions))
	copy(out, g.regions)
	return out
}

// End is the address just past the highest RAM byte.
func (g *GuestRAM) End() uint64 {
	if len(g.regions) == 0 {
		return 0
	}
	return g.regions[len(g.regions)-1].End()
}

// RegisterWith installs every RAM region with the hypervisor, region i in
// slot i.
func (g *GuestRAM) RegisterWith(vm hv.RegionRegistrar) error {
	for i, r := range g.regions {
		if err := vm.SetUserMemoryRegion(uint32(i), r.Base, r.Size(), r.HostAddr()); err != nil {
			return fmt.Errorf("memory: register ram region %d at %#x: %w", i, r.Base, err)
		}
	}
	return nil
}

func (g *GuestRAM) regionAt(addr uint64) (*Region, bool) {
	idx := sort.Search(len(g.regions), func(i int) bool { return g.regions[i].End() > addr })
	if idx == len(g.regions) || g.regions[idx].Base > addr {
		return nil, false
	}
	return &g.regions[idx], true
}

// IsValidRange reports whether [addr, addr+size) lies inside one RAM region.
func (g *GuestRAM) IsValidRange(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	r, ok := g.regionAt(addr)
	return ok && end <= r.End()
}

// Slice returns guest RAM at [addr, addr+size) without copying.
func (g *GuestRAM) Slice(addr, size uint64) ([]byte, error) {
	if !g.IsValidRange(addr, size) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrOutOfRange, addr, size)
	}
	r, _ := g.regionAt(addr)
	off := addr - r.Base
	return r.mem[off : off+size : off+size], nil
}

// ReadAt implements io.ReaderAt over guest physical addresses. A read that
// runs into unmapped space returns the bytes copied so far and an error.
func (g *GuestRAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfRange)
	}
	addr := uint64(off)
	n := 0
	for n < len(p) {
		r, ok := g.regionAt(addr)
		if !ok {
			return n, fmt.Errorf("%w: read at %#x", ErrOutOfRange, addr)
		}
		c := copy(p[n:], r.mem[addr-r.Base:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (g *GuestRAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfRange)
	}
	addr := uint64(off)
	n := 0
	for n < len(p) {
		r, ok := g.regionAt(addr)
		if !ok {
			return n, fmt.Errorf("%w: write at %#x", ErrOutOfRange, addr)
		}
		c := copy(r.mem[addr-r.Base:], p[n:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

func (g *GuestRAM) ReadU16(addr uint64) (uint16, error) {
	b, err := g.Slice(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (g *GuestRAM) ReadU32(addr uint64) (uint32, error) {
	b, err := g.Slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (g *GuestRAM) ReadU64(addr uint64) (uint64, error) {
	b, err := g.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (g *GuestRAM) WriteU16(addr uint64, v uint16) error {
	b, err := g.Slice(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (g *GuestRAM) WriteU32(addr uint64, v uint32) error {
	b, err := g.Slice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (g *GuestRAM) WriteU64(addr uint64, v uint64) error {
	b, err := g.Slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}
