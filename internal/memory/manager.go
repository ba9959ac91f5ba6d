package memory

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vio/internal/hv"
	"github.com/tinyrange/vio/internal/idalloc"
)

const (
	// DeviceMemorySize is the size of the window device memory is placed in.
	DeviceMemorySize uint64 = 1 << 32

	deviceMemoryAlign uint64 = 2 << 20

	// DefaultSlotCount is used when the hypervisor does not report a limit.
	DefaultSlotCount uint32 = 32
)

type registration struct {
	guestAddr uint64
	size      uint64
	mapping   []byte
}

// MemoryManager registers host memory (typically a memfd shared with
// another process) into the guest physical address space above RAM. It
// owns the hypervisor's memory slots: slots below the RAM region count are
// taken by RAM, the rest are handed out to device memory lowest-first.
type MemoryManager struct {
	vm  hv.RegionRegistrar
	ram *GuestRAM

	mu        sync.Mutex
	slots     *idalloc.Allocator
	allocator *AddressAllocator
	mappings  map[uint32]registration
}

// DeviceMemoryBase places device memory at a 2MiB boundary after RAM, or
// at 4GiB, whichever is higher.
func DeviceMemoryBase(ram *GuestRAM) uint64 {
	top := alignUp(ram.End(), deviceMemoryAlign)
	return max(top, HighMemoryBase)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// NewMemoryManager returns a manager for ram. slotCount is the number of
// memory slots the hypervisor accepts; zero selects DefaultSlotCount.
func NewMemoryManager(vm hv.RegionRegistrar, ram *GuestRAM, slotCount uint32) *MemoryManager {
	if slotCount == 0 {
		slotCount = DefaultSlotCount
	}
	slots := idalloc.New(0, slotCount-1)
	for i := 0; i < ram.RegionCount(); i++ {
		slots.Reserve(uint32(i))
	}
	return &MemoryManager{
		vm:        vm,
		ram:       ram,
		slots:     slots,
		allocator: NewAddressAllocator(DeviceMemoryBase(ram), DeviceMemorySize),
		mappings:  make(map[uint32]registration),
	}
}

func (m *MemoryManager) GuestRAM() *GuestRAM { return m.ram }

// Allocator is the device memory address allocator.
func (m *MemoryManager) Allocator() *AddressAllocator { return m.allocator }

// RegisterDeviceMemory maps size bytes of fd and installs them in the guest.
// It returns the guest page frame number and the memory slot used. On
// failure nothing stays allocated.
func (m *MemoryManager) RegisterDeviceMemory(fd int, size uint64) (pfn uint64, slot uint32, err error) {
	size = roundToPage(size)
	if size == 0 {
		return 0, 0, fmt.Errorf("%w: zero sized region", ErrDeviceMemoryAllocFailed)
	}
	mapping, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, 0, fmt.Errorf("memory: failed to create mapping for device memory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	addr, err := m.allocator.Allocate(size)
	if err != nil {
		unix.Munmap(mapping)
		return 0, 0, err
	}
	slot, err = m.slots.Allocate()
	if err != nil {
		m.allocator.Free(addr)
		unix.Munmap(mapping)
		return 0, 0, fmt.Errorf("%w: %w", ErrNoFreeSlot, err)
	}

	hostAddr := uintptr(unsafe.Pointer(&mapping[0]))
	if err := m.vm.SetUserMemoryRegion(slot, addr, size, hostAddr); err != nil {
		m.allocator.Free(addr)
		m.slots.Free(slot)
		unix.Munmap(mapping)
		return 0, 0, fmt.Errorf("memory: failed to register device memory: %w", err)
	}

	m.mappings[slot] = registration{guestAddr: addr, size: size, mapping: mapping}
	slog.Debug("memory: registered device memory", "slot", slot, "addr", fmt.Sprintf("%#x", addr), "size", size)
	return addr / PageSize, slot, nil
}

// UnregisterDeviceMemory removes the region in slot from the guest and
// releases its address range and slot. Unknown slots are ignored.
func (m *MemoryManager) UnregisterDeviceMemory(slot uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.mappings[slot]
	if !ok {
		return nil
	}
	if err := m.vm.SetUserMemoryRegion(slot, reg.guestAddr, 0, 0); err != nil {
		return fmt.Errorf("memory: failed to unregister device memory in slot %d: %w", slot, err)
	}
	delete(m.mappings, slot)
	m.allocator.Free(reg.guestAddr)
	m.slots.Free(slot)
	if err := unix.Munmap(reg.mapping); err != nil {
		slog.Warn("memory: unmap device memory", "slot", slot, "err", err)
	}
	return nil
}

// Close unregisters all device memory.
func (m *MemoryManager) Close() error {
	m.mu.Lock()
	slots := make([]uint32, 0, len(m.mappings))
	for slot := range m.mappings {
		slots = append(slots, slot)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, slot := range slots {
		if err := m.UnregisterDeviceMemory(slot); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
