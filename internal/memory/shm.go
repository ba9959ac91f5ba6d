package memory

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

const shmName = "vio-dev-shm"

// DrmPlaneDescriptor describes one plane of a DRM buffer.
type DrmPlaneDescriptor struct {
	Stride uint32
	Offset uint32
}

// DrmDescriptor describes the layout of a DRM buffer.
type DrmDescriptor struct {
	Planes [3]DrmPlaneDescriptor
}

// SharedMemoryAllocation is a buffer registered into guest physical memory.
type SharedMemoryAllocation struct {
	PFN  uint64
	Size uint64
	Slot uint32
	// RawFD stays owned by the manager until FreeBuffer.
	RawFD int
	// DrmDescriptor is only set for DRM buffers.
	DrmDescriptor *DrmDescriptor
}

// DeviceSharedMemoryManager tracks buffers shared between host and guest.
// Buffers are opaque to the hypervisor and referred to by file descriptor;
// a guest driver sees them at the page frame number returned here.
type DeviceSharedMemoryManager struct {
	mm *MemoryManager

	mu    sync.Mutex
	files map[uint32]*os.File
}

func NewDeviceSharedMemoryManager(mm *MemoryManager) *DeviceSharedMemoryManager {
	return &DeviceSharedMemoryManager{mm: mm, files: make(map[uint32]*os.File)}
}

func createSealedMemfd(size uint64) (*os.File, error) {
	fd, err := unix.MemfdCreate(shmName, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memory: memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), shmName)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("memory: size shared memory: %w", err)
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		f.Close()
		return nil, fmt.Errorf("memory: seal shared memory: %w", err)
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_SEAL); err != nil {
		f.Close()
		return nil, fmt.Errorf("memory: seal shared memory: %w", err)
	}
	return f, nil
}

// AllocateBuffer creates a sealed memfd of size bytes and registers it.
func (m *DeviceSharedMemoryManager) AllocateBuffer(size uint64) (SharedMemoryAllocation, error) {
	if size == 0 {
		return SharedMemoryAllocation{}, fmt.Errorf("%w: zero sized buffer", ErrDeviceMemoryAllocFailed)
	}
	f, err := createSealedMemfd(size)
	if err != nil {
		return SharedMemoryAllocation{}, err
	}
	return m.register(f, size)
}

// AllocateBufferFromFile registers the whole of f. The manager takes
// ownership of f.
func (m *DeviceSharedMemoryManager) AllocateBufferFromFile(f *os.File) (SharedMemoryAllocation, error) {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return SharedMemoryAllocation{}, fmt.Errorf("memory: size shared memory file: %w", err)
	}
	if end <= 0 {
		f.Close()
		return SharedMemoryAllocation{}, fmt.Errorf("%w: empty file", ErrDeviceMemoryAllocFailed)
	}
	return m.register(f, uint64(end))
}

func (m *DeviceSharedMemoryManager) register(f *os.File, size uint64) (SharedMemoryAllocation, error) {
	pfn, slot, err := m.mm.RegisterDeviceMemory(int(f.Fd()), size)
	if err != nil {
		f.Close()
		return SharedMemoryAllocation{}, err
	}

	m.mu.Lock()
	m.files[slot] = f
	m.mu.Unlock()

	return SharedMemoryAllocation{PFN: pfn, Size: size, Slot: slot, RawFD: int(f.Fd())}, nil
}

// FreeBuffer unregisters the buffer in slot and closes its file. Unknown
// slots are ignored.
func (m *DeviceSharedMemoryManager) FreeBuffer(slot uint32) error {
	if err := m.mm.UnregisterDeviceMemory(slot); err != nil {
		return err
	}

	m.mu.Lock()
	f, ok := m.files[slot]
	delete(m.files, slot)
	m.mu.Unlock()

	if ok {
		return f.Close()
	}
	return nil
}

// Close frees every buffer.
func (m *DeviceSharedMemoryManager) Close() error {
	m.mu.Lock()
	slots := make([]uint32, 0, len(m.files))
	for slot := range m.files {
		slots = append(slots, slot)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, slot := range slots {
		if err := m.FreeBuffer(slot); err != nil {
			result = multierror.Append(result, fmt.Errorf("slot %d: %w", slot, err))
		}
	}
	return result.ErrorOrNil()
}
