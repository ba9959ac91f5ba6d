//go:build linux

package kvm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

func checkKVMAvailable(t *testing.T) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	require.NoError(t, hv.Close())
}

func newTestVM(t *testing.T) *VirtualMachine {
	t.Helper()
	checkKVMAvailable(t)

	kvm, err := Open()
	require.NoError(t, err)
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine()
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })
	return vm
}

func TestABISizes(t *testing.T) {
	require.Equal(t, uintptr(32), unsafe.Sizeof(kvmIrqfdArgs{}), "kvm_irqfd")
	require.Equal(t, uintptr(64), unsafe.Sizeof(kvmIoeventfdArgs{}), "kvm_ioeventfd")
	require.Equal(t, uintptr(32), unsafe.Sizeof(kvmUserspaceMemoryRegion{}), "kvm_userspace_memory_region")
	require.Equal(t, uintptr(64), unsafe.Sizeof(kvmPitConfig{}), "kvm_pit_config")
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	require.NoError(t, err)
	require.NoError(t, hv.Close())
}

func TestNewVirtualMachine(t *testing.T) {
	vm := newTestVM(t)

	require.NotZero(t, vm.MemorySlotCount())
	require.NoError(t, vm.Close())
	require.NoError(t, vm.Close(), "second Close")
}

func TestMemoryRegion(t *testing.T) {
	vm := newTestVM(t)

	mem, err := unix.Mmap(-1, 0, 0x10000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	require.NoError(t, err)
	defer unix.Munmap(mem)

	require.NoError(t, vm.SetUserMemoryRegion(0, 0, uint64(len(mem)), uintptr(unsafe.Pointer(&mem[0]))))
	require.NoError(t, vm.SetUserMemoryRegion(0, 0, 0, 0), "remove region")
}

func TestIrqfdAndIoeventfd(t *testing.T) {
	vm := newTestVM(t)

	irq, err := eventfd.Create()
	require.NoError(t, err)
	defer irq.Close()
	require.NoError(t, vm.RegisterIrqfd(irq.FD(), 5))
	require.NoError(t, vm.UnregisterIrqfd(irq.FD(), 5))

	notify, err := eventfd.Create()
	require.NoError(t, err)
	defer notify.Close()
	require.NoError(t, vm.RegisterIoeventfd(notify.FD(), 0xe0000400, 0))
	require.NoError(t, vm.UnregisterIoeventfd(notify.FD(), 0xe0000400, 0))
}
