//go:build linux

// Package kvm implements hv.VM on Linux KVM.
package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vio/internal/hv"
)

// Hypervisor is an open handle on /dev/kvm.
type Hypervisor struct {
	fd int
}

// Open opens /dev/kvm and checks the API version.
func Open() (*Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &Hypervisor{fd: fd}, nil
}

func (h *Hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// CheckExtension returns the KVM_CHECK_EXTENSION value for capability.
func (h *Hypervisor) CheckExtension(capability int) (int, error) {
	v, err := checkExtension(h.fd, capability)
	if err != nil {
		return 0, fmt.Errorf("kvm: check extension %d: %w", capability, err)
	}
	return v, nil
}

// VirtualMachine is a KVM VM with an in-kernel irqchip. It carries no
// vCPUs; callers that run guest code create them on the VM fd.
type VirtualMachine struct {
	mu       sync.Mutex
	vmFd     int
	memSlots uint32
}

// NewVirtualMachine creates a VM and its in-kernel interrupt controllers.
func (h *Hypervisor) NewVirtualMachine() (*VirtualMachine, error) {
	for _, capability := range []int{kvmCapIrqchip, kvmCapIrqfd, kvmCapIoeventfd} {
		if v, err := h.CheckExtension(capability); err != nil {
			return nil, err
		} else if v == 0 {
			return nil, fmt.Errorf("kvm: required capability %d: %w", capability, hv.ErrHypervisorUnsupported)
		}
	}

	slots, err := h.CheckExtension(kvmCapNrMemslots)
	if err != nil {
		return nil, err
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &VirtualMachine{vmFd: vmFd, memSlots: uint32(slots)}
	if err := archVMInit(vmFd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("initialize VM: %w", err)
	}

	runtime.SetFinalizer(vm, func(v *VirtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

// Close implements hv.VM.
func (v *VirtualMachine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return nil
	}
	fd := v.vmFd
	v.vmFd = -1
	runtime.SetFinalizer(v, nil)
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close vm fd: %w", err)
	}
	return nil
}

// FD is the VM file descriptor.
func (v *VirtualMachine) FD() int { return v.vmFd }

// MemorySlotCount implements hv.VM.
func (v *VirtualMachine) MemorySlotCount() uint32 { return v.memSlots }

// SetUserMemoryRegion implements hv.RegionRegistrar.
func (v *VirtualMachine) SetUserMemoryRegion(slot uint32, guestPhys, size uint64, hostAddr uintptr) error {
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhys,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}); err != nil {
		return fmt.Errorf("set user memory region %d: %w", slot, err)
	}
	return nil
}

// RegisterIrqfd implements hv.EventRegistrar.
func (v *VirtualMachine) RegisterIrqfd(fd int, gsi uint32) error {
	if err := irqfd(v.vmFd, &kvmIrqfdArgs{Fd: uint32(fd), Gsi: gsi}); err != nil {
		return fmt.Errorf("kvm: register irqfd for gsi %d: %w", gsi, err)
	}
	return nil
}

// UnregisterIrqfd implements hv.EventRegistrar.
func (v *VirtualMachine) UnregisterIrqfd(fd int, gsi uint32) error {
	if err := irqfd(v.vmFd, &kvmIrqfdArgs{Fd: uint32(fd), Gsi: gsi, Flags: kvmIrqfdFlagDeassign}); err != nil {
		return fmt.Errorf("kvm: unregister irqfd for gsi %d: %w", gsi, err)
	}
	return nil
}

// RegisterIoeventfd implements hv.EventRegistrar. The eventfd matches MMIO
// writes of any value.
func (v *VirtualMachine) RegisterIoeventfd(fd int, addr uint64, length uint32) error {
	if err := ioeventfd(v.vmFd, &kvmIoeventfdArgs{Addr: addr, Len: length, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("kvm: register ioeventfd at %#x: %w", addr, err)
	}
	return nil
}

// UnregisterIoeventfd implements hv.EventRegistrar.
func (v *VirtualMachine) UnregisterIoeventfd(fd int, addr uint64, length uint32) error {
	if err := ioeventfd(v.vmFd, &kvmIoeventfdArgs{Addr: addr, Len: length, Fd: int32(fd), Flags: kvmIoeventfdFlagDeassign}); err != nil {
		return fmt.Errorf("kvm: unregister ioeventfd at %#x: %w", addr, err)
	}
	return nil
}

var _ hv.VM = (*VirtualMachine)(nil)
