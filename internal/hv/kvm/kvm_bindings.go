//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion = ioctlInt(kvmGetApiVersion)
	createVm      = ioctlInt(kvmCreateVm)
	createIrqchip = ioctlInt(kvmCreateIrqchip)
)

func checkExtension(fd int, capability int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(capability))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func setTssAddr(fd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmSetTssAddr, uintptr(addr))
	return err
}

func setIdentityMapAddr(fd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	return err
}

func createPit2(fd int) error {
	var config kvmPitConfig
	_, err := ioctlWithRetry(uintptr(fd), kvmCreatePit2, uintptr(unsafe.Pointer(&config)))
	return err
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func irqfd(fd int, args *kvmIrqfdArgs) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmIrqfd, uintptr(unsafe.Pointer(args)))
	return err
}

func ioeventfd(fd int, args *kvmIoeventfdArgs) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmIoeventfd, uintptr(unsafe.Pointer(args)))
	return err
}
