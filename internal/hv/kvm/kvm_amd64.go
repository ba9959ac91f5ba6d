//go:build linux && amd64

package kvm

import "fmt"

// Addresses just below 4GiB, above the PCI MMIO window, that KVM needs for
// real mode emulation on Intel hosts.
const (
	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000
)

func archVMInit(vmFd int) error {
	if err := setIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return fmt.Errorf("setting identity map addr: %w", err)
	}
	if err := setTssAddr(vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}
	if _, err := createIrqchip(vmFd); err != nil {
		return fmt.Errorf("creating IRQ chip: %w", err)
	}
	if err := createPit2(vmFd); err != nil {
		return fmt.Errorf("creating PIT: %w", err)
	}
	return nil
}
