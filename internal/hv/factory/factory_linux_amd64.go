//go:build linux && amd64

package factory

import (
	"fmt"

	"github.com/tinyrange/vio/internal/hv"
	"github.com/tinyrange/vio/internal/hv/kvm"
)

// NewVM opens the host hypervisor and creates a VM on it.
func NewVM() (hv.VM, error) {
	h, err := kvm.Open()
	if err != nil {
		return nil, err
	}
	defer h.Close()

	vm, err := h.NewVirtualMachine()
	if err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}
	return vm, nil
}
