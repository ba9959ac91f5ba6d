//go:build linux && !amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vio/internal/hv"
)

func archVMInit(vmFd int) error {
	return fmt.Errorf("kvm: %w on this architecture", hv.ErrHypervisorUnsupported)
}
