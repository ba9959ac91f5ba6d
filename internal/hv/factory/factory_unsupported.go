//go:build !(linux && amd64)

package factory

import "github.com/tinyrange/vio/internal/hv"

func NewVM() (hv.VM, error) {
	return nil, hv.ErrHypervisorUnsupported
}
