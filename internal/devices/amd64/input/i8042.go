package input

import (
	"log/slog"

	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vio/internal/bus"
)

// Offsets inside the 8-port window registered at 0x60.
const (
	i8042DataOffset    uint64 = 0 // 0x60
	i8042Port61Offset  uint64 = 1 // 0x61
	i8042CommandOffset uint64 = 4 // 0x64
)

const (
	i8042CommandResetCPU = 0xfe

	// Bit 5 of port 0x61 is the refresh toggle some firmware polls on.
	port61RefreshToggle = 0x20
)

// I8042 is the minimal keyboard controller a Linux guest needs: an empty
// status register and the pulse-reset command.
type I8042 struct {
	reset eventfd.Eventfd
}

// NewI8042 returns a controller that signals reset when the guest asks for a
// CPU reset.
func NewI8042(reset eventfd.Eventfd) *I8042 {
	return &I8042{reset: reset}
}

// Read implements bus.Device.
func (c *I8042) Read(offset uint64, data []byte) {
	if len(data) != 1 {
		return
	}
	if offset == i8042Port61Offset {
		data[0] = port61RefreshToggle
		return
	}
	data[0] = 0
}

// Write implements bus.Device.
func (c *I8042) Write(offset uint64, data []byte) {
	if len(data) != 1 || offset != i8042CommandOffset {
		return
	}
	if data[0] != i8042CommandResetCPU {
		return
	}
	slog.Debug("i8042: guest requested reset")
	if err := c.reset.Notify(); err != nil {
		slog.Warn("i8042: failed to signal reset event", "err", err)
	}
}

var _ bus.Device = (*I8042)(nil)
