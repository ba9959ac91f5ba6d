// Package config loads the machine layout used by vio-probe: guest RAM size,
// the PCI MMIO window, the interrupt lines handed to PCI devices, and the
// virtio devices to attach.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vio/internal/devices/virtio"
	"github.com/tinyrange/vio/internal/memory"
)

const (
	DefaultMemory = 512 * datasize.MB
	DefaultQueue  = 128

	maxQueueSize = 1024
	// The IOAPIC has 24 pins.
	maxIrq = 23
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the YAML layout file.
type Config struct {
	Memory      datasize.ByteSize `yaml:"memory"`
	PciMmioBase uint64            `yaml:"pci_mmio_base"`
	PciMmioSize datasize.ByteSize `yaml:"pci_mmio_size"`
	IrqBase     uint8             `yaml:"irq_base"`
	IrqMax      uint8             `yaml:"irq_max"`
	Devices     []Device          `yaml:"devices,omitempty"`
}

// Device describes one virtio device. Type is one of the names understood
// by virtio.ParseDeviceType.
type Device struct {
	Type       string   `yaml:"type"`
	Queues     []uint16 `yaml:"queues,omitempty"`
	Features   uint64   `yaml:"features,omitempty"`
	ConfigSize int      `yaml:"config_size,omitempty"`
}

// Default is a 512MB x86 machine with one entropy device.
func Default() Config {
	return Config{
		Memory:      DefaultMemory,
		PciMmioBase: memory.PciMmioReservedBase,
		PciMmioSize: datasize.ByteSize(memory.PciMmioReservedSize),
		IrqBase:     5,
		IrqMax:      maxIrq,
		Devices:     []Device{{Type: virtio.DeviceTypeRng.String(), Queues: []uint16{DefaultQueue}}},
	}
}

func (c *Config) normalize() {
	def := Default()
	if c.Memory == 0 {
		c.Memory = def.Memory
	}
	if c.PciMmioBase == 0 {
		c.PciMmioBase = def.PciMmioBase
	}
	if c.PciMmioSize == 0 {
		c.PciMmioSize = def.PciMmioSize
	}
	if c.IrqBase == 0 {
		c.IrqBase = def.IrqBase
	}
	if c.IrqMax == 0 {
		c.IrqMax = def.IrqMax
	}
	for i := range c.Devices {
		if len(c.Devices[i].Queues) == 0 {
			c.Devices[i].Queues = []uint16{DefaultQueue}
		}
	}
}

// Parse decodes a layout file, fills unset fields from Default and
// validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the layout file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the layout against what the machine model supports.
func (c Config) Validate() error {
	mem := c.Memory.Bytes()
	if mem == 0 || mem%memory.PageSize != 0 {
		return invalid("memory %s is not a non-zero multiple of the page size", c.Memory.HR())
	}

	size := c.PciMmioSize.Bytes()
	if size == 0 || size%memory.PageSize != 0 || c.PciMmioBase%memory.PageSize != 0 {
		return invalid("pci mmio window %#x+%#x is not page aligned", c.PciMmioBase, size)
	}
	if c.PciMmioBase+size < c.PciMmioBase || c.PciMmioBase+size > memory.HighMemoryBase {
		return invalid("pci mmio window %#x+%#x must end below 4GiB", c.PciMmioBase, size)
	}
	if low := min(mem, memory.PciMmioReservedBase); c.PciMmioBase < low {
		return invalid("pci mmio window %#x overlaps low memory ending at %#x", c.PciMmioBase, low)
	}

	if c.IrqBase > c.IrqMax || c.IrqMax > maxIrq {
		return invalid("irq range %d..%d is outside 0..%d", c.IrqBase, c.IrqMax, maxIrq)
	}
	if n := int(c.IrqMax-c.IrqBase) + 1; len(c.Devices) > n {
		return invalid("%d devices but only %d interrupt lines", len(c.Devices), n)
	}

	for i, d := range c.Devices {
		if _, err := d.DeviceType(); err != nil {
			return invalid("device %d: %v", i, err)
		}
		if len(d.Queues) == 0 {
			return invalid("device %d (%s): no queues", i, d.Type)
		}
		for q, qs := range d.Queues {
			if qs == 0 || qs > maxQueueSize || qs&(qs-1) != 0 {
				return invalid("device %d (%s): queue %d size %d is not a power of two up to %d", i, d.Type, q, qs, maxQueueSize)
			}
		}
		if d.ConfigSize < 0 || d.ConfigSize > virtio.MmioAreaSize-virtio.MmioOffsetDeviceCfg {
			return invalid("device %d (%s): config size %d out of range", i, d.Type, d.ConfigSize)
		}
	}
	return nil
}

// Layout returns the guest RAM regions for the configured memory size.
func (c Config) Layout() []memory.RegionLayout {
	return memory.X86Layout(c.Memory.Bytes())
}

func (d Device) DeviceType() (virtio.DeviceType, error) {
	return virtio.ParseDeviceType(d.Type)
}
