package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vio/internal/devices/pci"
	"github.com/tinyrange/vio/internal/hv"
)

// DeviceState is the virtio 1.x PCI transport for one Device: PCI identity
// and capabilities, the common configuration state machine, the ISR and
// the device configuration window, all served from BAR0.
type DeviceState struct {
	mu sync.Mutex

	config *pci.Configuration
	device Device
	status uint8
	queues *Queues

	setupErr error
}

// NewDeviceState wires device to interrupt line irq and builds its PCI
// configuration space. Queues are created when BAR0 is assigned.
func NewDeviceState(device Device, mem GuestMemory, events hv.EventRegistrar, irq uint8) (*DeviceState, error) {
	queues, err := NewQueues(mem, events, irq)
	if err != nil {
		return nil, err
	}
	devType := device.DeviceType()
	config := pci.NewConfiguration(queues.Irq(), VIRTIO_PCI_VENDOR_ID, devType.PciDeviceID(), devType.PciClass())
	if err := addPciCapabilities(config, device.ConfigSize()); err != nil {
		queues.Close()
		return nil, err
	}
	return &DeviceState{
		config: config,
		device: device,
		queues: queues,
	}, nil
}

// struct virtio_pci_cap, optionally followed by notify_off_multiplier.
type virtioPciCapability struct {
	cfgType    uint8
	mmioOffset uint32
	mmioLen    uint32
	extraWord  *uint32
}

func (c virtioPciCapability) store(config *pci.Configuration) error {
	capLen := uint8(virtioPCICapLen)
	if c.extraWord != nil {
		capLen = virtioPCINotifyCapLen
	}
	rec := config.NewCapability().
		WriteU8(capLen).
		WriteU8(c.cfgType).
		WriteU32(uint32(pci.Bar0)). // bar plus three bytes of padding
		WriteU32(c.mmioOffset).
		WriteU32(c.mmioLen)
	if c.extraWord != nil {
		rec.WriteU32(*c.extraWord)
	}
	_, err := rec.Store()
	return err
}

func addPciCapabilities(config *pci.Configuration, configSize int) error {
	multiplier := uint32(NotifyOffMultiplier)
	caps := []virtioPciCapability{
		{cfgType: VIRTIO_PCI_CAP_COMMON_CFG, mmioOffset: MmioOffsetCommonCfg, mmioLen: MmioCommonCfgSize},
		{cfgType: VIRTIO_PCI_CAP_ISR_CFG, mmioOffset: MmioOffsetISR, mmioLen: MmioISRSize},
		{cfgType: VIRTIO_PCI_CAP_NOTIFY_CFG, mmioOffset: MmioOffsetNotify, mmioLen: MmioNotifySize, extraWord: &multiplier},
	}
	if configSize > 0 {
		caps = append(caps, virtioPciCapability{cfgType: VIRTIO_PCI_CAP_DEVICE_CFG, mmioOffset: MmioOffsetDeviceCfg, mmioLen: uint32(configSize)})
	}
	for _, c := range caps {
		if err := c.store(config); err != nil {
			return fmt.Errorf("virtio: add capability %d: %w", c.cfgType, err)
		}
	}
	return nil
}

func (s *DeviceState) Lock()   { s.mu.Lock() }
func (s *DeviceState) Unlock() { s.mu.Unlock() }

// Config implements pci.Device.
func (s *DeviceState) Config() *pci.Configuration { return s.config }

// Queues returns the device's queues.
func (s *DeviceState) Queues() *Queues { return s.queues }

// Status returns the device status register.
func (s *DeviceState) Status() uint8 { return s.status }

// NotifyConfigChange raises a configuration change interrupt.
func (s *DeviceState) NotifyConfigChange() { s.queues.Interrupt().NotifyConfig() }

// SetupErr returns the error, if any, from creating queues when BAR0 was
// assigned.
func (s *DeviceState) SetupErr() error { return s.setupErr }

// Close releases the queue eventfds and the irqfd.
func (s *DeviceState) Close() error { return s.queues.Close() }

func (s *DeviceState) reset() {
	s.queues.Reset()
	s.device.Features().Reset()
	s.status = 0
}

func (s *DeviceState) statusWrite(val uint8) {
	newBits := val &^ s.status
	s.status |= newBits

	switch {
	case val == 0:
		s.reset()
	case newBits&VIRTIO_CONFIG_S_FEATURES_OK != 0:
		if !s.device.FeaturesOK() {
			slog.Warn("virtio-pci: device refused negotiated features",
				"device", s.device.DeviceType().String(),
				"features", fmt.Sprintf("%#x", s.device.Features().GuestValue()))
			s.status &^= VIRTIO_CONFIG_S_FEATURES_OK
		}
	case newBits&VIRTIO_CONFIG_S_DRIVER_OK != 0:
		features := s.device.Features().GuestValue()
		if err := s.queues.ConfigureQueues(features); err != nil {
			slog.Warn("virtio-pci: error configuring virtqueue", "device", s.device.DeviceType().String(), "err", err)
			return
		}
		s.device.Start(s.queues)
	case newBits&VIRTIO_CONFIG_S_FAILED != 0:
		slog.Warn("virtio-pci: driver reported failure", "device", s.device.DeviceType().String())
	}
}

func (s *DeviceState) commonConfigWrite(offset uint64, data []byte) {
	switch len(data) {
	case 1:
		switch offset {
		case VIRTIO_PCI_COMMON_STATUS:
			s.statusWrite(data[0])
		default:
			slog.Warn("virtio-pci: unhandled common config byte write", "offset", offset)
		}
	case 2:
		v := binary.LittleEndian.Uint16(data)
		switch offset {
		case VIRTIO_PCI_COMMON_Q_SELECT:
			s.queues.Select(v)
		case VIRTIO_PCI_COMMON_Q_SIZE:
			s.queues.SetSize(v)
		case VIRTIO_PCI_COMMON_Q_ENABLE:
			s.queues.EnableCurrent()
		default:
			slog.Warn("virtio-pci: unhandled common config word write", "offset", offset)
		}
	case 4:
		v := binary.LittleEndian.Uint32(data)
		features := s.device.Features()
		switch offset {
		case VIRTIO_PCI_COMMON_DFSELECT:
			features.SetDeviceSelected(v)
		case VIRTIO_PCI_COMMON_GFSELECT:
			features.SetGuestSelected(v)
		case VIRTIO_PCI_COMMON_GF:
			features.WriteGuestWord(v)
		case VIRTIO_PCI_COMMON_Q_DESCLO:
			s.queues.SetCurrentDescriptorArea(v, false)
		case VIRTIO_PCI_COMMON_Q_DESCHI:
			s.queues.SetCurrentDescriptorArea(v, true)
		case VIRTIO_PCI_COMMON_Q_AVAILLO:
			s.queues.SetAvailArea(v, false)
		case VIRTIO_PCI_COMMON_Q_AVAILHI:
			s.queues.SetAvailArea(v, true)
		case VIRTIO_PCI_COMMON_Q_USEDLO:
			s.queues.SetUsedArea(v, false)
		case VIRTIO_PCI_COMMON_Q_USEDHI:
			s.queues.SetUsedArea(v, true)
		default:
			slog.Warn("virtio-pci: unhandled common config dword write", "offset", offset)
		}
	default:
		slog.Warn("virtio-pci: unhandled common config write", "offset", offset, "len", len(data))
	}
}

// regValue is a register value of its natural width.
type regValue struct {
	width int
	v     uint32
}

func u8Reg(v uint8) regValue   { return regValue{1, uint32(v)} }
func u16Reg(v uint16) regValue { return regValue{2, uint32(v)} }
func u32Reg(v uint32) regValue { return regValue{4, v} }

// put copies the value into data when data is at least as wide.
func (r regValue) put(data []byte) {
	if len(data) < r.width {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], r.v)
	copy(data, buf[:r.width])
}

func (s *DeviceState) commonConfigRead(offset uint64) regValue {
	features := s.device.Features()
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT:
		return u32Reg(features.DeviceSelected())
	case VIRTIO_PCI_COMMON_DF:
		return u32Reg(features.ReadDeviceWord())
	case VIRTIO_PCI_COMMON_GFSELECT:
		return u32Reg(features.GuestSelected())
	case VIRTIO_PCI_COMMON_GF:
		return u32Reg(features.ReadGuestWord())
	case VIRTIO_PCI_COMMON_MSIX:
		return u16Reg(VIRTIO_MSI_NO_VECTOR)
	case VIRTIO_PCI_COMMON_NUMQ:
		return u16Reg(s.queues.NumQueues())
	case VIRTIO_PCI_COMMON_STATUS:
		return u8Reg(s.status)
	case VIRTIO_PCI_COMMON_CFGGENERATION:
		return u8Reg(0)
	case VIRTIO_PCI_COMMON_Q_SELECT:
		return u16Reg(s.queues.SelectedQueue())
	case VIRTIO_PCI_COMMON_Q_SIZE:
		return u16Reg(s.queues.QueueSize())
	case VIRTIO_PCI_COMMON_Q_MSIX:
		return u16Reg(VIRTIO_MSI_NO_VECTOR)
	case VIRTIO_PCI_COMMON_Q_ENABLE:
		if s.queues.IsCurrentEnabled() {
			return u16Reg(1)
		}
		return u16Reg(0)
	case VIRTIO_PCI_COMMON_Q_NOFF:
		return u16Reg(s.queues.SelectedQueue())
	case VIRTIO_PCI_COMMON_Q_DESCLO:
		return u32Reg(s.queues.CurrentDescriptorArea(false))
	case VIRTIO_PCI_COMMON_Q_DESCHI:
		return u32Reg(s.queues.CurrentDescriptorArea(true))
	case VIRTIO_PCI_COMMON_Q_AVAILLO:
		return u32Reg(s.queues.AvailArea(false))
	case VIRTIO_PCI_COMMON_Q_AVAILHI:
		return u32Reg(s.queues.AvailArea(true))
	case VIRTIO_PCI_COMMON_Q_USEDLO:
		return u32Reg(s.queues.UsedArea(false))
	case VIRTIO_PCI_COMMON_Q_USEDHI:
		return u32Reg(s.queues.UsedArea(true))
	default:
		return u32Reg(0)
	}
}

func inArea(base, size, offset uint64, length int) bool {
	return offset >= base && offset+uint64(length) <= base+size
}

func (s *DeviceState) isDeviceConfigRange(offset uint64, length int) bool {
	size := s.device.ConfigSize()
	return size > 0 && inArea(MmioOffsetDeviceCfg, uint64(size), offset, length)
}

func (s *DeviceState) isCommonConfigRange(offset uint64, length int) bool {
	return inArea(MmioOffsetCommonCfg, MmioCommonCfgSize, offset, length)
}

func (s *DeviceState) isNotifyRange(offset uint64, length int) bool {
	return inArea(MmioOffsetNotify, MmioNotifySize, offset, length)
}

// ReadBar implements pci.Device.
func (s *DeviceState) ReadBar(bar pci.Bar, offset uint64, data []byte) {
	if bar != pci.Bar0 {
		slog.Warn("virtio-pci: read from unexpected bar", "bar", bar.Index())
		return
	}
	switch {
	case s.isCommonConfigRange(offset, len(data)):
		clear(data)
		s.commonConfigRead(offset).put(data)
	case offset == MmioOffsetISR && len(data) == 1:
		data[0] = s.queues.IsrRead()
	case s.isDeviceConfigRange(offset, len(data)):
		s.device.ReadConfig(offset-MmioOffsetDeviceCfg, data)
	}
}

// WriteBar implements pci.Device.
func (s *DeviceState) WriteBar(bar pci.Bar, offset uint64, data []byte) {
	if bar != pci.Bar0 {
		slog.Warn("virtio-pci: write to unexpected bar", "bar", bar.Index())
		return
	}
	switch {
	case s.isCommonConfigRange(offset, len(data)):
		s.commonConfigWrite(offset, data)
	case s.isDeviceConfigRange(offset, len(data)):
		s.device.WriteConfig(offset-MmioOffsetDeviceCfg, data)
	case s.isNotifyRange(offset, len(data)):
		s.forwardNotify(offset)
	}
}

// forwardNotify handles a queue notification that reached userspace
// instead of being absorbed by the ioeventfd.
func (s *DeviceState) forwardNotify(offset uint64) {
	idx := int((offset - MmioOffsetNotify) / NotifyOffMultiplier)
	if idx >= int(s.queues.NumQueues()) {
		return
	}
	if err := s.queues.Queue(idx).IoEvent().Notify(); err != nil {
		slog.Warn("virtio-pci: forward queue notify", "queue", idx, "err", err)
	}
}

// Irq implements pci.Device.
func (s *DeviceState) Irq() (uint8, bool) { return s.queues.Irq(), true }

// BarAllocations implements pci.Device.
func (s *DeviceState) BarAllocations() []pci.BarAllocation {
	return []pci.BarAllocation{{Bar: pci.Bar0, Size: MmioAreaSize}}
}

// ConfigureBars implements pci.Device.
func (s *DeviceState) ConfigureBars(assigned []pci.BarAssignment) {
	for _, a := range assigned {
		if a.Bar != pci.Bar0 {
			slog.Warn("virtio-pci: cannot configure unexpected bar", "bar", a.Bar.Index())
			continue
		}
		if err := s.queues.CreateQueues(a.Base, s.device.QueueSizes()); err != nil {
			slog.Warn("virtio-pci: error creating queues", "device", s.device.DeviceType().String(), "err", err)
			s.setupErr = err
		}
	}
}

var _ pci.Device = (*DeviceState)(nil)
