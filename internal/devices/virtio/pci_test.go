package virtio

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vio/internal/devices/pci"
)

type fakeEvents struct {
	mu         sync.Mutex
	irqfds     map[int]uint32
	ioeventfds map[uint64]int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{irqfds: map[int]uint32{}, ioeventfds: map[uint64]int{}}
}

func (f *fakeEvents) RegisterIrqfd(fd int, gsi uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irqfds[fd] = gsi
	return nil
}

func (f *fakeEvents) UnregisterIrqfd(fd int, gsi uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.irqfds, fd)
	return nil
}

func (f *fakeEvents) RegisterIoeventfd(fd int, addr uint64, length uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ioeventfds[addr] = fd
	return nil
}

func (f *fakeEvents) UnregisterIoeventfd(fd int, addr uint64, length uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ioeventfds, addr)
	return nil
}

type startCountingDevice struct {
	BaseDevice
	sizes  []uint16
	refuse bool
	starts int
}

func (d *startCountingDevice) FeaturesOK() bool       { return !d.refuse }
func (d *startCountingDevice) QueueSizes() []uint16   { return d.sizes }
func (d *startCountingDevice) DeviceType() DeviceType { return DeviceTypeRng }
func (d *startCountingDevice) Start(*Queues)          { d.starts++ }

const testBarBase = 0xe0000000

func newTestDeviceState(t *testing.T, configSize int) (*DeviceState, *startCountingDevice, *fakeEvents) {
	t.Helper()
	dev := &startCountingDevice{BaseDevice: NewBaseDevice(0, configSize), sizes: []uint16{8, 8}}
	events := newFakeEvents()
	s, err := NewDeviceState(dev, newMockGuestMemory(testMemorySize), events, 5)
	require.NoError(t, err)
	s.ConfigureBars([]pci.BarAssignment{{Bar: pci.Bar0, Base: testBarBase}})
	require.NoError(t, s.SetupErr())
	t.Cleanup(func() { s.Close() })
	return s, dev, events
}

func write8(s *DeviceState, off uint64, v uint8) { s.WriteBar(pci.Bar0, off, []byte{v}) }

func write16(s *DeviceState, off uint64, v uint16) {
	s.WriteBar(pci.Bar0, off, binary.LittleEndian.AppendUint16(nil, v))
}

func write32(s *DeviceState, off uint64, v uint32) {
	s.WriteBar(pci.Bar0, off, binary.LittleEndian.AppendUint32(nil, v))
}

func read8(s *DeviceState, off uint64) uint8 {
	var b [1]byte
	s.ReadBar(pci.Bar0, off, b[:])
	return b[0]
}

func read16(s *DeviceState, off uint64) uint16 {
	var b [2]byte
	s.ReadBar(pci.Bar0, off, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func read32(s *DeviceState, off uint64) uint32 {
	var b [4]byte
	s.ReadBar(pci.Bar0, off, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func programQueue0(s *DeviceState, size uint16) {
	write16(s, VIRTIO_PCI_COMMON_Q_SELECT, 0)
	write16(s, VIRTIO_PCI_COMMON_Q_SIZE, size)
	write32(s, VIRTIO_PCI_COMMON_Q_DESCLO, testDescTableAddr)
	write32(s, VIRTIO_PCI_COMMON_Q_AVAILLO, testAvailRingAddr)
	write32(s, VIRTIO_PCI_COMMON_Q_USEDLO, testUsedRingAddr)
	write16(s, VIRTIO_PCI_COMMON_Q_ENABLE, 1)
}

func TestDeviceStateIdentity(t *testing.T) {
	s, _, events := newTestDeviceState(t, 8)
	config := s.Config()

	require.Equal(t, uint16(VIRTIO_PCI_VENDOR_ID), config.U16(pci.RegVendorID))
	require.Equal(t, uint16(VIRTIO_PCI_DEVICE_ID_BASE)+uint16(DeviceTypeRng), config.U16(pci.RegDeviceID))
	irq, ok := s.Irq()
	require.True(t, ok)
	require.Equal(t, uint8(5), irq)

	caps := config.Capabilities()
	wantTypes := []uint8{VIRTIO_PCI_CAP_COMMON_CFG, VIRTIO_PCI_CAP_ISR_CFG, VIRTIO_PCI_CAP_NOTIFY_CFG, VIRTIO_PCI_CAP_DEVICE_CFG}
	wantLens := []uint8{virtioPCICapLen, virtioPCICapLen, virtioPCINotifyCapLen, virtioPCICapLen}
	require.Len(t, caps, len(wantTypes))
	for i, off := range caps {
		var hdr [4]byte
		config.Read(uint64(off), hdr[:])
		require.Equal(t, pci.CapIDVendor, hdr[0], "capability %d id", i)
		require.Equal(t, wantLens[i], hdr[2], "capability %d length", i)
		require.Equal(t, wantTypes[i], hdr[3], "capability %d cfg_type", i)
	}

	require.Len(t, events.ioeventfds, 2)
	for i, addr := range []uint64{testBarBase + 0x400, testBarBase + 0x404} {
		require.Contains(t, events.ioeventfds, addr, "queue %d notify address", i)
		require.Equal(t, addr, s.Queues().NotifyAddress(i))
	}
}

func TestDeviceStateWithoutConfigHasThreeCapabilities(t *testing.T) {
	s, _, _ := newTestDeviceState(t, 0)
	require.Len(t, s.Config().Capabilities(), 3)
}

func TestDeviceStateStatusLifecycle(t *testing.T) {
	s, dev, _ := newTestDeviceState(t, 0)
	q0 := s.Queues().Queue(0)
	require.Equal(t, uint16(8), q0.Size())

	write8(s, VIRTIO_PCI_COMMON_STATUS, VIRTIO_CONFIG_S_ACKNOWLEDGE)
	write8(s, VIRTIO_PCI_COMMON_STATUS, VIRTIO_CONFIG_S_ACKNOWLEDGE|VIRTIO_CONFIG_S_DRIVER)
	write32(s, VIRTIO_PCI_COMMON_GFSELECT, 1)
	write32(s, VIRTIO_PCI_COMMON_GF, 1)
	write8(s, VIRTIO_PCI_COMMON_STATUS, 0x0b)
	require.Equal(t, uint8(0x0b), read8(s, VIRTIO_PCI_COMMON_STATUS))

	programQueue0(s, 4)
	require.Equal(t, uint16(1), read16(s, VIRTIO_PCI_COMMON_Q_ENABLE))
	require.Equal(t, uint16(4), q0.Size())

	write8(s, VIRTIO_PCI_COMMON_STATUS, 0x0f)
	require.Equal(t, 1, dev.starts)
	require.Equal(t, uint16(4), q0.backend.size, "ring armed with the programmed size")
	require.Equal(t, uint64(testDescTableAddr), q0.backend.descriptorBase)

	// Rewriting DRIVER_OK neither restarts the device nor rearms the rings.
	q0.SetDescriptorArea(testDataAddr)
	write8(s, VIRTIO_PCI_COMMON_STATUS, 0x0f)
	require.Equal(t, 1, dev.starts)
	require.Equal(t, uint64(testDescTableAddr), q0.backend.descriptorBase, "ring configured twice")

	write8(s, VIRTIO_PCI_COMMON_STATUS, 0)
	require.Zero(t, s.Status())
	require.False(t, q0.IsEnabled(), "queue still enabled after reset")
	require.Equal(t, uint16(8), q0.Size(), "queue size back to the device default")
	require.Zero(t, q0.DescriptorArea())
	require.Zero(t, q0.backend.size, "ring still armed after reset")
	require.Zero(t, dev.Features().GuestValue())
}

func TestDeviceStateConfigureFailureSkipsStart(t *testing.T) {
	s, dev, _ := newTestDeviceState(t, 0)

	write16(s, VIRTIO_PCI_COMMON_Q_SELECT, 0)
	write32(s, VIRTIO_PCI_COMMON_Q_DESCLO, testMemorySize)
	write16(s, VIRTIO_PCI_COMMON_Q_ENABLE, 1)
	write8(s, VIRTIO_PCI_COMMON_STATUS, 0x0b)
	write8(s, VIRTIO_PCI_COMMON_STATUS, 0x0f)

	require.Zero(t, dev.starts, "device started with an invalid ring")
}

func TestDeviceStateFeaturesRefused(t *testing.T) {
	s, dev, _ := newTestDeviceState(t, 0)
	dev.refuse = true

	write8(s, VIRTIO_PCI_COMMON_STATUS, 0x0b)
	require.Equal(t, uint8(0x03), s.Status(), "FEATURES_OK cleared")
}

func TestDeviceStateCommonConfigReads(t *testing.T) {
	s, _, _ := newTestDeviceState(t, 0)

	require.Equal(t, uint16(VIRTIO_MSI_NO_VECTOR), read16(s, VIRTIO_PCI_COMMON_MSIX))
	require.Equal(t, uint16(VIRTIO_MSI_NO_VECTOR), read16(s, VIRTIO_PCI_COMMON_Q_MSIX))
	require.Zero(t, read8(s, VIRTIO_PCI_COMMON_CFGGENERATION))
	require.Equal(t, uint16(2), read16(s, VIRTIO_PCI_COMMON_NUMQ))

	write16(s, VIRTIO_PCI_COMMON_Q_SELECT, 1)
	require.Equal(t, uint16(1), read16(s, VIRTIO_PCI_COMMON_Q_NOFF))
	require.Equal(t, uint16(8), read16(s, VIRTIO_PCI_COMMON_Q_SIZE))

	write16(s, VIRTIO_PCI_COMMON_Q_SELECT, 9)
	require.Zero(t, read16(s, VIRTIO_PCI_COMMON_Q_SIZE), "size of missing queue")

	write32(s, VIRTIO_PCI_COMMON_DFSELECT, 1)
	require.Equal(t, uint32(1), read32(s, VIRTIO_PCI_COMMON_DF), "device_feature[1] carries VERSION_1")
}

func TestDeviceStateISRReadClears(t *testing.T) {
	s, _, _ := newTestDeviceState(t, 0)

	s.Queues().Interrupt().NotifyQueue()
	s.NotifyConfigChange()
	require.Equal(t, uint8(isrQueue|isrConfig), read8(s, MmioOffsetISR))
	require.Zero(t, read8(s, MmioOffsetISR), "isr after read")
}

func TestDeviceStateDeviceConfigWindow(t *testing.T) {
	s, dev, _ := newTestDeviceState(t, 8)
	dev.ConfigArea().WriteU32(0, 0x11223344)
	dev.ConfigArea().SetWriteable(4, 4)

	require.Equal(t, uint32(0x11223344), read32(s, MmioOffsetDeviceCfg))
	write32(s, MmioOffsetDeviceCfg+4, 0x55)
	require.Equal(t, uint32(0x55), read32(s, MmioOffsetDeviceCfg+4))
	require.Zero(t, read32(s, MmioOffsetDeviceCfg+8), "read past config")
}

func TestDeviceStateForwardsNotify(t *testing.T) {
	s, _, _ := newTestDeviceState(t, 0)

	write16(s, MmioOffsetNotify+NotifyOffMultiplier, 1)
	v, err := s.Queues().Queue(1).IoEvent().Read()
	require.NoError(t, err)
	require.NotZero(t, v)
}

func TestDeviceStateCloseUnregisters(t *testing.T) {
	dev := &startCountingDevice{BaseDevice: NewBaseDevice(0, 0), sizes: []uint16{8}}
	events := newFakeEvents()
	s, err := NewDeviceState(dev, newMockGuestMemory(testMemorySize), events, 9)
	require.NoError(t, err)
	s.ConfigureBars([]pci.BarAssignment{{Bar: pci.Bar0, Base: testBarBase}})
	require.NoError(t, s.Close())
	require.Empty(t, events.irqfds)
	require.Empty(t, events.ioeventfds)
}
