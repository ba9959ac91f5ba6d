package virtio

// Device is the device-specific half of a virtio device. The transport
// (DeviceState) owns feature negotiation, queue programming and interrupts
// and calls into Device for everything else.
//
// Methods are called with the transport's device lock held.
type Device interface {
	// Features returns the device's feature bits. The transport reads the
	// offer and records the driver's acknowledgement through it.
	Features() *FeatureBits

	// FeaturesOK is asked when the driver sets FEATURES_OK. Returning false
	// refuses the negotiated subset.
	FeaturesOK() bool

	// QueueSizes returns the default size of each queue the device uses.
	QueueSizes() []uint16

	DeviceType() DeviceType

	// ConfigSize is the size of the device configuration structure. Zero
	// means the device has none.
	ConfigSize() int
	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)

	// Start is called once the driver sets DRIVER_OK and every enabled queue
	// was configured. Devices typically spawn their queue workers here.
	Start(queues *Queues)
}

// BaseDevice supplies defaults for the optional parts of Device. Embed it
// and override what the device needs.
type BaseDevice struct {
	features *FeatureBits
	config   *DeviceConfigArea
}

// NewBaseDevice offers features and, if configSize is non-zero, exposes a
// configuration area of that size.
func NewBaseDevice(features uint64, configSize int) BaseDevice {
	b := BaseDevice{features: NewFeatureBits(features)}
	if configSize > 0 {
		b.config = NewDeviceConfigArea(configSize)
	}
	return b
}

func (b *BaseDevice) Features() *FeatureBits { return b.features }
func (b *BaseDevice) FeaturesOK() bool       { return true }

// ConfigArea returns the backing configuration area, or nil.
func (b *BaseDevice) ConfigArea() *DeviceConfigArea { return b.config }

func (b *BaseDevice) ConfigSize() int {
	if b.config == nil {
		return 0
	}
	return b.config.Size()
}

func (b *BaseDevice) ReadConfig(offset uint64, data []byte) {
	if b.config != nil {
		b.config.ReadConfig(offset, data)
	}
}

func (b *BaseDevice) WriteConfig(offset uint64, data []byte) {
	if b.config != nil {
		b.config.WriteConfig(offset, data)
	}
}
