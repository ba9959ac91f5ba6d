package virtio

import "sync"

// Feature bits reserved by the transport.
const (
	FeatureIndirectDesc uint64 = 1 << 28
	FeatureEventIdx     uint64 = 1 << 29
	FeatureVersion1     uint64 = 1 << 32
)

type featureWord struct {
	mu       sync.Mutex
	bits     uint64
	selected uint32
}

func (w *featureWord) read() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.selected {
	case 0:
		return uint32(w.bits)
	case 1:
		return uint32(w.bits >> 32)
	default:
		return 0
	}
}

func (w *featureWord) selector() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selected
}

func (w *featureWord) setSelector(v uint32) {
	w.mu.Lock()
	w.selected = v
	w.mu.Unlock()
}

func (w *featureWord) value() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bits
}

// FeatureBits holds the feature set offered by the device and the subset
// acknowledged by the driver, each paged through a 32-bit window.
type FeatureBits struct {
	device featureWord
	guest  featureWord
}

// NewFeatureBits offers deviceBits plus VERSION_1.
func NewFeatureBits(deviceBits uint64) *FeatureBits {
	f := &FeatureBits{}
	f.device.bits = deviceBits | FeatureVersion1
	return f
}

// Reset forgets what the driver acknowledged. The device offer is unchanged.
func (f *FeatureBits) Reset() {
	f.guest.mu.Lock()
	f.guest.bits = 0
	f.guest.selected = 0
	f.guest.mu.Unlock()
}

func (f *FeatureBits) GuestSelected() uint32     { return f.guest.selector() }
func (f *FeatureBits) SetGuestSelected(v uint32) { f.guest.setSelector(v) }
func (f *FeatureBits) GuestValue() uint64        { return f.guest.value() }

// HasGuestBit reports whether every bit in mask was acknowledged.
func (f *FeatureBits) HasGuestBit(mask uint64) bool {
	return f.GuestValue()&mask == mask
}

// WriteGuestWord stores val into the selected half of the guest features.
// Selectors other than 0 and 1 are ignored.
func (f *FeatureBits) WriteGuestWord(val uint32) {
	f.guest.mu.Lock()
	defer f.guest.mu.Unlock()
	switch f.guest.selected {
	case 0:
		f.guest.bits = f.guest.bits&^0xffffffff | uint64(val)
	case 1:
		f.guest.bits = uint64(val)<<32 | f.guest.bits&0xffffffff
	}
}

func (f *FeatureBits) ReadGuestWord() uint32 { return f.guest.read() }

func (f *FeatureBits) DeviceSelected() uint32     { return f.device.selector() }
func (f *FeatureBits) SetDeviceSelected(v uint32) { f.device.setSelector(v) }
func (f *FeatureBits) ReadDeviceWord() uint32     { return f.device.read() }
func (f *FeatureBits) DeviceValue() uint64        { return f.device.value() }
