package pci

import "sync"

// rootDevice is the host bridge that always occupies device 0.
type rootDevice struct {
	mu     sync.Mutex
	config *Configuration
}

func newRootDevice() *rootDevice {
	return &rootDevice{config: NewConfiguration(0, VendorIntel, 0, ClassBridgeHost)}
}

func (r *rootDevice) Lock()                                  { r.mu.Lock() }
func (r *rootDevice) Unlock()                                { r.mu.Unlock() }
func (r *rootDevice) Config() *Configuration                 { return r.config }
func (r *rootDevice) ReadBar(Bar, uint64, []byte)            {}
func (r *rootDevice) WriteBar(Bar, uint64, []byte)           {}
func (r *rootDevice) Irq() (uint8, bool)                     { return 0, false }
func (r *rootDevice) BarAllocations() []BarAllocation        { return nil }
func (r *rootDevice) ConfigureBars(assigned []BarAssignment) {}
