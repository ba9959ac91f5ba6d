package virtio

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vio/internal/hv"
)

// Queues is the set of virtqueues of one device together with the register
// cursor (queue_select) the driver uses to program them.
type Queues struct {
	mem       GuestMemory
	events    hv.EventRegistrar
	selected  uint16
	queues    []*VirtQueue
	notifyAt  []uint64
	interrupt *InterruptLine
}

// NewQueues creates the interrupt line for irq. Queues are added later by
// CreateQueues once the device's BAR has an address.
func NewQueues(mem GuestMemory, events hv.EventRegistrar, irq uint8) (*Queues, error) {
	interrupt, err := NewInterruptLine(events, irq)
	if err != nil {
		return nil, err
	}
	return &Queues{mem: mem, events: events, interrupt: interrupt}, nil
}

// Queue returns queue idx. Asking for a queue the device did not declare is
// a programming error.
func (qs *Queues) Queue(idx int) *VirtQueue {
	if idx < 0 || idx >= len(qs.queues) {
		panic(fmt.Sprintf("virtio: device requested queue index %d that does not exist", idx))
	}
	return qs.queues[idx]
}

func (qs *Queues) All() []*VirtQueue {
	out := make([]*VirtQueue, len(qs.queues))
	copy(out, qs.queues)
	return out
}

func (qs *Queues) Memory() GuestMemory          { return qs.mem }
func (qs *Queues) Interrupt() *InterruptLine    { return qs.interrupt }
func (qs *Queues) Irq() uint8                   { return qs.interrupt.Irq() }
func (qs *Queues) IsrRead() uint8               { return qs.interrupt.IsrRead() }
func (qs *Queues) NumQueues() uint16            { return uint16(len(qs.queues)) }
func (qs *Queues) SelectedQueue() uint16        { return qs.selected }
func (qs *Queues) Select(idx uint16)            { qs.selected = idx }
func (qs *Queues) NotifyAddress(idx int) uint64 { return qs.notifyAt[idx] }

// ConfigureQueues arms every enabled queue. Queues the driver left disabled
// are skipped.
func (qs *Queues) ConfigureQueues(features uint64) error {
	for i, q := range qs.queues {
		if !q.IsEnabled() {
			continue
		}
		if err := q.Configure(features); err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}
	}
	return nil
}

// Reset selects queue 0, drops pending ISR bits and resets every queue.
func (qs *Queues) Reset() {
	qs.selected = 0
	qs.IsrRead()
	for _, q := range qs.queues {
		q.Reset()
	}
}

// CreateQueues adds one queue per entry of sizes, each with an ioeventfd
// bound to its notify register inside the BAR at mmioBase.
func (qs *Queues) CreateQueues(mmioBase uint64, sizes []uint16) error {
	for _, size := range sizes {
		idx := len(qs.queues)
		addr := mmioBase + MmioOffsetNotify + NotifyOffMultiplier*uint64(idx)
		ev, err := qs.createIoevent(addr)
		if err != nil {
			return fmt.Errorf("queue %d: %w", idx, err)
		}
		qs.queues = append(qs.queues, newVirtQueue(qs.mem, size, qs.interrupt, ev))
		qs.notifyAt = append(qs.notifyAt, addr)
	}
	return nil
}

func (qs *Queues) createIoevent(addr uint64) (eventfd.Eventfd, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return eventfd.Eventfd{}, fmt.Errorf("virtio: create ioeventfd: %w", err)
	}
	if err := qs.events.RegisterIoeventfd(ev.FD(), addr, 0); err != nil {
		ev.Close()
		return eventfd.Eventfd{}, fmt.Errorf("virtio: register ioeventfd at %#x: %w", addr, err)
	}
	return ev, nil
}

// Close unregisters and closes every ioeventfd and the irqfd.
func (qs *Queues) Close() error {
	var result *multierror.Error
	for i, q := range qs.queues {
		if err := qs.events.UnregisterIoeventfd(q.ioevent.FD(), qs.notifyAt[i], 0); err != nil {
			result = multierror.Append(result, fmt.Errorf("queue %d: %w", i, err))
		}
		if err := q.ioevent.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("queue %d: %w", i, err))
		}
	}
	if err := qs.interrupt.close(qs.events); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (qs *Queues) current() *VirtQueue {
	if int(qs.selected) >= len(qs.queues) {
		return nil
	}
	return qs.queues[qs.selected]
}

// withCurrent applies f to the selected queue if it exists and is still
// disabled.
func (qs *Queues) withCurrent(f func(q *VirtQueue)) {
	if q := qs.current(); q != nil && !q.IsEnabled() {
		f(q)
	}
}

func (qs *Queues) IsCurrentEnabled() bool {
	q := qs.current()
	return q != nil && q.IsEnabled()
}

func (qs *Queues) QueueSize() uint16 {
	if q := qs.current(); q != nil {
		return q.Size()
	}
	return 0
}

func (qs *Queues) SetSize(size uint16) { qs.withCurrent(func(q *VirtQueue) { q.SetSize(size) }) }
func (qs *Queues) EnableCurrent()      { qs.withCurrent(func(q *VirtQueue) { q.Enable() }) }

func getHalf(v uint64, hi bool) uint32 {
	if hi {
		return uint32(v >> 32)
	}
	return uint32(v)
}

func setHalf(v uint64, dword uint32, hi bool) uint64 {
	if hi {
		return v&0xffffffff | uint64(dword)<<32
	}
	return v&^0xffffffff | uint64(dword)
}

func (qs *Queues) CurrentDescriptorArea(hi bool) uint32 {
	if q := qs.current(); q != nil {
		return getHalf(q.DescriptorArea(), hi)
	}
	return 0
}

func (qs *Queues) SetCurrentDescriptorArea(val uint32, hi bool) {
	qs.withCurrent(func(q *VirtQueue) { q.SetDescriptorArea(setHalf(q.DescriptorArea(), val, hi)) })
}

func (qs *Queues) AvailArea(hi bool) uint32 {
	if q := qs.current(); q != nil {
		return getHalf(q.DriverArea(), hi)
	}
	return 0
}

func (qs *Queues) SetAvailArea(val uint32, hi bool) {
	qs.withCurrent(func(q *VirtQueue) { q.SetDriverArea(setHalf(q.DriverArea(), val, hi)) })
}

func (qs *Queues) UsedArea(hi bool) uint32 {
	if q := qs.current(); q != nil {
		return getHalf(q.DeviceArea(), hi)
	}
	return 0
}

func (qs *Queues) SetUsedArea(val uint32, hi bool) {
	qs.withCurrent(func(q *VirtQueue) { q.SetDeviceArea(setHalf(q.DeviceArea(), val, hi)) })
}
