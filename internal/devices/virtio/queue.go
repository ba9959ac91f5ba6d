package virtio

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// ErrKilled is returned by blocking queue waits when the kill event fires.
var ErrKilled = errors.New("virtio: queue wait killed")

// VirtQueue is one virtqueue of a device: the register state the driver
// programs through the common configuration structure, the split ring
// backend, and the ioeventfd the guest kicks.
//
// Register fields are owned by the device (accessed with the device lock
// held). The ring backend has its own lock, shared with every Chain popped
// from this queue.
type VirtQueue struct {
	ioevent eventfd.Eventfd

	defaultSize uint16
	size        uint16

	descriptorArea uint64
	driverArea     uint64
	deviceArea     uint64

	enabled bool

	mu      sync.Mutex
	backend *splitQueue
}

func newVirtQueue(mem GuestMemory, defaultSize uint16, interrupt queueNotifier, ioevent eventfd.Eventfd) *VirtQueue {
	return &VirtQueue{
		ioevent:     ioevent,
		defaultSize: defaultSize,
		size:        defaultSize,
		backend:     newSplitQueue(mem, interrupt),
	}
}

func (q *VirtQueue) DescriptorArea() uint64        { return q.descriptorArea }
func (q *VirtQueue) SetDescriptorArea(addr uint64) { q.descriptorArea = addr }
func (q *VirtQueue) DriverArea() uint64            { return q.driverArea }
func (q *VirtQueue) SetDriverArea(addr uint64)     { q.driverArea = addr }
func (q *VirtQueue) DeviceArea() uint64            { return q.deviceArea }
func (q *VirtQueue) SetDeviceArea(addr uint64)     { q.deviceArea = addr }
func (q *VirtQueue) IsEnabled() bool               { return q.enabled }
func (q *VirtQueue) Enable()                       { q.enabled = true }
func (q *VirtQueue) Size() uint16                  { return q.size }

// SetSize changes the ring size. Requests made after the queue was enabled,
// and sizes that are zero, larger than MaxQueueSize or not a power of two,
// are ignored.
func (q *VirtQueue) SetSize(size uint16) {
	if q.enabled || size == 0 || size > MaxQueueSize || size&(size-1) != 0 {
		return
	}
	q.size = size
}

// Reset returns the queue to its power-on state.
func (q *VirtQueue) Reset() {
	q.size = q.defaultSize
	q.descriptorArea = 0
	q.driverArea = 0
	q.deviceArea = 0
	q.enabled = false

	q.mu.Lock()
	q.backend.reset()
	q.mu.Unlock()
}

// Configure validates the programmed ring addresses against guest memory
// and arms the ring backend.
func (q *VirtQueue) Configure(features uint64) error {
	if !q.enabled {
		return ErrQueueNotEnabled
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.configure(q.descriptorArea, q.driverArea, q.deviceArea, q.size, features)
}

// IsEmpty reports whether the driver has made no new chains available.
func (q *VirtQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.isEmpty()
}

// NextChain pops the next available chain without blocking.
func (q *VirtQueue) NextChain() (*Chain, bool) {
	q.mu.Lock()
	head, r, w, ok := q.backend.nextDescriptors()
	q.mu.Unlock()
	if !ok {
		return nil, false
	}
	return newChain(q, head, r, w), true
}

func (q *VirtQueue) putUsed(id uint16, length uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backend.putUsed(id, length)
}

// WaitReady blocks on the ioeventfd until the guest kicks the queue, unless
// chains are already available.
func (q *VirtQueue) WaitReady() error {
	if !q.IsEmpty() {
		return nil
	}
	if _, err := q.ioevent.Read(); err != nil {
		return fmt.Errorf("virtio: read ioeventfd: %w", err)
	}
	return nil
}

// WaitReadyOrKill is WaitReady that also returns ErrKilled once kill is
// signalled.
func (q *VirtQueue) WaitReadyOrKill(kill eventfd.Eventfd) error {
	if !q.IsEmpty() {
		return nil
	}
	for {
		fds := []unix.PollFd{
			{Fd: int32(q.ioevent.FD()), Events: unix.POLLIN},
			{Fd: int32(kill.FD()), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("virtio: poll ioeventfd: %w", err)
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return ErrKilled
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			if _, err := q.ioevent.Read(); err != nil {
				return fmt.Errorf("virtio: read ioeventfd: %w", err)
			}
			return nil
		}
	}
}

// WaitNextChain blocks until a chain is available.
func (q *VirtQueue) WaitNextChain() (*Chain, error) {
	for {
		if err := q.WaitReady(); err != nil {
			return nil, err
		}
		if c, ok := q.NextChain(); ok {
			return c, nil
		}
	}
}

// Chains yields every chain currently available without blocking.
func (q *VirtQueue) Chains() iter.Seq[*Chain] {
	return func(yield func(*Chain) bool) {
		for {
			c, ok := q.NextChain()
			if !ok || !yield(c) {
				return
			}
		}
	}
}

// OnEachChain calls fn for every chain the driver submits until a wait
// fails. ctx is checked each time the queue wakes up. fn owns the chain and
// must Flush it.
func (q *VirtQueue) OnEachChain(ctx context.Context, fn func(*Chain)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.WaitReady(); err != nil {
			return err
		}
		for c := range q.Chains() {
			fn(c)
		}
	}
}

// IoEvent is the eventfd signalled when the guest writes the queue's notify
// register.
func (q *VirtQueue) IoEvent() eventfd.Eventfd { return q.ioevent }
