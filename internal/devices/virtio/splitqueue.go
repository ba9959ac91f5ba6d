package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

var (
	ErrQueueNotEnabled = errors.New("virtio: queue not enabled")
	ErrRangeInvalid    = errors.New("virtio: descriptor table range is invalid")
	ErrAvailInvalid    = errors.New("virtio: avail ring range is invalid")
	ErrUsedInvalid     = errors.New("virtio: used ring range is invalid")
)

// RangeInvalidError reports a descriptor table that is not in guest RAM.
type RangeInvalidError struct{ Addr uint64 }

func (e *RangeInvalidError) Error() string { return fmt.Sprintf("%v: 0x%x", ErrRangeInvalid, e.Addr) }
func (e *RangeInvalidError) Unwrap() error { return ErrRangeInvalid }

// AvailInvalidError reports an avail ring that is not in guest RAM.
type AvailInvalidError struct{ Addr uint64 }

func (e *AvailInvalidError) Error() string { return fmt.Sprintf("%v: 0x%x", ErrAvailInvalid, e.Addr) }
func (e *AvailInvalidError) Unwrap() error { return ErrAvailInvalid }

// UsedInvalidError reports a used ring that is not in guest RAM.
type UsedInvalidError struct{ Addr uint64 }

func (e *UsedInvalidError) Error() string { return fmt.Sprintf("%v: 0x%x", ErrUsedInvalid, e.Addr) }
func (e *UsedInvalidError) Unwrap() error { return ErrUsedInvalid }

// sharedIndex is a free-running ring counter; readers see it modulo 2^16.
type sharedIndex struct{ v atomic.Uint64 }

func (i *sharedIndex) get() uint16  { return uint16(i.v.Load()) }
func (i *sharedIndex) inc()         { i.v.Add(1) }
func (i *sharedIndex) set(v uint16) { i.v.Store(uint64(v)) }

// release increments the counter and returns the new value. Go atomics are
// sequentially consistent, so the Add is a full fence: every memory write the
// caller made before release is visible before any write made after it.
func (i *sharedIndex) release() uint16 { return uint16(i.v.Add(1)) }

// queueNotifier raises the used-buffer interrupt.
type queueNotifier interface {
	NotifyQueue()
}

// splitQueue implements the split virtqueue ring protocol over guest memory.
type splitQueue struct {
	mem       GuestMemory
	interrupt queueNotifier

	size     uint16
	features uint64

	descriptorBase uint64
	availBase      uint64
	usedBase       uint64

	// last avail_ring.idx loaded from guest memory
	cachedAvailIdx sharedIndex
	// avail ring slot the next chain head is read from
	nextAvail sharedIndex
	// used ring slot the next completion is written to
	nextUsedIdx sharedIndex
}

func newSplitQueue(mem GuestMemory, interrupt queueNotifier) *splitQueue {
	return &splitQueue{mem: mem, interrupt: interrupt}
}

func (q *splitQueue) configure(descriptorArea, driverArea, deviceArea uint64, size uint16, features uint64) error {
	descTableSize := uint64(descriptorSize) * uint64(size)
	availRingSize := 6 + 2*uint64(size)
	usedRingSize := 6 + 8*uint64(size)

	if !q.mem.IsValidRange(descriptorArea, descTableSize) {
		return &RangeInvalidError{Addr: descriptorArea}
	}
	if !q.mem.IsValidRange(driverArea, availRingSize) {
		return &AvailInvalidError{Addr: driverArea}
	}
	if !q.mem.IsValidRange(deviceArea, usedRingSize) {
		return &UsedInvalidError{Addr: deviceArea}
	}

	q.descriptorBase = descriptorArea
	q.availBase = driverArea
	q.usedBase = deviceArea
	q.size = size
	q.features = features
	return nil
}

func (q *splitQueue) reset() {
	q.size = 0
	q.features = 0
	q.descriptorBase = 0
	q.availBase = 0
	q.usedBase = 0
	q.nextAvail.set(0)
	q.cachedAvailIdx.set(0)
	q.nextUsedIdx.set(0)
}

func (q *splitQueue) loadDescriptor(idx uint16) (Descriptor, bool) {
	if idx >= q.size {
		return Descriptor{}, false
	}
	var buf [descriptorSize]byte
	if err := readGuestInto(q.mem, q.descriptorBase+uint64(idx)*descriptorSize, buf[:]); err != nil {
		slog.Warn("virtio: descriptor read failed", "index", idx, "err", err)
		return Descriptor{}, false
	}
	d := decodeDescriptor(buf[:])
	if !q.mem.IsValidRange(d.Addr, uint64(d.Length)) || d.Next >= q.size {
		return Descriptor{}, false
	}
	return d, true
}

// loadDescriptorLists walks the chain starting at head. The walk visits at
// most size descriptors so a cyclic chain terminates.
func (q *splitQueue) loadDescriptorLists(head uint16) (DescriptorList, DescriptorList) {
	readable := newDescriptorList(q.mem)
	writeable := newDescriptorList(q.mem)
	idx := head
	ttl := q.size

	for {
		d, ok := q.loadDescriptor(idx)
		if !ok {
			break
		}
		if ttl == 0 {
			slog.Warn("virtio: descriptor chain length exceeded queue size", "head", head)
			break
		}
		ttl--

		if d.IsWrite() {
			writeable.add(d)
		} else {
			if !writeable.IsEmpty() {
				slog.Warn("virtio: guest sent readable descriptor after writeable descriptor", "head", head)
			}
			readable.add(d)
		}
		if !d.HasNext() {
			break
		}
		idx = d.Next
	}
	return readable, writeable
}

func (q *splitQueue) loadAvailIdx() uint16 {
	idx := loadU16(q.mem, q.availBase+2)
	q.cachedAvailIdx.set(idx)
	return idx
}

func (q *splitQueue) loadAvailEntry(ringIdx uint16) uint16 {
	offset := 4 + uint64(ringIdx%q.size)*2
	return loadU16(q.mem, q.availBase+offset)
}

// isEmpty only rereads avail_ring.idx from guest memory once every entry
// seen last time has been consumed.
func (q *splitQueue) isEmpty() bool {
	if q.size == 0 {
		return true
	}
	nextAvail := q.nextAvail.get()
	if q.cachedAvailIdx.get() != nextAvail {
		return false
	}
	return nextAvail == q.loadAvailIdx()
}

func (q *splitQueue) popAvailEntry() (uint16, bool) {
	if q.isEmpty() {
		return 0, false
	}
	nextAvail := q.nextAvail.get()
	entry := q.loadAvailEntry(nextAvail)
	q.nextAvail.inc()
	if q.hasEventIdx() {
		q.writeAvailEvent(q.nextAvail.get())
	}
	return entry, true
}

func (q *splitQueue) nextDescriptors() (uint16, DescriptorList, DescriptorList, bool) {
	head, ok := q.popAvailEntry()
	if !ok {
		return 0, DescriptorList{}, DescriptorList{}, false
	}
	r, w := q.loadDescriptorLists(head)
	return head, r, w, true
}

func (q *splitQueue) readAvailFlags() uint16 {
	return loadU16(q.mem, q.availBase)
}

func (q *splitQueue) putUsedEntry(id uint16, length uint32) {
	if id >= q.size {
		return
	}
	usedIdx := uint64(q.nextUsedIdx.get() % q.size)
	elemAddr := q.usedBase + 4 + usedIdx*8
	storeU32(q.mem, elemAddr, uint32(id))
	storeU32(q.mem, elemAddr+4, length)

	q.publishUsedIdx(q.nextUsedIdx.release())
}

// publishUsedIdx stores used_ring.idx. Callers pass the value returned by
// sharedIndex.release so the element stores happen before this store.
func (q *splitQueue) publishUsedIdx(idx uint16) {
	storeU16(q.mem, q.usedBase+2, idx)
}

// writeAvailEvent publishes the avail_event field at the tail of the used
// ring. The value is a free-running index and wraps at 2^16.
func (q *splitQueue) writeAvailEvent(val uint16) {
	storeU16(q.mem, q.usedBase+4+uint64(q.size)*8, val)
}

func (q *splitQueue) hasEventIdx() bool {
	return q.features&FeatureEventIdx != 0
}

func (q *splitQueue) readUsedEvent() uint16 {
	return loadU16(q.mem, q.availBase+4+uint64(q.size)*2)
}

func (q *splitQueue) needInterrupt(firstUsed uint16) bool {
	if q.hasEventIdx() {
		return firstUsed == q.readUsedEvent()
	}
	return q.readAvailFlags()&1 == 0
}

func (q *splitQueue) putUsed(id uint16, length uint32) {
	used := q.nextUsedIdx.get()
	q.putUsedEntry(id, length)
	if q.needInterrupt(used) {
		q.interrupt.NotifyQueue()
	}
}
