package virtio

import (
	"encoding/binary"
	"io"
)

const descriptorSize = 16

// Descriptor flags. The packed ring bits are decoded but packed queues are
// not implemented.
const (
	virtqDescFNext        = 1
	virtqDescFWrite       = 2
	virtqDescFIndirect    = 4
	virtqDescFPackedAvail = 1 << 7
	virtqDescFPackedUsed  = 1 << 15
)

// Descriptor is one entry of a descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	// Next for split queues, buffer id for packed queues.
	Next uint16
}

func decodeDescriptor(buf []byte) Descriptor {
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}
}

func (d Descriptor) HasNext() bool    { return d.Flags&virtqDescFNext != 0 }
func (d Descriptor) IsWrite() bool    { return d.Flags&virtqDescFWrite != 0 }
func (d Descriptor) IsIndirect() bool { return d.Flags&virtqDescFIndirect != 0 }

// IsAvailPacked reports whether a packed-ring descriptor is available to the
// device for the given wrap counter.
func (d Descriptor) IsAvailPacked(wrap bool) bool {
	used := d.Flags&virtqDescFPackedUsed != 0
	avail := d.Flags&virtqDescFPackedAvail != 0
	return used != avail && avail == wrap
}

// Remaining returns the bytes left in the buffer past offset.
func (d Descriptor) Remaining(offset int) int {
	if offset >= int(d.Length) {
		return 0
	}
	return int(d.Length) - offset
}

func (d Descriptor) readFrom(mem GuestMemory, offset int, buf []byte) (int, error) {
	n := min(len(buf), d.Remaining(offset))
	if n == 0 {
		return 0, nil
	}
	if err := readGuestInto(mem, d.Addr+uint64(offset), buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (d Descriptor) writeTo(mem GuestMemory, offset int, buf []byte) (int, error) {
	n := min(len(buf), d.Remaining(offset))
	if n == 0 {
		return 0, nil
	}
	if err := writeGuestFrom(mem, d.Addr+uint64(offset), buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// fillFrom performs a single Read from r directly into the buffer.
func (d Descriptor) fillFrom(mem GuestMemory, offset int, r io.Reader, size int) (int, error) {
	n := min(size, d.Remaining(offset))
	if n == 0 {
		return 0, nil
	}
	view, err := mem.Slice(d.Addr+uint64(offset), uint64(n))
	if err != nil {
		return 0, err
	}
	return r.Read(view)
}
