package virtio

import (
	"encoding/binary"
	"fmt"
)

// DeviceConfigArea backs a device-specific configuration structure. Fields
// are read-only to the driver unless made writeable with SetWriteable.
type DeviceConfigArea struct {
	buffer    []byte
	writeable []configRange
}

type configRange struct{ start, end int }

func (r configRange) contains(off int) bool { return off >= r.start && off < r.end }

func NewDeviceConfigArea(size int) *DeviceConfigArea {
	return &DeviceConfigArea{buffer: make([]byte, size)}
}

func (a *DeviceConfigArea) Size() int { return len(a.buffer) }

// ReadConfig copies bytes at offset into data. Reads that do not fit leave
// data untouched.
func (a *DeviceConfigArea) ReadConfig(offset uint64, data []byte) {
	if offset+uint64(len(data)) > uint64(len(a.buffer)) {
		return
	}
	copy(data, a.buffer[offset:])
}

// WriteConfig stores data at offset if the whole access lies inside one
// writeable range.
func (a *DeviceConfigArea) WriteConfig(offset uint64, data []byte) {
	if !a.isWriteable(offset, len(data)) {
		return
	}
	copy(a.buffer[offset:], data)
}

func (a *DeviceConfigArea) SetWriteable(offset, size int) {
	a.writeable = append(a.writeable, configRange{offset, offset + size})
}

func (a *DeviceConfigArea) isWriteable(offset uint64, size int) bool {
	if size == 0 || offset+uint64(size) > uint64(len(a.buffer)) {
		return false
	}
	first, last := int(offset), int(offset)+size-1
	for _, r := range a.writeable {
		if r.contains(first) && r.contains(last) {
			return true
		}
	}
	return false
}

func (a *DeviceConfigArea) mustFit(offset, size int) {
	if offset < 0 || offset+size > len(a.buffer) {
		panic(fmt.Sprintf("virtio: config write of %d bytes at %d overflows %d byte area", size, offset, len(a.buffer)))
	}
}

func (a *DeviceConfigArea) WriteU8(offset int, v uint8) {
	a.mustFit(offset, 1)
	a.buffer[offset] = v
}

func (a *DeviceConfigArea) WriteU16(offset int, v uint16) {
	a.mustFit(offset, 2)
	binary.LittleEndian.PutUint16(a.buffer[offset:], v)
}

func (a *DeviceConfigArea) WriteU32(offset int, v uint32) {
	a.mustFit(offset, 4)
	binary.LittleEndian.PutUint32(a.buffer[offset:], v)
}

func (a *DeviceConfigArea) WriteU64(offset int, v uint64) {
	a.mustFit(offset, 8)
	binary.LittleEndian.PutUint64(a.buffer[offset:], v)
}

func (a *DeviceConfigArea) WriteBytes(offset int, b []byte) {
	a.mustFit(offset, len(b))
	copy(a.buffer[offset:], b)
}
