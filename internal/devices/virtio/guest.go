package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
)

// GuestMemory provides access to guest physical memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	// IsValidRange reports whether [addr, addr+size) is backed by RAM.
	IsValidRange(addr, size uint64) bool

	// Slice returns a view of [addr, addr+size) that aliases guest RAM.
	Slice(addr, size uint64) ([]byte, error)
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}

func readGuestInto(mem GuestMemory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func writeGuestFrom(mem GuestMemory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

// Ring fields are validated when the queue is configured, so a failure here
// means guest RAM changed underneath us. Such accesses read as zero.

func loadU16(mem GuestMemory, addr uint64) uint16 {
	var buf [2]byte
	if err := readGuestInto(mem, addr, buf[:]); err != nil {
		slog.Warn("virtio: ring read failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func storeU16(mem GuestMemory, addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	if err := writeGuestFrom(mem, addr, buf[:]); err != nil {
		slog.Warn("virtio: ring write failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
	}
}

func storeU32(mem GuestMemory, addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := writeGuestFrom(mem, addr, buf[:]); err != nil {
		slog.Warn("virtio: ring write failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
	}
}
