package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRAM(t *testing.T) *GuestRAM {
	t.Helper()
	ram := NewGuestRAM()
	require.NoError(t, ram.AddRegion(0x10000, make([]byte, 0x1000)))
	require.NoError(t, ram.AddRegion(0x0, make([]byte, 0x1000)))
	require.NoError(t, ram.AddRegion(0x1000, make([]byte, 0x1000)))
	return ram
}

func TestGuestRAMRegions(t *testing.T) {
	ram := newTestRAM(t)
	require.Equal(t, 3, ram.RegionCount())
	require.Equal(t, uint64(0x11000), ram.End())

	regions := ram.Regions()
	require.Equal(t, uint64(0), regions[0].Base)
	require.Equal(t, uint64(0x1000), regions[1].Base)
	require.Equal(t, uint64(0x10000), regions[2].Base)

	require.ErrorIs(t, ram.AddRegion(0x10800, make([]byte, 0x100)), ErrRegionOverlap)
	require.ErrorIs(t, ram.AddRegion(0xf800, make([]byte, 0x1000)), ErrRegionOverlap)
	require.Error(t, ram.AddRegion(0x20000, nil))
}

func TestGuestRAMValidRange(t *testing.T) {
	ram := newTestRAM(t)

	require.True(t, ram.IsValidRange(0, 0x1000))
	require.True(t, ram.IsValidRange(0x10ff0, 0x10))
	require.False(t, ram.IsValidRange(0x10ff0, 0x11))
	require.False(t, ram.IsValidRange(0x2000, 1))
	require.False(t, ram.IsValidRange(0xfff, ^uint64(0)))
	// adjacent regions are separate mappings
	require.False(t, ram.IsValidRange(0xff0, 0x20))
}

func TestGuestRAMReadWrite(t *testing.T) {
	ram := newTestRAM(t)

	n, err := ram.WriteAt([]byte("spans two regions"), 0xff8)
	require.NoError(t, err)
	require.Equal(t, 17, n)

	buf := make([]byte, 17)
	n, err = ram.ReadAt(buf, 0xff8)
	require.NoError(t, err)
	require.Equal(t, 17, n)
	require.Equal(t, "spans two regions", string(buf))

	n, err = ram.ReadAt(make([]byte, 0x10), 0x1ff8)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, 8, n)

	_, err = ram.WriteAt([]byte{1}, 0x5000)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestGuestRAMTypedAccess(t *testing.T) {
	ram := newTestRAM(t)

	require.NoError(t, ram.WriteU16(0x10000, 0xbeef))
	require.NoError(t, ram.WriteU32(0x10002, 0xdeadbeef))
	require.NoError(t, ram.WriteU64(0x10008, 0x0102030405060708))

	v16, err := ram.ReadU16(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), v16)
	v32, err := ram.ReadU32(0x10002)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v32)
	v64, err := ram.ReadU64(0x10008)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v64)

	view, err := ram.Slice(0x10000, 2)
	require.NoError(t, err)
	view[0] = 0x00
	v16, _ = ram.ReadU16(0x10000)
	require.Equal(t, uint16(0xbe00), v16)

	_, err = ram.ReadU64(0x10ffc)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestX86Layout(t *testing.T) {
	require.Equal(t, []RegionLayout{{Base: 0, Size: 512 << 20}}, X86Layout(512<<20))

	layout := X86Layout(4 << 30)
	require.Len(t, layout, 2)
	require.Equal(t, PciMmioReservedBase, layout[0].Size)
	require.Equal(t, HighMemoryBase, layout[1].Base)
	require.Equal(t, uint64(4<<30)-PciMmioReservedBase, layout[1].Size)
}

func TestAllocateGuestRAM(t *testing.T) {
	ram, err := AllocateGuestRAM([]RegionLayout{{Base: 0, Size: 1 << 20}})
	require.NoError(t, err)
	defer ram.Close()

	require.NoError(t, ram.WriteU32(0x1000, 42))
	v, err := ram.ReadU32(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint32(42), v)
	require.NotZero(t, ram.Regions()[0].HostAddr())

	_, err = AllocateGuestRAM([]RegionLayout{{Base: 0, Size: 100}})
	require.Error(t, err)
}
