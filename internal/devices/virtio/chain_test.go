package virtio

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingUsedRing struct {
	ids     []uint16
	lengths []uint32
}

func (r *recordingUsedRing) putUsed(id uint16, length uint32) {
	r.ids = append(r.ids, id)
	r.lengths = append(r.lengths, length)
}

func newTestChain(mem *mockGuestMemory, used usedRing, readable, writeable []Descriptor) *Chain {
	r := newDescriptorList(mem)
	for _, d := range readable {
		r.add(d)
	}
	w := newDescriptorList(mem)
	for _, d := range writeable {
		d.Flags |= virtqDescFWrite
		w.add(d)
	}
	return newChain(used, 7, r, w)
}

func TestChainReadAcrossDescriptors(t *testing.T) {
	mem := newMockGuestMemory(testMemorySize)
	copy(mem.data[0x100:], "hello ")
	copy(mem.data[0x200:], "world")
	c := newTestChain(mem, &recordingUsedRing{}, []Descriptor{
		{Addr: 0x100, Length: 6},
		{Addr: 0x200, Length: 5},
	}, nil)

	require.Equal(t, 11, c.RemainingRead())
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	c.Flush()
}

func TestChainWriteAndFlush(t *testing.T) {
	mem := newMockGuestMemory(testMemorySize)
	used := &recordingUsedRing{}
	c := newTestChain(mem, used, nil, []Descriptor{
		{Addr: 0x100, Length: 4},
		{Addr: 0x200, Length: 8},
	})

	require.NoError(t, c.W16(0x1234))
	require.NoError(t, c.W32(0xaabbccdd))
	require.Equal(t, 6, c.WriteLen())
	require.Equal(t, []byte{0x34, 0x12, 0xdd, 0xcc}, mem.data[0x100:0x104], "first buffer")
	require.Equal(t, []byte{0xbb, 0xaa}, mem.data[0x200:0x202], "second buffer")

	_, err := c.Write(make([]byte, 7))
	require.ErrorIs(t, err, io.ErrShortWrite)

	c.Flush()
	c.Flush()
	require.Equal(t, []uint16{7}, used.ids, "putUsed once per chain")
	require.Equal(t, []uint32{12}, used.lengths)
}

func TestChainReadHelpers(t *testing.T) {
	mem := newMockGuestMemory(testMemorySize)
	mem.writeUint16(0x100, 0xbeef)
	mem.writeUint32(0x102, 0xcafef00d)
	mem.writeUint64(0x106, 0x0102030405060708)
	c := newTestChain(mem, &recordingUsedRing{}, []Descriptor{{Addr: 0x100, Length: 14}}, nil)
	defer c.Flush()

	v16, err := c.R16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), v16)
	v32, err := c.R32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xcafef00d), v32)
	v64, err := c.R64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v64)
	_, err = c.R16()
	require.Error(t, err, "R16 past end")
}

func TestChainSlicesAndOffsets(t *testing.T) {
	mem := newMockGuestMemory(testMemorySize)
	used := &recordingUsedRing{}
	c := newTestChain(mem, used,
		[]Descriptor{{Addr: 0x100, Length: 8}},
		[]Descriptor{{Addr: 0x200, Length: 16}})

	require.Len(t, c.CurrentReadSlice(), 8)
	c.IncReadOffset(3)
	require.Len(t, c.CurrentReadSlice(), 5)

	addr, ok := c.CurrentWriteAddress(16)
	require.True(t, ok)
	require.Equal(t, uint64(0x200), addr)
	_, ok = c.CurrentWriteAddress(17)
	require.False(t, ok, "accepted size larger than buffer")

	copy(c.CurrentWriteSlice(), "direct")
	c.IncWriteOffset(6)
	require.True(t, c.readable.IsEmpty(), "readable not discarded by IncWriteOffset")
	require.Equal(t, 10, c.RemainingWrite())
	require.Equal(t, "direct", string(mem.data[0x200:0x206]))

	n, err := c.CopyFromReader(bytes.NewReader([]byte("0123456789abcdef")), 10)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.True(t, c.IsEndOfChain(), "chain not at end after filling every buffer")
	c.Flush()
	require.Equal(t, uint32(16), used.lengths[0])
}
