package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingDevice struct {
	lastReadOffset  uint64
	lastWriteOffset uint64
	written         []byte
	fill            byte
}

func (d *recordingDevice) Read(offset uint64, data []byte) {
	d.lastReadOffset = offset
	for i := range data {
		data[i] = d.fill
	}
}

func (d *recordingDevice) Write(offset uint64, data []byte) {
	d.lastWriteOffset = offset
	d.written = append([]byte(nil), data...)
}

func TestInsertOverlap(t *testing.T) {
	t.Run("BaseBeforeExisting", func(t *testing.T) {
		b := New()
		require.NoError(t, b.Insert(&recordingDevice{}, 0x108, 0x10))
		err := b.Insert(&recordingDevice{}, 0x100, 0x10)
		require.ErrorIs(t, err, ErrOverlap)
	})

	t.Run("Disjoint", func(t *testing.T) {
		b := New()
		require.NoError(t, b.Insert(&recordingDevice{}, 0x200, 0x10))
		require.NoError(t, b.Insert(&recordingDevice{}, 0x100, 0x10))
	})

	t.Run("BaseInsideExisting", func(t *testing.T) {
		b := New()
		require.NoError(t, b.Insert(&recordingDevice{}, 0x100, 0x10))
		require.ErrorIs(t, b.Insert(&recordingDevice{}, 0x10f, 0x1), ErrOverlap)
	})

	t.Run("Adjacent", func(t *testing.T) {
		b := New()
		require.NoError(t, b.Insert(&recordingDevice{}, 0x100, 0x10))
		require.NoError(t, b.Insert(&recordingDevice{}, 0x110, 0x10))
		require.NoError(t, b.Insert(&recordingDevice{}, 0xf0, 0x10))
	})

	t.Run("Covering", func(t *testing.T) {
		b := New()
		require.NoError(t, b.Insert(&recordingDevice{}, 0x104, 0x4))
		require.ErrorIs(t, b.Insert(&recordingDevice{}, 0x100, 0x100), ErrOverlap)
	})

	t.Run("SameBase", func(t *testing.T) {
		b := New()
		require.NoError(t, b.Insert(&recordingDevice{}, 0x100, 0x10))
		require.ErrorIs(t, b.Insert(&recordingDevice{}, 0x100, 0x1), ErrOverlap)
	})

	t.Run("ZeroLength", func(t *testing.T) {
		b := New()
		err := b.Insert(&recordingDevice{}, 0x100, 0)
		require.True(t, errors.Is(err, ErrOverlap))
	})
}

func TestInsertDisjointProperty(t *testing.T) {
	existing := []Range{{0x1000, 0x100}, {0x2000, 0x10}, {0x3000, 0x1000}}
	b := New()
	for _, r := range existing {
		require.NoError(t, b.Insert(&recordingDevice{}, r.Base, r.Len))
	}

	overlaps := func(a Range) bool {
		for _, r := range existing {
			if a.Base < r.Base+r.Len && r.Base < a.Base+a.Len {
				return true
			}
		}
		return false
	}

	// Try a grid of candidate ranges against a fresh copy of the bus each
	// time so accepted candidates do not affect later ones.
	for base := uint64(0x0f00); base < 0x4200; base += 0x80 {
		for _, length := range []uint64{1, 0x10, 0x80, 0x100, 0x1000} {
			scratch := New()
			for _, r := range existing {
				require.NoError(t, scratch.Insert(&recordingDevice{}, r.Base, r.Len))
			}
			cand := Range{base, length}
			err := scratch.Insert(&recordingDevice{}, cand.Base, cand.Len)
			if overlaps(cand) {
				require.ErrorIs(t, err, ErrOverlap, "candidate %s", cand)
			} else {
				require.NoError(t, err, "candidate %s", cand)
			}
		}
	}
}

func TestReadWriteRouting(t *testing.T) {
	b := New()
	low := &recordingDevice{fill: 0xaa}
	high := &recordingDevice{fill: 0xbb}
	require.NoError(t, b.Insert(low, 0x60, 8))
	require.NoError(t, b.Insert(high, 0xcf8, 8))

	data := make([]byte, 2)
	require.True(t, b.Read(0x63, data))
	require.Equal(t, []byte{0xaa, 0xaa}, data)
	require.Equal(t, uint64(3), low.lastReadOffset)

	require.True(t, b.Write(0xcfc, []byte{1, 2, 3, 4}))
	require.Equal(t, uint64(4), high.lastWriteOffset)
	require.Equal(t, []byte{1, 2, 3, 4}, high.written)

	untouched := []byte{0x11}
	require.False(t, b.Read(0x68, untouched))
	require.Equal(t, []byte{0x11}, untouched)
	require.False(t, b.Write(0x10, []byte{0}))
	require.False(t, b.Read(0x0, untouched))
}

func TestRangesOrdered(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(&recordingDevice{}, 0x300, 1))
	require.NoError(t, b.Insert(&recordingDevice{}, 0x100, 1))
	require.NoError(t, b.Insert(&recordingDevice{}, 0x200, 1))
	require.Equal(t, []Range{{0x100, 1}, {0x200, 1}, {0x300, 1}}, b.Ranges())
}

func TestRemove(t *testing.T) {
	b := New()
	dev := &recordingDevice{fill: 0x5a}
	require.NoError(t, b.Insert(dev, 0x100, 0x10))

	require.False(t, b.Remove(0x108), "remove must match the range base")
	require.True(t, b.Remove(0x100))
	require.False(t, b.Remove(0x100))

	require.False(t, b.Read(0x100, make([]byte, 1)))
	require.NoError(t, b.Insert(dev, 0x100, 0x10), "range is free again")
}
