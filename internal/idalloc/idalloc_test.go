package idalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateLowestFirst(t *testing.T) {
	a := New(5, 8)
	for want := uint32(5); want <= 8; want++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	_, err := a.Allocate()
	require.ErrorIs(t, err, ErrExhausted)

	a.Free(6)
	id, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint32(6), id)
	require.Equal(t, 4, a.Count())
}

func TestReserve(t *testing.T) {
	a := New(0, 31)
	require.True(t, a.Reserve(0))
	require.True(t, a.Reserve(1))
	require.False(t, a.Reserve(1))
	require.False(t, a.Reserve(32))

	id, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint32(2), id)
	require.True(t, a.InUse(1))

	a.Free(1)
	a.Free(1)
	require.False(t, a.InUse(1))
	a.Free(100)
}

func TestExhaustionWithinBitmapWord(t *testing.T) {
	// 32 ids share a 64-bit backing word; ids past the range must not leak.
	a := New(0, 31)
	for i := 0; i < 32; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	_, err := a.Allocate()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestInUseWithHigherBitsSet(t *testing.T) {
	a := New(10, 20)
	require.True(t, a.Reserve(15))

	require.False(t, a.InUse(12), "a set bit above must not mark lower ids in use")
	require.True(t, a.InUse(15))
	require.False(t, a.InUse(16))
	require.True(t, a.Reserve(12))
	require.False(t, a.Reserve(15))
	require.Equal(t, 2, a.Count())
}
