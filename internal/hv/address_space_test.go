package hv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressSpaceFirstFit(t *testing.T) {
	as := NewAddressSpace(0xe0000000, 0x10000)

	a, err := as.Allocate(MMIOAllocationRequest{Name: "a", Size: 0x1000})
	require.NoError(t, err)
	b, err := as.Allocate(MMIOAllocationRequest{Name: "b", Size: 0x1000})
	require.NoError(t, err)
	require.Equal(t, uint64(0xe0000000), a.Base)
	require.Equal(t, uint64(0xe0001000), b.Base)

	require.True(t, as.Free(a.Base))
	c, err := as.Allocate(MMIOAllocationRequest{Name: "c", Size: 0x800})
	require.NoError(t, err)
	require.Equal(t, uint64(0xe0000000), c.Base, "reuses the freed hole")
	require.Equal(t, uint64(0x1000), c.Size, "rounded to 4KB")
}

func TestAddressSpaceAlignment(t *testing.T) {
	as := NewAddressSpace(0x1000, 0x100000)
	_, err := as.Allocate(MMIOAllocationRequest{Name: "small", Size: 0x1000})
	require.NoError(t, err)
	big, err := as.Allocate(MMIOAllocationRequest{Name: "big", Size: 0x4000, Alignment: 0x4000})
	require.NoError(t, err)
	require.Zero(t, big.Base%0x4000, "base %#x not aligned", big.Base)

	_, err = as.Allocate(MMIOAllocationRequest{Name: "bad", Size: 0x1000, Alignment: 0x3000})
	require.Error(t, err, "non power of two alignment")
}

func TestAddressSpaceExhausted(t *testing.T) {
	as := NewAddressSpace(0, 0x2000)
	for i := 0; i < 2; i++ {
		_, err := as.Allocate(MMIOAllocationRequest{Name: "x", Size: 0x1000})
		require.NoError(t, err)
	}
	_, err := as.Allocate(MMIOAllocationRequest{Name: "y", Size: 0x1000})
	require.ErrorIs(t, err, ErrAddressSpaceExhausted)
}

func TestRegisterFixed(t *testing.T) {
	as := NewAddressSpace(0x10000, 0x10000)
	require.NoError(t, as.RegisterFixed("fixed", 0x10000, 0x1000))
	require.Error(t, as.RegisterFixed("overlap", 0x10800, 0x1000))

	a, err := as.Allocate(MMIOAllocationRequest{Name: "a", Size: 0x1000})
	require.NoError(t, err)
	require.Equal(t, uint64(0x11000), a.Base)
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, a, want uint64 }{
		{0, 0x1000, 0},
		{1, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x200000, 0x200000},
		{5, 0, 5},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, AlignUp(tc.v, tc.a), "AlignUp(%#x, %#x)", tc.v, tc.a)
	}
}
