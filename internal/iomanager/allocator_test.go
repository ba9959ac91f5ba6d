package iomanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIoAllocatorIrqs(t *testing.T) {
	a := DefaultIoAllocator()

	var got []uint8
	for {
		irq, err := a.AllocateIrq()
		if err != nil {
			require.ErrorIs(t, err, ErrNoFreeIrq)
			break
		}
		got = append(got, irq)
	}
	require.Len(t, got, int(IrqMax-IrqBase)+1)
	require.Equal(t, IrqBase, got[0])
	require.Equal(t, IrqMax, got[len(got)-1])

	a.FreeIrq(7)
	irq, err := a.AllocateIrq()
	require.NoError(t, err)
	require.Equal(t, uint8(7), irq)
}

func TestIoAllocatorMmio(t *testing.T) {
	a := NewIoAllocator(0x10000, 0x10000, IrqBase, IrqMax)

	small, err := a.AllocateMmio("small", 0x100)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), small)

	big, err := a.AllocateMmio("big", 0x8000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x18000), big, "power-of-two windows are naturally aligned")

	gap, err := a.AllocateMmio("gap", 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11000), gap, "first fit reuses the hole below big")

	_, err = a.AllocateMmio("huge", 0x10000)
	require.Error(t, err)

	require.True(t, a.FreeMmio(big))
	require.False(t, a.FreeMmio(big))
	require.Len(t, a.MmioAllocations(), 2)
}
