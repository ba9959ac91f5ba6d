package input

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

func newResetEvent(t *testing.T) eventfd.Eventfd {
	t.Helper()
	ev, err := eventfd.Create()
	require.NoError(t, err)
	t.Cleanup(func() { ev.Close() })
	return ev
}

// pending reports whether ev has been signalled without blocking.
func pending(t *testing.T, ev eventfd.Eventfd) bool {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(ev.FD()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	require.NoError(t, err)
	return n == 1
}

func TestI8042Reads(t *testing.T) {
	ctrl := NewI8042(newResetEvent(t))

	for offset := uint64(0); offset < 8; offset++ {
		buf := []byte{0xff}
		ctrl.Read(offset, buf)
		want := byte(0)
		if offset == i8042Port61Offset {
			want = port61RefreshToggle
		}
		require.Equal(t, want, buf[0], "read offset %d", offset)
	}

	wide := []byte{0xaa, 0xbb}
	ctrl.Read(i8042Port61Offset, wide)
	require.Equal(t, []byte{0xaa, 0xbb}, wide, "wide read modified buffer")
}

func TestI8042Reset(t *testing.T) {
	ev := newResetEvent(t)
	ctrl := NewI8042(ev)

	t.Run("OtherWritesIgnored", func(t *testing.T) {
		ctrl.Write(i8042DataOffset, []byte{i8042CommandResetCPU})
		ctrl.Write(i8042CommandOffset, []byte{0xaa})
		ctrl.Write(i8042CommandOffset, []byte{i8042CommandResetCPU, 0})
		require.False(t, pending(t, ev), "reset signalled by a non-reset write")
	})

	t.Run("PulseReset", func(t *testing.T) {
		ctrl.Write(i8042CommandOffset, []byte{i8042CommandResetCPU})
		require.True(t, pending(t, ev), "reset not signalled")
		v, err := ev.Read()
		require.NoError(t, err)
		require.Equal(t, uint64(1), v)
	})
}
