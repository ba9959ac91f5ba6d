package chipset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func readReg(t *testing.T, c *CMOS, idx byte) byte {
	t.Helper()
	c.Write(cmosAddrOffset, []byte{idx})
	buf := []byte{0xff}
	c.Read(cmosDataOffset, buf)
	return buf[0]
}

func TestCMOSTimeRegistersBCDEncoding(t *testing.T) {
	// A Thursday.
	now := time.Date(2023, 1, 26, 13, 4, 59, 0, time.UTC)
	c := NewCMOS(WithCMOSClock(func() time.Time { return now }))

	cases := []struct {
		name string
		reg  byte
		want byte
	}{
		{"seconds", cmosRegSeconds, 0x59},
		{"minutes", cmosRegMinutes, 0x04},
		{"hours", cmosRegHours, 0x13},
		{"weekday", cmosRegWeekday, 0x05},
		{"day", cmosRegDayOfMonth, 0x26},
		{"month", cmosRegMonth, 0x01},
		{"year", cmosRegYear, 0x23},
		{"century", cmosRegCentury, 0x20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, readReg(t, c, tc.reg), "register 0x%02x", tc.reg)
		})
	}
}

func TestCMOSReportsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, loc)
	c := NewCMOS(WithCMOSClock(func() time.Time { return now }))

	require.Equal(t, byte(0x22), readReg(t, c, cmosRegHours))
	require.Equal(t, byte(0x31), readReg(t, c, cmosRegDayOfMonth))
}

func TestCMOSScratchRAM(t *testing.T) {
	c := NewCMOS()

	c.Write(cmosAddrOffset, []byte{0x40})
	c.Write(cmosDataOffset, []byte{0xab})
	require.Equal(t, byte(0xab), readReg(t, c, 0x40))

	// The NMI disable bit is stripped from the index.
	require.Equal(t, byte(0xab), readReg(t, c, 0x80|0x40))
}

func TestCMOSStatusRegistersReadOnly(t *testing.T) {
	c := NewCMOS()

	for _, reg := range []byte{cmosRegStatusC, cmosRegStatusD} {
		c.Write(cmosAddrOffset, []byte{reg})
		c.Write(cmosDataOffset, []byte{0x7f})
		require.Zero(t, readReg(t, c, reg), "register 0x%02x after write", reg)
	}
}

func TestCMOSNonByteAccess(t *testing.T) {
	c := NewCMOS()
	c.Write(cmosAddrOffset, []byte{0x40})
	c.Write(cmosDataOffset, []byte{0x11})

	buf := []byte{0xff, 0xff}
	c.Read(cmosDataOffset, buf)
	require.Equal(t, []byte{0, 0}, buf, "wide read")

	one := []byte{0xff}
	c.Read(cmosAddrOffset, one)
	require.Zero(t, one[0], "index port read")

	// Wide writes are dropped and leave the selected index alone.
	c.Write(cmosAddrOffset, []byte{0x41, 0x00})
	c.Write(cmosDataOffset, []byte{0x22, 0x33})
	require.Equal(t, byte(0x11), readReg(t, c, 0x40))
}
