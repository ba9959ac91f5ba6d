package chipset

import (
	"sync"
	"time"

	"github.com/tinyrange/vio/internal/bus"
)

// Offsets inside the two-port window registered at 0x70.
const (
	cmosAddrOffset uint64 = 0
	cmosDataOffset uint64 = 1
)

const (
	cmosRegSeconds    byte = 0x00
	cmosRegMinutes    byte = 0x02
	cmosRegHours      byte = 0x04
	cmosRegWeekday    byte = 0x06
	cmosRegDayOfMonth byte = 0x07
	cmosRegMonth      byte = 0x08
	cmosRegYear       byte = 0x09
	cmosRegStatusC    byte = 0x0C
	cmosRegStatusD    byte = 0x0D
	cmosRegCentury    byte = 0x32
)

const cmosIndexMask = 0x7f

// CMOS is the read-only wall clock half of the MC146818. Time registers are
// always reported in BCD, 24 hour, UTC. Every other index is scratch RAM.
type CMOS struct {
	mu sync.Mutex

	addr byte
	cmos [128]byte
	now  func() time.Time
}

// CMOSOption customises the RTC for tests.
type CMOSOption func(*CMOS)

// WithCMOSClock overrides the time source used for RTC registers.
func WithCMOSClock(now func() time.Time) CMOSOption {
	return func(c *CMOS) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCMOS(opts ...CMOSOption) *CMOS {
	c := &CMOS{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read implements bus.Device.
func (c *CMOS) Read(offset uint64, data []byte) {
	if offset != cmosDataOffset || len(data) != 1 {
		clear(data)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data[0] = c.readDataLocked()
}

// Write implements bus.Device.
func (c *CMOS) Write(offset uint64, data []byte) {
	if len(data) != 1 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case cmosAddrOffset:
		// Bit 7 gates NMI delivery, which this machine never raises.
		c.addr = data[0] & cmosIndexMask
	case cmosDataOffset:
		c.writeDataLocked(data[0])
	}
}

func (c *CMOS) readDataLocked() byte {
	if v, ok := c.timeRegister(c.addr); ok {
		return v
	}
	return c.cmos[c.addr]
}

func (c *CMOS) writeDataLocked(v byte) {
	switch c.addr {
	case cmosRegStatusC, cmosRegStatusD:
		return
	}
	c.cmos[c.addr] = v
}

func (c *CMOS) timeRegister(idx byte) (byte, bool) {
	switch idx {
	case cmosRegSeconds, cmosRegMinutes, cmosRegHours, cmosRegWeekday,
		cmosRegDayOfMonth, cmosRegMonth, cmosRegYear, cmosRegCentury:
	default:
		return 0, false
	}

	f := rtcFieldsFromTime(c.now())
	switch idx {
	case cmosRegSeconds:
		return toBCD(f.second), true
	case cmosRegMinutes:
		return toBCD(f.minute), true
	case cmosRegHours:
		return toBCD(f.hour), true
	case cmosRegWeekday:
		return toBCD(f.weekday), true
	case cmosRegDayOfMonth:
		return toBCD(f.day), true
	case cmosRegMonth:
		return toBCD(f.month), true
	case cmosRegYear:
		return toBCD(f.year), true
	default:
		return toBCD(f.century), true
	}
}

type rtcFields struct {
	second, minute, hour byte
	weekday, day, month  byte
	year, century        byte
}

func rtcFieldsFromTime(t time.Time) rtcFields {
	t = t.UTC()
	// Weekday is 1-based with Sunday as 1.
	return rtcFields{
		second:  byte(t.Second()),
		minute:  byte(t.Minute()),
		hour:    byte(t.Hour()),
		weekday: byte(t.Weekday()) + 1,
		day:     byte(t.Day()),
		month:   byte(t.Month()),
		year:    byte(t.Year() % 100),
		century: byte(t.Year() / 100),
	}
}

func toBCD(v byte) byte {
	return ((v / 10) << 4) | (v % 10)
}

var _ bus.Device = (*CMOS)(nil)
