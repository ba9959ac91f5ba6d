package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
)

// DescriptorList is one direction (readable or writeable) of a descriptor
// chain with a cursor into the current buffer.
type DescriptorList struct {
	mem          GuestMemory
	descriptors  []Descriptor
	offset       int
	totalSize    int
	consumedSize int
}

func newDescriptorList(mem GuestMemory) DescriptorList {
	return DescriptorList{mem: mem}
}

func (l *DescriptorList) add(d Descriptor) {
	l.totalSize += int(d.Length)
	l.descriptors = append(l.descriptors, d)
}

func (l *DescriptorList) clear() {
	l.descriptors = nil
	l.offset = 0
}

func (l *DescriptorList) IsEmpty() bool { return len(l.descriptors) == 0 }

func (l *DescriptorList) current() (Descriptor, bool) {
	if len(l.descriptors) == 0 {
		return Descriptor{}, false
	}
	return l.descriptors[0], true
}

func (l *DescriptorList) currentAddress(size int) (uint64, bool) {
	d, ok := l.current()
	if !ok || d.Remaining(l.offset) < size {
		return 0, false
	}
	return d.Addr + uint64(l.offset), true
}

// inc advances the cursor by n bytes, moving to the next descriptor once the
// current one is used up.
func (l *DescriptorList) inc(n int) {
	d, ok := l.current()
	if !ok {
		slog.Warn("virtio: queue increment called with no current descriptor")
		return
	}
	remaining := d.Remaining(l.offset)
	if n > remaining {
		slog.Warn("virtio: descriptor buffer increment exceeds current size", "n", n, "remaining", remaining)
	}
	if n >= remaining {
		l.consumedSize += remaining
		l.offset = 0
		l.descriptors = l.descriptors[1:]
	} else {
		l.consumedSize += n
		l.offset += n
	}
}

func (l *DescriptorList) read(buf []byte) (int, error) {
	d, ok := l.current()
	if !ok {
		return 0, nil
	}
	n, err := d.readFrom(l.mem, l.offset, buf)
	if err != nil {
		return 0, err
	}
	l.inc(n)
	return n, nil
}

func (l *DescriptorList) write(buf []byte) (int, error) {
	d, ok := l.current()
	if !ok {
		return 0, nil
	}
	n, err := d.writeTo(l.mem, l.offset, buf)
	if err != nil {
		return 0, err
	}
	l.inc(n)
	return n, nil
}

func (l *DescriptorList) fillFrom(r io.Reader, size int) (int, error) {
	d, ok := l.current()
	if !ok {
		return 0, nil
	}
	n, err := d.fillFrom(l.mem, l.offset, r, size)
	if n > 0 {
		l.inc(n)
	}
	return n, err
}

func (l *DescriptorList) currentSlice() []byte {
	d, ok := l.current()
	if !ok {
		return nil
	}
	size := d.Remaining(l.offset)
	if size == 0 {
		return nil
	}
	view, err := l.mem.Slice(d.Addr+uint64(l.offset), uint64(size))
	if err != nil {
		return nil
	}
	return view
}

func (l *DescriptorList) remaining() int { return l.totalSize - l.consumedSize }

func (l *DescriptorList) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[size=%d, [", l.totalSize)
	for _, d := range l.descriptors {
		fmt.Fprintf(&sb, "(0x%08x, [%d]),", d.Addr, d.Length)
	}
	sb.WriteString("] ]")
	return sb.String()
}

// usedRing is where a finished chain is returned.
type usedRing interface {
	putUsed(id uint16, length uint32)
}

// Chain is one request popped from a queue: the readable buffers the driver
// filled followed by the writeable buffers the device fills in. Every chain
// must be completed with Flush exactly once; a chain that is garbage
// collected without being flushed is flushed then, with a warning.
type Chain struct {
	queue     usedRing
	head      uint16
	flushed   bool
	readable  DescriptorList
	writeable DescriptorList
}

func newChain(queue usedRing, head uint16, readable, writeable DescriptorList) *Chain {
	c := &Chain{
		queue:     queue,
		head:      head,
		readable:  readable,
		writeable: writeable,
	}
	runtime.SetFinalizer(c, func(c *Chain) {
		if !c.flushed {
			slog.Warn("virtio: chain dropped without flush", "head", c.head)
			c.Flush()
		}
	})
	return c
}

// Head is the descriptor index the chain started at.
func (c *Chain) Head() uint16 { return c.head }

// Flush returns the chain to the driver, reporting the number of bytes
// written into its writeable buffers. Later calls do nothing.
func (c *Chain) Flush() {
	if c.flushed {
		return
	}
	c.flushed = true
	runtime.SetFinalizer(c, nil)
	c.readable.clear()
	c.writeable.clear()
	c.queue.putUsed(c.head, uint32(c.writeable.consumedSize))
}

// Read implements io.Reader over the readable buffers.
func (c *Chain) Read(p []byte) (int, error) {
	nread := 0
	for nread < len(p) {
		n, err := c.readable.read(p[nread:])
		if err != nil {
			return nread, err
		}
		if n == 0 {
			break
		}
		nread += n
	}
	if nread == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return nread, nil
}

// Write implements io.Writer over the writeable buffers.
func (c *Chain) Write(p []byte) (int, error) {
	nwrote := 0
	for nwrote < len(p) {
		n, err := c.writeable.write(p[nwrote:])
		if err != nil {
			return nwrote, err
		}
		if n == 0 {
			return nwrote, io.ErrShortWrite
		}
		nwrote += n
	}
	return nwrote, nil
}

func (c *Chain) W8(v uint8) error {
	_, err := c.Write([]byte{v})
	return err
}

func (c *Chain) W16(v uint16) error {
	_, err := c.Write(binary.LittleEndian.AppendUint16(nil, v))
	return err
}

func (c *Chain) W32(v uint32) error {
	_, err := c.Write(binary.LittleEndian.AppendUint32(nil, v))
	return err
}

func (c *Chain) W64(v uint64) error {
	_, err := c.Write(binary.LittleEndian.AppendUint64(nil, v))
	return err
}

func (c *Chain) R16() (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (c *Chain) R32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *Chain) R64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// CurrentWriteAddress returns the guest address of the write cursor if the
// current writeable buffer has at least size bytes left.
func (c *Chain) CurrentWriteAddress(size int) (uint64, bool) {
	return c.writeable.currentAddress(size)
}

func (c *Chain) RemainingRead() int  { return c.readable.remaining() }
func (c *Chain) RemainingWrite() int { return c.writeable.remaining() }

// WriteLen is the number of bytes written so far.
func (c *Chain) WriteLen() int { return c.writeable.consumedSize }

func (c *Chain) IsEndOfChain() bool {
	return c.readable.IsEmpty() && c.writeable.IsEmpty()
}

// CurrentReadSlice returns the unread part of the current readable buffer as
// a view of guest memory.
func (c *Chain) CurrentReadSlice() []byte { return c.readable.currentSlice() }

// CurrentWriteSlice returns the unwritten part of the current writeable
// buffer as a view of guest memory.
func (c *Chain) CurrentWriteSlice() []byte { return c.writeable.currentSlice() }

func (c *Chain) IncReadOffset(n int) { c.readable.inc(n) }

// IncWriteOffset advances the write cursor. Any readable bytes not yet
// consumed are discarded.
func (c *Chain) IncWriteOffset(n int) {
	if !c.readable.IsEmpty() {
		c.readable.clear()
	}
	c.writeable.inc(n)
}

// CopyFromReader performs one Read from r straight into the current
// writeable buffer, at most size bytes.
func (c *Chain) CopyFromReader(r io.Reader, size int) (int, error) {
	return c.writeable.fillFrom(r, size)
}

func (c *Chain) String() string {
	return fmt.Sprintf("Chain { R %s W %s }", c.readable.String(), c.writeable.String())
}
