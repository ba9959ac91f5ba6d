package virtio

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vio/internal/hv"
)

// ISR status bits.
const (
	isrQueue  = 0x1
	isrConfig = 0x2
)

// InterruptLine is the legacy INTx line of one device, raised through an
// irqfd registered with the hypervisor.
type InterruptLine struct {
	irqfd eventfd.Eventfd
	irq   uint8
	isr   atomic.Uint32
}

// NewInterruptLine creates an irqfd and routes it to irq.
func NewInterruptLine(events hv.EventRegistrar, irq uint8) (*InterruptLine, error) {
	fd, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("virtio: create irqfd: %w", err)
	}
	if err := events.RegisterIrqfd(fd.FD(), uint32(irq)); err != nil {
		fd.Close()
		return nil, fmt.Errorf("virtio: register irqfd for irq %d: %w", irq, err)
	}
	return &InterruptLine{irqfd: fd, irq: irq}, nil
}

func (l *InterruptLine) Irq() uint8 { return l.irq }

// IsrRead returns the pending ISR bits and clears them.
func (l *InterruptLine) IsrRead() uint8 {
	return uint8(l.isr.Swap(0))
}

// NotifyQueue signals that the device returned buffers on some queue.
func (l *InterruptLine) NotifyQueue() {
	l.isr.Or(isrQueue)
	l.signal()
}

// NotifyConfig signals that the device configuration changed.
func (l *InterruptLine) NotifyConfig() {
	l.isr.Or(isrConfig)
	l.signal()
}

func (l *InterruptLine) signal() {
	if err := l.irqfd.Notify(); err != nil {
		slog.Warn("virtio: irqfd write failed", "irq", l.irq, "err", err)
	}
}

func (l *InterruptLine) close(events hv.EventRegistrar) error {
	err := events.UnregisterIrqfd(l.irqfd.FD(), uint32(l.irq))
	if cerr := l.irqfd.Close(); err == nil {
		err = cerr
	}
	return err
}
