package main

import (
	"context"
	"log/slog"

	"github.com/tinyrange/vio/internal/config"
	"github.com/tinyrange/vio/internal/devices/virtio"
)

// probeDevice is a virtio device with no backend. It completes every chain
// the driver posts without touching the buffers.
type probeDevice struct {
	virtio.BaseDevice

	typ     virtio.DeviceType
	sizes   []uint16
	workers *virtio.Workers
}

func newProbeDevice(d config.Device) (*probeDevice, error) {
	typ, err := d.DeviceType()
	if err != nil {
		return nil, err
	}
	return &probeDevice{
		BaseDevice: virtio.NewBaseDevice(d.Features, d.ConfigSize),
		typ:        typ,
		sizes:      d.Queues,
	}, nil
}

func (d *probeDevice) DeviceType() virtio.DeviceType { return d.typ }
func (d *probeDevice) QueueSizes() []uint16          { return d.sizes }

func (d *probeDevice) Start(queues *virtio.Queues) {
	workers, err := virtio.NewWorkers(context.Background())
	if err != nil {
		slog.Error("vio-probe: start workers", "device", d.typ.String(), "err", err)
		return
	}
	d.workers = workers
	for i, q := range queues.All() {
		if !q.IsEnabled() {
			continue
		}
		workers.ServeQueue(q, func(c *virtio.Chain) error {
			slog.Debug("vio-probe: discarding chain", "device", d.typ.String(), "queue", i, "head", c.Head())
			return nil
		})
	}
}

func (d *probeDevice) stop() error {
	if d.workers == nil {
		return nil
	}
	return d.workers.Stop()
}
