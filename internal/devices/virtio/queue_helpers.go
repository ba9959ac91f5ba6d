package virtio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// ChainHandler processes one request. The chain is flushed after the
// handler returns, so handlers only flush early when they want to complete
// the request before doing more work.
type ChainHandler func(c *Chain) error

// ServeQueue processes chains from q until kill is signalled or handler
// fails.
func ServeQueue(q *VirtQueue, kill eventfd.Eventfd, handler ChainHandler) error {
	for {
		if err := q.WaitReadyOrKill(kill); err != nil {
			if errors.Is(err, ErrKilled) {
				return nil
			}
			return err
		}
		for c := range q.Chains() {
			err := handler(c)
			c.Flush()
			if err != nil {
				return fmt.Errorf("virtio: chain %d: %w", c.Head(), err)
			}
		}
	}
}

// Workers runs a device's queue goroutines and stops them together.
type Workers struct {
	kill  eventfd.Eventfd
	group *errgroup.Group
	ctx   context.Context

	mu     sync.Mutex
	closed bool
}

// NewWorkers returns a worker group. When ctx is cancelled or one worker
// fails, the others are signalled to stop.
func NewWorkers(ctx context.Context) (*Workers, error) {
	kill, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("virtio: create kill eventfd: %w", err)
	}
	group, gctx := errgroup.WithContext(ctx)
	w := &Workers{kill: kill, group: group, ctx: gctx}
	context.AfterFunc(gctx, func() { w.signal() })
	return w, nil
}

func (w *Workers) signal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.kill.Notify()
}

// Context is cancelled when any worker returns an error.
func (w *Workers) Context() context.Context { return w.ctx }

// Go starts fn. fn should return once kill becomes readable.
func (w *Workers) Go(fn func(kill eventfd.Eventfd) error) {
	w.group.Go(func() error { return fn(w.kill) })
}

// ServeQueue starts a worker running ServeQueue on q.
func (w *Workers) ServeQueue(q *VirtQueue, handler ChainHandler) {
	w.Go(func(kill eventfd.Eventfd) error { return ServeQueue(q, kill, handler) })
}

// Stop signals every worker, waits for them and returns the first error.
func (w *Workers) Stop() error {
	if err := w.signal(); err != nil {
		return fmt.Errorf("virtio: signal workers: %w", err)
	}
	err := w.group.Wait()

	w.mu.Lock()
	w.closed = true
	w.kill.Close()
	w.mu.Unlock()
	return err
}
