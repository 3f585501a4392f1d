// Package controller manages which processes are tracked and harvests their
// run-queue latency histograms.
package controller

import (
	"context"
	"slices"
	"sync"

	"github.com/phuslu/log"

	"runqlat_exporter/internal/histogram"
	"runqlat_exporter/internal/logger"
)

// Controller attaches a Backend and operates its stores. Calls are serialized;
// the event path runs concurrently and is never blocked by them.
type Controller struct {
	mu       sync.Mutex
	backend  Backend
	attached bool
	closed   bool

	log log.Logger
}

// New returns a controller for b. Nothing runs until Attach.
func New(b Backend) *Controller {
	return &Controller{
		backend: b,
		log:     logger.NewLoggerWithContext("controller"),
	}
}

// Attach binds the scheduler handlers. Failures are *SetupError.
// A second call on an attached controller is a no-op.
func (c *Controller) Attach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.attached {
		return nil
	}
	if err := c.backend.Attach(ctx); err != nil {
		return err
	}
	c.attached = true
	return nil
}

func (c *Controller) ready() error {
	if c.closed {
		return ErrClosed
	}
	if !c.attached {
		return ErrNotAttached
	}
	return nil
}

// Track adds every tgid to the tracked set. Keys that could not be added are
// reported in a *PartialError; the others stay tracked.
func (c *Controller) Track(tgids []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	set := c.backend.Tracked()
	var failed map[uint32]error
	for _, tgid := range tgids {
		if err := set.Add(tgid); err != nil {
			if failed == nil {
				failed = make(map[uint32]error)
			}
			failed[tgid] = err
		}
	}
	c.log.Debug().Int("requested", len(tgids)).Int("failed", len(failed)).Msg("Track")
	if failed != nil {
		return &PartialError{Op: "track", Failed: failed}
	}
	return nil
}

// Untrack removes every tgid from the tracked set. Histograms already
// recorded for them are kept until the next Drain.
func (c *Controller) Untrack(tgids []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}
	set := c.backend.Tracked()
	var failed map[uint32]error
	for _, tgid := range tgids {
		if err := set.Remove(tgid); err != nil {
			if failed == nil {
				failed = make(map[uint32]error)
			}
			failed[tgid] = err
		}
	}
	c.log.Debug().Int("requested", len(tgids)).Int("failed", len(failed)).Msg("Untrack")
	if failed != nil {
		return &PartialError{Op: "untrack", Failed: failed}
	}
	return nil
}

// Drain returns every histogram recorded since the previous Drain and removes
// the keys it returned. Increments racing with the removal are lost.
func (c *Controller) Drain() (map[uint32]histogram.Histogram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.backend.Histograms().Drain()
}

// Tracked returns the tracked tgids in ascending order.
func (c *Controller) Tracked() ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return nil, err
	}
	var out []uint32
	err := c.backend.Tracked().Range(func(tgid uint32) bool {
		out = append(out, tgid)
		return true
	})
	slices.Sort(out)
	return out, err
}

// Dropped returns the number of events the backend lost before they reached
// the state machine, or 0 when it cannot lose any.
func (c *Controller) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.backend.(Dropper); ok {
		return d.Dropped()
	}
	return 0
}

// Close detaches the handlers and releases the stores.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if !c.attached {
		return nil
	}
	err := c.backend.Close()
	c.log.Info().Err(err).Msg("Controller closed")
	return err
}
