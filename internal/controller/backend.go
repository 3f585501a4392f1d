package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"runqlat_exporter/internal/logger"
	"runqlat_exporter/internal/maps"
	"runqlat_exporter/internal/probe"
	"runqlat_exporter/internal/sched"
)

// Backend is where the state machine runs and its stores live.
type Backend interface {
	// Attach creates the stores and starts delivering scheduler events.
	Attach(ctx context.Context) error
	Tracked() sched.TrackedSet
	Histograms() sched.HistogramDrainer
	Close() error
}

// Dropper is implemented by backends that can lose events before they reach
// the state machine.
type Dropper interface {
	Dropped() uint64
}

// KernelBackend runs the state machine as BPF programs; the stores are the
// kernel maps.
type KernelBackend struct {
	opts  probe.Options
	probe *probe.Probe
	log   log.Logger
}

func NewKernelBackend(opts probe.Options) *KernelBackend {
	opts.Forward = false
	return &KernelBackend{
		opts: opts,
		log:  logger.NewLoggerWithContext("kernel_backend"),
	}
}

func (b *KernelBackend) Attach(ctx context.Context) error {
	p, err := probe.Load(b.opts)
	if err != nil {
		return setupError("load", b.opts.ObjectPath, err)
	}
	if err := p.Attach(); err != nil {
		p.Close()
		return setupError("attach", "sched tracepoints", err)
	}
	b.probe = p
	b.log.Info().Str("object", b.opts.ObjectPath).Msg("Kernel aggregation running")
	return nil
}

func (b *KernelBackend) Tracked() sched.TrackedSet          { return b.probe.Tracked() }
func (b *KernelBackend) Histograms() sched.HistogramDrainer { return b.probe.Histograms() }

func (b *KernelBackend) Close() error {
	if b.probe == nil {
		return nil
	}
	err := b.probe.Close()
	b.probe = nil
	return err
}

// EventSource produces raw scheduler records.
type EventSource interface {
	// Run delivers records to dispatch until ctx is done or Close is called.
	Run(ctx context.Context, dispatch func(sched.Record)) error
	Close() error
}

// UserspaceOptions configures a UserspaceBackend.
type UserspaceOptions struct {
	// Probe is loaded in forwarding mode when Source is nil.
	Probe probe.Options
	// Source replaces the ring buffer reader, e.g. with simulated events.
	Source EventSource

	MapImplementation maps.Implementation
	MaxEntries        int
	Workers           int
	QueueSize         int
}

// UserspaceBackend runs the Go state machine over in-memory stores, fed by
// forwarded scheduler events.
type UserspaceBackend struct {
	opts UserspaceOptions

	stores     *sched.Stores
	dispatcher *sched.Dispatcher
	probe      *probe.Probe
	source     EventSource

	cancel context.CancelFunc
	done   chan struct{}

	log log.Logger
}

var _ Dropper = (*UserspaceBackend)(nil)

func NewUserspaceBackend(opts UserspaceOptions) *UserspaceBackend {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = sched.DefaultMaxEntries
	}
	opts.Probe.Forward = true
	return &UserspaceBackend{
		opts: opts,
		log:  logger.NewLoggerWithContext("userspace_backend"),
	}
}

func (b *UserspaceBackend) Attach(ctx context.Context) error {
	stores, err := sched.NewMemoryStores(b.opts.MapImplementation, b.opts.MaxEntries)
	if err != nil {
		return setupError("load", "stores", err)
	}

	source := b.opts.Source
	if source == nil {
		p, err := probe.Load(b.opts.Probe)
		if err != nil {
			return setupError("load", b.opts.Probe.ObjectPath, err)
		}
		rd, err := p.NewEventReader()
		if err != nil {
			p.Close()
			return setupError("open", probe.MapEvents, err)
		}
		if err := p.Attach(); err != nil {
			rd.Close()
			p.Close()
			return setupError("attach", "sched tracepoints", err)
		}
		b.probe = p
		source = rd
	}

	b.stores = stores
	b.source = source
	b.dispatcher = sched.NewDispatcher(sched.NewMachineFromStores(stores), b.opts.Workers, b.opts.QueueSize)

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.dispatcher.Start(runCtx)

	go func() {
		defer close(b.done)
		err := source.Run(runCtx, b.dispatcher.Dispatch)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error().Err(err).Msg("Event source stopped")
		}
	}()

	b.log.Info().
		Str("map_implementation", string(b.opts.MapImplementation)).
		Int("max_entries", b.opts.MaxEntries).
		Bool("simulated", b.probe == nil).
		Msg("Userspace aggregation running")
	return nil
}

func (b *UserspaceBackend) Tracked() sched.TrackedSet          { return b.stores.Tracked }
func (b *UserspaceBackend) Histograms() sched.HistogramDrainer { return b.stores.Histograms }

// Stores exposes the in-memory stores.
func (b *UserspaceBackend) Stores() *sched.Stores { return b.stores }

// Dropped returns the events lost at full dispatcher queues.
func (b *UserspaceBackend) Dropped() uint64 {
	if b.dispatcher == nil {
		return 0
	}
	return b.dispatcher.Dropped()
}

// Close stops the source, lets the workers finish queued events and detaches
// the probe.
func (b *UserspaceBackend) Close() error {
	if b.cancel == nil {
		return nil
	}
	var errs []error
	if err := b.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	<-b.done
	b.dispatcher.Stop()
	b.cancel()
	b.cancel = nil

	if b.probe != nil {
		if err := b.probe.Close(); err != nil {
			errs = append(errs, err)
		}
		b.probe = nil
	}
	return errors.Join(errs...)
}
