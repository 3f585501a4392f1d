// Package probe loads the run-queue latency eBPF object, attaches its
// scheduler tracepoints and exposes its maps as sched stores.
package probe

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/phuslu/log"

	"runqlat_exporter/internal/histogram"
	"runqlat_exporter/internal/logger"
)

// Names the object file must define.
const (
	MapTracked    = "pids"
	MapPending    = "start"
	MapHistograms = "hists"
	MapEvents     = "events"

	ProgWakeup    = "sched_wakeup"
	ProgWakeupNew = "sched_wakeup_new"
	ProgSwitch    = "sched_switch"

	VarForwardEvents = "forward_events"
)

var (
	// ErrMapNotFound means the object lacks a required map, program or variable.
	ErrMapNotFound = errors.New("required object not found")
	// ErrMapMismatch means a map's key or value layout differs from what this
	// program reads and writes.
	ErrMapMismatch = errors.New("map layout mismatch")
)

// Options controls how the object is prepared before it is loaded.
type Options struct {
	// ObjectPath is the compiled BPF ELF file.
	ObjectPath string
	// MaxEntries overrides the capacity of the three hash maps when non-zero.
	MaxEntries uint32
	// RingSize overrides the ring buffer size in bytes when non-zero.
	// It must be a power-of-two multiple of the page size.
	RingSize uint32
	// Forward makes the programs send raw events to the ring buffer
	// instead of aggregating in the kernel.
	Forward bool
}

// Objects are the programs and maps assigned from the collection.
type Objects struct {
	SchedWakeup    *ebpf.Program `ebpf:"sched_wakeup"`
	SchedWakeupNew *ebpf.Program `ebpf:"sched_wakeup_new"`
	SchedSwitch    *ebpf.Program `ebpf:"sched_switch"`

	Pids   *ebpf.Map `ebpf:"pids"`
	Start  *ebpf.Map `ebpf:"start"`
	Hists  *ebpf.Map `ebpf:"hists"`
	Events *ebpf.Map `ebpf:"events"`
}

// Close releases every assigned program and map.
func (o *Objects) Close() error {
	var errs []error
	for _, p := range []*ebpf.Program{o.SchedWakeup, o.SchedWakeupNew, o.SchedSwitch} {
		if p != nil {
			if err := p.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, m := range []*ebpf.Map{o.Pids, o.Start, o.Hists, o.Events} {
		if m != nil {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type mapLayout struct {
	name      string
	typ       ebpf.MapType
	keySize   uint32
	valueSize uint32
}

var layouts = []mapLayout{
	{MapTracked, ebpf.Hash, 4, 1},
	{MapPending, ebpf.Hash, 4, 8},
	{MapHistograms, ebpf.Hash, 4, uint32(unsafe.Sizeof(histogram.Histogram{}))},
	{MapEvents, ebpf.RingBuf, 0, 0},
}

// Configure checks the collection's maps against the layouts this package
// expects and applies opts to it.
func Configure(spec *ebpf.CollectionSpec, opts Options) error {
	for _, l := range layouts {
		ms, ok := spec.Maps[l.name]
		if !ok {
			return fmt.Errorf("map %q: %w", l.name, ErrMapNotFound)
		}
		if ms.Type != l.typ {
			return fmt.Errorf("map %q: type %s, want %s: %w", l.name, ms.Type, l.typ, ErrMapMismatch)
		}
		if l.typ == ebpf.RingBuf {
			if opts.RingSize > 0 {
				ms.MaxEntries = opts.RingSize
			}
			continue
		}
		if ms.KeySize != l.keySize || ms.ValueSize != l.valueSize {
			return fmt.Errorf("map %q: key/value size %d/%d, want %d/%d: %w",
				l.name, ms.KeySize, ms.ValueSize, l.keySize, l.valueSize, ErrMapMismatch)
		}
		if opts.MaxEntries > 0 {
			ms.MaxEntries = opts.MaxEntries
		}
	}

	for _, name := range []string{ProgWakeup, ProgWakeupNew, ProgSwitch} {
		if _, ok := spec.Programs[name]; !ok {
			return fmt.Errorf("program %q: %w", name, ErrMapNotFound)
		}
	}

	v, ok := spec.Variables[VarForwardEvents]
	if !ok {
		if opts.Forward {
			return fmt.Errorf("variable %q: %w", VarForwardEvents, ErrMapNotFound)
		}
		return nil
	}
	if err := v.Set(opts.Forward); err != nil {
		return fmt.Errorf("set %q: %w", VarForwardEvents, err)
	}
	return nil
}

// Probe owns the loaded objects and the tracepoint links.
type Probe struct {
	objs    Objects
	links   []link.Link
	forward bool
	log     log.Logger
}

// Load reads the object file, configures it and loads it into the kernel.
// Nothing is attached yet.
func Load(opts Options) (*Probe, error) {
	spec, err := ebpf.LoadCollectionSpec(opts.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("load collection spec %s: %w", opts.ObjectPath, err)
	}
	return LoadSpec(spec, opts)
}

// LoadSpec is Load for a collection spec already in memory.
func LoadSpec(spec *ebpf.CollectionSpec, opts Options) (*Probe, error) {
	if err := Configure(spec, opts); err != nil {
		return nil, err
	}

	p := &Probe{
		forward: opts.Forward,
		log:     logger.NewLoggerWithContext("probe"),
	}
	if err := spec.LoadAndAssign(&p.objs, nil); err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			p.log.Error().Str("verifier", fmt.Sprintf("%+v", verr)).Msg("BPF verifier rejected program")
		}
		return nil, fmt.Errorf("load and assign: %w", err)
	}

	p.log.Debug().
		Uint32("max_entries", p.objs.Pids.MaxEntries()).
		Bool("forward", opts.Forward).
		Msg("BPF objects loaded")
	return p, nil
}

// Attach links the three programs to their BTF tracepoints. On failure
// any link already created is closed again.
func (p *Probe) Attach() error {
	if len(p.links) > 0 {
		return nil
	}
	progs := []struct {
		name string
		prog *ebpf.Program
	}{
		{ProgWakeup, p.objs.SchedWakeup},
		{ProgWakeupNew, p.objs.SchedWakeupNew},
		{ProgSwitch, p.objs.SchedSwitch},
	}

	links := make([]link.Link, 0, len(progs))
	for _, pr := range progs {
		l, err := link.AttachTracing(link.TracingOptions{Program: pr.prog})
		if err != nil {
			for _, l := range links {
				l.Close()
			}
			return fmt.Errorf("attach %s: %w", pr.name, err)
		}
		links = append(links, l)
	}
	p.links = links

	p.log.Info().Int("links", len(links)).Msg("Scheduler tracepoints attached")
	return nil
}

// Forwarding reports whether the programs were loaded in forwarding mode.
func (p *Probe) Forwarding() bool { return p.forward }

// Tracked returns the Tracked-Process Set backed by the pids map.
func (p *Probe) Tracked() *MapSet { return &MapSet{m: p.objs.Pids} }

// Pending returns the Pending-Start store backed by the start map.
func (p *Probe) Pending() *MapPending { return &MapPending{m: p.objs.Start} }

// Histograms returns the Histogram Store backed by the hists map.
func (p *Probe) Histograms() *MapHistograms { return &MapHistograms{m: p.objs.Hists} }

// NewEventReader opens the ring buffer of forwarded events.
func (p *Probe) NewEventReader() (*EventReader, error) {
	return NewEventReader(p.objs.Events)
}

// Close detaches the programs and releases every map.
func (p *Probe) Close() error {
	var errs []error
	for _, l := range p.links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.links = nil
	if err := p.objs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
