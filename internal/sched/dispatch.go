package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Record is one raw scheduler event as forwarded by the tracepoints.
// Pid/Tgid are the woken task for wakeups and the next task for switches.
type Record struct {
	Time      uint64
	Kind      Kind
	CPU       uint32
	Pid       uint32
	Tgid      uint32
	PrevPid   uint32
	PrevTgid  uint32
	PrevState uint32
}

// Deliver converts a record into its event and invokes the matching handler.
// Records of an unknown kind are ignored.
func Deliver(h Handlers, rec *Record) {
	if rec == nil {
		return
	}
	switch rec.Kind {
	case KindWakeup:
		ev := WakeupEvent{Time: rec.Time, Task: Task{Pid: rec.Pid, Tgid: rec.Tgid}}
		h.Wakeup(&ev)
	case KindWakeupNew:
		ev := WakeupEvent{Time: rec.Time, Task: Task{Pid: rec.Pid, Tgid: rec.Tgid}}
		h.WakeupNew(&ev)
	case KindSwitch:
		ev := SwitchEvent{
			Time:      rec.Time,
			Prev:      Task{Pid: rec.PrevPid, Tgid: rec.PrevTgid},
			PrevState: rec.PrevState,
			Next:      Task{Pid: rec.Pid, Tgid: rec.Tgid},
		}
		h.Switch(&ev)
	}
}

// Dispatcher fans records out to a fixed pool of workers keyed by pid, so
// every event touching one thread is handled in arrival order while distinct
// threads proceed in parallel. A switch touches two threads; when they belong
// to different workers it is split into a switch-out half for prev and a
// switch-in half for next, each queued on its thread's worker. The halves
// carry pid 0 in place of the other task, which the state machine never keys.
//
// Dispatch never blocks: a record arriving at a full queue is dropped.
type Dispatcher struct {
	handlers Handlers
	queues   []chan Record
	dropped  atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given number of workers
// (runtime.NumCPU() when workers <= 0), each with a queue of queueSize records.
func NewDispatcher(h Handlers, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	queues := make([]chan Record, workers)
	for i := range queues {
		queues[i] = make(chan Record, queueSize)
	}
	return &Dispatcher{handlers: h, queues: queues}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for _, q := range d.queues {
			d.wg.Add(1)
			go d.work(ctx, q)
		}
	})
}

func (d *Dispatcher) work(ctx context.Context, q <-chan Record) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-q:
			if !ok {
				return
			}
			Deliver(d.handlers, &rec)
		}
	}
}

func (d *Dispatcher) queueFor(pid uint32) chan Record {
	return d.queues[int(pid%uint32(len(d.queues)))]
}

func (d *Dispatcher) enqueue(q chan Record, rec Record) {
	select {
	case q <- rec:
	default:
		d.dropped.Add(1)
	}
}

// Dispatch queues a record on the worker owning the pid(s) it touches.
// Records must be dispatched in the order they were raised, from one goroutine.
func (d *Dispatcher) Dispatch(rec Record) {
	q := d.queueFor(rec.Pid)
	if rec.Kind != KindSwitch {
		d.enqueue(q, rec)
		return
	}

	prevQ := d.queueFor(rec.PrevPid)
	if prevQ == q {
		d.enqueue(q, rec)
		return
	}

	out := rec
	out.Pid, out.Tgid = 0, 0
	d.enqueue(prevQ, out)

	in := rec
	in.PrevPid, in.PrevTgid, in.PrevState = 0, 0, 0
	d.enqueue(q, in)
}

// Dropped returns the number of records discarded at a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Stop closes the queues and waits for the workers to drain them.
// Dispatch must not be called after Stop.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		for _, q := range d.queues {
			close(q)
		}
	})
	d.wg.Wait()
}
