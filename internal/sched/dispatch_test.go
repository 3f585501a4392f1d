package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runqlat_exporter/internal/histogram"
	"runqlat_exporter/internal/maps"
)

type recorder struct {
	mu       sync.Mutex
	wakeups  []WakeupEvent
	news     []WakeupEvent
	switches []SwitchEvent
}

func (r *recorder) Wakeup(ev *WakeupEvent) {
	r.mu.Lock()
	r.wakeups = append(r.wakeups, *ev)
	r.mu.Unlock()
}

func (r *recorder) WakeupNew(ev *WakeupEvent) {
	r.mu.Lock()
	r.news = append(r.news, *ev)
	r.mu.Unlock()
}

func (r *recorder) Switch(ev *SwitchEvent) {
	r.mu.Lock()
	r.switches = append(r.switches, *ev)
	r.mu.Unlock()
}

func TestDeliverRoutesByKind(t *testing.T) {
	r := &recorder{}

	Deliver(r, &Record{Time: 1, Kind: KindWakeup, Pid: 7, Tgid: 42})
	Deliver(r, &Record{Time: 2, Kind: KindWakeupNew, Pid: 8, Tgid: 42})
	Deliver(r, &Record{Time: 3, Kind: KindSwitch, Pid: 7, Tgid: 42, PrevPid: 9, PrevTgid: 9, PrevState: 1})
	Deliver(r, &Record{Time: 4, Kind: Kind(99)})

	require.Len(t, r.wakeups, 1)
	require.Len(t, r.news, 1)
	require.Len(t, r.switches, 1)

	assert.Equal(t, WakeupEvent{Time: 1, Task: Task{Pid: 7, Tgid: 42}}, r.wakeups[0])
	assert.Equal(t, WakeupEvent{Time: 2, Task: Task{Pid: 8, Tgid: 42}}, r.news[0])
	assert.Equal(t, SwitchEvent{
		Time:      3,
		Prev:      Task{Pid: 9, Tgid: 9},
		PrevState: 1,
		Next:      Task{Pid: 7, Tgid: 42},
	}, r.switches[0])
}

func TestDispatcherPreservesPerThreadOrder(t *testing.T) {
	r := &recorder{}
	d := NewDispatcher(r, 4, 1024)
	d.Start(context.Background())

	for i := uint64(0); i < 500; i++ {
		d.Dispatch(Record{Time: i, Kind: KindWakeup, CPU: uint32(i % 8), Pid: 1, Tgid: 1})
	}
	d.Stop()

	require.Len(t, r.wakeups, 500)
	for i, ev := range r.wakeups {
		assert.Equal(t, uint64(i), ev.Time)
	}
	assert.Zero(t, d.Dropped())
}

func TestDispatcherSplitsSwitchAcrossWorkers(t *testing.T) {
	r := &recorder{}
	d := NewDispatcher(r, 4, 16)
	d.Start(context.Background())

	// pids 5 and 6 map to different workers.
	d.Dispatch(Record{Time: 9, Kind: KindSwitch, CPU: 3, Pid: 6, Tgid: 60, PrevPid: 5, PrevTgid: 50, PrevState: 0})
	// pids 5 and 9 share a worker.
	d.Dispatch(Record{Time: 10, Kind: KindSwitch, CPU: 3, Pid: 9, Tgid: 90, PrevPid: 5, PrevTgid: 50, PrevState: 1})
	d.Stop()

	require.Len(t, r.switches, 3)
	assert.ElementsMatch(t, []SwitchEvent{
		{Time: 9, Prev: Task{Pid: 5, Tgid: 50}, PrevState: 0},
		{Time: 9, Next: Task{Pid: 6, Tgid: 60}},
		{Time: 10, Prev: Task{Pid: 5, Tgid: 50}, PrevState: 1, Next: Task{Pid: 9, Tgid: 90}},
	}, r.switches)
}

// slowWakeups delays every wakeup so a worker handling one falls behind the
// others.
type slowWakeups struct {
	*Machine
	delay time.Duration
}

func (s slowWakeups) Wakeup(ev *WakeupEvent) {
	time.Sleep(s.delay)
	s.Machine.Wakeup(ev)
}

func TestDispatcherKeepsWakeupBeforeItsSwitchAcrossCPUs(t *testing.T) {
	stores, err := NewMemoryStores(maps.XSync, DefaultMaxEntries)
	require.NoError(t, err)
	require.NoError(t, stores.Tracked.Add(42))

	const second = uint64(time.Second)
	d := NewDispatcher(slowWakeups{NewMachineFromStores(stores), 5 * time.Millisecond}, 3, 64)
	d.Start(context.Background())

	// Two 5µs waits of pid 7, with the wakeups raised on other CPUs than
	// the switches that run it.
	d.Dispatch(Record{Time: 0, Kind: KindWakeup, CPU: 0, Pid: 7, Tgid: 42})
	d.Dispatch(Record{Time: 5000, Kind: KindSwitch, CPU: 1, Pid: 7, Tgid: 42, PrevPid: 3, PrevTgid: 3, PrevState: 1})
	d.Dispatch(Record{Time: 9000, Kind: KindSwitch, CPU: 1, Pid: 3, Tgid: 3, PrevPid: 7, PrevTgid: 42, PrevState: 1})
	d.Dispatch(Record{Time: second, Kind: KindWakeup, CPU: 2, Pid: 7, Tgid: 42})
	d.Dispatch(Record{Time: second + 5000, Kind: KindSwitch, CPU: 1, Pid: 7, Tgid: 42, PrevPid: 3, PrevTgid: 3, PrevState: 1})
	d.Stop()

	got, err := stores.Histograms.Drain()
	require.NoError(t, err)
	var want histogram.Histogram
	want[2] = 2
	assert.Equal(t, map[uint32]histogram.Histogram{42: want}, got)
	assert.Zero(t, stores.Pending.Len())
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	r := &recorder{}
	d := NewDispatcher(r, 1, 2)

	// Workers are not started, so the queue fills up.
	for i := 0; i < 5; i++ {
		d.Dispatch(Record{Kind: KindWakeup, Pid: 1, Tgid: 1})
	}
	assert.Equal(t, uint64(3), d.Dropped())

	d.Start(context.Background())
	d.Stop()
	assert.Len(t, r.wakeups, 2)
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(&recorder{}, 2, 8)
	d.Start(ctx)
	cancel()
	d.Stop()
}

func TestDispatcherDrivesMachine(t *testing.T) {
	stores, err := NewMemoryStores(maps.XSync, DefaultMaxEntries)
	require.NoError(t, err)
	require.NoError(t, stores.Tracked.Add(42))

	d := NewDispatcher(NewMachineFromStores(stores), 2, 64)
	d.Start(context.Background())
	d.Dispatch(Record{Time: 0, Kind: KindWakeup, CPU: 1, Pid: 7, Tgid: 42})
	d.Dispatch(Record{Time: 5000, Kind: KindSwitch, CPU: 1, Pid: 7, Tgid: 42, PrevPid: 3, PrevTgid: 3, PrevState: 1})
	d.Stop()

	got, err := stores.Histograms.Drain()
	require.NoError(t, err)
	require.Contains(t, got, uint32(42))
	assert.Equal(t, uint32(1), got[42][2])
}
