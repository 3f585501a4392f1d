package sched

import "runqlat_exporter/internal/histogram"

// State is the derived scheduling state of a thread. It is never stored;
// it follows from Tracked-Process Set and Pending-Start membership.
type State int

const (
	StateUntracked State = iota
	StateWaiting
	StateRunningOrUnobserved
)

func (s State) String() string {
	switch s {
	case StateUntracked:
		return "untracked"
	case StateWaiting:
		return "waiting"
	case StateRunningOrUnobserved:
		return "running_or_unobserved"
	default:
		return "unknown"
	}
}

// Machine is the run-queue latency state machine. It correlates wakeups with
// the switch that puts the woken thread on a CPU and records the gap, in µs,
// into the owning process's histogram.
//
// Handlers never block, never log and never allocate once a tgid's histogram
// exists. Any store error (capacity) drops the sample silently.
type Machine struct {
	tracked    Membership
	pending    PendingStarts
	histograms HistogramWriter
}

var _ Handlers = (*Machine)(nil)

// NewMachine wires the state machine to its stores.
func NewMachine(tracked Membership, pending PendingStarts, histograms HistogramWriter) *Machine {
	return &Machine{
		tracked:    tracked,
		pending:    pending,
		histograms: histograms,
	}
}

// NewMachineFromStores wires the state machine to a bundle of in-memory stores.
func NewMachineFromStores(s *Stores) *Machine {
	return NewMachine(s.Tracked, s.Pending, s.Histograms)
}

// Wakeup handles sched_wakeup.
func (m *Machine) Wakeup(ev *WakeupEvent) {
	if ev == nil {
		return
	}
	m.markRunnable(ev.Task, ev.Time)
}

// WakeupNew handles sched_wakeup_new. A new task is treated exactly like a
// woken one.
func (m *Machine) WakeupNew(ev *WakeupEvent) {
	if ev == nil {
		return
	}
	m.markRunnable(ev.Task, ev.Time)
}

// Switch handles sched_switch.
func (m *Machine) Switch(ev *SwitchEvent) {
	if ev == nil {
		return
	}
	now := ev.Time

	// A preempted task never left the run queue; restart its wait clock.
	if ev.PrevState == TaskRunning {
		m.markRunnable(ev.Prev, now)
	}

	next := ev.Next
	if !m.tracked.Contains(next.Tgid) {
		return
	}
	start, ok := m.pending.Get(next.Pid)
	if !ok {
		return
	}
	defer m.pending.Remove(next.Pid)

	if now < start {
		return
	}
	deltaUs := (now - start) / 1000
	_ = m.histograms.Increment(next.Tgid, histogram.Slot(deltaUs))
}

// State reports the derived state of a thread.
func (m *Machine) State(t Task) State {
	if !m.tracked.Contains(t.Tgid) {
		return StateUntracked
	}
	if _, ok := m.pending.Get(t.Pid); ok {
		return StateWaiting
	}
	return StateRunningOrUnobserved
}

func (m *Machine) markRunnable(t Task, now uint64) {
	if t.Pid == 0 || !m.tracked.Contains(t.Tgid) {
		return
	}
	_ = m.pending.Put(t.Pid, now)
}
