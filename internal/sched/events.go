package sched

// TaskRunning is the kernel's TASK_RUNNING run-state. A task switched out in
// this state was preempted and is still on the run queue.
const TaskRunning = 0

// Kind identifies a scheduler tracepoint.
type Kind uint32

const (
	KindWakeup    Kind = 1 // sched_wakeup
	KindWakeupNew Kind = 2 // sched_wakeup_new
	KindSwitch    Kind = 3 // sched_switch
)

func (k Kind) String() string {
	switch k {
	case KindWakeup:
		return "sched_wakeup"
	case KindWakeupNew:
		return "sched_wakeup_new"
	case KindSwitch:
		return "sched_switch"
	default:
		return "unknown"
	}
}

// Task identifies a thread and its thread group.
type Task struct {
	Pid  uint32
	Tgid uint32
}

// WakeupEvent reports that a task became runnable.
// Time is the monotonic kernel time (ns) at which the tracepoint fired.
type WakeupEvent struct {
	Time uint64
	Task Task
}

// SwitchEvent reports that Prev was descheduled and Next put on the CPU.
// PrevState is Prev's run-state at the time of the switch.
type SwitchEvent struct {
	Time      uint64
	Prev      Task
	PrevState uint32
	Next      Task
}

// Handlers receives the three scheduler events.
// Implementations must not block and must tolerate concurrent calls.
type Handlers interface {
	Wakeup(ev *WakeupEvent)
	WakeupNew(ev *WakeupEvent)
	Switch(ev *SwitchEvent)
}
