// Package sched implements the fixed-priority run-to-completion executor that
// drives the flight-computer task set.
//
// Tasks are modeled after interrupt/timer service routines: each invocation
// runs to completion on the scheduler goroutine, never blocks, and anything
// with a hardware-imposed delay is expressed as "do the next step, arm a
// timer, return". Shared state between tasks is protected by priority-ceiling
// resource claims rather than mutexes: while a resource is held, no task at
// or below the resource's static ceiling can be dispatched, which bounds
// priority inversion to the length of the critical section.
package sched

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// Priority orders tasks; the numerically highest eligible priority is
// dispatched first. Priorities must be unique across the task set so the
// dispatch decision is never ambiguous.
type Priority uint8

// ResourceID names a shared resource that tasks claim via Claim.
type ResourceID string

// TaskID identifies a registered task.
type TaskID int

// TriggerKind selects how a task becomes runnable.
type TriggerKind int

const (
	// TriggerPeriodic fires on a fixed interval.
	TriggerPeriodic TriggerKind = iota
	// TriggerSignal fires when Fire is called (interrupt model).
	TriggerSignal
)

type Trigger struct {
	Kind     TriggerKind
	Interval time.Duration // TriggerPeriodic only
}

func Periodic(interval time.Duration) Trigger {
	return Trigger{Kind: TriggerPeriodic, Interval: interval}
}

func Signal() Trigger {
	return Trigger{Kind: TriggerSignal}
}

// TaskDescriptor is the static, build-time definition of a task. Descriptors
// are never mutated at runtime (SetPeriod adjusts the live copy, not the
// descriptor).
type TaskDescriptor struct {
	Name     string
	Priority Priority
	Trigger  Trigger

	// Deadline is the watchdog budget for one invocation; zero disables the
	// check for this task.
	Deadline time.Duration

	// Claims lists every resource this task may claim. Ceilings are computed
	// from the union of claims at Start time.
	Claims []ResourceID

	Run func(now time.Time)
}

// FaultKind classifies scheduler-detected faults.
type FaultKind int

const (
	FaultDeadlineMiss FaultKind = iota
	FaultTaskDegraded
)

func (k FaultKind) String() string {
	switch k {
	case FaultDeadlineMiss:
		return "deadline_miss"
	case FaultTaskDegraded:
		return "task_degraded"
	}
	return "unknown"
}

// Fault describes a watchdog event. The offending task is reported, not
// killed: terminating a task mid-instruction is unsafe on shared resources.
type Fault struct {
	Task    string
	Kind    FaultKind
	Elapsed time.Duration
	Budget  time.Duration
}

type task struct {
	TaskDescriptor
	id TaskID

	// fired is the only field written from outside the scheduler goroutine
	// (Fire may be called from a driver goroutine).
	fired atomic.Bool

	nextDue  time.Time // periodic trigger
	armedAt  time.Time // one-shot timer, zero when unarmed
	armed    bool
	active   bool // currently on the dispatch stack
	degraded bool

	consecutiveMisses int
}

// Config tunes watchdog behavior.
type Config struct {
	// DeadlineMissLimit is the number of consecutive overruns after which a
	// task is degraded (its trigger disabled until Revive).
	DeadlineMissLimit int
}

// Scheduler owns the task table and the ceiling stack. All task code runs on
// the goroutine calling Advance/Dispatch (or Run); the only cross-goroutine
// entry points are Fire and Wake.
type Scheduler struct {
	cfg   Config
	tasks []*task // sorted by descending priority once started

	ceilings map[ResourceID]Priority
	ceiling  []Priority // stack of held-resource ceilings

	started bool
	epoch   time.Time

	// Now is used for watchdog elapsed-time measurement. Tests substitute a
	// fake clock.
	Now func() time.Time

	onFault func(Fault)

	wake chan struct{}
}

func New(cfg Config) *Scheduler {
	if cfg.DeadlineMissLimit <= 0 {
		cfg.DeadlineMissLimit = 3
	}
	return &Scheduler{
		cfg:      cfg,
		ceilings: make(map[ResourceID]Priority),
		Now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// OnFault installs the watchdog fault hook. Must be set before Start.
func (s *Scheduler) OnFault(fn func(Fault)) { s.onFault = fn }

// Register adds a task to the static set. All registration happens before
// Start; priorities must be unique.
func (s *Scheduler) Register(td TaskDescriptor) (TaskID, error) {
	if s.started {
		return 0, fmt.Errorf("sched: register %q after start", td.Name)
	}
	if td.Run == nil {
		return 0, fmt.Errorf("sched: task %q has no body", td.Name)
	}
	if td.Trigger.Kind == TriggerPeriodic && td.Trigger.Interval <= 0 {
		return 0, fmt.Errorf("sched: task %q has non-positive period", td.Name)
	}
	for _, t := range s.tasks {
		if t.Priority == td.Priority {
			return 0, fmt.Errorf("sched: tasks %q and %q share priority %d", t.Name, td.Name, td.Priority)
		}
		if t.Name == td.Name {
			return 0, fmt.Errorf("sched: duplicate task name %q", td.Name)
		}
	}
	t := &task{TaskDescriptor: td, id: TaskID(len(s.tasks))}
	s.tasks = append(s.tasks, t)
	return t.id, nil
}

// Start freezes the task set, computes resource ceilings and schedules the
// first periodic due times relative to now.
func (s *Scheduler) Start(now time.Time) error {
	if s.started {
		return fmt.Errorf("sched: already started")
	}
	if len(s.tasks) == 0 {
		return fmt.Errorf("sched: empty task set")
	}
	for _, t := range s.tasks {
		for _, r := range t.Claims {
			if t.Priority > s.ceilings[r] {
				s.ceilings[r] = t.Priority
			}
		}
		if t.Trigger.Kind == TriggerPeriodic {
			t.nextDue = now.Add(t.Trigger.Interval)
		}
	}
	sort.Slice(s.tasks, func(i, j int) bool { return s.tasks[i].Priority > s.tasks[j].Priority })
	s.epoch = now
	s.started = true
	return nil
}

// Fire marks a signal-triggered task runnable. Safe to call from any
// goroutine; wakes a blocked Run loop.
func (s *Scheduler) Fire(id TaskID) {
	t := s.byID(id)
	if t == nil || t.Trigger.Kind != TriggerSignal {
		return
	}
	t.fired.Store(true)
	s.Wake()
}

// Wake nudges the Run loop without firing anything.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Arm schedules a one-shot firing of the given task after delay. This is the
// deferred-continuation mechanism: a task issues a command, arms a timer and
// returns, then resumes when the timer fires. Arming replaces any earlier
// pending timer for the same task.
func (s *Scheduler) Arm(id TaskID, delay time.Duration, now time.Time) {
	t := s.byID(id)
	if t == nil {
		return
	}
	t.armed = true
	t.armedAt = now.Add(delay)
}

// SetPeriod adjusts a periodic task's interval (e.g. a telemetry rate-change
// command). Takes effect from the next due time.
func (s *Scheduler) SetPeriod(id TaskID, interval time.Duration, now time.Time) error {
	t := s.byID(id)
	if t == nil {
		return fmt.Errorf("sched: unknown task %d", id)
	}
	if t.Trigger.Kind != TriggerPeriodic || interval <= 0 {
		return fmt.Errorf("sched: task %q is not periodic or interval invalid", t.Name)
	}
	t.Trigger.Interval = interval
	t.nextDue = now.Add(interval)
	return nil
}

// Revive clears a task's degraded state after recovery action has been taken.
func (s *Scheduler) Revive(id TaskID) {
	if t := s.byID(id); t != nil {
		t.degraded = false
		t.consecutiveMisses = 0
	}
}

// Degraded reports whether the task has been taken offline by the watchdog.
func (s *Scheduler) Degraded(id TaskID) bool {
	t := s.byID(id)
	return t != nil && t.degraded
}

// Advance fires every periodic trigger and armed timer that is due at now.
func (s *Scheduler) Advance(now time.Time) {
	for _, t := range s.tasks {
		if t.Trigger.Kind == TriggerPeriodic && !now.Before(t.nextDue) {
			t.fired.Store(true)
			t.nextDue = t.nextDue.Add(t.Trigger.Interval)
			if !t.nextDue.After(now) {
				// Lagging badly; re-anchor instead of firing a burst.
				t.nextDue = now.Add(t.Trigger.Interval)
			}
		}
		if t.armed && !now.Before(t.armedAt) {
			t.armed = false
			t.fired.Store(true)
		}
	}
}

// NextDeadline returns the earliest future trigger time, or ok=false when
// nothing is pending.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	var at time.Time
	ok := false
	for _, t := range s.tasks {
		if t.degraded {
			continue
		}
		if t.Trigger.Kind == TriggerPeriodic && (!ok || t.nextDue.Before(at)) {
			at, ok = t.nextDue, true
		}
		if t.armed && (!ok || t.armedAt.Before(at)) {
			at, ok = t.armedAt, true
		}
	}
	return at, ok
}

// floor is the minimum priority (exclusive) currently dispatchable: the
// maximum of all held resource ceilings and every active task's priority.
func (s *Scheduler) floor() Priority {
	var f Priority
	for _, c := range s.ceiling {
		if c > f {
			f = c
		}
	}
	for _, t := range s.tasks {
		if t.active && t.Priority > f {
			f = t.Priority
		}
	}
	return f
}

// Dispatch runs at most one task: the highest-priority fired task above the
// current ceiling floor. It returns false when nothing was eligible.
//
// Dispatch may be called reentrantly from inside a running task (the
// interrupt-nesting model); the nested call will only run strictly
// higher-priority work, and never work blocked by a held resource ceiling.
func (s *Scheduler) Dispatch(now time.Time) bool {
	floor := s.floor()
	var pick *task
	for _, t := range s.tasks { // descending priority
		if t.degraded || t.active || t.Priority <= floor {
			continue
		}
		if t.fired.Load() {
			pick = t
			break
		}
	}
	if pick == nil {
		return false
	}
	pick.fired.Store(false)
	pick.active = true
	started := s.Now()
	pick.Run(now)
	elapsed := s.Now().Sub(started)
	pick.active = false
	s.watchdog(pick, elapsed)
	return true
}

func (s *Scheduler) watchdog(t *task, elapsed time.Duration) {
	if t.Deadline <= 0 {
		return
	}
	if elapsed <= t.Deadline {
		t.consecutiveMisses = 0
		return
	}
	t.consecutiveMisses++
	s.reportFault(Fault{Task: t.Name, Kind: FaultDeadlineMiss, Elapsed: elapsed, Budget: t.Deadline})
	if t.consecutiveMisses >= s.cfg.DeadlineMissLimit {
		t.degraded = true
		s.reportFault(Fault{Task: t.Name, Kind: FaultTaskDegraded, Elapsed: elapsed, Budget: t.Deadline})
	}
}

func (s *Scheduler) reportFault(f Fault) {
	if s.onFault != nil {
		s.onFault(f)
	}
}

// Claim acquires a shared resource under the priority-ceiling protocol. The
// returned guard must be released on every exit path (defer guard.Release()).
// Claims are scoped to a single task invocation; holding one across an armed
// timer is a programming error.
func (s *Scheduler) Claim(r ResourceID) *Guard {
	c, ok := s.ceilings[r]
	if !ok {
		// Unregistered resource: ceil to the maximum so misdeclared claims
		// fail safe rather than allowing inversion.
		c = ^Priority(0)
	}
	s.ceiling = append(s.ceiling, c)
	return &Guard{s: s, depth: len(s.ceiling)}
}

// Guard is the scoped priority-ceiling lock handle.
type Guard struct {
	s     *Scheduler
	depth int
}

// Release pops the guard's ceiling. Safe to call more than once.
func (g *Guard) Release() {
	if g.s == nil {
		return
	}
	if len(g.s.ceiling) >= g.depth {
		g.s.ceiling = g.s.ceiling[:g.depth-1]
	}
	g.s = nil
}

func (s *Scheduler) byID(id TaskID) *task {
	for _, t := range s.tasks {
		if t.id == id {
			return t
		}
	}
	return nil
}

// Uptime reports time since Start.
func (s *Scheduler) Uptime(now time.Time) time.Duration {
	if !s.started {
		return 0
	}
	return now.Sub(s.epoch)
}
