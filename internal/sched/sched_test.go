package sched

import (
	"testing"
	"time"
)

func mustRegister(t *testing.T, s *Scheduler, td TaskDescriptor) TaskID {
	t.Helper()
	id, err := s.Register(td)
	if err != nil {
		t.Fatalf("register %q: %v", td.Name, err)
	}
	return id
}

func TestRegister_RejectsDuplicatePriority(t *testing.T) {
	s := New(Config{})
	mustRegister(t, s, TaskDescriptor{Name: "a", Priority: 5, Trigger: Signal(), Run: func(time.Time) {}})
	_, err := s.Register(TaskDescriptor{Name: "b", Priority: 5, Trigger: Signal(), Run: func(time.Time) {}})
	if err == nil {
		t.Fatalf("expected duplicate priority to be rejected")
	}
}

func TestDispatch_PicksHighestFiredPriority(t *testing.T) {
	s := New(Config{})
	var order []string
	for _, tc := range []struct {
		name string
		prio Priority
	}{{"low", 1}, {"high", 9}, {"mid", 5}} {
		name := tc.name
		mustRegister(t, s, TaskDescriptor{
			Name:     name,
			Priority: tc.prio,
			Trigger:  Signal(),
			Run:      func(time.Time) { order = append(order, name) },
		})
	}
	now := time.Unix(0, 0)
	if err := s.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, tk := range s.tasks {
		tk.fired.Store(true)
	}
	for s.Dispatch(now) {
	}

	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("dispatched %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestDispatch_NestedPreemptionOnlyByHigherPriority(t *testing.T) {
	s := New(Config{})
	var order []string

	var highID, lowID TaskID
	highID = mustRegister(t, s, TaskDescriptor{
		Name: "high", Priority: 9, Trigger: Signal(),
		Run: func(time.Time) { order = append(order, "high") },
	})
	_ = highID
	lowID = mustRegister(t, s, TaskDescriptor{
		Name: "low", Priority: 1, Trigger: Signal(),
		Run: func(now time.Time) {
			order = append(order, "low-enter")
			// An "interrupt" arrives mid-task: the nested dispatch runs it
			// immediately because it is strictly higher priority.
			s.Fire(highID)
			s.Dispatch(now)
			order = append(order, "low-exit")
		},
	})
	now := time.Unix(0, 0)
	if err := s.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Fire(lowID)
	s.Dispatch(now)

	want := []string{"low-enter", "high", "low-exit"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestClaim_CeilingBlocksTasksAtOrBelow(t *testing.T) {
	s := New(Config{})
	const store = ResourceID("store")
	var order []string

	var midID, highID TaskID
	midID = mustRegister(t, s, TaskDescriptor{
		Name: "mid", Priority: 5, Trigger: Signal(), Claims: []ResourceID{store},
		Run: func(time.Time) { order = append(order, "mid") },
	})
	highID = mustRegister(t, s, TaskDescriptor{
		Name: "high", Priority: 9, Trigger: Signal(),
		Run: func(time.Time) { order = append(order, "high") },
	})
	mustRegister(t, s, TaskDescriptor{
		Name: "low", Priority: 1, Trigger: Signal(), Claims: []ResourceID{store},
		Run: func(now time.Time) {
			order = append(order, "low-enter")
			guard := s.Claim(store)
			// While the claim is held the ceiling is 5: firing mid must NOT
			// dispatch, firing high must.
			s.Fire(midID)
			if s.Dispatch(now) {
				order = append(order, "mid-ran-under-ceiling")
			}
			s.Fire(highID)
			s.Dispatch(now)
			guard.Release()
			// Ceiling dropped: mid is still fired and now eligible.
			s.Dispatch(now)
			order = append(order, "low-exit")
		},
	})
	now := time.Unix(0, 0)
	if err := s.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, tk := range s.tasks {
		if tk.Name == "low" {
			tk.fired.Store(true)
		}
	}
	s.Dispatch(now)

	want := []string{"low-enter", "high", "mid", "low-exit"}
	if len(order) != len(want) {
		t.Fatalf("order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestAdvance_FiresPeriodicAndArmedTimers(t *testing.T) {
	s := New(Config{})
	var runs int
	id := mustRegister(t, s, TaskDescriptor{
		Name: "baro", Priority: 3, Trigger: Periodic(100 * time.Millisecond),
		Run: func(time.Time) { runs++ },
	})
	start := time.Unix(0, 0)
	if err := s.Start(start); err != nil {
		t.Fatalf("start: %v", err)
	}

	now := start.Add(50 * time.Millisecond)
	s.Advance(now)
	if s.Dispatch(now) {
		t.Fatalf("task ran before its period elapsed")
	}

	now = start.Add(100 * time.Millisecond)
	s.Advance(now)
	if !s.Dispatch(now) || runs != 1 {
		t.Fatalf("periodic task did not run at its due time (runs=%d)", runs)
	}

	// Deferred continuation: arm a one-shot 9ms ahead.
	s.Arm(id, 9*time.Millisecond, now)
	mid := now.Add(5 * time.Millisecond)
	s.Advance(mid)
	if s.Dispatch(mid) {
		t.Fatalf("armed timer fired early")
	}
	due := now.Add(9 * time.Millisecond)
	s.Advance(due)
	if !s.Dispatch(due) || runs != 2 {
		t.Fatalf("armed timer did not fire at its deadline (runs=%d)", runs)
	}
}

func TestWatchdog_ReportsMissAndDegradesAfterLimit(t *testing.T) {
	s := New(Config{DeadlineMissLimit: 2})
	var faults []Fault
	s.OnFault(func(f Fault) { faults = append(faults, f) })

	// Fake clock: every Now() call advances 2ms, so each task invocation
	// appears to take 2ms against a 1ms budget.
	fake := time.Unix(0, 0)
	s.Now = func() time.Time {
		fake = fake.Add(2 * time.Millisecond)
		return fake
	}

	var runs int
	id := mustRegister(t, s, TaskDescriptor{
		Name: "slow", Priority: 4, Trigger: Signal(), Deadline: time.Millisecond,
		Run: func(time.Time) { runs++ },
	})
	now := time.Unix(0, 0)
	if err := s.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Fire(id)
	s.Dispatch(now)
	if len(faults) != 1 || faults[0].Kind != FaultDeadlineMiss {
		t.Fatalf("expected one deadline miss, got %+v", faults)
	}
	if s.Degraded(id) {
		t.Fatalf("task degraded before the miss limit")
	}

	s.Fire(id)
	s.Dispatch(now)
	if !s.Degraded(id) {
		t.Fatalf("task not degraded after %d misses", 2)
	}
	if faults[len(faults)-1].Kind != FaultTaskDegraded {
		t.Fatalf("missing degraded fault, got %+v", faults)
	}

	// Degraded task is no longer dispatchable, even when fired.
	s.Fire(id)
	if s.Dispatch(now) {
		t.Fatalf("degraded task was dispatched")
	}

	s.Revive(id)
	s.Fire(id)
	if !s.Dispatch(now) || runs != 3 {
		t.Fatalf("revived task did not run (runs=%d)", runs)
	}
}

func TestNextDeadline(t *testing.T) {
	s := New(Config{})
	a := mustRegister(t, s, TaskDescriptor{Name: "a", Priority: 2, Trigger: Periodic(time.Second), Run: func(time.Time) {}})
	mustRegister(t, s, TaskDescriptor{Name: "b", Priority: 3, Trigger: Signal(), Run: func(time.Time) {}})
	start := time.Unix(100, 0)
	if err := s.Start(start); err != nil {
		t.Fatalf("start: %v", err)
	}

	at, ok := s.NextDeadline()
	if !ok || !at.Equal(start.Add(time.Second)) {
		t.Fatalf("next deadline %v ok=%v, want %v", at, ok, start.Add(time.Second))
	}

	s.Arm(a, 10*time.Millisecond, start)
	at, ok = s.NextDeadline()
	if !ok || !at.Equal(start.Add(10*time.Millisecond)) {
		t.Fatalf("armed timer not reflected in next deadline: %v", at)
	}
}
