package sched

import (
	"testing"

	"github.com/rpibmos/kernel/internal/memory"
	"github.com/rpibmos/kernel/internal/registry"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	mem, err := memory.New(0, 1<<20, 1<<20)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	reg := registry.New(1)
	return New(mem, reg)
}

func TestForkAndYieldRunsWorkerThenReturns(t *testing.T) {
	s := newTestScheduler(t)
	ran := make(chan struct{})

	if _, err := s.ForkKernel("worker", func(any) { close(ran) }, nil); err != nil {
		t.Fatalf("ForkKernel: %v", err)
	}

	s.Yield()

	select {
	case <-ran:
	default:
		t.Fatalf("expected worker to have run by the time Yield returns")
	}

	if s.Current().Name != "kernel-main" {
		t.Fatalf("expected control back on kernel-main, got %q", s.Current().Name)
	}
}

func TestExitedTaskBecomesZombieAndIsReaped(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	worker, err := s.ForkKernel("worker", func(any) { close(done) }, nil)
	if err != nil {
		t.Fatalf("ForkKernel: %v", err)
	}
	s.Yield()
	<-done

	var found *Task
	s.EnumerateTasks(func(t *Task) bool {
		if t.UUID == worker.UUID {
			found = t
		}
		return true
	})
	if found == nil || found.State != StateZombie {
		t.Fatalf("expected worker to be a zombie after exiting, got %+v", found)
	}

	if n := s.Reap(); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}

	found = nil
	s.EnumerateTasks(func(t *Task) bool {
		if t.UUID == worker.UUID {
			found = t
		}
		return true
	})
	if found != nil {
		t.Fatalf("expected reaped task to be gone from EnumerateTasks")
	}
}

func TestSchedulerNeverSelectsZombie(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	if _, err := s.ForkKernel("worker", func(any) { close(done) }, nil); err != nil {
		t.Fatalf("ForkKernel: %v", err)
	}
	s.Yield()
	<-done

	// worker is a zombie now; schedule() should always keep selecting
	// kernel-main regardless of how many passes run.
	for i := 0; i < 5; i++ {
		s.Schedule()
		if s.Current().Name != "kernel-main" {
			t.Fatalf("pass %d: scheduler selected a non-main task while the only other task is a zombie", i)
		}
	}
}

func TestPreemptiveScheduleSkipsWhilePreemptionDisabled(t *testing.T) {
	s := newTestScheduler(t)
	cur := s.Current()
	cur.PreemptCount = 1
	cur.Counter = 0

	s.PreemptiveSchedule()

	if s.Current().Name != cur.Name {
		t.Fatalf("expected no switch while PreemptCount > 0")
	}
}

func TestAgingWhenAllCountersExhausted(t *testing.T) {
	s := newTestScheduler(t)
	cur := s.Current()
	cur.Counter = 0
	cur.Priority = 5

	next := s.schedule()
	if next.Counter != 5 {
		t.Fatalf("expected aging to set counter to priority (5) when no task has a positive counter, got %d", next.Counter)
	}
}

func TestCloneMovesTaskToUserSpace(t *testing.T) {
	s := newTestScheduler(t)
	id, err := s.Clone(CloneArgs{Name: "user1", Entry: 0x4000, Arg: 42, Stack: 0x8000})
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	var found *Task
	s.EnumerateTasks(func(t *Task) bool {
		if t.UUID == id {
			found = t
		}
		return true
	})
	if found == nil {
		t.Fatalf("cloned task not found")
	}
	if found.Type != TaskUser {
		t.Fatalf("expected cloned task to be TaskUser, got %v", found.Type)
	}
	if found.Full.PC != 0x4000 || found.Full.GPR[0] != 42 || found.Full.SP != 0x8000 {
		t.Fatalf("unexpected full state %+v", found.Full)
	}
}
