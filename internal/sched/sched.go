// Package sched implements the task/scheduler subsystem (C8): per-task
// register context, a counter+priority scheduler for cooperative kernel
// tasks, timer-driven preemption, and kernel-to-user-space transitions.
//
// A hosted Go program cannot switch raw CPU stacks the way the target
// ARM64 kernel does, so voluntary and preemptive switches are modeled
// with one goroutine per task, gated by a token channel so that only one
// task's goroutine is ever runnable at a time — the single-core
// invariant the original scheduler relies on (§5). The counter/priority
// selection algorithm, task states, and fork/clone/exit bookkeeping are
// implemented exactly as specified; only the mechanism a "resume" uses
// to transfer control is adapted to the host.
package sched

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rpibmos/kernel/internal/memory"
	"github.com/rpibmos/kernel/internal/registry"
)

// TaskType distinguishes kernel tasks from user tasks (§3.3).
type TaskType uint8

const (
	TaskKernel TaskType = iota
	TaskUser
)

func (t TaskType) String() string {
	if t == TaskUser {
		return "user"
	}
	return "kernel"
}

// TaskState is a task's lifecycle stage (§3.3).
type TaskState uint8

const (
	StateStarting TaskState = iota
	StateRunning
	StateZombie
)

func (s TaskState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateZombie:
		return "zombie"
	default:
		return "starting"
	}
}

// Context13 is the callee-saved register context captured on a
// voluntary switch: x19-x28, frame pointer, link register, stack
// pointer, and program counter (§3.3, §9).
type Context13 struct {
	X19, X20, X21, X22, X23, X24, X25, X26, X27, X28 uint64
	FP, LR, SP                                        uint64
}

// FullState34 is the full machine state saved at the top of a task's
// stack on IRQ entry or a kernel-to-user transition: all 31 GPRs plus
// sp, pc, and pstate (§3.3, §9).
type FullState34 struct {
	GPR    [31]uint64
	SP, PC, PState uint64
}

// Task is one schedulable unit of execution (§3.3).
type Task struct {
	UUID         uuid.UUID
	Name         string
	Type         TaskType
	State        TaskState
	Counter      int32
	Priority     int32
	PreemptCount int32
	StackBase    uintptr
	Ctx          Context13
	Full         FullState34

	stackSize uintptr
	token     chan struct{} // closed/sent to hand this task the "CPU"
	done      chan struct{}
	wrapper   func(arg any)
	arg       any
}

const defaultStackSize = 16 * 1024

// Scheduler is the C8 subsystem: task map plus the counter/priority
// selection algorithm of §4.8.
type Scheduler struct {
	mu      sync.Mutex
	mem     *memory.Manager
	reg     *registry.Registry
	tasks   map[uuid.UUID]*Task
	order   []uuid.UUID // stable iteration order for EnumerateTasks
	current *Task
}

// New creates the scheduler with the initial kernel-main task
// representing the already-running context (§4.1 control flow: "C8 is
// created with the initial kernel-main task representing the running
// context").
func New(mem *memory.Manager, reg *registry.Registry) *Scheduler {
	s := &Scheduler{
		mem:   mem,
		reg:   reg,
		tasks: make(map[uuid.UUID]*Task),
	}
	main := &Task{
		UUID:     uuid.New(),
		Name:     "kernel-main",
		Type:     TaskKernel,
		State:    StateRunning,
		Counter:  100,
		Priority: 100,
		token:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.tasks[main.UUID] = main
	s.order = append(s.order, main.UUID)
	s.current = main
	if reg != nil {
		reg.Add(&registry.Entity{UUID: uuid.New(), Name: "task-manager", Alias: "sched", Type: registry.TypeTaskManager, Impl: s})
	}
	return s
}

// Current returns the task presently holding the CPU.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// schedule implements §4.8's schedule() algorithm: among tasks in
// {starting, running}, pick the maximum counter; if every candidate's
// counter is <= 0, age every task (counter = counter>>1 + priority) and
// retry. Caller must already hold preempt-disabled semantics (PreemptCount
// incremented) on the current task.
func (s *Scheduler) schedule() *Task {
	for {
		var best *Task
		for _, id := range s.order {
			t := s.tasks[id]
			if t.State != StateStarting && t.State != StateRunning {
				continue
			}
			if best == nil || t.Counter > best.Counter {
				best = t
			}
		}
		if best == nil {
			return s.current
		}
		if best.Counter > 0 {
			return best
		}
		for _, id := range s.order {
			t := s.tasks[id]
			t.Counter = (t.Counter >> 1) + t.Priority
		}
	}
}

// Schedule runs one pass of the scheduler: disable preemption, select
// the next task, switch to it, re-enable preemption (§4.8 schedule()).
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	cur := s.current
	cur.PreemptCount++
	next := s.schedule()
	cur.PreemptCount--
	if next == cur {
		s.mu.Unlock()
		return
	}
	s.switchTo(cur, next)
	s.mu.Unlock()
	// Block the calling goroutine — standing in for the suspended
	// task's stack — until some later Schedule() pass picks cur again
	// and wakes it through the same token.
	waitToken(cur)
}

// switchTo hands the CPU token to next, waking its parked goroutine.
func (s *Scheduler) switchTo(from, to *Task) {
	s.current = to
	to.State = StateRunning
	select {
	case to.token <- struct{}{}:
	default:
	}
}

func waitToken(t *Task) {
	<-t.token
}

// PreemptiveSchedule implements §4.8's preemptive_schedule(): decrement
// the current task's counter; if it is still positive, or preemption is
// disabled, return without switching. Otherwise run a full schedule pass.
// Invoked from the timer-1 ISR.
func (s *Scheduler) PreemptiveSchedule() {
	s.mu.Lock()
	cur := s.current
	cur.Counter--
	skip := cur.Counter > 0 || cur.PreemptCount > 0
	s.mu.Unlock()
	if skip {
		return
	}
	s.Schedule()
}

// Yield implements §4.8's yield(): zero the current task's counter,
// forcing it to lose the next selection, then run a schedule pass.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	s.current.Counter = 0
	s.mu.Unlock()
	s.Schedule()
}

// ForkKernel implements §4.8's fork-kernel path: allocate a stack,
// initialize a fresh task in state=starting with counter=priority set
// to the caller's priority and preempt_count=1, and arrange for its
// first dispatch to invoke wrapper(arg) as if "returning from fork"
// (§9's coroutine-like fork; here, a parked goroutine plays the role of
// the language-neutral return-from-fork trampoline).
func (s *Scheduler) ForkKernel(name string, wrapper func(arg any), arg any) (*Task, error) {
	s.mu.Lock()
	caller := s.current
	priority := caller.Priority
	s.mu.Unlock()

	stack, ok := s.mem.AllocateBlock(defaultStackSize)
	if !ok {
		return nil, fmt.Errorf("sched: oom-stack forking %q", name)
	}

	t := &Task{
		UUID:         uuid.New(),
		Name:         name,
		Type:         TaskKernel,
		State:        StateStarting,
		Counter:      priority,
		Priority:     priority,
		PreemptCount: 1,
		StackBase:    stack,
		stackSize:    defaultStackSize,
		token:        make(chan struct{}, 1),
		done:         make(chan struct{}),
		wrapper:      wrapper,
		arg:          arg,
	}

	s.mu.Lock()
	s.tasks[t.UUID] = t
	s.order = append(s.order, t.UUID)
	s.mu.Unlock()

	go s.runTask(t)
	return t, nil
}

// runTask is the return-from-fork trampoline: it waits to be handed the
// CPU token for the first time, re-enables preemption (PreemptCount--),
// then invokes the task's wrapper.
func (s *Scheduler) runTask(t *Task) {
	waitToken(t)
	s.mu.Lock()
	t.PreemptCount--
	s.mu.Unlock()
	t.wrapper(t.arg)
	s.Exit(t)
	close(t.done)
}

// ForkUser forks a task exactly like ForkKernel, with an empty wrapper.
// It does not call MoveToUserSpace and allocates no user stack; entry,
// arg and userStackSize are ignored. Clone calls MoveToUserSpace on the
// new task after ForkUser returns.
func (s *Scheduler) ForkUser(name string, entry uintptr, arg uint64, userStackSize uintptr) (*Task, error) {
	return s.ForkKernel(name, func(any) {
		// empty: the task exits as soon as it is first dispatched.
	}, nil)
}

// MoveToUserSpace constructs the full CPU state for a user-space entry
// and marks the task's type as user (§4.8).
func (s *Scheduler) MoveToUserSpace(t *Task, entry uintptr, arg uint64, userStack uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Full = FullState34{PC: uint64(entry), PState: 0 /* EL0t */}
	t.Full.GPR[0] = arg
	t.Full.SP = uint64(userStack)
	t.Type = TaskUser
}

// CloneArgs marshals the sys_clone syscall's arguments (§6).
type CloneArgs struct {
	Name  string
	Entry uintptr
	Arg   uint64
	Stack uintptr
}

// Clone implements the sys_clone trampoline target: it forks a user
// task whose entry point is the caller-specified function (§4.8, §6).
func (s *Scheduler) Clone(args CloneArgs) (uuid.UUID, error) {
	t, err := s.ForkUser(args.Name, args.Entry, args.Arg, 0)
	if err != nil {
		return uuid.UUID{}, err
	}
	s.MoveToUserSpace(t, args.Entry, args.Arg, args.Stack)
	return t.UUID, nil
}

// Exit implements §4.8's exit(): disable preemption, mark the task a
// zombie, release its stack, re-enable preemption, yield. The scheduler
// never selects zombie tasks again (§8 property 7); reaping them is left
// to the caller, matching the open design point of §9.
func (s *Scheduler) Exit(t *Task) {
	s.mu.Lock()
	t.PreemptCount++
	t.State = StateZombie
	s.mu.Unlock()

	if t.StackBase != 0 {
		s.mem.ReleaseBlock(t.StackBase, t.stackSize)
	}

	s.mu.Lock()
	t.PreemptCount--
	isCurrent := s.current == t
	s.mu.Unlock()

	if isCurrent {
		s.Yield()
	}
}

// EnumerateTasks visits every task in creation order. fn returning false
// stops the walk.
func (s *Scheduler) EnumerateTasks(fn func(*Task) bool) {
	s.mu.Lock()
	ids := append([]uuid.UUID{}, s.order...)
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, s.tasks[id])
	}
	s.mu.Unlock()
	for _, t := range tasks {
		if !fn(t) {
			return
		}
	}
}

// Reap removes zombie tasks, other than the current one, from the task
// map and returns how many it removed. Exit leaves zombies in place, so
// an exited task stays visible to EnumerateTasks until Reap runs; the
// scheduler never calls Reap itself.
func (s *Scheduler) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		t := s.tasks[id]
		if t.State == StateZombie && t != s.current {
			delete(s.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}
