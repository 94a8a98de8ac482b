// Package syscall implements the EL0 system-call trampoline of §4.9: a
// table mapping syscall numbers to kernel handlers, reached from the
// kernel's synchronous-exception handler when the originating exception
// level is EL0.
package syscall

import (
	"fmt"

	"github.com/rpibmos/kernel/internal/sched"
)

// Number is the closed set of syscalls the kernel implements (§6: "a
// table {write, malloc, clone, exit}").
type Number int

const (
	SysWrite Number = iota
	SysMalloc
	SysClone
	SysExit
)

func (n Number) String() string {
	switch n {
	case SysWrite:
		return "write"
	case SysMalloc:
		return "malloc"
	case SysClone:
		return "clone"
	case SysExit:
		return "exit"
	default:
		return fmt.Sprintf("syscall(%d)", int(n))
	}
}

// Args is the register-passed argument bundle for a single syscall
// entry. Write uses Arg0 (fd), Arg1 (buffer pointer), Arg2 (length).
// Malloc uses Arg0 (size). Clone uses the Clone field (a CloneRequest). Exit
// uses Arg0 (status).
type Args struct {
	Arg0, Arg1, Arg2, Arg3 uint64
	Clone                  CloneRequest
}

// CloneRequest marshals sys_clone's {name, entry, arg, stack} (§6).
type CloneRequest struct {
	Name  string
	Entry uintptr
	Arg   uint64
	Stack uintptr
}

// Result is written back into the caller's result slots before the
// kernel returns through the exception-return path (§6: "the kernel
// writes result-code and uuid before returning").
type Result struct {
	Code uint64
	UUID [16]byte
}

// Writer performs the write syscall's actual I/O (distinct from the
// character device interfaces elsewhere so the trampoline doesn't need
// to import the console package directly).
type Writer interface {
	Write(fd uint64, buf []byte) (int, error)
}

// Allocator performs the malloc syscall's block allocation.
type Allocator interface {
	AllocateBlock(size uintptr) (uintptr, bool)
}

// Table is the EL0 syscall trampoline (§4.9).
type Table struct {
	writer    Writer
	allocator Allocator
	scheduler *sched.Scheduler
}

// NewTable wires the trampoline to its three collaborators.
func NewTable(writer Writer, allocator Allocator, scheduler *sched.Scheduler) *Table {
	return &Table{writer: writer, allocator: allocator, scheduler: scheduler}
}

// Dispatch resolves n and invokes the matching handler. mem is the raw
// memory the kernel would normally copy_from_user through; tests and the
// host harness pass a plain byte slice standing in for the task's
// address space.
func (t *Table) Dispatch(n Number, args Args, mem []byte) Result {
	switch n {
	case SysWrite:
		return t.write(args, mem)
	case SysMalloc:
		return t.malloc(args)
	case SysClone:
		return t.clone(args)
	case SysExit:
		return t.exit(args)
	default:
		return Result{Code: codeInvalidSyscall}
	}
}

const (
	codeSuccess         = 0
	codeInvalidSyscall  = ^uint64(0)
	codeOOM             = ^uint64(0) - 1
	codeBadBuffer       = ^uint64(0) - 2
	codeCloneFailed     = ^uint64(0) - 3
)

func (t *Table) write(args Args, mem []byte) Result {
	off, length := args.Arg1, args.Arg2
	if off+length > uint64(len(mem)) {
		return Result{Code: codeBadBuffer}
	}
	n, err := t.writer.Write(args.Arg0, mem[off:off+length])
	if err != nil {
		return Result{Code: codeBadBuffer}
	}
	return Result{Code: uint64(n)}
}

func (t *Table) malloc(args Args) Result {
	ptr, ok := t.allocator.AllocateBlock(uintptr(args.Arg0))
	if !ok {
		return Result{Code: codeOOM}
	}
	return Result{Code: uint64(ptr)}
}

func (t *Table) clone(args Args) Result {
	id, err := t.scheduler.Clone(sched.CloneArgs{
		Name:  args.Clone.Name,
		Entry: args.Clone.Entry,
		Arg:   args.Clone.Arg,
		Stack: args.Clone.Stack,
	})
	if err != nil {
		return Result{Code: codeCloneFailed}
	}
	var res Result
	res.Code = codeSuccess
	copy(res.UUID[:], id[:])
	return res
}

func (t *Table) exit(args Args) Result {
	cur := t.scheduler.Current()
	t.scheduler.Exit(cur)
	return Result{Code: args.Arg0}
}
