// Package kctx defines the kernel-wide context that subsystems are handed
// explicitly at construction, replacing the original's module-level
// globals (__os_static_heap, __os_dynamic_heap, __os_filesystem_cache_heap,
// stdout/stdin) per the design note in spec.md §9.
package kctx

import "github.com/rpibmos/kernel/internal/klog"

// CharDevice is the minimal character I/O contract consumed by the console
// wiring (§6); internal/chario implements it over a real UART or a
// virtual-terminal grid.
type CharDevice interface {
	Putc(c byte)
	Getc() (byte, bool)
}

// Context is constructed once during platform init (C10) and handed by
// reference to every subsystem. Nothing here is a package-level global.
type Context struct {
	// Log is the structured diagnostic ring (internal/klog), distinct
	// from the CLI's serial console.
	Log *klog.Ring

	// Stdout/Stdin are the kernel's console character devices. New leaves
	// them nil; platform.Init sets both to Config.Console. The kernel
	// command line, including its console= key, is not parsed.
	Stdout CharDevice
	Stdin  CharDevice

	// BoardName identifies the probed SoC ("bcm2837" or "bcm2711"),
	// driving the interrupt-controller backend choice in C2.
	BoardName string
}

// New builds a Context with a default-sized diagnostic ring. nowFunc
// supplies monotonic timestamps for log records (the system timer's
// microsecond counter on real hardware, a test clock otherwise).
func New(boardName string, nowFunc func() int64) *Context {
	return &Context{
		Log:       klog.NewRing(64*1024, nowFunc),
		BoardName: boardName,
	}
}
