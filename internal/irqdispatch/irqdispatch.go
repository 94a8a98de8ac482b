// Package irqdispatch implements the Exception/IRQ Dispatcher (C2): it maps
// hardware IRQ sources to registered handlers, ordering them so the
// scheduler's handler always runs last and only after the interrupt
// controller's end-of-interrupt has been written (§4.2).
//
// The controller backend (BCM2837 legacy registers for RPi3, BCM2711
// GIC-400 for RPi4) is abstracted behind Controller so this package never
// branches on board type itself; internal/platform selects the concrete
// implementation.
package irqdispatch

import (
	"fmt"
	"sort"
)

// Source is an interrupt source; spec.md enumerates timer-0..3 but other
// peripherals (EMMC, UART) add their own sources at runtime, so this is an
// open uint rather than a closed enum.
type Source uint32

const (
	SourceTimer0 Source = iota
	SourceTimer1
	SourceTimer2
	SourceTimer3
)

// HandlerType distinguishes the scheduler's special-cased handler from
// ordinary ISRs (§3.4).
type HandlerType uint8

const (
	HandlerOrdinary HandlerType = iota
	HandlerScheduler
)

// Handler is one registered interrupt service routine.
type Handler struct {
	Type   HandlerType
	Name   string
	Handle func()
}

// Controller is the board-specific interrupt controller: it knows which
// sources exist, can enable/disable one, resolve the pending source on
// entry, and acknowledge it (write end-of-interrupt).
type Controller interface {
	// KnownSource reports whether src is valid for this SoC.
	KnownSource(src Source) bool
	// Enable is called the first time a handler is registered for src.
	Enable(src Source) error
	// Pending resolves which source fired; ok is false if spurious.
	Pending() (src Source, ok bool)
	// Acknowledge writes the EOI/ack bit for src. Per §4.2 this must
	// happen before the scheduler handler runs, since that handler may
	// perform a context switch that never returns.
	Acknowledge(src Source) error
}

// ExceptionInfo is handed to the synchronous exception handler (§4.2).
type ExceptionInfo struct {
	Type    uint32
	ESR     uint64
	Address uint64
}

// Dispatcher routes hardware IRQs and synchronous exceptions.
type Dispatcher struct {
	ctrl     Controller
	handlers map[Source][]Handler
	onSync   func(ExceptionInfo)

	// enableIRQs is invoked once at construction; on bare metal it
	// clears the I bit in DAIF. Exposed as a function so host-side
	// tests can observe it without real hardware.
	enableIRQs func()
}

// New constructs a Dispatcher and immediately enables IRQs at the
// processor (clears the I bit in DAIF), per §4.2: "On construction, sets
// the DAIF mask to enable IRQs."
func New(ctrl Controller, enableIRQs func(), onSync func(ExceptionInfo)) *Dispatcher {
	if enableIRQs == nil {
		enableIRQs = func() {}
	}
	if onSync == nil {
		onSync = func(ExceptionInfo) {}
	}
	d := &Dispatcher{
		ctrl:       ctrl,
		handlers:   make(map[Source][]Handler),
		onSync:     onSync,
		enableIRQs: enableIRQs,
	}
	d.enableIRQs()
	return d
}

// AddISR registers a handler for src, enabling the source in the
// controller the first time a handler is added for it. Fails if src is
// not known to this SoC (§4.2).
func (d *Dispatcher) AddISR(src Source, h Handler) error {
	if !d.ctrl.KnownSource(src) {
		return fmt.Errorf("irqdispatch: source %d is not valid on this SoC", src)
	}
	first := len(d.handlers[src]) == 0
	d.handlers[src] = append(d.handlers[src], h)
	if first {
		if err := d.ctrl.Enable(src); err != nil {
			return fmt.Errorf("irqdispatch: enable source %d: %w", src, err)
		}
	}
	return nil
}

// HandleIRQ is invoked from the IRQ entry trampoline. It resolves the
// pending source, runs every non-scheduler handler in insertion order,
// writes the controller's acknowledgment, and only then runs the
// scheduler handler (which may not return) — the ordering guarantee of
// §4.2 and §5.
func (d *Dispatcher) HandleIRQ() error {
	src, ok := d.ctrl.Pending()
	if !ok {
		return nil // spurious
	}

	handlers := d.handlers[src]
	var schedulerHandler *Handler
	for i := range handlers {
		if handlers[i].Type == HandlerScheduler {
			schedulerHandler = &handlers[i]
			continue
		}
		handlers[i].Handle()
	}

	if err := d.ctrl.Acknowledge(src); err != nil {
		return fmt.Errorf("irqdispatch: acknowledge source %d: %w", src, err)
	}

	if schedulerHandler != nil {
		schedulerHandler.Handle()
	}
	return nil
}

// HandleSyncException is invoked from the synchronous-exception entry; it
// prints a diagnostic (via onSync) and never recovers (§4.2).
func (d *Dispatcher) HandleSyncException(info ExceptionInfo) {
	d.onSync(info)
}

// Sources returns the currently-registered sources in a stable order, for
// diagnostics and tests.
func (d *Dispatcher) Sources() []Source {
	out := make([]Source, 0, len(d.handlers))
	for s := range d.handlers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
