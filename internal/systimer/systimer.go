// Package systimer implements the System Timer (C3): a free-running
// 64-bit microsecond counter backed by a 32-bit high/low register pair,
// and four programmable compare-match registers driving recurring IRQs
// (§3 C3, §4.3). The register layout mirrors the BCM2835 system timer
// peripheral (CS/CLO/CHI/C0-C3 at a fixed MMIO window), modeled the way
// the teacher's HPET device models its own register block.
package systimer

import (
	"fmt"
	"sync"
)

const (
	regCS  = 0x00 // control/status: one ack bit per compare register
	regCLO = 0x04
	regCHI = 0x08
	regC0  = 0x0C
	regC1  = 0x10
	regC2  = 0x14
	regC3  = 0x18

	NumCompares = 4
)

// Registers is the minimal MMIO surface the real BCM2835/2711 system timer
// exposes. Device wraps an implementation of it; platform.Init takes one
// through Config.TimerRegs, and the tests and cmd/hostcli supply
// in-memory and wall-clock implementations.
type Registers interface {
	ReadCounter() (hi, lo uint32)
	ReadCompare(n int) uint32
	WriteCompare(n int, v uint32)
	AckBit(n int)
}

type compareState struct {
	running bool
	period  uint64
	next    uint64
}

// Device is the System Timer singleton (tagged task-manager-adjacent, not
// an OSEntity type of its own in the closed set of §3.1 — it's addressed
// through the task manager's ISR in practice).
type Device struct {
	mu    sync.Mutex
	regs  Registers
	cmp   [NumCompares]compareState
	ticks uint64 // not read or written by any method
}

// New wraps a Registers implementation.
func New(regs Registers) *Device {
	return &Device{regs: regs}
}

// Now reads the free-running 64-bit microsecond counter, re-reading the
// high word if it changed across the low-word read (§4.3).
func (d *Device) Now() uint64 {
	hi1, lo := d.regs.ReadCounter()
	hi2, _ := d.regs.ReadCounter()
	if hi2 != hi1 {
		_, lo = d.regs.ReadCounter()
		hi1 = hi2
	}
	return uint64(hi1)<<32 | uint64(lo)
}

// StartRecurring programs compare register n for a period-microsecond
// recurring interrupt, storing {running, next=now+period, period} and
// writing next to the compare register (§4.3).
func (d *Device) StartRecurring(n int, period uint64) error {
	if n < 0 || n >= NumCompares {
		return fmt.Errorf("systimer: invalid compare register %d", n)
	}
	if period == 0 {
		return fmt.Errorf("systimer: period must be non-zero")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.Now() + period
	d.cmp[n] = compareState{running: true, period: period, next: next}
	d.regs.WriteCompare(n, uint32(next))
	return nil
}

// Stop disables compare register n.
func (d *Device) Stop(n int) error {
	if n < 0 || n >= NumCompares {
		return fmt.Errorf("systimer: invalid compare register %d", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmp[n].running = false
	return nil
}

// Reschedule is the timer's own ISR, invoked by the IRQ dispatcher for
// compare register n: it sets next += period, writes it back, and
// acknowledges the compare bit (§4.3). It must be registered as an
// ordinary (non-scheduler) handler so it always completes before the
// scheduler ISR on the same source.
func (d *Device) Reschedule(n int) func() {
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		c := &d.cmp[n]
		if !c.running {
			d.regs.AckBit(n)
			return
		}
		c.next += c.period
		d.regs.WriteCompare(n, uint32(c.next))
		d.regs.AckBit(n)
	}
}

// IsRunning reports whether compare register n is currently programmed.
func (d *Device) IsRunning(n int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= NumCompares {
		return false
	}
	return d.cmp[n].running
}
