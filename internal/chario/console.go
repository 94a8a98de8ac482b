// Package chario implements the serial console character device the
// CLI (§1, §4.1 "exposes an interactive command-line interface over a
// serial console") reads and writes through. On real hardware this
// wraps the PL011 UART; for the host development harness and for tests,
// it wraps a virtual terminal emulator so the same CLI code can run
// against a window instead of a physical wire.
package chario

import (
	"bytes"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// RawPort is the minimal UART register contract a hardware backend
// implements: a non-blocking byte write and a non-blocking byte read
// with an "empty" signal, matching how the PL011 FIFO registers behave.
type RawPort interface {
	PutByte(b byte)
	GetByte() (b byte, ok bool)
}

// Console is the kctx.CharDevice implementation shared by the hardware
// UART path and the host emulator path.
type Console struct {
	mu   sync.Mutex
	port RawPort

	// emu mirrors every byte written through Putc so a host terminal
	// view (or a test) can inspect the resulting screen state. It is
	// nil on real hardware, where there is no framebuffer to mirror
	// into and the UART IS the display.
	emu *vt.Emulator
}

// NewHardware wraps a UART register backend with no terminal mirroring.
func NewHardware(port RawPort) *Console {
	return &Console{port: port}
}

// NewEmulated wraps an in-memory RawPort (such as a *LoopbackPort) with a
// virtual terminal so its screen contents can be inspected — used by the
// host CLI harness and by tests.
func NewEmulated(port RawPort, cols, rows int) *Console {
	return &Console{port: port, emu: vt.NewEmulator(cols, rows)}
}

// Putc writes one byte to the underlying port and, if present, feeds it
// through the terminal emulator.
func (c *Console) Putc(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port.PutByte(b)
	if c.emu != nil {
		c.emu.Write([]byte{b})
	}
}

// Getc reads one byte if available.
func (c *Console) Getc() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.GetByte()
}

// WriteString writes a whole string a byte at a time, the way CLI
// output naturally flows through a UART FIFO.
func (c *Console) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		c.Putc(s[i])
	}
}

// Screen renders the emulator's current grid as plain text, one line
// per row, for host-side inspection. Returns "" when there is no
// emulator (the hardware-backed console).
func (c *Console) Screen() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emu == nil {
		return ""
	}
	var buf bytes.Buffer
	screen := c.emu.Screen()
	rows, cols := screen.Height(), screen.Width()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			cell := screen.Cell(x, y)
			if cell == nil || cell.Rune() == 0 {
				buf.WriteByte(' ')
				continue
			}
			buf.WriteRune(cell.Rune())
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// LoopbackPort is an in-memory RawPort double: bytes written to it are
// queued for later reading, used by tests and by the host harness
// before a real PTY is wired in.
type LoopbackPort struct {
	mu  sync.Mutex
	out bytes.Buffer
	in  bytes.Buffer
}

func (p *LoopbackPort) PutByte(b byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.WriteByte(b)
}

func (p *LoopbackPort) GetByte() (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.in.ReadByte()
	if err != nil {
		return 0, false
	}
	return b, true
}

// Feed queues bytes as if they had arrived over the wire, for Getc to
// consume.
func (p *LoopbackPort) Feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(data)
}

// Written returns everything PutByte has accumulated so far.
func (p *LoopbackPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte{}, p.out.Bytes()...)
}

// StripANSI removes escape sequences from s, used when a test wants to
// assert on the CLI's literal text output regardless of cursor/color
// control codes it may have emitted.
func StripANSI(s string) string {
	return ansi.Strip(s)
}
