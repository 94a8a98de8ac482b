// Command hostcli is the host-side development harness: it attaches a
// real TTY to an in-memory simulation of platform init (in-memory block
// device, host-clock system timer, a no-op interrupt controller) so the
// CLI surface, FAT32 volume, and scheduler can be exercised interactively
// without Raspberry Pi hardware.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rpibmos/kernel/internal/blockdev"
	"github.com/rpibmos/kernel/internal/boardcfg"
	"github.com/rpibmos/kernel/internal/chario"
	"github.com/rpibmos/kernel/internal/cli"
	"github.com/rpibmos/kernel/internal/clisession"
	"github.com/rpibmos/kernel/internal/emmc"
	"github.com/rpibmos/kernel/internal/irqdispatch"
	"github.com/rpibmos/kernel/internal/platform"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	boardName := fs.String("board", "rpi3b", "Board descriptor to simulate (rpi3b or rpi4b)")
	image := fs.String("image", "", "Path to a FAT32 SD-card image to flash into the simulated EMMC device before boot")
	flashTo := fs.String("flash-to", "", "Write the loaded image out to this path first, reporting progress (simulates flashing a real SD card)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	b, ok := boardcfg.Builtins[*boardName]
	if !ok {
		fmt.Fprintf(os.Stderr, "hostcli: unknown board %q\n", *boardName)
		os.Exit(1)
	}

	if *image != "" && *flashTo != "" {
		if err := flashImage(*image, *flashTo); err != nil {
			fmt.Fprintf(os.Stderr, "hostcli: flash: %v\n", err)
			os.Exit(1)
		}
	}

	bus, err := newSimulatedEMMC(*image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostcli: %v\n", err)
		os.Exit(1)
	}

	console := chario.NewEmulated(&chario.LoopbackPort{}, 120, 40)

	p, err := platform.Init(platform.Config{
		Board:       b,
		TimerRegs:   &hostClockRegs{start: time.Now()},
		IRQCtrl:     noopController{},
		EMMCBus:     bus,
		Console:     console,
		NowFunc:     func() int64 { return time.Now().UnixMicro() },
		ProcessBase: 0,
		MMIOBase:    1 << 24,
		TotalRAM:    64 << 20,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostcli: platform init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("hostcli: booted %s with %d mounted volume(s)\n", p.Board.Name, len(p.Volumes))

	dispatcher := cli.New()
	session := clisession.New(console, console, firstVolumeAlias(p))

	runInteractive(dispatcher, session)
}

func firstVolumeAlias(p *platform.Platform) string {
	if len(p.Volumes) == 0 {
		return ""
	}
	return "sd0"
}

// runInteractive reads lines from the real terminal (raw mode while
// active, restored on exit) and feeds each one to the dispatcher.
func runInteractive(d *cli.Dispatcher, session *clisession.Session) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if err := d.Dispatch(session, line); err != nil {
			session.Print(err.Error() + "\r\n")
		}
	}
}

// flashImage copies src to dst 512 bytes at a time, reporting progress
// the way a real SD-card flashing tool would for a multi-gigabyte image.
func flashImage(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %q: %w", src, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %q: %w", dst, err)
	}
	defer out.Close()

	bar := progressbar.DefaultBytes(int64(len(data)), "flashing")
	const chunk = 512
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		n, err := out.Write(data[off:end])
		if err != nil {
			return fmt.Errorf("writing %q: %w", dst, err)
		}
		bar.Add(n)
	}
	return nil
}

// newSimulatedEMMC builds an emmc.Bus double backed by an in-memory block
// device, optionally preloaded from an on-disk SD-card image file. It
// answers the SD initialization handshake with a fixed SDHC v2 card
// identity and then reduces every data-phase command to a read or write
// against the backing blockdev.Memory, the way a real SD card reduces
// the same commands to flash-controller operations.
func newSimulatedEMMC(imagePath string) (emmc.Bus, error) {
	var mem *blockdev.Memory
	if imagePath == "" {
		mem = blockdev.NewMemory(131072, 512)
	} else {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return nil, fmt.Errorf("reading image %q: %w", imagePath, err)
		}
		mem = blockdev.NewMemoryFromImage(data, 512)
	}
	return &simulatedBus{mem: mem}, nil
}

// simulatedBus implements emmc.Bus over a blockdev.Memory, letting
// hostcli drive the exact same emmc.Device state machine real hardware
// uses instead of a separate fast-path loader.
type simulatedBus struct {
	mem      *blockdev.Memory
	lastCmd  emmc.CommandIndex
	lastArg  uint32
	blockCnt uint32
	buf      []byte
	wordIdx  int
	ocrPolls int
	rca      uint32
	resp     [4]uint32
}

func (s *simulatedBus) ResetHost() error            { return nil }
func (s *simulatedBus) SetClockDivider(uint32) bool { return true }
func (s *simulatedBus) Response() [4]uint32         { return s.resp }
func (s *simulatedBus) InhibitReady(time.Duration) bool { return true }
func (s *simulatedBus) SetBlockSizeCount(size, count uint32) { s.blockCnt = count }
func (s *simulatedBus) DataReady(isWrite bool, timeout time.Duration) bool { return true }
func (s *simulatedBus) CommandLineReset()                                 {}

func (s *simulatedBus) SendCommand(cmd emmc.CommandIndex, arg uint32, withData bool, timeout time.Duration) bool {
	s.lastCmd, s.lastArg = cmd, arg
	switch cmd {
	case emmc.CmdGoIdle:
		s.resp = [4]uint32{}
	case emmc.CmdSendIfCond:
		s.resp[0] = arg
	case emmc.CmdAppCmd:
		s.resp[0] = 0
	case emmc.CmdSDSendOpCond:
		s.ocrPolls++
		if s.ocrPolls >= 2 {
			s.resp[0] = uint32(1<<31) | (1 << 30) | 0x00FF8000 // powered, SDHC
		} else {
			s.resp[0] = 0
		}
	case emmc.CmdSendCID:
		s.resp = [4]uint32{1, 2, 3, 4}
	case emmc.CmdSendRelativeAdr:
		s.rca = 0xAAAA
		s.resp[0] = s.rca << 16
	case emmc.CmdSelectCard:
		s.resp[0] = 4 << 9 // "transfer" state
	case emmc.CmdSendSCR:
		s.buf = make([]byte, 8) // the 8-byte SCR, read as two words
		s.wordIdx = 0
	case emmc.CmdReadSingle, emmc.CmdReadMultiple:
		s.buf = make([]byte, int(s.blockCnt)*emmc.BlockSize)
		s.mem.ReadBlock(s.buf, uint64(arg), s.blockCnt)
		s.wordIdx = 0
	case emmc.CmdWriteSingle, emmc.CmdWriteMultiple:
		s.buf = make([]byte, int(s.blockCnt)*emmc.BlockSize)
		s.wordIdx = 0
	}
	return true
}

func (s *simulatedBus) ReadWord() uint32 {
	off := s.wordIdx * 4
	v := uint32(s.buf[off]) | uint32(s.buf[off+1])<<8 | uint32(s.buf[off+2])<<16 | uint32(s.buf[off+3])<<24
	s.wordIdx++
	return v
}

func (s *simulatedBus) WriteWord(v uint32) {
	off := s.wordIdx * 4
	s.buf[off] = byte(v)
	s.buf[off+1] = byte(v >> 8)
	s.buf[off+2] = byte(v >> 16)
	s.buf[off+3] = byte(v >> 24)
	s.wordIdx++
}

func (s *simulatedBus) AckInterrupts(mask uint32) {
	if s.lastCmd == emmc.CmdWriteSingle || s.lastCmd == emmc.CmdWriteMultiple {
		s.mem.WriteBlock(s.buf, uint64(s.lastArg), s.blockCnt)
	}
}

// hostClockRegs implements systimer.Registers over the host's wall
// clock, giving the simulated kernel a free-running microsecond counter
// without any real MMIO.
type hostClockRegs struct {
	start time.Time
}

func (r *hostClockRegs) ReadCounter() (hi, lo uint32) {
	us := uint64(time.Since(r.start).Microseconds())
	return uint32(us >> 32), uint32(us)
}
func (r *hostClockRegs) ReadCompare(n int) uint32     { return 0 }
func (r *hostClockRegs) WriteCompare(n int, v uint32) {}
func (r *hostClockRegs) AckBit(n int)                 {}

// noopController stands in for a real BCM2837/GIC-400 backend: the host
// harness has no hardware interrupts to dispatch.
type noopController struct{}

func (noopController) KnownSource(irqdispatch.Source) bool  { return true }
func (noopController) Enable(irqdispatch.Source) error      { return nil }
func (noopController) Pending() (irqdispatch.Source, bool)  { return 0, false }
func (noopController) Acknowledge(irqdispatch.Source) error { return nil }
