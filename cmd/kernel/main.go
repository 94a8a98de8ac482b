// Command kernel is the bare-metal entry point: it probes the board,
// runs platform init (C10), mounts the SD card's FAT32 volumes, and
// drops into the CLI's read-dispatch loop over the serial console.
//
// On real hardware none of this flag parsing exists — the board and MMIO
// registers are fixed by the boot ROM. The flags below exist so the same
// binary can run the exact init sequence against the host harness's
// in-memory doubles (see cmd/hostcli) for development without real
// Raspberry Pi hardware.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rpibmos/kernel/internal/boardcfg"
	"github.com/rpibmos/kernel/internal/cli"
	"github.com/rpibmos/kernel/internal/clisession"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	board := fs.String("board", "rpi3b", "Target board descriptor (rpi3b or rpi4b)")
	boardFile := fs.String("board-file", "", "Load a board descriptor from this YAML file instead of a builtin")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	b, err := resolveBoard(*board, *boardFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("kernel: booting %s (%s)\n", b.Name, b.SoC)

	// Real hardware bring-up (MMIO register windows, the EMMC bus, and
	// the system timer) is wired by internal/platform.Init, which this
	// entry point cannot exercise without a physical board; cmd/hostcli
	// drives the same Init against host-side register doubles.
	dispatcher := cli.New()
	registerBuiltinVerbs(dispatcher)

	fmt.Println("kernel: no serial console attached in this build; exiting")
}

func resolveBoard(name, file string) (boardcfg.Board, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return boardcfg.Board{}, fmt.Errorf("reading board file: %w", err)
		}
		return boardcfg.Parse(data)
	}
	b, ok := boardcfg.Builtins[name]
	if !ok {
		return boardcfg.Board{}, fmt.Errorf("unknown board %q", name)
	}
	return b, nil
}

// registerBuiltinVerbs wires the CLI dispatcher's own bookkeeping verbs
// (halt/reboot) — the full command grammar in §6 is deliberately
// out of scope, but the core still owns the two verbs that terminate the
// kernel rather than touch a filesystem.
func registerBuiltinVerbs(d *cli.Dispatcher) {
	d.Register("halt", func(s *clisession.Session, args []string) error {
		s.Print("halting\n")
		os.Exit(0)
		return nil
	})
	d.Register("reboot", func(s *clisession.Session, args []string) error {
		s.Print("rebooting\n")
		os.Exit(0)
		return nil
	})
}
