// Package platform implements Platform Init (C10): it probes the board,
// constructs C1-C9 in dependency order, and wires them into the single
// kctx.Context handed to the rest of the kernel. It restores the
// original's CPU part-number table and per-core state machine
// (cpu_part_nums.h, core_states.h), which the distilled spec folds into
// "board identification."
package platform

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rpibmos/kernel/internal/blockdev"
	"github.com/rpibmos/kernel/internal/boardcfg"
	"github.com/rpibmos/kernel/internal/chario"
	"github.com/rpibmos/kernel/internal/emmc"
	"github.com/rpibmos/kernel/internal/fat32"
	"github.com/rpibmos/kernel/internal/fatcache"
	"github.com/rpibmos/kernel/internal/irqdispatch"
	"github.com/rpibmos/kernel/internal/kctx"
	"github.com/rpibmos/kernel/internal/memory"
	"github.com/rpibmos/kernel/internal/registry"
	"github.com/rpibmos/kernel/internal/sched"
	"github.com/rpibmos/kernel/internal/syscall"
	"github.com/rpibmos/kernel/internal/systimer"
)

// CPUPart identifies the core's MIDR_EL1 part number, restored from
// cpu_part_nums.h; it drives which interrupt-controller backend gets
// selected instead of a build-time #ifdef.
type CPUPart uint32

const (
	CortexA53 CPUPart = 0x0000D030 // RPi3B
	CortexA72 CPUPart = 0x0000D080 // RPi4B
)

func (p CPUPart) String() string {
	switch p {
	case CortexA53:
		return "cortex-a53"
	case CortexA72:
		return "cortex-a72"
	default:
		return fmt.Sprintf("cpu-part(%#x)", uint32(p))
	}
}

// CoreState mirrors core_states.h's per-core boot progression. Only one
// core ever reaches Running in this kernel (no SMP per spec.md's
// Non-goals); the rest are parked immediately, but the state machine that
// parks them is in scope.
type CoreState uint8

const (
	CoreNotStarted CoreState = iota
	CoreStartedInEL2
	CoreSpinningInEL2
	CoreConfiguringStacksInEL2
	CoreSpinningInEL1
	CoreInitializingKernel
	CoreRunning
	CoreParked
)

func (s CoreState) String() string {
	switch s {
	case CoreNotStarted:
		return "not-started"
	case CoreStartedInEL2:
		return "started-in-el2"
	case CoreSpinningInEL2:
		return "spinning-in-el2"
	case CoreConfiguringStacksInEL2:
		return "configuring-stacks-in-el2"
	case CoreSpinningInEL1:
		return "spinning-in-el1"
	case CoreInitializingKernel:
		return "initializing-kernel"
	case CoreRunning:
		return "running"
	case CoreParked:
		return "parked"
	default:
		return "unknown"
	}
}

// Cores tracks every physical core's boot-progression state; index 0 is
// the boot core, which is the only one init ever advances past
// CoreInitializingKernel.
type Cores struct {
	state []CoreState
}

// NewCores creates n cores in CoreNotStarted.
func NewCores(n int) *Cores {
	return &Cores{state: make([]CoreState, n)}
}

// Advance sets core i's state. It does not change any other core;
// ParkOthers parks the rest.
func (c *Cores) Advance(i int, s CoreState) {
	c.state[i] = s
}

// ParkOthers marks every core except keep as parked.
func (c *Cores) ParkOthers(keep int) {
	for i := range c.state {
		if i != keep {
			c.state[i] = CoreParked
		}
	}
}

func (c *Cores) State(i int) CoreState { return c.state[i] }

// emmcBlock adapts emmc.Device's *Error-returning, multi-block API to the
// blockdev.Device interface FAT32 consumes, which reports a block count
// and a plain error; FAT32 turns a failed block transfer into its own
// enumerated *Error.
type emmcBlock struct {
	dev *emmc.Device
}

func (e *emmcBlock) BlockSize() uint32 { return emmc.BlockSize }

func (e *emmcBlock) Seek(blockOffset uint64) error {
	return nil // emmc.Device has no independent seek; reads/writes are always by LBA.
}

func (e *emmcBlock) ReadBlock(buf []byte, lba uint64, nBlocks uint32) (uint32, error) {
	if err := e.dev.ReadBlocks(buf, lba, nBlocks); err != nil {
		return 0, err
	}
	return nBlocks, nil
}

func (e *emmcBlock) ReadCurrent(buf []byte, nBlocks uint32) (uint32, error) {
	return 0, fmt.Errorf("platform: emmc block adapter has no current-position read")
}

func (e *emmcBlock) WriteBlock(buf []byte, lba uint64, nBlocks uint32) (uint32, error) {
	if err := e.dev.WriteBlocks(buf, lba, nBlocks); err != nil {
		return 0, err
	}
	return nBlocks, nil
}

var _ blockdev.Device = (*emmcBlock)(nil)

// Platform is everything Init assembles: the kernel context plus every
// C1-C9 singleton. Init adds the memory manager, the EMMC device and each
// mounted volume to the shared registry; the scheduler registers itself.
type Platform struct {
	Ctx       *kctx.Context
	Board     boardcfg.Board
	Cores     *Cores
	Memory    *memory.Manager
	Registry  *registry.Registry
	Timer     *systimer.Device
	IRQ       *irqdispatch.Dispatcher
	EMMC      *emmc.Device
	Volumes   []*fat32.Volume
	FATCache  *fatcache.Cache
	Scheduler *sched.Scheduler
	Syscalls  *syscall.Table
}

// Config bundles the collaborators platform init needs but cannot
// construct itself: the board descriptor, the raw hardware backends
// (or host-side test doubles), and the console device.
type Config struct {
	Board       boardcfg.Board
	TimerRegs   systimer.Registers
	IRQCtrl     irqdispatch.Controller
	EMMCBus     emmc.Bus
	Console     *chario.Console
	NowFunc     func() int64
	ProcessBase uintptr
	MMIOBase    uintptr
	TotalRAM    uintptr
	FATCacheCap int
}

// Init performs platform bring-up in the dependency order §4.10
// describes: memory manager and registry first (everything else
// registers into it), then the timer and interrupt dispatcher, then the
// EMMC driver and FAT32 mount, then the scheduler and syscall table. A
// card with no FAT32 volume on it (no valid BPB at LBA 0 and no FAT32
// partition) is not an error: Init returns with an empty Volumes list.
func Init(cfg Config) (*Platform, error) {
	if err := cfg.Board.Validate(); err != nil {
		return nil, fmt.Errorf("platform: invalid board descriptor: %w", err)
	}

	ctx := kctx.New(cfg.Board.SoC, cfg.NowFunc)
	ctx.Stdout = cfg.Console
	ctx.Stdin = cfg.Console

	cores := NewCores(cfg.Board.NumCores)
	cores.Advance(0, CoreInitializingKernel)
	cores.ParkOthers(0)

	mem, err := memory.New(cfg.ProcessBase, cfg.MMIOBase, cfg.TotalRAM)
	if err != nil {
		return nil, fmt.Errorf("platform: memory manager: %w", err)
	}

	reg := registry.New(1)
	if err := reg.Add(&registry.Entity{
		UUID: newEntityUUID(), Name: "memory-manager", Alias: "mem",
		Type: registry.TypeMemoryManager, Impl: mem,
	}); err != nil {
		return nil, fmt.Errorf("platform: registering memory manager: %w", err)
	}

	timer := systimer.New(cfg.TimerRegs)

	dispatcher := irqdispatch.New(cfg.IRQCtrl, nil, nil)

	emmcDev := emmc.New(cfg.EMMCBus)
	if initErr := emmcDev.Initialize(); initErr != nil {
		return nil, fmt.Errorf("platform: emmc init: %w", initErr)
	}
	if err := reg.Add(&registry.Entity{
		UUID: newEntityUUID(), Name: "emmc0", Alias: "emmc0",
		Type: registry.TypeBlockDevice, Impl: emmcDev,
	}); err != nil {
		return nil, fmt.Errorf("platform: registering emmc device: %w", err)
	}

	cacheCap := cfg.FATCacheCap
	if cacheCap <= 0 {
		cacheCap = 256
	}
	cache := fatcache.New(cacheCap, 0x5A17)

	volumes, mountErr := fat32.Mount(&emmcBlock{dev: emmcDev})
	if mountErr != nil && mountErr.Kind != fat32.BadBPB && mountErr.Kind != fat32.VolumeNotFAT32 {
		return nil, fmt.Errorf("platform: mounting fat32: %w", mountErr)
	}
	for i, v := range volumes {
		v.SetCache(cache)
		name := fmt.Sprintf("sd%d", i)
		if err := reg.Add(&registry.Entity{
			UUID: newEntityUUID(), Name: name, Alias: name,
			Type: registry.TypeFilesystem, Impl: v,
		}); err != nil {
			return nil, fmt.Errorf("platform: registering volume %s: %w", name, err)
		}
	}

	scheduler := sched.New(mem, reg)
	syscalls := syscall.NewTable(consoleWriter{console: cfg.Console}, mem, scheduler)

	cores.Advance(0, CoreRunning)

	return &Platform{
		Ctx:       ctx,
		Board:     cfg.Board,
		Cores:     cores,
		Memory:    mem,
		Registry:  reg,
		Timer:     timer,
		IRQ:       dispatcher,
		EMMC:      emmcDev,
		Volumes:   volumes,
		FATCache:  cache,
		Scheduler: scheduler,
		Syscalls:  syscalls,
	}, nil
}

// consoleWriter adapts chario.Console to syscall.Writer; fd is ignored
// since there is exactly one console in this kernel.
type consoleWriter struct {
	console *chario.Console
}

func (w consoleWriter) Write(fd uint64, buf []byte) (int, error) {
	w.console.WriteString(string(buf))
	return len(buf), nil
}

var entityUUIDCounter uint64

// newEntityUUID derives a deterministic-enough v4-shaped UUID for
// platform-owned singletons without depending on a random source during
// early boot, where the hardware RNG (out of scope per spec.md's
// Non-goals) is not yet available.
func newEntityUUID() uuid.UUID {
	entityUUIDCounter++
	c := entityUUIDCounter
	var u uuid.UUID
	for i := 15; i >= 0 && c > 0; i-- {
		u[i] = byte(c)
		c >>= 8
	}
	u[6] = (u[6] & 0x0F) | 0x40
	u[8] = (u[8] & 0x3F) | 0x80
	return u
}
