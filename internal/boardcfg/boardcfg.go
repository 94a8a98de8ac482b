// Package boardcfg loads the board descriptor that tells platform init
// (C10) which SoC variant it is running on: the BCM2837-based
// Raspberry Pi 3B or the BCM2711-based Raspberry Pi 4B. The two boards
// disagree on interrupt controller (legacy BCM2837 vs GIC-400),
// peripheral base address, and core count, all of which the rest of
// the kernel treats as configuration rather than compile-time constants.
package boardcfg

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// InterruptController names the controller C2 should drive (§4.2).
type InterruptController string

const (
	ControllerLegacyBCM2837 InterruptController = "bcm2837-legacy"
	ControllerGIC400        InterruptController = "gic-400"
)

// Board is the parsed board descriptor.
type Board struct {
	Name                string              `yaml:"name"`
	SoC                 string              `yaml:"soc"`
	PeripheralBase      uint64              `yaml:"peripheral_base"`
	NumCores            int                 `yaml:"num_cores"`
	InterruptController InterruptController `yaml:"interrupt_controller"`
	TimerBaseClockHz    uint32              `yaml:"timer_base_clock_hz"`
}

// RPi3B is the built-in descriptor for the Raspberry Pi 3 Model B.
var RPi3B = Board{
	Name:                "rpi3b",
	SoC:                 "bcm2837",
	PeripheralBase:      0x3F000000,
	NumCores:            4,
	InterruptController: ControllerLegacyBCM2837,
	TimerBaseClockHz:    41_666_666,
}

// RPi4B is the built-in descriptor for the Raspberry Pi 4 Model B.
var RPi4B = Board{
	Name:                "rpi4b",
	SoC:                 "bcm2711",
	PeripheralBase:      0xFE000000,
	NumCores:            4,
	InterruptController: ControllerGIC400,
	TimerBaseClockHz:    54_000_000,
}

// Builtins maps a board name to its descriptor, for command-line
// selection by the host development harness.
var Builtins = map[string]Board{
	RPi3B.Name: RPi3B,
	RPi4B.Name: RPi4B,
}

// Parse decodes a YAML board descriptor, validating the fields platform
// init depends on.
func Parse(data []byte) (Board, error) {
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Board{}, fmt.Errorf("boardcfg: parse: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Board{}, err
	}
	return b, nil
}

// Validate checks the fields platform init relies on to pick the right
// interrupt controller and timer math.
func (b Board) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("boardcfg: board name is empty")
	}
	if b.PeripheralBase == 0 {
		return fmt.Errorf("boardcfg: %s: peripheral_base is zero", b.Name)
	}
	if b.NumCores < 1 {
		return fmt.Errorf("boardcfg: %s: num_cores must be >= 1", b.Name)
	}
	switch b.InterruptController {
	case ControllerLegacyBCM2837, ControllerGIC400:
	default:
		return fmt.Errorf("boardcfg: %s: unknown interrupt_controller %q", b.Name, b.InterruptController)
	}
	if b.TimerBaseClockHz == 0 {
		return fmt.Errorf("boardcfg: %s: timer_base_clock_hz is zero", b.Name)
	}
	return nil
}
