package clisession

import (
	"testing"

	"github.com/rpibmos/kernel/internal/chario"
	"github.com/rpibmos/kernel/internal/registry"
)

func TestNewStartsAtRootOfGivenFilesystem(t *testing.T) {
	in := chario.NewHardware(&chario.LoopbackPort{})
	out := chario.NewHardware(&chario.LoopbackPort{})
	s := New(in, out, "sd0")

	if s.CurrentFilesystem != "sd0" || s.CurrentDirectory != "/" {
		t.Fatalf("unexpected initial session state %+v", s)
	}
}

func TestChangeDirectoryUpdatesState(t *testing.T) {
	s := New(chario.NewHardware(&chario.LoopbackPort{}), chario.NewHardware(&chario.LoopbackPort{}), "sd0")
	s.ChangeDirectory("/boot/firmware")
	if s.CurrentDirectory != "/boot/firmware" {
		t.Fatalf("CurrentDirectory = %q", s.CurrentDirectory)
	}
}

func TestChangeFilesystemRejectsUnknownAlias(t *testing.T) {
	reg := registry.New(1)
	s := New(chario.NewHardware(&chario.LoopbackPort{}), chario.NewHardware(&chario.LoopbackPort{}), "sd0")
	s.ChangeDirectory("/deep/path")

	if err := s.ChangeFilesystem(reg, "does-not-exist"); err == nil {
		t.Fatalf("expected an error for an unregistered alias")
	}
	if s.CurrentDirectory != "/deep/path" {
		t.Fatalf("a failed filesystem change must not reset the working directory")
	}
}
