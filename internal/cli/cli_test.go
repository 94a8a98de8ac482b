package cli

import (
	"errors"
	"testing"

	"github.com/rpibmos/kernel/internal/chario"
	"github.com/rpibmos/kernel/internal/clisession"
)

func newTestSession() *clisession.Session {
	in := chario.NewHardware(&chario.LoopbackPort{})
	out := chario.NewHardware(&chario.LoopbackPort{})
	return clisession.New(in, out, "sd0")
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := New()
	var gotArgs []string
	d.Register("list", func(s *clisession.Session, args []string) error {
		gotArgs = args
		return nil
	})

	if err := d.Dispatch(newTestSession(), "list directory /boot"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "directory" || gotArgs[1] != "/boot" {
		t.Fatalf("unexpected args %v", gotArgs)
	}
}

func TestDispatchUnknownVerbIsAnError(t *testing.T) {
	d := New()
	if err := d.Dispatch(newTestSession(), "frobnicate"); err == nil {
		t.Fatalf("expected an error for an unregistered verb")
	}
}

func TestDispatchEmptyLineIsNoop(t *testing.T) {
	d := New()
	if err := d.Dispatch(newTestSession(), "   "); err != nil {
		t.Fatalf("expected a blank line to be a no-op, got %v", err)
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	d := New()
	want := errors.New("boom")
	d.Register("halt", func(*clisession.Session, []string) error { return want })

	if err := d.Dispatch(newTestSession(), "halt"); err != want {
		t.Fatalf("Dispatch error = %v, want %v", err, want)
	}
}
