// Package clisession models the CLI's per-connection state (§4:
// "CLI session context"): which filesystem and directory a session is
// currently positioned in, and the character streams it reads and
// writes through. It is restored from the original's CLISessionContext,
// which threaded this as explicit state rather than globals; here it is
// a plain struct handed to command handlers instead of captured by
// reference.
package clisession

import (
	"github.com/rpibmos/kernel/internal/chario"
	"github.com/rpibmos/kernel/internal/registry"
)

// Session is one CLI connection's state. Out-of-scope command verbs
// read and mutate it through the Dispatch hook in package cli.
type Session struct {
	Stdin  *chario.Console
	Stdout *chario.Console

	// CurrentFilesystem names the mounted filesystem entity (§4.4) the
	// session's relative paths resolve against.
	CurrentFilesystem string

	// CurrentDirectory is the session's working directory, an absolute
	// path within CurrentFilesystem.
	CurrentDirectory string
}

// New starts a session positioned at the root of the given filesystem.
func New(stdin, stdout *chario.Console, filesystem string) *Session {
	return &Session{
		Stdin:             stdin,
		Stdout:            stdout,
		CurrentFilesystem: filesystem,
		CurrentDirectory:  "/",
	}
}

// Print writes a line to the session's output stream.
func (s *Session) Print(line string) {
	s.Stdout.WriteString(line)
}

// ChangeDirectory updates the session's working directory. It performs
// no filesystem lookup itself; callers resolve the path against the
// registry first and call this only once the target is confirmed to
// exist.
func (s *Session) ChangeDirectory(path string) {
	s.CurrentDirectory = path
}

// ChangeFilesystem switches the session onto a different registered
// filesystem entity, resetting the working directory to its root.
func (s *Session) ChangeFilesystem(reg *registry.Registry, alias string) *registry.Error {
	if _, err := reg.GetByAlias(alias); err != nil {
		return err
	}
	s.CurrentFilesystem = alias
	s.CurrentDirectory = "/"
	return nil
}
