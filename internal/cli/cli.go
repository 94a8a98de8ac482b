// Package cli provides the command-dispatch skeleton the out-of-scope
// CLI command grammar plugs into (§1 Non-goals: "the CLI command
// grammar and individual verbs"). It is restored from the original's
// CLICommandDispatcher, which registered one dispatcher per leading
// token; here that becomes a map from verb to Handler, with parsing
// reduced to whitespace tokenization (command_parser.cpp's own grammar
// is likewise out of scope).
package cli

import (
	"fmt"
	"strings"

	"github.com/rpibmos/kernel/internal/clisession"
)

// Handler runs one verb's behavior against the tokens that followed it
// and the session it was invoked on.
type Handler func(session *clisession.Session, args []string) error

// Dispatcher maps command verbs to handlers. The concrete verbs
// (`list`, `change`, `create`, `delete`, `rename`, `show`, `halt`,
// `reboot`) are registered by an out-of-scope package; Dispatcher only
// owns the table and the tokenizer.
type Dispatcher struct {
	handlers map[string]Handler
}

// New returns an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a verb to its handler, replacing any prior handler for
// the same verb.
func (d *Dispatcher) Register(verb string, h Handler) {
	d.handlers[verb] = h
}

// Dispatch tokenizes line on whitespace and runs the registered handler
// for its first token, passing the rest as args.
func (d *Dispatcher) Dispatch(session *clisession.Session, line string) error {
	tokens := tokenize(line)
	if len(tokens) == 0 {
		return nil
	}
	h, ok := d.handlers[tokens[0]]
	if !ok {
		return fmt.Errorf("cli: unknown command %q", tokens[0])
	}
	return h(session, tokens[1:])
}

func tokenize(line string) []string {
	return strings.Fields(line)
}
