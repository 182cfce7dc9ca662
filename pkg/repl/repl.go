// Package repl is a minimal line-oriented command loop used by the
// maintenance CLI and the stress driver. Commands are keyed by their
// first word; the full input line is passed through to the handler.
package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Command handles one input line. It receives the entire line,
// including the trigger word.
type Command func(payload string, session *Session) (output string, err error)

const (
	helpTrigger = ".help"

	errorPrefix = "ERROR: "
)

var (
	ErrOverlappingCommands = errors.New("overlapping command triggers")
	ErrCommandNotFound     = errors.New("command not found")
)

// Session identifies one client of a running REPL.
type Session struct {
	clientID uuid.UUID
}

func (s *Session) ClientID() uuid.UUID {
	return s.clientID
}

// REPL maps trigger words to commands.
type REPL struct {
	commands map[string]Command
	help     map[string]string
}

func New() *REPL {
	return &REPL{
		commands: make(map[string]Command),
		help:     make(map[string]string),
	}
}

// Combine merges several REPLs, erroring on any shared trigger.
func Combine(repls ...*REPL) (*REPL, error) {
	merged := New()
	for _, r := range repls {
		for trigger, cmd := range r.commands {
			if _, taken := merged.commands[trigger]; taken {
				return nil, fmt.Errorf("%w: %s", ErrOverlappingCommands, trigger)
			}
			merged.AddCommand(trigger, cmd, r.help[trigger])
		}
	}
	return merged, nil
}

// AddCommand registers a command, replacing any previous registration
// of the same trigger.
func (r *REPL) AddCommand(trigger string, cmd Command, help string) {
	if trigger == helpTrigger {
		return
	}
	r.commands[trigger] = cmd
	r.help[trigger] = help
}

// HelpString lists every command's help text, sorted by trigger.
func (r *REPL) HelpString() string {
	triggers := make([]string, 0, len(r.help))
	for t := range r.help {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)
	var sb strings.Builder
	for _, t := range triggers {
		fmt.Fprintf(&sb, "%s: %s\n", t, r.help[t])
	}
	return sb.String()
}

func (r *REPL) dispatch(payload string, session *Session, output io.Writer) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return
	}
	if fields[0] == helpTrigger {
		io.WriteString(output, r.HelpString())
		return
	}
	cmd, ok := r.commands[fields[0]]
	if !ok {
		fmt.Fprintf(output, "%s%s: %s\n", errorPrefix, ErrCommandNotFound, fields[0])
		return
	}
	result, err := cmd(payload, session)
	if err != nil {
		fmt.Fprintf(output, "%s%s\n", errorPrefix, err)
		return
	}
	if result != "" && !strings.HasSuffix(result, "\n") {
		result += "\n"
	}
	io.WriteString(output, result)
}

// Run reads lines from input until EOF, dispatching each to its
// command. Nil input and output default to stdin and stdout.
func (r *REPL) Run(clientID uuid.UUID, prompt string, input io.Reader, output io.Writer) {
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stdout
	}
	session := &Session{clientID: clientID}
	fmt.Fprintln(output, "Type '.help' for the list of available commands.")
	io.WriteString(output, prompt)
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		r.dispatch(scanner.Text(), session, output)
		io.WriteString(output, prompt)
	}
	io.WriteString(output, "\n")
}

// RunChan consumes lines from a channel instead of a reader, which is
// how the stress driver feeds concurrent workloads through one loop.
func (r *REPL) RunChan(lines <-chan string, clientID uuid.UUID, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	session := &Session{clientID: clientID}
	for payload := range lines {
		r.dispatch(payload, session, output)
	}
}
