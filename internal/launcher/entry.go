package launcher

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SelfEntry is the entry point token that resolves to the running dil
// binary's own "serve" command.
const SelfEntry = "self"

// EntryPoint identifies the program the launcher hands control to.
//
// Three forms are recognized:
//   - "self": the dil executable itself, run as "dil serve"
//   - a Python script ("app.py") or module ("-m app"): run through the
//     environment's interpreter
//   - anything else: an executable resolved inside the environment
//     (e.g. "uvicorn app:app"), which finds console scripts installed
//     into the venv because the venv's bin directory leads PATH
type EntryPoint struct {
	Program string
	Args    []string
}

// ParseEntryPoint splits a configured entry point string into program
// and arguments and appends extra. Whitespace separates fields; quoting
// is not interpreted.
func ParseEntryPoint(raw string, extra []string) (EntryPoint, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return EntryPoint{}, errors.New("entry point must not be empty")
	}
	if fields[0] == "-m" && len(fields) < 2 {
		return EntryPoint{}, errors.New(`entry point "-m" needs a module name`)
	}
	// For "self", trailing fields ("self --ledger x") go to "dil serve".
	return EntryPoint{Program: fields[0], Args: append(fields[1:], extra...)}, nil
}

// IsSelf reports whether the entry point is the built-in server.
func (e EntryPoint) IsSelf() bool {
	return e.Program == SelfEntry
}

// UsesInterpreter reports whether the entry point runs through the
// environment's Python interpreter.
func (e EntryPoint) UsesInterpreter() bool {
	return e.Program == "-m" || strings.HasSuffix(strings.ToLower(e.Program), ".py")
}

// String renders the entry point as a single command line.
func (e EntryPoint) String() string {
	return strings.TrimSpace(e.Program + " " + strings.Join(e.Args, " "))
}

// command returns the program and argument list for the environment.
// For interpreter entry points the program is omitted and the script or
// "-m module" leads the argument list. For "self" the executable path
// comes from selfExe and the listen address is passed as flags.
func (e EntryPoint) command(selfExe func() (string, error), host string, port int) (program string, args []string, err error) {
	switch {
	case e.IsSelf():
		exe, err := selfExe()
		if err != nil {
			return "", nil, fmt.Errorf("failed to locate dil executable: %w", err)
		}
		args = []string{"serve", "--host", host, "--port", strconv.Itoa(port)}
		return exe, append(args, e.Args...), nil
	case e.UsesInterpreter():
		return "", append([]string{e.Program}, e.Args...), nil
	default:
		return e.Program, e.Args, nil
	}
}
