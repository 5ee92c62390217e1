// Package environment provides the isolated runtime a launcher run
// installs into and starts its entry point from.
//
// Two kinds exist:
//   - venv: a throwaway Python virtual environment in a temporary
//     directory, created with the discovered interpreter
//   - docker: a labeled sandbox container from a Python image, with the
//     working directory bind-mounted and the port published
//
// Both follow the same scoped lifecycle: Prepare, Install, Start,
// Teardown. Nothing outside the environment is mutated, and Teardown
// removes it unless the caller asked to keep it.
package environment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/dil/internal/docker"
	"github.com/mmr-tortoise/dil/internal/manifest"
	"github.com/mmr-tortoise/dil/internal/model"
)

// Environment is an isolated runtime for one launcher invocation.
type Environment interface {
	// Kind reports which isolation strategy this is.
	Kind() model.EnvironmentKind

	// Prepare acquires the environment (creates the venv or sandbox).
	Prepare(ctx context.Context) error

	// Install makes every requirement in m available. It is idempotent:
	// installing an equal manifest again is a no-op. Failures are
	// returned as *model.InstallationError.
	Install(ctx context.Context, m *manifest.Manifest) error

	// Start launches a process inside the environment.
	Start(ctx context.Context, spec ProcessSpec) (Process, error)

	// Teardown releases the environment. It is safe to call more than
	// once and after a failed Prepare.
	Teardown(ctx context.Context) error
}

// ProcessSpec describes the entry point to start.
type ProcessSpec struct {
	// Program is the executable. When UseInterpreter is set, Program is
	// ignored and the environment's interpreter runs Args.
	Program        string
	Args           []string
	UseInterpreter bool

	// Env is appended to the environment the process inherits.
	Env []string

	// Dir is the working directory (venv only; docker uses the mount).
	Dir string

	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running entry point.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit is reported
	// as *ExitStatusError.
	Wait() error

	// Interrupt asks the process to shut down gracefully (SIGINT).
	Interrupt() error

	// Kill terminates the process immediately.
	Kill() error
}

// ExitStatusError reports a non-zero process exit.
type ExitStatusError struct {
	Code int
}

// Error formats the exit code.
func (e *ExitStatusError) Error() string {
	if e.Code < 0 {
		return "process terminated by signal"
	}
	return fmt.Sprintf("process exited with status %d", e.Code)
}

// Options configures New.
type Options struct {
	// Interpreter optionally pins an absolute interpreter path (venv).
	Interpreter string

	// Dir is an existing venv directory to reuse; empty creates a
	// temporary one (venv).
	Dir string

	// Image is the sandbox image (docker).
	Image string

	// Workdir is the project directory mounted into the sandbox (docker).
	Workdir string

	// Host and Port are published by the sandbox (docker).
	Host string
	Port int

	// Manifest and Fingerprint are recorded as sandbox labels (docker).
	Manifest    string
	Fingerprint string

	// Keep preserves the environment on Teardown.
	Keep bool

	// GracePeriod bounds how long a sandbox stop may take (docker).
	GracePeriod time.Duration

	// Output receives installer output as it is produced; may be nil.
	Output io.Writer

	Logger zerolog.Logger

	// Runner executes setup commands; nil uses ExecRunner.
	Runner Runner

	// Docker is an existing client (docker); nil connects with
	// docker.NewClient.
	Docker *docker.Client
}

// New builds the environment for kind.
func New(kind model.EnvironmentKind, opts Options) (Environment, error) {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	switch kind {
	case model.EnvVenv:
		return NewVenv(opts), nil
	case model.EnvDocker:
		cli := opts.Docker
		if cli == nil {
			var err error
			if cli, err = docker.NewClient(); err != nil {
				return nil, err
			}
		}
		return NewSandbox(cli, opts), nil
	default:
		return nil, fmt.Errorf("unsupported environment kind %q", kind)
	}
}

// Runner executes a setup command and returns its combined output.
// Output is also streamed to out when non-nil.
type Runner interface {
	Run(ctx context.Context, out io.Writer, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args, capturing combined output.
func (ExecRunner) Run(ctx context.Context, out io.Writer, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- name is a resolved interpreter path, args are built internally
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()

	var buf bytes.Buffer
	var w io.Writer = &buf
	if out != nil {
		w = io.MultiWriter(&buf, out)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	return buf.Bytes(), err
}
