package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/dil/internal/manifest"
	"github.com/mmr-tortoise/dil/internal/model"
)

// Venv is a per-run Python virtual environment.
type Venv struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	interpreter string
	dir         string
	owned       bool
}

// NewVenv returns an unprepared venv environment.
func NewVenv(opts Options) *Venv {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	return &Venv{
		opts: opts,
		log:  opts.Logger.With().Str("env", "venv").Logger(),
		dir:  opts.Dir,
	}
}

// Kind reports model.EnvVenv.
func (v *Venv) Kind() model.EnvironmentKind { return model.EnvVenv }

// Dir returns the venv root. Without Options.Dir it is empty until
// Prepare creates a temporary one.
func (v *Venv) Dir() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dir
}

// Prepare resolves the base interpreter and creates the virtual
// environment. An existing venv at Options.Dir is reused.
func (v *Venv) Prepare(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	base, err := ResolveInterpreter(v.opts.Interpreter)
	if err != nil {
		return err
	}
	v.interpreter = base

	if v.dir != "" {
		if _, err := os.Stat(v.pythonLocked()); err == nil {
			v.log.Debug().Str("dir", v.dir).Msg("reusing virtual environment")
			return nil
		}
	} else {
		dir, err := os.MkdirTemp("", "dil-venv-*")
		if err != nil {
			return fmt.Errorf("failed to create venv directory: %w", err)
		}
		v.dir = dir
		v.owned = true
	}

	v.log.Info().Str("dir", v.dir).Str("interpreter", base).Msg("creating virtual environment")
	out, err := v.opts.Runner.Run(ctx, nil, base, "-m", "venv", v.dir)
	if err != nil {
		return fmt.Errorf("failed to create virtual environment with %s: %s: %w",
			base, strings.TrimSpace(tail(string(out), 5)), err)
	}
	return nil
}

// Install pip-installs the manifest into the venv. A manifest whose
// fingerprint matches the last successful install is skipped.
func (v *Venv) Install(ctx context.Context, m *manifest.Manifest) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dir == "" {
		return &model.InstallationError{Manifest: m.Path, Err: errors.New("environment not prepared")}
	}

	fingerprint := m.Fingerprint()
	marker := filepath.Join(v.dir, fingerprintFile)
	if prev, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(prev)) == fingerprint {
		v.log.Info().Str("fingerprint", fingerprint[:12]).Msg("manifest already installed")
		return nil
	}

	if len(m.Requirements) > 0 {
		v.log.Info().Int("packages", len(m.Requirements)).Str("manifest", m.Path).Msg("installing dependencies")
		out, err := v.opts.Runner.Run(ctx, v.opts.Output, v.pythonLocked(), pipInstallArgs(m)...)
		if err != nil {
			return installError(m, out, err)
		}
	}

	if err := os.WriteFile(marker, []byte(fingerprint+"\n"), 0o644); err != nil {
		return &model.InstallationError{Manifest: m.Path, Err: fmt.Errorf("failed to record manifest fingerprint: %w", err)}
	}
	return nil
}

// Start runs the entry point with the venv activated: its bin directory
// first on PATH and VIRTUAL_ENV set.
func (v *Venv) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	v.mu.Lock()
	dir := v.dir
	python := v.pythonLocked()
	v.mu.Unlock()

	if dir == "" {
		return nil, errors.New("environment not prepared")
	}

	program := spec.Program
	if spec.UseInterpreter {
		program = python
	}

	// #nosec G204 -- program and args come from operator configuration
	cmd := exec.Command(program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Env = append(activatedEnv(os.Environ(), dir), spec.Env...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", program, err)
	}
	v.log.Debug().Int("pid", cmd.Process.Pid).Str("program", program).Msg("process started")
	return newExecProcess(cmd), nil
}

// Teardown removes a venv this run created, unless Keep is set.
func (v *Venv) Teardown(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.owned || v.dir == "" {
		return nil
	}
	if v.opts.Keep {
		v.log.Info().Str("dir", v.dir).Msg("keeping virtual environment")
		return nil
	}
	if err := os.RemoveAll(v.dir); err != nil {
		return fmt.Errorf("failed to remove venv %s: %w", v.dir, err)
	}
	v.log.Debug().Str("dir", v.dir).Msg("removed virtual environment")
	v.dir = ""
	v.owned = false
	return nil
}

// pythonLocked returns the venv's interpreter path. Callers hold v.mu.
func (v *Venv) pythonLocked() string {
	return filepath.Join(v.dir, binDir(), pythonExe())
}

func binDir() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

func pythonExe() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return "python"
}

// activatedEnv returns env with the venv activated, replacing any
// existing PATH, VIRTUAL_ENV and PYTHONHOME entries.
func activatedEnv(env []string, dir string) []string {
	path := ""
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		switch strings.ToUpper(key) {
		case "PATH":
			path = value
		case "VIRTUAL_ENV", "PYTHONHOME":
		default:
			out = append(out, kv)
		}
	}

	bin := filepath.Join(dir, binDir())
	if path != "" {
		bin += string(os.PathListSeparator) + path
	}
	return append(out, "PATH="+bin, "VIRTUAL_ENV="+dir)
}

// execProcess adapts *exec.Cmd to Process.
type execProcess struct {
	cmd *exec.Cmd

	once sync.Once
	err  error
}

func newExecProcess(cmd *exec.Cmd) *execProcess {
	return &execProcess{cmd: cmd}
}

// Wait waits for exit; repeated calls return the same result.
func (p *execProcess) Wait() error {
	p.once.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &ExitStatusError{Code: exitErr.ExitCode()}
		}
		p.err = err
	})
	return p.err
}

// Interrupt sends os.Interrupt (SIGINT on Unix).
func (p *execProcess) Interrupt() error {
	if runtime.GOOS == "windows" {
		// Windows cannot deliver os.Interrupt to another process.
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

// Kill terminates the process.
func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
