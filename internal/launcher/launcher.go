// Package launcher implements the bootstrap launcher: install the
// manifest into an isolated environment, then start the entry point on
// the fixed listen port and hold the foreground until it exits or the
// operator interrupts it.
//
// A Launcher drives one invocation through model.LaunchState:
//
//	NotStarted → Installing → Running → Stopped
//	Installing → Failed
//	Running → Failed
//
// Install always completes before anything is bound to the port, and an
// occupied port is reported as *model.AddressInUseError rather than
// worked around.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/dil/internal/environment"
	"github.com/mmr-tortoise/dil/internal/manifest"
	"github.com/mmr-tortoise/dil/internal/model"
	"github.com/mmr-tortoise/dil/internal/port"
)

// Options configures a Launcher.
type Options struct {
	// Manifest is the path of the dependency manifest.
	Manifest string

	// Entry is the program to start once dependencies are installed.
	Entry EntryPoint

	// Host and Port form the listen address handed to the entry point.
	Host string
	Port int

	// Workdir is the entry point's working directory; empty inherits
	// the launcher's. The docker environment always uses its mount.
	Workdir string

	// ReadyTimeout bounds how long the entry point has to answer on
	// every readiness path.
	ReadyTimeout time.Duration

	// GracePeriod is how long an interrupted entry point may take to
	// exit before it is killed.
	GracePeriod time.Duration

	// Env is the isolated environment for this run. The launcher owns
	// it: Run tears it down before returning.
	Env environment.Environment

	// Stdout and Stderr receive the entry point's output; nil uses the
	// launcher's own streams.
	Stdout io.Writer
	Stderr io.Writer

	Logger zerolog.Logger

	// OnStateChange, if set, is called after every state transition.
	OnStateChange func(from, to model.LaunchState)

	// Executable locates the running dil binary for the "self" entry
	// point; nil uses os.Executable.
	Executable func() (string, error)

	// HTTPClient performs readiness checks; nil uses a client with a
	// short per-request timeout.
	HTTPClient *http.Client
}

// Launcher runs one bootstrap invocation. It is not reusable: once
// Stopped or Failed, a new Launcher is needed.
type Launcher struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    model.LaunchState
	manifest *manifest.Manifest

	ready chan struct{}
}

// New validates opts and returns a launcher in StateNotStarted.
func New(opts Options) (*Launcher, error) {
	if opts.Env == nil {
		return nil, errors.New("launcher needs an environment")
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range (1-65535)", opts.Port)
	}
	if opts.Entry.Program == "" {
		return nil, errors.New("entry point must not be empty")
	}
	if opts.Entry.IsSelf() && opts.Env.Kind() == model.EnvDocker {
		return nil, model.NewCLIError(model.ExitGeneralError,
			`entry point "self" cannot run in a docker environment; configure a Python entry point`)
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Executable == nil {
		opts.Executable = os.Executable
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	return &Launcher{
		opts:  opts,
		log:   opts.Logger,
		state: model.StateNotStarted,
		ready: make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (l *Launcher) State() model.LaunchState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ready is closed once the entry point answers on every readiness path.
func (l *Launcher) Ready() <-chan struct{} {
	return l.ready
}

// URL returns the base URL the entry point serves.
func (l *Launcher) URL() string {
	return baseURL(l.opts.Host, l.opts.Port)
}

// Manifest returns the manifest loaded by Install; nil before.
func (l *Launcher) Manifest() *manifest.Manifest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manifest
}

// transition moves to next, rejecting moves the state machine forbids.
func (l *Launcher) transition(next model.LaunchState) error {
	l.mu.Lock()
	from := l.state
	if !from.CanTransition(next) {
		l.mu.Unlock()
		return fmt.Errorf("invalid launcher transition %s -> %s", from, next)
	}
	l.state = next
	l.mu.Unlock()

	l.log.Debug().Str("from", from.String()).Str("to", next.String()).Msg("state changed")
	if l.opts.OnStateChange != nil {
		l.opts.OnStateChange(from, next)
	}
	return nil
}

// fail moves to StateFailed and returns err.
func (l *Launcher) fail(err error) error {
	if terr := l.transition(model.StateFailed); terr != nil {
		l.log.Debug().Err(terr).Msg("failed state not reachable")
	}
	return err
}

// Run installs the manifest and starts the entry point, blocking until
// it exits or ctx is cancelled (the operator interrupt). The
// environment is torn down before Run returns.
//
// A nil return means the run ended in StateStopped.
func (l *Launcher) Run(ctx context.Context) (err error) {
	defer func() {
		if terr := l.opts.Env.Teardown(context.WithoutCancel(ctx)); terr != nil {
			l.log.Warn().Err(terr).Msg("environment teardown failed")
			if err == nil {
				err = terr
			}
		}
	}()

	if err := l.Install(ctx); err != nil {
		return err
	}
	return l.Start(ctx)
}

// Install loads the manifest and installs it into the environment.
//
// A missing manifest is an *model.InstallationError wrapping a CLIError
// with ExitManifestNotFound; parse and installer failures are plain
// *model.InstallationError. Either way the launcher ends in StateFailed
// and Start will refuse to run.
func (l *Launcher) Install(ctx context.Context) error {
	if err := l.transition(model.StateInstalling); err != nil {
		return err
	}

	m, err := manifest.Load(l.opts.Manifest)
	if err != nil {
		return l.fail(manifestError(l.opts.Manifest, err))
	}
	l.mu.Lock()
	l.manifest = m
	l.mu.Unlock()

	if err := l.opts.Env.Prepare(ctx); err != nil {
		return l.fail(asInstallationError(m.Path, err))
	}
	if err := l.opts.Env.Install(ctx, m); err != nil {
		return l.fail(asInstallationError(m.Path, err))
	}

	l.log.Info().Int("packages", len(m.Requirements)).Str("manifest", m.Path).Msg("dependencies installed")
	return nil
}

// asInstallationError wraps err unless it already is an
// *model.InstallationError. A CLIError inside (no interpreter, Docker
// down) still decides the exit code.
func asInstallationError(path string, err error) error {
	var instErr *model.InstallationError
	if errors.As(err, &instErr) {
		return err
	}
	return &model.InstallationError{Manifest: path, Err: err}
}

// manifestError classifies a manifest.Load failure.
func manifestError(path string, err error) error {
	if errors.Is(err, manifest.ErrNotFound) {
		return &model.InstallationError{
			Manifest: path,
			Err:      model.WrapCLIError(model.ExitManifestNotFound, "manifest not found", err),
		}
	}
	instErr := &model.InstallationError{Manifest: path, Err: err}
	var parseErr *manifest.ParseError
	if errors.As(err, &parseErr) {
		instErr.Package = parseErr.Text
	}
	return instErr
}

// Start spawns the entry point and holds the foreground until it exits
// or ctx is cancelled. It must follow a successful Install.
//
// Before spawning, the port is checked; an occupied port fails the run
// with *model.AddressInUseError. The docker environment published the
// port when its sandbox was created, so the daemon performed that check
// during Install instead.
func (l *Launcher) Start(ctx context.Context) error {
	if l.State() != model.StateInstalling {
		return fmt.Errorf("cannot start from state %s", l.State())
	}

	if l.opts.Env.Kind() != model.EnvDocker {
		if err := port.NewScannerForHost(l.opts.Host).Check(l.opts.Port); err != nil {
			return l.fail(err)
		}
	}

	spec, err := l.processSpec()
	if err != nil {
		return l.fail(model.WrapCLIError(model.ExitServerFailed, "failed to prepare entry point", err))
	}

	proc, err := l.opts.Env.Start(ctx, spec)
	if err != nil {
		return l.fail(model.WrapCLIError(model.ExitServerFailed,
			fmt.Sprintf("failed to start %s", l.opts.Entry), err))
	}
	if err := l.transition(model.StateRunning); err != nil {
		_ = proc.Kill()
		return err
	}
	l.log.Info().Str("entry", l.opts.Entry.String()).Str("url", l.URL()).Msg("server starting")

	return l.supervise(ctx, proc)
}

// processSpec builds the entry point's ProcessSpec.
func (l *Launcher) processSpec() (environment.ProcessSpec, error) {
	program, args, err := l.opts.Entry.command(l.opts.Executable, l.opts.Host, l.opts.Port)
	if err != nil {
		return environment.ProcessSpec{}, err
	}

	// Inside a sandbox the entry point must listen on every interface
	// for the published port to reach it.
	host := l.opts.Host
	if l.opts.Env.Kind() == model.EnvDocker {
		host = "0.0.0.0"
	}
	p := strconv.Itoa(l.opts.Port)

	return environment.ProcessSpec{
		Program:        program,
		Args:           args,
		UseInterpreter: program == "",
		Env:            []string{"DIL_HOST=" + host, "HOST=" + host, "DIL_PORT=" + p, "PORT=" + p},
		Dir:            l.opts.Workdir,
		Stdout:         l.opts.Stdout,
		Stderr:         l.opts.Stderr,
	}, nil
}

// supervise waits for the process while polling readiness, and handles
// the operator interrupt.
func (l *Launcher) supervise(ctx context.Context, proc environment.Process) error {
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	readyCtx, cancelReady := context.WithCancel(ctx)
	defer cancelReady()
	readyErr := make(chan error, 1)
	go func() {
		readyErr <- waitReady(readyCtx, l.opts.HTTPClient, l.URL(), l.opts.ReadyTimeout)
	}()

	isReady := false
	for {
		select {
		case err := <-exited:
			cancelReady()
			return l.exited(err, isReady)

		case err := <-readyErr:
			readyErr = nil
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				l.log.Error().Err(err).Msg("server did not become ready")
				l.shutdown(proc, exited)
				return l.fail(model.WrapCLIError(model.ExitServerFailed, "server did not become ready", err))
			}
			isReady = true
			close(l.ready)
			l.log.Info().Str("dashboard", l.URL()+"/").Str("docs", l.URL()+"/docs").Msg("server ready")

		case <-ctx.Done():
			l.log.Info().Msg("interrupt received; stopping server")
			l.shutdown(proc, exited)
			return l.transition(model.StateStopped)
		}
	}
}

// exited maps an unprompted process exit to the final state.
func (l *Launcher) exited(err error, wasReady bool) error {
	if err == nil {
		l.log.Info().Msg("server exited")
		return l.transition(model.StateStopped)
	}
	msg := "server exited with an error"
	if !wasReady {
		msg = "server exited before becoming ready"
	}
	return l.fail(model.WrapCLIError(model.ExitServerFailed, msg, err))
}

// shutdown interrupts the process and kills it if it outlives the grace
// period. It returns once the process has exited.
func (l *Launcher) shutdown(proc environment.Process, exited <-chan error) {
	if err := proc.Interrupt(); err != nil {
		l.log.Warn().Err(err).Msg("interrupt failed; killing server")
		_ = proc.Kill()
		<-exited
		return
	}

	timer := time.NewTimer(l.opts.GracePeriod)
	defer timer.Stop()
	select {
	case err := <-exited:
		if err != nil {
			l.log.Debug().Err(err).Msg("server exit after interrupt")
		}
	case <-timer.C:
		l.log.Warn().Dur("grace_period", l.opts.GracePeriod).Msg("server ignored interrupt; killing")
		if err := proc.Kill(); err != nil {
			l.log.Error().Err(err).Msg("kill failed")
		}
		<-exited
	}
}
