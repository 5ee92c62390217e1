package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/dil/internal/docker"
	"github.com/mmr-tortoise/dil/internal/manifest"
	"github.com/mmr-tortoise/dil/internal/model"
)

// sandboxPython is the interpreter inside official Python images.
const sandboxPython = "python"

// signalTimeout bounds the helper exec that delivers an interrupt.
const signalTimeout = 5 * time.Second

// Sandbox is a per-run Docker container environment.
type Sandbox struct {
	cli  *docker.Client
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	id          string
	fingerprint string
}

// NewSandbox returns an unprepared docker environment using cli.
func NewSandbox(cli *docker.Client, opts Options) *Sandbox {
	return &Sandbox{
		cli:  cli,
		opts: opts,
		log:  opts.Logger.With().Str("env", "docker").Logger(),
	}
}

// Kind reports model.EnvDocker.
func (s *Sandbox) Kind() model.EnvironmentKind { return model.EnvDocker }

// ContainerID returns the sandbox container ID; empty before Prepare.
func (s *Sandbox) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Prepare checks the daemon, makes the image available and starts an
// idle sandbox container with the port published.
func (s *Sandbox) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return nil
	}
	if err := s.cli.Ping(ctx); err != nil {
		return err
	}

	s.log.Info().Str("image", s.opts.Image).Msg("preparing sandbox image")
	if err := docker.EnsureImage(ctx, s.cli, s.opts.Image, nil); err != nil {
		return err
	}

	id, err := docker.CreateSandbox(ctx, s.cli, docker.SandboxSpec{
		Image:       s.opts.Image,
		Manifest:    s.opts.Manifest,
		Fingerprint: s.opts.Fingerprint,
		Workdir:     s.opts.Workdir,
		Host:        s.opts.Host,
		Port:        s.opts.Port,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return err
	}
	s.id = id
	s.log.Info().Str("container", id[:min(12, len(id))]).Msg("sandbox started")
	return nil
}

// Install runs pip inside the sandbox. Repeating an install of the same
// manifest fingerprint within one sandbox is a no-op.
func (s *Sandbox) Install(ctx context.Context, m *manifest.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" {
		return &model.InstallationError{Manifest: m.Path, Err: errors.New("environment not prepared")}
	}

	fingerprint := m.Fingerprint()
	if s.fingerprint == fingerprint {
		s.log.Info().Msg("manifest already installed")
		return nil
	}

	if len(m.Requirements) > 0 {
		s.log.Info().Int("packages", len(m.Requirements)).Str("manifest", m.Path).Msg("installing dependencies")

		var buf bytes.Buffer
		var w io.Writer = &buf
		if s.opts.Output != nil {
			w = io.MultiWriter(&buf, s.opts.Output)
		}

		cmd := append([]string{sandboxPython}, pipInstallArgs(m)...)
		code, err := docker.Exec(ctx, s.cli, s.id, docker.ExecSpec{Cmd: cmd}, w, w)
		if err != nil {
			return installError(m, buf.Bytes(), err)
		}
		if code != 0 {
			return installError(m, buf.Bytes(), &ExitStatusError{Code: code})
		}
	}

	s.fingerprint = fingerprint
	return nil
}

// Start execs the entry point inside the sandbox. Output is streamed to
// spec.Stdout and spec.Stderr.
func (s *Sandbox) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()

	if id == "" {
		return nil, errors.New("environment not prepared")
	}
	if !spec.UseInterpreter && spec.Program == "" {
		return nil, errors.New("no program to run")
	}

	cmd := make([]string, 0, len(spec.Args)+1)
	if spec.UseInterpreter {
		cmd = append(cmd, sandboxPython)
	} else {
		cmd = append(cmd, spec.Program)
	}
	cmd = append(cmd, spec.Args...)

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &sandboxProcess{sandbox: s, id: id, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		code, err := docker.Exec(execCtx, s.cli, id, docker.ExecSpec{
			Cmd:        cmd,
			Env:        spec.Env,
			WorkingDir: docker.ContainerWorkdir,
		}, spec.Stdout, spec.Stderr)
		switch {
		case err != nil:
			p.err = err
		case code != 0:
			p.err = &ExitStatusError{Code: code}
		}
	}()

	s.log.Debug().Strs("cmd", cmd).Msg("process started")
	return p, nil
}

// Teardown stops and removes the sandbox unless Keep is set.
func (s *Sandbox) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" {
		return nil
	}
	if s.opts.Keep {
		s.log.Info().Str("container", s.id).Msg("keeping sandbox")
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	if err := docker.StopContainer(ctx, s.cli, s.id, s.opts.GracePeriod); err != nil {
		s.log.Warn().Err(err).Msg("sandbox stop failed; forcing removal")
	}
	if err := docker.RemoveContainer(ctx, s.cli, s.id, true); err != nil {
		return err
	}
	s.log.Debug().Str("container", s.id).Msg("sandbox removed")
	s.id = ""
	s.fingerprint = ""
	return nil
}

// sandboxProcess is an entry point exec'd inside a sandbox.
type sandboxProcess struct {
	sandbox *Sandbox
	id      string
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Wait blocks until the exec finishes.
func (p *sandboxProcess) Wait() error {
	<-p.done
	return p.err
}

// Interrupt sends SIGINT to every process in the sandbox except the idle
// init process, using the shell's kill builtin.
func (p *sandboxProcess) Interrupt() error {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	code, err := docker.Exec(ctx, p.sandbox.cli, p.id, docker.ExecSpec{
		Cmd: []string{"sh", "-c", "kill -INT -1"},
	}, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to interrupt sandbox process: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("failed to interrupt sandbox process: %w", &ExitStatusError{Code: code})
	}
	return nil
}

// Kill stops the sandbox container, which ends the exec.
func (p *sandboxProcess) Kill() error {
	defer p.cancel()
	return docker.StopContainer(context.Background(), p.sandbox.cli, p.id, time.Second)
}
