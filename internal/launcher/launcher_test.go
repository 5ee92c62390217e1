package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/dil/internal/environment"
	"github.com/mmr-tortoise/dil/internal/manifest"
	"github.com/mmr-tortoise/dil/internal/model"
)

// TestHelperProcess is re-executed as the entry point by launcher tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}

	switch args[1] {
	case "exit":
		var code int
		_, _ = fmt.Sscanf(args[2], "%d", &code)
		os.Exit(code)
	case "serve", "serve-no-docs", "stubborn":
		helperServe(args[1])
	}
	os.Exit(2)
}

// helperServe listens on DIL_HOST:DIL_PORT and serves / (and /docs unless
// mode is serve-no-docs). SIGINT exits 0, except in stubborn mode.
func helperServe(mode string) {
	sig := make(chan os.Signal, 1)
	if mode == "stubborn" {
		signal.Ignore(os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(os.Getenv("DIL_HOST"), os.Getenv("DIL_PORT")))
	if err != nil {
		os.Exit(98)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "dashboard") })
	if mode != "serve-no-docs" {
		mux.HandleFunc("/docs", func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "docs") })
	}
	go func() { _ = http.Serve(ln, mux) }()

	select {
	case <-sig:
		_ = ln.Close()
		os.Exit(0)
	case <-time.After(30 * time.Second):
		os.Exit(9)
	}
}

// fakeEnv runs entry points as local processes and records lifecycle
// calls.
type fakeEnv struct {
	kind       model.EnvironmentKind
	installErr error
	prepareErr error
	mode       []string

	mu        sync.Mutex
	installed []*manifest.Manifest
	started   []environment.ProcessSpec
	tornDown  int
}

func (f *fakeEnv) Kind() model.EnvironmentKind {
	if f.kind == "" {
		return model.EnvVenv
	}
	return f.kind
}

func (f *fakeEnv) Prepare(context.Context) error { return f.prepareErr }

func (f *fakeEnv) Install(_ context.Context, m *manifest.Manifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		return f.installErr
	}
	f.installed = append(f.installed, m)
	return nil
}

// Start ignores the entry point and runs the helper in f.mode, passing
// the launcher's environment variables through.
func (f *fakeEnv) Start(_ context.Context, spec environment.ProcessSpec) (environment.Process, error) {
	f.mu.Lock()
	f.started = append(f.started, spec)
	f.mu.Unlock()

	cmd := exec.Command(os.Args[0], append([]string{"-test.run=TestHelperProcess", "--"}, f.mode...)...)
	cmd.Env = append(append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdProcess{cmd: cmd}, nil
}

func (f *fakeEnv) Teardown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown++
	return nil
}

type cmdProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

func (p *cmdProcess) Wait() error {
	p.once.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &environment.ExitStatusError{Code: exitErr.ExitCode()}
		}
		p.err = err
	})
	return p.err
}

func (p *cmdProcess) Interrupt() error { return p.cmd.Process.Signal(os.Interrupt) }
func (p *cmdProcess) Kill() error      { return p.cmd.Process.Kill() }

// freePort returns a currently unused loopback port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return p
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requirements.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// newTestLauncher builds a launcher for env with a fresh port.
func newTestLauncher(t *testing.T, env *fakeEnv, manifestPath string) (*Launcher, *[]model.LaunchState) {
	t.Helper()
	var (
		mu     sync.Mutex
		states []model.LaunchState
	)
	l, err := New(Options{
		Manifest:     manifestPath,
		Entry:        EntryPoint{Program: "app.py"},
		Host:         "127.0.0.1",
		Port:         freePort(t),
		ReadyTimeout: 10 * time.Second,
		GracePeriod:  2 * time.Second,
		Env:          env,
		Stdout:       io.Discard,
		Stderr:       io.Discard,
		Logger:       zerolog.Nop(),
		OnStateChange: func(_, to model.LaunchState) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, to)
		},
	})
	require.NoError(t, err)
	return l, &states
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("SIGINT delivery is not supported on Windows")
	}
}

func TestNew_Validation(t *testing.T) {
	env := &fakeEnv{}
	tests := []struct {
		name string
		opts Options
	}{
		{"no environment", Options{Entry: EntryPoint{Program: "self"}, Port: 8000}},
		{"bad port", Options{Env: env, Entry: EntryPoint{Program: "self"}, Port: 0}},
		{"no entry", Options{Env: env, Port: 8000}},
		{"self in docker", Options{Env: &fakeEnv{kind: model.EnvDocker}, Entry: EntryPoint{Program: "self"}, Port: 8000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestRun_ServesUntilInterrupted(t *testing.T) {
	skipOnWindows(t)
	env := &fakeEnv{mode: []string{"serve"}}
	l, states := newTestLauncher(t, env, writeManifest(t, "fastapi\nuvicorn\n"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-l.Ready():
	case err := <-done:
		t.Fatalf("run ended before ready: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("server never became ready")
	}
	assert.Equal(t, model.StateRunning, l.State())

	for _, path := range []string{"/", "/docs"} {
		resp, err := http.Get(l.URL() + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after interrupt")
	}

	assert.Equal(t, model.StateStopped, l.State())
	assert.Equal(t, []model.LaunchState{model.StateInstalling, model.StateRunning, model.StateStopped}, *states)
	assert.Equal(t, 1, env.tornDown)
	require.Len(t, env.installed, 1)
	assert.Equal(t, []string{"fastapi", "uvicorn"}, env.installed[0].Names())

	spec := env.started[0]
	assert.True(t, spec.UseInterpreter)
	assert.Equal(t, []string{"app.py"}, spec.Args)
	assert.Contains(t, spec.Env, fmt.Sprintf("PORT=%d", l.opts.Port))
	assert.Contains(t, spec.Env, "DIL_HOST=127.0.0.1")
}

func TestRun_KillsAfterGracePeriod(t *testing.T) {
	skipOnWindows(t)
	env := &fakeEnv{mode: []string{"stubborn"}}
	l, _ := newTestLauncher(t, env, writeManifest(t, "fastapi\n"))
	l.opts.GracePeriod = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-l.Ready():
	case <-time.After(15 * time.Second):
		t.Fatal("server never became ready")
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after kill")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.StateStopped, l.State())
}

func TestRun_InstallFailureNeverBindsPort(t *testing.T) {
	env := &fakeEnv{
		mode:       []string{"serve"},
		installErr: &model.InstallationError{Manifest: "requirements.txt", Package: "nosuchpkg", Err: errors.New("exit status 1")},
	}
	l, states := newTestLauncher(t, env, writeManifest(t, "nosuchpkg\n"))

	err := l.Run(context.Background())
	var instErr *model.InstallationError
	require.True(t, errors.As(err, &instErr))
	assert.Equal(t, "nosuchpkg", instErr.Package)

	assert.Equal(t, model.StateFailed, l.State())
	assert.Equal(t, []model.LaunchState{model.StateInstalling, model.StateFailed}, *states)
	assert.Empty(t, env.started, "entry point must not start after a failed install")
	assert.Equal(t, 1, env.tornDown)
}

func TestRun_ManifestNotFound(t *testing.T) {
	env := &fakeEnv{}
	l, _ := newTestLauncher(t, env, filepath.Join(t.TempDir(), "missing.txt"))

	err := l.Run(context.Background())

	var instErr *model.InstallationError
	require.True(t, errors.As(err, &instErr))
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitManifestNotFound, cliErr.Code)
	assert.ErrorIs(t, err, manifest.ErrNotFound)
	assert.Equal(t, model.StateFailed, l.State())
}

func TestRun_ManifestParseError(t *testing.T) {
	env := &fakeEnv{}
	l, _ := newTestLauncher(t, env, writeManifest(t, "fastapi\n-r other.txt\n"))

	err := l.Run(context.Background())
	var instErr *model.InstallationError
	require.True(t, errors.As(err, &instErr))
	assert.Equal(t, "-r other.txt", instErr.Package)
	assert.Empty(t, env.installed)
}

func TestRun_AddressInUse(t *testing.T) {
	env := &fakeEnv{mode: []string{"serve"}}
	l, states := newTestLauncher(t, env, writeManifest(t, "fastapi\n"))

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.opts.Port))
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	err = l.Run(context.Background())
	var inUse *model.AddressInUseError
	require.True(t, errors.As(err, &inUse))
	assert.Equal(t, l.opts.Port, inUse.Port)
	assert.NotEqual(t, l.opts.Port, inUse.Suggestion)

	assert.Empty(t, env.started)
	assert.Equal(t, []model.LaunchState{model.StateInstalling, model.StateFailed}, *states)
}

func TestRun_ExitBeforeReady(t *testing.T) {
	env := &fakeEnv{mode: []string{"exit", "3"}}
	l, _ := newTestLauncher(t, env, writeManifest(t, "fastapi\n"))

	err := l.Run(context.Background())
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitServerFailed, cliErr.Code)

	var exitErr *environment.ExitStatusError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, model.StateFailed, l.State())
}

func TestRun_CleanExitStops(t *testing.T) {
	env := &fakeEnv{mode: []string{"exit", "0"}}
	l, _ := newTestLauncher(t, env, writeManifest(t, "fastapi\n"))

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, model.StateStopped, l.State())
}

func TestRun_NotReadyWithinTimeout(t *testing.T) {
	skipOnWindows(t)
	env := &fakeEnv{mode: []string{"serve-no-docs"}}
	l, _ := newTestLauncher(t, env, writeManifest(t, "fastapi\n"))
	l.opts.ReadyTimeout = time.Second

	err := l.Run(context.Background())
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitServerFailed, cliErr.Code)
	assert.Contains(t, err.Error(), "/docs")
	assert.Equal(t, model.StateFailed, l.State())
}

func TestStart_RequiresInstall(t *testing.T) {
	l, _ := newTestLauncher(t, &fakeEnv{}, writeManifest(t, ""))

	err := l.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, model.StateNotStarted, l.State())
}

func TestInstall_OnlyOnce(t *testing.T) {
	env := &fakeEnv{}
	l, _ := newTestLauncher(t, env, writeManifest(t, "fastapi\n"))

	require.NoError(t, l.Install(context.Background()))
	assert.Error(t, l.Install(context.Background()))
	assert.Len(t, env.installed, 1)
	assert.Equal(t, []string{"fastapi"}, l.Manifest().Names())
}

func TestProcessSpec_DockerListensOnAllInterfaces(t *testing.T) {
	l, err := New(Options{
		Entry:  EntryPoint{Program: "-m", Args: []string{"app"}},
		Host:   "localhost",
		Port:   8000,
		Env:    &fakeEnv{kind: model.EnvDocker},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	spec, err := l.processSpec()
	require.NoError(t, err)
	assert.True(t, spec.UseInterpreter)
	assert.Equal(t, []string{"-m", "app"}, spec.Args)
	assert.Contains(t, spec.Env, "DIL_HOST=0.0.0.0")
	assert.Contains(t, spec.Env, "DIL_PORT=8000")
}

func TestProcessSpec_Self(t *testing.T) {
	l, err := New(Options{
		Entry:      EntryPoint{Program: "self", Args: []string{"--ledger", ":memory:"}},
		Host:       "localhost",
		Port:       8000,
		Env:        &fakeEnv{},
		Logger:     zerolog.Nop(),
		Executable: func() (string, error) { return "/usr/local/bin/dil", nil },
	})
	require.NoError(t, err)

	spec, err := l.processSpec()
	require.NoError(t, err)
	assert.False(t, spec.UseInterpreter)
	assert.Equal(t, "/usr/local/bin/dil", spec.Program)
	assert.Equal(t, []string{"serve", "--host", "localhost", "--port", "8000", "--ledger", ":memory:"}, spec.Args)
}
