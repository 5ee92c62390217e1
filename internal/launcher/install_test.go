package launcher

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/dil/internal/logging"
	"github.com/mmr-tortoise/dil/internal/model"
)

// TestInstall_PrepareFailureIsInstallationError verifies that a broken
// environment setup (e.g. "python -m venv" failing) exits like any other
// installation failure.
func TestInstall_PrepareFailureIsInstallationError(t *testing.T) {
	env := &fakeEnv{prepareErr: errors.New("failed to create virtual environment: exit status 1")}
	path := writeManifest(t, "fastapi\n")
	l, states := newTestLauncher(t, env, path)

	err := l.Run(context.Background())

	var instErr *model.InstallationError
	require.True(t, errors.As(err, &instErr))
	assert.Equal(t, path, instErr.Manifest)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Empty(t, env.installed)
	assert.Equal(t, []model.LaunchState{model.StateInstalling, model.StateFailed}, *states)
}

// TestInstall_PrepareKeepsExitCode verifies that a CLIError from setup
// (no interpreter, Docker down) survives the wrapping.
func TestInstall_PrepareKeepsExitCode(t *testing.T) {
	env := &fakeEnv{prepareErr: model.NewCLIError(model.ExitDockerNotRunning, "Docker daemon is not responding")}
	l, _ := newTestLauncher(t, env, writeManifest(t, "fastapi\n"))

	err := l.Install(context.Background())

	var instErr *model.InstallationError
	require.True(t, errors.As(err, &instErr))
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitDockerNotRunning, cliErr.Code)
}

func TestAsInstallationError_KeepsExisting(t *testing.T) {
	orig := &model.InstallationError{Manifest: "requirements.txt", Package: "nosuchpkg"}
	assert.Same(t, orig, asInstallationError("other.txt", orig))
}

func TestProcessSpec_Workdir(t *testing.T) {
	l, _ := newTestLauncher(t, &fakeEnv{}, writeManifest(t, ""))
	l.opts.Workdir = "/srv/app"

	spec, err := l.processSpec()
	require.NoError(t, err)
	assert.Equal(t, "/srv/app", spec.Dir)
}

// TestLauncher_LogsComponentOnce checks that a component logger handed
// to the launcher is not tagged a second time.
func TestLauncher_LogsComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	log := logging.Build(&buf, logging.Config{Level: zerolog.DebugLevel, JSON: true})
	l, err := New(Options{
		Manifest: writeManifest(t, "fastapi\n"),
		Entry:    EntryPoint{Program: "app.py"},
		Host:     "127.0.0.1",
		Port:     8000,
		Env:      &fakeEnv{},
		Logger:   log.With().Str("component", "launcher").Logger(),
	})
	require.NoError(t, err)

	require.NoError(t, l.Install(context.Background()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"component"`), line)
	}
}
