package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeAPI is an in-memory stand-in for the Docker SDK client. It records
// calls and returns canned responses.
type fakeAPI struct {
	mu sync.Mutex

	pingErr    error
	images     []image.Summary
	pullBody   string
	pulled     []string
	created    []*container.Config
	hostConfig []*container.HostConfig
	startErr   error
	started    []string
	stopped    []string
	stopOpts   []container.StopOptions
	removed    []string
	containers []container.Summary

	execStdout   string
	execStderr   string
	execExitCode int
	execCmds     [][]string
	execBlock    bool
}

var _ API = (*fakeAPI)(nil)

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeAPI) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	return io.NopCloser(bytes.NewBufferString(f.pullBody)), nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	f.hostConfig = append(f.hostConfig, hc)
	return container.CreateResponse{ID: "c0ffee0123456789abcdef"}, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	f.stopOpts = append(f.stopOpts, opts)
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		return errors.New("no such container")
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return f.containers, nil
}

func (f *fakeAPI) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCmds = append(f.execCmds, opts.Cmd)
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	server, client := net.Pipe()

	if f.execBlock {
		// Never produce output; reads end only when the pipe is closed.
		go func() { _, _ = io.Copy(io.Discard, server) }()
		return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
	}
	_ = server.Close()

	var buf bytes.Buffer
	if f.execStdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.execStdout))
	}
	if f.execStderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.execStderr))
	}
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeAPI) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.execExitCode}, nil
}

func (f *fakeAPI) Close() error { return nil }
