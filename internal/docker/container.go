// container.go implements the sandbox lifecycle for the launcher's docker
// environment: image pull, create, start, exec, stop, remove, and
// label-based discovery of existing sandboxes.
//
// A sandbox is a long-lived container that idles ("sleep infinity") while
// the launcher execs the installer and then the entry point inside it.
// All sandboxes are identified by the "dil.managed-by" label.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/mmr-tortoise/dil/internal/model"
)

// ContainerWorkdir is where the host working directory is mounted.
const ContainerWorkdir = "/app"

// SandboxSpec describes a sandbox to create.
type SandboxSpec struct {
	// Name is the container name; empty lets Docker choose one.
	Name string

	// Image is the Python image reference, e.g. "python:3.12-slim".
	Image string

	// Manifest and Fingerprint record what will be installed.
	Manifest    string
	Fingerprint string

	// Workdir is the host directory bind-mounted at ContainerWorkdir.
	Workdir string

	// Host and Port form the published host address; the entry point
	// listens on the same port inside the container.
	Host string
	Port int

	// Env is passed to the idle process and inherited by execs.
	Env []string

	CreatedAt time.Time
}

// ExecSpec describes a command to run inside a sandbox.
type ExecSpec struct {
	Cmd        []string
	Env        []string
	WorkingDir string
}

// EnsureImage makes image available locally, pulling it when it is not
// already present. Pull progress is streamed to progress (may be nil).
func EnsureImage(ctx context.Context, cli *Client, ref string, progress io.Writer) error {
	images, err := cli.Inner().ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker images", err)
	}
	if len(images) > 0 {
		return nil
	}

	rc, err := cli.Inner().ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()

	if progress == nil {
		progress = io.Discard
	}
	// The pull only completes once the stream is drained.
	if _, err := io.Copy(progress, rc); err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	return nil
}

// CreateSandbox creates and starts a labeled sandbox container and
// returns its ID. A host port that is already taken is reported as a
// *model.AddressInUseError.
func CreateSandbox(ctx context.Context, cli *Client, spec SandboxSpec) (string, error) {
	containerPort := nat.Port(strconv.Itoa(spec.Port) + "/tcp")
	hostIP := spec.Host
	if hostIP == "localhost" {
		hostIP = "127.0.0.1"
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          []string{"sleep", "infinity"},
		WorkingDir:   ContainerWorkdir,
		Env:          spec.Env,
		Labels:       BuildLabels(spec),
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: hostIP, HostPort: strconv.Itoa(spec.Port)}},
		},
	}
	if spec.Workdir != "" {
		hostConfig.Binds = []string{spec.Workdir + ":" + ContainerWorkdir}
	}

	resp, err := cli.Inner().ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create sandbox from image %q", spec.Image),
			err,
		)
	}

	if err := StartContainer(ctx, cli, resp.ID); err != nil {
		// Leave nothing behind when the container never ran.
		_ = RemoveContainer(context.WithoutCancel(ctx), cli, resp.ID, true)
		if isPortConflict(err) {
			return "", &model.AddressInUseError{Host: spec.Host, Port: spec.Port, Err: err}
		}
		return "", err
	}
	return resp.ID, nil
}

// isPortConflict reports whether a daemon error means the host port is
// already bound.
func isPortConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "port is already allocated")
}

// Exec runs spec inside the container, streaming demultiplexed output to
// stdout and stderr, and returns the command's exit code. If ctx is
// cancelled the attachment is closed and ctx.Err() is returned; the
// process inside keeps running until the sandbox is stopped.
func Exec(ctx context.Context, cli *Client, containerID string, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	created, err := cli.Inner().ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec in %s: %w", shortID(containerID), err)
	}

	attach, err := cli.Inner().ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach to exec %s: %w", shortID(created.ID), err)
	}
	defer attach.Close()

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	copied := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- copyErr
	}()

	select {
	case copyErr := <-copied:
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			return -1, fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	case <-ctx.Done():
		attach.Close()
		<-copied
		return -1, ctx.Err()
	}

	inspect, err := cli.Inner().ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec %s: %w", shortID(created.ID), err)
	}
	return inspect.ExitCode, nil
}

// ListSandboxes returns every container carrying the launcher's
// management label, including stopped ones.
func ListSandboxes(ctx context.Context, cli *Client) ([]model.SandboxInfo, error) {
	filterArgs := filters.NewArgs()
	for k, v := range FilterLabels() {
		filterArgs.Add("label", k+"="+v)
	}

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	result := make([]model.SandboxInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, containerToSandbox(c))
	}
	return result, nil
}

// containerToSandbox maps a Docker container summary to SandboxInfo.
// Containers whose labels cannot be parsed still appear, with only the
// runtime fields populated.
func containerToSandbox(c container.Summary) model.SandboxInfo {
	info := model.SandboxInfo{Labels: c.Labels}
	if parsed, err := ParseLabels(c.Labels); err == nil {
		info = *parsed
	}

	// Docker returns names with a leading "/".
	if len(c.Names) > 0 {
		info.ContainerName = strings.TrimPrefix(c.Names[0], "/")
	}
	info.ContainerID = c.ID
	info.Status = c.State
	if info.Image == "" {
		info.Image = c.Image
	}
	return info
}

// StartContainer starts a created or stopped container.
func StartContainer(ctx context.Context, cli *Client, containerID string) error {
	err := cli.Inner().ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to start container %q", shortID(containerID)),
			err,
		)
	}
	return nil
}

// StopContainer stops a running container, sending SIGTERM and killing it
// after grace. A zero grace uses the daemon's default timeout.
func StopContainer(ctx context.Context, cli *Client, containerID string, grace time.Duration) error {
	opts := container.StopOptions{}
	if grace > 0 {
		seconds := int(grace.Round(time.Second) / time.Second)
		opts.Timeout = &seconds
	}
	if err := cli.Inner().ContainerStop(ctx, containerID, opts); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to stop container %q", shortID(containerID)),
			err,
		)
	}
	return nil
}

// RemoveContainer removes a container. With force it is killed first.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: force,
	})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", shortID(containerID)),
			err,
		)
	}
	return nil
}

// PruneSandboxes force-removes every launcher sandbox and returns the IDs
// that were removed. Failures are collected, not fatal.
func PruneSandboxes(ctx context.Context, cli *Client) ([]string, error) {
	sandboxes, err := ListSandboxes(ctx, cli)
	if err != nil {
		return nil, err
	}

	var (
		removed []string
		errs    []error
	)
	for _, sb := range sandboxes {
		if err := RemoveContainer(ctx, cli, sb.ContainerID, true); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, sb.ContainerID)
	}
	return removed, errors.Join(errs...)
}

// shortID truncates a container or exec ID for messages.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
