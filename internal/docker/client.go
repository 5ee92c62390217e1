package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mmr-tortoise/dil/internal/model"
)

// defaultPingTimeout is the maximum duration to wait for a Docker daemon
// response during a Ping operation. 5 seconds leaves room for Docker
// Desktop on macOS, which answers noticeably slower than native Linux
// Docker, while still failing fast enough for an interactive launch.
const defaultPingTimeout = 5 * time.Second

// API is the subset of the Docker Engine SDK used by this package.
//
// *client.Client satisfies it; tests substitute a fake that records
// calls and returns canned exec results, so the sandbox lifecycle can be
// exercised without a daemon. Only methods the sandbox actually calls
// belong here: every addition is one more method each fake must stub.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

var _ API = (*client.Client)(nil)

// Client wraps the Docker Engine SDK client. It handles automatic Docker
// socket detection across platforms and exposes the sandbox operations
// the launcher needs.
//
// Usage:
//
//	c, err := docker.NewClient()
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* Docker not running */ }
type Client struct {
	// inner is the Docker SDK client (or a test fake). It is wrapped
	// rather than embedded so that the exposed surface stays limited to
	// what the sandbox needs.
	inner API
}

// NewClient creates a new Docker client with automatic socket detection.
//
// The detection strategy follows this priority order:
//  1. DOCKER_HOST environment variable (if set, used as-is)
//  2. Platform-specific default socket paths:
//     - Linux: /var/run/docker.sock
//     - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//     - Windows: npipe:////./pipe/docker_engine (Docker Named Pipe)
//
// Returns a model.CLIError with ExitDockerNotRunning if no Docker socket
// is found or the client cannot be created.
func NewClient() (*Client, error) {
	// Step 1: An explicit DOCKER_HOST always wins. The SDK parses the
	// connection string, so tcp://, ssh:// and unix:// all work.
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		return newClientWithHost(dockerHost)
	}

	// Step 2: Fall back to the platform's default socket locations.
	host, err := detectDockerHost()
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker socket not found",
			err,
		)
	}

	return newClientWithHost(host)
}

// NewClientWithAPI wraps an existing API implementation. Tests use it to
// hand a fake to the sandbox environment.
func NewClientWithAPI(api API) *Client {
	return &Client{inner: api}
}

// newClientWithHost creates a Docker client connected to the specified host,
// e.g. "unix:///var/run/docker.sock" or "npipe:////./pipe/docker_engine".
func newClientWithHost(host string) (*Client, error) {
	// client.NewClientWithOpts builds the SDK client:
	//   - client.WithHost sets the daemon address.
	//   - client.WithAPIVersionNegotiation lets the client fall back to
	//     the daemon's API version, so an older Docker Engine still works
	//     without a hardcoded version.
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host),
			err,
		)
	}

	return &Client{inner: c}, nil
}

// detectDockerHost determines the Docker socket path for the current platform.
// It checks known socket paths and returns the first one that exists.
//
// Only existence is checked here, which is fast and works without a
// running daemon. Whether the daemon actually answers is Ping's job, so
// "Docker not installed" and "Docker not started" stay distinguishable.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// Linux (including rootful Docker in WSL2) uses the standard path.
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
		})

	case "darwin":
		// macOS has two possible socket locations:
		//  1. /var/run/docker.sock, the symlink Docker Desktop creates
		//     when it has permission to.
		//  2. ~/.docker/run/docker.sock, the per-user socket that newer
		//     Docker Desktop versions may create instead.
		homeDir, err := os.UserHomeDir()
		if err != nil {
			// Without a home directory only the system path is left.
			return detectUnixSocket([]string{
				"/var/run/docker.sock",
			})
		}
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
			homeDir + "/.docker/run/docker.sock",
		})

	case "windows":
		// Docker Desktop on Windows listens on a fixed named pipe. os.Stat
		// does not work on named pipes, so try a brief dial instead.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, 1*time.Second)
		if err == nil {
			// Close the test connection right away; the SDK dials its own.
			_ = conn.Close()
			return "npipe://" + pipePath, nil
		}
		return "", fmt.Errorf("Docker named pipe not found at %s: %w", pipePath, err)

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectUnixSocket returns the Docker host URI for the first existing
// socket in paths, which are ordered most-preferred first.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		// A successful Stat shows the socket file exists. It does not show
		// that a daemon is listening on it; Ping checks that.
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf(
		"Docker socket not found at any of: %v (is Docker running?)",
		paths,
	)
}

// Ping verifies that the Docker daemon is reachable and responsive,
// waiting up to defaultPingTimeout.
//
// Returns a model.CLIError with ExitDockerNotRunning if the daemon
// does not respond or returns an error.
func (c *Client) Ping(ctx context.Context) error {
	// Bound the call even when ctx has no deadline, since a hung daemon
	// would otherwise stall the launch before installation starts.
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker daemon is not responding (is Docker running?)",
			err,
		)
	}
	return nil
}

// Close releases all resources held by the Docker client.
// Close is safe to call multiple times.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Inner returns the underlying Docker API for operations that are not
// exposed through this package.
func (c *Client) Inner() API {
	return c.inner
}
