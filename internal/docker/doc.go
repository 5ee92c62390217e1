// Package docker provides Docker Engine API wrappers and sandbox
// lifecycle management for the dil launcher's docker environment.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Container labels that record sandbox metadata (labels are the
//     sole state storage for sandboxes)
//   - Sandbox lifecycle: image pull, create, start, exec, stop, remove
//   - Discovery of existing sandboxes for listing and pruning
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
