// Package model defines the domain types for the dil CLI.
//
// The launcher lifecycle is a small state machine:
//
//	NotStarted → Installing → Running → Stopped
//	Installing → Failed
//	Running → Failed
//
// Stopped and Failed are terminal for a given invocation. A new
// invocation always begins again at NotStarted.
package model

import (
	"fmt"
	"strings"
	"time"
)

// LaunchState represents the lifecycle state of a single launcher invocation.
type LaunchState string

const (
	// StateNotStarted is the initial state before any work has been done.
	StateNotStarted LaunchState = "not_started"

	// StateInstalling indicates the dependency manifest is being installed
	// into the run's environment.
	StateInstalling LaunchState = "installing"

	// StateRunning indicates the entry point process has been spawned and
	// the launcher is waiting for it to exit.
	StateRunning LaunchState = "running"

	// StateStopped indicates the entry point exited cleanly, either on its
	// own or after an operator interrupt.
	StateStopped LaunchState = "stopped"

	// StateFailed indicates installation or the server process failed.
	StateFailed LaunchState = "failed"
)

// transitions is the complete table of allowed state changes.
// Any pair not listed here is rejected by CanTransition.
var transitions = map[LaunchState][]LaunchState{
	StateNotStarted: {StateInstalling},
	StateInstalling: {StateRunning, StateFailed},
	StateRunning:    {StateStopped, StateFailed},
}

// String returns the string representation of LaunchState.
// This method satisfies the fmt.Stringer interface, enabling
// human-readable output in CLI commands and logging.
func (s LaunchState) String() string {
	return string(s)
}

// IsValid checks whether the LaunchState value is one of the
// predefined valid states.
func (s LaunchState) IsValid() bool {
	switch s {
	case StateNotStarted, StateInstalling, StateRunning, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible from s.
func (s LaunchState) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s LaunchState) CanTransition(next LaunchState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseLaunchState converts a string to a LaunchState.
// Returns an error if the string does not match any valid state.
func ParseLaunchState(s string) (LaunchState, error) {
	state := LaunchState(strings.ToLower(s))
	if !state.IsValid() {
		return "", fmt.Errorf("invalid launch state: %q (valid: not_started, installing, running, stopped, failed)", s)
	}
	return state, nil
}

// EnvironmentKind selects how the launcher isolates installed dependencies.
type EnvironmentKind string

const (
	// EnvVenv creates a throwaway Python virtual environment per run.
	EnvVenv EnvironmentKind = "venv"

	// EnvDocker creates a throwaway labeled container per run.
	EnvDocker EnvironmentKind = "docker"
)

// String returns the string representation of EnvironmentKind.
func (k EnvironmentKind) String() string {
	return string(k)
}

// ParseEnvironmentKind converts a string to an EnvironmentKind.
func ParseEnvironmentKind(s string) (EnvironmentKind, error) {
	kind := EnvironmentKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case EnvVenv, EnvDocker:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid environment kind: %q (valid: venv, docker)", s)
	}
}

// SandboxInfo holds runtime information about a docker sandbox created
// by the launcher. This data is fetched from the Docker API, not persisted.
type SandboxInfo struct {
	// ContainerID is the unique Docker container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable Docker container name.
	ContainerName string `json:"containerName"`

	// Status is the Docker container state (e.g., "running", "exited").
	Status string `json:"status"`

	// Manifest is the manifest path the sandbox was created for.
	Manifest string `json:"manifest"`

	// Fingerprint is the manifest fingerprint installed into the sandbox.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Image is the container image the sandbox runs.
	Image string `json:"image"`

	// Port is the host port published by the sandbox.
	Port int `json:"port"`

	// CreatedAt is when the launcher created the sandbox.
	CreatedAt time.Time `json:"createdAt"`

	// Labels is the full set of Docker labels on the container.
	Labels map[string]string `json:"labels,omitempty"`
}
