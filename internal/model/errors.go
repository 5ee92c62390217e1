package model

import (
	"fmt"
	"strings"
)

// ExitCode defines standard CLI exit codes.
// These codes allow scripts and CI systems to programmatically determine
// the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitManifestNotFound indicates the dependency manifest was not found
	// at the configured path.
	ExitManifestNotFound ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitAddressInUse indicates the fixed listen port is already bound.
	ExitAddressInUse ExitCode = 4

	// ExitInstallationFailed indicates one or more packages could not be
	// resolved or installed.
	ExitInstallationFailed ExitCode = 5

	// ExitRuntimeNotFound indicates no compatible interpreter was found.
	ExitRuntimeNotFound ExitCode = 6

	// ExitServerFailed indicates the entry point process failed to start,
	// never became ready, or exited with a non-zero status.
	ExitServerFailed ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// InstallationError reports that the dependency manifest could not be
// resolved or installed. It is fatal: the launcher must not proceed to
// start the server after returning one.
type InstallationError struct {
	// Manifest is the path of the manifest being installed.
	Manifest string

	// Package names the offending requirement when it is known
	// (e.g., a line that failed to parse). Empty when the installer
	// failed as a whole.
	Package string

	// Output holds the tail of the installer's combined output, if any.
	Output string

	// Err is the underlying cause.
	Err error
}

// Error formats the failure with the manifest, package and cause.
func (e *InstallationError) Error() string {
	var b strings.Builder
	b.WriteString("installation failed")
	if e.Manifest != "" {
		fmt.Fprintf(&b, " for %s", e.Manifest)
	}
	if e.Package != "" {
		fmt.Fprintf(&b, " (package %q)", e.Package)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *InstallationError) Unwrap() error {
	return e.Err
}

// AddressInUseError reports that the listen port is already bound by
// another process. The launcher never retries or picks another port;
// Suggestion is only a hint for the operator.
type AddressInUseError struct {
	// Host is the host part of the listen address.
	Host string

	// Port is the port that could not be bound.
	Port int

	// Suggestion is a currently free port the operator may pass with
	// --port. Zero when none was found.
	Suggestion int

	// Err is the underlying bind error, if any.
	Err error
}

// Error formats the address and, when present, the operator hint.
func (e *AddressInUseError) Error() string {
	msg := fmt.Sprintf("address %s:%d already in use", e.Host, e.Port)
	if e.Suggestion > 0 {
		msg += fmt.Sprintf(" (port %d is free; pass --port %d to use it)", e.Suggestion, e.Suggestion)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *AddressInUseError) Unwrap() error {
	return e.Err
}
