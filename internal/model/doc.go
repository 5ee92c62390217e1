// Package model defines the domain types and value objects for the
// dil CLI and its integrity service.
//
// This package contains pure data structures with no external dependencies.
// It covers two areas:
//   - The launcher lifecycle (LaunchState and its transition table)
//   - The integrity ledger (AuditRequest, AuditRecord, Decision, etc.)
//
// The package also defines exit codes (ExitCode), a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling,
// and the two fatal launcher failures: InstallationError and
// AddressInUseError.
package model
