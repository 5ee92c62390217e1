// Package config loads dil configuration from layered sources using koanf.
//
// Precedence (highest to lowest): CLI flags > DIL_* environment variables
// > config file (dil.yaml, dil.yml, dil.jsonc or dil.json) > defaults.
//
// Config files may be YAML or JSON with comments. The JSONC form is
// stripped with github.com/tidwall/jsonc before decoding, the same way
// editor-style configuration files are usually handled.
package config

import "time"

// Default values.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 8000
	DefaultManifest      = "requirements.txt"
	DefaultEntry         = "self"
	DefaultReadyTimeout  = 60 * time.Second
	DefaultGracePeriod   = 10 * time.Second
	DefaultEnvKind       = "venv"
	DefaultImage         = "python:3.12-slim"
	DefaultLedgerPath    = ".dil/ledger.db"
	DefaultGovernanceKey = "DIL_GOVERNANCE_SECRET_2026"
	DefaultLogLevel      = "info"

	DefaultAmountHardLimit = 1_000_000.0
	DefaultAmountSoftLimit = 100_000.0
	DefaultRiskHardLimit   = 0.5
	DefaultRiskSoftLimit   = 0.7
)

// Config is the fully resolved configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server" json:"server" yaml:"server"`
	Launcher    LauncherConfig    `koanf:"launcher" json:"launcher" yaml:"launcher"`
	Environment EnvironmentConfig `koanf:"environment" json:"environment" yaml:"environment"`
	Ledger      LedgerConfig      `koanf:"ledger" json:"ledger" yaml:"ledger"`
	Governance  GovernanceConfig  `koanf:"governance" json:"governance" yaml:"governance"`
	Guardrails  GuardrailsConfig  `koanf:"guardrails" json:"guardrails" yaml:"guardrails"`
	Log         LogConfig         `koanf:"log" json:"log" yaml:"log"`

	// File is the config file that was loaded, if any.
	File string `koanf:"-" json:"-" yaml:"-"`
}

// ServerConfig is the listen address of the served entry point.
type ServerConfig struct {
	Host string `koanf:"host" json:"host" yaml:"host"`
	Port int    `koanf:"port" json:"port" yaml:"port"`
}

// LauncherConfig controls install and spawn.
type LauncherConfig struct {
	Manifest     string        `koanf:"manifest" json:"manifest" yaml:"manifest"`
	Entry        string        `koanf:"entry" json:"entry" yaml:"entry"`
	Args         []string      `koanf:"args" json:"args,omitempty" yaml:"args,omitempty"`
	ReadyTimeout time.Duration `koanf:"ready_timeout" json:"ready_timeout" yaml:"ready_timeout"`
	GracePeriod  time.Duration `koanf:"grace_period" json:"grace_period" yaml:"grace_period"`
}

// EnvironmentConfig selects and tunes the isolated runtime environment.
type EnvironmentConfig struct {
	// Kind is "venv" or "docker".
	Kind string `koanf:"kind" json:"kind" yaml:"kind"`

	// Interpreter optionally pins an absolute interpreter path. When
	// empty the interpreter is discovered on PATH.
	Interpreter string `koanf:"interpreter" json:"interpreter,omitempty" yaml:"interpreter,omitempty"`

	// Dir is a venv directory shared between runs. It is created on
	// first use, reused afterwards and never removed. Empty uses a
	// temporary venv per run.
	Dir string `koanf:"dir" json:"dir,omitempty" yaml:"dir,omitempty"`

	// Image is the container image used by the docker kind.
	Image string `koanf:"image" json:"image" yaml:"image"`

	// Keep preserves the environment after the run.
	Keep bool `koanf:"keep" json:"keep" yaml:"keep"`
}

// LedgerConfig locates the audit ledger database.
type LedgerConfig struct {
	// Path is a SQLite file path or ":memory:".
	Path string `koanf:"path" json:"path" yaml:"path"`
}

// GovernanceConfig holds the HMAC key for governance hashes.
type GovernanceConfig struct {
	Secret string `koanf:"secret" json:"-" yaml:"-"`
}

// GuardrailsConfig holds the audit thresholds.
type GuardrailsConfig struct {
	AmountHardLimit float64 `koanf:"amount_hard_limit" json:"amount_hard_limit" yaml:"amount_hard_limit"`
	AmountSoftLimit float64 `koanf:"amount_soft_limit" json:"amount_soft_limit" yaml:"amount_soft_limit"`
	RiskHardLimit   float64 `koanf:"risk_hard_limit" json:"risk_hard_limit" yaml:"risk_hard_limit"`
	RiskSoftLimit   float64 `koanf:"risk_soft_limit" json:"risk_soft_limit" yaml:"risk_soft_limit"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `koanf:"level" json:"level" yaml:"level"`
}

// defaults returns the flat default key map fed to the confmap provider.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.host":                  DefaultHost,
		"server.port":                  DefaultPort,
		"launcher.manifest":            DefaultManifest,
		"launcher.entry":               DefaultEntry,
		"launcher.ready_timeout":       DefaultReadyTimeout.String(),
		"launcher.grace_period":        DefaultGracePeriod.String(),
		"environment.kind":             DefaultEnvKind,
		"environment.image":            DefaultImage,
		"environment.keep":             false,
		"ledger.path":                  DefaultLedgerPath,
		"governance.secret":            DefaultGovernanceKey,
		"guardrails.amount_hard_limit": DefaultAmountHardLimit,
		"guardrails.amount_soft_limit": DefaultAmountSoftLimit,
		"guardrails.risk_hard_limit":   DefaultRiskHardLimit,
		"guardrails.risk_soft_limit":   DefaultRiskSoftLimit,
		"log.level":                    DefaultLogLevel,
	}
}
