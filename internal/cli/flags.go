package cli

import (
	"github.com/spf13/pflag"

	"github.com/mmr-tortoise/dil/internal/config"
)

// The flag helpers below register flags whose names the config loader
// maps onto config keys (see config.flagKeys). Only flags the user sets
// override lower layers, so the defaults shown here are for help output.

// addServerFlags registers --host and --port.
func addServerFlags(fs *pflag.FlagSet) {
	fs.String("host", config.DefaultHost, "Listen host")
	fs.IntP("port", "p", config.DefaultPort, "Listen port (never changed automatically)")
}

// addLedgerFlags registers --ledger.
func addLedgerFlags(fs *pflag.FlagSet) {
	fs.String("ledger", config.DefaultLedgerPath, `Ledger database path (":memory:" for a throwaway ledger)`)
}

// addLogFlags registers --log-level.
func addLogFlags(fs *pflag.FlagSet) {
	fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
}

// addEnvironmentFlags registers the flags that select and tune the
// isolated environment.
func addEnvironmentFlags(fs *pflag.FlagSet) {
	fs.StringP("manifest", "m", config.DefaultManifest, "Dependency manifest")
	fs.String("env", config.DefaultEnvKind, "Environment kind: venv or docker")
	fs.String("python", "", "Absolute path of the Python interpreter (default: python3 or python on PATH)")
	fs.String("env-dir", "", "Reuse (or create) the venv in this directory instead of a temporary one")
	fs.String("image", config.DefaultImage, "Container image for the docker environment")
	fs.Bool("keep-env", false, "Keep the environment after the run")
}

// addLaunchFlags registers the entry point and supervision flags.
func addLaunchFlags(fs *pflag.FlagSet) {
	fs.StringP("entry", "e", config.DefaultEntry, `Entry point: "self", a .py script, "-m module" or a program`)
	fs.Duration("ready-timeout", config.DefaultReadyTimeout, "How long the server has to answer on / and /docs")
	fs.Duration("grace-period", config.DefaultGracePeriod, "How long an interrupted server may take to exit before it is killed")
}
