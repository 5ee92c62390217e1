package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/dil/internal/model"
)

// EnvPrefix is the prefix of environment variables read into the config.
// Nested keys use a double underscore: DIL_SERVER__PORT -> server.port.
const EnvPrefix = "DIL_"

// configFileNames are tried in order when no explicit file is given.
var configFileNames = []string{"dil.yaml", "dil.yml", "dil.jsonc", "dil.json"}

// envAliases maps flat environment keys to config keys. DIL_PORT and
// DIL_HOST are what the launcher exports to the process it starts.
var envAliases = map[string]string{
	"port":      "server.port",
	"host":      "server.host",
	"log_level": "log.level",
}

// flagKeys maps CLI flag names to config keys. Flags not listed here are
// not configuration and are ignored by the loader.
var flagKeys = map[string]string{
	"host":          "server.host",
	"port":          "server.port",
	"manifest":      "launcher.manifest",
	"entry":         "launcher.entry",
	"ready-timeout": "launcher.ready_timeout",
	"grace-period":  "launcher.grace_period",
	"env":           "environment.kind",
	"python":        "environment.interpreter",
	"env-dir":       "environment.dir",
	"image":         "environment.image",
	"keep-env":      "environment.keep",
	"ledger":        "ledger.path",
	"log-level":     "log.level",
}

// findConfigFile returns the config file to load from dir, or "" when
// none exists. An explicit path always wins.
func findConfigFile(dir, explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range configFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// parserFor picks the koanf parser for a config file by extension.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return JSONC()
	default:
		return yaml.Parser()
	}
}

// envKey transforms DIL_SERVER__PORT into server.port.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if alias, ok := envAliases[key]; ok {
		return alias
	}
	return strings.ReplaceAll(key, "__", ".")
}

// Load resolves configuration from defaults, the config file (explicit
// cfgFile or discovered in the working directory), DIL_* environment
// variables and any changed flags in flags (may be nil).
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return LoadFrom(cwd, cfgFile, flags)
}

// LoadFrom is Load with an explicit directory for config discovery.
func LoadFrom(dir, cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	used := findConfigFile(dir, cfgFile)
	if used != "" {
		if err := k.Load(file.Provider(used), parserFor(used)); err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError,
				fmt.Sprintf("error reading config file %s", used), err)
		}
	}

	// 3. Environment variables
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags, only those explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = used

	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "invalid configuration", err)
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if strings.TrimSpace(c.Launcher.Manifest) == "" {
		return fmt.Errorf("launcher.manifest must not be empty")
	}
	if strings.TrimSpace(c.Launcher.Entry) == "" {
		return fmt.Errorf("launcher.entry must not be empty")
	}
	if c.Launcher.ReadyTimeout <= 0 {
		return fmt.Errorf("launcher.ready_timeout must be positive")
	}
	if c.Launcher.GracePeriod < 0 {
		return fmt.Errorf("launcher.grace_period must not be negative")
	}
	if _, err := model.ParseEnvironmentKind(c.Environment.Kind); err != nil {
		return err
	}
	if c.Environment.Interpreter != "" && !filepath.IsAbs(c.Environment.Interpreter) {
		return fmt.Errorf("environment.interpreter must be an absolute path, got %q", c.Environment.Interpreter)
	}
	if c.Governance.Secret == "" {
		return fmt.Errorf("governance.secret must not be empty")
	}

	g := c.Guardrails
	if g.AmountSoftLimit < 0 || g.AmountSoftLimit > g.AmountHardLimit {
		return fmt.Errorf("guardrails: amount_soft_limit (%g) must be between 0 and amount_hard_limit (%g)",
			g.AmountSoftLimit, g.AmountHardLimit)
	}
	if g.RiskHardLimit < 0 || g.RiskHardLimit > g.RiskSoftLimit || g.RiskSoftLimit > 1 {
		return fmt.Errorf("guardrails: need 0 <= risk_hard_limit (%g) <= risk_soft_limit (%g) <= 1",
			g.RiskHardLimit, g.RiskSoftLimit)
	}
	return nil
}

// Address returns host:port of the served entry point, bracketing IPv6
// hosts.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// jsoncParser is a koanf.Parser for JSON with comments and trailing commas.
type jsoncParser struct{}

// JSONC returns a koanf parser that accepts JSONC.
func JSONC() koanf.Parser {
	return jsoncParser{}
}

// Unmarshal strips comments with jsonc.ToJSON, then decodes as JSON.
func (jsoncParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(jsonc.ToJSON(b), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal encodes as plain JSON.
func (jsoncParser) Marshal(o map[string]interface{}) ([]byte, error) {
	return json.MarshalIndent(o, "", "  ")
}
