package environment

import (
	"regexp"
	"strings"

	"github.com/mmr-tortoise/dil/internal/manifest"
	"github.com/mmr-tortoise/dil/internal/model"
)

// outputTailLines bounds how much installer output an InstallationError
// carries.
const outputTailLines = 20

// fingerprintFile records the installed manifest inside a venv.
const fingerprintFile = ".dil-manifest"

// pipFailurePatterns extract the offending requirement from pip output.
var pipFailurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`No matching distribution found for ([^\s;]+)`),
	regexp.MustCompile(`Could not find a version that satisfies the requirement ([^\s;]+)`),
	regexp.MustCompile(`Invalid requirement: '([^']+)'`),
}

// pipInstallArgs builds the argument list for "<python> -m pip install".
// Requirements are passed as canonical strings so the same code path
// serves the venv and the sandbox.
func pipInstallArgs(m *manifest.Manifest) []string {
	args := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input"}
	for _, r := range m.Requirements {
		args = append(args, r.String())
	}
	return args
}

// installError builds the InstallationError for a failed pip run.
func installError(m *manifest.Manifest, output []byte, err error) *model.InstallationError {
	text := string(output)
	return &model.InstallationError{
		Manifest: m.Path,
		Package:  failedPackage(text, m),
		Output:   tail(text, outputTailLines),
		Err:      err,
	}
}

// failedPackage finds the requirement pip reported as unresolvable and
// maps it back to the manifest's name when possible.
func failedPackage(output string, m *manifest.Manifest) string {
	for _, re := range pipFailurePatterns {
		match := re.FindStringSubmatch(output)
		if match == nil {
			continue
		}
		spec := match[1]
		name := spec
		if i := strings.IndexAny(spec, "<>=!~[@ "); i > 0 {
			name = spec[:i]
		}
		if r, ok := m.Lookup(name); ok {
			return r.Name
		}
		return name
	}
	return ""
}

// tail returns the last n non-empty lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		kept = append(kept, lines[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}
