package environment

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mmr-tortoise/dil/internal/model"
)

// ErrRuntimeNotFound is wrapped by ResolveInterpreter failures.
var ErrRuntimeNotFound = errors.New("python runtime not found")

// interpreterNames are searched on PATH in order.
var interpreterNames = []string{"python3", "python"}

// lookPath is exec.LookPath, replaceable in tests.
var lookPath = exec.LookPath

// ResolveInterpreter locates a Python interpreter. A non-empty override
// must be an absolute path to an executable file; otherwise PATH is
// searched for python3, then python.
//
// Failures are *model.CLIError with ExitRuntimeNotFound.
func ResolveInterpreter(override string) (string, error) {
	if override != "" {
		if err := checkExecutable(override); err != nil {
			return "", model.WrapCLIError(model.ExitRuntimeNotFound,
				fmt.Sprintf("configured interpreter %s is not usable", override),
				fmt.Errorf("%w: %w", ErrRuntimeNotFound, err))
		}
		return override, nil
	}

	for _, name := range interpreterNames {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", model.WrapCLIError(model.ExitRuntimeNotFound,
		fmt.Sprintf("none of %v found on PATH", interpreterNames),
		ErrRuntimeNotFound)
}

// checkExecutable validates an interpreter override.
func checkExecutable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("is not executable")
	}
	return nil
}
