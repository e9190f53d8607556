// Package validate gates the paths an unprivileged caller may hand to
// the privileged helper. The helper executes whatever binary path it is
// given, so execution is restricted to the application's own bundle and
// the invoking user's own configuration area.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// BundleBinarySuffix is the required tail of the resolved worker binary
// path: the worker shipped inside the Siftly application bundle.
const BundleBinarySuffix = "/Siftly.app/Contents/MacOS/siftly-proxy"

// configPathPattern matches a per-user application-support location
// inside the app's own subdirectory.
var configPathPattern = regexp.MustCompile(`^/Users/[^/]+/Library/Application Support/Siftly/`)

// Rules holds the allow-list predicates applied to start and restart
// requests. Fields are overridable so tests can point them at temp
// directories; production code uses Default.
type Rules struct {
	BinarySuffix  string
	ConfigPattern *regexp.Regexp
}

// Default returns the production allow-list rules.
func Default() Rules {
	return Rules{
		BinarySuffix:  BundleBinarySuffix,
		ConfigPattern: configPathPattern,
	}
}

// AllowedBinary resolves symlinks and accepts only an existing,
// executable file whose resolved path ends with the bundle-relative
// worker suffix.
func (r Rules) AllowedBinary(path string) error {
	resolved, err := resolve(path)
	if err != nil {
		return fmt.Errorf("binary path %q could not be resolved: %v", path, err)
	}
	if !strings.HasSuffix(resolved, r.BinarySuffix) {
		return fmt.Errorf("binary path %q must be inside the Siftly application bundle", path)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("binary path %q does not exist: %v", path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("binary path %q is not an executable file", path)
	}
	return nil
}

// AllowedConfigPath resolves symlinks and accepts only an existing file
// under the per-user application-support directory for this app. Any
// ".." segment in the requested path is rejected outright, even when
// the cleaned path would land inside the allowed area.
func (r Rules) AllowedConfigPath(path string) error {
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		if seg == ".." {
			return fmt.Errorf("config path %q contains a parent-directory segment", path)
		}
	}
	resolved, err := resolve(path)
	if err != nil {
		return fmt.Errorf("config path %q could not be resolved: %v", path, err)
	}
	if !r.ConfigPattern.MatchString(resolved) {
		return fmt.Errorf("config path %q must be inside the user's Siftly configuration directory", path)
	}
	if _, err := os.Stat(resolved); err != nil {
		return fmt.Errorf("config path %q does not exist: %v", path, err)
	}
	return nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
