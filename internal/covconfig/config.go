// Package covconfig loads coverage-run configuration for starcov, either
// from a TOML file or from a sandboxed Starlark config-as-code file.
package covconfig

import (
	"errors"
	"os"
	"path/filepath"
)

const (
	// ConfigTOML is the canonical TOML config filename.
	ConfigTOML = "starcov.toml"
	// ConfigStarlark is the canonical Starlark config filename.
	ConfigStarlark = "starcov.config.star"
)

// EnvConfig overrides config discovery with an explicit path.
const EnvConfig = "STARCOV_CONFIG"

// ErrConflict is returned by DiscoverConfig when a directory contains more
// than one recognized config file and there is no way to pick between them.
var ErrConflict = errors.New("multiple config files found in the same directory")

// Config is the coverage run configuration.
type Config struct {
	Coverage CoverageConfig
}

// CoverageConfig controls which sources are covered and where reports go.
type CoverageConfig struct {
	// Paths lists covered source files, matched against script-load
	// filenames by exact normalized-path equality.
	Paths []string `toml:"paths"`
	// Output is the directory write_statistics writes coverage.lcov (and
	// mirrored sources) into.
	Output string `toml:"output"`
	// FailUnder is an optional minimum line-coverage percentage; the CLI
	// exits non-zero when the measured percentage is below it. Zero means
	// no threshold is enforced.
	FailUnder float64 `toml:"fail_under"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Coverage: CoverageConfig{
			Output: "coverage",
		},
	}
}

// LoadConfig loads a Config from path, dispatching on its extension.
func LoadConfig(path string) (*Config, error) {
	switch filepath.Ext(path) {
	case ".toml":
		return LoadTOMLConfig(path)
	case ".star", ".sky":
		return LoadStarlarkConfig(path, DefaultStarlarkTimeout)
	default:
		return nil, errors.New("covconfig: unrecognized config extension: " + path)
	}
}

// DiscoverConfig looks for a config file starting at startDir and walking
// upward until a VCS root or the filesystem root is reached. STARCOV_CONFIG,
// if set, overrides discovery entirely. DefaultConfig is returned if nothing
// is found.
func DiscoverConfig(startDir string) (*Config, error) {
	if override := os.Getenv(EnvConfig); override != "" {
		return LoadConfig(override)
	}

	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	gitRoot := findGitRoot(dir)

	for {
		path, err := findConfigInDir(dir)
		if err != nil {
			return nil, err
		}
		if path != "" {
			return LoadConfig(path)
		}
		if dir == gitRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return DefaultConfig(), nil
}

// findConfigInDir returns the recognized config file in dir, if any. It
// returns ErrConflict if more than one is present.
func findConfigInDir(dir string) (string, error) {
	tomlPath := filepath.Join(dir, ConfigTOML)
	starPath := filepath.Join(dir, ConfigStarlark)

	hasTOML := fileExists(tomlPath)
	hasStar := fileExists(starPath)

	switch {
	case hasTOML && hasStar:
		return "", ErrConflict
	case hasTOML:
		return tomlPath, nil
	case hasStar:
		return starPath, nil
	default:
		return "", nil
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// findGitRoot walks up from startDir looking for a .git directory, returning
// the bound for DiscoverConfig's upward walk (the empty result leaves the
// walk unbounded until the filesystem root).
func findGitRoot(startDir string) string {
	dir := startDir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Merge overrides fields in c with any non-zero fields set in other.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if len(other.Coverage.Paths) > 0 {
		c.Coverage.Paths = other.Coverage.Paths
	}
	if other.Coverage.Output != "" {
		c.Coverage.Output = other.Coverage.Output
	}
	if other.Coverage.FailUnder != 0 {
		c.Coverage.FailUnder = other.Coverage.FailUnder
	}
}
