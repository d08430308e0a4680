// Package starcov implements the starcov command: an embedder-facing CLI
// that runs Starlark scripts through the bundled toystar interpreter under
// DebugHooks and Coverage, and writes an LCOV tracefile.
package starcov

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/albertocavalcante/starcov/internal/covconfig"
	"github.com/albertocavalcante/starcov/internal/starlark/coverage"
	"github.com/albertocavalcante/starcov/internal/starlark/debughooks"
	"github.com/albertocavalcante/starcov/internal/starlark/reflectedscript"
	"github.com/albertocavalcante/starcov/internal/starlark/toystar"
	"github.com/albertocavalcante/starcov/internal/version"
)

// Exit codes.
const (
	exitOK       = 0
	exitBelowMin = 1
	exitError    = 2
)

// runFiles collects one or more -run <file.star> flags.
type runFiles []string

func (r *runFiles) String() string { return fmt.Sprint([]string(*r)) }
func (r *runFiles) Set(v string) error {
	*r = append(*r, v)
	return nil
}

// Run executes starcov with the given arguments. Returns an exit code.
func Run(args []string) int {
	return RunWithIO(context.Background(), args, os.Stdin, os.Stdout, os.Stderr)
}

// RunWithIO allows custom IO for embedding/testing.
func RunWithIO(_ context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) int {
	var (
		configFlag  string
		outputFlag  string
		minFlag     float64
		versionFlag bool
		verboseFlag bool
		files       runFiles
	)

	fs := flag.NewFlagSet("starcov", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configFlag, "config", "", "explicit config file (else discovered from the working directory)")
	fs.StringVar(&outputFlag, "o", "", "output directory (overrides config)")
	fs.Float64Var(&minFlag, "min", 0, "minimum line-coverage percentage (overrides config)")
	fs.Var(&files, "run", "compile and run a Starlark file under coverage (repeatable)")
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")
	fs.BoolVar(&verboseFlag, "v", false, "verbose output")

	fs.Usage = func() {
		writeln(stderr, "Usage: starcov [flags] -run file1.star [-run file2.star ...]")
		writeln(stderr)
		writeln(stderr, "Debug-and-coverage instrumentation for embedded Starlark scripts.")
		writeln(stderr)
		writeln(stderr, "Flags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		return exitError
	}

	if versionFlag {
		writef(stdout, "starcov %s\n", version.String())
		return exitOK
	}

	cfg, err := loadConfig(configFlag)
	if err != nil {
		writef(stderr, "starcov: %v\n", err)
		return exitError
	}
	if outputFlag != "" {
		cfg.Coverage.Output = outputFlag
	}
	if minFlag > 0 {
		cfg.Coverage.FailUnder = minFlag
	}

	if len(files) == 0 {
		writeln(stderr, "starcov: no -run files given; nothing to cover")
		fs.Usage()
		return exitError
	}

	coveredPaths := cfg.Coverage.Paths
	if len(coveredPaths) == 0 {
		coveredPaths = []string(files)
	}

	machine := toystar.NewMachine()
	hooks := debughooks.New(machine)
	cov := coverage.New(hooks, reflectedscript.StarlarkReflector{}, coveredPaths)
	defer hooks.Close()
	defer cov.Close()

	for _, path := range files {
		if verboseFlag {
			writef(stderr, "starcov: running %s\n", path)
		}
		if err := runFile(machine, path); err != nil {
			writef(stderr, "starcov: %s: %v\n", path, err)
			return exitError
		}
	}

	if cfg.Coverage.Output == "" {
		cfg.Coverage.Output = "coverage"
	}
	if err := cov.WriteStatistics(cfg.Coverage.Output); err != nil {
		writef(stderr, "starcov: writing statistics: %v\n", err)
		return exitError
	}

	pct := linePercentage(cov)
	writef(stdout, "starcov: %.1f%% line coverage, report written to %s\n", pct, cfg.Coverage.Output)

	if cfg.Coverage.FailUnder > 0 && pct < cfg.Coverage.FailUnder {
		writef(stderr, "starcov: coverage %.1f%% is below minimum %.1f%%\n", pct, cfg.Coverage.FailUnder)
		return exitBelowMin
	}
	return exitOK
}

func loadConfig(explicit string) (*covconfig.Config, error) {
	if explicit != "" {
		return covconfig.LoadConfig(explicit)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getwd: %w", err)
	}
	return covconfig.DiscoverConfig(cwd)
}

func runFile(machine *toystar.Machine, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	script, err := machine.Compile(abs, source)
	if err != nil {
		return fmt.Errorf("compiling: %w", err)
	}
	if err := machine.Run(script); err != nil {
		return fmt.Errorf("running: %w", err)
	}
	return nil
}

// linePercentage computes the aggregate line-coverage percentage across
// every covered file's statistics.
func linePercentage(cov *coverage.Coverage) float64 {
	var lf, lh int
	for _, name := range cov.CoveredFilenames() {
		fs := cov.Statistics(name)
		if fs == nil {
			continue
		}
		for _, hits := range fs.Lines {
			if hits == -1 {
				continue
			}
			lf++
			if hits > 0 {
				lh++
			}
		}
	}
	if lf == 0 {
		return 100
	}
	return 100 * float64(lh) / float64(lf)
}

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}
