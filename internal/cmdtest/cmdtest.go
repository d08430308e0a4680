// Package cmdtest provides a testscript-based test harness for the starcov
// CLI.
//
// It uses txtar format test files to specify input files and expected
// outputs, making it easy to write end-to-end CLI tests.
//
// Example test file (testdata/starcov/basic.txtar):
//
//	exec starcov -o out -run lib.star
//	stdout 'line coverage'
//	exists out/coverage.lcov
//	stdout '100.0% line coverage'
//
//	-- lib.star --
//	def add(a, b):
//	    return a + b
//
//	c = add(1, 2)
package cmdtest

import (
	"os"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	"github.com/albertocavalcante/starcov/internal/cmd/starcov"
)

// Run executes the testscript tests in the given directory.
func Run(t *testing.T, dir string) {
	testscript.Run(t, testscript.Params{
		Dir: dir,
	})
}

// Main is the TestMain function that should be called from test files. It
// registers starcov as a testscript subcommand.
func Main(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"starcov": wrapRun(starcov.Run),
	}))
}

// wrapRun wraps a Run(args []string) int function to func() int for
// testscript. Args are taken from os.Args[1:].
func wrapRun(run func(args []string) int) func() int {
	return func() int {
		return run(os.Args[1:])
	}
}
