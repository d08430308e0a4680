package coverage

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
)

// WriteStatistics emits an LCOV tracefile at
// <outputDir>/coverage.lcov, appending to any existing file, and copies
// every covered source file to its mirrored location under outputDir. The
// script-load hook is detached for the duration of the write so that any
// script compiled while building a ReflectedScript doesn't recursively
// seed new statistics mid-emission.
func (c *Coverage) WriteStatistics(outputDir string) error {
	c.hooks.RemoveScriptLoadHook(c.scriptLoadID)
	defer func() {
		c.scriptLoadID = c.hooks.AddScriptLoadHook(c.onScriptLoad, nil)
	}()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("coverage: creating output directory: %w", err)
	}

	lcovPath := filepath.Join(outputDir, "coverage.lcov")
	lock := flock.New(lcovPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("coverage: locking %s: %w", lcovPath, err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(lcovPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("coverage: opening %s for append: %v", lcovPath, err)
		return fmt.Errorf("coverage: opening %s: %w", lcovPath, err)
	}
	defer f.Close()

	for _, filename := range c.CoveredFilenames() {
		fs := c.stats[filename]
		if err := writeFileRecord(f, outputDir, fs); err != nil {
			log.Printf("coverage: writing record for %s: %v", filename, err)
			continue
		}
		if err := copySource(filename, destinationPath(outputDir, filename)); err != nil {
			log.Printf("coverage: copying source %s: %v", filename, err)
		}
	}
	return nil
}

func writeFileRecord(w io.Writer, outputDir string, fs *FileStatistics) error {
	dest := destinationPath(outputDir, fs.Filename)
	writef(w, "SF:%s\n", dest)

	functionKeys := make([]string, 0, len(fs.Functions))
	for key := range fs.Functions {
		functionKeys = append(functionKeys, key)
	}
	sort.Strings(functionKeys)
	for _, key := range functionKeys {
		writef(w, "FN:%s\n", key)
	}

	fnf, fnh := 0, 0
	for _, key := range functionKeys {
		hits := fs.Functions[key]
		writef(w, "FNDA:%d,%s\n", hits, key)
		fnf++
		if hits > 0 {
			fnh++
		}
	}
	writef(w, "FNF:%d\n", fnf)
	writef(w, "FNH:%d\n", fnh)

	branchPoints := make([]int, 0, len(fs.Branches))
	for point := range fs.Branches {
		branchPoints = append(branchPoints, point)
	}
	sort.Ints(branchPoints)

	brf, brh := 0, 0
	for _, point := range branchPoints {
		b := fs.Branches[point]
		for i, hits := range b.HitsPerAlternative {
			brf++
			if !b.Hit {
				writef(w, "BRDA:%d,0,%d,-\n", point, i)
				continue
			}
			writef(w, "BRDA:%d,0,%d,%d\n", point, i, hits)
			if hits > 0 {
				brh++
			}
		}
	}
	writef(w, "BRF:%d\n", brf)
	writef(w, "BRH:%d\n", brh)

	lines := make([]int, 0, len(fs.Lines))
	for line, hits := range fs.Lines {
		if hits != -1 {
			lines = append(lines, line)
		}
	}
	sort.Ints(lines)

	lf, lh := 0, 0
	for _, line := range lines {
		hits := fs.Lines[line]
		writef(w, "DA:%d,%d\n", line, hits)
		lf++
		if hits > 0 {
			lh++
		}
	}
	writef(w, "LF:%d\n", lf)
	writef(w, "LH:%d\n", lh)

	writef(w, "end_of_record\n")
	return nil
}

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// destinationPath mirrors a normalized source filename under outputDir by
// computing the diverging path components between the absolute source path
// and the absolute output directory, then joining only the diverged tail
// onto outputDir. A filename that is itself a URI returns its scheme-stripped
// form unchanged, joined onto outputDir the same way.
//
// For example, source /home/u/proj/src/foo.star against
// outputDir=/home/u/proj/coverage diverges at "src", so the mirrored
// destination is <outputDir>/src/foo.star rather than the entire absolute
// source path joined onto outputDir.
func destinationPath(outputDir, filename string) string {
	absOutputDir, err := filepath.Abs(outputDir)
	if err != nil {
		absOutputDir = outputDir
	}
	return filepath.Join(absOutputDir, divergingComponents(filename, absOutputDir))
}

// divergingComponents returns the pathname components of childPath from the
// first point where it differs from parentPath, splitting both on the path
// separator. A childPath that is itself a URI returns its scheme-stripped
// form in full, since a URI and a local directory never meaningfully share a
// prefix.
func divergingComponents(childPath, parentPath string) string {
	if idx := strings.Index(childPath, "://"); idx >= 0 {
		return childPath[idx+len("://"):]
	}

	childParts := strings.Split(childPath, string(filepath.Separator))
	parentParts := strings.Split(parentPath, string(filepath.Separator))

	i := 0
	for i < len(childParts) && i < len(parentParts) && childParts[i] == parentParts[i] {
		i++
	}
	return filepath.Join(childParts[i:]...)
}

func copySource(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
