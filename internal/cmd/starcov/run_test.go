package starcov

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := RunWithIO(context.Background(), []string{"-version"}, nil, &stdout, &stderr)

	if code != 0 {
		t.Errorf("RunWithIO(-version) = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	if stdout.Len() == 0 {
		t.Error("RunWithIO(-version) produced no output")
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := RunWithIO(context.Background(), []string{"-help"}, nil, &stdout, &stderr)

	if code != 0 {
		t.Errorf("RunWithIO(-help) = %d, want 0", code)
	}
}

func TestRunNoFilesIsAnError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := RunWithIO(context.Background(), nil, nil, &stdout, &stderr)

	if code != exitError {
		t.Errorf("RunWithIO() = %d, want %d", code, exitError)
	}
}

func TestRunCoversOneScriptAndWritesLCOV(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "lib.star")
	content := `def add(a, b):
    return a + b

c = add(1, 2)
`
	if err := os.WriteFile(scriptPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	outDir := filepath.Join(dir, "out")
	var stdout, stderr bytes.Buffer
	code := RunWithIO(context.Background(), []string{"-o", outDir, "-run", scriptPath}, nil, &stdout, &stderr)

	if code != exitOK {
		t.Fatalf("RunWithIO() = %d, want %d (stderr: %s)", code, exitOK, stderr.String())
	}
	if !strings.Contains(stdout.String(), "coverage") {
		t.Errorf("stdout = %q, want it to mention coverage", stdout.String())
	}

	data, err := os.ReadFile(filepath.Join(outDir, "coverage.lcov"))
	if err != nil {
		t.Fatalf("ReadFile coverage.lcov: %v", err)
	}
	if !strings.Contains(string(data), "end_of_record") {
		t.Errorf("coverage.lcov missing end_of_record:\n%s", data)
	}
}

func TestRunFailsBelowMinimumCoverage(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "branchy.star")
	content := `def classify(a, b):
    if a > b:
        return 1
    else:
        return 2

c = classify(5, 1)
`
	if err := os.WriteFile(scriptPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	outDir := filepath.Join(dir, "out")
	var stdout, stderr bytes.Buffer
	code := RunWithIO(context.Background(), []string{"-o", outDir, "-min", "99.9", "-run", scriptPath}, nil, &stdout, &stderr)

	if code != exitBelowMin {
		t.Fatalf("RunWithIO() = %d, want %d (stderr: %s)", code, exitBelowMin, stderr.String())
	}
}
