// Package reflectedscript provides a lazy, cached view of a source file's
// executable structure — expression lines, branch points, and functions —
// produced by running a reflection routine against the source in a
// dedicated reflection interpreter, kept separate from whatever
// interpreter instance is being debugged.
package reflectedscript

import (
	"bytes"
	"log"
	"os"
	"sort"

	"github.com/albertocavalcante/starcov/internal/starlark/vm"
)

// BranchInfo is one branch point and its ordered alternatives.
type BranchInfo struct {
	Point        int
	Alternatives []int
	LastExit     int
}

// FunctionInfo is one declared function. Name is unset for an anonymous
// function.
type FunctionInfo struct {
	Name    string
	HasName bool
	Line    int
	NParams uint32
}

// Key returns the stable function-table key for fn.
func (fn FunctionInfo) Key() string {
	return vm.FunctionStatKey(fn.Name, fn.HasName, fn.Line, fn.NParams)
}

// ReflectedScript is a lazy, one-shot, cached reflection of a single
// source file. Construct with New; call Reflect before reading any of the
// table accessors.
type ReflectedScript struct {
	filename string
	runner   vm.ReflectionRunner

	reflected bool
	nLines    int

	expressionLines []int
	branches        map[int]BranchInfo
	functions       map[string]FunctionInfo
}

// New returns a ReflectedScript for filename. Nothing is read or reflected
// until Reflect is called.
func New(filename string, runner vm.ReflectionRunner) *ReflectedScript {
	return &ReflectedScript{filename: filename, runner: runner}
}

// Filename returns the source filename this reflection is for.
func (r *ReflectedScript) Filename() string { return r.filename }

// Reflected reports whether Reflect has run, successfully or not.
func (r *ReflectedScript) Reflected() bool { return r.reflected }

// NLines returns the reflected file's line count: 1 plus the number of
// newline bytes in the original text, or 0 if the file could not be read.
func (r *ReflectedScript) NLines() int { return r.nLines }

// ExpressionLines returns the ascending, 1-based set of lines the
// reflector considers to contain at least one executable expression.
func (r *ReflectedScript) ExpressionLines() []int { return r.expressionLines }

// Branches returns the branch table, indexed by branch_point.
func (r *ReflectedScript) Branches() map[int]BranchInfo { return r.branches }

// Functions returns the function table, indexed by stable key.
func (r *ReflectedScript) Functions() map[string]FunctionInfo { return r.functions }

// Reflect performs the reflection algorithm exactly once. Subsequent
// calls are no-ops that return the cached result (nil, since reflection
// failure is recorded in the empty tables rather than as a returned
// error).
func (r *ReflectedScript) Reflect() error {
	if r.reflected {
		return nil
	}
	r.reflected = true
	r.branches = make(map[int]BranchInfo)
	r.functions = make(map[string]FunctionInfo)

	raw, err := os.ReadFile(r.filename)
	if err != nil {
		// Reflection failure: tables stay empty, reflected stays true.
		log.Printf("reflectedscript: reading %s: %v", r.filename, err)
		return nil
	}
	r.nLines = 1 + bytes.Count(raw, []byte("\n"))

	source, startLine := stripShebang(raw)

	result, err := r.runner.EvalReflect(source, startLine)
	if err != nil {
		log.Printf("reflectedscript: reflecting %s: %v", r.filename, err)
		return nil
	}

	r.expressionLines = append([]int(nil), result.ExpressionLines...)
	sort.Ints(r.expressionLines)

	for _, b := range result.Branches {
		lastExit := 0
		for _, e := range b.Exits {
			if e > lastExit {
				lastExit = e
			}
		}
		r.branches[b.Point] = BranchInfo{
			Point:        b.Point,
			Alternatives: append([]int(nil), b.Exits...),
			LastExit:     lastExit,
		}
	}

	for _, fn := range result.Functions {
		info := FunctionInfo{Line: fn.Line, NParams: fn.NParams}
		if fn.Name != nil {
			info.Name = *fn.Name
			info.HasName = true
		}
		r.functions[info.Key()] = info
	}

	return nil
}

// stripShebang removes a leading "#!...\n" line if present and returns the
// 1-based line number the remaining source now starts at.
func stripShebang(source []byte) ([]byte, int) {
	if !bytes.HasPrefix(source, []byte("#!")) {
		return source, 1
	}
	idx := bytes.IndexByte(source, '\n')
	if idx < 0 {
		return nil, 2
	}
	return source[idx+1:], 2
}
