// Package vm defines the capability surface that an instrumentable Starlark
// interpreter must expose to internal/starlark/debughooks.
//
// The interpreter itself is an external collaborator: this repository does
// not implement a scripting engine. It implements the multiplexer and
// coverage machinery that sits on top of one, and it requires from that
// engine exactly the primitives declared here. A production embedding
// wires a real interpreter's hook points to a Hooks implementation; tests
// in this module wire a small deterministic stand-in (see
// internal/starlark/toystar) so that debughooks and coverage can be exercised without a
// real engine on hand.
package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NormalizeFilename applies the interpreter's filename normalization
// rule: a URI passes through unchanged; a relative path is resolved
// against the current working directory. DebugHooks and Coverage both
// normalize through this function so that a covered path configured by
// the embedder compares equal to a script-load filename built from the
// same source path.
func NormalizeFilename(filename string) string {
	if strings.Contains(filename, "://") {
		return filename
	}
	if filepath.IsAbs(filename) {
		return filename
	}
	cwd, err := os.Getwd()
	if err != nil {
		return filename
	}
	return filepath.Join(cwd, filename)
}

// FunctionStatKey derives the stable function-table key shared by
// reflection and debug-hook function identification: a null name denotes
// an anonymous function.
func FunctionStatKey(name string, hasName bool, line int, nArgs uint32) string {
	if !hasName {
		name = "(anonymous)"
	}
	return fmt.Sprintf("%s:%d:%d", name, line, nArgs)
}

// Script is an opaque handle to a compiled unit of source, as minted by
// the interpreter. DebugHooks never inspects it; it is only ever passed
// back to the Hooks methods that accept one.
type Script any

// Func is an opaque handle to a compiled function within a Script.
type Func any

// PC is a program counter within a Script.
type PC uint32

// InterruptFunc is installed as the interpreter's single, global interrupt
// callback. It fires once per executed statement when single-step mode is
// in use. A trap installed at (script, pc) does not go through it; the
// trap's own TrapFunc is called instead.
type InterruptFunc func(script Script, pc PC)

// FrameFunc is installed as the interpreter's single, global
// call-and-execute hook. The interpreter invokes it both when a frame is
// entered (before=true) and when it is about to return (before=false).
type FrameFunc func(script Script, pc PC, before bool)

// NewScriptFunc is invoked once per compiled script, after compilation
// completes and before the script's first statement can execute.
type NewScriptFunc func(filename string, baseLine int, script Script)

// DestroyScriptFunc is invoked when the interpreter discards a script,
// e.g. because it was garbage collected.
type DestroyScriptFunc func(script Script)

// TrapFunc is the callback associated with a single installed trap. It
// receives back the closure supplied to InstallTrap.
type TrapFunc func(script Script, pc PC, closure any)

// Hooks is the capability set an interpreter must expose. Every method
// mirrors one primitive in the section 6 "Interpreter Adapter" surface:
// there is exactly one slot per capability, which is why DebugHooks must
// reference-count and multiplex on top of it.
type Hooks interface {
	// SetDebugMode toggles the interpreter's debug mode flag.
	SetDebugMode(on bool)

	// SetSingleStep toggles single-step mode for a specific script.
	SetSingleStep(script Script, on bool)

	// SetInterruptHook installs or clears (fn == nil) the sole interrupt
	// callback.
	SetInterruptHook(fn InterruptFunc)

	// SetCallAndExecuteHook installs or clears (fn == nil) the sole frame
	// hook.
	SetCallAndExecuteHook(fn FrameFunc)

	// SetNewScriptHook installs or clears (both nil) the sole
	// new/destroy-script hook pair.
	SetNewScriptHook(newFn NewScriptFunc, destroyFn DestroyScriptFunc)

	// InstallTrap installs a trap at a specific (script, pc), storing an
	// opaque closure to hand back to fn when it fires.
	InstallTrap(script Script, pc PC, fn TrapFunc, closure any)

	// ClearTrap removes the trap at (script, pc) and returns the closure
	// that was installed there.
	ClearTrap(script Script, pc PC) any

	// LineToPC converts a 1-based source line to a program counter within
	// script.
	LineToPC(script Script, line int) PC

	// PCToLine converts a program counter back to a 1-based source line.
	PCToLine(script Script, pc PC) int

	// EndPC returns the program counter just past the last instruction of
	// script.
	EndPC(script Script) PC

	// ScriptFilename returns the normalized filename a script was
	// compiled from.
	ScriptFilename(script Script) string

	// ScriptBaseLine returns the first line number covered by script.
	ScriptBaseLine(script Script) int

	// ScriptFunction returns the function enclosing pc within script, if
	// any.
	ScriptFunction(script Script, pc PC) (fn Func, ok bool)

	// FuncName returns a function's declared name. ok is false for an
	// anonymous function.
	FuncName(fn Func) (name string, ok bool)

	// FuncLine returns the line a function was declared on.
	FuncLine(fn Func) int

	// FuncArity returns a function's declared parameter count.
	FuncArity(fn Func) uint32
}

// ReflectedFunction is one entry of a reflection's function table.
type ReflectedFunction struct {
	// Name is nil for an anonymous function.
	Name    *string
	Line    int
	NParams uint32
}

// ReflectedBranch is one entry of a reflection's branch table.
type ReflectedBranch struct {
	Point int
	Exits []int
}

// Reflection is the structured result of running the reflection routine
// against a source file.
type Reflection struct {
	Functions       []ReflectedFunction
	Branches        []ReflectedBranch
	ExpressionLines []int
}

// ReflectionRunner is the capability a *separate* reflection interpreter
// must expose: parsing source into the three reflection tables without
// perturbing the interpreter under debug.
type ReflectionRunner interface {
	// EvalReflect parses source (which begins at line startLine, after
	// any shebang has already been stripped by the caller) and returns
	// its reflection tables.
	EvalReflect(source []byte, startLine int) (Reflection, error)
}
