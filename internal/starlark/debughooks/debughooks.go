// Package debughooks multiplexes independent observers — breakpoints,
// single-step callbacks, per-frame callbacks, and script-load callbacks —
// onto an interpreter (internal/starlark/vm) that exposes only one slot
// per hook kind.
//
// Each of the interpreter's five primitive capabilities (debug mode,
// single-step mode, the interrupt callback, the call-and-execute frame
// callback, the new/destroy-script callback) is guarded by a usage
// counter: the capability is enabled on the 0→1 transition of its
// counter and disabled on the 1→0 transition. DebugHooks is the only
// thing that ever calls the vm.Hooks setters; every Add/Remove pair
// balances the counters it touched.
package debughooks

import (
	"fmt"
	"sync/atomic"

	"github.com/albertocavalcante/starcov/internal/starlark/vm"
)

// FrameState describes which half of a frame-step dispatch is firing.
type FrameState int

const (
	FrameEntry FrameState = iota
	FrameExit
)

func (s FrameState) String() string {
	if s == FrameEntry {
		return "ENTRY"
	}
	return "EXIT"
}

// FunctionKey identifies the function enclosing a location, mirroring the
// FunctionInfo entity: a null name denotes an anonymous function, and the
// stable key used by coverage's function table is derived from it.
type FunctionKey struct {
	Name    string
	HasName bool
	Line    int
	NArgs   uint32
}

// Key returns the stable "<name-or-(anonymous)>:<line>:<n_params>" key.
func (k FunctionKey) Key() string {
	return vm.FunctionStatKey(k.Name, k.HasName, k.Line, k.NArgs)
}

// LocationInfo is the source location handed to every callback kind.
type LocationInfo struct {
	Filename        string
	CurrentLine     int
	HasFunction     bool
	CurrentFunction FunctionKey
}

// ScriptInfo describes a newly loaded script, as handed to script-load
// callbacks.
type ScriptInfo struct {
	Filename string
	BaseLine int
}

// BreakpointFunc is invoked when a breakpoint's trap fires. Unlike the
// other callback kinds, only the owning registration is invoked: traps
// never multicast.
type BreakpointFunc func(info LocationInfo, userData any)

// SingleStepFunc is invoked once per executed statement while single-step
// mode is in use, in insertion order across all registrations.
type SingleStepFunc func(info LocationInfo, userData any)

// ScriptLoadFunc is invoked once per compiled script, in insertion order.
type ScriptLoadFunc func(info ScriptInfo, userData any)

// FrameStepFunc is invoked on both frame entry and frame exit, in
// insertion order.
type FrameStepFunc func(info LocationInfo, state FrameState, userData any)

// capability indexes one of the interpreter's five reference-counted
// slots.
type capability int

const (
	capDebugMode capability = iota
	capSingleStep
	capInterrupt
	capFrameExec
	capNewScript
	numCapabilities
)

type scriptKey struct {
	filename string
	baseLine int
}

type breakpoint struct {
	id       uint32
	filename string
	line     int
	callback BreakpointFunc
	userData any

	resolved bool
	script   vm.Script
	pc       vm.PC
}

type singleStepReg struct {
	id       uint32
	callback SingleStepFunc
	userData any
}

type scriptLoadReg struct {
	id       uint32
	callback ScriptLoadFunc
	userData any
}

type frameStepReg struct {
	id       uint32
	callback FrameStepFunc
	userData any
}

var hookIDCounter atomic.Uint32

func nextHookID() uint32 {
	return hookIDCounter.Add(1)
}

// DebugHooks is the multiplexer. One instance is bound to exactly one
// interpreter handle for its whole lifetime.
type DebugHooks struct {
	vmHooks vm.Hooks

	breakpoints     map[uint32]*breakpoint
	singleStepHooks []*singleStepReg
	scriptLoadHooks []*scriptLoadReg
	frameStepHooks  []*frameStepReg

	scriptsLoaded    map[scriptKey]vm.Script
	singleStepWanted bool

	counters [numCapabilities]int
	pcStack  []vm.PC
}

// New creates a DebugHooks bound to hooks. hooks must outlive the
// returned DebugHooks.
func New(hooks vm.Hooks) *DebugHooks {
	return &DebugHooks{
		vmHooks:       hooks,
		breakpoints:   make(map[uint32]*breakpoint),
		scriptsLoaded: make(map[scriptKey]vm.Script),
	}
}

// Close asserts that every capability has been released and every
// registration removed. Destroying a DebugHooks with outstanding state is
// a programmer error and aborts the process, matching the fatal failure
// semantics the other Remove* methods use.
func (dh *DebugHooks) Close() {
	for _, c := range dh.counters {
		if c != 0 {
			panic("debughooks: Close called with a nonzero usage counter")
		}
	}
	if len(dh.breakpoints) != 0 {
		panic("debughooks: Close called with outstanding breakpoints")
	}
	if len(dh.singleStepHooks) != 0 || len(dh.scriptLoadHooks) != 0 || len(dh.frameStepHooks) != 0 {
		panic("debughooks: Close called with outstanding hook registrations")
	}
}

// -----------------------------------------------------------------------
// Capability usage counting
// -----------------------------------------------------------------------

func (dh *DebugHooks) use(cap capability) {
	dh.counters[cap]++
	if dh.counters[cap] == 1 {
		dh.enable(cap)
	}
}

func (dh *DebugHooks) release(cap capability) {
	if dh.counters[cap] == 0 {
		panic("debughooks: capability usage counter underflow")
	}
	dh.counters[cap]--
	if dh.counters[cap] == 0 {
		dh.disable(cap)
	}
}

func (dh *DebugHooks) enable(cap capability) {
	switch cap {
	case capDebugMode:
		dh.vmHooks.SetDebugMode(true)
	case capSingleStep:
		dh.singleStepWanted = true
		for _, script := range dh.scriptsLoaded {
			dh.vmHooks.SetSingleStep(script, true)
		}
	case capInterrupt:
		dh.vmHooks.SetInterruptHook(dh.dispatchInterrupt)
	case capFrameExec:
		dh.vmHooks.SetCallAndExecuteHook(dh.dispatchFrame)
	case capNewScript:
		dh.vmHooks.SetNewScriptHook(dh.dispatchNewScript, dh.dispatchDestroyScript)
	}
}

func (dh *DebugHooks) disable(cap capability) {
	switch cap {
	case capDebugMode:
		dh.vmHooks.SetDebugMode(false)
	case capSingleStep:
		dh.singleStepWanted = false
		for _, script := range dh.scriptsLoaded {
			dh.vmHooks.SetSingleStep(script, false)
		}
	case capInterrupt:
		dh.vmHooks.SetInterruptHook(nil)
	case capFrameExec:
		dh.vmHooks.SetCallAndExecuteHook(nil)
	case capNewScript:
		dh.vmHooks.SetNewScriptHook(nil, nil)
	}
}

// -----------------------------------------------------------------------
// Breakpoints
// -----------------------------------------------------------------------

// AddBreakpoint registers callback to fire when execution reaches line in
// filename. If a loaded script already spans that line the breakpoint
// resolves immediately; otherwise it is recorded pending and resolves the
// first time a matching script loads.
func (dh *DebugHooks) AddBreakpoint(filename string, line int, callback BreakpointFunc, userData any) uint32 {
	dh.use(capDebugMode)
	dh.use(capFrameExec)

	bp := &breakpoint{
		id:       nextHookID(),
		filename: vm.NormalizeFilename(filename),
		line:     line,
		callback: callback,
		userData: userData,
	}
	dh.breakpoints[bp.id] = bp

	if script, ok := dh.findContainingScript(bp.filename, line); ok {
		dh.resolveBreakpoint(bp, script)
	} else {
		dh.use(capNewScript)
	}

	return bp.id
}

// RemoveBreakpoint releases the capabilities AddBreakpoint took and clears
// any installed trap. Removing an unknown id is a fatal programmer error.
func (dh *DebugHooks) RemoveBreakpoint(id uint32) {
	bp, ok := dh.breakpoints[id]
	if !ok {
		panic(fmt.Sprintf("debughooks: RemoveBreakpoint: unknown id %d", id))
	}
	delete(dh.breakpoints, id)

	if bp.resolved {
		dh.vmHooks.ClearTrap(bp.script, bp.pc)
	} else {
		dh.release(capNewScript)
	}
	dh.release(capDebugMode)
	dh.release(capFrameExec)
}

func (dh *DebugHooks) findContainingScript(filename string, line int) (vm.Script, bool) {
	for _, script := range dh.scriptsLoaded {
		if dh.vmHooks.ScriptFilename(script) != filename {
			continue
		}
		base := dh.vmHooks.ScriptBaseLine(script)
		end := dh.vmHooks.PCToLine(script, dh.vmHooks.EndPC(script))
		if line >= base && line <= end {
			return script, true
		}
	}
	return nil, false
}

func (dh *DebugHooks) resolveBreakpoint(bp *breakpoint, script vm.Script) {
	pc := dh.vmHooks.LineToPC(script, bp.line)
	dh.vmHooks.InstallTrap(script, pc, dh.dispatchTrap, bp.id)
	bp.resolved = true
	bp.script = script
	bp.pc = pc
}

func (dh *DebugHooks) dispatchTrap(script vm.Script, pc vm.PC, closure any) {
	id := closure.(uint32)
	bp, ok := dh.breakpoints[id]
	if !ok {
		return
	}
	bp.callback(dh.locationAt(script, pc), bp.userData)
}

// -----------------------------------------------------------------------
// Single-step hooks
// -----------------------------------------------------------------------

// AddSingleStepHook registers callback to fire on every executed
// statement, across every loaded script, in insertion order relative to
// other single-step registrations.
func (dh *DebugHooks) AddSingleStepHook(callback SingleStepFunc, userData any) uint32 {
	dh.use(capDebugMode)
	dh.use(capInterrupt)
	dh.use(capSingleStep)
	dh.use(capFrameExec)
	dh.use(capNewScript)

	reg := &singleStepReg{id: nextHookID(), callback: callback, userData: userData}
	dh.singleStepHooks = append(dh.singleStepHooks, reg)
	return reg.id
}

// RemoveSingleStepHook releases the capabilities AddSingleStepHook took.
func (dh *DebugHooks) RemoveSingleStepHook(id uint32) {
	idx := -1
	for i, reg := range dh.singleStepHooks {
		if reg.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		panic(fmt.Sprintf("debughooks: RemoveSingleStepHook: unknown id %d", id))
	}
	dh.singleStepHooks = append(dh.singleStepHooks[:idx], dh.singleStepHooks[idx+1:]...)

	dh.release(capDebugMode)
	dh.release(capInterrupt)
	dh.release(capSingleStep)
	dh.release(capFrameExec)
	dh.release(capNewScript)
}

func (dh *DebugHooks) dispatchInterrupt(script vm.Script, pc vm.PC) {
	loc := dh.locationAt(script, pc)
	for _, reg := range dh.singleStepHooks {
		reg.callback(loc, reg.userData)
	}
}

// -----------------------------------------------------------------------
// Script-load hooks
// -----------------------------------------------------------------------

// AddScriptLoadHook registers callback to fire once per compiled script.
func (dh *DebugHooks) AddScriptLoadHook(callback ScriptLoadFunc, userData any) uint32 {
	dh.use(capDebugMode)
	dh.use(capNewScript)

	reg := &scriptLoadReg{id: nextHookID(), callback: callback, userData: userData}
	dh.scriptLoadHooks = append(dh.scriptLoadHooks, reg)
	return reg.id
}

// RemoveScriptLoadHook releases the capabilities AddScriptLoadHook took.
func (dh *DebugHooks) RemoveScriptLoadHook(id uint32) {
	idx := -1
	for i, reg := range dh.scriptLoadHooks {
		if reg.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		panic(fmt.Sprintf("debughooks: RemoveScriptLoadHook: unknown id %d", id))
	}
	dh.scriptLoadHooks = append(dh.scriptLoadHooks[:idx], dh.scriptLoadHooks[idx+1:]...)

	dh.release(capDebugMode)
	dh.release(capNewScript)
}

// dispatchNewScript implements the section 4.1 script-load protocol.
func (dh *DebugHooks) dispatchNewScript(filename string, baseLine int, script vm.Script) {
	normalized := vm.NormalizeFilename(filename)
	dh.scriptsLoaded[scriptKey{normalized, baseLine}] = script

	if dh.singleStepWanted {
		dh.vmHooks.SetSingleStep(script, true)
	}

	endLine := dh.vmHooks.PCToLine(script, dh.vmHooks.EndPC(script))
	for _, bp := range dh.breakpoints {
		if bp.resolved || bp.filename != normalized {
			continue
		}
		if bp.line < baseLine || bp.line > endLine {
			continue
		}
		dh.resolveBreakpoint(bp, script)
		dh.release(capNewScript)
	}

	for _, reg := range dh.scriptLoadHooks {
		reg.callback(ScriptInfo{Filename: normalized, BaseLine: baseLine}, reg.userData)
	}
}

func (dh *DebugHooks) dispatchDestroyScript(script vm.Script) {
	for key, s := range dh.scriptsLoaded {
		if s == script {
			delete(dh.scriptsLoaded, key)
		}
	}
}

// -----------------------------------------------------------------------
// Frame-step hooks
// -----------------------------------------------------------------------

// AddFrameStepHook registers callback to fire on frame entry and exit.
func (dh *DebugHooks) AddFrameStepHook(callback FrameStepFunc, userData any) uint32 {
	dh.use(capDebugMode)
	dh.use(capFrameExec)

	reg := &frameStepReg{id: nextHookID(), callback: callback, userData: userData}
	dh.frameStepHooks = append(dh.frameStepHooks, reg)
	return reg.id
}

// RemoveFrameStepHook releases the capabilities AddFrameStepHook took.
func (dh *DebugHooks) RemoveFrameStepHook(id uint32) {
	idx := -1
	for i, reg := range dh.frameStepHooks {
		if reg.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		panic(fmt.Sprintf("debughooks: RemoveFrameStepHook: unknown id %d", id))
	}
	dh.frameStepHooks = append(dh.frameStepHooks[:idx], dh.frameStepHooks[idx+1:]...)

	dh.release(capDebugMode)
	dh.release(capFrameExec)
}

func (dh *DebugHooks) dispatchFrame(script vm.Script, pc vm.PC, before bool) {
	var framePC vm.PC
	if before {
		dh.pcStack = append(dh.pcStack, pc)
		framePC = pc
	} else {
		framePC = dh.pcStack[len(dh.pcStack)-1]
		dh.pcStack = dh.pcStack[:len(dh.pcStack)-1]
	}

	state := FrameEntry
	if !before {
		state = FrameExit
	}

	loc := dh.locationAt(script, framePC)
	for _, reg := range dh.frameStepHooks {
		reg.callback(loc, state, reg.userData)
	}
}

// -----------------------------------------------------------------------
// Shared helpers
// -----------------------------------------------------------------------

func (dh *DebugHooks) locationAt(script vm.Script, pc vm.PC) LocationInfo {
	loc := LocationInfo{
		Filename:    dh.vmHooks.ScriptFilename(script),
		CurrentLine: dh.vmHooks.PCToLine(script, pc),
	}
	if fn, ok := dh.vmHooks.ScriptFunction(script, pc); ok {
		name, hasName := dh.vmHooks.FuncName(fn)
		loc.HasFunction = true
		loc.CurrentFunction = FunctionKey{
			Name:    name,
			HasName: hasName,
			Line:    dh.vmHooks.FuncLine(fn),
			NArgs:   dh.vmHooks.FuncArity(fn),
		}
	}
	return loc
}
