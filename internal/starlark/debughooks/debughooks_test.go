package debughooks_test

import (
	"testing"

	"github.com/albertocavalcante/starcov/internal/starlark/debughooks"
	"github.com/albertocavalcante/starcov/internal/starlark/toystar"
)

const threeLineScript = `x = 1
y = 2
z = x + y
`

func TestBreakpointResolvesAgainstAlreadyLoadedScript(t *testing.T) {
	m := toystar.NewMachine()
	dh := debughooks.New(m)

	// A script-load hook installs the new-script callback, so DebugHooks
	// records the script in its scripts-loaded table when it is compiled.
	loadID := dh.AddScriptLoadHook(func(debughooks.ScriptInfo, any) {}, nil)

	script, err := m.Compile("already_loaded.star", []byte(threeLineScript))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var hits []int
	id := dh.AddBreakpoint("already_loaded.star", 2, func(loc debughooks.LocationInfo, _ any) {
		hits = append(hits, loc.CurrentLine)
	}, nil)

	if err := m.Run(script); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(hits) != 1 || hits[0] != 2 {
		t.Fatalf("hits = %v, want [2]", hits)
	}

	dh.RemoveBreakpoint(id)
	dh.RemoveScriptLoadHook(loadID)
	dh.Close()
}

func TestBreakpointResolvesDuringScriptLoad(t *testing.T) {
	m := toystar.NewMachine()
	dh := debughooks.New(m)

	var hits []int
	id := dh.AddBreakpoint("pending.star", 3, func(loc debughooks.LocationInfo, _ any) {
		hits = append(hits, loc.CurrentLine)
	}, nil)

	script, err := m.Compile("pending.star", []byte(threeLineScript))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := m.Run(script); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(hits) != 1 || hits[0] != 3 {
		t.Fatalf("hits = %v, want [3]", hits)
	}

	dh.RemoveBreakpoint(id)
	dh.Close()
}

func TestBreakpointAddedDuringScriptLoadHookFiresOnThatScript(t *testing.T) {
	m := toystar.NewMachine()
	dh := debughooks.New(m)

	var hits []int
	var bpID uint32
	loadID := dh.AddScriptLoadHook(func(info debughooks.ScriptInfo, _ any) {
		bpID = dh.AddBreakpoint(info.Filename, 2, func(loc debughooks.LocationInfo, _ any) {
			hits = append(hits, loc.CurrentLine)
		}, nil)
	}, nil)

	script, err := m.Compile("loaded_from_hook.star", []byte(threeLineScript))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := m.Run(script); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(hits) != 1 || hits[0] != 2 {
		t.Fatalf("hits = %v, want [2]", hits)
	}

	dh.RemoveBreakpoint(bpID)
	dh.RemoveScriptLoadHook(loadID)
	dh.Close()
}

func TestRemovedBreakpointDoesNotFire(t *testing.T) {
	m := toystar.NewMachine()
	dh := debughooks.New(m)

	script, err := m.Compile("removed.star", []byte(threeLineScript))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	fired := false
	id := dh.AddBreakpoint("removed.star", 2, func(debughooks.LocationInfo, any) {
		fired = true
	}, nil)
	dh.RemoveBreakpoint(id)

	if err := m.Run(script); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fired {
		t.Fatal("removed breakpoint fired")
	}

	dh.Close()
}

func TestSingleStepCoversEveryLine(t *testing.T) {
	m := toystar.NewMachine()
	dh := debughooks.New(m)

	var lines []int
	id := dh.AddSingleStepHook(func(loc debughooks.LocationInfo, _ any) {
		lines = append(lines, loc.CurrentLine)
	}, nil)

	script, err := m.Compile("stepped.star", []byte(threeLineScript))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := m.Run(script); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []int{1, 2, 3}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i, l := range want {
		if lines[i] != l {
			t.Fatalf("lines = %v, want %v", lines, want)
		}
	}

	dh.RemoveSingleStepHook(id)
	dh.Close()
}

func TestFrameStepObservesDeclaredFunction(t *testing.T) {
	m := toystar.NewMachine()
	dh := debughooks.New(m)

	const src = `def add(a, b):
    return a + b

result = add(1, 2)
`

	type event struct {
		state debughooks.FrameState
		line  int
		name  string
	}
	var events []event
	id := dh.AddFrameStepHook(func(loc debughooks.LocationInfo, state debughooks.FrameState, _ any) {
		name := ""
		if loc.HasFunction {
			name = loc.CurrentFunction.Name
		}
		events = append(events, event{state, loc.CurrentLine, name})
	}, nil)

	script, err := m.Compile("framed.star", []byte(src))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := m.Run(script); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2 entries", events)
	}
	if events[0].state != debughooks.FrameEntry || events[0].name != "add" {
		t.Fatalf("entry event = %+v", events[0])
	}
	if events[1].state != debughooks.FrameExit || events[1].name != "add" {
		t.Fatalf("exit event = %+v", events[1])
	}

	dh.RemoveFrameStepHook(id)
	dh.Close()
}

func TestScriptLoadHookFiresOncePerScript(t *testing.T) {
	m := toystar.NewMachine()
	dh := debughooks.New(m)

	var loaded []string
	id := dh.AddScriptLoadHook(func(info debughooks.ScriptInfo, _ any) {
		loaded = append(loaded, info.Filename)
	}, nil)

	if _, err := m.Compile("a.star", []byte("x = 1\n")); err != nil {
		t.Fatalf("Compile a: %v", err)
	}
	if _, err := m.Compile("b.star", []byte("y = 2\n")); err != nil {
		t.Fatalf("Compile b: %v", err)
	}

	if len(loaded) != 2 {
		t.Fatalf("loaded = %v, want 2 entries", loaded)
	}

	dh.RemoveScriptLoadHook(id)
	dh.Close()
}

func TestRemoveUnknownBreakpointIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic removing an unknown breakpoint id")
		}
	}()
	m := toystar.NewMachine()
	dh := debughooks.New(m)
	dh.RemoveBreakpoint(999999)
}

func TestCloseWithOutstandingRegistrationIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic closing with an outstanding breakpoint")
		}
	}()
	m := toystar.NewMachine()
	dh := debughooks.New(m)
	dh.AddBreakpoint("leaked.star", 1, func(debughooks.LocationInfo, any) {}, nil)
	dh.Close()
}
