// Package toystar is a minimal, deterministic stand-in for an
// instrumentable Starlark interpreter.
//
// It exists because the real scripting engine is an external collaborator
// (see internal/starlark/vm) and no hook-capable fork is available to this
// module: vanilla go.starlark.net does not expose per-statement or
// per-frame callbacks. toystar parses real Starlark source with
// go.starlark.net/syntax and walks the resulting AST itself, calling back
// into whatever vm.Hooks slots are currently installed exactly the way the
// spec describes an interpreter doing so. It is intentionally small: a
// handful of statement and expression forms, no full Starlark semantics.
// It is a test and demonstration harness, not a scripting engine.
package toystar

import (
	"fmt"

	"go.starlark.net/syntax"

	"github.com/albertocavalcante/starcov/internal/starlark/vm"
)

// Script is a compiled unit of source. It satisfies vm.Script.
type Script struct {
	filename string
	baseLine int
	file     *syntax.File

	// stmtByPC and lineByPC give every statement in the file, including
	// nested bodies, a stable address in declaration order.
	stmtByPC []syntax.Stmt
	lineByPC []int
	pcByStmt map[syntax.Stmt]vm.PC

	// funcOf maps a statement to its innermost enclosing function, nil
	// for module-level statements.
	funcOf map[syntax.Stmt]*syntax.DefStmt

	funcs map[string]*syntax.DefStmt
}

// Machine is a toy interpreter. Construct one with NewMachine; the zero
// value has nil trap and single-step tables.
type Machine struct {
	debugMode     bool
	singleStep    map[*Script]bool
	interrupt     vm.InterruptFunc
	frame         vm.FrameFunc
	newScriptFn   vm.NewScriptFunc
	destroyFn     vm.DestroyScriptFunc
	traps         map[trapKey]trapEntry
	lastCompiled  []*Script
}

type trapKey struct {
	script *Script
	pc     vm.PC
}

type trapEntry struct {
	fn      vm.TrapFunc
	closure any
}

// NewMachine returns an empty Machine.
func NewMachine() *Machine {
	return &Machine{
		singleStep: make(map[*Script]bool),
		traps:      make(map[trapKey]trapEntry),
	}
}

// -----------------------------------------------------------------------
// vm.Hooks implementation
// -----------------------------------------------------------------------

func (m *Machine) SetDebugMode(on bool) { m.debugMode = on }

func (m *Machine) SetSingleStep(script vm.Script, on bool) {
	s := script.(*Script)
	if on {
		m.singleStep[s] = true
	} else {
		delete(m.singleStep, s)
	}
}

func (m *Machine) SetInterruptHook(fn vm.InterruptFunc) { m.interrupt = fn }

func (m *Machine) SetCallAndExecuteHook(fn vm.FrameFunc) { m.frame = fn }

func (m *Machine) SetNewScriptHook(newFn vm.NewScriptFunc, destroyFn vm.DestroyScriptFunc) {
	m.newScriptFn = newFn
	m.destroyFn = destroyFn
}

func (m *Machine) InstallTrap(script vm.Script, pc vm.PC, fn vm.TrapFunc, closure any) {
	m.traps[trapKey{script.(*Script), pc}] = trapEntry{fn, closure}
}

func (m *Machine) ClearTrap(script vm.Script, pc vm.PC) any {
	key := trapKey{script.(*Script), pc}
	entry := m.traps[key]
	delete(m.traps, key)
	return entry.closure
}

func (m *Machine) LineToPC(script vm.Script, line int) vm.PC {
	s := script.(*Script)
	for pc, l := range s.lineByPC {
		if l == line {
			return vm.PC(pc)
		}
	}
	return vm.PC(len(s.stmtByPC))
}

func (m *Machine) PCToLine(script vm.Script, pc vm.PC) int {
	s := script.(*Script)
	if int(pc) < len(s.lineByPC) {
		return s.lineByPC[pc]
	}
	// EndPC lands one past the last statement; report the line of the
	// last statement (or the script's base line, if it has none) so that
	// callers computing "last line of script" via PCToLine(EndPC(...))
	// get a sensible answer rather than falling off the table.
	if len(s.lineByPC) > 0 {
		return s.lineByPC[len(s.lineByPC)-1]
	}
	return s.baseLine
}

func (m *Machine) EndPC(script vm.Script) vm.PC {
	return vm.PC(len(script.(*Script).stmtByPC))
}

func (m *Machine) ScriptFilename(script vm.Script) string {
	return vm.NormalizeFilename(script.(*Script).filename)
}

func (m *Machine) ScriptBaseLine(script vm.Script) int { return script.(*Script).baseLine }

func (m *Machine) ScriptFunction(script vm.Script, pc vm.PC) (vm.Func, bool) {
	s := script.(*Script)
	if int(pc) >= len(s.stmtByPC) {
		return nil, false
	}
	st := s.stmtByPC[pc]
	// A frame hook's entry/exit pc is the def statement's own address;
	// report the function it declares rather than its (possibly absent)
	// enclosing function.
	if def, ok := st.(*syntax.DefStmt); ok {
		return def, true
	}
	fn := s.funcOf[st]
	if fn == nil {
		return nil, false
	}
	return fn, true
}

func (m *Machine) FuncName(fn vm.Func) (string, bool) {
	def := fn.(*syntax.DefStmt)
	if def.Name == nil {
		return "", false
	}
	return def.Name.Name, true
}

func (m *Machine) FuncLine(fn vm.Func) int {
	def := fn.(*syntax.DefStmt)
	return int(def.Def.Line)
}

func (m *Machine) FuncArity(fn vm.Func) uint32 {
	def := fn.(*syntax.DefStmt)
	return uint32(len(def.Params))
}

// -----------------------------------------------------------------------
// Compilation
// -----------------------------------------------------------------------

// Compile parses source as Starlark, builds its statement address table,
// and announces it through the new-script hook if one is installed.
func (m *Machine) Compile(filename string, source []byte) (*Script, error) {
	file, err := syntax.Parse(filename, source, 0)
	if err != nil {
		return nil, fmt.Errorf("toystar: parsing %s: %w", filename, err)
	}

	s := &Script{
		filename: filename,
		file:     file,
		pcByStmt: make(map[syntax.Stmt]vm.PC),
		funcOf:   make(map[syntax.Stmt]*syntax.DefStmt),
		funcs:    make(map[string]*syntax.DefStmt),
	}
	if len(file.Stmts) > 0 {
		start, _ := file.Stmts[0].Span()
		s.baseLine = int(start.Line)
	} else {
		s.baseLine = 1
	}

	var walk func(stmts []syntax.Stmt, enclosing *syntax.DefStmt)
	walk = func(stmts []syntax.Stmt, enclosing *syntax.DefStmt) {
		for _, st := range stmts {
			pc := vm.PC(len(s.stmtByPC))
			start, _ := st.Span()
			s.stmtByPC = append(s.stmtByPC, st)
			s.lineByPC = append(s.lineByPC, int(start.Line))
			s.pcByStmt[st] = pc
			s.funcOf[st] = enclosing

			switch n := st.(type) {
			case *syntax.DefStmt:
				if n.Name != nil {
					s.funcs[n.Name.Name] = n
				}
				walk(n.Body, n)
			case *syntax.IfStmt:
				walk(n.True, enclosing)
				walk(n.False, enclosing)
			case *syntax.ForStmt:
				walk(n.Body, enclosing)
			}
		}
	}
	walk(file.Stmts, nil)

	m.lastCompiled = append(m.lastCompiled, s)
	if m.newScriptFn != nil {
		m.newScriptFn(s.filename, s.baseLine, s)
	}
	return s, nil
}

// -----------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------

type value any

type returnSignal struct{ val value }

// Run executes a script's module-level statements in source order,
// dispatching traps and single-step interrupts exactly like the section
// 4.1 protocol: a trap at the executing (script, pc) fires first and
// unconditionally; the single-step interrupt fires afterward only if
// single-step mode is in use for this script.
func (m *Machine) Run(s *Script) error {
	env := make(map[string]value)
	_, err := m.execBlock(s, s.file.Stmts, env)
	return err
}

func (m *Machine) execBlock(s *Script, stmts []syntax.Stmt, env map[string]value) (value, error) {
	for _, st := range stmts {
		ret, err := m.execStmt(s, st, env)
		if err != nil {
			return nil, err
		}
		if ret != nil {
			return ret, nil
		}
	}
	return nil, nil
}

func (m *Machine) fireStatement(s *Script, st syntax.Stmt) {
	pc := s.pcByStmt[st]
	if entry, ok := m.traps[trapKey{s, pc}]; ok {
		entry.fn(s, pc, entry.closure)
	}
	if m.singleStep[s] && m.interrupt != nil {
		m.interrupt(s, pc)
	}
}

// execStmt returns a non-nil value when a return statement propagates out
// of the block; the error returned by a returnSignal is always nil.
func (m *Machine) execStmt(s *Script, st syntax.Stmt, env map[string]value) (value, error) {
	m.fireStatement(s, st)

	switch n := st.(type) {
	case *syntax.DefStmt:
		return nil, nil

	case *syntax.AssignStmt:
		rhs, err := m.eval(s, n.RHS, env)
		if err != nil {
			return nil, err
		}
		id, ok := n.LHS.(*syntax.Ident)
		if !ok {
			return nil, fmt.Errorf("toystar: unsupported assignment target at %s", n.OpPos)
		}
		env[id.Name] = rhs
		return nil, nil

	case *syntax.ExprStmt:
		_, err := m.eval(s, n.X, env)
		return nil, err

	case *syntax.ReturnStmt:
		var v value
		if n.Result != nil {
			var err error
			v, err = m.eval(s, n.Result, env)
			if err != nil {
				return nil, err
			}
		}
		return returnSignal{v}, nil

	case *syntax.BranchStmt:
		return nil, nil

	case *syntax.IfStmt:
		cond, err := m.eval(s, n.Cond, env)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return m.execBlock(s, n.True, env)
		}
		return m.execBlock(s, n.False, env)

	case *syntax.ForStmt:
		id, ok := n.Vars.(*syntax.Ident)
		if !ok {
			return nil, fmt.Errorf("toystar: unsupported for-loop target at %s", n.For)
		}
		items, err := m.evalIterable(s, n.X, env)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			env[id.Name] = item
			ret, err := m.execBlock(s, n.Body, env)
			if err != nil {
				return nil, err
			}
			if ret != nil {
				return ret, nil
			}
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("toystar: unsupported statement %T at %s", st, mustSpan(st))
	}
}

func mustSpan(st syntax.Stmt) syntax.Position {
	p, _ := st.Span()
	return p
}

func (m *Machine) evalIterable(s *Script, x syntax.Expr, env map[string]value) ([]value, error) {
	call, ok := x.(*syntax.CallExpr)
	if ok {
		if id, ok := call.Fn.(*syntax.Ident); ok && id.Name == "range" {
			var args []value
			for _, a := range call.Args {
				v, err := m.eval(s, a, env)
				if err != nil {
					return nil, err
				}
				args = append(args, v)
			}
			start, stop, step := int64(0), int64(0), int64(1)
			switch len(args) {
			case 1:
				stop = asInt(args[0])
			case 2:
				start, stop = asInt(args[0]), asInt(args[1])
			case 3:
				start, stop, step = asInt(args[0]), asInt(args[1]), asInt(args[2])
			default:
				return nil, fmt.Errorf("toystar: range() takes 1-3 arguments")
			}
			var out []value
			if step > 0 {
				for i := start; i < stop; i += step {
					out = append(out, i)
				}
			} else if step < 0 {
				for i := start; i > stop; i += step {
					out = append(out, i)
				}
			}
			return out, nil
		}
	}
	if lst, ok := x.(*syntax.ListExpr); ok {
		var out []value
		for _, e := range lst.List {
			v, err := m.eval(s, e, env)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("toystar: unsupported for-loop iterable at %s", mustSpanExpr(x))
}

func mustSpanExpr(x syntax.Expr) syntax.Position {
	p, _ := x.Span()
	return p
}

func (m *Machine) eval(s *Script, expr syntax.Expr, env map[string]value) (value, error) {
	switch n := expr.(type) {
	case *syntax.Literal:
		return n.Value, nil

	case *syntax.Ident:
		switch n.Name {
		case "True":
			return true, nil
		case "False":
			return false, nil
		case "None":
			return nil, nil
		}
		if v, ok := env[n.Name]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("toystar: undefined variable %q at %s", n.Name, n.NamePos)

	case *syntax.ParenExpr:
		return m.eval(s, n.X, env)

	case *syntax.UnaryExpr:
		x, err := m.eval(s, n.X, env)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case syntax.MINUS:
			return -asInt(x), nil
		case syntax.NOT:
			return !truthy(x), nil
		}
		return nil, fmt.Errorf("toystar: unsupported unary operator %s", n.Op)

	case *syntax.BinaryExpr:
		if n.Op == syntax.AND {
			x, err := m.eval(s, n.X, env)
			if err != nil {
				return nil, err
			}
			if !truthy(x) {
				return x, nil
			}
			return m.eval(s, n.Y, env)
		}
		if n.Op == syntax.OR {
			x, err := m.eval(s, n.X, env)
			if err != nil {
				return nil, err
			}
			if truthy(x) {
				return x, nil
			}
			return m.eval(s, n.Y, env)
		}
		x, err := m.eval(s, n.X, env)
		if err != nil {
			return nil, err
		}
		y, err := m.eval(s, n.Y, env)
		if err != nil {
			return nil, err
		}
		return evalBinary(n.Op, x, y)

	case *syntax.CallExpr:
		return m.evalCall(s, n, env)

	default:
		return nil, fmt.Errorf("toystar: unsupported expression %T at %s", expr, mustSpanExpr(expr))
	}
}

func (m *Machine) evalCall(s *Script, call *syntax.CallExpr, env map[string]value) (value, error) {
	id, ok := call.Fn.(*syntax.Ident)
	if !ok {
		return nil, fmt.Errorf("toystar: unsupported call target at %s", mustSpanExpr(call.Fn))
	}

	var args []value
	for _, a := range call.Args {
		v, err := m.eval(s, a, env)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	switch id.Name {
	case "print":
		return nil, nil
	case "len":
		if len(args) == 1 {
			if sl, ok := args[0].([]value); ok {
				return int64(len(sl)), nil
			}
		}
		return int64(0), nil
	}

	def, ok := s.funcs[id.Name]
	if !ok {
		return nil, fmt.Errorf("toystar: undefined function %q at %s", id.Name, id.NamePos)
	}

	callEnv := make(map[string]value)
	pi := 0
	for _, p := range def.Params {
		switch param := p.(type) {
		case *syntax.Ident:
			if pi < len(args) {
				callEnv[param.Name] = args[pi]
			}
			pi++
		case *syntax.BinaryExpr:
			name := param.X.(*syntax.Ident).Name
			if pi < len(args) {
				callEnv[name] = args[pi]
			} else {
				dv, err := m.eval(s, param.Y, env)
				if err != nil {
					return nil, err
				}
				callEnv[name] = dv
			}
			pi++
		}
	}

	entryPC := s.pcByStmt[def]
	if m.frame != nil {
		m.frame(s, entryPC, true)
	}
	ret, err := m.execBlock(s, def.Body, callEnv)
	if m.frame != nil {
		m.frame(s, entryPC, false)
	}
	if err != nil {
		return nil, err
	}
	if rs, ok := ret.(returnSignal); ok {
		return rs.val, nil
	}
	return nil, nil
}

func truthy(v value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case string:
		return x != ""
	case []value:
		return len(x) != 0
	default:
		return true
	}
}

func asInt(v value) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func evalBinary(op syntax.Token, x, y value) (value, error) {
	switch op {
	case syntax.EQL:
		return x == y, nil
	case syntax.NEQ:
		return x != y, nil
	}

	xs, xIsStr := x.(string)
	ys, yIsStr := y.(string)
	if xIsStr || yIsStr {
		if op == syntax.PLUS && xIsStr && yIsStr {
			return xs + ys, nil
		}
		return nil, fmt.Errorf("toystar: unsupported string operator %s", op)
	}

	xi, yi := asInt(x), asInt(y)
	switch op {
	case syntax.PLUS:
		return xi + yi, nil
	case syntax.MINUS:
		return xi - yi, nil
	case syntax.STAR:
		return xi * yi, nil
	case syntax.SLASH, syntax.SLASHSLASH:
		if yi == 0 {
			return nil, fmt.Errorf("toystar: division by zero")
		}
		return xi / yi, nil
	case syntax.PERCENT:
		if yi == 0 {
			return nil, fmt.Errorf("toystar: modulo by zero")
		}
		return xi % yi, nil
	case syntax.LT:
		return xi < yi, nil
	case syntax.LE:
		return xi <= yi, nil
	case syntax.GT:
		return xi > yi, nil
	case syntax.GE:
		return xi >= yi, nil
	}
	return nil, fmt.Errorf("toystar: unsupported binary operator %s", op)
}
