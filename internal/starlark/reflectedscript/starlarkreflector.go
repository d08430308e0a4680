package reflectedscript

import (
	"fmt"

	"go.starlark.net/syntax"

	"github.com/albertocavalcante/starcov/internal/starlark/vm"
)

// StarlarkReflector implements vm.ReflectionRunner by parsing source with
// go.starlark.net/syntax and deriving the three reflection tables
// directly from the resulting AST. It holds no state between calls, so a
// single instance is safely reused as the shared reflection interpreter
// across every file a Coverage instance observes.
type StarlarkReflector struct{}

// EvalReflect parses source and walks its statements, collecting function
// declarations, if-statement branch points, and the lines of every
// executable statement other than a function declaration itself (a
// function's own header line is reported via its FunctionInfo, not as an
// expression line).
func (StarlarkReflector) EvalReflect(source []byte, startLine int) (vm.Reflection, error) {
	file, err := syntax.Parse("<reflect>", source, 0)
	if err != nil {
		return vm.Reflection{}, fmt.Errorf("reflectedscript: parsing source: %w", err)
	}

	c := &collector{startLine: startLine}
	c.walk(file.Stmts)

	return vm.Reflection{
		Functions:       c.functions,
		Branches:        c.branches,
		ExpressionLines: c.expressionLines,
	}, nil
}

type collector struct {
	startLine       int
	functions       []vm.ReflectedFunction
	branches        []vm.ReflectedBranch
	expressionLines []int
}

func (c *collector) adjustedLine(l int32) int {
	return int(l) + c.startLine - 1
}

func (c *collector) walk(stmts []syntax.Stmt) {
	for _, st := range stmts {
		c.walkStmt(st)
	}
}

func (c *collector) walkStmt(st syntax.Stmt) {
	switch n := st.(type) {
	case *syntax.DefStmt:
		var name *string
		if n.Name != nil {
			s := n.Name.Name
			name = &s
		}
		c.functions = append(c.functions, vm.ReflectedFunction{
			Name:    name,
			Line:    c.adjustedLine(n.Def.Line),
			NParams: uint32(len(n.Params)),
		})
		c.walk(n.Body)

	case *syntax.IfStmt:
		line := c.adjustedLine(n.If.Line)
		c.expressionLines = append(c.expressionLines, line)

		var exits []int
		if len(n.True) > 0 {
			exits = append(exits, c.firstLine(n.True[0]))
		}
		if len(n.False) > 0 {
			exits = append(exits, c.firstLine(n.False[0]))
		}
		if len(exits) > 0 {
			c.branches = append(c.branches, vm.ReflectedBranch{Point: line, Exits: exits})
		}

		c.walk(n.True)
		c.walk(n.False)

	case *syntax.ForStmt:
		c.expressionLines = append(c.expressionLines, c.adjustedLine(n.For.Line))
		c.walk(n.Body)

	case *syntax.AssignStmt:
		c.expressionLines = append(c.expressionLines, c.adjustedLine(n.OpPos.Line))

	case *syntax.ExprStmt:
		line, _ := n.X.Span()
		c.expressionLines = append(c.expressionLines, c.adjustedLine(line.Line))

	case *syntax.ReturnStmt:
		c.expressionLines = append(c.expressionLines, c.adjustedLine(n.Return.Line))

	case *syntax.BranchStmt:
		c.expressionLines = append(c.expressionLines, c.adjustedLine(n.TokenPos.Line))

	case *syntax.LoadStmt:
		c.expressionLines = append(c.expressionLines, c.adjustedLine(n.Load.Line))
	}
}

func (c *collector) firstLine(st syntax.Stmt) int {
	pos, _ := st.Span()
	return c.adjustedLine(pos.Line)
}
