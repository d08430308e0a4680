// Package coverage consumes debughooks and reflectedscript events to
// build per-file line, branch, and function statistics, and serializes
// them as LCOV tracefiles with the covered source files copied alongside.
package coverage

import (
	"log"
	"sort"

	"github.com/albertocavalcante/starcov/internal/starlark/debughooks"
	"github.com/albertocavalcante/starcov/internal/starlark/reflectedscript"
	"github.com/albertocavalcante/starcov/internal/starlark/vm"
)

// BranchStat is the per-branch-point run-time state: the alternatives
// reflected for that branch, a parallel hit count per alternative, and
// whether the branch point itself was ever reached.
type BranchStat struct {
	Alternatives       []int
	HitsPerAlternative []int
	LastExit           int
	Hit                bool
}

// FileStatistics is the per-file coverage state for one covered source
// file: lines[0] is unused and always reported non-executable; -1 means
// non-executable, 0 means executable-but-unhit, and any positive value is
// a hit count.
type FileStatistics struct {
	Filename  string
	Lines     map[int]int
	Branches  map[int]*BranchStat
	Functions map[string]int
}

type activeBranch struct {
	filename string
	point    int
	lastExit int
}

// Coverage attaches three callbacks to a DebugHooks instance — script
// load, single step, and frame entry — and maintains FileStatistics for
// every configured covered path.
type Coverage struct {
	hooks     *debughooks.DebugHooks
	reflector vm.ReflectionRunner

	stats            map[string]*FileStatistics
	reflectedScripts map[string]*reflectedscript.ReflectedScript
	active           *activeBranch

	scriptLoadID uint32
	singleStepID uint32
	frameStepID  uint32
}

// New constructs a Coverage bound to hooks, seeding the file-statistics
// map with one nil entry per normalized covered path. Statistics are
// populated lazily, on the first script-load whose normalized filename
// matches a covered path.
func New(hooks *debughooks.DebugHooks, reflector vm.ReflectionRunner, coveredPaths []string) *Coverage {
	c := &Coverage{
		hooks:            hooks,
		reflector:        reflector,
		stats:            make(map[string]*FileStatistics),
		reflectedScripts: make(map[string]*reflectedscript.ReflectedScript),
	}
	for _, p := range coveredPaths {
		c.stats[vm.NormalizeFilename(p)] = nil
	}

	c.scriptLoadID = hooks.AddScriptLoadHook(c.onScriptLoad, nil)
	c.singleStepID = hooks.AddSingleStepHook(c.onSingleStep, nil)
	c.frameStepID = hooks.AddFrameStepHook(c.onFrameStep, nil)
	return c
}

// Close detaches Coverage's three callbacks from its DebugHooks instance.
func (c *Coverage) Close() {
	c.hooks.RemoveFrameStepHook(c.frameStepID)
	c.hooks.RemoveSingleStepHook(c.singleStepID)
	c.hooks.RemoveScriptLoadHook(c.scriptLoadID)
}

// Statistics returns the current FileStatistics for filename, or nil if
// filename is not a covered path or has not yet been seeded.
func (c *Coverage) Statistics(filename string) *FileStatistics {
	return c.stats[vm.NormalizeFilename(filename)]
}

// CoveredFilenames returns the normalized filenames that have statistics,
// sorted, skipping covered paths that never matched a loaded script.
func (c *Coverage) CoveredFilenames() []string {
	var names []string
	for name, fs := range c.stats {
		if fs != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Coverage) onScriptLoad(info debughooks.ScriptInfo, _ any) {
	existing, covered := c.stats[info.Filename]
	if !covered || existing != nil {
		return
	}

	rs := reflectedscript.New(info.Filename, c.reflector)
	if err := rs.Reflect(); err != nil {
		log.Printf("coverage: reflecting %s: %v", info.Filename, err)
	}
	c.reflectedScripts[info.Filename] = rs
	c.stats[info.Filename] = seedFileStatistics(rs)
}

func seedFileStatistics(rs *reflectedscript.ReflectedScript) *FileStatistics {
	n := rs.NLines()
	fs := &FileStatistics{
		Filename:  rs.Filename(),
		Lines:     make(map[int]int, n+1),
		Branches:  make(map[int]*BranchStat),
		Functions: make(map[string]int),
	}
	for line := 0; line <= n; line++ {
		fs.Lines[line] = -1
	}
	for _, line := range rs.ExpressionLines() {
		fs.Lines[line] = 0
	}
	for point, b := range rs.Branches() {
		fs.Branches[point] = &BranchStat{
			Alternatives:       append([]int(nil), b.Alternatives...),
			HitsPerAlternative: make([]int, len(b.Alternatives)),
			LastExit:           b.LastExit,
		}
	}
	for key := range rs.Functions() {
		fs.Functions[key] = 0
	}
	return fs
}

func (c *Coverage) onSingleStep(loc debughooks.LocationInfo, _ any) {
	fs := c.stats[loc.Filename]
	if fs == nil {
		return
	}
	line := loc.CurrentLine

	if fs.Lines[line] == -1 {
		log.Printf("coverage: %s:%d executed but not marked executable by reflection; upgrading", loc.Filename, line)
		fs.Lines[line] = 0
	}
	fs.Lines[line]++

	if c.active != nil && c.active.filename == loc.Filename {
		if b := fs.Branches[c.active.point]; b != nil {
			for i, alt := range b.Alternatives {
				if alt == line {
					b.HitsPerAlternative[i]++
				}
			}
		}
	}

	switch {
	case fs.Branches[line] != nil:
		b := fs.Branches[line]
		b.Hit = true
		c.active = &activeBranch{filename: loc.Filename, point: line, lastExit: b.LastExit}
	case c.active != nil && c.active.filename == loc.Filename && line <= c.active.lastExit:
		// Still inside the active branch's span; preserve it.
	default:
		c.active = nil
	}
}

func (c *Coverage) onFrameStep(loc debughooks.LocationInfo, state debughooks.FrameState, _ any) {
	if state != debughooks.FrameEntry {
		return
	}
	if !loc.HasFunction || !loc.CurrentFunction.HasName {
		return
	}
	fs := c.stats[loc.Filename]
	if fs == nil {
		return
	}
	fs.Functions[loc.CurrentFunction.Key()]++
}
