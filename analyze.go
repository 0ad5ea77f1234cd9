// Package andersen implements a flow-insensitive, field-sensitive,
// inclusion-based (Andersen-style) points-to analysis over a
// statement-oriented host IR. Program statements are lowered to set
// constraints over an arena of constraint variables; a worklist solver
// with offline cycle elimination propagates solution bitmaps to a
// fixpoint; solved sets are frozen into shareable query objects.
//
// The analysis is a may-analysis: every construct it cannot model widens
// to a conservative default instead of failing.
package andersen

import (
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/tools/container/intsets"

	"github.com/pointsto/andersen/internal/queue"
	"github.com/pointsto/andersen/ir"
)

const defaultMaxFields = 100

// traceConstraints is the level at which constraint generation and solver
// propagation are logged.
const traceConstraints = logrus.DebugLevel

// AnalysisConfig configures one Analyze call.
type AnalysisConfig struct {
	Module *ir.Module

	// WholeProgram builds one constraint system across all function bodies
	// with interprocedural summary slots, instead of analyzing each body
	// separately with conservative call summaries.
	WholeProgram bool

	// MaxFields caps field-sensitive decomposition of one aggregate;
	// beyond it the aggregate collapses to a single variable. Zero means
	// the default of 100.
	MaxFields int

	// Log receives Debug-level constraint and solver traces. Nil disables
	// logging.
	Log *logrus.Logger

	// DumpConstraints and DumpSolutions, when set, receive a dump of the
	// constraint system before solving and of the solved sets after.
	DumpConstraints io.Writer
	DumpSolutions   io.Writer
}

type runStats struct {
	Vars        int
	Constraints int
	Unified     int
}

// analysis is the context of one analysis run. All run-scoped state lives
// here; nothing is process-global, so runs can be repeated or nested
// freely. Everything is torn down with the run except what extractInto
// copies into the Result.
type analysis struct {
	config       AnalysisConfig
	log          *logrus.Logger
	wholeProgram bool

	varpool      []*varInfo
	declToVar    map[*ir.Decl]VarID
	fnInfo       map[*ir.Func]VarID
	restrictVars map[*ir.Type]VarID
	constraints  []constraint
	curFun       *ir.Func

	callUses     map[*ir.CallStmt]VarID
	callClobbers map[*ir.CallStmt]VarID

	// solver state
	repID      []VarID
	states     []*solverState
	work       intsets.Sparse
	deltaSpace []int

	// extraction caches, discarded with the run
	shared  map[string]*intsets.Sparse
	ptCache map[VarID]PointsToSet

	stats runStats
}

func newAnalysis(config AnalysisConfig) *analysis {
	log := config.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	a := &analysis{
		config:       config,
		log:          log,
		wholeProgram: config.WholeProgram,
		varpool:      []*varInfo{nil}, // id 0 is reserved
		declToVar:    make(map[*ir.Decl]VarID),
		fnInfo:       make(map[*ir.Func]VarID),
		restrictVars: make(map[*ir.Type]VarID),
		callUses:     make(map[*ir.CallStmt]VarID),
		callClobbers: make(map[*ir.CallStmt]VarID),
		deltaSpace:   make([]int, 0, 256),
		shared:       make(map[string]*intsets.Sparse),
		ptCache:      make(map[VarID]PointsToSet),
	}
	a.initSpecialVars()
	return a
}

func (a *analysis) maxFields() int {
	if a.config.MaxFields > 0 {
		return a.config.MaxFields
	}
	return defaultMaxFields
}

// Analyze computes points-to sets for every pointer-valued entity in the
// module. In whole-program mode the module is analyzed as one constraint
// system; otherwise each function body is an independent run whose
// final-solution caches are discarded between bodies, since the meaning of
// "escaped" depends on the function context.
func Analyze(config AnalysisConfig) *Result {
	res := newResult()
	if config.Module == nil {
		return res
	}

	if config.WholeProgram {
		a := newAnalysis(config)
		a.run(res, config.Module.Funcs)
		return res
	}

	for _, fn := range config.Module.Funcs {
		// A fresh context per body: variable table, bitmaps and the
		// shared-bitmap cache all start empty.
		a := newAnalysis(config)
		a.run(res, []*ir.Func{fn})
	}
	return res
}

func (a *analysis) run(res *Result, funcs []*ir.Func) {
	for _, g := range a.config.Module.Globals {
		a.varFor(g)
	}

	var work queue.Queue[*ir.Func]
	if a.wholeProgram {
		// Summary variables must exist before any call site references
		// them.
		for _, fn := range funcs {
			a.makeFunctionInfo(fn)
		}
	}
	work.PushAll(funcs)
	for !work.Empty() {
		a.buildFunc(work.Pop())
	}

	if w := a.config.DumpConstraints; w != nil {
		a.dumpConstraints(w)
	}

	a.stats.Vars = len(a.varpool) - 1
	a.stats.Constraints = len(a.constraints)

	a.solve()

	a.log.Debugf("run done: %d variables, %d constraints, %d unified",
		a.stats.Vars, a.stats.Constraints, a.stats.Unified)

	if w := a.config.DumpSolutions; w != nil {
		a.dumpSolutions(w)
	}

	a.extractInto(res)
}
