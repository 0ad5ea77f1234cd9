package andersen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointsto/andersen/ir"
)

func TestUnknownCallEscapesArguments(t *testing.T) {
	x := local("x")
	call := &ir.CallStmt{Args: []ir.Expr{addrOf(x)}}

	res := Analyze(AnalysisConfig{Module: singleFunc(call)})

	assert.True(t, res.Escaped().Contains(x))

	// The callee may have stored arbitrary pointers into x.
	xp := solution(t, res, x)
	assert.True(t, xp.Escaped)
	assert.True(t, xp.NonLocal)

	uses, ok := res.CallUses(call)
	require.True(t, ok)
	assert.True(t, uses.Contains(x))
	clobbers, ok := res.CallClobbers(call)
	require.True(t, ok)
	assert.True(t, clobbers.Contains(x))
}

func TestUnknownCallResult(t *testing.T) {
	y := local("y")
	call := &ir.CallStmt{Dst: ref(y)}

	res := Analyze(AnalysisConfig{Module: singleFunc(call)})

	yp := solution(t, res, y)
	assert.True(t, yp.NonLocal)
	assert.True(t, yp.Escaped)
	assert.False(t, yp.Anything)
}

func TestArgEffectFlags(t *testing.T) {
	// The callee promises not to touch the argument at all: nothing
	// escapes through the call.
	x, p := local("x"), local("p")
	call := &ir.CallStmt{
		Args: []ir.Expr{addrOf(x)},
		Info: ir.CallInfo{ArgFlags: []ir.EffectFlags{ir.EffUnused}},
	}

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(p), addrOf(x)),
		call,
	)})

	assert.False(t, res.Escaped().Contains(x))
	assert.False(t, solution(t, res, x).Escaped)
}

func TestReturnEscapesSeparately(t *testing.T) {
	x, y, r := local("x"), local("y"), local("r")
	call := &ir.CallStmt{
		Dst:  ref(r),
		Args: []ir.Expr{addrOf(x), addrOf(y)},
		Info: ir.CallInfo{ArgFlags: []ir.EffectFlags{
			// x may only be returned, never escape globally.
			ir.EffNoDirectRead | ir.EffNoIndirectRead |
				ir.EffNoDirectClobber | ir.EffNoIndirectClobber |
				ir.EffNoDirectEscape | ir.EffNoIndirectEscape,
			0,
		}},
	}
	ret := ir.ReturnStmt{Val: ref(r)}

	res := Analyze(AnalysisConfig{Module: singleFunc(call, ret)})

	assert.False(t, res.Escaped().Contains(x))
	assert.True(t, res.EscapedReturn().Contains(x))
	assert.True(t, res.Escaped().Contains(y))
}

func TestMemcpy(t *testing.T) {
	a, b, p, q, g := local("a"), local("b"), local("p"), local("q"), local("g")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(a), addrOf(g)),
		assign(ref(p), addrOf(a)),
		assign(ref(q), addrOf(b)),
		&ir.CallStmt{
			Args: []ir.Expr{ref(q), ref(p)},
			Info: ir.CallInfo{Builtin: ir.BuiltinMemcpy},
		},
	)})

	// One level of indirection is copied: b gains a's targets while q
	// and p stay unrelated.
	assert.Equal(t, []string{"g"}, locNames(solution(t, res, b)))
	assert.Equal(t, []string{"b"}, locNames(solution(t, res, q)))
	assert.Equal(t, []string{"a"}, locNames(solution(t, res, p)))
}

func TestMalloc(t *testing.T) {
	d := local("d")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		&ir.CallStmt{Dst: ref(d), Info: ir.CallInfo{Builtin: ir.BuiltinMalloc}},
	)})

	dp := solution(t, res, d)
	locs := dp.Locations()
	require.Len(t, locs, 1)
	assert.True(t, locs[0].Heap)
	assert.True(t, strings.HasPrefix(locs[0].Name, "HEAP."))
	assert.False(t, dp.NonLocal, "fresh heap storage is local")
}

func TestCallocContentsAreNull(t *testing.T) {
	d, r := local("d"), local("r")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		&ir.CallStmt{Dst: ref(d), Info: ir.CallInfo{Builtin: ir.BuiltinCalloc}},
		assign(ref(r), loadOf(d)),
	)})

	rp := solution(t, res, r)
	assert.True(t, rp.Null)
	assert.True(t, rp.IsEmpty())
}

func TestStrdup(t *testing.T) {
	buf, s, d, r, g := local("buf"), local("s"), local("d"), local("r"), local("g")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(buf), addrOf(g)),
		assign(ref(s), addrOf(buf)),
		&ir.CallStmt{
			Dst:  ref(d),
			Args: []ir.Expr{ref(s)},
			Info: ir.CallInfo{Builtin: ir.BuiltinStrdup},
		},
		assign(ref(r), loadOf(d)),
	)})

	// The duplicate carries the source buffer's contents.
	assert.Equal(t, []string{"g"}, locNames(solution(t, res, r)))

	dp := solution(t, res, d)
	require.Len(t, dp.Locations(), 1)
	assert.True(t, dp.Locations()[0].Heap)
}

func TestMemsetNullsContents(t *testing.T) {
	a, p, r, g := local("a"), local("p"), local("r"), local("g")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(a), addrOf(g)),
		assign(ref(p), addrOf(a)),
		&ir.CallStmt{
			Args: []ir.Expr{ref(p)},
			Info: ir.CallInfo{Builtin: ir.BuiltinMemset},
		},
		assign(ref(r), loadOf(p)),
	)})

	// The old contents remain (may-analysis) and null joins them.
	rp := solution(t, res, r)
	assert.True(t, rp.Null)
	assert.True(t, rp.Contains(g))
}

func TestInlineAsm(t *testing.T) {
	x, y := local("x"), local("y")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		ir.AsmStmt{Outputs: []ir.AsmOperand{
			{X: ref(x), Memory: true},
			{X: ref(y)},
		}},
	)})

	// A memory operand's storage is visible to the asm body.
	assert.True(t, res.Escaped().Contains(x))

	// A register output may receive arbitrary non-local pointers.
	yp := solution(t, res, y)
	assert.True(t, yp.NonLocal)
	assert.True(t, yp.Escaped)
}

func TestWholeProgramCall(t *testing.T) {
	p := &ir.Decl{Name: "p", Kind: ir.DeclParam, Type: ptrT()}
	b := local("b")
	callee := &ir.Func{
		Name:   "callee",
		Params: []*ir.Decl{p},
		Body: []ir.Stmt{
			assign(ir.DerefExpr{X: ref(p)}, addrOf(b)),
			ir.ReturnStmt{Val: ref(p)},
		},
	}

	a, y := local("a"), local("y")
	call := &ir.CallStmt{Dst: ref(y), Callee: callee, Args: []ir.Expr{addrOf(a)}}
	caller := &ir.Func{Name: "caller", Body: []ir.Stmt{call}}

	res := Analyze(AnalysisConfig{
		Module:       &ir.Module{Funcs: []*ir.Func{callee, caller}},
		WholeProgram: true,
	})

	// The argument flows into the formal, the store lands in the actual,
	// and the return value flows back.
	assert.True(t, solution(t, res, p).Contains(a))
	assert.True(t, solution(t, res, a).Contains(b))
	assert.Equal(t, []string{"a"}, locNames(solution(t, res, y)))

	// Nothing escaped: the callee is fully analyzed.
	assert.False(t, res.Escaped().Contains(a))

	clobbers, ok := res.CallClobbers(call)
	require.True(t, ok)
	assert.True(t, clobbers.Contains(a))
	uses, ok := res.CallUses(call)
	require.True(t, ok)
	assert.True(t, uses.IsEmpty())
}

func TestWholeProgramAggregateSummaries(t *testing.T) {
	st := &ir.Type{Size: 128, Fields: []ir.Field{
		{Offset: 0, Size: 64, Type: ptrT()},
		{Offset: 64, Size: 64, Type: &ir.Type{Size: 64}},
	}}
	p := &ir.Decl{Name: "p", Kind: ir.DeclParam, Type: ptrT()}
	s := &ir.Decl{Name: "s", Kind: ir.DeclLocal, Type: st}
	s2 := &ir.Decl{Name: "s2", Kind: ir.DeclLocal, Type: st}
	callee := &ir.Func{
		Name:   "callee",
		Params: []*ir.Decl{p},
		Body: []ir.Stmt{
			assign(ir.DerefExpr{X: ref(p)}, ref(s)),
			assign(ref(s2), loadOf(p)),
		},
	}

	tgt := &ir.Decl{Name: "tgt", Kind: ir.DeclLocal, Type: st}
	call := &ir.CallStmt{Callee: callee, Args: []ir.Expr{addrOf(tgt)}}
	caller := &ir.Func{Name: "caller", Body: []ir.Stmt{call}}

	res := Analyze(AnalysisConfig{
		Module:       &ir.Module{Funcs: []*ir.Func{callee, caller}},
		WholeProgram: true,
	})

	// Field-wise copies through a pointer are memory accesses like any
	// other and must show up in the call summaries.
	clobbers, ok := res.CallClobbers(call)
	require.True(t, ok)
	assert.True(t, clobbers.Contains(tgt), "aggregate store through p clobbers *p")
	uses, ok := res.CallUses(call)
	require.True(t, ok)
	assert.True(t, uses.Contains(tgt), "aggregate load through p uses *p")
}

func TestWholeProgramDerefReturnUses(t *testing.T) {
	p := &ir.Decl{Name: "p", Kind: ir.DeclParam, Type: ptrT()}
	callee := &ir.Func{
		Name:   "callee",
		Params: []*ir.Decl{p},
		Body:   []ir.Stmt{ir.ReturnStmt{Val: loadOf(p)}},
	}

	tgt, y := local("tgt"), local("y")
	call := &ir.CallStmt{Dst: ref(y), Callee: callee, Args: []ir.Expr{addrOf(tgt)}}
	caller := &ir.Func{Name: "caller", Body: []ir.Stmt{call}}

	res := Analyze(AnalysisConfig{
		Module:       &ir.Module{Funcs: []*ir.Func{callee, caller}},
		WholeProgram: true,
	})

	// A dereferencing return reads memory even though no assignment is
	// involved.
	uses, ok := res.CallUses(call)
	require.True(t, ok)
	assert.True(t, uses.Contains(tgt))
}

func TestWholeProgramVariadic(t *testing.T) {
	p := &ir.Decl{Name: "p", Kind: ir.DeclParam, Type: ptrT()}
	callee := &ir.Func{
		Name:     "callee",
		Params:   []*ir.Decl{p},
		Variadic: true,
		Body:     []ir.Stmt{},
	}

	a, b, c := local("a"), local("b"), local("c")
	call := &ir.CallStmt{
		Callee: callee,
		Args:   []ir.Expr{addrOf(a), addrOf(b), addrOf(c)},
	}
	caller := &ir.Func{Name: "caller", Body: []ir.Stmt{call}}

	res := Analyze(AnalysisConfig{
		Module:       &ir.Module{Funcs: []*ir.Func{callee, caller}},
		WholeProgram: true,
	})

	// The named argument binds the formal; the tail does not leak in.
	assert.Equal(t, []string{"a"}, locNames(solution(t, res, p)))
}

func TestLocalModeMergesRuns(t *testing.T) {
	g := &ir.Decl{Name: "G", Kind: ir.DeclGlobal, Type: ptrT()}
	a1, a2 := local("a1"), local("a2")

	mod := &ir.Module{
		Globals: []*ir.Decl{g},
		Funcs: []*ir.Func{
			{Name: "f1", Body: []ir.Stmt{assign(ref(g), addrOf(a1))}},
			{Name: "f2", Body: []ir.Stmt{assign(ref(g), addrOf(a2))}},
		},
	}
	res := Analyze(AnalysisConfig{Module: mod})

	// Each body is a separate run; the global's solutions merge.
	gp := solution(t, res, g)
	assert.True(t, gp.Contains(a1))
	assert.True(t, gp.Contains(a2))
}

func TestExternallyVisibleGlobal(t *testing.T) {
	g := &ir.Decl{Name: "G", Kind: ir.DeclGlobal, Type: ptrT(), ExternallyVisible: true}
	r := local("r")

	res := Analyze(AnalysisConfig{Module: &ir.Module{
		Globals: []*ir.Decl{g},
		Funcs:   []*ir.Func{{Name: "f", Body: []ir.Stmt{assign(ref(r), loadOf(g))}}},
	}})

	// A visible global is escaped and holds unknown non-local data.
	assert.True(t, res.Escaped().Contains(g))
	assert.True(t, solution(t, res, g).NonLocal)
	assert.True(t, solution(t, res, r).NonLocal)
}

func TestNilModule(t *testing.T) {
	res := Analyze(AnalysisConfig{})
	_, ok := res.PointsTo(local("x"))
	assert.False(t, ok)
	assert.True(t, res.Escaped().IsEmpty())
}

func TestConstraintDump(t *testing.T) {
	p, a := local("p"), local("a")
	var sb strings.Builder

	Analyze(AnalysisConfig{
		Module:          singleFunc(assign(ref(p), addrOf(a))),
		DumpConstraints: &sb,
	})

	assert.Contains(t, sb.String(), "p = &a")
}
