package andersen

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointsto/andersen/ir"
)

// Helpers for assembling small test programs.

func ptrT() *ir.Type { return &ir.Type{Size: 64, Pointer: true} }

func local(name string) *ir.Decl {
	return &ir.Decl{Name: name, Kind: ir.DeclLocal, Type: ptrT()}
}

func ref(d *ir.Decl) ir.Expr    { return ir.VarExpr{Decl: d} }
func addrOf(d *ir.Decl) ir.Expr { return ir.AddrExpr{X: ir.VarExpr{Decl: d}} }
func loadOf(d *ir.Decl) ir.Expr { return ir.DerefExpr{X: ir.VarExpr{Decl: d}} }

func assign(dst, src ir.Expr) ir.Stmt { return ir.AssignStmt{Dst: dst, Src: src} }

func singleFunc(stmts ...ir.Stmt) *ir.Module {
	return &ir.Module{Funcs: []*ir.Func{{Name: "f", Body: stmts}}}
}

func locNames(pt PointsToSet) []string {
	var names []string
	for _, l := range pt.Locations() {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	return names
}

func solution(t *testing.T, res *Result, d *ir.Decl) PointsToSet {
	t.Helper()
	pt, ok := res.PointsTo(d)
	require.True(t, ok, "no solution for %s", d.Name)
	return pt
}

func TestBasicPropagation(t *testing.T) {
	p, q := local("p"), local("q")
	a, b := local("a"), local("b")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(p), addrOf(a)),
		assign(ref(q), ref(p)),
		assign(ir.DerefExpr{X: ref(q)}, addrOf(b)),
	)})

	pp := solution(t, res, p)
	qp := solution(t, res, q)
	assert.Equal(t, []string{"a"}, locNames(pp))
	assert.Equal(t, []string{"a"}, locNames(qp))
	assert.True(t, pp.Contains(a))
	assert.False(t, pp.Contains(b))

	// The store through q lands in a.
	ap := solution(t, res, a)
	assert.True(t, ap.Contains(b))
}

func TestLoadThroughPointer(t *testing.T) {
	p, q, r := local("p"), local("q"), local("r")
	a, b := local("a"), local("b")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(a), addrOf(b)),
		assign(ref(p), addrOf(a)),
		assign(ref(q), loadOf(p)), // q = *p = a's value
		assign(ref(r), loadOf(q)), // r = *q = b's value (empty)
	)})

	assert.Equal(t, []string{"b"}, locNames(solution(t, res, q)))
	assert.True(t, solution(t, res, r).IsEmpty())
}

func TestSharedSolutionBitmaps(t *testing.T) {
	p, q, a := local("p"), local("q"), local("a")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(p), addrOf(a)),
		assign(ref(q), ref(p)),
	)})

	pp := solution(t, res, p)
	qp := solution(t, res, q)
	require.NotNil(t, pp.vars)
	assert.Same(t, pp.vars, qp.vars, "identical solutions share one bitmap")
}

func TestCopyCycle(t *testing.T) {
	p, q, r, a := local("p"), local("q"), local("r"), local("a")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(p), ref(q)),
		assign(ref(q), ref(p)),
		assign(ref(p), addrOf(a)),
		assign(ref(r), ref(q)),
	)})

	for _, d := range []*ir.Decl{p, q, r} {
		assert.Equal(t, []string{"a"}, locNames(solution(t, res, d)), d.Name)
	}
}

func TestOfflineUnification(t *testing.T) {
	p, q, tgt := local("p"), local("q"), local("tgt")
	r1, r2 := local("r1"), local("r2")

	mod := singleFunc(
		assign(ref(p), ref(q)),
		assign(ref(q), ref(p)),
		assign(ref(p), addrOf(tgt)),
		// r1 and r2 have identical incoming copy edges and no other way
		// to gain members.
		assign(ref(r1), ref(q)),
		assign(ref(r2), ref(q)),
	)

	an := newAnalysis(AnalysisConfig{Module: mod})
	an.run(newResult(), mod.Funcs)

	assert.Equal(t, an.find(an.declToVar[p]), an.find(an.declToVar[q]),
		"copy cycle collapses")
	assert.Equal(t, an.find(an.declToVar[r1]), an.find(an.declToVar[r2]),
		"identical predecessors unify")
	assert.Positive(t, an.stats.Unified)

	// The target's identity survives: it is address-taken.
	assert.Equal(t, an.declToVar[tgt], an.find(an.declToVar[tgt]))
}

func TestPointerArithmetic(t *testing.T) {
	st := &ir.Type{Size: 128, Fields: []ir.Field{
		{Offset: 0, Size: 64, Type: ptrT()},
		{Offset: 64, Size: 64, Type: ptrT()},
	}}
	s := &ir.Decl{Name: "s", Kind: ir.DeclLocal, Type: st}
	p, q, u, r, b := local("p"), local("q"), local("u"), local("r"), local("b")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(p), ir.AddrExpr{X: ref(s)}),
		assign(ref(q), ir.PtrAddExpr{X: ref(p), Offset: 64}),
		assign(ref(u), ir.PtrAddExpr{X: ref(p), Offset: ir.UnknownOffset}),
		assign(ir.DerefExpr{X: ref(q)}, addrOf(b)),
		assign(ref(r), ir.FieldExpr{X: ref(s), Offset: 64}),
	)})

	pp := solution(t, res, p)
	require.Len(t, pp.Locations(), 1)
	assert.EqualValues(t, 0, pp.Locations()[0].Offset)

	qp := solution(t, res, q)
	require.Len(t, qp.Locations(), 1)
	assert.EqualValues(t, 64, qp.Locations()[0].Offset)

	// An unknown offset widens to every field the known one reaches.
	up := solution(t, res, u)
	assert.Len(t, up.Locations(), 2)
	assert.True(t, up.Contains(s))

	// The store through q hit the second field only.
	assert.Equal(t, []string{"b"}, locNames(solution(t, res, r)))
}

func TestAggregateCopy(t *testing.T) {
	st := &ir.Type{Size: 128, Fields: []ir.Field{
		{Offset: 0, Size: 64, Type: ptrT()},
		{Offset: 64, Size: 64, Type: &ir.Type{Size: 64}},
	}}
	s1 := &ir.Decl{Name: "s1", Kind: ir.DeclLocal, Type: st}
	s2 := &ir.Decl{Name: "s2", Kind: ir.DeclLocal, Type: st}
	x, y, g := local("x"), local("y"), local("g")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(x), addrOf(g)),
		assign(ir.FieldExpr{X: ref(s1)}, ref(x)),
		assign(ref(s2), ref(s1)),
		assign(ref(y), ir.FieldExpr{X: ref(s2)}),
	)})

	assert.Equal(t, []string{"g"}, locNames(solution(t, res, y)))
}

func TestPhiMergesArms(t *testing.T) {
	d, a, b := local("d"), local("a"), local("b")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		ir.PhiStmt{Dst: d, Args: []ir.Expr{addrOf(a), addrOf(b)}},
	)})

	assert.Equal(t, []string{"a", "b"}, locNames(solution(t, res, d)))
}

func TestConstants(t *testing.T) {
	p, q, r := local("p"), local("q"), local("r")

	res := Analyze(AnalysisConfig{Module: singleFunc(
		assign(ref(p), ir.ConstExpr{Kind: ir.ConstNull}),
		assign(ref(q), ir.ConstExpr{Kind: ir.ConstString}),
		assign(ref(r), ir.IntToPtrExpr{X: ref(p)}),
	)})

	pp := solution(t, res, p)
	assert.True(t, pp.Null)
	assert.True(t, pp.IsEmpty(), "a null-only set aliases nothing")

	qp := solution(t, res, q)
	assert.True(t, qp.ReadOnly)
	assert.False(t, qp.IsEmpty())

	// A pointer recovered from an integer may point anywhere.
	rp := solution(t, res, r)
	assert.True(t, rp.Anything)
	assert.Empty(t, rp.Locations())
}

func TestReSolveIsStable(t *testing.T) {
	p, q, a, b := local("p"), local("q"), local("a"), local("b")
	mod := singleFunc(
		assign(ref(p), addrOf(a)),
		assign(ref(q), ref(p)),
		assign(ir.DerefExpr{X: ref(q)}, addrOf(b)),
	)

	res1 := Analyze(AnalysisConfig{Module: mod})
	res2 := Analyze(AnalysisConfig{Module: mod})

	for _, d := range []*ir.Decl{p, q, a, b} {
		pt1, ok1 := res1.PointsTo(d)
		pt2, ok2 := res2.PointsTo(d)
		require.Equal(t, ok1, ok2)
		assert.Equal(t, locNames(pt1), locNames(pt2), d.Name)
	}
}
