package andersen

import (
	"fmt"
	"io"
	"sort"

	"github.com/spakin/disjoint"
	"github.com/yourbasic/graph"
	"golang.org/x/exp/slices"
	"golang.org/x/tools/container/intsets"

	"github.com/pointsto/andersen/internal/sliceutil"
)

// The solver turns the constraint set into points-to bitmaps. Copy
// constraints become graph edges, address-of constraints seed solutions,
// and complex (dereference/offset) constraints materialize additional
// edges as solutions grow, until a fixpoint.

type solverState struct {
	complex []constraint   // complex constraints keyed on this node
	copyTo  intsets.Sparse // simple copy edges out of this node
	pts     intsets.Sparse // points-to set
	prevPTS intsets.Sparse // pts in the previous visit, for difference propagation
}

func (a *analysis) st(v VarID) *solverState {
	if a.states[v] == nil {
		a.states[v] = new(solverState)
	}
	return a.states[v]
}

// find resolves a variable to its unification representative. Always
// resolve before touching a solution bitmap.
func (a *analysis) find(v VarID) VarID {
	if a.repID == nil {
		return v
	}
	return a.repID[v]
}

func (c constraint) isCopy() bool {
	return c.lhs.kind == ceScalar && c.rhs.kind == ceScalar && c.rhs.offset == 0
}

// unifyOffline performs offline variable substitution before the
// fixpoint: strongly-connected copy-only cycles collapse to one
// representative, then nodes with syntactically identical incoming copy
// edges (and no other way to gain members) unify as well.
//
// Address-taken variables are never unified: they are locations, and
// locations keep their identity even when copy-equivalent as pointers.
func (a *analysis) unifyOffline() {
	n := len(a.varpool)

	eligible := make([]bool, n)
	for i := int(firstFreeID); i < n; i++ {
		eligible[i] = true
	}
	seeded := make([]bool, n)   // direct address-of seeds
	complexL := make([]bool, n) // gains members from a complex constraint
	for _, c := range a.constraints {
		if c.rhs.kind == ceAddrOf {
			eligible[c.rhs.v] = false // address taken
			seeded[c.lhs.v] = true
		}
		if c.rhs.kind == ceDeref || (c.rhs.kind == ceScalar && c.rhs.offset != 0) {
			complexL[c.lhs.v] = true
		}
	}

	elems := make([]*disjoint.Element, n)
	for i := range elems {
		elems[i] = disjoint.NewElement()
		elems[i].Data = VarID(i)
	}

	// Pass 1: collapse copy-only cycles.
	g := graph.New(n)
	for _, c := range a.constraints {
		if c.isCopy() && eligible[c.lhs.v] && eligible[c.rhs.v] && c.lhs.v != c.rhs.v {
			g.Add(int(c.rhs.v), int(c.lhs.v))
		}
	}
	for _, comp := range graph.StrongComponents(g) {
		if len(comp) < 2 {
			continue
		}
		for _, w := range comp[1:] {
			disjoint.Union(elems[comp[0]], elems[w])
			a.stats.Unified++
		}
	}
	a.finalizeReps(elems)

	// Pass 2: unify nodes whose solutions are fully determined by
	// identical incoming copy-edge sets. Seed and complex-target flags
	// must hold for a whole unified set, not just its representative.
	repSeeded := make([]bool, n)
	for i := 0; i < n; i++ {
		if seeded[i] || complexL[i] {
			repSeeded[a.find(VarID(i))] = true
		}
		if !eligible[i] {
			eligible[a.find(VarID(i))] = false
		}
	}
	preds := make(map[VarID][]int, n)
	for _, c := range a.constraints {
		if c.isCopy() {
			l := a.find(c.lhs.v)
			preds[l] = append(preds[l], int(a.find(c.rhs.v)))
		}
	}
	byKey := make(map[string]VarID)
	for v := firstFreeID; int(v) < n; v++ {
		if !eligible[v] || repSeeded[v] || a.find(v) != v {
			continue
		}
		ps := preds[v]
		if len(ps) == 0 {
			continue
		}
		sort.Ints(ps)
		ps = slices.Compact(ps)
		key := fmt.Sprint(ps)
		if w, ok := byKey[key]; ok {
			disjoint.Union(elems[w], elems[v])
			a.stats.Unified++
		} else {
			byKey[key] = v
		}
	}
	a.finalizeReps(elems)
}

// finalizeReps rewrites the representative table so that every set is
// represented by its smallest member id, deterministically.
func (a *analysis) finalizeReps(elems []*disjoint.Element) {
	n := len(elems)
	a.repID = make([]VarID, n)
	chosen := make(map[*disjoint.Element]VarID, n)
	for i := 0; i < n; i++ {
		root := elems[i].Find()
		rep, ok := chosen[root]
		if !ok {
			rep = VarID(i)
			chosen[root] = rep
		}
		a.repID[i] = rep
	}
}

// solve builds the constraint graph and iterates to a fixpoint.
func (a *analysis) solve() {
	a.unifyOffline()
	a.states = make([]*solverState, len(a.varpool))

	for _, c := range a.constraints {
		l := a.find(c.lhs.v)
		switch {
		case c.rhs.kind == ceAddrOf:
			if c.lhs.kind == ceDeref {
				panic("unnormalized constraint: address-of stored through a dereference")
			}
			a.st(l).pts.Insert(int(c.rhs.v))
		case c.lhs.kind == ceDeref:
			// store: keyed on the pointer being stored through
			st := a.st(l)
			st.complex = append(st.complex, c)
		case c.rhs.kind == ceDeref, c.rhs.offset != 0:
			// load / offset: keyed on the pointer being read
			st := a.st(a.find(c.rhs.v))
			st.complex = append(st.complex, c)
		default:
			if r := a.find(c.rhs.v); r != l {
				a.st(r).copyTo.Insert(int(l))
			}
		}
	}

	for i := range a.states {
		if a.states[i] != nil && !a.states[i].pts.IsEmpty() {
			a.addWork(VarID(i))
		}
	}

	var delta intsets.Sparse
	for {
		var x int
		if !a.work.TakeMin(&x) {
			break
		}
		id := VarID(x)
		if a.find(id) != id {
			continue
		}
		n := a.st(id)

		// Difference propagation: only the growth since the last visit
		// flows onward.
		delta.Difference(&n.pts, &n.prevPTS)
		if delta.IsEmpty() {
			continue
		}
		n.prevPTS.Copy(&n.pts)

		if a.log.IsLevelEnabled(traceConstraints) {
			a.log.Debugf("solve: pts(%s) += %s", a.vi(id), delta.String())
		}

		for _, c := range n.complex {
			a.solveComplex(c, &delta)
		}

		var copySeen intsets.Sparse
		for _, t := range n.copyTo.AppendTo(a.deltaSpace[:0]) {
			mid := a.find(VarID(t))
			if mid != id && copySeen.Insert(int(mid)) {
				if a.st(mid).pts.UnionWith(&delta) {
					a.addWork(mid)
				}
			}
		}
	}

	if s := a.st(a.find(NullID)); !s.pts.IsEmpty() {
		panic(fmt.Sprintf("pts(NULL) is nonempty: %s", s.pts.String()))
	}

	// Release working state; final PTS bitmaps stay.
	for _, s := range a.states {
		if s != nil {
			s.complex = nil
			s.copyTo.Clear()
			s.prevPTS.Clear()
		}
	}
}

func (a *analysis) addWork(id VarID) {
	a.work.Insert(int(a.find(id)))
}

// onlineCopy adds a copy edge during solving and propagates the current
// solution across it immediately. Reports whether pts(dst) changed.
func (a *analysis) onlineCopy(dst, src VarID) bool {
	dst, src = a.find(dst), a.find(src)
	if dst == src {
		return false
	}
	if nsrc := a.st(src); nsrc.copyTo.Insert(int(dst)) {
		return a.st(dst).pts.UnionWith(&nsrc.pts)
	}
	return false
}

// memberTargets resolves a dereference of member m at a bit offset to the
// constraint variables standing for the accessed storage. A known offset
// resolves to the overlapping field (or the nearest preceding one, so
// one-past-end pointers stay sound); an unknown offset widens to every
// field from the starting point (fromHead: from the aggregate start).
func (a *analysis) memberTargets(m VarID, off int64, fromHead bool) []VarID {
	vi := a.vi(m)
	if vi.isSpecial || vi.isFullVar || vi.isUnknownSize {
		return []VarID{m}
	}
	if off == unknownSize {
		start := m
		if fromHead {
			start = vi.head
		}
		var ids []VarID
		for f := a.vi(start); f != nil; f = a.nextField(f) {
			ids = append(ids, f.id)
		}
		return ids
	}
	target := vi.offset + off
	if target < 0 {
		return a.fieldChain(m)
	}
	return []VarID{a.fieldAt(m, target)}
}

func (a *analysis) solveComplex(c constraint, delta *intsets.Sparse) {
	switch {
	case c.lhs.kind == ceDeref:
		a.solveStore(c, delta)
	case c.rhs.kind == ceDeref:
		a.solveLoad(c, delta)
	default:
		a.solveOffset(c, delta)
	}
}

// solveLoad materializes lhs = *rhs: every new member of rhs contributes a
// copy edge from the member's storage.
func (a *analysis) solveLoad(c constraint, delta *intsets.Sparse) {
	changed := false
	for _, x := range delta.AppendTo(a.deltaSpace[:0]) {
		m := VarID(x)
		if m == NullID || m == StringID {
			continue // no storage to read
		}
		for _, t := range a.memberTargets(m, c.rhs.offset, true) {
			if a.onlineCopy(c.lhs.v, t) {
				changed = true
			}
		}
	}
	if changed {
		a.addWork(c.lhs.v)
	}
}

// solveStore materializes *lhs = rhs: every new member of lhs receives a
// copy edge from rhs. Stores through ANYTHING divert to STOREDANYTHING,
// which the axioms fold into ESCAPED.
func (a *analysis) solveStore(c constraint, delta *intsets.Sparse) {
	for _, x := range delta.AppendTo(a.deltaSpace[:0]) {
		m := VarID(x)
		if m == NullID || m == StringID {
			continue // not writable storage
		}
		if m == AnythingID {
			if a.onlineCopy(StoredAnythingID, c.rhs.v) {
				a.addWork(StoredAnythingID)
			}
			continue
		}
		for _, t := range a.memberTargets(m, c.lhs.offset, true) {
			if !a.vi(t).mayHavePointers {
				continue
			}
			if a.onlineCopy(t, c.rhs.v) {
				a.addWork(t)
			}
		}
	}
}

// solveOffset materializes lhs = rhs + k: members shift by the offset,
// rounding down to field boundaries; unknown offsets widen to the rest of
// the aggregate.
func (a *analysis) solveOffset(c constraint, delta *intsets.Sparse) {
	dst := a.find(c.lhs.v)
	changed := false
	for _, x := range delta.AppendTo(a.deltaSpace[:0]) {
		m := VarID(x)
		for _, t := range a.memberTargets(m, c.rhs.offset, false) {
			if a.st(dst).pts.Insert(int(t)) {
				changed = true
			}
		}
	}
	if changed {
		a.addWork(dst)
	}
}

// dumpSolutions writes the solved points-to sets in dump-file syntax.
func (a *analysis) dumpSolutions(w io.Writer) {
	for i, s := range a.states {
		id := VarID(i)
		if s == nil || s.pts.IsEmpty() || a.find(id) != id {
			continue
		}
		names := sliceutil.Map(s.pts.AppendTo(nil), func(m int) string {
			return a.vi(VarID(m)).name
		})
		fmt.Fprintf(w, "%s = { ", a.vi(id).name)
		for _, n := range names {
			fmt.Fprintf(w, "%s ", n)
		}
		fmt.Fprintln(w, "}")
	}
}
