package andersen

import (
	"golang.org/x/tools/container/intsets"

	"github.com/pointsto/andersen/ir"
)

// Location is one abstract memory location a pointer may reference.
type Location struct {
	Name string
	Decl *ir.Decl // nil for heap objects and other artificial storage
	// Offset and Size locate a field location within its aggregate (bits).
	Offset int64
	Size   int64
	Heap   bool
	Global bool
}

// PointsToSet is the frozen, immutable points-to result for one entity.
// Artificial singleton members are expanded into the boolean flags; the
// remaining members are concrete locations. Once Anything is set no
// per-location details are computed at all.
type PointsToSet struct {
	// Anything: the entity may point to any location whatsoever.
	Anything bool
	// Null: the entity may be a null pointer.
	Null bool
	// Escaped: the entity may point into memory that escaped the analyzed
	// scope (escapes globally).
	Escaped bool
	// EscapedReturn: the entity may point into memory escaping via a
	// function return only.
	EscapedReturn bool
	// NonLocal: the entity may point to global or external memory.
	NonLocal bool
	// ReadOnly: the entity may point into read-only (string) data.
	ReadOnly bool

	res  *Result
	vars *intsets.Sparse // shared, hash-consed; nil when no concrete members
}

// Result holds the frozen points-to solutions of one Analyze call. It owns
// copies of everything it needs; the analysis run that produced it is gone.
type Result struct {
	locs      []Location
	declVars  map[*ir.Decl][]int
	solutions map[*ir.Decl]PointsToSet

	callUses     map[*ir.CallStmt]PointsToSet
	callClobbers map[*ir.CallStmt]PointsToSet

	escaped       PointsToSet
	escapedReturn PointsToSet
}

func newResult() *Result {
	return &Result{
		declVars:     make(map[*ir.Decl][]int),
		solutions:    make(map[*ir.Decl]PointsToSet),
		callUses:     make(map[*ir.CallStmt]PointsToSet),
		callClobbers: make(map[*ir.CallStmt]PointsToSet),
	}
}

// PointsTo returns the solved points-to set for a declaration. The second
// result is false for declarations the analysis never saw.
func (r *Result) PointsTo(decl *ir.Decl) (PointsToSet, bool) {
	pt, ok := r.solutions[decl]
	return pt, ok
}

// CallUses returns the set of memory a call may read.
func (r *Result) CallUses(call *ir.CallStmt) (PointsToSet, bool) {
	pt, ok := r.callUses[call]
	return pt, ok
}

// CallClobbers returns the set of memory a call may write.
func (r *Result) CallClobbers(call *ir.CallStmt) (PointsToSet, bool) {
	pt, ok := r.callClobbers[call]
	return pt, ok
}

// Escaped is the process-wide set of everything that escaped visibility.
func (r *Result) Escaped() PointsToSet { return r.escaped }

// EscapedReturn is the set of everything escaping via return values.
func (r *Result) EscapedReturn() PointsToSet { return r.escapedReturn }

// Locations lists the concrete locations of the set. Empty when Anything
// is set, since no details are computed for maximally imprecise results.
func (p PointsToSet) Locations() []Location {
	if p.vars == nil {
		return nil
	}
	out := make([]Location, 0, p.vars.Len())
	for _, m := range p.vars.AppendTo(nil) {
		out = append(out, p.res.locs[m])
	}
	return out
}

// IsEmpty reports whether the set references no storage at all. A set
// containing only null is considered empty: there is nothing to alias.
func (p PointsToSet) IsEmpty() bool {
	return !p.Anything && !p.Escaped && !p.EscapedReturn && !p.NonLocal &&
		!p.ReadOnly && (p.vars == nil || p.vars.IsEmpty())
}

// Contains reports whether the set may reference decl's storage.
func (p PointsToSet) Contains(decl *ir.Decl) bool {
	if p.Anything {
		return true
	}
	if p.vars == nil || p.res == nil {
		return false
	}
	for _, id := range p.res.declVars[decl] {
		if p.vars.Has(id) {
			return true
		}
	}
	return false
}

// IncludesGlobal reports whether the set may reference global memory.
// When escapedLocalCountsAsGlobal is false, the ESCAPED placeholder is
// expanded through the process-wide escaped solution instead of being
// treated as global outright.
func (p PointsToSet) IncludesGlobal(escapedLocalCountsAsGlobal bool) bool {
	if p.Anything || p.NonLocal {
		return true
	}
	if p.Escaped {
		if escapedLocalCountsAsGlobal {
			return true
		}
		if p.res != nil {
			esc := p.res.escaped
			if esc.Anything || esc.NonLocal {
				return true
			}
			if esc.vars != nil && anyGlobal(p.res, esc.vars) {
				return true
			}
		}
	}
	return p.vars != nil && anyGlobal(p.res, p.vars)
}

func anyGlobal(res *Result, vars *intsets.Sparse) bool {
	for _, m := range vars.AppendTo(nil) {
		if res.locs[m].Global {
			return true
		}
	}
	return false
}

// Intersects reports whether two sets may reference common storage. The
// ESCAPED placeholder on either side is expanded through the process-wide
// escaped solution.
func (p PointsToSet) Intersects(q PointsToSet) bool {
	if p.Anything {
		return !q.IsEmpty()
	}
	if q.Anything {
		return !p.IsEmpty()
	}
	if p.Escaped && q.Escaped || p.NonLocal && q.NonLocal || p.ReadOnly && q.ReadOnly {
		return true
	}
	if p.EscapedReturn && q.EscapedReturn {
		return true
	}
	if p.vars != nil && q.vars != nil && p.vars.Intersects(q.vars) {
		return true
	}
	// Expand ESCAPED one level: escaped memory overlaps anything that has
	// itself escaped. The solver keeps ESCAPED transitively closed, so one
	// expansion suffices.
	if p.res != nil {
		esc := p.res.escaped
		if p.Escaped && overlapsEscaped(q, esc) {
			return true
		}
		if q.Escaped && overlapsEscaped(p, esc) {
			return true
		}
	}
	return false
}

func overlapsEscaped(p, esc PointsToSet) bool {
	if esc.Anything {
		return !p.IsEmpty()
	}
	if p.NonLocal && esc.NonLocal || p.ReadOnly && esc.ReadOnly {
		return true
	}
	return p.vars != nil && esc.vars != nil && p.vars.Intersects(esc.vars)
}

// --- extraction, run side ---

// pointsToSet converts a variable's raw solution bitmap into a frozen
// result, remapping run-local variable ids into the result's location
// table at the given base. Identical bitmaps are shared through the run's
// hash-cons table; results with the anything flag carry no details.
func (a *analysis) pointsToSet(res *Result, base int, v VarID) PointsToSet {
	rep := a.find(v)
	if pt, ok := a.ptCache[rep]; ok {
		return pt
	}

	pt := PointsToSet{res: res}
	sol := &a.st(rep).pts

	if sol.Has(int(AnythingID)) {
		pt.Anything = true
		a.ptCache[rep] = pt
		return pt
	}

	vars := new(intsets.Sparse)
	for _, x := range sol.AppendTo(a.deltaSpace[:0]) {
		switch m := VarID(x); m {
		case NullID:
			pt.Null = true
		case StringID:
			pt.ReadOnly = true
		case EscapedID, StoredAnythingID:
			pt.Escaped = true
		case EscapedReturnID:
			pt.EscapedReturn = true
		case NonlocalID:
			pt.NonLocal = true
		case IntegerID:
			pt.Anything = true
		default:
			vars.Insert(base + x)
		}
	}
	if pt.Anything {
		pt = PointsToSet{res: res, Anything: true}
	} else if !vars.IsEmpty() {
		pt.vars = a.internBitmap(vars)
	}
	a.ptCache[rep] = pt
	return pt
}

// internBitmap hash-conses solution bitmaps so that variables with
// identical solutions share one immutable object.
func (a *analysis) internBitmap(s *intsets.Sparse) *intsets.Sparse {
	key := s.String()
	if shared, ok := a.shared[key]; ok {
		return shared
	}
	a.shared[key] = s
	return s
}

// extractInto copies this run's solutions into the long-lived result.
// Everything the result needs survives the run's teardown.
func (a *analysis) extractInto(res *Result) {
	base := len(res.locs)

	for _, vi := range a.varpool {
		loc := Location{}
		if vi != nil {
			loc = Location{
				Name:   vi.name,
				Decl:   vi.decl,
				Offset: vi.offset,
				Size:   vi.size,
				Heap:   vi.isHeap,
				Global: vi.isGlobal,
			}
		}
		res.locs = append(res.locs, loc)
	}

	for decl, head := range a.declToVar {
		for _, f := range a.fieldChain(head) {
			res.declVars[decl] = append(res.declVars[decl], base+int(f))
		}
		pt := a.pointsToSet(res, base, head)
		if prev, ok := res.solutions[decl]; ok {
			pt = mergePointsTo(prev, pt)
		}
		res.solutions[decl] = pt
	}

	for call, v := range a.callUses {
		res.callUses[call] = a.pointsToSet(res, base, v)
	}
	for call, v := range a.callClobbers {
		res.callClobbers[call] = a.pointsToSet(res, base, v)
	}

	res.escaped = mergePointsTo(res.escaped, a.pointsToSet(res, base, EscapedID))
	res.escapedReturn = mergePointsTo(res.escapedReturn, a.pointsToSet(res, base, EscapedReturnID))
}

// mergePointsTo unions two frozen sets, used when sequential per-function
// runs both produce a solution for the same entity.
func mergePointsTo(p, q PointsToSet) PointsToSet {
	if p.res == nil {
		return q
	}
	if q.res == nil {
		return p
	}
	out := PointsToSet{
		res:           p.res,
		Anything:      p.Anything || q.Anything,
		Null:          p.Null || q.Null,
		Escaped:       p.Escaped || q.Escaped,
		EscapedReturn: p.EscapedReturn || q.EscapedReturn,
		NonLocal:      p.NonLocal || q.NonLocal,
		ReadOnly:      p.ReadOnly || q.ReadOnly,
	}
	if out.Anything {
		return PointsToSet{res: p.res, Anything: true}
	}
	switch {
	case p.vars == nil:
		out.vars = q.vars
	case q.vars == nil:
		out.vars = p.vars
	default:
		u := new(intsets.Sparse)
		u.Copy(p.vars)
		u.UnionWith(q.vars)
		out.vars = u
	}
	return out
}
