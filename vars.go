package andersen

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/pointsto/andersen/ir"
)

// VarID densely identifies a constraint variable within one analysis run.
// Zero is reserved and never refers to a variable.
type VarID uint32

const InvalidVar VarID = 0

// Special singleton variables occupy the front of the arena. Their ids are
// fixed for the lifetime of a run and never reused.
const (
	// NullID points to nothing.
	NullID VarID = iota + 1
	// AnythingID is the completely unknown location; it points to itself.
	AnythingID
	// StringID is read-only constant data; it points to nothing.
	StringID
	// EscapedID is the transitive closure of everything that escaped
	// analysis visibility.
	EscapedID
	// NonlocalID stands for all global and external memory.
	NonlocalID
	// EscapedReturnID collects values escaping via function return only.
	EscapedReturnID
	// StoredAnythingID collects values stored through unknown pointers.
	StoredAnythingID
	// IntegerID is the result of pointer/integer round trips; it aliases
	// ANYTHING.
	IntegerID

	firstFreeID
)

// unknownSize marks variables whose extent is not statically known.
const unknownSize int64 = -1

// varInfo is one constraint variable: a scalar, one field of a decomposed
// aggregate, a heap object, or an interprocedural summary slot.
type varInfo struct {
	id   VarID
	name string
	decl *ir.Decl // nil for artificial variables

	// offset and size locate the variable within its aggregate; fullSize is
	// the size of the whole aggregate and is identical across a field
	// chain. All in bits, unknownSize when not constant.
	offset   int64
	size     int64
	fullSize int64

	isArtificial    bool
	isSpecial       bool
	isUnknownSize   bool
	isFullVar       bool // stands for a whole (non-decomposed) object
	isHeap          bool
	mayHavePointers bool
	onlyRestrict    bool // may only point to its restrict target
	isRestrict      bool
	isGlobal        bool
	isEscapePoint   bool
	isFnInfo        bool
	isReg           bool // SSA-like temporary, address never taken

	// head is the first field of this variable's aggregate (self if none);
	// next links sibling fields in strictly increasing offset order.
	head VarID
	next VarID
}

func (vi *varInfo) String() string {
	if vi.offset == 0 && vi.isFullVar {
		return fmt.Sprintf("n%d(%s)", vi.id, vi.name)
	}
	return fmt.Sprintf("n%d(%s+%d)", vi.id, vi.name, vi.offset)
}

// newVar appends a fresh variable to the arena.
func (a *analysis) newVar(name string, decl *ir.Decl) *varInfo {
	vi := &varInfo{
		id:       VarID(len(a.varpool)),
		name:     name,
		decl:     decl,
		fullSize: unknownSize,
		size:     unknownSize,
	}
	vi.head = vi.id
	a.varpool = append(a.varpool, vi)
	return vi
}

func (a *analysis) vi(id VarID) *varInfo {
	if id == InvalidVar || int(id) >= len(a.varpool) {
		panic(fmt.Sprintf("no variable registered for id %d", id))
	}
	return a.varpool[id]
}

// initSpecialVars creates the fixed singleton variables and their axiom
// constraints. Must run before any other variable is created.
func (a *analysis) initSpecialVars() {
	mk := func(id VarID, name string) *varInfo {
		vi := a.newVar(name, nil)
		if vi.id != id {
			panic(fmt.Sprintf("special variable %s allocated id %d, want %d", name, vi.id, id))
		}
		vi.isArtificial = true
		vi.isSpecial = true
		vi.isFullVar = true
		vi.mayHavePointers = true
		vi.offset = 0
		return vi
	}

	mk(NullID, "NULL")
	mk(AnythingID, "ANYTHING")
	str := mk(StringID, "STRING")
	str.mayHavePointers = false
	mk(EscapedID, "ESCAPED")
	nl := mk(NonlocalID, "NONLOCAL")
	nl.isGlobal = true
	mk(EscapedReturnID, "ESCAPED_RETURN")
	mk(StoredAnythingID, "STOREDANYTHING")
	mk(IntegerID, "INTEGER")

	// Axioms tying the singletons together. Once something is escaped its
	// transitively reachable set is conservatively included.
	a.addConstraint(sc(AnythingID), addr(AnythingID))   // ANYTHING = &ANYTHING
	a.addConstraint(sc(EscapedID), deref(EscapedID))    // ESCAPED = *ESCAPED
	a.addConstraint(deref(EscapedID), sc(NonlocalID))   // *ESCAPED = NONLOCAL
	a.addConstraint(sc(NonlocalID), addr(NonlocalID))   // NONLOCAL = &NONLOCAL
	a.addConstraint(sc(NonlocalID), addr(EscapedID))    // NONLOCAL = &ESCAPED
	a.addConstraint(sc(EscapedReturnID), deref(EscapedReturnID))
	a.addConstraint(sc(EscapedID), sc(StoredAnythingID))
	a.addConstraint(sc(IntegerID), addr(AnythingID)) // INTEGER aliases ANYTHING
}

// fieldSpec is one flattened field candidate during decomposition.
type fieldSpec struct {
	offset      int64
	size        int64
	hasPointers bool
}

// flattenType collects the scalar leaves of t at base offset off. It
// reports false when any leaf has an unknown size or offset, in which case
// decomposition must be abandoned.
func flattenType(t *ir.Type, off int64, out *[]fieldSpec) bool {
	if !t.Aggregate() {
		if t.Size == ir.UnknownOffset {
			return false
		}
		*out = append(*out, fieldSpec{offset: off, size: t.Size, hasPointers: t.HasPointers()})
		return true
	}
	for _, f := range t.Fields {
		if f.Offset == ir.UnknownOffset || f.Size == ir.UnknownOffset {
			return false
		}
		if !flattenType(f.Type, off+f.Offset, out) {
			return false
		}
	}
	return true
}

// createVariable registers a constraint variable (chain) for decl and
// returns the head id. Aggregates are decomposed into a sorted,
// non-overlapping field chain; decomposition falls back to one full-size
// variable when the field count exceeds the cap, a field size is unknown,
// or sorted fields overlap.
func (a *analysis) createVariable(decl *ir.Decl) VarID {
	if id, ok := a.declToVar[decl]; ok {
		return id
	}

	var fields []fieldSpec
	ok := decl.Type != nil && flattenType(decl.Type, 0, &fields)
	if ok {
		slices.SortFunc(fields, func(x, y fieldSpec) bool { return x.offset < y.offset })
		for i := 1; i < len(fields); i++ {
			if fields[i-1].offset+fields[i-1].size > fields[i].offset {
				ok = false // overlapping layout, e.g. a union
				break
			}
		}
	}
	if !ok || len(fields) <= 1 || len(fields) > a.maxFields() {
		return a.createFullVariable(decl)
	}

	fullSize := decl.Type.Size
	head := a.newVar(decl.Name, decl)
	a.declToVar[decl] = head.id
	a.initDeclVar(head, decl)
	head.offset = fields[0].offset
	head.size = fields[0].size
	head.fullSize = fullSize
	head.mayHavePointers = fields[0].hasPointers
	head.isFullVar = false

	prev := head
	for _, f := range fields[1:] {
		vi := a.newVar(fmt.Sprintf("%s+%d", decl.Name, f.offset), decl)
		a.initDeclVar(vi, decl)
		vi.offset = f.offset
		vi.size = f.size
		vi.fullSize = fullSize
		vi.mayHavePointers = f.hasPointers
		vi.head = head.id
		prev.next = vi.id
		prev = vi
	}

	a.registerGlobal(head.id, decl)
	return head.id
}

func (a *analysis) createFullVariable(decl *ir.Decl) VarID {
	vi := a.newVar(decl.Name, decl)
	a.declToVar[decl] = vi.id
	a.initDeclVar(vi, decl)
	vi.isFullVar = true
	vi.mayHavePointers = decl.Type.HasPointers() || decl.Type == nil
	if decl.Type != nil && decl.Type.Size != ir.UnknownOffset {
		vi.size = decl.Type.Size
		vi.fullSize = decl.Type.Size
	} else {
		vi.isUnknownSize = true
	}
	a.registerGlobal(vi.id, decl)
	return vi.id
}

func (a *analysis) initDeclVar(vi *varInfo, decl *ir.Decl) {
	vi.isGlobal = decl.IsGlobal()
	vi.isReg = decl.Register
	vi.isRestrict = decl.Restrict
}

// registerGlobal emits the conservative constraints for global storage:
// externally visible globals are escaped, and globals whose definition may
// be replaced hold unknown non-local data.
func (a *analysis) registerGlobal(id VarID, decl *ir.Decl) {
	if !decl.IsGlobal() {
		return
	}
	for f := a.vi(id); f != nil; f = a.nextField(f) {
		if decl.ExternallyVisible {
			a.addConstraint(sc(EscapedID), addr(f.id))
		}
		if decl.ExternallyVisible || decl.MayBindOther {
			a.addConstraint(sc(f.id), sc(NonlocalID))
		}
	}
}

func (a *analysis) nextField(vi *varInfo) *varInfo {
	if vi.next == InvalidVar {
		return nil
	}
	return a.vi(vi.next)
}

// lookupVar returns the registered variable chain for decl, if any.
func (a *analysis) lookupVar(decl *ir.Decl) (VarID, bool) {
	id, ok := a.declToVar[decl]
	return id, ok
}

// varFor returns the variable chain for decl, creating it on first use.
func (a *analysis) varFor(decl *ir.Decl) VarID {
	if id, ok := a.declToVar[decl]; ok {
		return id
	}
	return a.createVariable(decl)
}

// fieldAt finds the field of base's aggregate overlapping the given bit
// offset, or the nearest preceding field when none overlaps. The latter
// keeps one-past-end pointer idioms sound at the cost of precision.
func (a *analysis) fieldAt(base VarID, offset int64) VarID {
	vi := a.vi(a.vi(base).head)
	if vi.isFullVar || offset == ir.UnknownOffset {
		return vi.id
	}
	best := vi
	for f := vi; f != nil; f = a.nextField(f) {
		if f.offset > offset {
			break
		}
		best = f
		if offset < f.offset+f.size {
			return f.id
		}
	}
	return best.id
}

// fieldChain returns every field of base's aggregate, head first.
func (a *analysis) fieldChain(base VarID) []VarID {
	var ids []VarID
	for f := a.vi(a.vi(base).head); f != nil; f = a.nextField(f) {
		ids = append(ids, f.id)
	}
	return ids
}

// makeHeapVar creates an artificial heap variable, used for allocation
// builtins and restrict targets.
func (a *analysis) makeHeapVar(name string) *varInfo {
	vi := a.newVar(name, nil)
	vi.isArtificial = true
	vi.isHeap = true
	vi.isFullVar = true
	vi.isUnknownSize = true
	vi.mayHavePointers = true
	return vi
}

// restrictTarget returns the synthetic heap object a restrict-qualified
// pointer of the given type may exclusively point to. One target is shared
// per syntactic restrict type.
func (a *analysis) restrictTarget(t *ir.Type) VarID {
	if id, ok := a.restrictVars[t]; ok {
		return id
	}
	vi := a.makeHeapVar(fmt.Sprintf("RESTRICT.%d", len(a.restrictVars)))
	vi.isRestrict = true
	a.restrictVars[t] = vi.id
	return vi.id
}

// addRestrictConstraints pins a restrict-qualified pointer parameter to its
// dedicated target: the only location it may point to on entry.
func (a *analysis) addRestrictConstraints(decl *ir.Decl) {
	if !decl.Restrict || decl.Type == nil || !decl.Type.Pointer {
		return
	}
	id := a.varFor(decl)
	vi := a.vi(id)
	vi.onlyRestrict = true
	a.addConstraint(sc(id), addr(a.restrictTarget(decl.Type)))
}
