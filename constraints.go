package andersen

import (
	"fmt"
	"io"
)

// ceKind discriminates constraint expressions.
type ceKind uint8

const (
	// ceScalar denotes the variable itself.
	ceScalar ceKind = iota
	// ceDeref denotes the memory the variable points to, at an offset.
	ceDeref
	// ceAddrOf denotes the address of the variable.
	ceAddrOf
)

// ceExpr is one side of a constraint: a variable id with an access kind and
// a bit offset (ir.UnknownOffset when not statically known).
type ceExpr struct {
	kind   ceKind
	v      VarID
	offset int64
}

func sc(v VarID) ceExpr    { return ceExpr{kind: ceScalar, v: v} }
func deref(v VarID) ceExpr { return ceExpr{kind: ceDeref, v: v} }
func addr(v VarID) ceExpr  { return ceExpr{kind: ceAddrOf, v: v} }

func (e ceExpr) withOffset(off int64) ceExpr {
	e.offset = off
	return e
}

// constraint means lhs ⊇ rhs: everything rhs may point to must be included
// in what lhs may point to. lhs is never an address-of expression.
type constraint struct {
	lhs ceExpr
	rhs ceExpr
}

func (a *analysis) exprString(e ceExpr) string {
	name := a.vi(e.v).name
	var s string
	switch e.kind {
	case ceScalar:
		s = name
	case ceDeref:
		s = "*" + name
	case ceAddrOf:
		s = "&" + name
	}
	if e.offset == unknownSize {
		return s + " + UNKNOWN"
	}
	if e.offset != 0 {
		return fmt.Sprintf("%s + %d", s, e.offset)
	}
	return s
}

func (a *analysis) constraintString(c constraint) string {
	return a.exprString(c.lhs) + " = " + a.exprString(c.rhs)
}

// mkTemp creates an artificial scalar used to linearize constraints.
func (a *analysis) mkTemp(name string) VarID {
	vi := a.newVar(name, nil)
	vi.isArtificial = true
	vi.isFullVar = true
	vi.isReg = true
	vi.mayHavePointers = true
	return vi.id
}

// addConstraint normalizes and records one constraint. Double indirection
// is split through a fresh temporary so the solver only ever sees one
// dereference per side; an address-of on the left is a builder defect.
func (a *analysis) addConstraint(lhs, rhs ceExpr) {
	if lhs.kind == ceAddrOf {
		panic(fmt.Sprintf("constraint with address-of on the left: %s = %s",
			a.exprString(lhs), a.exprString(rhs)))
	}

	if lhs.kind == ceDeref && (rhs.kind != ceScalar || rhs.offset != 0) {
		// *lhs = *rhs, *lhs = &rhs and *lhs = rhs+k route through
		// tmp = rhs; *lhs = tmp.
		tmp := sc(a.mkTemp(fmt.Sprintf("tmp.%d", len(a.varpool))))
		a.addConstraint(tmp, rhs)
		rhs = tmp
	}

	if rhs.kind == ceAddrOf {
		// Taking an address at a known offset resolves to the overlapping
		// field right away; an unknown offset widens to every field.
		if rhs.offset == unknownSize {
			for _, f := range a.fieldChain(rhs.v) {
				a.appendConstraint(constraint{lhs, addr(f)})
			}
			return
		}
		rhs = addr(a.fieldAt(rhs.v, a.vi(rhs.v).offset+rhs.offset))
	}

	a.appendConstraint(constraint{lhs, rhs})
}

func (a *analysis) appendConstraint(c constraint) {
	a.constraints = append(a.constraints, c)
	if a.log.IsLevelEnabled(traceConstraints) {
		a.log.Debugf("constraint: %s", a.constraintString(c))
	}
}

// DumpConstraints writes the constraint set in dump-file syntax.
func (a *analysis) dumpConstraints(w io.Writer) {
	for _, c := range a.constraints {
		fmt.Fprintln(w, a.constraintString(c))
	}
}
