package andersen

import (
	"fmt"

	"github.com/pointsto/andersen/ir"
)

// This file derives constraints from statements. The builder never fails:
// every construct it cannot model precisely degrades to the
// ANYTHING/ESCAPED fallback, trading precision for soundness.

// getConstraintFor evaluates an expression to a vector of constraint
// expressions. The vector has more than one element only for decomposed
// aggregates and conditional merges.
func (a *analysis) getConstraintFor(e ir.Expr) []ceExpr {
	switch e := e.(type) {
	case ir.VarExpr:
		head := a.varFor(e.Decl)
		if a.vi(head).isFullVar {
			return []ceExpr{sc(head)}
		}
		var vec []ceExpr
		for _, f := range a.fieldChain(head) {
			vec = append(vec, sc(f))
		}
		return vec

	case ir.ConstExpr:
		switch e.Kind {
		case ir.ConstNull:
			return []ceExpr{addr(NullID)}
		case ir.ConstString:
			return []ceExpr{addr(StringID)}
		default:
			// Other literals carry no addresses.
			return []ceExpr{addr(NullID)}
		}

	case ir.IntToPtrExpr:
		// A pointer recovered from integer data may point anywhere.
		return []ceExpr{sc(IntegerID)}

	case ir.ConvertExpr:
		return a.getConstraintFor(e.X)

	case ir.MergeExpr:
		var vec []ceExpr
		for _, v := range e.Vals {
			vec = append(vec, a.getConstraintFor(v)...)
		}
		return vec

	case ir.FieldExpr:
		// A direct field access resolves to the one field variable at that
		// offset; only non-direct bases go through vector shifting.
		if d, off, ok := directAccess(e); ok {
			return []ceExpr{sc(a.fieldAt(a.varFor(d), off))}
		}
		return a.offsetVector(a.getConstraintFor(e.X), e.Offset, true)

	case ir.PtrAddExpr:
		return a.offsetVector(a.getConstraintFor(e.X), e.Offset, false)

	case ir.DerefExpr:
		return a.derefVector(a.getConstraintFor(e.X))

	case ir.AddrExpr:
		// The address of a direct access is the field at that offset, not
		// the whole chain.
		if d, off, ok := directAccess(e.X); ok {
			id := a.fieldAt(a.varFor(d), off)
			a.markAddressTaken(id)
			return []ceExpr{addr(id)}
		}
		return a.addressVector(a.getConstraintFor(e.X))

	default:
		// Unknown expression form from a newer host: widen.
		return []ceExpr{sc(AnythingID)}
	}
}

// offsetVector shifts a vector by a bit offset. For direct field accesses
// (field=true) a known offset resolves to the overlapping field
// immediately; pointer arithmetic keeps the offset on the element so the
// solver can shift the points-to set. Unknown and negative offsets widen.
func (a *analysis) offsetVector(vec []ceExpr, off int64, field bool) []ceExpr {
	if off == 0 {
		return vec
	}
	var out []ceExpr
	for _, e := range vec {
		switch e.kind {
		case ceScalar:
			if field {
				if off == ir.UnknownOffset {
					for _, f := range a.fieldChain(e.v) {
						out = append(out, sc(f))
					}
					continue
				}
				out = append(out, sc(a.fieldAt(e.v, a.vi(e.v).offset+off)))
				continue
			}
			out = append(out, e.withOffset(addOffsets(e.offset, off)))
		case ceDeref:
			out = append(out, e.withOffset(addOffsets(e.offset, off)))
		case ceAddrOf:
			out = append(out, e.withOffset(addOffsets(e.offset, off)))
		}
	}
	return out
}

func addOffsets(x, y int64) int64 {
	if x == ir.UnknownOffset || y == ir.UnknownOffset {
		return ir.UnknownOffset
	}
	return x + y
}

// derefVector applies one dereference to each element. A second
// dereference is normalized through a fresh temporary: tmp = *x; use *tmp.
func (a *analysis) derefVector(vec []ceExpr) []ceExpr {
	out := make([]ceExpr, 0, len(vec))
	for _, e := range vec {
		switch e.kind {
		case ceScalar:
			out = append(out, ceExpr{kind: ceDeref, v: e.v, offset: e.offset})
		case ceDeref:
			tmp := a.mkTemp(fmt.Sprintf("deref.%d", len(a.varpool)))
			a.addConstraint(sc(tmp), e)
			out = append(out, deref(tmp))
		case ceAddrOf:
			// *&x cancels to x itself.
			out = append(out, sc(a.fieldAt(e.v, resolveAddrOffset(a, e))))
		}
	}
	return out
}

func resolveAddrOffset(a *analysis, e ceExpr) int64 {
	if e.offset == ir.UnknownOffset {
		return ir.UnknownOffset
	}
	return a.vi(e.v).offset + e.offset
}

// addressVector applies an address-of to each element. Taking the address
// of a dereference cancels to the pointer value itself.
func (a *analysis) addressVector(vec []ceExpr) []ceExpr {
	out := make([]ceExpr, 0, len(vec))
	for _, e := range vec {
		switch e.kind {
		case ceScalar:
			out = append(out, ceExpr{kind: ceAddrOf, v: e.v, offset: e.offset})
			a.markAddressTaken(e.v)
		case ceDeref:
			out = append(out, ceExpr{kind: ceScalar, v: e.v, offset: e.offset})
		case ceAddrOf:
			panic("address-of applied to an address-of expression")
		}
	}
	return out
}

func (a *analysis) markAddressTaken(v VarID) {
	for _, f := range a.fieldChain(v) {
		a.vi(f).isReg = false
	}
}

// directAccess reports the declaration and constant bit offset of a direct
// (non-dereferencing) access, for the aggregate-copy fast path.
func directAccess(e ir.Expr) (*ir.Decl, int64, bool) {
	switch e := e.(type) {
	case ir.VarExpr:
		return e.Decl, 0, true
	case ir.FieldExpr:
		if d, off, ok := directAccess(e.X); ok && e.Offset != ir.UnknownOffset {
			return d, off + e.Offset, true
		}
	case ir.ConvertExpr:
		return directAccess(e.X)
	}
	return nil, 0, false
}

// exprType computes the static type of direct accesses; nil when unknown.
func exprType(e ir.Expr) *ir.Type {
	switch e := e.(type) {
	case ir.VarExpr:
		return e.Decl.Type
	case ir.FieldExpr:
		base := exprType(e.X)
		if base == nil {
			return nil
		}
		for _, f := range base.Fields {
			if f.Offset == e.Offset {
				return f.Type
			}
		}
		return nil
	case ir.ConvertExpr:
		return exprType(e.X)
	default:
		return nil
	}
}

// handleAssign emits the constraints for dst = src.
func (a *analysis) handleAssign(dst, src ir.Expr) {
	t := exprType(dst)
	if !t.Aggregate() {
		t = exprType(src)
	}
	if t.Aggregate() && a.structureCopy(dst, src, t) {
		return
	}

	lvec := a.getConstraintFor(dst)
	rvec := a.getConstraintFor(src)
	a.connect(lvec, rvec)
	a.recordUseClobber(lvec, rvec)
}

// connect adds lhs ⊇ rhs for every pair, routing through one temporary
// when both sides are multi-element to keep the constraint count linear.
func (a *analysis) connect(lvec, rvec []ceExpr) {
	if len(lvec) > 1 && len(rvec) > 1 {
		tmp := sc(a.mkTemp(fmt.Sprintf("link.%d", len(a.varpool))))
		for _, r := range rvec {
			a.addConstraint(tmp, r)
		}
		rvec = []ceExpr{tmp}
	}
	for _, l := range lvec {
		for _, r := range rvec {
			a.addConstraint(l, r)
		}
	}
}

// structureCopy splits an aggregate assignment into field-wise copies that
// only connect overlapping ranges, skipping pointer-free fields entirely.
// Returns false when either side is too irregular, in which case the
// caller falls back to the generic (coarser) path.
func (a *analysis) structureCopy(dst, src ir.Expr, t *ir.Type) bool {
	size := t.Size
	if size == ir.UnknownOffset {
		return false
	}

	ld, loff, lok := directAccess(dst)
	rd, roff, rok := directAccess(src)

	switch {
	case lok && rok:
		lhead, rhead := a.varFor(ld), a.varFor(rd)
		if a.vi(lhead).isFullVar || a.vi(rhead).isFullVar {
			return false
		}
		for _, lf := range a.fieldChain(lhead) {
			lvi := a.vi(lf)
			if lvi.offset < loff || lvi.offset >= loff+size {
				continue
			}
			if !lvi.mayHavePointers {
				continue // cannot carry aliasing information
			}
			rf := a.fieldAt(rhead, lvi.offset-loff+roff)
			a.addConstraint(sc(lf), sc(rf))
		}
		return true

	case lok:
		// x = *p: one load per pointer-carrying field of x.
		lhead := a.varFor(ld)
		if a.vi(lhead).isFullVar {
			return false
		}
		rvec := a.getConstraintFor(src)
		a.recordUseClobber(nil, rvec)
		for _, lf := range a.fieldChain(lhead) {
			lvi := a.vi(lf)
			if lvi.offset < loff || lvi.offset >= loff+size || !lvi.mayHavePointers {
				continue
			}
			for _, r := range rvec {
				if r.kind != ceDeref {
					return false
				}
				a.addConstraint(sc(lf), r.withOffset(addOffsets(r.offset, lvi.offset-loff)))
			}
		}
		return true

	case rok:
		// *p = x: one store per pointer-carrying field of x.
		rhead := a.varFor(rd)
		if a.vi(rhead).isFullVar {
			return false
		}
		lvec := a.getConstraintFor(dst)
		a.recordUseClobber(lvec, nil)
		for _, rf := range a.fieldChain(rhead) {
			rvi := a.vi(rf)
			if rvi.offset < roff || rvi.offset >= roff+size || !rvi.mayHavePointers {
				continue
			}
			for _, l := range lvec {
				if l.kind != ceDeref {
					return false
				}
				a.addConstraint(l.withOffset(addOffsets(l.offset, rvi.offset-roff)), sc(rf))
			}
		}
		return true
	}
	return false
}

// recordUseClobber feeds the current function's interprocedural summary
// slots: dereferencing stores clobber, dereferencing loads use. A no-op
// outside whole-program mode.
func (a *analysis) recordUseClobber(lvec, rvec []ceExpr) {
	if !a.wholeProgram || a.curFun == nil {
		return
	}
	fi, ok := a.fnInfo[a.curFun]
	if !ok {
		return
	}
	for _, l := range lvec {
		if l.kind == ceDeref {
			a.addConstraint(sc(a.fnSlot(fi, fiClobbers)), sc(l.v))
		}
	}
	for _, r := range rvec {
		if r.kind == ceDeref {
			a.addConstraint(sc(a.fnSlot(fi, fiUses)), sc(r.v))
		}
	}
}

// buildFunc walks one function body and emits its constraints.
func (a *analysis) buildFunc(fn *ir.Func) {
	a.curFun = fn

	for _, p := range fn.Params {
		a.varFor(p)
		a.addRestrictConstraints(p)
	}
	if a.wholeProgram {
		a.bindFormals(fn)
	}

	for _, stmt := range fn.Body {
		switch s := stmt.(type) {
		case ir.AssignStmt:
			a.handleAssign(s.Dst, s.Src)

		case ir.PhiStmt:
			for _, arg := range s.Args {
				a.handleAssign(ir.VarExpr{Decl: s.Dst}, arg)
			}

		case ir.ReturnStmt:
			a.handleReturn(fn, s)

		case *ir.CallStmt:
			a.handleCall(s)

		case ir.AsmStmt:
			a.handleAsm(s)

		default:
			panic(fmt.Sprintf("unhandled statement kind %T", stmt))
		}
	}

	a.curFun = nil
}

func (a *analysis) handleReturn(fn *ir.Func, s ir.ReturnStmt) {
	if s.Val == nil {
		return
	}
	rvec := a.getConstraintFor(s.Val)
	a.recordUseClobber(nil, rvec)
	if a.wholeProgram {
		if fi, ok := a.fnInfo[fn]; ok {
			slot := sc(a.fnSlot(fi, fiResult))
			for _, r := range rvec {
				a.addConstraint(slot, r)
			}
			return
		}
	}
	// Single-function mode: the return value leaves analysis visibility.
	for _, r := range rvec {
		a.addConstraint(sc(EscapedReturnID), r)
	}
}

// handleAsm models inline assembly conservatively: any operand with a
// memory constraint has its storage added to ESCAPED, and register-only
// outputs may receive arbitrary non-local pointers since the body is
// opaque.
func (a *analysis) handleAsm(s ir.AsmStmt) {
	escapeOperand := func(op ir.AsmOperand) {
		for _, e := range a.getConstraintFor(op.X) {
			switch e.kind {
			case ceScalar:
				a.addConstraint(sc(EscapedID), addr(e.v))
				a.markAddressTaken(e.v)
			case ceDeref:
				a.addConstraint(sc(EscapedID), sc(e.v))
			}
		}
	}

	for _, op := range s.Outputs {
		if op.Memory {
			escapeOperand(op)
			continue
		}
		for _, e := range a.getConstraintFor(op.X) {
			if e.kind != ceAddrOf {
				a.addConstraint(e, sc(NonlocalID))
				a.addConstraint(e, sc(EscapedID))
			}
		}
	}
	for _, op := range s.Inputs {
		if op.Memory {
			escapeOperand(op)
		}
	}
}
