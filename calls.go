package andersen

import (
	"fmt"

	"github.com/pointsto/andersen/ir"
)

// Interprocedural function summaries. In whole-program mode every analyzed
// function gets a head variable with a fixed sub-layout of slots at
// reserved offsets, so call-site constraints can reference "the clobber
// set of callee F" without re-deriving it per call.
const (
	fiClobbers    int64 = 1
	fiUses        int64 = 2
	fiStaticChain int64 = 3
	fiResult      int64 = 4
	fiParmBase    int64 = 5
)

// makeFunctionInfo creates the summary variable chain for fn and registers
// it as the constraint variable of fn's own declaration, so taking the
// address of a function resolves to its summary head.
func (a *analysis) makeFunctionInfo(fn *ir.Func) VarID {
	if fi, ok := a.fnInfo[fn]; ok {
		return fi
	}

	slots := fiParmBase + int64(len(fn.Params))
	if fn.Variadic {
		slots++ // catch-all slot for the variadic tail
	}

	head := a.newVar(fn.Name, fn.Decl)
	head.isArtificial = true
	head.isFnInfo = true
	head.isGlobal = true
	head.mayHavePointers = true
	head.offset = 0
	head.size = 1
	head.fullSize = slots

	names := map[int64]string{
		fiClobbers:    "clobbers",
		fiUses:        "uses",
		fiStaticChain: "chain",
		fiResult:      "result",
	}

	prev := head
	for off := fiClobbers; off < slots; off++ {
		n, ok := names[off]
		if !ok {
			n = fmt.Sprintf("arg%d", off-fiParmBase)
		}
		vi := a.newVar(fn.Name+"."+n, fn.Decl)
		vi.isArtificial = true
		vi.isGlobal = true
		vi.mayHavePointers = true
		vi.offset = off
		vi.size = 1
		vi.fullSize = slots
		vi.head = head.id
		prev.next = vi.id
		prev = vi
	}

	a.fnInfo[fn] = head.id
	if fn.Decl != nil {
		a.declToVar[fn.Decl] = head.id
	}
	return head.id
}

// fnSlot resolves a summary slot of a function-info variable.
func (a *analysis) fnSlot(fi VarID, slot int64) VarID {
	id := a.fieldAt(fi, slot)
	if vi := a.vi(id); vi.offset != slot || !a.vi(vi.head).isFnInfo {
		panic(fmt.Sprintf("function summary for %s has no slot %d", a.vi(fi).name, slot))
	}
	return id
}

// bindFormals connects incoming summary slots to the function's formal
// parameters and static chain.
func (a *analysis) bindFormals(fn *ir.Func) {
	fi, ok := a.fnInfo[fn]
	if !ok {
		return
	}
	for i, p := range fn.Params {
		a.addConstraint(sc(a.varFor(p)), sc(a.fnSlot(fi, fiParmBase+int64(i))))
	}
	if fn.ChainDecl != nil {
		a.addConstraint(sc(a.varFor(fn.ChainDecl)), sc(a.fnSlot(fi, fiStaticChain)))
	}
}

// callUseVar and callClobberVar lazily create the per-call-site summary
// variables exposed to the optimizer as "use set" and "clobber set".
func (a *analysis) callUseVar(call *ir.CallStmt) VarID {
	if id, ok := a.callUses[call]; ok {
		return id
	}
	id := a.mkTemp(fmt.Sprintf("callUse.%d", len(a.callUses)))
	a.callUses[call] = id
	return id
}

func (a *analysis) callClobberVar(call *ir.CallStmt) VarID {
	if id, ok := a.callClobbers[call]; ok {
		return id
	}
	id := a.mkTemp(fmt.Sprintf("callClobber.%d", len(a.callClobbers)))
	a.callClobbers[call] = id
	return id
}

func (a *analysis) handleCall(call *ir.CallStmt) {
	if call.Info.Builtin != ir.BuiltinNone {
		a.handleBuiltinCall(call)
		return
	}

	if a.wholeProgram && call.Callee != nil {
		if _, known := a.fnInfo[call.Callee]; known && !calleeMayBindOther(call.Callee) {
			a.handleDirectCall(call)
			return
		}
	}

	a.handleGenericCall(call)
}

func calleeMayBindOther(fn *ir.Func) bool {
	return fn.Decl != nil && fn.Decl.MayBindOther
}

// handleDirectCall routes arguments and the return value through the
// callee's fixed parameter-slot layout and imports its use/clobber
// summaries into the call site's.
func (a *analysis) handleDirectCall(call *ir.CallStmt) {
	callee := call.Callee
	fi := a.fnInfo[callee]

	for i, arg := range call.Args {
		slot := fiParmBase + int64(i)
		if i >= len(callee.Params) {
			if !callee.Variadic {
				break // excess arguments to a non-variadic: dropped by the callee
			}
			slot = fiParmBase + int64(len(callee.Params)) // variadic tail
		}
		dst := sc(a.fnSlot(fi, slot))
		for _, r := range a.getConstraintFor(arg) {
			a.addConstraint(dst, r)
		}
	}

	if call.Info.StaticChain != nil {
		dst := sc(a.fnSlot(fi, fiStaticChain))
		for _, r := range a.getConstraintFor(call.Info.StaticChain) {
			a.addConstraint(dst, r)
		}
	}

	if call.Dst != nil {
		a.connect(a.getConstraintFor(call.Dst), []ceExpr{sc(a.fnSlot(fi, fiResult))})
	}

	uses, clobbers := a.callUseVar(call), a.callClobberVar(call)
	a.addConstraint(sc(uses), sc(a.fnSlot(fi, fiUses)))
	a.addConstraint(sc(clobbers), sc(a.fnSlot(fi, fiClobbers)))
	if call.Info.ReadsGlobal {
		a.addConstraint(sc(uses), sc(NonlocalID))
	}
	if call.Info.WritesGlobal {
		a.addConstraint(sc(clobbers), sc(NonlocalID))
	}

	// The caller's own summary includes everything the callee touches.
	if a.curFun != nil {
		if cfi, ok := a.fnInfo[a.curFun]; ok {
			a.addConstraint(sc(a.fnSlot(cfi, fiUses)), sc(uses))
			a.addConstraint(sc(a.fnSlot(cfi, fiClobbers)), sc(clobbers))
		}
	}
}

// argEffectsDistinct reports whether the direct and one-level-indirect
// treatments of an argument differ. When they coincide the two synthetic
// nodes collapse into one transitively-closed node, halving the constraint
// volume.
func argEffectsDistinct(fl ir.EffectFlags) bool {
	pairs := [...][2]ir.EffectFlags{
		{ir.EffNoDirectRead, ir.EffNoIndirectRead},
		{ir.EffNoDirectClobber, ir.EffNoIndirectClobber},
		{ir.EffNoDirectEscape, ir.EffNoIndirectEscape},
		{ir.EffNotReturnedDirectly, ir.EffNotReturnedIndirectly},
	}
	for _, p := range pairs {
		if (fl&p[0] != 0) != (fl&p[1] != 0) {
			return true
		}
	}
	return false
}

const effAll = ir.EffNoDirectRead | ir.EffNoIndirectRead |
	ir.EffNoDirectClobber | ir.EffNoIndirectClobber |
	ir.EffNoDirectEscape | ir.EffNoIndirectEscape |
	ir.EffNotReturnedDirectly | ir.EffNotReturnedIndirectly

// handleGenericCall models a call through the documented per-argument
// effect flags. Used for all calls without an analyzable static target,
// and for every non-builtin call in single-function mode.
func (a *analysis) handleGenericCall(call *ir.CallStmt) {
	uses, clobbers := a.callUseVar(call), a.callClobberVar(call)

	if call.Callee == nil && call.CalleeExpr == nil {
		// Completely unresolvable target: the callee may be ANYTHING.
		a.addConstraint(sc(uses), sc(EscapedID))
		a.addConstraint(sc(clobbers), sc(EscapedID))
	}
	if call.Info.ReadsGlobal {
		a.addConstraint(sc(uses), sc(NonlocalID))
		a.addConstraint(sc(uses), sc(EscapedID))
	}
	if call.Info.WritesGlobal {
		a.addConstraint(sc(clobbers), sc(NonlocalID))
		a.addConstraint(sc(clobbers), sc(EscapedID))
	}

	// callEscape collects everything this call can make globally reachable.
	callEscape := a.mkTemp(fmt.Sprintf("callescape.%d", len(a.constraints)))
	a.vi(callEscape).isEscapePoint = true
	a.addConstraint(sc(EscapedID), sc(callEscape))

	var retVec []ceExpr

	for i, argExpr := range call.Args {
		fl := call.Info.ArgEffects(i)
		if fl&ir.EffUnused != 0 || fl&effAll == effAll {
			continue // the callee cannot observe this argument at all
		}

		argVec := a.getConstraintFor(argExpr)
		tem := a.mkTemp(fmt.Sprintf("callarg.%d.%d", len(a.constraints), i))
		for _, r := range argVec {
			a.addConstraint(sc(tem), r)
		}

		// Direct and one-level-indirect effect nodes. Indistinguishable
		// levels share one transitively closed node.
		direct, indirect := tem, InvalidVar
		if !argEffectsDistinct(fl) {
			a.addConstraint(sc(tem), deref(tem))
			indirect = tem
		} else {
			ind := a.mkTemp(fmt.Sprintf("indircallarg.%d.%d", len(a.constraints), i))
			a.addConstraint(sc(ind), deref(tem))
			indirect = ind
		}

		if fl&ir.EffNoDirectRead == 0 {
			a.addConstraint(sc(uses), sc(direct))
		}
		if fl&ir.EffNoIndirectRead == 0 {
			a.addConstraint(sc(uses), sc(indirect))
		}
		if fl&ir.EffNoDirectClobber == 0 {
			a.addConstraint(sc(clobbers), sc(direct))
			a.addConstraint(deref(direct), sc(EscapedID))
			a.addConstraint(deref(direct), sc(NonlocalID))
		}
		if fl&ir.EffNoIndirectClobber == 0 {
			a.addConstraint(sc(clobbers), sc(indirect))
			a.addConstraint(deref(indirect), sc(EscapedID))
			a.addConstraint(deref(indirect), sc(NonlocalID))
		}
		if fl&ir.EffNoDirectEscape == 0 {
			a.addConstraint(sc(callEscape), sc(direct))
		}
		if fl&ir.EffNoIndirectEscape == 0 {
			a.addConstraint(sc(callEscape), sc(indirect))
		}
		if call.Dst != nil && fl&ir.EffNotReturnedDirectly == 0 {
			retVec = append(retVec, sc(direct))
		}
		if call.Dst != nil && fl&ir.EffNotReturnedIndirectly == 0 {
			retVec = append(retVec, sc(indirect))
		}
	}

	if call.CalleeExpr != nil {
		// Calling through a pointer reads the pointer itself.
		for _, e := range a.getConstraintFor(call.CalleeExpr) {
			if e.kind == ceScalar {
				a.addConstraint(sc(uses), e)
			}
		}
	}

	if call.Dst != nil {
		// The result of an unanalyzed callee may carry anything global or
		// escaped, plus whatever arguments it may return.
		retVec = append(retVec, sc(NonlocalID), sc(EscapedID))
		a.connect(a.getConstraintFor(call.Dst), retVec)
	}

	if a.curFun != nil {
		if cfi, ok := a.fnInfo[a.curFun]; ok {
			a.addConstraint(sc(a.fnSlot(cfi, fiUses)), sc(uses))
			a.addConstraint(sc(a.fnSlot(cfi, fiClobbers)), sc(clobbers))
		}
	}
}

// handleBuiltinCall applies hand-specified templates for memory and string
// primitives, considerably more precise than the generic treatment.
func (a *analysis) handleBuiltinCall(call *ir.CallStmt) {
	argVec := func(i int) []ceExpr {
		if i >= len(call.Args) {
			return nil
		}
		return a.getConstraintFor(call.Args[i])
	}
	storeThrough := func(i int, rhs ceExpr) {
		for _, d := range argVec(i) {
			if d.kind == ceScalar {
				a.addConstraint(deref(d.v).withOffset(d.offset), rhs)
			} else {
				a.addConstraint(d, rhs)
			}
		}
	}
	returnArg := func(i int) {
		if call.Dst != nil {
			a.connect(a.getConstraintFor(call.Dst), argVec(i))
		}
	}

	switch call.Info.Builtin {
	case ir.BuiltinMemcpy, ir.BuiltinMemmove:
		// One level of indirection is copied: *dst gains *src's targets,
		// dst and src themselves stay unrelated.
		dsts, srcs := argVec(0), argVec(1)
		for _, d := range dsts {
			for _, s := range srcs {
				var lhs, rhs ceExpr
				if d.kind == ceScalar {
					lhs = deref(d.v).withOffset(d.offset)
				} else {
					lhs = d
				}
				if s.kind == ceScalar {
					rhs = deref(s.v).withOffset(s.offset)
				} else {
					rhs = s
				}
				a.addConstraint(lhs, rhs)
			}
		}
		returnArg(0)

	case ir.BuiltinMemset:
		// Zero (or byte) fill: the destination's contents point to nothing.
		storeThrough(0, addr(NullID))
		returnArg(0)

	case ir.BuiltinMemcmp, ir.BuiltinStrlen:
		// Reads only; the scalar result carries no addresses.

	case ir.BuiltinStrchr:
		// The result points into the haystack.
		returnArg(0)

	case ir.BuiltinMalloc, ir.BuiltinCalloc, ir.BuiltinAlloca:
		if call.Dst == nil {
			break
		}
		hv := a.makeHeapVar(fmt.Sprintf("HEAP.%d", len(a.varpool)))
		if call.Info.Builtin != ir.BuiltinAlloca {
			hv.isGlobal = false // heap storage is local until it escapes
		}
		if call.Info.Builtin == ir.BuiltinCalloc {
			a.addConstraint(sc(hv.id), addr(NullID))
		}
		a.connect(a.getConstraintFor(call.Dst), []ceExpr{addr(hv.id)})

	case ir.BuiltinStrdup:
		if call.Dst == nil {
			break
		}
		hv := a.makeHeapVar(fmt.Sprintf("HEAP.%d", len(a.varpool)))
		for _, s := range argVec(0) {
			if s.kind == ceScalar {
				a.addConstraint(sc(hv.id), deref(s.v).withOffset(s.offset))
			}
		}
		a.connect(a.getConstraintFor(call.Dst), []ceExpr{addr(hv.id)})

	case ir.BuiltinFree:
		// Deallocation has no points-to effect.

	case ir.BuiltinVAStart:
		// The va_list may reach any of the caller's variadic arguments,
		// which are not individually visible here.
		storeThrough(0, sc(AnythingID))

	default:
		panic(fmt.Sprintf("unhandled builtin %d", call.Info.Builtin))
	}
}
