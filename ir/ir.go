// Package ir defines the statement-oriented program representation that the
// points-to engine consumes. It is the boundary contract with the host
// compiler: the host lowers its own IR into these types, the engine never
// sees anything richer.
//
// All offsets and sizes are in bits. UnknownOffset marks offsets and sizes
// that are not statically known.
package ir

// UnknownOffset is the sentinel for statically unknown offsets and sizes.
const UnknownOffset int64 = -1

// DeclKind classifies the storage of a declaration.
type DeclKind uint8

const (
	DeclGlobal DeclKind = iota
	DeclLocal
	DeclParam
	DeclTemp
)

// Decl is a declared storage location: a global, local, parameter or
// compiler temporary.
type Decl struct {
	Name string
	Kind DeclKind
	Type *Type

	// ExternallyVisible reports whether the declaration can be named from
	// outside the analyzed unit.
	ExternallyVisible bool
	// MayBindOther reports whether the declaration may be overridden by
	// another definition at link time.
	MayBindOther bool
	// Restrict marks restrict-qualified pointer declarations.
	Restrict bool
	// Register marks SSA-like temporaries whose address is never taken.
	Register bool
	// ReadOnly marks constant data.
	ReadOnly bool
}

func (d *Decl) IsGlobal() bool { return d.Kind == DeclGlobal }

// Field is one member of an aggregate type layout.
type Field struct {
	Offset int64 // bit offset from the start of the aggregate
	Size   int64 // bit size, UnknownOffset if not constant
	Type   *Type
}

// Type is the static type layout of a declaration. The engine only needs
// sizes, field offsets and whether pointers may be embedded.
type Type struct {
	Size    int64 // bit size, UnknownOffset if not constant
	Pointer bool  // the type itself is a pointer
	Fields  []Field
}

// Aggregate reports whether the type decomposes into fields.
func (t *Type) Aggregate() bool { return t != nil && len(t.Fields) > 0 }

// HasPointers reports whether values of the type may carry pointers.
func (t *Type) HasPointers() bool {
	if t == nil {
		return false
	}
	if t.Pointer {
		return true
	}
	for _, f := range t.Fields {
		if f.Type.HasPointers() {
			return true
		}
	}
	return false
}

// Expr is the closed sum of operand expressions the host exposes.
type Expr interface{ expr() }

// VarExpr references a declaration directly.
type VarExpr struct{ Decl *Decl }

// DerefExpr is *X.
type DerefExpr struct{ X Expr }

// FieldExpr accesses X at a constant bit offset.
type FieldExpr struct {
	X      Expr
	Offset int64
}

// AddrExpr is &X.
type AddrExpr struct{ X Expr }

// PtrAddExpr is pointer arithmetic X + Offset. A negative offset must be
// reported as UnknownOffset by the host.
type PtrAddExpr struct {
	X      Expr
	Offset int64
}

// ConvertExpr is a value-preserving conversion.
type ConvertExpr struct{ X Expr }

// IntToPtrExpr reconstitutes a pointer from integer data.
type IntToPtrExpr struct{ X Expr }

// MergeExpr is a conditional merge of several values (e.g. a ternary).
type MergeExpr struct{ Vals []Expr }

// ConstKind classifies constants as far as the engine cares.
type ConstKind uint8

const (
	ConstNull ConstKind = iota
	ConstString
	ConstOther
)

// ConstExpr is a literal operand.
type ConstExpr struct{ Kind ConstKind }

func (VarExpr) expr()      {}
func (DerefExpr) expr()    {}
func (FieldExpr) expr()    {}
func (AddrExpr) expr()     {}
func (PtrAddExpr) expr()   {}
func (ConvertExpr) expr()  {}
func (IntToPtrExpr) expr() {}
func (MergeExpr) expr()    {}
func (ConstExpr) expr()    {}

// Stmt is the closed sum of statement kinds the host exposes.
type Stmt interface{ stmt() }

// AssignStmt is Dst = Src.
type AssignStmt struct {
	Dst Expr
	Src Expr
}

// PhiStmt merges several incoming values into Dst.
type PhiStmt struct {
	Dst  *Decl
	Args []Expr
}

// ReturnStmt returns Val (nil for a void return).
type ReturnStmt struct{ Val Expr }

// AsmOperand is one operand of an inline-assembly statement.
type AsmOperand struct {
	X Expr
	// Memory reports whether the operand has a memory constraint, i.e. the
	// asm body may access the operand's storage directly.
	Memory bool
}

// AsmStmt is an opaque inline-assembly statement.
type AsmStmt struct {
	Outputs []AsmOperand
	Inputs  []AsmOperand
}

// CallStmt is a function call. Exactly one of Callee and CalleeExpr is set,
// except for calls whose target is entirely unknown, where both are nil.
type CallStmt struct {
	Dst        Expr  // nil if the result is unused
	Callee     *Func // statically resolved target, if any
	CalleeExpr Expr  // indirect call target
	Args       []Expr
	Info       CallInfo
}

func (AssignStmt) stmt() {}
func (PhiStmt) stmt()    {}
func (ReturnStmt) stmt() {}
func (AsmStmt) stmt()    {}
func (*CallStmt) stmt()  {}

// EffectFlags is the per-argument capability bitmask supplied by the host's
// memory-footprint summary for a call. A zero mask promises nothing: the
// callee may read, write, escape and return the argument at any level of
// indirection. The engine treats the mask as opaque capabilities and never
// recombines bits.
type EffectFlags uint16

const (
	// EffUnused: the argument is ignored entirely.
	EffUnused EffectFlags = 1 << iota
	// EffNoDirectRead: the pointer value itself is not inspected.
	EffNoDirectRead
	// EffNoIndirectRead: memory reachable through the argument is not read.
	EffNoIndirectRead
	// EffNoDirectClobber: the argument's pointed-to storage is not written.
	EffNoDirectClobber
	// EffNoIndirectClobber: storage reachable through one extra level of
	// indirection is not written.
	EffNoIndirectClobber
	// EffNoDirectEscape: the argument does not become globally reachable.
	EffNoDirectEscape
	// EffNoIndirectEscape: memory reachable through the argument does not
	// become globally reachable.
	EffNoIndirectEscape
	// EffNotReturnedDirectly: the argument is not returned as the result.
	EffNotReturnedDirectly
	// EffNotReturnedIndirectly: the argument is not reachable from the
	// result.
	EffNotReturnedIndirectly
)

// Builtin identifies memory and string primitives that get dedicated
// constraint templates instead of the generic call treatment.
type Builtin uint8

const (
	BuiltinNone Builtin = iota
	BuiltinMemcpy
	BuiltinMemmove
	BuiltinMemset
	BuiltinMemcmp
	BuiltinStrlen
	BuiltinStrchr
	BuiltinMalloc
	BuiltinCalloc
	BuiltinStrdup
	BuiltinAlloca
	BuiltinFree
	BuiltinVAStart
)

// CallInfo is the conservative memory-footprint summary for one call site.
type CallInfo struct {
	// ArgFlags holds one effect mask per argument. A nil slice, or a zero
	// mask, means no effect can be ruled out.
	ArgFlags []EffectFlags
	// ReadsGlobal and WritesGlobal report whether the call may access
	// global memory beyond its arguments.
	ReadsGlobal  bool
	WritesGlobal bool
	// Builtin tags recognized memory/string primitives.
	Builtin Builtin
	// StaticChain is the static-chain argument for nested functions.
	StaticChain Expr
}

// ArgEffects returns the effect mask for argument i.
func (ci *CallInfo) ArgEffects(i int) EffectFlags {
	if i < len(ci.ArgFlags) {
		return ci.ArgFlags[i]
	}
	return 0
}

// Func is one analyzable function body.
type Func struct {
	Name   string
	Decl   *Decl // the function itself, as an addressable declaration
	Params []*Decl
	// Variadic reports whether calls may pass extra trailing arguments.
	Variadic bool
	// ChainDecl is the static-chain parameter for nested functions, nil
	// otherwise.
	ChainDecl *Decl
	Body      []Stmt
}

// Module is one translation unit handed to the engine.
type Module struct {
	Funcs   []*Func
	Globals []*Decl
}
