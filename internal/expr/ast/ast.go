// Package ast defines the restricted expression grammar's syntax tree. Nodes
// are produced once per distinct formula text by the parser and then cached
// and re-evaluated across many cycles — the tree itself never mutates.
package ast

// Node is implemented by every AST node type.
type Node interface {
	isNode()
}

type NumberLit struct{ Value float64 }

type StringLit struct{ Value string }

// FStringLit holds an f-string's literal segments interleaved with embedded
// expressions, e.g. f"{a} of {b}" -> [Expr(a), Text(" of "), Expr(b)].
type FStringLit struct {
	Parts []FStringPart
}

type FStringPart struct {
	Text string // used when Expr == nil
	Expr Node
}

type BoolLit struct{ Value bool }

type NoneLit struct{}

// Identifier is a (possibly dotted, e.g. "state.last_changed") name
// reference. Dotted paths are resolved as a single bound name by the
// binding plan (C4 state_attribute strategy) rather than as a general
// attribute-access operator — the grammar's attribute access is bounded to
// this shape.
type Identifier struct{ Name string }

// UnaryOp covers unary "-", "+", and "not".
type UnaryOp struct {
	Op string
	X  Node
}

// BinaryOp covers arithmetic: + - * / // % **
type BinaryOp struct {
	Op   string
	L, R Node
}

// BoolOp covers short-circuiting "and"/"or".
type BoolOp struct {
	Op   string
	L, R Node
}

// CompareOp covers ==, !=, <, <=, >, >=, in, not in, is, is not.
type CompareOp struct {
	Op   string
	L, R Node
}

// Ternary implements Python's "a if cond else b".
type Ternary struct {
	Then, Cond, Else Node
}

// Call is a function invocation; Func is always a plain (non-dotted) name.
type Call struct {
	Func string
	Args []Node
}

// Index covers both single indexing (IsSlice=false, Stop=nil) and slicing
// (IsSlice=true) on strings.
type Index struct {
	X           Node
	Start, Stop Node
	IsSlice     bool
}

func (*NumberLit) isNode()  {}
func (*StringLit) isNode()  {}
func (*FStringLit) isNode() {}
func (*BoolLit) isNode()    {}
func (*NoneLit) isNode()    {}
func (*Identifier) isNode() {}
func (*UnaryOp) isNode()    {}
func (*BinaryOp) isNode()   {}
func (*BoolOp) isNode()     {}
func (*CompareOp) isNode()  {}
func (*Ternary) isNode()    {}
func (*Call) isNode()       {}
func (*Index) isNode()      {}
