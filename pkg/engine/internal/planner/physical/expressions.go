package physical

import (
	"fmt"
	"strings"
)

// Expression is a typed expression tree evaluated by Calculation nodes and
// index conditions.
type Expression interface {
	fmt.Stringer
	// Variables returns the variables referenced by the expression.
	Variables() []Variable
	// Deterministic reports whether the expression always yields the same
	// result for the same input. Only deterministic expressions may be
	// used as routing functions.
	Deterministic() bool
}

// BinaryOp enumerates binary operators.
type BinaryOp uint8

const (
	OpEq BinaryOp = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
)

var binaryOpNames = [...]string{"==", "!=", "<", "<=", ">", ">=", "&&", "||", "+", "-", "*", "/", "%"}

func (op BinaryOp) String() string { return binaryOpNames[op] }

// ParseBinaryOp maps an operator symbol back to its BinaryOp.
func ParseBinaryOp(s string) (BinaryOp, bool) {
	for i, name := range binaryOpNames {
		if name == s {
			return BinaryOp(i), true
		}
	}
	return 0, false
}

// BinaryExpr applies a binary operator to two sub-expressions.
type BinaryExpr struct {
	Left, Right Expression
	Op          BinaryOp
}

func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

func (e *BinaryExpr) Variables() []Variable {
	return append(e.Left.Variables(), e.Right.Variables()...)
}

func (e *BinaryExpr) Deterministic() bool {
	return e.Left.Deterministic() && e.Right.Deterministic()
}

// FieldExpr reads a named field from a row variable. Nested fields use dot
// notation.
type FieldExpr struct {
	Var  Variable
	Path string
}

func (e *FieldExpr) String() string {
	if e.Path == "" {
		return e.Var.Name
	}
	return e.Var.Name + "." + e.Path
}

func (e *FieldExpr) Variables() []Variable { return []Variable{e.Var} }
func (e *FieldExpr) Deterministic() bool   { return true }

// VariableExpr reads a variable as a whole.
type VariableExpr struct {
	Var Variable
}

func (e *VariableExpr) String() string        { return e.Var.Name }
func (e *VariableExpr) Variables() []Variable { return []Variable{e.Var} }
func (e *VariableExpr) Deterministic() bool   { return true }

// LiteralExpr is a constant value.
type LiteralExpr struct {
	Value any
}

func (e *LiteralExpr) String() string        { return fmt.Sprintf("%v", e.Value) }
func (e *LiteralExpr) Variables() []Variable { return nil }
func (e *LiteralExpr) Deterministic() bool   { return true }

// FunctionExpr calls a named function. Whether it is deterministic depends
// on the callee (RAND, DOCUMENT and friends are not).
type FunctionExpr struct {
	Name string
	Args []Expression
}

var nondeterministicFunctions = map[string]struct{}{
	"RAND":     {},
	"DOCUMENT": {},
	"NOW":      {},
}

func (e *FunctionExpr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	return e.Name + "(" + strings.Join(args, ", ") + ")"
}

func (e *FunctionExpr) Variables() []Variable {
	var vars []Variable
	for _, a := range e.Args {
		vars = append(vars, a.Variables()...)
	}
	return vars
}

func (e *FunctionExpr) Deterministic() bool {
	if _, ok := nondeterministicFunctions[strings.ToUpper(e.Name)]; ok {
		return false
	}
	for _, a := range e.Args {
		if !a.Deterministic() {
			return false
		}
	}
	return true
}

func cloneExpression(e Expression) Expression {
	switch e := e.(type) {
	case nil:
		return nil
	case *BinaryExpr:
		return &BinaryExpr{Left: cloneExpression(e.Left), Right: cloneExpression(e.Right), Op: e.Op}
	case *FieldExpr:
		out := *e
		return &out
	case *VariableExpr:
		out := *e
		return &out
	case *LiteralExpr:
		out := *e
		return &out
	case *FunctionExpr:
		out := &FunctionExpr{Name: e.Name, Args: make([]Expression, len(e.Args))}
		for i, a := range e.Args {
			out.Args[i] = cloneExpression(a)
		}
		return out
	default:
		panic(fmt.Sprintf("unhandled expression type %T", e))
	}
}
