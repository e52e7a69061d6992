package engine

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/executor"
	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/planner/physical"
)

// evalExpr evaluates an expression against one row. Variables resolve by
// name; field paths descend through nested maps with dot notation.
func evalExpr(e physical.Expression, row executor.Row) (any, error) {
	switch t := e.(type) {
	case *physical.LiteralExpr:
		return t.Value, nil
	case *physical.VariableExpr:
		return row[t.Var.Name], nil
	case *physical.FieldExpr:
		return lookupField(row[t.Var.Name], t.Path), nil
	case *physical.BinaryExpr:
		return evalBinary(t, row)
	case *physical.FunctionExpr:
		return evalFunction(t, row)
	}
	return nil, fmt.Errorf("cannot evaluate expression %T", e)
}

func lookupField(v any, path string) any {
	if path == "" {
		return v
	}
	for _, part := range strings.Split(path, ".") {
		switch m := v.(type) {
		case executor.Row:
			v = m[part]
		case map[string]any:
			v = m[part]
		default:
			return nil
		}
	}
	return v
}

func evalBinary(e *physical.BinaryExpr, row executor.Row) (any, error) {
	left, err := evalExpr(e.Left, row)
	if err != nil {
		return nil, err
	}

	// short-circuit the logical operators
	switch e.Op {
	case physical.OpAnd:
		if !truthy(left) {
			return false, nil
		}
		right, err := evalExpr(e.Right, row)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case physical.OpOr:
		if truthy(left) {
			return true, nil
		}
		right, err := evalExpr(e.Right, row)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := evalExpr(e.Right, row)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case physical.OpEq:
		return equalValues(left, right), nil
	case physical.OpNeq:
		return !equalValues(left, right), nil
	case physical.OpLt, physical.OpLte, physical.OpGt, physical.OpGte:
		cmp, err := compareValues(left, right)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case physical.OpLt:
			return cmp < 0, nil
		case physical.OpLte:
			return cmp <= 0, nil
		case physical.OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case physical.OpAdd, physical.OpSub, physical.OpMul, physical.OpDiv, physical.OpMod:
		return arithmetic(e.Op, left, right)
	}
	return nil, fmt.Errorf("unsupported binary operator %s", e.Op)
}

func evalFunction(e *physical.FunctionExpr, row executor.Row) (any, error) {
	switch e.Name {
	case "RAND":
		return rand.Float64(), nil
	case "NOW":
		return time.Now().UnixMilli(), nil
	case "LENGTH":
		if len(e.Args) != 1 {
			return nil, fmt.Errorf("LENGTH takes one argument")
		}
		v, err := evalExpr(e.Args[0], row)
		if err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case string:
			return int64(len(t)), nil
		case []any:
			return int64(len(t)), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("unsupported function %s", e.Name)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		f, ok := toFloat(v)
		return !ok || f != 0
	}
}

func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func compareValues(a, b any) (int, error) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func arithmetic(op physical.BinaryOp, a, b any) (any, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("cannot apply %s to %T and %T", op, a, b)
	}
	switch op {
	case physical.OpAdd:
		return af + bf, nil
	case physical.OpSub:
		return af - bf, nil
	case physical.OpMul:
		return af * bf, nil
	case physical.OpDiv:
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return af / bf, nil
	case physical.OpMod:
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(int64(af) % int64(bf)), nil
	}
	return nil, fmt.Errorf("unsupported arithmetic operator %s", op)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
