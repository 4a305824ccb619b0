package detect

import (
	"fmt"
	"math"
)

// ExprNode is a node in a compiled rule expression. Evaluate returns one of
// nil, bool, float64 or string (or an opaque fact value passed through).
type ExprNode interface {
	Evaluate(facts map[string]interface{}) (interface{}, error)
}

// LiteralNode is a constant value from the expression text.
type LiteralNode struct {
	Value interface{}
}

// Evaluate returns the literal value.
func (n *LiteralNode) Evaluate(map[string]interface{}) (interface{}, error) {
	return n.Value, nil
}

// IdentifierNode references a fact by id.
type IdentifierNode struct {
	Name     string
	Position int
}

// Evaluate looks the fact up; a missing fact is an UndefinedIdentifierError.
func (n *IdentifierNode) Evaluate(facts map[string]interface{}) (interface{}, error) {
	value, exists := facts[n.Name]
	if !exists {
		available := make([]string, 0, len(facts))
		for k := range facts {
			available = append(available, k)
		}
		return nil, &UndefinedIdentifierError{
			Identifier:           n.Name,
			Position:             n.Position,
			AvailableIdentifiers: available,
		}
	}
	return value, nil
}

// BinaryOperator is a logical or arithmetic infix operator.
type BinaryOperator int

const (
	OpAND BinaryOperator = iota
	OpOR
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
)

// String returns the string representation of the binary operator.
func (op BinaryOperator) String() string {
	switch op {
	case OpAND:
		return "and"
	case OpOR:
		return "or"
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMod:
		return "%"
	default:
		return "UNKNOWN"
	}
}

// BinaryOpNode applies a binary operator. and/or short-circuit and yield the
// deciding operand, not a coerced bool.
type BinaryOpNode struct {
	Operator BinaryOperator
	Left     ExprNode
	Right    ExprNode
}

// Evaluate computes the operation.
func (n *BinaryOpNode) Evaluate(facts map[string]interface{}) (interface{}, error) {
	left, err := n.Left.Evaluate(facts)
	if err != nil {
		return nil, err
	}

	switch n.Operator {
	case OpAND:
		if !Truthy(left) {
			return left, nil
		}
		return n.Right.Evaluate(facts)
	case OpOR:
		if Truthy(left) {
			return left, nil
		}
		return n.Right.Evaluate(facts)
	}

	right, err := n.Right.Evaluate(facts)
	if err != nil {
		return nil, err
	}
	return arithmetic(n.Operator, left, right)
}

// NotNode is logical negation.
type NotNode struct {
	Child ExprNode
}

// Evaluate negates the truthiness of the child.
func (n *NotNode) Evaluate(facts map[string]interface{}) (interface{}, error) {
	v, err := n.Child.Evaluate(facts)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

// NegateNode is unary minus.
type NegateNode struct {
	Child ExprNode
}

// Evaluate negates a numeric child.
func (n *NegateNode) Evaluate(facts map[string]interface{}) (interface{}, error) {
	v, err := n.Child.Evaluate(facts)
	if err != nil {
		return nil, err
	}
	f, ok := toNumber(v)
	if !ok {
		return nil, &EvaluationError{Operator: "unary -", Left: v, Reason: "operand is not numeric"}
	}
	return -f, nil
}

// CompareOp is a comparison operator.
type CompareOp int

const (
	CmpEQ CompareOp = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
)

var compareOpNames = map[CompareOp]string{
	CmpEQ: "==", CmpNE: "!=", CmpLT: "<", CmpLE: "<=", CmpGT: ">", CmpGE: ">=",
}

// String returns the operator symbol.
func (op CompareOp) String() string {
	if s, ok := compareOpNames[op]; ok {
		return s
	}
	return "UNKNOWN"
}

// ComparisonNode is a comparison chain: a < b <= c means (a < b) and (b <= c),
// with each operand evaluated at most once.
type ComparisonNode struct {
	Operands  []ExprNode
	Operators []CompareOp
}

// Evaluate walks the chain left to right, stopping at the first false link.
func (n *ComparisonNode) Evaluate(facts map[string]interface{}) (interface{}, error) {
	left, err := n.Operands[0].Evaluate(facts)
	if err != nil {
		return nil, err
	}
	for i, op := range n.Operators {
		right, err := n.Operands[i+1].Evaluate(facts)
		if err != nil {
			return nil, err
		}
		ok, err := compare(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

// Truthy reports the boolean interpretation of a value: null, false, zero and
// the empty string are false.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

// toNumber converts numeric values and booleans (true is 1) to float64.
func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func compare(op CompareOp, left, right interface{}) (bool, error) {
	if op == CmpEQ || op == CmpNE {
		eq := equal(left, right)
		if op == CmpEQ {
			return eq, nil
		}
		return !eq, nil
	}

	if l, ok := toNumber(left); ok {
		if r, ok := toNumber(right); ok {
			return orderFloat(op, l, r), nil
		}
	}
	if l, ok := left.(string); ok {
		if r, ok := right.(string); ok {
			return orderString(op, l, r), nil
		}
	}
	return false, &EvaluationError{
		Operator: op.String(),
		Left:     left,
		Right:    right,
		Reason:   "operands are not both numeric or both strings",
	}
}

func equal(left, right interface{}) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if l, ok := toNumber(left); ok {
		r, ok := toNumber(right)
		return ok && l == r
	}
	if l, ok := left.(string); ok {
		r, ok := right.(string)
		return ok && l == r
	}
	return fmt.Sprint(left) == fmt.Sprint(right)
}

func orderFloat(op CompareOp, l, r float64) bool {
	switch op {
	case CmpLT:
		return l < r
	case CmpLE:
		return l <= r
	case CmpGT:
		return l > r
	default:
		return l >= r
	}
}

func orderString(op CompareOp, l, r string) bool {
	switch op {
	case CmpLT:
		return l < r
	case CmpLE:
		return l <= r
	case CmpGT:
		return l > r
	default:
		return l >= r
	}
}

func arithmetic(op BinaryOperator, left, right interface{}) (interface{}, error) {
	if op == OpAdd {
		if l, ok := left.(string); ok {
			if r, ok := right.(string); ok {
				return l + r, nil
			}
		}
	}

	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return nil, &EvaluationError{Operator: op.String(), Left: left, Right: right, Reason: "operands are not numeric"}
	}

	switch op {
	case OpAdd:
		return l + r, nil
	case OpSub:
		return l - r, nil
	case OpMul:
		return l * r, nil
	case OpDiv:
		if r == 0 {
			return nil, &EvaluationError{Operator: op.String(), Left: left, Right: right, Reason: "division by zero"}
		}
		return l / r, nil
	case OpMod:
		if r == 0 {
			return nil, &EvaluationError{Operator: op.String(), Left: left, Right: right, Reason: "modulo by zero"}
		}
		// result takes the sign of the divisor
		m := math.Mod(l, r)
		if m != 0 && (m < 0) != (r < 0) {
			m += r
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown binary operator: %v", op)
}

// collectIdentifiers appends fact ids referenced under node in first-seen order.
func collectIdentifiers(node ExprNode, seen map[string]bool, out []string) []string {
	switch n := node.(type) {
	case *IdentifierNode:
		if !seen[n.Name] {
			seen[n.Name] = true
			out = append(out, n.Name)
		}
	case *BinaryOpNode:
		out = collectIdentifiers(n.Left, seen, out)
		out = collectIdentifiers(n.Right, seen, out)
	case *NotNode:
		out = collectIdentifiers(n.Child, seen, out)
	case *NegateNode:
		out = collectIdentifiers(n.Child, seen, out)
	case *ComparisonNode:
		for _, operand := range n.Operands {
			out = collectIdentifiers(operand, seen, out)
		}
	}
	return out
}
