package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/cel-go/cel"
)

// Operator is a comparison operator of a Compare leaf.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpPrefix   Operator = "prefix"
)

var validOps = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true,
	OpLte: true, OpIn: true, OpContains: true, OpPrefix: true,
}

// Condition is a node of a rule's condition tree. The set of node types
// is closed: Compare, And, Or, Not and Expr.
type Condition interface {
	eval(f Facts) (bool, error)
	String() string
	condition()
}

// Compare tests one field against a literal value.
type Compare struct {
	Field string
	Op    Operator
	Value any
}

// And holds when every child holds. An empty And holds.
type And struct{ Conditions []Condition }

// Or holds when any child holds. An empty Or does not hold.
type Or struct{ Conditions []Condition }

// Not negates its child.
type Not struct{ Condition Condition }

// Expr is a CEL boolean expression over the claim, member, provider,
// history and factors maps.
type Expr struct {
	Source  string
	program cel.Program
}

func (Compare) condition() {}
func (And) condition()     {}
func (Or) condition()      {}
func (Not) condition()     {}
func (*Expr) condition()   {}

func (c Compare) String() string { return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value) }
func (a And) String() string     { return join(a.Conditions, " and ") }
func (o Or) String() string      { return join(o.Conditions, " or ") }
func (n Not) String() string     { return "not (" + n.Condition.String() + ")" }
func (e *Expr) String() string   { return e.Source }

func join(cs []Condition, sep string) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func (a And) eval(f Facts) (bool, error) {
	for _, c := range a.Conditions {
		ok, err := c.eval(f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (o Or) eval(f Facts) (bool, error) {
	for _, c := range o.Conditions {
		ok, err := c.eval(f)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n Not) eval(f Facts) (bool, error) {
	ok, err := n.Condition.eval(f)
	return !ok && err == nil, err
}

func (e *Expr) eval(f Facts) (bool, error) {
	if e.program == nil {
		return false, fmt.Errorf("expression %q is not compiled", e.Source)
	}
	out, _, err := e.program.Eval(f.Activation())
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", e.Source, out.Value())
	}
	return b, nil
}

// Missing fields and type mismatches evaluate to false.
func (c Compare) eval(f Facts) (bool, error) {
	v, ok := f[c.Field]
	if !ok {
		return false, nil
	}
	switch c.Op {
	case OpEq:
		return equal(v, c.Value), nil
	case OpNe:
		return !equal(v, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := number(v)
		b, bok := number(c.Value)
		if !aok || !bok {
			return false, nil
		}
		switch c.Op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpIn:
		list, _ := c.Value.([]any)
		for _, item := range list {
			if matchAny(v, func(x any) bool { return equal(x, item) }) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if s, ok := v.(string); ok {
			sub, _ := c.Value.(string)
			return sub != "" && strings.Contains(strings.ToLower(s), strings.ToLower(sub)), nil
		}
		return matchAny(v, func(x any) bool { return equal(x, c.Value) }), nil
	case OpPrefix:
		p, _ := c.Value.(string)
		if p == "" {
			return false, nil
		}
		return matchAny(v, func(x any) bool {
			s, ok := x.(string)
			return ok && strings.HasPrefix(strings.ToUpper(s), strings.ToUpper(p))
		}), nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}

// matchAny applies fn to v, or to each element when v is a list.
func matchAny(v any, fn func(any) bool) bool {
	if list, ok := v.([]string); ok {
		for _, s := range list {
			if fn(s) {
				return true
			}
		}
		return false
	}
	return fn(v)
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// node is the JSON shape of a condition tree.
type node struct {
	Kind       string          `json:"kind"`
	Field      string          `json:"field"`
	Op         Operator        `json:"op"`
	Value      json.RawMessage `json:"value"`
	Conditions []node          `json:"conditions"`
	Condition  *node           `json:"condition"`
	Expr       string          `json:"expr"`
}

// ParseCondition decodes and validates a JSON condition tree.
// A node without "kind" but with "field" is read as a compare.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("condition is empty")
	}
	var n node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("malformed condition: %w", err)
	}
	return n.build(0)
}

const maxDepth = 16

func (n node) build(depth int) (Condition, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("condition nested deeper than %d", maxDepth)
	}
	kind := n.Kind
	if kind == "" && n.Field != "" {
		kind = "compare"
	}
	switch kind {
	case "compare":
		return n.compare()
	case "and", "or":
		if len(n.Conditions) == 0 {
			return nil, fmt.Errorf("%s requires at least one condition", kind)
		}
		children := make([]Condition, 0, len(n.Conditions))
		for _, c := range n.Conditions {
			child, err := c.build(depth + 1)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if kind == "and" {
			return And{Conditions: children}, nil
		}
		return Or{Conditions: children}, nil
	case "not":
		if n.Condition == nil {
			return nil, fmt.Errorf("not requires a condition")
		}
		child, err := n.Condition.build(depth + 1)
		if err != nil {
			return nil, err
		}
		return Not{Condition: child}, nil
	case "expr":
		if strings.TrimSpace(n.Expr) == "" {
			return nil, fmt.Errorf("expr requires an expression")
		}
		return &Expr{Source: n.Expr}, nil
	}
	return nil, fmt.Errorf("unknown condition kind %q", n.Kind)
}

func (n node) compare() (Condition, error) {
	if !KnownField(n.Field) {
		return nil, fmt.Errorf("unknown field %q", n.Field)
	}
	if !validOps[n.Op] {
		return nil, fmt.Errorf("unknown operator %q", n.Op)
	}
	if len(n.Value) == 0 {
		return nil, fmt.Errorf("compare on %s requires a value", n.Field)
	}
	var value any
	if err := json.Unmarshal(n.Value, &value); err != nil {
		return nil, fmt.Errorf("malformed value for %s: %w", n.Field, err)
	}
	switch n.Op {
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := value.(float64); !ok {
			return nil, fmt.Errorf("operator %s on %s requires a number", n.Op, n.Field)
		}
	case OpIn:
		if _, ok := value.([]any); !ok {
			return nil, fmt.Errorf("operator in on %s requires a list", n.Field)
		}
	case OpPrefix:
		if _, ok := value.(string); !ok {
			return nil, fmt.Errorf("operator prefix on %s requires a string", n.Field)
		}
	}
	return Compare{Field: n.Field, Op: n.Op, Value: value}, nil
}

// walkExprs calls fn for every Expr leaf.
func walkExprs(c Condition, fn func(*Expr) error) error {
	switch n := c.(type) {
	case *Expr:
		return fn(n)
	case And:
		for _, child := range n.Conditions {
			if err := walkExprs(child, fn); err != nil {
				return err
			}
		}
	case Or:
		for _, child := range n.Conditions {
			if err := walkExprs(child, fn); err != nil {
				return err
			}
		}
	case Not:
		return walkExprs(n.Condition, fn)
	}
	return nil
}
