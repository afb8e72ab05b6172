package cypher

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// EvalError reports an expression that cannot be evaluated for a row, such
// as a division by zero or a missing parameter.
type EvalError struct {
	Expr    string
	Message string
}

func (e *EvalError) Error() string {
	if e.Expr == "" {
		return "cypher: " + e.Message
	}
	return fmt.Sprintf("cypher: evaluating %s: %s", e.Expr, e.Message)
}

func evalErrorf(e Expr, format string, args ...any) error {
	text := ""
	if e != nil {
		text = e.String()
	}
	return &EvalError{Expr: text, Message: fmt.Sprintf(format, args...)}
}

// evaluator computes expressions over the variables of one row. Values are
// nil, bool, int64, float64, string, []any, map[string]any,
// *model.Entity and *model.Relationship.
type evaluator struct {
	params map[string]any
}

func (ev *evaluator) eval(e Expr, vars map[string]any) (any, error) {
	switch x := e.(type) {
	case *Literal:
		return x.Value, nil
	case *Parameter:
		v, ok := ev.params[x.Name]
		if !ok {
			return nil, evalErrorf(e, "missing parameter $%s", x.Name)
		}
		return v, nil
	case *Variable:
		return vars[x.Name], nil
	case *PropertyAccess:
		subject, err := ev.eval(x.Subject, vars)
		if err != nil {
			return nil, err
		}
		return property(e, subject, x.Property)
	case *IndexAccess:
		subject, err := ev.eval(x.Subject, vars)
		if err != nil {
			return nil, err
		}
		idx, err := ev.eval(x.Index, vars)
		if err != nil {
			return nil, err
		}
		return indexValue(e, subject, idx)
	case *ListLiteral:
		out := make([]any, len(x.Items))
		for i, it := range x.Items {
			v, err := ev.eval(it, vars)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *MapLiteral:
		out := make(map[string]any, len(x.Keys))
		for i, k := range x.Keys {
			v, err := ev.eval(x.Values[i], vars)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case *UnaryExpr:
		v, err := ev.eval(x.X, vars)
		if err != nil {
			return nil, err
		}
		return unary(x, v)
	case *BinaryExpr:
		return ev.binary(x, vars)
	case *IsNullExpr:
		v, err := ev.eval(x.X, vars)
		if err != nil {
			return nil, err
		}
		return (v == nil) != x.Not, nil
	case *FuncCall:
		fn, ok := functions[x.Name]
		if !ok {
			return nil, evalErrorf(e, "unknown function")
		}
		args := make([]any, len(x.Args))
		for i, a := range x.Args {
			v, err := ev.eval(a, vars)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn.call(x, args)
	}
	return nil, evalErrorf(e, "unsupported expression %T", e)
}

// predicate evaluates e as a WHERE condition: only true keeps the row.
func (ev *evaluator) predicate(e Expr, vars map[string]any) (bool, error) {
	v, err := ev.eval(e, vars)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	}
	return false, evalErrorf(e, "expected a boolean, got %s", typeName(v))
}

func property(e Expr, subject any, name string) (any, error) {
	switch s := subject.(type) {
	case nil:
		return nil, nil
	case *model.Entity:
		if v, ok := s.Properties[name]; ok {
			return v, nil
		}
		if name == idKey {
			return s.ID, nil
		}
		return nil, nil
	case *model.Relationship:
		if v, ok := s.Properties[name]; ok {
			return v, nil
		}
		if name == idKey {
			return s.ID, nil
		}
		return nil, nil
	case map[string]any:
		return s[name], nil
	}
	return nil, evalErrorf(e, "cannot read property %q of %s", name, typeName(subject))
}

func indexValue(e Expr, subject, idx any) (any, error) {
	if subject == nil || idx == nil {
		return nil, nil
	}
	switch s := subject.(type) {
	case []any:
		i, ok := idx.(int64)
		if !ok {
			return nil, evalErrorf(e, "list index must be an integer, got %s", typeName(idx))
		}
		if i < 0 {
			i += int64(len(s))
		}
		if i < 0 || i >= int64(len(s)) {
			return nil, nil
		}
		return s[i], nil
	case map[string]any, *model.Entity, *model.Relationship:
		key, ok := idx.(string)
		if !ok {
			return nil, evalErrorf(e, "map key must be a string, got %s", typeName(idx))
		}
		return property(e, s, key)
	}
	return nil, evalErrorf(e, "cannot index %s", typeName(subject))
}

func unary(e *UnaryExpr, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch e.Op {
	case OpNot:
		b, ok := v.(bool)
		if !ok {
			return nil, evalErrorf(e, "NOT expects a boolean, got %s", typeName(v))
		}
		return !b, nil
	case OpNeg:
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
	case OpPos:
		switch v.(type) {
		case int64, float64:
			return v, nil
		}
	}
	return nil, evalErrorf(e, "expected a number, got %s", typeName(v))
}

func (ev *evaluator) binary(e *BinaryExpr, vars map[string]any) (any, error) {
	l, err := ev.eval(e.L, vars)
	if err != nil {
		return nil, err
	}
	// AND and OR short-circuit on a decisive left operand.
	if lb, ok := l.(bool); ok {
		if (e.Op == OpAnd && !lb) || (e.Op == OpOr && lb) {
			return lb, nil
		}
	}
	r, err := ev.eval(e.R, vars)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case OpAnd, OpOr, OpXor:
		return logical(e, l, r)
	case OpEq:
		return equals(l, r), nil
	case OpNeq:
		eq := equals(l, r)
		if eq == nil {
			return nil, nil
		}
		return !eq.(bool), nil
	case OpLt, OpLte, OpGt, OpGte:
		c, ok := compare(l, r)
		if !ok {
			return nil, nil
		}
		switch e.Op {
		case OpLt:
			return c < 0, nil
		case OpLte:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		}
		return c >= 0, nil
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return arithmetic(e, l, r)
	case OpIn:
		return in(e, l, r)
	case OpContains, OpStartsWith, OpEndsWith:
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return nil, nil
		}
		switch e.Op {
		case OpContains:
			return strings.Contains(ls, rs), nil
		case OpStartsWith:
			return strings.HasPrefix(ls, rs), nil
		}
		return strings.HasSuffix(ls, rs), nil
	}
	return nil, evalErrorf(e, "unsupported operator %s", e.Op)
}

// logical applies three-valued logic: null means unknown.
func logical(e *BinaryExpr, l, r any) (any, error) {
	toBool := func(v any) (bool, bool, error) {
		if v == nil {
			return false, false, nil
		}
		b, ok := v.(bool)
		if !ok {
			return false, false, evalErrorf(e, "%s expects booleans, got %s", e.Op, typeName(v))
		}
		return b, true, nil
	}
	lb, lknown, err := toBool(l)
	if err != nil {
		return nil, err
	}
	rb, rknown, err := toBool(r)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case OpAnd:
		if (lknown && !lb) || (rknown && !rb) {
			return false, nil
		}
		if lknown && rknown {
			return true, nil
		}
	case OpOr:
		if (lknown && lb) || (rknown && rb) {
			return true, nil
		}
		if lknown && rknown {
			return false, nil
		}
	case OpXor:
		if lknown && rknown {
			return lb != rb, nil
		}
	}
	return nil, nil
}

// equals returns true, false or nil when either side is null.
func equals(l, r any) any {
	if l == nil || r == nil {
		return nil
	}
	switch a := l.(type) {
	case *model.Entity:
		b, ok := r.(*model.Entity)
		return ok && a.ID == b.ID
	case *model.Relationship:
		b, ok := r.(*model.Relationship)
		return ok && a.ID == b.ID
	case []any:
		b, ok := r.([]any)
		if !ok || len(a) != len(b) {
			return false
		}
		var result any = true
		for i := range a {
			switch eq := equals(a[i], b[i]); eq {
			case false:
				return false
			case nil:
				result = nil
			}
		}
		return result
	case map[string]any:
		b, ok := r.(map[string]any)
		if !ok || len(a) != len(b) {
			return false
		}
		var result any = true
		for k, av := range a {
			bv, ok := b[k]
			if !ok {
				return false
			}
			switch eq := equals(av, bv); eq {
			case false:
				return false
			case nil:
				result = nil
			}
		}
		return result
	}
	if isNumber(l) && isNumber(r) {
		return model.CompareValues(l, r) == 0
	}
	switch l.(type) {
	case bool, string:
		if sameKind(l, r) {
			return model.CompareValues(l, r) == 0
		}
	}
	return false
}

func isNumber(v any) bool {
	switch x := v.(type) {
	case int64:
		return true
	case float64:
		return !math.IsNaN(x)
	}
	return false
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	}
	return isNumber(a) && isNumber(b)
}

// compare orders two values of the same kind. It reports false for nulls
// and incomparable kinds, which makes the comparison null.
func compare(l, r any) (int, bool) {
	if l == nil || r == nil || !sameKind(l, r) {
		return 0, false
	}
	return model.CompareValues(l, r), true
}

func arithmetic(e *BinaryExpr, l, r any) (any, error) {
	if l == nil || r == nil {
		return nil, nil
	}
	if e.Op == OpAdd {
		switch a := l.(type) {
		case string:
			if s, ok := r.(string); ok {
				return a + s, nil
			}
			if isNumber(r) {
				return a + toString(r), nil
			}
		case []any:
			if b, ok := r.([]any); ok {
				return append(append([]any(nil), a...), b...), nil
			}
			return append(append([]any(nil), a...), r), nil
		}
		if s, ok := r.(string); ok && isNumber(l) {
			return toString(l) + s, nil
		}
	}

	ai, aInt := l.(int64)
	bi, bInt := r.(int64)
	if aInt && bInt {
		switch e.Op {
		case OpAdd:
			return ai + bi, nil
		case OpSub:
			return ai - bi, nil
		case OpMul:
			return ai * bi, nil
		case OpDiv, OpMod:
			if bi == 0 {
				return nil, evalErrorf(e, "division by zero")
			}
			if e.Op == OpDiv {
				return ai / bi, nil
			}
			return ai % bi, nil
		}
	}
	af, aok := asFloat(l)
	bf, bok := asFloat(r)
	if !aok || !bok {
		return nil, evalErrorf(e, "cannot apply %s to %s and %s", e.Op, typeName(l), typeName(r))
	}
	switch e.Op {
	case OpAdd:
		return af + bf, nil
	case OpSub:
		return af - bf, nil
	case OpMul:
		return af * bf, nil
	case OpDiv:
		if bf == 0 {
			return nil, evalErrorf(e, "division by zero")
		}
		return af / bf, nil
	case OpMod:
		if bf == 0 {
			return nil, evalErrorf(e, "division by zero")
		}
		return math.Mod(af, bf), nil
	}
	return nil, evalErrorf(e, "unsupported operator %s", e.Op)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func in(e *BinaryExpr, l, r any) (any, error) {
	if r == nil {
		return nil, nil
	}
	list, ok := r.([]any)
	if !ok {
		return nil, evalErrorf(e, "IN expects a list, got %s", typeName(r))
	}
	if l == nil {
		if len(list) == 0 {
			return false, nil
		}
		return nil, nil
	}
	var result any = false
	for _, el := range list {
		switch eq := equals(l, el); eq {
		case true:
			return true, nil
		case nil:
			result = nil
		}
	}
	return result, nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64:
		return "integer"
	case float64:
		return "float"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	case *model.Entity:
		return "node"
	case *model.Relationship:
		return "relationship"
	}
	return fmt.Sprintf("%T", v)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatFloat(x, 'f', 1, 64)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

type function struct {
	minArgs int
	maxArgs int // -1 for variadic
	call    func(e Expr, args []any) (any, error)
}

// aggregates are evaluated by the projection operator, not by eval.
var aggregates = map[string]struct{}{
	"count": {}, "collect": {}, "sum": {}, "avg": {}, "min": {}, "max": {},
}

var functions map[string]function

func init() {
	functions = map[string]function{
		"id":         {1, 1, fnID},
		"type":       {1, 1, fnType},
		"labels":     {1, 1, fnLabels},
		"keys":       {1, 1, fnKeys},
		"properties": {1, 1, fnProperties},
		"size":       {1, 1, fnSize},
		"length":     {1, 1, fnSize},
		"tolower":    {1, 1, stringFn(strings.ToLower)},
		"toupper":    {1, 1, stringFn(strings.ToUpper)},
		"trim":       {1, 1, stringFn(strings.TrimSpace)},
		"tostring":   {1, 1, fnToString},
		"tointeger":  {1, 1, fnToInteger},
		"tofloat":    {1, 1, fnToFloat},
		"coalesce":   {1, -1, fnCoalesce},
		"abs":        {1, 1, fnAbs},
		"head":       {1, 1, fnHead},
		"last":       {1, 1, fnLast},
	}
}

func fnID(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case *model.Entity:
		return x.ID, nil
	case *model.Relationship:
		return x.ID, nil
	}
	return nil, evalErrorf(e, "id() expects a node or relationship, got %s", typeName(args[0]))
}

func fnType(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case *model.Relationship:
		return x.Type, nil
	}
	return nil, evalErrorf(e, "type() expects a relationship, got %s", typeName(args[0]))
}

func fnLabels(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case *model.Entity:
		return []any{x.Type}, nil
	}
	return nil, evalErrorf(e, "labels() expects a node, got %s", typeName(args[0]))
}

func propsOf(e Expr, v any) (map[string]any, error) {
	switch x := v.(type) {
	case *model.Entity:
		return x.Properties, nil
	case *model.Relationship:
		return x.Properties, nil
	case map[string]any:
		return x, nil
	}
	return nil, evalErrorf(e, "expected a node, relationship or map, got %s", typeName(v))
}

func fnKeys(e Expr, args []any) (any, error) {
	if args[0] == nil {
		return nil, nil
	}
	props, err := propsOf(e, args[0])
	if err != nil {
		return nil, err
	}
	keys := model.SortedKeys(props)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func fnProperties(e Expr, args []any) (any, error) {
	if args[0] == nil {
		return nil, nil
	}
	props, err := propsOf(e, args[0])
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = model.CloneValue(v)
	}
	return out, nil
}

func fnSize(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return int64(utf8.RuneCountInString(x)), nil
	case []any:
		return int64(len(x)), nil
	}
	return nil, evalErrorf(e, "expected a string or list, got %s", typeName(args[0]))
}

func stringFn(fn func(string) string) func(Expr, []any) (any, error) {
	return func(e Expr, args []any) (any, error) {
		switch x := args[0].(type) {
		case nil:
			return nil, nil
		case string:
			return fn(x), nil
		}
		return nil, evalErrorf(e, "expected a string, got %s", typeName(args[0]))
	}
}

func fnToString(e Expr, args []any) (any, error) {
	switch args[0].(type) {
	case nil:
		return nil, nil
	case string, int64, float64, bool:
		return toString(args[0]), nil
	}
	return nil, evalErrorf(e, "cannot convert %s to string", typeName(args[0]))
}

func fnToInteger(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case int64:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, nil
		}
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f), nil
		}
		return nil, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, evalErrorf(e, "cannot convert %s to integer", typeName(args[0]))
}

func fnToFloat(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, nil
		}
		return f, nil
	}
	return nil, evalErrorf(e, "cannot convert %s to float", typeName(args[0]))
}

func fnCoalesce(_ Expr, args []any) (any, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func fnAbs(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case int64:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	case float64:
		return math.Abs(x), nil
	}
	return nil, evalErrorf(e, "abs() expects a number, got %s", typeName(args[0]))
}

func fnHead(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case []any:
		if len(x) == 0 {
			return nil, nil
		}
		return x[0], nil
	}
	return nil, evalErrorf(e, "head() expects a list, got %s", typeName(args[0]))
}

func fnLast(e Expr, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case []any:
		if len(x) == 0 {
			return nil, nil
		}
		return x[len(x)-1], nil
	}
	return nil, evalErrorf(e, "last() expects a list, got %s", typeName(args[0]))
}

// ---------------------------------------------------------------------------
// Ordering and grouping
// ---------------------------------------------------------------------------

// orderValues orders values for ORDER BY: nodes and relationships by id,
// then the total value order with null greatest, so nulls sort last in
// ascending order.
func orderValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return model.CompareValues(orderable(a), orderable(b))
}

func orderable(v any) any {
	switch x := v.(type) {
	case *model.Entity:
		return x.ID
	case *model.Relationship:
		return x.ID
	case map[string]any:
		return valueKey(x)
	}
	return v
}

// valueKey encodes v so that values equal for DISTINCT and grouping share
// a key. Integral floats encode like integers since 1 = 1.0.
func valueKey(v any) string {
	var sb strings.Builder
	writeKey(&sb, v)
	return sb.String()
}

func writeKey(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("n")
	case bool:
		sb.WriteString("b" + strconv.FormatBool(x))
	case int64:
		sb.WriteString("i" + strconv.FormatInt(x, 10))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<62 {
			sb.WriteString("i" + strconv.FormatInt(int64(x), 10))
		} else {
			sb.WriteString("f" + strconv.FormatFloat(x, 'g', -1, 64))
		}
	case string:
		sb.WriteString("s" + strconv.Quote(x))
	case []any:
		sb.WriteString("[")
		for i, el := range x {
			if i > 0 {
				sb.WriteString(",")
			}
			writeKey(sb, el)
		}
		sb.WriteString("]")
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(strconv.Quote(k) + ":")
			writeKey(sb, x[k])
		}
		sb.WriteString("}")
	case *model.Entity:
		sb.WriteString("E" + strconv.Quote(x.ID))
	case *model.Relationship:
		sb.WriteString("R" + strconv.Quote(x.ID))
	default:
		fmt.Fprintf(sb, "?%v", x)
	}
}
