package cypher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// Query is a parsed query: a sequence of clauses evaluated left to right.
type Query struct {
	Text    string
	Clauses []Clause
}

// Clause is one of MatchClause, CreateClause, SetClause, RemoveClause,
// DeleteClause or ReturnClause.
type Clause interface {
	clause()
}

type MatchClause struct {
	Patterns []*Pattern
	Where    Expr
	Pos      int
}

type CreateClause struct {
	Patterns []*Pattern
	Pos      int
}

// SetOp selects the form of a SET item.
type SetOp uint8

const (
	SetProperty SetOp = iota // v.p = expr
	SetMerge                 // v += map
	SetReplace               // v = map
)

type SetItem struct {
	Var      string
	Property string // SetProperty only
	Op       SetOp
	Value    Expr
}

type SetClause struct {
	Items []SetItem
	Pos   int
}

type PropertyRef struct {
	Var      string
	Property string
}

type RemoveClause struct {
	Items []PropertyRef
	Pos   int
}

type DeleteClause struct {
	Exprs  []Expr
	Detach bool
	Pos    int
}

// ReturnItem is one projection. Text is the source spelling of Expr and
// names the column when Alias is empty.
type ReturnItem struct {
	Expr  Expr
	Alias string
	Text  string
}

// Name returns the column name.
func (r ReturnItem) Name() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Text
}

type SortItem struct {
	Expr Expr
	Desc bool
}

type ReturnClause struct {
	Distinct bool
	Items    []ReturnItem
	OrderBy  []SortItem
	Skip     Expr
	Limit    Expr
	Pos      int
}

func (*MatchClause) clause()  {}
func (*CreateClause) clause() {}
func (*SetClause) clause()    {}
func (*RemoveClause) clause() {}
func (*DeleteClause) clause() {}
func (*ReturnClause) clause() {}

// Pattern is a chain of nodes joined by relationships:
// len(Rels) == len(Nodes)-1 and Rels[i] joins Nodes[i] and Nodes[i+1].
type Pattern struct {
	Nodes []*NodePattern
	Rels  []*RelPattern
}

type NodePattern struct {
	Var   string
	Type  string
	Props *MapLiteral
	Pos   int
}

// RelPattern is one relationship of a pattern. Dir is relative to the
// written order: DirOutgoing for (a)-->(b), DirIncoming for (a)<--(b),
// DirBoth for (a)--(b). MaxHops is -1 when unbounded.
type RelPattern struct {
	Var       string
	Types     []string
	Dir       model.Direction
	VarLength bool
	MinHops   int
	MaxHops   int
	Props     *MapLiteral
	Pos       int
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// Expr is a closed set of expression nodes. String renders the expression
// back to query syntax.
type Expr interface {
	fmt.Stringer
	expr()
}

// Op is a unary or binary operator.
type Op string

const (
	OpOr         Op = "OR"
	OpXor        Op = "XOR"
	OpAnd        Op = "AND"
	OpNot        Op = "NOT"
	OpEq         Op = "="
	OpNeq        Op = "<>"
	OpLt         Op = "<"
	OpLte        Op = "<="
	OpGt         Op = ">"
	OpGte        Op = ">="
	OpAdd        Op = "+"
	OpSub        Op = "-"
	OpMul        Op = "*"
	OpDiv        Op = "/"
	OpMod        Op = "%"
	OpNeg        Op = "NEG"
	OpPos        Op = "POS"
	OpIn         Op = "IN"
	OpContains   Op = "CONTAINS"
	OpStartsWith Op = "STARTS WITH"
	OpEndsWith   Op = "ENDS WITH"
)

type Literal struct{ Value any }

type Parameter struct{ Name string }

type Variable struct{ Name string }

type PropertyAccess struct {
	Subject  Expr
	Property string
}

type IndexAccess struct {
	Subject Expr
	Index   Expr
}

type ListLiteral struct{ Items []Expr }

type MapLiteral struct {
	Keys   []string
	Values []Expr
}

type UnaryExpr struct {
	Op Op
	X  Expr
}

type BinaryExpr struct {
	Op   Op
	L, R Expr
}

type IsNullExpr struct {
	X   Expr
	Not bool
}

// FuncCall is a function or aggregate call. Name is lower-cased.
type FuncCall struct {
	Name     string
	Args     []Expr
	Distinct bool
	Star     bool
}

func (*Literal) expr()        {}
func (*Parameter) expr()      {}
func (*Variable) expr()       {}
func (*PropertyAccess) expr() {}
func (*IndexAccess) expr()    {}
func (*ListLiteral) expr()    {}
func (*MapLiteral) expr()     {}
func (*UnaryExpr) expr()      {}
func (*BinaryExpr) expr()     {}
func (*IsNullExpr) expr()     {}
func (*FuncCall) expr()       {}

func (e *Literal) String() string { return formatLiteral(e.Value) }

func formatLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(strings.ReplaceAll(x, `\`, `\\`), "'", `\'`) + "'"
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			parts[i] = formatLiteral(el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v)
}

func (e *Parameter) String() string { return "$" + e.Name }
func (e *Variable) String() string  { return e.Name }

func (e *PropertyAccess) String() string { return e.Subject.String() + "." + e.Property }

func (e *IndexAccess) String() string { return e.Subject.String() + "[" + e.Index.String() + "]" }

func (e *ListLiteral) String() string {
	parts := make([]string, len(e.Items))
	for i, it := range e.Items {
		parts[i] = it.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (e *MapLiteral) String() string {
	parts := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		parts[i] = k + ": " + e.Values[i].String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (e *UnaryExpr) String() string {
	switch e.Op {
	case OpNot:
		return "NOT " + e.X.String()
	case OpNeg:
		return "-" + e.X.String()
	}
	return "+" + e.X.String()
}

func (e *BinaryExpr) String() string {
	return "(" + e.L.String() + " " + string(e.Op) + " " + e.R.String() + ")"
}

func (e *IsNullExpr) String() string {
	if e.Not {
		return e.X.String() + " IS NOT NULL"
	}
	return e.X.String() + " IS NULL"
}

func (e *FuncCall) String() string {
	if e.Star {
		return e.Name + "(*)"
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = a.String()
	}
	prefix := ""
	if e.Distinct {
		prefix = "DISTINCT "
	}
	return e.Name + "(" + prefix + strings.Join(parts, ", ") + ")"
}

// walkExpr calls fn for e and every sub-expression, depth first.
func walkExpr(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch x := e.(type) {
	case *PropertyAccess:
		walkExpr(x.Subject, fn)
	case *IndexAccess:
		walkExpr(x.Subject, fn)
		walkExpr(x.Index, fn)
	case *ListLiteral:
		for _, it := range x.Items {
			walkExpr(it, fn)
		}
	case *MapLiteral:
		for _, v := range x.Values {
			walkExpr(v, fn)
		}
	case *UnaryExpr:
		walkExpr(x.X, fn)
	case *BinaryExpr:
		walkExpr(x.L, fn)
		walkExpr(x.R, fn)
	case *IsNullExpr:
		walkExpr(x.X, fn)
	case *FuncCall:
		for _, a := range x.Args {
			walkExpr(a, fn)
		}
	case *Literal, *Parameter, *Variable:
	}
}

// exprVars returns the variables e references.
func exprVars(e Expr) map[string]struct{} {
	vars := make(map[string]struct{})
	walkExpr(e, func(x Expr) {
		if v, ok := x.(*Variable); ok {
			vars[v.Name] = struct{}{}
		}
	})
	return vars
}
