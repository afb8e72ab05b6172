package cypher

import (
	"fmt"
	"strings"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// QueryPlan is the compiled, immutable form of a query. Plans hold no
// reference to a graph and can be cached and executed concurrently.
type QueryPlan struct {
	Text     string
	Steps    []Step
	Columns  []string
	Mutating bool
}

// Step is one operator of a plan. The set of steps is closed; the executor
// switches over every one of them.
type Step interface {
	// Name is the operator name shown by String.
	Name() string
	// Detail describes the operator arguments.
	Detail() string
	step()
}

// ArgumentStep starts a pattern from a variable bound by an earlier clause.
type ArgumentStep struct {
	Var  string
	Type string // Checked when not empty
}

// IDSeekStep fetches one entity by id.
type IDSeekStep struct {
	Var  string
	Type string
	ID   Expr
}

// IndexSeekStep fetches entities through an equality lookup on an index.
type IndexSeekStep struct {
	Var      string
	Type     string
	Property string
	Value    Expr
}

// ScanStep iterates every entity of Type, or every entity when Type is empty.
type ScanStep struct {
	Var  string
	Type string
}

// ExpandStep follows relationships from the entity bound to From. With
// VarLength set, Rel is bound to the list of traversed relationships.
// Relationships bound to the Exclude variables are never traversed again.
type ExpandStep struct {
	From      string
	Rel       string
	To        string
	Types     []string
	Dir       model.Direction
	VarLength bool
	MinHops   int
	MaxHops   int // -1 when unbounded
	ToType    string
	ToBound   bool
	RelProps  *MapLiteral
	Exclude   []string
}

type FilterStep struct {
	Predicate Expr
}

type CreateStep struct {
	Patterns []*Pattern
}

type SetStep struct {
	Items []SetItem
}

type RemoveStep struct {
	Items []PropertyRef
}

type DeleteStep struct {
	Exprs  []Expr
	Detach bool
}

// Projection is one output column. For aggregates Func names the aggregate
// and Expr is its argument (nil for count(*)).
type Projection struct {
	Name     string
	Expr     Expr
	Func     string
	Distinct bool
}

// Aggregated reports whether the column is an aggregate.
func (p Projection) Aggregated() bool { return p.Func != "" }

// ProjectStep computes the output columns. With Aggregate set, the
// non-aggregated columns are the grouping keys.
type ProjectStep struct {
	Items     []Projection
	Distinct  bool
	Aggregate bool
}

// SortKey orders projected rows. Expr refers to column names or to
// variables still in scope.
type SortKey struct {
	Expr Expr
	Desc bool
}

type SortStep struct {
	Keys []SortKey
}

type SkipStep struct {
	Count Expr
}

type LimitStep struct {
	Count Expr
}

func (*ArgumentStep) step()  {}
func (*IDSeekStep) step()    {}
func (*IndexSeekStep) step() {}
func (*ScanStep) step()      {}
func (*ExpandStep) step()    {}
func (*FilterStep) step()    {}
func (*CreateStep) step()    {}
func (*SetStep) step()       {}
func (*RemoveStep) step()    {}
func (*DeleteStep) step()    {}
func (*ProjectStep) step()   {}
func (*SortStep) step()      {}
func (*SkipStep) step()      {}
func (*LimitStep) step()     {}

func (*ArgumentStep) Name() string  { return "Argument" }
func (*IDSeekStep) Name() string    { return "NodeByIdSeek" }
func (*IndexSeekStep) Name() string { return "NodeIndexSeek" }
func (s *ScanStep) Name() string {
	if s.Type == "" {
		return "AllNodesScan"
	}
	return "NodeByLabelScan"
}
func (s *ExpandStep) Name() string {
	switch {
	case s.VarLength:
		return "VarLengthExpand"
	case s.ToBound:
		return "Expand(Into)"
	}
	return "Expand(All)"
}
func (*FilterStep) Name() string { return "Filter" }
func (*CreateStep) Name() string { return "Create" }
func (*SetStep) Name() string    { return "SetProperties" }
func (*RemoveStep) Name() string { return "RemoveProperties" }
func (s *DeleteStep) Name() string {
	if s.Detach {
		return "DetachDelete"
	}
	return "Delete"
}
func (s *ProjectStep) Name() string {
	switch {
	case s.Aggregate:
		return "EagerAggregation"
	case s.Distinct:
		return "Distinct"
	}
	return "Projection"
}
func (*SortStep) Name() string  { return "Sort" }
func (*SkipStep) Name() string  { return "Skip" }
func (*LimitStep) Name() string { return "Limit" }

func nodeText(v, typ string) string {
	if typ == "" {
		return "(" + displayVar(v) + ")"
	}
	return "(" + displayVar(v) + ":" + typ + ")"
}

// displayVar hides generated names of anonymous pattern elements.
func displayVar(v string) string {
	if strings.HasPrefix(v, anonPrefix) {
		return ""
	}
	return v
}

func (s *ArgumentStep) Detail() string { return nodeText(s.Var, s.Type) }
func (s *IDSeekStep) Detail() string {
	return nodeText(s.Var, s.Type) + " WHERE id = " + s.ID.String()
}
func (s *IndexSeekStep) Detail() string {
	return fmt.Sprintf("%s USING INDEX %s(%s) = %s", nodeText(s.Var, s.Type), s.Type, s.Property, s.Value)
}
func (s *ScanStep) Detail() string { return nodeText(s.Var, s.Type) }
func (s *ExpandStep) Detail() string {
	var sb strings.Builder
	sb.WriteString("(" + displayVar(s.From) + ")")
	if s.Dir == model.DirIncoming {
		sb.WriteString("<")
	}
	sb.WriteString("-[" + displayVar(s.Rel))
	if len(s.Types) > 0 {
		sb.WriteString(":" + strings.Join(s.Types, "|"))
	}
	if s.VarLength {
		if s.MaxHops < 0 {
			fmt.Fprintf(&sb, "*%d..", s.MinHops)
		} else {
			fmt.Fprintf(&sb, "*%d..%d", s.MinHops, s.MaxHops)
		}
	}
	if s.RelProps != nil {
		sb.WriteString(" " + s.RelProps.String())
	}
	sb.WriteString("]-")
	if s.Dir == model.DirOutgoing {
		sb.WriteString(">")
	}
	sb.WriteString(nodeText(s.To, s.ToType))
	return sb.String()
}
func (s *FilterStep) Detail() string { return s.Predicate.String() }
func (s *CreateStep) Detail() string {
	parts := make([]string, len(s.Patterns))
	for i, p := range s.Patterns {
		parts[i] = patternText(p)
	}
	return strings.Join(parts, ", ")
}
func (s *SetStep) Detail() string {
	parts := make([]string, len(s.Items))
	for i, it := range s.Items {
		switch it.Op {
		case SetProperty:
			parts[i] = it.Var + "." + it.Property + " = " + it.Value.String()
		case SetMerge:
			parts[i] = it.Var + " += " + it.Value.String()
		case SetReplace:
			parts[i] = it.Var + " = " + it.Value.String()
		}
	}
	return strings.Join(parts, ", ")
}
func (s *RemoveStep) Detail() string {
	parts := make([]string, len(s.Items))
	for i, it := range s.Items {
		parts[i] = it.Var + "." + it.Property
	}
	return strings.Join(parts, ", ")
}
func (s *DeleteStep) Detail() string { return joinExprs(s.Exprs) }
func (s *ProjectStep) Detail() string {
	parts := make([]string, len(s.Items))
	for i, it := range s.Items {
		parts[i] = it.Name
	}
	return strings.Join(parts, ", ")
}
func (s *SortStep) Detail() string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		parts[i] = k.Expr.String()
		if k.Desc {
			parts[i] += " DESC"
		}
	}
	return strings.Join(parts, ", ")
}
func (s *SkipStep) Detail() string  { return s.Count.String() }
func (s *LimitStep) Detail() string { return s.Count.String() }

func joinExprs(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

func patternText(p *Pattern) string {
	var sb strings.Builder
	for i, n := range p.Nodes {
		if i > 0 {
			r := p.Rels[i-1]
			if r.Dir == model.DirIncoming {
				sb.WriteString("<")
			}
			sb.WriteString("-[" + displayVar(r.Var))
			if len(r.Types) > 0 {
				sb.WriteString(":" + strings.Join(r.Types, "|"))
			}
			sb.WriteString("]-")
			if r.Dir == model.DirOutgoing {
				sb.WriteString(">")
			}
		}
		sb.WriteString(nodeText(n.Var, n.Type))
	}
	return sb.String()
}

const planWidth = 72

// String renders the plan as an operator tree, last operator first, the way
// EXPLAIN output reads.
func (p *QueryPlan) String() string {
	var sb strings.Builder
	border := "+-" + strings.Repeat("-", planWidth) + "-+\n"
	row := func(s string) {
		if len(s) > planWidth {
			s = s[:planWidth-3] + "..."
		}
		fmt.Fprintf(&sb, "| %-*s |\n", planWidth, s)
	}

	sb.WriteString(border)
	row("Query Plan")
	sb.WriteString(border)
	for i := len(p.Steps) - 1; i >= 0; i-- {
		s := p.Steps[i]
		depth := len(p.Steps) - 1 - i
		prefix := "+-"
		if depth > 0 {
			prefix = "|" + strings.Repeat("  ", depth) + "+-"
		}
		line := prefix + " " + s.Name()
		if d := s.Detail(); d != "" {
			line += " (" + d + ")"
		}
		row(line)
	}
	sb.WriteString(border)
	if len(p.Columns) > 0 {
		row("Columns: " + strings.Join(p.Columns, ", "))
		sb.WriteString(border)
	}
	return sb.String()
}
