package cypher

import (
	"fmt"
	"sort"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// CompileError reports a query that parses but has no valid plan, such as
// an undefined variable or an aggregate in the wrong place.
type CompileError struct {
	Position int
	Message  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error at position %d: %s", e.Position, e.Message)
}

func compileErrorf(pos int, format string, args ...any) error {
	return &CompileError{Position: pos, Message: fmt.Sprintf(format, args...)}
}

// anonPrefix starts the generated names of anonymous pattern elements. The
// backtick cannot start an identifier in query text, so the names never
// collide with user variables.
const anonPrefix = "`anon"

// idKey is the map key and property name that address the record id.
const idKey = "id"

type varKind uint8

const (
	varEntity varKind = iota + 1
	varRelationship
	varPath // list of relationships bound by a variable-length pattern
	varValue
)

func (k varKind) String() string {
	switch k {
	case varEntity:
		return "node"
	case varRelationship:
		return "relationship"
	case varPath:
		return "relationship list"
	}
	return "value"
}

type compiler struct {
	catalog Catalog
	vars    map[string]varKind
	steps   []Step
	anon    int
}

// Compile parses text and turns it into a plan. Compilation is pure: the
// catalog is only asked which properties are indexed, so the same text and
// catalog always produce the same plan.
//
// An equality on an indexed property of a node's type, either in the
// node's property map or as a top-level WHERE conjunct, becomes an index
// seek; when several qualify the lexicographically smallest property name
// wins. Each pattern is seeded at its first node with a seek, else at a
// node bound by an earlier clause, else at its first node, and is expanded
// outward from there.
func Compile(text string, catalog Catalog) (*QueryPlan, error) {
	q, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = noCatalog{}
	}
	c := &compiler{catalog: catalog, vars: make(map[string]varKind)}
	plan := &QueryPlan{Text: text}

	updated := false
	for i, cl := range q.Clauses {
		switch x := cl.(type) {
		case *MatchClause:
			if updated {
				return nil, compileErrorf(x.Pos, "MATCH cannot follow an updating clause")
			}
			err = c.compileMatch(x)
		case *CreateClause:
			updated = true
			err = c.compileCreate(x)
		case *SetClause:
			updated = true
			err = c.compileSet(x)
		case *RemoveClause:
			updated = true
			err = c.compileRemove(x)
		case *DeleteClause:
			updated = true
			err = c.compileDelete(x)
		case *ReturnClause:
			if i != len(q.Clauses)-1 {
				return nil, compileErrorf(x.Pos, "RETURN must be the last clause")
			}
			plan.Columns, err = c.compileReturn(x)
		}
		if err != nil {
			return nil, err
		}
	}
	if _, ok := q.Clauses[len(q.Clauses)-1].(*ReturnClause); !ok && !updated {
		return nil, compileErrorf(len(text), "query must end with RETURN or an updating clause")
	}
	plan.Steps = c.steps
	plan.Mutating = updated
	return plan, nil
}

func (c *compiler) add(s Step) { c.steps = append(c.steps, s) }

func (c *compiler) anonName() string {
	c.anon++
	return fmt.Sprintf("%s%d", anonPrefix, c.anon)
}

// checkExpr verifies that every variable in e is bound and every function
// exists with a valid argument count. Aggregates are rejected here; the
// RETURN compiler handles them at the top level of a column.
func (c *compiler) checkExpr(e Expr, pos int) error {
	var err error
	walkExpr(e, func(x Expr) {
		if err != nil {
			return
		}
		switch v := x.(type) {
		case *Variable:
			if _, ok := c.vars[v.Name]; !ok {
				err = compileErrorf(pos, "variable %q is not defined", v.Name)
			}
		case *FuncCall:
			err = checkCall(v, pos)
		}
	})
	return err
}

func checkCall(f *FuncCall, pos int) error {
	if _, ok := aggregates[f.Name]; ok {
		return compileErrorf(pos, "aggregate %s() is only allowed at the top level of a RETURN item", f.Name)
	}
	fn, ok := functions[f.Name]
	if !ok {
		return compileErrorf(pos, "unknown function %s()", f.Name)
	}
	if f.Star || f.Distinct {
		return compileErrorf(pos, "%s() does not accept * or DISTINCT", f.Name)
	}
	if len(f.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(f.Args) > fn.maxArgs) {
		return compileErrorf(pos, "wrong number of arguments to %s(): %d", f.Name, len(f.Args))
	}
	return nil
}

// ---------------------------------------------------------------------------
// MATCH
// ---------------------------------------------------------------------------

// pendingFilter is a predicate waiting for all its variables to be bound.
type pendingFilter struct {
	expr     Expr
	vars     map[string]struct{}
	pos      int
	conjunct int // index into the WHERE conjuncts, -1 for property maps
}

// seek is an equality usable to seed a pattern.
type seek struct {
	property string // idKey for id seeks
	value    Expr
	conjunct int // index into the WHERE conjuncts, -1 for an inline map entry
}

func splitConjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if b, ok := e.(*BinaryExpr); ok && b.Op == OpAnd {
		return append(splitConjuncts(b.L), splitConjuncts(b.R)...)
	}
	return []Expr{e}
}

func constant(e Expr) bool { return len(exprVars(e)) == 0 }

// propertyEquality matches "v.p = expr" or "expr = v.p" where expr has no
// variables.
func propertyEquality(e Expr) (v, prop string, value Expr, ok bool) {
	b, isBin := e.(*BinaryExpr)
	if !isBin || b.Op != OpEq {
		return "", "", nil, false
	}
	try := func(l, r Expr) bool {
		pa, isPA := l.(*PropertyAccess)
		if !isPA {
			return false
		}
		vr, isVar := pa.Subject.(*Variable)
		if !isVar || !constant(r) {
			return false
		}
		v, prop, value = vr.Name, pa.Property, r
		return true
	}
	if try(b.L, b.R) || try(b.R, b.L) {
		return v, prop, value, true
	}
	return "", "", nil, false
}

func (c *compiler) compileMatch(mc *MatchClause) error {
	conjuncts := splitConjuncts(mc.Where)
	used := make([]bool, len(conjuncts))

	// Name anonymous elements and declare pattern variables first so WHERE
	// can be checked against them.
	declared := make(map[string]varKind)
	for _, pat := range mc.Patterns {
		for _, n := range pat.Nodes {
			if n.Var == "" {
				n.Var = c.anonName()
			}
			if err := c.declare(declared, n.Var, varEntity, n.Pos); err != nil {
				return err
			}
		}
		for _, r := range pat.Rels {
			if r.Var == "" {
				r.Var = c.anonName()
			}
			kind := varRelationship
			if r.VarLength {
				kind = varPath
			}
			if _, bound := c.vars[r.Var]; bound {
				return compileErrorf(r.Pos, "relationship variable %q is already bound", r.Var)
			}
			if k, dup := declared[r.Var]; dup && k != varEntity {
				return compileErrorf(r.Pos, "variable %q is used for more than one relationship", r.Var)
			}
			if err := c.declare(declared, r.Var, kind, r.Pos); err != nil {
				return err
			}
		}
	}
	outer := c.vars
	c.vars = make(map[string]varKind, len(outer)+len(declared))
	for k, v := range outer {
		c.vars[k] = v
	}
	for k, v := range declared {
		c.vars[k] = v
	}
	for _, cj := range conjuncts {
		if err := c.checkExpr(cj, mc.Pos); err != nil {
			return err
		}
	}
	for _, pat := range mc.Patterns {
		for _, n := range pat.Nodes {
			if err := c.checkMap(n.Props, n.Pos); err != nil {
				return err
			}
		}
		for _, r := range pat.Rels {
			if err := c.checkMap(r.Props, r.Pos); err != nil {
				return err
			}
		}
	}

	// From here on c.vars tracks what the pipeline has bound so far.
	c.vars = outer
	var pending []pendingFilter
	addFilter := func(e Expr, pos int) {
		pending = append(pending, pendingFilter{expr: e, vars: exprVars(e), pos: pos, conjunct: -1})
	}
	for i, cj := range conjuncts {
		pending = append(pending, pendingFilter{expr: cj, vars: exprVars(cj), pos: mc.Pos, conjunct: i})
	}
	flush := func() {
		kept := pending[:0]
		for _, f := range pending {
			if c.allBound(f.vars) {
				c.add(&FilterStep{Predicate: f.expr})
			} else {
				kept = append(kept, f)
			}
		}
		pending = kept
	}

	var relVars []string
	for _, pat := range mc.Patterns {
		seed, sk := c.chooseSeed(pat, conjuncts, used)
		seedNode := pat.Nodes[seed]

		switch {
		case sk != nil && sk.property == idKey:
			c.add(&IDSeekStep{Var: seedNode.Var, Type: seedNode.Type, ID: sk.value})
		case sk != nil:
			c.add(&IndexSeekStep{Var: seedNode.Var, Type: seedNode.Type, Property: sk.property, Value: sk.value})
		case c.isBound(seedNode.Var):
			c.add(&ArgumentStep{Var: seedNode.Var, Type: seedNode.Type})
		default:
			c.add(&ScanStep{Var: seedNode.Var, Type: seedNode.Type})
		}
		if sk != nil && sk.conjunct >= 0 {
			used[sk.conjunct] = true
			kept := pending[:0]
			for _, f := range pending {
				if f.conjunct != sk.conjunct {
					kept = append(kept, f)
				}
			}
			pending = kept
		}
		c.vars[seedNode.Var] = varEntity
		c.nodeFilters(seedNode, sk, addFilter)
		flush()

		expand := func(from, to *NodePattern, r *RelPattern, dir model.Direction) {
			c.add(&ExpandStep{
				From:      from.Var,
				Rel:       r.Var,
				To:        to.Var,
				Types:     r.Types,
				Dir:       dir,
				VarLength: r.VarLength,
				MinHops:   r.MinHops,
				MaxHops:   r.MaxHops,
				ToType:    to.Type,
				ToBound:   c.isBound(to.Var),
				RelProps:  r.Props,
				Exclude:   append([]string(nil), relVars...),
			})
			if r.VarLength {
				c.vars[r.Var] = varPath
			} else {
				c.vars[r.Var] = varRelationship
			}
			c.vars[to.Var] = varEntity
			relVars = append(relVars, r.Var)
			c.nodeFilters(to, nil, addFilter)
			flush()
		}
		for i := seed; i < len(pat.Rels); i++ {
			expand(pat.Nodes[i], pat.Nodes[i+1], pat.Rels[i], pat.Rels[i].Dir)
		}
		for i := seed - 1; i >= 0; i-- {
			expand(pat.Nodes[i+1], pat.Nodes[i], pat.Rels[i], reverse(pat.Rels[i].Dir))
		}
	}

	if len(pending) > 0 {
		return compileErrorf(pending[0].pos, "predicate %s references unbound variables", pending[0].expr)
	}
	return nil
}

func (c *compiler) declare(declared map[string]varKind, name string, kind varKind, pos int) error {
	if k, ok := c.vars[name]; ok && k != kind {
		return compileErrorf(pos, "variable %q is already bound to a %s", name, k)
	}
	if k, ok := declared[name]; ok && k != kind {
		return compileErrorf(pos, "variable %q is already bound to a %s", name, k)
	}
	declared[name] = kind
	return nil
}

func (c *compiler) checkMap(m *MapLiteral, pos int) error {
	if m == nil {
		return nil
	}
	return c.checkExpr(m, pos)
}

func (c *compiler) isBound(v string) bool {
	_, ok := c.vars[v]
	return ok
}

func (c *compiler) allBound(vars map[string]struct{}) bool {
	for v := range vars {
		if !c.isBound(v) {
			return false
		}
	}
	return true
}

func reverse(d model.Direction) model.Direction {
	switch d {
	case model.DirOutgoing:
		return model.DirIncoming
	case model.DirIncoming:
		return model.DirOutgoing
	}
	return d
}

// chooseSeed picks the node a pattern starts from and the seek, if any,
// that fetches it.
func (c *compiler) chooseSeed(pat *Pattern, conjuncts []Expr, used []bool) (int, *seek) {
	for i, n := range pat.Nodes {
		if c.isBound(n.Var) {
			continue
		}
		if sk := c.seekFor(n, conjuncts, used); sk != nil {
			return i, sk
		}
	}
	for i, n := range pat.Nodes {
		if c.isBound(n.Var) {
			return i, nil
		}
	}
	return 0, nil
}

// seekFor returns the cheapest seek for n: an id equality first, then an
// equality on the smallest indexed property name.
func (c *compiler) seekFor(n *NodePattern, conjuncts []Expr, used []bool) *seek {
	candidates := make(map[string]*seek)
	if n.Props != nil {
		for i, k := range n.Props.Keys {
			if constant(n.Props.Values[i]) {
				candidates[k] = &seek{property: k, value: n.Props.Values[i], conjunct: -1}
			}
		}
	}
	for i, cj := range conjuncts {
		if used[i] {
			continue
		}
		v, prop, value, ok := propertyEquality(cj)
		if !ok || v != n.Var {
			continue
		}
		if _, seen := candidates[prop]; !seen {
			candidates[prop] = &seek{property: prop, value: value, conjunct: i}
		}
	}
	if sk, ok := candidates[idKey]; ok {
		return sk
	}
	if n.Type == "" {
		return nil
	}
	indexed := append([]string(nil), c.catalog.IndexedProperties(model.KindEntity, n.Type)...)
	sort.Strings(indexed)
	for _, p := range indexed {
		if sk, ok := candidates[p]; ok {
			return sk
		}
	}
	return nil
}

// nodeFilters turns the property map of a node into predicates, skipping
// the entry consumed by its seek.
func (c *compiler) nodeFilters(n *NodePattern, sk *seek, addFilter func(Expr, int)) {
	if n.Props == nil {
		return
	}
	for i, k := range n.Props.Keys {
		if sk != nil && sk.conjunct < 0 && sk.property == k {
			continue
		}
		addFilter(&BinaryExpr{
			Op: OpEq,
			L:  &PropertyAccess{Subject: &Variable{Name: n.Var}, Property: k},
			R:  n.Props.Values[i],
		}, n.Pos)
	}
}

// ---------------------------------------------------------------------------
// Updating clauses
// ---------------------------------------------------------------------------

func (c *compiler) compileCreate(cc *CreateClause) error {
	for _, pat := range cc.Patterns {
		for i, n := range pat.Nodes {
			if n.Var == "" {
				n.Var = c.anonName()
			}
			if k, bound := c.vars[n.Var]; bound {
				if k != varEntity {
					return compileErrorf(n.Pos, "variable %q is already bound to a %s", n.Var, k)
				}
				if n.Type != "" || n.Props != nil {
					return compileErrorf(n.Pos, "variable %q is already bound and cannot be redeclared", n.Var)
				}
			} else {
				if n.Type == "" {
					return compileErrorf(n.Pos, "CREATE requires a type for node %s", displayOr(n.Var, "()"))
				}
				if err := c.checkMap(n.Props, n.Pos); err != nil {
					return err
				}
				c.vars[n.Var] = varEntity
			}
			if i == 0 {
				continue
			}
			r := pat.Rels[i-1]
			if r.Var == "" {
				r.Var = c.anonName()
			}
			switch {
			case c.isBound(r.Var):
				return compileErrorf(r.Pos, "variable %q is already bound", r.Var)
			case len(r.Types) != 1:
				return compileErrorf(r.Pos, "CREATE requires exactly one relationship type")
			case r.Dir == model.DirBoth:
				return compileErrorf(r.Pos, "CREATE requires a directed relationship")
			case r.VarLength:
				return compileErrorf(r.Pos, "CREATE does not accept variable-length relationships")
			}
			if err := c.checkMap(r.Props, r.Pos); err != nil {
				return err
			}
			c.vars[r.Var] = varRelationship
		}
	}
	c.add(&CreateStep{Patterns: cc.Patterns})
	return nil
}

func displayOr(v, fallback string) string {
	if d := displayVar(v); d != "" {
		return d
	}
	return fallback
}

func (c *compiler) checkTarget(v string, pos int) error {
	k, ok := c.vars[v]
	if !ok {
		return compileErrorf(pos, "variable %q is not defined", v)
	}
	if k != varEntity && k != varRelationship {
		return compileErrorf(pos, "variable %q is a %s, not a node or relationship", v, k)
	}
	return nil
}

func (c *compiler) compileSet(sc *SetClause) error {
	for _, it := range sc.Items {
		if err := c.checkTarget(it.Var, sc.Pos); err != nil {
			return err
		}
		if it.Op == SetProperty && it.Property == idKey {
			return compileErrorf(sc.Pos, "the id of %s cannot be changed", it.Var)
		}
		if err := c.checkExpr(it.Value, sc.Pos); err != nil {
			return err
		}
	}
	c.add(&SetStep{Items: sc.Items})
	return nil
}

func (c *compiler) compileRemove(rc *RemoveClause) error {
	for _, it := range rc.Items {
		if err := c.checkTarget(it.Var, rc.Pos); err != nil {
			return err
		}
		if it.Property == idKey {
			return compileErrorf(rc.Pos, "the id of %s cannot be removed", it.Var)
		}
	}
	c.add(&RemoveStep{Items: rc.Items})
	return nil
}

func (c *compiler) compileDelete(dc *DeleteClause) error {
	for _, e := range dc.Exprs {
		if err := c.checkExpr(e, dc.Pos); err != nil {
			return err
		}
	}
	c.add(&DeleteStep{Exprs: dc.Exprs, Detach: dc.Detach})
	return nil
}

// ---------------------------------------------------------------------------
// RETURN
// ---------------------------------------------------------------------------

func (c *compiler) compileReturn(rc *ReturnClause) ([]string, error) {
	ps := &ProjectStep{Distinct: rc.Distinct}
	names := make(map[string]int, len(rc.Items))
	columns := make([]string, 0, len(rc.Items))

	for _, it := range rc.Items {
		name := it.Name()
		if _, dup := names[name]; dup {
			return nil, compileErrorf(rc.Pos, "duplicate column name %q", name)
		}
		names[name] = len(ps.Items)
		columns = append(columns, name)

		proj := Projection{Name: name, Expr: it.Expr}
		if f, ok := it.Expr.(*FuncCall); ok {
			if _, agg := aggregates[f.Name]; agg {
				if err := checkAggregate(f, rc.Pos); err != nil {
					return nil, err
				}
				proj.Func, proj.Distinct, proj.Expr = f.Name, f.Distinct, nil
				if !f.Star {
					proj.Expr = f.Args[0]
				}
				ps.Aggregate = true
			}
		}
		if proj.Expr != nil {
			if err := c.checkExpr(proj.Expr, rc.Pos); err != nil {
				return nil, err
			}
		}
		ps.Items = append(ps.Items, proj)
	}
	c.add(ps)

	if len(rc.OrderBy) > 0 {
		// After aggregation or DISTINCT only the columns remain in scope.
		scope := make(map[string]varKind, len(names))
		if !ps.Aggregate && !ps.Distinct {
			for k, v := range c.vars {
				scope[k] = v
			}
		}
		for n := range names {
			scope[n] = varValue
		}
		sortScope := &compiler{vars: scope}

		st := &SortStep{}
		for _, si := range rc.OrderBy {
			e := si.Expr
			for i, it := range rc.Items {
				if it.Expr.String() == e.String() {
					e = &Variable{Name: ps.Items[i].Name}
					break
				}
			}
			if err := sortScope.checkExpr(e, rc.Pos); err != nil {
				return nil, err
			}
			st.Keys = append(st.Keys, SortKey{Expr: e, Desc: si.Desc})
		}
		c.add(st)
	}

	if rc.Skip != nil {
		if err := checkCount(rc.Skip, "SKIP", rc.Pos); err != nil {
			return nil, err
		}
		c.add(&SkipStep{Count: rc.Skip})
	}
	if rc.Limit != nil {
		if err := checkCount(rc.Limit, "LIMIT", rc.Pos); err != nil {
			return nil, err
		}
		c.add(&LimitStep{Count: rc.Limit})
	}
	return columns, nil
}

func checkAggregate(f *FuncCall, pos int) error {
	switch {
	case f.Star && f.Name != "count":
		return compileErrorf(pos, "%s(*) is not supported", f.Name)
	case f.Star:
		return nil
	case len(f.Args) != 1:
		return compileErrorf(pos, "%s() takes exactly one argument", f.Name)
	}
	var err error
	walkExpr(f.Args[0], func(x Expr) {
		if call, ok := x.(*FuncCall); ok && err == nil {
			if _, agg := aggregates[call.Name]; agg {
				err = compileErrorf(pos, "aggregate %s() cannot be nested", call.Name)
			}
		}
	})
	return err
}

func checkCount(e Expr, clause string, pos int) error {
	if !constant(e) {
		return compileErrorf(pos, "%s must be a literal or a parameter", clause)
	}
	var err error
	walkExpr(e, func(x Expr) {
		if call, ok := x.(*FuncCall); ok && err == nil {
			err = checkCall(call, pos)
		}
	})
	return err
}
