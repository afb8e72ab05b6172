// Package cypher compiles and executes a subset of the Cypher query
// language against a transactional graph.
//
// Supported clauses:
//   - MATCH with node and relationship patterns, variable-length
//     relationships (*, *n, *min..max) and WHERE
//   - CREATE of nodes and directed relationships
//   - SET (v.p = e, v += map, v = map), REMOVE v.p
//   - DELETE and DETACH DELETE
//   - RETURN with DISTINCT, aliases, aggregates, ORDER BY, SKIP and LIMIT
//
// A query goes through three stages:
//
//	text --Lex--> tokens --Parse--> *Query --Compile--> *QueryPlan
//
// and a plan is run with Execute, which returns a lazy *Result:
//
//	plan, err := cypher.Compile("MATCH (p:Person {name: $name}) RETURN p.age", catalog)
//	if err != nil {
//		return err
//	}
//	res, err := cypher.Execute(ctx, plan, tx, map[string]any{"name": "Alice"}, budget.Unlimited())
//	if err != nil {
//		return err
//	}
//	defer res.Close()
//	for res.Next() {
//		fmt.Println(res.Row()["p.age"])
//	}
//	return res.Err()
//
// Execution is bounded by a budget.Budget. Every entity or relationship
// fetched costs one visit, expansions deeper than MaxDepth hops from the
// pattern seed are refused and at most MaxResults rows are returned.
// Running out of budget ends the result early and sets Truncated; it is
// never an error.
package cypher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/orneryd/nornicgraph/pkg/budget"
	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// Stats summarizes one execution: the budget consumed and the mutations
// performed.
type Stats struct {
	budget.Stats
	EntitiesCreated      int
	EntitiesDeleted      int
	RelationshipsCreated int
	RelationshipsDeleted int
	PropertiesSet        int
}

// ContainsUpdates reports whether the execution changed the graph.
func (s Stats) ContainsUpdates() bool {
	return s.EntitiesCreated+s.EntitiesDeleted+s.RelationshipsCreated+s.RelationshipsDeleted+s.PropertiesSet > 0
}

// Execute runs plan against g. Read-only plans are evaluated lazily as the
// result is consumed. Mutating plans run to completion before Execute
// returns, so their effects do not depend on how many rows are read.
func Execute(ctx context.Context, plan *QueryPlan, g Graph, params map[string]any, b budget.Budget) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("cypher: nil plan")
	}
	if g == nil {
		return nil, fmt.Errorf("cypher: nil graph")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	normalized, err := normalizeParams(params)
	if err != nil {
		return nil, err
	}

	x := &execution{
		graph:   g,
		eval:    &evaluator{params: normalized},
		tracker: budget.NewTracker(ctx, b),
		deleted: make(map[string]struct{}),
	}
	root, err := x.build(plan.Steps)
	if err != nil {
		return nil, err
	}
	res := &Result{columns: plan.Columns, root: root, x: x}
	if plan.Mutating {
		if err := res.drain(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func normalizeParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		n, err := normalizeParam(v)
		if err != nil {
			return nil, fmt.Errorf("cypher: parameter $%s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func normalizeParam(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			n, err := normalizeParam(el)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			n, err := normalizeParam(el)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case *model.Entity, *model.Relationship:
		return v, nil
	}
	return model.NormalizeValue(v)
}

// execution is the state shared by the operators of one run.
type execution struct {
	graph   Graph
	eval    *evaluator
	tracker *budget.Tracker
	deleted map[string]struct{}

	entitiesCreated      int
	entitiesDeleted      int
	relationshipsCreated int
	relationshipsDeleted int
	propertiesSet        int
}

func (x *execution) stats() Stats {
	return Stats{
		Stats:                x.tracker.Stats(),
		EntitiesCreated:      x.entitiesCreated,
		EntitiesDeleted:      x.entitiesDeleted,
		RelationshipsCreated: x.relationshipsCreated,
		RelationshipsDeleted: x.relationshipsDeleted,
		PropertiesSet:        x.propertiesSet,
	}
}

// record is one row flowing through the pipeline. depth holds the hop
// distance of each bound node from the seed of its pattern.
type record struct {
	vars  map[string]any
	depth map[string]int
	out   []any
}

func (r *record) clone() *record {
	c := &record{
		vars:  make(map[string]any, len(r.vars)+2),
		depth: make(map[string]int, len(r.depth)+1),
	}
	for k, v := range r.vars {
		c.vars[k] = v
	}
	for k, v := range r.depth {
		c.depth[k] = v
	}
	return c
}

// bindNode returns a copy of r with v bound to e at the given depth.
func (r *record) bindNode(v string, e *model.Entity, depth int) *record {
	c := r.clone()
	c.vars[v] = e
	c.depth[v] = depth
	return c
}

// operator is a pull-based pipeline stage. next returns nil when exhausted.
type operator interface {
	next() (*record, error)
}

func (x *execution) build(steps []Step) (operator, error) {
	var op operator = &unitOp{}
	for _, s := range steps {
		switch st := s.(type) {
		case *ArgumentStep:
			op = &filterOp{in: op, keep: func(r *record) (bool, error) {
				e, ok := r.vars[st.Var].(*model.Entity)
				if !ok || (st.Type != "" && e.Type != st.Type) {
					return false, nil
				}
				r.depth[st.Var] = 0
				return true, nil
			}}
		case *IDSeekStep:
			op = x.idSeek(op, st)
		case *IndexSeekStep:
			op = x.indexSeek(op, st)
		case *ScanStep:
			op = &seekOp{x: x, in: op, v: st.Var, typ: st.Type, ids: func(*record) ([]string, error) {
				return x.graph.EntityIDs(st.Type)
			}}
		case *ExpandStep:
			op = &expandOp{x: x, in: op, s: st}
		case *FilterStep:
			op = &filterOp{in: op, keep: func(r *record) (bool, error) {
				return x.eval.predicate(st.Predicate, r.vars)
			}}
		case *CreateStep:
			op = &mapOp{in: op, fn: func(r *record) (*record, error) { return x.create(r, st) }}
		case *SetStep:
			op = &mapOp{in: op, fn: func(r *record) (*record, error) { return x.set(r, st) }}
		case *RemoveStep:
			op = &mapOp{in: op, fn: func(r *record) (*record, error) { return x.remove(r, st) }}
		case *DeleteStep:
			op = &mapOp{in: op, fn: func(r *record) (*record, error) { return x.delete(r, st) }}
		case *ProjectStep:
			if st.Aggregate {
				op = &aggregateOp{x: x, in: op, s: st}
			} else {
				op = &projectOp{x: x, in: op, s: st}
			}
		case *SortStep:
			op = &sortOp{x: x, in: op, s: st}
		case *SkipStep:
			op = &skipOp{x: x, in: op, count: st.Count}
		case *LimitStep:
			op = &limitOp{x: x, in: op, count: st.Count}
		default:
			return nil, fmt.Errorf("cypher: unsupported plan step %T", s)
		}
	}
	return op, nil
}

func (x *execution) idSeek(in operator, st *IDSeekStep) operator {
	return &seekOp{x: x, in: in, v: st.Var, typ: st.Type, ids: func(r *record) ([]string, error) {
		v, err := x.eval.eval(st.ID, r.vars)
		if err != nil {
			return nil, err
		}
		id, ok := v.(string)
		if !ok || id == "" {
			return nil, nil
		}
		return []string{id}, nil
	}}
}

func (x *execution) indexSeek(in operator, st *IndexSeekStep) operator {
	key := index.Key{Kind: model.KindEntity, Type: st.Type, Property: st.Property}
	return &seekOp{x: x, in: in, v: st.Var, typ: st.Type, ids: func(r *record) ([]string, error) {
		v, err := x.eval.eval(st.Value, r.vars)
		if err != nil {
			return nil, err
		}
		if !index.Indexable(v) {
			return nil, nil
		}
		ids, ok, err := x.graph.LookupIDs(key, v)
		if err != nil {
			return nil, err
		}
		if ok {
			return ids, nil
		}
		// The index was dropped after the plan was compiled.
		return x.graph.EntityIDs(st.Type)
	}, recheck: &BinaryExpr{Op: OpEq, L: &PropertyAccess{Subject: &Variable{Name: st.Var}, Property: st.Property}, R: st.Value}}
}

// visitEntity fetches an entity for one unit of budget. It returns nil when
// the entity does not exist or the budget is spent.
func (x *execution) visitEntity(id string) (*model.Entity, error) {
	if !x.tracker.Visit() {
		return nil, nil
	}
	e, err := x.graph.Entity(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (x *execution) visitRelationship(id string) (*model.Relationship, error) {
	if !x.tracker.Visit() {
		return nil, nil
	}
	r, err := x.graph.Relationship(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// unitOp produces the single empty row every pipeline starts from.
type unitOp struct{ done bool }

func (o *unitOp) next() (*record, error) {
	if o.done {
		return nil, nil
	}
	o.done = true
	return &record{vars: map[string]any{}, depth: map[string]int{}}, nil
}

// seekOp binds v to each entity whose id is produced for an input row.
type seekOp struct {
	x       *execution
	in      operator
	v       string
	typ     string
	ids     func(*record) ([]string, error)
	recheck Expr

	cur     *record
	pending []string
}

func (o *seekOp) next() (*record, error) {
	for {
		if o.x.tracker.Stopped() {
			return nil, nil
		}
		if o.cur == nil {
			in, err := o.in.next()
			if err != nil || in == nil {
				return nil, err
			}
			ids, err := o.ids(in)
			if err != nil {
				return nil, err
			}
			o.cur, o.pending = in, ids
		}
		for len(o.pending) > 0 {
			id := o.pending[0]
			o.pending = o.pending[1:]
			e, err := o.x.visitEntity(id)
			if err != nil {
				return nil, err
			}
			if o.x.tracker.Stopped() {
				return nil, nil
			}
			if e == nil || (o.typ != "" && e.Type != o.typ) {
				continue
			}
			out := o.cur.bindNode(o.v, e, 0)
			if o.recheck != nil {
				ok, err := o.x.eval.predicate(o.recheck, out.vars)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			return out, nil
		}
		o.cur = nil
	}
}

// path is a partial traversal: the entity it ends at and the relationships
// taken to get there.
type path struct {
	end  string
	rels []*model.Relationship
}

func (p path) uses(id string) bool {
	for _, r := range p.rels {
		if r.ID == id {
			return true
		}
	}
	return false
}

// expandOp follows relationships breadth first from the entity bound to
// From. Output rows for one input row are produced in order of hop count.
type expandOp struct {
	x  *execution
	in operator
	s  *ExpandStep

	cur     *record
	base    int
	target  *model.Entity
	exclude map[string]struct{}
	queue   []path
	ready   []*record
}

func (o *expandOp) next() (*record, error) {
	for {
		if len(o.ready) > 0 {
			r := o.ready[0]
			o.ready = o.ready[1:]
			return r, nil
		}
		if o.x.tracker.Stopped() {
			return nil, nil
		}
		if len(o.queue) > 0 {
			p := o.queue[0]
			o.queue = o.queue[1:]
			if err := o.extend(p); err != nil {
				return nil, err
			}
			continue
		}
		in, err := o.in.next()
		if err != nil || in == nil {
			return nil, err
		}
		o.start(in)
	}
}

func (o *expandOp) start(in *record) {
	from, ok := in.vars[o.s.From].(*model.Entity)
	if !ok {
		return
	}
	o.cur = in
	o.base = in.depth[o.s.From]
	o.target = nil
	if o.s.ToBound {
		o.target, ok = in.vars[o.s.To].(*model.Entity)
		if !ok {
			return
		}
	}
	o.exclude = make(map[string]struct{})
	for _, v := range o.s.Exclude {
		switch b := in.vars[v].(type) {
		case *model.Relationship:
			o.exclude[b.ID] = struct{}{}
		case []any:
			for _, el := range b {
				if r, ok := el.(*model.Relationship); ok {
					o.exclude[r.ID] = struct{}{}
				}
			}
		}
	}
	if o.s.VarLength && o.s.MinHops == 0 {
		o.emit(path{end: from.ID}, from)
	}
	if o.s.MaxHops != 0 {
		o.queue = append(o.queue[:0], path{end: from.ID})
	}
}

func (o *expandOp) emit(p path, to *model.Entity) {
	if o.s.ToType != "" && to.Type != o.s.ToType {
		return
	}
	if o.target != nil && to.ID != o.target.ID {
		return
	}
	out := o.cur.clone()
	if o.s.VarLength {
		rels := make([]any, len(p.rels))
		for i, r := range p.rels {
			rels[i] = r
		}
		out.vars[o.s.Rel] = rels
	} else {
		out.vars[o.s.Rel] = p.rels[0]
	}
	out.vars[o.s.To] = to
	out.depth[o.s.To] = o.base + len(p.rels)
	o.ready = append(o.ready, out)
}

func (o *expandOp) extend(p path) error {
	hops := len(p.rels) + 1
	ids, err := o.x.graph.RelationshipsOf(p.end, o.s.Dir)
	if err != nil {
		return err
	}
	if !o.x.tracker.Allows(o.base + hops) {
		return o.refuse(p, ids, o.base+hops)
	}
	o.x.tracker.Descend(o.base + hops)
	for _, id := range ids {
		if !o.candidate(p, id) {
			continue
		}
		rel, err := o.x.visitRelationship(id)
		if err != nil {
			return err
		}
		if o.x.tracker.Stopped() {
			return nil
		}
		if rel == nil {
			continue
		}
		ok, err := o.follows(rel)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		next := path{end: rel.Other(p.end), rels: append(append([]*model.Relationship(nil), p.rels...), rel)}
		if hops >= o.s.MinHops {
			if o.target != nil {
				if next.end == o.target.ID {
					o.emit(next, o.target)
				}
			} else {
				to, err := o.x.visitEntity(next.end)
				if err != nil {
					return err
				}
				if to != nil {
					o.emit(next, to)
				}
			}
		}
		if o.s.VarLength && (o.s.MaxHops < 0 || hops < o.s.MaxHops) {
			o.queue = append(o.queue, next)
		}
	}
	return nil
}

// refuse marks the result truncated by depth when at least one of ids is an
// edge the pattern would have followed from p. Reads here are not charged
// to the visit budget.
func (o *expandOp) refuse(p path, ids []string, depth int) error {
	for _, id := range ids {
		if !o.candidate(p, id) {
			continue
		}
		rel, err := o.x.graph.Relationship(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		ok, err := o.follows(rel)
		if err != nil {
			return err
		}
		if ok {
			o.x.tracker.Descend(depth)
			return nil
		}
	}
	return nil
}

func (o *expandOp) candidate(p path, id string) bool {
	_, skip := o.exclude[id]
	return !skip && !p.uses(id)
}

func (o *expandOp) follows(rel *model.Relationship) (bool, error) {
	if !o.typeMatches(rel.Type) {
		return false, nil
	}
	return o.propsMatch(rel)
}

func (o *expandOp) typeMatches(typ string) bool {
	if len(o.s.Types) == 0 {
		return true
	}
	for _, t := range o.s.Types {
		if t == typ {
			return true
		}
	}
	return false
}

func (o *expandOp) propsMatch(rel *model.Relationship) (bool, error) {
	m := o.s.RelProps
	if m == nil {
		return true, nil
	}
	for i, k := range m.Keys {
		want, err := o.x.eval.eval(m.Values[i], o.cur.vars)
		if err != nil {
			return false, err
		}
		got, _ := property(nil, rel, k)
		if equals(got, want) != true {
			return false, nil
		}
	}
	return true, nil
}

type filterOp struct {
	in   operator
	keep func(*record) (bool, error)
}

func (o *filterOp) next() (*record, error) {
	for {
		r, err := o.in.next()
		if err != nil || r == nil {
			return nil, err
		}
		ok, err := o.keep(r)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
	}
}

// mapOp applies an updating clause to every row.
type mapOp struct {
	in operator
	fn func(*record) (*record, error)
}

func (o *mapOp) next() (*record, error) {
	r, err := o.in.next()
	if err != nil || r == nil {
		return nil, err
	}
	return o.fn(r)
}

// ---------------------------------------------------------------------------
// Updates
// ---------------------------------------------------------------------------

// propsFor evaluates the property map of a created element and extracts the
// id entry.
func (x *execution) propsFor(m *MapLiteral, vars map[string]any) (string, map[string]any, error) {
	if m == nil {
		return uuid.NewString(), nil, nil
	}
	v, err := x.eval.eval(m, vars)
	if err != nil {
		return "", nil, err
	}
	props := v.(map[string]any)
	id := ""
	if raw, ok := props[idKey]; ok {
		s, isString := raw.(string)
		if !isString || s == "" {
			return "", nil, evalErrorf(m, "id must be a non-empty string, got %s", typeName(raw))
		}
		id = s
		delete(props, idKey)
	}
	if id == "" {
		id = uuid.NewString()
	}
	for k, pv := range props {
		if pv == nil {
			delete(props, k)
		}
	}
	if len(props) == 0 {
		props = nil
	}
	return id, props, nil
}

func (x *execution) create(in *record, st *CreateStep) (*record, error) {
	r := in.clone()
	for _, pat := range st.Patterns {
		for i, n := range pat.Nodes {
			if _, bound := r.vars[n.Var]; !bound {
				id, props, err := x.propsFor(n.Props, r.vars)
				if err != nil {
					return nil, err
				}
				if err := x.graph.AddEntity(&model.Entity{ID: id, Type: n.Type, Properties: props}); err != nil {
					return nil, err
				}
				e, err := x.graph.Entity(id)
				if err != nil {
					return nil, err
				}
				x.entitiesCreated++
				x.propertiesSet += len(props)
				r.vars[n.Var] = e
			}
			if i == 0 {
				continue
			}

			rp := pat.Rels[i-1]
			left, ok1 := r.vars[pat.Nodes[i-1].Var].(*model.Entity)
			right, ok2 := r.vars[n.Var].(*model.Entity)
			if !ok1 || !ok2 {
				return nil, evalErrorf(nil, "cannot create relationship %s: both ends must be nodes", displayOr(rp.Var, rp.Types[0]))
			}
			source, target := left.ID, right.ID
			if rp.Dir == model.DirIncoming {
				source, target = target, source
			}
			id, props, err := x.propsFor(rp.Props, r.vars)
			if err != nil {
				return nil, err
			}
			rel := &model.Relationship{ID: id, Type: rp.Types[0], Source: source, Target: target, Properties: props}
			if err := x.graph.AddRelationship(rel); err != nil {
				return nil, err
			}
			created, err := x.graph.Relationship(id)
			if err != nil {
				return nil, err
			}
			x.relationshipsCreated++
			x.propertiesSet += len(props)
			r.vars[rp.Var] = created
		}
	}
	return r, nil
}

// subjectOf returns the kind and id of a node or relationship value.
func subjectOf(v any) (model.SubjectKind, string, bool) {
	switch s := v.(type) {
	case *model.Entity:
		return model.KindEntity, s.ID, true
	case *model.Relationship:
		return model.KindRelationship, s.ID, true
	}
	return 0, "", false
}

// current re-reads a node or relationship so a clause sees the effect of
// earlier updates.
func (x *execution) current(kind model.SubjectKind, id string) (any, map[string]any, error) {
	if kind == model.KindEntity {
		e, err := x.graph.Entity(id)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Properties, nil
	}
	r, err := x.graph.Relationship(id)
	if err != nil {
		return nil, nil, err
	}
	return r, r.Properties, nil
}

func (x *execution) setProperty(kind model.SubjectKind, id, name string, v any) error {
	if err := x.graph.UpdateProperty(kind, id, name, v); err != nil {
		return err
	}
	x.propertiesSet++
	return nil
}

func (x *execution) set(in *record, st *SetStep) (*record, error) {
	r := in.clone()
	for _, it := range st.Items {
		if r.vars[it.Var] == nil {
			continue
		}
		kind, id, ok := subjectOf(r.vars[it.Var])
		if !ok {
			return nil, evalErrorf(it.Value, "SET target %s is a %s", it.Var, typeName(r.vars[it.Var]))
		}
		cur, existing, err := x.current(kind, id)
		if err != nil {
			return nil, err
		}
		r.vars[it.Var] = cur

		v, err := x.eval.eval(it.Value, r.vars)
		if err != nil {
			return nil, err
		}
		switch it.Op {
		case SetProperty:
			if err := x.setProperty(kind, id, it.Property, v); err != nil {
				return nil, err
			}
		case SetMerge, SetReplace:
			if v == nil {
				if it.Op == SetMerge {
					break
				}
				v = map[string]any{}
			}
			props, err := propsOf(it.Value, v)
			if err != nil {
				return nil, err
			}
			if _, ok := props[idKey]; ok {
				return nil, evalErrorf(it.Value, "the id of %s cannot be changed", it.Var)
			}
			if it.Op == SetReplace {
				for _, k := range model.SortedKeys(existing) {
					if _, keep := props[k]; !keep {
						if err := x.setProperty(kind, id, k, nil); err != nil {
							return nil, err
						}
					}
				}
			}
			for _, k := range model.SortedKeys(props) {
				if err := x.setProperty(kind, id, k, props[k]); err != nil {
					return nil, err
				}
			}
		}
		if r.vars[it.Var], _, err = x.current(kind, id); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (x *execution) remove(in *record, st *RemoveStep) (*record, error) {
	r := in.clone()
	for _, it := range st.Items {
		kind, id, ok := subjectOf(r.vars[it.Var])
		if !ok {
			continue
		}
		if err := x.setProperty(kind, id, it.Property, nil); err != nil {
			return nil, err
		}
		cur, _, err := x.current(kind, id)
		if err != nil {
			return nil, err
		}
		r.vars[it.Var] = cur
	}
	return r, nil
}

func (x *execution) delete(in *record, st *DeleteStep) (*record, error) {
	for _, e := range st.Exprs {
		v, err := x.eval.eval(e, in.vars)
		if err != nil {
			return nil, err
		}
		if err := x.deleteValue(e, v, st.Detach); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (x *execution) deleteValue(e Expr, v any, detach bool) error {
	switch t := v.(type) {
	case nil:
		return nil
	case *model.Entity:
		key := "e:" + t.ID
		if _, done := x.deleted[key]; done {
			return nil
		}
		rels, err := x.graph.RelationshipsOf(t.ID, model.DirBoth)
		if err != nil {
			return err
		}
		if err := x.graph.DeleteEntity(t.ID, detach); err != nil {
			return err
		}
		for _, id := range rels {
			x.deleted["r:"+id] = struct{}{}
		}
		x.relationshipsDeleted += len(rels)
		x.deleted[key] = struct{}{}
		x.entitiesDeleted++
	case *model.Relationship:
		key := "r:" + t.ID
		if _, done := x.deleted[key]; done {
			return nil
		}
		if err := x.graph.DeleteRelationship(t.ID); err != nil {
			return err
		}
		x.deleted[key] = struct{}{}
		x.relationshipsDeleted++
	case []any:
		for _, el := range t {
			if err := x.deleteValue(e, el, detach); err != nil {
				return err
			}
		}
	default:
		return evalErrorf(e, "cannot delete a %s", typeName(v))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Projection
// ---------------------------------------------------------------------------

type projectOp struct {
	x    *execution
	in   operator
	s    *ProjectStep
	seen map[string]struct{}
}

func (o *projectOp) next() (*record, error) {
	for {
		in, err := o.in.next()
		if err != nil || in == nil {
			return nil, err
		}
		out := in.clone()
		out.out = make([]any, len(o.s.Items))
		for i, it := range o.s.Items {
			v, err := o.x.eval.eval(it.Expr, in.vars)
			if err != nil {
				return nil, err
			}
			out.out[i] = v
		}
		for i, it := range o.s.Items {
			out.vars[it.Name] = out.out[i]
		}
		if o.s.Distinct {
			if o.seen == nil {
				o.seen = make(map[string]struct{})
			}
			key := valueKey(out.out)
			if _, dup := o.seen[key]; dup {
				continue
			}
			o.seen[key] = struct{}{}
		}
		return out, nil
	}
}

// accumulator folds the values of one aggregate column within a group.
type accumulator struct {
	fn       string
	distinct bool
	seen     map[string]struct{}

	count int64
	isum  int64
	fsum  float64
	float bool
	list  []any
	best  any
}

func (a *accumulator) add(e Expr, v any) error {
	if v == nil {
		return nil
	}
	if a.distinct {
		key := valueKey(v)
		if _, dup := a.seen[key]; dup {
			return nil
		}
		if a.seen == nil {
			a.seen = make(map[string]struct{})
		}
		a.seen[key] = struct{}{}
	}
	a.count++
	switch a.fn {
	case "collect":
		a.list = append(a.list, v)
	case "sum", "avg":
		switch n := v.(type) {
		case int64:
			a.isum += n
			a.fsum += float64(n)
		case float64:
			a.float = true
			a.fsum += n
		default:
			return evalErrorf(e, "%s() expects numbers, got %s", a.fn, typeName(v))
		}
	case "min":
		if a.best == nil || orderValues(v, a.best) < 0 {
			a.best = v
		}
	case "max":
		if a.best == nil || orderValues(v, a.best) > 0 {
			a.best = v
		}
	}
	return nil
}

func (a *accumulator) result() any {
	switch a.fn {
	case "count":
		return a.count
	case "collect":
		if a.list == nil {
			return []any{}
		}
		return a.list
	case "sum":
		if a.float {
			return a.fsum
		}
		return a.isum
	case "avg":
		if a.count == 0 {
			return nil
		}
		return a.fsum / float64(a.count)
	}
	return a.best
}

type group struct {
	first *record
	keys  []any
	accs  []*accumulator
}

// aggregateOp consumes its whole input on the first call and then returns
// one row per group, in order of first appearance.
type aggregateOp struct {
	x  *execution
	in operator
	s  *ProjectStep

	done bool
	rows []*record
}

func (o *aggregateOp) newGroup(first *record, keys []any) *group {
	g := &group{first: first, keys: keys}
	for _, it := range o.s.Items {
		if it.Aggregated() {
			g.accs = append(g.accs, &accumulator{fn: it.Func, distinct: it.Distinct})
		}
	}
	return g
}

func (o *aggregateOp) consume() error {
	groups := make(map[string]*group)
	var order []*group
	for {
		in, err := o.in.next()
		if err != nil {
			return err
		}
		if in == nil {
			break
		}
		var keys []any
		for _, it := range o.s.Items {
			if it.Aggregated() {
				continue
			}
			v, err := o.x.eval.eval(it.Expr, in.vars)
			if err != nil {
				return err
			}
			keys = append(keys, v)
		}
		key := valueKey(keys)
		g, ok := groups[key]
		if !ok {
			g = o.newGroup(in, keys)
			groups[key] = g
			order = append(order, g)
		}
		ai := 0
		for _, it := range o.s.Items {
			if !it.Aggregated() {
				continue
			}
			v := any(true)
			if it.Expr != nil {
				if v, err = o.x.eval.eval(it.Expr, in.vars); err != nil {
					return err
				}
			}
			if err := g.accs[ai].add(it.Expr, v); err != nil {
				return err
			}
			ai++
		}
	}

	// Without grouping keys an empty input still yields one row.
	if len(order) == 0 && len(o.s.Items) == countAggregates(o.s.Items) {
		order = append(order, o.newGroup(nil, nil))
	}

	seen := make(map[string]struct{})
	for _, g := range order {
		out := &record{vars: make(map[string]any, len(o.s.Items)), depth: map[string]int{}}
		out.out = make([]any, len(o.s.Items))
		ki, ai := 0, 0
		for i, it := range o.s.Items {
			if it.Aggregated() {
				out.out[i] = g.accs[ai].result()
				ai++
			} else {
				out.out[i] = g.keys[ki]
				ki++
			}
			out.vars[it.Name] = out.out[i]
		}
		if o.s.Distinct {
			key := valueKey(out.out)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		o.rows = append(o.rows, out)
	}
	return nil
}

func countAggregates(items []Projection) int {
	n := 0
	for _, it := range items {
		if it.Aggregated() {
			n++
		}
	}
	return n
}

func (o *aggregateOp) next() (*record, error) {
	if !o.done {
		o.done = true
		if err := o.consume(); err != nil {
			return nil, err
		}
	}
	if len(o.rows) == 0 {
		return nil, nil
	}
	r := o.rows[0]
	o.rows = o.rows[1:]
	return r, nil
}

// sortOp consumes its input on the first call and returns it ordered. The
// sort is stable so ties keep their input order.
type sortOp struct {
	x  *execution
	in operator
	s  *SortStep

	done bool
	rows []*record
}

func (o *sortOp) next() (*record, error) {
	if !o.done {
		o.done = true
		type keyed struct {
			r    *record
			keys []any
		}
		var rows []keyed
		for {
			in, err := o.in.next()
			if err != nil {
				return nil, err
			}
			if in == nil {
				break
			}
			k := keyed{r: in, keys: make([]any, len(o.s.Keys))}
			for i, sk := range o.s.Keys {
				if k.keys[i], err = o.x.eval.eval(sk.Expr, in.vars); err != nil {
					return nil, err
				}
			}
			rows = append(rows, k)
		}
		sort.SliceStable(rows, func(i, j int) bool {
			for n, sk := range o.s.Keys {
				c := orderValues(rows[i].keys[n], rows[j].keys[n])
				if c == 0 {
					continue
				}
				if sk.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
		o.rows = make([]*record, len(rows))
		for i, k := range rows {
			o.rows[i] = k.r
		}
	}
	if len(o.rows) == 0 {
		return nil, nil
	}
	r := o.rows[0]
	o.rows = o.rows[1:]
	return r, nil
}

func (x *execution) count(e Expr) (int64, error) {
	v, err := x.eval.eval(e, nil)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, evalErrorf(e, "expected a non-negative integer, got %v", v)
	}
	return n, nil
}

type skipOp struct {
	x       *execution
	in      operator
	count   Expr
	skipped bool
}

func (o *skipOp) next() (*record, error) {
	if !o.skipped {
		o.skipped = true
		n, err := o.x.count(o.count)
		if err != nil {
			return nil, err
		}
		for ; n > 0; n-- {
			r, err := o.in.next()
			if err != nil || r == nil {
				return nil, err
			}
		}
	}
	return o.in.next()
}

// limitOp stops pulling from its input once the limit is reached.
type limitOp struct {
	x     *execution
	in    operator
	count Expr

	started bool
	left    int64
}

func (o *limitOp) next() (*record, error) {
	if !o.started {
		o.started = true
		n, err := o.x.count(o.count)
		if err != nil {
			return nil, err
		}
		o.left = n
	}
	if o.left <= 0 {
		return nil, nil
	}
	r, err := o.in.next()
	if err != nil || r == nil {
		return nil, err
	}
	o.left--
	return r, nil
}
