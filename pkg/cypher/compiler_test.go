package cypher

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// staticCatalog maps an entity type to its indexed properties.
type staticCatalog map[string][]string

func (c staticCatalog) IndexedProperties(kind model.SubjectKind, typ string) []string {
	if kind != model.KindEntity {
		return nil
	}
	return c[typ]
}

func stepNames(p *QueryPlan) []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name()
	}
	return names
}

func mustCompile(t *testing.T, q string, cat Catalog) *QueryPlan {
	t.Helper()
	p, err := Compile(q, cat)
	require.NoError(t, err, q)
	return p
}

func TestCompile_IndexPushdown(t *testing.T) {
	cat := staticCatalog{"Person": {"name", "email", "age"}}

	t.Run("inline_property_uses_index", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person {name: 'Alice'}) RETURN p", cat)
		assert.Equal(t, []string{"NodeIndexSeek", "Projection"}, stepNames(p))
		seek := p.Steps[0].(*IndexSeekStep)
		assert.Equal(t, "name", seek.Property)
		assert.Equal(t, "'Alice'", seek.Value.String())
	})

	t.Run("where_conjunct_uses_index", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person) WHERE p.age > 20 AND $who = p.email RETURN p", cat)
		assert.Equal(t, []string{"NodeIndexSeek", "Filter", "Projection"}, stepNames(p))
		seek := p.Steps[0].(*IndexSeekStep)
		assert.Equal(t, "email", seek.Property)
		assert.Equal(t, "$who", seek.Value.String())
		assert.Equal(t, "(p.age > 20)", p.Steps[1].(*FilterStep).Predicate.String())
	})

	t.Run("tie_breaks_on_smallest_property_name", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person {name: 'A', email: 'a@x', age: 3}) RETURN p", cat)
		seek := p.Steps[0].(*IndexSeekStep)
		assert.Equal(t, "age", seek.Property)
		// The other two entries remain as filters.
		assert.Equal(t, []string{"NodeIndexSeek", "Filter", "Filter", "Projection"}, stepNames(p))
	})

	t.Run("unindexed_property_scans", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person {nickname: 'Al'}) RETURN p", cat)
		assert.Equal(t, []string{"NodeByLabelScan", "Filter", "Projection"}, stepNames(p))
	})

	t.Run("no_catalog_scans", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person {name: 'Alice'}) RETURN p", nil)
		assert.Equal(t, []string{"NodeByLabelScan", "Filter", "Projection"}, stepNames(p))
	})

	t.Run("non_constant_value_is_not_pushed_down", func(t *testing.T) {
		p := mustCompile(t, "MATCH (a:Person), (b:Person) WHERE b.name = a.name RETURN b", cat)
		assert.Equal(t, []string{"NodeByLabelScan", "NodeByLabelScan", "Filter", "Projection"}, stepNames(p))
	})

	t.Run("id_seek_wins", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person {name: 'Alice', id: 'alice'}) RETURN p", cat)
		assert.Equal(t, []string{"NodeByIdSeek", "Filter", "Projection"}, stepNames(p))
		p = mustCompile(t, "MATCH (n) WHERE n.id = $id RETURN n", nil)
		assert.Equal(t, []string{"NodeByIdSeek", "Projection"}, stepNames(p))
	})

	t.Run("compilation_is_pure", func(t *testing.T) {
		q := "MATCH (p:Person {name: 'Alice'})-[:KNOWS*1..2]->(f) WHERE f.age > 3 RETURN f.name ORDER BY f.name LIMIT 3"
		a := mustCompile(t, q, cat)
		b := mustCompile(t, q, cat)
		assert.Equal(t, a.String(), b.String())
		assert.Empty(t, cmp.Diff(stepNames(a), stepNames(b)))
	})
}

func TestCompile_Seeding(t *testing.T) {
	cat := staticCatalog{"City": {"name"}}

	t.Run("seed_at_indexed_node_expands_both_ways", func(t *testing.T) {
		p := mustCompile(t, "MATCH (a:Person)-[:LIVES_IN]->(c:City {name: 'Oslo'})<-[:BORN_IN]-(b) RETURN a, b", cat)
		require.Equal(t, []string{"NodeIndexSeek", "Expand(All)", "Expand(All)", "Projection"}, stepNames(p))

		first := p.Steps[1].(*ExpandStep)
		assert.Equal(t, "c", first.From)
		assert.Equal(t, "b", first.To)
		assert.Equal(t, model.DirIncoming, first.Dir)

		second := p.Steps[2].(*ExpandStep)
		assert.Equal(t, "c", second.From)
		assert.Equal(t, "a", second.To)
		assert.Equal(t, model.DirIncoming, second.Dir, "reversed from (a)-->(c)")
		assert.Equal(t, "Person", second.ToType)
	})

	t.Run("bound_node_seeds_second_match", func(t *testing.T) {
		p := mustCompile(t, "MATCH (a:Person) MATCH (a)-[:KNOWS]->(b) RETURN b", nil)
		assert.Equal(t, []string{"NodeByLabelScan", "Argument", "Expand(All)", "Projection"}, stepNames(p))
	})

	t.Run("bound_target_expands_into", func(t *testing.T) {
		p := mustCompile(t, "MATCH (a)-[:X]->(b)-[:Y]->(a) RETURN a", nil)
		assert.Equal(t, []string{"AllNodesScan", "Expand(All)", "Expand(Into)", "Projection"}, stepNames(p))
		last := p.Steps[2].(*ExpandStep)
		assert.True(t, last.ToBound)
		assert.Len(t, last.Exclude, 1)
	})

	t.Run("filters_run_as_early_as_possible", func(t *testing.T) {
		p := mustCompile(t, "MATCH (a:Person)-[r:KNOWS]->(b) WHERE a.age > 30 AND b.age < 20 AND r.since = 2020 RETURN b", nil)
		assert.Equal(t, []string{"NodeByLabelScan", "Filter", "Expand(All)", "Filter", "Filter", "Projection"}, stepNames(p))
		assert.Equal(t, "(a.age > 30)", p.Steps[1].(*FilterStep).Predicate.String())
	})

	t.Run("variable_length_expand", func(t *testing.T) {
		p := mustCompile(t, "MATCH (a {id: 'n0'})-[rs:NEXT*1..3]->(b) RETURN b", nil)
		exp := p.Steps[1].(*ExpandStep)
		assert.True(t, exp.VarLength)
		assert.Equal(t, 1, exp.MinHops)
		assert.Equal(t, 3, exp.MaxHops)
		assert.Equal(t, "VarLengthExpand", exp.Name())
	})
}

func TestCompile_Return(t *testing.T) {
	t.Run("aggregation", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person) RETURN p.city AS city, count(*) AS n, collect(DISTINCT p.name) ORDER BY n DESC", nil)
		assert.Equal(t, []string{"city", "n", "collect(DISTINCT p.name)"}, p.Columns)
		proj := p.Steps[len(p.Steps)-2].(*ProjectStep)
		assert.True(t, proj.Aggregate)
		assert.Equal(t, "", proj.Items[0].Func)
		assert.Equal(t, "count", proj.Items[1].Func)
		assert.Nil(t, proj.Items[1].Expr)
		assert.Equal(t, "collect", proj.Items[2].Func)
		assert.True(t, proj.Items[2].Distinct)
	})

	t.Run("order_by_expression_rewritten_to_column", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person) RETURN p.name, count(*) ORDER BY count(*) DESC, p.name", nil)
		sortStep := p.Steps[len(p.Steps)-1].(*SortStep)
		assert.Equal(t, &Variable{Name: "count(*)"}, sortStep.Keys[0].Expr)
		assert.Equal(t, &Variable{Name: "p.name"}, sortStep.Keys[1].Expr)
	})

	t.Run("skip_and_limit", func(t *testing.T) {
		p := mustCompile(t, "MATCH (n) RETURN n SKIP 2 LIMIT $max", nil)
		assert.Equal(t, []string{"AllNodesScan", "Projection", "Skip", "Limit"}, stepNames(p))
	})

	t.Run("mutating_flag", func(t *testing.T) {
		assert.False(t, mustCompile(t, "MATCH (n) RETURN n", nil).Mutating)
		p := mustCompile(t, "CREATE (n:Person {name: 'x'})", nil)
		assert.True(t, p.Mutating)
		assert.Empty(t, p.Columns)
	})

	t.Run("plan_string", func(t *testing.T) {
		p := mustCompile(t, "MATCH (p:Person {name: 'Alice'}) RETURN p.age", staticCatalog{"Person": {"name"}})
		s := p.String()
		assert.Contains(t, s, "Query Plan")
		assert.Contains(t, s, "NodeIndexSeek ((p:Person) USING INDEX Person(name) = 'Alice')")
		assert.Contains(t, s, "Columns: p.age")
	})
}

func TestCompile_Errors(t *testing.T) {
	cases := map[string]string{
		"MATCH (n) RETURN m":                             `variable "m" is not defined`,
		"MATCH (n) WHERE m.x = 1 RETURN n":               `variable "m" is not defined`,
		"MATCH (n) RETURN count(count(n))":               "cannot be nested",
		"MATCH (n) WHERE count(n) > 1 RETURN n":          "only allowed at the top level",
		"MATCH (n) RETURN n.x + count(n)":                "only allowed at the top level",
		"MATCH (n) RETURN nosuch(n)":                     "unknown function nosuch()",
		"MATCH (n) RETURN toLower(n.a, n.b)":             "wrong number of arguments",
		"MATCH (n) RETURN sum(*)":                        "sum(*) is not supported",
		"MATCH (n) RETURN n, n":                          "duplicate column name",
		"MATCH (n)":                                      "must end with RETURN",
		"CREATE (n {name: 'x'})":                         "requires a type",
		"CREATE (a:A)-[:R]-(b:B)":                        "directed relationship",
		"CREATE (a:A)-[]->(b:B)":                         "exactly one relationship type",
		"CREATE (a:A)-[:R*2]->(b:B)":                     "variable-length",
		"MATCH (a) CREATE (a:Person)":                    "cannot be redeclared",
		"MATCH (a)-[r]->(b) MATCH (b)-[r]->(c) RETURN c": "already bound",
		"MATCH (a)-[r]->(b), (b)-[r]->(c) RETURN c":      "more than one relationship",
		"MATCH (a)-[r]->(r) RETURN a":                    "already bound to a node",
		"MATCH (n) SET m.x = 1":                          `variable "m" is not defined`,
		"MATCH (n) SET n.id = 'x'":                       "cannot be changed",
		"MATCH (n) REMOVE n.id":                          "cannot be removed",
		"MATCH (a)-[rs*]->(b) SET rs.x = 1":              "relationship list",
		"CREATE (n:A) MATCH (m) RETURN m":                "cannot follow an updating clause",
		"MATCH (n) RETURN n LIMIT n.x":                   "LIMIT must be a literal or a parameter",
		"MATCH (n) RETURN DISTINCT n.a ORDER BY n.b":     `variable "n" is not defined`,
	}
	for q, msg := range cases {
		_, err := Compile(q, nil)
		var ce *CompileError
		require.True(t, errors.As(err, &ce), "%q: %v", q, err)
		assert.Contains(t, ce.Error(), msg, q)
	}

	t.Run("parse_errors_pass_through", func(t *testing.T) {
		_, err := Compile("MATCH (n RETURN n", nil)
		var pe *ParseError
		assert.True(t, errors.As(err, &pe))
	})
}
