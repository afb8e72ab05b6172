package cypher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicgraph/pkg/budget"
	"github.com/orneryd/nornicgraph/pkg/cypher/testutil"
	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/txn"
)

func execute(t *testing.T, ctx context.Context, tx *txn.Transaction, q string, params map[string]any, b budget.Budget) *Result {
	t.Helper()
	plan, err := Compile(q, tx)
	require.NoError(t, err, q)
	res, err := Execute(ctx, plan, tx, params, b)
	require.NoError(t, err, q)
	return res
}

func query(t *testing.T, tx *txn.Transaction, q string, params map[string]any) []map[string]any {
	t.Helper()
	rows, err := execute(t, context.Background(), tx, q, params, budget.Unlimited()).All()
	require.NoError(t, err, q)
	return rows
}

func column(rows []map[string]any, name string) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r[name]
	}
	return out
}

func TestExecute_Match(t *testing.T) {
	mgr := testutil.NewManager(t)
	testutil.SeedSocial(t, mgr)

	t.Run("create_then_match_by_property", func(t *testing.T) {
		m := testutil.NewManager(t)
		tx := testutil.Begin(t, m)
		query(t, tx, "CREATE (p:Person {name: 'Alice'})", nil)
		_, err := tx.Commit()
		require.NoError(t, err)

		rows := query(t, testutil.Begin(t, m), "MATCH (p:Person {name: 'Alice'}) RETURN p", nil)
		require.Len(t, rows, 1)
		e, ok := rows[0]["p"].(*model.Entity)
		require.True(t, ok)
		assert.Equal(t, "Person", e.Type)
		assert.Equal(t, "Alice", e.Properties["name"])
	})

	t.Run("index_seek_matches_scan", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		q := "MATCH (p:Person {name: 'Bob'}) RETURN p.age"
		scan := query(t, testutil.Begin(t, m), q, nil)

		_, err := m.CreateIndex(index.Key{Kind: model.KindEntity, Type: "Person", Property: "name"})
		require.NoError(t, err)
		tx := testutil.Begin(t, m)
		plan, err := Compile(q, tx)
		require.NoError(t, err)
		assert.Equal(t, "NodeIndexSeek", plan.Steps[0].Name())

		seek := query(t, tx, q, nil)
		assert.Equal(t, scan, seek)
		assert.Equal(t, []any{int64(25)}, column(seek, "p.age"))
	})

	t.Run("outgoing_and_undirected", func(t *testing.T) {
		tx := testutil.Begin(t, mgr)
		rows := query(t, tx, "MATCH (a {id: 'alice'})-[:KNOWS]->(b) RETURN b.name ORDER BY b.name", nil)
		assert.Equal(t, []any{"Bob", "Carol"}, column(rows, "b.name"))

		rows = query(t, tx, "MATCH (p {id: 'bob'})-[:KNOWS]-(q) RETURN q.name ORDER BY q.name", nil)
		assert.Equal(t, []any{"Alice", "Carol"}, column(rows, "q.name"))

		rows = query(t, tx, "MATCH (c:Company)<-[:WORKS_AT]-(p) RETURN p.name ORDER BY p.name", nil)
		assert.Equal(t, []any{"Alice", "Bob"}, column(rows, "p.name"))
	})

	t.Run("multi_hop_pattern", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr),
			"MATCH (a:Person)-[:KNOWS]->(b:Person)-[:KNOWS]->(c:Person) RETURN a.name, b.name, c.name", nil)
		require.Len(t, rows, 1)
		assert.Equal(t, map[string]any{"a.name": "Alice", "b.name": "Bob", "c.name": "Carol"}, rows[0])
	})

	t.Run("relationship_properties_and_type", func(t *testing.T) {
		m := testutil.NewManager(t)
		tx := testutil.Begin(t, m)
		query(t, tx, "CREATE (a:Person {id: 'a'})-[:RATED {stars: 5}]->(m:Movie {id: 'm1'}), (a)-[:RATED {stars: 2}]->(:Movie {id: 'm2'})", nil)
		rows := query(t, tx, "MATCH (a {id: 'a'})-[r:RATED {stars: 5}]->(m) RETURN m.id, type(r), r.stars", nil)
		require.Len(t, rows, 1)
		assert.Equal(t, "m1", rows[0]["m.id"])
		assert.Equal(t, "RATED", rows[0]["type(r)"])
		assert.Equal(t, int64(5), rows[0]["r.stars"])
	})

	t.Run("where_with_parameters", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr),
			"MATCH (p:Person) WHERE p.age >= $min AND NOT p.name IN $skip RETURN p.name ORDER BY p.name",
			map[string]any{"min": 30, "skip": []any{"Dave"}})
		assert.Equal(t, []any{"Alice", "Carol"}, column(rows, "p.name"))
	})

	t.Run("id_seek_from_parameter", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (n) WHERE n.id = $id RETURN n.name, id(n)", map[string]any{"id": "carol"})
		require.Len(t, rows, 1)
		assert.Equal(t, "Carol", rows[0]["n.name"])
		assert.Equal(t, "carol", rows[0]["id(n)"])

		rows = query(t, testutil.Begin(t, mgr), "MATCH (n {id: 'nobody'}) RETURN n", nil)
		assert.Empty(t, rows)
	})

	t.Run("null_comparisons_filter_out", func(t *testing.T) {
		tx := testutil.Begin(t, mgr)
		assert.Empty(t, query(t, tx, "MATCH (p:Person) WHERE p.nickname = 'x' RETURN p", nil))
		rows := query(t, tx, "MATCH (p:Person) WHERE p.nickname IS NULL RETURN count(*) AS n", nil)
		assert.Equal(t, int64(4), rows[0]["n"])
	})

	t.Run("cartesian_product", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (c:Company), (p:Person) WHERE p.age < 30 RETURN c.name, p.name", nil)
		require.Len(t, rows, 1)
		assert.Equal(t, "Bob", rows[0]["p.name"])
	})

	t.Run("second_match_continues_from_bound_node", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr),
			"MATCH (p:Person {name: 'Alice'}) MATCH (p)-[:WORKS_AT]->(c) RETURN c.name", nil)
		assert.Equal(t, []any{"Acme"}, column(rows, "c.name"))
	})
}

func TestExecute_VariableLength(t *testing.T) {
	mgr := testutil.NewManager(t)
	testutil.SeedChain(t, mgr, 3)

	t.Run("unbounded", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (a {id: 'n0'})-[rs:NEXT*]->(b) RETURN b.i, size(rs)", nil)
		assert.Equal(t, []any{int64(1), int64(2), int64(3)}, column(rows, "b.i"))
		assert.Equal(t, []any{int64(1), int64(2), int64(3)}, column(rows, "size(rs)"))
	})

	t.Run("range", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (a {id: 'n0'})-[:NEXT*2..3]->(b) RETURN b.i", nil)
		assert.Equal(t, []any{int64(2), int64(3)}, column(rows, "b.i"))
	})

	t.Run("zero_hops_includes_start", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (a {id: 'n2'})-[:NEXT*0..1]->(b) RETURN b.i", nil)
		assert.Equal(t, []any{int64(2), int64(3)}, column(rows, "b.i"))
	})

	t.Run("reverse_direction", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (b {id: 'n3'})<-[:NEXT*]-(a) RETURN a.i", nil)
		assert.Equal(t, []any{int64(2), int64(1), int64(0)}, column(rows, "a.i"))
	})
}

func TestExecute_Budget(t *testing.T) {
	social := testutil.NewManager(t)
	testutil.SeedSocial(t, social)
	chain := testutil.NewManager(t)
	testutil.SeedChain(t, chain, 3)

	t.Run("shallow_preset_stops_at_one_hop", func(t *testing.T) {
		shallow, err := budget.DefaultPresets().Get(budget.PresetShallow)
		require.NoError(t, err)
		res := execute(t, context.Background(), testutil.Begin(t, chain),
			"MATCH (a:Step {i: 0})-[:NEXT*1..3]->(b) RETURN b.i", nil, shallow)
		rows, err := res.All()
		require.NoError(t, err)

		assert.Equal(t, []any{int64(1)}, column(rows, "b.i"))
		assert.True(t, res.Truncated())
		assert.Equal(t, budget.ReasonDepth, res.Stats().Reason)
		assert.Equal(t, 1, res.Stats().Depth)
	})

	t.Run("walk_ending_at_depth_limit_is_complete", func(t *testing.T) {
		edge := testutil.NewManager(t)
		testutil.SeedChain(t, edge, 1)
		// n1 has an outgoing edge, but not one the pattern follows
		testutil.Update(t, edge, func(tx *txn.Transaction) {
			require.NoError(t, tx.AddRelationship(testutil.Rel("back", "BACK", "n1", "n0")))
		})

		res := execute(t, context.Background(), testutil.Begin(t, edge),
			"MATCH (a:Step {i: 0})-[:NEXT*1..3]->(b) RETURN b.i", nil, budget.Budget{MaxDepth: 1})
		rows, err := res.All()
		require.NoError(t, err)

		assert.Equal(t, []any{int64(1)}, column(rows, "b.i"))
		assert.False(t, res.Truncated())
		assert.Equal(t, budget.ReasonNone, res.Stats().Reason)
		assert.Equal(t, 1, res.Stats().Depth)
	})

	t.Run("max_nodes_visited", func(t *testing.T) {
		res := execute(t, context.Background(), testutil.Begin(t, social),
			"MATCH (p:Person) RETURN p.name", nil, budget.Budget{MaxNodesVisited: 2})
		rows, err := res.All()
		require.NoError(t, err)

		assert.Equal(t, []any{"Alice", "Bob"}, column(rows, "p.name"))
		assert.True(t, res.Truncated())
		assert.Equal(t, budget.ReasonNodes, res.Stats().Reason)
		assert.Equal(t, 2, res.Stats().Visited)
	})

	t.Run("max_results", func(t *testing.T) {
		res := execute(t, context.Background(), testutil.Begin(t, social),
			"MATCH (p:Person) RETURN p.name ORDER BY p.age DESC", nil, budget.Budget{MaxResults: 2})
		rows, err := res.All()
		require.NoError(t, err)
		assert.Equal(t, []any{"Dave", "Carol"}, column(rows, "p.name"))
		assert.True(t, res.Truncated())
		assert.Equal(t, budget.ReasonResults, res.Stats().Reason)
	})

	t.Run("exact_result_count_is_not_truncated", func(t *testing.T) {
		res := execute(t, context.Background(), testutil.Begin(t, social),
			"MATCH (p:Person) RETURN p.name", nil, budget.Budget{MaxResults: 4})
		rows, err := res.All()
		require.NoError(t, err)
		assert.Len(t, rows, 4)
		assert.False(t, res.Truncated())
	})

	t.Run("results_are_lazy", func(t *testing.T) {
		res := execute(t, context.Background(), testutil.Begin(t, social),
			"MATCH (p:Person) RETURN p LIMIT 1", nil, budget.Unlimited())
		rows, err := res.All()
		require.NoError(t, err)
		assert.Len(t, rows, 1)
		assert.Equal(t, 1, res.Stats().Visited)
	})

	t.Run("deadline_truncates", func(t *testing.T) {
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		res := execute(t, ctx, testutil.Begin(t, social), "MATCH (p:Person) RETURN p", nil, budget.Unlimited())
		rows, err := res.All()
		require.NoError(t, err)
		assert.Empty(t, rows)
		assert.True(t, res.Truncated())
		assert.Equal(t, budget.ReasonDeadline, res.Stats().Reason)
	})

	t.Run("cancel_is_an_error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := execute(t, ctx, testutil.Begin(t, social), "MATCH (p:Person) RETURN p", nil, budget.Unlimited())
		_, err := res.All()
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("invalid_budget", func(t *testing.T) {
		plan, err := Compile("RETURN 1", nil)
		require.NoError(t, err)
		_, err = Execute(context.Background(), plan, testutil.Begin(t, social), nil, budget.Budget{MaxDepth: -1})
		assert.Error(t, err)
	})
}

func TestExecute_Updates(t *testing.T) {
	t.Run("create_counts", func(t *testing.T) {
		tx := testutil.Begin(t, testutil.NewManager(t))
		res := execute(t, context.Background(), tx,
			"CREATE (a:Person {name: 'Eve', age: 22})-[:KNOWS {since: 2020}]->(b:Person {name: 'Frank'})", nil, budget.Unlimited())
		assert.False(t, res.Next())
		st := res.Stats()
		assert.Equal(t, 2, st.EntitiesCreated)
		assert.Equal(t, 1, st.RelationshipsCreated)
		assert.Equal(t, 4, st.PropertiesSet)
		assert.True(t, st.ContainsUpdates())

		rows := query(t, tx, "MATCH (a:Person)-[r:KNOWS]->(b) RETURN a.name, r.since, b.name", nil)
		assert.Equal(t, []map[string]any{{"a.name": "Eve", "r.since": int64(2020), "b.name": "Frank"}}, rows)
	})

	t.Run("create_with_explicit_id", func(t *testing.T) {
		tx := testutil.Begin(t, testutil.NewManager(t))
		rows := query(t, tx, "CREATE (n:Person {id: 'zed', name: 'Zed', nick: null}) RETURN n.id, n.name, keys(n)", nil)
		require.Len(t, rows, 1)
		assert.Equal(t, "zed", rows[0]["n.id"])
		assert.Equal(t, "Zed", rows[0]["n.name"])
		assert.Equal(t, []any{"name"}, rows[0]["keys(n)"])

		e, err := tx.Entity("zed")
		require.NoError(t, err)
		assert.Equal(t, "Person", e.Type)
	})

	t.Run("create_runs_once_per_row", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)
		res := execute(t, context.Background(), tx,
			"MATCH (p:Person) WHERE p.age > 30 CREATE (p)-[:OWNS]->(:Car {model: p.name + 'mobile'})", nil, budget.Unlimited())
		assert.Equal(t, 2, res.Stats().EntitiesCreated)
		assert.Equal(t, 2, res.Stats().RelationshipsCreated)

		rows := query(t, tx, "MATCH (p)-[:OWNS]->(c:Car) RETURN c.model ORDER BY c.model", nil)
		assert.Equal(t, []any{"Carolmobile", "Davemobile"}, column(rows, "c.model"))
	})

	t.Run("mutations_run_even_if_rows_are_not_read", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)
		res := execute(t, context.Background(), tx, "MATCH (p:Person) SET p.seen = true RETURN p.name", nil, budget.Unlimited())
		require.NoError(t, res.Close())
		rows := query(t, tx, "MATCH (p:Person) WHERE p.seen RETURN count(*) AS n", nil)
		assert.Equal(t, int64(4), rows[0]["n"])
	})

	t.Run("set_property", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)
		res := execute(t, context.Background(), tx,
			"MATCH (p:Person {name: 'Alice'}) SET p.age = p.age + 1, p.city = 'Oslo' RETURN p.age, p.city", nil, budget.Unlimited())
		rows, err := res.All()
		require.NoError(t, err)
		assert.Equal(t, []map[string]any{{"p.age": int64(31), "p.city": "Oslo"}}, rows)
		assert.Equal(t, 2, res.Stats().PropertiesSet)
	})

	t.Run("set_merge_and_replace", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)

		rows := query(t, tx, "MATCH (p {id: 'bob'}) SET p += {city: 'Rome', age: 26} RETURN keys(p), p.age", nil)
		assert.Equal(t, []any{"age", "city", "name"}, rows[0]["keys(p)"])
		assert.Equal(t, int64(26), rows[0]["p.age"])

		rows = query(t, tx, "MATCH (p {id: 'bob'}) SET p = {name: 'Robert'} RETURN keys(p), p.name", nil)
		assert.Equal(t, []any{"name"}, rows[0]["keys(p)"])
		assert.Equal(t, "Robert", rows[0]["p.name"])
	})

	t.Run("set_id_through_map_fails", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		plan, err := Compile("MATCH (p {id: 'bob'}) SET p += {id: 'rob'}", nil)
		require.NoError(t, err)
		_, err = Execute(context.Background(), plan, testutil.Begin(t, m), nil, budget.Unlimited())
		var ee *EvalError
		assert.True(t, errors.As(err, &ee), "%v", err)
	})

	t.Run("remove_property", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)
		rows := query(t, tx, "MATCH (p {id: 'carol'}) REMOVE p.age RETURN p.age, p.name", nil)
		assert.Equal(t, []map[string]any{{"p.age": nil, "p.name": "Carol"}}, rows)
	})

	t.Run("delete_requires_detach", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		plan, err := Compile("MATCH (p {id: 'alice'}) DELETE p", nil)
		require.NoError(t, err)
		_, err = Execute(context.Background(), plan, testutil.Begin(t, m), nil, budget.Unlimited())
		assert.ErrorIs(t, err, txn.ErrEntityHasRelationships)
	})

	t.Run("delete_isolated_node", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)
		res := execute(t, context.Background(), tx, "MATCH (p {id: 'dave'}) DELETE p", nil, budget.Unlimited())
		assert.Equal(t, 1, res.Stats().EntitiesDeleted)
		assert.Empty(t, query(t, tx, "MATCH (p {id: 'dave'}) RETURN p", nil))
	})

	t.Run("detach_delete", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)
		res := execute(t, context.Background(), tx, "MATCH (p {id: 'alice'}) DETACH DELETE p", nil, budget.Unlimited())
		st := res.Stats()
		assert.Equal(t, 1, st.EntitiesDeleted)
		assert.Equal(t, 3, st.RelationshipsDeleted)

		_, err := tx.Commit()
		require.NoError(t, err)
		rows := query(t, testutil.Begin(t, m), "MATCH ()-[r]->() RETURN count(r) AS n", nil)
		assert.Equal(t, int64(2), rows[0]["n"])
	})

	t.Run("delete_relationships", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)
		res := execute(t, context.Background(), tx, "MATCH ({id: 'alice'})-[r:KNOWS]->() DELETE r", nil, budget.Unlimited())
		assert.Equal(t, 2, res.Stats().RelationshipsDeleted)
		assert.Empty(t, query(t, tx, "MATCH ({id: 'alice'})-[r:KNOWS]->(b) RETURN b", nil))
	})

	t.Run("deleting_twice_counts_once", func(t *testing.T) {
		m := testutil.NewManager(t)
		testutil.SeedSocial(t, m)
		tx := testutil.Begin(t, m)
		res := execute(t, context.Background(), tx,
			"MATCH (a {id: 'alice'})-[:KNOWS]->(b) DETACH DELETE a", nil, budget.Unlimited())
		assert.Equal(t, 1, res.Stats().EntitiesDeleted)
	})
}

func TestExecute_Return(t *testing.T) {
	mgr := testutil.NewManager(t)
	testutil.SeedSocial(t, mgr)

	t.Run("aggregation_groups", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr),
			"MATCH (p:Person)-[:WORKS_AT]->(c:Company) RETURN c.name AS company, count(*) AS n, collect(p.name) AS names", nil)
		assert.Equal(t, []map[string]any{{"company": "Acme", "n": int64(2), "names": []any{"Alice", "Bob"}}}, rows)
	})

	t.Run("aggregates_over_all_rows", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr),
			"MATCH (p:Person) RETURN count(p) AS n, sum(p.age) AS total, avg(p.age) AS mean, min(p.name) AS first, max(p.age) AS oldest", nil)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(4), rows[0]["n"])
		assert.Equal(t, int64(130), rows[0]["total"])
		assert.InDelta(t, 32.5, rows[0]["mean"], 1e-9)
		assert.Equal(t, "Alice", rows[0]["first"])
		assert.Equal(t, int64(40), rows[0]["oldest"])
	})

	t.Run("count_on_empty_input", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (r:Robot) RETURN count(*) AS n, collect(r.name) AS names", nil)
		assert.Equal(t, []map[string]any{{"n": int64(0), "names": []any{}}}, rows)

		rows = query(t, testutil.Begin(t, mgr), "MATCH (r:Robot) RETURN r.kind, count(*)", nil)
		assert.Empty(t, rows)
	})

	t.Run("count_distinct", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (a)-[:KNOWS]->(b) RETURN count(DISTINCT b) AS n, count(b) AS total", nil)
		assert.Equal(t, int64(2), rows[0]["n"])
		assert.Equal(t, int64(3), rows[0]["total"])
	})

	t.Run("order_skip_limit", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (p:Person) RETURN p.name ORDER BY p.age DESC SKIP 1 LIMIT $n", map[string]any{"n": 2})
		assert.Equal(t, []any{"Carol", "Alice"}, column(rows, "p.name"))
	})

	t.Run("order_by_aggregate", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr),
			"MATCH (a:Person)-[:KNOWS]->(b) RETURN a.name AS name, count(*) AS n ORDER BY n DESC, name", nil)
		assert.Equal(t, []any{"Alice", "Bob"}, column(rows, "name"))
		assert.Equal(t, []any{int64(2), int64(1)}, column(rows, "n"))
	})

	t.Run("nulls_sort_last", func(t *testing.T) {
		tx := testutil.Begin(t, mgr)
		rows := query(t, tx, "MATCH (n) RETURN n.age AS age ORDER BY age", nil)
		assert.Equal(t, []any{int64(25), int64(30), int64(35), int64(40), nil}, column(rows, "age"))
	})

	t.Run("distinct", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), "MATCH (a:Person)-[:KNOWS]->(b) RETURN DISTINCT b.name ORDER BY b.name", nil)
		assert.Equal(t, []any{"Bob", "Carol"}, column(rows, "b.name"))
	})

	t.Run("expressions", func(t *testing.T) {
		rows := query(t, testutil.Begin(t, mgr), `RETURN 7 / 2 AS q, 7 % 3 AS r, 7.0 / 2 AS f, 'a' + 'b' AS s,
			toUpper('x') AS u, coalesce(null, 3) AS c, [1, 2] + [3] AS l, size('héllo') AS n`, nil)
		require.Len(t, rows, 1)
		assert.Equal(t, map[string]any{
			"q": int64(3), "r": int64(1), "f": 3.5, "s": "ab",
			"u": "X", "c": int64(3), "l": []any{int64(1), int64(2), int64(3)}, "n": int64(5),
		}, rows[0])
	})

	t.Run("columns", func(t *testing.T) {
		res := execute(t, context.Background(), testutil.Begin(t, mgr), "MATCH (p:Person) RETURN p.name AS name, p.age", nil, budget.Unlimited())
		defer res.Close()
		assert.Equal(t, []string{"name", "p.age"}, res.Columns())
		require.True(t, res.Next())
		assert.Len(t, res.Values(), 2)
	})

	t.Run("on_close_runs_once", func(t *testing.T) {
		res := execute(t, context.Background(), testutil.Begin(t, mgr), "MATCH (p:Person) RETURN p", nil, budget.Unlimited())
		calls := 0
		res.OnClose(func(*Result) { calls++ })
		require.NoError(t, res.Close())
		require.NoError(t, res.Close())
		assert.Equal(t, 1, calls)
		assert.False(t, res.Next())
	})
}

func TestExecute_Errors(t *testing.T) {
	mgr := testutil.NewManager(t)
	testutil.SeedSocial(t, mgr)

	cases := map[string]string{
		"RETURN $missing":                        "missing parameter",
		"RETURN 1 / 0":                           "division by zero",
		"RETURN 5 % 0":                           "division by zero",
		"MATCH (p:Person) WHERE p.name RETURN p": "boolean",
		"MATCH (p:Person) RETURN p LIMIT -1":     "non-negative",
		"MATCH (p:Person) RETURN sum(p.name)":    "expects numbers",
		"MATCH (p:Person) RETURN size(p.age)":    "expected a string or list",
	}
	for q, msg := range cases {
		res := execute(t, context.Background(), testutil.Begin(t, mgr), q, nil, budget.Unlimited())
		_, err := res.All()
		var ee *EvalError
		require.True(t, errors.As(err, &ee), "%q: %v", q, err)
		assert.Contains(t, ee.Error(), msg, q)
	}

	t.Run("bad_parameter_type", func(t *testing.T) {
		plan, err := Compile("RETURN $p", nil)
		require.NoError(t, err)
		_, err = Execute(context.Background(), plan, testutil.Begin(t, mgr), map[string]any{"p": struct{}{}}, budget.Unlimited())
		assert.Error(t, err)
	})
}
