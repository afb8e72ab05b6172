package index

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicgraph/pkg/model"
)

var personName = Key{Kind: model.KindEntity, Type: "Person", Property: "name"}
var personAge = Key{Kind: model.KindEntity, Type: "Person", Property: "age"}

func person(id string, props map[string]any) *model.Entity {
	return &model.Entity{ID: id, Type: "Person", Properties: props}
}

// sliceSource serves records from a fixed slice.
func sliceSource(records ...model.Subject) Source {
	return func(kind model.SubjectKind, typ string, fn func(model.Subject) error) error {
		for _, r := range records {
			if r.SubjectKind() == kind && r.SubjectType() == typ {
				if err := fn(r); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func TestIndex_LookupAndRange(t *testing.T) {
	ix := newIndex(personAge)
	ix.insert(int64(30), "b")
	ix.insert(int64(30), "a")
	ix.insert(float64(25.5), "c")
	ix.insert(int64(40), "d")
	ix.insert(nil, "ignored")

	t.Run("lookup_returns_sorted_ids", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b"}, ix.Lookup(int64(30)))
		assert.Equal(t, []string{"a", "b"}, ix.Lookup(float64(30)))
		assert.Nil(t, ix.Lookup(int64(31)))
		assert.Nil(t, ix.Lookup(nil))
	})

	t.Run("sizes", func(t *testing.T) {
		assert.Equal(t, 4, ix.Len())
		assert.Equal(t, 3, ix.Buckets())
	})

	t.Run("inclusive_range", func(t *testing.T) {
		assert.Equal(t, []string{"c", "a", "b"}, ix.Range(Inclusive(int64(25)), Inclusive(int64(30))))
	})

	t.Run("exclusive_range", func(t *testing.T) {
		assert.Equal(t, []string{"d"}, ix.Range(Exclusive(int64(30)), Unbounded()))
		assert.Equal(t, []string{"c"}, ix.Range(Unbounded(), Exclusive(int64(30))))
	})

	t.Run("empty_range", func(t *testing.T) {
		assert.Empty(t, ix.Range(Inclusive(int64(100)), Unbounded()))
	})

	t.Run("remove_drops_empty_buckets", func(t *testing.T) {
		ix.remove(int64(40), "d")
		ix.remove(int64(40), "d")
		assert.Equal(t, 3, ix.Len())
		assert.Equal(t, 2, ix.Buckets())
	})
}

func TestSpan_Contains(t *testing.T) {
	s := Span{Key: personAge, Lo: Inclusive(int64(10)), Hi: Exclusive(int64(20))}
	assert.True(t, s.Contains(int64(10)))
	assert.True(t, s.Contains(15.5))
	assert.False(t, s.Contains(int64(20)))
	assert.False(t, s.Contains(nil))
	assert.False(t, s.Contains(math.NaN()))
	assert.True(t, FullSpan(personAge).Contains("anything"))
	assert.True(t, PointSpan(personName, "Alice").Contains("Alice"))
}

func TestManager_CreateIndex(t *testing.T) {
	src := sliceSource(
		person("p1", map[string]any{"name": "Alice"}),
		person("p2", map[string]any{"name": "Bob"}),
		&model.Entity{ID: "c1", Type: "Company", Properties: map[string]any{"name": "Alice"}},
	)

	m := NewManager()
	gen := m.Generation()
	created, err := m.CreateIndex(personName, src)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Greater(t, m.Generation(), gen)

	t.Run("built_from_existing_data", func(t *testing.T) {
		ids, ok := m.Lookup(personName, "Alice")
		require.True(t, ok)
		assert.Equal(t, []string{"p1"}, ids)
	})

	t.Run("second_create_is_noop", func(t *testing.T) {
		created, err := m.CreateIndex(personName, src)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("rejects_incomplete_keys", func(t *testing.T) {
		_, err := m.CreateIndex(Key{Kind: model.KindEntity, Type: "Person"}, src)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("indexed_properties_are_sorted", func(t *testing.T) {
		_, err := m.CreateIndex(personAge, src)
		require.NoError(t, err)
		assert.Equal(t, []string{"age", "name"}, m.IndexedProperties(model.KindEntity, "Person"))
		assert.Empty(t, m.IndexedProperties(model.KindRelationship, "Person"))
	})

	t.Run("lookup_on_missing_index", func(t *testing.T) {
		_, ok := m.Lookup(Key{Kind: model.KindEntity, Type: "Nope", Property: "x"}, 1)
		assert.False(t, ok)
	})
}

func TestManager_DiffAndApply(t *testing.T) {
	m := NewManager()
	_, err := m.CreateIndex(personName, nil)
	require.NoError(t, err)
	_, err = m.CreateIndex(personAge, nil)
	require.NoError(t, err)

	alice := person("p1", map[string]any{"name": "Alice", "age": int64(30)})

	t.Run("create_adds_every_indexed_property", func(t *testing.T) {
		deltas := m.Diff(nil, alice)
		require.Len(t, deltas, 2)
		assert.Equal(t, personAge, deltas[0].Key)
		assert.Equal(t, personName, deltas[1].Key)
		m.Apply(deltas)

		ids, _ := m.Lookup(personName, "Alice")
		assert.Equal(t, []string{"p1"}, ids)
	})

	t.Run("unchanged_values_produce_no_delta", func(t *testing.T) {
		same := person("p1", map[string]any{"name": "Alice", "age": float64(30)})
		assert.Empty(t, m.Diff(alice, same))
	})

	t.Run("update_moves_between_buckets", func(t *testing.T) {
		renamed := person("p1", map[string]any{"name": "Alicia", "age": int64(30)})
		deltas := m.Diff(alice, renamed)
		require.Len(t, deltas, 1)
		assert.True(t, deltas[0].HasOld)
		assert.True(t, deltas[0].HasNew)
		m.Apply(deltas)

		ids, _ := m.Lookup(personName, "Alice")
		assert.Empty(t, ids)
		ids, _ = m.Lookup(personName, "Alicia")
		assert.Equal(t, []string{"p1"}, ids)
		alice = renamed
	})

	t.Run("type_change_leaves_old_indexes", func(t *testing.T) {
		robot := &model.Entity{ID: "p1", Type: "Robot", Properties: alice.Properties}
		m.Apply(m.Diff(alice, robot))
		ids, _ := m.Lookup(personName, "Alicia")
		assert.Empty(t, ids)
		m.Apply(m.Diff(robot, alice))
	})

	t.Run("delete_removes_everything", func(t *testing.T) {
		m.Apply(m.Diff(alice, nil))
		for _, st := range m.Stats() {
			assert.Zero(t, st.Entries, st.Key.String())
		}
	})
}

func TestManager_Constraints(t *testing.T) {
	unique := Constraint{Key: personName, Kind: ConstraintUnique}
	required := Constraint{Key: personAge, Kind: ConstraintRequired}

	t.Run("unique_creates_backing_index", func(t *testing.T) {
		m := NewManager()
		added, err := m.AddConstraint(unique, sliceSource(person("p1", map[string]any{"name": "Alice"})))
		require.NoError(t, err)
		assert.True(t, added)
		assert.True(t, m.HasIndex(personName))
		assert.Equal(t, []Constraint{unique}, m.ConstraintsFor(model.KindEntity, "Person"))
	})

	t.Run("unique_rejects_existing_duplicates", func(t *testing.T) {
		m := NewManager()
		_, err := m.AddConstraint(unique, sliceSource(
			person("p1", map[string]any{"name": "Alice"}),
			person("p2", map[string]any{"name": "Alice"}),
		))
		var cve *ConstraintViolationError
		require.ErrorAs(t, err, &cve)
		assert.Equal(t, "p2", cve.ID)
		assert.Equal(t, "p1", cve.ConflictingID)
		assert.False(t, m.HasIndex(personName))
		assert.Empty(t, m.Constraints())
	})

	t.Run("required_rejects_missing_values", func(t *testing.T) {
		m := NewManager()
		_, err := m.AddConstraint(required, sliceSource(person("p1", nil)))
		var cve *ConstraintViolationError
		require.ErrorAs(t, err, &cve)
		assert.Contains(t, cve.Error(), "Constraint violation (REQUIRED on Person.age)")
	})

	t.Run("validate_against_committed_index", func(t *testing.T) {
		m := NewManager()
		_, err := m.AddConstraint(unique, nil)
		require.NoError(t, err)
		m.Apply(m.Diff(nil, person("p1", map[string]any{"name": "Alice"})))

		err = m.Validate([]Write{{Kind: model.KindEntity, ID: "p2", Image: person("p2", map[string]any{"name": "Alice"})}})
		var cve *ConstraintViolationError
		require.ErrorAs(t, err, &cve)
		assert.Equal(t, "p1", cve.ConflictingID)

		// Renaming the holder in the same commit frees the value
		err = m.Validate([]Write{
			{Kind: model.KindEntity, ID: "p1", Image: person("p1", map[string]any{"name": "Alicia"})},
			{Kind: model.KindEntity, ID: "p2", Image: person("p2", map[string]any{"name": "Alice"})},
		})
		assert.NoError(t, err)

		err = m.Validate([]Write{
			{Kind: model.KindEntity, ID: "p1", Image: nil},
			{Kind: model.KindEntity, ID: "p2", Image: person("p2", map[string]any{"name": "Alice"})},
		})
		assert.NoError(t, err)
	})

	t.Run("validate_within_one_commit", func(t *testing.T) {
		m := NewManager()
		_, err := m.AddConstraint(unique, nil)
		require.NoError(t, err)
		err = m.Validate([]Write{
			{Kind: model.KindEntity, ID: "p1", Image: person("p1", map[string]any{"name": "Bob"})},
			{Kind: model.KindEntity, ID: "p2", Image: person("p2", map[string]any{"name": "Bob"})},
		})
		var cve *ConstraintViolationError
		require.ErrorAs(t, err, &cve)
		assert.Equal(t, "p2", cve.ID)
	})

	t.Run("validate_required", func(t *testing.T) {
		m := NewManager()
		_, err := m.AddConstraint(required, nil)
		require.NoError(t, err)
		err = m.Validate([]Write{{Kind: model.KindEntity, ID: "p1", Image: person("p1", map[string]any{"age": nil})}})
		var cve *ConstraintViolationError
		assert.ErrorAs(t, err, &cve)
		assert.NoError(t, m.Validate([]Write{{Kind: model.KindEntity, ID: "p1", Image: person("p1", map[string]any{"age": int64(3)})}}))
	})
}

func TestManager_Drop(t *testing.T) {
	m := NewManager()
	unique := Constraint{Key: personName, Kind: ConstraintUnique}
	_, err := m.AddConstraint(unique, nil)
	require.NoError(t, err)

	_, err = m.DropIndex(personName)
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.True(t, m.DropConstraint(unique))
	assert.False(t, m.DropConstraint(unique))
	dropped, err := m.DropIndex(personName)
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.False(t, m.HasIndex(personName))
}

func TestManager_SchemaLoad(t *testing.T) {
	m := NewManager()
	_, err := m.AddConstraint(Constraint{Key: personName, Kind: ConstraintUnique}, nil)
	require.NoError(t, err)
	_, err = m.CreateIndex(personAge, nil)
	require.NoError(t, err)

	schema := m.Schema()
	assert.Equal(t, []Key{personAge, personName}, schema.Indexes)

	data, err := model.Marshal(schema)
	require.NoError(t, err)
	var decoded Schema
	require.NoError(t, model.Unmarshal(data, &decoded))

	restored := NewManager()
	require.NoError(t, restored.Load(decoded, sliceSource(person("p1", map[string]any{"name": "Alice", "age": int64(3)}))))
	assert.Equal(t, schema, restored.Schema())
	ids, _ := restored.Lookup(personAge, int64(3))
	assert.Equal(t, []string{"p1"}, ids)
}

func TestParseConstraintKind(t *testing.T) {
	k, err := ParseConstraintKind("UNIQUE")
	require.NoError(t, err)
	assert.Equal(t, ConstraintUnique, k)
	k, err = ParseConstraintKind("exists")
	require.NoError(t, err)
	assert.Equal(t, ConstraintRequired, k)
	_, err = ParseConstraintKind("primary")
	assert.Error(t, err)
}
