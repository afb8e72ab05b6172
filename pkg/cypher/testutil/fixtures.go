// Package testutil provides shared fixtures for query tests: a transaction
// manager over an in-memory store and a few standard graphs.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    mgr := testutil.NewManager(t)
//	    testutil.SeedSocial(t, mgr)
//	    tx := testutil.Begin(t, mgr)
//	    defer tx.Rollback()
//	    ...
//	}
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
	"github.com/orneryd/nornicgraph/pkg/txn"
)

// NewManager creates a transaction manager over a fresh memory store and a
// WAL in a temporary directory. Both are closed when the test ends.
func NewManager(t testing.TB) *txn.Manager {
	t.Helper()

	cfg := storage.DefaultWALConfig()
	cfg.Dir = t.TempDir()
	cfg.SyncMode = storage.SyncNone
	w, err := storage.OpenWAL(cfg)
	require.NoError(t, err)

	mgr, err := txn.NewManager(txn.Config{
		Store:  storage.NewMemoryStore(),
		WAL:    w,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = mgr.Close()
		_ = w.Close()
	})
	return mgr
}

// Begin opens a transaction that is rolled back when the test ends unless
// it was committed.
func Begin(t testing.TB, mgr *txn.Manager) *txn.Transaction {
	t.Helper()
	tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

// Update runs fn in a transaction and commits it.
func Update(t testing.TB, mgr *txn.Manager, fn func(tx *txn.Transaction)) {
	t.Helper()
	tx := Begin(t, mgr)
	fn(tx)
	_, err := tx.Commit()
	require.NoError(t, err)
}

// Person returns a Person entity.
func Person(id, name string, age int) *model.Entity {
	return &model.Entity{
		ID:         id,
		Type:       "Person",
		Properties: map[string]any{"name": name, "age": int64(age)},
	}
}

// Rel returns a relationship of typ from source to target.
func Rel(id, typ, source, target string) *model.Relationship {
	return &model.Relationship{ID: id, Type: typ, Source: source, Target: target}
}

// SeedSocial commits a small social graph:
//
//	alice -KNOWS-> bob -KNOWS-> carol
//	alice -KNOWS-> carol
//	dave (no relationships)
//	acme:Company <-WORKS_AT- alice, bob
func SeedSocial(t testing.TB, mgr *txn.Manager) {
	t.Helper()
	Update(t, mgr, func(tx *txn.Transaction) {
		for _, p := range []*model.Entity{
			Person("alice", "Alice", 30),
			Person("bob", "Bob", 25),
			Person("carol", "Carol", 35),
			Person("dave", "Dave", 40),
			{ID: "acme", Type: "Company", Properties: map[string]any{"name": "Acme"}},
		} {
			require.NoError(t, tx.AddEntity(p))
		}
		for _, r := range []*model.Relationship{
			Rel("k1", "KNOWS", "alice", "bob"),
			Rel("k2", "KNOWS", "bob", "carol"),
			Rel("k3", "KNOWS", "alice", "carol"),
			Rel("w1", "WORKS_AT", "alice", "acme"),
			Rel("w2", "WORKS_AT", "bob", "acme"),
		} {
			require.NoError(t, tx.AddRelationship(r))
		}
	})
}

// SeedChain commits a chain n0 -NEXT-> n1 -NEXT-> ... -> n<length> of
// Step entities with an "i" property holding the position.
func SeedChain(t testing.TB, mgr *txn.Manager, length int) {
	t.Helper()
	Update(t, mgr, func(tx *txn.Transaction) {
		for i := 0; i <= length; i++ {
			require.NoError(t, tx.AddEntity(&model.Entity{
				ID:         fmt.Sprintf("n%d", i),
				Type:       "Step",
				Properties: map[string]any{"i": int64(i)},
			}))
		}
		for i := 0; i < length; i++ {
			require.NoError(t, tx.AddRelationship(
				Rel(fmt.Sprintf("next%d", i), "NEXT", fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i+1))))
		}
	})
}
