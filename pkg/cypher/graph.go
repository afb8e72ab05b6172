package cypher

import (
	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
)

// Graph is the view a plan executes against: the committed snapshot of a
// transaction overlaid with its own writes. *txn.Transaction implements it.
//
// Reads return storage.ErrNotFound (possibly wrapped) for missing records.
// Id lists are returned in ascending order.
type Graph interface {
	Entity(id string) (*model.Entity, error)
	Relationship(id string) (*model.Relationship, error)
	EntityIDs(typ string) ([]string, error)
	RelationshipsOf(entityID string, dir model.Direction) ([]string, error)
	LookupIDs(key index.Key, v any) ([]string, bool, error)

	AddEntity(e *model.Entity) error
	AddRelationship(r *model.Relationship) error
	UpdateProperty(kind model.SubjectKind, id, name string, value any) error
	DeleteEntity(id string, detach bool) error
	DeleteRelationship(id string) error
}

// Catalog tells the compiler which properties are indexed.
// *index.Manager and *txn.Transaction implement it.
type Catalog interface {
	IndexedProperties(kind model.SubjectKind, typ string) []string
}

// noCatalog is used when Compile is given a nil catalog.
type noCatalog struct{}

func (noCatalog) IndexedProperties(model.SubjectKind, string) []string { return nil }
