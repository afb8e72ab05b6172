// Package model defines the graph data model shared by every NornicGraph layer.
//
// The graph store is the sole owner of entities and relationships. Everything
// else (indexes, transactions, query rows, traversal frontiers) refers to them
// by opaque string id and looks them up through the store on each step, so
// there are no pointer cycles between the two record kinds.
//
// Example:
//
//	alice := &model.Entity{
//		ID:   "person-alice",
//		Type: "Person",
//		Properties: map[string]any{
//			"name": "Alice",
//			"age":  30,
//		},
//	}
//
//	knows := &model.Relationship{
//		ID:     "knows-1",
//		Type:   "KNOWS",
//		Source: "person-alice",
//		Target: "person-bob",
//	}
package model

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrInvalidProperty = errors.New("model: invalid property value")
	ErrInvalidID       = errors.New("model: invalid id")
	ErrInvalidType     = errors.New("model: invalid type tag")
)

// SubjectKind distinguishes the two record kinds indexes and constraints can
// target.
type SubjectKind uint8

const (
	KindEntity SubjectKind = iota + 1
	KindRelationship
)

// String returns the lowercase name of the kind.
func (k SubjectKind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindRelationship:
		return "relationship"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k SubjectKind) Valid() bool {
	return k == KindEntity || k == KindRelationship
}

// ParseSubjectKind parses "entity"/"node" or "relationship"/"rel"/"edge".
func ParseSubjectKind(s string) (SubjectKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entity", "node":
		return KindEntity, nil
	case "relationship", "rel", "edge":
		return KindRelationship, nil
	}
	return 0, fmt.Errorf("model: unknown subject kind %q", s)
}

// Direction selects which relationships of an entity a traversal follows.
type Direction uint8

const (
	DirOutgoing Direction = iota + 1
	DirIncoming
	DirBoth
)

func (d Direction) String() string {
	switch d {
	case DirOutgoing:
		return "outgoing"
	case DirIncoming:
		return "incoming"
	case DirBoth:
		return "both"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Entity is a typed node of the graph.
//
// Version is the global commit version of the last committed mutation of the
// entity. It is assigned by the transaction manager on commit; any value set
// by callers is overwritten.
type Entity struct {
	ID         string         `msgpack:"id"`
	Type       string         `msgpack:"type"`
	Properties map[string]any `msgpack:"props,omitempty"`
	Version    uint64         `msgpack:"v"`

	// Embedding is an optional caller-supplied vector used by the semantic
	// channel of hybrid search. The engine never computes embeddings.
	Embedding []float32 `msgpack:"emb,omitempty"`
}

// Relationship is a directed, typed edge between two entities. Both ends are
// entity ids; resolving them goes through the store.
type Relationship struct {
	ID         string         `msgpack:"id"`
	Type       string         `msgpack:"type"`
	Source     string         `msgpack:"src"`
	Target     string         `msgpack:"dst"`
	Properties map[string]any `msgpack:"props,omitempty"`
	Version    uint64         `msgpack:"v"`
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Properties = CloneProperties(e.Properties)
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	return &c
}

// Property returns a property value and whether it is set.
func (e *Entity) Property(name string) (any, bool) {
	v, ok := e.Properties[name]
	return v, ok
}

// Validate checks id, type and property values, normalizing values in place.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return ErrInvalidID
	}
	if e.Type == "" {
		return fmt.Errorf("%w: entity %s has no type", ErrInvalidType, e.ID)
	}
	props, err := NormalizeProperties(e.Properties)
	if err != nil {
		return fmt.Errorf("entity %s: %w", e.ID, err)
	}
	e.Properties = props
	return nil
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	c.Properties = CloneProperties(r.Properties)
	return &c
}

// Property returns a property value and whether it is set.
func (r *Relationship) Property(name string) (any, bool) {
	v, ok := r.Properties[name]
	return v, ok
}

// Other returns the end of the relationship opposite to id.
func (r *Relationship) Other(id string) string {
	if r.Source == id {
		return r.Target
	}
	return r.Source
}

// Validate checks id, type, both ends and property values, normalizing values
// in place.
func (r *Relationship) Validate() error {
	if r.ID == "" {
		return ErrInvalidID
	}
	if r.Type == "" {
		return fmt.Errorf("%w: relationship %s has no type", ErrInvalidType, r.ID)
	}
	if r.Source == "" || r.Target == "" {
		return fmt.Errorf("%w: relationship %s needs both ends", ErrInvalidID, r.ID)
	}
	props, err := NormalizeProperties(r.Properties)
	if err != nil {
		return fmt.Errorf("relationship %s: %w", r.ID, err)
	}
	r.Properties = props
	return nil
}

// Subject is the common read view over entities and relationships used by
// index maintenance and constraint checks.
type Subject interface {
	SubjectID() string
	SubjectKind() SubjectKind
	SubjectType() string
	Property(name string) (any, bool)
}

func (e *Entity) SubjectID() string        { return e.ID }
func (e *Entity) SubjectKind() SubjectKind { return KindEntity }
func (e *Entity) SubjectType() string      { return e.Type }

func (r *Relationship) SubjectID() string        { return r.ID }
func (r *Relationship) SubjectKind() SubjectKind { return KindRelationship }
func (r *Relationship) SubjectType() string      { return r.Type }
