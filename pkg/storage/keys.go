package storage

import (
	"strings"

	"github.com/orneryd/nornicgraph/pkg/model"
)

// Key layout. Components are joined with a 0x00 separator, so ids and type
// tags must not contain 0x00 (see ValidateKeyPart).
//
//   - Entity:        "e" 0x00 id -> msgpack(Entity)
//   - Relationship:  "r" 0x00 id -> msgpack(Relationship)
//   - Type index:    "t" 0x00 kind 0x00 type 0x00 id -> empty
//   - Outgoing:      "o" 0x00 sourceID 0x00 relID -> empty
//   - Incoming:      "i" 0x00 targetID 0x00 relID -> empty
//   - Schema:        "s" 0x00 name -> msgpack(schema record)
//   - Meta:          "m" 0x00 name -> value
const (
	prefixEntity       = "e"
	prefixRelationship = "r"
	prefixType         = "t"
	prefixOutgoing     = "o"
	prefixIncoming     = "i"
	prefixSchema       = "s"
	prefixMeta         = "m"

	sep = "\x00"
)

// ValidateKeyPart rejects values that would corrupt the key layout.
func ValidateKeyPart(s string) error {
	if s == "" || strings.Contains(s, sep) {
		return ErrInvalidKey
	}
	return nil
}

// EntityKey returns the key of an entity record.
func EntityKey(id string) string { return prefixEntity + sep + id }

// EntityPrefix is the prefix of all entity records.
func EntityPrefix() string { return prefixEntity + sep }

// RelationshipKey returns the key of a relationship record.
func RelationshipKey(id string) string { return prefixRelationship + sep + id }

// RelationshipPrefix is the prefix of all relationship records.
func RelationshipPrefix() string { return prefixRelationship + sep }

// TypeKey returns the type membership key of a record.
func TypeKey(kind model.SubjectKind, typ, id string) string {
	return TypePrefix(kind, typ) + id
}

// TypePrefix is the prefix of all type membership keys for (kind, typ).
func TypePrefix(kind model.SubjectKind, typ string) string {
	return prefixType + sep + kind.String() + sep + typ + sep
}

// OutgoingKey returns the adjacency key of a relationship at its source.
func OutgoingKey(source, relID string) string { return OutgoingPrefix(source) + relID }

// OutgoingPrefix is the prefix of all outgoing adjacency keys of an entity.
func OutgoingPrefix(source string) string { return prefixOutgoing + sep + source + sep }

// IncomingKey returns the adjacency key of a relationship at its target.
func IncomingKey(target, relID string) string { return IncomingPrefix(target) + relID }

// IncomingPrefix is the prefix of all incoming adjacency keys of an entity.
func IncomingPrefix(target string) string { return prefixIncoming + sep + target + sep }

// SchemaKey returns the key of a persisted schema record.
func SchemaKey(name string) string { return prefixSchema + sep + name }

// SchemaPrefix is the prefix of all schema records.
func SchemaPrefix() string { return prefixSchema + sep }

// MetaKey returns the key of an engine metadata value.
func MetaKey(name string) string { return prefixMeta + sep + name }

// LastPart returns the component after the final separator of key, which
// for every layout above is the record id.
func LastPart(key string) string {
	if i := strings.LastIndex(key, sep); i >= 0 {
		return key[i+1:]
	}
	return key
}

// EntityMutations returns the store mutations that replace old with cur,
// including the type membership key. A nil image means the record is absent.
func EntityMutations(old, cur *model.Entity) ([]Mutation, error) {
	var muts []Mutation
	if old != nil && (cur == nil || old.Type != cur.Type) {
		muts = append(muts, Mutation{Key: TypeKey(model.KindEntity, old.Type, old.ID), Delete: true})
	}
	if cur == nil {
		if old != nil {
			muts = append(muts, Mutation{Key: EntityKey(old.ID), Delete: true})
		}
		return muts, nil
	}
	data, err := model.EncodeEntity(cur)
	if err != nil {
		return nil, err
	}
	muts = append(muts, Mutation{Key: EntityKey(cur.ID), Value: data})
	if old == nil || old.Type != cur.Type {
		muts = append(muts, Mutation{Key: TypeKey(model.KindEntity, cur.Type, cur.ID), Value: []byte{}})
	}
	return muts, nil
}

// RelationshipMutations is EntityMutations for relationships, including the
// adjacency keys at both ends.
func RelationshipMutations(old, cur *model.Relationship) ([]Mutation, error) {
	var muts []Mutation
	if old != nil && cur == nil {
		muts = append(muts,
			Mutation{Key: TypeKey(model.KindRelationship, old.Type, old.ID), Delete: true},
			Mutation{Key: OutgoingKey(old.Source, old.ID), Delete: true},
			Mutation{Key: IncomingKey(old.Target, old.ID), Delete: true},
			Mutation{Key: RelationshipKey(old.ID), Delete: true},
		)
		return muts, nil
	}
	if cur == nil {
		return nil, nil
	}
	data, err := model.EncodeRelationship(cur)
	if err != nil {
		return nil, err
	}
	muts = append(muts, Mutation{Key: RelationshipKey(cur.ID), Value: data})
	if old == nil {
		muts = append(muts,
			Mutation{Key: TypeKey(model.KindRelationship, cur.Type, cur.ID), Value: []byte{}},
			Mutation{Key: OutgoingKey(cur.Source, cur.ID), Value: []byte{}},
			Mutation{Key: IncomingKey(cur.Target, cur.ID), Value: []byte{}},
		)
	}
	return muts, nil
}
