package model

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orneryd/nornicgraph/pkg/pool"
)

// Marshal encodes v with msgpack using sorted map keys so identical records
// always produce identical bytes.
func Marshal(v any) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// EncodeEntity serializes an entity for the block store.
func EncodeEntity(e *Entity) ([]byte, error) {
	data, err := Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("model: encode entity %s: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEntity deserializes an entity and re-normalizes its property values.
func DecodeEntity(data []byte) (*Entity, error) {
	var e Entity
	if err := Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("model: decode entity: %w", err)
	}
	props, err := NormalizeProperties(e.Properties)
	if err != nil {
		return nil, fmt.Errorf("model: decode entity %s: %w", e.ID, err)
	}
	e.Properties = props
	return &e, nil
}

// EncodeRelationship serializes a relationship for the block store.
func EncodeRelationship(r *Relationship) ([]byte, error) {
	data, err := Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("model: encode relationship %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeRelationship deserializes a relationship and re-normalizes its
// property values.
func DecodeRelationship(data []byte) (*Relationship, error) {
	var r Relationship
	if err := Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("model: decode relationship: %w", err)
	}
	props, err := NormalizeProperties(r.Properties)
	if err != nil {
		return nil, fmt.Errorf("model: decode relationship %s: %w", r.ID, err)
	}
	r.Properties = props
	return &r, nil
}
