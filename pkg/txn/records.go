package txn

import (
	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// WAL payloads. Every payload is msgpack-encoded through model.Marshal.

type walBegin struct {
	Tx       string `msgpack:"tx"`
	Snapshot uint64 `msgpack:"snap"`
}

// walPut carries the full buffered image after a mutation. Exactly one of
// Entity and Relationship is set.
type walPut struct {
	Tx           string              `msgpack:"tx"`
	Entity       *model.Entity       `msgpack:"ent,omitempty"`
	Relationship *model.Relationship `msgpack:"rel,omitempty"`
}

type walDelete struct {
	Tx   string            `msgpack:"tx"`
	Kind model.SubjectKind `msgpack:"kind"`
	ID   string            `msgpack:"id"`
}

type walIndex struct {
	Tx     string        `msgpack:"tx"`
	Deltas []index.Delta `msgpack:"deltas"`
}

type walCommit struct {
	Tx      string `msgpack:"tx"`
	Version uint64 `msgpack:"v"`
}

type walAbort struct {
	Tx     string `msgpack:"tx"`
	Reason string `msgpack:"reason,omitempty"`
}

type walSchema struct {
	Version uint64       `msgpack:"v"`
	Schema  index.Schema `msgpack:"schema"`
}

// checkpointMeta is stored under metaCheckpoint and logged with
// OpCheckpoint. Every commit with a WAL sequence up to Sequence is in the
// durable store.
type checkpointMeta struct {
	Version  uint64 `msgpack:"v"`
	Sequence uint64 `msgpack:"seq"`
}

// Engine metadata keys.
var (
	metaVersion    = storage.MetaKey("version")
	metaCheckpoint = storage.MetaKey("checkpoint")
	schemaCatalog  = storage.SchemaKey("catalog")
)

func (m *Manager) logRecord(op storage.WALOp, v any) (uint64, error) {
	payload, err := model.Marshal(v)
	if err != nil {
		return 0, err
	}
	return m.wal.Append(op, payload)
}
