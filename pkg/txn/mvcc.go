package txn

import (
	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
)

// Snapshot reads work against the block store, which only ever holds the
// latest committed image of each record. Two structures kept in memory make
// older states reachable:
//
//   - history keeps the image a commit replaced, valid up to (and excluding)
//     that commit's version;
//   - the commit log keeps, per commit, the records it wrote and the index
//     deltas it applied.
//
// A commit records both before it touches the store, and a reader consults
// them after reading the store, so a reader never misses a change made
// after its snapshot. Entries are dropped once no active snapshot is older
// than them.

type ref struct {
	kind model.SubjectKind
	id   string
}

// image is one stored version of a record. Both pointers are nil when the
// record did not exist.
type image struct {
	validTo uint64
	ent     *model.Entity
	rel     *model.Relationship
}

// written describes one record a commit wrote. Types and endpoints let
// snapshot scans find records that moved in or out of a type or an
// adjacency list after the snapshot.
type written struct {
	ref
	oldType string
	newType string
	source  string
	target  string
}

type commitEntry struct {
	version uint64
	writes  []written
	deltas  []index.Delta
}

// mvcc is guarded by Manager.mu.
type mvcc struct {
	history map[ref][]image // ascending validTo
	commits []*commitEntry  // ascending version
}

func newMVCC() *mvcc {
	return &mvcc{history: make(map[ref][]image)}
}

// lookup returns the image of r valid at snapshot, if a commit after the
// snapshot replaced it.
func (v *mvcc) lookup(r ref, snapshot uint64) (image, bool) {
	for _, img := range v.history[r] {
		if img.validTo > snapshot {
			return img, true
		}
	}
	return image{}, false
}

func (v *mvcc) record(entry *commitEntry, replaced map[ref]image) {
	for r, img := range replaced {
		v.history[r] = append(v.history[r], img)
	}
	v.commits = append(v.commits, entry)
}

// unrecord removes what record added for a commit that failed to apply.
func (v *mvcc) unrecord(version uint64) {
	for r, imgs := range v.history {
		if n := len(imgs); n > 0 && imgs[n-1].validTo == version {
			if n == 1 {
				delete(v.history, r)
			} else {
				v.history[r] = imgs[:n-1]
			}
		}
	}
	if n := len(v.commits); n > 0 && v.commits[n-1].version == version {
		v.commits = v.commits[:n-1]
	}
}

// since returns the commits newer than snapshot.
func (v *mvcc) since(snapshot uint64) []*commitEntry {
	i := len(v.commits)
	for i > 0 && v.commits[i-1].version > snapshot {
		i--
	}
	return v.commits[i:]
}

// prune drops everything no snapshot at or after horizon can need.
func (v *mvcc) prune(horizon uint64) {
	for r, imgs := range v.history {
		keep := imgs[:0]
		for _, img := range imgs {
			if img.validTo > horizon {
				keep = append(keep, img)
			}
		}
		if len(keep) == 0 {
			delete(v.history, r)
		} else {
			v.history[r] = keep
		}
	}
	i := 0
	for i < len(v.commits) && v.commits[i].version <= horizon {
		i++
	}
	if i > 0 {
		v.commits = append([]*commitEntry(nil), v.commits[i:]...)
	}
}

// writtenSince collects the records of kind written by commits newer than
// snapshot.
func (v *mvcc) writtenSince(kind model.SubjectKind, snapshot uint64) []written {
	var out []written
	for _, c := range v.since(snapshot) {
		for _, w := range c.writes {
			if w.kind == kind {
				out = append(out, w)
			}
		}
	}
	return out
}
