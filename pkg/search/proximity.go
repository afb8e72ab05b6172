package search

import (
	"errors"
	"sort"

	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// proximity returns the undirected hop distance of every entity reached
// from the anchors, anchors included at distance 0. The search expands one
// level at a time and stops at the budget's depth limit or when the visit
// budget runs out. The depth limit truncates the result only when the last
// level still has edges to entities not yet reached.
func (r *run) proximity(anchors []string) (map[string]int, error) {
	dist := make(map[string]int)
	if len(anchors) == 0 {
		return dist, nil
	}

	sorted := append([]string(nil), anchors...)
	sort.Strings(sorted)
	var frontier []string
	for _, id := range sorted {
		if _, dup := dist[id]; dup {
			continue
		}
		e, err := r.visitEntity(id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		dist[id] = 0
		frontier = append(frontier, id)
	}

	for depth := 1; len(frontier) > 0; depth++ {
		if r.tracker.Stopped() {
			break
		}
		if !r.tracker.Allows(depth) {
			more, err := r.reachesUnseen(frontier, dist)
			if err != nil {
				return nil, err
			}
			if more {
				r.tracker.Descend(depth)
			}
			break
		}
		r.tracker.Descend(depth)
		var next []string
		for _, id := range frontier {
			rels, err := r.g.RelationshipsOf(id, model.DirBoth)
			if err != nil {
				return nil, err
			}
			for _, relID := range rels {
				if !r.tracker.Visit() {
					return dist, nil
				}
				rel, err := r.g.Relationship(relID)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				other := rel.Other(id)
				if _, seen := dist[other]; seen {
					continue
				}
				dist[other] = depth
				next = append(next, other)
			}
		}
		frontier = next
	}
	return dist, nil
}

// reachesUnseen reports whether any frontier entity has a relationship to an
// entity missing from dist. It does not charge the visit budget.
func (r *run) reachesUnseen(frontier []string, dist map[string]int) (bool, error) {
	for _, id := range frontier {
		rels, err := r.g.RelationshipsOf(id, model.DirBoth)
		if err != nil {
			return false, err
		}
		for _, relID := range rels {
			rel, err := r.g.Relationship(relID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return false, err
			}
			if _, seen := dist[rel.Other(id)]; !seen {
				return true, nil
			}
		}
	}
	return false, nil
}
