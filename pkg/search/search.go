// Package search ranks entities by combining three signal channels:
//
//   - keyword: BM25 over the string values of the indexed properties of
//     each candidate, divided by the best score so it lies in [0, 1]
//   - semantic: similarity between a caller-supplied query vector and the
//     candidate's embedding, in [-1, 1]
//   - proximity: 1/(1+d) where d is the shortest undirected hop distance
//     from any anchor entity, found by a bounded breadth-first search
//
// The final score is the weighted sum of the channels, with the weights
// taken from the budget (and so from the preset). Ties are broken by entity
// id ascending so rankings are deterministic.
//
// Candidate scanning and the proximity search consume the same budget as a
// pattern-match query: each entity or relationship fetched costs one visit,
// the search does not go deeper than MaxDepth hops and at most MaxResults
// hits are returned. Running out of budget ranks what was gathered so far
// and flags the response as truncated.
//
// Example:
//
//	s := search.New(search.WithLogger(logger))
//	resp, err := s.Search(ctx, tx, search.Request{
//		Text:    "graph databases",
//		Vector:  queryEmbedding,
//		Anchors: []string{"alice"},
//		Limit:   10,
//	}, preset)
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/orneryd/nornicgraph/pkg/budget"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

// ErrEmptyRequest is returned when a request has no text, vector or anchor.
var ErrEmptyRequest = errors.New("search: request needs text, a vector or anchors")

// Graph is the read view searched. *txn.Transaction implements it.
type Graph interface {
	Entity(id string) (*model.Entity, error)
	Relationship(id string) (*model.Relationship, error)
	EntityIDs(typ string) ([]string, error)
	RelationshipsOf(entityID string, dir model.Direction) ([]string, error)
	IndexedProperties(kind model.SubjectKind, typ string) []string
}

// Channel is one ranking signal.
type Channel uint8

const (
	ChannelKeyword Channel = iota
	ChannelSemantic
	ChannelProximity
)

// Channels lists every channel in scoring order.
var Channels = []Channel{ChannelKeyword, ChannelSemantic, ChannelProximity}

func (c Channel) String() string {
	switch c {
	case ChannelKeyword:
		return "keyword"
	case ChannelSemantic:
		return "semantic"
	case ChannelProximity:
		return "proximity"
	}
	return "unknown"
}

// weight returns the weight of c in w.
func (c Channel) weight(w budget.Weights) float64 {
	switch c {
	case ChannelKeyword:
		return w.Keyword
	case ChannelSemantic:
		return w.Semantic
	case ChannelProximity:
		return w.Proximity
	}
	return 0
}

// Request describes one hybrid search.
type Request struct {
	// Text is matched against indexed string properties.
	Text string
	// Vector is compared with entity embeddings.
	Vector []float32
	// Anchors are the entity ids proximity is measured from.
	Anchors []string
	// Types restricts candidates to these entity types. Empty means all.
	Types []string
	// Limit caps the number of hits independently of the budget. Zero
	// means no cap.
	Limit int
}

// Hit is one ranked entity.
type Hit struct {
	Entity *model.Entity
	Score  float64

	Keyword   float64
	Semantic  float64
	Proximity float64
	// Distance is the hop distance from the nearest anchor, or -1 when no
	// anchor reached the entity.
	Distance int
}

// ID returns the id of the hit's entity.
func (h Hit) ID() string { return h.Entity.ID }

// channel returns the value of c for h.
func (h Hit) channel(c Channel) float64 {
	switch c {
	case ChannelKeyword:
		return h.Keyword
	case ChannelSemantic:
		return h.Semantic
	case ChannelProximity:
		return h.Proximity
	}
	return 0
}

// Response holds the ranked hits of one search.
type Response struct {
	Hits      []Hit
	Truncated bool
	Stats     budget.Stats
}

// Searcher runs hybrid searches. It holds no per-search state and is safe
// for concurrent use.
type Searcher struct {
	embedding Embedding
	logger    *zap.Logger
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithEmbedding replaces the default cosine similarity.
func WithEmbedding(e Embedding) Option {
	return func(s *Searcher) {
		if e != nil {
			s.embedding = e
		}
	}
}

// WithLogger sets the logger used for per-search debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Searcher) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Searcher.
func New(opts ...Option) *Searcher {
	s := &Searcher{embedding: Cosine{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run holds the state of one search.
type run struct {
	g       Graph
	tracker *budget.Tracker
	fetched map[string]*model.Entity
}

func (r *run) visitEntity(id string) (*model.Entity, error) {
	if e, ok := r.fetched[id]; ok {
		return e, nil
	}
	if !r.tracker.Visit() {
		return nil, nil
	}
	e, err := r.g.Entity(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.fetched[id] = e
	return e, nil
}

// Search ranks the entities of g for req under budget b. When every weight
// of b is zero the channels are weighted equally.
func (s *Searcher) Search(ctx context.Context, g Graph, req Request, b budget.Budget) (*Response, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Vector) == 0 && len(req.Anchors) == 0 {
		return nil, ErrEmptyRequest
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	weights := b.Weights
	if weights == (budget.Weights{}) {
		weights = budget.Weights{Keyword: 1, Semantic: 1, Proximity: 1}
	}

	r := &run{g: g, tracker: budget.NewTracker(ctx, b), fetched: make(map[string]*model.Entity)}

	dist, err := r.proximity(req.Anchors)
	if err != nil {
		return nil, fmt.Errorf("search: proximity: %w", err)
	}
	candidates, err := r.candidates(req.Types)
	if err != nil {
		return nil, fmt.Errorf("search: candidates: %w", err)
	}
	if err := r.tracker.Err(); err != nil {
		return nil, err
	}

	keyword := keywordScores(g, candidates, req.Text)
	hits := make([]Hit, 0, len(candidates))
	for _, e := range candidates {
		h := Hit{Entity: e, Distance: -1, Keyword: keyword[e.ID]}
		matched := h.Keyword > 0
		if len(req.Vector) > 0 && len(e.Embedding) > 0 {
			h.Semantic = s.embedding.Similarity(req.Vector, e.Embedding)
			matched = true
		}
		if d, ok := dist[e.ID]; ok {
			h.Distance = d
			h.Proximity = 1 / (1 + float64(d))
			matched = true
		}
		if !matched {
			continue
		}
		for _, c := range Channels {
			h.Score += c.weight(weights) * h.channel(c)
		}
		hits = append(hits, h)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entity.ID < hits[j].Entity.ID
	})
	if req.Limit > 0 && len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	for i := range hits {
		if !r.tracker.Emit() {
			hits = hits[:i]
			break
		}
	}

	resp := &Response{Hits: hits, Truncated: r.tracker.Truncated(), Stats: r.tracker.Stats()}
	s.logger.Debug("hybrid search",
		zap.Int("candidates", len(candidates)),
		zap.Int("hits", len(hits)),
		zap.Int("visited", resp.Stats.Visited),
		zap.Bool("truncated", resp.Truncated),
	)
	return resp, nil
}

// candidates fetches the entities of the requested types in id order until
// the budget runs out.
func (r *run) candidates(types []string) ([]*model.Entity, error) {
	var ids []string
	if len(types) == 0 {
		all, err := r.g.EntityIDs("")
		if err != nil {
			return nil, err
		}
		ids = all
	} else {
		seen := make(map[string]struct{})
		for _, t := range types {
			typed, err := r.g.EntityIDs(t)
			if err != nil {
				return nil, err
			}
			for _, id := range typed {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
		sort.Strings(ids)
	}

	var out []*model.Entity
	for _, id := range ids {
		if r.tracker.Stopped() {
			break
		}
		e, err := r.visitEntity(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// keywordScores returns the max-normalized BM25 score of each candidate.
func keywordScores(g Graph, candidates []*model.Entity, text string) map[string]float64 {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	props := make(map[string][]string)
	idx := NewFulltextIndex()
	for _, e := range candidates {
		names, ok := props[e.Type]
		if !ok {
			names = g.IndexedProperties(model.KindEntity, e.Type)
			props[e.Type] = names
		}
		if doc := document(e, names); doc != "" {
			idx.Index(e.ID, doc)
		}
	}

	scores := idx.Scores(text)
	var best float64
	for _, s := range scores {
		if s > best {
			best = s
		}
	}
	if best == 0 {
		return nil
	}
	for id, s := range scores {
		scores[id] = s / best
	}
	return scores
}

// document joins the string values of the named properties of e. String
// elements of list values are included.
func document(e *model.Entity, names []string) string {
	var parts []string
	for _, name := range names {
		switch v := e.Properties[name].(type) {
		case string:
			parts = append(parts, v)
		case []any:
			for _, el := range v {
				if s, ok := el.(string); ok {
					parts = append(parts, s)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}
