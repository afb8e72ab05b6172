package search

import "github.com/orneryd/nornicgraph/pkg/math/vector"

// Embedding compares a query vector with an entity embedding. Vectors are
// produced by the caller; the engine never computes them. Similarity must
// return a value in [-1, 1].
type Embedding interface {
	Similarity(query, candidate []float32) float64
}

// Cosine is the default Embedding: cosine similarity, which normalizes both
// inputs. Vectors of different dimensions score 0.
type Cosine struct{}

// Similarity implements Embedding.
func (Cosine) Similarity(query, candidate []float32) float64 {
	return vector.CosineSimilarity(query, candidate)
}
