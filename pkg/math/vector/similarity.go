// Package vector provides the vector math used by semantic search.
//
// Embeddings are supplied by callers as float32 slices; the engine never
// computes them. Accumulation happens in float64 so results are stable
// across dimensions.
//
// Main Functions:
//   - CosineSimilarity: similarity of two vectors in [-1, 1]
//   - DotProduct: dot product, equal to cosine for unit vectors
//   - Normalize: returns a unit-length copy of a vector
//   - NormalizeInPlace: normalizes a vector in-place (modifies input)
//   - Validate: rejects empty and non-finite vectors
package vector

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned by Validate.
var ErrInvalidVector = errors.New("vector: invalid")

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns value in range [-1, 1] where 1 = identical, 0 = orthogonal, -1 = opposite.
// Vectors of different length, empty vectors and zero vectors have
// similarity 0.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := CosineSimilarity(a, b)  // Returns 0.9746318461970762
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProd, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dotProd += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clamp(dotProd / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// DotProduct calculates the dot product of two float32 vectors. It returns
// 0 for vectors of different length.
//
// For normalized vectors, dot product equals cosine similarity.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize returns a normalized copy of the vector. A zero vector
// normalizes to a zero vector of the same length.
//
// Example:
//
//	original := []float32{3.0, 4.0}
//	normalized := Normalize(original)  // Returns [0.6, 0.8]
func Normalize(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	NormalizeInPlace(out)
	return out
}

// NormalizeInPlace normalizes a vector in-place (modifies the input).
// After normalization, the vector has unit length (magnitude = 1).
func NormalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	norm := 1.0 / math.Sqrt(sumSquares)
	for i := range v {
		v[i] = float32(float64(v[i]) * norm)
	}
}

// Validate reports whether v is usable as an embedding: non-empty with
// only finite components.
func Validate(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidVector)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is %v", ErrInvalidVector, i, x)
		}
	}
	return nil
}

// clamp keeps rounding error from pushing a cosine outside [-1, 1].
func clamp(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}
