package similarity

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when vectors of different lengths are combined.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Cosine returns the cosine similarity of a and b.
// Empty or zero-norm vectors yield 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, nil
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// MeanPool averages vectors element-wise. Vectors must share one dimension.
func MeanPool(vectors [][]float32) ([]float32, error) {
	var dim int
	var count int
	var sum []float64
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if sum == nil {
			dim = len(v)
			sum = make([]float64, dim)
		} else if len(v) != dim {
			return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, dim, len(v))
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}
	if count == 0 {
		return nil, nil
	}

	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(count))
	}
	return out, nil
}
