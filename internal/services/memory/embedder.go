package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is the vector length produced by HashEmbedder
const DefaultHashDimension = 128

// Embedder turns text into a fixed-length vector. Implementations must be deterministic
// for identical input so cached and stored vectors stay comparable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// BatchEmbedder is an Embedder that can embed several texts in one upstream call
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// HashEmbedder is a local stand-in for an embedding model. Each word is hashed with
// SHA-256 into a signed bucket, so texts sharing words point in similar directions.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder; dim <= 0 selects DefaultHashDimension
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector length
func (e *HashEmbedder) Dimension() int {
	return e.dim
}

// Embed returns the L2-normalized bag-of-words vector for text. Text with no words
// yields the zero vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	for _, word := range tokenize(text) {
		sum := sha256.Sum256([]byte(word))
		idx := binary.BigEndian.Uint32(sum[0:4]) % uint32(e.dim)
		weight := 1.0
		if sum[4]&1 == 1 {
			weight = -1.0
		}
		vec[idx] += weight
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text in order
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineSimilarity returns dot(a,b)/(|a|*|b|). Vectors of different or zero length and
// vectors with zero magnitude score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// rounding can push parallel vectors just past the bounds
	return math.Max(-1, math.Min(1, sim))
}

var (
	_ BatchEmbedder = (*HashEmbedder)(nil)
)
