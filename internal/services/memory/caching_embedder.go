package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benvon/picklepal/internal/services/optimizer"
)

// embeddingCacheTTL is long because embeddings are deterministic for identical input
const embeddingCacheTTL = 24 * time.Hour

// CachingEmbedder routes an embedder through the optimizer so repeated texts are served
// from cache and batches count as a single upstream request.
type CachingEmbedder struct {
	inner     Embedder
	optimizer *optimizer.Optimizer
	namespace string
}

// NewCachingEmbedder wraps inner. namespace separates cache keys of different models.
func NewCachingEmbedder(inner Embedder, opt *optimizer.Optimizer, namespace string) *CachingEmbedder {
	return &CachingEmbedder{inner: inner, optimizer: opt, namespace: namespace}
}

// Dimension returns the wrapped embedder's dimension
func (e *CachingEmbedder) Dimension() int {
	return e.inner.Dimension()
}

// Embed returns the cached vector for text or computes it upstream
func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	res, err := e.optimizer.ExecuteRequest(ctx, optimizer.Request{
		Type:     optimizer.RequestTypeEmbedding,
		Priority: optimizer.PriorityNormal,
		CacheKey: e.key(text),
		CacheTTL: embeddingCacheTTL,
		Execute: func(ctx context.Context) ([]byte, error) {
			vec, err := e.inner.Embed(ctx, text)
			if err != nil {
				return nil, err
			}
			return json.Marshal(vec)
		},
	})
	if err != nil {
		return nil, err
	}
	var vec []float64
	if err := json.Unmarshal(res.Value, &vec); err != nil {
		return nil, fmt.Errorf("decode cached embedding: %w", err)
	}
	return vec, nil
}

// EmbedBatch serves cached texts from the cache and embeds the rest in one batched call
func (e *CachingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missing []string
	var missingIdx []int
	cache := e.optimizer.Cache()
	for i, t := range texts {
		if raw, ok := cache.Get(ctx, e.key(t)); ok {
			var vec []float64
			if err := json.Unmarshal(raw, &vec); err == nil {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := optimizer.BatchRequests(ctx, e.optimizer, optimizer.RequestTypeEmbedding, missing,
		func(ctx context.Context, items []string) ([][]float64, error) {
			if be, ok := e.inner.(BatchEmbedder); ok {
				return be.EmbedBatch(ctx, items)
			}
			res := make([][]float64, len(items))
			for i, t := range items {
				v, err := e.inner.Embed(ctx, t)
				if err != nil {
					return nil, err
				}
				res[i] = v
			}
			return res, nil
		})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("batch embedding returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		if raw, err := json.Marshal(vec); err == nil {
			cache.Set(ctx, e.key(missing[j]), raw, embeddingCacheTTL)
		}
	}
	return out, nil
}

func (e *CachingEmbedder) key(text string) string {
	return "embedding:" + e.namespace + ":" + optimizer.CacheKey(text)
}

var _ BatchEmbedder = (*CachingEmbedder)(nil)
