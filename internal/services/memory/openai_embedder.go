package memory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

const (
	// DefaultEmbeddingModel is used when no model is configured
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension is requested from the embeddings endpoint
	DefaultEmbeddingDimension = 256
	embeddingTimeout          = 30 * time.Second
)

// OpenAIEmbedder embeds text through the OpenAI embeddings endpoint
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dim    int
	logger *zap.Logger
}

// NewOpenAIEmbedder creates an embedder. Empty baseURL and model select the defaults.
func NewOpenAIEmbedder(apiKey, baseURL, model string, logger *zap.Logger) *OpenAIEmbedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: embeddingTimeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(opts...),
		model:  model,
		dim:    DefaultEmbeddingDimension,
		logger: logger,
	}
}

// Dimension returns the requested vector length
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// Embed embeds a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, preserving input order
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      openai.EmbeddingModel(e.model),
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions: openai.Int(int64(e.dim)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	if e.logger != nil {
		e.logger.Debug("embeddings_created",
			zap.String("model", e.model),
			zap.Int("count", len(texts)),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	}
	return out, nil
}

var _ BatchEmbedder = (*OpenAIEmbedder)(nil)
