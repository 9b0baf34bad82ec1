package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/opsloop/opsloop/pkg/config"
)

// Embedder produces vectors for similarity search over incidents and
// knowledge entries.
type Embedder struct {
	client  *openai.Client
	model   string
	dims    int
	timeout time.Duration
}

// NewEmbedder creates an embedder for the configured model. Returns an error
// when no API key is available; callers treat a nil embedder as
// vector-search-disabled.
func NewEmbedder(cfg *config.EmbeddingConfig, apiKey string) (*Embedder, error) {
	if cfg == nil {
		cfg = config.DefaultEmbeddingConfig()
	}
	if apiKey == "" {
		return nil, errors.New("embedder: api key is required")
	}
	return &Embedder{
		client:  openai.NewClient(apiKey),
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		timeout: cfg.Timeout,
	}, nil
}

// newEmbedderWithClient is the test seam.
func newEmbedderWithClient(client *openai.Client, cfg *config.EmbeddingConfig) *Embedder {
	return &Embedder{
		client:  client,
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		timeout: cfg.Timeout,
	}
}

// Embed returns the vector for one text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns vectors for all texts in order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
