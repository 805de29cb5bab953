package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandlabs/strand"
)

// DefaultEmbeddingBatchSize bounds peak memory during chunk embedding.
const DefaultEmbeddingBatchSize = 100

// embeddingBatchTimeout bounds one provider embedding call.
const embeddingBatchTimeout = 60 * time.Second

// Embedder batches texts through a backend's embedding API with a durable
// (content hash, model) cache in front. Two successive embeds of the same
// text perform exactly one provider call.
type Embedder struct {
	log       *slog.Logger
	backend   strand.Backend
	cache     strand.EmbeddingCache
	model     string
	batchSize int
}

type EmbedderOption func(*Embedder)

func WithEmbedderLogger(log *slog.Logger) EmbedderOption {
	return func(e *Embedder) { e.log = log }
}

func WithEmbeddingModel(model string) EmbedderOption {
	return func(e *Embedder) { e.model = model }
}

func WithEmbeddingBatchSize(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// NewEmbedder requires a backend with SupportsEmbeddings and a cache.
func NewEmbedder(backend strand.Backend, cache strand.EmbeddingCache, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		log:       slog.New(slog.DiscardHandler),
		backend:   backend,
		cache:     cache,
		batchSize: DefaultEmbeddingBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Model returns the embedding model id recorded with vectors.
func (e *Embedder) Model() string { return e.model }

// Dimensions returns the vector size for the configured model.
func (e *Embedder) Dimensions() int { return e.backend.EmbeddingDimensions(e.model) }

// Embed returns one vector per text, in order, consulting the cache before
// the provider and upserting every fresh vector.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	hashes := make([]string, len(texts))

	var missIdx []int
	for i, text := range texts {
		hashes[i] = strand.HashContent(text)
		vec, ok, err := e.cache.CachedEmbedding(ctx, hashes[i], e.model)
		if err != nil {
			e.log.Warn("embedder: cache read failed", "error", err)
		}
		if ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
	}

	for start := 0; start < len(missIdx); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[start:end]
		batchTexts := make([]string, len(batch))
		for j, i := range batch {
			batchTexts[j] = texts[i]
		}

		batchCtx, cancel := context.WithTimeout(ctx, embeddingBatchTimeout)
		vecs, err := e.backend.GenerateEmbeddings(batchCtx, batchTexts, e.model)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("rag: embed batch: %w", err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("rag: embed batch: got %d vectors for %d texts", len(vecs), len(batch))
		}

		for j, i := range batch {
			out[i] = vecs[j]
			err := e.cache.PutEmbedding(ctx, &strand.EmbeddingCacheEntry{
				ContentHash:    hashes[i],
				EmbeddingModel: e.model,
				Embedding:      vecs[j],
				CreatedAt:      strand.NowUnix(),
			})
			if err != nil {
				e.log.Warn("embedder: cache write failed", "error", err)
			}
		}
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
