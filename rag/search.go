package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/strandlabs/strand"
)

// Strategy selects the retrieval path.
type Strategy string

const (
	StrategyDense  Strategy = "dense"
	StrategySparse Strategy = "sparse"
	StrategyHybrid Strategy = "hybrid"
)

// rrfK is the standard Reciprocal Rank Fusion dampening constant.
const rrfK = 60

// Searcher runs chunk retrieval over the document store.
type Searcher struct {
	log       *slog.Logger
	store     strand.DocumentStore
	embedder  *Embedder
	strategy  Strategy
	topK      int
	threshold float64
	reranker  Reranker
}

type SearcherOption func(*Searcher)

func WithSearcherLogger(log *slog.Logger) SearcherOption {
	return func(s *Searcher) { s.log = log }
}

func WithStrategy(st Strategy) SearcherOption {
	return func(s *Searcher) { s.strategy = st }
}

func WithTopK(k int) SearcherOption {
	return func(s *Searcher) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithThreshold sets the minimum cosine similarity for dense hits.
func WithThreshold(t float64) SearcherOption {
	return func(s *Searcher) { s.threshold = t }
}

// WithReranker re-scores the fused top results before they are returned.
func WithReranker(r Reranker) SearcherOption {
	return func(s *Searcher) { s.reranker = r }
}

func NewSearcher(store strand.DocumentStore, embedder *Embedder, opts ...SearcherOption) *Searcher {
	s := &Searcher{
		log:       slog.New(slog.DiscardHandler),
		store:     store,
		embedder:  embedder,
		strategy:  StrategyHybrid,
		topK:      10,
		threshold: 0.3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search retrieves the top chunks for query, scoped to documentIDs (empty
// = all). The configured strategy decides dense, sparse, or fused.
func (s *Searcher) Search(ctx context.Context, query string, documentIDs []string) ([]strand.ScoredChunk, error) {
	var hits []strand.ScoredChunk
	var err error
	switch s.strategy {
	case StrategyDense:
		hits, err = s.dense(ctx, query, documentIDs)
	case StrategySparse:
		hits, err = s.sparse(ctx, query, documentIDs)
	default:
		hits, err = s.hybrid(ctx, query, documentIDs)
	}
	if err != nil {
		return nil, err
	}
	if s.reranker != nil {
		hits = s.reranker.Rerank(query, hits)
	}
	if len(hits) > s.topK {
		hits = hits[:s.topK]
	}
	return hits, nil
}

func (s *Searcher) dense(ctx context.Context, query string, documentIDs []string) ([]strand.ScoredChunk, error) {
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: dense search: %w", err)
	}
	hits, err := s.store.SearchChunksDense(ctx, vec, documentIDs, s.topK, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("rag: dense search: %w", err)
	}
	return hits, nil
}

func (s *Searcher) sparse(ctx context.Context, query string, documentIDs []string) ([]strand.ScoredChunk, error) {
	hits, err := s.store.SearchChunksKeyword(ctx, query, documentIDs, s.topK)
	if err != nil {
		return nil, fmt.Errorf("rag: sparse search: %w", err)
	}
	return hits, nil
}

// hybrid runs both strategies and fuses with Reciprocal Rank Fusion:
// score(c) = sum over strategies of 1/(rank+60). A retrieval failure on one
// side degrades to the other's results alone.
func (s *Searcher) hybrid(ctx context.Context, query string, documentIDs []string) ([]strand.ScoredChunk, error) {
	denseHits, denseErr := s.dense(ctx, query, documentIDs)
	sparseHits, sparseErr := s.sparse(ctx, query, documentIDs)

	if denseErr != nil && sparseErr != nil {
		return nil, fmt.Errorf("rag: hybrid search: %w", denseErr)
	}
	if denseErr != nil {
		s.log.Warn("rag: dense side of hybrid failed, using sparse only", "error", denseErr)
		return sparseHits, nil
	}
	if sparseErr != nil {
		s.log.Warn("rag: sparse side of hybrid failed, using dense only", "error", sparseErr)
		return denseHits, nil
	}
	return fuseRRF(denseHits, sparseHits), nil
}

// fuseRRF merges ranked lists by reciprocal rank. Ties break toward the
// better dense score, then chunk id for determinism.
func fuseRRF(lists ...[]strand.ScoredChunk) []strand.ScoredChunk {
	type fused struct {
		chunk strand.ScoredChunk
		score float64
	}
	byID := make(map[string]*fused)
	for _, list := range lists {
		for rank, hit := range list {
			f, ok := byID[hit.Chunk.ID]
			if !ok {
				f = &fused{chunk: hit}
				byID[hit.Chunk.ID] = f
			}
			f.score += 1.0 / float64(rank+1+rrfK)
			if hit.Score > f.chunk.Score {
				f.chunk.Score = hit.Score
			}
		}
	}

	out := make([]strand.ScoredChunk, 0, len(byID))
	for _, f := range byID {
		out = append(out, strand.ScoredChunk{Chunk: f.chunk.Chunk, Score: f.score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	return out
}

// Reranker re-scores retrieval hits against the query.
type Reranker interface {
	Rerank(query string, hits []strand.ScoredChunk) []strand.ScoredChunk
}

// TermMatchReranker is the cross-encoder fallback: it re-scores hits by the
// fraction of query terms the chunk contains, weighted into the fused score.
type TermMatchReranker struct{}

func (TermMatchReranker) Rerank(query string, hits []strand.ScoredChunk) []strand.ScoredChunk {
	terms := tokenize(query)
	if len(terms) == 0 {
		return hits
	}
	out := make([]strand.ScoredChunk, len(hits))
	for i, hit := range hits {
		content := strings.ToLower(hit.Chunk.Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				matched++
			}
		}
		overlap := float64(matched) / float64(len(terms))
		out[i] = strand.ScoredChunk{Chunk: hit.Chunk, Score: hit.Score * (1 + overlap)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
