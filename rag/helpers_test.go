package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/strandlabs/strand"
)

// embedBackend serves deterministic embeddings and counts provider calls.
type embedBackend struct {
	calls   int
	batches [][]string
	fail    bool
}

var _ strand.Backend = (*embedBackend)(nil)

// vectorFor derives a 4-dim vector from the text so equal texts embed
// equally and similar prefixes score high cosine.
func vectorFor(text string) []float32 {
	v := make([]float32, 4)
	for i, r := range text {
		v[i%4] += float32(r%13) + 1
	}
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	inv := 1 / float32(len(text)+1)
	for i := range v {
		v[i] *= inv
	}
	return v
}

func (b *embedBackend) GenerateEmbeddings(_ context.Context, texts []string, _ string) ([][]float32, error) {
	b.calls++
	b.batches = append(b.batches, append([]string(nil), texts...))
	if b.fail {
		return nil, errors.New("embed backend down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectorFor(t)
	}
	return out, nil
}

func (b *embedBackend) Name() string                 { return "embedfake" }
func (b *embedBackend) CountTokens(text string) int  { return strand.EstimateTokens(text) }
func (b *embedBackend) ContextLimit() int            { return 8192 }
func (b *embedBackend) SupportsEmbeddings() bool     { return true }
func (b *embedBackend) EmbeddingDimensions(string) int { return 4 }
func (b *embedBackend) SupportsModelManagement() bool  { return false }
func (b *embedBackend) Disconnect() error              { return nil }

func (b *embedBackend) Execute(context.Context, strand.TurnContext) (strand.Response, error) {
	return strand.Response{}, errors.New("not a chat backend")
}

func (b *embedBackend) StreamExecute(context.Context, strand.TurnContext, strand.StreamSink) (strand.Response, error) {
	return strand.Response{}, errors.New("not a chat backend")
}

func (b *embedBackend) PullModel(context.Context, string, func(strand.PullProgress)) error {
	return errors.New("unsupported")
}

func (b *embedBackend) DeleteModel(context.Context, string) error { return errors.New("unsupported") }

func (b *embedBackend) ShowModel(context.Context, string) (strand.ModelInfo, error) {
	return strand.ModelInfo{}, errors.New("unsupported")
}

func (b *embedBackend) ListModels(context.Context, bool) ([]strand.ModelInfo, error) {
	return nil, nil
}

func (b *embedBackend) WithConfig(strand.NormalizedConfig) strand.Backend { return b }

// memCache is an in-memory EmbeddingCache.
type memCache struct {
	entries map[string][]float32
	puts    int
}

func newMemCache() *memCache { return &memCache{entries: make(map[string][]float32)} }

func (c *memCache) CachedEmbedding(_ context.Context, contentHash, model string) ([]float32, bool, error) {
	vec, ok := c.entries[contentHash+"/"+model]
	return vec, ok, nil
}

func (c *memCache) PutEmbedding(_ context.Context, e *strand.EmbeddingCacheEntry) error {
	c.puts++
	c.entries[e.ContentHash+"/"+e.EmbeddingModel] = e.Embedding
	return nil
}

// chunkStore is an in-memory DocumentStore for search tests.
type chunkStore struct {
	chunks     []strand.DocumentChunk
	denseErr   error
	keywordErr error
}

var _ strand.DocumentStore = (*chunkStore)(nil)

func (s *chunkStore) CreateDocument(context.Context, *strand.Document) error { return nil }
func (s *chunkStore) Document(context.Context, string) (*strand.Document, error) {
	return nil, errors.New("not found")
}
func (s *chunkStore) UpdateDocument(context.Context, *strand.Document) error { return nil }
func (s *chunkStore) ListDocuments(context.Context, string) ([]strand.Document, error) {
	return nil, nil
}
func (s *chunkStore) AppendStage(context.Context, *strand.DocumentStage) error { return nil }
func (s *chunkStore) Stages(context.Context, string) ([]strand.DocumentStage, error) {
	return nil, nil
}

func (s *chunkStore) UpsertChunks(_ context.Context, chunks []strand.DocumentChunk) error {
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *chunkStore) Chunks(_ context.Context, documentID string) ([]strand.DocumentChunk, error) {
	var out []strand.DocumentChunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *chunkStore) SearchChunksDense(_ context.Context, embedding []float32, documentIDs []string, topK int, threshold float64) ([]strand.ScoredChunk, error) {
	if s.denseErr != nil {
		return nil, s.denseErr
	}
	var out []strand.ScoredChunk
	for _, c := range s.chunks {
		if !inScope(c.DocumentID, documentIDs) || len(c.Embedding) == 0 {
			continue
		}
		score := cosine(embedding, c.Embedding)
		if score >= threshold {
			out = append(out, strand.ScoredChunk{Chunk: c, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *chunkStore) SearchChunksKeyword(_ context.Context, query string, documentIDs []string, topK int) ([]strand.ScoredChunk, error) {
	if s.keywordErr != nil {
		return nil, s.keywordErr
	}
	var out []strand.ScoredChunk
	for _, c := range s.chunks {
		if !inScope(c.DocumentID, documentIDs) {
			continue
		}
		if strings.Contains(strings.ToLower(c.Content), strings.ToLower(query)) {
			out = append(out, strand.ScoredChunk{Chunk: c, Score: 1})
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func inScope(docID string, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if id == docID {
			return true
		}
	}
	return false
}

func mkChunk(id, docID, content string, vec []float32) strand.DocumentChunk {
	return strand.DocumentChunk{
		ID:         id,
		DocumentID: docID,
		Content:    content,
		Embedding:  vec,
		TokenCount: strand.EstimateTokens(content),
		ContentHash: strand.HashContent(content),
	}
}

func sentence(i int) string {
	return fmt.Sprintf("This is sentence number %d in the test corpus. ", i)
}
