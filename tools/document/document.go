// Package document exposes the user's ingested documents to the model:
// listing, inspection, raw reads, and retrieval over their chunks.
package document

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/rag"
)

// maxReadBytes bounds document_read_file output so one call cannot flood
// the context window.
const maxReadBytes = 32 << 10

// Tool serves the document_* family.
type Tool struct {
	store    strand.DocumentStore
	searcher *rag.Searcher
}

func New(store strand.DocumentStore, searcher *rag.Searcher) *Tool {
	return &Tool{store: store, searcher: searcher}
}

var _ strand.Tool = (*Tool)(nil)

func (t *Tool) Definitions() []strand.ToolDefinition {
	return []strand.ToolDefinition{
		{
			Name:        "document_list",
			Description: "List the user's documents.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "document_info",
			Description: "Show a document's status and ingestion details.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"document_id":{"type":"string"}},"required":["document_id"]}`),
		},
		{
			Name:        "document_get_chunks",
			Description: "Return a document's chunks in order.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"document_id":{"type":"string"},"offset":{"type":"integer"},"limit":{"type":"integer"}},"required":["document_id"]}`),
		},
		{
			Name:        "document_read_file",
			Description: "Read a document's full processed text.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"document_id":{"type":"string"}},"required":["document_id"]}`),
		},
		{
			Name:        "document_search",
			Description: "Search the user's documents for passages relevant to a query.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"document_ids":{"type":"array","items":{"type":"string"}}},"required":["query"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (strand.ToolResult, error) {
	switch name {
	case "document_list":
		return t.list(ctx), nil
	case "document_info":
		return t.info(ctx, args), nil
	case "document_get_chunks":
		return t.getChunks(ctx, args), nil
	case "document_read_file":
		return t.readFile(ctx, args), nil
	case "document_search":
		return t.search(ctx, args), nil
	}
	return strand.ToolResult{Error: "unknown tool " + name}, nil
}

type docSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source,omitempty"`
	MimeType  string `json:"mime_type"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

func (t *Tool) list(ctx context.Context) strand.ToolResult {
	scope, ok := strand.CallScopeFrom(ctx)
	if !ok {
		return strand.ToolResult{Error: "no conversation scope"}
	}
	docs, err := t.store.ListDocuments(ctx, scope.UserID)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	out := make([]docSummary, len(docs))
	for i, d := range docs {
		out[i] = docSummary{ID: d.ID, Title: d.Title, Source: d.Source, MimeType: d.MimeType, Status: d.Status, CreatedAt: d.CreatedAt}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	return strand.ToolResult{Content: string(raw)}
}

func (t *Tool) info(ctx context.Context, args json.RawMessage) strand.ToolResult {
	id, err := parseDocumentID(args)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	doc, err := t.load(ctx, id)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	stages, err := t.store.Stages(ctx, doc.ID)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	chunks, err := t.store.Chunks(ctx, doc.ID)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}

	stageNames := make([]string, len(stages))
	for i, s := range stages {
		stageNames[i] = s.Stage
	}
	embedded := 0
	for _, c := range chunks {
		if c.EmbeddingGeneratedAt != 0 {
			embedded++
		}
	}
	out := struct {
		docSummary
		Stages         []string          `json:"stages"`
		ChunkCount     int               `json:"chunk_count"`
		EmbeddedChunks int               `json:"embedded_chunks"`
		Metadata       map[string]string `json:"metadata,omitempty"`
	}{
		docSummary:     docSummary{ID: doc.ID, Title: doc.Title, Source: doc.Source, MimeType: doc.MimeType, Status: doc.Status, CreatedAt: doc.CreatedAt},
		Stages:         stageNames,
		ChunkCount:     len(chunks),
		EmbeddedChunks: embedded,
		Metadata:       doc.Metadata,
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	return strand.ToolResult{Content: string(raw)}
}

type chunkView struct {
	Index        int    `json:"index"`
	SectionTitle string `json:"section_title,omitempty"`
	TokenCount   int    `json:"token_count"`
	Content      string `json:"content"`
}

func (t *Tool) getChunks(ctx context.Context, args json.RawMessage) strand.ToolResult {
	var params struct {
		DocumentID string `json:"document_id"`
		Offset     int    `json:"offset"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return strand.ToolResult{Error: "invalid args: " + err.Error()}
	}
	if _, err := t.load(ctx, params.DocumentID); err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	chunks, err := t.store.Chunks(ctx, params.DocumentID)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	if params.Offset > len(chunks) {
		params.Offset = len(chunks)
	}
	chunks = chunks[params.Offset:]
	if params.Limit > 0 && params.Limit < len(chunks) {
		chunks = chunks[:params.Limit]
	}
	out := make([]chunkView, len(chunks))
	for i, c := range chunks {
		out[i] = chunkView{Index: c.ChunkIndex, SectionTitle: c.SectionTitle, TokenCount: c.TokenCount, Content: c.Content}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	return strand.ToolResult{Content: string(raw)}
}

func (t *Tool) readFile(ctx context.Context, args json.RawMessage) strand.ToolResult {
	id, err := parseDocumentID(args)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	doc, err := t.load(ctx, id)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	stages, err := t.store.Stages(ctx, doc.ID)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	// Prefer the normalized pipeline output; fall back to raw content for
	// documents still in flight.
	text := doc.Content
	for i := range stages {
		if stages[i].Stage == strand.StageNormalized {
			text = stages[i].Content
			break
		}
	}
	if len(text) > maxReadBytes {
		text = text[:maxReadBytes] + "\n[truncated]"
	}
	return strand.ToolResult{Content: text}
}

type searchHit struct {
	DocumentID   string  `json:"document_id"`
	ChunkIndex   int     `json:"chunk_index"`
	SectionTitle string  `json:"section_title,omitempty"`
	Score        float64 `json:"score"`
	Content      string  `json:"content"`
}

func (t *Tool) search(ctx context.Context, args json.RawMessage) strand.ToolResult {
	var params struct {
		Query       string   `json:"query"`
		DocumentIDs []string `json:"document_ids"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return strand.ToolResult{Error: "invalid args: " + err.Error()}
	}
	if t.searcher == nil {
		return strand.ToolResult{Error: "document search is not configured"}
	}

	// No explicit scope searches all of the user's documents.
	ids := params.DocumentIDs
	if len(ids) == 0 {
		scope, ok := strand.CallScopeFrom(ctx)
		if !ok {
			return strand.ToolResult{Error: "no conversation scope"}
		}
		docs, err := t.store.ListDocuments(ctx, scope.UserID)
		if err != nil {
			return strand.ToolResult{Error: err.Error()}
		}
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
		if len(ids) == 0 {
			return strand.ToolResult{Content: "[]"}
		}
	}

	hits, err := t.searcher.Search(ctx, params.Query, ids)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	out := make([]searchHit, len(hits))
	for i, h := range hits {
		out[i] = searchHit{
			DocumentID:   h.Chunk.DocumentID,
			ChunkIndex:   h.Chunk.ChunkIndex,
			SectionTitle: h.Chunk.SectionTitle,
			Score:        h.Score,
			Content:      h.Chunk.Content,
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	return strand.ToolResult{Content: string(raw)}
}

// load fetches the document and checks the caller owns it.
func (t *Tool) load(ctx context.Context, id string) (*strand.Document, error) {
	doc, err := t.store.Document(ctx, id)
	if err != nil {
		return nil, err
	}
	if scope, ok := strand.CallScopeFrom(ctx); ok && doc.UserID != "" && doc.UserID != scope.UserID {
		return nil, fmt.Errorf("document %s not found", id)
	}
	return doc, nil
}

func parseDocumentID(args json.RawMessage) (string, error) {
	var params struct {
		DocumentID string `json:"document_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if params.DocumentID == "" {
		return "", fmt.Errorf("document_id is required")
	}
	return params.DocumentID, nil
}
