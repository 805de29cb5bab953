package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/strandlabs/strand"
)

// Pipeline runs the four ingestion phases for a document: extract, clean,
// normalize, chunk. Each phase appends a stage record, so a re-run after a
// crash resumes at the first missing phase. Embedding runs as a separate
// job so chunking is never blocked on a provider.
type Pipeline struct {
	log        *slog.Logger
	store      strand.DocumentStore
	extractors *Extractors
	cleanSteps []CleanStep
	chunker    Chunker
	embedder   *Embedder
	queue      strand.Queue
}

type PipelineOption func(*Pipeline)

func WithPipelineLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithChunker replaces the default sliding-window strategy.
func WithChunker(c Chunker) PipelineOption {
	return func(p *Pipeline) { p.chunker = c }
}

func WithCleanSteps(steps []CleanStep) PipelineOption {
	return func(p *Pipeline) { p.cleanSteps = steps }
}

func NewPipeline(store strand.DocumentStore, embedder *Embedder, queue strand.Queue, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		log:        slog.New(slog.DiscardHandler),
		store:      store,
		extractors: NewExtractors(),
		cleanSteps: DefaultCleanSteps(),
		chunker:    NewSlidingWindowChunker(),
		embedder:   embedder,
		queue:      queue,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit stores a new document and enqueues its ingestion job.
func (p *Pipeline) Submit(ctx context.Context, doc *strand.Document) error {
	if doc.ID == "" {
		doc.ID = strand.NewID()
	}
	doc.Status = "pending"
	doc.CreatedAt = strand.NowUnix()
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("rag: submit document: %w", err)
	}
	return p.queue.Enqueue(ctx, strand.Job{Kind: strand.JobIngest, Key: doc.ID, Subject: doc.ID})
}

// IngestDocument is the ingest job handler.
func (p *Pipeline) IngestDocument(ctx context.Context, job strand.Job) error {
	doc, err := p.store.Document(ctx, job.Subject)
	if err != nil {
		return fmt.Errorf("rag: ingest: %w", err)
	}
	if doc.Status == "completed" {
		return nil
	}
	doc.Status = "processing"
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("rag: ingest: %w", err)
	}

	stages, err := p.store.Stages(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("rag: ingest: %w", err)
	}
	have := make(map[string]*strand.DocumentStage, len(stages))
	for i := range stages {
		have[stages[i].Stage] = &stages[i]
	}

	// Extract. A failure here is fatal for the document.
	extracted, ok := have[strand.StageExtracted]
	if !ok {
		res, err := p.extractors.Extract(doc.MimeType, []byte(doc.Content))
		if err != nil {
			p.fail(ctx, doc, err)
			return nil
		}
		meta := res.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		for i, w := range res.Warnings {
			meta["warning_"+strconv.Itoa(i)] = w
		}
		extracted = p.appendStage(ctx, doc.ID, strand.StageExtracted, res.Text, meta)
		if extracted == nil {
			return fmt.Errorf("rag: ingest: persisting extracted stage failed")
		}
	}

	// Clean.
	cleaned, ok := have[strand.StageCleaned]
	if !ok {
		text, changes := Clean(extracted.Content, p.cleanSteps)
		meta := make(map[string]string, len(changes))
		for step, n := range changes {
			meta[step] = strconv.Itoa(n)
		}
		cleaned = p.appendStage(ctx, doc.ID, strand.StageCleaned, text, meta)
		if cleaned == nil {
			return fmt.Errorf("rag: ingest: persisting cleaned stage failed")
		}
	}

	// Normalize: section detection.
	normalized, ok := have[strand.StageNormalized]
	var sections []Section
	if !ok {
		var text string
		text, sections = Normalize(cleaned.Content)
		meta := map[string]string{"sections": strconv.Itoa(len(sections))}
		for i, s := range sections {
			if s.Title != "" {
				meta["section_"+strconv.Itoa(i)] = s.Title
			}
		}
		normalized = p.appendStage(ctx, doc.ID, strand.StageNormalized, text, meta)
		if normalized == nil {
			return fmt.Errorf("rag: ingest: persisting normalized stage failed")
		}
	} else {
		_, sections = Normalize(normalized.Content)
	}

	// Chunk.
	if _, ok := have[strand.StageChunked]; !ok {
		chunks := p.chunker.Chunk(normalized.Content)
		records := make([]strand.DocumentChunk, len(chunks))
		for i, c := range chunks {
			records[i] = strand.DocumentChunk{
				ID:           strand.NewID(),
				DocumentID:   doc.ID,
				ChunkIndex:   i,
				Content:      c.Content,
				TokenCount:   c.TokenCount,
				StartOffset:  c.Start,
				EndOffset:    c.End,
				SectionTitle: sectionTitleAt(sections, c.Start),
				ChunkType:    "text",
				SparseVector: SparseVector(c.Content),
				ContentHash:  strand.HashContent(c.Content),
			}
		}
		if err := p.store.UpsertChunks(ctx, records); err != nil {
			return fmt.Errorf("rag: ingest: store chunks: %w", err)
		}
		meta := map[string]string{"chunks": strconv.Itoa(len(records))}
		if p.appendStage(ctx, doc.ID, strand.StageChunked, "", meta) == nil {
			return fmt.Errorf("rag: ingest: persisting chunked stage failed")
		}
	}

	doc.Status = "completed"
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("rag: ingest: %w", err)
	}
	p.log.Info("rag: document ingested", "document_id", doc.ID, "title", doc.Title)

	return p.queue.Enqueue(ctx, strand.Job{Kind: strand.JobEmbed, Key: doc.ID, Subject: doc.ID})
}

// EmbedDocument is the embedding job handler: it vectors every chunk that
// has no embedding yet. Exhausting the retry schedule flags the document
// instead of failing it, so retrieval degrades to sparse-only.
func (p *Pipeline) EmbedDocument(ctx context.Context, job strand.Job) error {
	doc, err := p.store.Document(ctx, job.Subject)
	if err != nil {
		return fmt.Errorf("rag: embed: %w", err)
	}
	chunks, err := p.store.Chunks(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("rag: embed: %w", err)
	}

	var pending []int
	for i := range chunks {
		if chunks[i].EmbeddingGeneratedAt == 0 {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	texts := make([]string, len(pending))
	for j, i := range pending {
		texts[j] = chunks[i].Content
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		if job.Attempt >= 2 {
			if doc.Metadata == nil {
				doc.Metadata = map[string]string{}
			}
			doc.Metadata["embedding_failed"] = "true"
			if uerr := p.store.UpdateDocument(ctx, doc); uerr != nil {
				p.log.Error("rag: flagging embedding failure", "document_id", doc.ID, "error", uerr)
			}
		}
		return fmt.Errorf("rag: embed: %w", err)
	}

	now := strand.NowUnix()
	updated := make([]strand.DocumentChunk, len(pending))
	for j, i := range pending {
		chunks[i].Embedding = vecs[j]
		chunks[i].EmbeddingModel = p.embedder.Model()
		chunks[i].EmbeddingGeneratedAt = now
		updated[j] = chunks[i]
	}
	if err := p.store.UpsertChunks(ctx, updated); err != nil {
		return fmt.Errorf("rag: embed: store chunks: %w", err)
	}
	p.log.Info("rag: document embedded", "document_id", doc.ID, "chunks", len(updated))
	return nil
}

func (p *Pipeline) appendStage(ctx context.Context, documentID, stage, content string, meta map[string]string) *strand.DocumentStage {
	s := &strand.DocumentStage{
		ID:         strand.NewID(),
		DocumentID: documentID,
		Stage:      stage,
		Content:    content,
		Metadata:   meta,
		CreatedAt:  strand.NowUnix(),
	}
	if err := p.store.AppendStage(ctx, s); err != nil {
		p.log.Error("rag: appending stage failed", "document_id", documentID, "stage", stage, "error", err)
		return nil
	}
	return s
}

func (p *Pipeline) fail(ctx context.Context, doc *strand.Document, cause error) {
	p.log.Error("rag: document ingestion failed", "document_id", doc.ID, "error", cause)
	doc.Status = "failed"
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	doc.Metadata["error"] = cause.Error()
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		p.log.Error("rag: marking document failed", "document_id", doc.ID, "error", err)
	}
}
