package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/strandlabs/strand"
)

// docStore is a full in-memory DocumentStore for pipeline tests.
type docStore struct {
	docs   map[string]strand.Document
	stages []strand.DocumentStage
	chunks map[string]strand.DocumentChunk
}

var _ strand.DocumentStore = (*docStore)(nil)

func newDocStore() *docStore {
	return &docStore{
		docs:   make(map[string]strand.Document),
		chunks: make(map[string]strand.DocumentChunk),
	}
}

func (s *docStore) CreateDocument(_ context.Context, d *strand.Document) error {
	s.docs[d.ID] = *d
	return nil
}

func (s *docStore) Document(_ context.Context, id string) (*strand.Document, error) {
	d, ok := s.docs[id]
	if !ok {
		return nil, errors.New("document not found")
	}
	return &d, nil
}

func (s *docStore) UpdateDocument(_ context.Context, d *strand.Document) error {
	s.docs[d.ID] = *d
	return nil
}

func (s *docStore) ListDocuments(_ context.Context, userID string) ([]strand.Document, error) {
	var out []strand.Document
	for _, d := range s.docs {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *docStore) AppendStage(_ context.Context, st *strand.DocumentStage) error {
	s.stages = append(s.stages, *st)
	return nil
}

func (s *docStore) Stages(_ context.Context, documentID string) ([]strand.DocumentStage, error) {
	var out []strand.DocumentStage
	for _, st := range s.stages {
		if st.DocumentID == documentID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *docStore) UpsertChunks(_ context.Context, chunks []strand.DocumentChunk) error {
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *docStore) Chunks(_ context.Context, documentID string) ([]strand.DocumentChunk, error) {
	var out []strand.DocumentChunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *docStore) SearchChunksDense(context.Context, []float32, []string, int, float64) ([]strand.ScoredChunk, error) {
	return nil, nil
}

func (s *docStore) SearchChunksKeyword(context.Context, string, []string, int) ([]strand.ScoredChunk, error) {
	return nil, nil
}

func (s *docStore) stageNames(documentID string) []string {
	var out []string
	for _, st := range s.stages {
		if st.DocumentID == documentID {
			out = append(out, st.Stage)
		}
	}
	return out
}

// recordQueue captures enqueued jobs.
type recordQueue struct {
	jobs []strand.Job
}

func (q *recordQueue) Enqueue(_ context.Context, job strand.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func pipelineFixture(t *testing.T, opts ...PipelineOption) (*Pipeline, *docStore, *recordQueue, *embedBackend) {
	t.Helper()
	store := newDocStore()
	queue := &recordQueue{}
	backend := &embedBackend{}
	embedder := NewEmbedder(backend, newMemCache(), WithEmbeddingModel("m"))
	return NewPipeline(store, embedder, queue, opts...), store, queue, backend
}

func TestSubmitAssignsIDAndEnqueuesIngest(t *testing.T) {
	p, store, queue, _ := pipelineFixture(t)

	doc := &strand.Document{Title: "Notes", MimeType: "text/plain", Content: "some text"}
	if err := p.Submit(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if doc.ID == "" {
		t.Fatal("no id assigned")
	}
	stored, err := store.Document(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != "pending" {
		t.Errorf("status = %s", stored.Status)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].Kind != strand.JobIngest || queue.jobs[0].Subject != doc.ID {
		t.Errorf("jobs = %+v", queue.jobs)
	}
}

func TestIngestRunsAllPhases(t *testing.T) {
	p, store, queue, _ := pipelineFixture(t)

	content := "# Overview\n\nThe system ingests documents in phases.\n\n## Details\n\nEach phase appends a stage record for resumability."
	doc := &strand.Document{Title: "Design", MimeType: "text/markdown", Content: content}
	if err := p.Submit(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if err := p.IngestDocument(context.Background(), strand.Job{Kind: strand.JobIngest, Subject: doc.ID}); err != nil {
		t.Fatal(err)
	}

	names := store.stageNames(doc.ID)
	want := []string{strand.StageExtracted, strand.StageCleaned, strand.StageNormalized, strand.StageChunked}
	if len(names) != len(want) {
		t.Fatalf("stages = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, names[i], want[i])
		}
	}

	stored, _ := store.Document(context.Background(), doc.ID)
	if stored.Status != "completed" {
		t.Errorf("status = %s", stored.Status)
	}

	chunks, _ := store.Chunks(context.Background(), doc.ID)
	if len(chunks) == 0 {
		t.Fatal("no chunks stored")
	}
	for _, c := range chunks {
		if c.ContentHash == "" || c.SparseVector == nil {
			t.Errorf("chunk missing sparse fields: %+v", c)
		}
		if len(c.Embedding) != 0 {
			t.Error("ingest must not embed; that is the embed job's work")
		}
	}

	// Ingest finishes by queueing the embed job.
	last := queue.jobs[len(queue.jobs)-1]
	if last.Kind != strand.JobEmbed || last.Subject != doc.ID {
		t.Errorf("last job = %+v", last)
	}
}

func TestIngestResumesFromExistingStages(t *testing.T) {
	p, store, _, _ := pipelineFixture(t)

	doc := &strand.Document{MimeType: "text/plain", Content: "original raw text"}
	if err := p.Submit(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	// A prior run already extracted different text. The re-run must build on
	// the persisted stage, not re-extract.
	store.stages = append(store.stages, strand.DocumentStage{
		ID: strand.NewID(), DocumentID: doc.ID,
		Stage: strand.StageExtracted, Content: "persisted extraction wins",
		CreatedAt: strand.NowUnix(),
	})

	if err := p.IngestDocument(context.Background(), strand.Job{Subject: doc.ID}); err != nil {
		t.Fatal(err)
	}
	chunks, _ := store.Chunks(context.Background(), doc.ID)
	if len(chunks) != 1 || !strings.Contains(chunks[0].Content, "persisted extraction wins") {
		t.Errorf("chunks = %+v", chunks)
	}
	names := store.stageNames(doc.ID)
	if len(names) != 4 || names[0] != strand.StageExtracted {
		t.Errorf("stages = %v", names)
	}
}

func TestIngestCompletedDocumentIsNoop(t *testing.T) {
	p, store, _, _ := pipelineFixture(t)

	doc := &strand.Document{MimeType: "text/plain", Content: "x"}
	if err := p.Submit(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	stored, _ := store.Document(context.Background(), doc.ID)
	stored.Status = "completed"
	store.UpdateDocument(context.Background(), stored)

	if err := p.IngestDocument(context.Background(), strand.Job{Subject: doc.ID}); err != nil {
		t.Fatal(err)
	}
	if len(store.stageNames(doc.ID)) != 0 {
		t.Error("completed document re-ingested")
	}
}

func TestIngestBadJSONMarksDocumentFailed(t *testing.T) {
	p, store, _, _ := pipelineFixture(t)

	doc := &strand.Document{MimeType: "application/json", Content: "{not json"}
	if err := p.Submit(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	// Extraction failures are terminal, not retried, so the handler returns nil.
	if err := p.IngestDocument(context.Background(), strand.Job{Subject: doc.ID}); err != nil {
		t.Fatal(err)
	}
	stored, _ := store.Document(context.Background(), doc.ID)
	if stored.Status != "failed" {
		t.Errorf("status = %s", stored.Status)
	}
	if stored.Metadata["error"] == "" {
		t.Error("failure cause not recorded")
	}
}

func TestEmbedDocumentVectorsPendingChunks(t *testing.T) {
	p, store, _, backend := pipelineFixture(t)

	doc := &strand.Document{MimeType: "text/plain", Content: "short document body"}
	if err := p.Submit(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if err := p.IngestDocument(context.Background(), strand.Job{Subject: doc.ID}); err != nil {
		t.Fatal(err)
	}
	if err := p.EmbedDocument(context.Background(), strand.Job{Kind: strand.JobEmbed, Subject: doc.ID}); err != nil {
		t.Fatal(err)
	}

	chunks, _ := store.Chunks(context.Background(), doc.ID)
	for _, c := range chunks {
		if len(c.Embedding) == 0 || c.EmbeddingModel != "m" || c.EmbeddingGeneratedAt == 0 {
			t.Errorf("chunk not embedded: %+v", c)
		}
	}
	calls := backend.calls

	// Everything embedded, so a re-run never calls the provider.
	if err := p.EmbedDocument(context.Background(), strand.Job{Subject: doc.ID}); err != nil {
		t.Fatal(err)
	}
	if backend.calls != calls {
		t.Errorf("provider calls = %d after no-op re-run, want %d", backend.calls, calls)
	}
}

func TestEmbedFailureFlagsDocumentOnFinalAttempt(t *testing.T) {
	p, store, _, backend := pipelineFixture(t)

	doc := &strand.Document{MimeType: "text/plain", Content: "body"}
	if err := p.Submit(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if err := p.IngestDocument(context.Background(), strand.Job{Subject: doc.ID}); err != nil {
		t.Fatal(err)
	}
	backend.fail = true

	if err := p.EmbedDocument(context.Background(), strand.Job{Subject: doc.ID, Attempt: 0}); err == nil {
		t.Fatal("expected error")
	}
	stored, _ := store.Document(context.Background(), doc.ID)
	if stored.Metadata["embedding_failed"] != "" {
		t.Error("flagged before the final attempt")
	}

	if err := p.EmbedDocument(context.Background(), strand.Job{Subject: doc.ID, Attempt: 2}); err == nil {
		t.Fatal("expected error")
	}
	stored, _ = store.Document(context.Background(), doc.ID)
	if stored.Metadata["embedding_failed"] != "true" {
		t.Errorf("metadata = %+v", stored.Metadata)
	}
}

func TestExtractCSVAndJSON(t *testing.T) {
	e := NewExtractors()

	res, err := e.Extract("text/csv", []byte("name,role\nalice,admin\nbob,viewer\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "name: alice") || !strings.Contains(res.Text, "role: viewer") {
		t.Errorf("csv text = %q", res.Text)
	}
	if res.Metadata["rows"] != "2" {
		t.Errorf("metadata = %+v", res.Metadata)
	}

	res, err = e.Extract("application/json", []byte(`{"service":{"name":"strand","replicas":3},"tags":["a","b"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "service.name: strand") || !strings.Contains(res.Text, "tags[1]: b") {
		t.Errorf("json text = %q", res.Text)
	}
	if !strings.Contains(res.Text, "service.replicas: 3") {
		t.Errorf("json text = %q", res.Text)
	}
}

func TestExtractUnknownMIMEFallsBackToPlainText(t *testing.T) {
	e := NewExtractors()
	res, err := e.Extract("application/x-unknown", []byte("raw bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "raw bytes" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestExtractMarkdownKeepsHeadings(t *testing.T) {
	e := NewExtractors()
	res, err := e.Extract("text/markdown; charset=utf-8", []byte("# Title\n\nBody text here.\n\n## Sub\n\nMore."))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "# Title") || !strings.Contains(res.Text, "## Sub") {
		t.Errorf("text = %q", res.Text)
	}
	if res.Metadata["headings"] != "Title | Sub" {
		t.Errorf("metadata = %+v", res.Metadata)
	}
}
