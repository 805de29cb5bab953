package strand

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// memStore is a full in-memory Store for engine and summarizer tests.
type memStore struct {
	mu        sync.Mutex
	agents    map[string]*Agent
	convs     map[string]*Conversation
	messages  map[string][]Message
	docs      map[string]*Document
	stages    map[string][]DocumentStage
	chunks    map[string][]DocumentChunk
	msgEmb    map[string]*MessageEmbedding
	cache     map[string][]float32
	summaries map[string]*ConversationSummary
	pages     map[string]*FetchedPage
}

func newMemStore() *memStore {
	return &memStore{
		agents:    make(map[string]*Agent),
		convs:     make(map[string]*Conversation),
		messages:  make(map[string][]Message),
		docs:      make(map[string]*Document),
		stages:    make(map[string][]DocumentStage),
		chunks:    make(map[string][]DocumentChunk),
		msgEmb:    make(map[string]*MessageEmbedding),
		cache:     make(map[string][]float32),
		summaries: make(map[string]*ConversationSummary),
		pages:     make(map[string]*FetchedPage),
	}
}

var _ Store = (*memStore)(nil)

func (s *memStore) Close() error { return nil }

func (s *memStore) CreateAgent(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *memStore) Agent(_ context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) UpdateAgent(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *memStore) SetAgentMetadata(_ context.Context, agentID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s not found", agentID)
	}
	if a.Metadata == nil {
		a.Metadata = make(map[string]string)
	}
	a.Metadata[key] = value
	return nil
}

func (s *memStore) CreateConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.convs[c.ID] = &cp
	return nil
}

func (s *memStore) Conversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) UpdateConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.convs[c.ID] = &cp
	return nil
}

func (s *memStore) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.convs {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) AppendMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Position = len(s.messages[m.ConversationID])
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], *m)
	return nil
}

func (s *memStore) Messages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[conversationID]...), nil
}

func (s *memStore) MessagesAfter(_ context.Context, conversationID string, after int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages[conversationID] {
		if m.Position > after {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) CreateDocument(_ context.Context, d *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.docs[d.ID] = &cp
	return nil
}

func (s *memStore) Document(_ context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) UpdateDocument(_ context.Context, d *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.docs[d.ID] = &cp
	return nil
}

func (s *memStore) ListDocuments(_ context.Context, userID string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, d := range s.docs {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) AppendStage(_ context.Context, st *DocumentStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[st.DocumentID] = append(s.stages[st.DocumentID], *st)
	return nil
}

func (s *memStore) Stages(_ context.Context, documentID string) ([]DocumentStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DocumentStage(nil), s.stages[documentID]...), nil
}

func (s *memStore) UpsertChunks(_ context.Context, chunks []DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		existing := s.chunks[c.DocumentID]
		replaced := false
		for i := range existing {
			if existing[i].ID == c.ID {
				existing[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, c)
		}
		s.chunks[c.DocumentID] = existing
	}
	return nil
}

func (s *memStore) Chunks(_ context.Context, documentID string) ([]DocumentChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]DocumentChunk(nil), s.chunks[documentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *memStore) SearchChunksDense(_ context.Context, embedding []float32, documentIDs []string, topK int, threshold float64) ([]ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredChunk
	for docID, chunks := range s.chunks {
		if len(documentIDs) > 0 && !containsStr(documentIDs, docID) {
			continue
		}
		for _, c := range chunks {
			if c.EmbeddingGeneratedAt == 0 {
				continue
			}
			score := cosine32(embedding, c.Embedding)
			if score >= threshold {
				out = append(out, ScoredChunk{Chunk: c, Score: score})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) SearchChunksKeyword(_ context.Context, query string, documentIDs []string, topK int) ([]ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredChunk
	for docID, chunks := range s.chunks {
		if len(documentIDs) > 0 && !containsStr(documentIDs, docID) {
			continue
		}
		for _, c := range chunks {
			if strings.Contains(strings.ToLower(c.Content), strings.ToLower(query)) {
				out = append(out, ScoredChunk{Chunk: c, Score: 1})
			}
		}
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) UpsertMessageEmbedding(_ context.Context, e *MessageEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.msgEmb[e.MessageID] = &cp
	return nil
}

func (s *memStore) SearchMessagesDense(_ context.Context, embedding []float32, conversationIDs []string, topK int, threshold float64) ([]ScoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredMessage
	for _, e := range s.msgEmb {
		if len(conversationIDs) > 0 && !containsStr(conversationIDs, e.ConversationID) {
			continue
		}
		score := cosine32(embedding, e.Embedding)
		if score < threshold {
			continue
		}
		for _, m := range s.messages[e.ConversationID] {
			if m.ID == e.MessageID {
				out = append(out, ScoredMessage{Message: m, Score: score})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) SearchMessagesKeyword(_ context.Context, query string, conversationIDs []string, topK int) ([]ScoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredMessage
	for cid, msgs := range s.messages {
		if len(conversationIDs) > 0 && !containsStr(conversationIDs, cid) {
			continue
		}
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), strings.ToLower(query)) {
				out = append(out, ScoredMessage{Message: m, Score: 1})
			}
		}
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) CachedEmbedding(_ context.Context, contentHash, model string) ([]float32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[contentHash+"\x00"+model]
	return v, ok, nil
}

func (s *memStore) PutEmbedding(_ context.Context, e *EmbeddingCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[e.ContentHash+"\x00"+e.EmbeddingModel] = e.Embedding
	return nil
}

func (s *memStore) ClaimSummaryRange(_ context.Context, sum *ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.summaries {
		if existing.ConversationID != sum.ConversationID || existing.Status == SummaryFailed {
			continue
		}
		if existing.FromPosition <= sum.ToPosition && existing.ToPosition >= sum.FromPosition {
			return fmt.Errorf("summary range [%d,%d] overlaps [%d,%d]",
				sum.FromPosition, sum.ToPosition, existing.FromPosition, existing.ToPosition)
		}
	}
	cp := *sum
	s.summaries[sum.ID] = &cp
	return nil
}

func (s *memStore) Summary(_ context.Context, id string) (*ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[id]
	if !ok {
		return nil, fmt.Errorf("summary %s not found", id)
	}
	cp := *sum
	return &cp, nil
}

func (s *memStore) UpdateSummary(_ context.Context, sum *ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sum
	s.summaries[sum.ID] = &cp
	return nil
}

func (s *memStore) CompletedSummaries(_ context.Context, conversationID string) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ConversationSummary
	for _, sum := range s.summaries {
		if sum.ConversationID == conversationID && sum.Status == SummaryCompleted {
			out = append(out, *sum)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromPosition < out[j].FromPosition })
	return out, nil
}

func (s *memStore) SavePage(_ context.Context, p *FetchedPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pages[p.ID] = &cp
	return nil
}

func (s *memStore) Page(_ context.Context, id string) (*FetchedPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("page %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func containsStr(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- Fake backend ---

const fakeReply = "This is a fake response."

// fakeBackend is a scripted driver: each Execute/StreamExecute pops the next
// scripted response, falling back to an echo reply with a 5/5 token split.
type fakeBackend struct {
	mu     sync.Mutex
	script []Response
	turns  []TurnContext
	cfg    NormalizedConfig

	// onStream, when set, runs between streamed chunks so tests can race
	// side effects against an in-flight StreamExecute.
	onStream func()
}

var _ Backend = (*fakeBackend)(nil)

func (f *fakeBackend) push(r Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, r)
}

func (f *fakeBackend) next(turn TurnContext) Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return r
	}
	return Response{
		Content:      fakeReply,
		FinishReason: FinishStop,
		Usage:        Usage{PromptTokens: 5, CompletionTokens: 5},
	}
}

func (f *fakeBackend) lastTurn() TurnContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[len(f.turns)-1]
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Execute(_ context.Context, turn TurnContext) (Response, error) {
	return f.next(turn), nil
}

func (f *fakeBackend) StreamExecute(_ context.Context, turn TurnContext, sink StreamSink) (Response, error) {
	resp := f.next(turn)
	if sink != nil && resp.Content != "" {
		half := len(resp.Content) / 2
		sink(resp.Content[:half], ChunkContent)
		if f.onStream != nil {
			f.onStream()
		}
		sink(resp.Content[half:], ChunkContent)
	} else if f.onStream != nil {
		f.onStream()
	}
	return resp, nil
}

func (f *fakeBackend) CountTokens(text string) int { return EstimateTokens(text) }

func (f *fakeBackend) ContextLimit() int {
	if f.cfg.ContextLimit > 0 {
		return f.cfg.ContextLimit
	}
	return 8192
}

func (f *fakeBackend) SupportsEmbeddings() bool { return true }

func (f *fakeBackend) GenerateEmbeddings(_ context.Context, texts []string, _ string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 4)
		for j, r := range t {
			v[j%4] += float32(r % 13)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeBackend) EmbeddingDimensions(string) int { return 4 }

func (f *fakeBackend) SupportsModelManagement() bool { return false }

func (f *fakeBackend) PullModel(context.Context, string, func(PullProgress)) error {
	return fmt.Errorf("fake: model management not supported")
}

func (f *fakeBackend) DeleteModel(context.Context, string) error {
	return fmt.Errorf("fake: model management not supported")
}

func (f *fakeBackend) ShowModel(context.Context, string) (ModelInfo, error) {
	return ModelInfo{}, fmt.Errorf("fake: model management not supported")
}

func (f *fakeBackend) ListModels(context.Context, bool) ([]ModelInfo, error) { return nil, nil }

func (f *fakeBackend) Disconnect() error { return nil }

// WithConfig records cfg and returns the same instance so tests can inspect
// the calls made through the clone.
func (f *fakeBackend) WithConfig(cfg NormalizedConfig) Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	return f
}

// --- Inline queue ---

// inlineQueue runs handlers synchronously inside Enqueue so tests observe
// turn side effects without timing games.
type inlineQueue struct {
	handlers map[string]Handler
}

func newInlineQueue() *inlineQueue {
	return &inlineQueue{handlers: make(map[string]Handler)}
}

var _ Queue = (*inlineQueue)(nil)

func (q *inlineQueue) Register(kind string, h Handler) { q.handlers[kind] = h }

func (q *inlineQueue) Enqueue(ctx context.Context, job Job) error {
	h := q.handlers[job.Kind]
	if h == nil {
		return nil
	}
	return h(ctx, job)
}

// --- Scripted tool ---

type scriptedTool struct {
	defs []ToolDefinition
	fn   func(name string, args json.RawMessage) ToolResult
}

func (t *scriptedTool) Definitions() []ToolDefinition { return t.defs }

func (t *scriptedTool) Execute(_ context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return t.fn(name, args), nil
}
