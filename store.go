package strand

import "context"

// Store interfaces are narrow and per-consumer; the store/postgres and
// store/sqlite packages implement all of them behind one type. Callers
// depend only on the slice they use so tests can fake a single concern.

// AgentStore persists agent personas. SetAgentMetadata is the todo tool's
// backing write and must be atomic per key.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	Agent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	SetAgentMetadata(ctx context.Context, agentID, key, value string) error
}

// ConversationStore persists conversations and their append-only message
// logs. AppendMessage assigns Position under a per-conversation lock so
// concurrent writers serialize; the assigned position is written back to m.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	Conversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, c *Conversation) error
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)

	AppendMessage(ctx context.Context, m *Message) error
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	MessagesAfter(ctx context.Context, conversationID string, after int) ([]Message, error)
}

// ScoredChunk is a retrieval hit with its strategy-specific score.
type ScoredChunk struct {
	Chunk DocumentChunk
	Score float64
}

// ScoredMessage is a conversation-memory retrieval hit.
type ScoredMessage struct {
	Message Message
	Score   float64
}

// DocumentStore persists documents, their pipeline stages, and chunks.
// Stages are append-only per document.
type DocumentStore interface {
	CreateDocument(ctx context.Context, d *Document) error
	Document(ctx context.Context, id string) (*Document, error)
	UpdateDocument(ctx context.Context, d *Document) error
	ListDocuments(ctx context.Context, userID string) ([]Document, error)

	AppendStage(ctx context.Context, s *DocumentStage) error
	Stages(ctx context.Context, documentID string) ([]DocumentStage, error)

	UpsertChunks(ctx context.Context, chunks []DocumentChunk) error
	Chunks(ctx context.Context, documentID string) ([]DocumentChunk, error)

	// SearchChunksDense ranks chunks by cosine similarity to embedding,
	// scoped to documentIDs (empty = all of the user's documents).
	SearchChunksDense(ctx context.Context, embedding []float32, documentIDs []string, topK int, threshold float64) ([]ScoredChunk, error)

	// SearchChunksKeyword ranks chunks by keyword match against query.
	SearchChunksKeyword(ctx context.Context, query string, documentIDs []string, topK int) ([]ScoredChunk, error)
}

// MessageEmbeddingStore persists embeddings of user and assistant messages
// for conversation-memory recall.
type MessageEmbeddingStore interface {
	UpsertMessageEmbedding(ctx context.Context, e *MessageEmbedding) error
	SearchMessagesDense(ctx context.Context, embedding []float32, conversationIDs []string, topK int, threshold float64) ([]ScoredMessage, error)
	SearchMessagesKeyword(ctx context.Context, query string, conversationIDs []string, topK int) ([]ScoredMessage, error)
}

// EmbeddingCache is a process-external (content hash, model) → vector cache
// with insert-or-update semantics, safe for concurrent upsert.
type EmbeddingCache interface {
	CachedEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, e *EmbeddingCacheEntry) error
}

// SummaryStore persists conversation summary rollups. ClaimSummaryRange
// creates a pending summary for [from, to] under the conversation lock and
// fails if the range overlaps an existing non-failed summary.
type SummaryStore interface {
	ClaimSummaryRange(ctx context.Context, s *ConversationSummary) error
	Summary(ctx context.Context, id string) (*ConversationSummary, error)
	UpdateSummary(ctx context.Context, s *ConversationSummary) error
	CompletedSummaries(ctx context.Context, conversationID string) ([]ConversationSummary, error)
}

// FetchedPageStore persists web_fetch results.
type FetchedPageStore interface {
	SavePage(ctx context.Context, p *FetchedPage) error
	Page(ctx context.Context, id string) (*FetchedPage, error)
}

// Store is the full persistence surface, implemented by store/postgres and
// store/sqlite.
type Store interface {
	AgentStore
	ConversationStore
	DocumentStore
	MessageEmbeddingStore
	EmbeddingCache
	SummaryStore
	FetchedPageStore

	Close() error
}
