package strand

import "encoding/json"

// --- Domain types (database records) ---

// Agent is a named persona: instructions, a backend, optional parameter
// overrides, and a configured tool set.
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Instructions string            `json:"instructions"`
	BackendKey   string            `json:"backend_key"`
	ModelParams  *ModelParams      `json:"model_params,omitempty"`
	Tools        []ToolDefinition  `json:"tools,omitempty"`
	MemoryRecall bool              `json:"memory_recall"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    int64             `json:"created_at"`
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusIdle      ConversationStatus = "idle"
	StatusActive    ConversationStatus = "active"
	StatusPaused    ConversationStatus = "paused"
	StatusCompleted ConversationStatus = "completed"
	StatusCancelled ConversationStatus = "cancelled"
	StatusFailed    ConversationStatus = "failed"
)

// Terminal reports whether no further turns may run in this status.
func (s ConversationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// WaitingForToolResult is the only waiting_for value: set while the
// conversation is paused on a client-executed tool.
const WaitingForToolResult = "tool_result"

// Conversation is exclusively owned by a user and advances turn by turn.
// Invariant: Status == StatusPaused iff PendingToolRequest != nil.
type Conversation struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	AgentID          string             `json:"agent_id"`
	Status           ConversationStatus `json:"status"`
	TurnCount        int                `json:"turn_count"`
	RequestTurnCount int                `json:"request_turn_count"`
	MaxTurns         int                `json:"max_turns"`
	PromptTokens     int                `json:"tokens_prompt"`
	CompletionTokens int                `json:"tokens_completion"`

	// PendingToolRequest is the serialized tool call awaiting a client
	// result. Non-nil iff Status == StatusPaused.
	PendingToolRequest *ToolCall `json:"pending_tool_request,omitempty"`
	WaitingFor         string    `json:"waiting_for,omitempty"`

	// ClientTools are the tool definitions the remote client advertised at
	// session start. Calls to these names pause the conversation.
	ClientTools []ToolDefinition `json:"client_tools,omitempty"`

	// First-turn audit snapshot.
	SystemPromptSnapshot string          `json:"system_prompt_snapshot,omitempty"`
	ConfigSnapshot       json.RawMessage `json:"model_config_snapshot,omitempty"`

	// DocumentIDs scope RAG retrieval for this conversation.
	DocumentIDs []string `json:"document_ids,omitempty"`

	CancelledAt int64 `json:"cancelled_at,omitempty"`
	CreatedAt   int64 `json:"created_at"`
	UpdatedAt   int64 `json:"updated_at"`
}

// Message is one entry in a conversation's append-only log. Position is
// dense and strictly increasing within a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Position       int         `json:"position"`
	Role           string      `json:"role"` // system, user, assistant, tool
	Content        string      `json:"content"`
	ToolCalls      []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID     string      `json:"tool_call_id,omitempty"`
	ToolName       string      `json:"tool_name,omitempty"`
	Thinking       string      `json:"thinking,omitempty"`
	TokenCount     int         `json:"token_count"`
	Images         []ImageData `json:"images,omitempty"`
	CreatedAt      int64       `json:"created_at"`
}

// Document is an ingested source for RAG. Stages record pipeline progress.
type Document struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Source    string            `json:"source"`
	MimeType  string            `json:"mime_type"`
	Content   string            `json:"content"`
	Status    string            `json:"status"` // pending, processing, completed, failed
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Document pipeline phases, one DocumentStage per phase, append-only.
const (
	StageExtracted  = "extracted"
	StageCleaned    = "cleaned"
	StageNormalized = "normalized"
	StageChunked    = "chunked"
)

// DocumentStage is the output of one pipeline phase for a document.
type DocumentStage struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Stage      string            `json:"stage"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  int64             `json:"created_at"`
}

// DocumentChunk is an embeddable slice of a document's normalized text.
// StartOffset/EndOffset index into the normalized stage content.
type DocumentChunk struct {
	ID                   string             `json:"id"`
	DocumentID           string             `json:"document_id"`
	ChunkIndex           int                `json:"chunk_index"`
	Content              string             `json:"content"`
	TokenCount           int                `json:"token_count"`
	StartOffset          int                `json:"start_offset"`
	EndOffset            int                `json:"end_offset"`
	SectionTitle         string             `json:"section_title,omitempty"`
	ChunkType            string             `json:"chunk_type,omitempty"`
	Embedding            []float32          `json:"-"`
	EmbeddingModel       string             `json:"embedding_model,omitempty"`
	EmbeddingGeneratedAt int64              `json:"embedding_generated_at,omitempty"`
	SparseVector         map[string]float32 `json:"sparse_vector,omitempty"`
	ContentHash          string             `json:"content_hash,omitempty"`
	Language             string             `json:"language,omitempty"`
}

// MessageEmbedding is a dense+sparse embedding of a user or assistant
// message, used for conversation-memory recall.
type MessageEmbedding struct {
	MessageID      string             `json:"message_id"`
	ConversationID string             `json:"conversation_id"`
	Embedding      []float32          `json:"-"`
	EmbeddingModel string             `json:"embedding_model"`
	SparseVector   map[string]float32 `json:"sparse_vector,omitempty"`
	ContentHash    string             `json:"content_hash"`
	CreatedAt      int64              `json:"created_at"`
}

// Summary rollup states.
const (
	SummaryPending    = "pending"
	SummaryProcessing = "processing"
	SummaryCompleted  = "completed"
	SummaryFailed     = "failed"
)

// ConversationSummary is a rolled-up digest of the contiguous message range
// [FromPosition, ToPosition]. Completed summaries replace their range during
// context planning. Completed ranges never overlap per conversation.
type ConversationSummary struct {
	ID                   string   `json:"id"`
	ConversationID       string   `json:"conversation_id"`
	FromPosition         int      `json:"from_position"`
	ToPosition           int      `json:"to_position"`
	Status               string   `json:"status"`
	Content              string   `json:"content"`
	TokenCount           int      `json:"token_count"`
	OriginalTokenCount   int      `json:"original_token_count"`
	BackendUsed          string   `json:"backend_used,omitempty"`
	ModelUsed            string   `json:"model_used,omitempty"`
	SummarizedMessageIDs []string `json:"summarized_message_ids,omitempty"`
	CreatedAt            int64    `json:"created_at"`
	CompletedAt          int64    `json:"completed_at,omitempty"`
}

// EmbeddingCacheEntry caches a vector by (content hash, model).
type EmbeddingCacheEntry struct {
	ContentHash    string    `json:"content_hash"`
	EmbeddingModel string    `json:"embedding_model"`
	Embedding      []float32 `json:"-"`
	CreatedAt      int64     `json:"created_at"`
}

// FetchedPage is the stored result of a web_fetch tool call. Pages are
// ingested through the RAG pipeline like uploaded documents.
type FetchedPage struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	DocumentID string `json:"document_id,omitempty"`
	FetchedAt  int64  `json:"fetched_at"`
}

// --- LLM protocol types ---

// ChatMessage is the provider-agnostic wire message.
type ChatMessage struct {
	Role       string      `json:"role"` // system, user, assistant, tool
	Content    string      `json:"content"`
	Images     []ImageData `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Thinking   string      `json:"thinking,omitempty"`
}

// ImageData is an image content part: either a URL or inline base64.
type ImageData struct {
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
}

// ToolCall is the canonical decoded tool invocation, the same shape
// regardless of which provider wire format produced it.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult is the outcome of a tool execution. An empty Error means
// success.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Success reports whether the execution succeeded.
func (r ToolResult) Success() bool { return r.Error == "" }

// Text returns the content the model should see: the output on success,
// the error message otherwise.
func (r ToolResult) Text() string {
	if r.Error != "" {
		return "error: " + r.Error
	}
	return r.Content
}

// ToolDefinition describes a callable tool: name, description, and a JSON
// Schema for its arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
