package strand

import "context"

// ChunkKind distinguishes streamed text: answer content vs. reasoning.
type ChunkKind string

const (
	ChunkContent  ChunkKind = "content"
	ChunkThinking ChunkKind = "thinking"
)

// StreamSink receives incremental text during StreamExecute. Sinks must not
// block: backpressure to clients is the broadcaster's concern, not the
// driver's.
type StreamSink func(text string, kind ChunkKind)

// FinishReason is the normalized end-of-response code.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
)

// TurnContext is everything a driver needs for one completion call.
type TurnContext struct {
	Messages     []ChatMessage
	Tools        []ToolDefinition
	SystemPrompt string
	RequestTurn  int
	MaxTurns     int
}

// Response is the aggregate result of a completion call, streaming or not.
type Response struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        Usage

	// UsageMissing is set when the provider did not report token counts;
	// the counts are recorded as 0, never estimated.
	UsageMissing bool
}

// ModelInfo describes a model known to a backend.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Family     string `json:"family,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// PullProgress reports model download progress.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Backend is the provider-agnostic driver contract. Implementations are
// independent wire adapters; shared behavior lives in free functions, not a
// type hierarchy.
//
// A Backend instance owns its transport. WithConfig returns a clone bound
// to a per-request config so concurrent turns never share mutable state,
// and Disconnect releases the clone's transport idempotently.
type Backend interface {
	// Name returns the backend key (e.g. "openai", "anthropic", "ollama").
	Name() string

	// Execute performs a non-streaming completion.
	Execute(ctx context.Context, turn TurnContext) (Response, error)

	// StreamExecute streams text into sink and returns the same aggregate
	// Response as Execute once the stream terminates. Cancelling ctx aborts
	// the underlying transport.
	StreamExecute(ctx context.Context, turn TurnContext, sink StreamSink) (Response, error)

	// CountTokens estimates the token count of text for the bound model.
	CountTokens(text string) int

	// ContextLimit returns the bound model's context window in tokens.
	ContextLimit() int

	// SupportsEmbeddings reports whether GenerateEmbeddings is available.
	SupportsEmbeddings() bool

	// GenerateEmbeddings embeds texts with the given model (empty = backend
	// default). Only valid when SupportsEmbeddings is true.
	GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)

	// EmbeddingDimensions returns the vector size for the given embedding
	// model (empty = backend default).
	EmbeddingDimensions(model string) int

	// SupportsModelManagement reports whether Pull/Delete/Show are available.
	SupportsModelManagement() bool

	// PullModel downloads a model, reporting progress to sink (may be nil).
	PullModel(ctx context.Context, name string, sink func(PullProgress)) error

	// DeleteModel removes a model from the backend host.
	DeleteModel(ctx context.Context, name string) error

	// ShowModel returns details for one model.
	ShowModel(ctx context.Context, name string) (ModelInfo, error)

	// ListModels enumerates available models. When detailed is true,
	// implementations may issue additional per-model requests.
	ListModels(ctx context.Context, detailed bool) ([]ModelInfo, error)

	// Disconnect releases transport resources. Safe to call repeatedly.
	Disconnect() error

	// WithConfig returns an independent clone bound to cfg. The receiver is
	// not mutated.
	WithConfig(cfg NormalizedConfig) Backend
}

// NormalizeFinishReason maps a provider finish code to the canonical set.
// A non-empty decoded tool-call list always wins over the provider's code.
func NormalizeFinishReason(raw string, toolCalls int) FinishReason {
	if toolCalls > 0 {
		return FinishToolCalls
	}
	switch raw {
	case "length", "max_tokens", "max_output_tokens":
		return FinishLength
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	default:
		return FinishStop
	}
}
