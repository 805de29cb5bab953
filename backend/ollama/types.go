// Package ollama implements the strand.Backend contract for an Ollama host:
// NDJSON chat streaming, native embeddings, and model management.
package ollama

import "encoding/json"

// --- Chat ---

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Tools    []wireTool     `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// wireMessage is the Ollama chat message. Images are inline base64 strings.
type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Thinking  string         `json:"thinking,omitempty"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"` // always "function"
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// wireToolCall carries arguments as a decoded JSON object, unlike the
// OpenAI dialect's string form. Ollama assigns no call ids.
type wireToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// chatFrame is one NDJSON line. The terminal frame has done=true and
// carries the token counts.
type chatFrame struct {
	Model           string       `json:"model"`
	Message         *wireMessage `json:"message,omitempty"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason,omitempty"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
}

// --- Embeddings ---

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// --- Model management ---

type pullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type pullFrame struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

type deleteRequest struct {
	Model string `json:"model"`
}

type showRequest struct {
	Model string `json:"model"`
}

type modelDetails struct {
	Family        string `json:"family"`
	ParameterSize string `json:"parameter_size"`
}

type showResponse struct {
	Details    modelDetails   `json:"details"`
	ModelInfo  map[string]any `json:"model_info,omitempty"`
	ModifiedAt string         `json:"modified_at,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name       string       `json:"name"`
		Size       int64        `json:"size"`
		Digest     string       `json:"digest"`
		ModifiedAt string       `json:"modified_at"`
		Details    modelDetails `json:"details"`
	} `json:"models"`
}
