package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/strandlabs/strand"
)

func testBackend(url string) strand.Backend {
	return New().WithConfig(strand.NormalizedConfig{
		Backend:   "anthropic",
		Model:     "claude-sonnet-4-5",
		BaseURL:   url,
		APIKey:    "sk-ant-test",
		MaxTokens: 1024,
	})
}

func TestExecuteParsesBlocks(t *testing.T) {
	var gotVersion, gotKey string
	var gotReq messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{
			"content":[
				{"type":"text","text":"Let me check."},
				{"type":"tool_use","id":"toolu_1","name":"lookup","input":{"q":"weather"}}
			],
			"stop_reason":"tool_use",
			"usage":{"input_tokens":30,"output_tokens":12}
		}`))
	}))
	defer srv.Close()

	resp, err := testBackend(srv.URL).Execute(context.Background(), strand.TurnContext{
		SystemPrompt: "Be brief.",
		Messages:     []strand.ChatMessage{{Role: "user", Content: "weather?"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotVersion != apiVersion {
		t.Errorf("anthropic-version = %q", gotVersion)
	}
	if gotKey != "sk-ant-test" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotReq.System != "Be brief." {
		t.Errorf("system = %q, want top-level field", gotReq.System)
	}
	if gotReq.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", gotReq.MaxTokens)
	}
	if resp.Content != "Let me check." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_1" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Args) != `{"q":"weather"}` {
		t.Errorf("args = %s", resp.ToolCalls[0].Args)
	}
	if resp.FinishReason != strand.FinishToolCalls {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.UsageMissing || resp.Usage.PromptTokens != 30 || resp.Usage.CompletionTokens != 12 {
		t.Errorf("usage = %+v missing=%v", resp.Usage, resp.UsageMissing)
	}
}

func TestStreamExecuteTypedEvents(t *testing.T) {
	stream := `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":15}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"It is "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"sunny."}}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"lookup"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}

event: message_stop
data: {"type":"message_stop"}

`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	var content, thinking string
	resp, err := testBackend(srv.URL).StreamExecute(context.Background(), strand.TurnContext{},
		func(text string, kind strand.ChunkKind) {
			if kind == strand.ChunkThinking {
				thinking += text
			} else {
				content += text
			}
		})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "It is sunny." || content != "It is sunny." {
		t.Errorf("content = %q, streamed %q", resp.Content, content)
	}
	if thinking != "hmm" {
		t.Errorf("thinking = %q", thinking)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Name != "lookup" || string(tc.Args) != `{"q":"x"}` {
		t.Errorf("tool call = %+v args=%s", tc, tc.Args)
	}
	if resp.FinishReason != strand.FinishToolCalls {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.UsageMissing || resp.Usage.PromptTokens != 15 || resp.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v missing=%v", resp.Usage, resp.UsageMissing)
	}
}

func TestStreamTruncatedToolBlockStillCloses(t *testing.T) {
	stream := `data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\""}}
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(stream))
	}))
	defer srv.Close()

	resp, err := testBackend(srv.URL).StreamExecute(context.Background(), strand.TurnContext{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	// Partial JSON never parsed; the call carries {} and the registry's
	// schema validation filters it.
	if string(resp.ToolCalls[0].Args) != "{}" {
		t.Errorf("args = %s", resp.ToolCalls[0].Args)
	}
	if !resp.UsageMissing {
		t.Error("usage should be missing on a truncated stream")
	}
}

func TestBuildBodyDialect(t *testing.T) {
	turn := strand.TurnContext{
		SystemPrompt: "sys",
		Messages: []strand.ChatMessage{
			{Role: "system", Content: "summary of earlier messages"},
			{Role: "user", Content: "go"},
			{Role: "assistant", ToolCalls: []strand.ToolCall{{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"q":1}`)}}},
			{Role: "tool", Content: "42", ToolCallID: "c1"},
		},
		Tools: []strand.ToolDefinition{{Name: "lookup"}},
	}
	body := buildBody(turn, strand.NormalizedConfig{Model: "claude-sonnet-4-5", TopK: 5})

	if len(body.Messages) != 4 {
		t.Fatalf("messages = %d", len(body.Messages))
	}
	// Planner summaries become user text, not a second system field.
	if body.Messages[0].Role != "user" || body.Messages[0].Content[0].Text != "summary of earlier messages" {
		t.Errorf("summary message = %+v", body.Messages[0])
	}
	asst := body.Messages[2]
	if asst.Role != "assistant" || asst.Content[0].Type != "tool_use" || asst.Content[0].ID != "c1" {
		t.Errorf("assistant message = %+v", asst)
	}
	result := body.Messages[3]
	if result.Role != "user" || result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "c1" {
		t.Errorf("tool result message = %+v", result)
	}
	if string(body.Tools[0].InputSchema) != `{"type":"object"}` {
		t.Errorf("empty schema default = %s", body.Tools[0].InputSchema)
	}
	if body.TopK == nil || *body.TopK != 5 {
		t.Errorf("top_k = %v", body.TopK)
	}
	// MaxTokens is required by the API; unset config falls back to the
	// model's completion limit.
	if body.MaxTokens <= 0 {
		t.Errorf("max_tokens = %d", body.MaxTokens)
	}
}

func TestExecuteAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error"}}`))
	}))
	defer srv.Close()

	_, err := testBackend(srv.URL).Execute(context.Background(), strand.TurnContext{})
	var he *strand.ErrHTTP
	if !errors.As(err, &he) || he.Status != 401 {
		t.Fatalf("err = %v", err)
	}
	if strand.Classify(err) != strand.KindAuth {
		t.Errorf("kind = %s", strand.Classify(err))
	}
}

func TestEmbeddingsUnsupported(t *testing.T) {
	b := New()
	if b.SupportsEmbeddings() {
		t.Error("anthropic does not serve embeddings")
	}
	if _, err := b.GenerateEmbeddings(context.Background(), []string{"x"}, ""); err == nil {
		t.Error("expected error")
	}
}
