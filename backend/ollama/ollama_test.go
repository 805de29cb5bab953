package ollama

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
		Backend:      "ollama",
		Model:        "llama3.2",
		BaseURL:      url,
		MaxTokens:    256,
		ContextLimit: 8192,
	})
}

func TestStreamExecuteNDJSON(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"message":{"role":"assistant","content":"Hel"},"done":false}
{"message":{"role":"assistant","content":"lo"},"done":false}
{"message":{"role":"assistant","thinking":"pondering"},"done":false}
{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":11,"eval_count":4}
`))
	}))
	defer srv.Close()

	var content string
	resp, err := testBackend(srv.URL).StreamExecute(context.Background(), strand.TurnContext{
		Messages: []strand.ChatMessage{{Role: "user", Content: "hi"}},
	}, func(text string, kind strand.ChunkKind) {
		if kind == strand.ChunkContent {
			content += text
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !gotReq.Stream {
		t.Error("stream flag not set")
	}
	if gotReq.Options["num_predict"] != float64(256) || gotReq.Options["num_ctx"] != float64(8192) {
		t.Errorf("options = %v", gotReq.Options)
	}
	if resp.Content != "Hello" || content != "Hello" {
		t.Errorf("content = %q, streamed %q", resp.Content, content)
	}
	if resp.Thinking != "pondering" {
		t.Errorf("thinking = %q", resp.Thinking)
	}
	if resp.FinishReason != strand.FinishStop {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.UsageMissing || resp.Usage.PromptTokens != 11 || resp.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v missing=%v", resp.Usage, resp.UsageMissing)
	}
}

func TestExecuteMintsToolCallIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","tool_calls":[{"function":{"name":"lookup","arguments":{"q":"a"}}},{"function":{"name":"lookup","arguments":{"q":"b"}}}]},"done":true,"done_reason":"stop"}` + "\n"))
	}))
	defer srv.Close()

	resp, err := testBackend(srv.URL).Execute(context.Background(), strand.TurnContext{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].ID != "call_0" || resp.ToolCalls[1].ID != "call_1" {
		t.Errorf("ids = %s, %s, want synthetic sequence", resp.ToolCalls[0].ID, resp.ToolCalls[1].ID)
	}
	if string(resp.ToolCalls[0].Args) != `{"q":"a"}` {
		t.Errorf("args = %s", resp.ToolCalls[0].Args)
	}
	// Decoded tool calls override the provider's stop reason.
	if resp.FinishReason != strand.FinishToolCalls {
		t.Errorf("finish = %s", resp.FinishReason)
	}
}

func TestGenerateEmbeddings(t *testing.T) {
	var gotReq embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer srv.Close()

	vecs, err := testBackend(srv.URL).GenerateEmbeddings(context.Background(), []string{"a", "b"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if gotReq.Model != "nomic-embed-text" {
		t.Errorf("model = %s, want embedding default", gotReq.Model)
	}
	if len(vecs) != 2 || vecs[1][1] != 0.4 {
		t.Errorf("vectors = %v", vecs)
	}
}

func TestPullModelStreamsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"pulling manifest"}
{"status":"downloading","total":100,"completed":50}
{"status":"success"}
`))
	}))
	defer srv.Close()

	var progress []strand.PullProgress
	err := testBackend(srv.URL).PullModel(context.Background(), "llama3.2", func(p strand.PullProgress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(progress) != 3 {
		t.Fatalf("progress frames = %d", len(progress))
	}
	if progress[1].Completed != 50 || progress[1].Total != 100 {
		t.Errorf("frame = %+v", progress[1])
	}
}

func TestPullModelErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"pulling manifest"}
{"error":"pull model manifest: file does not exist"}
`))
	}))
	defer srv.Close()

	err := testBackend(srv.URL).PullModel(context.Background(), "nope", nil)
	if err == nil {
		t.Fatal("expected the error frame to fail the pull")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[
			{"name":"llama3.2:latest","size":2019393189,"digest":"a80c4f17acd5","details":{"family":"llama","parameter_size":"3.2B"}}
		]}`))
	}))
	defer srv.Close()

	models, err := testBackend(srv.URL).ListModels(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 {
		t.Fatalf("models = %+v", models)
	}
	m := models[0]
	if m.Name != "llama3.2:latest" || m.Family != "llama" || m.Parameters != "3.2B" {
		t.Errorf("model = %+v", m)
	}
}

func TestShowModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/show" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"details":{"family":"qwen2","parameter_size":"7.6B"},"modified_at":"2025-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	info, err := testBackend(srv.URL).ShowModel(context.Background(), "qwen2.5-coder")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "qwen2.5-coder" || info.Family != "qwen2" || info.ModifiedAt != "2025-01-01T00:00:00Z" {
		t.Errorf("info = %+v", info)
	}
}

func TestDeleteModel(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if r.URL.Path != "/api/delete" {
			t.Errorf("path = %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	if err := testBackend(srv.URL).DeleteModel(context.Background(), "llama3.2"); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s", gotMethod)
	}
}

func TestChatServerErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"model not loaded"}`))
	}))
	defer srv.Close()

	_, err := testBackend(srv.URL).Execute(context.Background(), strand.TurnContext{})
	var he *strand.ErrHTTP
	if !errors.As(err, &he) || he.Status != 500 {
		t.Fatalf("err = %v", err)
	}
	if strand.Classify(err) != strand.KindUnavailable {
		t.Errorf("kind = %s", strand.Classify(err))
	}
}
