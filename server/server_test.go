package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/store/sqlite"
)

type fixture struct {
	server *Server
	store  *sqlite.Store
	bus    *strand.Broadcaster
	agent  string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "strand.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	agent := &strand.Agent{ID: strand.NewID(), Name: "helper", CreatedAt: strand.NowUnix()}
	if err := store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatal(err)
	}

	bus := strand.NewBroadcaster()
	queue := strand.NewMemoryQueue(1)
	t.Cleanup(queue.Close)
	engine := strand.NewEngine(store, strand.NewManager("fake"), strand.NewRegistry(), bus, queue)

	return &fixture{
		server: New(engine, store, bus, opts...),
		store:  store,
		bus:    bus,
		agent:  agent.ID,
	}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createConversation(t *testing.T) strand.Conversation {
	t.Helper()
	rec := f.request(t, http.MethodPost, "/conversations", map[string]any{
		"user_id": "u1", "agent_id": f.agent,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	var conv strand.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestCreateConversation(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)
	if conv.ID == "" || conv.Status != strand.StatusIdle {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestCreateConversationValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/conversations", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing agent_id = %d", rec.Code)
	}

	rec = f.request(t, http.MethodPost, "/conversations", map[string]any{
		"user_id": "u1", "agent_id": "no-such-agent",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown agent = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d", rr.Code)
	}
	var e map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil || e["error"] == "" {
		t.Errorf("error body = %s", rr.Body)
	}
}

func TestPostMessageAndList(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)

	rec := f.request(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", map[string]any{
		"content": "hello there",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("post = %d: %s", rec.Code, rec.Body)
	}
	var msg strand.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Role != "user" || msg.Content != "hello there" || msg.Position != 0 {
		t.Errorf("message = %+v", msg)
	}

	rec = f.request(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var msgs []strand.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestPostMessageRequiresContent(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)

	rec := f.request(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", map[string]any{
		"content": "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank content = %d", rec.Code)
	}
}

func TestPostMessageToCancelledConversationConflicts(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)

	rec := f.request(t, http.MethodPost, "/conversations/"+conv.ID+"/cancel", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel = %d", rec.Code)
	}

	rec = f.request(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", map[string]any{
		"content": "too late",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("post after cancel = %d", rec.Code)
	}
}

func TestListMessagesAfterPosition(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)

	for _, text := range []string{"one", "two", "three"} {
		rec := f.request(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", map[string]any{"content": text})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("post = %d", rec.Code)
		}
	}

	rec := f.request(t, http.MethodGet, "/conversations/"+conv.ID+"/messages?after=0", nil)
	var msgs []strand.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" {
		t.Errorf("after 0 = %+v", msgs)
	}

	rec = f.request(t, http.MethodGet, "/conversations/"+conv.ID+"/messages?after=nope", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad after = %d", rec.Code)
	}
}

func TestListMessagesEmptyIsArray(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)

	rec := f.request(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", nil)
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want an empty JSON array", got)
	}
}

func TestToolResultResolvesPendingCall(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)

	// Park the conversation on a client tool call.
	stored, err := f.store.Conversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	stored.Status = strand.StatusPaused
	stored.PendingToolRequest = &strand.ToolCall{ID: "call_9", Name: "get_weather"}
	stored.WaitingFor = strand.WaitingForToolResult
	if err := f.store.UpdateConversation(context.Background(), stored); err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodPost, "/conversations/"+conv.ID+"/tools/call_7/result", map[string]any{
		"output": "sunny",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("mismatched call id = %d", rec.Code)
	}

	rec = f.request(t, http.MethodPost, "/conversations/"+conv.ID+"/tools/call_9/result", map[string]any{
		"output": "sunny",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("tool result = %d: %s", rec.Code, rec.Body)
	}

	msgs, err := f.store.Messages(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || last.Content != "sunny" || last.ToolCallID != "call_9" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestToolResultWithoutPendingCallConflicts(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)

	rec := f.request(t, http.MethodPost, "/conversations/"+conv.ID+"/tools/call_1/result", map[string]any{
		"output": "x",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStreamUnknownConversation(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/conversations/nope/stream", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newFixture(t)
	conv := f.createConversation(t)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/conversations/"+conv.ID+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Error("missing proxy buffering opt-out header")
	}

	reader := bufio.NewReader(resp.Body)

	// The padding comment arrives first and is at least padSize bytes.
	pad, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pad, ": ") || len(pad) < padSize {
		t.Fatalf("padding line = %d bytes", len(pad))
	}

	// Give the subscription time to land before publishing.
	deadline := time.Now().Add(2 * time.Second)
	go func() {
		for time.Now().Before(deadline) {
			f.bus.Publish(conv.ID, strand.Event{Type: strand.EventTextChunk, Kind: "content", Text: "hi"})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		} else if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != "event: text_chunk" {
		t.Errorf("event line = %q", eventLine)
	}
	var ev strand.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Text != "hi" {
		t.Errorf("event = %+v", ev)
	}
}

func TestStreamHeartbeat(t *testing.T) {
	f := newFixture(t, WithHeartbeat(30*time.Millisecond))
	conv := f.createConversation(t)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/conversations/"+conv.ID+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.HasPrefix(line, ": heartbeat") {
			return
		}
	}
}
