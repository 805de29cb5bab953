package strand

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func lookupTool() *scriptedTool {
	return &scriptedTool{
		defs: []ToolDefinition{{
			Name:        "lookup",
			Description: "Look something up",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
		}},
		fn: func(name string, args json.RawMessage) ToolResult {
			return ToolResult{Content: "ok"}
		},
	}
}

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"todo_add":       "todo_add",
		"web-search":     "web-search",
		"bad name!":      "badname",
		"rm -rf /; echo": "rm-rfecho",
	}
	for in, want := range cases {
		if got := SanitizeToolName(in); got != want {
			t.Errorf("SanitizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestForConversationMergesSources(t *testing.T) {
	r := NewRegistry()
	r.Register(lookupTool())

	agent := &Agent{Tools: []ToolDefinition{{Name: "agent_specific"}}}
	conv := &Conversation{ClientTools: []ToolDefinition{{Name: "bash", Description: "client shell"}}}

	ts, err := r.ForConversation(agent, conv)
	if err != nil {
		t.Fatal(err)
	}
	defs := ts.Definitions()
	if len(defs) != 3 {
		t.Fatalf("got %d definitions, want 3", len(defs))
	}
	if !ts.IsClientTool("bash") {
		t.Error("bash not marked as client tool")
	}
	if ts.IsClientTool("lookup") {
		t.Error("lookup wrongly marked as client tool")
	}
}

func TestForConversationRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	r.Register(lookupTool())
	conv := &Conversation{ClientTools: []ToolDefinition{{Name: "lookup"}}}
	if _, err := r.ForConversation(nil, conv); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestFilterValidDropsBadCalls(t *testing.T) {
	r := NewRegistry()
	r.Register(lookupTool())
	ts, err := r.ForConversation(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	calls := []ToolCall{
		{ID: "a", Name: "lookup", Args: json.RawMessage(`{"q":"milk"}`)},
		{ID: "b", Name: "unknown_tool", Args: json.RawMessage(`{}`)},
		{ID: "c", Name: "lookup", Args: json.RawMessage(`{"no":"q"}`)},   // missing required field
		{ID: "d", Name: "lookup", Args: json.RawMessage(`not even json`)},
	}
	valid := ts.FilterValid(calls)
	if len(valid) != 1 || valid[0].ID != "a" {
		t.Fatalf("valid = %+v, want only call a", valid)
	}
}

func TestFilterValidAllowsEmptyArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedTool{
		defs: []ToolDefinition{{Name: "ping", Description: "No arguments"}},
		fn:   func(string, json.RawMessage) ToolResult { return ToolResult{Content: "pong"} },
	})
	ts, err := r.ForConversation(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	valid := ts.FilterValid([]ToolCall{{ID: "a", Name: "ping"}})
	if len(valid) != 1 {
		t.Fatalf("empty-args call filtered: %+v", valid)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedTool{
		defs: []ToolDefinition{{Name: "explode"}},
		fn:   func(string, json.RawMessage) ToolResult { panic("kaboom") },
	})
	ts, err := r.ForConversation(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := ts.Dispatch(context.Background(), ToolCall{ID: "a", Name: "explode"})
	if res.Error == "" || !strings.Contains(res.Error, "kaboom") {
		t.Errorf("result = %+v, want panic captured in error", res)
	}
}

func TestDispatchClientToolRefused(t *testing.T) {
	r := NewRegistry()
	conv := &Conversation{ClientTools: []ToolDefinition{{Name: "bash"}}}
	ts, err := r.ForConversation(nil, conv)
	if err != nil {
		t.Fatal(err)
	}
	res := ts.Dispatch(context.Background(), ToolCall{ID: "a", Name: "bash"})
	if res.Error == "" {
		t.Error("expected error dispatching a client tool server-side")
	}
}

func TestPreambleListsTools(t *testing.T) {
	r := NewRegistry()
	r.Register(lookupTool())
	ts, err := r.ForConversation(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pre := ts.Preamble()
	if !strings.Contains(pre, "lookup: Look something up") {
		t.Errorf("preamble = %q", pre)
	}

	empty, err := NewRegistry().ForConversation(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Preamble() != "" {
		t.Errorf("empty preamble = %q", empty.Preamble())
	}
}
