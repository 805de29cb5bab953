package strand

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEstimateTokensCeilDivision(t *testing.T) {
	cases := map[string]int{
		"":      0,
		"a":     1,
		"abcd":  1,
		"abcde": 2,
	}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestCountFallsBackForUnknownModel(t *testing.T) {
	e := NewTokenEstimator()
	text := "twelve chars"
	if got := e.Count("no-such-model", text); got != EstimateTokens(text) {
		t.Errorf("Count = %d, want fallback %d", got, EstimateTokens(text))
	}
}

func TestCountCachesByModelAndText(t *testing.T) {
	e := NewTokenEstimator()
	now := time.Now()
	e.now = func() time.Time { return now }

	first := e.Count("no-such-model", "hello world")
	if got := e.Count("no-such-model", "hello world"); got != first {
		t.Errorf("cached count = %d, want %d", got, first)
	}
	if len(e.cache) != 1 {
		t.Errorf("cache size = %d, want 1", len(e.cache))
	}

	// Same text under a different model is a separate entry.
	e.Count("other-model", "hello world")
	if len(e.cache) != 2 {
		t.Errorf("cache size = %d, want 2", len(e.cache))
	}

	// Expired entries are recomputed, not served.
	now = now.Add(25 * time.Hour)
	e.Count("no-such-model", "hello world")
	if ent := e.cache[cacheKey("no-such-model", "hello world")]; !ent.expires.After(now) {
		t.Error("expired entry not refreshed")
	}
}

func TestCountMessageIncludesToolCalls(t *testing.T) {
	e := NewTokenEstimator()
	plain := ChatMessage{Role: "user", Content: "hello"}
	withCall := ChatMessage{
		Role:    "assistant",
		Content: "hello",
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"q":"something long enough"}`)},
		},
	}
	if e.CountMessage("m", withCall) <= e.CountMessage("m", plain) {
		t.Error("tool calls not counted")
	}

	withThinking := ChatMessage{Role: "user", Content: "hello", Thinking: "reasoning text"}
	if e.CountMessage("m", withThinking) <= e.CountMessage("m", plain) {
		t.Error("thinking not counted")
	}
}

func TestCountToolsEmptyIsFree(t *testing.T) {
	e := NewTokenEstimator()
	if got := e.CountTools("m", nil); got != 0 {
		t.Errorf("CountTools(nil) = %d", got)
	}
	defs := []ToolDefinition{{Name: "todo_add", Description: "Add a todo item"}}
	if got := e.CountTools("m", defs); got == 0 {
		t.Error("non-empty tool set counted as zero")
	}
}

func TestHashContentStable(t *testing.T) {
	a := HashContent("some chunk text")
	b := HashContent("some chunk text")
	c := HashContent("different text")
	if a != b {
		t.Error("hash not deterministic")
	}
	if a == c {
		t.Error("distinct inputs collide")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
