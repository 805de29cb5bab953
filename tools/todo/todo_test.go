package todo

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/strandlabs/strand"
)

// agentStore is a single-agent in-memory AgentStore.
type agentStore struct {
	agent strand.Agent
}

func (s *agentStore) CreateAgent(_ context.Context, a *strand.Agent) error {
	s.agent = *a
	return nil
}

func (s *agentStore) Agent(_ context.Context, id string) (*strand.Agent, error) {
	a := s.agent
	return &a, nil
}

func (s *agentStore) UpdateAgent(_ context.Context, a *strand.Agent) error {
	s.agent = *a
	return nil
}

func (s *agentStore) SetAgentMetadata(_ context.Context, _, key, value string) error {
	if s.agent.Metadata == nil {
		s.agent.Metadata = make(map[string]string)
	}
	s.agent.Metadata[key] = value
	return nil
}

func scoped() context.Context {
	return strand.WithCallScope(context.Background(), strand.CallScope{
		ConversationID: "c1",
		AgentID:        "a1",
	})
}

func exec(t *testing.T, tool *Tool, name, args string) strand.ToolResult {
	t.Helper()
	res, err := tool.Execute(scoped(), name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func TestAddAndList(t *testing.T) {
	tool := New(&agentStore{agent: strand.Agent{ID: "a1"}})

	res := exec(t, tool, "todo_add", `{"item":"buy milk"}`)
	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Content != "Added todo: buy milk (priority: medium)" {
		t.Errorf("content = %q", res.Content)
	}

	exec(t, tool, "todo_add", `{"item":"ship release","priority":"high"}`)

	res = exec(t, tool, "todo_list", `{}`)
	var items []Item
	if err := json.Unmarshal([]byte(res.Content), &items); err != nil {
		t.Fatalf("list output not JSON: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].Item != "buy milk" || items[0].Priority != "medium" {
		t.Errorf("first item = %+v", items[0])
	}
	if items[1].Priority != "high" {
		t.Errorf("second item = %+v", items[1])
	}
	if items[0].ID == "" || items[0].CreatedAt == 0 {
		t.Errorf("item missing id or timestamp: %+v", items[0])
	}
}

func TestListEmpty(t *testing.T) {
	tool := New(&agentStore{agent: strand.Agent{ID: "a1"}})
	res := exec(t, tool, "todo_list", `{}`)
	if res.Content != "No todos." {
		t.Errorf("content = %q", res.Content)
	}
}

func TestCompleteAndRemove(t *testing.T) {
	tool := New(&agentStore{agent: strand.Agent{ID: "a1"}})
	exec(t, tool, "todo_add", `{"item":"write tests"}`)

	res := exec(t, tool, "todo_list", `{}`)
	var items []Item
	json.Unmarshal([]byte(res.Content), &items)
	id := items[0].ID

	res = exec(t, tool, "todo_complete", `{"id":"`+id+`"}`)
	if res.Content != "Completed todo: write tests" {
		t.Errorf("content = %q", res.Content)
	}
	res = exec(t, tool, "todo_list", `{}`)
	json.Unmarshal([]byte(res.Content), &items)
	if !items[0].Done {
		t.Error("item not marked done")
	}

	res = exec(t, tool, "todo_remove", `{"id":"`+id+`"}`)
	if res.Content != "Removed todo: write tests" {
		t.Errorf("content = %q", res.Content)
	}
	res = exec(t, tool, "todo_list", `{}`)
	if res.Content != "No todos." {
		t.Errorf("after remove = %q", res.Content)
	}
}

func TestUnknownIDIsToolError(t *testing.T) {
	tool := New(&agentStore{agent: strand.Agent{ID: "a1"}})
	res := exec(t, tool, "todo_complete", `{"id":"nope"}`)
	if !strings.Contains(res.Error, "no todo with id") {
		t.Errorf("error = %q", res.Error)
	}
	res = exec(t, tool, "todo_remove", `{}`)
	if !strings.Contains(res.Error, "id is required") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteWithoutScope(t *testing.T) {
	tool := New(&agentStore{})
	res, err := tool.Execute(context.Background(), "todo_list", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" {
		t.Error("expected a scope error")
	}
}

func TestListSurvivesReload(t *testing.T) {
	store := &agentStore{agent: strand.Agent{ID: "a1"}}
	exec(t, New(store), "todo_add", `{"item":"persisted"}`)

	// A fresh tool over the same store sees the saved list.
	res := exec(t, New(store), "todo_list", `{}`)
	if !strings.Contains(res.Content, "persisted") {
		t.Errorf("content = %q", res.Content)
	}
}
