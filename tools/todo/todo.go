// Package todo is the agent-scoped task list, persisted in the agent's
// metadata map so the list survives across conversations.
package todo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strandlabs/strand"
)

// metadataKey is the agent metadata entry holding the serialized list.
const metadataKey = "todos"

// Item is one task list entry.
type Item struct {
	ID        string `json:"id"`
	Item      string `json:"item"`
	Priority  string `json:"priority"`
	Done      bool   `json:"done"`
	CreatedAt int64  `json:"created_at"`
}

// Tool serves the todo_* family.
type Tool struct {
	store strand.AgentStore
}

func New(store strand.AgentStore) *Tool {
	return &Tool{store: store}
}

var _ strand.Tool = (*Tool)(nil)

func (t *Tool) Definitions() []strand.ToolDefinition {
	return []strand.ToolDefinition{
		{
			Name:        "todo_add",
			Description: "Add an item to the agent's todo list.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"item":{"type":"string","description":"The task to add"},"priority":{"type":"string","enum":["low","medium","high"],"description":"Task priority, defaults to medium"}},"required":["item"]}`),
		},
		{
			Name:        "todo_list",
			Description: "List the agent's todo items.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "todo_complete",
			Description: "Mark a todo item as done by its id.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string","description":"The todo item id"}},"required":["id"]}`),
		},
		{
			Name:        "todo_remove",
			Description: "Remove a todo item by its id.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string","description":"The todo item id"}},"required":["id"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (strand.ToolResult, error) {
	scope, ok := strand.CallScopeFrom(ctx)
	if !ok {
		return strand.ToolResult{Error: "no conversation scope"}, nil
	}
	items, err := t.load(ctx, scope.AgentID)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}, nil
	}

	switch name {
	case "todo_add":
		var params struct {
			Item     string `json:"item"`
			Priority string `json:"priority"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return strand.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		if params.Priority == "" {
			params.Priority = "medium"
		}
		items = append(items, Item{
			ID:        strand.NewID(),
			Item:      params.Item,
			Priority:  params.Priority,
			CreatedAt: strand.NowUnix(),
		})
		if err := t.save(ctx, scope.AgentID, items); err != nil {
			return strand.ToolResult{Error: err.Error()}, nil
		}
		return strand.ToolResult{Content: fmt.Sprintf("Added todo: %s (priority: %s)", params.Item, params.Priority)}, nil

	case "todo_list":
		if len(items) == 0 {
			return strand.ToolResult{Content: "No todos."}, nil
		}
		out, err := json.Marshal(items)
		if err != nil {
			return strand.ToolResult{Error: err.Error()}, nil
		}
		return strand.ToolResult{Content: string(out)}, nil

	case "todo_complete":
		id, err := parseID(args)
		if err != nil {
			return strand.ToolResult{Error: err.Error()}, nil
		}
		for i := range items {
			if items[i].ID == id {
				items[i].Done = true
				if err := t.save(ctx, scope.AgentID, items); err != nil {
					return strand.ToolResult{Error: err.Error()}, nil
				}
				return strand.ToolResult{Content: fmt.Sprintf("Completed todo: %s", items[i].Item)}, nil
			}
		}
		return strand.ToolResult{Error: fmt.Sprintf("no todo with id %s", id)}, nil

	case "todo_remove":
		id, err := parseID(args)
		if err != nil {
			return strand.ToolResult{Error: err.Error()}, nil
		}
		for i := range items {
			if items[i].ID == id {
				removed := items[i].Item
				items = append(items[:i], items[i+1:]...)
				if err := t.save(ctx, scope.AgentID, items); err != nil {
					return strand.ToolResult{Error: err.Error()}, nil
				}
				return strand.ToolResult{Content: fmt.Sprintf("Removed todo: %s", removed)}, nil
			}
		}
		return strand.ToolResult{Error: fmt.Sprintf("no todo with id %s", id)}, nil
	}
	return strand.ToolResult{Error: "unknown tool " + name}, nil
}

func parseID(args json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if params.ID == "" {
		return "", fmt.Errorf("id is required")
	}
	return params.ID, nil
}

func (t *Tool) load(ctx context.Context, agentID string) ([]Item, error) {
	agent, err := t.store.Agent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	raw := agent.Metadata[metadataKey]
	if raw == "" {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("corrupt todo list: %w", err)
	}
	return items, nil
}

func (t *Tool) save(ctx context.Context, agentID string, items []Item) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode todo list: %w", err)
	}
	if err := t.store.SetAgentMetadata(ctx, agentID, metadataKey, string(raw)); err != nil {
		return fmt.Errorf("save todo list: %w", err)
	}
	return nil
}
