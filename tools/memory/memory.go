// Package memory serves conversation_search: semantic recall over the
// user's prior conversation messages.
package memory

import (
	"context"
	"encoding/json"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/rag"
)

// Tool serves the conversation_* family.
type Tool struct {
	recaller *rag.Recaller
}

func New(recaller *rag.Recaller) *Tool {
	return &Tool{recaller: recaller}
}

var _ strand.Tool = (*Tool)(nil)

func (t *Tool) Definitions() []strand.ToolDefinition {
	return []strand.ToolDefinition{{
		Name:        "conversation_search",
		Description: "Search the user's past conversations for messages relevant to a query.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What to look for in prior conversations"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (strand.ToolResult, error) {
	if name != "conversation_search" {
		return strand.ToolResult{Error: "unknown tool " + name}, nil
	}
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return strand.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	scope, ok := strand.CallScopeFrom(ctx)
	if !ok {
		return strand.ToolResult{Error: "no conversation scope"}, nil
	}

	block, err := t.recaller.RecallFor(ctx, scope.ConversationID, scope.UserID, params.Query)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}, nil
	}
	if block == "" {
		return strand.ToolResult{Content: "No relevant prior messages found."}, nil
	}
	return strand.ToolResult{Content: block}, nil
}
