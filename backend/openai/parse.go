package openai

import (
	"encoding/json"

	"github.com/strandlabs/strand"
)

// parseResponse converts a non-streaming chat completions response to the
// canonical Response, extracting content, tool calls, finish reason, and
// usage from choices[0].
func parseResponse(resp chatResponse) strand.Response {
	var out strand.Response
	out.UsageMissing = true

	if len(resp.Choices) == 0 {
		return out
	}
	ch := resp.Choices[0]
	if ch.Message != nil {
		out.Content = ch.Message.Content
		out.Thinking = ch.Message.ReasoningContent
		out.ToolCalls = parseToolCalls(ch.Message.ToolCalls)
	}
	out.FinishReason = strand.NormalizeFinishReason(ch.FinishReason, len(out.ToolCalls))
	if resp.Usage != nil {
		out.Usage = strand.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
		out.UsageMissing = false
	}
	return out
}

// parseToolCalls decodes wire tool calls. The provider returns arguments as
// a JSON string; invalid JSON becomes {} so the registry filters the call.
func parseToolCalls(tcs []wireToolCall) []strand.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]strand.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, strand.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out
}
