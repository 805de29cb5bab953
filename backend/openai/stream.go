package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/strandlabs/strand"
)

// streamSSE reads a chat completions SSE stream from body, pushing text
// deltas into sink, and returns the fully accumulated response.
//
// Expected format:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, sink strand.StreamSink) (strand.Response, error) {
	scanner := bufio.NewScanner(body)
	// Large SSE payloads need a bigger buffer than the scanner default.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, thinking strings.Builder
	var usage strand.Usage
	var usageSeen bool
	var finishReason string

	// Tool calls stream incrementally: each fragment carries an index and a
	// piece of the arguments string.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var partials []partialToolCall

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return strand.Response{}, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usageSeen = true
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finishReason = fr
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if sink != nil {
				sink(delta.Content, strand.ChunkContent)
			}
		}
		if delta.ReasoningContent != "" {
			thinking.WriteString(delta.ReasoningContent)
			if sink != nil {
				sink(delta.ReasoningContent, strand.ChunkThinking)
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(partials) <= idx {
				partials = append(partials, partialToolCall{})
			}
			if tc.ID != "" {
				partials[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				partials[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				partials[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return strand.Response{}, err
	}

	var toolCalls []strand.ToolCall
	for _, tc := range partials {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		toolCalls = append(toolCalls, strand.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	return strand.Response{
		Content:      content.String(),
		Thinking:     thinking.String(),
		ToolCalls:    toolCalls,
		FinishReason: strand.NormalizeFinishReason(finishReason, len(toolCalls)),
		Usage:        usage,
		UsageMissing: !usageSeen,
	}, nil
}
