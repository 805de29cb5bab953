package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/strandlabs/strand"
)

// streamMessages reads a Messages API SSE stream, pushing text and thinking
// deltas into sink, and returns the accumulated response.
//
// The grammar is typed: message_start carries input token usage,
// content_block_start opens an indexed block, content_block_delta carries a
// text_delta, thinking_delta, or input_json_delta, content_block_stop closes
// the block, message_delta carries the stop reason and output token usage,
// message_stop ends the stream. Tool-use input JSON arrives fragmented per
// block and is parsed only when the block stops.
func streamMessages(ctx context.Context, body io.Reader, sink strand.StreamSink) (strand.Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, thinking strings.Builder
	var usage strand.Usage
	var usageSeen bool
	var stopReason string

	// Open tool_use blocks by stream index.
	type openBlock struct {
		id   string
		name string
		json strings.Builder
	}
	open := make(map[int]*openBlock)
	var toolCalls []strand.ToolCall

	finishBlock := func(idx int) {
		blk, ok := open[idx]
		if !ok {
			return
		}
		delete(open, idx)
		args := json.RawMessage(blk.json.String())
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		toolCalls = append(toolCalls, strand.ToolCall{ID: blk.id, Name: blk.name, Args: args})
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return strand.Response{}, err
		}
		line := scanner.Text()
		// Only data lines carry payloads; the event: line is redundant with
		// the payload's own type field.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
				usageSeen = true
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				open[ev.Index] = &openBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				if sink != nil {
					sink(ev.Delta.Text, strand.ChunkContent)
				}
			case "thinking_delta":
				thinking.WriteString(ev.Delta.Thinking)
				if sink != nil {
					sink(ev.Delta.Thinking, strand.ChunkThinking)
				}
			case "input_json_delta":
				if blk, ok := open[ev.Index]; ok {
					blk.json.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			finishBlock(ev.Index)

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
				usageSeen = true
			}

		case "message_stop":
			// Terminal; drain remaining lines and fall out on EOF.
		}
	}
	if err := scanner.Err(); err != nil {
		return strand.Response{}, err
	}

	// A truncated stream may leave blocks open.
	for idx := range open {
		finishBlock(idx)
	}

	return strand.Response{
		Content:      content.String(),
		Thinking:     thinking.String(),
		ToolCalls:    toolCalls,
		FinishReason: strand.NormalizeFinishReason(stopReason, len(toolCalls)),
		Usage:        usage,
		UsageMissing: !usageSeen,
	}, nil
}

// parseResponse converts a non-streaming Messages API response.
func parseResponse(resp messagesResponse) strand.Response {
	var out strand.Response
	out.UsageMissing = true

	var content, thinking strings.Builder
	for _, blk := range resp.Content {
		switch blk.Type {
		case "text":
			content.WriteString(blk.Text)
		case "thinking":
			thinking.WriteString(blk.Text)
		case "tool_use":
			args := blk.Input
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, strand.ToolCall{ID: blk.ID, Name: blk.Name, Args: args})
		}
	}
	out.Content = content.String()
	out.Thinking = thinking.String()
	out.FinishReason = strand.NormalizeFinishReason(resp.StopReason, len(out.ToolCalls))
	if resp.Usage != nil {
		out.Usage = strand.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		}
		out.UsageMissing = false
	}
	return out
}
