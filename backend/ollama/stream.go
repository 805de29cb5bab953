package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/strandlabs/strand"
)

// buildBody converts a TurnContext plus config into an Ollama chat request.
// Sampling parameters ride in the options map; the system prompt leads the
// message list.
func buildBody(turn strand.TurnContext, cfg strand.NormalizedConfig) chatRequest {
	var msgs []wireMessage
	if turn.SystemPrompt != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: turn.SystemPrompt})
	}

	for _, m := range turn.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, Thinking: m.Thinking}
		for _, img := range m.Images {
			if img.Base64 != "" {
				wm.Images = append(wm.Images, img.Base64)
			}
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Args
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		// Ollama has no tool role correlator; results carry role "tool"
		// with plain content.
		msgs = append(msgs, wm)
	}

	opts := map[string]any{}
	if cfg.Temperature != 0 {
		opts["temperature"] = cfg.Temperature
	}
	if cfg.TopP != 0 {
		opts["top_p"] = cfg.TopP
	}
	if cfg.TopK != 0 {
		opts["top_k"] = cfg.TopK
	}
	if cfg.MaxTokens > 0 {
		opts["num_predict"] = cfg.MaxTokens
	}
	if cfg.ContextLimit > 0 {
		opts["num_ctx"] = cfg.ContextLimit
	}
	if len(cfg.StopSequences) > 0 {
		opts["stop"] = cfg.StopSequences
	}
	if len(opts) == 0 {
		opts = nil
	}

	req := chatRequest{Model: cfg.Model, Messages: msgs, Options: opts}
	if len(turn.Tools) > 0 {
		req.Tools = buildToolDefs(turn.Tools)
	}
	return req
}

func buildToolDefs(tools []strand.ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// streamNDJSON reads chat frames line by line, pushing content and thinking
// into sink, until the done=true terminal frame. Ollama assigns no tool call
// ids, so synthetic ones are minted for correlation.
func streamNDJSON(ctx context.Context, body io.Reader, sink strand.StreamSink) (strand.Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content, thinking strings.Builder
	var toolCalls []strand.ToolCall
	var usage strand.Usage
	var usageSeen bool
	var doneReason string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return strand.Response{}, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame chatFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			continue
		}

		if frame.Message != nil {
			if frame.Message.Content != "" {
				content.WriteString(frame.Message.Content)
				if sink != nil {
					sink(frame.Message.Content, strand.ChunkContent)
				}
			}
			if frame.Message.Thinking != "" {
				thinking.WriteString(frame.Message.Thinking)
				if sink != nil {
					sink(frame.Message.Thinking, strand.ChunkThinking)
				}
			}
			for _, tc := range frame.Message.ToolCalls {
				args := tc.Function.Arguments
				if len(args) == 0 || !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				toolCalls = append(toolCalls, strand.ToolCall{
					ID:   fmt.Sprintf("call_%d", len(toolCalls)),
					Name: tc.Function.Name,
					Args: args,
				})
			}
		}

		if frame.Done {
			doneReason = frame.DoneReason
			if frame.PromptEvalCount > 0 || frame.EvalCount > 0 {
				usage.PromptTokens = frame.PromptEvalCount
				usage.CompletionTokens = frame.EvalCount
				usageSeen = true
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return strand.Response{}, err
	}

	return strand.Response{
		Content:      content.String(),
		Thinking:     thinking.String(),
		ToolCalls:    toolCalls,
		FinishReason: strand.NormalizeFinishReason(doneReason, len(toolCalls)),
		Usage:        usage,
		UsageMissing: !usageSeen,
	}, nil
}
