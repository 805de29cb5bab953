package anthropic

import (
	"encoding/json"

	"github.com/strandlabs/strand"
)

// buildBody converts a TurnContext plus config into a Messages API request.
// The system prompt rides in the top-level system field; tool results become
// tool_result blocks inside user messages, per the Anthropic dialect.
func buildBody(turn strand.TurnContext, cfg strand.NormalizedConfig) messagesRequest {
	var msgs []wireMessage

	for _, m := range turn.Messages {
		switch {
		case m.Role == "system":
			// Planner-inserted summaries arrive as system messages;
			// Anthropic only accepts one top-level system string, so they
			// travel as user text.
			msgs = append(msgs, wireMessage{
				Role:    "user",
				Content: []wireBlock{{Type: "text", Text: m.Content}},
			})

		case m.Role == "assistant":
			var blocks []wireBlock
			if m.Content != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, wireBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = []wireBlock{{Type: "text", Text: ""}}
			}
			msgs = append(msgs, wireMessage{Role: "assistant", Content: blocks})

		case m.Role == "tool":
			msgs = append(msgs, wireMessage{
				Role: "user",
				Content: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		default:
			var blocks []wireBlock
			if m.Content != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				src := &imageSource{}
				if img.URL != "" {
					src.Type = "url"
					src.URL = img.URL
				} else {
					src.Type = "base64"
					src.MediaType = img.MimeType
					src.Data = img.Base64
				}
				blocks = append(blocks, wireBlock{Type: "image", Source: src})
			}
			msgs = append(msgs, wireMessage{Role: "user", Content: blocks})
		}
	}

	req := messagesRequest{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		System:    turn.SystemPrompt,
		Messages:  msgs,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = strand.LimitsFor("anthropic", cfg.Model).MaxCompletionTokens
	}
	if len(turn.Tools) > 0 {
		req.Tools = buildToolDefs(turn.Tools)
	}
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		req.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		req.TopP = &p
	}
	if cfg.TopK != 0 {
		k := cfg.TopK
		req.TopK = &k
	}
	if len(cfg.StopSequences) > 0 {
		req.StopSequences = cfg.StopSequences
	}
	return req
}

func buildToolDefs(tools []strand.ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}
