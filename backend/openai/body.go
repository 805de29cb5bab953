package openai

import (
	"encoding/json"
	"fmt"

	"github.com/strandlabs/strand"
)

// buildBody converts a TurnContext plus config into an OpenAI-format chat
// request. The system prompt goes first as a role:"system" message.
func buildBody(turn strand.TurnContext, cfg strand.NormalizedConfig) chatRequest {
	var msgs []wireMessage
	if turn.SystemPrompt != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: turn.SystemPrompt})
	}

	for _, m := range turn.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []wireToolCall
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: functionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := wireMessage{Role: "assistant", ToolCalls: tcs}
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == "tool":
			msgs = append(msgs, wireMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		case len(m.Images) > 0:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				url := img.URL
				if url == "" {
					url = fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64)
				}
				blocks = append(blocks, contentBlock{Type: "image_url", ImageURL: &imageURL{URL: url}})
			}
			msgs = append(msgs, wireMessage{Role: m.Role, Content: blocks})

		default:
			msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
		}
	}

	req := chatRequest{
		Model:    cfg.Model,
		Messages: msgs,
	}
	if len(turn.Tools) > 0 {
		req.Tools = buildToolDefs(turn.Tools)
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		req.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		req.TopP = &p
	}
	if cfg.FrequencyPenalty != 0 {
		f := cfg.FrequencyPenalty
		req.FrequencyPenalty = &f
	}
	if cfg.PresencePenalty != 0 {
		p := cfg.PresencePenalty
		req.PresencePenalty = &p
	}
	if len(cfg.StopSequences) > 0 {
		req.Stop = cfg.StopSequences
	}
	return req
}

// buildToolDefs converts tool definitions to the OpenAI function format.
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
