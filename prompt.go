package strand

import (
	"fmt"
	"strings"
)

// PromptInput carries the optional sections of a system prompt. Empty
// sections are skipped.
type PromptInput struct {
	Instructions string
	RAGContext   string
	MemoryRecall string
	ToolPreamble string
	Turn         int
	MaxTurns     int
}

// AssemblePrompt renders the final system prompt: agent instructions, RAG
// context, conversation-memory recall, the tool preamble, and turn metadata,
// joined by blank lines. The first turn's output is snapshotted onto the
// conversation for audit.
func AssemblePrompt(in PromptInput) string {
	sections := make([]string, 0, 5)
	for _, s := range []string{in.Instructions, in.RAGContext, in.MemoryRecall, in.ToolPreamble} {
		if s = strings.TrimSpace(s); s != "" {
			sections = append(sections, s)
		}
	}
	if in.MaxTurns > 0 {
		sections = append(sections, fmt.Sprintf("Turn: %d/%d", in.Turn, in.MaxTurns))
	}
	return strings.Join(sections, "\n\n")
}
