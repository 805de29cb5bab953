package strand

// DefaultOutputReserve is the completion-token reservation subtracted from
// the context window before planning input.
const DefaultOutputReserve = 4096

// planSafetyMargin absorbs tokenizer estimation error.
const planSafetyMargin = 256

// PlanInput is everything the context planner needs for one turn.
type PlanInput struct {
	Messages           []Message             // full log, ordered by position
	Summaries          []ConversationSummary // completed rollups only
	ContextLimit       int
	OutputReserve      int
	SystemPromptTokens int
	ToolDefTokens      int

	// Count returns the token count of a message, used when the cached
	// TokenCount is zero. Nil falls back to EstimateTokens over the content.
	Count func(Message) int
}

// planUnit is an indivisible inclusion unit: a single message, an assistant
// message with its correlated tool results, or a summary standing in for a
// message range.
type planUnit struct {
	msgs   []ChatMessage
	tokens int
}

// PlanContext selects the ordered message subset that fits the input budget
//
//	budget = context_limit - output_reserve - system_prompt - tool_defs - margin
//
// The most recent user message and everything after it are always included;
// completed summaries replace their covered ranges; older history is kept
// newest first until the budget runs out. Tool results are never separated
// from the assistant message that produced them.
//
// Returns ErrBudgetExceeded when the latest user message alone cannot fit.
func PlanContext(in PlanInput) ([]ChatMessage, error) {
	if in.OutputReserve == 0 {
		in.OutputReserve = DefaultOutputReserve
	}
	count := in.Count
	if count == nil {
		count = func(m Message) int {
			if m.TokenCount > 0 {
				return m.TokenCount
			}
			return EstimateTokens(m.Content)
		}
	}

	budget := in.ContextLimit - in.OutputReserve - in.SystemPromptTokens - in.ToolDefTokens - planSafetyMargin
	if budget < 0 {
		budget = 0
	}

	// The trigger: the most recent user message plus anything streamed or
	// executed after it. These are mandatory.
	lastUser := -1
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser == -1 {
		return nil, nil
	}
	if n := count(in.Messages[lastUser]); n > budget {
		return nil, &ErrBudgetExceeded{Needed: n, Budget: budget}
	}

	used := 0
	for i := lastUser; i < len(in.Messages); i++ {
		used += count(in.Messages[i])
	}

	units := buildUnits(in.Messages[:lastUser], in.Summaries, count)

	// Newest to oldest, keep whole units while they fit. Stopping at the
	// first overflow drops the oldest history and keeps the kept suffix
	// contiguous.
	keepFrom := len(units)
	for i := len(units) - 1; i >= 0; i-- {
		if used+units[i].tokens > budget {
			break
		}
		used += units[i].tokens
		keepFrom = i
	}

	var out []ChatMessage
	for _, u := range units[keepFrom:] {
		out = append(out, u.msgs...)
	}
	for i := lastUser; i < len(in.Messages); i++ {
		out = append(out, toChatMessage(in.Messages[i]))
	}
	return out, nil
}

// buildUnits converts the history before the trigger into inclusion units in
// positional order: summary ranges collapse to one system message, assistant
// tool calls bind their following tool results.
func buildUnits(history []Message, summaries []ConversationSummary, count func(Message) int) []planUnit {
	covered := func(pos int) *ConversationSummary {
		for i := range summaries {
			s := &summaries[i]
			if s.Status == SummaryCompleted && pos >= s.FromPosition && pos <= s.ToPosition {
				return s
			}
		}
		return nil
	}

	var units []planUnit
	emitted := make(map[string]bool) // summary ids already emitted

	for i := 0; i < len(history); {
		m := history[i]
		if s := covered(m.Position); s != nil {
			if !emitted[s.ID] {
				emitted[s.ID] = true
				units = append(units, planUnit{
					msgs:   []ChatMessage{SystemMessage(s.Content)},
					tokens: s.TokenCount,
				})
			}
			i++
			continue
		}

		unit := planUnit{msgs: []ChatMessage{toChatMessage(m)}, tokens: count(m)}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			// Bind the correlated tool results so the pair is dropped or
			// kept together, never orphaned.
			wanted := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				wanted[tc.ID] = true
			}
			j := i + 1
			for j < len(history) && history[j].Role == "tool" && wanted[history[j].ToolCallID] {
				unit.msgs = append(unit.msgs, toChatMessage(history[j]))
				unit.tokens += count(history[j])
				j++
			}
			i = j
		} else {
			i++
		}
		units = append(units, unit)
	}
	return units
}

func toChatMessage(m Message) ChatMessage {
	return ChatMessage{
		Role:       m.Role,
		Content:    m.Content,
		Images:     m.Images,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Thinking:   m.Thinking,
	}
}
